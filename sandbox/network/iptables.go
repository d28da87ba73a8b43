package network

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ProxyPort is the host port all outbound TCP and UDP from the sandbox is
// redirected to.
const ProxyPort = 23136

// Netfilter ABI. The ip_tables interface has no Go binding that speaks the
// raw socket protocol (the usual libraries drive the iptables binary, which
// does not exist inside the sandbox), so the table image is assembled by
// hand against the layouts in linux/netfilter_ipv4/ip_tables.h.
const (
	iptBaseCtl = 64

	iptSoSetReplace = iptBaseCtl
	iptSoGetInfo    = iptBaseCtl

	// Offsets are into the entries blob, one slot per netfilter hook.
	nfInetPreRouting  = 0
	nfInetLocalIn     = 1
	nfInetForward     = 2
	nfInetLocalOut    = 3
	nfInetPostRouting = 4
	nfInetNumHooks    = 5

	nfAccept = 1

	nfNatRangeMapIPs         = 1 << 0
	nfNatRangeProtoSpecified = 1 << 1

	sizeofIptGetinfo   = 84
	sizeofIptReplace   = 96
	sizeofIptEntry     = 112
	sizeofEntryTarget  = 32
	sizeofNatRange     = 20
	sizeofXtCounters   = 16
	sizeofErrorName    = 30
	localhostAddr      = 0x7F000001
	localNetAddr       = 0x7F000000
	localNetMask       = 0xFF000000
)

// Field offsets within struct ipt_replace.
const (
	replaceValidHooks  = 32
	replaceNumEntries  = 36
	replaceSize        = 40
	replaceHookEntry   = 44
	replaceUnderflow   = 64
	replaceNumCounters = 84
	replaceCounters    = 88
)

// Field offsets within struct ipt_entry.
const (
	entryDst          = 4
	entryDmsk         = 12
	entryProto        = 80
	entryTargetOffset = 88
	entryNextOffset   = 90
)

// iptGetinfo mirrors the fields of struct ipt_getinfo this package reads.
type iptGetinfo struct {
	validHooks uint32
	numEntries uint32
	size       uint32
}

// getNATInfo queries the existing nat table, needed to properly fill out
// the replace request.
func getNATInfo(fd int) (info iptGetinfo, err error) {
	buf := make([]byte, sizeofIptGetinfo)
	copy(buf, "nat")
	optlen := uint32(len(buf))

	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(unix.IPPROTO_IP), iptSoGetInfo,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&optlen)), 0)
	if errno != 0 {
		return info, fmt.Errorf("cannot query nat table: %w", errno)
	}

	info.validHooks = binary.LittleEndian.Uint32(buf[32:])
	info.numEntries = binary.LittleEndian.Uint32(buf[76:])
	info.size = binary.LittleEndian.Uint32(buf[80:])
	return info, nil
}

// addStandardTarget appends a standard verdict target to the current entry.
func addStandardTarget(m *StructyMessage, verdict int32) int {
	target := m.Add(sizeofEntryTarget)
	v := m.Add(4)
	m.PutUint32(v, uint32(verdict))
	m.PutUint16(target, uint16(m.End()-target))
	return target
}

// addDNATTarget appends a DNAT target rewriting the destination to
// 127.0.0.1:port.
func addDNATTarget(m *StructyMessage, port uint16) int {
	target := m.Add(sizeofEntryTarget)
	r := m.Add(sizeofNatRange)
	m.PutUint32(r, 1) // rangesize
	m.PutUint32(r+4, nfNatRangeMapIPs|nfNatRangeProtoSpecified)
	m.PutUint32BE(r+8, localhostAddr)
	m.PutUint32BE(r+12, localhostAddr)
	m.PutUint16BE(r+16, port)
	m.PutUint16BE(r+18, port)
	m.PutUint16(target, uint16(m.End()-target))
	m.PutString(target+2, "DNAT")
	return target
}

// finishEntry records the target and successor offsets of an entry.
func finishEntry(m *StructyMessage, entry, target int) {
	m.PutUint16(entry+entryTargetOffset, uint16(target-entry))
	m.PutUint16(entry+entryNextOffset, uint16(m.End()-entry))
}

// natTable assembles the ipt_replace image that redirects all outbound TCP
// and UDP to 127.0.0.1:port, equivalent-ish to:
//
//	iptables -t nat -A OUTPUT -p tcp -j DNAT --to 127.0.0.1:port
//	iptables -t nat -A OUTPUT -p udp -j DNAT --to 127.0.0.1:port
//
// The LOCAL_OUT hook enters at an entry accepting everything destined for
// 127.0.0.0/8; every other hook enters at the terminal accept-all. The
// returned counters offset must be pointed at writable memory for the
// kernel to dump the old table's counters into.
func natTable(info iptGetinfo, port uint16) (m *StructyMessage, countersOffset int) {
	m = NewStructyMessage(8)

	replace := m.Add(sizeofIptReplace)
	m.PutString(replace, "nat")
	m.PutUint32(replace+replaceValidHooks, info.validHooks)
	m.PutUint32(replace+replaceNumCounters, info.numEntries)
	countersOffset = replace + replaceCounters

	entries := m.End()

	// Accept all packets destined for 127.0.0.0/8.
	acceptLocal := m.Add(sizeofIptEntry)
	m.PutUint32BE(acceptLocal+entryDst, localNetAddr)
	m.PutUint32BE(acceptLocal+entryDmsk, localNetMask)
	finishEntry(m, acceptLocal, addStandardTarget(m, -nfAccept-1))

	// Forward all TCP to the local proxy port.
	dnatTCP := m.Add(sizeofIptEntry)
	m.PutUint16(dnatTCP+entryProto, unix.IPPROTO_TCP)
	finishEntry(m, dnatTCP, addDNATTarget(m, port))

	// Forward all UDP to the local proxy port.
	dnatUDP := m.Add(sizeofIptEntry)
	m.PutUint16(dnatUDP+entryProto, unix.IPPROTO_UDP)
	finishEntry(m, dnatUDP, addDNATTarget(m, port))

	// Accept everything.
	acceptAll := m.Add(sizeofIptEntry)
	finishEntry(m, acceptAll, addStandardTarget(m, -nfAccept-1))

	// Cap it off with the customary terminal error entry.
	errorEntry := m.Add(sizeofIptEntry)
	errorTarget := m.Add(sizeofEntryTarget)
	errorName := m.Add(sizeofErrorName)
	m.PutUint16(errorTarget, uint16(m.End()-errorTarget))
	m.PutString(errorTarget+2, "ERROR")
	m.PutString(errorName, "ERROR")
	finishEntry(m, errorEntry, errorTarget)

	m.PutUint32(replace+replaceNumEntries, 5)
	m.PutUint32(replace+replaceSize, uint32(m.End()-entries))

	for _, hook := range [nfInetNumHooks]int{
		nfInetPreRouting, nfInetLocalIn, nfInetForward, nfInetLocalOut, nfInetPostRouting,
	} {
		entry := acceptAll
		if hook == nfInetLocalOut {
			entry = acceptLocal
		}
		m.PutUint32(replace+replaceHookEntry+4*hook, uint32(entry-entries))
		m.PutUint32(replace+replaceUnderflow+4*hook, uint32(acceptAll-entries))
	}

	return m, countersOffset
}

// installNAT replaces the nat table of the current network namespace.
func installNAT(port uint16) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_IP)
	if err != nil {
		return fmt.Errorf("cannot open netfilter socket: %w", err)
	}
	defer unix.Close(fd)

	info, err := getNATInfo(fd)
	if err != nil {
		return err
	}

	m, countersOffset := natTable(info, port)

	// The kernel insists on a place to write out the counters of the
	// existing entries; they should all be zero, but it needs the space.
	numCounters := info.numEntries
	if numCounters == 0 {
		numCounters = 1
	}
	oldCounters := make([]byte, sizeofXtCounters*numCounters)
	m.PutUint64(countersOffset, uint64(uintptr(unsafe.Pointer(&oldCounters[0]))))

	err = unix.SetsockoptString(fd, unix.IPPROTO_IP, iptSoSetReplace, string(m.Bytes()))
	runtime.KeepAlive(oldCounters)
	if err != nil {
		return fmt.Errorf("cannot replace nat table: %w", err)
	}
	return nil
}
