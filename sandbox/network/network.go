// Package network configures the sandbox-side view of the network: a fresh
// loopback, a dummy interface that all external routes lead to, and a nat
// table redirecting everything non-loopback to a host-provided proxy port.
// The app believes it has a network; every non-loopback connection it makes
// lands on 127.0.0.1:23136 of the host side.
package network

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

const (
	dummyName = "dummy0"

	sandboxAddr    = "192.168.250.2/24"
	sandboxGateway = "192.168.250.1"
)

// ProbeIPTables reports whether the ip_tables kernel module is loaded. It
// must run before the sandbox is entered: it requires the host /proc.
func ProbeIPTables() bool {
	f, err := os.Open("/proc/modules")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "ip_tables ") {
			return true
		}
	}
	return false
}

// SetupLoopback brings up lo at 127.0.0.1 inside the current network
// namespace.
func SetupLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("cannot find loopback interface: %w", err)
	}
	addr, err := netlink.ParseAddr("127.0.0.1/8")
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(lo, addr); err != nil {
		return fmt.Errorf("cannot address loopback interface: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("cannot bring up loopback interface: %w", err)
	}
	return nil
}

// SetupInterposition creates the dummy interface, routes all non-loopback
// traffic through it and installs the nat redirect. The interface exists
// only so that packets can be routed somewhere the nat table applies to.
func SetupInterposition() error {
	dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: dummyName}}
	if err := netlink.LinkAdd(dummy); err != nil {
		return fmt.Errorf("cannot create %s: %w", dummyName, err)
	}

	addr, err := netlink.ParseAddr(sandboxAddr)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(dummy, addr); err != nil {
		return fmt.Errorf("cannot address %s: %w", dummyName, err)
	}
	if err := netlink.LinkSetUp(dummy); err != nil {
		return fmt.Errorf("cannot bring up %s: %w", dummyName, err)
	}

	// Any address in 192.168.250.0/24 works as the gateway; nothing ever
	// answers there, the nat table rewrites everything first.
	if err := netlink.RouteAdd(&netlink.Route{
		LinkIndex: dummy.Attrs().Index,
		Gw:        net.ParseIP(sandboxGateway),
	}); err != nil {
		return fmt.Errorf("cannot add default route: %w", err)
	}

	return installNAT(ProxyPort)
}
