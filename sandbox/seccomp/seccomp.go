// Package seccomp installs the grain's syscall filter. The filter is a
// blacklist with a default-allow action, acknowledged weaker than a
// whitelist, and is loaded last during sandbox entry so that the entry
// sequence itself is not forbidden.
package seccomp

import (
	"fmt"
	"os"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Policy describes the filter variations.
type Policy struct {
	// DevMode leaves most of ptrace usable for debugging. Only the
	// register-write requests stay blocked: the ability to rewrite orig_ax
	// is a complete seccomp bypass.
	DevMode bool
	// DumpPFC writes the pseudo-filter-code rendering of the filter to
	// stdout before loading it.
	DumpPFC bool
}

// Syscalls failing with ENOSYS. Namespace setup is denied outright: nested
// sandboxing could be useful but the attack surface is large. The rest are
// facilities no grain has a business touching.
var enosysSyscalls = []string{
	"add_key", "request_key", "keyctl",
	"syslog", "uselib", "personality", "acct",
	"modify_ldt", "set_thread_area",
	"unshare", "mount", "pivot_root", "quotactl",
	"io_setup", "io_destroy", "io_getevents", "io_submit", "io_cancel",
	"remap_file_pages", "mbind", "get_mempolicy", "set_mempolicy",
	"migrate_pages", "move_pages", "vmsplice",
	"set_robust_list", "get_robust_list",
	"perf_event_open",
}

// Socket families rejected with EAFNOSUPPORT, in addition to everything
// above AF_NETLINK. AF_NETLINK itself stays usable: libc needs it.
var deniedSocketFamilies = []uint64{
	unix.AF_AX25, unix.AF_IPX, unix.AF_APPLETALK, unix.AF_NETROM,
	unix.AF_BRIDGE, unix.AF_ATMPVC, unix.AF_X25, unix.AF_ROSE,
	unix.AF_DECnet, unix.AF_NETBEUI, unix.AF_SECURITY, unix.AF_KEY,
}

// Ptrace requests blocked in dev mode; these permit rewriting orig_ax.
var ptraceWriteRequests = []uint64{
	unix.PTRACE_POKEUSR, unix.PTRACE_SETREGS,
	unix.PTRACE_SETFPREGS, unix.PTRACE_SETREGSET,
}

// Install builds and enforces the filter on the current process.
func (p Policy) Install() error {
	filter, err := p.build()
	if err != nil {
		return err
	}
	defer filter.Release()

	if p.DumpPFC {
		if err := filter.ExportPFC(os.Stdout); err != nil {
			return fmt.Errorf("cannot export pfc: %w", err)
		}
	}
	return filter.Load()
}

func (p Policy) build() (*libseccomp.ScmpFilter, error) {
	filter, err := libseccomp.NewFilter(libseccomp.ActAllow)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize filter: %w", err)
	}

	// Redundant with the prctl issued at startup, but standard and
	// harmless.
	if err := filter.SetNoNewPrivsBit(true); err != nil {
		filter.Release()
		return nil, err
	}

	// It is easy to inadvertently issue an x32 syscall, e.g. syscall(-1).
	// Such calls should fail, but there is no need to kill the issuer.
	if err := filter.SetBadArchAction(actErrno(unix.ENOSYS)); err != nil {
		filter.Release()
		return nil, err
	}

	if err := p.addRules(filter); err != nil {
		filter.Release()
		return nil, err
	}
	return filter, nil
}

func (p Policy) addRules(filter *libseccomp.ScmpFilter) error {
	ptrace, err := libseccomp.GetSyscallFromName("ptrace")
	if err != nil {
		return err
	}
	if !p.DevMode {
		if err := filter.AddRule(ptrace, actErrno(unix.EPERM)); err != nil {
			return ruleErr("ptrace", err)
		}
	} else {
		for _, request := range ptraceWriteRequests {
			cond, err := libseccomp.MakeCondition(0, libseccomp.CompareEqual, request)
			if err != nil {
				return err
			}
			if err := filter.AddRuleConditional(ptrace, actErrno(unix.EPERM),
				[]libseccomp.ScmpCondition{cond}); err != nil {
				return ruleErr("ptrace", err)
			}
		}
	}

	// Restrict the set of allowable network protocol families.
	socket, err := libseccomp.GetSyscallFromName("socket")
	if err != nil {
		return err
	}
	cond, err := libseccomp.MakeCondition(0, libseccomp.CompareGreaterEqual, unix.AF_NETLINK+1)
	if err != nil {
		return err
	}
	if err := filter.AddRuleConditional(socket, actErrno(unix.EAFNOSUPPORT),
		[]libseccomp.ScmpCondition{cond}); err != nil {
		return ruleErr("socket", err)
	}
	for _, family := range deniedSocketFamilies {
		cond, err := libseccomp.MakeCondition(0, libseccomp.CompareEqual, family)
		if err != nil {
			return err
		}
		if err := filter.AddRuleConditional(socket, actErrno(unix.EAFNOSUPPORT),
			[]libseccomp.ScmpCondition{cond}); err != nil {
			return ruleErr("socket", err)
		}
	}

	for _, name := range enosysSyscalls {
		nr, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			// Not every syscall exists on every architecture.
			continue
		}
		if err := filter.AddRule(nr, actErrno(unix.ENOSYS)); err != nil {
			return ruleErr(name, err)
		}
	}

	// Block creation of nested user namespace sandboxes through clone.
	clone, err := libseccomp.GetSyscallFromName("clone")
	if err != nil {
		return err
	}
	cond, err = libseccomp.MakeCondition(0, libseccomp.CompareMaskedEqual,
		unix.CLONE_NEWUSER, unix.CLONE_NEWUSER)
	if err != nil {
		return err
	}
	if err := filter.AddRuleConditional(clone, actErrno(unix.EPERM),
		[]libseccomp.ScmpCondition{cond}); err != nil {
		return ruleErr("clone", err)
	}

	return nil
}

func actErrno(errno unix.Errno) libseccomp.ScmpAction {
	return libseccomp.ActErrno.SetReturnCode(int16(errno))
}

func ruleErr(name string, err error) error {
	return fmt.Errorf("cannot add %s rule: %w", name, err)
}
