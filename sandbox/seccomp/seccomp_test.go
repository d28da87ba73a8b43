package seccomp

import (
	"slices"
	"testing"

	"golang.org/x/sys/unix"
)

func TestDenyTables(t *testing.T) {
	t.Run("enosys set", func(t *testing.T) {
		for _, name := range []string{
			"unshare", "mount", "pivot_root", "quotactl",
			"keyctl", "syslog", "uselib", "personality", "acct",
			"modify_ldt", "set_thread_area",
			"io_submit", "vmsplice", "set_robust_list", "perf_event_open",
		} {
			if !slices.Contains(enosysSyscalls, name) {
				t.Errorf("enosysSyscalls: missing %q", name)
			}
		}
		seen := make(map[string]bool, len(enosysSyscalls))
		for _, name := range enosysSyscalls {
			if seen[name] {
				t.Errorf("enosysSyscalls: duplicate %q", name)
			}
			seen[name] = true
		}
	})

	t.Run("socket families", func(t *testing.T) {
		for _, family := range []uint64{
			unix.AF_AX25, unix.AF_IPX, unix.AF_APPLETALK, unix.AF_NETROM,
			unix.AF_BRIDGE, unix.AF_ATMPVC, unix.AF_X25, unix.AF_ROSE,
			unix.AF_DECnet, unix.AF_NETBEUI, unix.AF_SECURITY, unix.AF_KEY,
		} {
			if !slices.Contains(deniedSocketFamilies, family) {
				t.Errorf("deniedSocketFamilies: missing family %d", family)
			}
		}
		// Everything at or below AF_NETLINK must stay reachable as an
		// explicit deny only; libc needs netlink itself.
		if slices.Contains(deniedSocketFamilies, uint64(unix.AF_NETLINK)) {
			t.Error("deniedSocketFamilies: contains AF_NETLINK")
		}
		if slices.Contains(deniedSocketFamilies, uint64(unix.AF_UNIX)) {
			t.Error("deniedSocketFamilies: contains AF_UNIX")
		}
		if slices.Contains(deniedSocketFamilies, uint64(unix.AF_INET)) {
			t.Error("deniedSocketFamilies: contains AF_INET")
		}
	})

	t.Run("ptrace write requests", func(t *testing.T) {
		want := []uint64{
			unix.PTRACE_POKEUSR, unix.PTRACE_SETREGS,
			unix.PTRACE_SETFPREGS, unix.PTRACE_SETREGSET,
		}
		for _, request := range want {
			if !slices.Contains(ptraceWriteRequests, request) {
				t.Errorf("ptraceWriteRequests: missing request %#x", request)
			}
		}
		if len(ptraceWriteRequests) != len(want) {
			t.Errorf("ptraceWriteRequests: %d entries, want %d", len(ptraceWriteRequests), len(want))
		}
	})
}

func TestBuild(t *testing.T) {
	// Exercises libseccomp construction without loading the filter.
	for _, policy := range []Policy{{}, {DevMode: true}} {
		filter, err := policy.build()
		if err != nil {
			t.Fatalf("build: error = %v", err)
		}
		filter.Release()
	}
}
