package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "exists/nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(base, "exists"), filepath.Join(base, "link")); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	// The temp root itself may contain symlinks.
	canonBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name string
		path string
		want string
	}{
		{"existing absolute", filepath.Join(base, "exists"), filepath.Join(canonBase, "exists")},
		{"missing tail", filepath.Join(base, "exists/missing"), filepath.Join(canonBase, "exists/missing")},
		{"missing nested", filepath.Join(base, "missing/deeper/still"), filepath.Join(canonBase, "missing/deeper/still")},
		{"symlink parent", filepath.Join(base, "link/missing"), filepath.Join(canonBase, "exists/missing")},
		{"root child", "/nonexistent-grainhost-test", "/nonexistent-grainhost-test"},
		{"relative single component", "nonexistent-grainhost-test", filepath.Join(wd, "nonexistent-grainhost-test")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize(tc.path)
			if err != nil {
				t.Fatalf("Canonicalize: error = %v", err)
			}
			if got != tc.want {
				t.Errorf("Canonicalize: %q, want %q", got, tc.want)
			}
		})
	}
}
