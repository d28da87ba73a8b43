package watcher

import (
	"os"
	"path/filepath"
	"testing"
)

// entryOverhead mirrors the metadata estimate added per directory entry.
func entryOverhead(name string) uint64 {
	return statSize + ((uint64(len(name)) + 8) &^ 7)
}

func TestGetDiskUsage(t *testing.T) {
	dir := t.TempDir()

	t.Run("regular file", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "file"), make([]byte, 5000), 0600); err != nil {
			t.Fatal(err)
		}
		usage, err := getDiskUsage(dir, "file")
		if err != nil {
			t.Fatalf("getDiskUsage: error = %v", err)
		}
		// 5000 rounds up to two 4k blocks.
		if want := 8192 + entryOverhead("file"); usage.bytes != want {
			t.Errorf("bytes: %d, want %d", usage.bytes, want)
		}
		if usage.isDir {
			t.Error("isDir: true for regular file")
		}
	})

	t.Run("hard links amortized", func(t *testing.T) {
		if err := os.Link(filepath.Join(dir, "file"), filepath.Join(dir, "hardlink")); err != nil {
			t.Fatal(err)
		}
		usage, err := getDiskUsage(dir, "hardlink")
		if err != nil {
			t.Fatalf("getDiskUsage: error = %v", err)
		}
		if want := 8192/2 + entryOverhead("hardlink"); usage.bytes != want {
			t.Errorf("bytes: %d, want %d", usage.bytes, want)
		}
		if err := os.Remove(filepath.Join(dir, "hardlink")); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		if err := os.Mkdir(filepath.Join(dir, "sub"), 0700); err != nil {
			t.Fatal(err)
		}
		usage, err := getDiskUsage(dir, "sub")
		if err != nil {
			t.Fatalf("getDiskUsage: error = %v", err)
		}
		if !usage.isDir {
			t.Error("isDir: false for directory")
		}
		if usage.path != dir+"/sub" {
			t.Errorf("path: %q", usage.path)
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		usage, err := getDiskUsage(dir, "gone")
		if err != nil {
			t.Fatalf("getDiskUsage: error = %v", err)
		}
		if usage.bytes != 0 {
			t.Errorf("bytes: %d, want 0", usage.bytes)
		}
	})

	t.Run("replaced parent", func(t *testing.T) {
		usage, err := getDiskUsage(filepath.Join(dir, "file"), "below")
		if err != nil {
			t.Fatalf("getDiskUsage: error = %v", err)
		}
		if usage.bytes != 0 {
			t.Errorf("bytes: %d, want 0", usage.bytes)
		}
	})

	t.Run("symlink not followed", func(t *testing.T) {
		if err := os.Symlink(filepath.Join(dir, "file"), filepath.Join(dir, "symlink")); err != nil {
			t.Fatal(err)
		}
		usage, err := getDiskUsage(dir, "symlink")
		if err != nil {
			t.Fatalf("getDiskUsage: error = %v", err)
		}
		if usage.isDir {
			t.Error("isDir: true for symlink")
		}
		// A symlink's own size is its target path length, under one block.
		if want := 4096 + entryOverhead("symlink"); usage.bytes != want {
			t.Errorf("bytes: %d, want %d", usage.bytes, want)
		}
	})
}
