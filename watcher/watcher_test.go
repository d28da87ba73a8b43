package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// expectedTreeSize recomputes the full-tree sum the watcher should
// converge to at quiescence.
func expectedTreeSize(t *testing.T, dir string) uint64 {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var total uint64
	for _, entry := range entries {
		usage, err := getDiskUsage(dir, entry.Name())
		if err != nil {
			t.Fatal(err)
		}
		total += usage.bytes
		if usage.isDir {
			total += expectedTreeSize(t, usage.path)
		}
	}
	return total
}

// waitForSize polls until the watcher total matches the recomputed tree
// sum, allowing for event delivery and reconciliation latency.
func waitForSize(t *testing.T, w *Watcher, dir string) uint64 {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var got, want uint64
	for time.Now().Before(deadline) {
		want = expectedTreeSize(t, dir)
		got = w.Size()
		if got == want {
			return got
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Size: %d, want %d", got, want)
	return 0
}

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w := New(dir)
	failed := make(chan error, 1)
	go func() { failed <- w.Run() }()
	t.Cleanup(func() {
		select {
		case err := <-failed:
			t.Errorf("Run: error = %v", err)
		default:
		}
	})
	return w
}

func TestWatcherConvergence(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a/b"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a/b/seed"), make([]byte, 3000), 0600); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, dir)
	initial := waitForSize(t, w, dir)
	if initial == 0 {
		t.Fatal("Size: 0 after initial scan")
	}

	t.Run("create", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "a/payload"), make([]byte, 1<<20), 0600); err != nil {
			t.Fatal(err)
		}
		grown := waitForSize(t, w, dir)
		if grown < initial+1<<20 {
			t.Errorf("Size: %d, want at least %d", grown, initial+1<<20)
		}
	})

	t.Run("rename subtree", func(t *testing.T) {
		before := waitForSize(t, w, dir)
		if err := os.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "z")); err != nil {
			t.Fatal(err)
		}
		after := waitForSize(t, w, dir)
		// Only the renamed entry's own name overhead may shift.
		diff := int64(after) - int64(before)
		if diff < -16 || diff > 16 {
			t.Errorf("Size: moved by %d across rename", diff)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := os.RemoveAll(filepath.Join(dir, "z")); err != nil {
			t.Fatal(err)
		}
		waitForSize(t, w, dir)
	})
}

func TestSizeWhenChanged(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)
	initial := waitForSize(t, w, dir)

	t.Run("already different", func(t *testing.T) {
		start := time.Now()
		size, err := w.SizeWhenChanged(context.Background(), initial+1)
		if err != nil {
			t.Fatalf("SizeWhenChanged: error = %v", err)
		}
		if size != initial {
			t.Errorf("SizeWhenChanged: %d, want %d", size, initial)
		}
		// The debounce delay applies even when no waiting was needed.
		if elapsed := time.Since(start); elapsed < Debounce {
			t.Errorf("SizeWhenChanged: resolved in %v, want at least %v", elapsed, Debounce)
		}
	})

	t.Run("waits for crossing", func(t *testing.T) {
		resolved := make(chan uint64, 1)
		go func() {
			size, err := w.SizeWhenChanged(context.Background(), initial)
			if err != nil {
				t.Error(err)
			}
			resolved <- size
		}()

		// Give the waiter a moment to enqueue its trigger.
		time.Sleep(200 * time.Millisecond)
		select {
		case size := <-resolved:
			t.Fatalf("SizeWhenChanged: resolved early with %d", size)
		default:
		}

		if err := os.WriteFile(filepath.Join(dir, "new"), make([]byte, 100), 0600); err != nil {
			t.Fatal(err)
		}
		select {
		case size := <-resolved:
			if size <= initial {
				t.Errorf("SizeWhenChanged: %d, want more than %d", size, initial)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("SizeWhenChanged: did not resolve")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		if _, err := w.SizeWhenChanged(ctx, w.Size()); err == nil {
			t.Error("SizeWhenChanged: no error after cancel")
		}
	})
}
