// Package watcher counts up the total disk usage of a directory tree and
// fires events when it changes. Uses inotify, which turns out to be harder
// than it should be.
package watcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Debounce is the settling delay before a size-change notification
// resolves, damping update streams during heavy disk I/O.
const Debounce = 100 * time.Millisecond

// watchFlags selects the events reconciliation is driven by. The original
// expression also repeated IN_DONT_FOLLOW and IN_EXCL_UNLINK outside this
// union, apparently intending further flags that were lost; the union is
// preserved once.
const watchFlags = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_DONT_FOLLOW | unix.IN_ONLYDIR | unix.IN_EXCL_UNLINK

// errOverflow restarts the watcher from scratch after the kernel dropped
// events.
var errOverflow = errors.New("inotify event queue overflow")

// watchInfo tracks one watched directory: its path and the byte
// contribution of each child.
type watchInfo struct {
	path     string
	children map[string]uint64
}

// Watcher watches a directory tree and maintains the invariant that
// totalSize is the sum of every watched directory's child contributions.
// Run owns all mutation; Size and SizeWhenChanged may be called from any
// goroutine.
type Watcher struct {
	root string

	mu sync.Mutex

	fd        int
	totalSize uint64
	// totalSize value last time listeners were fired.
	lastUpdateSize uint64
	listeners      []chan struct{}

	// Maps inotify watch descriptors to info about what is being watched.
	watches map[int]*watchInfo

	// Directories that should be watched, queued because the descriptor
	// table must not change while a batch of events referencing it is
	// still being processed.
	pending []string
}

// New returns a watcher rooted at root, usually "." for the grain var
// directory. Watching starts when Run is called.
func New(root string) *Watcher {
	return &Watcher{root: root, fd: -1, lastUpdateSize: ^uint64(0)}
}

// Size returns the current total usage estimate.
func (w *Watcher) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

// SizeWhenChanged blocks until the usage estimate differs from oldSize,
// then returns it. Even when the value has already changed, the debounce
// delay applies first; this is for a display, a little latency beats an
// update flood.
func (w *Watcher) SizeWhenChanged(ctx context.Context, oldSize uint64) (uint64, error) {
	w.mu.Lock()
	var trigger chan struct{}
	if w.totalSize == oldSize {
		trigger = make(chan struct{})
		w.listeners = append(w.listeners, trigger)
	}
	w.mu.Unlock()

	if trigger != nil {
		select {
		case <-trigger:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	select {
	case <-time.After(Debounce):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return w.Size(), nil
}

// Run watches until a fatal error occurs. Queue overflows restart the
// watch from scratch; anything else is fatal.
func (w *Watcher) Run() error {
	for {
		if err := w.init(); err != nil {
			return err
		}
		if err := w.readLoop(); !errors.Is(err, errOverflow) {
			return err
		}
	}
}

// init starts watching the root directory from a clean slate. Also
// called to restart from scratch when the event queue overflows
// (hopefully rare).
func (w *Watcher) init() error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w", err)
	}

	w.mu.Lock()
	w.fd = fd
	w.totalSize = 0
	w.watches = make(map[int]*watchInfo)
	w.pending = w.pending[:0]
	w.pending = append(w.pending, w.root)
	w.mu.Unlock()
	return nil
}

func (w *Watcher) readLoop() error {
	buf := make([]byte, 4096)
	for {
		w.mu.Lock()
		if err := w.addPendingWatches(); err != nil {
			w.mu.Unlock()
			return err
		}
		w.maybeFireEvents()
		fd := w.fd
		w.mu.Unlock()

		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("inotify read: %w", err)
		}
		if n <= 0 {
			return errors.New("inotify EOF?")
		}

		w.mu.Lock()
		err = w.processEvents(buf[:n])
		w.mu.Unlock()
		if err != nil {
			if errors.Is(err, errOverflow) {
				unix.Close(fd)
			}
			return err
		}
	}
}

// processEvents reconciles one read batch. Events report the past and
// lstat reports the present, so the mask is only a hint that something
// happened at the named child; the direction of change comes from
// re-statting.
func (w *Watcher) processEvents(buf []byte) error {
	for len(buf) > 0 {
		if len(buf) < unix.SizeofInotifyEvent {
			return errors.New("inotify returned partial event?")
		}
		wd := int(int32(binary.LittleEndian.Uint32(buf[0:])))
		mask := binary.LittleEndian.Uint32(buf[4:])
		nameLen := int(binary.LittleEndian.Uint32(buf[12:]))
		if unix.SizeofInotifyEvent+nameLen > len(buf) {
			return errors.New("inotify returned partial event?")
		}
		name := string(trimNul(buf[unix.SizeofInotifyEvent : unix.SizeofInotifyEvent+nameLen]))
		buf = buf[unix.SizeofInotifyEvent+nameLen:]

		if mask&unix.IN_Q_OVERFLOW != 0 {
			return errOverflow
		}

		info, ok := w.watches[wd]
		if !ok {
			return errors.New("inotify gave unknown watch descriptor?")
		}

		if mask&(unix.IN_CREATE|unix.IN_DELETE|unix.IN_MODIFY|unix.IN_MOVE) != 0 {
			if err := w.childEvent(info, name); err != nil {
				return err
			}
		}

		if mask&unix.IN_IGNORED != 0 {
			// This watch descriptor is being removed, probably because the
			// directory was deleted. There should not be any children
			// left, but if there are, un-count them.
			for _, size := range info.children {
				w.totalSize -= size
			}
			delete(w.watches, wd)
		}
	}
	return nil
}

// childEvent re-stats the named child and diffs its contribution against
// the stored value.
func (w *Watcher) childEvent(info *watchInfo, name string) error {
	usage, err := getDiskUsage(info.path, name)
	if err != nil {
		return err
	}

	old, ok := info.children[name]
	switch {
	case usage.bytes == 0:
		// There is no longer a child by this name on disk.
		if ok {
			w.totalSize -= old
			delete(info.children, name)
		}
	case !ok:
		// On disk but not in the table yet.
		w.totalSize += usage.bytes
		info.children[name] = usage.bytes
	default:
		w.totalSize += usage.bytes - old
		info.children[name] = usage.bytes
	}

	// IN_MODIFY is never generated for subdirectories, so an event naming
	// a directory means it is newly created or newly moved in. Either way
	// the watch must be (re)established, but not before the rest of this
	// batch is consumed: the descriptor table has to stay consistent with
	// the events still referencing it.
	if usage.isDir {
		w.pending = append(w.pending, usage.path)
	}
	return nil
}

// addPendingWatches drains the pending list as a stack, giving depth-first
// traversal of the directory tree.
func (w *Watcher) addPendingWatches() error {
	for len(w.pending) > 0 {
		path := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]
		if err := w.addWatch(path); err != nil {
			return err
		}
	}
	return nil
}

// addWatch starts watching path. Safe to call for a path that is already
// watched: the kernel then returns the existing descriptor, and the child
// table is rebuilt, which is exactly what a move requires since the stored
// state may have gone stale while the path was wrong.
func (w *Watcher) addWatch(path string) error {
	var wd int
	for {
		var err error
		wd, err = unix.InotifyAddWatch(w.fd, path, watchFlags)
		if err == nil {
			break
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.ENOENT, unix.ENOTDIR:
			// No longer a directory at this path; perhaps deleted. No
			// matter.
			return nil
		default:
			// ENOSPC lands here too: no watches left is fatal for now.
			return fmt.Errorf("inotify_add_watch %s: %w", path, err)
		}
	}

	info, ok := w.watches[wd]
	if !ok {
		info = &watchInfo{children: make(map[string]uint64)}
		w.watches[wd] = info
	}
	info.path = path

	// Reusing an existing descriptor: clear out contents that may be stale
	// from whatever race produced the reuse, then relist.
	for name, size := range info.children {
		w.totalSize -= size
		delete(info.children, name)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		// Lost another race with deletion; the IN_IGNORED event cleans up.
		return nil
	}
	for _, entry := range entries {
		if err := w.childEvent(info, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

// maybeFireEvents resolves every waiting listener once the size has moved
// since the last resolution. No trigger remains enqueued afterwards.
func (w *Watcher) maybeFireEvents() {
	if w.totalSize == w.lastUpdateSize {
		return
	}
	for _, trigger := range w.listeners {
		close(trigger)
	}
	w.listeners = nil
	w.lastUpdateSize = w.totalSize
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
