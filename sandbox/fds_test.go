package sandbox

import (
	"os"
	"slices"
	"testing"
)

func TestExtraFds(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fds, err := extraFds(nil)
	if err != nil {
		t.Fatalf("extraFds: error = %v", err)
	}
	for _, fd := range []int{int(r.Fd()), int(w.Fd())} {
		if !slices.Contains(fds, fd) {
			t.Errorf("extraFds: missing open descriptor %d in %v", fd, fds)
		}
	}
	for _, fd := range []int{0, 1, 2} {
		if slices.Contains(fds, fd) {
			t.Errorf("extraFds: stdio descriptor %d listed", fd)
		}
	}

	kept, err := extraFds([]int{int(r.Fd())})
	if err != nil {
		t.Fatalf("extraFds: error = %v", err)
	}
	if slices.Contains(kept, int(r.Fd())) {
		t.Errorf("extraFds: kept descriptor %d listed", int(r.Fd()))
	}
	if !slices.Contains(kept, int(w.Fd())) {
		t.Errorf("extraFds: missing open descriptor %d in %v", int(w.Fd()), kept)
	}
}
