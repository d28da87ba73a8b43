package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize returns an absolute path for name with symlinks resolved.
// Unlike [filepath.EvalSymlinks] it tolerates nonexistent components: grain
// directories are created later in the setup sequence, so the tail of the
// path may not exist yet. Missing components are re-joined onto the
// canonical form of their closest existing ancestor.
func Canonicalize(name string) (string, error) {
	resolved, err := filepath.EvalSymlinks(name)
	if err == nil {
		return filepath.Abs(resolved)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		if i == 0 {
			// "/name": the root directory obviously exists.
			return name, nil
		}
		parent, err := Canonicalize(name[:i])
		if err != nil {
			return "", err
		}
		return parent + name[i:], nil
	}

	// Relative path with only one component.
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, name), nil
}
