package sandbox

import (
	"os"
	"sync"
)

var (
	executable     string
	executableErr  error
	executableOnce sync.Once
)

// Executable returns the resolved path of the current executable, cached on
// first use. Stage processes resolve it before any mount manipulation so
// the path stays meaningful for spawning further stages.
func Executable() (string, error) {
	executableOnce.Do(func() { executable, executableErr = os.Executable() })
	return executable, executableErr
}
