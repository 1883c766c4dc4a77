package sysv

import (
	"errors"
)

// ErrUnsupported is returned on platforms where the System V syscalls are
// not wired.
var ErrUnsupported = errors.New("system v ipc is not supported on this platform")

var (
	// ErrWouldBlock reports that a NoWait operation could not be applied
	// without suspending the caller. Nothing was changed.
	ErrWouldBlock = errors.New("operation would block")
	ErrNotExist   = errors.New("ipc object does not exist")
	ErrExist      = errors.New("ipc object already exists")
)

// Describe turns a kernel error into a short human explanation for logs.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnsupported) {
		return ErrUnsupported.Error()
	}
	if d, ok := describeErrno(err); ok {
		return d
	}

	return "unknown error"
}
