//go:build linux && (amd64 || arm64 || riscv64)

package sysv

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// semctl commands, from <linux/sem.h>. x/sys/unix does not export them.
const (
	cmdGetVal  = 12
	cmdGetNcnt = 14
	cmdGetZcnt = 15
	cmdSetVal  = 16
)

// Operation flags for SemOp.Flags.
const (
	NoWait = int16(unix.IPC_NOWAIT)
	// Undo makes the kernel reverse the operation when the calling process
	// exits without reversing it itself.
	Undo = int16(0x1000)
)

// SemOp mirrors struct sembuf: three shorts, no padding.
type SemOp struct {
	Num   uint16
	Delta int16
	Flags int16
}

// SemArray is a kernel semaphore array.
type SemArray struct {
	id int
	n  int
}

// CreateSemArray creates a new array of n semaphores. For a non-private key
// the call fails with ErrExist when the key is already taken.
func CreateSemArray(key Key, n int, perm os.FileMode) (*SemArray, error) {
	flags := unix.IPC_CREAT | int(perm.Perm())
	if !key.IsPrivate() {
		flags |= unix.IPC_EXCL
	}

	id, err := semget(key, n, flags)
	if err != nil {
		return nil, fmt.Errorf("semget key %s nsems %d: %w", key, n, err)
	}

	return &SemArray{id: id, n: n}, nil
}

// OpenSemArray attaches to an existing array of at least n semaphores.
func OpenSemArray(key Key, n int) (*SemArray, error) {
	if key.IsPrivate() {
		return nil, fmt.Errorf("open private key: %w", ErrNotExist)
	}

	id, err := semget(key, n, 0)
	if err != nil {
		return nil, fmt.Errorf("semget key %s nsems %d: %w", key, n, err)
	}

	return &SemArray{id: id, n: n}, nil
}

// SemArrayFromID attaches to an array by kernel id, checking that semaphore
// n-1 is addressable.
func SemArrayFromID(id, n int) (*SemArray, error) {
	a := &SemArray{id: id, n: n}
	if n <= 0 {
		return nil, fmt.Errorf("semaphore array %d: %w", id, errnoErr(unix.EINVAL))
	}
	if _, err := a.Get(uint16(n - 1)); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *SemArray) ID() int {
	return a.id
}

func (a *SemArray) Len() int {
	return a.n
}

func (a *SemArray) Get(num uint16) (int, error) {
	v, err := semctl(a.id, int(num), cmdGetVal, 0)
	if err != nil {
		return 0, fmt.Errorf("semctl GETVAL %d[%d]: %w", a.id, num, err)
	}
	return v, nil
}

// GetAll reads every semaphore of the array. The reads are not one atomic
// snapshot. GETALL is avoided because the kernel fills the buffer with the
// array's real length, which may exceed n for an array opened by key.
func (a *SemArray) GetAll() ([]int, error) {
	values := make([]int, a.n)
	for i := range values {
		v, err := a.Get(uint16(i))
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// Set stores val into semaphore num. The kernel takes the semun union by
// value, so the int goes straight into the argument register.
func (a *SemArray) Set(num uint16, val int) error {
	if _, err := semctl(a.id, int(num), cmdSetVal, val); err != nil {
		return fmt.Errorf("semctl SETVAL %d[%d]=%d: %w", a.id, num, val, err)
	}
	return nil
}

// Waiting returns how many processes are suspended waiting for semaphore num
// to increase.
func (a *SemArray) Waiting(num uint16) (int, error) {
	v, err := semctl(a.id, int(num), cmdGetNcnt, 0)
	if err != nil {
		return 0, fmt.Errorf("semctl GETNCNT %d[%d]: %w", a.id, num, err)
	}
	return v, nil
}

// WaitingZero returns how many processes are suspended waiting for semaphore
// num to reach zero.
func (a *SemArray) WaitingZero(num uint16) (int, error) {
	v, err := semctl(a.id, int(num), cmdGetZcnt, 0)
	if err != nil {
		return 0, fmt.Errorf("semctl GETZCNT %d[%d]: %w", a.id, num, err)
	}
	return v, nil
}

// Op applies ops atomically: either all of them take effect or none does.
// Without NoWait the caller sleeps until they can be applied. A sleep
// interrupted by a signal is resumed.
func (a *SemArray) Op(ops ...SemOp) error {
	if len(ops) == 0 {
		return nil
	}

	for {
		_, _, e := unix.Syscall(unix.SYS_SEMOP, uintptr(a.id),
			uintptr(unsafe.Pointer(&ops[0])), uintptr(len(ops)))
		switch e {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("semop %d: %w", a.id, errnoErr(e))
		}
	}
}

// Remove destroys the array and wakes every sleeper with EIDRM.
func (a *SemArray) Remove() error {
	if _, err := semctl(a.id, 0, unix.IPC_RMID, 0); err != nil {
		return fmt.Errorf("semctl IPC_RMID %d: %w", a.id, err)
	}
	return nil
}

func semget(key Key, n, flags int) (int, error) {
	id, _, e := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(n), uintptr(flags))
	if e != 0 {
		return 0, errnoErr(e)
	}
	return int(id), nil
}

func semctl(id, num, cmd, arg int) (int, error) {
	r, _, e := unix.Syscall6(unix.SYS_SEMCTL, uintptr(id), uintptr(num),
		uintptr(cmd), uintptr(arg), 0, 0)
	if e != 0 {
		return 0, errnoErr(e)
	}
	return int(r), nil
}

// errnoErr keeps the errno reachable through errors.Is while adding the
// package sentinels callers branch on.
func errnoErr(e unix.Errno) error {
	switch e {
	case unix.EAGAIN:
		return fmt.Errorf("%w: %w", ErrWouldBlock, e)
	case unix.ENOENT:
		return fmt.Errorf("%w: %w", ErrNotExist, e)
	case unix.EEXIST:
		return fmt.Errorf("%w: %w", ErrExist, e)
	}
	return e
}

var errnoDescriptions = map[unix.Errno]string{
	unix.EINVAL: "invalid semaphore identifier, command, or semaphore number",
	unix.EACCES: "permission denied",
	unix.ENOMEM: "not enough memory",
	unix.ENOSPC: "system limit on ipc objects reached",
	unix.EEXIST: "an object already exists for this key",
	unix.ENOENT: "no object exists for this key",
	unix.EIDRM:  "object was removed",
	unix.ERANGE: "value out of range",
	unix.E2BIG:  "too many operations in one call",
	unix.EFBIG:  "semaphore number out of range",
	unix.EPERM:  "operation not permitted",
	unix.EAGAIN: "operation would block",
}

func describeErrno(err error) (string, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return "", false
	}
	d, ok := errnoDescriptions[errno]
	return d, ok
}
