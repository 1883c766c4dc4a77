//go:build linux && (amd64 || arm64 || riscv64)

package sysv

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is an attached System V shared memory segment.
type Segment struct {
	id   int
	data []byte
}

// CreateSegment creates and attaches a new zero-filled segment of size bytes.
// The segment is removed again if it cannot be attached.
func CreateSegment(key Key, size int, perm os.FileMode) (*Segment, error) {
	flags := unix.IPC_CREAT | int(perm.Perm())
	if !key.IsPrivate() {
		flags |= unix.IPC_EXCL
	}

	id, err := unix.SysvShmGet(int(key), size, flags)
	if err != nil {
		return nil, fmt.Errorf("shmget key %s size %d: %w", key, size, shmErr(err))
	}

	seg, err := AttachSegment(id)
	if err != nil {
		if _, rmErr := unix.SysvShmCtl(id, unix.IPC_RMID, nil); rmErr != nil {
			return nil, errors.Join(err, fmt.Errorf("shmctl IPC_RMID %d: %w", id, rmErr))
		}
		return nil, err
	}

	return seg, nil
}

// OpenSegment attaches to an existing segment of at least size bytes.
func OpenSegment(key Key, size int) (*Segment, error) {
	if key.IsPrivate() {
		return nil, fmt.Errorf("open private key: %w", ErrNotExist)
	}

	id, err := unix.SysvShmGet(int(key), size, 0)
	if err != nil {
		return nil, fmt.Errorf("shmget key %s size %d: %w", key, size, shmErr(err))
	}

	return AttachSegment(id)
}

// AttachSegment maps the segment with the given kernel id.
func AttachSegment(id int) (*Segment, error) {
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat %d: %w", id, shmErr(err))
	}

	return &Segment{id: id, data: data}, nil
}

func (s *Segment) ID() int {
	return s.id
}

// Bytes returns the mapping. It is invalid after Detach.
func (s *Segment) Bytes() []byte {
	return s.data
}

func (s *Segment) Size() int {
	return len(s.data)
}

// Detach unmaps the segment from this process. Calling it twice is a no-op.
func (s *Segment) Detach() error {
	if s.data == nil {
		return nil
	}
	if err := unix.SysvShmDetach(s.data); err != nil {
		return fmt.Errorf("shmdt %d: %w", s.id, err)
	}
	s.data = nil
	return nil
}

// Remove marks the segment for destruction. The kernel frees it once the
// last process has detached.
func (s *Segment) Remove() error {
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl IPC_RMID %d: %w", s.id, shmErr(err))
	}
	return nil
}

func shmErr(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errnoErr(errno)
	}
	return err
}

// Ftok derives a key from an existing file and a project id, the same way
// ftok(3) does.
func Ftok(path string, proj byte) (Key, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Private, fmt.Errorf("ftok %s: %w", path, err)
	}
	if proj == 0 {
		return Private, fmt.Errorf("ftok %s: project id must not be zero", path)
	}

	return ftokKey(uint64(st.Dev), uint64(st.Ino), proj), nil
}
