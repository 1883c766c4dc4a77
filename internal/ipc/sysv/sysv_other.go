//go:build !(linux && (amd64 || arm64 || riscv64))

package sysv

import (
	"os"
)

const (
	NoWait = int16(0x800)
	Undo   = int16(0x1000)
)

type SemOp struct {
	Num   uint16
	Delta int16
	Flags int16
}

// SemArray is a stub; every operation returns ErrUnsupported.
type SemArray struct {
	id int
	n  int
}

func CreateSemArray(key Key, n int, perm os.FileMode) (*SemArray, error) {
	return nil, ErrUnsupported
}

func OpenSemArray(key Key, n int) (*SemArray, error) {
	return nil, ErrUnsupported
}

func SemArrayFromID(id, n int) (*SemArray, error) {
	return nil, ErrUnsupported
}

func (a *SemArray) ID() int                             { return a.id }
func (a *SemArray) Len() int                            { return a.n }
func (a *SemArray) Get(num uint16) (int, error)         { return 0, ErrUnsupported }
func (a *SemArray) GetAll() ([]int, error)              { return nil, ErrUnsupported }
func (a *SemArray) Set(num uint16, val int) error       { return ErrUnsupported }
func (a *SemArray) Waiting(num uint16) (int, error)     { return 0, ErrUnsupported }
func (a *SemArray) WaitingZero(num uint16) (int, error) { return 0, ErrUnsupported }
func (a *SemArray) Op(ops ...SemOp) error               { return ErrUnsupported }
func (a *SemArray) Remove() error                       { return ErrUnsupported }

// Segment is a stub; every operation returns ErrUnsupported.
type Segment struct {
	id int
}

func CreateSegment(key Key, size int, perm os.FileMode) (*Segment, error) {
	return nil, ErrUnsupported
}

func OpenSegment(key Key, size int) (*Segment, error) {
	return nil, ErrUnsupported
}

func AttachSegment(id int) (*Segment, error) {
	return nil, ErrUnsupported
}

func (s *Segment) ID() int       { return s.id }
func (s *Segment) Bytes() []byte { return nil }
func (s *Segment) Size() int     { return 0 }
func (s *Segment) Detach() error { return ErrUnsupported }
func (s *Segment) Remove() error { return ErrUnsupported }

func Ftok(path string, proj byte) (Key, error) {
	return Private, ErrUnsupported
}

func describeErrno(err error) (string, bool) {
	return "", false
}
