// Package sysv wraps the System V semaphore and shared memory syscalls used
// to coordinate independent processes on one host.
package sysv

import (
	"fmt"
	"strconv"
)

// Key addresses a System V object in the host-wide IPC namespace.
type Key int32

// Private asks the kernel for a fresh object that no other key can reach
// (IPC_PRIVATE). Private objects are shared by passing their ids around.
const Private = Key(0)

func (k Key) IsPrivate() bool {
	return k == Private
}

// Offset returns the key i positions after k. A private key stays private.
func (k Key) Offset(i int) Key {
	if k.IsPrivate() {
		return Private
	}
	return k + Key(i)
}

func (k Key) String() string {
	if k.IsPrivate() {
		return "private"
	}
	return "0x" + strconv.FormatUint(uint64(uint32(k)), 16)
}

// ParseKey accepts decimal, 0x-prefixed hex or the word "private".
func ParseKey(s string) (Key, error) {
	if s == "" || s == "private" {
		return Private, nil
	}

	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return Private, fmt.Errorf("cannot parse ipc key %q: %w", s, err)
	}
	if v < -1<<31 || v > 1<<32-1 {
		return Private, fmt.Errorf("ipc key %q out of range", s)
	}

	return Key(int32(uint32(v))), nil
}

func ftokKey(dev, ino uint64, proj byte) Key {
	return Key(int32(uint32(ino&0xffff) | uint32(dev&0xff)<<16 | uint32(proj)<<24))
}
