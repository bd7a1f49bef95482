//go:build linux

package adc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// LockedAllocator maps anonymous page-locked memory so that request buffers
// never fault while a transfer is on the wire. Mappings are limited by
// RLIMIT_MEMLOCK; running out of it fails the attach with ErrResourceExhausted.
type LockedAllocator struct{}

func (LockedAllocator) Alloc(n int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_LOCKED)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: mmap %d locked bytes: %w", ErrResourceExhausted, n, err)
		}
		return nil, fmt.Errorf("could not map %d bytes: %w", n, err)
	}
	return buf, nil
}

func (LockedAllocator) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
