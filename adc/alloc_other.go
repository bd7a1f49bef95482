//go:build !linux

package adc

import "fmt"

// LockedAllocator is only available on linux.
type LockedAllocator struct{}

func (LockedAllocator) Alloc(n int) ([]byte, error) {
	return nil, fmt.Errorf("%w: locked buffers are not supported on this platform", ErrResourceExhausted)
}

func (LockedAllocator) Free([]byte) error {
	return nil
}
