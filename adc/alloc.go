package adc

// Allocator provides request buffers. Buffers are requested once per attach
// and handed back on detach.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(buf []byte) error
}

// HeapAllocator hands out ordinary garbage-collected slices.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (HeapAllocator) Free([]byte) error {
	return nil
}
