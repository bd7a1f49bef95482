package spi

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/mklimuk/sampler"
)

var _ Port = &MockPort{}

// MockPort runs a behavior function in place of the hardware.
type MockPort struct {
	mx       sync.Mutex
	behavior func(ctx context.Context, transfers []sampler.Transfer) error
	calls    int
	closed   bool
}

func NewMockPort(behavior func(ctx context.Context, transfers []sampler.Transfer) error) *MockPort {
	return &MockPort{behavior: behavior}
}

func (m *MockPort) Tx(ctx context.Context, transfers []sampler.Transfer) error {
	m.mx.Lock()
	m.calls++
	m.mx.Unlock()
	if m.behavior == nil {
		return nil
	}
	return m.behavior(ctx, transfers)
}

func (m *MockPort) Close() error {
	m.mx.Lock()
	m.closed = true
	m.mx.Unlock()
	return nil
}

func (m *MockPort) Calls() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.calls
}

func (m *MockPort) Closed() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.closed
}

// SampleBehavior answers every transfer with the next sample, big-endian,
// cycling through the list.
func SampleBehavior(samples ...uint16) func(ctx context.Context, transfers []sampler.Transfer) error {
	var mx sync.Mutex
	next := 0
	return func(ctx context.Context, transfers []sampler.Transfer) error {
		if len(samples) == 0 {
			return nil
		}
		mx.Lock()
		defer mx.Unlock()
		for _, tr := range transfers {
			if len(tr.Rx) >= 2 {
				binary.BigEndian.PutUint16(tr.Rx, samples[next%len(samples)])
			}
			next++
		}
		return nil
	}
}
