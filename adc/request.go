package adc

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sampler"
)

type state int32

// A request is owned by exactly one stage at a time.
const (
	stateIdle state = iota
	stateInFlight
	stateStaged
	stateProcessing
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInFlight:
		return "in-flight"
	case stateStaged:
		return "staged"
	case stateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Request is the reusable transfer chain of one channel. It is allocated on
// attach and recycled for every sampling cycle.
type Request struct {
	channel   int
	tx        []byte
	rx        []byte
	transfers []sampler.Transfer
	msg       sampler.Message
	done      chan struct{}

	state state32
	// status of the last completion; written by the completion handler before
	// the request is staged, read by the worker after the swap
	status error

	avg       atomic.Uint32
	completed atomic.Uint64
	processed atomic.Uint64
}

type state32 struct {
	v atomic.Int32
}

func (s *state32) load() state {
	return state(s.v.Load())
}

func (s *state32) store(st state) {
	s.v.Store(int32(st))
}

func (s *state32) transition(from, to state) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

func newRequest(channel int) *Request {
	return &Request{
		channel: channel,
		done:    make(chan struct{}, 1),
	}
}

func (r *Request) Channel() int { return r.channel }

// Average is the latest computed result.
func (r *Request) Average() uint32 { return r.avg.Load() }

func (r *Request) Completed() uint64 { return r.completed.Load() }

func (r *Request) Processed() uint64 { return r.processed.Load() }

// Done receives a value after a completion. Only one waiter is woken per
// completion and completions nobody received collapse into one.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) allocated() bool {
	return r.tx != nil
}

// allocate reserves the buffers and descriptor chain unless they are already
// present.
func (r *Request) allocate(a Allocator, transfers int) error {
	if r.allocated() {
		return nil
	}
	n := transfers * transferLen
	tx, err := a.Alloc(n)
	if err != nil {
		return fmt.Errorf("could not allocate tx buffer: %w", err)
	}
	rx, err := a.Alloc(n)
	if err != nil {
		return multierr.Append(fmt.Errorf("could not allocate rx buffer: %w", err), a.Free(tx))
	}
	r.tx = tx
	r.rx = rx
	r.transfers = make([]sampler.Transfer, transfers)
	r.msg.Transfers = r.transfers
	return nil
}

func (r *Request) release(a Allocator) error {
	if !r.allocated() {
		return nil
	}
	err := multierr.Append(a.Free(r.tx), a.Free(r.rx))
	r.tx = nil
	r.rx = nil
	r.transfers = nil
	r.msg.Transfers = nil
	return err
}

// build prepares the chain for the next submission. The per-transfer clock is
// only overridden when the device does not already run at the target speed.
func (r *Request) build(cmd byte, deviceSpeed, target physic.Frequency) {
	clear(r.tx)
	clear(r.rx)
	r.tx[0] = cmd
	var speed physic.Frequency
	if deviceSpeed != target {
		speed = target
	}
	for i := range r.transfers {
		r.transfers[i] = sampler.Transfer{
			Tx:       r.tx[:transferLen],
			Rx:       r.rx[i*transferLen : (i+1)*transferLen],
			Speed:    speed,
			CSChange: true,
		}
	}
	r.status = nil
}

func (r *Request) signal() {
	select {
	case r.done <- struct{}{}:
	default:
	}
}

// average decodes big-endian sample pairs masked to the converter resolution
// and returns their truncated mean.
func average(rx []byte, transfers int, mask uint16) uint32 {
	var sum uint64
	for i := 0; i < transfers; i++ {
		sum += uint64(binary.BigEndian.Uint16(rx[i*transferLen:]) & mask)
	}
	return uint32(sum / uint64(transfers))
}
