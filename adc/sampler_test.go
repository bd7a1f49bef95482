package adc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sampler"
)

// fakeDevice is a mock sampler.Device using testify/mock. Accepted messages
// are completed either on their own goroutine (auto) or when the test calls
// completeNext. It records how many messages were on the wire at the same
// time.
type fakeDevice struct {
	mock.Mock
	cs       int
	maxSpeed physic.Frequency
	auto     bool
	samples  []uint16

	mu          sync.Mutex
	pending     []*sampler.Message
	inflight    int
	maxInflight int
	submits     int
}

// newFakeDevice returns a device accepting every submission.
func newFakeDevice(cs int, auto bool, samples ...uint16) *fakeDevice {
	d := &fakeDevice{
		cs:       cs,
		maxSpeed: DefaultBusSpeed,
		auto:     auto,
		samples:  samples,
	}
	d.On("SubmitAsync", mock.Anything).Return(nil)
	return d
}

func (d *fakeDevice) String() string             { return fmt.Sprintf("fake.%d", d.cs) }
func (d *fakeDevice) ChipSelect() int            { return d.cs }
func (d *fakeDevice) MaxSpeed() physic.Frequency { return d.maxSpeed }

func (d *fakeDevice) SubmitAsync(msg *sampler.Message) error {
	args := d.Called(msg)
	if err := args.Error(0); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
	d.inflight++
	if d.inflight > d.maxInflight {
		d.maxInflight = d.inflight
	}
	if d.auto {
		go func() {
			d.fill(msg)
			d.mu.Lock()
			d.inflight--
			d.mu.Unlock()
			msg.Complete(nil)
		}()
		return nil
	}
	d.pending = append(d.pending, msg)
	return nil
}

func (d *fakeDevice) fill(msg *sampler.Message) {
	if len(d.samples) == 0 {
		return
	}
	for i, tr := range msg.Transfers {
		binary.BigEndian.PutUint16(tr.Rx, d.samples[i%len(d.samples)])
	}
}

// completeNext finishes the oldest pending message with status.
func (d *fakeDevice) completeNext(t *testing.T, status error) {
	t.Helper()
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		t.Fatalf("%s: nothing in flight", d)
	}
	msg := d.pending[0]
	d.pending = d.pending[1:]
	d.inflight--
	d.mu.Unlock()
	if status == nil {
		d.fill(msg)
	}
	msg.Complete(status)
}

func (d *fakeDevice) submitted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

func (d *fakeDevice) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *fakeDevice) peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInflight
}

func newTestSampler(t *testing.T, opts ...Opt) *Sampler {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

func channelState(t *testing.T, s *Sampler, channel int) string {
	t.Helper()
	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	return stats[channel].State
}

func TestSamplerSelfSustainingLoop(t *testing.T) {
	ctx := context.Background()
	s := newTestSampler(t)
	dev := newFakeDevice(0, true, 0x0123, 0x0124, 0x0125, 0x0126)
	require.NoError(t, s.Attach(ctx, dev))

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())

	assert.Eventually(t, func() bool {
		return s.slots[0].req.Processed() >= 20
	}, time.Second, time.Millisecond)
	assert.Equal(t, "ADC: 292 0\n", s.Report())
	assert.Equal(t, 1, dev.peak(), "a channel must never have two requests on the wire")

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, "ADC: off\n", s.Report())
	assert.Eventually(t, func() bool {
		return channelState(t, s, 0) == "idle"
	}, time.Second, time.Millisecond)
	submits := dev.submitted()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, submits, dev.submitted(), "no resubmission after stop")
	assert.Equal(t, uint32(292), s.slots[0].req.Average())
}

func TestSamplerTwoChannels(t *testing.T) {
	ctx := context.Background()
	s := newTestSampler(t)
	dev0 := newFakeDevice(0, true, 100, 200)
	dev1 := newFakeDevice(1, true, 0x3FF)
	require.NoError(t, s.Attach(ctx, dev0))
	require.NoError(t, s.Attach(ctx, dev1))
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return s.slots[0].req.Processed() >= 5 && s.slots[1].req.Processed() >= 5
	}, time.Second, time.Millisecond)
	assert.Equal(t, "ADC: 150 1023\n", s.Report())
	assert.Equal(t, 1, dev0.peak())
	assert.Equal(t, 1, dev1.peak())
}

func TestSamplerStart(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent starts submit once", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Start(ctx))
			}()
		}
		wg.Wait()
		dev.AssertNumberOfCalls(t, "SubmitAsync", 1)
		assert.Equal(t, 1, dev.pendingCount())

		dev.completeNext(t, nil)
		assert.Eventually(t, func() bool { return dev.submitted() == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, 1, dev.peak())
	})

	t.Run("restart while in flight keeps one submission", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Stop(ctx))
		require.NoError(t, s.Stop(ctx))
		require.NoError(t, s.Start(ctx))
		assert.Equal(t, 1, dev.submitted())

		dev.completeNext(t, nil)
		assert.Eventually(t, func() bool { return dev.submitted() == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, 1, dev.peak())
	})

	t.Run("restart after stop", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Stop(ctx))
		dev.completeNext(t, nil)
		assert.Eventually(t, func() bool { return channelState(t, s, 0) == "idle" }, time.Second, time.Millisecond)
		assert.Equal(t, 1, dev.submitted())

		require.NoError(t, s.Start(ctx))
		assert.Equal(t, 2, dev.submitted())
	})

	t.Run("no channel attached", func(t *testing.T) {
		s := newTestSampler(t)
		err := s.Start(ctx)
		assert.ErrorIs(t, err, ErrDeviceUnavailable)
		assert.False(t, s.Running())
	})

	t.Run("submission failure", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		dev.ExpectedCalls = nil
		dev.On("SubmitAsync", mock.Anything).Return(errors.New("queue full")).Once()
		require.NoError(t, s.Attach(ctx, dev))
		err := s.Start(ctx)
		assert.ErrorIs(t, err, ErrTransportFailure)
		assert.False(t, s.Running())
		assert.Equal(t, "idle", channelState(t, s, 0))
		dev.AssertExpectations(t)
		assert.Zero(t, dev.submitted())
	})

	t.Run("speed override", func(t *testing.T) {
		s := newTestSampler(t, WithBusSpeed(3*physic.MegaHertz))
		dev := newFakeDevice(0, false)
		dev.maxSpeed = physic.MegaHertz
		dev.ExpectedCalls = nil
		dev.On("SubmitAsync", mock.MatchedBy(func(msg *sampler.Message) bool {
			if len(msg.Transfers) != DefaultTransfers {
				return false
			}
			for _, tr := range msg.Transfers {
				if tr.Speed != 3*physic.MegaHertz {
					return false
				}
			}
			return true
		})).Return(nil).Once()
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Start(ctx))
		dev.AssertExpectations(t)
	})
}

func TestSamplerFailureHaltsEveryChannel(t *testing.T) {
	ctx := context.Background()
	s := newTestSampler(t)
	dev0 := newFakeDevice(0, false)
	dev1 := newFakeDevice(1, false, 512)
	require.NoError(t, s.Attach(ctx, dev0))
	require.NoError(t, s.Attach(ctx, dev1))
	require.NoError(t, s.Start(ctx))

	dev0.completeNext(t, errors.New("bus error"))
	assert.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrTransportFailure)
	assert.Equal(t, "ADC: off\n", s.Report())
	assert.Zero(t, s.slots[0].req.Average(), "failed cycle must not update the average")

	// the other channel is still processed but not resubmitted
	dev1.completeNext(t, nil)
	assert.Eventually(t, func() bool { return s.slots[1].req.Processed() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(512), s.slots[1].req.Average())
	assert.Eventually(t, func() bool { return channelState(t, s, 1) == "idle" }, time.Second, time.Millisecond)
	assert.Equal(t, 1, dev1.submitted())

	// next start clears the failure
	require.NoError(t, s.Start(ctx))
	assert.Nil(t, s.Err())
	assert.Equal(t, 2, dev0.submitted())
}

func TestSamplerDetach(t *testing.T) {
	ctx := context.Background()

	t.Run("detach while in flight", func(t *testing.T) {
		s := newTestSampler(t)
		dev0 := newFakeDevice(0, false, 10)
		dev1 := newFakeDevice(1, false, 20)
		require.NoError(t, s.Attach(ctx, dev0))
		require.NoError(t, s.Attach(ctx, dev1))
		require.NoError(t, s.Start(ctx))

		require.NoError(t, s.Detach(ctx, dev0))
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Empty(t, stats[0].Device)
		assert.Equal(t, "in-flight", stats[0].State)

		dev0.completeNext(t, nil)
		assert.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
		assert.ErrorIs(t, s.Err(), ErrDeviceUnavailable)
		assert.Eventually(t, func() bool { return channelState(t, s, 0) == "idle" }, time.Second, time.Millisecond)

		// buffers are handed back once the request is idle
		require.NoError(t, acquire(ctx, s.slots[0].permit))
		assert.False(t, s.slots[0].req.allocated())
		s.slots[0].permit.Release(1)

		dev1.completeNext(t, nil)
		assert.Eventually(t, func() bool { return s.slots[1].req.Processed() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, uint32(20), s.slots[1].req.Average())
	})

	t.Run("detach idle releases immediately", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Detach(ctx, dev))
		assert.False(t, s.slots[0].req.allocated())
		assert.ErrorIs(t, s.Start(ctx), ErrDeviceUnavailable)
	})

	t.Run("detaching a foreign device is ignored", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Detach(ctx, newFakeDevice(0, false)))
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fake.0", stats[0].Device)
	})
}

func TestSamplerAttach(t *testing.T) {
	ctx := context.Background()

	t.Run("chip select out of range", func(t *testing.T) {
		s := newTestSampler(t)
		assert.ErrorIs(t, s.Attach(ctx, newFakeDevice(2, false)), ErrNoSuchChannel)
	})

	t.Run("same device twice", func(t *testing.T) {
		s := newTestSampler(t)
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		assert.NoError(t, s.Attach(ctx, dev))
	})

	t.Run("channel already bound", func(t *testing.T) {
		s := newTestSampler(t)
		require.NoError(t, s.Attach(ctx, newFakeDevice(0, false)))
		assert.ErrorIs(t, s.Attach(ctx, newFakeDevice(0, false)), ErrChannelAttached)
	})

	t.Run("exhausted allocator is wrapped once", func(t *testing.T) {
		exhausted := fmt.Errorf("%w: mmap 8 locked bytes", ErrResourceExhausted)
		s := newTestSampler(t, WithAllocator(&failingAllocator{err: exhausted}))
		err := s.Attach(ctx, newFakeDevice(0, false))
		require.ErrorIs(t, err, ErrResourceExhausted)
		assert.Equal(t, 1, strings.Count(err.Error(), ErrResourceExhausted.Error()))
	})

	t.Run("allocation failure", func(t *testing.T) {
		s := newTestSampler(t, WithAllocator(&failingAllocator{after: 0}))
		err := s.Attach(ctx, newFakeDevice(0, false))
		assert.ErrorIs(t, err, ErrResourceExhausted)
		stats, serr := s.Stats(ctx)
		require.NoError(t, serr)
		assert.Empty(t, stats[0].Device)
	})
}

func TestSamplerInterrupted(t *testing.T) {
	s := newTestSampler(t)
	dev := newFakeDevice(0, false)
	require.NoError(t, s.Attach(context.Background(), dev))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Start(ctx), ErrInterrupted)
	assert.ErrorIs(t, s.Stop(ctx), ErrInterrupted)
	assert.ErrorIs(t, s.Attach(ctx, newFakeDevice(1, false)), ErrInterrupted)
	assert.ErrorIs(t, s.Wait(ctx, 0), ErrInterrupted)
	_, err := s.Stats(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, s.Running())
	assert.Zero(t, dev.submitted())
}

func TestSamplerWait(t *testing.T) {
	ctx := context.Background()
	s := newTestSampler(t)
	dev := newFakeDevice(1, false, 7)
	require.NoError(t, s.Attach(ctx, dev))
	require.NoError(t, s.Start(ctx))
	// stopped so the worker does not rearm the request before the wait
	require.NoError(t, s.Stop(ctx))

	dev.completeNext(t, nil)
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Wait(wctx, 1))
	assert.Equal(t, uint64(1), s.slots[1].req.Completed())

	assert.ErrorIs(t, s.Wait(ctx, 5), ErrNoSuchChannel)
}

func TestSamplerClose(t *testing.T) {
	ctx := context.Background()

	t.Run("idle channel", func(t *testing.T) {
		a := &failingAllocator{after: 10}
		s := New(WithAllocator(a))
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Close(ctx))
		assert.False(t, s.slots[0].req.allocated())
		assert.Equal(t, 2, a.freed)
		assert.False(t, s.Running())
	})

	t.Run("settles staged completions", func(t *testing.T) {
		a := &failingAllocator{after: 10}
		s := New(WithAllocator(a))
		dev := newFakeDevice(0, false, 42)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Start(ctx))
		// the completion is staged after the worker is gone
		s.cancel()
		s.wg.Wait()
		dev.completeNext(t, nil)

		require.NoError(t, s.Close(ctx))
		assert.Equal(t, uint64(1), s.slots[0].req.Processed())
		assert.Equal(t, uint32(42), s.slots[0].req.Average())
		assert.Equal(t, "idle", s.slots[0].req.state.load().String())
		assert.False(t, s.slots[0].req.allocated())
		assert.Equal(t, 2, a.freed)
		assert.Equal(t, 1, dev.submitted())
	})

	t.Run("request left with the transport", func(t *testing.T) {
		s := New()
		dev := newFakeDevice(0, false)
		require.NoError(t, s.Attach(ctx, dev))
		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Close(ctx))
		assert.Equal(t, "in-flight", s.slots[0].req.state.load().String())
		assert.True(t, s.slots[0].req.allocated(), "the transport may still write the buffers")
	})
}

func TestSamplerConcurrentCompletions(t *testing.T) {
	const channels = 16
	ctx := context.Background()
	s := newTestSampler(t, WithChannels(channels))
	devs := make([]*fakeDevice, channels)
	for i := range devs {
		devs[i] = newFakeDevice(i, false, uint16(i))
		require.NoError(t, s.Attach(ctx, devs[i]))
	}
	require.NoError(t, s.Start(ctx))
	// stopped so every request is processed once and parked
	require.NoError(t, s.Stop(ctx))

	msgs := make([]*sampler.Message, channels)
	for i, d := range devs {
		require.Equal(t, 1, d.pendingCount())
		d.mu.Lock()
		msgs[i] = d.pending[0]
		d.pending = nil
		d.inflight--
		d.mu.Unlock()
		d.fill(msgs[i])
	}

	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg *sampler.Message) {
			defer wg.Done()
			<-release
			msg.Complete(nil)
		}(msg)
	}
	close(release)
	wg.Wait()

	assert.Eventually(t, func() bool {
		stats, err := s.Stats(ctx)
		if err != nil {
			return false
		}
		for _, st := range stats {
			if st.Processed != 1 || st.State != "idle" {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	// nothing is processed twice
	time.Sleep(10 * time.Millisecond)
	for i, d := range devs {
		assert.Equal(t, uint64(1), s.slots[i].req.Completed(), "channel %d", i)
		assert.Equal(t, uint64(1), s.slots[i].req.Processed(), "channel %d", i)
		assert.Equal(t, uint32(i), s.slots[i].req.Average(), "channel %d", i)
		assert.Equal(t, 1, d.submitted(), "channel %d", i)
	}
	assert.Zero(t, s.queue.len())
}
