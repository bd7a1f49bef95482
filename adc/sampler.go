// Package adc continuously samples analog channels sharing one asynchronous
// transport.
//
// Every attached channel owns a single reusable request. Start submits it,
// the transport completes it on its dispatch path, the completion is staged
// and a background worker averages the samples and puts the request straight
// back on the wire while sampling is enabled:
//
//	s := adc.New(adc.WithBusSpeed(3 * physic.MegaHertz))
//	bus.Watch(ctx, s) // attaches the bus devices
//	if err := s.Start(ctx); err != nil { ... }
//	fmt.Print(s.Report()) // "ADC: 292 512\n"
//	_ = s.Stop(ctx)
package adc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/mklimuk/sampler"
)

type slot struct {
	// permit serializes attach, detach, submission and the resubmit decision
	permit *semaphore.Weighted
	device sampler.Device
	req    *Request
}

// Sampler owns the channel table, the staging queue, the worker and the run state.
type Sampler struct {
	opts  Opts
	mask  uint16
	log   *slog.Logger
	slots []*slot

	running atomic.Bool
	control *semaphore.Weighted

	errMx sync.Mutex
	err   error

	queue  *stagingQueue
	work   []int // owned by the worker goroutine
	worker *workq
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ChannelStats struct {
	Channel   int    `yaml:"channel"`
	Device    string `yaml:"device,omitempty"`
	State     string `yaml:"state"`
	Average   uint32 `yaml:"average"`
	Completed uint64 `yaml:"completed"`
	Processed uint64 `yaml:"processed"`
}

func New(opts ...Opt) *Sampler {
	config := defaultOpts()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Channels <= 0 {
		config.Channels = DefaultChannels
	}
	if config.Transfers <= 0 {
		config.Transfers = DefaultTransfers
	}
	if config.Allocator == nil {
		config.Allocator = HeapAllocator{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Sampler{
		opts:    config,
		mask:    config.mask(),
		log:     config.Logger,
		slots:   make([]*slot, config.Channels),
		control: semaphore.NewWeighted(1),
		queue:   newStagingQueue(config.Channels),
		work:    make([]int, 0, config.Channels),
	}
	for i := range s.slots {
		idx := i
		req := newRequest(idx)
		req.msg.Complete = func(err error) { s.complete(idx, err) }
		s.slots[i] = &slot{
			permit: semaphore.NewWeighted(1),
			req:    req,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.worker = newWorkq(s.drain)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker.run(ctx)
	}()
	return s
}

func acquire(ctx context.Context, sem *semaphore.Weighted) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

func (s *Sampler) slot(channel int) (*slot, error) {
	if channel < 0 || channel >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchChannel, channel)
	}
	return s.slots[channel], nil
}

// Attach binds dev to the channel matching its chip select and allocates the
// channel buffers if they are not present yet.
func (s *Sampler) Attach(ctx context.Context, dev sampler.Device) error {
	sl, err := s.slot(dev.ChipSelect())
	if err != nil {
		return err
	}
	if err := acquire(ctx, sl.permit); err != nil {
		return err
	}
	defer sl.permit.Release(1)
	if sl.device != nil {
		if sl.device == dev {
			return nil
		}
		return fmt.Errorf("%w: channel %d is bound to %s", ErrChannelAttached, sl.req.channel, sl.device)
	}
	err = sl.req.allocate(s.opts.Allocator, s.opts.Transfers)
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			return fmt.Errorf("could not attach %s: %w", dev, err)
		}
		return fmt.Errorf("could not attach %s: %w: %w", dev, ErrResourceExhausted, err)
	}
	sl.device = dev
	s.log.Info("channel attached", "channel", sl.req.channel, "device", dev.String(),
		"max_speed", dev.MaxSpeed().String(), "bus_speed", s.opts.BusSpeed.String())
	return nil
}

// Detach clears the device handle. Buffers of an idle request are released
// immediately, otherwise by the worker once the request comes back.
func (s *Sampler) Detach(ctx context.Context, dev sampler.Device) error {
	sl, err := s.slot(dev.ChipSelect())
	if err != nil {
		return err
	}
	if err := acquire(ctx, sl.permit); err != nil {
		return err
	}
	defer sl.permit.Release(1)
	if sl.device == nil || sl.device != dev {
		return nil
	}
	sl.device = nil
	s.log.Info("channel detached", "channel", sl.req.channel, "device", dev.String())
	return s.releaseDetached(sl)
}

// releaseDetached must be called with the permit held.
func (s *Sampler) releaseDetached(sl *slot) error {
	if sl.device != nil || sl.req.state.load() != stateIdle {
		return nil
	}
	if err := sl.req.release(s.opts.Allocator); err != nil {
		return fmt.Errorf("could not release channel %d buffers: %w", sl.req.channel, err)
	}
	return nil
}

// submitLocked hands the channel request to the transport. The caller holds
// the channel permit.
func (s *Sampler) submitLocked(sl *slot) error {
	req := sl.req
	if sl.device == nil {
		return fmt.Errorf("%w: channel %d", ErrDeviceUnavailable, req.channel)
	}
	if !req.state.transition(stateIdle, stateInFlight) {
		return fmt.Errorf("channel %d request is %s", req.channel, req.state.load())
	}
	req.build(s.opts.Command, sl.device.MaxSpeed(), s.opts.BusSpeed)
	if err := sl.device.SubmitAsync(&req.msg); err != nil {
		req.state.store(stateIdle)
		return fmt.Errorf("%w: channel %d: %w", ErrTransportFailure, req.channel, err)
	}
	return nil
}

// complete runs on the transport dispatch path: it only stages the request
// and wakes the worker.
func (s *Sampler) complete(idx int, status error) {
	req := s.slots[idx].req
	req.completed.Add(1)
	req.status = status
	req.state.store(stateStaged)
	s.queue.push(idx)
	s.worker.trigger()
	req.signal()
}

// Start submits every attached channel. It is a no-op while sampling.
func (s *Sampler) Start(ctx context.Context) error {
	if err := acquire(ctx, s.control); err != nil {
		return err
	}
	defer s.control.Release(1)
	if s.running.Load() {
		return nil
	}
	s.setErr(nil)
	// the flag goes up first so that early completions are resubmitted
	s.running.Store(true)
	attached := 0
	for _, sl := range s.slots {
		ok, err := s.startSlot(ctx, sl)
		if err != nil {
			s.running.Store(false)
			s.log.Error("could not start sampling", "channel", sl.req.channel, "error", err)
			return fmt.Errorf("could not start sampling: %w", err)
		}
		if ok {
			attached++
		}
	}
	if attached == 0 {
		s.running.Store(false)
		return fmt.Errorf("could not start sampling: %w: no channel attached", ErrDeviceUnavailable)
	}
	if !s.running.Load() {
		return fmt.Errorf("sampling halted while starting: %w", s.Err())
	}
	s.log.Debug("sampling started", "channels", attached)
	return nil
}

func (s *Sampler) startSlot(ctx context.Context, sl *slot) (bool, error) {
	if err := acquire(ctx, sl.permit); err != nil {
		return false, err
	}
	defer sl.permit.Release(1)
	if sl.device == nil {
		return false, nil
	}
	// still cycling from the previous run; the worker resubmits it
	if sl.req.state.load() != stateIdle {
		return true, nil
	}
	return true, s.submitLocked(sl)
}

// Stop disables resubmission. Requests on the wire complete once more and are
// not resubmitted.
func (s *Sampler) Stop(ctx context.Context) error {
	if err := acquire(ctx, s.control); err != nil {
		return err
	}
	defer s.control.Release(1)
	if s.running.Swap(false) {
		s.log.Debug("sampling stopped")
	}
	return nil
}

func (s *Sampler) halt(err error) {
	if s.running.CompareAndSwap(true, false) {
		s.setErr(err)
		s.log.Warn("sampling halted", "error", err)
	}
}

func (s *Sampler) setErr(err error) {
	s.errMx.Lock()
	s.err = err
	s.errMx.Unlock()
}

// Err returns the failure that stopped sampling, if any. It is cleared by the
// next Start.
func (s *Sampler) Err() error {
	s.errMx.Lock()
	defer s.errMx.Unlock()
	return s.err
}

func (s *Sampler) Running() bool {
	return s.running.Load()
}

// Averages returns the latest result of every channel.
func (s *Sampler) Averages() []uint32 {
	res := make([]uint32, len(s.slots))
	for i, sl := range s.slots {
		res[i] = sl.req.Average()
	}
	return res
}

// Wait blocks until the channel request completes. A completion nobody waited
// for is remembered, so Wait returns at once after it.
func (s *Sampler) Wait(ctx context.Context, channel int) error {
	sl, err := s.slot(channel)
	if err != nil {
		return err
	}
	select {
	case <-sl.req.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

func (s *Sampler) Stats(ctx context.Context) ([]ChannelStats, error) {
	stats := make([]ChannelStats, 0, len(s.slots))
	for _, sl := range s.slots {
		if err := acquire(ctx, sl.permit); err != nil {
			return nil, err
		}
		st := ChannelStats{
			Channel:   sl.req.channel,
			State:     sl.req.state.load().String(),
			Average:   sl.req.Average(),
			Completed: sl.req.Completed(),
			Processed: sl.req.Processed(),
		}
		if sl.device != nil {
			st.Device = sl.device.String()
		}
		sl.permit.Release(1)
		stats = append(stats, st)
	}
	return stats, nil
}

// Close stops sampling, terminates the worker and detaches every channel.
// Completions staged by then are settled and their buffers released. A request
// still owned by the transport keeps its buffers, so close the transport
// first.
func (s *Sampler) Close(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()
	s.wg.Wait()
	// the worker is gone, settle what it did not get to
	s.drain(ctx)
	var err error
	for _, sl := range s.slots {
		if aerr := acquire(ctx, sl.permit); aerr != nil {
			err = multierr.Append(err, aerr)
			continue
		}
		sl.device = nil
		if st := sl.req.state.load(); st != stateIdle {
			s.log.Warn("channel buffers left with the transport", "channel", sl.req.channel, "state", st.String())
		}
		err = multierr.Append(err, s.releaseDetached(sl))
		sl.permit.Release(1)
	}
	return err
}
