package adc

import (
	"context"
	"fmt"
)

// workq runs fn on a single background goroutine. Triggers coalesce: while a
// run is pending further triggers are dropped, while a run is active one more
// run is queued.
type workq struct {
	kick chan struct{}
	fn   func(ctx context.Context)
}

func newWorkq(fn func(ctx context.Context)) *workq {
	return &workq{
		kick: make(chan struct{}, 1),
		fn:   fn,
	}
}

// trigger is safe to call from the completion path.
func (w *workq) trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *workq) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			w.fn(ctx)
		}
	}
}

// drain moves everything staged so far into the private work list and
// processes it in arrival order.
func (s *Sampler) drain(ctx context.Context) {
	work := s.queue.swap(s.work)
	for i, idx := range work {
		if err := s.process(ctx, idx); err != nil {
			for _, rest := range work[i+1:] {
				s.slots[rest].req.state.store(stateIdle)
			}
			s.log.Debug("worker interrupted", "pending", len(work)-i-1, "error", err)
			break
		}
	}
	s.work = work[:0]
}

func (s *Sampler) process(ctx context.Context, idx int) error {
	sl := s.slots[idx]
	req := sl.req
	req.state.transition(stateStaged, stateProcessing)
	if req.status == nil {
		req.avg.Store(average(req.rx, s.opts.Transfers, s.mask))
	}
	req.processed.Add(1)
	return s.resubmit(ctx, sl)
}

// resubmit decides under the device permit whether the request goes back on
// the wire. Any failure stops sampling on every channel.
func (s *Sampler) resubmit(ctx context.Context, sl *slot) error {
	req := sl.req
	if err := acquire(ctx, sl.permit); err != nil {
		req.state.store(stateIdle)
		return err
	}
	defer sl.permit.Release(1)
	req.state.store(stateIdle)
	if !s.running.Load() {
		s.release(sl)
		return nil
	}
	var err error
	switch {
	case sl.device == nil:
		err = fmt.Errorf("%w: channel %d detached", ErrDeviceUnavailable, req.channel)
	case req.status != nil:
		err = fmt.Errorf("%w: channel %d: %w", ErrTransportFailure, req.channel, req.status)
	default:
		err = s.submitLocked(sl)
	}
	if err != nil {
		s.halt(err)
		s.release(sl)
	}
	return nil
}

func (s *Sampler) release(sl *slot) {
	if err := s.releaseDetached(sl); err != nil {
		s.log.Error("could not release detached channel", "channel", sl.req.channel, "error", err)
	}
}
