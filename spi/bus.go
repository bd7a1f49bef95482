// Package spi provides an asynchronous shared SPI bus on top of synchronous
// ports. Submitted messages are queued and executed one at a time by a single
// dispatcher goroutine; each accepted message is completed exactly once.
package spi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sampler"
)

var (
	ErrBusClosed       = errors.New("spi: bus closed")
	ErrQueueFull       = errors.New("spi: submission queue full")
	ErrDeviceDetached  = errors.New("spi: device detached")
	ErrChipSelectInUse = errors.New("spi: chip select already in use")
)

const DefaultQueueDepth = 16

// Port executes a transfer chain synchronously on one chip select.
type Port interface {
	Tx(ctx context.Context, transfers []sampler.Transfer) error
	Close() error
}

// Listener is notified when devices appear on or disappear from the bus.
type Listener interface {
	Attach(ctx context.Context, dev sampler.Device) error
	Detach(ctx context.Context, dev sampler.Device) error
}

type BusOpts struct {
	QueueDepth int
	Logger     *slog.Logger
}

type BusOpt func(*BusOpts)

func WithQueueDepth(depth int) BusOpt {
	return func(o *BusOpts) {
		o.QueueDepth = depth
	}
}

func WithLogger(l *slog.Logger) BusOpt {
	return func(o *BusOpts) {
		o.Logger = l
	}
}

type job struct {
	dev *Device
	msg *sampler.Message
}

type Bus struct {
	name string
	log  *slog.Logger

	mx        sync.Mutex
	closed    bool
	devices   map[int]*Device
	listeners []Listener

	jobs   chan job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ sampler.Device = &Device{}

// Device is a chip select registered on a Bus.
type Device struct {
	bus      *Bus
	cs       int
	maxSpeed physic.Frequency

	// held by the dispatcher while the port is in use
	mx       sync.Mutex
	port     Port
	detached bool
}

func NewBus(name string, opts ...BusOpt) *Bus {
	config := BusOpts{
		QueueDepth: DefaultQueueDepth,
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = DefaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		name:    name,
		log:     config.Logger,
		devices: make(map[int]*Device),
		jobs:    make(chan job, config.QueueDepth),
		cancel:  cancel,
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(ctx)
	}()
	return b
}

func (b *Bus) String() string { return b.name }

func (b *Bus) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// complete whatever was accepted before closing
			for {
				select {
				case j := <-b.jobs:
					j.msg.Complete(ErrBusClosed)
				default:
					return
				}
			}
		case j := <-b.jobs:
			if ctx.Err() != nil {
				j.msg.Complete(ErrBusClosed)
				continue
			}
			j.msg.Complete(j.dev.tx(ctx, j.msg))
		}
	}
}

func (d *Device) tx(ctx context.Context, msg *sampler.Message) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.detached {
		return ErrDeviceDetached
	}
	if err := d.port.Tx(ctx, msg.Transfers); err != nil {
		return fmt.Errorf("transfer on %s failed: %w", d, err)
	}
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("%s.%d", d.bus.name, d.cs)
}

func (d *Device) ChipSelect() int { return d.cs }

func (d *Device) MaxSpeed() physic.Frequency { return d.maxSpeed }

// SubmitAsync never blocks: a full queue is reported immediately.
func (d *Device) SubmitAsync(msg *sampler.Message) error {
	b := d.bus
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.devices[d.cs] != d {
		return ErrDeviceDetached
	}
	select {
	case b.jobs <- job{dev: d, msg: msg}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Watch registers l and replays the devices already present.
func (b *Bus) Watch(ctx context.Context, l Listener) error {
	b.mx.Lock()
	b.listeners = append(b.listeners, l)
	devices := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.mx.Unlock()
	var err error
	for _, d := range devices {
		err = multierr.Append(err, l.Attach(ctx, d))
	}
	return err
}

func (b *Bus) snapshotListeners() []Listener {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]Listener(nil), b.listeners...)
}

// Attach registers port under chip select cs and notifies the listeners.
// A listener failure does not unregister the device.
func (b *Bus) Attach(ctx context.Context, cs int, maxSpeed physic.Frequency, port Port) (*Device, error) {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return nil, ErrBusClosed
	}
	if existing, ok := b.devices[cs]; ok {
		b.mx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChipSelectInUse, existing)
	}
	d := &Device{bus: b, cs: cs, maxSpeed: maxSpeed, port: port}
	b.devices[cs] = d
	b.mx.Unlock()
	b.log.Debug("device registered", "device", d.String(), "max_speed", maxSpeed.String())

	var err error
	for _, l := range b.snapshotListeners() {
		err = multierr.Append(err, l.Attach(ctx, d))
	}
	return d, err
}

// Detach notifies the listeners, unregisters the device at cs and closes the
// port. Listeners go first so they stop submitting before the device turns
// unusable. Messages still queued for it complete with ErrDeviceDetached.
func (b *Bus) Detach(ctx context.Context, cs int) error {
	b.mx.Lock()
	d, ok := b.devices[cs]
	b.mx.Unlock()
	if !ok {
		return nil
	}
	var err error
	for _, l := range b.snapshotListeners() {
		err = multierr.Append(err, l.Detach(ctx, d))
	}
	b.mx.Lock()
	if b.devices[cs] == d {
		delete(b.devices, cs)
	}
	b.mx.Unlock()
	b.log.Debug("device unregistered", "device", d.String())
	return multierr.Append(err, d.close())
}

func (d *Device) close() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.detached {
		return nil
	}
	d.detached = true
	if err := d.port.Close(); err != nil {
		return fmt.Errorf("could not close %s: %w", d, err)
	}
	return nil
}

func (b *Bus) Devices() []*Device {
	b.mx.Lock()
	defer b.mx.Unlock()
	res := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		res = append(res, d)
	}
	return res
}

// Close stops the dispatcher and closes every port. Pending messages complete
// with ErrBusClosed.
func (b *Bus) Close() error {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return nil
	}
	b.closed = true
	devices := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.mx.Unlock()
	b.cancel()
	b.wg.Wait()
	var err error
	for _, d := range devices {
		err = multierr.Append(err, d.close())
	}
	return err
}
