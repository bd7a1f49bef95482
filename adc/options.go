package adc

import (
	"log/slog"

	"periph.io/x/conn/v3/physic"
)

const (
	DefaultChannels   = 2
	DefaultTransfers  = 4
	DefaultResolution = 10
	DefaultCommand    = 0x40
	DefaultBusSpeed   = 3 * physic.MegaHertz

	// bytes clocked per elementary transfer
	transferLen = 2
)

type Opts struct {
	// BusSpeed is the target transport clock. Transfers override the device
	// clock only when the device runs at a different speed.
	BusSpeed   physic.Frequency
	Channels   int
	Transfers  int
	Resolution int
	Command    byte
	Allocator  Allocator
	Logger     *slog.Logger
}

type Opt func(*Opts)

func WithBusSpeed(speed physic.Frequency) Opt {
	return func(o *Opts) {
		o.BusSpeed = speed
	}
}

func WithChannels(n int) Opt {
	return func(o *Opts) {
		o.Channels = n
	}
}

func WithTransfers(n int) Opt {
	return func(o *Opts) {
		o.Transfers = n
	}
}

// WithResolution sets the converter resolution in bits; decoded samples are
// masked to it.
func WithResolution(bits int) Opt {
	return func(o *Opts) {
		o.Resolution = bits
	}
}

func WithCommand(cmd byte) Opt {
	return func(o *Opts) {
		o.Command = cmd
	}
}

func WithAllocator(a Allocator) Opt {
	return func(o *Opts) {
		o.Allocator = a
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

func defaultOpts() Opts {
	return Opts{
		BusSpeed:   DefaultBusSpeed,
		Channels:   DefaultChannels,
		Transfers:  DefaultTransfers,
		Resolution: DefaultResolution,
		Command:    DefaultCommand,
		Allocator:  HeapAllocator{},
		Logger:     slog.Default(),
	}
}

func (o Opts) mask() uint16 {
	if o.Resolution <= 0 || o.Resolution >= 16 {
		return 0xFFFF
	}
	return uint16(1)<<o.Resolution - 1
}
