package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sampler/adapter"
	"github.com/mklimuk/sampler/adc"
	"github.com/mklimuk/sampler/cmd/sampler/console"
	"github.com/mklimuk/sampler/config"
	"github.com/mklimuk/sampler/smpctx"
	"github.com/mklimuk/sampler/spi"
)

// rig is the sampler wired to the buses described by the configuration.
type rig struct {
	cfg      config.Config
	channels []config.Channel // the ones actually sampled
	sampler  *adc.Sampler
	buses    map[string]*spi.Bus
	bridge   *adapter.MCP2221
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}
	if c.IsSet("bus-speed") {
		cfg.BusSpeed = c.Int64("bus-speed")
	}
	if c.Bool("lock-buffers") {
		cfg.LockBuffers = true
	}
	return cfg, cfg.Validate()
}

func commandContext(c *cli.Context) context.Context {
	return smpctx.SetVerbose(c.Context, c.Bool("verbose"))
}

// newRig attaches every configured channel. A channel that cannot get its
// buffers is skipped, any other attach error fails the whole rig.
func newRig(ctx context.Context, cfg config.Config, extra ...adc.Opt) (*rig, error) {
	opts := []adc.Opt{
		adc.WithBusSpeed(cfg.Speed()),
		adc.WithChannels(cfg.ChannelCount()),
		adc.WithTransfers(cfg.Transfers),
		adc.WithResolution(cfg.Resolution),
		adc.WithCommand(cfg.Command),
		adc.WithLogger(slog.Default().With("component", "adc")),
	}
	if cfg.LockBuffers {
		opts = append(opts, adc.WithAllocator(adc.LockedAllocator{}))
	}
	opts = append(opts, extra...)
	r := &rig{
		cfg:     cfg,
		sampler: adc.New(opts...),
		buses:   make(map[string]*spi.Bus),
	}
	var skipped error
	for _, ch := range cfg.Channels {
		err := r.attach(ctx, ch)
		switch {
		case err == nil:
			r.channels = append(r.channels, ch)
		case errors.Is(err, adc.ErrResourceExhausted):
			console.Warnf("channel %d skipped: %s", ch.ChipSelect, err)
			skipped = multierr.Append(skipped, err)
		default:
			return nil, multierr.Append(err, r.Close(ctx))
		}
	}
	if len(r.channels) == 0 {
		err := fmt.Errorf("%w: no channel attached", adc.ErrDeviceUnavailable)
		return nil, multierr.Combine(err, skipped, r.Close(ctx))
	}
	return r, nil
}

func (r *rig) bus(ctx context.Context, name string) (*spi.Bus, error) {
	if b, ok := r.buses[name]; ok {
		return b, nil
	}
	b := spi.NewBus(name,
		spi.WithQueueDepth(r.cfg.QueueDepth),
		spi.WithLogger(slog.Default().With("component", "spi")))
	if err := b.Watch(ctx, r.sampler); err != nil {
		return nil, multierr.Append(err, b.Close())
	}
	r.buses[name] = b
	return b, nil
}

func (r *rig) attach(ctx context.Context, ch config.Channel) error {
	busSpeed := r.cfg.Speed()
	speed := ch.Speed(busSpeed)
	var name string
	var port spi.Port
	switch ch.Adapter {
	case config.AdapterPeriph:
		name = fmt.Sprintf("spi%d", ch.Bus)
		path := ch.Port
		if path == "" {
			path = fmt.Sprintf("/dev/spidev%d.%d", ch.Bus, ch.ChipSelect)
		}
		p, err := spi.OpenPeriph(path, speed)
		if err != nil {
			return err
		}
		port = p
	case config.AdapterGobot:
		name = fmt.Sprintf("spi%d", ch.Bus)
		// the clock is fixed at open time, use the target right away
		p, err := spi.OpenGobot(ch.Bus, ch.ChipSelect, busSpeed)
		if err != nil {
			return err
		}
		port, speed = p, busSpeed
	case config.AdapterMCP2221:
		name = "mcp2221"
		if r.bridge == nil {
			r.bridge = adapter.NewMCP2221()
		}
		if err := r.bridge.ConfigureADC(ctx, ch.Input); err != nil {
			return fmt.Errorf("could not enable ADC%d: %w", ch.Input, err)
		}
		p, err := r.bridge.Port(ch.Input)
		if err != nil {
			return err
		}
		port = p
	case config.AdapterMock:
		name = fmt.Sprintf("mock%d", ch.Bus)
		port = spi.NewMockPort(spi.SampleBehavior(ch.Samples...))
	default:
		return fmt.Errorf("unknown adapter %q", ch.Adapter)
	}
	b, err := r.bus(ctx, name)
	if err != nil {
		return multierr.Append(err, port.Close())
	}
	dev, err := b.Attach(ctx, ch.ChipSelect, speed, port)
	if err != nil {
		if dev == nil {
			err = multierr.Append(err, port.Close())
		} else {
			// the sampler refused it, hand the chip select back
			err = multierr.Append(err, b.Detach(ctx, ch.ChipSelect))
		}
		return fmt.Errorf("could not attach %s chip select %d: %w", ch.Adapter, ch.ChipSelect, err)
	}
	return nil
}

// Close stops sampling and closes the buses before the sampler so that every
// request is back from the transport when its buffers are released.
func (r *rig) Close(ctx context.Context) error {
	err := r.sampler.Stop(ctx)
	for _, b := range r.buses {
		err = multierr.Append(err, b.Close())
	}
	return multierr.Append(err, r.sampler.Close(ctx))
}

func speedString(hz int64) string {
	return (physic.Frequency(hz) * physic.Hertz).String()
}
