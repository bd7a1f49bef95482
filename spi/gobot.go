package spi

import (
	"context"
	"fmt"

	"gobot.io/x/gobot/v2/system"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sampler"
)

// txRxer is the part of a gobot system SPI device the port relies on.
type txRxer interface {
	TxRx(tx []byte, rx []byte) error
	Close() error
}

var _ Port = &GobotPort{}

// GobotPort drives a chip select through the gobot system layer. The clock is
// fixed when the device is opened so per-transfer overrides are ignored.
type GobotPort struct {
	dev   txRxer
	speed physic.Frequency
}

// OpenGobot opens spidev bus.cs in mode 0 with 8 bit words at speed.
func OpenGobot(bus, cs int, speed physic.Frequency) (*GobotPort, error) {
	a := system.NewAccesser()
	dev, err := a.NewSpiDevice(bus, cs, 0, 8, int64(speed/physic.Hertz))
	if err != nil {
		return nil, fmt.Errorf("could not open spi device %d.%d: %w", bus, cs, err)
	}
	return &GobotPort{dev: dev, speed: speed}, nil
}

func (p *GobotPort) Tx(ctx context.Context, transfers []sampler.Transfer) error {
	for i, tr := range transfers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.dev.TxRx(tr.Tx, tr.Rx); err != nil {
			return fmt.Errorf("transfer %d failed: %w", i, err)
		}
	}
	return nil
}

func (p *GobotPort) Close() error {
	return p.dev.Close()
}
