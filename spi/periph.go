package spi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/physic"
	pspi "periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/sampler"
)

var ErrSpeedMismatch = errors.New("spi: transfer speed differs from the connected clock")

var _ Port = &PeriphPort{}

// PeriphPort drives a chip select through a periph.io port. The port is
// connected lazily by the first transfer: periph only allows one connection
// per port, so the clock requested by that transfer is kept for good.
type PeriphPort struct {
	mx       sync.Mutex
	port     pspi.PortCloser
	maxSpeed physic.Frequency
	mode     pspi.Mode
	bits     int

	conn    pspi.Conn
	speed   physic.Frequency
	packets []pspi.Packet
}

// OpenPeriph initializes the host drivers and opens the named port, e.g.
// "/dev/spidev0.0" or "SPI0.0". An empty name opens the first port found.
func OpenPeriph(name string, maxSpeed physic.Frequency) (*PeriphPort, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("could not open spi port %q: %w", name, err)
	}
	return NewPeriphPort(port, maxSpeed), nil
}

func NewPeriphPort(port pspi.PortCloser, maxSpeed physic.Frequency) *PeriphPort {
	return &PeriphPort{
		port:     port,
		maxSpeed: maxSpeed,
		mode:     pspi.Mode0,
		bits:     8,
	}
}

func (p *PeriphPort) connect(speed physic.Frequency) (pspi.Conn, error) {
	if speed == 0 {
		speed = p.maxSpeed
	}
	if p.conn != nil {
		if speed != p.speed {
			return nil, fmt.Errorf("%w: %s != %s", ErrSpeedMismatch, speed, p.speed)
		}
		return p.conn, nil
	}
	conn, err := p.port.Connect(speed, p.mode, p.bits)
	if err != nil {
		return nil, fmt.Errorf("could not connect at %s: %w", speed, err)
	}
	p.conn = conn
	p.speed = speed
	return conn, nil
}

// Tx runs the chain. Transfers that release chip select in between are sent
// as separate transactions, others are grouped into one packet exchange.
func (p *PeriphPort) Tx(ctx context.Context, transfers []sampler.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	conn, err := p.connect(transfers[0].Speed)
	if err != nil {
		return err
	}
	for _, tr := range transfers[1:] {
		if tr.Speed != transfers[0].Speed {
			return fmt.Errorf("%w: mixed clocks in one chain", ErrSpeedMismatch)
		}
	}
	if !keepsCS(transfers) {
		for i, tr := range transfers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := conn.Tx(tr.Tx, tr.Rx); err != nil {
				return fmt.Errorf("transfer %d failed: %w", i, err)
			}
		}
		return nil
	}
	p.packets = p.packets[:0]
	for _, tr := range transfers {
		p.packets = append(p.packets, pspi.Packet{W: tr.Tx, R: tr.Rx, KeepCS: !tr.CSChange})
	}
	return conn.TxPackets(p.packets)
}

func keepsCS(transfers []sampler.Transfer) bool {
	for _, tr := range transfers[:len(transfers)-1] {
		if !tr.CSChange {
			return true
		}
	}
	return false
}

func (p *PeriphPort) Close() error {
	return p.port.Close()
}
