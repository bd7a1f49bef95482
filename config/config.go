// Package config holds the startup configuration of the sampler tool.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Version is injected at build time.
var Version = "dev"

const (
	AdapterPeriph  = "periph"
	AdapterGobot   = "gobot"
	AdapterMCP2221 = "mcp2221"
	AdapterMock    = "mock"
)

// MaxTransfers bounds the per-channel buffers, 8 KiB each way.
const MaxTransfers = 4096

var ErrInvalid = errors.New("invalid configuration")

type Channel struct {
	Adapter    string `yaml:"adapter"`
	Port       string `yaml:"port,omitempty"`
	Bus        int    `yaml:"bus"`
	ChipSelect int    `yaml:"chip_select"`
	// MaxSpeed is the device clock in Hz; zero means the bus speed.
	MaxSpeed int64 `yaml:"max_speed,omitempty"`
	// Input selects the converter input of a USB bridge (1..3).
	Input   int      `yaml:"input,omitempty"`
	Samples []uint16 `yaml:"samples,omitempty,flow"`
}

type Config struct {
	BusSpeed    int64     `yaml:"bus_speed"`
	Transfers   int       `yaml:"transfers"`
	Resolution  int       `yaml:"resolution"`
	Command     uint8     `yaml:"command"`
	QueueDepth  int       `yaml:"queue_depth"`
	LockBuffers bool      `yaml:"lock_buffers"`
	Channels    []Channel `yaml:"channels"`
}

// Default describes two simulated converters on spi0.
func Default() Config {
	return Config{
		BusSpeed:   3_000_000,
		Transfers:  4,
		Resolution: 10,
		Command:    0x40,
		QueueDepth: 16,
		Channels: []Channel{
			{Adapter: AdapterMock, ChipSelect: 0, Samples: []uint16{0x0123, 0x0124, 0x0125, 0x0126}},
			{Adapter: AdapterMock, ChipSelect: 1, Samples: []uint16{0x0200}},
		},
	}
}

// Load reads a YAML file. Omitted scalar settings keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	cfg.Channels = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BusSpeed <= 0 {
		return fmt.Errorf("%w: bus_speed must be positive", ErrInvalid)
	}
	if c.Transfers <= 0 || c.Transfers > MaxTransfers {
		return fmt.Errorf("%w: transfers must be within 1..%d", ErrInvalid, MaxTransfers)
	}
	if c.Resolution <= 0 || c.Resolution > 16 {
		return fmt.Errorf("%w: resolution must be within 1..16 bits", ErrInvalid)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: no channel configured", ErrInvalid)
	}
	seen := make(map[int]bool)
	for i, ch := range c.Channels {
		switch ch.Adapter {
		case AdapterPeriph, AdapterGobot, AdapterMock:
		case AdapterMCP2221:
			if ch.Input < 1 || ch.Input > 3 {
				return fmt.Errorf("%w: channel %d: mcp2221 input must be within 1..3", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: channel %d: unknown adapter %q", ErrInvalid, i, ch.Adapter)
		}
		if ch.ChipSelect < 0 {
			return fmt.Errorf("%w: channel %d: negative chip select", ErrInvalid, i)
		}
		if seen[ch.ChipSelect] {
			return fmt.Errorf("%w: chip select %d configured twice", ErrInvalid, ch.ChipSelect)
		}
		seen[ch.ChipSelect] = true
	}
	return nil
}

// ChannelCount is the size of the channel table needed for every chip select.
func (c Config) ChannelCount() int {
	n := 0
	for _, ch := range c.Channels {
		if ch.ChipSelect+1 > n {
			n = ch.ChipSelect + 1
		}
	}
	return n
}

func (c Config) Speed() physic.Frequency {
	return physic.Frequency(c.BusSpeed) * physic.Hertz
}

// Speed returns the device clock, falling back to the bus speed.
func (ch Channel) Speed(bus physic.Frequency) physic.Frequency {
	if ch.MaxSpeed <= 0 {
		return bus
	}
	return physic.Frequency(ch.MaxSpeed) * physic.Hertz
}
