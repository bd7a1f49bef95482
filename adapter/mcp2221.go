package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/sampler"
	"github.com/mklimuk/sampler/smpctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

// ADCChannels is the number of on-chip converter inputs (GP1..GP3).
const ADCChannels = 3

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrNoSuchInput = errors.New("no such ADC input")

type MCP2221 struct {
	mx           sync.Mutex
	id           int
	request      []byte
	response     []byte
	responseWait time.Duration
}

type MCP2221Status struct {
	I2CDataBufferCounter   int    `yaml:"i2c_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"i2c_speed_divider"`
	I2CTimeout             int    `yaml:"i2c_timeout"`
	CurrentAddress         string `yaml:"i2c_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent"`
	ReadPending            int    `yaml:"read_pending"`
	// raw 10-bit conversions of ADC1..ADC3
	ADC [ADCChannels]uint16 `yaml:"adc,flow"`
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

const (
	GPIOOperation GPIODesignation = 0b00000000
	// This is the alternate function 0 of GPIO1
	GPIO1ADC1 GPIODesignation = 0b00000010
	// This is the alternate function 0 of GPIO2
	GPIO2ADC2 GPIODesignation = 0b00000010
	// This is the alternate function 0 of GPIO3
	GPIO3ADC3 GPIODesignation = 0b00000010
)

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

type MCP2221GPIOParameters struct {
	GPIO0Mode        GPIOMode        `yaml:"GP0_mode"`
	GPIO0Designation GPIODesignation `yaml:"GP0_designation"`
	GPIO1Mode        GPIOMode        `yaml:"GP1_mode"`
	GPIO1Designation GPIODesignation `yaml:"GP1_designation"`
	GPIO2Mode        GPIOMode        `yaml:"GP2_mode"`
	GPIO2Designation GPIODesignation `yaml:"GP2_designation"`
	GPIO3Mode        GPIOMode        `yaml:"GP3_mode"`
	GPIO3Designation GPIODesignation `yaml:"GP3_designation"`
}

type Opt func(*MCP2221)

// WithID selects the adapter by enumeration index when several are plugged in.
func WithID(id int) Opt {
	return func(d *MCP2221) {
		d.id = id
	}
}

func WithResponseWait(wait time.Duration) Opt {
	return func(d *MCP2221) {
		d.responseWait = wait
	}
}

func NewMCP2221(opts ...Opt) *MCP2221 {
	d := &MCP2221{
		id:           -1,
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *MCP2221) SetGPIOParameters(ctx context.Context, params MCP2221GPIOParameters) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = 0xB1
	d.request[1] = 0x01
	d.request[2] = byte(params.GPIO0Designation) | byte(params.GPIO0Mode)
	d.request[3] = byte(params.GPIO1Designation) | byte(params.GPIO1Mode)
	d.request[4] = byte(params.GPIO2Designation) | byte(params.GPIO2Mode)
	d.request[5] = byte(params.GPIO3Designation) | byte(params.GPIO3Mode)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("set GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return ErrCommandFailed
	}
	return nil
}

func (d *MCP2221) GetGPIOParameters(ctx context.Context) (MCP2221GPIOParameters, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = 0xB0
	d.request[1] = 0x01
	err := d.send(ctx, true)
	if err != nil {
		return MCP2221GPIOParameters{}, fmt.Errorf("get GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return MCP2221GPIOParameters{}, ErrCommandUnsupported
	}
	return bufferToGPIOParameters(d.response), nil
}

func bufferToGPIOParameters(buffer []byte) MCP2221GPIOParameters {
	return MCP2221GPIOParameters{
		GPIO0Mode:        GPIOMode(buffer[4] & gpioModeMask),
		GPIO0Designation: GPIODesignation(buffer[4] & gpioOperationMask),
		GPIO1Mode:        GPIOMode(buffer[5] & gpioModeMask),
		GPIO1Designation: GPIODesignation(buffer[5] & gpioOperationMask),
		GPIO2Mode:        GPIOMode(buffer[6] & gpioModeMask),
		GPIO2Designation: GPIODesignation(buffer[6] & gpioOperationMask),
		GPIO3Mode:        GPIOMode(buffer[7] & gpioModeMask),
		GPIO3Designation: GPIODesignation(buffer[7] & gpioOperationMask),
	}
}

// withADC switches the pin of the given input (1..3) to its converter function
// and leaves the other pins untouched.
func withADC(params MCP2221GPIOParameters, input int) (MCP2221GPIOParameters, error) {
	switch input {
	case 1:
		params.GPIO1Mode, params.GPIO1Designation = GPIOModeIn, GPIO1ADC1
	case 2:
		params.GPIO2Mode, params.GPIO2Designation = GPIOModeIn, GPIO2ADC2
	case 3:
		params.GPIO3Mode, params.GPIO3Designation = GPIOModeIn, GPIO3ADC3
	default:
		return params, fmt.Errorf("%w: %d", ErrNoSuchInput, input)
	}
	return params, nil
}

// ConfigureADC enables the converter on the given input (1..3).
func (d *MCP2221) ConfigureADC(ctx context.Context, input int) error {
	params, err := d.GetGPIOParameters(ctx)
	if err != nil {
		return err
	}
	params, err = withADC(params, input)
	if err != nil {
		return err
	}
	return d.SetGPIOParameters(ctx, params)
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = 0x10
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
		50..55: ADC channel 0..2 values, little endian
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	for i := range status.ADC {
		status.ADC[i] = adcValue(buffer, i)
	}
	return status
}

func adcValue(buffer []byte, channel int) uint16 {
	off := 50 + 2*channel
	return binary.LittleEndian.Uint16(buffer[off : off+2])
}

// ADCPort exposes one converter input as a transport port. Every elementary
// transfer is answered with a fresh conversion, big-endian, the way an SPI
// converter clocks it out.
type ADCPort struct {
	dev   *MCP2221
	input int
}

// Port returns the transport port of input 1..3.
func (d *MCP2221) Port(input int) (*ADCPort, error) {
	if input < 1 || input > ADCChannels {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchInput, input)
	}
	return &ADCPort{dev: d, input: input}, nil
}

func (p *ADCPort) Tx(ctx context.Context, transfers []sampler.Transfer) error {
	for i, tr := range transfers {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := p.dev.Status(ctx)
		if err != nil {
			return fmt.Errorf("conversion %d on ADC%d failed: %w", i, p.input, err)
		}
		if len(tr.Rx) >= 2 {
			binary.BigEndian.PutUint16(tr.Rx, status.ADC[p.input-1])
		}
	}
	return nil
}

func (p *ADCPort) Close() error {
	return nil
}

func (d *MCP2221) open() (*hid.Device, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, fmt.Errorf("MCP2221 device not found")
	}
	if d.id < 0 {
		if len(devs) > 1 {
			return nil, fmt.Errorf("ambiguous device identification")
		}
		return devs[0].Open()
	}
	if d.id >= len(devs) {
		return nil, fmt.Errorf("no device with id %d", d.id)
	}
	return devs[d.id].Open()
}

func (d *MCP2221) send(ctx context.Context, response bool) error {
	dev, err := d.open()
	if err != nil {
		return fmt.Errorf("error opening device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close adapter", "error", err)
		}
	}()
	verbose := smpctx.IsVerbose(ctx)
	if verbose {
		slog.Debug("sending message to adapter", "request", "\n"+hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.responseWait):
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		slog.Debug("read message from adapter", "response", "\n"+hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
