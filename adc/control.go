package adc

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
)

// longest command looked at; the rest of the input is ignored
const maxCommandLen = 8

// Command interprets a textual control command. Input starting with "on" or
// "off" (case-insensitive) starts or stops sampling, anything else is
// ignored.
func (s *Sampler) Command(ctx context.Context, cmd string) error {
	if len(cmd) > maxCommandLen {
		cmd = cmd[:maxCommandLen]
	}
	switch {
	case hasPrefixFold(cmd, "on"):
		return s.Start(ctx)
	case hasPrefixFold(cmd, "off"):
		return s.Stop(ctx)
	}
	return nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Report formats the latest averages as a single line, or the off indicator
// when sampling is stopped.
func (s *Sampler) Report() string {
	if !s.Running() {
		return "ADC: off\n"
	}
	var b strings.Builder
	b.WriteString("ADC:")
	for _, avg := range s.Averages() {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(uint64(avg), 10))
	}
	b.WriteByte('\n')
	return b.String()
}

// Handle exposes the control surface as a file-like reader/writer. A read
// returns the report once and io.EOF afterwards; a write is a command.
type Handle struct {
	mx      sync.Mutex
	ctx     context.Context
	sampler *Sampler
	pending string
	offset  int
}

func NewHandle(ctx context.Context, s *Sampler) *Handle {
	return &Handle{ctx: ctx, sampler: s}
}

func (h *Handle) Read(p []byte) (int, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.offset == 0 && h.pending == "" {
		h.pending = h.sampler.Report()
	}
	if h.offset >= len(h.pending) {
		return 0, io.EOF
	}
	n := copy(p, h.pending[h.offset:])
	h.offset += n
	return n, nil
}

func (h *Handle) Write(p []byte) (int, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if err := h.sampler.Command(h.ctx, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Rewind makes the next read produce a fresh report.
func (h *Handle) Rewind() {
	h.mx.Lock()
	h.pending = ""
	h.offset = 0
	h.mx.Unlock()
}
