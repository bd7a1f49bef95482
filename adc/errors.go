package adc

import "errors"

var (
	ErrDeviceUnavailable = errors.New("adc: device unavailable")
	ErrTransportFailure  = errors.New("adc: transport failure")
	ErrResourceExhausted = errors.New("adc: resource exhausted")
	ErrInterrupted       = errors.New("adc: interrupted")
	ErrNoSuchChannel     = errors.New("adc: no such channel")
	ErrChannelAttached   = errors.New("adc: channel already attached")
)
