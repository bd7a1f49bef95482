package sampler

import (
	"periph.io/x/conn/v3/physic"
)

// Transfer is one elementary exchange within a Message. Tx and Rx have the same length.
type Transfer struct {
	Tx []byte
	Rx []byte
	// Speed overrides the device clock for this transfer when non-zero.
	Speed physic.Frequency
	// CSChange releases chip select after this transfer.
	CSChange bool
}

// Message is an ordered chain of transfers submitted as a single unit.
type Message struct {
	Transfers []Transfer
	// Complete is invoked exactly once for every accepted submission, with the
	// transport status of the whole chain. It runs on the transport's dispatch
	// path and must not block.
	Complete func(err error)
}

// Device is an attached endpoint on a shared transport.
type Device interface {
	String() string
	ChipSelect() int
	MaxSpeed() physic.Frequency
	// SubmitAsync queues msg and returns immediately. A nil error guarantees a
	// single later call to msg.Complete; a non-nil error guarantees none.
	SubmitAsync(msg *Message) error
}
