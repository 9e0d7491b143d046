// Package chips drives the board-level serial devices: cascaded 8-bit
// serial-in/parallel-out shift registers and binary-addressed multiplexers.
package chips

import "context"

// OutputLatch is the capability the scan cycle needs from an output device:
// staged bit state plus one operation replicating it onto the bus.
type OutputLatch interface {
	Set(bit int, value bool) error
	Get(bit int) (bool, error)
	ShiftOut(ctx context.Context) error
}

// Selector is the capability the scan cycle needs from an input multiplexer.
type Selector interface {
	Switch(ctx context.Context, position int) error
	Enable(ctx context.Context, flag bool) error
	Position() int
	MaxPosition() int
}

var (
	_ OutputLatch = (*ShiftRegister)(nil)
	_ Selector    = (*Mux)(nil)
)
