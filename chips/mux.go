package chips

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/errcode"
)

const maxSelectLines = 4

// MuxLines names the host lines wired to a multiplexer: select line i carries
// bit i of the channel index. Enable is optional and active low unless
// EnableActiveHigh is set.
type MuxLines struct {
	Select           []uint16
	Enable           *uint16 `json:",omitempty" yaml:",omitempty"`
	EnableActiveHigh bool    `json:",omitempty" yaml:",omitempty"`
}

func (ml MuxLines) Pins() []uint16 {
	pins := append([]uint16(nil), ml.Select...)
	if ml.Enable != nil {
		pins = append(pins, *ml.Enable)
	}
	return pins
}

// Mux selects one channel of a binary-addressed multiplexer. With fewer select
// lines wired the addressable range shrinks: 2 lines reach channels 0..3.
type Mux struct {
	lines  MuxLines
	driver drivers.PinDriver

	lock     sync.Mutex
	position int
}

func NewMux(driver drivers.PinDriver, lines MuxLines) (*Mux, error) {
	if len(lines.Select) == 0 || len(lines.Select) > maxSelectLines {
		return nil, errcode.New(errcode.InvalidConfig, "NewMux", "multiplexer needs 1 to %d select lines, got %d", maxSelectLines, len(lines.Select))
	}
	if driver == nil {
		return nil, errcode.New(errcode.InvalidConfig, "NewMux", "no pin driver")
	}

	return &Mux{
		lines:  lines,
		driver: driver,
	}, nil
}

func (mx *Mux) Setup(ctx context.Context) error {
	for _, pin := range mx.lines.Pins() {
		if err := mx.driver.ConfigurePin(ctx, pin, drivers.ModeOutput); err != nil {
			return errcode.Wrap(errcode.IO, "Mux.Setup", err, "configure pin %d", pin)
		}
	}
	return nil
}

func (mx *Mux) MaxPosition() int {
	return 1<<uint(len(mx.lines.Select)) - 1
}

func (mx *Mux) Position() int {
	mx.lock.Lock()
	defer mx.lock.Unlock()

	return mx.position
}

// Switch writes every select line concurrently and records the new position
// only when all of them succeeded.
func (mx *Mux) Switch(ctx context.Context, position int) error {
	if position < 0 || position > mx.MaxPosition() {
		return errcode.New(errcode.Range, "Mux.Switch", "position %d outside 0..%d (%d select lines)", position, mx.MaxPosition(), len(mx.lines.Select))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, pin := range mx.lines.Select {
		pin := pin
		level := (position>>uint(i))&1 == 1
		group.Go(func() error {
			return mx.driver.DigitalWrite(groupCtx, pin, level)
		})
	}
	if err := group.Wait(); err != nil {
		return errcode.Wrap(errcode.IO, "Mux.Switch", err, "position %d", position)
	}

	mx.lock.Lock()
	mx.position = position
	mx.lock.Unlock()
	return nil
}

func (mx *Mux) Enable(ctx context.Context, flag bool) error {
	if mx.lines.Enable == nil {
		return nil
	}

	level := flag
	if !mx.lines.EnableActiveHigh {
		level = !flag
	}
	if err := mx.driver.DigitalWrite(ctx, *mx.lines.Enable, level); err != nil {
		return errcode.Wrap(errcode.IO, "Mux.Enable", err, "enable pin %d", *mx.lines.Enable)
	}
	return nil
}
