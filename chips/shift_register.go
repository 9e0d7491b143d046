package chips

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/errcode"
)

const bitsPerChip = 8

// RegisterLines names the host lines wired to a register chain. Enable (OE)
// and Clear (MR) are optional.
type RegisterLines struct {
	Data   uint16
	Clock  uint16
	Latch  uint16
	Enable *uint16 `json:",omitempty" yaml:",omitempty"`
	Clear  *uint16 `json:",omitempty" yaml:",omitempty"`
}

func (rl RegisterLines) Pins() []uint16 {
	pins := []uint16{rl.Data, rl.Clock, rl.Latch}
	if rl.Enable != nil {
		pins = append(pins, *rl.Enable)
	}
	if rl.Clear != nil {
		pins = append(pins, *rl.Clear)
	}
	return pins
}

// ShiftRegister keeps the authoritative output state of a chain of 8-bit
// shift registers. Byte 0 belongs to the chip nearest the controller.
type ShiftRegister struct {
	lines  RegisterLines
	driver drivers.PinDriver

	lock             sync.Mutex
	values           []byte
	shifting         bool
	enableConfigured bool
}

func NewShiftRegister(driver drivers.PinDriver, lines RegisterLines, chips int) (*ShiftRegister, error) {
	if chips < 1 {
		return nil, errcode.New(errcode.InvalidConfig, "NewShiftRegister", "chain needs at least one chip, got %d", chips)
	}
	if driver == nil {
		return nil, errcode.New(errcode.InvalidConfig, "NewShiftRegister", "no pin driver")
	}

	return &ShiftRegister{
		lines:  lines,
		driver: driver,
		values: make([]byte, chips),
	}, nil
}

// Setup configures data, clock and latch as outputs and parks clock and latch low.
func (sr *ShiftRegister) Setup(ctx context.Context) error {
	for _, pin := range []uint16{sr.lines.Data, sr.lines.Clock, sr.lines.Latch} {
		if err := sr.driver.ConfigurePin(ctx, pin, drivers.ModeOutput); err != nil {
			return errcode.Wrap(errcode.IO, "ShiftRegister.Setup", err, "configure pin %d", pin)
		}
	}
	for _, pin := range []uint16{sr.lines.Clock, sr.lines.Latch} {
		if err := sr.driver.DigitalWrite(ctx, pin, false); err != nil {
			return errcode.Wrap(errcode.IO, "ShiftRegister.Setup", err, "park pin %d", pin)
		}
	}
	if sr.lines.Clear != nil {
		if err := sr.driver.ConfigurePin(ctx, *sr.lines.Clear, drivers.ModeOutput); err != nil {
			return errcode.Wrap(errcode.IO, "ShiftRegister.Setup", err, "configure clear pin %d", *sr.lines.Clear)
		}
		if err := sr.driver.DigitalWrite(ctx, *sr.lines.Clear, true); err != nil {
			return errcode.Wrap(errcode.IO, "ShiftRegister.Setup", err, "release clear pin %d", *sr.lines.Clear)
		}
	}
	return nil
}

func (sr *ShiftRegister) Chips() int {
	return len(sr.values)
}

func (sr *ShiftRegister) Bits() int {
	return len(sr.values) * bitsPerChip
}

func (sr *ShiftRegister) locate(op string, bit int) (chip int, mask byte, err error) {
	if bit < 0 || bit >= len(sr.values)*bitsPerChip {
		err = errcode.New(errcode.Range, op, "bit %d outside chain of %d chips", bit, len(sr.values))
		return
	}
	chip = bit / bitsPerChip
	mask = 1 << uint(bit%bitsPerChip)
	return
}

func (sr *ShiftRegister) Set(bit int, value bool) error {
	chip, mask, err := sr.locate("ShiftRegister.Set", bit)
	if err != nil {
		return err
	}

	sr.lock.Lock()
	defer sr.lock.Unlock()

	if value {
		sr.values[chip] |= mask
	} else {
		sr.values[chip] &^= mask
	}
	return nil
}

func (sr *ShiftRegister) Get(bit int) (bool, error) {
	chip, mask, err := sr.locate("ShiftRegister.Get", bit)
	if err != nil {
		return false, err
	}

	sr.lock.Lock()
	defer sr.lock.Unlock()

	return sr.values[chip]&mask != 0, nil
}

// Bytes returns a copy of the register content, index 0 nearest the controller.
func (sr *ShiftRegister) Bytes() []byte {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	return append([]byte(nil), sr.values...)
}

// ShiftOut clocks the whole chain onto the bus, farthest chip first, each byte
// MSB first, then pulses the latch. Each chip's serial out feeds the next
// chip's serial in, so any other order scrambles the parallel outputs.
func (sr *ShiftRegister) ShiftOut(ctx context.Context) error {
	sr.lock.Lock()
	if sr.shifting {
		sr.lock.Unlock()
		return errcode.New(errcode.Reentrancy, "ShiftRegister.ShiftOut", "shift already in progress")
	}
	sr.shifting = true
	snapshot := append([]byte(nil), sr.values...)
	sr.lock.Unlock()

	defer func() {
		sr.lock.Lock()
		sr.shifting = false
		sr.lock.Unlock()
	}()

	for chip := len(snapshot) - 1; chip >= 0; chip-- {
		if err := sr.shiftByte(ctx, snapshot[chip]); err != nil {
			return errcode.Wrap(errcode.IO, "ShiftRegister.ShiftOut", err, "chip %d", chip)
		}
	}

	if err := sr.pulse(ctx, sr.lines.Latch, true); err != nil {
		return errcode.Wrap(errcode.IO, "ShiftRegister.ShiftOut", err, "latch pin %d", sr.lines.Latch)
	}
	return nil
}

func (sr *ShiftRegister) shiftByte(ctx context.Context, value byte) error {
	for i := bitsPerChip - 1; i >= 0; i-- {
		if err := sr.driver.DigitalWrite(ctx, sr.lines.Data, value&(1<<uint(i)) != 0); err != nil {
			return err
		}
		if err := sr.pulse(ctx, sr.lines.Clock, true); err != nil {
			return err
		}
	}
	return nil
}

// pulse drives pin to active, then back.
func (sr *ShiftRegister) pulse(ctx context.Context, pin uint16, active bool) error {
	if err := sr.driver.DigitalWrite(ctx, pin, active); err != nil {
		return err
	}
	return sr.driver.DigitalWrite(ctx, pin, !active)
}

func (sr *ShiftRegister) configureEnable(ctx context.Context) error {
	sr.lock.Lock()
	configured := sr.enableConfigured
	sr.lock.Unlock()
	if configured {
		return nil
	}

	// the level is driven before switching direction so OE never glitches low
	if err := sr.driver.DigitalWrite(ctx, *sr.lines.Enable, true); err != nil {
		return err
	}
	mode := drivers.PinMode{Direction: drivers.DirectionOutput, Initial: true}
	if err := sr.driver.ConfigurePin(ctx, *sr.lines.Enable, mode); err != nil {
		return err
	}

	sr.lock.Lock()
	sr.enableConfigured = true
	sr.lock.Unlock()
	return nil
}

func (sr *ShiftRegister) setEnable(ctx context.Context, op string, enabled bool) error {
	if sr.lines.Enable == nil {
		return nil
	}
	if err := sr.configureEnable(ctx); err != nil {
		return errcode.Wrap(errcode.IO, op, err, "configure enable pin %d", *sr.lines.Enable)
	}
	// OE is active low
	if err := sr.driver.DigitalWrite(ctx, *sr.lines.Enable, !enabled); err != nil {
		return errcode.Wrap(errcode.IO, op, err, "enable pin %d", *sr.lines.Enable)
	}
	return nil
}

func (sr *ShiftRegister) EnableOutput(ctx context.Context) error {
	return sr.setEnable(ctx, "ShiftRegister.EnableOutput", true)
}

func (sr *ShiftRegister) DisableOutput(ctx context.Context) error {
	return sr.setEnable(ctx, "ShiftRegister.DisableOutput", false)
}

// ClearOutput pulses the hardware clear line when wired. Without one it zeroes
// the state and shifts it out.
func (sr *ShiftRegister) ClearOutput(ctx context.Context) error {
	if sr.lines.Clear != nil {
		if err := sr.pulse(ctx, *sr.lines.Clear, false); err != nil {
			return errcode.Wrap(errcode.IO, "ShiftRegister.ClearOutput", err, "clear pin %d", *sr.lines.Clear)
		}
		sr.lock.Lock()
		for i := range sr.values {
			sr.values[i] = 0
		}
		sr.lock.Unlock()
		return nil
	}

	sr.lock.Lock()
	for i := range sr.values {
		sr.values[i] = 0
	}
	sr.lock.Unlock()

	return sr.ShiftOut(ctx)
}

func (sr *ShiftRegister) String() string {
	bytes := sr.Bytes()
	parts := make([]string, len(bytes))
	for i, b := range bytes {
		parts[i] = fmt.Sprintf("%08b", b)
	}
	return fmt.Sprintf("shift register (data %d, clock %d, latch %d) [%s]", sr.lines.Data, sr.lines.Clock, sr.lines.Latch, strings.Join(parts, " "))
}
