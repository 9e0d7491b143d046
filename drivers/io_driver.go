package drivers

import (
	"context"
	"fmt"
	"strings"
)

// PinDriver is the host-side line layer the board sequencers run on. Every
// call is single-shot and may fail; none of them retries.
type PinDriver interface {
	Setup(ctx context.Context) error
	Close() error
	String() string
	IsReady() bool

	ConfigurePin(ctx context.Context, pin uint16, mode PinMode) error
	DigitalWrite(ctx context.Context, pin uint16, value bool) error
	DigitalRead(ctx context.Context, pin uint16) (bool, error)
	// AnalogRead returns a reading normalized to [0, 1].
	AnalogRead(ctx context.Context, pin uint16) (float64, error)
}

func MapAllPinDrivers() map[string]PinDriver {
	drivers := []PinDriver{
		&GpIO{},
		&McpIO{},
		&PeriphIO{},
		&MockIoDriver{},
	}

	mapped := make(map[string]PinDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}

type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionOutput {
		return "output"
	}
	return "input"
}

type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "up"
	case PullDown:
		return "down"
	}
	return "none"
}

type Slew int

const (
	SlewFast Slew = iota
	SlewSlow
)

type PinMode struct {
	Direction Direction
	Pull      Pull
	Slew      Slew
	// Initial is the level an output is driven to as it becomes one.
	Initial bool
}

var (
	ModeOutput      = PinMode{Direction: DirectionOutput}
	ModeInput       = PinMode{Direction: DirectionInput}
	ModeInputPullUp = PinMode{Direction: DirectionInput, Pull: PullUp}
)

func (pm PinMode) String() string {
	if pm.Direction == DirectionOutput {
		return fmt.Sprintf("%s/initial:%t", pm.Direction, pm.Initial)
	}
	return fmt.Sprintf("%s/pull:%s", pm.Direction, pm.Pull)
}

// ParsePull accepts the config spelling of a pull setting ("up", "down", "none" or empty).
func ParsePull(s string) (Pull, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off", "float":
		return PullNone, nil
	case "up":
		return PullUp, nil
	case "down":
		return PullDown, nil
	}
	return PullNone, fmt.Errorf("unknown pull setting %q", s)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
