package drivers

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const periphDriverName = "periph"

// PeriphIO resolves lines through periph.io's registry by "GPIO<n>" name, so it
// works on any host periph supports.
type PeriphIO struct {
	isReady bool
	lock    sync.Mutex
	pins    map[uint16]gpio.PinIO
}

func (pio *PeriphIO) Setup(ctx context.Context) error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init failed")
	}

	pio.pins = make(map[uint16]gpio.PinIO)
	pio.isReady = true
	return nil
}

func (pio *PeriphIO) String() string {
	return periphDriverName
}

func (pio *PeriphIO) IsReady() bool {
	return pio.isReady
}

func (pio *PeriphIO) Close() error {
	pio.isReady = false
	return nil
}

func (pio *PeriphIO) resolvePin(pin uint16) (gpio.PinIO, error) {
	pio.lock.Lock()
	defer pio.lock.Unlock()

	if p, ok := pio.pins[pin]; ok {
		return p, nil
	}

	name := fmt.Sprintf("GPIO%d", pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("pin %d (%s) not found in hardware", pin, name)
	}
	pio.pins[pin] = p
	return p, nil
}

func periphPull(pull Pull) gpio.Pull {
	switch pull {
	case PullUp:
		return gpio.PullUp
	case PullDown:
		return gpio.PullDown
	}
	return gpio.Float
}

func (pio *PeriphIO) ConfigurePin(ctx context.Context, pin uint16, mode PinMode) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	p, err := pio.resolvePin(pin)
	if err != nil {
		return err
	}

	if mode.Direction == DirectionOutput {
		level := gpio.Low
		if mode.Initial {
			level = gpio.High
		}
		return errors.Wrapf(p.Out(level), "set pin %d to output", pin)
	}
	return errors.Wrapf(p.In(periphPull(mode.Pull), gpio.NoEdge), "set pin %d to input", pin)
}

func (pio *PeriphIO) DigitalWrite(ctx context.Context, pin uint16, value bool) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	p, err := pio.resolvePin(pin)
	if err != nil {
		return err
	}

	level := gpio.Low
	if value {
		level = gpio.High
	}
	return errors.Wrapf(p.Out(level), "write pin %d", pin)
}

func (pio *PeriphIO) DigitalRead(ctx context.Context, pin uint16) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	p, err := pio.resolvePin(pin)
	if err != nil {
		return false, err
	}
	return p.Read() == gpio.High, nil
}

func (pio *PeriphIO) AnalogRead(ctx context.Context, pin uint16) (float64, error) {
	return 0, errors.Errorf("periph gpio does not support analog reads (pin %d)", pin)
}
