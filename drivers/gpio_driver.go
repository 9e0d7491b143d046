package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

const mcp3008Channels = 8
const mcp3008MaxValue = 1023
const defaultAdcSpeed = 1000000

// GpIO drives Raspberry Pi header lines through /dev/gpiomem. Analog reads go
// to an MCP3008 on SPI0, where the pin id is the ADC channel.
type GpIO struct {
	AdcEnabled    bool
	AdcChipSelect uint8
	AdcSpeed      int

	isReady bool
	spiOpen bool
	lock    sync.Mutex
}

func (gp *GpIO) Setup(ctx context.Context) error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrap(err, "failed to Setup gpio driver")
	}

	if gp.AdcEnabled {
		err = rpio.SpiBegin(rpio.Spi0)
		if err != nil {
			rpio.Close()
			return errors.Wrap(err, "failed to begin SPI0 for mcp3008")
		}
		speed := gp.AdcSpeed
		if speed == 0 {
			speed = defaultAdcSpeed
		}
		rpio.SpiSpeed(speed)
		rpio.SpiChipSelect(gp.AdcChipSelect)
		gp.spiOpen = true
	}

	gp.isReady = true
	return nil
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	return gp.isReady
}

func (gp *GpIO) Close() error {
	gp.isReady = false
	if gp.spiOpen {
		rpio.SpiEnd(rpio.Spi0)
		gp.spiOpen = false
	}
	return rpio.Close()
}

func checkGpioPin(pin uint16) error {
	if pin > 255 {
		return errors.Errorf("pin %d out of range (gpio takes uint8 pin)", pin)
	}
	return nil
}

func (gp *GpIO) ConfigurePin(ctx context.Context, pin uint16, mode PinMode) error {
	if err := checkGpioPin(pin); err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	p := rpio.Pin(pin)
	switch mode.Direction {
	case DirectionOutput:
		// the output latch is set first so the pin comes up at its level
		if mode.Initial {
			p.High()
		} else {
			p.Low()
		}
		p.Output()
	default:
		p.Input()
	}

	switch mode.Pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	default:
		p.PullOff()
	}

	return nil
}

func (gp *GpIO) DigitalWrite(ctx context.Context, pin uint16, value bool) error {
	if err := checkGpioPin(pin); err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	if value {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
	return nil
}

func (gp *GpIO) DigitalRead(ctx context.Context, pin uint16) (state bool, err error) {
	if err = checkGpioPin(pin); err != nil {
		return
	}
	if err = ctxErr(ctx); err != nil {
		return
	}

	state = rpio.Pin(pin).Read() == rpio.High
	return
}

func (gp *GpIO) AnalogRead(ctx context.Context, pin uint16) (float64, error) {
	if !gp.spiOpen {
		return 0, errors.New("analog read requires AdcEnabled (mcp3008 on SPI0)")
	}
	if pin >= mcp3008Channels {
		return 0, errors.Errorf("adc channel %d out of range (mcp3008 has %d channels)", pin, mcp3008Channels)
	}
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	gp.lock.Lock()
	defer gp.lock.Unlock()

	// single-ended conversion: start bit, SGL/DIFF + channel, padding
	buffer := []byte{0x01, byte(0x08|pin) << 4, 0x00}
	rpio.SpiExchange(buffer)

	raw := (int(buffer[1]&0x03) << 8) | int(buffer[2])
	return float64(raw) / mcp3008MaxValue, nil
}
