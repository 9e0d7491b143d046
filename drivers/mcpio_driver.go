package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"
const mcpPinCount = 16

// McpIO exposes the 16 lines of an MCP23017 I2C expander. The chip has no
// ADC, so AnalogRead always fails.
type McpIO struct {
	BusNo uint8
	DevNo uint8

	device  *mcp23017.Device
	isReady bool
	lock    sync.Mutex
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	return mcp.isReady
}

func (mcp *McpIO) Setup(ctx context.Context) (err error) {
	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		err = errors.Wrapf(err, "failed to open mcp23017 (bus %d, dev %d)", mcp.BusNo, mcp.DevNo)
		return
	}

	mcp.isReady = true
	return
}

func checkMcpPin(pin uint16) error {
	if pin >= mcpPinCount {
		return errors.Errorf("pin %d out of range (mcp23017 has %d pins)", pin, mcpPinCount)
	}
	return nil
}

func (mcp *McpIO) ConfigurePin(ctx context.Context, pin uint16, mode PinMode) (err error) {
	if err = checkMcpPin(pin); err != nil {
		return
	}
	if err = ctxErr(ctx); err != nil {
		return
	}

	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if mode.Direction == DirectionOutput {
		err = mcp.device.DigitalWrite(uint8(pin), mcp23017.PinLevel(mode.Initial))
		if err != nil {
			return
		}
		err = mcp.device.PinMode(uint8(pin), mcp23017.OUTPUT)
		return
	}

	err = mcp.device.PinMode(uint8(pin), mcp23017.INPUT)
	if err != nil {
		return
	}

	switch mode.Pull {
	case PullDown:
		err = errors.Errorf("mcp23017 has no pull-down (pin %d)", pin)
	default:
		err = mcp.device.SetPullUp(uint8(pin), mode.Pull == PullUp)
	}
	return
}

func (mcp *McpIO) DigitalWrite(ctx context.Context, pin uint16, value bool) error {
	if err := checkMcpPin(pin); err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	return mcp.device.DigitalWrite(uint8(pin), mcp23017.PinLevel(value))
}

func (mcp *McpIO) DigitalRead(ctx context.Context, pin uint16) (state bool, err error) {
	if err = checkMcpPin(pin); err != nil {
		return
	}
	if err = ctxErr(ctx); err != nil {
		return
	}

	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	rawState, err := mcp.device.DigitalRead(uint8(pin))
	if err != nil {
		return
	}
	state = bool(rawState)
	return
}

func (mcp *McpIO) AnalogRead(ctx context.Context, pin uint16) (float64, error) {
	return 0, errors.Errorf("mcp23017 does not support analog reads (pin %d)", pin)
}

func (mcp *McpIO) Close() error {
	mcp.isReady = false
	if mcp.device == nil {
		return nil
	}
	return mcp.device.Close()
}
