package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const mockDriverName = "mock_driver"

type OpKind int

const (
	OpConfigure OpKind = iota
	OpWrite
	OpRead
	OpAnalogRead
)

func (ok OpKind) String() string {
	switch ok {
	case OpConfigure:
		return "configure"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpAnalogRead:
		return "analog"
	}
	return "unknown"
}

// Op is one recorded line transaction.
type Op struct {
	Kind  OpKind
	Pin   uint16
	Value bool
	Mode  PinMode
}

func (op Op) String() string {
	switch op.Kind {
	case OpWrite:
		return fmt.Sprintf("%s pin %d = %v", op.Kind, op.Pin, op.Value)
	case OpConfigure:
		return fmt.Sprintf("%s pin %d %s", op.Kind, op.Pin, op.Mode)
	}
	return fmt.Sprintf("%s pin %d", op.Kind, op.Pin)
}

// MockIoDriver simulates host lines in memory and records every transaction.
// Reads return the last written or injected level unless a hook overrides them.
type MockIoDriver struct {
	// OnDigitalRead and OnAnalogRead let a test emulate devices behind a line,
	// e.g. a multiplexer whose common pin depends on the select lines.
	OnDigitalRead func(pin uint16) (bool, error)
	OnAnalogRead  func(pin uint16) (float64, error)
	// OnWrite observes every successful write after the level is stored.
	OnWrite func(pin uint16, value bool)

	lock             sync.Mutex
	ready            bool
	levels           map[uint16]bool
	analog           map[uint16]float64
	modes            map[uint16]PinMode
	failing          map[uint16]error
	ops              []Op
	writeTo          io.Writer
	writeStateChange bool
}

func (md *MockIoDriver) Setup(ctx context.Context) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.ready = true
	return nil
}

func (md *MockIoDriver) init() {
	if md.levels == nil {
		md.levels = make(map[uint16]bool)
		md.analog = make(map[uint16]float64)
		md.modes = make(map[uint16]PinMode)
		md.failing = make(map[uint16]error)
	}
}

func (md *MockIoDriver) Close() error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.ready
}

func (md *MockIoDriver) ConfigurePin(ctx context.Context, pin uint16, mode PinMode) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.ops = append(md.ops, Op{Kind: OpConfigure, Pin: pin, Mode: mode})
	if err := md.failure(pin); err != nil {
		return err
	}
	md.modes[pin] = mode
	if mode.Direction == DirectionOutput {
		md.levels[pin] = mode.Initial
	}
	return nil
}

func (md *MockIoDriver) DigitalWrite(ctx context.Context, pin uint16, value bool) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	md.lock.Lock()
	md.init()
	md.ops = append(md.ops, Op{Kind: OpWrite, Pin: pin, Value: value})
	if err := md.failure(pin); err != nil {
		md.lock.Unlock()
		return err
	}
	old := md.levels[pin]
	md.levels[pin] = value
	if md.writeStateChange && old != value {
		fmt.Fprintf(md.writeTo, "[pin %d] state changed to %v\n", pin, value)
	}
	hook := md.OnWrite
	md.lock.Unlock()

	if hook != nil {
		hook(pin, value)
	}
	return nil
}

func (md *MockIoDriver) DigitalRead(ctx context.Context, pin uint16) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}

	md.lock.Lock()
	md.init()
	md.ops = append(md.ops, Op{Kind: OpRead, Pin: pin})
	if err := md.failure(pin); err != nil {
		md.lock.Unlock()
		return false, err
	}
	level := md.levels[pin]
	hook := md.OnDigitalRead
	md.lock.Unlock()

	if hook != nil {
		return hook(pin)
	}
	return level, nil
}

func (md *MockIoDriver) AnalogRead(ctx context.Context, pin uint16) (float64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	md.lock.Lock()
	md.init()
	md.ops = append(md.ops, Op{Kind: OpAnalogRead, Pin: pin})
	if err := md.failure(pin); err != nil {
		md.lock.Unlock()
		return 0, err
	}
	value := md.analog[pin]
	hook := md.OnAnalogRead
	md.lock.Unlock()

	if hook != nil {
		return hook(pin)
	}
	return value, nil
}

func (md *MockIoDriver) failure(pin uint16) error {
	if err, failing := md.failing[pin]; failing {
		return errors.Wrapf(err, "mock pin %d", pin)
	}
	return nil
}

// Fail makes every following transaction on pin return err; nil clears it.
func (md *MockIoDriver) Fail(pin uint16, err error) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	if err == nil {
		delete(md.failing, pin)
		return
	}
	md.failing[pin] = err
}

func (md *MockIoDriver) SetLevel(pin uint16, level bool) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.levels[pin] = level
}

func (md *MockIoDriver) Level(pin uint16) bool {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.levels[pin]
}

func (md *MockIoDriver) SetAnalog(pin uint16, value float64) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.analog[pin] = value
}

func (md *MockIoDriver) Mode(pin uint16) (PinMode, bool) {
	md.lock.Lock()
	defer md.lock.Unlock()

	mode, found := md.modes[pin]
	return mode, found
}

// Ops returns a copy of the transaction log.
func (md *MockIoDriver) Ops() []Op {
	md.lock.Lock()
	defer md.lock.Unlock()

	return append([]Op(nil), md.ops...)
}

func (md *MockIoDriver) ResetOps() {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.ops = nil
}

// Writes returns the logged writes to pin, in order.
func (md *MockIoDriver) Writes(pin uint16) (values []bool) {
	for _, op := range md.Ops() {
		if op.Kind == OpWrite && op.Pin == pin {
			values = append(values, op.Value)
		}
	}
	return
}

func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.writeTo = writer
	md.writeStateChange = writer != nil
}
