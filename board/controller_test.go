package board

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/swboard/attr"
	"github.com/hubertat/swboard/chips"
	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/errcode"
)

const (
	dataPin  = uint16(17)
	clockPin = uint16(27)
	latchPin = uint16(22)
	oePin    = uint16(23)
	readPin  = uint16(4)
)

func pinRef(p uint16) *uint16 { return &p }
func intRef(i int) *int       { return &i }

func assertCode(t testing.TB, err error, want errcode.Code) {
	t.Helper()

	if got := errcode.Of(err); got != want {
		t.Errorf("got code %s want %s (err: %v)", got, want, err)
	}
}

func assertValue(t testing.TB, store *attr.Store, name string, want any) {
	t.Helper()

	got, found := store.Get(name)
	if !found {
		t.Errorf("%s not published", name)
		return
	}
	if got != want {
		t.Errorf("%s: got %v (%T) want %v (%T)", name, got, got, want, want)
	}
}

func assertBit(t testing.TB, bc *Controller, bit int, want bool) {
	t.Helper()

	got, err := bc.register.Get(bit)
	if err != nil {
		t.Fatalf("Get(%d) returned err: %v", bit, err)
	}
	if got != want {
		t.Errorf("bit %d: got %v want %v", bit, got, want)
	}
}

func latchPulses(md *drivers.MockIoDriver) int {
	pulses := 0
	for _, level := range md.Writes(latchPin) {
		if level {
			pulses++
		}
	}
	return pulses
}

func expectNoChange(t *testing.T, sub *attr.Subscription) {
	t.Helper()

	select {
	case c := <-sub.Channel():
		t.Errorf("unexpected change %+v", c)
	default:
	}
}

// waitSettled waits until the cycle ran the tick Init schedules right away.
func waitSettled(t *testing.T, bc *Controller) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		cycle := bc.currentCycle()
		if cycle.Ticks() >= 1 && !cycle.State().Busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first tick")
		}
		time.Sleep(time.Millisecond)
	}
}

func registerLines() *chips.RegisterLines {
	return &chips.RegisterLines{Data: dataPin, Clock: clockPin, Latch: latchPin}
}

func outputConfig() Config {
	return Config{
		Name:     "out",
		Kind:     KindOutput,
		Chips:    2,
		Register: registerLines(),
		Interval: "1h",
		Settle:   "0s",
		Channels: []ChannelSpec{
			{Name: "o0", Role: RoleOutput, Bit: 0},
			{Name: "o1", Role: RoleOutput, Bit: 1, Inverted: true},
		},
	}
}

func newTestBoard(t *testing.T, cfg Config) (*Controller, *drivers.MockIoDriver) {
	t.Helper()

	md := &drivers.MockIoDriver{}
	md.Setup(context.Background())
	bc, err := NewController(cfg, md, attr.NewStore(16), nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}
	if err := bc.Init(context.Background()); err != nil {
		t.Fatalf("Init returned err: %v", err)
	}
	t.Cleanup(bc.Release)

	waitSettled(t, bc)
	md.ResetOps()
	return bc, md
}

func TestInvertedOutputEndToEnd(t *testing.T) {
	ctx := context.Background()
	bc, md := newTestBoard(t, outputConfig())

	err := bc.SetOutputs(ctx, map[string]int{"o0": 1, "o1": 1})
	if err != nil {
		t.Fatalf("SetOutputs returned err: %v", err)
	}
	if latchPulses(md) != 0 {
		t.Fatal("SetOutputs touched the bus before the tick")
	}

	if err := bc.Tick(ctx); err != nil {
		t.Fatalf("Tick returned err: %v", err)
	}

	assertBit(t, bc, 0, true)
	assertBit(t, bc, 1, false)
	if got := latchPulses(md); got != 1 {
		t.Errorf("got %d latch pulses want 1", got)
	}
	if got := len(md.Writes(clockPin)); got != 2*16 {
		t.Errorf("got %d clock writes want one shift of 16 bits", got)
	}
	assertValue(t, bc.Store(), "o0", 1)
	assertValue(t, bc.Store(), "o1", 1)
}

func TestSetOutputsTwiceFlushesOnce(t *testing.T) {
	ctx := context.Background()
	bc, md := newTestBoard(t, outputConfig())
	flushes := bc.currentCycle().Flushes()

	bc.SetOutputs(ctx, map[string]int{"o0": 1})
	bc.SetOutputs(ctx, map[string]int{"o0": 1})
	bc.Tick(ctx)
	bc.Tick(ctx)

	if got := latchPulses(md); got != 1 {
		t.Errorf("got %d latch pulses want 1", got)
	}
	if got := bc.currentCycle().Flushes() - flushes; got != 1 {
		t.Errorf("got %d flushes want 1", got)
	}
}

func TestSetOutputsValidation(t *testing.T) {
	ctx := context.Background()
	cfg := outputConfig()
	bc, _ := newTestBoard(t, cfg)

	assertCode(t, bc.SetOutputs(ctx, map[string]int{"nope": 1}), errcode.UnknownSignal)
	assertCode(t, bc.SetOutputs(ctx, map[string]int{"o0": 2}), errcode.InvalidValue)
	assertCode(t, bc.SetOutputs(ctx, map[string]int{"o0": 1, "o1": -1}), errcode.InvalidValue)

	if pending := bc.currentCycle().Pending(); len(pending) != 0 {
		t.Errorf("rejected requests staged bits: %v", pending)
	}
	if bc.currentCycle().State().OutputsQueued {
		t.Error("rejected requests marked outputs queued")
	}
}

func TestAnalogPrecision(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Name:     "adc",
		Kind:     KindInput,
		Interval: "1h",
		Settle:   "0s",
		Channels: []ChannelSpec{
			{Name: "in0", Role: RoleInput, Pin: pinRef(0), Analog: true, Precision: intRef(2)},
		},
	}
	bc, md := newTestBoard(t, cfg)
	sub := bc.Store().Subscribe()
	defer sub.Unsubscribe()

	md.SetAnalog(0, 0.12345)
	bc.Tick(ctx)

	select {
	case c := <-sub.Channel():
		if c.Name != "in0" || c.Value != 0.12 {
			t.Errorf("got change %+v want in0 = 0.12", c)
		}
	default:
		t.Fatal("reading not published")
	}

	md.SetAnalog(0, 0.1204)
	bc.Tick(ctx)
	expectNoChange(t, sub)
	assertValue(t, bc.Store(), "in0", 0.12)
}

func TestSelectorRangeAtConfiguration(t *testing.T) {
	md := &drivers.MockIoDriver{}
	cfg := Config{
		Name:    "in",
		Kind:    KindInput,
		Mux:     &chips.MuxLines{Select: []uint16{5, 6}},
		ReadPin: pinRef(readPin),
		Channels: []ChannelSpec{
			{Name: "in5", Role: RoleInput, Position: 5},
		},
	}

	_, err := NewController(cfg, md, nil, nil)
	assertCode(t, err, errcode.Range)
}

func TestMuxInputScan(t *testing.T) {
	ctx := context.Background()
	selects := []uint16{5, 6}
	cfg := Config{
		Name:     "in",
		Kind:     KindInput,
		Mux:      &chips.MuxLines{Select: selects},
		ReadPin:  pinRef(readPin),
		Interval: "1h",
		Settle:   "0s",
		Channels: []ChannelSpec{
			{Name: "in0", Role: RoleInput, Position: 0},
			{Name: "in1", Role: RoleInput, Position: 1, Inverted: true},
			{Name: "in3", Role: RoleInput, Position: 3},
		},
	}

	md := &drivers.MockIoDriver{}
	md.Setup(ctx)
	high := map[int]bool{1: true, 3: true}
	md.OnDigitalRead = func(pin uint16) (bool, error) {
		position := 0
		for i, sel := range selects {
			if md.Level(sel) {
				position |= 1 << uint(i)
			}
		}
		return high[position], nil
	}

	bc, err := NewController(cfg, md, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}
	if err := bc.Init(ctx); err != nil {
		t.Fatalf("Init returned err: %v", err)
	}
	defer bc.Release()
	waitSettled(t, bc)

	assertValue(t, bc.Store(), "in0", 0)
	assertValue(t, bc.Store(), "in1", 0)
	assertValue(t, bc.Store(), "in3", 1)

	high[0] = true
	bc.Tick(ctx)
	assertValue(t, bc.Store(), "in0", 1)

	if bc.mux.Position() != 0 {
		t.Errorf("mux left at position %d after tick", bc.mux.Position())
	}
	if bc.currentCycle().Config().Positions != 4 {
		t.Errorf("got %d positions want 4", bc.currentCycle().Config().Positions)
	}
}

func combinedConfig() Config {
	return Config{
		Name:     "combo",
		Kind:     KindCombined,
		Register: registerLines(),
		ReadPin:  pinRef(readPin),
		Interval: "1h",
		Settle:   "0s",
		Channels: []ChannelSpec{
			{Name: "in0", Role: RoleInput, Position: 0},
			{Name: "in2", Role: RoleInput, Position: 2},
			{Name: "lamp", Role: RoleOutput, Bit: 6},
		},
	}
}

func TestCombinedBoard(t *testing.T) {
	ctx := context.Background()
	cfg := combinedConfig()

	md := &drivers.MockIoDriver{}
	md.Setup(ctx)
	var bc *Controller
	md.OnDigitalRead = func(pin uint16) (bool, error) {
		// the multiplexer sees what the register last latched
		position := int(bc.register.Bytes()[0] & 0x0f)
		return position == 2, nil
	}

	bc, err := NewController(cfg, md, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}
	if bc.register.Chips() != 1 {
		t.Errorf("got chain of %d chips want 1", bc.register.Chips())
	}
	if err := bc.Init(ctx); err != nil {
		t.Fatalf("Init returned err: %v", err)
	}
	defer bc.Release()
	waitSettled(t, bc)

	assertValue(t, bc.Store(), "in0", 0)
	assertValue(t, bc.Store(), "in2", 1)

	err = bc.SetOutputs(ctx, map[string]int{"lamp": 1})
	if err != nil {
		t.Fatalf("SetOutputs returned err: %v", err)
	}
	assertCode(t, bc.SetOutputs(ctx, map[string]int{"in0": 1}), errcode.UnknownSignal)
	bc.Tick(ctx)

	assertBit(t, bc, 6, true)
	// parked at position 0, multiplexer enabled (active low)
	if got := bc.register.Bytes()[0] & 0x1f; got != 0 {
		t.Errorf("control bits %05b after tick want 00000", got)
	}
	assertValue(t, bc.Store(), "lamp", 1)
}

func TestCombinedRejectsControlBitOverlap(t *testing.T) {
	cfg := combinedConfig()
	cfg.Channels = append(cfg.Channels, ChannelSpec{Name: "bad", Role: RoleOutput, Bit: 2})

	_, err := NewController(cfg, &drivers.MockIoDriver{}, nil, nil)
	assertCode(t, err, errcode.InvalidConfig)

	cfg = combinedConfig()
	cfg.MuxEnableBit = intRef(7)
	cfg.Channels = append(cfg.Channels, ChannelSpec{Name: "bad", Role: RoleOutput, Bit: 7})
	_, err = NewController(cfg, &drivers.MockIoDriver{}, nil, nil)
	assertCode(t, err, errcode.InvalidConfig)
}

func TestChannelTableValidation(t *testing.T) {
	tests := []struct {
		name     string
		channels []ChannelSpec
		want     errcode.Code
	}{
		{"duplicate name", []ChannelSpec{{Name: "a", Role: RoleOutput, Bit: 0}, {Name: "a", Role: RoleOutput, Bit: 1}}, errcode.InvalidConfig},
		{"duplicate bit", []ChannelSpec{{Name: "a", Role: RoleOutput, Bit: 3}, {Name: "b", Role: RoleOutput, Bit: 3}}, errcode.InvalidConfig},
		{"bit out of chain", []ChannelSpec{{Name: "a", Role: RoleOutput, Bit: 16}}, errcode.Range},
		{"input on output board", []ChannelSpec{{Name: "a", Role: RoleInput, Pin: pinRef(3)}}, errcode.InvalidConfig},
		{"unknown role", []ChannelSpec{{Name: "a", Role: "both"}}, errcode.InvalidConfig},
		{"empty name", []ChannelSpec{{Role: RoleOutput}}, errcode.InvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := outputConfig()
			cfg.Channels = tt.channels
			_, err := NewController(cfg, &drivers.MockIoDriver{}, nil, nil)
			assertCode(t, err, tt.want)
		})
	}
}

func TestFailedInputNotPublished(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Name:     "direct",
		Kind:     KindInput,
		Interval: "1h",
		Settle:   "0s",
		Channels: []ChannelSpec{
			{Name: "a", Role: RoleInput, Pin: pinRef(5)},
			{Name: "b", Role: RoleInput, Pin: pinRef(6), Pull: "up"},
		},
	}
	bc, md := newTestBoard(t, cfg)

	md.Fail(5, errors.New("line dead"))
	md.SetLevel(6, true)
	bc.Tick(ctx)

	assertValue(t, bc.Store(), "b", 1)
	// a was published as 0 by the first tick and must keep that value
	assertValue(t, bc.Store(), "a", 0)
}

func TestFlushFailureLeavesEmulation(t *testing.T) {
	ctx := context.Background()
	bc, md := newTestBoard(t, outputConfig())
	sub := bc.Store().Subscribe()
	defer sub.Unsubscribe()

	md.Fail(clockPin, errors.New("clock stuck"))
	bc.SetOutputs(ctx, map[string]int{"o0": 1})
	bc.Tick(ctx)

	if !bc.Status().Emulation {
		t.Error("board should be in emulation after a failed flush")
	}
	expectNoChange(t, sub)

	md.Fail(clockPin, nil)
	if err := bc.Enable(ctx, true); err != nil {
		t.Fatalf("Enable returned err: %v", err)
	}
	bc.Tick(ctx)

	if bc.Status().Emulation {
		t.Error("board still in emulation after recovery")
	}
	assertBit(t, bc, 0, true)
	select {
	case c := <-sub.Channel():
		if c.Name != "o0" || c.Value != 1 {
			t.Errorf("got change %+v want o0 = 1", c)
		}
	default:
		t.Error("flushed output not published")
	}
}

func TestOnUpstreamChange(t *testing.T) {
	ctx := context.Background()
	bc, md := newTestBoard(t, outputConfig())

	err := bc.OnUpstreamChange(ctx, map[string]any{"o0": 1.0, "o1": false, "elsewhere": 1})
	if err != nil {
		t.Fatalf("OnUpstreamChange returned err: %v", err)
	}
	bc.Tick(ctx)
	assertBit(t, bc, 0, true)
	// o1 is inverted, 0 drives its bit high
	assertBit(t, bc, 1, true)
	pulses := latchPulses(md)

	// echo of the current state queues nothing
	err = bc.OnUpstreamChange(ctx, map[string]any{"o0": "on", "o1": 0})
	if err != nil {
		t.Fatalf("OnUpstreamChange returned err: %v", err)
	}
	if bc.currentCycle().State().OutputsQueued {
		t.Error("unchanged upstream values queued a flush")
	}
	bc.Tick(ctx)
	if latchPulses(md) != pulses {
		t.Error("unchanged upstream values reached the bus")
	}

	err = bc.OnUpstreamChange(ctx, map[string]any{"o0": 2})
	assertCode(t, err, errcode.InvalidValue)
}

func TestDefinePins(t *testing.T) {
	ctx := context.Background()
	bc, _ := newTestBoard(t, outputConfig())

	err := bc.DefinePins(ctx, []ChannelSpec{
		{Name: "a", Role: RoleOutput, Bit: 3},
		{Name: "b", Role: RoleOutput, Bit: 3},
	})
	assertCode(t, err, errcode.InvalidConfig)
	if len(bc.Channels()) != 2 || bc.Channels()[0].Name != "o0" {
		t.Errorf("rejected table replaced the channels: %v", bc.Channels())
	}

	err = bc.DefinePins(ctx, []ChannelSpec{{Name: "o9", Role: RoleOutput, Bit: 9}})
	if err != nil {
		t.Fatalf("DefinePins returned err: %v", err)
	}
	waitSettled(t, bc)

	assertCode(t, bc.SetOutputs(ctx, map[string]int{"o0": 1}), errcode.UnknownSignal)
	if _, found := bc.Store().Get("o0"); found {
		t.Error("old signal still in the store")
	}

	if err := bc.SetOutputs(ctx, map[string]int{"o9": 1}); err != nil {
		t.Fatalf("SetOutputs returned err: %v", err)
	}
	bc.Tick(ctx)
	assertBit(t, bc, 9, true)
}

func TestEnable(t *testing.T) {
	ctx := context.Background()
	cfg := outputConfig()
	cfg.Register.Enable = pinRef(oePin)
	bc, md := newTestBoard(t, cfg)

	if md.Level(oePin) {
		t.Error("outputs should be enabled (OE low) after init")
	}

	bc.Enable(ctx, false)
	if !md.Level(oePin) {
		t.Error("OE should be high when disabled")
	}
	if bc.Status().Enabled {
		t.Error("status still enabled")
	}

	bc.Enable(ctx, true)
	if md.Level(oePin) {
		t.Error("OE should be low when enabled")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	bc, _ := newTestBoard(t, outputConfig())

	bc.SetOutputs(ctx, map[string]int{"o0": 1, "o1": 0})
	bc.Tick(ctx)
	assertBit(t, bc, 1, true)

	if err := bc.Clear(ctx); err != nil {
		t.Fatalf("Clear returned err: %v", err)
	}
	assertBit(t, bc, 0, false)
	assertBit(t, bc, 1, false)
	assertValue(t, bc.Store(), "o0", 0)
	assertValue(t, bc.Store(), "o1", 1)
}

func TestInitFailure(t *testing.T) {
	ctx := context.Background()
	md := &drivers.MockIoDriver{}
	md.Setup(ctx)
	md.Fail(dataPin, errors.New("no such line"))

	bc, err := NewController(outputConfig(), md, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}
	err = bc.Init(ctx)
	assertCode(t, err, errcode.IO)

	st := bc.Status()
	if st.Ready || !st.Emulation || st.Error == "" {
		t.Errorf("unexpected status after failed init: %+v", st)
	}
	assertCode(t, bc.SetOutputs(ctx, map[string]int{"o0": 1}), errcode.NotReady)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	bc, _ := newTestBoard(t, outputConfig())
	bc.SetOutputs(ctx, map[string]int{"o0": 1})
	bc.Tick(ctx)

	st := bc.Status()
	if st.Name != "out" || st.Kind != KindOutput || !st.Ready || st.Emulation {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Register != "01 00" {
		t.Errorf("got register %q want \"01 00\"", st.Register)
	}
	if st.Signals["o0"] != 1 || st.Signals["o1"] != 1 {
		t.Errorf("got signals %v", st.Signals)
	}
}

func TestToBinary(t *testing.T) {
	tests := []struct {
		in   any
		want int
		fail bool
	}{
		{true, 1, false},
		{false, 0, false},
		{1, 1, false},
		{int64(0), 0, false},
		{1.0, 1, false},
		{"on", 1, false},
		{"0", 0, false},
		{0.5, 0, true},
		{"maybe", 0, true},
		{[]int{1}, 0, true},
	}

	for _, tt := range tests {
		got, err := ToBinary(tt.in)
		if (err != nil) != tt.fail {
			t.Errorf("ToBinary(%v) err = %v, want failure %v", tt.in, err, tt.fail)
			continue
		}
		if got != tt.want {
			t.Errorf("ToBinary(%v) = %d want %d", tt.in, got, tt.want)
		}
	}
}

func TestRound(t *testing.T) {
	if got := Round(0.12345, 2); got != 0.12 {
		t.Errorf("got %v want 0.12", got)
	}
	if Round(0.12345, 2) != Round(0.1204, 2) {
		t.Error("0.12345 and 0.1204 should round to the same value")
	}
	if got := Round(0.5678, 0); got != 1 {
		t.Errorf("got %v want 1", got)
	}
}

func TestDefinePinsKeepsQueuedOutputs(t *testing.T) {
	ctx := context.Background()
	bc, _ := newTestBoard(t, outputConfig())

	// o1 is inverted, 0 stages its bit high
	if err := bc.SetOutputs(ctx, map[string]int{"o0": 1, "o1": 0}); err != nil {
		t.Fatalf("SetOutputs returned err: %v", err)
	}

	// o0 keeps its bit, o1 loses its inversion so its staged level no longer applies
	err := bc.DefinePins(ctx, []ChannelSpec{
		{Name: "o0", Role: RoleOutput, Bit: 0},
		{Name: "o1", Role: RoleOutput, Bit: 1},
	})
	if err != nil {
		t.Fatalf("DefinePins returned err: %v", err)
	}

	// the new cycle flushes what was carried over on its first tick
	waitSettled(t, bc)
	assertBit(t, bc, 0, true)
	assertBit(t, bc, 1, false)
	assertValue(t, bc.Store(), "o0", 1)
	assertValue(t, bc.Store(), "o1", 0)
}

func TestSetOutputsDuringDefinePins(t *testing.T) {
	ctx := context.Background()
	bc, _ := newTestBoard(t, outputConfig())

	busy := make(chan struct{})
	release := make(chan struct{})
	go bc.currentCycle().Exclusive(ctx, func(ctx context.Context) error {
		close(busy)
		<-release
		return nil
	})
	<-busy

	defineErr := make(chan error, 1)
	setErr := make(chan error, 1)
	go func() { defineErr <- bc.DefinePins(ctx, outputConfig().Channels) }()
	go func() { setErr <- bc.SetOutputs(ctx, map[string]int{"o0": 1}) }()

	time.Sleep(10 * time.Millisecond)
	close(release)

	for _, ch := range []chan error{defineErr, setErr} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("got err: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for DefinePins and SetOutputs")
		}
	}

	waitSettled(t, bc)
	if err := bc.Tick(ctx); err != nil {
		t.Fatalf("Tick returned err: %v", err)
	}
	assertBit(t, bc, 0, true)
	assertValue(t, bc.Store(), "o0", 1)
}

// latchedBit decodes bit of a one-chip register from every frame shifted
// onto the data line, MSB first.
func latchedBit(md *drivers.MockIoDriver, bit int) []bool {
	data := md.Writes(dataPin)
	frames := []bool{}
	for start := 0; start+8 <= len(data); start += 8 {
		frames = append(frames, data[start+7-bit])
	}
	return frames
}

func TestCombinedFlushFailureStaysOffBus(t *testing.T) {
	ctx := context.Background()
	bc, md := newTestBoard(t, combinedConfig())

	if err := bc.SetOutputs(ctx, map[string]int{"lamp": 1}); err != nil {
		t.Fatalf("SetOutputs returned err: %v", err)
	}
	md.Fail(latchPin, errors.New("latch stuck"))
	bc.Tick(ctx)

	if !bc.Status().Emulation {
		t.Fatal("board should be in emulation after a failed flush")
	}
	assertBit(t, bc, 6, false)

	// rotations of the next tick shift the whole register while the flush is held
	md.Fail(latchPin, nil)
	md.ResetOps()
	sub := bc.Store().Subscribe()
	defer sub.Unsubscribe()
	bc.Tick(ctx)

	frames := latchedBit(md, 6)
	if len(frames) == 0 {
		t.Fatal("no frames shifted during the tick")
	}
	for i, level := range frames {
		if level {
			t.Errorf("frame %d latched the held lamp bit", i)
		}
	}
	if !bc.currentCycle().Pending()[6] {
		t.Error("lamp bit no longer queued")
	}
	expectNoChange(t, sub)

	if err := bc.Enable(ctx, true); err != nil {
		t.Fatalf("Enable returned err: %v", err)
	}
	bc.Tick(ctx)
	assertBit(t, bc, 6, true)
	assertValue(t, bc.Store(), "lamp", 1)
}

func TestDisabledMuxNotSampled(t *testing.T) {
	ctx := context.Background()
	cfg := combinedConfig()

	md := &drivers.MockIoDriver{}
	md.Setup(ctx)
	floating := false
	md.OnDigitalRead = func(pin uint16) (bool, error) {
		return floating, nil
	}

	bc, err := NewController(cfg, md, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}
	if err := bc.Init(ctx); err != nil {
		t.Fatalf("Init returned err: %v", err)
	}
	defer bc.Release()
	waitSettled(t, bc)
	assertValue(t, bc.Store(), "in0", 0)

	if err := bc.Enable(ctx, false); err != nil {
		t.Fatalf("Enable returned err: %v", err)
	}
	floating = true
	sub := bc.Store().Subscribe()
	defer sub.Unsubscribe()
	bc.Tick(ctx)

	expectNoChange(t, sub)
	assertValue(t, bc.Store(), "in0", 0)

	if err := bc.Enable(ctx, true); err != nil {
		t.Fatalf("Enable returned err: %v", err)
	}
	bc.Tick(ctx)
	assertValue(t, bc.Store(), "in0", 1)
	assertValue(t, bc.Store(), "in2", 1)
}

func TestPackControlOutOfRange(t *testing.T) {
	bc, err := NewController(combinedConfig(), &drivers.MockIoDriver{}, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}

	bc.cfg.MuxEnableBit = intRef(12)
	assertCode(t, bc.packControl(0, true), errcode.Range)
}

func TestLoggerPrefix(t *testing.T) {
	bc, err := NewController(outputConfig(), &drivers.MockIoDriver{}, nil, nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}

	// the logger renders its own separator after the prefix
	if prefix := bc.logger.GetPrefix(); prefix != "board out" || strings.HasSuffix(prefix, ":") {
		t.Errorf("got prefix %q want \"board out\"", prefix)
	}
}
