// Package board maps named signals onto register bits and multiplexer
// positions and drives one scan cycle per board.
package board

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/swboard/attr"
	"github.com/hubertat/swboard/chips"
	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/errcode"
	"github.com/hubertat/swboard/scan"
)

type signal struct {
	spec      ChannelSpec
	last      any
	published bool
}

// Controller validates named writes, stages them on the scan cycle and
// publishes readings under their names.
type Controller struct {
	cfg    Config
	driver drivers.PinDriver
	store  *attr.Store
	logger *log.Logger

	register *chips.ShiftRegister
	mux      *chips.Mux

	// table is held for reading by writers staging outputs and for writing
	// while DefinePins swaps the channel table and cycle.
	table sync.RWMutex

	lock       sync.Mutex
	cycle      *scan.Cycle
	signals    map[string]*signal
	byPosition map[int]*signal
	byBit      map[int]*signal
	ready      bool
	enabled    bool
	initErr    error
	runCtx     context.Context
}

func NewController(cfg Config, driver drivers.PinDriver, store *attr.Store, logger *log.Logger) (*Controller, error) {
	if err := cfg.validateBoard(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, errcode.New(errcode.InvalidConfig, "board.NewController", "board %s has no pin driver", cfg.Name)
	}
	if store == nil {
		store = attr.NewStore(0)
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "board " + cfg.Name,
			Level:  log.GetLevel(),
		})
	}

	bc := &Controller{
		cfg:    cfg,
		driver: driver,
		store:  store,
		logger: logger,
	}

	var err error
	chainChips := 0
	if cfg.Kind != KindInput {
		chainChips = cfg.chainLength()
		bc.register, err = chips.NewShiftRegister(driver, *cfg.Register, chainChips)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Kind == KindInput && cfg.Mux != nil {
		bc.mux, err = chips.NewMux(driver, *cfg.Mux)
		if err != nil {
			return nil, err
		}
	}

	if err = cfg.validateChannels(cfg.Channels, chainChips); err != nil {
		return nil, err
	}
	bc.buildTable(cfg.Channels)

	bc.cycle, err = bc.newCycle()
	if err != nil {
		return nil, err
	}
	return bc, nil
}

func (bc *Controller) Name() string {
	return bc.cfg.Name
}

func (bc *Controller) Config() Config {
	return bc.cfg
}

func (bc *Controller) Store() *attr.Store {
	return bc.store
}

func (bc *Controller) buildTable(specs []ChannelSpec) {
	bc.signals = make(map[string]*signal)
	bc.byPosition = make(map[int]*signal)
	bc.byBit = make(map[int]*signal)

	direct := 0
	for _, spec := range specs {
		sig := &signal{spec: spec}
		bc.signals[spec.Name] = sig

		switch {
		case spec.Role == RoleOutput:
			bc.byBit[spec.Bit] = sig
		case bc.cfg.selectLines() == 0:
			// direct inputs are visited in table order
			bc.byPosition[direct] = sig
			direct++
		default:
			bc.byPosition[spec.Position] = sig
		}
	}
}

// positions is the rotation length: up to the highest used input position.
func (bc *Controller) positions() int {
	n := 1
	for position := range bc.byPosition {
		if position+1 > n {
			n = position + 1
		}
	}
	return n
}

func (bc *Controller) newCycle() (*scan.Cycle, error) {
	interval, settle, emulation, err := bc.cfg.durations()
	if err != nil {
		return nil, err
	}

	var rotator scan.Rotator
	switch {
	case bc.cfg.Kind == KindCombined:
		rotator = scan.RotatorFunc(bc.rotatePacked)
	case bc.mux != nil:
		rotator = scan.RotatorFunc(bc.mux.Switch)
	}

	var sampler scan.Sampler
	if bc.cfg.Kind != KindOutput {
		sampler = bc
	}

	var latch chips.OutputLatch = nullLatch{}
	if bc.register != nil {
		latch = bc.register
	}

	cycle, err := scan.New(scan.Config{
		Name:           bc.cfg.Name,
		Positions:      bc.positions(),
		Interval:       interval,
		Settle:         settle,
		BreakerTimeout: emulation,
	}, latch, rotator, sampler, bc.logger)
	if err != nil {
		return nil, err
	}
	cycle.OnFlush = bc.onFlush
	return cycle, nil
}

func (bc *Controller) currentCycle() *scan.Cycle {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	return bc.cycle
}

// Init configures every line of the board, parks the multiplexer at position 0
// and starts scanning. A failure leaves the board not ready and in emulation.
func (bc *Controller) Init(ctx context.Context) error {
	err := bc.setupLines(ctx)

	bc.lock.Lock()
	bc.initErr = err
	bc.lock.Unlock()
	if err != nil {
		bc.logger.Error("init failed, board left in emulation", "err", err)
		return err
	}

	bc.publishOutputs(true)

	bc.lock.Lock()
	bc.ready = true
	bc.enabled = true
	bc.runCtx = ctx
	cycle := bc.cycle
	bc.lock.Unlock()

	cycle.Start(ctx)
	bc.logger.Info("board ready", "kind", bc.cfg.Kind, "signals", len(bc.signals), "positions", cycle.Config().Positions)
	return nil
}

func (bc *Controller) setupLines(ctx context.Context) error {
	if !bc.driver.IsReady() {
		return errcode.New(errcode.NotReady, "board.Init", "driver %s not ready", bc.driver)
	}

	if bc.register != nil {
		if err := bc.register.Setup(ctx); err != nil {
			return err
		}
	}
	if bc.mux != nil {
		if err := bc.mux.Setup(ctx); err != nil {
			return err
		}
		if err := bc.mux.Switch(ctx, 0); err != nil {
			return err
		}
		if err := bc.mux.Enable(ctx, true); err != nil {
			return err
		}
	}
	if bc.cfg.ReadPin != nil {
		pull, _ := drivers.ParsePull(bc.cfg.ReadPull)
		mode := drivers.PinMode{Direction: drivers.DirectionInput, Pull: pull}
		if err := bc.driver.ConfigurePin(ctx, *bc.cfg.ReadPin, mode); err != nil {
			return errcode.Wrap(errcode.IO, "board.Init", err, "read pin %d", *bc.cfg.ReadPin)
		}
	}
	if err := bc.configureDirectPins(ctx, bc.cfg.Channels); err != nil {
		return err
	}

	if bc.cfg.Kind == KindCombined {
		if err := bc.packControl(0, true); err != nil {
			return err
		}
		if err := bc.register.ShiftOut(ctx); err != nil {
			return err
		}
	}
	if bc.register != nil {
		if err := bc.register.EnableOutput(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (bc *Controller) configureDirectPins(ctx context.Context, specs []ChannelSpec) error {
	for _, spec := range specs {
		if spec.Role != RoleInput || spec.Pin == nil {
			continue
		}
		pull, _ := drivers.ParsePull(spec.Pull)
		mode := drivers.PinMode{Direction: drivers.DirectionInput, Pull: pull}
		if err := bc.driver.ConfigurePin(ctx, *spec.Pin, mode); err != nil {
			return errcode.Wrap(errcode.IO, "board.Init", err, "input %s pin %d", spec.Name, *spec.Pin)
		}
	}
	return nil
}

// packControl writes the multiplexer position and enable state into the
// control bits of the first chip.
func (bc *Controller) packControl(position int, enabled bool) error {
	for i, bit := range bc.cfg.selectBits() {
		if err := bc.register.Set(bit, (position>>uint(i))&1 == 1); err != nil {
			return err
		}
	}
	level := enabled
	if !bc.cfg.MuxEnableActiveHigh {
		level = !enabled
	}
	return bc.register.Set(bc.cfg.muxEnableBit(), level)
}

func (bc *Controller) rotatePacked(ctx context.Context, position int) error {
	bc.lock.Lock()
	enabled := bc.enabled
	bc.lock.Unlock()

	if err := bc.packControl(position, enabled); err != nil {
		return err
	}
	return bc.register.ShiftOut(ctx)
}

// Sample reads the input wired at position and publishes it when the rounded
// value differs from the last published one. Unused positions are skipped.
func (bc *Controller) Sample(ctx context.Context, position int) error {
	bc.lock.Lock()
	sig, found := bc.byPosition[position]
	muxed := bc.mux != nil || bc.cfg.Kind == KindCombined
	disabled := !bc.enabled
	bc.lock.Unlock()
	if !found {
		return nil
	}
	// a disabled multiplexer leaves the read line floating
	if muxed && disabled && sig.spec.Pin == nil {
		return nil
	}

	value, err := bc.read(ctx, sig.spec)
	if err != nil {
		return errors.Wrapf(err, "input %s", sig.spec.Name)
	}

	bc.lock.Lock()
	changed := !sig.published || sig.last != value
	if changed {
		sig.last = value
		sig.published = true
	}
	bc.lock.Unlock()

	if changed {
		bc.store.Set(sig.spec.Name, value)
	}
	return nil
}

func (bc *Controller) read(ctx context.Context, spec ChannelSpec) (any, error) {
	pin := bc.cfg.ReadPin
	if spec.Pin != nil {
		pin = spec.Pin
	}
	if pin == nil {
		return nil, errcode.New(errcode.InvalidConfig, "board.Sample", "no line to read %s from", spec.Name)
	}

	if spec.Analog {
		raw, err := bc.driver.AnalogRead(ctx, *pin)
		if err != nil {
			return nil, errcode.Wrap(errcode.IO, "board.Sample", err, "analog pin %d", *pin)
		}
		if spec.Inverted {
			raw = 1 - raw
		}
		return Round(raw, spec.precision()), nil
	}

	level, err := bc.driver.DigitalRead(ctx, *pin)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "board.Sample", err, "pin %d", *pin)
	}
	if level != spec.Inverted {
		return 1, nil
	}
	return 0, nil
}

// Round rounds value to digits decimal places.
func Round(value float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(value*scale) / scale
}

// SetOutputs validates every name and value before staging anything; the
// bits reach the bus on the next flush.
func (bc *Controller) SetOutputs(ctx context.Context, values map[string]int) error {
	op := "board.SetOutputs"

	bc.table.RLock()
	defer bc.table.RUnlock()

	bc.lock.Lock()
	if !bc.ready {
		bc.lock.Unlock()
		return errcode.New(errcode.NotReady, op, "board %s not ready", bc.cfg.Name)
	}
	bits := make(map[int]bool, len(values))
	for name, value := range values {
		sig, found := bc.signals[name]
		if !found || sig.spec.Role != RoleOutput {
			bc.lock.Unlock()
			return errcode.New(errcode.UnknownSignal, op, "%s is not an output of board %s", name, bc.cfg.Name)
		}
		if value != 0 && value != 1 {
			bc.lock.Unlock()
			return errcode.New(errcode.InvalidValue, op, "value %d for %s not binary", value, name)
		}
		bits[sig.spec.Bit] = (value == 1) != sig.spec.Inverted
	}
	cycle := bc.cycle
	immediate := bc.cfg.ImmediateFlush
	bc.lock.Unlock()

	if err := cycle.Queue(ctx, bits); err != nil {
		return err
	}
	for name, value := range values {
		bc.store.Set(name, value, attr.Silent())
	}

	if immediate {
		cycle.Kick()
	}
	return nil
}

func (bc *Controller) onFlush(res scan.FlushResult) {
	if res.Err != nil {
		return
	}

	bc.lock.Lock()
	var updates []*signal
	for bit := range res.Bits {
		if sig, found := bc.byBit[bit]; found {
			updates = append(updates, sig)
		}
	}
	bc.lock.Unlock()

	for _, sig := range updates {
		bc.publishOutput(sig, false)
	}
}

func (bc *Controller) publishOutputs(force bool) {
	bc.lock.Lock()
	outputs := make([]*signal, 0, len(bc.byBit))
	for _, sig := range bc.byBit {
		outputs = append(outputs, sig)
	}
	bc.lock.Unlock()

	for _, sig := range outputs {
		bc.publishOutput(sig, force)
	}
}

// publishOutput publishes the value an output currently drives on the bus.
func (bc *Controller) publishOutput(sig *signal, force bool) {
	if bc.register == nil {
		return
	}
	level, err := bc.register.Get(sig.spec.Bit)
	if err != nil {
		return
	}
	value := 0
	if level != sig.spec.Inverted {
		value = 1
	}

	bc.lock.Lock()
	changed := force || !sig.published || sig.last != value
	sig.last = value
	sig.published = true
	bc.lock.Unlock()

	if changed {
		bc.store.Set(sig.spec.Name, value)
	}
}

// OnUpstreamChange follows a companion controller: only values differing from
// the local ones are forwarded to SetOutputs, so an echo of our own state
// changes nothing. Names this board does not drive are ignored.
func (bc *Controller) OnUpstreamChange(ctx context.Context, values map[string]any) error {
	deltas := make(map[string]int)

	bc.lock.Lock()
	for name, raw := range values {
		sig, found := bc.signals[name]
		if !found || sig.spec.Role != RoleOutput {
			continue
		}
		value, err := ToBinary(raw)
		if err != nil {
			bc.lock.Unlock()
			return errcode.Wrap(errcode.InvalidValue, "board.OnUpstreamChange", err, "%s", name)
		}
		deltas[name] = value
	}
	bc.lock.Unlock()

	for name, value := range deltas {
		if current, found := bc.store.Get(name); found && current == value {
			delete(deltas, name)
		}
	}
	if len(deltas) == 0 {
		return nil
	}
	bc.logger.Debug("mirroring upstream change", "deltas", deltas)
	return bc.SetOutputs(ctx, deltas)
}

// ToBinary converts a loosely typed remote value (JSON number, bool or text)
// into 0 or 1.
func ToBinary(raw any) (int, error) {
	var value float64
	switch v := raw.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case float64:
		value = v
	case string:
		s := strings.TrimSpace(strings.ToLower(v))
		switch s {
		case "on", "true":
			return 1, nil
		case "off", "false":
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errors.Errorf("%q is not binary", v)
		}
		value = f
	default:
		return 0, errors.Errorf("unsupported value type %T", raw)
	}
	if value != 0 && value != 1 {
		return 0, errors.Errorf("value %v not binary", value)
	}
	return int(value), nil
}

// Enable drives the register output enable and the multiplexer enable. It
// waits for a tick in flight. Enabling also ends emulation after a failed flush.
func (bc *Controller) Enable(ctx context.Context, flag bool) error {
	cycle := bc.currentCycle()

	err := cycle.Exclusive(ctx, func(ctx context.Context) error {
		if bc.register != nil {
			var err error
			if flag {
				err = bc.register.EnableOutput(ctx)
			} else {
				err = bc.register.DisableOutput(ctx)
			}
			if err != nil {
				return err
			}
		}
		if bc.mux != nil {
			if err := bc.mux.Enable(ctx, flag); err != nil {
				return err
			}
		}
		if bc.cfg.Kind == KindCombined {
			if err := bc.packControl(0, flag); err != nil {
				return err
			}
			if err := bc.register.ShiftOut(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	bc.lock.Lock()
	bc.enabled = flag
	bc.lock.Unlock()
	if flag {
		cycle.Recover()
	}
	bc.logger.Info("outputs enabled", "enabled", flag)
	return nil
}

// Clear drives every output bit low, through the clear line when wired.
func (bc *Controller) Clear(ctx context.Context) error {
	if bc.register == nil {
		return errcode.New(errcode.InvalidConfig, "board.Clear", "board %s has no outputs", bc.cfg.Name)
	}

	bc.lock.Lock()
	enabled := bc.enabled
	bc.lock.Unlock()

	err := bc.currentCycle().Exclusive(ctx, func(ctx context.Context) error {
		if err := bc.register.ClearOutput(ctx); err != nil {
			return err
		}
		if bc.cfg.Kind == KindCombined {
			if err := bc.packControl(0, enabled); err != nil {
				return err
			}
			return bc.register.ShiftOut(ctx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	bc.publishOutputs(false)
	return nil
}

// DefinePins replaces the channel table. The running cycle is released and
// drained first; the chain length stays as configured.
func (bc *Controller) DefinePins(ctx context.Context, specs []ChannelSpec) error {
	chainChips := 0
	if bc.register != nil {
		chainChips = bc.register.Chips()
	}
	if err := bc.cfg.validateChannels(specs, chainChips); err != nil {
		return err
	}

	bc.table.Lock()
	defer bc.table.Unlock()

	bc.lock.Lock()
	old := bc.cycle
	running := bc.ready
	runCtx := bc.runCtx
	bc.lock.Unlock()

	old.Release()
	if err := old.WaitIdle(ctx); err != nil {
		if running {
			old.Start(runCtx)
		}
		return err
	}

	if running {
		if err := bc.configureDirectPins(ctx, specs); err != nil {
			old.Start(runCtx)
			return err
		}
	}
	pending := old.Pending()

	bc.lock.Lock()
	previous := bc.byBit
	for name := range bc.signals {
		bc.store.Delete(name)
	}
	bc.cfg.Channels = append([]ChannelSpec(nil), specs...)
	bc.buildTable(bc.cfg.Channels)
	bc.lock.Unlock()

	cycle, err := bc.newCycle()
	if err != nil {
		return err
	}

	// accepted writes survive the swap when their output keeps its bit
	carried := make(map[int]bool, len(pending))
	bc.lock.Lock()
	for bit, value := range pending {
		before, after := previous[bit], bc.byBit[bit]
		if before != nil && after != nil && before.spec.Name == after.spec.Name && before.spec.Inverted == after.spec.Inverted {
			carried[bit] = value
		}
	}
	bc.lock.Unlock()
	if len(carried) > 0 {
		if err := cycle.Queue(ctx, carried); err != nil {
			return err
		}
	}
	if dropped := len(pending) - len(carried); dropped > 0 {
		bc.logger.Warn("queued writes dropped with their outputs", "bits", dropped)
	}

	bc.lock.Lock()
	bc.cycle = cycle
	bc.lock.Unlock()

	if running {
		bc.publishOutputs(true)
		cycle.Start(runCtx)
	}
	bc.logger.Info("channel table replaced", "signals", len(specs))
	return nil
}

// Tick runs one scan rotation now, for callers driving the board without its timer.
func (bc *Controller) Tick(ctx context.Context) error {
	return bc.currentCycle().Tick(ctx)
}

func (bc *Controller) Release() {
	bc.lock.Lock()
	bc.ready = false
	cycle := bc.cycle
	bc.lock.Unlock()

	cycle.Release()
	bc.logger.Info("board released")
}

type Status struct {
	Name      string
	Kind      Kind
	Ready     bool
	Emulation bool
	Enabled   bool
	Scan      scan.State
	Ticks     int
	Flushes   int
	Register  string `json:",omitempty"`
	Signals   map[string]any
	Error     string `json:",omitempty"`
}

func (bc *Controller) Status() Status {
	bc.lock.Lock()
	st := Status{
		Name:    bc.cfg.Name,
		Kind:    bc.cfg.Kind,
		Ready:   bc.ready,
		Enabled: bc.enabled,
	}
	if bc.initErr != nil {
		st.Error = bc.initErr.Error()
	}
	names := make([]string, 0, len(bc.signals))
	for name := range bc.signals {
		names = append(names, name)
	}
	cycle := bc.cycle
	initFailed := bc.initErr != nil
	bc.lock.Unlock()

	st.Emulation = initFailed || cycle.Emulation()
	st.Scan = cycle.State()
	st.Ticks = cycle.Ticks()
	st.Flushes = cycle.Flushes()

	if bc.register != nil {
		parts := []string{}
		for _, b := range bc.register.Bytes() {
			parts = append(parts, fmt.Sprintf("%02x", b))
		}
		st.Register = strings.Join(parts, " ")
	}

	sort.Strings(names)
	st.Signals = make(map[string]any, len(names))
	for _, name := range names {
		value, _ := bc.store.Get(name)
		st.Signals[name] = value
	}
	return st
}

// Channels returns the current table sorted by name.
func (bc *Controller) Channels() []ChannelSpec {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	specs := make([]ChannelSpec, 0, len(bc.signals))
	for _, sig := range bc.signals {
		specs = append(specs, sig.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// nullLatch stands in for the register on input-only boards, which never
// queue outputs.
type nullLatch struct{}

func (nullLatch) Set(bit int, value bool) error {
	return errcode.New(errcode.Range, "board.SetOutputs", "board has no outputs")
}

func (nullLatch) Get(bit int) (bool, error) {
	return false, errcode.New(errcode.Range, "board.SetOutputs", "board has no outputs")
}

func (nullLatch) ShiftOut(ctx context.Context) error { return nil }
