// Package scan runs the heartbeat of a board: one tick rotates through every
// input position back to position 0, and the closing step of the rotation
// flushes queued output bits onto the register chain.
package scan

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"

	"github.com/hubertat/swboard/chips"
	"github.com/hubertat/swboard/errcode"
)

const defaultInterval = 330 * time.Millisecond
const minQueueBackoff = time.Millisecond
const defaultBreakerTimeout = 30 * time.Second

var errLatchAsserted = errors.New("flush in progress")

// Rotator moves the input path to a position, e.g. by switching a multiplexer.
type Rotator interface {
	Rotate(ctx context.Context, position int) error
}

// Sampler reads whatever is wired at a position and publishes it.
type Sampler interface {
	Sample(ctx context.Context, position int) error
}

type RotatorFunc func(ctx context.Context, position int) error

func (f RotatorFunc) Rotate(ctx context.Context, position int) error { return f(ctx, position) }

type SamplerFunc func(ctx context.Context, position int) error

func (f SamplerFunc) Sample(ctx context.Context, position int) error { return f(ctx, position) }

type Config struct {
	Name string
	// Positions is the number of rotation steps per tick, at least 1.
	Positions int
	// Interval is the pause between the end of one tick and the start of the next.
	Interval time.Duration
	// Settle is waited after each rotation before sampling.
	Settle time.Duration
	// QueueBackoff spaces retries of a queue request arriving mid-flush.
	// Defaults to Settle, at least 1ms.
	QueueBackoff time.Duration
	// BreakerTimeout is how long a failed flush keeps the cycle in emulation
	// before the next flush is attempted on the bus again.
	BreakerTimeout time.Duration
}

type State struct {
	Position      int
	OutputsQueued bool
	LatchAsserted bool
	Busy          bool
}

// FlushResult reports one flush attempt.
type FlushResult struct {
	Bits map[int]bool
	Err  error
}

type Cycle struct {
	cfg     Config
	latch   chips.OutputLatch
	rotator Rotator
	sampler Sampler
	logger  *log.Logger

	// OnFlush is called after every flush attempt, outside the cycle lock.
	OnFlush func(FlushResult)

	lock      sync.Mutex
	state     State
	pending   map[int]bool
	breaker   *gobreaker.CircuitBreaker[struct{}]
	timer     *time.Timer
	idle      chan struct{}
	exclusive bool
	running   bool
	cyanide   bool
	ctx       context.Context
	ticks     int
	flushes   int
}

// New builds a cycle; rotator and sampler may be nil for boards with nothing
// to rotate or read.
func New(cfg Config, latch chips.OutputLatch, rotator Rotator, sampler Sampler, logger *log.Logger) (*Cycle, error) {
	if cfg.Positions < 1 {
		return nil, errcode.New(errcode.InvalidConfig, "scan.New", "cycle needs at least one position, got %d", cfg.Positions)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.QueueBackoff <= 0 {
		cfg.QueueBackoff = cfg.Settle
	}
	if cfg.QueueBackoff < minQueueBackoff {
		cfg.QueueBackoff = minQueueBackoff
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "scan " + cfg.Name,
			Level:  log.GetLevel(),
		})
	}

	c := &Cycle{
		cfg:     cfg,
		latch:   latch,
		rotator: rotator,
		sampler: sampler,
		logger:  logger,
		pending: make(map[int]bool),
		idle:    make(chan struct{}),
	}
	close(c.idle)
	c.breaker = c.newBreaker()
	return c, nil
}

func (c *Cycle) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "flush:" + c.cfg.Name,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("flush breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (c *Cycle) Config() Config {
	return c.cfg
}

func (c *Cycle) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.state
}

// Ticks and Flushes count completed ticks and successful flushes.
func (c *Cycle) Ticks() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.ticks
}

func (c *Cycle) Flushes() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.flushes
}

// Emulation reports whether output flushes are currently kept off the bus
// after a failure.
func (c *Cycle) Emulation() bool {
	c.lock.Lock()
	breaker := c.breaker
	c.lock.Unlock()

	return breaker.State() != gobreaker.StateClosed
}

// Recover closes the flush breaker so the next flush goes to the bus immediately.
func (c *Cycle) Recover() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.breaker = c.newBreaker()
}

// Start arms the first tick immediately; later ticks re-arm themselves.
func (c *Cycle) Start(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.running {
		return
	}
	c.ctx = ctx
	c.running = true
	c.cyanide = false
	c.timer = time.AfterFunc(0, c.fire)
}

func (c *Cycle) Running() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.running
}

// Release stops future ticks. A tick in flight is left to finish so no chip is
// left mid-shift; it just will not re-arm.
func (c *Cycle) Release() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state.Busy {
		c.cyanide = true
	}
	c.running = false
}

// Kick starts a tick now when the cycle is idle-waiting on its timer. It
// returns false when a tick is already running or the cycle is not started.
func (c *Cycle) Kick() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.running || c.state.Busy || c.timer == nil {
		return false
	}
	if !c.timer.Stop() {
		// already fired, the tick is on its way
		return false
	}
	c.timer = nil
	go c.fire()
	return true
}

func (c *Cycle) fire() {
	c.lock.Lock()
	ctx := c.ctx
	c.lock.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.tick(ctx, true); err != nil && !errcode.Is(err, errcode.Reentrancy) {
		c.logger.Debug("tick not run", "err", err)
	}
}

// Tick runs one full rotation synchronously. Starting a tick while another is
// in flight is a scheduling defect: it is logged and refused with a
// reentrancy error.
func (c *Cycle) Tick(ctx context.Context) error {
	return c.tick(ctx, false)
}

func (c *Cycle) tick(ctx context.Context, fromTimer bool) error {
	if err := c.begin(ctx, fromTimer); err != nil {
		return err
	}
	defer c.finish()

	c.sample(ctx, 0)
	for {
		position := c.advance()

		if c.rotator != nil {
			if err := c.rotator.Rotate(ctx, position); err != nil {
				c.logger.Warn("rotate failed, skipping position", "position", position, "err", err)
				if position != 0 {
					continue
				}
			}
		}

		if position == 0 {
			c.flush(ctx)
			return nil
		}

		c.settle(ctx)
		c.sample(ctx, position)
	}
}

func (c *Cycle) begin(ctx context.Context, waitExclusive bool) error {
	c.lock.Lock()
	for waitExclusive && c.exclusive {
		idle := c.idle
		c.lock.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.lock.Lock()
	}
	defer c.lock.Unlock()

	if waitExclusive {
		c.timer = nil
		if !c.running {
			return errcode.New(errcode.NotReady, "scan.Tick", "cycle %s released", c.cfg.Name)
		}
	}

	if c.state.Busy || c.state.Position != 0 {
		err := errcode.New(errcode.Reentrancy, "scan.Tick", "tick requested while busy (position %d)", c.state.Position)
		c.logger.Error("refusing re-entrant tick", "err", err)
		return err
	}

	c.state.Busy = true
	c.idle = make(chan struct{})
	return nil
}

func (c *Cycle) finish() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.state.Busy = false
	c.ticks++
	close(c.idle)

	if c.cyanide {
		c.cyanide = false
		c.running = false
		return
	}
	if c.running && c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.Interval, c.fire)
	}
}

func (c *Cycle) advance() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.state.Position = (c.state.Position + 1) % c.cfg.Positions
	return c.state.Position
}

func (c *Cycle) settle(ctx context.Context) {
	if c.cfg.Settle <= 0 {
		return
	}
	t := time.NewTimer(c.cfg.Settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Cycle) sample(ctx context.Context, position int) {
	if c.sampler == nil {
		return
	}
	if err := c.sampler.Sample(ctx, position); err != nil {
		c.logger.Warn("sample failed", "position", position, "err", err)
	}
}

func (c *Cycle) flush(ctx context.Context) {
	c.lock.Lock()
	if !c.state.OutputsQueued {
		c.lock.Unlock()
		return
	}
	c.state.LatchAsserted = true
	bits := c.pending
	c.pending = make(map[int]bool)
	breaker := c.breaker
	c.lock.Unlock()

	_, err := breaker.Execute(func() (struct{}, error) {
		previous := make(map[int]bool, len(bits))
		err := c.apply(bits, previous)
		if err == nil {
			err = c.latch.ShiftOut(ctx)
		}
		if err != nil {
			// the register keeps what the bus last latched
			c.apply(previous, nil)
		}
		return struct{}{}, err
	})

	c.lock.Lock()
	c.state.LatchAsserted = false
	if err != nil {
		// keep the bits queued; anything staged meanwhile wins
		for bit, value := range bits {
			if _, newer := c.pending[bit]; !newer {
				c.pending[bit] = value
			}
		}
		c.state.OutputsQueued = true
	} else {
		c.state.OutputsQueued = len(c.pending) > 0
		c.flushes++
	}
	onFlush := c.OnFlush
	c.lock.Unlock()

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = errcode.Wrap(errcode.IO, "scan.flush", err, "outputs held in emulation")
		}
		c.logger.Error("flush failed", "cycle", c.cfg.Name, "err", err)
	}
	if onFlush != nil {
		onFlush(FlushResult{Bits: bits, Err: err})
	}
}

// apply sets bits on the latch, saving the replaced values into previous
// when it is not nil.
func (c *Cycle) apply(bits map[int]bool, previous map[int]bool) error {
	for bit, value := range bits {
		if previous != nil {
			old, err := c.latch.Get(bit)
			if err != nil {
				return err
			}
			previous[bit] = old
		}
		if err := c.latch.Set(bit, value); err != nil {
			return err
		}
	}
	return nil
}

// Queue stages output bits for the next flush. Staging the same bits again
// before the flush adds nothing: there is one pending set and one flush per
// tick. While a flush is latching, the request is retried with a fixed backoff.
func (c *Cycle) Queue(ctx context.Context, bits map[int]bool) error {
	for bit := range bits {
		if _, err := c.latch.Get(bit); err != nil {
			return err
		}
	}

	stage := func() error {
		c.lock.Lock()
		defer c.lock.Unlock()

		if c.state.LatchAsserted {
			return errLatchAsserted
		}
		for bit, value := range bits {
			c.pending[bit] = value
		}
		c.state.OutputsQueued = true
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.QueueBackoff), ctx)
	if err := backoff.Retry(stage, policy); err != nil {
		return errors.Wrapf(err, "queue on %s not staged", c.cfg.Name)
	}
	return nil
}

// Pending returns a copy of the staged, not yet flushed bits.
func (c *Cycle) Pending() map[int]bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	pending := make(map[int]bool, len(c.pending))
	for bit, value := range c.pending {
		pending[bit] = value
	}
	return pending
}

// Exclusive runs fn as the only bus user, waiting for any tick in flight.
func (c *Cycle) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	c.lock.Lock()
	for c.state.Busy {
		idle := c.idle
		c.lock.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.lock.Lock()
	}
	c.state.Busy = true
	c.exclusive = true
	c.idle = make(chan struct{})
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		c.state.Busy = false
		c.exclusive = false
		close(c.idle)
		c.lock.Unlock()
	}()

	return fn(ctx)
}

// WaitIdle blocks until no tick or exclusive operation is in flight.
func (c *Cycle) WaitIdle(ctx context.Context) error {
	c.lock.Lock()
	idle := c.idle
	c.lock.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
