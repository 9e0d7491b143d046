package board

import (
	"fmt"
	"strings"
	"time"

	"github.com/hubertat/swboard/chips"
	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/errcode"
)

const defaultInterval = "330ms"
const defaultSettle = "1ms"
const defaultAnalogPrecision = 3
const defaultMuxEnableBit = 4

var defaultSelectBits = []int{0, 1, 2, 3}

type Kind string

const (
	KindInput    Kind = "input"
	KindOutput   Kind = "output"
	KindCombined Kind = "combined"
)

type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// ChannelSpec is one named signal of a board. Outputs use Bit, inputs use
// Position behind a multiplexer or their own Pin when the board has none.
type ChannelSpec struct {
	Name     string
	Role     Role
	Bit      int     `json:",omitempty" yaml:",omitempty"`
	Position int     `json:",omitempty" yaml:",omitempty"`
	Pin      *uint16 `json:",omitempty" yaml:",omitempty"`
	Pull     string  `json:",omitempty" yaml:",omitempty"`
	Inverted bool    `json:",omitempty" yaml:",omitempty"`
	Analog   bool    `json:",omitempty" yaml:",omitempty"`
	// Precision is the number of decimal digits analog readings are rounded to.
	Precision *int `json:",omitempty" yaml:",omitempty"`
}

func (cs ChannelSpec) precision() int {
	if cs.Precision == nil {
		return defaultAnalogPrecision
	}
	return *cs.Precision
}

func (cs ChannelSpec) String() string {
	switch {
	case cs.Role == RoleOutput:
		return fmt.Sprintf("%s (out bit %d)", cs.Name, cs.Bit)
	case cs.Pin != nil:
		return fmt.Sprintf("%s (in pin %d)", cs.Name, *cs.Pin)
	}
	return fmt.Sprintf("%s (in position %d)", cs.Name, cs.Position)
}

type Config struct {
	Name       string
	Kind       Kind
	DriverName string

	// Chips is the register chain length; derived from the highest used bit
	// when zero.
	Chips    int
	Register *chips.RegisterLines `json:",omitempty" yaml:",omitempty"`

	// Mux and ReadPin wire an input board's multiplexer and its common line.
	Mux      *chips.MuxLines `json:",omitempty" yaml:",omitempty"`
	ReadPin  *uint16         `json:",omitempty" yaml:",omitempty"`
	ReadPull string          `json:",omitempty" yaml:",omitempty"`

	// SelectBits and MuxEnableBit are register bits driving the multiplexer
	// of a combined board.
	SelectBits          []int `json:",omitempty" yaml:",omitempty"`
	MuxEnableBit        *int  `json:",omitempty" yaml:",omitempty"`
	MuxEnableActiveHigh bool  `json:",omitempty" yaml:",omitempty"`

	Channels []ChannelSpec

	Interval         string
	Settle           string
	EmulationTimeout string `json:",omitempty" yaml:",omitempty"`
	ImmediateFlush   bool

	// MirrorTopic names a companion controller whose published outputs this
	// board follows.
	MirrorTopic    string `json:",omitempty" yaml:",omitempty"`
	DisableHomekit bool   `json:",omitempty" yaml:",omitempty"`
}

func (cfg Config) selectBits() []int {
	if len(cfg.SelectBits) > 0 {
		return cfg.SelectBits
	}
	return defaultSelectBits
}

func (cfg Config) muxEnableBit() int {
	if cfg.MuxEnableBit != nil {
		return *cfg.MuxEnableBit
	}
	return defaultMuxEnableBit
}

func (cfg Config) controlBits() map[int]string {
	control := make(map[int]string)
	if cfg.Kind != KindCombined {
		return control
	}
	for i, bit := range cfg.selectBits() {
		control[bit] = fmt.Sprintf("select line %d", i)
	}
	control[cfg.muxEnableBit()] = "mux enable"
	return control
}

// selectLines is the number of multiplexer select lines, zero without one.
func (cfg Config) selectLines() int {
	switch {
	case cfg.Kind == KindCombined:
		return len(cfg.selectBits())
	case cfg.Kind == KindInput && cfg.Mux != nil:
		return len(cfg.Mux.Select)
	}
	return 0
}

func (cfg Config) durations() (interval, settle, emulation time.Duration, err error) {
	parse := func(field, value, fallback string) (time.Duration, error) {
		if value == "" {
			value = fallback
		}
		if value == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, errcode.Wrap(errcode.InvalidConfig, "board.Config", err, "%s of board %s", field, cfg.Name)
		}
		return d, nil
	}

	if interval, err = parse("interval", cfg.Interval, defaultInterval); err != nil {
		return
	}
	if settle, err = parse("settle", cfg.Settle, defaultSettle); err != nil {
		return
	}
	emulation, err = parse("emulation timeout", cfg.EmulationTimeout, "")
	return
}

// chainLength returns the configured chip count or the smallest chain holding
// every used bit.
func (cfg Config) chainLength() int {
	if cfg.Chips > 0 {
		return cfg.Chips
	}
	highest := 0
	for bit := range cfg.controlBits() {
		if bit > highest {
			highest = bit
		}
	}
	for _, ch := range cfg.Channels {
		if ch.Role == RoleOutput && ch.Bit > highest {
			highest = ch.Bit
		}
	}
	return highest/8 + 1
}

// validateBoard checks everything except the channel table.
func (cfg Config) validateBoard() error {
	op := "board.Config"
	if strings.TrimSpace(cfg.Name) == "" {
		return errcode.New(errcode.InvalidConfig, op, "board without a name")
	}

	switch cfg.Kind {
	case KindOutput:
		if cfg.Register == nil {
			return errcode.New(errcode.InvalidConfig, op, "output board %s has no register lines", cfg.Name)
		}
	case KindInput:
		if cfg.Mux != nil && cfg.ReadPin == nil {
			return errcode.New(errcode.InvalidConfig, op, "input board %s has a multiplexer but no read pin", cfg.Name)
		}
	case KindCombined:
		if cfg.Register == nil || cfg.ReadPin == nil {
			return errcode.New(errcode.InvalidConfig, op, "combined board %s needs register lines and a read pin", cfg.Name)
		}
		if n := len(cfg.selectBits()); n > 4 {
			return errcode.New(errcode.InvalidConfig, op, "combined board %s has %d select bits, at most 4", cfg.Name, n)
		}
		seen := make(map[int]bool)
		for _, bit := range append(append([]int(nil), cfg.selectBits()...), cfg.muxEnableBit()) {
			if bit < 0 || bit >= 8 {
				return errcode.New(errcode.Range, op, "control bit %d of board %s outside the first chip", bit, cfg.Name)
			}
			if seen[bit] {
				return errcode.New(errcode.InvalidConfig, op, "control bit %d of board %s used twice", bit, cfg.Name)
			}
			seen[bit] = true
		}
	default:
		return errcode.New(errcode.InvalidConfig, op, "board %s has unknown kind %q", cfg.Name, cfg.Kind)
	}

	if _, err := drivers.ParsePull(cfg.ReadPull); err != nil {
		return errcode.Wrap(errcode.InvalidConfig, op, err, "read pin of board %s", cfg.Name)
	}
	_, _, _, err := cfg.durations()
	return err
}

// validateChannels checks a channel table against the board wiring: unique
// names, bits and positions within range, no output on a control bit and no
// bit, position or pin claimed twice.
func (cfg Config) validateChannels(specs []ChannelSpec, chainChips int) error {
	op := "board.DefinePins"
	names := make(map[string]bool)
	bits := cfg.controlBits()
	positions := make(map[int]string)
	pins := make(map[uint16]string)
	maxPosition := 1<<uint(cfg.selectLines()) - 1

	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return errcode.New(errcode.InvalidConfig, op, "channel without a name")
		}
		if names[spec.Name] {
			return errcode.New(errcode.InvalidConfig, op, "channel name %s used twice", spec.Name)
		}
		names[spec.Name] = true

		switch spec.Role {
		case RoleOutput:
			if cfg.Kind == KindInput {
				return errcode.New(errcode.InvalidConfig, op, "input board %s cannot drive output %s", cfg.Name, spec.Name)
			}
			if spec.Bit < 0 || spec.Bit >= chainChips*8 {
				return errcode.New(errcode.Range, op, "output %s bit %d outside chain of %d chips", spec.Name, spec.Bit, chainChips)
			}
			if owner, taken := bits[spec.Bit]; taken {
				return errcode.New(errcode.InvalidConfig, op, "output %s bit %d already used by %s", spec.Name, spec.Bit, owner)
			}
			bits[spec.Bit] = spec.Name

		case RoleInput:
			if cfg.Kind == KindOutput {
				return errcode.New(errcode.InvalidConfig, op, "output board %s cannot read input %s", cfg.Name, spec.Name)
			}
			if _, err := drivers.ParsePull(spec.Pull); err != nil {
				return errcode.Wrap(errcode.InvalidConfig, op, err, "input %s", spec.Name)
			}
			if spec.Precision != nil && *spec.Precision < 0 {
				return errcode.New(errcode.InvalidConfig, op, "input %s has negative precision", spec.Name)
			}
			if cfg.selectLines() == 0 {
				if spec.Pin == nil {
					return errcode.New(errcode.InvalidConfig, op, "input %s needs a pin on a board without multiplexer", spec.Name)
				}
				if owner, taken := pins[*spec.Pin]; taken {
					return errcode.New(errcode.InvalidConfig, op, "input %s pin %d already used by %s", spec.Name, *spec.Pin, owner)
				}
				pins[*spec.Pin] = spec.Name
				continue
			}
			if spec.Position < 0 || spec.Position > maxPosition {
				return errcode.New(errcode.Range, op, "input %s position %d outside 0..%d", spec.Name, spec.Position, maxPosition)
			}
			if owner, taken := positions[spec.Position]; taken {
				return errcode.New(errcode.InvalidConfig, op, "input %s position %d already used by %s", spec.Name, spec.Position, owner)
			}
			positions[spec.Position] = spec.Name

		default:
			return errcode.New(errcode.InvalidConfig, op, "channel %s has unknown role %q", spec.Name, spec.Role)
		}
	}
	return nil
}
