package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable, operator-facing error identifier.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK            Code = "ok"
	Range         Code = "range_error"
	UnknownSignal Code = "unknown_signal"
	InvalidValue  Code = "invalid_value"
	IO            Code = "io_error"
	Reentrancy    Code = "reentrancy_error"
	NotReady      Code = "not_ready"
	InvalidConfig Code = "invalid_config"

	Error Code = "error"
)

// E keeps the code together with the failing operation and its cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	msg := string(e.C)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

func New(c Code, op string, format string, args ...interface{}) error {
	return &E{C: c, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(c Code, op string, err error, format string, args ...interface{}) error {
	return &E{C: c, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Of extracts a Code from err, looking through wrapping. Unknown errors map to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}

	type coder interface{ Code() Code }
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}

	var code Code
	if errors.As(err, &code) {
		return code
	}

	return Error
}

func Is(err error, c Code) bool {
	return err != nil && Of(err) == c
}

// Reply is the JSON shape returned to remote callers.
type Reply struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func ReplyOf(err error) Reply {
	if err == nil {
		return Reply{Code: OK}
	}
	return Reply{Code: Of(err), Message: err.Error()}
}
