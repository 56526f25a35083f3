// Package er provides typed, stack-carrying errors in place of bare
// sentinel values. Every component declares its own ErrorType and a
// fixed set of ErrorCodes; callers recover the original code with
// Decode or compare against a specific code with (*ErrorCode).Is.
package er

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// R is the interface implemented by every error produced by this
// package. It embeds the stdlib error interface, so an R can be passed
// wherever an error is expected, and adds the message and captured stack.
type R interface {
	error
	Message() string
	Stack() []string
	HasStack() bool
}

// ErrorType groups a family of related ErrorCodes, e.g. all the errors
// a single package can return.
type ErrorType struct {
	Name  string
	Codes []*ErrorCode
}

// NewErrorType registers a new error family. ident is the short name
// of the declaring package, e.g. "proofstore".
func NewErrorType(ident string) *ErrorType {
	return &ErrorType{Name: ident}
}

// ErrorCode identifies one specific fault within an ErrorType.
type ErrorCode struct {
	Type   *ErrorType
	Detail string
}

// Code declares a new error code belonging to e.
func (e *ErrorType) Code(detail string) *ErrorCode {
	c := &ErrorCode{Type: e, Detail: detail}
	e.Codes = append(e.Codes, c)
	return c
}

// Is reports whether err was produced by this code.
func (c *ErrorCode) Is(err error) bool {
	if err == nil {
		return false
	}
	var te *typedErr
	if errors.As(err, &te) {
		return te.code == c
	}
	return false
}

// New builds an R from this code, optionally wrapping a lower-level
// cause and attaching extra context (info). info may be empty.
func (c *ErrorCode) New(info string, cause error) R {
	return &typedErr{
		code:    c,
		info:    info,
		cause:   cause,
		bstack:  debug.Stack(),
	}
}

// Default builds an R from this code with no extra context or cause.
func (c *ErrorCode) Default() R {
	return c.New("", nil)
}

type typedErr struct {
	code   *ErrorCode
	info   string
	cause  error
	bstack []byte
}

func (t *typedErr) Message() string {
	msg := t.code.Detail
	if t.info != "" {
		msg = msg + ": " + t.info
	}
	if t.cause != nil {
		msg = msg + ": " + t.cause.Error()
	}
	return msg
}

func (t *typedErr) Error() string {
	return t.Message()
}

func (t *typedErr) Unwrap() error {
	return t.cause
}

func (t *typedErr) HasStack() bool {
	return t.bstack != nil
}

func (t *typedErr) Stack() []string {
	if t.bstack == nil {
		return nil
	}
	lines := strings.Split(string(t.bstack), "\n")
	if len(lines) > 5 {
		lines = lines[5:]
	}
	return lines
}

// Decode recovers the ErrorCode that produced err, or nil if err was
// not produced by this package.
func Decode(err error) *ErrorCode {
	var te *typedErr
	if errors.As(err, &te) {
		return te.code
	}
	return nil
}

// New wraps a plain message as an untyped R, capturing a stack. Used
// for ad-hoc failures that don't warrant a dedicated ErrorCode.
func New(msg string) R {
	return &typedErr{code: genericCode, info: msg, bstack: debug.Stack()}
}

// Errorf is the formatted equivalent of New.
func Errorf(format string, a ...interface{}) R {
	return &typedErr{code: genericCode, info: fmt.Sprintf(format, a...), bstack: debug.Stack()}
}

// Wrap attaches a typed code to an existing error, without discarding
// its message, for the common "this DB call failed" translation.
func Wrap(code *ErrorCode, cause error) R {
	if cause == nil {
		return nil
	}
	return code.New("", cause)
}

var genericType = NewErrorType("er.generic")
var genericCode = genericType.Code("error")
