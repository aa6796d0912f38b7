// Package coreerr is the structured error type shared by every internal
// package and the root ecat package (which re-exports it as ecat.Error).
// It lives here, rather than in the root package, so internal packages
// such as tracker and the bring-up stages can construct it without
// importing the root package and creating an import cycle.
package coreerr

import (
	"errors"
	"fmt"
)

// Code categorizes the failure classes the core can surface.
type Code string

const (
	CodeWireCodec       Code = "wire codec"
	CodeStateTransition Code = "state transition refused"
	CodeTimeout         Code = "timeout"
	CodeCapacity        Code = "capacity exceeded"
	CodeIoSubmit        Code = "io submission failed"
	CodeUserAbort       Code = "user callback aborted"
	CodeSpurious        Code = "spurious completion"
)

// Error is the structured error type returned by every stage and by the
// root driver. Address and TopologyIdx are filled in when the failure is
// attributable to a single sub-device; TopologyIdx is -1 otherwise.
type Error struct {
	Op          string
	Code        Code
	Address     uint16
	TopologyIdx int
	Msg         string
	Inner       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Address != 0 {
		return fmt.Sprintf("ecat: %s: %s (addr=0x%04x op=%s)", e.Code, msg, e.Address, e.Op)
	}
	return fmt.Sprintf("ecat: %s: %s (op=%s)", e.Code, msg, e.Op)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// New constructs a structured error with no sub-device context.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, TopologyIdx: -1}
}

// NewDevice constructs a structured error attributed to one sub-device.
func NewDevice(op string, code Code, address uint16, topologyIdx int, msg string) *Error {
	return &Error{Op: op, Code: code, Address: address, TopologyIdx: topologyIdx, Msg: msg}
}

// Wrap wraps an existing error with ecat context, preserving the code of
// an already-structured error.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ie.Code, Address: ie.Address, TopologyIdx: ie.TopologyIdx, Msg: ie.Msg, Inner: ie}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner, TopologyIdx: -1}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
