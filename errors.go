// Package ecat implements an EtherCAT main-device (master) core: bring-up
// of a daisy-chained segment of sub-devices through the standard state
// ladder, followed by cyclic process-data exchange with user logic.
package ecat

import (
	"fmt"

	"github.com/w-utter/ecat/internal/coreerr"
)

// ErrorCode categorizes the failure classes the core can surface.
type ErrorCode = coreerr.Code

const (
	ErrCodeWireCodec       = coreerr.CodeWireCodec
	ErrCodeStateTransition = coreerr.CodeStateTransition
	ErrCodeTimeout         = coreerr.CodeTimeout
	ErrCodeCapacity        = coreerr.CodeCapacity
	ErrCodeIoSubmit        = coreerr.CodeIoSubmit
	ErrCodeUserAbort       = coreerr.CodeUserAbort
	ErrCodeSpurious        = coreerr.CodeSpurious
)

// Error is the structured error type returned by every stage and by the
// root driver. Address and TopologyIdx are filled in when the failure is
// attributable to a single sub-device; TopologyIdx is -1 otherwise.
type Error = coreerr.Error

// NewError constructs a structured error with no sub-device context.
func NewError(op string, code ErrorCode, msg string) *Error { return coreerr.New(op, code, msg) }

// NewDeviceError constructs a structured error attributed to one sub-device.
func NewDeviceError(op string, code ErrorCode, address uint16, topologyIdx int, msg string) *Error {
	return coreerr.NewDevice(op, code, address, topologyIdx, msg)
}

// WrapError wraps an existing error with ecat context, preserving the code
// of an already-structured error.
func WrapError(op string, code ErrorCode, inner error) *Error { return coreerr.Wrap(op, code, inner) }

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool { return coreerr.IsCode(err, code) }

// ErrStateTransition builds a StateTransition(target, actual) error.
func ErrStateTransition(op string, address uint16, topologyIdx int, target, actual AlState) *Error {
	return &Error{
		Op:          op,
		Code:        ErrCodeStateTransition,
		Address:     address,
		TopologyIdx: topologyIdx,
		Msg:         fmt.Sprintf("requested %s, device reports %s", target, actual),
	}
}
