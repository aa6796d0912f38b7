package ecat

import "github.com/w-utter/ecat/internal/proto"

// AlState re-exports the AL state ladder rung type for callers that need
// to inspect Diagnostics() without reaching into internal packages.
type AlState = proto.AlState

const (
	AlStateUnknown = proto.AlStateUnknown
	AlStateInit    = proto.AlStateInit
	AlStatePreOp   = proto.AlStatePreOp
	AlStateBoot    = proto.AlStateBoot
	AlStateSafeOp  = proto.AlStateSafeOp
	AlStateOp      = proto.AlStateOp
)

// LadderState is the top-level bring-up ladder position (§3 "State
// ladder"), distinct from the per-device AL state: the ladder describes
// where the *driver* is in bring-up, AL state describes where one
// *sub-device* is.
type LadderState int

const (
	LadderIdle LadderState = iota
	LadderReset
	LadderInit
	LadderDc
	LadderMbx
	LadderPreOp
	LadderSafeOp
	LadderOp
)

func (s LadderState) String() string {
	switch s {
	case LadderIdle:
		return "Idle"
	case LadderReset:
		return "Reset"
	case LadderInit:
		return "Init"
	case LadderDc:
		return "Dc"
	case LadderMbx:
		return "Mbx"
	case LadderPreOp:
		return "PreOp"
	case LadderSafeOp:
		return "SafeOp"
	case LadderOp:
		return "Op"
	default:
		return "Unknown"
	}
}
