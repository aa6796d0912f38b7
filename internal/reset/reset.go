// Package reset implements the reset/enumeration component (§4.E):
// broadcast-counting the sub-devices on the segment and broadcast-
// clearing their configuration registers before bring-up begins.
package reset

import (
	"time"

	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/wire"
)

// clearRegisters is the static list of registers broadcast-cleared
// before address assignment: alias, FMMU table, sync-manager table, and
// the distributed-clock system-time offset/delay registers.
var clearRegisters = []uint16{
	proto.RegAlias,
	proto.FMMURegister(0),
	proto.FMMURegister(1),
	proto.FMMURegister(2),
	proto.FMMURegister(3),
	proto.SyncManagerRegister(0),
	proto.SyncManagerRegister(1),
	proto.SyncManagerRegister(2),
	proto.SyncManagerRegister(3),
	proto.RegDCSysTimeOffset,
	proto.RegDCSysDelay,
}

// Stage drives the count and clear-list broadcasts to completion
// (§4.E). Both tracks progress independently; Done() is true only once
// both the count is known and the clear list is drained.
type Stage struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	retries int
	timeout time.Duration

	countKnown bool
	count      int

	clearNext int
}

// NewStage constructs the reset stage.
func NewStage(sender wire.Sender, fd int32, idx *proto.Index, retries int, timeout time.Duration) *Stage {
	return &Stage{sender: sender, fd: fd, idx: idx, retries: retries, timeout: timeout}
}

// Start issues the broadcast count PDU and the first clear-list write,
// returning both handles for the driver to track.
func (s *Stage) Start() (countHandle, clearHandle wire.Handle, err error) {
	countHandle, err = wire.Send(s.sender, s.fd, s.idx, proto.CmdBRD, 0, proto.RegALStatus, nil, s.retries, s.timeout, -1, 0)
	if err != nil {
		return wire.Handle{}, wire.Handle{}, err
	}
	clearHandle, err = s.issueClear()
	return countHandle, clearHandle, err
}

func (s *Stage) issueClear() (wire.Handle, error) {
	reg := clearRegisters[s.clearNext]
	return wire.Send(s.sender, s.fd, s.idx, proto.CmdBWR, 0, reg, []byte{0, 0}, s.retries, s.timeout, -1, 0)
}

// OnCountCompletion records the broadcast count (carried in the
// working counter) as the number of responding sub-devices.
func (s *Stage) OnCountCompletion(wkc uint16) {
	s.countKnown = true
	s.count = int(wkc)
}

// OnClearCompletion advances the clear list, returning the next clear
// handle to track, or nil once the list is exhausted.
func (s *Stage) OnClearCompletion() (*wire.Handle, error) {
	s.clearNext++
	if s.clearNext >= len(clearRegisters) {
		return nil, nil
	}
	h, err := s.issueClear()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Done reports whether both the count and clear list have completed.
func (s *Stage) Done() bool {
	return s.countKnown && s.clearNext >= len(clearRegisters)
}

// Count returns the number of sub-devices discovered. Valid only once
// Done() is true.
func (s *Stage) Count() int { return s.count }
