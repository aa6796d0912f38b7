// Package dc implements the distributed-clock stage (§4.G): latching
// port receive times, choosing a reference device, configuring system
// time offset/delay, and running the static-sync iterations.
package dc

import (
	"time"

	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/wire"
)

type phase int

const (
	phaseLatchReceive phase = iota
	phaseLatchTimes
	phaseConfigure
	phaseStaticSync
	phaseDone
)

const (
	tagRecvTime64 uint8 = 1
	tagRecvTimesPorts uint8 = 2
	tagConfigOffset uint8 = 3
	tagConfigDelay  uint8 = 4
	tagStaticSync   uint8 = 5
)

// Stage drives the DC bring-up step (§4.G).
type Stage struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	retries int
	timeout time.Duration

	queue []*subdevice.Record

	phase       phase
	supported   int
	latchedAttr int
	latchIdx    int

	refIdx            int
	ReferenceStation  uint16 // shared atomic equivalent: written once (§5 scheduling)
	configWrites      int

	staticSyncRemaining int
}

// NewStage constructs the DC stage over queue, configured with
// staticSyncIterations successive sync frames (§6 runtime option).
func NewStage(sender wire.Sender, fd int32, idx *proto.Index, retries int, timeout time.Duration, queue []*subdevice.Record, staticSyncIterations int) *Stage {
	return &Stage{sender: sender, fd: fd, idx: idx, retries: retries, timeout: timeout, queue: queue, staticSyncRemaining: staticSyncIterations}
}

// Start issues the broadcast latch-port-receive-times PDU.
func (s *Stage) Start() (wire.Handle, error) {
	s.phase = phaseLatchReceive
	return wire.Send(s.sender, s.fd, s.idx, proto.CmdBWR, 0, proto.RegDCRecvTime, []byte{0, 0, 0, 0, 0, 0, 0, 0}, s.retries, s.timeout, -1, 0)
}

// Update advances the stage on the next completion.
func (s *Stage) Update(wkc uint16, payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	switch s.phase {
	case phaseLatchReceive:
		s.supported = int(wkc)
		s.phase = phaseLatchTimes
		if s.supported == 0 {
			s.phase = phaseDone
			return true, nil, nil
		}
		h, err := s.latchNext(0)
		return false, &h, err

	case phaseLatchTimes:
		return s.updateLatch(payload, userTag)

	case phaseConfigure:
		return s.updateConfigure(payload)

	case phaseStaticSync:
		s.staticSyncRemaining--
		if s.staticSyncRemaining <= 0 {
			s.phase = phaseDone
			return true, nil, nil
		}
		h, err := s.sendStaticSync()
		return false, &h, err

	default:
		return true, nil, nil
	}
}

func (s *Stage) latchNext(i int) (wire.Handle, error) {
	dev := s.queue[i]
	return wire.Send(s.sender, s.fd, s.idx, proto.CmdFPRD, dev.ConfiguredAddress, proto.RegDCRecvTime, nil, s.retries, s.timeout, dev.TopologyIndex, int(tagRecvTime64))
}

func (s *Stage) updateLatch(payload []byte, userTag int) (bool, *wire.Handle, error) {
	switch uint8(userTag) {
	case tagRecvTime64:
		s.latchedAttr++
		dev := s.queue[s.latchIdx]
		h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPRD, dev.ConfiguredAddress, proto.RegDCRecvTimePort0, nil, s.retries, s.timeout, dev.TopologyIndex, int(tagRecvTimesPorts))
		return false, &h, err
	case tagRecvTimesPorts:
		s.latchedAttr++
		s.latchIdx++
		if s.latchIdx < s.supported && s.latchIdx < len(s.queue) {
			h, err := s.latchNext(s.latchIdx)
			return false, &h, err
		}
		// attr_count == supported*2 reached: pick a reference device and
		// start the configuration writes.
		s.refIdx = 0
		s.ReferenceStation = s.queue[s.refIdx].ConfiguredAddress
		s.phase = phaseConfigure
		h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, s.ReferenceStation, proto.RegDCSysTimeOffset, []byte{0, 0, 0, 0}, s.retries, s.timeout, s.refIdx, int(tagConfigOffset))
		return false, &h, err
	default:
		return false, nil, nil
	}
}

func (s *Stage) updateConfigure(payload []byte) (bool, *wire.Handle, error) {
	s.configWrites++
	if s.configWrites == 1 {
		h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, s.ReferenceStation, proto.RegDCSysDelay, []byte{0, 0, 0, 0}, s.retries, s.timeout, s.refIdx, int(tagConfigDelay))
		return false, &h, err
	}
	s.phase = phaseStaticSync
	if s.staticSyncRemaining <= 0 {
		s.phase = phaseDone
		return true, nil, nil
	}
	h, err := s.sendStaticSync()
	return false, &h, err
}

func (s *Stage) sendStaticSync() (wire.Handle, error) {
	return wire.Send(s.sender, s.fd, s.idx, proto.CmdFPRD, s.ReferenceStation, proto.RegDCSysTime, nil, s.retries, s.timeout, s.refIdx, int(tagStaticSync))
}

// Devices returns the device queue unchanged. The latch replies this
// stage reads are counted but their payloads are not stored on the
// records.
func (s *Stage) Devices() []*subdevice.Record { return s.queue }
