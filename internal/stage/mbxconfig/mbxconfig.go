// Package mbxconfig implements the mailbox-config stage (§4.H):
// per-device sync-manager discovery, mailbox programming, the PreOp
// transition, and (CoE complete-access permitting) sync-manager-type
// enumeration. Devices are processed one at a time in queue order.
package mbxconfig

import (
	"time"

	"github.com/w-utter/ecat/internal/eeprom"
	"github.com/w-utter/ecat/internal/mailbox"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/stage/transition"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/wire"
)

type devPhase int

const (
	dpOwnEeprom devPhase = iota
	dpScanSyncManagers
	dpReadSMListData
	dpReadDefaultMailbox
	dpProgramSyncManagers
	dpHandBackEeprom
	dpTransitionPreOp
	dpSMTypeEnum
	dpDone
)

const maxSyncManagers = 8

// smDescriptor is one parsed SyncManager category entry.
type smDescriptor struct {
	index   int
	address uint16
	length  uint16
	usage   proto.SyncManagerUsage
}

// Stage drives mailbox configuration across the device queue.
type Stage struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	retries int
	timeout time.Duration

	queue   []*subdevice.Record
	current int

	phase     devPhase
	cycle     *eeprom.RegisterCycle
	smIter    *eeprom.CategoryIterator
	smRaw     []byte
	smReader  *eeprom.RangeReader
	smList    []smDescriptor
	mbxBuf    [26]byte
	mbxReader *eeprom.RangeReader
	smProgIdx int
	trans     *transition.Controller
	sdoReader *mailbox.SDOReader
}

// NewStage constructs the mailbox-config stage over queue.
func NewStage(sender wire.Sender, fd int32, idx *proto.Index, retries int, timeout time.Duration, queue []*subdevice.Record) *Stage {
	return &Stage{sender: sender, fd: fd, idx: idx, retries: retries, timeout: timeout, queue: queue}
}

// Start begins processing the first device.
func (s *Stage) Start() (wire.Handle, error) {
	return s.startDevice(0)
}

func (s *Stage) device() *subdevice.Record { return s.queue[s.current] }

func (s *Stage) startDevice(i int) (wire.Handle, error) {
	s.current = i
	s.phase = dpOwnEeprom
	s.smList = nil
	dev := s.device()
	return wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, dev.ConfiguredAddress, proto.RegEepromControl, []byte{0, 0}, s.retries, s.timeout, dev.TopologyIndex, 0)
}

// Update advances the stage on the next completion.
func (s *Stage) Update(payload []byte) (done bool, retryHandle *wire.Handle, err error) {
	dev := s.device()
	switch s.phase {
	case dpOwnEeprom:
		s.phase = dpScanSyncManagers
		s.cycle = eeprom.NewRegisterCycle(s.sender, s.fd, s.idx, dev.ConfiguredAddress, s.retries, s.timeout)
		s.smIter = eeprom.NewCategoryIterator(s.cycle, proto.CategorySyncManager)
		h, err := s.smIter.Start(0)
		return false, &h, err

	case dpScanSyncManagers:
		d, found, cat, retry, err := s.smIter.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		if !found {
			s.phase = dpReadDefaultMailbox
			s.mbxReader = eeprom.NewRangeReader(s.cycle, proto.EepromDefaultMailboxWord*2, s.mbxBuf[:])
			h, err := s.mbxReader.Start(0)
			return false, &h, err
		}
		s.phase = dpReadSMListData
		s.smRaw = make([]byte, cat.ByteLength)
		s.smReader = eeprom.NewRangeReader(s.cycle, cat.WordAddress*2, s.smRaw)
		h, err := s.smReader.Start(0)
		return false, &h, err

	case dpReadSMListData:
		d, retry, err := s.smReader.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		s.parseSyncManagerList()
		s.phase = dpReadDefaultMailbox
		s.mbxReader = eeprom.NewRangeReader(s.cycle, proto.EepromDefaultMailboxWord*2, s.mbxBuf[:])
		h, err := s.mbxReader.Start(0)
		return false, &h, err

	case dpReadDefaultMailbox:
		d, retry, err := s.mbxReader.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		return s.beginProgramSyncManagers()

	case dpProgramSyncManagers:
		return s.updateProgramSyncManagers()

	case dpHandBackEeprom:
		s.phase = dpTransitionPreOp
		s.trans = transition.NewController(s.sender, s.fd, s.idx, dev.ConfiguredAddress, proto.AlStatePreOp, s.retries, s.timeout)
		h, err := s.trans.Start(0)
		return false, &h, err

	case dpTransitionPreOp:
		d, retry, err := s.trans.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		if dev.CoEComplete {
			s.phase = dpSMTypeEnum
			s.sdoReader = mailbox.NewSDOReader(s.sender, s.fd, s.idx, dev, s.retries, s.timeout, proto.SMTypeObjectIndex, 0)
			h, err := s.sdoReader.Start(true, 0)
			return false, &h, err
		}
		return s.nextDevice()

	case dpSMTypeEnum:
		d, retry, err := s.sdoReader.Update(payload)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		res, err := s.sdoReader.Result()
		if err != nil {
			return false, nil, err
		}
		for _, b := range res.Data {
			dev.SyncManagerTypes = append(dev.SyncManagerTypes, proto.SyncManagerUsage(b))
		}
		return s.nextDevice()

	default:
		return true, nil, nil
	}
}

func (s *Stage) parseSyncManagerList() {
	for i := 0; i+8 <= len(s.smRaw) && len(s.smList) < maxSyncManagers; i += 8 {
		s.smList = append(s.smList, smDescriptor{
			index:   len(s.smList),
			address: uint16(s.smRaw[i]) | uint16(s.smRaw[i+1])<<8,
			length:  uint16(s.smRaw[i+2]) | uint16(s.smRaw[i+3])<<8,
			usage:   proto.SyncManagerUsage(s.smRaw[i+7]),
		})
	}
}

func (s *Stage) beginProgramSyncManagers() (bool, *wire.Handle, error) {
	s.phase = dpProgramSyncManagers
	s.smProgIdx = 0
	h, ok, err := s.programNextSyncManager()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return s.handBackEeprom()
	}
	return false, &h, nil
}

// programNextSyncManager issues a prep_write_sm_config PDU for the next
// mailbox-usage sync manager in the list, one at a time — the device's
// mailbox record cannot be pipelined (§4.H step 4).
func (s *Stage) programNextSyncManager() (wire.Handle, bool, error) {
	dev := s.device()
	for s.smProgIdx < len(s.smList) {
		sm := s.smList[s.smProgIdx]
		s.smProgIdx++
		if sm.usage != proto.SMUsageMailboxWrite && sm.usage != proto.SMUsageMailboxRead {
			continue
		}
		cfg := subdevice.MailboxConfig{Address: sm.address, Length: sm.length, SyncManagerIx: uint8(sm.index)}
		if sm.usage == proto.SMUsageMailboxWrite {
			dev.WriteMailbox = cfg
		} else {
			dev.ReadMailbox = cfg
		}
		payload := make([]byte, 8)
		payload[0], payload[1] = byte(sm.address), byte(sm.address>>8)
		payload[2], payload[3] = byte(sm.length), byte(sm.length>>8)
		payload[7] = byte(sm.usage)
		h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, dev.ConfiguredAddress, proto.SyncManagerRegister(sm.index), payload, s.retries, s.timeout, dev.TopologyIndex, 0)
		return h, true, err
	}
	return wire.Handle{}, false, nil
}

func (s *Stage) updateProgramSyncManagers() (bool, *wire.Handle, error) {
	h, ok, err := s.programNextSyncManager()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return false, &h, nil
	}
	return s.handBackEeprom()
}

func (s *Stage) handBackEeprom() (bool, *wire.Handle, error) {
	s.phase = dpHandBackEeprom
	dev := s.device()
	h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, dev.ConfiguredAddress, proto.RegEepromControl, []byte{0x01, 0x00}, s.retries, s.timeout, dev.TopologyIndex, 0)
	return false, &h, err
}

func (s *Stage) nextDevice() (bool, *wire.Handle, error) {
	s.current++
	if s.current >= len(s.queue) {
		s.phase = dpDone
		return true, nil, nil
	}
	h, err := s.startDevice(s.current)
	return false, &h, err
}

// Devices returns the device queue, fully configured once Update
// reports done=true.
func (s *Stage) Devices() []*subdevice.Record { return s.queue }
