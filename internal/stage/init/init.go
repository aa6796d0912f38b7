// Package init implements the Init stage (§4.F): address assignment,
// synchronising the segment to Init, and per-device identity/name
// discovery pipelined within each device.
package init

import (
	"time"

	"github.com/w-utter/ecat/internal/coreerr"
	"github.com/w-utter/ecat/internal/eeprom"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/wire"
)

// phase tracks the stage's three top-level steps.
type phase int

const (
	phaseAddressAssign phase = iota
	phaseSyncToInit
	phaseConfigure
	phaseDone
)

// Read discriminators carried in the low 8 bits of the user tag during
// per-device configuration, so a single Update dispatch can tell which
// of the four parallel reads a completion answers (§4.F: "register
// addresses... used as a demultiplexing discriminator").
const (
	tagSupportFlags uint8 = 1
	tagAlias        uint8 = 2
	tagDLStatus     uint8 = 3
	tagIdentity     uint8 = 4
	tagName         uint8 = 5
)

// deviceConfig tracks one device's parallel per-device configuration
// pipeline (§4.F item 3).
type deviceConfig struct {
	record *subdevice.Record

	supportFlags []byte
	dlStatus     []byte
	identity     []byte

	identityReader *eeprom.RangeReader
	nameReader     *nameReader

	pending    int // number of the four parallel reads still outstanding
	clearAcked bool
	done       bool
}

// nameReader is the small "find General, find Strings, walk to index"
// sub-state-machine (§4.F item 3, the *name* sub-state-machine).
type nameReader struct {
	cycle  *eeprom.RegisterCycle
	stage  nameStage
	general     *eeprom.CategoryIterator
	generalData *eeprom.RangeReader
	generalBuf  [4]byte
	strings     *eeprom.CategoryIterator
	str         *eeprom.StringReader
	nameIdx     int
	coeComplete bool
	name        string
	buf         [64]byte
}

// generalNameIdxOffset / generalCoeDetailsOffset are the byte offsets
// of name_string_idx and coe_details within the SII General category
// payload.
const (
	generalNameIdxOffset    = 3
	generalCoeDetailsOffset = 2
	generalCoeCompleteBit   = 0x04
)

type nameStage int

const (
	nsFindGeneral nameStage = iota
	nsReadGeneral
	nsFindStrings
	nsWalkString
	nsDone
)

// Stage drives the Init ladder step for a segment of devCount devices.
type Stage struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	retries int
	timeout time.Duration

	devCount  int
	nextAddr  int
	phase     phase
	queue     []*subdevice.Record
	configs   map[int]*deviceConfig // keyed by topology index
	configured int
}

// NewStage constructs the Init stage for a segment known to have
// devCount sub-devices (from the reset broadcast count).
func NewStage(sender wire.Sender, fd int32, idx *proto.Index, retries int, timeout time.Duration, devCount int) *Stage {
	return &Stage{
		sender: sender, fd: fd, idx: idx, retries: retries, timeout: timeout,
		devCount: devCount,
		configs:  make(map[int]*deviceConfig, devCount),
	}
}

const baseStationAddress uint16 = 0x1000

// Start issues the address-assignment generator's first PDU (§4.F item
// 1): an APWR to topology position 0 assigning the first station
// address. Subsequent positions are driven from Update.
func (s *Stage) Start() (wire.Handle, error) {
	s.phase = phaseAddressAssign
	return s.assignNext(0)
}

func (s *Stage) assignNext(topologyIdx int) (wire.Handle, error) {
	addr := baseStationAddress + uint16(topologyIdx)
	// Auto-increment addressing: ADP is 0xFFFF - topologyIdx, i.e.
	// -(topologyIdx+1) as a 16-bit value; the station address to
	// program is the payload written at ADO.
	adp := uint16(0xFFFF - topologyIdx)
	return wire.Send(s.sender, s.fd, s.idx, proto.CmdAPWR, adp, proto.RegStationAddress, []byte{byte(addr), byte(addr >> 8)}, s.retries, s.timeout, topologyIdx, topologyIdx)
}

// Update advances the stage on the next completion. Once it reports
// done, Devices returns the fully configured device queue.
func (s *Stage) Update(topologyIdx int, payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	switch s.phase {
	case phaseAddressAssign:
		addr := baseStationAddress + uint16(topologyIdx)
		s.queue = append(s.queue, &subdevice.Record{ConfiguredAddress: addr, TopologyIndex: topologyIdx})
		next := topologyIdx + 1
		if next >= s.devCount {
			s.phase = phaseSyncToInit
			h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdBRD, 0, proto.RegALStatus, nil, s.retries, s.timeout, -1, 0)
			return false, &h, err
		}
		h, err := s.assignNext(next)
		return false, &h, err

	case phaseSyncToInit:
		state, errored := proto.DecodeALStatus(payload)
		if errored || state != proto.AlStateInit {
			h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdBRD, 0, proto.RegALStatus, nil, s.retries, s.timeout, -1, 0)
			return false, &h, err
		}
		s.phase = phaseConfigure
		return s.startConfigure(0)

	case phaseConfigure:
		return s.updateConfigure(topologyIdx, payload, userTag)

	default:
		return true, nil, nil
	}
}

func (s *Stage) startConfigure(topologyIdx int) (bool, *wire.Handle, error) {
	rec := s.queue[topologyIdx]
	cfg := &deviceConfig{record: rec, supportFlags: make([]byte, 2), dlStatus: make([]byte, 2), pending: 4}
	cfg.identity = make([]byte, 8)
	cycle := eeprom.NewRegisterCycle(s.sender, s.fd, s.idx, rec.ConfiguredAddress, s.retries, s.timeout)
	cfg.identityReader = eeprom.NewRangeReader(cycle, proto.EepromIdentityWord*2, cfg.identity)
	s.configs[topologyIdx] = cfg

	// Clear EEPROM control with one write of zero, then fan out the four
	// parallel reads once it is acknowledged. No separate EEPROM
	// ownership write is issued.
	h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, rec.ConfiguredAddress, proto.RegEepromControl, []byte{0, 0}, s.retries, s.timeout, topologyIdx, int(tagSupportFlags))
	return false, &h, err
}

func (s *Stage) updateConfigure(topologyIdx int, payload []byte, userTag int) (bool, *wire.Handle, error) {
	cfg, ok := s.configs[topologyIdx]
	if !ok {
		return false, nil, coreerr.New("init.update_configure", coreerr.CodeWireCodec, "completion for unknown device")
	}

	tag := uint8(userTag)
	switch tag {
	case tagSupportFlags:
		if !cfg.clearAcked {
			cfg.clearAcked = true
			// Clear-control ack just landed; fan the four reads out.
			handles := []wire.Handle{}
			for _, h := range []struct {
				cmd proto.Command
				reg uint16
				tag uint8
			}{
				{proto.CmdFPRD, proto.RegSupportFlags, tagSupportFlags},
				{proto.CmdFPRD, proto.RegAlias, tagAlias},
				{proto.CmdFPRD, proto.RegDLStatus, tagDLStatus},
			} {
				hh, err := wire.Send(s.sender, s.fd, s.idx, h.cmd, cfg.record.ConfiguredAddress, h.reg, nil, s.retries, s.timeout, topologyIdx, int(h.tag))
				if err != nil {
					return false, nil, err
				}
				handles = append(handles, hh)
			}
			ih, err := cfg.identityReader.Start(topologyIdx<<8 | int(tagIdentity))
			if err != nil {
				return false, nil, err
			}
			handles = append(handles, ih)
			return false, &handles[0], nil
		}
		copy(cfg.supportFlags, payload)
		cfg.pending--
	case tagAlias:
		if len(payload) >= 2 {
			cfg.record.Alias = uint16(payload[0]) | uint16(payload[1])<<8
		}
		cfg.pending--
	case tagDLStatus:
		copy(cfg.dlStatus, payload)
		cfg.pending--
	case tagIdentity:
		done, retry, err := cfg.identityReader.Update(payload, topologyIdx<<8|int(tagIdentity))
		if err != nil {
			return false, nil, err
		}
		if !done {
			return false, retry, nil
		}
		cfg.pending--
		cfg.record.Identity = subdevice.Identity{
			VendorID:    leUint32(cfg.identity[0:4]),
			ProductCode: leUint32(cfg.identity[4:8]),
		}
	case tagName:
		return s.updateName(cfg, topologyIdx, payload)
	}

	if cfg.pending > 0 {
		return false, nil, nil
	}
	if cfg.nameReader == nil {
		// All four parallel reads landed; start the name sub-state-machine.
		cycle := eeprom.NewRegisterCycle(s.sender, s.fd, s.idx, cfg.record.ConfiguredAddress, s.retries, s.timeout)
		general := eeprom.NewCategoryIterator(cycle, proto.CategoryGeneral)
		cfg.nameReader = &nameReader{cycle: cycle, stage: nsFindGeneral, general: general}
		h, err := general.Start(topologyIdx<<8 | int(tagName))
		return false, &h, err
	}
	return s.deviceDone(cfg, topologyIdx)
}

func (s *Stage) updateName(cfg *deviceConfig, topologyIdx int, payload []byte) (bool, *wire.Handle, error) {
	nr := cfg.nameReader
	switch nr.stage {
	case nsFindGeneral:
		done, found, cat, retry, err := nr.general.Update(payload, topologyIdx<<8|int(tagName))
		if err != nil || !done {
			return false, retry, err
		}
		if !found || cat.ByteLength < generalNameIdxOffset+1 {
			// Malformed/missing General category: name stays "" (§4.F:
			// "falling back to None on any malformed step").
			return s.deviceDone(cfg, topologyIdx)
		}
		nr.stage = nsReadGeneral
		nr.generalData = eeprom.NewRangeReader(nr.cycle, cat.WordAddress*2, nr.generalBuf[:])
		h, err := nr.generalData.Start(topologyIdx<<8 | int(tagName))
		return false, &h, err

	case nsReadGeneral:
		done, retry, err := nr.generalData.Update(payload, topologyIdx<<8|int(tagName))
		if err != nil || !done {
			return false, retry, err
		}
		nr.coeComplete = nr.generalBuf[generalCoeDetailsOffset]&generalCoeCompleteBit != 0
		nr.nameIdx = int(nr.generalBuf[generalNameIdxOffset])
		nr.stage = nsFindStrings
		strings := eeprom.NewCategoryIterator(nr.cycle, proto.CategoryStrings)
		nr.strings = strings
		h, err := strings.Start(topologyIdx<<8 | int(tagName))
		return false, &h, err

	case nsFindStrings:
		done, found, cat, retry, err := nr.strings.Update(payload, topologyIdx<<8|int(tagName))
		if err != nil || !done {
			return false, retry, err
		}
		if !found {
			return s.deviceDone(cfg, topologyIdx)
		}
		nr.stage = nsWalkString
		nr.str = eeprom.NewStringReader(nr.cycle, cat.WordAddress, nr.nameIdx, nr.buf[:])
		h, done2, err := nr.str.Start(topologyIdx<<8 | int(tagName))
		if err != nil {
			return false, nil, err
		}
		if done2 {
			return s.deviceDone(cfg, topologyIdx)
		}
		return false, &h, nil

	case nsWalkString:
		done, retry, err := nr.str.Update(payload, topologyIdx<<8|int(tagName))
		if err != nil || !done {
			return false, retry, err
		}
		nr.name = string(nr.buf[:nr.str.Written()])
		return s.deviceDone(cfg, topologyIdx)

	default:
		return s.deviceDone(cfg, topologyIdx)
	}
}

func (s *Stage) deviceDone(cfg *deviceConfig, topologyIdx int) (bool, *wire.Handle, error) {
	cfg.done = true
	if cfg.nameReader != nil {
		cfg.record.Name = cfg.nameReader.name
		cfg.record.CoEComplete = cfg.nameReader.coeComplete
	}
	cfg.record.SupportFlags = uint16(cfg.supportFlags[0]) | uint16(cfg.supportFlags[1])<<8

	s.configured++
	if s.configured < len(s.queue) {
		if topologyIdx+1 < len(s.queue) {
			return s.startConfigure(topologyIdx + 1)
		}
		return false, nil, nil
	}
	s.phase = phaseDone
	return true, nil, nil
}

// Devices returns the configured device queue once Update has reported
// done=true.
func (s *Stage) Devices() []*subdevice.Record { return s.queue }

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
