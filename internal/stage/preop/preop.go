// Package preop implements the PreOp stage (§4.I, "hardest part"):
// CoE-driven PDO remapping, FMMU programming, and the PreOp->SafeOp
// transition. For each device, two sequential passes drive inputs (tag
// upper bits 01) then outputs (tag upper bits 10); within a pass, PDO
// assignments are mapped by a {Clear, Map, SetCount} sub-state-machine
// before the sync-manager-assignment object is programmed the same way.
package preop

import (
	"time"

	"github.com/w-utter/ecat/internal/eeprom"
	"github.com/w-utter/ecat/internal/mailbox"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/stage/transition"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/wire"
)

// Direction selects which PDO pass and FMMU usage is active.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

// smAssignmentIndex returns the sync-manager-assignment object for a
// direction: 0x1C12 for inputs, 0x1C13 for outputs — following the
// EtherCAT specification per the redesign flag (the distilled source's
// 0x1C10+2+offset arithmetic is not carried forward).
func smAssignmentIndex(dir Direction) uint16 {
	if dir == DirInput {
		return 0x1C12
	}
	return 0x1C13
}

func fmmuUsage(dir Direction) proto.FMMUUsage {
	if dir == DirInput {
		return proto.FMMUInputs
	}
	return proto.FMMUOutputs
}

func smUsage(dir Direction) proto.SyncManagerUsage {
	if dir == DirInput {
		return proto.SMUsageProcessDataRead
	}
	return proto.SMUsageProcessDataWrite
}

// mapSubState is the {Clear, Map, SetCount} PDO-map sub-state-machine.
type mapSubState int

const (
	msClear mapSubState = iota
	msMap
	msSetCount
	msDone
)

// pdoMapper drives one PDO assignment object through Clear/Map/SetCount.
// smWrite selects the sync-manager-assignment write format (0x1C12/
// 0x1C13): each subindex holds the 2-byte index of an already-mapped
// PDO-assignment object, not the 4-byte packed mapping word a PDO
// mapping object's own subindices take.
type pdoMapper struct {
	writer  *mailbox.SDOWriter
	assign  subdevice.PDOAssignmentConfig
	state   mapSubState
	objIdx  int
	smWrite bool
}

// Stage drives the PreOp bring-up step across a device queue and a
// user-declared PDO layout.
type Stage struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	retries int
	timeout time.Duration

	queue  []*subdevice.Record
	config map[int]subdevice.PDOConfigPair // keyed by topology index

	devIdx   int
	dir      Direction
	assignIx int
	mapper   *pdoMapper

	smAssign *pdoMapper // reuses the same sub-state-machine shape

	fmmuPhase    fmmuPhase
	smCategory   *eeprom.CategoryIterator
	smRaw        []byte
	smReader     *eeprom.RangeReader
	fmmuCategory *eeprom.CategoryIterator
	fmmuRaw      []byte
	fmmuReader   *eeprom.RangeReader
	fmmuSlot     int
	smEntries    []fmmuSMEntry
	cycle        *eeprom.RegisterCycle

	pendingSM     fmmuSMEntry
	pendingLength int

	pdiOffset  uint32
	inputEnd   uint32
	outputEnd  uint32
	trans      *transition.Controller
}

type fmmuPhase int

const (
	fpIdle fmmuPhase = iota
	fpScanSM
	fpReadSM
	fpScanFMMU
	fpReadFMMU
	fpProgramSM
	fpProgram
	fpTransition
)

type fmmuSMEntry struct {
	smIndex   int
	smAddress uint16
}

// NewStage constructs the PreOp stage. config maps each device's
// topology index to its declared PDOConfig (inputs/outputs).
func NewStage(sender wire.Sender, fd int32, idx *proto.Index, retries int, timeout time.Duration, queue []*subdevice.Record, config map[int]subdevice.PDOConfigPair) *Stage {
	return &Stage{sender: sender, fd: fd, idx: idx, retries: retries, timeout: timeout, queue: queue, config: config}
}

// Start begins mapping the first device's input PDOs.
func (s *Stage) Start() (wire.Handle, error) {
	s.devIdx = 0
	s.dir = DirInput
	return s.startAssignment(0)
}

func (s *Stage) device() *subdevice.Record { return s.queue[s.devIdx] }

func (s *Stage) assignments() []subdevice.PDOAssignmentConfig {
	cfg := s.config[s.device().TopologyIndex]
	if s.dir == DirInput {
		return cfg.Inputs
	}
	return cfg.Outputs
}

func (s *Stage) startAssignment(i int) (wire.Handle, error) {
	s.assignIx = i
	list := s.assignments()
	if i >= len(list) {
		return s.startSMAssignment()
	}
	s.mapper = &pdoMapper{
		writer: mailbox.NewSDOWriter(s.sender, s.fd, s.idx, s.device(), s.retries, s.timeout, list[i].Index, 0),
		assign: list[i],
		state:  msClear,
	}
	return s.mapper.writer.Start([]byte{0}, false, tagFor(s.dir, 0))
}

func tagFor(dir Direction, inner uint8) uint8 {
	base := uint8(0x01)
	if dir == DirOutput {
		base = 0x02
	}
	return (base << 2) | (inner & 0x03)
}

// Update advances the stage on the next completion.
func (s *Stage) Update(payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	if s.mapper != nil {
		d, retry, err := s.updateMapper(s.mapper, payload)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		h, err := s.startAssignment(s.assignIx + 1)
		return false, &h, err
	}
	if s.smAssign != nil {
		d, retry, err := s.updateMapper(s.smAssign, payload)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		s.smAssign = nil
		return s.afterSMAssignment()
	}
	return s.updateFMMU(payload, userTag)
}

func (s *Stage) updateMapper(m *pdoMapper, payload []byte) (bool, *wire.Handle, error) {
	d, retry, err := m.writer.Update(payload)
	if err != nil {
		return false, nil, err
	}
	if !d {
		return false, retry, nil
	}
	if err := m.writer.Ack(); err != nil {
		return false, nil, err
	}
	switch m.state {
	case msClear:
		m.state = msMap
		m.objIdx = 0
		h, err := s.issueNextWrite(m)
		return false, &h, err
	case msMap:
		m.objIdx++
		if m.objIdx < len(m.assign.Objects) {
			h, err := s.issueNextWrite(m)
			return false, &h, err
		}
		m.state = msSetCount
		m.writer = mailbox.NewSDOWriter(s.sender, s.fd, s.idx, s.device(), s.retries, s.timeout, m.assign.Index, 0)
		h, err := m.writer.Start([]byte{byte(len(m.assign.Objects))}, false, tagFor(s.dir, 2))
		return false, &h, err
	case msSetCount:
		m.state = msDone
		return true, nil, nil
	}
	return true, nil, nil
}

func (s *Stage) issueNextWrite(m *pdoMapper) (wire.Handle, error) {
	if m.smWrite {
		return s.issueNextSMAssignWrite(m)
	}
	return s.issueNextMapWrite(m)
}

func (s *Stage) issueNextMapWrite(m *pdoMapper) (wire.Handle, error) {
	obj := m.assign.Objects[m.objIdx]
	word := obj.Word()
	value := []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
	m.writer = mailbox.NewSDOWriter(s.sender, s.fd, s.idx, s.device(), s.retries, s.timeout, m.assign.Index, uint8(m.objIdx+1))
	return m.writer.Start(value, false, tagFor(s.dir, 1))
}

// issueNextSMAssignWrite writes the next subindex of a sync-manager-
// assignment object: a 2-byte PDO-assignment object index (e.g.
// 0x1A00), distinct from issueNextMapWrite's 4-byte packed entry word.
func (s *Stage) issueNextSMAssignWrite(m *pdoMapper) (wire.Handle, error) {
	pdoIndex := m.assign.Objects[m.objIdx].Index
	value := []byte{byte(pdoIndex), byte(pdoIndex >> 8)}
	m.writer = mailbox.NewSDOWriter(s.sender, s.fd, s.idx, s.device(), s.retries, s.timeout, m.assign.Index, uint8(m.objIdx+1))
	return m.writer.Start(value, false, tagFor(s.dir, 1))
}

func (s *Stage) startSMAssignment() (wire.Handle, error) {
	smIdx := smAssignmentIndex(s.dir)
	list := s.assignments()
	objects := make([]subdevice.PDOObject, len(list))
	for i, a := range list {
		objects[i] = subdevice.PDOObject{Index: a.Index}
	}
	s.smAssign = &pdoMapper{
		writer:  mailbox.NewSDOWriter(s.sender, s.fd, s.idx, s.device(), s.retries, s.timeout, smIdx, 0),
		assign:  subdevice.PDOAssignmentConfig{Index: smIdx, Objects: objects},
		state:   msClear,
		smWrite: true,
	}
	return s.smAssign.writer.Start([]byte{0}, false, tagFor(s.dir, 0))
}

func (s *Stage) afterSMAssignment() (bool, *wire.Handle, error) {
	if s.dir == DirInput {
		s.dir = DirOutput
		h, err := s.startAssignment(0)
		return false, &h, err
	}
	// Both directions mapped for this device: move to the next device's
	// input pass, or (once all devices mapped) begin FMMU programming.
	s.devIdx++
	if s.devIdx < len(s.queue) {
		s.dir = DirInput
		h, err := s.startAssignment(0)
		return false, &h, err
	}
	s.devIdx = 0
	s.dir = DirInput
	return s.beginDeviceFMMUScan()
}

// updateFMMU builds the FMMU mapping per device per direction: sync
// manager address + FMMU slot + summed byte length, found while scanning
// EEPROM categories afresh (§4.I "FMMU programming").
func (s *Stage) updateFMMU(payload []byte, userTag int) (bool, *wire.Handle, error) {
	switch s.fmmuPhase {
	case fpScanSM:
		d, found, cat, retry, err := s.smCategory.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		if !found {
			s.fmmuPhase = fpScanFMMU
			s.fmmuCategory = eeprom.NewCategoryIterator(s.cycle, proto.CategoryFMMU)
			h, err := s.fmmuCategory.Start(0)
			return false, &h, err
		}
		s.smRaw = make([]byte, cat.ByteLength)
		s.smReader = eeprom.NewRangeReader(s.cycle, cat.WordAddress*2, s.smRaw)
		s.fmmuPhase = fpReadSM
		h, err := s.smReader.Start(0)
		return false, &h, err

	case fpReadSM:
		d, retry, err := s.smReader.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		s.smEntries = s.appendSMFromBuf(s.smRaw)
		s.fmmuPhase = fpScanFMMU
		s.fmmuCategory = eeprom.NewCategoryIterator(s.cycle, proto.CategoryFMMU)
		h, err := s.fmmuCategory.Start(0)
		return false, &h, err

	case fpScanFMMU:
		d, found, cat, retry, err := s.fmmuCategory.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		if !found {
			s.fmmuSlot = -1
			return s.programDeviceFMMU()
		}
		s.fmmuRaw = make([]byte, cat.ByteLength)
		s.fmmuReader = eeprom.NewRangeReader(s.cycle, cat.WordAddress*2, s.fmmuRaw)
		s.fmmuPhase = fpReadFMMU
		h, err := s.fmmuReader.Start(0)
		return false, &h, err

	case fpReadFMMU:
		d, retry, err := s.fmmuReader.Update(payload, 0)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		s.fmmuSlot = findFMMUSlot(s.fmmuRaw, fmmuUsage(s.dir))
		return s.programDeviceFMMU()

	case fpProgramSM:
		// Sync-manager channel config acknowledged: program the FMMU
		// entry that maps it into the PDI next.
		return s.programFMMURegister()

	case fpProgram:
		// FMMU register write acknowledged (the entry is not read back):
		// advance to the next direction/device or finish.
		return s.nextFMMUTarget()

	case fpTransition:
		d, retry, err := s.trans.Update(payload, userTag)
		if err != nil {
			return false, nil, err
		}
		if !d {
			return false, retry, nil
		}
		s.devIdx++
		if s.devIdx < len(s.queue) {
			s.trans = transition.NewController(s.sender, s.fd, s.idx, s.device().ConfiguredAddress, proto.AlStateSafeOp, s.retries, s.timeout)
			h, err := s.trans.Start(0)
			return false, &h, err
		}
		return true, nil, nil

	default:
		return true, nil, nil
	}
}

func (s *Stage) appendSMFromBuf(buf []byte) []fmmuSMEntry {
	var out []fmmuSMEntry
	for i := 0; i+8 <= len(buf); i += 8 {
		usage := proto.SyncManagerUsage(buf[i+7])
		if usage == smUsage(s.dir) {
			out = append(out, fmmuSMEntry{smIndex: i / 8, smAddress: uint16(buf[i]) | uint16(buf[i+1])<<8})
		}
	}
	return out
}

// findFMMUSlot returns the index of the first byte in an FMMU category's
// raw bytes matching want, or -1 if no slot is reserved for that usage.
// Each byte is one FMMU channel's EEPROM-declared usage (§4.I: the FMMU
// slot is a category scan distinct from the sync-manager scan).
func findFMMUSlot(buf []byte, want proto.FMMUUsage) int {
	for i, b := range buf {
		if proto.FMMUUsage(b) == want {
			return i
		}
	}
	return -1
}

// programDeviceFMMU writes the process-data sync-manager channel config
// (prep_write_sm_config) for this device/direction; its acknowledgement
// drives programFMMURegister next.
func (s *Stage) programDeviceFMMU() (bool, *wire.Handle, error) {
	dev := s.device()
	length := 0
	for _, a := range s.assignmentsFor(dev.TopologyIndex, s.dir) {
		length += a.ByteLen()
	}
	if length == 0 || len(s.smEntries) == 0 || s.fmmuSlot < 0 {
		return s.nextFMMUTarget()
	}
	s.pendingLength = length
	s.pendingSM = s.smEntries[0]
	payload := make([]byte, 8)
	payload[0], payload[1] = byte(s.pendingSM.smAddress), byte(s.pendingSM.smAddress>>8)
	payload[2], payload[3] = byte(length), byte(length>>8)
	payload[7] = byte(smUsage(s.dir))
	s.fmmuPhase = fpProgramSM
	h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, dev.ConfiguredAddress, proto.SyncManagerRegister(s.pendingSM.smIndex), payload, s.retries, s.timeout, dev.TopologyIndex, 0)
	return false, &h, err
}

// programFMMURegister writes the FMMU entry mapping the just-configured
// sync manager into the PDI, using the FMMU category's own slot index
// (s.fmmuSlot), not the sync manager's index.
func (s *Stage) programFMMURegister() (bool, *wire.Handle, error) {
	dev := s.device()
	sm := s.pendingSM
	length := s.pendingLength
	payload := make([]byte, 16)
	payload[0] = byte(s.pdiOffset)
	payload[1] = byte(s.pdiOffset >> 8)
	payload[2] = byte(s.pdiOffset >> 16)
	payload[3] = byte(s.pdiOffset >> 24)
	payload[4] = byte(length)
	payload[5] = byte(length >> 8)
	payload[8] = byte(sm.smAddress)
	payload[9] = byte(sm.smAddress >> 8)
	payload[10] = 1 // enable
	payload[12] = byte(fmmuUsage(s.dir))
	if s.dir == DirInput {
		dev.Inputs = subdevice.PDIRange{Start: s.pdiOffset, End: s.pdiOffset + uint32(length)}
	} else {
		dev.Outputs = subdevice.PDIRange{Start: s.pdiOffset, End: s.pdiOffset + uint32(length)}
	}
	s.pdiOffset += uint32(length)
	s.fmmuPhase = fpProgram
	h, err := wire.Send(s.sender, s.fd, s.idx, proto.CmdFPWR, dev.ConfiguredAddress, proto.FMMURegister(s.fmmuSlot), payload, s.retries, s.timeout, dev.TopologyIndex, 0)
	return false, &h, err
}

func (s *Stage) assignmentsFor(topologyIdx int, dir Direction) []subdevice.PDOAssignmentConfig {
	cfg := s.config[topologyIdx]
	if dir == DirInput {
		return cfg.Inputs
	}
	return cfg.Outputs
}

// nextFMMUTarget advances to the next device within the current
// direction's pass, or — once every device's FMMU is programmed for
// that direction — starts the other direction's pass from device 0.
// Inputs fully precede outputs across all devices in the PDI, so the
// output pass never begins until every device has an input FMMU
// programmed (§4.I PDI layout invariant).
func (s *Stage) nextFMMUTarget() (bool, *wire.Handle, error) {
	s.devIdx++
	if s.devIdx < len(s.queue) {
		return s.beginDeviceFMMUScan()
	}
	if s.dir == DirInput {
		s.inputEnd = s.pdiOffset
		s.dir = DirOutput
		s.devIdx = 0
		return s.beginDeviceFMMUScan()
	}
	s.outputEnd = s.pdiOffset
	// All devices programmed in both directions: transition each to
	// SafeOp (§4.I "Transition to SafeOp").
	s.devIdx = 0
	s.fmmuPhase = fpTransition
	s.trans = transition.NewController(s.sender, s.fd, s.idx, s.device().ConfiguredAddress, proto.AlStateSafeOp, s.retries, s.timeout)
	h, err := s.trans.Start(0)
	return false, &h, err
}

func (s *Stage) beginDeviceFMMUScan() (bool, *wire.Handle, error) {
	s.fmmuPhase = fpScanSM
	s.cycle = eeprom.NewRegisterCycle(s.sender, s.fd, s.idx, s.device().ConfiguredAddress, s.retries, s.timeout)
	s.smCategory = eeprom.NewCategoryIterator(s.cycle, proto.CategorySyncManager)
	h, err := s.smCategory.Start(0)
	return false, &h, err
}

// Result returns the device queue plus the PDI split once Update
// reports done=true.
func (s *Stage) Result() (queue []*subdevice.Record, inputEnd, outputEnd uint32) {
	return s.queue, s.inputEnd, s.outputEnd
}
