package ecat

import (
	"encoding/binary"
	"time"

	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/tracker"
	"github.com/w-utter/ecat/internal/wire"
)

// MockSegment emulates a docked EtherCAT segment entirely in memory: it
// decodes each submitted PDU the way a real sub-device's slave controller
// would and synthesizes the matching reply, without touching a NIC or an
// io_uring ring. It implements wire.Sender so bring-up stages can be
// driven against it directly in tests, mirroring the teacher's
// MockBackend: an in-memory stand-in for the real I/O path that tracks
// calls for assertions rather than talking to a kernel.
type MockSegment struct {
	order       []*MockDevice
	pending     map[tracker.Key]mockReply
	submitCalls int
}

type mockReply struct {
	header  proto.PDUHeader
	payload []byte
	wkc     uint16
}

const (
	maxMockFMMUSlots = 8
	maxMockSMSlots   = 8
)

// mockFMMUEntry is one FMMU slot a bring-up stage has programmed onto a
// mock device, decoded from the raw 16-byte configuration write (§4.I
// "Program").
type mockFMMUEntry struct {
	logicalOffset uint32
	length        uint16
	physAddr      uint16
	enabled       bool
	usage         proto.FMMUUsage
}

// MockDevice is one emulated sub-device: an address-addressable register
// file (modeled as named cases rather than a flat byte array, since the
// core only ever touches a known register set), a canned EEPROM image, a
// CoE object dictionary, and whatever FMMU/sync-manager configuration the
// bring-up ladder has written to it so far.
type MockDevice struct {
	address uint16
	alState uint8

	eeprom      []byte
	eepromChunk [4]byte

	writeMailboxAddr uint16
	writeMailboxSM   int
	readMailboxAddr  uint16
	readMailboxSM    int
	mailboxReply     []byte

	od map[uint32][]byte

	smConfig map[int][]byte
	fmmus    []mockFMMUEntry

	// InputData is copied into the shared logical PDI at this device's
	// input FMMU window on every LRW exchange, simulating fresh
	// sub-device-to-master data. OutputData captures what the master
	// last wrote into the device's output FMMU window.
	InputData  []byte
	OutputData []byte
}

// NewMockDevice constructs an emulated sub-device with a minimal SII
// image exposing the given identity and four sync managers (mailbox
// write/read, process-data read/write) at fixed physical addresses. Use
// SetMailbox to match the addresses a real EEPROM's DefaultMailbox/
// SyncManager categories would yield, and SetObject to seed CoE values a
// test expects an SDO upload to return.
func NewMockDevice(vendorID, productCode uint32) *MockDevice {
	d := &MockDevice{
		alState:  uint8(proto.AlStateInit),
		od:       make(map[uint32][]byte),
		smConfig: make(map[int][]byte),
	}
	d.eeprom = buildMockEeprom(vendorID, productCode)
	d.SetMailbox(0x1000, 0, 0x1100, 1)
	return d
}

// SetObject seeds the device's CoE object dictionary so an expedited SDO
// upload of (index, subindex) returns value (at most 4 bytes).
func (d *MockDevice) SetObject(index uint16, subindex uint8, value []byte) {
	d.od[odKey(index, subindex)] = append([]byte(nil), value...)
}

// SetMailbox configures the physical mailbox addresses and sync-manager
// channel indices the EEPROM's SyncManager category reports, matching
// what buildMockEeprom already advertises unless overridden.
func (d *MockDevice) SetMailbox(writeAddr uint16, writeSM int, readAddr uint16, readSM int) {
	d.writeMailboxAddr, d.writeMailboxSM = writeAddr, writeSM
	d.readMailboxAddr, d.readMailboxSM = readAddr, readSM
}

// AlState reports the device's current AL status, as driven by the
// bring-up ladder's RegALControl writes.
func (d *MockDevice) AlState() proto.AlState { return proto.AlState(d.alState) }

// Address reports the device's currently configured station address (0
// until an address-assignment APWR has landed).
func (d *MockDevice) Address() uint16 { return d.address }

func odKey(index uint16, subindex uint8) uint32 { return uint32(index)<<8 | uint32(subindex) }

// buildMockEeprom lays out a minimal SII image: the 8-byte identity block
// at word EepromIdentityWord, and a category list at word 0x0040 holding
// SyncManager (four channels: mailbox write, mailbox read, process-data
// read/write), FMMU (one input slot, one output slot), General (a
// name_string_idx pointing at strings entry 1), and Strings (two
// entries), followed by CategoryEnd.
func buildMockEeprom(vendorID, productCode uint32) []byte {
	img := make([]byte, 0x200)
	putD := func(byteOff int, v uint32) { binary.LittleEndian.PutUint32(img[byteOff:], v) }
	putW := func(byteOff int, v uint16) { binary.LittleEndian.PutUint16(img[byteOff:], v) }

	putD(int(proto.EepromIdentityWord)*2, vendorID)
	putD(int(proto.EepromIdentityWord)*2+4, productCode)

	smEntries := []struct {
		addr  uint16
		usage proto.SyncManagerUsage
	}{
		{0x1000, proto.SMUsageMailboxWrite},
		{0x1100, proto.SMUsageMailboxRead},
		{0x1200, proto.SMUsageProcessDataRead},
		{0x1300, proto.SMUsageProcessDataWrite},
	}
	smBytes := make([]byte, 0, len(smEntries)*8)
	for _, e := range smEntries {
		entry := make([]byte, 8)
		binary.LittleEndian.PutUint16(entry[0:2], e.addr)
		binary.LittleEndian.PutUint16(entry[2:4], 128)
		entry[7] = byte(e.usage)
		smBytes = append(smBytes, entry...)
	}

	fmmuBytes := []byte{byte(proto.FMMUInputs), byte(proto.FMMUOutputs)}

	// byte 3 of the General category is name_string_idx (§4.F item 3).
	generalBytes := make([]byte, 16)
	generalBytes[3] = 1

	strNames := []string{"MockDevice", "Aux"}
	stringsBytes := []byte{byte(len(strNames))}
	for _, name := range strNames {
		stringsBytes = append(stringsBytes, byte(len(name)))
		stringsBytes = append(stringsBytes, []byte(name)...)
	}
	if len(stringsBytes)%2 != 0 {
		stringsBytes = append(stringsBytes, 0)
	}

	off := 0x0040 * 2
	off = putCategory(img, off, proto.CategorySyncManager, smBytes)
	off = putCategory(img, off, proto.CategoryFMMU, fmmuBytes)
	off = putCategory(img, off, proto.CategoryGeneral, generalBytes)
	off = putCategory(img, off, proto.CategoryStrings, stringsBytes)
	putW(off, uint16(proto.CategoryEnd))
	return img
}

// putCategory writes one category header (type, length in words) plus
// its data at byteOff, returning the offset of the next header.
func putCategory(img []byte, byteOff int, typ proto.EepromCategory, data []byte) int {
	binary.LittleEndian.PutUint16(img[byteOff:], uint16(typ))
	binary.LittleEndian.PutUint16(img[byteOff+2:], uint16(len(data)/2))
	copy(img[byteOff+4:], data)
	return byteOff + 4 + len(data)
}

// NewMockSegment constructs an empty segment.
func NewMockSegment() *MockSegment {
	return &MockSegment{pending: make(map[tracker.Key]mockReply)}
}

// AddDevice docks dev onto the segment in port order. Address assignment
// (the Init stage's auto-increment APWR pass) happens over the wire, not
// here: dev.address stays zero until the first APWR lands.
func (m *MockSegment) AddDevice(dev *MockDevice) { m.order = append(m.order, dev) }

// Devices returns the docked devices in port order.
func (m *MockSegment) Devices() []*MockDevice { return m.order }

// SubmitCalls reports how many PDUs the segment has processed, for tests
// asserting a stage pipelines rather than serializes its traffic.
func (m *MockSegment) SubmitCalls() int { return m.submitCalls }

// Take returns the synthesized reply for a handle Submit has already
// processed, consuming it. A test drives a stage by calling Start/Update
// to obtain a handle, calling Take to fetch the segment's reply, and
// feeding that payload back into the stage's next Update call.
func (m *MockSegment) Take(h wire.Handle) (payload []byte, wkc uint16, ok bool) {
	r, ok := m.pending[tracker.Key(h)]
	if !ok {
		return nil, 0, false
	}
	delete(m.pending, tracker.Key(h))
	return r.payload, r.wkc, true
}

var _ wire.Sender = (*MockSegment)(nil)

// SubmitContext is the (topologyIdx, userTag) a Submit call carried. In
// production those two values are echoed back by the tracker's
// Completion, stamped at submit time; a SubmitRecorder plays that role
// for tests driving a stage directly against a MockSegment.
type SubmitContext struct {
	TopologyIdx int
	UserTag     int
}

// SubmitRecorder wraps a MockSegment, remembering the submit-time context
// of every handle so a test's driving loop can recover the
// (topologyIdx, userTag) pair a stage's Update call needs, the same way
// the root driver recovers it from a tracker.Completion.
type SubmitRecorder struct {
	Seg     *MockSegment
	context map[tracker.Key]SubmitContext
}

// NewSubmitRecorder wraps seg for use as a wire.Sender in stage tests.
func NewSubmitRecorder(seg *MockSegment) *SubmitRecorder {
	return &SubmitRecorder{Seg: seg, context: make(map[tracker.Key]SubmitContext)}
}

func (r *SubmitRecorder) Submit(fd int32, key tracker.Key, frame []byte, retries int, timeout time.Duration, topologyIdx, userTag int) error {
	r.context[key] = SubmitContext{TopologyIdx: topologyIdx, UserTag: userTag}
	return r.Seg.Submit(fd, key, frame, retries, timeout, topologyIdx, userTag)
}

// Take fetches the synthesized reply and submit-time context for h,
// reporting ok=false if either is missing.
func (r *SubmitRecorder) Take(h wire.Handle) (payload []byte, ctx SubmitContext, ok bool) {
	payload, _, ok = r.Seg.Take(h)
	if !ok {
		return nil, SubmitContext{}, false
	}
	ctx, ok = r.context[h]
	return payload, ctx, ok
}

var _ wire.Sender = (*SubmitRecorder)(nil)

// Submit implements wire.Sender by synchronously decoding frame and
// synthesizing the reply every registered device (or broadcast/logical
// exchange) would produce, retries/timeout/fd are accepted only to
// satisfy the interface: a mock segment never drops a frame or fires a
// timeout.
func (m *MockSegment) Submit(fd int32, key tracker.Key, frame []byte, retries int, timeout time.Duration, topologyIdx, userTag int) error {
	m.submitCalls++
	hdr, err := proto.DecodePDUHeader(frame)
	if err != nil {
		return err
	}
	reqPayload := frame[10 : 10+int(hdr.Len)]

	var replyPayload []byte
	var wkc uint16

	switch hdr.Cmd {
	case proto.CmdBRD:
		replyPayload = m.broadcastReadReply(hdr.ADO)
		wkc = uint16(len(m.order))
	case proto.CmdBWR:
		wkc = uint16(len(m.order))
	case proto.CmdLRD, proto.CmdLWR, proto.CmdLRW:
		replyPayload, wkc = m.applyLRW(reqPayload)
	default:
		if dev, ok := m.deviceFor(hdr.Cmd, hdr.ADP); ok {
			wkc = 1
			switch hdr.Cmd {
			case proto.CmdFPRD, proto.CmdAPRD:
				replyPayload = m.registerRead(dev, hdr.ADO)
			case proto.CmdFPWR, proto.CmdAPWR:
				replyPayload = m.registerWrite(dev, hdr.ADO, reqPayload)
			}
		}
	}

	m.pending[key] = mockReply{
		header:  proto.PDUHeader{Cmd: hdr.Cmd, Idx: hdr.Idx, ADP: hdr.ADP, ADO: hdr.ADO, Len: uint16(len(replyPayload))},
		payload: replyPayload,
		wkc:     wkc,
	}
	return nil
}

func (m *MockSegment) deviceFor(cmd proto.Command, adp uint16) (*MockDevice, bool) {
	switch cmd {
	case proto.CmdFPRD, proto.CmdFPWR, proto.CmdFPRW:
		for _, d := range m.order {
			if d.address == adp {
				return d, true
			}
		}
	case proto.CmdAPRD, proto.CmdAPWR, proto.CmdAPRW:
		pos := int(uint16(0xFFFF) - adp)
		if pos >= 0 && pos < len(m.order) {
			return m.order[pos], true
		}
	}
	return nil, false
}

func (m *MockSegment) broadcastReadReply(ado uint16) []byte {
	if ado != proto.RegALStatus || len(m.order) == 0 {
		return make([]byte, 2)
	}
	state := m.order[0].alState
	for _, d := range m.order[1:] {
		state &= d.alState
	}
	return []byte{state, 0}
}

func (m *MockSegment) registerRead(dev *MockDevice, ado uint16) []byte {
	switch {
	case ado == proto.RegALStatus:
		return []byte{dev.alState, 0}
	case ado == proto.RegEepromControl:
		return []byte{0, 0}
	case ado == proto.RegEepromData:
		return append([]byte(nil), dev.eepromChunk[:]...)
	case dev.readMailboxAddr != 0 && ado == dev.readMailboxAddr:
		reply := dev.mailboxReply
		dev.mailboxReply = nil
		return reply
	case isSMStatusRegister(ado):
		return []byte{dev.smStatus(smIndexFromStatusRegister(ado))}
	default:
		return make([]byte, 2)
	}
}

func (m *MockSegment) registerWrite(dev *MockDevice, ado uint16, payload []byte) []byte {
	switch {
	case ado == proto.RegStationAddress:
		if len(payload) >= 2 {
			dev.address = binary.LittleEndian.Uint16(payload)
		}
		return nil
	case ado == proto.RegALControl:
		if len(payload) >= 1 {
			dev.alState = payload[0]
		}
		return []byte{dev.alState, 0}
	case ado == proto.RegEepromControl:
		if len(payload) == 6 {
			wordAddr := binary.LittleEndian.Uint16(payload[2:4])
			off := int(wordAddr) * 2
			if off+4 <= len(dev.eeprom) {
				copy(dev.eepromChunk[:], dev.eeprom[off:off+4])
			}
		}
		return nil
	case dev.writeMailboxAddr != 0 && ado == dev.writeMailboxAddr:
		m.handleMailboxWrite(dev, payload)
		return nil
	case isFMMURegister(ado):
		dev.fmmus = append(dev.fmmus, parseFMMUEntry(payload))
		return nil
	case isSMConfigRegister(ado):
		dev.smConfig[smConfigIndex(ado)] = append([]byte(nil), payload...)
		return nil
	default:
		return nil
	}
}

func (d *MockDevice) smStatus(idx int) byte {
	switch idx {
	case d.writeMailboxSM:
		return 0
	case d.readMailboxSM:
		if d.mailboxReply != nil {
			return proto.MailboxFullBit
		}
	}
	return 0
}

// handleMailboxWrite decodes a CoE SDO request written to the device's
// write mailbox and synthesizes the matching expedited response into its
// read mailbox, matching the request's own counter per the mailbox
// protocol's acknowledgement convention.
func (m *MockSegment) handleMailboxWrite(dev *MockDevice, payload []byte) {
	hdr, err := proto.DecodeMailboxHeader(payload)
	if err != nil || hdr.Type != proto.MailboxTypeCoE {
		return
	}
	body := payload[6:]
	if len(body) < 12 {
		return
	}
	coeHdr := binary.LittleEndian.Uint16(body[0:2])
	if service := uint8(coeHdr >> 12); service != 0x2 {
		return
	}
	b0 := body[2]
	ccs := b0 >> 5
	index := binary.LittleEndian.Uint16(body[3:5])
	subindex := body[5]

	resp := make([]byte, 12)
	binary.LittleEndian.PutUint16(resp[0:2], uint16(0x3)<<12)
	binary.LittleEndian.PutUint16(resp[3:5], index)
	resp[5] = subindex

	switch ccs {
	case 1: // download initiate
		n := 4
		if b0&1 != 0 {
			n = 4 - int((b0>>2)&0x3)
		}
		if n < 0 || 6+n > len(body) {
			return
		}
		dev.od[odKey(index, subindex)] = append([]byte(nil), body[6:6+n]...)
		resp[2] = 3 << 5 // download-initiate response
	case 2: // upload initiate
		value := dev.od[odKey(index, subindex)]
		n := len(value)
		if n > 4 {
			n = 4
		}
		resp[2] = (2 << 5) | (1 << 1) | 1 | byte(4-n)<<2
		copy(resp[6:6+n], value)
	default:
		return
	}

	mbHdr := proto.EncodeMailboxHeader(uint16(len(resp)), 0, 0, 0, proto.MailboxTypeCoE, hdr.Counter)
	dev.mailboxReply = append(mbHdr, resp...)
}

func (m *MockSegment) applyLRW(payload []byte) (out []byte, wkc uint16) {
	out = append([]byte(nil), payload...)
	for _, dev := range m.order {
		for _, f := range dev.fmmus {
			if !f.enabled {
				continue
			}
			start := int(f.logicalOffset)
			end := start + int(f.length)
			if start < 0 || start >= len(out) {
				continue
			}
			if end > len(out) {
				end = len(out)
			}
			switch f.usage {
			case proto.FMMUOutputs:
				dev.OutputData = append([]byte(nil), out[start:end]...)
				wkc++
			case proto.FMMUInputs:
				copy(out[start:end], dev.InputData)
				wkc++
			}
		}
	}
	return out, wkc
}

func parseFMMUEntry(payload []byte) mockFMMUEntry {
	if len(payload) < 16 {
		return mockFMMUEntry{}
	}
	return mockFMMUEntry{
		logicalOffset: binary.LittleEndian.Uint32(payload[0:4]),
		length:        binary.LittleEndian.Uint16(payload[4:6]),
		physAddr:      binary.LittleEndian.Uint16(payload[8:10]),
		enabled:       payload[10] != 0,
		usage:         proto.FMMUUsage(payload[12]),
	}
}

func isFMMURegister(ado uint16) bool {
	if ado < proto.RegFMMUBase {
		return false
	}
	off := ado - proto.RegFMMUBase
	return off%16 == 0 && off/16 < maxMockFMMUSlots
}

func isSMConfigRegister(ado uint16) bool {
	if ado < proto.RegSyncManagerBase {
		return false
	}
	off := ado - proto.RegSyncManagerBase
	return off%8 == 0 && off/8 < maxMockSMSlots
}

func isSMStatusRegister(ado uint16) bool {
	if ado < proto.RegSyncManagerBase+5 {
		return false
	}
	off := ado - proto.RegSyncManagerBase - 5
	return off%8 == 0 && off/8 < maxMockSMSlots
}

func smConfigIndex(ado uint16) int        { return int((ado - proto.RegSyncManagerBase) / 8) }
func smIndexFromStatusRegister(ado uint16) int {
	return int((ado - proto.RegSyncManagerBase - 5) / 8)
}
