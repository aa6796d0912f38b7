// Package subdevice holds the sub-device record and process-data-image
// descriptor (§3 "Sub-device record", "Process-data image").
package subdevice

import "github.com/w-utter/ecat/internal/proto"

// Identity is the EEPROM identity block read during Init (§4.F item 3).
type Identity struct {
	VendorID     uint32
	ProductCode  uint32
	Revision     uint32
	SerialNumber uint32
}

// MailboxConfig describes one direction (read or write) of a device's
// mailbox: its physical address, byte length, and the sync manager
// channel programmed to gate it.
type MailboxConfig struct {
	Address       uint16
	Length        uint16
	SyncManagerIx uint8
}

// PDIRange is a byte range within the shared process-data image.
type PDIRange struct {
	Start uint32
	End   uint32
}

// Len returns the range's byte length.
func (r PDIRange) Len() int { return int(r.End - r.Start) }

// LinkStatus captures one port's link/loop state from DL status (0x0110).
type LinkStatus struct {
	Up   bool
	Loop bool
}

// Record is everything the core tracks about one sub-device across the
// bring-up ladder and into cyclic operation (§3 "Sub-device record").
type Record struct {
	ConfiguredAddress uint16
	TopologyIndex     int
	Alias             uint16

	Identity     Identity
	Name         string // best-effort, "" if unavailable (§4.F item 3)
	SupportFlags uint16
	Ports        [4]LinkStatus

	ReadMailbox       MailboxConfig
	WriteMailbox      MailboxConfig
	MailboxProtocols  uint16
	MailboxCounter    uint8 // persistent, modulo-8-skip-0 CoE tag (§6 "Mailbox counter")
	CoEComplete       bool
	SyncManagerTypes  []proto.SyncManagerUsage

	Inputs  PDIRange
	Outputs PDIRange

	ALState AlErrorState
}

// AlErrorState is an AL state plus error flag reported by diagnostics
// (§5 "Supplemented features: Diagnostics snapshot"). No bring-up stage
// writes Record.ALState, so it keeps its zero value.
type AlErrorState struct {
	State   proto.AlState
	Errored bool
}

// PDOObject is one mapped object entry within a PDO (§4.I "Map"): the
// CoE index/subindex being exposed and its bit length, packed into the
// 32-bit word CoE mapping objects expect (index<<16 | subindex<<8 | bits).
type PDOObject struct {
	Index     uint16
	Subindex  uint8
	BitLength uint8
}

// Word packs the object into the 32-bit mapping-entry value.
func (o PDOObject) Word() uint32 {
	return uint32(o.Index)<<16 | uint32(o.Subindex)<<8 | uint32(o.BitLength)
}

// PDOAssignmentConfig is one PDO mapping object (e.g. 0x1600/0x1A00) and
// the process objects it assigns, as declared by the caller (§4.I).
type PDOAssignmentConfig struct {
	Index   uint16
	Objects []PDOObject
}

// ByteLen returns the PDO's total mapped size in bytes, rounded up to
// the nearest byte.
func (a PDOAssignmentConfig) ByteLen() int {
	bits := 0
	for _, o := range a.Objects {
		bits += int(o.BitLength)
	}
	return (bits + 7) / 8
}

// PDOConfigPair is a device's caller-declared PDO layout, split by
// direction (§4.I: inputs mapped before outputs, per device).
type PDOConfigPair struct {
	Inputs  []PDOAssignmentConfig
	Outputs []PDOAssignmentConfig
}

// NextMailboxTag advances and returns the device's CoE service counter.
func (r *Record) NextMailboxTag() uint8 {
	r.MailboxCounter = proto.NextMailboxCounter(r.MailboxCounter)
	return r.MailboxCounter
}
