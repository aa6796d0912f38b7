package proto

// ESC register addresses the bring-up ladder reads and writes. Names and
// offsets follow the EtherCAT slave controller register map.
const (
	RegStationAddress  uint16 = 0x0010 // FPWR target: configured station address
	RegSupportFlags    uint16 = 0x0008 // DL/feature support flags
	RegAlias           uint16 = 0x0012 // configured station alias
	RegDLStatus        uint16 = 0x0110 // port link/loop status
	RegDCRecvTimePort0 uint16 = 0x0900 // per-port receive timestamps, 4x uint32
	RegDCSysTime       uint16 = 0x0910
	RegDCRecvTime      uint16 = 0x0918 // 64-bit receive time for latch
	RegDCSysTimeOffset uint16 = 0x0920
	RegDCSysDelay      uint16 = 0x0928 // propagation delay compensation

	RegEepromControl uint16 = 0x0502
	RegEepromAddress uint16 = 0x0504
	RegEepromData    uint16 = 0x0508

	RegALControl uint16 = 0x0120
	RegALStatus  uint16 = 0x0130

	RegSyncManagerBase uint16 = 0x0800 // + n*8
	RegFMMUBase        uint16 = 0x0600 // + n*16
)

// SyncManagerRegister returns the 8-byte configuration register address
// for sync manager n.
func SyncManagerRegister(n int) uint16 { return RegSyncManagerBase + uint16(n)*8 }

// SyncManagerStatusRegister returns the 1-byte status register at offset
// 5 within a sync manager's 8-byte configuration block; bit MailboxFullBit
// reports whether a mailbox gated by this channel currently holds an
// unconsumed message.
func SyncManagerStatusRegister(smAddr uint16) uint16 { return smAddr + 5 }

// MailboxFullBit is the sync-manager status bit indicating the gated
// mailbox buffer is occupied.
const MailboxFullBit = 0x01

// FMMURegister returns the 16-byte configuration register address for
// FMMU slot n.
func FMMURegister(n int) uint16 { return RegFMMUBase + uint16(n)*16 }

// AlState is one rung of the EtherCAT AL state ladder, encoded the way the
// AL control/status registers carry it (low nibble of the low byte).
type AlState uint8

const (
	AlStateUnknown AlState = 0x00
	AlStateInit    AlState = 0x01
	AlStatePreOp   AlState = 0x02
	AlStateBoot    AlState = 0x03
	AlStateSafeOp  AlState = 0x04
	AlStateOp      AlState = 0x08
)

// alErrorBit, set in AL status, indicates the device refused the requested
// transition and latched an error code.
const alErrorBit = 0x10

func (s AlState) String() string {
	switch s &^ alErrorBit {
	case AlStateInit:
		return "Init"
	case AlStatePreOp:
		return "PreOp"
	case AlStateBoot:
		return "Boot"
	case AlStateSafeOp:
		return "SafeOp"
	case AlStateOp:
		return "Op"
	default:
		return "Unknown"
	}
}

// EncodeALControl builds the 2-byte AL control register payload requesting
// state s.
func EncodeALControl(s AlState) []byte {
	return []byte{byte(s), 0x00}
}

// DecodeALStatus parses the 2-byte AL status register payload, returning
// the reported state and whether the error bit is latched.
func DecodeALStatus(b []byte) (state AlState, errored bool) {
	if len(b) < 1 {
		return AlStateUnknown, false
	}
	raw := b[0]
	return AlState(raw &^ alErrorBit), raw&alErrorBit != 0
}

// SyncManagerUsage classifies what a sync manager channel is used for, as
// read from EEPROM category 0x0029 (SyncManager).
type SyncManagerUsage uint8

const (
	SMUsageUnused          SyncManagerUsage = 0x00
	SMUsageMailboxWrite    SyncManagerUsage = 0x01
	SMUsageMailboxRead     SyncManagerUsage = 0x02
	SMUsageProcessDataWrite SyncManagerUsage = 0x03
	SMUsageProcessDataRead  SyncManagerUsage = 0x04
)

// EepromCategory is a TLV category type in the EEPROM category list.
type EepromCategory uint16

const (
	CategoryStrings      EepromCategory = 10
	CategoryGeneral      EepromCategory = 30
	CategoryFMMU         EepromCategory = 40
	CategorySyncManager  EepromCategory = 41
	CategoryTxPDO        EepromCategory = 50
	CategoryRxPDO        EepromCategory = 51
	CategoryEnd          EepromCategory = 0xFFFF
)

// EepromDefaultMailboxWord is the EEPROM word address of the 26-byte
// DefaultMailbox record (bootstrap mailbox addr/len/protocols).
const EepromDefaultMailboxWord uint16 = 0x0018

// EepromIdentityWord is the EEPROM word address of the identity block
// (vendor id, product code, revision, serial; four 32-bit words). The
// Init stage reads its first 8 bytes: vendor id and product code.
const EepromIdentityWord uint16 = 0x0008

// FMMUUsage marks whether an EEPROM FMMU-category slot is intended for
// inputs, outputs, or unused.
type FMMUUsage uint8

const (
	FMMUUnused  FMMUUsage = 0x00
	FMMUInputs  FMMUUsage = 0x01
	FMMUOutputs FMMUUsage = 0x02
)

// SM type enumeration address used by complete-access SDO upload during
// mailbox configuration (§4.H step 7).
const SMTypeObjectIndex uint16 = 0x1C00
