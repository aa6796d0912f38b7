package proto

import (
	"encoding/binary"
	"fmt"
)

// MailboxType identifies the application protocol carried in a mailbox
// message. CoE (CANopen over EtherCAT) is the only one this core speaks.
type MailboxType uint8

const (
	MailboxTypeCoE MailboxType = 0x03
)

const mailboxHeaderLen = 6

// EncodeMailboxHeader builds the 6-byte mailbox header wrapping payload.
// counter is the per-device, modulo-8 (skipping 0) CoE service counter.
func EncodeMailboxHeader(payloadLen uint16, address uint16, channel uint8, priority uint8, mtype MailboxType, counter uint8) []byte {
	buf := make([]byte, mailboxHeaderLen)
	binary.LittleEndian.PutUint16(buf[0:2], payloadLen)
	binary.LittleEndian.PutUint16(buf[2:4], address)
	buf[4] = (priority << 6) | (channel & 0x3F)
	buf[5] = (counter << 4) | byte(mtype)
	return buf
}

// MailboxHeader is a decoded mailbox header.
type MailboxHeader struct {
	Len     uint16
	Address uint16
	Channel uint8
	Type    MailboxType
	Counter uint8
}

// DecodeMailboxHeader parses the 6-byte mailbox header from the front of b.
func DecodeMailboxHeader(b []byte) (MailboxHeader, error) {
	if len(b) < mailboxHeaderLen {
		return MailboxHeader{}, fmt.Errorf("proto: short mailbox header")
	}
	return MailboxHeader{
		Len:     binary.LittleEndian.Uint16(b[0:2]),
		Address: binary.LittleEndian.Uint16(b[2:4]),
		Channel: b[4] & 0x3F,
		Type:    MailboxType(b[5] & 0x0F),
		Counter: b[5] >> 4,
	}, nil
}

// NextMailboxCounter advances the per-device CoE counter, modulo 8 and
// skipping 0 (0 is reserved to mean "no previous service").
func NextMailboxCounter(c uint8) uint8 {
	c++
	if c == 0 || c > 7 {
		c = 1
	}
	return c
}

// CoE command specifiers for SDO initiate download/upload.
const (
	sdoCCSDownloadInitiate uint8 = 1
	sdoCCSUploadInitiate   uint8 = 2
	sdoSCSDownloadInitiate uint8 = 3
	sdoSCSUploadInitiate   uint8 = 2
)

// coeServiceSDORequest / coeServiceSDOResponse are the CoE service codes
// carried in the top 4 bits of the first CoE header byte.
const (
	coeServiceSDORequest  uint8 = 0x2
	coeServiceSDOResponse uint8 = 0x3
)

// EncodeSDODownload builds an expedited SDO download request (up to 4
// bytes, packed little-endian per §4.D "SDO write").
func EncodeSDODownload(index uint16, subindex uint8, completeAccess bool, value []byte) ([]byte, error) {
	if len(value) > 4 {
		return nil, fmt.Errorf("proto: expedited SDO download limited to 4 bytes, got %d", len(value))
	}
	buf := make([]byte, 2+10)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(coeServiceSDORequest)<<12)
	sizeBits := 4 - len(value)
	b0 := (sdoCCSDownloadInitiate << 5) | boolBit(completeAccess, 4) | byte(sizeBits<<2) | (1 << 1) | 1
	buf[2] = b0
	binary.LittleEndian.PutUint16(buf[3:5], index)
	buf[5] = subindex
	copy(buf[6:10], value)
	return buf, nil
}

// EncodeSDOUploadRequest builds an SDO upload request for index/subindex.
func EncodeSDOUploadRequest(index uint16, subindex uint8, completeAccess bool) []byte {
	buf := make([]byte, 2+10)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(coeServiceSDORequest)<<12)
	b0 := (sdoCCSUploadInitiate << 5) | boolBit(completeAccess, 4)
	buf[2] = b0
	binary.LittleEndian.PutUint16(buf[3:5], index)
	buf[5] = subindex
	return buf
}

func boolBit(v bool, shift uint) byte {
	if v {
		return 1 << shift
	}
	return 0
}

// SDOUploadResult is the decoded payload of an SDO upload response.
type SDOUploadResult struct {
	Index      uint16
	Subindex   uint8
	Expedited  bool
	Data       []byte
}

// DecodeSDOUploadResponse parses an SDO upload response out of a CoE
// mailbox payload (the 2-byte CoE header followed by the 10-byte SDO
// service area).
func DecodeSDOUploadResponse(b []byte) (SDOUploadResult, error) {
	if len(b) < 12 {
		return SDOUploadResult{}, fmt.Errorf("proto: short SDO upload response")
	}
	coeHdr := binary.LittleEndian.Uint16(b[0:2])
	if service := uint8(coeHdr >> 12); service != coeServiceSDOResponse {
		return SDOUploadResult{}, fmt.Errorf("proto: expected SDO response service, got %d", service)
	}
	b0 := b[2]
	ccs := b0 >> 5
	if ccs != sdoSCSUploadInitiate {
		return SDOUploadResult{}, fmt.Errorf("proto: expected upload-initiate response, got ccs=%d", ccs)
	}
	expedited := b0&(1<<1) != 0
	sizeIndicator := b0&1 != 0
	index := binary.LittleEndian.Uint16(b[3:5])
	subindex := b[5]

	if expedited {
		sizeBits := (b0 >> 2) & 0x3
		n := 4
		if sizeIndicator {
			n = 4 - int(sizeBits)
		}
		if n < 0 || n > 4 {
			return SDOUploadResult{}, fmt.Errorf("proto: invalid expedited size %d", n)
		}
		return SDOUploadResult{Index: index, Subindex: subindex, Expedited: true, Data: append([]byte(nil), b[6:6+n]...)}, nil
	}

	totalSize := binary.LittleEndian.Uint32(b[6:10])
	rest := b[10:]
	if uint32(len(rest)) < totalSize {
		return SDOUploadResult{}, fmt.Errorf("proto: inconsistent SDO normal-transfer size: declared %d, have %d", totalSize, len(rest))
	}
	return SDOUploadResult{Index: index, Subindex: subindex, Expedited: false, Data: append([]byte(nil), rest[:totalSize]...)}, nil
}

// DecodeSDODownloadAck validates an SDO download acknowledgement carries
// the expected index/subindex and no abort.
func DecodeSDODownloadAck(b []byte, wantIndex uint16, wantSubindex uint8) error {
	if len(b) < 12 {
		return fmt.Errorf("proto: short SDO download response")
	}
	coeHdr := binary.LittleEndian.Uint16(b[0:2])
	if service := uint8(coeHdr >> 12); service != coeServiceSDOResponse {
		return fmt.Errorf("proto: expected SDO response service, got %d", service)
	}
	b0 := b[2]
	if ccs := b0 >> 5; ccs != sdoSCSDownloadInitiate {
		return fmt.Errorf("proto: expected download-initiate response, got ccs=%d", ccs)
	}
	index := binary.LittleEndian.Uint16(b[3:5])
	subindex := b[5]
	if index != wantIndex || subindex != wantSubindex {
		return fmt.Errorf("proto: SDO download ack mismatch: got (0x%04x,%d) want (0x%04x,%d)", index, subindex, wantIndex, wantSubindex)
	}
	return nil
}
