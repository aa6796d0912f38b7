// Package eeprom implements the EEPROM reader component (§4.C): the
// shared request/wait/read register cycle plus three readers layered on
// top of it (range, category, string). Each reader owns no buffer of
// its own — callers provide the destination slice — and advances by a
// single Update(payload, userTag) call per completion, matching the
// "one completion processed to quiescence before the next is pulled"
// discipline the whole core follows.
package eeprom

import (
	"time"

	"github.com/w-utter/ecat/internal/coreerr"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/wire"
)

// eepromChunkBytes is the page size one ReadData completion returns:
// two 16-bit EEPROM words, the common case across ESC implementations.
const (
	eepromChunkBytes = 4
	eepromChunkWords = eepromChunkBytes / 2
	eepromBusyBit    = 1 << 15
	eepromCmdRead    = 0x0100
)

type cycleState int

const (
	csRequestRead cycleState = iota
	csWaitForDevice
	csReadData
	csDone
)

// RegisterCycle drives one {RequestRead -> WaitForDevice -> ReadData}
// cycle against a single sub-device's EEPROM control/address/data
// registers (§4.C "Register cycle").
type RegisterCycle struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	addr    uint16
	retries int
	timeout time.Duration

	state cycleState
	out   []byte // exactly eepromChunkBytes long
}

// NewRegisterCycle constructs a cycle targeting sub-device station
// address addr.
func NewRegisterCycle(sender wire.Sender, fd int32, idx *proto.Index, addr uint16, retries int, timeout time.Duration) *RegisterCycle {
	return &RegisterCycle{sender: sender, fd: fd, idx: idx, addr: addr, retries: retries, timeout: timeout}
}

// Start issues the RequestRead PDU for wordAddr, writing the read result
// into out (which must be eepromChunkBytes long) once Done.
func (c *RegisterCycle) Start(wordAddr uint16, out []byte, userTag int) (wire.Handle, error) {
	if len(out) != eepromChunkBytes {
		return wire.Handle{}, coreerr.New("eeprom.start", coreerr.CodeWireCodec, "destination buffer must be eepromChunkBytes long")
	}
	c.out = out
	c.state = csRequestRead
	payload := make([]byte, 6)
	payload[0] = byte(eepromCmdRead)
	payload[1] = byte(eepromCmdRead >> 8)
	payload[2] = byte(wordAddr)
	payload[3] = byte(wordAddr >> 8)
	h, err := wire.Send(c.sender, c.fd, c.idx, proto.CmdFPWR, c.addr, proto.RegEepromControl, payload, c.retries, c.timeout, -1, userTag)
	if err != nil {
		return wire.Handle{}, err
	}
	return h, nil
}

// Update advances the cycle on the next completion, returning done=true
// once out has been filled. A non-nil retryHandle means the cycle
// re-issued a poll or read PDU that the caller must keep tracking.
func (c *RegisterCycle) Update(payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	switch c.state {
	case csRequestRead:
		// The request write's ack carries nothing to inspect; start
		// polling the control/status register for the busy bit.
		h, err := wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, proto.RegEepromControl, nil, c.retries, c.timeout, -1, userTag)
		if err != nil {
			return false, nil, err
		}
		c.state = csWaitForDevice
		return false, &h, nil
	case csWaitForDevice:
		if len(payload) < 2 {
			return false, nil, coreerr.New("eeprom.update", coreerr.CodeWireCodec, "short eeprom control poll reply")
		}
		status := uint16(payload[0]) | uint16(payload[1])<<8
		if status&eepromBusyBit != 0 {
			h, err := wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, proto.RegEepromControl, nil, c.retries, c.timeout, -1, userTag)
			if err != nil {
				return false, nil, err
			}
			return false, &h, nil
		}
		h, err := wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, proto.RegEepromData, nil, c.retries, c.timeout, -1, userTag)
		if err != nil {
			return false, nil, err
		}
		c.state = csReadData
		return false, &h, nil
	case csReadData:
		if len(payload) < eepromChunkBytes {
			return false, nil, coreerr.New("eeprom.update", coreerr.CodeWireCodec, "short eeprom data reply")
		}
		copy(c.out, payload[:eepromChunkBytes])
		c.state = csDone
		return true, nil, nil
	default:
		return false, nil, coreerr.New("eeprom.update", coreerr.CodeWireCodec, "cycle update called with nothing pending")
	}
}

// RangeReader reads a contiguous byte range into dst, advancing the
// EEPROM word address by the chunk word count and handling an odd
// starting byte offset (§4.C "Range reader").
type RangeReader struct {
	cycle     *RegisterCycle
	wordAddr  uint16
	oddOffset bool
	dst       []byte
	written   int
	buf       [eepromChunkBytes]byte
}

// NewRangeReader starts reading byteLen bytes beginning at byte offset
// byteOffset (word address byteOffset/2, with byteOffset%2 selecting
// within the first word) into dst.
func NewRangeReader(cycle *RegisterCycle, byteOffset uint16, dst []byte) *RangeReader {
	return &RangeReader{
		cycle:     cycle,
		wordAddr:  byteOffset / 2,
		oddOffset: byteOffset%2 != 0,
		dst:       dst,
	}
}

// Start issues the first chunk read.
func (r *RangeReader) Start(userTag int) (wire.Handle, error) {
	return r.cycle.Start(r.wordAddr, r.buf[:], userTag)
}

// Update advances the reader, returning done=true once dst is full.
func (r *RangeReader) Update(payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	done, retryHandle, err = r.cycle.Update(payload, userTag)
	if err != nil || !done {
		return done, retryHandle, err
	}

	chunk := r.buf[:]
	if r.oddOffset {
		chunk = chunk[1:]
		r.oddOffset = false
	}
	n := copy(r.dst[r.written:], chunk)
	r.written += n
	r.wordAddr += eepromChunkWords

	if r.written >= len(r.dst) {
		return true, nil, nil
	}
	h, err := r.cycle.Start(r.wordAddr, r.buf[:], userTag)
	if err != nil {
		return false, nil, err
	}
	return false, &h, nil
}

// Category is one parsed EEPROM TLV category list entry.
type Category struct {
	Type        proto.EepromCategory
	WordAddress uint16 // first payload word's address
	ByteLength  int
}

// maxEmptyCategories bounds the category iterator against a malformed
// EEPROM that never reports End (§4.C "Category iterator").
const maxEmptyCategories = 32

// CategoryIterator scans the EEPROM category list for a desired type.
type CategoryIterator struct {
	cycle        *RegisterCycle
	want         proto.EepromCategory
	addr         uint16
	startAddr    uint16
	emptyStreak  int
	buf          [eepromChunkBytes]byte
	pendingType  proto.EepromCategory
}

// NewCategoryIterator starts scanning at the category-list base
// (conventionally word 0x0040) for category want.
func NewCategoryIterator(cycle *RegisterCycle, want proto.EepromCategory) *CategoryIterator {
	return &CategoryIterator{cycle: cycle, want: want, addr: 0x0040, startAddr: 0x0040}
}

// Start issues the first category-header read.
func (it *CategoryIterator) Start(userTag int) (wire.Handle, error) {
	return it.cycle.Start(it.addr, it.buf[:], userTag)
}

// Update advances the iterator. found=false with done=true and err=nil
// means the category list ended without a match (§8 property 7).
func (it *CategoryIterator) Update(payload []byte, userTag int) (done, found bool, cat Category, retryHandle *wire.Handle, err error) {
	d, retry, err := it.cycle.Update(payload, userTag)
	if err != nil || !d {
		return false, false, Category{}, retry, err
	}

	ctype := proto.EepromCategory(uint16(it.buf[0]) | uint16(it.buf[1])<<8)
	lenWords := uint16(it.buf[2]) | uint16(it.buf[3])<<8

	if ctype == proto.CategoryEnd {
		return true, false, Category{}, nil, nil
	}
	if ctype == it.want {
		return true, true, Category{Type: ctype, WordAddress: it.addr + 2, ByteLength: int(lenWords) * 2}, nil, nil
	}

	if lenWords == 0 {
		it.emptyStreak++
	} else {
		it.emptyStreak = 0
	}
	if it.emptyStreak > maxEmptyCategories {
		return true, false, Category{}, nil, nil
	}

	next := it.addr + 2 + lenWords
	if next <= it.addr { // wrapped
		return true, false, Category{}, nil, nil
	}
	it.addr = next

	h, err := it.cycle.Start(it.addr, it.buf[:], userTag)
	if err != nil {
		return false, false, Category{}, nil, err
	}
	return false, false, Category{}, &h, nil
}

// StringReader walks an EEPROM strings region (leading count, then
// repeated (len-byte, bytes) entries) to the N-th string, 1-based, 0
// meaning "no string" (§4.C "String reader"). It tracks its read
// position as a byte offset from the region's base, not a word index:
// every fetch pulls a 2-word (4-byte) chunk, so a field that starts on
// an odd byte is the second byte of that chunk, never the first of a
// fresh one (eeprom.rs StringReader::update: skip = offset % 2).
// Locating the target entry done, it hands off to a RangeReader —
// already odd-offset-aware — to copy the string's bytes into dst.
type StringReader struct {
	cycle    *RegisterCycle
	baseWord uint16
	want     int
	dst      []byte
	written  int
	buf      [eepromChunkBytes]byte

	offset int // bytes consumed from the region base so far
	first  bool
	count  int
	curIdx int

	data *RangeReader
}

// NewStringReader starts at the strings region base word address and
// walks to string index want, copying up to len(dst) bytes of it.
func NewStringReader(cycle *RegisterCycle, baseWordAddr uint16, want int, dst []byte) *StringReader {
	return &StringReader{cycle: cycle, baseWord: baseWordAddr, want: want, dst: dst}
}

// Start issues the leading-count read. If want is 0 the reader is
// immediately done with zero bytes copied (spec: index 0 means
// "no string").
func (s *StringReader) Start(userTag int) (wire.Handle, bool, error) {
	if s.want == 0 {
		return wire.Handle{}, true, nil
	}
	s.first = true
	h, err := s.fetch(userTag)
	return h, false, err
}

func (s *StringReader) fetch(userTag int) (wire.Handle, error) {
	return s.cycle.Start(s.baseWord+uint16(s.offset/2), s.buf[:], userTag)
}

// Written reports how many bytes of dst hold copied string data; the
// caller trims dst to this length rather than assuming dst is fully
// populated (dst is typically sized to the longest string a caller
// expects, not the actual string's length).
func (s *StringReader) Written() int { return s.written }

// Update advances the reader, returning done=true once the target
// string (or as much of it as fits in dst) has been copied.
func (s *StringReader) Update(payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	if s.data != nil {
		d, retry, err := s.data.Update(payload, userTag)
		if err != nil || !d {
			return false, retry, err
		}
		s.written = len(s.dst)
		return true, nil, nil
	}

	d, retry, err := s.cycle.Update(payload, userTag)
	if err != nil || !d {
		return false, retry, err
	}

	skip := s.offset % 2
	bytes := s.buf[skip:]

	var entryLen int
	if s.first {
		s.first = false
		s.count = int(bytes[0])
		if s.want > s.count {
			return true, nil, nil
		}
		// The count byte and entry 1's length byte share the same
		// fetched word: read len1 from bytes[1] here instead of
		// advancing a full word and re-fetching, which would read
		// raw string data as the length field.
		entryLen = int(bytes[1])
		s.offset++
		s.curIdx = 1
	} else {
		entryLen = int(bytes[0])
		s.curIdx++
	}
	s.offset++

	if s.curIdx == s.want {
		n := entryLen
		if n > len(s.dst) {
			n = len(s.dst)
		}
		s.dst = s.dst[:n]
		s.data = NewRangeReader(s.cycle, s.baseWord*2+uint16(s.offset), s.dst)
		h, err := s.data.Start(userTag)
		return false, &h, err
	}

	s.offset += entryLen
	h, err := s.fetch(userTag)
	if err != nil {
		return false, nil, err
	}
	return false, &h, nil
}
