package ring

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// BufferRing is a ring of fixed-size buffers the kernel selects from for
// multi-shot receives, per §6 "a ring of N buffers each sized MTU+18".
type BufferRing struct {
	bgid    uint16
	bufSize uint32
	count   uint16
	storage []byte
	gr      *giouring.BufAndRing
}

// SetupBufferRing registers count buffers of bufSize bytes each under
// buffer group bgid and returns a handle for recycling them after use.
func (r *Ring) SetupBufferRing(bgid uint16, count uint16, bufSize uint32) (*BufferRing, error) {
	storage := make([]byte, int(count)*int(bufSize))

	br, err := r.ring.SetupBufRing(uint32(count), bgid, 0)
	if err != nil {
		return nil, fmt.Errorf("ring: setup_buf_ring: %w", err)
	}

	out := &BufferRing{bgid: bgid, bufSize: bufSize, count: count, storage: storage, gr: br}
	for i := uint16(0); i < count; i++ {
		out.addBuffer(i)
	}
	r.bufRing = out
	return out, nil
}

func (br *BufferRing) addBuffer(idx uint16) {
	off := int(idx) * int(br.bufSize)
	ptr := unsafe.Pointer(&br.storage[off])
	br.gr.BufRingAdd(ptr, br.bufSize, idx, giouring.BufRingMask(uint32(br.count)), 0)
}

// BufferAt returns a view of buffer idx's bytes, truncated to n.
func (br *BufferRing) BufferAt(idx uint16, n int) []byte {
	off := int(idx) * int(br.bufSize)
	return br.storage[off : off+n]
}

// Recycle returns buffer idx to the kernel-visible ring for reuse, and
// must be called once the consumer is done reading BufferAt(idx, ...).
func (br *BufferRing) Recycle(idx uint16) {
	br.addBuffer(idx)
	br.gr.BufRingAdvance(1)
}

func (br *BufferRing) close(r *giouring.Ring) {
	if br.gr != nil {
		r.FreeBufRing(br.gr)
	}
}
