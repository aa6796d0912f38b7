// Package wire implements the wire primitives component (§4.B): building
// one EtherCAT PDU frame and handing it to the tracker, plus submitting
// a pre-built frame. It holds no state of its own — every
// call is a thin pass-through to internal/proto (frame codec) and
// internal/tracker (submission bookkeeping).
package wire

import (
	"time"

	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/tracker"
)

// Handle is the response handle a PDU-index allocator yields: the
// (pdu_idx, frame_slot, command) triple that becomes the transaction's
// correlation key once submitted.
type Handle = tracker.Key

// Sender is the minimal tracker surface wire depends on, so stages can
// be tested against a fake tracker without pulling in the ring.
type Sender interface {
	Submit(fd int32, key tracker.Key, frame []byte, retries int, timeout time.Duration, topologyIdx, userTag int) error
}

// Send builds one PDU (cmd, adp/ado address, payload), assigns it frame
// slot 0 (single-PDU frame — used for bring-up traffic and for the
// cyclic LRW alike), and submits it through t (§4.B "send").
func Send(t Sender, fd int32, idx *proto.Index, cmd proto.Command, adp, ado uint16, payload []byte, retries int, timeout time.Duration, topologyIdx, userTag int) (Handle, error) {
	pduIdx := idx.Next()
	handle := Handle{PduIdx: pduIdx, FrameSlot: 0, Cmd: cmd}
	pdu := proto.EncodePDU(cmd, pduIdx, adp, ado, payload, false)
	if err := t.Submit(fd, handle, pdu, retries, timeout, topologyIdx, userTag); err != nil {
		return Handle{}, err
	}
	return handle, nil
}

// SendFrame submits an already-assembled multi-PDU frame (§4.B) under
// the handle belonging to its last PDU — the one whose completion the
// caller is waiting on. No stage in this module calls it.
func SendFrame(t Sender, fd int32, frame []byte, handle Handle, retries int, timeout time.Duration, topologyIdx, userTag int) error {
	return t.Submit(fd, handle, frame, retries, timeout, topologyIdx, userTag)
}
