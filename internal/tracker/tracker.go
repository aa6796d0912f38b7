// Package tracker implements the transaction tracker & timeout/retry
// engine (§4.A): the per-correlation-id entry table and the submit /
// on_write_completion / on_timeout_fire / on_receive / on_timeout_clear
// state machine every bring-up and cyclic stage drives its PDUs through.
//
// This generalizes the teacher's per-tag TagState array and
// tagMutexes-guarded ioLoop to a map[uint64]*entry keyed on the
// correlation id, run from the single execution context of the root
// driver's completion pump. There is no lock here by design: every
// method is called from that one context, never concurrently.
package tracker

import (
	"fmt"
	"time"

	"github.com/w-utter/ecat/internal/coreerr"
	"github.com/w-utter/ecat/internal/logging"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/ring"
	"github.com/w-utter/ecat/internal/telemetry"
)

// Correlation id layout (§3 "Correlation id"): the low 24 bits are the
// PDU key (pdu_idx | frame_slot<<8 | command_code<<16), collision-free
// across outstanding transactions because the PDU index allocator is
// global and monotonic. The event-class bits sit above that.
const (
	pduKeyBits = 24
	pduKeyMask = uint64(1)<<pduKeyBits - 1

	// WriteMask tags the write-completion SQE for a transaction.
	WriteMask = uint64(1) << pduKeyBits
	// TimeoutMask tags the multi-shot timeout SQE for a transaction.
	TimeoutMask = uint64(1) << (pduKeyBits + 1)
	// TimeoutClearMask tags the TimeoutRemove completion that finally
	// retires a transaction (the TIMEOUT_CLEAR terminal event).
	TimeoutClearMask = uint64(1) << (pduKeyBits + 2)
)

// Key is the PDU key component of a correlation id: (pdu_idx, frame_slot,
// command). It identifies one in-flight transaction regardless of which
// event-class bit is set on a given completion's user_data.
type Key struct {
	PduIdx    uint8
	FrameSlot uint8
	Cmd       proto.Command
}

func (k Key) id() uint64 {
	return uint64(k.PduIdx) | uint64(k.FrameSlot)<<8 | uint64(k.Cmd)<<16
}

func keyFromID(id uint64) Key {
	base := id & pduKeyMask
	return Key{
		PduIdx:    uint8(base),
		FrameSlot: uint8(base >> 8),
		Cmd:       proto.Command(base >> 16),
	}
}

// Completion is delivered to the caller when a transaction's
// TIMEOUT_CLEAR event fires and a response had already arrived: the
// terminal, successful outcome of submit().
type Completion struct {
	Key         Key
	Header      proto.PDUHeader
	Payload     []byte
	WKC         uint16
	TopologyIdx int // -1 if not attributed to one device
	UserTag     int // -1 if unset
}

type entry struct {
	key         Key
	frame       []byte
	retriesLeft int
	topologyIdx int
	userTag     int
	fd          int32
	timeout     time.Duration
	received    *Completion
}

// Tracker owns the correlation-id entry table and the ring submissions
// backing it. One Tracker serves the whole segment; it is driven
// exclusively by the root driver's completion pump.
type Tracker struct {
	r        *ring.Ring
	logger   *logging.Logger
	observer telemetry.Observer

	maxFrames int
	entries   map[uint64]*entry
}

// New constructs a Tracker bounded to maxFrames concurrently outstanding
// transactions (§6 "Runtime options": MaxFrames).
func New(r *ring.Ring, maxFrames int, observer telemetry.Observer) *Tracker {
	if observer == nil {
		observer = telemetry.NoopObserver{}
	}
	return &Tracker{
		r:         r,
		logger:    logging.Default().With("tracker"),
		observer:  observer,
		maxFrames: maxFrames,
		entries:   make(map[uint64]*entry, maxFrames),
	}
}

// InFlight returns the number of outstanding transactions.
func (t *Tracker) InFlight() int { return len(t.entries) }

// Submit queues a write of frame to fd and a multi-shot timeout guarding
// it, registering a new transaction keyed by key (§4.A "submit"). retries
// is the number of retransmissions attempted before the transaction is
// declared timed out; topologyIdx/userTag are opaque context returned
// unchanged on completion (-1 for either means "unset"). frame must not
// be mutated by the caller until the transaction completes or times out:
// the tracker keeps a reference, not a copy, to avoid a per-PDU
// allocation on the hot path.
func (t *Tracker) Submit(fd int32, key Key, frame []byte, retries int, timeout time.Duration, topologyIdx, userTag int) error {
	id := key.id()
	if _, exists := t.entries[id]; exists {
		return ecatCapacityErr("tracker.submit", "correlation id already in flight (idx/slot/cmd collision)")
	}
	if len(t.entries) >= t.maxFrames {
		return ecatCapacityErr("tracker.submit", "max in-flight transactions reached")
	}

	e := &entry{
		key:         key,
		frame:       frame,
		retriesLeft: retries,
		topologyIdx: topologyIdx,
		userTag:     userTag,
		fd:          fd,
		timeout:     timeout,
	}

	if err := t.submitWrite(e); err != nil {
		return err
	}
	if err := t.flushRetry(func() error {
		return t.r.PrepTimeout(timeout, id|TimeoutMask)
	}); err != nil {
		return ioSubmitErr("tracker.submit", err)
	}

	t.entries[id] = e
	t.observer.ObserveSubmit(key.Cmd.String())
	return nil
}

func (t *Tracker) submitWrite(e *entry) error {
	id := e.key.id()
	if err := t.flushRetry(func() error {
		return t.r.PrepWrite(e.fd, e.frame, id|WriteMask)
	}); err != nil {
		return ioSubmitErr("tracker.submit", err)
	}
	return nil
}

// flushRetry attempts prep, and if the submission queue is full, flushes
// already-queued SQEs with one Submit() and retries a bounded number of
// times before giving up. This mirrors the teacher's batched-submission
// discipline: prepare many SQEs, one flush syscall, rather than
// submitting per-SQE.
func (t *Tracker) flushRetry(prep func() error) error {
	const maxAttempts = 8
	for i := 0; i < maxAttempts; i++ {
		err := prep()
		if err == nil {
			return nil
		}
		if err != ring.ErrRingFull {
			return err
		}
		if _, subErr := t.r.Submit(); subErr != nil {
			return subErr
		}
	}
	return ring.ErrRingFull
}

// OnWriteCompletion handles the write-completion CQE for userData
// (§4.A "on_write_completion"). A failed write is not retried here: the
// matching multi-shot timeout will still fire and drive a retry, keeping
// a single retry path.
func (t *Tracker) OnWriteCompletion(userData uint64, res int32) {
	id := userData &^ WriteMask
	e, ok := t.entries[id]
	if !ok {
		t.observer.ObserveSpurious()
		return
	}
	if res < 0 {
		t.logger.Warn("write completion failed", "cmd", e.key.Cmd, "idx", e.key.PduIdx, "res", res)
	}
}

// OnTimeoutFire handles one firing of a transaction's multi-shot timeout
// (§4.A "on_timeout_fire"). cancelled is true when the firing's res
// indicates the timeout SQE was cancelled (-ECANCELED) rather than
// genuinely elapsed, which happens when TimeoutRemove raced a firing;
// a cancelled firing is ignored. Otherwise: if retries remain, the
// transaction's write is resubmitted in place (no new transaction, no
// new correlation id); if none remain, a TimeoutRemove is queued to
// retire the transaction via the terminal TIMEOUT_CLEAR event.
func (t *Tracker) OnTimeoutFire(userData uint64, cancelled bool) error {
	id := userData &^ TimeoutMask
	e, ok := t.entries[id]
	if !ok {
		t.observer.ObserveSpurious()
		return nil
	}
	if cancelled {
		return nil
	}
	if e.received != nil {
		// Response already landed; let TimeoutRemove's completion retire it.
		return nil
	}
	if e.retriesLeft > 0 {
		e.retriesLeft--
		t.observer.ObserveRetry(e.key.Cmd.String())
		t.logger.Debug("retrying transaction", "cmd", e.key.Cmd, "idx", e.key.PduIdx, "left", e.retriesLeft)
		return t.submitWrite(e)
	}
	t.observer.ObserveTimeout(e.key.Cmd.String())
	if err := t.flushRetry(func() error {
		return t.r.PrepTimeoutRemove(id|TimeoutMask, id|TimeoutClearMask)
	}); err != nil {
		return ioSubmitErr("tracker.on_timeout_fire", err)
	}
	return nil
}

// OnReceive matches a decoded PDU from a received frame against its
// transaction by (pdu_idx, frame_slot, command) and stashes the response
// (§4.A "on_receive"). frameSlot is the PDU's position within the
// received frame, known to the caller from the decode loop. A PDU with
// no matching transaction is spurious: a late response for an already
// timed-out/retired transaction, or a frame the tracker never submitted.
func (t *Tracker) OnReceive(frameSlot uint8, header proto.PDUHeader, payload []byte, wkc uint16) error {
	key := Key{PduIdx: header.Idx, FrameSlot: frameSlot, Cmd: header.Cmd}
	id := key.id()
	e, ok := t.entries[id]
	if !ok {
		t.observer.ObserveSpurious()
		return nil
	}
	e.received = &Completion{
		Key:         key,
		Header:      header,
		Payload:     append([]byte(nil), payload...),
		WKC:         wkc,
		TopologyIdx: e.topologyIdx,
		UserTag:     e.userTag,
	}
	return t.flushRetry(func() error {
		return t.r.PrepTimeoutRemove(id|TimeoutMask, id|TimeoutClearMask)
	})
}

// OnTimeoutClear handles a transaction's terminal TIMEOUT_CLEAR event
// (§4.A "on_timeout_clear"): the transaction is removed from the table
// and either its stashed response is returned, or a Timeout error if
// none ever arrived.
func (t *Tracker) OnTimeoutClear(userData uint64) (*Completion, error) {
	id := userData &^ TimeoutClearMask
	e, ok := t.entries[id]
	if !ok {
		t.observer.ObserveSpurious()
		return nil, nil
	}
	delete(t.entries, id)
	if e.received != nil {
		return e.received, nil
	}
	return nil, timeoutErr("tracker.on_timeout_clear", e.key)
}

// Dispatch routes a raw ring completion to the matching tracker method
// by inspecting its event-class bits, returning a non-nil Completion
// only for a successfully-resolved transaction. It does not handle
// receive-side completions (multi-shot recv buffer deliveries): those
// carry no event-class bit and must be decoded and routed to OnReceive
// by the caller, once per PDU found in the frame.
func (t *Tracker) Dispatch(cqe ring.CQE) (*Completion, error) {
	switch {
	case cqe.UserData&WriteMask != 0:
		t.OnWriteCompletion(cqe.UserData, cqe.Res)
		return nil, nil
	case cqe.UserData&TimeoutMask != 0:
		cancelled := cqe.Res == -int32(ecanceled)
		return nil, t.OnTimeoutFire(cqe.UserData, cancelled)
	case cqe.UserData&TimeoutClearMask != 0:
		return t.OnTimeoutClear(cqe.UserData)
	default:
		return nil, nil
	}
}

// IsReceiveCompletion reports whether a raw completion is a multi-shot
// recv buffer delivery rather than a tracker event, i.e. it carries none
// of the tracker's event-class bits.
func IsReceiveCompletion(userData uint64) bool {
	return userData&(WriteMask|TimeoutMask|TimeoutClearMask) == 0
}

// ecanceled is ECANCELED's numeric value, checked against a CQE's Res
// without pulling in golang.org/x/sys/unix here.
const ecanceled = 125

func ecatCapacityErr(op, msg string) *coreerr.Error { return coreerr.New(op, coreerr.CodeCapacity, msg) }

func ioSubmitErr(op string, inner error) *coreerr.Error {
	return coreerr.Wrap(op, coreerr.CodeIoSubmit, inner)
}

func timeoutErr(op string, key Key) *coreerr.Error {
	return coreerr.New(op, coreerr.CodeTimeout, fmt.Sprintf("no response for %s idx=%d slot=%d", key.Cmd, key.PduIdx, key.FrameSlot))
}
