// Package ring binds the core's completion-based async I/O dependency
// (§6 "Submission contract") to a real io_uring. It exposes exactly the
// four opcode families the core needs — Write, multi-shot Timeout,
// TimeoutRemove, and a buffer-ring-backed multi-shot Recv — and nothing
// else; everything else an io_uring can do is out of scope here the same
// way raw frame codecs are out of scope for the rest of the core.
package ring

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/w-utter/ecat/internal/logging"
)

// ErrRingFull is returned when the submission queue has no free entry.
// The caller (the transaction tracker) is responsible for flushing
// already-prepared work and retrying a bounded number of times.
var ErrRingFull = errors.New("ring: submission queue full")

// CQE is the subset of a completion queue event the core consumes.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Ring wraps a giouring.Ring, queueing SQEs without submitting them until
// Submit/SubmitAndWait is called, matching the teacher's
// prepare-then-flush-in-one-syscall discipline.
type Ring struct {
	ring    *giouring.Ring
	logger  *logging.Logger
	bufRing *BufferRing
}

// New creates a ring with room for entries in-flight submissions.
func New(entries uint32) (*Ring, error) {
	logger := logging.Default().With("ring")
	logger.Debug("setting up io_uring", "entries", entries)

	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("ring: io_uring_setup: %w", err)
	}
	return &Ring{ring: r, logger: logger}, nil
}

// Close tears down the ring and any registered buffer ring.
func (r *Ring) Close() error {
	if r.bufRing != nil {
		r.bufRing.close(r.ring)
	}
	if r.ring != nil {
		r.ring.QueueExit()
	}
	return nil
}

func (r *Ring) getSQE() (*giouring.SubmissionQueueEntry, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrRingFull
	}
	return sqe, nil
}

// PrepWrite queues a write of data to fd, tagged with userData. data must
// remain valid and unmoved until the completion for userData arrives
// (it backs the transaction entry's scratch buffer).
func (r *Ring) PrepWrite(fd int32, data []byte, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	var ptr uintptr
	if len(data) > 0 {
		ptr = uintptr(unsafe.Pointer(&data[0]))
	}
	sqe.PrepWrite(fd, ptr, uint32(len(data)), 0)
	sqe.UserData = userData
	return nil
}

// PrepTimeout queues a multi-shot relative timeout that re-fires every d
// until cancelled by PrepTimeoutRemove.
func (r *Ring) PrepTimeout(d time.Duration, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	giouringTs := &giouring.Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
	sqe.PrepTimeout(giouringTs, 0, giouring.TimeoutMultishot)
	sqe.UserData = userData
	return nil
}

// PrepTimeoutRemove queues cancellation of the multi-shot timeout tagged
// with targetUserData. The completion for userData is the terminal
// TIMEOUT_CLEAR event.
func (r *Ring) PrepTimeoutRemove(targetUserData, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepTimeoutRemove(targetUserData, 0)
	sqe.UserData = userData
	return nil
}

// PrepMultishotRecv queues a multi-shot receive on fd, delivering each
// datagram into a buffer drawn from the ring's registered buffer group.
// SetupBufferRing must be called once before the first call.
func (r *Ring) PrepMultishotRecv(fd int32, userData uint64) error {
	if r.bufRing == nil {
		return fmt.Errorf("ring: no buffer ring registered")
	}
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepRecvMultishot(fd, 0, 0, 0)
	sqe.Flags |= giouring.SqeBufferSelect
	sqe.BufIG = r.bufRing.bgid
	sqe.UserData = userData
	return nil
}

// Submit flushes all queued SQEs with a single syscall, returning the
// number submitted.
func (r *Ring) Submit() (uint32, error) {
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("ring: submit: %w", err)
	}
	return n, nil
}

// SubmitAndWait flushes queued SQEs and blocks until at least waitNr
// completions are ready.
func (r *Ring) SubmitAndWait(waitNr uint32) (uint32, error) {
	n, err := r.ring.SubmitAndWait(waitNr)
	if err != nil {
		return 0, fmt.Errorf("ring: submit_and_wait: %w", err)
	}
	return n, nil
}

// PeekCQE returns the next completion without blocking, ok=false if none
// is ready.
func (r *Ring) PeekCQE() (CQE, bool, error) {
	cqe, err := r.ring.PeekCQE()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return CQE{}, false, nil
		}
		return CQE{}, false, fmt.Errorf("ring: peek_cqe: %w", err)
	}
	out := CQE{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
	r.ring.CQESeen(cqe)
	return out, true, nil
}

// WaitCQE blocks for the next completion.
func (r *Ring) WaitCQE() (CQE, error) {
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return CQE{}, fmt.Errorf("ring: wait_cqe: %w", err)
	}
	out := CQE{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
	r.ring.CQESeen(cqe)
	return out, nil
}

// BufferID extracts the buffer-ring index a multi-shot recv completion
// selected, valid only when the completion carries CQEFBuffer.
func BufferID(flags uint32) (uint16, bool) {
	if flags&giouring.CQEFBuffer == 0 {
		return 0, false
	}
	return uint16(flags >> giouring.CQEBufferShift), true
}

// MoreComing reports whether a multi-shot completion's flags promise
// further completions for the same SQE, i.e. the request does not need
// re-arming.
func MoreComing(flags uint32) bool {
	return flags&giouring.CQEFMore != 0
}
