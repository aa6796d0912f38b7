// Package transition implements the state-transition controller (§4.J):
// the two-state primitive every stage boundary (Init->PreOp->SafeOp->Op)
// reuses to move one sub-device to a target AL state.
package transition

import (
	"time"

	"github.com/w-utter/ecat/internal/coreerr"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/wire"
)

type phase int

const (
	phaseRequest phase = iota
	phaseWait
	phaseDone
)

// Controller drives addr to target, first issuing the state request
// then polling until the device confirms it (§4.J).
type Controller struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	addr    uint16
	target  proto.AlState
	retries int
	timeout time.Duration

	phase phase
}

// NewController constructs a transition controller for one sub-device.
func NewController(sender wire.Sender, fd int32, idx *proto.Index, addr uint16, target proto.AlState, retries int, timeout time.Duration) *Controller {
	return &Controller{sender: sender, fd: fd, idx: idx, addr: addr, target: target, retries: retries, timeout: timeout}
}

// Start issues prep_request_subdevice_state.
func (c *Controller) Start(userTag int) (wire.Handle, error) {
	c.phase = phaseRequest
	return wire.Send(c.sender, c.fd, c.idx, proto.CmdFPWR, c.addr, proto.RegALControl, proto.EncodeALControl(c.target), c.retries, c.timeout, -1, userTag)
}

// Update advances the controller on the next AL status reply. done=true
// once the device confirms target.
func (c *Controller) Update(payload []byte, userTag int) (done bool, retryHandle *wire.Handle, err error) {
	switch c.phase {
	case phaseRequest:
		state, errored := proto.DecodeALStatus(payload)
		if errored {
			return false, nil, coreerr.New("transition.update", coreerr.CodeStateTransition,
				"sub-device refused requested state "+c.target.String())
		}
		c.phase = phaseWait
		if state == c.target {
			c.phase = phaseDone
			return true, nil, nil
		}
		h, err := c.pollWait(userTag)
		return false, &h, err
	case phaseWait:
		state, errored := proto.DecodeALStatus(payload)
		if errored {
			return false, nil, coreerr.New("transition.update", coreerr.CodeStateTransition,
				"sub-device refused requested state "+c.target.String())
		}
		if state != c.target {
			h, err := c.pollWait(userTag)
			return false, &h, err
		}
		c.phase = phaseDone
		return true, nil, nil
	default:
		return true, nil, nil
	}
}

func (c *Controller) pollWait(userTag int) (wire.Handle, error) {
	return wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, proto.RegALStatus, nil, c.retries, c.timeout, -1, userTag)
}
