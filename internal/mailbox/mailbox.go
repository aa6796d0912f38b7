// Package mailbox implements the mailbox transport & SDO component
// (§4.D): the shared mailbox-full/flush/write-read controller, and the
// CoE expedited SDO read/write built on top of it.
package mailbox

import (
	"time"

	"github.com/w-utter/ecat/internal/coreerr"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/wire"
)

// Tag role bits occupy the low 2 bits of the 8-bit user tag (§4.D
// "Tagging"): 01 marks the TX (request) path, 10 the RX (reply) path.
// The upper 6 bits are the caller's to assign and must be preserved
// across a request/reply pair.
const (
	RoleTX uint8 = 0x01
	RoleRX uint8 = 0x02
	roleMask = 0x03
)

// Tag packs a caller-chosen 6-bit role identifier with a 2-bit mailbox
// path marker.
func Tag(callerBits uint8, role uint8) int {
	return int((callerBits << 2) | (role & roleMask))
}

// StripRole separates a tag's caller bits from its path marker.
func StripRole(tag uint8) (callerBits uint8, role uint8) {
	return tag >> 2, tag & roleMask
}

type controllerState int

const (
	csCheckWriteEmpty controllerState = iota
	csCheckReadEmpty
	csFlushing
	csAwaitWriteAck
	csPollReply
	csReadReply
	csDone
)

// Controller drives one request/reply exchange over a device's CoE
// mailbox: ensure the write mailbox is empty, flush a stale reply out of
// the read mailbox if one is sitting there, write the request, then
// poll-and-read the reply (§4.D "Mailbox flush/write-read protocol").
type Controller struct {
	sender  wire.Sender
	fd      int32
	idx     *proto.Index
	device  *subdevice.Record
	addr    uint16
	retries int
	timeout time.Duration

	state       controllerState
	request     []byte
	callerBits  uint8
	replyHeader proto.MailboxHeader
	reply       []byte
	flushBuf    []byte
}

// NewController constructs a mailbox controller for one device.
func NewController(sender wire.Sender, fd int32, idx *proto.Index, device *subdevice.Record, retries int, timeout time.Duration) *Controller {
	return &Controller{sender: sender, fd: fd, idx: idx, device: device, addr: device.ConfiguredAddress, retries: retries, timeout: timeout}
}

// Start begins the exchange: coePayload is the CoE service body (without
// the mailbox header, which Start prepends using the device's mailbox
// counter); callerBits is preserved into every reply tag this exchange
// produces.
func (c *Controller) Start(coePayload []byte, callerBits uint8) (wire.Handle, error) {
	c.callerBits = callerBits
	counter := c.device.NextMailboxTag()
	hdr := proto.EncodeMailboxHeader(uint16(len(coePayload)), 0, 0, 0, proto.MailboxTypeCoE, counter)
	c.request = append(hdr, coePayload...)
	c.state = csCheckWriteEmpty
	return c.pollWriteStatus()
}

func (c *Controller) pollWriteStatus() (wire.Handle, error) {
	statusReg := proto.SyncManagerStatusRegister(proto.SyncManagerRegister(int(c.device.WriteMailbox.SyncManagerIx)))
	return wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, statusReg, nil, c.retries, c.timeout, c.device.TopologyIndex, Tag(c.callerBits, RoleTX))
}

func (c *Controller) pollReadStatus() (wire.Handle, error) {
	statusReg := proto.SyncManagerStatusRegister(proto.SyncManagerRegister(int(c.device.ReadMailbox.SyncManagerIx)))
	return wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, statusReg, nil, c.retries, c.timeout, c.device.TopologyIndex, Tag(c.callerBits, RoleRX))
}

func (c *Controller) readMailbox() (wire.Handle, error) {
	return wire.Send(c.sender, c.fd, c.idx, proto.CmdFPRD, c.addr, c.device.ReadMailbox.Address, nil, c.retries, c.timeout, c.device.TopologyIndex, Tag(c.callerBits, RoleRX))
}

func (c *Controller) writeRequest() (wire.Handle, error) {
	return wire.Send(c.sender, c.fd, c.idx, proto.CmdFPWR, c.addr, c.device.WriteMailbox.Address, c.request, c.retries, c.timeout, c.device.TopologyIndex, Tag(c.callerBits, RoleTX))
}

// Update advances the controller on the next completion, returning
// done=true once the decoded reply payload (mailbox header stripped) is
// available via Reply().
func (c *Controller) Update(payload []byte) (done bool, retryHandle *wire.Handle, err error) {
	switch c.state {
	case csCheckWriteEmpty:
		if len(payload) >= 1 && payload[0]&proto.MailboxFullBit != 0 {
			h, err := c.pollWriteStatus()
			return false, &h, err
		}
		c.state = csCheckReadEmpty
		h, err := c.pollReadStatus()
		return false, &h, err

	case csCheckReadEmpty:
		if len(payload) >= 1 && payload[0]&proto.MailboxFullBit != 0 {
			c.state = csFlushing
			h, err := c.readMailbox() // blind discard of a stale reply
			return false, &h, err
		}
		c.state = csAwaitWriteAck
		h, err := c.writeRequest()
		return false, &h, err

	case csFlushing:
		c.state = csAwaitWriteAck
		h, err := c.writeRequest()
		return false, &h, err

	case csAwaitWriteAck:
		c.state = csPollReply
		h, err := c.pollReadStatus()
		return false, &h, err

	case csPollReply:
		if len(payload) >= 1 && payload[0]&proto.MailboxFullBit == 0 {
			h, err := c.pollReadStatus()
			return false, &h, err
		}
		c.state = csReadReply
		h, err := c.readMailbox()
		return false, &h, err

	case csReadReply:
		hdr, err := proto.DecodeMailboxHeader(payload)
		if err != nil {
			return false, nil, coreerr.Wrap("mailbox.update", coreerr.CodeWireCodec, err)
		}
		c.replyHeader = hdr
		c.reply = append([]byte(nil), payload[6:]...)
		c.state = csDone
		return true, nil, nil

	default:
		return false, nil, coreerr.New("mailbox.update", coreerr.CodeWireCodec, "controller update called after done")
	}
}

// Reply returns the decoded CoE payload (mailbox header stripped) of the
// completed exchange.
func (c *Controller) Reply() []byte { return c.reply }
