package mailbox

import (
	"time"

	"github.com/w-utter/ecat/internal/coreerr"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/wire"
)

// SDOReader drives an expedited or normal-transfer CoE SDO upload
// (§4.D "SDO read") over a mailbox Controller.
type SDOReader struct {
	ctrl     *Controller
	index    uint16
	subindex uint8
}

// NewSDOReader constructs a reader for (index, subindex) on device.
func NewSDOReader(sender wire.Sender, fd int32, idx *proto.Index, device *subdevice.Record, retries int, timeout time.Duration, index uint16, subindex uint8) *SDOReader {
	return &SDOReader{
		ctrl:     NewController(sender, fd, idx, device, retries, timeout),
		index:    index,
		subindex: subindex,
	}
}

// Start issues the upload request. completeAccess requests the CoE
// complete-access bit (used for sync-manager-type enumeration, §4.H
// step 7).
func (r *SDOReader) Start(completeAccess bool, callerBits uint8) (wire.Handle, error) {
	req := proto.EncodeSDOUploadRequest(r.index, r.subindex, completeAccess)
	return r.ctrl.Start(req, callerBits)
}

// Update advances the underlying mailbox exchange.
func (r *SDOReader) Update(payload []byte) (done bool, retryHandle *wire.Handle, err error) {
	return r.ctrl.Update(payload)
}

// Result decodes the completed exchange's reply into an upload result
// (§4.D "SDO read": expedited up to 4 bytes, else length-prefixed).
func (r *SDOReader) Result() (proto.SDOUploadResult, error) {
	res, err := proto.DecodeSDOUploadResponse(r.ctrl.Reply())
	if err != nil {
		return proto.SDOUploadResult{}, coreerr.Wrap("mailbox.sdo_read", coreerr.CodeWireCodec, err)
	}
	return res, nil
}

// SDOWriter drives an expedited CoE SDO download (§4.D "SDO write": up
// to 4 bytes, larger writes unsupported).
type SDOWriter struct {
	ctrl     *Controller
	index    uint16
	subindex uint8
}

// NewSDOWriter constructs a writer for (index, subindex) on device.
func NewSDOWriter(sender wire.Sender, fd int32, idx *proto.Index, device *subdevice.Record, retries int, timeout time.Duration, index uint16, subindex uint8) *SDOWriter {
	return &SDOWriter{
		ctrl:     NewController(sender, fd, idx, device, retries, timeout),
		index:    index,
		subindex: subindex,
	}
}

// Start issues the download request with value (at most 4 bytes).
func (w *SDOWriter) Start(value []byte, completeAccess bool, callerBits uint8) (wire.Handle, error) {
	req, err := proto.EncodeSDODownload(w.index, w.subindex, completeAccess, value)
	if err != nil {
		return wire.Handle{}, coreerr.Wrap("mailbox.sdo_write", coreerr.CodeWireCodec, err)
	}
	return w.ctrl.Start(req, callerBits)
}

// Update advances the underlying mailbox exchange.
func (w *SDOWriter) Update(payload []byte) (done bool, retryHandle *wire.Handle, err error) {
	return w.ctrl.Update(payload)
}

// Ack validates the completed exchange acknowledged the write.
func (w *SDOWriter) Ack() error {
	if err := proto.DecodeSDODownloadAck(w.ctrl.Reply(), w.index, w.subindex); err != nil {
		return coreerr.Wrap("mailbox.sdo_write", coreerr.CodeWireCodec, err)
	}
	return nil
}
