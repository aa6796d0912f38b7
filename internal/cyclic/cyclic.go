// Package cyclic implements the cyclic-operation component (§4.K): the
// shared process-data image, the single LRW datagram that exchanges it
// every cycle, and dispatch of each device's slice to its registered
// callback. The Runner handles only that LRW exchange; it has no path
// for out-of-cycle events, and the driver hands every completion it
// receives in Op to OnCycleComplete.
package cyclic

import (
	"time"

	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/telemetry"
	"github.com/w-utter/ecat/internal/wire"
)

// DeviceCallback receives one device's input slice (sub-device -> main
// device data, nil on the very first cycle per device per §4.K "startup
// callback with received=None") and returns the bytes to write into its
// output slice next cycle. A nil return leaves the output slice
// unchanged (useful for read-only devices).
type DeviceCallback func(topologyIdx int, input []byte) (output []byte)

// device is one queue entry: its PDI ranges plus the user callback.
type device struct {
	topologyIdx int
	inputs      subdevice.PDIRange
	outputs     subdevice.PDIRange
	callback    DeviceCallback
	started     bool
}

// Runner drives the process-data exchange once the bring-up ladder has
// reached SafeOp/Op. It owns the PDI buffer and the single tracked LRW
// transaction in flight at any time.
type Runner struct {
	sender   wire.Sender
	fd       int32
	idx      *proto.Index
	retries  int
	timeout  time.Duration
	observer telemetry.Observer

	pdi      []byte
	devices  []*device
	wantWKC  uint16

	inFlight    bool
	cycleStart  time.Time
	handle      wire.Handle
}

// NewRunner constructs a cyclic runner over a PDI buffer sized pdiLen
// bytes (the preop stage's outputEnd). wantWKC is the number
// of device write+read increments expected per cycle (§8 property on
// cyclic WKC validation) — typically 3x the device count for one LRW
// (each device bumps the working counter for a matching FMMU read and
// write region it services).
func NewRunner(sender wire.Sender, fd int32, idx *proto.Index, retries int, timeout time.Duration, observer telemetry.Observer, pdiLen int, wantWKC uint16) *Runner {
	if observer == nil {
		observer = telemetry.NoopObserver{}
	}
	return &Runner{sender: sender, fd: fd, idx: idx, retries: retries, timeout: timeout, observer: observer, pdi: make([]byte, pdiLen), wantWKC: wantWKC}
}

// Register adds a device to the cyclic queue. Order matters only for
// callback dispatch order, not for wire layout (FMMU offsets already
// fixed that during PreOp).
func (r *Runner) Register(dev *subdevice.Record, callback DeviceCallback) {
	r.devices = append(r.devices, &device{topologyIdx: dev.TopologyIndex, inputs: dev.Inputs, outputs: dev.Outputs, callback: callback})
}

// StartCycle issues the LRW datagram (command code 12) for the current
// PDI buffer contents as a single-PDU frame through wire.Send.
func (r *Runner) StartCycle() (wire.Handle, error) {
	r.cycleStart = time.Now()
	r.inFlight = true
	h, err := wire.Send(r.sender, r.fd, r.idx, proto.CmdLRW, 0, 0, r.pdi, r.retries, r.timeout, -1, 0)
	r.handle = h
	return h, err
}

// OnCycleComplete handles the LRW reply: splits the refreshed PDI into
// each device's input slice, invokes its callback, and writes the
// returned output bytes back into the buffer for the next StartCycle.
// WKC mismatches are reported to the observer, not returned as an error
// (§5: cyclic WKC mismatch is a soft fault, not a hard error).
func (r *Runner) OnCycleComplete(payload []byte, wkc uint16) {
	r.inFlight = false
	copy(r.pdi, payload)
	r.observer.ObserveCycle(time.Since(r.cycleStart), wkc, r.wantWKC)

	for _, d := range r.devices {
		var input []byte
		if d.started {
			input = r.pdi[d.inputs.Start:d.inputs.End]
		}
		out := d.callback(d.topologyIdx, input)
		d.started = true
		if out != nil {
			copy(r.pdi[d.outputs.Start:d.outputs.End], out)
		}
	}
}

// InFlight reports whether a cycle's LRW transaction is outstanding.
func (r *Runner) InFlight() bool { return r.inFlight }

// Handle returns the currently outstanding cycle's tracker key.
func (r *Runner) Handle() wire.Handle { return r.handle }

// PDI exposes the raw process-data image for diagnostics/testing.
func (r *Runner) PDI() []byte { return r.pdi }
