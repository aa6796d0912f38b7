package ecat

import (
	"context"
	"runtime"

	"golang.org/x/sys/unix"

	initstage "github.com/w-utter/ecat/internal/stage/init"

	"github.com/w-utter/ecat/internal/cyclic"
	"github.com/w-utter/ecat/internal/logging"
	"github.com/w-utter/ecat/internal/proto"
	"github.com/w-utter/ecat/internal/reset"
	"github.com/w-utter/ecat/internal/ring"
	"github.com/w-utter/ecat/internal/socket"
	"github.com/w-utter/ecat/internal/stage/dc"
	"github.com/w-utter/ecat/internal/stage/mbxconfig"
	"github.com/w-utter/ecat/internal/stage/preop"
	"github.com/w-utter/ecat/internal/stage/transition"
	"github.com/w-utter/ecat/internal/subdevice"
	"github.com/w-utter/ecat/internal/telemetry"
	"github.com/w-utter/ecat/internal/tracker"
	"github.com/w-utter/ecat/internal/wire"
)

// CyclicCallback receives one device's fresh input slice each cycle
// (nil on the first cycle it is ever called for, per §4.K's startup
// callback contract) and returns the bytes to write into its output
// slice for the next cycle.
type CyclicCallback = cyclic.DeviceCallback

// ControlFlow names the two ways cyclic operation can proceed. No
// callback or method of this package accepts or returns a ControlFlow:
// CyclicCallback returns only output bytes, and a restart is requested
// by calling Driver.Restart.
type ControlFlow int

const (
	// ControlFlowContinue is the default: keep cycling normally.
	ControlFlowContinue ControlFlow = iota
	// ControlFlowRestart names what Driver.Restart does: re-run bring-up
	// from Reset (§5 "Supplemented features: restart on fault").
	ControlFlowRestart
)

// recvBufGroupID is the single buffer group id this driver registers;
// one driver serves one segment, so one group suffices.
const recvBufGroupID = 1

// Driver is the root EtherCAT main-device core: it owns the ring, the
// transaction tracker, the raw socket, and drives the bring-up ladder
// through to cyclic operation (§4.L).
type Driver struct {
	opts     Options
	logger   *logging.Logger
	observer telemetry.Observer

	sock    *socket.Raw
	r       *ring.Ring
	bufRing *ring.BufferRing
	tr      *tracker.Tracker
	idx     *proto.Index

	ladder LadderState

	resetStage *reset.Stage
	initStage  *initstage.Stage
	dcStage    *dc.Stage
	mbxStage   *mbxconfig.Stage
	preopStage *preop.Stage

	opQueue   []*subdevice.Record
	opTrans   *transition.Controller
	opIdx     int

	cyclicRunner *cyclic.Runner
	callbacks    map[int]CyclicCallback

	pdoConfig map[int]PDOConfig

	devices []*subdevice.Record

	restartRequested bool
}

// NewDriver constructs a driver over the interface named in opts. pdoConfig
// declares each device's PDO layout by topology index (§3 "PDO
// configuration"); callbacks registers the per-device cyclic handler,
// also by topology index, invoked once the segment reaches Op.
func NewDriver(opts Options, pdoConfig map[int]PDOConfig, callbacks map[int]CyclicCallback, observer telemetry.Observer) (*Driver, error) {
	if observer == nil {
		observer = telemetry.NoopObserver{}
	}
	sock, err := socket.Open(opts.InterfaceName)
	if err != nil {
		return nil, WrapError("driver.new", ErrCodeIoSubmit, err)
	}
	r, err := ring.New(opts.RingEntries)
	if err != nil {
		sock.Close()
		return nil, WrapError("driver.new", ErrCodeIoSubmit, err)
	}
	bufRing, err := r.SetupBufferRing(recvBufGroupID, opts.RecvBuffers, opts.RecvBufferSize)
	if err != nil {
		r.Close()
		sock.Close()
		return nil, WrapError("driver.new", ErrCodeIoSubmit, err)
	}
	tr := tracker.New(r, opts.MaxFrames, observer)
	return &Driver{
		opts:      opts,
		logger:    logging.Default().With("driver"),
		observer:  observer,
		sock:      sock,
		r:         r,
		bufRing:   bufRing,
		tr:        tr,
		idx:       &proto.Index{},
		ladder:    LadderIdle,
		pdoConfig: pdoConfig,
		callbacks: callbacks,
	}, nil
}

// Close tears down the ring and socket.
func (d *Driver) Close() error {
	d.r.Close()
	return d.sock.Close()
}

// Ladder returns the driver's current bring-up ladder position.
func (d *Driver) Ladder() LadderState { return d.ladder }

// Devices returns the sub-device queue discovered during bring-up, nil
// until the Init stage has resolved it.
func (d *Driver) Devices() []*subdevice.Record { return d.devices }

// DeviceDiagnostic is one sub-device's health snapshot (§5 "Diagnostics
// snapshot").
type DeviceDiagnostic struct {
	TopologyIdx       int
	ConfiguredAddress uint16
	Alias             uint16
	State             AlState
	Errored           bool
}

// Diagnostics returns a read-only snapshot of every discovered
// sub-device's addresses and Record.ALState, and the tracker's current
// in-flight transaction count, so a caller can poll segment health
// without parsing raw SDO traffic itself (§5 "Diagnostics snapshot").
// No stage writes Record.ALState, so State and Errored report the
// field's zero value.
func (d *Driver) Diagnostics() (devices []DeviceDiagnostic, inFlight int) {
	devices = make([]DeviceDiagnostic, len(d.devices))
	for i, dev := range d.devices {
		devices[i] = DeviceDiagnostic{
			TopologyIdx:       dev.TopologyIndex,
			ConfiguredAddress: dev.ConfiguredAddress,
			Alias:             dev.Alias,
			State:             dev.ALState.State,
			Errored:           dev.ALState.Errored,
		}
	}
	return devices, d.tr.InFlight()
}

// Restart requests the ladder reset to Idle and a fresh bring-up pass,
// taking effect at the next completion the pump processes (§5
// ControlFlow::Restart).
func (d *Driver) Restart() { d.restartRequested = true }

// Start arms the multi-shot receive and begins the Reset stage (§4.L
// "entry points").
func (d *Driver) Start() error {
	if err := d.r.PrepMultishotRecv(d.sock.FD(), 0); err != nil {
		return WrapError("driver.start", ErrCodeIoSubmit, err)
	}
	return d.beginReset()
}

func (d *Driver) beginReset() error {
	d.ladder = LadderReset
	d.resetStage = reset.NewStage(d.tr, d.sock.FD(), d.idx, d.opts.Retries, d.opts.TimeoutDuration)
	_, _, err := d.resetStage.Start()
	if err != nil {
		return WrapError("driver.reset", ErrCodeIoSubmit, err)
	}
	return nil
}

// Run drives the completion pump until ctx is cancelled, pinning the
// calling goroutine to its OS thread and, if configured, to a specific
// CPU (grounded on the teacher's ioLoop: "ublk_drv records one thread
// per queue", generalized here to "io_uring completions must be reaped
// from one consistent thread").
func (d *Driver) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(d.opts.CPUAffinity) > 0 {
		var mask unix.CPUSet
		mask.Set(d.opts.CPUAffinity[0])
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			d.logger.Warn("failed to set CPU affinity", "cpu", d.opts.CPUAffinity[0], "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.runOnce(); err != nil {
			return err
		}
		if d.restartRequested {
			d.restartRequested = false
			if err := d.beginReset(); err != nil {
				return err
			}
		}
	}
}

// runOnce flushes any prepared SQEs, blocks for exactly one completion,
// and dispatches it (§9 "one completion processed to quiescence before
// the next is pulled").
func (d *Driver) runOnce() error {
	if _, err := d.r.Submit(); err != nil {
		return WrapError("driver.pump", ErrCodeIoSubmit, err)
	}
	cqe, err := d.r.WaitCQE()
	if err != nil {
		return WrapError("driver.pump", ErrCodeIoSubmit, err)
	}
	return d.handleCQE(cqe)
}

func (d *Driver) handleCQE(cqe ring.CQE) error {
	if tracker.IsReceiveCompletion(cqe.UserData) {
		d.onFrameReceived(cqe)
		return nil
	}
	comp, err := d.tr.Dispatch(cqe)
	if err != nil {
		return err
	}
	if comp == nil {
		return nil
	}
	return d.route(comp)
}

func (d *Driver) onFrameReceived(cqe ring.CQE) {
	bufID, ok := ring.BufferID(cqe.Flags)
	if !ok || cqe.Res < 0 {
		d.observer.ObserveSpurious()
		return
	}
	frame := d.bufRing.BufferAt(bufID, int(cqe.Res))
	ecatPayload, err := proto.StripEthernet(frame)
	if err == nil {
		pdus, err := proto.IteratePDUs(ecatPayload)
		if err == nil {
			for i, pdu := range pdus {
				_ = d.tr.OnReceive(uint8(i), pdu.Header, pdu.Payload, pdu.WKC)
			}
		} else {
			d.logger.Warn("dropping malformed frame", "err", err)
		}
	} else {
		d.logger.Warn("dropping non-ecat frame", "err", err)
	}
	d.bufRing.Recycle(bufID)
	if !ring.MoreComing(cqe.Flags) {
		if err := d.r.PrepMultishotRecv(d.sock.FD(), 0); err != nil {
			d.logger.Error("failed to re-arm multishot recv", "err", err)
		}
	}
}

// route dispatches a resolved transaction completion to whichever
// bring-up stage (or the cyclic runner) owns the current ladder
// position (§4.L).
func (d *Driver) route(comp *tracker.Completion) error {
	switch d.ladder {
	case LadderReset:
		return d.routeReset(comp)
	case LadderInit:
		return d.routeInit(comp)
	case LadderDc:
		return d.routeDc(comp)
	case LadderMbx:
		return d.routeMbx(comp)
	case LadderPreOp:
		return d.routePreOp(comp)
	case LadderSafeOp:
		return d.routeOpTransition(comp)
	case LadderOp:
		return d.routeCyclic(comp)
	default:
		return nil
	}
}

func (d *Driver) routeReset(comp *tracker.Completion) error {
	if comp.Key.Cmd == proto.CmdBRD {
		d.resetStage.OnCountCompletion(comp.WKC)
	} else {
		if _, err := d.resetStage.OnClearCompletion(); err != nil {
			return err
		}
	}
	if !d.resetStage.Done() {
		return nil
	}
	if d.resetStage.Count() > d.opts.MaxSubdevices {
		return NewError("driver.reset", ErrCodeCapacity, "segment has more sub-devices than Options.MaxSubdevices")
	}
	d.initStage = initstage.NewStage(d.tr, d.sock.FD(), d.idx, d.opts.Retries, d.opts.TimeoutDuration, d.resetStage.Count())
	d.ladder = LadderInit
	_, err := d.initStage.Start()
	return err
}

func (d *Driver) routeInit(comp *tracker.Completion) error {
	done, _, err := d.initStage.Update(comp.TopologyIdx, comp.Payload, comp.UserTag)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	d.devices = d.initStage.Devices()
	d.dcStage = dc.NewStage(d.tr, d.sock.FD(), d.idx, d.opts.Retries, d.opts.TimeoutDuration, d.devices, d.opts.DCStaticSyncIterations)
	d.ladder = LadderDc
	_, err = d.dcStage.Start()
	return err
}

func (d *Driver) routeDc(comp *tracker.Completion) error {
	done, _, err := d.dcStage.Update(comp.WKC, comp.Payload, comp.UserTag)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	d.devices = d.dcStage.Devices()
	d.mbxStage = mbxconfig.NewStage(d.tr, d.sock.FD(), d.idx, d.opts.Retries, d.opts.TimeoutDuration, d.devices)
	d.ladder = LadderMbx
	_, err = d.mbxStage.Start()
	return err
}

func (d *Driver) routeMbx(comp *tracker.Completion) error {
	done, _, err := d.mbxStage.Update(comp.Payload)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	d.devices = d.mbxStage.Devices()
	internalConfig := make(map[int]subdevice.PDOConfigPair, len(d.pdoConfig))
	for topologyIdx, cfg := range d.pdoConfig {
		internalConfig[topologyIdx] = subdevice.PDOConfigPair{Inputs: convertAssignments(cfg.Inputs), Outputs: convertAssignments(cfg.Outputs)}
	}
	d.preopStage = preop.NewStage(d.tr, d.sock.FD(), d.idx, d.opts.Retries, d.opts.TimeoutDuration, d.devices, internalConfig)
	d.ladder = LadderPreOp
	_, err = d.preopStage.Start()
	return err
}

func (d *Driver) routePreOp(comp *tracker.Completion) error {
	done, _, err := d.preopStage.Update(comp.Payload, comp.UserTag)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	var inputEnd, outputEnd uint32
	d.devices, inputEnd, outputEnd = d.preopStage.Result()
	d.opQueue = d.devices
	d.ladder = LadderSafeOp
	d.opIdx = 0
	d.opTrans = transition.NewController(d.tr, d.sock.FD(), d.idx, d.opQueue[0].ConfiguredAddress, AlStateOp, d.opts.Retries, d.opts.TimeoutDuration)
	if _, err := d.opTrans.Start(0); err != nil {
		return err
	}
	d.cyclicRunner = cyclic.NewRunner(d.tr, d.sock.FD(), d.idx, d.opts.Retries, d.opts.TimeoutDuration, d.observer, int(outputEnd), uint16(3*len(d.opQueue)))
	for _, dev := range d.opQueue {
		if cb, ok := d.callbacks[dev.TopologyIndex]; ok {
			d.cyclicRunner.Register(dev, cb)
		}
	}
	_ = inputEnd
	return nil
}

// routeOpTransition drives each device from SafeOp to Op in sequence
// (mirroring the per-device sequential pattern the PreOp/mbxconfig
// stages already use for non-pipelineable transitions).
func (d *Driver) routeOpTransition(comp *tracker.Completion) error {
	done, _, err := d.opTrans.Update(comp.Payload, comp.UserTag)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	d.opIdx++
	if d.opIdx < len(d.opQueue) {
		d.opTrans = transition.NewController(d.tr, d.sock.FD(), d.idx, d.opQueue[d.opIdx].ConfiguredAddress, AlStateOp, d.opts.Retries, d.opts.TimeoutDuration)
		_, err := d.opTrans.Start(0)
		return err
	}
	d.ladder = LadderOp
	_, err = d.cyclicRunner.StartCycle()
	return err
}

func (d *Driver) routeCyclic(comp *tracker.Completion) error {
	d.cyclicRunner.OnCycleComplete(comp.Payload, comp.WKC)
	_, err := d.cyclicRunner.StartCycle()
	return err
}

func convertAssignments(in []PDOAssignment) []subdevice.PDOAssignmentConfig {
	out := make([]subdevice.PDOAssignmentConfig, len(in))
	for i, a := range in {
		objs := make([]subdevice.PDOObject, len(a.Objects))
		for j, o := range a.Objects {
			objs[j] = subdevice.PDOObject{Index: o.Index, Subindex: o.Subindex, BitLength: o.BitWidth}
		}
		out[i] = subdevice.PDOAssignmentConfig{Index: a.Index, Objects: objs}
	}
	return out
}
