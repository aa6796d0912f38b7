package ecat

import "time"

// Options holds the runtime-configurable knobs named in §6 "Runtime
// options (enumerated)". Follows the teacher's DeviceParams/DefaultParams
// shape: a plain struct of typed fields plus a Default constructor.
type Options struct {
	// Retries is the number of retransmissions attempted before a PDU's
	// transaction is declared timed out.
	Retries int

	// TimeoutDuration is the relative timeout attached to each PDU.
	TimeoutDuration time.Duration

	// DCStaticSyncIterations is the number of DC sync frames issued before
	// declaring the segment's clock stable.
	DCStaticSyncIterations int

	// MaxSubdevices bounds the sub-device queue: a segment whose reset
	// broadcast counts more devices than this fails with ErrCodeCapacity.
	MaxSubdevices int

	// MaxPDUData is the largest single PDU payload an EtherCAT frame can
	// carry. It is not consulted by the driver, the stages or the
	// tracker; the tracker holds a reference to each submitted frame
	// rather than copying it into a buffer of this size.
	MaxPDUData int

	// MaxFrames bounds the number of outstanding transactions the tracker
	// will admit at once.
	MaxFrames int

	// InterfaceName is the Ethernet interface the raw socket binds to.
	InterfaceName string

	// RingEntries sizes the completion-based I/O ring (§6 "Submission
	// contract").
	RingEntries uint32

	// RecvBuffers/RecvBufferSize size the multi-shot receive buffer ring
	// (§6: "a ring of N buffers each sized MTU+18").
	RecvBuffers    uint16
	RecvBufferSize uint32

	// CPUAffinity pins the completion pump's OS thread to the first CPU
	// in the list, mirroring the teacher's per-queue pinning requirement;
	// further entries are ignored. Nil means no affinity.
	CPUAffinity []int
}

// DefaultOptions returns sensible defaults, mirroring the values named in
// §6.
func DefaultOptions() Options {
	return Options{
		Retries:                5,
		TimeoutDuration:        2 * time.Millisecond,
		DCStaticSyncIterations: 1000,
		MaxSubdevices:          64,
		MaxPDUData:             1486, // max Ethernet payload minus ecat/PDU headers
		MaxFrames:              256,
		RingEntries:            256,
		RecvBuffers:            64,
		RecvBufferSize:         1518, // MTU(1500) + 18 bytes of Ethernet framing
	}
}
