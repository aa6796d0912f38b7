// Package telemetry defines the observer hooks the core reports bring-up
// and cyclic events through (§5 "Supplemented features: Diagnostics
// snapshot"), plus a counter-based implementation grounded on the
// teacher's atomic Metrics struct.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Observer receives best-effort notifications from the tracker and the
// bring-up/cyclic stages. Implementations must not block: the core calls
// these synchronously from its single execution context.
type Observer interface {
	ObserveSubmit(cmd string)
	ObserveRetry(cmd string)
	ObserveTimeout(cmd string)
	ObserveSpurious()
	ObserveCycle(latency time.Duration, wkc uint16, wantWKC uint16)
	ObserveStateChange(topologyIdx int, from, to string)
}

// NoopObserver discards every event. It is the default when the caller
// does not supply one.
type NoopObserver struct{}

func (NoopObserver) ObserveSubmit(string)                                {}
func (NoopObserver) ObserveRetry(string)                                 {}
func (NoopObserver) ObserveTimeout(string)                               {}
func (NoopObserver) ObserveSpurious()                                    {}
func (NoopObserver) ObserveCycle(time.Duration, uint16, uint16)          {}
func (NoopObserver) ObserveStateChange(int, string, string)              {}

// latencyBuckets mirrors the teacher's logarithmic-spacing histogram,
// 1us through 10s.
var latencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics is a concrete, allocation-free Observer counting submissions,
// retries, timeouts, spurious completions, and cycle latency/WKC
// mismatches with atomics so it is safe to read from another goroutine
// while the core's single execution context keeps writing.
type Metrics struct {
	Submits   atomic.Uint64
	Retries   atomic.Uint64
	Timeouts  atomic.Uint64
	Spurious  atomic.Uint64
	Cycles    atomic.Uint64
	WkcMismatches atomic.Uint64

	totalLatencyNs atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64
}

// NewMetrics returns a zeroed Metrics observer.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) ObserveSubmit(string) { m.Submits.Add(1) }
func (m *Metrics) ObserveRetry(string)  { m.Retries.Add(1) }
func (m *Metrics) ObserveTimeout(string) { m.Timeouts.Add(1) }
func (m *Metrics) ObserveSpurious()      { m.Spurious.Add(1) }

func (m *Metrics) ObserveCycle(latency time.Duration, wkc, wantWKC uint16) {
	m.Cycles.Add(1)
	m.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	if wkc != wantWKC {
		m.WkcMismatches.Add(1)
	}
	ns := uint64(latency.Nanoseconds())
	for i, bound := range latencyBuckets {
		if ns <= bound {
			m.latencyBuckets[i].Add(1)
		}
	}
}

func (m *Metrics) ObserveStateChange(int, string, string) {}

// MeanCycleLatency returns the mean observed cycle latency, zero if no
// cycles have been observed.
func (m *Metrics) MeanCycleLatency() time.Duration {
	n := m.Cycles.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.totalLatencyNs.Load() / n)
}
