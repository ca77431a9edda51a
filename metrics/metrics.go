// Package metrics records oracle events (matches, confirmations,
// settlements, expiries) and chain RPC latency behind a small Recorder
// interface, so components never depend on a metrics backend directly.
package metrics

import "time"

// Recorder receives the oracle's counters and latency observations.
// Labels always include the emitting component.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
