// Package metrics decouples instrumentation from any concrete vendor.
//
// Pipeline code records counts and durations through package-level helpers;
// a process wires a real backend (see the datadog subpackage) at startup
// with SetBackend. The default backend discards everything, so library code
// never checks whether metrics are enabled.
package metrics

import "sync"

// Labels are the tag set attached to one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

// Metric names understood by backends. A backend may ignore names it does
// not know.
const (
	MetricRecords       = "dw_records_total"
	MetricExceptions    = "dw_exceptions_total"
	MetricStageDuration = "dw_stage_duration_seconds"
)

// Record statuses for MetricRecords.
const (
	StatusLoaded = "loaded"
	StatusFailed = "failed"
)

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend replaces the process-wide backend. Pass nil to restore the
// discarding default.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

// Flush flushes the active backend if it buffers, and is a no-op otherwise.
func Flush() error {
	mu.RLock()
	b := backend
	mu.RUnlock()
	if f, ok := b.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter adds delta to a named counter on the active backend.
func IncCounter(name string, delta float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	b.IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of a named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	b.ObserveHistogram(name, value, labels)
}

// RecordLoad counts rows that reached (or failed to reach) a table.
func RecordLoad(table, status string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(MetricRecords, float64(n), Labels{"table": table, "status": status})
}

// RecordException counts one referential-integrity ledger sighting.
func RecordException(table string) {
	IncCounter(MetricExceptions, 1, Labels{"table": table})
}

// ObserveStage records the duration of one pipeline stage in seconds.
func ObserveStage(stage, status string, seconds float64) {
	ObserveHistogram(MetricStageDuration, seconds, Labels{"stage": stage, "status": status})
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
