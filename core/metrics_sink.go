package core

// MetricsSink receives scheduler-internal counters without the core
// depending on any particular metrics backend (spec §5: "Integration with
// callers outside the scheduler thread ... is through bounded queues and
// lock-free atomics"). The metrics package implements this against
// prometheus/client_golang.
type MetricsSink interface {
	// CapacityPressure is recorded once per step in which PrefillAdmission
	// could not admit the head-of-queue request for lack of blocks
	// (spec §7 KindCapacity: "continuous capacity pressure is reported via
	// metrics").
	CapacityPressure()
	// Evicted is recorded with the number of blocks freed by a RadixCache
	// eviction.
	Evicted(blocks int)
	// ShadowDivergence is recorded once per step with at least one
	// divergence record.
	ShadowDivergence()
	// Observe is recorded once per step with the cache's current SizeInfo.
	Observe(info SizeInfo)
}

// NoopMetricsSink discards everything; it is the Scheduler's default.
type NoopMetricsSink struct{}

func (NoopMetricsSink) CapacityPressure() {}
func (NoopMetricsSink) Evicted(int)       {}
func (NoopMetricsSink) ShadowDivergence() {}
func (NoopMetricsSink) Observe(SizeInfo)  {}
