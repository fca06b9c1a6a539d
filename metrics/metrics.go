// Package metrics implements core.MetricsSink against prometheus/client_golang,
// grounded on matrixinfer-ai-kthena's pkg/infer-router/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coreinfer/schedcore/core"
)

// Sink is the Prometheus-backed core.MetricsSink.
type Sink struct {
	capacityPressureTotal prometheus.Counter
	evictedBlocksTotal    prometheus.Counter
	shadowDivergenceTotal prometheus.Counter

	cacheTotalBlocks     prometheus.Gauge
	cacheEvictableBlocks prometheus.Gauge
	cacheProtectedBlocks prometheus.Gauge
	cacheFreeBlocks      prometheus.Gauge
}

var _ core.MetricsSink = (*Sink)(nil)

// NewSink registers and returns the scheduler's Prometheus metrics against
// the default registry.
func NewSink() *Sink {
	return NewSinkWith(prometheus.DefaultRegisterer)
}

// NewSinkWith registers against a caller-supplied registerer, for tests that
// want an isolated prometheus.NewRegistry().
func NewSinkWith(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		capacityPressureTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "schedcore_capacity_pressure_total",
			Help: "Steps in which PrefillAdmission could not admit the head-of-queue request for lack of blocks",
		}),
		evictedBlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "schedcore_evicted_blocks_total",
			Help: "KV blocks freed by RadixCache eviction",
		}),
		shadowDivergenceTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "schedcore_shadow_divergence_total",
			Help: "Steps in which the shadow metadata builder diverged from the primary",
		}),
		cacheTotalBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schedcore_cache_total_blocks",
			Help: "RadixCache SizeInfo.TotalBlocks as of the last step",
		}),
		cacheEvictableBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schedcore_cache_evictable_blocks",
			Help: "RadixCache SizeInfo.EvictableBlocks as of the last step",
		}),
		cacheProtectedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schedcore_cache_protected_blocks",
			Help: "RadixCache SizeInfo.ProtectedBlocks as of the last step",
		}),
		cacheFreeBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schedcore_cache_free_blocks",
			Help: "RadixCache SizeInfo.FreeBlocks as of the last step",
		}),
	}
}

// CapacityPressure implements core.MetricsSink.
func (s *Sink) CapacityPressure() { s.capacityPressureTotal.Inc() }

// Evicted implements core.MetricsSink.
func (s *Sink) Evicted(blocks int) { s.evictedBlocksTotal.Add(float64(blocks)) }

// ShadowDivergence implements core.MetricsSink.
func (s *Sink) ShadowDivergence() { s.shadowDivergenceTotal.Inc() }

// Observe implements core.MetricsSink.
func (s *Sink) Observe(info core.SizeInfo) {
	s.cacheTotalBlocks.Set(float64(info.TotalBlocks))
	s.cacheEvictableBlocks.Set(float64(info.EvictableBlocks))
	s.cacheProtectedBlocks.Set(float64(info.ProtectedBlocks))
	s.cacheFreeBlocks.Set(float64(info.FreeBlocks))
}
