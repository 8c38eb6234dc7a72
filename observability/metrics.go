package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	allocatorMetricsOnce sync.Once
	allocatorRegistry    *AllocatorMetrics
)

// AllocatorMetrics wraps collectors tracking distribution-build health.
type AllocatorMetrics struct {
	buildLatency    *prometheus.HistogramVec
	builds          *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	lastDistributed prometheus.Gauge
}

// Allocator returns the lazily initialised metrics registry.
func Allocator() *AllocatorMetrics {
	allocatorMetricsOnce.Do(func() {
		allocatorRegistry = &AllocatorMetrics{
			buildLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "autocap",
				Subsystem: "distribution",
				Name:      "build_duration_seconds",
				Help:      "Latency distribution for distribution builds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			builds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autocap",
				Subsystem: "distribution",
				Name:      "builds_total",
				Help:      "Count of distribution builds segmented by outcome.",
			}, []string{"outcome"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autocap",
				Subsystem: "distribution",
				Name:      "skipped_allocations_total",
				Help:      "Count of allocations excluded from batches segmented by reason.",
			}, []string{"reason"}),
			upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autocap",
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Count of upstream collaborator failures segmented by collaborator.",
			}, []string{"collaborator"}),
			lastDistributed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "autocap",
				Subsystem: "distribution",
				Name:      "last_total_distributed",
				Help:      "Total DataCap in the most recently built batch, in ledger base units.",
			}),
		}
		prometheus.MustRegister(
			allocatorRegistry.buildLatency,
			allocatorRegistry.builds,
			allocatorRegistry.skipped,
			allocatorRegistry.upstreamErrors,
			allocatorRegistry.lastDistributed,
		)
	})
	return allocatorRegistry
}

// ObserveBuild records a completed build attempt.
func (m *AllocatorMetrics) ObserveBuild(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	label := normaliseLabel(outcome)
	m.builds.WithLabelValues(label).Inc()
	m.buildLatency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordSkips counts allocations excluded from a batch.
func (m *AllocatorMetrics) RecordSkips(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.skipped.WithLabelValues(normaliseLabel(reason)).Add(float64(count))
}

// RecordUpstreamError counts a collaborator failure.
func (m *AllocatorMetrics) RecordUpstreamError(collaborator string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(normaliseLabel(collaborator)).Inc()
}

// SetLastDistributed records the most recent batch total.
func (m *AllocatorMetrics) SetLastDistributed(total *big.Int) {
	if m == nil || total == nil {
		return
	}
	m.lastDistributed.Set(bigToFloat(total))
}

func normaliseLabel(raw string) string {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return "unknown"
	}
	return strings.ReplaceAll(trimmed, " ", "_")
}

func bigToFloat(value *big.Int) float64 {
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
