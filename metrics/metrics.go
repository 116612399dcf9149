// Package metrics exposes Prometheus instrumentation for
// node-local collectives.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "shmcoll"

var (
	collectiveCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "collective_calls_total",
			Help:      "Count of collective calls by operation and the algorithm that ran them.",
		},
		[]string{"operation", "algorithm"},
	)
	degradations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "fallback_degradations_total",
			Help:      "Count of shared-memory algorithms replaced by point-to-point plans at call time.",
		},
		[]string{"operation", "reason"},
	)
	collectiveBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "collective_bytes_total",
			Help:      "Payload bytes handled by collective calls on this rank.",
		},
		[]string{"operation"},
	)
	regionBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "region_capacity_bytes",
			Help:      "Usable capacity of the attached shared region.",
		},
	)
)

var registerMetrics sync.Once

// Register registers all metrics with r.
// Only the first call has an effect.
func Register(r prometheus.Registerer) {
	registerMetrics.Do(func() {
		r.MustRegister(collectiveCalls)
		r.MustRegister(degradations)
		r.MustRegister(collectiveBytes)
		r.MustRegister(regionBytes)
	})
}

// RecordCall records one collective call.
func RecordCall(operation, algorithm string, bytes int) {
	collectiveCalls.WithLabelValues(operation, algorithm).Inc()
	collectiveBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordDegradation records a shared-memory algorithm that
// fell back to point-to-point communication.
func RecordDegradation(operation, reason string) {
	degradations.WithLabelValues(operation, reason).Inc()
}

// SetRegionBytes records the capacity of the region.
func SetRegionBytes(bytes int) {
	regionBytes.Set(float64(bytes))
}
