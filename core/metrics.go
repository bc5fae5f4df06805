package core

// metrics.go – Prometheus instrumentation for the node's moving parts.

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the subsystems report into.
type Metrics struct {
	registry *prometheus.Registry

	StoreUsedBytes   prometheus.Gauge
	StoreHitRate     prometheus.Gauge
	TransferBytesIn  prometheus.Counter
	TransferBytesOut prometheus.Counter
	MempoolDepth     prometheus.Gauge
	BlockHeight      prometheus.Gauge
	DifficultyBits   prometheus.Gauge
	CommitteeRounds  *prometheus.CounterVec
}

// NewMetrics registers the BCAI collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		StoreUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bcai", Subsystem: "store", Name: "used_bytes",
			Help: "Bytes currently held by the chunk store.",
		}),
		StoreHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bcai", Subsystem: "store", Name: "hit_rate",
			Help: "Chunk store lookup hit rate.",
		}),
		TransferBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcai", Subsystem: "transfer", Name: "bytes_in_total",
			Help: "Chunk payload bytes received.",
		}),
		TransferBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcai", Subsystem: "transfer", Name: "bytes_out_total",
			Help: "Chunk payload bytes served.",
		}),
		MempoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bcai", Subsystem: "mempool", Name: "depth",
			Help: "Pending transactions in the pool.",
		}),
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bcai", Subsystem: "chain", Name: "height",
			Help: "Canonical chain tip height.",
		}),
		DifficultyBits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bcai", Subsystem: "chain", Name: "difficulty_bits",
			Help: "Bit length of the current difficulty target.",
		}),
		CommitteeRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bcai", Subsystem: "committee", Name: "rounds_total",
			Help: "Committee round outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.StoreUsedBytes, m.StoreHitRate,
		m.TransferBytesIn, m.TransferBytesOut,
		m.MempoolDepth, m.BlockHeight, m.DifficultyBits,
		m.CommitteeRounds,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStore folds a chunk store snapshot into the gauges.
func (m *Metrics) ObserveStore(st StoreStats) {
	m.StoreUsedBytes.Set(float64(st.UsedBytes))
	m.StoreHitRate.Set(st.HitRate)
}
