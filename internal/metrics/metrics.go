// Package metrics provides the Prometheus collectors for the sync engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains all Prometheus metrics exported by the engine.
type EngineMetrics struct {
	QueueDepth       prometheus.Gauge
	FailedUploads    prometheus.Gauge
	UploadAttempts   *prometheus.CounterVec
	CacheBytes       prometheus.Gauge
	CacheEntries     prometheus.Gauge
	CacheHits        *prometheus.CounterVec
	CacheMisses      prometheus.Counter
	CacheEvictions   *prometheus.CounterVec
	SnapshotsApplied prometheus.Counter
	RecordsDropped   prometheus.Counter
	PinCount         prometheus.Gauge
}

// NewEngineMetrics creates the engine metrics and registers them with registry.
// It returns an error if metric registration fails.
func NewEngineMetrics(registry prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pindrop_upload_queue_depth",
			Help: "Number of upload jobs waiting or in flight",
		}),
		FailedUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pindrop_failed_uploads",
			Help: "Number of uploads parked in the failed store",
		}),
		UploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pindrop_upload_attempts_total",
			Help: "Upload job attempts by result (success, retry, failed)",
		}, []string{"result"}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pindrop_blob_cache_bytes",
			Help: "Bytes held in the disk tier of the blob cache",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pindrop_blob_cache_entries",
			Help: "Entries held in the disk tier of the blob cache",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pindrop_blob_cache_hits_total",
			Help: "Blob cache hits by tier (memory, disk)",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pindrop_blob_cache_misses_total",
			Help: "Blob cache misses",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pindrop_blob_cache_evictions_total",
			Help: "Blob cache evictions by reason (size, age, corrupt)",
		}, []string{"reason"}),
		SnapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pindrop_snapshots_applied_total",
			Help: "Remote change batches merged into local state",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pindrop_records_dropped_total",
			Help: "Remote pin records dropped by validation",
		}),
		PinCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pindrop_pins",
			Help: "Pins currently known locally",
		}),
	}

	collectors := []prometheus.Collector{
		m.QueueDepth, m.FailedUploads, m.UploadAttempts,
		m.CacheBytes, m.CacheEntries, m.CacheHits, m.CacheMisses, m.CacheEvictions,
		m.SnapshotsApplied, m.RecordsDropped, m.PinCount,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register engine metrics: %w", err)
		}
	}

	return m, nil
}

// NewUnregistered returns metrics bound to a private registry. Components use
// it when no metrics were injected.
func NewUnregistered() *EngineMetrics {
	m, err := NewEngineMetrics(prometheus.NewRegistry())
	if err != nil {
		panic(err) // a fresh registry cannot hold duplicates
	}
	return m
}
