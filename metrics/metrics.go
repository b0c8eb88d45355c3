// metrics/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metrics exports Prometheus counters and gauges describing backup
// activity and the behavior of the storage targets.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker states reported through WorkerState.
const (
	WorkerIdle    = 0
	WorkerRunning = 1
	WorkerHalted  = 2
)

var (
	targetOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkmirror_target_operations_total",
			Help: "Total number of storage target operations",
		},
		[]string{"target", "operation", "status"},
	)

	targetOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bkmirror_target_operation_duration_seconds",
			Help:    "Storage target operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "operation"},
	)

	filesBackedUp = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkmirror_files_backed_up_total",
			Help: "Files written to a backup destination",
		},
		[]string{"job"},
	)

	filesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bkmirror_files_deleted_total",
			Help: "Files removed from a backup destination",
		},
		[]string{"job"},
	)

	filesRestored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bkmirror_files_restored_total",
			Help: "Files reconstructed by restore runs",
		},
	)

	bytesEncoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bkmirror_bytes_encoded_total",
			Help: "Encoded bytes produced for encrypted destinations",
		},
	)

	registryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bkmirror_registry_entries",
			Help: "Live entries in the name registry",
		},
	)

	workerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bkmirror_worker_state",
			Help: "Backup worker state (0 idle, 1 running, 2 halted)",
		},
	)

	pendingChanges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bkmirror_pending_changes",
			Help: "File system changes queued for the next live pass",
		},
	)
)

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTargetOperation records one call into a storage target.
func RecordTargetOperation(target, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	targetOperationsTotal.WithLabelValues(target, operation, status).Inc()
	targetOperationDuration.WithLabelValues(target, operation).Observe(duration.Seconds())
}

func RecordFileBackedUp(job string) {
	filesBackedUp.WithLabelValues(job).Inc()
}

func RecordFileDeleted(job string) {
	filesDeleted.WithLabelValues(job).Inc()
}

func RecordFileRestored() {
	filesRestored.Inc()
}

func RecordBytesEncoded(n int64) {
	bytesEncoded.Add(float64(n))
}

func SetRegistryEntries(n int) {
	registryEntries.Set(float64(n))
}

func SetWorkerState(state int) {
	workerState.Set(float64(state))
}

func SetPendingChanges(n int) {
	pendingChanges.Set(float64(n))
}
