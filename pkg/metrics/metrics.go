// Package metrics carries the daemon's Prometheus instrumentation. All
// collectors register on the default registry and are served from the
// control socket's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wardenfs/snapwarden/pkg/model"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapwarden_jobs_total",
			Help: "Finished jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapwarden_job_duration_seconds",
			Help:    "Job wall time by kind",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	SnapshotsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapwarden_snapshots_created_total",
			Help: "Snapshots taken since daemon start",
		},
	)

	SnapshotsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapwarden_snapshots_pruned_total",
			Help: "Snapshots removed by retention passes",
		},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapwarden_transfers_total",
			Help: "Confirmed snapshot transfers per target",
		},
		[]string{"target"},
	)

	ReplicatedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapwarden_replicated_bytes_total",
			Help: "Bytes shipped to targets, as counted by the backend",
		},
		[]string{"target"},
	)

	CursorSequence = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapwarden_replication_cursor_sequence",
			Help: "Last confirmed snapshot sequence per dataset and target",
		},
		[]string{"dataset", "target"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapwarden_alerts_total",
			Help: "Alerts raised by severity",
		},
		[]string{"severity"},
	)
)

// RecordJob counts one finished job. The signature matches the
// coordinator's OnJob hook.
func RecordJob(kind model.JobKind, err error, took time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	JobsTotal.WithLabelValues(string(kind), result).Inc()
	JobDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

// RecordSnapshot counts one created snapshot.
func RecordSnapshot() {
	SnapshotsCreated.Inc()
}

// RecordPruned counts snapshots removed by one retention pass.
func RecordPruned(n int) {
	SnapshotsPruned.Add(float64(n))
}

// RecordTransfer counts one confirmed transfer and its payload bytes.
func RecordTransfer(target string, bytes uint64) {
	TransfersTotal.WithLabelValues(target).Inc()
	ReplicatedBytes.WithLabelValues(target).Add(float64(bytes))
}

// SetCursor publishes a dataset's confirmed sequence at a target.
func SetCursor(dataset, target string, seq uint64) {
	CursorSequence.WithLabelValues(dataset, target).Set(float64(seq))
}

// RecordAlert counts one newly raised alert.
func RecordAlert(severity string) {
	AlertsTotal.WithLabelValues(severity).Inc()
}
