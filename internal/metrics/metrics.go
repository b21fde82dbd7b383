// Package metrics holds the Prometheus instruments shared by the pipeline stages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SightingsTotal counts sightings handed to the reconciler, by outcome
	// (kept, stale, dropped).
	SightingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_reconcile_sightings_total",
		Help: "Sightings processed by the reconciler, by outcome",
	}, []string{"outcome"})

	// RecordsWrittenTotal counts rows created or updated by the reconciler.
	RecordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_reconcile_records_written_total",
		Help: "Observables and events written by the reconciler",
	}, []string{"kind", "op"})

	// AggregationRunsTotal counts aggregation runs by result.
	AggregationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_aggregation_runs_total",
		Help: "Aggregation runs, by result",
	}, []string{"result"})

	// WindowsAggregatedTotal counts hourly and daily windows written.
	WindowsAggregatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_aggregation_windows_total",
		Help: "Aggregate windows computed, by window size",
	}, []string{"window"})

	// UploadsTotal counts upload attempts by kind and result.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_uploads_total",
		Help: "Upload attempts, by kind and result",
	}, []string{"kind", "result"})

	// UploadedRecordsTotal counts records acknowledged by the server.
	UploadedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_uploaded_records_total",
		Help: "Records acknowledged by the server, by kind",
	}, []string{"kind"})

	// ReceivedTotal counts upload requests handled by the server, by kind and
	// HTTP status code.
	ReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_receiver_requests_total",
		Help: "Upload requests received, by kind and status code",
	}, []string{"kind", "code"})

	// SensorActive is 1 while the sensing process reports healthy.
	SensorActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tally_sensor_active",
		Help: "Whether the sensing process was active at the last health check",
	})
)
