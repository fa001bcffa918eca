// Package metrics exposes Prometheus instruments for the forecast pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterlevel_rows_ingested_total",
			Help: "Total series rows upserted into the store",
		},
		[]string{"kind"},
	)

	ConflictingWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterlevel_conflicting_writes_total",
			Help: "Duplicate (key, timestamp) writes resolved last-write-wins",
		},
		[]string{"kind"},
	)

	MappingsRebuilt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waterlevel_bias_mappings_rebuilt_total",
			Help: "Bias correction mappings fitted or refitted",
		},
	)

	MappingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterlevel_bias_mapping_failures_total",
			Help: "Bias correction fits that fell back to uncorrected output",
		},
		[]string{"reason"},
	)

	WarningsComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterlevel_warnings_computed_total",
			Help: "Per-station warning classifications computed per cycle",
		},
		[]string{"level"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waterlevel_forecast_cycle_duration_seconds",
			Help:    "Wall time of a full forecast cycle across all stations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	StationCycleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waterlevel_station_cycle_errors_total",
			Help: "Stations that failed during a forecast cycle",
		},
	)
)
