// Package timeseries implements the partitioned series store backing the
// water-level forecast pipeline: historical simulation, satellite-observed
// water levels, ensemble forecasts and forecast records, each range-partitioned
// by time and indexed by (key, timestamp).
package timeseries

import (
	"math"
	"time"
)

// Kind identifies one of the four persisted series datasets. The value is
// also the base table name its partitions are derived from.
type Kind string

const (
	KindHistoricalSimulation Kind = "historical_simulation"
	KindObservedWaterLevel   Kind = "waterlevel_data"
	KindForecastRecords      Kind = "forecast_records"
	KindEnsembleForecast     Kind = "ensemble_forecast"
)

// NumMembers is the ensemble fan-out of the upstream model. Member index
// NumMembers-1 holds the high-resolution run.
const NumMembers = 52

// keyColumn returns the lookup column for a series kind. Observed water
// levels are keyed by station code, everything else by reach id.
func (k Kind) keyColumn() string {
	if k == KindObservedWaterLevel {
		return "hydroweb"
	}
	return "reachid"
}

// valueColumn returns the measurement column for a scalar series kind.
func (k Kind) valueColumn() string {
	if k == KindObservedWaterLevel {
		return "waterlevel"
	}
	return "value"
}

// reachKeyed reports whether the kind's key column is a numeric reach id.
func (k Kind) reachKeyed() bool {
	return k != KindObservedWaterLevel
}

// Point is a single (timestamp, value) pair of a scalar series.
type Point struct {
	Time  time.Time
	Value float64
}

// Series is an ordered scalar series with its correction state. Missing
// values are carried as NaN in memory and rendered as null at the API
// boundary, never as a numeric sentinel.
type Series struct {
	Points    []Point
	Corrected bool
}

// Values returns the series values as a flat slice.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Valid returns the points whose value is not missing.
func (s Series) Valid() []Point {
	out := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if !math.IsNaN(p.Value) {
			out = append(out, p)
		}
	}
	return out
}

// EnsembleRow holds the member values of one forecast lead timestep. Members
// are an ordered vector indexed 0..NumMembers-1; a NaN entry marks a missing
// member.
type EnsembleRow struct {
	Time        time.Time
	Initialized time.Time
	Members     []float64
}

// Station is the read-only metadata record for a Hydroweb observation site
// and the river reach it is linked to.
type Station struct {
	Hydroweb  string  `gorm:"primaryKey;column:hydroweb"`
	ReachID   int64   `gorm:"column:reachid;not null;index"`
	Basin     string  `gorm:"column:basin"`
	River     string  `gorm:"column:river"`
	Name      string  `gorm:"column:name"`
	Latitude  float64 `gorm:"column:latitude"`
	Longitude float64 `gorm:"column:longitude"`
	Elevation float64 `gorm:"column:elevation"`
	State     string  `gorm:"column:state"`
	Country   string  `gorm:"column:country"`
	Type      string  `gorm:"column:type"`
}

// TableName specifies the table name for Station
func (Station) TableName() string {
	return "station"
}

// ReturnPeriods holds the per-station return-period thresholds, strictly
// increasing from the 2-year to the 100-year event magnitude.
type ReturnPeriods struct {
	Hydroweb string  `gorm:"primaryKey;column:hydroweb"`
	R2       float64 `gorm:"column:return_period_2"`
	R5       float64 `gorm:"column:return_period_5"`
	R10      float64 `gorm:"column:return_period_10"`
	R25      float64 `gorm:"column:return_period_25"`
	R50      float64 `gorm:"column:return_period_50"`
	R100     float64 `gorm:"column:return_period_100"`
}

// TableName specifies the table name for ReturnPeriods
func (ReturnPeriods) TableName() string {
	return "return_periods"
}

// Ascending returns the thresholds ordered R2..R100.
func (rp ReturnPeriods) Ascending() [6]float64 {
	return [6]float64{rp.R2, rp.R5, rp.R10, rp.R25, rp.R50, rp.R100}
}

// WarningRow is one persisted warning bulletin entry: the categorical level
// per lead day for a station and forecast initialization date.
type WarningRow struct {
	Hydroweb string
	Date     time.Time
	Levels   []string
}
