package restserver

import (
	"math"
	"time"

	"github.com/hydrowatch/waterlevel-forecast/internal/skill"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

const dateLayout = "2006-01-02"

// TimeValue is one dated sample. A missing value is encoded as JSON null,
// never as a numeric sentinel.
type TimeValue struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// HistoryResponse carries a station's historical series. Corrected reports
// whether bias correction was applied; when the station lacks a usable
// correction mapping the raw series is returned with Corrected false rather
// than an empty response.
type HistoryResponse struct {
	Station   string      `json:"station"`
	ReachID   int64       `json:"reachid"`
	Corrected bool        `json:"corrected"`
	Simulated []TimeValue `json:"simulated"`
	Observed  []TimeValue `json:"observed"`
}

// ClimatologyResponse carries day-of-year and monthly averages of the
// observed and corrected series.
type ClimatologyResponse struct {
	Station   string             `json:"station"`
	Corrected bool               `json:"corrected"`
	Monthly   []ClimatologyEntry `json:"monthly"`
	DayOfYear []ClimatologyEntry `json:"day_of_year"`
}

// ClimatologyEntry is one bucket of the climatology: a calendar month
// (1-12) or a day of year (1-366).
type ClimatologyEntry struct {
	Bucket    int      `json:"bucket"`
	Observed  *float64 `json:"observed"`
	Simulated *float64 `json:"simulated"`
}

// SkillResponse wraps the accuracy metric table.
type SkillResponse struct {
	Station string        `json:"station"`
	ReachID int64         `json:"reachid"`
	Metrics skill.Metrics `json:"metrics"`
}

// ForecastStep is one lead timestep of the corrected ensemble summary.
type ForecastStep struct {
	Date          string   `json:"date"`
	Mean          *float64 `json:"mean"`
	Median        *float64 `json:"median"`
	Min           *float64 `json:"min"`
	Max           *float64 `json:"max"`
	P25           *float64 `json:"p25"`
	P75           *float64 `json:"p75"`
	HighRes       *float64 `json:"high_res"`
	ValidMembers  int      `json:"valid_members"`
	LowConfidence bool     `json:"low_confidence"`
}

// ForecastResponse carries the ensemble summary for the latest
// initialization on or before the requested date.
type ForecastResponse struct {
	Station       string             `json:"station"`
	ReachID       int64              `json:"reachid"`
	Initialized   string             `json:"initialized"`
	Corrected     bool               `json:"corrected"`
	Steps         []ForecastStep     `json:"steps"`
	ReturnPeriods map[string]float64 `json:"return_periods,omitempty"`
	Records       []TimeValue        `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func fptr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func toTimeValues(pts []timeseries.Point) []TimeValue {
	out := make([]TimeValue, len(pts))
	for i, p := range pts {
		out[i] = TimeValue{Date: p.Time.UTC().Format(dateLayout), Value: fptr(p.Value)}
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}
