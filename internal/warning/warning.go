// Package warning derives categorical flood-warning levels from corrected
// ensemble forecasts: Gumbel return-period thresholds from annual maxima,
// per-lead-day classification by exceedance fraction, and the GeoJSON
// bulletin the map layer consumes.
package warning

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/hydrowatch/waterlevel-forecast/internal/ensemble"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

// Level is a categorical warning severity, named for the return period the
// forecast is projected to exceed.
type Level string

const (
	LevelNone Level = "R0"
	LevelR2   Level = "R2"
	LevelR5   Level = "R5"
	LevelR10  Level = "R10"
	LevelR25  Level = "R25"
	LevelR50  Level = "R50"
	LevelR100 Level = "R100"
)

// descending pairs each level with an accessor into the threshold record,
// highest severity first so classification short-circuits on the worst
// applicable level.
var descending = []struct {
	level Level
	value func(timeseries.ReturnPeriods) float64
}{
	{LevelR100, func(rp timeseries.ReturnPeriods) float64 { return rp.R100 }},
	{LevelR50, func(rp timeseries.ReturnPeriods) float64 { return rp.R50 }},
	{LevelR25, func(rp timeseries.ReturnPeriods) float64 { return rp.R25 }},
	{LevelR10, func(rp timeseries.ReturnPeriods) float64 { return rp.R10 }},
	{LevelR5, func(rp timeseries.ReturnPeriods) float64 { return rp.R5 }},
	{LevelR2, func(rp timeseries.ReturnPeriods) float64 { return rp.R2 }},
}

var (
	// ErrInvalidThresholds means the return-period values are not strictly
	// increasing from the 2-year to the 100-year event.
	ErrInvalidThresholds = errors.New("warning: return-period thresholds not strictly increasing")
	// ErrInsufficientHistory means too few annual maxima exist to fit a
	// Gumbel distribution.
	ErrInsufficientHistory = errors.New("warning: insufficient history for return-period fit")
)

// DefaultCutoff is the exceedance fraction a threshold must reach before
// its level is raised.
const DefaultCutoff = 0.40

// ValidateThresholds checks that the record is usable for classification.
func ValidateThresholds(rp timeseries.ReturnPeriods) error {
	asc := rp.Ascending()
	for i := 1; i < len(asc); i++ {
		if asc[i] <= asc[i-1] {
			return fmt.Errorf("%w: %v", ErrInvalidThresholds, asc)
		}
	}
	return nil
}

// gumbel returns the Gumbel Type I event magnitude for a return period.
func gumbel(sd, mean, rp float64) float64 {
	y := -math.Log(-math.Log(1 - 1/rp))
	return y*sd*0.7797 + mean - 0.45*sd
}

// FitReturnPeriods fits Gumbel Type I thresholds to the annual maxima of a
// corrected historical series. At least two complete years are required.
func FitReturnPeriods(hydroweb string, corrected timeseries.Series) (timeseries.ReturnPeriods, error) {
	maxByYear := make(map[int]float64)
	for _, p := range corrected.Valid() {
		y := p.Time.UTC().Year()
		if cur, ok := maxByYear[y]; !ok || p.Value > cur {
			maxByYear[y] = p.Value
		}
	}
	if len(maxByYear) < 2 {
		return timeseries.ReturnPeriods{}, ErrInsufficientHistory
	}
	maxima := make([]float64, 0, len(maxByYear))
	for _, v := range maxByYear {
		maxima = append(maxima, v)
	}
	mean := stat.Mean(maxima, nil)
	sd := math.Sqrt(stat.PopVariance(maxima, nil))

	return timeseries.ReturnPeriods{
		Hydroweb: hydroweb,
		R2:       gumbel(sd, mean, 2),
		R5:       gumbel(sd, mean, 5),
		R10:      gumbel(sd, mean, 10),
		R25:      gumbel(sd, mean, 25),
		R50:      gumbel(sd, mean, 50),
		R100:     gumbel(sd, mean, 100),
	}, nil
}

// Classify assigns one level per lead day: the highest level whose
// exceedance fraction meets the cutoff, independently per day. The result
// is padded with LevelNone to leadDays entries.
func Classify(days []ensemble.Summary, rp timeseries.ReturnPeriods, cutoff float64, leadDays int) []Level {
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	out := make([]Level, leadDays)
	for i := range out {
		out[i] = LevelNone
	}
	for i, day := range days {
		if i >= leadDays {
			break
		}
		for _, c := range descending {
			if ensemble.Exceedance(day, c.value(rp)) >= cutoff {
				out[i] = c.level
				break
			}
		}
	}
	return out
}
