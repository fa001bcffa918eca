// Package ensemble reduces 52-member forecast rows into the summary
// statistics and exceedance fractions the warning classifier and the read
// API consume. Member NumMembers-1 is the high-resolution run; it is
// reported on its own and kept out of the spread statistics.
package ensemble

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

// DefaultMinMembers is the valid-member count below which a step is flagged
// low confidence rather than suppressed.
const DefaultMinMembers = 10

// Summary holds the per-timestep reduction of the ensemble members.
type Summary struct {
	Time          time.Time
	Mean          float64
	Median        float64
	Min           float64
	Max           float64
	P25           float64
	P75           float64
	HighRes       float64
	Sorted        []float64 // valid spread members, ascending
	AllSorted     []float64 // every valid member including the high-res run, ascending
	ValidMembers  int
	LowConfidence bool
}

// Summarize reduces each forecast row. Missing members are excluded; a step
// with fewer than minMembers valid members is flagged, not dropped, so the
// caller still sees the step in the forecast horizon.
func Summarize(rows []timeseries.EnsembleRow, minMembers int) []Summary {
	if minMembers <= 0 {
		minMembers = DefaultMinMembers
	}
	out := make([]Summary, len(rows))
	for i, row := range rows {
		out[i] = summarizeRow(row, minMembers)
	}
	return out
}

func summarizeRow(row timeseries.EnsembleRow, minMembers int) Summary {
	s := Summary{Time: row.Time, HighRes: math.NaN()}
	spread := make([]float64, 0, len(row.Members))
	for j, v := range row.Members {
		if j == timeseries.NumMembers-1 {
			s.HighRes = v
			continue
		}
		if !math.IsNaN(v) {
			spread = append(spread, v)
		}
	}
	sort.Float64s(spread)
	s.Sorted = spread
	s.ValidMembers = len(spread)
	s.LowConfidence = len(spread) < minMembers

	all := spread
	if !math.IsNaN(s.HighRes) {
		all = append(append(make([]float64, 0, len(spread)+1), spread...), s.HighRes)
		sort.Float64s(all)
	}
	s.AllSorted = all

	if len(spread) == 0 {
		s.Mean, s.Median, s.Min, s.Max = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		s.P25, s.P75 = math.NaN(), math.NaN()
		return s
	}
	s.Mean = stat.Mean(spread, nil)
	s.Median = quantile(0.5, spread)
	s.P25 = quantile(0.25, spread)
	s.P75 = quantile(0.75, spread)
	s.Min = spread[0]
	s.Max = spread[len(spread)-1]
	return s
}

// quantile interpolates linearly between order statistics at index p·(n−1),
// the convention pandas and numpy default to. gonum's CumulantKinds anchor
// the empirical CDF at p·n instead, which lands the 51-member median between
// samples.
func quantile(p float64, sorted []float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := p * float64(n-1)
	i := int(h)
	if i >= n-1 {
		return sorted[n-1]
	}
	return sorted[i] + (h-float64(i))*(sorted[i+1]-sorted[i])
}

// Exceedance returns the fraction of valid members at or above t. The
// high-resolution run counts here, unlike in the spread statistics: it is a
// real model trajectory and the warning classifier weighs all of them.
// Non-increasing in t.
func Exceedance(s Summary, t float64) float64 {
	if len(s.AllSorted) == 0 {
		return 0
	}
	i := sort.SearchFloat64s(s.AllSorted, t)
	return float64(len(s.AllSorted)-i) / float64(len(s.AllSorted))
}

// DailyMax collapses sub-daily steps to one row per UTC calendar day,
// keeping each member's maximum across the day. A member missing for the
// whole day stays missing.
func DailyMax(rows []timeseries.EnsembleRow) []timeseries.EnsembleRow {
	if len(rows) == 0 {
		return nil
	}
	byDay := make(map[time.Time]*timeseries.EnsembleRow)
	var days []time.Time
	for _, row := range rows {
		y, m, d := row.Time.UTC().Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		acc, ok := byDay[day]
		if !ok {
			members := make([]float64, len(row.Members))
			for j := range members {
				members[j] = math.NaN()
			}
			acc = &timeseries.EnsembleRow{Time: day, Initialized: row.Initialized, Members: members}
			byDay[day] = acc
			days = append(days, day)
		}
		for j, v := range row.Members {
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(acc.Members[j]) || v > acc.Members[j] {
				acc.Members[j] = v
			}
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	out := make([]timeseries.EnsembleRow, len(days))
	for i, day := range days {
		out[i] = *byDay[day]
	}
	return out
}
