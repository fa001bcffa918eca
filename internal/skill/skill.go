// Package skill computes accuracy metrics between a corrected simulated
// series and the observed record over their paired overlap.
package skill

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

// ErrInsufficientPairs means fewer than two paired samples exist, so no
// metric is defined.
var ErrInsufficientPairs = errors.New("skill: insufficient paired samples")

// Metrics is the error-statistics table for one station.
type Metrics struct {
	Pairs    int     `json:"pairs"`
	ME       float64 `json:"me"`
	RMSE     float64 `json:"rmse"`
	NSE      float64 `json:"nse"`
	KGE2009  float64 `json:"kge_2009"`
	KGE2012  float64 `json:"kge_2012"`
	Pearson  float64 `json:"pearson"`
	Spearman float64 `json:"spearman"`
	R2       float64 `json:"r2"`
}

func dayKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// pair aligns the two series on shared calendar days, dropping missing
// values on either side.
func pair(sim, obs timeseries.Series) (simVals, obsVals []float64) {
	byDay := make(map[time.Time]float64)
	for _, p := range obs.Valid() {
		byDay[dayKey(p.Time)] = p.Value
	}
	for _, p := range sim.Valid() {
		if ov, ok := byDay[dayKey(p.Time)]; ok {
			simVals = append(simVals, p.Value)
			obsVals = append(obsVals, ov)
		}
	}
	return simVals, obsVals
}

// Evaluate computes the full metric table from the paired overlap of the
// simulated and observed series.
func Evaluate(sim, obs timeseries.Series) (Metrics, error) {
	s, o := pair(sim, obs)
	if len(s) < 2 {
		return Metrics{}, ErrInsufficientPairs
	}

	n := float64(len(s))
	meanSim := stat.Mean(s, nil)
	meanObs := stat.Mean(o, nil)

	var sumErr, sumSqErr, sumSqDev float64
	for i := range s {
		d := s[i] - o[i]
		sumErr += d
		sumSqErr += d * d
		od := o[i] - meanObs
		sumSqDev += od * od
	}

	r := stat.Correlation(s, o, nil)
	sdSim := stat.PopStdDev(s, nil)
	sdObs := stat.PopStdDev(o, nil)

	m := Metrics{
		Pairs:    len(s),
		ME:       sumErr / n,
		RMSE:     math.Sqrt(sumSqErr / n),
		Pearson:  r,
		Spearman: spearman(s, o),
		R2:       r * r,
	}

	if sumSqDev > 0 {
		m.NSE = 1 - sumSqErr/sumSqDev
	} else {
		m.NSE = math.NaN()
	}

	alpha := sdSim / sdObs
	beta := meanSim / meanObs
	m.KGE2009 = 1 - math.Sqrt(sq(r-1)+sq(alpha-1)+sq(beta-1))

	// 2012 variant replaces the variability ratio with the ratio of
	// coefficients of variation, decorrelating it from the bias term.
	gamma := (sdSim / meanSim) / (sdObs / meanObs)
	m.KGE2012 = 1 - math.Sqrt(sq(r-1)+sq(gamma-1)+sq(beta-1))

	return m, nil
}

func sq(x float64) float64 { return x * x }

// spearman is the Pearson correlation of the rank-transformed values, with
// ties given their average rank.
func spearman(a, b []float64) float64 {
	return stat.Correlation(ranks(a), ranks(b), nil)
}

func ranks(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return v[idx[i]] < v[idx[j]] })

	out := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}
