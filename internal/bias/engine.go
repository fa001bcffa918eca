package bias

import (
	"errors"
	"math"
	"time"

	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

var (
	// ErrInsufficientOverlap means the simulated and observed series share
	// fewer paired days than the configured minimum. Callers fall back to
	// uncorrected values with the Corrected flag left false.
	ErrInsufficientOverlap = errors.New("bias: insufficient overlap between simulated and observed series")
	// ErrNoObservations means the station has no valid observed values at all.
	ErrNoObservations = errors.New("bias: no valid observations")
	// ErrAlreadyCorrected guards against applying a mapping twice.
	ErrAlreadyCorrected = errors.New("bias: series is already corrected")
)

// gaugeFloor is the lowest value either series carries into a fit. Observed
// series are rebased to gauge zero first, so values at or near the minimum
// collapse to this floor.
const gaugeFloor = 0.1

// Options tune the fitting procedure. Zero values fall back to defaults.
type Options struct {
	Breakpoints int
	MinOverlap  int
}

func (o Options) withDefaults() Options {
	if o.Breakpoints <= 0 {
		o.Breakpoints = DefaultBreakpoints
	}
	if o.MinOverlap <= 0 {
		o.MinOverlap = 30
	}
	return o
}

// Engine fits and applies correction mappings.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// dayKey collapses a timestamp to its calendar day in UTC, the pairing
// granularity for overlap detection.
func dayKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// normalizeObserved rebases observed points to gauge zero (value minus the
// series minimum) and floors the result, dropping missing values.
func normalizeObserved(obs timeseries.Series) []timeseries.Point {
	valid := obs.Valid()
	if len(valid) == 0 {
		return nil
	}
	min := valid[0].Value
	for _, p := range valid[1:] {
		if p.Value < min {
			min = p.Value
		}
	}
	out := make([]timeseries.Point, len(valid))
	for i, p := range valid {
		v := p.Value - min
		if v < gaugeFloor {
			v = gaugeFloor
		}
		out[i] = timeseries.Point{Time: p.Time, Value: v}
	}
	return out
}

// floorSimulated drops missing values and floors the rest.
func floorSimulated(sim timeseries.Series) []timeseries.Point {
	valid := sim.Valid()
	out := make([]timeseries.Point, len(valid))
	for i, p := range valid {
		v := p.Value
		if v < gaugeFloor {
			v = gaugeFloor
		}
		out[i] = timeseries.Point{Time: p.Time, Value: v}
	}
	return out
}

// pairByDay returns the simulated and observed values on days present in
// both series.
func pairByDay(sim, obs []timeseries.Point) (simVals, obsVals []float64) {
	byDay := make(map[time.Time]float64, len(obs))
	for _, p := range obs {
		byDay[dayKey(p.Time)] = p.Value
	}
	for _, p := range sim {
		if ov, ok := byDay[dayKey(p.Time)]; ok {
			simVals = append(simVals, p.Value)
			obsVals = append(obsVals, ov)
		}
	}
	return simVals, obsVals
}

// Fit builds a correction mapping from the overlapping days of a simulated
// and an observed series. The observed series is rebased to gauge zero
// before fitting.
func (e *Engine) Fit(sim, obs timeseries.Series) (*Mapping, error) {
	normObs := normalizeObserved(obs)
	if len(normObs) == 0 {
		return nil, ErrNoObservations
	}
	simVals, obsVals := pairByDay(floorSimulated(sim), normObs)
	if len(simVals) < e.opts.MinOverlap {
		return nil, ErrInsufficientOverlap
	}
	return newMapping(simVals, obsVals, e.opts.Breakpoints), nil
}

// CorrectSeries applies a mapping to a full series. The input must not
// already be corrected; missing values pass through unchanged.
func (e *Engine) CorrectSeries(m *Mapping, s timeseries.Series) (timeseries.Series, error) {
	if s.Corrected {
		return timeseries.Series{}, ErrAlreadyCorrected
	}
	out := timeseries.Series{
		Points:    make([]timeseries.Point, len(s.Points)),
		Corrected: true,
	}
	for i, p := range s.Points {
		out.Points[i] = timeseries.Point{Time: p.Time, Value: m.Correct(p.Value)}
	}
	return out, nil
}

// CorrectForecast corrects ensemble rows against the calendar month of the
// forecast's first timestep. Members are clamped into the monthly simulated
// range, mapped through a month-restricted fit, then the out-of-range scale
// factors are multiplied back so extreme magnitudes survive the clamp.
func (e *Engine) CorrectForecast(rows []timeseries.EnsembleRow, sim, obs timeseries.Series) ([]timeseries.EnsembleRow, error) {
	if len(rows) == 0 {
		return nil, timeseries.ErrNoForecast
	}
	normObs := normalizeObserved(obs)
	if len(normObs) == 0 {
		return nil, ErrNoObservations
	}
	f := e.fitMonth(floorSimulated(sim), normObs, rows[0].Time.UTC().Month())
	if f == nil {
		return nil, ErrInsufficientOverlap
	}

	out := make([]timeseries.EnsembleRow, len(rows))
	for i, row := range rows {
		members := make([]float64, len(row.Members))
		for j, v := range row.Members {
			if math.IsNaN(v) {
				members[j] = v
				continue
			}
			members[j] = f.correct(v)
		}
		out[i] = timeseries.EnsembleRow{Time: row.Time, Initialized: row.Initialized, Members: members}
	}
	return out, nil
}

// monthFit is one calendar month's restricted mapping plus the simulated
// range the clamp works against.
type monthFit struct {
	m              *Mapping
	minSim, maxSim float64
}

func (e *Engine) fitMonth(sim, obs []timeseries.Point, month time.Month) *monthFit {
	monthlySim := filterMonth(sim, month)
	simVals, obsVals := pairByDay(monthlySim, filterMonth(obs, month))
	if len(simVals) < e.opts.MinOverlap {
		return nil
	}
	f := &monthFit{
		m:      newMapping(simVals, obsVals, e.opts.Breakpoints),
		minSim: math.Inf(1),
		maxSim: math.Inf(-1),
	}
	for _, p := range monthlySim {
		if p.Value < f.minSim {
			f.minSim = p.Value
		}
		if p.Value > f.maxSim {
			f.maxSim = p.Value
		}
	}
	return f
}

// correct clamps a value into the month's simulated range, maps it, and
// multiplies the out-of-range scale factor back.
func (f *monthFit) correct(v float64) float64 {
	factor := 1.0
	clamped := v
	switch {
	case v < f.minSim:
		factor = v / f.minSim
		clamped = f.minSim
	case v > f.maxSim:
		factor = v / f.maxSim
		clamped = f.maxSim
	}
	return f.m.Correct(clamped) * factor
}

// CorrectRecords corrects a forecast-records series month by month through
// the same clamp-map-scale path the ensemble takes, each point against its
// own calendar month. Points in months without enough overlap to fit are
// dropped from the output; when no month fits at all the caller gets
// ErrInsufficientOverlap and serves the records uncorrected.
func (e *Engine) CorrectRecords(records, sim, obs timeseries.Series) (timeseries.Series, error) {
	if records.Corrected {
		return timeseries.Series{}, ErrAlreadyCorrected
	}
	normObs := normalizeObserved(obs)
	if len(normObs) == 0 {
		return timeseries.Series{}, ErrNoObservations
	}
	flooredSim := floorSimulated(sim)

	fits := make(map[time.Month]*monthFit)
	fitted := false
	out := timeseries.Series{Corrected: true}
	for _, p := range records.Points {
		month := p.Time.UTC().Month()
		f, ok := fits[month]
		if !ok {
			f = e.fitMonth(flooredSim, normObs, month)
			fits[month] = f
		}
		if f == nil {
			continue
		}
		fitted = true
		v := p.Value
		if !math.IsNaN(v) {
			v = f.correct(v)
		}
		out.Points = append(out.Points, timeseries.Point{Time: p.Time, Value: v})
	}
	if !fitted {
		return timeseries.Series{}, ErrInsufficientOverlap
	}
	return out, nil
}

func filterMonth(pts []timeseries.Point, month time.Month) []timeseries.Point {
	out := make([]timeseries.Point, 0, len(pts))
	for _, p := range pts {
		if p.Time.UTC().Month() == month {
			out = append(out, p)
		}
	}
	return out
}
