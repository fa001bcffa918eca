package restserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hydrowatch/waterlevel-forecast/internal/bias"
	"github.com/hydrowatch/waterlevel-forecast/internal/ensemble"
	"github.com/hydrowatch/waterlevel-forecast/internal/metrics"
	"github.com/hydrowatch/waterlevel-forecast/internal/skill"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
	"github.com/hydrowatch/waterlevel-forecast/internal/warning"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

// historyStart bounds the open-ended history queries; the upstream archive
// carries nothing before it.
var historyStart = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Service composes the store, the bias engine and the classifiers into the
// read-path operations the handlers expose.
type Service struct {
	store     timeseries.Store
	engine    *bias.Engine
	mappings  *bias.Cache
	bulletins *warning.BulletinCache
	cycle     config.CycleData
	clock     clockwork.Clock
	logger    *zap.SugaredLogger
}

func NewService(store timeseries.Store, cycle config.CycleData, clock clockwork.Clock, logger *zap.SugaredLogger) *Service {
	cycle.Defaults()
	return &Service{
		store:     store,
		engine:    bias.NewEngine(bias.Options{Breakpoints: cycle.Breakpoints, MinOverlap: cycle.MinOverlap}),
		mappings:  bias.NewCache(clock),
		bulletins: warning.NewBulletinCache(clock),
		cycle:     cycle,
		clock:     clock,
		logger:    logger,
	}
}

// Mappings exposes the correction-mapping cache so the pipeline can refit
// and invalidate entries.
func (s *Service) Mappings() *bias.Cache { return s.mappings }

// Bulletins exposes the bulletin cache for the pipeline's cycle publish.
func (s *Service) Bulletins() *warning.BulletinCache { return s.bulletins }

// Engine exposes the configured bias engine.
func (s *Service) Engine() *bias.Engine { return s.engine }

// stationFor resolves a station code to its metadata record.
func (s *Service) stationFor(ctx context.Context, code string) (*timeseries.Station, error) {
	return s.store.Station(ctx, code)
}

// StationCodeForReach maps a reach id to the hydroweb code of the station
// gauging it. The station table is small enough to scan.
func (s *Service) StationCodeForReach(ctx context.Context, reach string) (string, error) {
	id, err := strconv.ParseInt(reach, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid reach id %q: %w", reach, timeseries.ErrKeyNotFound)
	}
	stations, err := s.store.Stations(ctx)
	if err != nil {
		return "", err
	}
	for _, st := range stations {
		if st.ReachID == id {
			return st.Hydroweb, nil
		}
	}
	return "", fmt.Errorf("reach %d: %w", id, timeseries.ErrKeyNotFound)
}

func (s *Service) historyEnd() time.Time {
	return s.clock.Now().UTC().AddDate(0, 0, 1)
}

// rawHistory loads the simulated and observed series for a station.
func (s *Service) rawHistory(ctx context.Context, st *timeseries.Station) (sim, obs timeseries.Series, err error) {
	end := s.historyEnd()
	simPts, err := s.store.Query(ctx, timeseries.KindHistoricalSimulation, strconv.FormatInt(st.ReachID, 10), historyStart, end)
	if err != nil {
		return sim, obs, err
	}
	obsPts, err := s.store.Query(ctx, timeseries.KindObservedWaterLevel, st.Hydroweb, historyStart, end)
	if err != nil {
		return sim, obs, err
	}
	return timeseries.Series{Points: simPts}, timeseries.Series{Points: obsPts}, nil
}

// mappingFor returns the station's correction mapping, fitting and caching
// one when absent or stale. A nil return means the station has no usable
// mapping and callers must fall back to uncorrected values.
func (s *Service) mappingFor(st *timeseries.Station, sim, obs timeseries.Series) *bias.Mapping {
	var obsEnd time.Time
	if valid := obs.Valid(); len(valid) > 0 {
		obsEnd = valid[len(valid)-1].Time
	}
	if entry, ok := s.mappings.Get(st.Hydroweb); ok && !s.mappings.Stale(st.Hydroweb, obsEnd) {
		return entry.Mapping
	}
	m, err := s.engine.Fit(sim, obs)
	if err != nil {
		s.logger.Debugw("no usable correction mapping", "station", st.Hydroweb, "error", err)
		metrics.MappingFailures.WithLabelValues(failureReason(err)).Inc()
		return nil
	}
	s.mappings.Put(st.Hydroweb, m, obsEnd)
	metrics.MappingsRebuilt.Inc()
	return m
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, bias.ErrInsufficientOverlap):
		return "insufficient_overlap"
	case errors.Is(err, bias.ErrNoObservations):
		return "no_observations"
	default:
		return "other"
	}
}

// CorrectedHistory returns the station's history, corrected when a mapping
// is available and flagged uncorrected otherwise.
func (s *Service) CorrectedHistory(ctx context.Context, code string) (*HistoryResponse, error) {
	st, err := s.stationFor(ctx, code)
	if err != nil {
		return nil, err
	}
	sim, obs, err := s.rawHistory(ctx, st)
	if err != nil {
		return nil, err
	}
	resp := &HistoryResponse{
		Station:  st.Hydroweb,
		ReachID:  st.ReachID,
		Observed: toTimeValues(obs.Points),
	}
	if m := s.mappingFor(st, sim, obs); m != nil {
		corrected, err := s.engine.CorrectSeries(m, sim)
		if err != nil {
			return nil, err
		}
		resp.Corrected = true
		resp.Simulated = toTimeValues(corrected.Points)
		return resp, nil
	}
	resp.Simulated = toTimeValues(sim.Points)
	return resp, nil
}

// Climatology returns monthly and day-of-year averages of the observed and
// (possibly corrected) simulated series.
func (s *Service) Climatology(ctx context.Context, code string) (*ClimatologyResponse, error) {
	st, err := s.stationFor(ctx, code)
	if err != nil {
		return nil, err
	}
	sim, obs, err := s.rawHistory(ctx, st)
	if err != nil {
		return nil, err
	}
	corrected := false
	if m := s.mappingFor(st, sim, obs); m != nil {
		if cs, err := s.engine.CorrectSeries(m, sim); err == nil {
			sim = cs
			corrected = true
		}
	}
	return &ClimatologyResponse{
		Station:   st.Hydroweb,
		Corrected: corrected,
		Monthly:   climatology(obs, sim, func(t time.Time) int { return int(t.UTC().Month()) }),
		DayOfYear: climatology(obs, sim, func(t time.Time) int { return t.UTC().YearDay() }),
	}, nil
}

func climatology(obs, sim timeseries.Series, bucket func(time.Time) int) []ClimatologyEntry {
	type acc struct {
		obsSum, simSum float64
		obsN, simN     int
	}
	buckets := make(map[int]*acc)
	get := func(b int) *acc {
		a, ok := buckets[b]
		if !ok {
			a = &acc{}
			buckets[b] = a
		}
		return a
	}
	for _, p := range obs.Valid() {
		a := get(bucket(p.Time))
		a.obsSum += p.Value
		a.obsN++
	}
	for _, p := range sim.Valid() {
		a := get(bucket(p.Time))
		a.simSum += p.Value
		a.simN++
	}
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := make([]ClimatologyEntry, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		e := ClimatologyEntry{Bucket: k}
		if a.obsN > 0 {
			e.Observed = fptr(a.obsSum / float64(a.obsN))
		}
		if a.simN > 0 {
			e.Simulated = fptr(a.simSum / float64(a.simN))
		}
		out = append(out, e)
	}
	return out
}

// Skill returns the accuracy metrics of the corrected history against the
// observed record.
func (s *Service) Skill(ctx context.Context, code string) (*SkillResponse, error) {
	st, err := s.stationFor(ctx, code)
	if err != nil {
		return nil, err
	}
	sim, obs, err := s.rawHistory(ctx, st)
	if err != nil {
		return nil, err
	}
	if m := s.mappingFor(st, sim, obs); m != nil {
		if cs, err := s.engine.CorrectSeries(m, sim); err == nil {
			sim = cs
		}
	}
	// Observations are rebased the same way the fit sees them, so the
	// comparison runs on one scale.
	obs = rebaseObserved(obs)

	table, err := skill.Evaluate(sim, obs)
	if err != nil {
		return nil, err
	}
	return &SkillResponse{Station: st.Hydroweb, ReachID: st.ReachID, Metrics: table}, nil
}

// rebaseObserved shifts an observed series to gauge zero, mirroring the
// normalization the bias engine applies before fitting.
func rebaseObserved(obs timeseries.Series) timeseries.Series {
	valid := obs.Valid()
	if len(valid) == 0 {
		return obs
	}
	min := valid[0].Value
	for _, p := range valid[1:] {
		if p.Value < min {
			min = p.Value
		}
	}
	out := timeseries.Series{Points: make([]timeseries.Point, len(obs.Points))}
	for i, p := range obs.Points {
		v := p.Value
		if !math.IsNaN(v) {
			v -= min
			if v < 0.1 {
				v = 0.1
			}
		}
		out.Points[i] = timeseries.Point{Time: p.Time, Value: v}
	}
	return out
}

// Forecast returns the corrected ensemble summary for the latest
// initialization on or before the requested date.
func (s *Service) Forecast(ctx context.Context, code string, date time.Time) (*ForecastResponse, error) {
	st, err := s.stationFor(ctx, code)
	if err != nil {
		return nil, err
	}
	reach := strconv.FormatInt(st.ReachID, 10)

	init, err := s.store.LatestInitialization(ctx, reach, date)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.QueryEnsemble(ctx, reach, init)
	if err != nil {
		return nil, err
	}

	sim, obs, err := s.rawHistory(ctx, st)
	if err != nil {
		return nil, err
	}
	corrected := true
	correctedRows, err := s.engine.CorrectForecast(rows, sim, obs)
	if err != nil {
		// Degraded but available: serve the raw ensemble, flagged.
		s.logger.Debugw("forecast served uncorrected", "station", st.Hydroweb, "error", err)
		corrected = false
		correctedRows = rows
	}
	summaries := ensemble.Summarize(correctedRows, s.cycle.MinMembers)

	resp := &ForecastResponse{
		Station:     st.Hydroweb,
		ReachID:     st.ReachID,
		Initialized: init.UTC().Format(dateLayout),
		Corrected:   corrected,
		Steps:       make([]ForecastStep, len(summaries)),
	}
	for i, sum := range summaries {
		resp.Steps[i] = ForecastStep{
			Date:          sum.Time.UTC().Format(dateLayout),
			Mean:          fptr(sum.Mean),
			Median:        fptr(sum.Median),
			Min:           fptr(sum.Min),
			Max:           fptr(sum.Max),
			P25:           fptr(sum.P25),
			P75:           fptr(sum.P75),
			HighRes:       fptr(sum.HighRes),
			ValidMembers:  sum.ValidMembers,
			LowConfidence: sum.LowConfidence,
		}
	}

	if rp, err := s.store.Thresholds(ctx, st.Hydroweb); err == nil {
		resp.ReturnPeriods = map[string]float64{
			"return_period_2":   rp.R2,
			"return_period_5":   rp.R5,
			"return_period_10":  rp.R10,
			"return_period_25":  rp.R25,
			"return_period_50":  rp.R50,
			"return_period_100": rp.R100,
		}
	} else if !errors.Is(err, timeseries.ErrKeyNotFound) {
		return nil, err
	}

	if records, err := s.store.Query(ctx, timeseries.KindForecastRecords, reach, init, init.AddDate(0, 0, s.cycle.LeadDays+1)); err == nil {
		recSeries := timeseries.Series{Points: records}
		if corrected {
			if cr, err := s.engine.CorrectRecords(recSeries, sim, obs); err == nil {
				recSeries = cr
			}
		}
		resp.Records = toTimeValues(recSeries.Points)
	}
	return resp, nil
}

// Warnings returns the network-wide bulletin for a date, serving the cached
// collection when the date matches the current cycle.
func (s *Service) Warnings(ctx context.Context, date time.Time) (*warning.FeatureCollection, error) {
	if fc, ok := s.bulletins.Get(date); ok {
		return fc, nil
	}
	rows, err := s.store.WarningsForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	stations, err := s.store.Stations(ctx)
	if err != nil {
		return nil, err
	}
	fc := warning.Bulletin(date, stations, rows)
	s.bulletins.Put(date, fc)
	return fc, nil
}
