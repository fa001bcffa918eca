// Package pipeline runs the daily forecast cycle: per station it refits the
// bias correction mapping when new observations arrived, corrects the
// latest ensemble forecast, classifies flood-warning levels and persists
// the warning rows, then publishes the network bulletin.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hydrowatch/waterlevel-forecast/internal/bias"
	"github.com/hydrowatch/waterlevel-forecast/internal/ensemble"
	"github.com/hydrowatch/waterlevel-forecast/internal/metrics"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
	"github.com/hydrowatch/waterlevel-forecast/internal/warning"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

// historyStart bounds the open-ended history queries.
var historyStart = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Runner executes forecast cycles. The mapping and bulletin caches are
// shared with the read path so a cycle's results are visible to requests
// without a restart.
type Runner struct {
	store     timeseries.Store
	engine    *bias.Engine
	mappings  *bias.Cache
	bulletins *warning.BulletinCache
	cycle     config.CycleData
	clock     clockwork.Clock
	logger    *zap.SugaredLogger
}

func New(store timeseries.Store, engine *bias.Engine, mappings *bias.Cache, bulletins *warning.BulletinCache, cycle config.CycleData, clock clockwork.Clock, logger *zap.SugaredLogger) *Runner {
	cycle.Defaults()
	return &Runner{
		store:     store,
		engine:    engine,
		mappings:  mappings,
		bulletins: bulletins,
		cycle:     cycle,
		clock:     clock,
		logger:    logger,
	}
}

// RunCycle processes every station for one initialization date. Per-station
// failures are logged and produce an all-clear warning row rather than
// aborting the cycle; cancellation is honored between stations.
func (r *Runner) RunCycle(ctx context.Context, date time.Time) error {
	start := r.clock.Now()
	defer func() {
		metrics.CycleDuration.Observe(r.clock.Since(start).Seconds())
	}()

	stations, err := r.store.Stations(ctx)
	if err != nil {
		return err
	}
	r.logger.Infow("starting forecast cycle", "date", date.Format("2006-01-02"), "stations", len(stations))

	jobs := make(chan timeseries.Station)
	results := make(chan timeseries.WarningRow, len(stations))

	var wg sync.WaitGroup
	for i := 0; i < r.cycle.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range jobs {
				results <- r.stationWarnings(ctx, st, date)
			}
		}()
	}

feed:
	for _, st := range stations {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- st:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	rows := make([]timeseries.WarningRow, 0, len(stations))
	for row := range results {
		rows = append(rows, row)
	}
	// A cancelled cycle publishes nothing: a partial row set would render
	// unprocessed stations all-clear and mask warnings already persisted
	// for the date.
	if err := ctx.Err(); err != nil {
		r.logger.Warnw("forecast cycle cancelled", "date", date.Format("2006-01-02"), "completed", len(rows))
		return err
	}
	if err := r.store.SaveWarnings(ctx, rows); err != nil {
		return err
	}
	r.bulletins.Put(date, warning.Bulletin(date, stations, rows))

	r.logger.Infow("forecast cycle complete", "date", date.Format("2006-01-02"), "rows", len(rows))
	return nil
}

// allClear is the warning row written when a station cannot be processed:
// no warning is better than a stale or fabricated one.
func (r *Runner) allClear(st timeseries.Station, date time.Time) timeseries.WarningRow {
	levels := make([]string, r.cycle.LeadDays)
	for i := range levels {
		levels[i] = string(warning.LevelNone)
	}
	return timeseries.WarningRow{Hydroweb: st.Hydroweb, Date: date, Levels: levels}
}

// stationWarnings computes one station's warning row, falling back to
// all-clear on any failure.
func (r *Runner) stationWarnings(ctx context.Context, st timeseries.Station, date time.Time) timeseries.WarningRow {
	row, err := r.classifyStation(ctx, st, date)
	if err != nil {
		r.logger.Warnw("station cycle failed", "station", st.Hydroweb, "error", err)
		metrics.StationCycleErrors.Inc()
		return r.allClear(st, date)
	}
	return row
}

func (r *Runner) classifyStation(ctx context.Context, st timeseries.Station, date time.Time) (timeseries.WarningRow, error) {
	var zero timeseries.WarningRow
	reach := strconv.FormatInt(st.ReachID, 10)
	end := r.clock.Now().UTC().AddDate(0, 0, 1)

	simPts, err := r.store.Query(ctx, timeseries.KindHistoricalSimulation, reach, historyStart, end)
	if err != nil {
		return zero, err
	}
	obsPts, err := r.store.Query(ctx, timeseries.KindObservedWaterLevel, st.Hydroweb, historyStart, end)
	if err != nil {
		return zero, err
	}
	sim := timeseries.Series{Points: simPts}
	obs := timeseries.Series{Points: obsPts}

	m, err := r.refreshMapping(st, sim, obs)
	if err != nil {
		return zero, err
	}

	thresholds, err := r.thresholdsFor(ctx, st, m, sim)
	if err != nil {
		return zero, err
	}

	init, err := r.store.LatestInitialization(ctx, reach, date)
	if err != nil {
		return zero, err
	}
	rawRows, err := r.store.QueryEnsemble(ctx, reach, init)
	if err != nil {
		return zero, err
	}
	corrected, err := r.engine.CorrectForecast(rawRows, sim, obs)
	if err != nil {
		return zero, err
	}

	daily := ensemble.DailyMax(corrected)
	summaries := ensemble.Summarize(daily, r.cycle.MinMembers)
	levels := warning.Classify(summaries, *thresholds, r.cycle.ConfidenceCutoff, r.cycle.LeadDays)

	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = string(l)
		metrics.WarningsComputed.WithLabelValues(string(l)).Inc()
	}
	return timeseries.WarningRow{Hydroweb: st.Hydroweb, Date: date, Levels: out}, nil
}

// refreshMapping refits the station's correction mapping when the observed
// window grew past the cached fit.
func (r *Runner) refreshMapping(st timeseries.Station, sim, obs timeseries.Series) (*bias.Mapping, error) {
	var obsEnd time.Time
	if valid := obs.Valid(); len(valid) > 0 {
		obsEnd = valid[len(valid)-1].Time
	}
	if entry, ok := r.mappings.Get(st.Hydroweb); ok && !r.mappings.Stale(st.Hydroweb, obsEnd) {
		return entry.Mapping, nil
	}
	m, err := r.engine.Fit(sim, obs)
	if err != nil {
		metrics.MappingFailures.WithLabelValues("cycle").Inc()
		return nil, err
	}
	r.mappings.Put(st.Hydroweb, m, obsEnd)
	metrics.MappingsRebuilt.Inc()
	return m, nil
}

// thresholdsFor prefers externally loaded return periods; absent those it
// fits Gumbel thresholds from the corrected history and persists them.
func (r *Runner) thresholdsFor(ctx context.Context, st timeseries.Station, m *bias.Mapping, sim timeseries.Series) (*timeseries.ReturnPeriods, error) {
	rp, err := r.store.Thresholds(ctx, st.Hydroweb)
	if err == nil {
		return rp, nil
	}
	if !errors.Is(err, timeseries.ErrKeyNotFound) {
		return nil, err
	}

	corrected, err := r.engine.CorrectSeries(m, sim)
	if err != nil {
		return nil, err
	}
	fitted, err := warning.FitReturnPeriods(st.Hydroweb, corrected)
	if err != nil {
		return nil, err
	}
	if err := warning.ValidateThresholds(fitted); err != nil {
		return nil, err
	}
	if err := r.store.SaveThresholds(ctx, fitted); err != nil {
		return nil, err
	}
	return &fitted, nil
}

// Maintain provisions partitions ahead of the coming cycle and retires
// partitions outside the configured retention horizons.
func (r *Runner) Maintain(ctx context.Context) error {
	now := r.clock.Now().UTC()

	for _, kind := range []timeseries.Kind{
		timeseries.KindHistoricalSimulation,
		timeseries.KindObservedWaterLevel,
		timeseries.KindForecastRecords,
		timeseries.KindEnsembleForecast,
	} {
		if err := r.store.EnsurePartitions(ctx, kind, now, now.AddDate(0, 2, 0)); err != nil {
			return err
		}
		horizon, ok := r.cycle.Retention[string(kind)]
		if !ok {
			continue
		}
		dropped, err := r.store.RetireExpired(ctx, kind, now.Add(-horizon))
		if err != nil {
			return err
		}
		if dropped > 0 {
			r.logger.Infow("retired expired partitions", "kind", kind, "dropped", dropped)
		}
	}
	return nil
}
