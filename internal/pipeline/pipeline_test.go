package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hydrowatch/waterlevel-forecast/internal/bias"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
	"github.com/hydrowatch/waterlevel-forecast/internal/warning"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

var (
	cycleDate = time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	testNow   = time.Date(2025, time.April, 3, 6, 0, 0, 0, time.UTC)
)

func seededStore(t *testing.T) *timeseries.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := timeseries.NewSQLiteStore(db, zap.NewNop().Sugar())
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	// One fully seeded station and one with no series data at all.
	for _, st := range []timeseries.Station{
		{Hydroweb: "R_GOOD", ReachID: 100, River: "AMAZONAS", Latitude: -4, Longitude: -73},
		{Hydroweb: "R_EMPTY", ReachID: 200, River: "NAPO", Latitude: -1, Longitude: -75},
	} {
		if err := store.UpsertStation(ctx, st); err != nil {
			t.Fatalf("upsert station: %v", err)
		}
	}

	from := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, kind := range []timeseries.Kind{
		timeseries.KindHistoricalSimulation,
		timeseries.KindObservedWaterLevel,
		timeseries.KindForecastRecords,
		timeseries.KindEnsembleForecast,
	} {
		if err := store.EnsurePartitions(ctx, kind, from, to); err != nil {
			t.Fatalf("ensure partitions: %v", err)
		}
	}

	var simPts, obsPts []timeseries.Point
	for d := 0; d < 730; d++ {
		at := from.AddDate(0, 0, d)
		simVal := 2 + math.Sin(float64(d)/30)
		simPts = append(simPts, timeseries.Point{Time: at, Value: simVal})
		obsPts = append(obsPts, timeseries.Point{Time: at, Value: 2*simVal + 5})
	}
	if _, err := store.Append(ctx, timeseries.KindHistoricalSimulation, "100", simPts); err != nil {
		t.Fatalf("append simulated: %v", err)
	}
	if _, err := store.Append(ctx, timeseries.KindObservedWaterLevel, "R_GOOD", obsPts); err != nil {
		t.Fatalf("append observed: %v", err)
	}

	var rows []timeseries.EnsembleRow
	for d := 0; d < 15; d++ {
		members := make([]float64, timeseries.NumMembers)
		for i := range members {
			members[i] = 2 + float64(i)*0.005
		}
		rows = append(rows, timeseries.EnsembleRow{
			Time: cycleDate.AddDate(0, 0, d), Initialized: cycleDate, Members: members,
		})
	}
	if _, err := store.AppendEnsemble(ctx, "100", rows); err != nil {
		t.Fatalf("append ensemble: %v", err)
	}
	return store
}

func newRunner(store timeseries.Store, workers int) *Runner {
	clock := clockwork.NewFakeClockAt(testNow)
	cycle := config.CycleData{Workers: workers}
	cycle.Defaults()
	engine := bias.NewEngine(bias.Options{Breakpoints: cycle.Breakpoints, MinOverlap: cycle.MinOverlap})
	return New(store, engine, bias.NewCache(clock), warning.NewBulletinCache(clock), cycle, clock, zap.NewNop().Sugar())
}

func TestRunCycle(t *testing.T) {
	store := seededStore(t)
	r := newRunner(store, 2)
	ctx := context.Background()

	if err := r.RunCycle(ctx, cycleDate); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	rows, err := store.WarningsForDate(ctx, cycleDate)
	if err != nil {
		t.Fatalf("WarningsForDate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d warning rows, want 2 (failed station still gets a row)", len(rows))
	}

	byStation := make(map[string][]string)
	for _, row := range rows {
		byStation[row.Hydroweb] = row.Levels
	}

	// The data-less station falls back to all-clear instead of aborting
	// the cycle.
	for i, l := range byStation["R_EMPTY"] {
		if l != "R0" {
			t.Errorf("R_EMPTY day %d = %s, want R0", i+1, l)
		}
	}

	good := byStation["R_GOOD"]
	if len(good) != 14 {
		t.Fatalf("R_GOOD has %d lead days, want 14", len(good))
	}
	valid := map[string]bool{"R0": true, "R2": true, "R5": true, "R10": true, "R25": true, "R50": true, "R100": true}
	for i, l := range good {
		if !valid[l] {
			t.Errorf("R_GOOD day %d has invalid level %q", i+1, l)
		}
	}

	// Thresholds were fitted from corrected history and persisted.
	rp, err := store.Thresholds(ctx, "R_GOOD")
	if err != nil {
		t.Fatalf("Thresholds after cycle: %v", err)
	}
	if err := warning.ValidateThresholds(*rp); err != nil {
		t.Errorf("persisted thresholds invalid: %v", err)
	}

	// The bulletin for the cycle date is published to the cache.
	fc, ok := r.bulletins.Get(cycleDate)
	if !ok {
		t.Fatal("bulletin not published after cycle")
	}
	if len(fc.Features) != 2 {
		t.Errorf("bulletin has %d features, want 2", len(fc.Features))
	}

	// A repeat cycle reuses the cached mapping and stays idempotent.
	if err := r.RunCycle(ctx, cycleDate); err != nil {
		t.Fatalf("repeat RunCycle: %v", err)
	}
	again, err := store.WarningsForDate(ctx, cycleDate)
	if err != nil || len(again) != 2 {
		t.Fatalf("repeat cycle: %v (%d rows)", err, len(again))
	}
}

func TestRunCycleDeterministic(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	r1 := newRunner(store, 4)
	if err := r1.RunCycle(ctx, cycleDate); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	first, _ := store.WarningsForDate(ctx, cycleDate)

	r2 := newRunner(store, 1)
	if err := r2.RunCycle(ctx, cycleDate); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	second, _ := store.WarningsForDate(ctx, cycleDate)

	byStation := func(rows []timeseries.WarningRow) map[string][]string {
		m := make(map[string][]string)
		for _, r := range rows {
			m[r.Hydroweb] = r.Levels
		}
		return m
	}
	a, b := byStation(first), byStation(second)
	for code, levels := range a {
		for i := range levels {
			if levels[i] != b[code][i] {
				t.Errorf("%s day %d differs across worker counts: %s vs %s", code, i+1, levels[i], b[code][i])
			}
		}
	}
}

// cancelAfterStations trips the context once the station list is in hand,
// so cancellation lands mid-cycle rather than at the first store call.
type cancelAfterStations struct {
	timeseries.Store
	cancel context.CancelFunc
}

func (s *cancelAfterStations) Stations(ctx context.Context) ([]timeseries.Station, error) {
	stations, err := s.Store.Stations(ctx)
	s.cancel()
	return stations, err
}

func TestRunCycleCancelled(t *testing.T) {
	store := seededStore(t)
	r := newRunner(store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.RunCycle(ctx, cycleDate); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled cycle: got %v, want context.Canceled", err)
	}
}

func TestRunCycleCancelledPublishesNothing(t *testing.T) {
	store := seededStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(&cancelAfterStations{Store: store, cancel: cancel}, 2)

	if err := r.RunCycle(ctx, cycleDate); !errors.Is(err, context.Canceled) {
		t.Fatalf("mid-cycle cancellation: got %v, want context.Canceled", err)
	}

	// Neither the bulletin cache nor the warning table sees the partial
	// cycle: an empty bulletin would mask real warnings for the date.
	if _, ok := r.bulletins.Get(cycleDate); ok {
		t.Error("cancelled cycle published a bulletin")
	}
	rows, err := store.WarningsForDate(context.Background(), cycleDate)
	if err != nil {
		t.Fatalf("WarningsForDate: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("cancelled cycle persisted %d warning rows", len(rows))
	}
}

func TestMaintain(t *testing.T) {
	store := seededStore(t)
	clock := clockwork.NewFakeClockAt(testNow)
	cycle := config.CycleData{
		Retention: map[string]time.Duration{
			string(timeseries.KindEnsembleForecast): 90 * 24 * time.Hour,
		},
	}
	cycle.Defaults()
	engine := bias.NewEngine(bias.Options{})
	r := New(store, engine, bias.NewCache(clock), warning.NewBulletinCache(clock), cycle, clock, zap.NewNop().Sugar())

	ctx := context.Background()
	if err := r.Maintain(ctx); err != nil {
		t.Fatalf("Maintain: %v", err)
	}

	// Ensemble partitions older than the 90-day horizon are gone: a write
	// into one now fails.
	old := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)
	members := make([]float64, timeseries.NumMembers)
	_, err := store.AppendEnsemble(ctx, "100", []timeseries.EnsembleRow{
		{Time: old, Initialized: old, Members: members},
	})
	if !errors.Is(err, timeseries.ErrNoPartition) {
		t.Errorf("write into retired partition: got %v, want ErrNoPartition", err)
	}

	// Next cycle's partitions exist ahead of need.
	next := time.Date(2025, time.May, 10, 0, 0, 0, 0, time.UTC)
	if _, err := store.AppendEnsemble(ctx, "100", []timeseries.EnsembleRow{
		{Time: next, Initialized: next, Members: members},
	}); err != nil {
		t.Errorf("write into provisioned partition failed: %v", err)
	}
}
