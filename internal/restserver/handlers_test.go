package restserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

const (
	testStation = "R_AMAZONAS_TAMSHIYACU"
	testReach   = "620250890"
)

var testNow = time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *timeseries.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := timeseries.NewSQLiteStore(db, zap.NewNop().Sugar())
	require.NoError(t, store.Migrate())
	ctx := context.Background()

	require.NoError(t, store.UpsertStation(ctx, timeseries.Station{
		Hydroweb: testStation, ReachID: 620250890,
		River: "AMAZONAS", Name: "TAMSHIYACU",
		Latitude: -4.003, Longitude: -73.161, Country: "PERU",
	}))

	from := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, kind := range []timeseries.Kind{
		timeseries.KindHistoricalSimulation,
		timeseries.KindObservedWaterLevel,
		timeseries.KindForecastRecords,
		timeseries.KindEnsembleForecast,
	} {
		require.NoError(t, store.EnsurePartitions(ctx, kind, from, to))
	}

	// Two years of daily history with a simple linear bias between model
	// and gauge.
	var simPts, obsPts []timeseries.Point
	for d := 0; d < 730; d++ {
		at := from.AddDate(0, 0, d)
		simVal := 2 + math.Sin(float64(d)/30)
		simPts = append(simPts, timeseries.Point{Time: at, Value: simVal})
		obsPts = append(obsPts, timeseries.Point{Time: at, Value: 2*simVal + 5})
	}
	_, err = store.Append(ctx, timeseries.KindHistoricalSimulation, testReach, simPts)
	require.NoError(t, err)
	_, err = store.Append(ctx, timeseries.KindObservedWaterLevel, testStation, obsPts)
	require.NoError(t, err)

	init := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	var rows []timeseries.EnsembleRow
	for d := 0; d < 5; d++ {
		members := make([]float64, timeseries.NumMembers)
		for i := range members {
			members[i] = 2 + float64(i)*0.01
		}
		rows = append(rows, timeseries.EnsembleRow{
			Time: init.AddDate(0, 0, d), Initialized: init, Members: members,
		})
	}
	_, err = store.AppendEnsemble(ctx, testReach, rows)
	require.NoError(t, err)

	require.NoError(t, store.SaveThresholds(ctx, timeseries.ReturnPeriods{
		Hydroweb: testStation, R2: 1, R5: 2, R10: 3, R25: 4, R50: 5, R100: 6,
	}))
	require.NoError(t, store.SaveWarnings(ctx, []timeseries.WarningRow{
		{Hydroweb: testStation, Date: init, Levels: []string{"R0", "R2", "R25"}},
	}))
	return store
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := seededStore(t)
	clock := clockwork.NewFakeClockAt(testNow)

	var wg sync.WaitGroup
	ctrl, err := NewController(context.Background(), &wg, store, config.ConfigData{
		HTTP: config.HTTPData{ListenAddr: "127.0.0.1:0", RequestTimeout: 10 * time.Second},
	}, clock, zap.NewNop().Sugar())
	require.NoError(t, err)
	srv := httptest.NewServer(ctrl.Server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d (body: %s)", path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func TestGetHistory(t *testing.T) {
	srv := testServer(t)

	var resp HistoryResponse
	getJSON(t, srv, "/api/history?station="+testStation, http.StatusOK, &resp)
	if !resp.Corrected {
		t.Error("two years of overlap should yield a corrected series")
	}
	if resp.ReachID != 620250890 {
		t.Errorf("reachid = %d, want 620250890", resp.ReachID)
	}
	if len(resp.Simulated) != 730 || len(resp.Observed) != 730 {
		t.Errorf("series lengths = %d/%d, want 730/730", len(resp.Simulated), len(resp.Observed))
	}
}

func TestGetHistoryByReach(t *testing.T) {
	srv := testServer(t)

	var resp HistoryResponse
	getJSON(t, srv, "/api/history?reach="+testReach, http.StatusOK, &resp)
	if resp.Station != testStation {
		t.Errorf("station = %s, want %s", resp.Station, testStation)
	}

	var errResp errorResponse
	getJSON(t, srv, "/api/history?reach=999", http.StatusNotFound, &errResp)
	if errResp.Code != "station_not_found" {
		t.Errorf("code = %s, want station_not_found", errResp.Code)
	}
}

func TestGetHistoryUnknownStation(t *testing.T) {
	srv := testServer(t)

	var resp errorResponse
	getJSON(t, srv, "/api/history?station=R_NOWHERE", http.StatusNotFound, &resp)
	if resp.Code != "station_not_found" {
		t.Errorf("code = %s, want station_not_found", resp.Code)
	}
}

func TestGetHistoryMissingParam(t *testing.T) {
	srv := testServer(t)
	getJSON(t, srv, "/api/history", http.StatusBadRequest, nil)
}

func TestGetForecast(t *testing.T) {
	srv := testServer(t)

	var resp ForecastResponse
	getJSON(t, srv, "/api/forecast?station="+testStation+"&date=2025-04-05", http.StatusOK, &resp)
	if resp.Initialized != "2025-04-03" {
		t.Errorf("initialized = %s, want the latest cycle on or before the date", resp.Initialized)
	}
	if len(resp.Steps) != 5 {
		t.Errorf("steps = %d, want 5", len(resp.Steps))
	}
	if !resp.Corrected {
		t.Error("forecast should be corrected with two Aprils of history")
	}
	if resp.ReturnPeriods["return_period_100"] != 6 {
		t.Errorf("return_period_100 = %v, want 6", resp.ReturnPeriods["return_period_100"])
	}
	for _, s := range resp.Steps {
		if s.LowConfidence {
			t.Errorf("step %s flagged low confidence with a full member set", s.Date)
		}
	}
}

func TestGetForecastNoneAvailable(t *testing.T) {
	srv := testServer(t)

	var resp errorResponse
	getJSON(t, srv, "/api/forecast?station="+testStation+"&date=2024-01-01", http.StatusNotFound, &resp)
	if resp.Code != "no_forecast_available" {
		t.Errorf("code = %s, want no_forecast_available", resp.Code)
	}
}

func TestGetWarnings(t *testing.T) {
	srv := testServer(t)

	var fc map[string]any
	getJSON(t, srv, "/api/warnings?date=2025-04-03", http.StatusOK, &fc)
	if fc["type"] != "FeatureCollection" {
		t.Fatalf("type = %v, want FeatureCollection", fc["type"])
	}
	features := fc["features"].([]any)
	if len(features) != 1 {
		t.Fatalf("features = %d, want 1", len(features))
	}
	props := features[0].(map[string]any)["properties"].(map[string]any)
	if props["wd03"] != "R25" {
		t.Errorf("wd03 = %v, want R25", props["wd03"])
	}
	if props["wd04"] != "R0" {
		t.Errorf("wd04 = %v, want R0 padding", props["wd04"])
	}
}

func TestGetSkill(t *testing.T) {
	srv := testServer(t)

	var resp SkillResponse
	getJSON(t, srv, "/api/skill?station="+testStation, http.StatusOK, &resp)
	if resp.Metrics.Pairs != 730 {
		t.Errorf("pairs = %d, want 730", resp.Metrics.Pairs)
	}
	if resp.Metrics.Pearson < 0.95 {
		t.Errorf("pearson = %v, want near 1 for a linear bias", resp.Metrics.Pearson)
	}
}

func TestGetClimatology(t *testing.T) {
	srv := testServer(t)

	var resp ClimatologyResponse
	getJSON(t, srv, "/api/climatology?station="+testStation, http.StatusOK, &resp)
	if len(resp.Monthly) != 12 {
		t.Errorf("monthly buckets = %d, want 12", len(resp.Monthly))
	}
	if !resp.Corrected {
		t.Error("climatology should use the corrected series when a mapping fits")
	}
}

func TestExportCSV(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/export/observed?station=" + testStation)
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content-type = %s, want text/csv", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if lines[0] != "datetime,waterlevel" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 731 {
		t.Errorf("rows = %d, want 731 (header + 730 days)", len(lines))
	}

	getJSON(t, srv, "/api/export/bogus?station="+testStation, http.StatusNotFound, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
