package warning

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hydrowatch/waterlevel-forecast/internal/ensemble"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

func TestFitReturnPeriods(t *testing.T) {
	// One point per year so annual maxima are 10, 12, 14, 16:
	// mean 13, population std sqrt(5). Expected values computed by hand
	// from the Gumbel Type I formula.
	var pts []timeseries.Point
	for i, v := range []float64{10, 12, 14, 16} {
		pts = append(pts, timeseries.Point{
			Time:  time.Date(2001+i, time.June, 1, 0, 0, 0, 0, time.UTC),
			Value: v,
		})
	}
	rp, err := FitReturnPeriods("R_TEST", timeseries.Series{Points: pts, Corrected: true})
	if err != nil {
		t.Fatalf("FitReturnPeriods: %v", err)
	}

	if math.Abs(rp.R2-12.63277) > 1e-4 {
		t.Errorf("R2 = %v, want 12.63277", rp.R2)
	}
	if math.Abs(rp.R100-20.01397) > 1e-4 {
		t.Errorf("R100 = %v, want 20.01397", rp.R100)
	}
	if err := ValidateThresholds(rp); err != nil {
		t.Errorf("fitted thresholds failed validation: %v", err)
	}

	// A single year of history is not enough to fit a distribution.
	short := timeseries.Series{Points: pts[:1]}
	if _, err := FitReturnPeriods("R_TEST", short); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("single year: got %v, want ErrInsufficientHistory", err)
	}
}

func TestValidateThresholds(t *testing.T) {
	good := timeseries.ReturnPeriods{R2: 1, R5: 2, R10: 3, R25: 4, R50: 5, R100: 6}
	if err := ValidateThresholds(good); err != nil {
		t.Errorf("increasing thresholds rejected: %v", err)
	}
	bad := timeseries.ReturnPeriods{R2: 1, R5: 2, R10: 3, R25: 3, R50: 5, R100: 6}
	if err := ValidateThresholds(bad); !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("non-increasing thresholds: got %v, want ErrInvalidThresholds", err)
	}
}

// summaryOf builds a one-step summary from explicit spread member values.
func summaryOf(t *testing.T, values []float64) ensemble.Summary {
	t.Helper()
	members := make([]float64, timeseries.NumMembers)
	for i := range members {
		members[i] = math.NaN()
	}
	copy(members, values)
	row := timeseries.EnsembleRow{
		Time:    time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC),
		Members: members,
	}
	return ensemble.Summarize([]timeseries.EnsembleRow{row}, 0)[0]
}

func TestClassifyPicksHighestQualifyingLevel(t *testing.T) {
	rp := timeseries.ReturnPeriods{R2: 1, R5: 2, R10: 3, R25: 4, R50: 5, R100: 6}

	// 51 spread members: 23 of 51 (45%) reach the 25-year threshold but
	// only 19 (37%) reach the 50-year one. With a 40% cutoff the day
	// classifies as R25.
	values := make([]float64, 51)
	for i := range values {
		switch {
		case i < 28:
			values[i] = 3.5
		case i < 32:
			values[i] = 4.5
		default:
			values[i] = 5.5
		}
	}
	day := summaryOf(t, values)

	levels := Classify([]ensemble.Summary{day}, rp, 0.40, 14)
	if len(levels) != 14 {
		t.Fatalf("got %d lead days, want 14", len(levels))
	}
	if levels[0] != LevelR25 {
		t.Errorf("day 1 = %s, want R25 (R50 exceedance below cutoff)", levels[0])
	}
	for i := 1; i < 14; i++ {
		if levels[i] != LevelNone {
			t.Errorf("day %d = %s, want R0 padding", i+1, levels[i])
		}
	}

	// Deterministic: same input, same output.
	again := Classify([]ensemble.Summary{day}, rp, 0.40, 14)
	for i := range levels {
		if levels[i] != again[i] {
			t.Fatalf("classification not deterministic at day %d: %s vs %s", i+1, levels[i], again[i])
		}
	}
}

func TestClassifyCountsHighResMember(t *testing.T) {
	rp := timeseries.ReturnPeriods{R2: 1, R5: 2, R10: 3, R25: 4, R50: 5, R100: 6}

	// 20 of 51 spread members reach the 2-year threshold (39%); with the
	// high-resolution run also above it the fraction is 21/52 (40.4%) and
	// the day classifies as R2.
	members := make([]float64, timeseries.NumMembers)
	for i := range members {
		members[i] = 0.5
	}
	for i := 0; i < 20; i++ {
		members[i] = 1.5
	}
	members[timeseries.NumMembers-1] = 1.5
	row := timeseries.EnsembleRow{
		Time:    time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC),
		Members: members,
	}
	day := ensemble.Summarize([]timeseries.EnsembleRow{row}, 0)[0]

	levels := Classify([]ensemble.Summary{day}, rp, 0.40, 14)
	if levels[0] != LevelR2 {
		t.Errorf("day 1 = %s, want R2 (high-res member counts toward exceedance)", levels[0])
	}
}

func TestClassifyDaysAreIndependent(t *testing.T) {
	rp := timeseries.ReturnPeriods{R2: 1, R5: 2, R10: 3, R25: 4, R50: 5, R100: 6}

	calm := make([]float64, 51)
	flood := make([]float64, 51)
	for i := range calm {
		calm[i] = 0.5
		flood[i] = 7.0
	}
	days := []ensemble.Summary{
		summaryOf(t, flood),
		summaryOf(t, calm),
		summaryOf(t, flood),
	}

	levels := Classify(days, rp, 0.40, 14)
	if levels[0] != LevelR100 || levels[2] != LevelR100 {
		t.Errorf("flood days = %s/%s, want R100/R100", levels[0], levels[2])
	}
	if levels[1] != LevelNone {
		t.Errorf("calm day = %s, want R0; no hysteresis between days", levels[1])
	}
}

func TestBulletin(t *testing.T) {
	date := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	stations := []timeseries.Station{
		{Hydroweb: "R_A", ReachID: 1, River: "AMAZONAS", Name: "A", Latitude: -4, Longitude: -73, Country: "PERU"},
		{Hydroweb: "R_B", ReachID: 2, River: "NAPO", Name: "B", Latitude: -1, Longitude: -75, Country: "ECUADOR"},
	}
	rows := []timeseries.WarningRow{
		{Hydroweb: "R_A", Date: date, Levels: []string{"R0", "R0", "R25"}},
	}

	fc := Bulletin(date, stations, rows)
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("collection shape: type=%s features=%d", fc.Type, len(fc.Features))
	}
	if fc.Date != "2025-04-03" {
		t.Errorf("date = %s, want 2025-04-03", fc.Date)
	}

	a := fc.Features[0]
	if a.Geometry.Type != "Point" || a.Geometry.Coordinates != [2]float64{-73, -4} {
		t.Errorf("geometry = %+v, want Point [-73 -4]", a.Geometry)
	}
	if a.Properties.WD03 != LevelR25 {
		t.Errorf("wd03 = %s, want R25", a.Properties.WD03)
	}
	if a.Properties.WD04 != LevelNone {
		t.Errorf("wd04 = %s, want R0 (short row padded)", a.Properties.WD04)
	}

	// Station without a warning row renders all-R0, not absent.
	b := fc.Features[1]
	if b.Properties.WD01 != LevelNone {
		t.Errorf("row-less station wd01 = %s, want R0", b.Properties.WD01)
	}

	raw, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "FeatureCollection" {
		t.Errorf("encoded type = %v", decoded["type"])
	}
}

func TestBulletinCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewBulletinCache(clock)

	day1 := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	if _, ok := cache.Get(day1); ok {
		t.Fatal("empty cache returned a bulletin")
	}

	fc1 := &FeatureCollection{Type: "FeatureCollection", Date: "2025-04-03"}
	cache.Put(day1, fc1)
	if got, ok := cache.Get(day1); !ok || got != fc1 {
		t.Fatal("cached bulletin not returned for its date")
	}
	// A different clock time on the same calendar day still hits.
	if _, ok := cache.Get(day1.Add(18 * time.Hour)); !ok {
		t.Error("same-day lookup missed")
	}

	cache.Put(day2, &FeatureCollection{Type: "FeatureCollection", Date: "2025-04-04"})
	if _, ok := cache.Get(day1); ok {
		t.Error("superseded cycle date still cached")
	}
	if cache.Version() != 2 {
		t.Errorf("version = %d, want 2", cache.Version())
	}
}
