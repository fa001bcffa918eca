package ensemble

import (
	"math"
	"testing"
	"time"

	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

const epsilon = 1e-9

func memberRow(at time.Time, fill func(i int) float64) timeseries.EnsembleRow {
	members := make([]float64, timeseries.NumMembers)
	for i := range members {
		members[i] = fill(i)
	}
	return timeseries.EnsembleRow{Time: at, Initialized: at, Members: members}
}

func TestSummarizeExcludesHighRes(t *testing.T) {
	at := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	row := memberRow(at, func(i int) float64 {
		if i == timeseries.NumMembers-1 {
			return 999 // high-resolution run, must not touch the spread
		}
		return float64(i + 1) // spread members 1..51
	})

	s := Summarize([]timeseries.EnsembleRow{row}, 0)[0]
	if s.HighRes != 999 {
		t.Errorf("HighRes = %v, want 999", s.HighRes)
	}
	if s.Max != 51 {
		t.Errorf("Max = %v, want 51; high-res member leaked into the spread", s.Max)
	}
	if s.Min != 1 {
		t.Errorf("Min = %v, want 1", s.Min)
	}
	if s.ValidMembers != 51 {
		t.Errorf("ValidMembers = %d, want 51", s.ValidMembers)
	}
	if math.Abs(s.Mean-26) > epsilon {
		t.Errorf("Mean = %v, want 26", s.Mean)
	}
	if math.Abs(s.Median-26) > epsilon {
		t.Errorf("Median = %v, want 26", s.Median)
	}
	// Linear interpolation between order statistics: p·(n−1) lands the
	// quartiles of 1..51 at 13.5 and 38.5.
	if math.Abs(s.P25-13.5) > epsilon {
		t.Errorf("P25 = %v, want 13.5", s.P25)
	}
	if math.Abs(s.P75-38.5) > epsilon {
		t.Errorf("P75 = %v, want 38.5", s.P75)
	}
	if s.LowConfidence {
		t.Error("full member set flagged low confidence")
	}
	// The high-res member stays out of the spread but is present in the
	// full sorted set.
	if len(s.AllSorted) != 52 || s.AllSorted[51] != 999 {
		t.Errorf("AllSorted = %d values, top %v; want 52 values topped by 999", len(s.AllSorted), s.AllSorted[len(s.AllSorted)-1])
	}
}

func TestSummarizeLowConfidence(t *testing.T) {
	at := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	row := memberRow(at, func(i int) float64 {
		if i < 5 {
			return float64(i)
		}
		return math.NaN()
	})

	s := Summarize([]timeseries.EnsembleRow{row}, 10)[0]
	if !s.LowConfidence {
		t.Error("5 valid members not flagged low confidence")
	}
	if s.ValidMembers != 5 {
		t.Errorf("ValidMembers = %d, want 5", s.ValidMembers)
	}
	if s.Max != 4 {
		t.Errorf("Max = %v, want 4", s.Max)
	}
}

func TestSummarizeAllMissing(t *testing.T) {
	at := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	row := memberRow(at, func(int) float64 { return math.NaN() })

	s := Summarize([]timeseries.EnsembleRow{row}, 10)[0]
	if !s.LowConfidence || s.ValidMembers != 0 {
		t.Fatalf("empty step: LowConfidence=%v ValidMembers=%d", s.LowConfidence, s.ValidMembers)
	}
	if !math.IsNaN(s.Mean) || !math.IsNaN(s.Median) {
		t.Errorf("empty step statistics not NaN: mean=%v median=%v", s.Mean, s.Median)
	}
}

func TestExceedance(t *testing.T) {
	at := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	// Members 1..52; the high-res run (52) counts toward exceedance.
	row := memberRow(at, func(i int) float64 { return float64(i + 1) })
	s := Summarize([]timeseries.EnsembleRow{row}, 0)

	tests := []struct {
		threshold float64
		want      float64
	}{
		{0, 1.0},          // everything exceeds
		{1, 1.0},          // at-or-above is inclusive
		{26, 27.0 / 52.0}, // members 26..52
		{51, 2.0 / 52.0},  // top spread member plus the high-res run
		{52, 1.0 / 52.0},  // the high-res run alone
		{53, 0},           // nothing left
	}
	for _, tc := range tests {
		got := Exceedance(s[0], tc.threshold)
		if math.Abs(got-tc.want) > epsilon {
			t.Errorf("Exceedance(%v) = %v, want %v", tc.threshold, got, tc.want)
		}
	}

	// Monotone non-increasing in the threshold.
	prev := math.Inf(1)
	for thr := 0.0; thr <= 60; thr += 0.5 {
		got := Exceedance(s[0], thr)
		if got > prev {
			t.Fatalf("Exceedance(%v) = %v rose above %v", thr, got, prev)
		}
		prev = got
	}
}

func TestExceedanceAtCutoffBoundary(t *testing.T) {
	at := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	// 20 spread members plus the high-res run sit at the threshold:
	// 21/52 ≈ 0.404 clears a 0.40 cutoff that 20/51 ≈ 0.392 would miss.
	row := memberRow(at, func(i int) float64 {
		if i >= 31 {
			return 5.0
		}
		return 1.0
	})
	s := Summarize([]timeseries.EnsembleRow{row}, 0)[0]

	got := Exceedance(s, 5.0)
	if math.Abs(got-21.0/52.0) > epsilon {
		t.Errorf("Exceedance(5.0) = %v, want 21/52", got)
	}
	if got < 0.40 {
		t.Errorf("Exceedance(5.0) = %v fell below the 0.40 cutoff", got)
	}
}

func TestDailyMax(t *testing.T) {
	day := time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC)
	rows := []timeseries.EnsembleRow{
		memberRow(day.Add(3*time.Hour), func(i int) float64 { return float64(i) }),
		memberRow(day.Add(15*time.Hour), func(i int) float64 { return float64(i) + 0.5 }),
		memberRow(day.AddDate(0, 0, 1).Add(9*time.Hour), func(i int) float64 { return 2 }),
	}
	// Member 3 missing in the later step of day one: the earlier value wins.
	rows[1].Members[3] = math.NaN()

	out := DailyMax(rows)
	if len(out) != 2 {
		t.Fatalf("got %d daily rows, want 2", len(out))
	}
	if !out[0].Time.Equal(day) {
		t.Errorf("first day = %s, want %s", out[0].Time, day)
	}
	if out[0].Members[0] != 0.5 {
		t.Errorf("member 0 daily max = %v, want 0.5", out[0].Members[0])
	}
	if out[0].Members[3] != 3 {
		t.Errorf("member 3 daily max = %v, want 3 (missing later step ignored)", out[0].Members[3])
	}
	if out[1].Members[10] != 2 {
		t.Errorf("second day member 10 = %v, want 2", out[1].Members[10])
	}

	if DailyMax(nil) != nil {
		t.Error("empty input should return nil")
	}
}
