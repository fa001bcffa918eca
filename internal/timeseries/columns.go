package timeseries

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// warningLeadDays is the number of lead-day columns in the warning table.
const warningLeadDays = 14

func nan() float64 {
	return math.NaN()
}

// ensembleColumns returns the member columns ensemble_01..ensemble_52.
func ensembleColumns() []string {
	out := make([]string, NumMembers)
	for i := range out {
		out[i] = fmt.Sprintf("ensemble_%02d", i+1)
	}
	return out
}

// ensembleColumnDefs returns the member column DDL with the given SQL type.
func ensembleColumnDefs(sqlType string) []string {
	cols := ensembleColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c + " " + sqlType
	}
	return out
}

// warningColumns returns the lead-day columns wd01..wd14.
func warningColumns() []string {
	out := make([]string, warningLeadDays)
	for i := range out {
		out[i] = fmt.Sprintf("wd%02d", i+1)
	}
	return out
}

// warningColumnDefs returns the lead-day column DDL with the given SQL type.
func warningColumnDefs(sqlType string) []string {
	cols := warningColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c + " " + sqlType
	}
	return out
}

// parsePartitionName recovers the time range of a partition table name,
// e.g. historical_simulation_2000_2010 or ensemble_forecast_2025_04.
func parsePartitionName(kind Kind, name string) (Partition, bool) {
	suffix, found := strings.CutPrefix(name, string(kind)+"_")
	if !found {
		return Partition{}, false
	}
	fields := strings.Split(suffix, "_")
	if len(fields) != 2 {
		return Partition{}, false
	}
	first, err := strconv.Atoi(fields[0])
	if err != nil {
		return Partition{}, false
	}
	second, err := strconv.Atoi(fields[1])
	if err != nil {
		return Partition{}, false
	}

	if granularityFor(kind) == granMonth {
		if second < 1 || second > 12 {
			return Partition{}, false
		}
		start := time.Date(first, time.Month(second), 1, 0, 0, 0, 0, time.UTC)
		return Partition{Name: name, Start: start, End: start.AddDate(0, 1, 0)}, true
	}
	if second <= first {
		return Partition{}, false
	}
	start := time.Date(first, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(second, 1, 1, 0, 0, 0, 0, time.UTC)
	return Partition{Name: name, Start: start, End: end}, true
}
