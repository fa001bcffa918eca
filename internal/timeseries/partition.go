package timeseries

import (
	"fmt"
	"time"
)

// granularity is the width of one partition of a series kind.
type granularity int

const (
	granDecade granularity = iota
	granYear
	granMonth
)

// granularityFor returns the partition width for a series kind. The
// ensemble forecast fans out to 52 columns per row, so it is partitioned by
// month; forecast records by year; the multi-decade history and observation
// datasets by decade.
func granularityFor(kind Kind) granularity {
	switch kind {
	case KindEnsembleForecast:
		return granMonth
	case KindForecastRecords:
		return granYear
	default:
		return granDecade
	}
}

// Partition is one time-bounded table of a partitioned dataset. Start is
// inclusive, End exclusive.
type Partition struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the partition's range.
func (p Partition) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PartitionFor maps a timestamp to the partition that owns it. Ensemble
// forecast rows are routed by their initialization timestamp.
func PartitionFor(kind Kind, t time.Time) Partition {
	var start, end time.Time
	switch granularityFor(kind) {
	case granMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
		return Partition{
			Name:  fmt.Sprintf("%s_%04d_%02d", kind, start.Year(), int(start.Month())),
			Start: start,
			End:   end,
		}
	case granYear:
		start = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default:
		decade := t.Year() - t.Year()%10
		start = time.Date(decade, 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(10, 0, 0)
	}
	return Partition{
		Name:  fmt.Sprintf("%s_%04d_%04d", kind, start.Year(), end.Year()),
		Start: start,
		End:   end,
	}
}

// PartitionsBetween returns the ordered partitions covering [start, end].
func PartitionsBetween(kind Kind, start, end time.Time) []Partition {
	if end.Before(start) {
		return nil
	}
	var out []Partition
	for p := PartitionFor(kind, start); ; p = PartitionFor(kind, p.End) {
		out = append(out, p)
		if end.Before(p.End) {
			break
		}
	}
	return out
}

// groupByPartition splits rows into their owning partitions, preserving
// order within each group.
func groupByPartition(kind Kind, pts []Point) (map[string][]Point, map[string]Partition) {
	groups := make(map[string][]Point)
	parts := make(map[string]Partition)
	for _, pt := range pts {
		p := PartitionFor(kind, pt.Time)
		groups[p.Name] = append(groups[p.Name], pt)
		parts[p.Name] = p
	}
	return groups, parts
}
