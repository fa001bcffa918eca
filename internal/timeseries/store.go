package timeseries

import (
	"context"
	"errors"
	"time"
)

// Store is the contract of the partitioned series store. Keys are station
// codes for observed water levels and decimal reach ids for everything
// else; a key is known when it appears in the station network.
//
// All write paths are idempotent upserts on (key, timestamp) with
// last-write-wins conflict resolution. All query paths return rows ordered
// ascending by timestamp with inclusive bounds.
type Store interface {
	// Append upserts scalar rows. It returns the number of rows written.
	// Rows with a zero timestamp are rejected with ErrMalformedTimestamp;
	// rows outside any provisioned partition fail with ErrNoPartition.
	Append(ctx context.Context, kind Kind, key string, pts []Point) (int, error)

	// Query returns the key's rows in [start, end]. Unknown keys fail
	// with ErrKeyNotFound; a known key with no rows in the window returns
	// an empty slice. start > end fails with ErrInvalidRange.
	Query(ctx context.Context, kind Kind, key string, start, end time.Time) ([]Point, error)

	// AppendEnsemble upserts ensemble forecast rows, keyed by
	// (reach, timestamp, initialization).
	AppendEnsemble(ctx context.Context, key string, rows []EnsembleRow) (int, error)

	// QueryEnsemble returns all lead timesteps of one forecast
	// initialization, ordered ascending.
	QueryEnsemble(ctx context.Context, key string, initialized time.Time) ([]EnsembleRow, error)

	// LatestInitialization returns the most recent forecast
	// initialization on or before the given date, or ErrNoForecast.
	LatestInitialization(ctx context.Context, key string, onOrBefore time.Time) (time.Time, error)

	// Stations returns the full station network.
	Stations(ctx context.Context) ([]Station, error)

	// Station returns one station by code, or ErrKeyNotFound.
	Station(ctx context.Context, code string) (*Station, error)

	// Thresholds returns the return-period thresholds for a station, or
	// ErrKeyNotFound when none are loaded.
	Thresholds(ctx context.Context, code string) (*ReturnPeriods, error)

	// SaveThresholds upserts a station's return-period thresholds.
	SaveThresholds(ctx context.Context, rp ReturnPeriods) error

	// SaveWarnings upserts warning bulletin rows for a cycle date.
	SaveWarnings(ctx context.Context, rows []WarningRow) error

	// WarningsForDate returns the persisted bulletin rows of one
	// initialization date.
	WarningsForDate(ctx context.Context, date time.Time) ([]WarningRow, error)

	// EnsurePartitions provisions all partitions of a kind covering
	// [from, to]. Scheduled maintenance, never called per write.
	EnsurePartitions(ctx context.Context, kind Kind, from, to time.Time) error

	// RetireExpired drops partitions of a kind that lie wholly before the
	// cutoff. Scheduled maintenance.
	RetireExpired(ctx context.Context, kind Kind, cutoff time.Time) (int, error)

	Close() error
}

// mapCtxErr converts a context deadline failure into the store's Timeout
// taxonomy, leaving other errors untouched.
func mapCtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
