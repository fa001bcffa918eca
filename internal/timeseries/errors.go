package timeseries

import "errors"

var (
	// ErrKeyNotFound means the requested reach or station is not part of
	// the station network. Distinct from a known key with an empty window,
	// which returns an empty slice.
	ErrKeyNotFound = errors.New("timeseries: key not found")

	// ErrInvalidRange means start > end.
	ErrInvalidRange = errors.New("timeseries: invalid time range")

	// ErrNoForecast means no ensemble forecast initialization exists on or
	// before the requested date for the reach.
	ErrNoForecast = errors.New("timeseries: no forecast available")

	// ErrMalformedTimestamp means a row carried a zero timestamp.
	ErrMalformedTimestamp = errors.New("timeseries: malformed timestamp")

	// ErrNoPartition means a write targeted a time range whose partition
	// has not been provisioned. Partitions are created ahead of need by
	// scheduled maintenance, never per write.
	ErrNoPartition = errors.New("timeseries: no partition for time range")

	// ErrTimeout wraps a store operation that exceeded its context
	// deadline.
	ErrTimeout = errors.New("timeseries: operation timed out")
)
