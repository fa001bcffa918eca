package timeseries

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydrowatch/waterlevel-forecast/internal/metrics"
)

// SQLiteStore implements Store on a single SQLite database. It is the
// backend for single-node deployments and tests; the partition layout is
// identical to the Postgres backend so maintenance tooling treats both the
// same.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteStore wraps an open SQLite handle.
func NewSQLiteStore(db *sql.DB, logger *zap.SugaredLogger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// Migrate creates the non-partitioned reference tables.
func (s *SQLiteStore) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS station (
			hydroweb TEXT PRIMARY KEY,
			reachid INTEGER NOT NULL,
			basin TEXT,
			river TEXT,
			name TEXT,
			latitude REAL,
			longitude REAL,
			elevation REAL,
			state TEXT,
			country TEXT,
			type TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_station_reachid ON station (reachid)`,
		`CREATE TABLE IF NOT EXISTS return_periods (
			hydroweb TEXT PRIMARY KEY,
			return_period_2 REAL,
			return_period_5 REAL,
			return_period_10 REAL,
			return_period_25 REAL,
			return_period_50 REAL,
			return_period_100 REAL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS warning (
			hydroweb TEXT NOT NULL,
			datetime TIMESTAMP NOT NULL,
			%s,
			PRIMARY KEY (hydroweb, datetime)
		)`, strings.Join(warningColumnDefs("TEXT"), ",\n\t\t\t")),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) partitionExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, mapCtxErr(ctx, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) keyKnown(ctx context.Context, kind Kind, key string) (bool, error) {
	var n int
	var err error
	if kind.reachKeyed() {
		reach, perr := strconv.ParseInt(key, 10, 64)
		if perr != nil {
			return false, nil
		}
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM station WHERE reachid = ?`, reach).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM station WHERE hydroweb = ?`, key).Scan(&n)
	}
	if err != nil {
		return false, mapCtxErr(ctx, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) keyArg(kind Kind, key string) (any, error) {
	if !kind.reachKeyed() {
		return key, nil
	}
	reach, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad reach id %q", ErrKeyNotFound, key)
	}
	return reach, nil
}

// Append upserts scalar rows partition by partition, last-write-wins.
func (s *SQLiteStore) Append(ctx context.Context, kind Kind, key string, pts []Point) (int, error) {
	valid := make([]Point, 0, len(pts))
	for _, p := range pts {
		if p.Time.IsZero() {
			return 0, ErrMalformedTimestamp
		}
		if p.Value != p.Value { // NaN: missing values are never stored
			continue
		}
		valid = append(valid, p)
	}
	keyArg, err := s.keyArg(kind, key)
	if err != nil {
		return 0, err
	}

	groups, _ := groupByPartition(kind, valid)
	written := 0
	for name, rows := range groups {
		ok, err := s.partitionExists(ctx, name)
		if err != nil {
			return written, err
		}
		if !ok {
			return written, fmt.Errorf("%w: %s", ErrNoPartition, name)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return written, mapCtxErr(ctx, err)
		}
		insert, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (%s, datetime, %s) VALUES (?, ?, ?)
			 ON CONFLICT(%s, datetime) DO NOTHING`,
			name, kind.keyColumn(), kind.valueColumn(), kind.keyColumn()))
		if err != nil {
			tx.Rollback()
			return written, mapCtxErr(ctx, err)
		}
		update, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = ? WHERE %s = ? AND datetime = ? AND %s <> ?`,
			name, kind.valueColumn(), kind.keyColumn(), kind.valueColumn()))
		if err != nil {
			tx.Rollback()
			return written, mapCtxErr(ctx, err)
		}

		for _, p := range rows {
			res, err := insert.ExecContext(ctx, keyArg, p.Time.UTC(), p.Value)
			if err != nil {
				tx.Rollback()
				return written, mapCtxErr(ctx, err)
			}
			n, _ := res.RowsAffected()
			if n > 0 {
				written++
				continue
			}
			// Duplicate (key, timestamp): rewrite only when the value
			// actually conflicts, and log the supersede.
			res, err = update.ExecContext(ctx, p.Value, keyArg, p.Time.UTC(), p.Value)
			if err != nil {
				tx.Rollback()
				return written, mapCtxErr(ctx, err)
			}
			if n, _ = res.RowsAffected(); n > 0 {
				written++
				metrics.ConflictingWrites.WithLabelValues(string(kind)).Inc()
				s.logger.Warnw("conflicting duplicate write superseded",
					"kind", kind, "key", key, "time", p.Time.UTC())
			}
		}
		if err := tx.Commit(); err != nil {
			return written, mapCtxErr(ctx, err)
		}
	}
	metrics.RowsIngested.WithLabelValues(string(kind)).Add(float64(written))
	return written, nil
}

// Query returns the key's rows in [start, end], merged across partitions.
func (s *SQLiteStore) Query(ctx context.Context, kind Kind, key string, start, end time.Time) ([]Point, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	known, err := s.keyKnown(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: %s %s", ErrKeyNotFound, kind, key)
	}
	keyArg, err := s.keyArg(kind, key)
	if err != nil {
		return nil, err
	}

	out := []Point{}
	for _, part := range PartitionsBetween(kind, start, end) {
		ok, err := s.partitionExists(ctx, part.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT datetime, %s FROM %s
			 WHERE %s = ? AND datetime >= ? AND datetime <= ?
			 ORDER BY datetime ASC`,
			kind.valueColumn(), part.Name, kind.keyColumn()),
			keyArg, start.UTC(), end.UTC())
		if err != nil {
			return nil, mapCtxErr(ctx, err)
		}
		for rows.Next() {
			var p Point
			if err := rows.Scan(&p.Time, &p.Value); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, mapCtxErr(ctx, err)
		}
		rows.Close()
	}
	return out, nil
}

// AppendEnsemble upserts forecast rows into the partition of their
// initialization month.
func (s *SQLiteStore) AppendEnsemble(ctx context.Context, key string, rows []EnsembleRow) (int, error) {
	reach, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad reach id %q", ErrKeyNotFound, key)
	}
	written := 0
	for _, row := range rows {
		if row.Time.IsZero() || row.Initialized.IsZero() {
			return written, ErrMalformedTimestamp
		}
		if len(row.Members) != NumMembers {
			return written, fmt.Errorf("ensemble row at %s has %d members, want %d",
				row.Time, len(row.Members), NumMembers)
		}
		part := PartitionFor(KindEnsembleForecast, row.Initialized)
		ok, err := s.partitionExists(ctx, part.Name)
		if err != nil {
			return written, err
		}
		if !ok {
			return written, fmt.Errorf("%w: %s", ErrNoPartition, part.Name)
		}

		cols := ensembleColumns()
		args := make([]any, 0, 3+NumMembers)
		args = append(args, reach, row.Time.UTC(), row.Initialized.UTC())
		for _, v := range row.Members {
			args = append(args, nullable(v))
		}
		assigns := make([]string, len(cols))
		for i, c := range cols {
			assigns[i] = fmt.Sprintf("%s = excluded.%s", c, c)
		}
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (reachid, datetime, initialized, %s)
			 VALUES (?, ?, ?%s)
			 ON CONFLICT(reachid, datetime, initialized) DO UPDATE SET %s`,
			part.Name,
			strings.Join(cols, ", "),
			strings.Repeat(", ?", NumMembers),
			strings.Join(assigns, ", ")), args...)
		if err != nil {
			return written, mapCtxErr(ctx, err)
		}
		written++
	}
	metrics.RowsIngested.WithLabelValues(string(KindEnsembleForecast)).Add(float64(written))
	return written, nil
}

// QueryEnsemble returns every lead timestep of one initialization.
func (s *SQLiteStore) QueryEnsemble(ctx context.Context, key string, initialized time.Time) ([]EnsembleRow, error) {
	reach, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad reach id %q", ErrKeyNotFound, key)
	}
	known, err := s.keyKnown(ctx, KindEnsembleForecast, key)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: reach %s", ErrKeyNotFound, key)
	}

	part := PartitionFor(KindEnsembleForecast, initialized)
	ok, err := s.partitionExists(ctx, part.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: reach %s at %s", ErrNoForecast, key, initialized.Format("2006-01-02"))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT datetime, initialized, %s FROM %s
		 WHERE reachid = ? AND initialized = ?
		 ORDER BY datetime ASC`,
		strings.Join(ensembleColumns(), ", "), part.Name),
		reach, initialized.UTC())
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	defer rows.Close()

	var out []EnsembleRow
	for rows.Next() {
		row := EnsembleRow{Members: make([]float64, NumMembers)}
		dest := make([]any, 0, 2+NumMembers)
		dest = append(dest, &row.Time, &row.Initialized)
		raw := make([]sql.NullFloat64, NumMembers)
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range raw {
			row.Members[i] = fromNullable(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: reach %s at %s", ErrNoForecast, key, initialized.Format("2006-01-02"))
	}
	return out, nil
}

// LatestInitialization scans ensemble partitions backwards from the
// requested date. The scan is bounded to two years of months.
func (s *SQLiteStore) LatestInitialization(ctx context.Context, key string, onOrBefore time.Time) (time.Time, error) {
	reach, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad reach id %q", ErrKeyNotFound, key)
	}
	cursor := onOrBefore
	for i := 0; i < 24; i++ {
		part := PartitionFor(KindEnsembleForecast, cursor)
		ok, err := s.partitionExists(ctx, part.Name)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			// Select the column directly: aggregate expressions lose the
			// declared type under SQLite's affinity rules.
			var latest time.Time
			err := s.db.QueryRowContext(ctx, fmt.Sprintf(
				`SELECT initialized FROM %s WHERE reachid = ? AND initialized <= ?
				 ORDER BY initialized DESC LIMIT 1`,
				part.Name), reach, onOrBefore.UTC()).Scan(&latest)
			if err != nil && err != sql.ErrNoRows {
				return time.Time{}, mapCtxErr(ctx, err)
			}
			if err == nil {
				return latest, nil
			}
		}
		cursor = part.Start.Add(-time.Hour)
	}
	return time.Time{}, fmt.Errorf("%w: reach %s on or before %s",
		ErrNoForecast, key, onOrBefore.Format("2006-01-02"))
}

// Stations returns the full station network.
func (s *SQLiteStore) Stations(ctx context.Context) ([]Station, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hydroweb, reachid, basin, river, name, latitude, longitude, elevation, state, country, type
		 FROM station ORDER BY hydroweb`)
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var st Station
		if err := rows.Scan(&st.Hydroweb, &st.ReachID, &st.Basin, &st.River, &st.Name,
			&st.Latitude, &st.Longitude, &st.Elevation, &st.State, &st.Country, &st.Type); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Station returns one station by code.
func (s *SQLiteStore) Station(ctx context.Context, code string) (*Station, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hydroweb, reachid, basin, river, name, latitude, longitude, elevation, state, country, type
		 FROM station WHERE hydroweb = ?`, code)
	var st Station
	err := row.Scan(&st.Hydroweb, &st.ReachID, &st.Basin, &st.River, &st.Name,
		&st.Latitude, &st.Longitude, &st.Elevation, &st.State, &st.Country, &st.Type)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: station %s", ErrKeyNotFound, code)
	}
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	return &st, nil
}

// UpsertStation loads or refreshes a station metadata record.
func (s *SQLiteStore) UpsertStation(ctx context.Context, st Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station (hydroweb, reachid, basin, river, name, latitude, longitude, elevation, state, country, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hydroweb) DO UPDATE SET
			reachid = excluded.reachid,
			basin = excluded.basin,
			river = excluded.river,
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			state = excluded.state,
			country = excluded.country,
			type = excluded.type
	`, st.Hydroweb, st.ReachID, st.Basin, st.River, st.Name,
		st.Latitude, st.Longitude, st.Elevation, st.State, st.Country, st.Type)
	return mapCtxErr(ctx, err)
}

// Thresholds returns the return-period thresholds of a station.
func (s *SQLiteStore) Thresholds(ctx context.Context, code string) (*ReturnPeriods, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hydroweb, return_period_2, return_period_5, return_period_10,
		        return_period_25, return_period_50, return_period_100
		 FROM return_periods WHERE hydroweb = ?`, code)
	var rp ReturnPeriods
	err := row.Scan(&rp.Hydroweb, &rp.R2, &rp.R5, &rp.R10, &rp.R25, &rp.R50, &rp.R100)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: thresholds for %s", ErrKeyNotFound, code)
	}
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	return &rp, nil
}

// SaveThresholds upserts a station's return-period thresholds.
func (s *SQLiteStore) SaveThresholds(ctx context.Context, rp ReturnPeriods) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO return_periods (hydroweb, return_period_2, return_period_5, return_period_10,
		                            return_period_25, return_period_50, return_period_100)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hydroweb) DO UPDATE SET
			return_period_2 = excluded.return_period_2,
			return_period_5 = excluded.return_period_5,
			return_period_10 = excluded.return_period_10,
			return_period_25 = excluded.return_period_25,
			return_period_50 = excluded.return_period_50,
			return_period_100 = excluded.return_period_100
	`, rp.Hydroweb, rp.R2, rp.R5, rp.R10, rp.R25, rp.R50, rp.R100)
	return mapCtxErr(ctx, err)
}

// SaveWarnings upserts bulletin rows, one per station per cycle date.
func (s *SQLiteStore) SaveWarnings(ctx context.Context, rows []WarningRow) error {
	cols := warningColumns()
	assigns := make([]string, len(cols))
	for i, c := range cols {
		assigns[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	stmt := fmt.Sprintf(`
		INSERT INTO warning (hydroweb, datetime, %s)
		VALUES (?, ?%s)
		ON CONFLICT(hydroweb, datetime) DO UPDATE SET %s`,
		strings.Join(cols, ", "),
		strings.Repeat(", ?", len(cols)),
		strings.Join(assigns, ", "))

	for _, row := range rows {
		args := make([]any, 0, 2+len(cols))
		args = append(args, row.Hydroweb, row.Date.UTC())
		for i := range cols {
			if i < len(row.Levels) {
				args = append(args, row.Levels[i])
			} else {
				args = append(args, "R0")
			}
		}
		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			return mapCtxErr(ctx, err)
		}
	}
	return nil
}

// WarningsForDate returns the persisted bulletin rows of one date.
func (s *SQLiteStore) WarningsForDate(ctx context.Context, date time.Time) ([]WarningRow, error) {
	cols := warningColumns()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT hydroweb, datetime, %s FROM warning WHERE datetime = ? ORDER BY hydroweb`,
		strings.Join(cols, ", ")), date.UTC())
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	defer rows.Close()

	var out []WarningRow
	for rows.Next() {
		row := WarningRow{Levels: make([]string, len(cols))}
		dest := make([]any, 0, 2+len(cols))
		dest = append(dest, &row.Hydroweb, &row.Date)
		for i := range row.Levels {
			dest = append(dest, &row.Levels[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// EnsurePartitions provisions the partitions covering [from, to].
func (s *SQLiteStore) EnsurePartitions(ctx context.Context, kind Kind, from, to time.Time) error {
	for _, part := range PartitionsBetween(kind, from, to) {
		var ddl string
		switch kind {
		case KindEnsembleForecast:
			ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				reachid INTEGER NOT NULL,
				datetime TIMESTAMP NOT NULL,
				initialized TIMESTAMP NOT NULL,
				%s,
				PRIMARY KEY (reachid, datetime, initialized)
			)`, part.Name, strings.Join(ensembleColumnDefs("REAL"), ",\n\t\t\t\t"))
		default:
			keyType := "INTEGER"
			if !kind.reachKeyed() {
				keyType = "TEXT"
			}
			ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s %s NOT NULL,
				datetime TIMESTAMP NOT NULL,
				%s REAL,
				PRIMARY KEY (%s, datetime)
			)`, part.Name, kind.keyColumn(), keyType, kind.valueColumn(), kind.keyColumn())
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return mapCtxErr(ctx, err)
		}
		if kind == KindEnsembleForecast {
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_init ON %s (reachid, initialized)`,
				part.Name, part.Name)
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return mapCtxErr(ctx, err)
			}
		}
	}
	return nil
}

// RetireExpired drops partitions wholly before the cutoff and returns how
// many were dropped.
func (s *SQLiteStore) RetireExpired(ctx context.Context, kind Kind, cutoff time.Time) (int, error) {
	prefix := string(kind) + "_"
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?`, prefix+"%")
	if err != nil {
		return 0, mapCtxErr(ctx, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	dropped := 0
	for _, name := range names {
		part, ok := parsePartitionName(kind, name)
		if !ok || !part.End.Before(cutoff) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE "+name); err != nil {
			return dropped, mapCtxErr(ctx, err)
		}
		s.logger.Infow("retired expired partition", "kind", kind, "partition", name)
		dropped++
	}
	return dropped, nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(v float64) any {
	if v != v { // NaN
		return nil
	}
	return v
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return nan()
	}
	return v.Float64
}
