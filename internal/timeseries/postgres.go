package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hydrowatch/waterlevel-forecast/internal/log"
	"github.com/hydrowatch/waterlevel-forecast/internal/metrics"
)

// PostgresStore implements Store on PostgreSQL. Partitions are plain
// tables named by their time range, matching the operational schema the
// loaders write into.
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// NewPostgresStore connects to PostgreSQL and prepares the reference
// tables.
func NewPostgresStore(connectionString string, logger *zap.SugaredLogger) (*PostgresStore, error) {
	dbLogger := gormlogger.New(
		zap.NewStdLog(log.GetZapLogger()),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: false,
			Colorful:                  true,
		},
	)

	log.Info("connecting to PostgreSQL...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("unable to create a PostgreSQL connection: %w", err)
	}
	log.Info("PostgreSQL connection successful")

	s := &PostgresStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	if err := s.db.AutoMigrate(&Station{}, &ReturnPeriods{}); err != nil {
		return fmt.Errorf("migrate reference tables: %w", err)
	}
	ddl := fmt.Sprintf(createWarningTableSQL, strings.Join(warningColumnDefs("text"), ",\n    "))
	if err := s.db.Exec(ddl).Error; err != nil {
		return fmt.Errorf("migrate warning table: %w", err)
	}
	return nil
}

func (s *PostgresStore) partitionExists(ctx context.Context, name string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?`, name).
		Scan(&n).Error
	if err != nil {
		return false, mapCtxErr(ctx, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) keyKnown(ctx context.Context, kind Kind, key string) (bool, error) {
	var n int64
	var err error
	if kind.reachKeyed() {
		reach, perr := strconv.ParseInt(key, 10, 64)
		if perr != nil {
			return false, nil
		}
		err = s.db.WithContext(ctx).Model(&Station{}).Where("reachid = ?", reach).Count(&n).Error
	} else {
		err = s.db.WithContext(ctx).Model(&Station{}).Where("hydroweb = ?", key).Count(&n).Error
	}
	if err != nil {
		return false, mapCtxErr(ctx, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) keyArg(kind Kind, key string) (any, error) {
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
func (s *PostgresStore) Append(ctx context.Context, kind Kind, key string, pts []Point) (int, error) {
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

		insertSQL := fmt.Sprintf(
			`INSERT INTO %s (%s, datetime, %s) VALUES (?, ?, ?)
			 ON CONFLICT (%s, datetime) DO NOTHING`,
			name, kind.keyColumn(), kind.valueColumn(), kind.keyColumn())
		updateSQL := fmt.Sprintf(
			`UPDATE %s SET %s = ? WHERE %s = ? AND datetime = ? AND %s IS DISTINCT FROM ?`,
			name, kind.valueColumn(), kind.keyColumn(), kind.valueColumn())

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, p := range rows {
				res := tx.Exec(insertSQL, keyArg, p.Time.UTC(), p.Value)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected > 0 {
					written++
					continue
				}
				res = tx.Exec(updateSQL, p.Value, keyArg, p.Time.UTC(), p.Value)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected > 0 {
					written++
					metrics.ConflictingWrites.WithLabelValues(string(kind)).Inc()
					s.logger.Warnw("conflicting duplicate write superseded",
						"kind", kind, "key", key, "time", p.Time.UTC())
				}
			}
			return nil
		})
		if err != nil {
			return written, mapCtxErr(ctx, err)
		}
	}
	metrics.RowsIngested.WithLabelValues(string(kind)).Add(float64(written))
	return written, nil
}

// Query returns the key's rows in [start, end], merged across partitions.
func (s *PostgresStore) Query(ctx context.Context, kind Kind, key string, start, end time.Time) ([]Point, error) {
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
		rows, err := s.db.WithContext(ctx).Raw(fmt.Sprintf(
			`SELECT datetime, %s FROM %s
			 WHERE %s = ? AND datetime >= ? AND datetime <= ?
			 ORDER BY datetime ASC`,
			kind.valueColumn(), part.Name, kind.keyColumn()),
			keyArg, start.UTC(), end.UTC()).Rows()
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
func (s *PostgresStore) AppendEnsemble(ctx context.Context, key string, rows []EnsembleRow) (int, error) {
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
		err = s.db.WithContext(ctx).Exec(fmt.Sprintf(
			`INSERT INTO %s (reachid, datetime, initialized, %s)
			 VALUES (?, ?, ?%s)
			 ON CONFLICT (reachid, datetime, initialized) DO UPDATE SET %s`,
			part.Name,
			strings.Join(cols, ", "),
			strings.Repeat(", ?", NumMembers),
			strings.Join(assigns, ", ")), args...).Error
		if err != nil {
			return written, mapCtxErr(ctx, err)
		}
		written++
	}
	metrics.RowsIngested.WithLabelValues(string(KindEnsembleForecast)).Add(float64(written))
	return written, nil
}

// QueryEnsemble returns every lead timestep of one initialization.
func (s *PostgresStore) QueryEnsemble(ctx context.Context, key string, initialized time.Time) ([]EnsembleRow, error) {
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

	rows, err := s.db.WithContext(ctx).Raw(fmt.Sprintf(
		`SELECT datetime, initialized, %s FROM %s
		 WHERE reachid = ? AND initialized = ?
		 ORDER BY datetime ASC`,
		strings.Join(ensembleColumns(), ", "), part.Name),
		reach, initialized.UTC()).Rows()
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
func (s *PostgresStore) LatestInitialization(ctx context.Context, key string, onOrBefore time.Time) (time.Time, error) {
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
			var latest sql.NullTime
			err := s.db.WithContext(ctx).Raw(fmt.Sprintf(
				`SELECT MAX(initialized) FROM %s WHERE reachid = ? AND initialized <= ?`,
				part.Name), reach, onOrBefore.UTC()).Scan(&latest).Error
			if err != nil {
				return time.Time{}, mapCtxErr(ctx, err)
			}
			if latest.Valid {
				return latest.Time, nil
			}
		}
		cursor = part.Start.Add(-time.Hour)
	}
	return time.Time{}, fmt.Errorf("%w: reach %s on or before %s",
		ErrNoForecast, key, onOrBefore.Format("2006-01-02"))
}

// Stations returns the full station network.
func (s *PostgresStore) Stations(ctx context.Context) ([]Station, error) {
	var out []Station
	err := s.db.WithContext(ctx).Order("hydroweb").Find(&out).Error
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	return out, nil
}

// Station returns one station by code.
func (s *PostgresStore) Station(ctx context.Context, code string) (*Station, error) {
	var st Station
	err := s.db.WithContext(ctx).Where("hydroweb = ?", code).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: station %s", ErrKeyNotFound, code)
	}
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	return &st, nil
}

// Thresholds returns the return-period thresholds of a station.
func (s *PostgresStore) Thresholds(ctx context.Context, code string) (*ReturnPeriods, error) {
	var rp ReturnPeriods
	err := s.db.WithContext(ctx).Where("hydroweb = ?", code).First(&rp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: thresholds for %s", ErrKeyNotFound, code)
	}
	if err != nil {
		return nil, mapCtxErr(ctx, err)
	}
	return &rp, nil
}

// SaveThresholds upserts a station's return-period thresholds.
func (s *PostgresStore) SaveThresholds(ctx context.Context, rp ReturnPeriods) error {
	err := s.db.WithContext(ctx).Save(&rp).Error
	return mapCtxErr(ctx, err)
}

// SaveWarnings upserts bulletin rows, one per station per cycle date.
func (s *PostgresStore) SaveWarnings(ctx context.Context, rows []WarningRow) error {
	cols := warningColumns()
	assigns := make([]string, len(cols))
	for i, c := range cols {
		assigns[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	stmt := fmt.Sprintf(`
		INSERT INTO warning (hydroweb, datetime, %s)
		VALUES (?, ?%s)
		ON CONFLICT (hydroweb, datetime) DO UPDATE SET %s`,
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
		if err := s.db.WithContext(ctx).Exec(stmt, args...).Error; err != nil {
			return mapCtxErr(ctx, err)
		}
	}
	return nil
}

// WarningsForDate returns the persisted bulletin rows of one date.
func (s *PostgresStore) WarningsForDate(ctx context.Context, date time.Time) ([]WarningRow, error) {
	cols := warningColumns()
	rows, err := s.db.WithContext(ctx).Raw(fmt.Sprintf(
		`SELECT hydroweb, datetime, %s FROM warning WHERE datetime = ? ORDER BY hydroweb`,
		strings.Join(cols, ", ")), date.UTC()).Rows()
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
func (s *PostgresStore) EnsurePartitions(ctx context.Context, kind Kind, from, to time.Time) error {
	for _, part := range PartitionsBetween(kind, from, to) {
		var ddl string
		switch kind {
		case KindEnsembleForecast:
			ddl = fmt.Sprintf(createEnsemblePartitionSQL,
				part.Name, strings.Join(ensembleColumnDefs("float8"), ",\n    "))
		default:
			keyType := "bigint"
			if !kind.reachKeyed() {
				keyType = "text"
			}
			ddl = fmt.Sprintf(createScalarPartitionSQL,
				part.Name, kind.keyColumn(), keyType, kind.valueColumn(), kind.keyColumn())
		}
		if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
			return mapCtxErr(ctx, err)
		}
		if kind == KindEnsembleForecast {
			idx := fmt.Sprintf(createEnsembleInitIndexSQL, part.Name, part.Name)
			if err := s.db.WithContext(ctx).Exec(idx).Error; err != nil {
				return mapCtxErr(ctx, err)
			}
		}
	}
	return nil
}

// RetireExpired drops partitions wholly before the cutoff and returns how
// many were dropped.
func (s *PostgresStore) RetireExpired(ctx context.Context, kind Kind, cutoff time.Time) (int, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Raw(`SELECT table_name FROM information_schema.tables
		     WHERE table_schema = 'public' AND table_name LIKE ?`, string(kind)+"_%").
		Scan(&names).Error
	if err != nil {
		return 0, mapCtxErr(ctx, err)
	}

	dropped := 0
	for _, name := range names {
		part, ok := parsePartitionName(kind, name)
		if !ok || !part.End.Before(cutoff) {
			continue
		}
		if err := s.db.WithContext(ctx).Exec("DROP TABLE " + name).Error; err != nil {
			return dropped, mapCtxErr(ctx, err)
		}
		s.logger.Infow("retired expired partition", "kind", kind, "partition", name)
		dropped++
	}
	return dropped, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
