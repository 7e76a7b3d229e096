// Package source reads trip records from the relational data source.
//
// Two database/sql drivers are supported: pgx for PostgreSQL in production and
// modernc.org/sqlite for local runs and tests. Queries are written once with
// positional placeholders and rebound for the active driver.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/config"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
)

// Supported drivers.
const (
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

// PrimaryColumns are the columns of the per-trip dataset, in output order.
var PrimaryColumns = []string{
	"trip_id", "vehicle_id", "service_date", "line", "departure", "arrival", "distance_km",
}

// DetailColumns are the columns of the per-stop dataset, in output order.
var DetailColumns = []string{
	"trip_id", "stop_seq", "stop_name", "scheduled_time", "actual_time",
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLSource implements export.DataSource over database/sql.
type SQLSource struct {
	db     *sql.DB
	driver string
	trips  string
	stops  string

	// pool is set for the pgx driver and closed with the source.
	pool *pgxpool.Pool
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQLSource, error) {
	for _, table := range []string{cfg.TripsTable, cfg.StopsTable} {
		if !identPattern.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}

	src := &SQLSource{driver: cfg.Driver, trips: cfg.TripsTable, stops: cfg.StopsTable}

	switch cfg.Driver {
	case DriverPgx:
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing database url: %w", err)
		}
		poolConfig.MaxConns = int32(cfg.MaxConns)
		poolConfig.MinConns = int32(cfg.MinConns)
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("creating connection pool: %w", err)
		}
		src.pool = pool
		src.db = stdlib.OpenDBFromPool(pool)

	case DriverSQLite:
		db, err := sql.Open(DriverSQLite, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		db.SetMaxOpenConns(max(cfg.MaxConns, 1))
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
		db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
		src.db = db

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := src.db.PingContext(ctx); err != nil {
		src.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return src, nil
}

// NewWithDB wraps an existing connection. The caller keeps ownership of db's
// pool settings; Close still closes it.
func NewWithDB(db *sql.DB, driver, tripsTable, stopsTable string) *SQLSource {
	return &SQLSource{db: db, driver: driver, trips: tripsTable, stops: stopsTable}
}

// Close releases the underlying connections.
func (s *SQLSource) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Ping checks connectivity.
func (s *SQLSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetRecordCount returns the number of trips on date. A date without any
// trips yields nil so the change gate treats it as "no data yet".
func (s *SQLSource) GetRecordCount(ctx context.Context, date time.Time) (*int, error) {
	query := s.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE service_date = ?`, s.trips))

	var count int
	if err := s.db.QueryRowContext(ctx, query, dateParam(date)).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting trips: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &count, nil
}

// GetPrimaryDataset returns one row per trip on date, ordered by trip id.
func (s *SQLSource) GetPrimaryDataset(ctx context.Context, date time.Time, filter export.Filter) (export.Dataset, error) {
	where, args := vehicleClause("vehicle_id", filter)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE service_date = ?%s ORDER BY trip_id`,
		strings.Join(PrimaryColumns, ", "), s.trips, where)

	return s.queryDataset(ctx, s.rebind(query), PrimaryColumns, append([]any{dateParam(date)}, args...))
}

// GetDetailDataset returns one row per stop of the trips on date, ordered by
// trip and stop sequence.
func (s *SQLSource) GetDetailDataset(ctx context.Context, date time.Time, filter export.Filter) (export.Dataset, error) {
	cols := make([]string, len(DetailColumns))
	for i, c := range DetailColumns {
		cols[i] = "s." + c
	}
	where, args := vehicleClause("t.vehicle_id", filter)
	query := fmt.Sprintf(`SELECT %s FROM %s s JOIN %s t ON t.trip_id = s.trip_id WHERE t.service_date = ?%s ORDER BY s.trip_id, s.stop_seq`,
		strings.Join(cols, ", "), s.stops, s.trips, where)

	return s.queryDataset(ctx, s.rebind(query), DetailColumns, append([]any{dateParam(date)}, args...))
}

func (s *SQLSource) queryDataset(ctx context.Context, query string, columns []string, args []any) (export.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return export.Dataset{}, fmt.Errorf("querying dataset: %w", err)
	}
	defer rows.Close()

	ds := export.Dataset{Columns: columns}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return export.Dataset{}, fmt.Errorf("scanning row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		ds.Rows = append(ds.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return export.Dataset{}, fmt.Errorf("reading rows: %w", err)
	}
	return ds, nil
}

// vehicleClause renders the filter as an AND clause over column.
func vehicleClause(column string, filter export.Filter) (string, []any) {
	if filter.IsAll() {
		return "", nil
	}

	var (
		parts []string
		args  []any
	)
	for _, r := range filter.Ranges() {
		if r.From == r.To {
			parts = append(parts, column+" = ?")
			args = append(args, r.From)
			continue
		}
		parts = append(parts, column+" BETWEEN ? AND ?")
		args = append(args, r.From, r.To)
	}
	return " AND (" + strings.Join(parts, " OR ") + ")", args
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *SQLSource) rebind(query string) string {
	if s.driver != DriverPgx {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dateParam(date time.Time) string {
	return date.Format(time.DateOnly)
}

// formatValue renders a scanned column value for delimited output.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.DateTime)
	default:
		return fmt.Sprint(x)
	}
}
