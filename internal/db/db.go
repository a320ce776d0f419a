// Package db persists stations, parameters and measurements in SQLite.
//
// The schema is managed by golang-migrate with migrations embedded in the
// binary. Store is the storage contract shared with the Postgres
// implementation in pgstore.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, opsf = monitoring.Prefixed("db")

var (
	// ErrParameterExists is returned by AddParameter for a duplicate name.
	ErrParameterExists = errors.New("parameter already exists")
	// ErrNotFound is returned when a row to modify does not exist.
	ErrNotFound = errors.New("not found")
)

// Parameter is a measured quantity, e.g. "temperature".
type Parameter struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Store is the measurement storage used by the API.
type Store interface {
	ListParameters(ctx context.Context) ([]Parameter, error)
	AddParameter(ctx context.Context, name string) (Parameter, error)
	// ListTimestamps returns distinct measurement times, newest first. An
	// empty parameter lists every parameter's times.
	ListTimestamps(ctx context.Context, parameter string) ([]time.Time, error)
	// UpsertMeasurements stores samples under parameter, creating the
	// parameter and any stations as needed. It returns the rows written.
	UpsertMeasurements(ctx context.Context, parameter string, samples []field.Sample) (int, error)
	// Samples returns non-null measurements in [from, to], ordered by time
	// then station. Zero times leave that end open.
	Samples(ctx context.Context, parameter string, from, to time.Time) ([]field.Sample, error)
	DeleteMeasurement(ctx context.Context, parameter string, at field.Coord, when time.Time) error
	// Table pivots every measurement into one row per station, with a
	// column per parameter and date.
	Table(ctx context.Context) ([]TableRow, error)
	// UpsertTable stores entries across parameters, creating parameters
	// and stations as needed. Invalid entries are skipped. It returns the
	// rows written.
	UpsertTable(ctx context.Context, entries []TableEntry) (int, error)
	Close() error
}

// DB is the SQLite Store.
type DB struct {
	*sql.DB
	path string
}

var _ Store = (*DB)(nil)

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	logf("opened %s", path)
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// TimeFormat is the stored representation of sampled_at.
const TimeFormat = time.RFC3339

// Label formats t as a sample label: a bare date at UTC midnight,
// RFC 3339 otherwise.
func Label(t time.Time) string {
	t = t.UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format("2006-01-02")
	}
	return t.Format(TimeFormat)
}

func formatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

func (db *DB) ListParameters(ctx context.Context) ([]Parameter, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name FROM parameters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Parameter{}
	for rows.Next() {
		var p Parameter
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) AddParameter(ctx context.Context, name string) (Parameter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Parameter{}, errors.New("parameter name is required")
	}
	res, err := db.ExecContext(ctx, `INSERT INTO parameters (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return Parameter{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Parameter{}, err
	}
	if n == 0 {
		return Parameter{}, fmt.Errorf("%w: %s", ErrParameterExists, name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Parameter{}, err
	}
	return Parameter{ID: id, Name: name}, nil
}

func (db *DB) ListTimestamps(ctx context.Context, parameter string) ([]time.Time, error) {
	q := `SELECT DISTINCT m.sampled_at FROM measurements m`
	var args []interface{}
	if parameter != "" {
		q += ` JOIN parameters p ON p.id = m.parameter_id WHERE p.name = ?`
		args = append(args, parameter)
	}
	q += ` ORDER BY m.sampled_at DESC`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []time.Time{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		t, err := time.Parse(TimeFormat, s)
		if err != nil {
			return nil, fmt.Errorf("bad sampled_at %q: %w", s, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (db *DB) UpsertMeasurements(ctx context.Context, parameter string, samples []field.Sample) (int, error) {
	parameter = strings.TrimSpace(parameter)
	if parameter == "" {
		return 0, errors.New("parameter name is required")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	paramID, err := parameterID(ctx, tx, parameter)
	if err != nil {
		return 0, err
	}

	stations := make(map[field.Coord]int64)
	written := 0
	for _, s := range samples {
		if !s.Valid() {
			continue
		}
		sid, err := stationID(ctx, tx, s.Coord, stations)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, upsertMeasurementSQL, sid, paramID, formatTime(s.Time), s.Value); err != nil {
			return 0, err
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if skipped := len(samples) - written; skipped > 0 {
		opsf("upsert %s: skipped %d invalid samples", parameter, skipped)
	}
	return written, nil
}

const upsertMeasurementSQL = `
	INSERT INTO measurements (station_id, parameter_id, sampled_at, value)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (station_id, parameter_id, sampled_at) DO UPDATE SET value = excluded.value`

// parameterID returns the ID of name, creating the parameter if needed.
func parameterID(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO parameters (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM parameters WHERE name = ?`, name).Scan(&id)
	return id, err
}

// stationID returns the ID of the station at c, creating it if needed.
// IDs are memoised in seen.
func stationID(ctx context.Context, tx *sql.Tx, c field.Coord, seen map[field.Coord]int64) (int64, error) {
	if id, ok := seen[c]; ok {
		return id, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stations (latitude, longitude) VALUES (?, ?) ON CONFLICT (latitude, longitude) DO NOTHING`,
		c.Lat, c.Lon); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM stations WHERE latitude = ? AND longitude = ?`, c.Lat, c.Lon).Scan(&id); err != nil {
		return 0, err
	}
	seen[c] = id
	return id, nil
}

func (db *DB) Samples(ctx context.Context, parameter string, from, to time.Time) ([]field.Sample, error) {
	q := `
		SELECT s.longitude, s.latitude, m.sampled_at, m.value
		FROM measurements m
		JOIN stations s ON s.id = m.station_id
		JOIN parameters p ON p.id = m.parameter_id
		WHERE p.name = ? AND m.value IS NOT NULL`
	args := []interface{}{parameter}
	if !from.IsZero() {
		q += ` AND m.sampled_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		q += ` AND m.sampled_at <= ?`
		args = append(args, formatTime(to))
	}
	q += ` ORDER BY m.sampled_at, s.id`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []field.Sample
	for rows.Next() {
		var s field.Sample
		var at string
		if err := rows.Scan(&s.Lon, &s.Lat, &at, &s.Value); err != nil {
			return nil, err
		}
		if s.Time, err = time.Parse(TimeFormat, at); err != nil {
			return nil, fmt.Errorf("bad sampled_at %q: %w", at, err)
		}
		s.Label = Label(s.Time)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) DeleteMeasurement(ctx context.Context, parameter string, at field.Coord, when time.Time) error {
	res, err := db.ExecContext(ctx, `
		DELETE FROM measurements
		WHERE parameter_id = (SELECT id FROM parameters WHERE name = ?)
		  AND station_id = (SELECT id FROM stations WHERE latitude = ? AND longitude = ?)
		  AND sampled_at = ?`,
		parameter, at.Lat, at.Lon, formatTime(when))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at (%g, %g) %s", ErrNotFound, parameter, at.Lat, at.Lon, formatTime(when))
	}
	return nil
}
