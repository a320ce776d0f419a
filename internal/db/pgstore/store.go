// Package pgstore is a PostgreSQL implementation of db.Store for
// deployments that outgrow a single SQLite file.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/banshee-data/fieldmap/internal/db"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, opsf = monitoring.Prefixed("pgstore")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a db.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ db.Store = (*Store)(nil)

// Open connects to url, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	logf("connected to %s/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Database)
	return s, nil
}

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(s.pool)
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create pgx migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ListParameters(ctx context.Context) ([]db.Parameter, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM parameters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	out := []db.Parameter{}
	for rows.Next() {
		var p db.Parameter
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	return out, rows.Err()
}

func (s *Store) AddParameter(ctx context.Context, name string) (db.Parameter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return db.Parameter{}, errors.New("parameter name is required")
	}
	p := db.Parameter{Name: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO parameters (name) VALUES ($1) ON CONFLICT (name) DO NOTHING RETURNING id`, name).Scan(&p.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.Parameter{}, fmt.Errorf("%w: %s", db.ErrParameterExists, name)
	}
	return p, err
}

func (s *Store) ListTimestamps(ctx context.Context, parameter string) ([]time.Time, error) {
	q := `SELECT DISTINCT m.sampled_at FROM measurements m`
	var args []any
	if parameter != "" {
		q += ` JOIN parameters p ON p.id = m.parameter_id WHERE p.name = $1`
		args = append(args, parameter)
	}
	q += ` ORDER BY m.sampled_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := []time.Time{}
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t.UTC())
	}
	rows.Close()
	return out, rows.Err()
}

func (s *Store) UpsertMeasurements(ctx context.Context, parameter string, samples []field.Sample) (int, error) {
	parameter = strings.TrimSpace(parameter)
	if parameter == "" {
		return 0, errors.New("parameter name is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var paramID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO parameters (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = excluded.name
		RETURNING id`, parameter).Scan(&paramID); err != nil {
		return 0, err
	}

	stations := make(map[field.Coord]int64)
	batch := &pgx.Batch{}
	for _, smp := range samples {
		if !smp.Valid() {
			continue
		}
		stationID, ok := stations[smp.Coord]
		if !ok {
			if err := tx.QueryRow(ctx, `
				INSERT INTO stations (latitude, longitude) VALUES ($1, $2)
				ON CONFLICT (latitude, longitude) DO UPDATE SET latitude = excluded.latitude
				RETURNING id`, smp.Lat, smp.Lon).Scan(&stationID); err != nil {
				return 0, err
			}
			stations[smp.Coord] = stationID
		}
		batch.Queue(`
			INSERT INTO measurements (station_id, parameter_id, sampled_at, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (station_id, parameter_id, sampled_at) DO UPDATE SET value = excluded.value`,
			stationID, paramID, smp.Time.UTC(), smp.Value)
	}
	written := batch.Len()
	if written > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if skipped := len(samples) - written; skipped > 0 {
		opsf("upsert %s: skipped %d invalid samples", parameter, skipped)
	}
	return written, nil
}

func (s *Store) Samples(ctx context.Context, parameter string, from, to time.Time) ([]field.Sample, error) {
	q := `
		SELECT s.longitude, s.latitude, m.sampled_at, m.value
		FROM measurements m
		JOIN stations s ON s.id = m.station_id
		JOIN parameters p ON p.id = m.parameter_id
		WHERE p.name = $1 AND m.value IS NOT NULL`
	args := []any{parameter}
	if !from.IsZero() {
		args = append(args, from.UTC())
		q += fmt.Sprintf(` AND m.sampled_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		q += fmt.Sprintf(` AND m.sampled_at <= $%d`, len(args))
	}
	q += ` ORDER BY m.sampled_at, s.id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []field.Sample
	for rows.Next() {
		var smp field.Sample
		if err := rows.Scan(&smp.Lon, &smp.Lat, &smp.Time, &smp.Value); err != nil {
			rows.Close()
			return nil, err
		}
		smp.Time = smp.Time.UTC()
		smp.Label = db.Label(smp.Time)
		out = append(out, smp)
	}
	rows.Close()
	return out, rows.Err()
}

func (s *Store) DeleteMeasurement(ctx context.Context, parameter string, at field.Coord, when time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM measurements
		WHERE parameter_id = (SELECT id FROM parameters WHERE name = $1)
		  AND station_id = (SELECT id FROM stations WHERE latitude = $2 AND longitude = $3)
		  AND sampled_at = $4`,
		parameter, at.Lat, at.Lon, when.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at (%g, %g) %s", db.ErrNotFound, parameter, at.Lat, at.Lon, when.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Store) Table(ctx context.Context) ([]db.TableRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.latitude, s.longitude, p.name, m.sampled_at, m.value
		FROM measurements m
		JOIN stations s ON s.id = m.station_id
		JOIN parameters p ON p.id = m.parameter_id
		ORDER BY s.id, p.name, m.sampled_at`)
	if err != nil {
		return nil, err
	}
	var b db.TableBuilder
	for rows.Next() {
		var (
			id       int64
			lat, lon float64
			name     string
			at       time.Time
			value    *float64
		)
		if err := rows.Scan(&id, &lat, &lon, &name, &at, &value); err != nil {
			rows.Close()
			return nil, err
		}
		b.Add(id, lat, lon, name, at, value)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b.Rows(), nil
}

func (s *Store) UpsertTable(ctx context.Context, entries []db.TableEntry) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	params := make(map[string]int64)
	stations := make(map[field.Coord]int64)
	batch := &pgx.Batch{}
	for _, e := range entries {
		if !e.Valid() {
			continue
		}
		name := strings.TrimSpace(e.Parameter)
		paramID, ok := params[name]
		if !ok {
			if err := tx.QueryRow(ctx, `
				INSERT INTO parameters (name) VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = excluded.name
				RETURNING id`, name).Scan(&paramID); err != nil {
				return 0, err
			}
			params[name] = paramID
		}
		stationID, ok := stations[e.Coord]
		if !ok {
			if err := tx.QueryRow(ctx, `
				INSERT INTO stations (latitude, longitude) VALUES ($1, $2)
				ON CONFLICT (latitude, longitude) DO UPDATE SET latitude = excluded.latitude
				RETURNING id`, e.Coord.Lat, e.Coord.Lon).Scan(&stationID); err != nil {
				return 0, err
			}
			stations[e.Coord] = stationID
		}
		batch.Queue(`
			INSERT INTO measurements (station_id, parameter_id, sampled_at, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (station_id, parameter_id, sampled_at) DO UPDATE SET value = excluded.value`,
			stationID, paramID, e.Time.UTC(), e.Value)
	}
	written := batch.Len()
	if written > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if skipped := len(entries) - written; skipped > 0 {
		opsf("table upsert: skipped %d invalid rows", skipped)
	}
	return written, nil
}
