package db

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
)

// TableEntry is one row of a bulk upsert across parameters. A nil Value
// is stored as NULL.
type TableEntry struct {
	Parameter string
	Coord     field.Coord
	Time      time.Time
	Value     *float64
}

// Valid reports whether e names a parameter, has in-range coordinates and
// a time, and carries a finite or null value.
func (e TableEntry) Valid() bool {
	if strings.TrimSpace(e.Parameter) == "" || e.Time.IsZero() {
		return false
	}
	if !(e.Coord.Lat >= -90 && e.Coord.Lat <= 90 && e.Coord.Lon >= -180 && e.Coord.Lon <= 180) {
		return false
	}
	return e.Value == nil || !(math.IsNaN(*e.Value) || math.IsInf(*e.Value, 0))
}

// TableRow is one station of the wide table. Values is keyed by
// TableKey; a nil value means the station has no non-null measurement
// for that key.
type TableRow struct {
	StationID int64
	Latitude  float64
	Longitude float64
	Values    map[string]*float64
}

// TableKey is the wide-table column for parameter on the UTC date of t.
func TableKey(parameter string, t time.Time) string {
	return parameter + "_" + t.UTC().Format("2006-01-02")
}

type cellMean struct {
	sum float64
	n   int
}

// TableBuilder pivots long measurement rows into TableRows. Values that
// share a station and key are averaged.
type TableBuilder struct {
	rows  []TableRow
	cells []map[string]*cellMean
	index map[int64]int
	keys  map[string]struct{}
}

// Add records one measurement.
func (b *TableBuilder) Add(stationID int64, lat, lon float64, parameter string, at time.Time, value *float64) {
	if b.index == nil {
		b.index = make(map[int64]int)
		b.keys = make(map[string]struct{})
	}
	i, ok := b.index[stationID]
	if !ok {
		i = len(b.rows)
		b.index[stationID] = i
		b.rows = append(b.rows, TableRow{StationID: stationID, Latitude: lat, Longitude: lon})
		b.cells = append(b.cells, make(map[string]*cellMean))
	}
	key := TableKey(parameter, at)
	b.keys[key] = struct{}{}
	c := b.cells[i][key]
	if c == nil {
		c = &cellMean{}
		b.cells[i][key] = c
	}
	if value != nil {
		c.sum += *value
		c.n++
	}
}

// Rows returns the stations ordered by ID. Every row carries every key
// seen, nil where the station has no value.
func (b *TableBuilder) Rows() []TableRow {
	out := make([]TableRow, len(b.rows))
	for i, r := range b.rows {
		r.Values = make(map[string]*float64, len(b.keys))
		for k := range b.keys {
			c := b.cells[i][k]
			if c == nil || c.n == 0 {
				r.Values[k] = nil
				continue
			}
			v := c.sum / float64(c.n)
			r.Values[k] = &v
		}
		out[i] = r
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

func (db *DB) Table(ctx context.Context) ([]TableRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.latitude, s.longitude, p.name, m.sampled_at, m.value
		FROM measurements m
		JOIN stations s ON s.id = m.station_id
		JOIN parameters p ON p.id = m.parameter_id
		ORDER BY s.id, p.name, m.sampled_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var b TableBuilder
	for rows.Next() {
		var (
			stationID int64
			lat, lon  float64
			name, at  string
			value     sql.NullFloat64
		)
		if err := rows.Scan(&stationID, &lat, &lon, &name, &at, &value); err != nil {
			return nil, err
		}
		t, err := time.Parse(TimeFormat, at)
		if err != nil {
			return nil, err
		}
		var v *float64
		if value.Valid {
			v = &value.Float64
		}
		b.Add(stationID, lat, lon, name, t, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b.Rows(), nil
}

func (db *DB) UpsertTable(ctx context.Context, entries []TableEntry) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	params := make(map[string]int64)
	stations := make(map[field.Coord]int64)
	written := 0
	for _, e := range entries {
		if !e.Valid() {
			continue
		}
		name := strings.TrimSpace(e.Parameter)
		paramID, ok := params[name]
		if !ok {
			if paramID, err = parameterID(ctx, tx, name); err != nil {
				return 0, err
			}
			params[name] = paramID
		}
		sid, err := stationID(ctx, tx, e.Coord, stations)
		if err != nil {
			return 0, err
		}
		var value sql.NullFloat64
		if e.Value != nil {
			value = sql.NullFloat64{Float64: *e.Value, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, upsertMeasurementSQL, sid, paramID, formatTime(e.Time), value); err != nil {
			return 0, err
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if skipped := len(entries) - written; skipped > 0 {
		opsf("table upsert: skipped %d invalid rows", skipped)
	}
	return written, nil
}
