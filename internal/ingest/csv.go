// Package ingest parses uploaded measurement tables into samples.
//
// Two layouts are accepted. Long tables carry latitude, longitude,
// timestamp and value columns (any order, "count" is accepted for
// value). Any other table is read as wide: the first two columns are
// latitude and longitude and every further column header is a timestamp.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, _ = monitoring.Prefixed("ingest")

// ErrNoData is returned when a table yields no valid samples.
var ErrNoData = errors.New("no valid data points")

// Layout is the detected table shape.
type Layout string

const (
	LayoutLong Layout = "long"
	LayoutWide Layout = "wide"
)

// Stats summarises a parsed table.
type Stats struct {
	Layout     Layout   `json:"layout"`
	Rows       int      `json:"total_points"`
	Dropped    int      `json:"dropped"`
	Timestamps []string `json:"timestamps"`
	GlobalMin  float64  `json:"global_min"`
	GlobalMax  float64  `json:"global_max"`
}

var timeLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
}

// ParseTime parses s with the accepted timestamp layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// labelClock assigns times to labels. Labels that do not parse are
// ordered after every parsed label, in first-seen order.
type labelClock struct {
	times    map[string]time.Time
	unparsed []string
}

func (c *labelClock) time(label string) time.Time {
	if t, ok := c.times[label]; ok {
		return t
	}
	t, ok := ParseTime(label)
	if !ok {
		c.unparsed = append(c.unparsed, label)
		t = syntheticEpoch.Add(time.Duration(len(c.unparsed)) * time.Hour)
	}
	c.times[label] = t
	return t
}

// syntheticEpoch sits after any plausible measurement date.
var syntheticEpoch = time.Date(9000, 1, 1, 0, 0, 0, 0, time.UTC)

// ParseCSV reads a long or wide table. Rows with out-of-range or
// non-finite coordinates and cells with missing or non-finite values are
// dropped and counted. Samples sharing a coordinate and timestamp are
// averaged.
func ParseCSV(r io.Reader) ([]field.Sample, Stats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, Stats{}, fmt.Errorf("%w: empty file", ErrNoData)
	}
	if err != nil {
		return nil, Stats{}, fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}

	clock := &labelClock{times: make(map[string]time.Time)}
	var samples []field.Sample
	var st Stats
	if idx, ok := longColumns(cols); ok {
		st.Layout = LayoutLong
		samples, st.Dropped, err = parseLong(cr, idx, clock)
	} else {
		if len(cols) < 3 {
			return nil, Stats{}, fmt.Errorf("need latitude, longitude and at least one value column, found %d columns", len(cols))
		}
		st.Layout = LayoutWide
		samples, st.Dropped, err = parseWide(cr, header, clock)
	}
	if err != nil {
		return nil, Stats{}, err
	}
	if len(samples) == 0 {
		return nil, Stats{}, ErrNoData
	}

	samples = field.Aggregate(samples)
	rng, err := field.RangeOf(samples)
	if err != nil {
		return nil, Stats{}, err
	}
	st.Rows = len(samples)
	st.GlobalMin, st.GlobalMax = rng.Min, rng.Max
	st.Timestamps = orderedLabels(samples)
	logf("parsed %s table: %d samples, %d timestamps, %d dropped", st.Layout, st.Rows, len(st.Timestamps), st.Dropped)
	return samples, st, nil
}

type longIndex struct{ lat, lon, ts, value int }

func longColumns(cols []string) (longIndex, bool) {
	idx := longIndex{-1, -1, -1, -1}
	for i, c := range cols {
		switch c {
		case "latitude", "lat":
			idx.lat = i
		case "longitude", "lon", "lng":
			idx.lon = i
		case "timestamp", "date", "time":
			idx.ts = i
		case "value":
			idx.value = i
		case "count":
			if idx.value < 0 {
				idx.value = i
			}
		}
	}
	return idx, idx.lat >= 0 && idx.lon >= 0 && idx.ts >= 0 && idx.value >= 0
}

func parseLong(cr *csv.Reader, idx longIndex, clock *labelClock) ([]field.Sample, int, error) {
	var out []field.Sample
	dropped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, dropped, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read row: %w", err)
		}
		lat, lon, ok := coords(rec, idx.lat, idx.lon)
		if !ok {
			dropped++
			continue
		}
		v, ok := number(rec, idx.value)
		label := cell(rec, idx.ts)
		if !ok || label == "" {
			dropped++
			continue
		}
		out = append(out, field.Sample{
			Coord: field.Coord{Lon: lon, Lat: lat},
			Time:  clock.time(label),
			Label: label,
			Value: v,
		})
	}
}

func parseWide(cr *csv.Reader, header []string, clock *labelClock) ([]field.Sample, int, error) {
	labels := make([]string, len(header))
	for i := 2; i < len(header); i++ {
		labels[i] = strings.TrimSpace(header[i])
		clock.time(labels[i])
	}
	var out []field.Sample
	dropped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, dropped, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read row: %w", err)
		}
		lat, lon, ok := coords(rec, 0, 1)
		if !ok {
			dropped += max(len(header)-2, 1)
			continue
		}
		for i := 2; i < len(header); i++ {
			v, ok := number(rec, i)
			if !ok {
				dropped++
				continue
			}
			out = append(out, field.Sample{
				Coord: field.Coord{Lon: lon, Lat: lat},
				Time:  clock.time(labels[i]),
				Label: labels[i],
				Value: v,
			})
		}
	}
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func number(rec []string, i int) (float64, bool) {
	s := cell(rec, i)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func coords(rec []string, latIdx, lonIdx int) (lat, lon float64, ok bool) {
	lat, ok1 := number(rec, latIdx)
	lon, ok2 := number(rec, lonIdx)
	if !ok1 || !ok2 || !validCoord(lat, lon) {
		return 0, 0, false
	}
	return lat, lon, true
}

// orderedLabels returns the distinct labels ordered by time.
func orderedLabels(samples []field.Sample) []string {
	seen := make(map[string]time.Time)
	for _, s := range samples {
		if _, ok := seen[s.Label]; !ok {
			seen[s.Label] = s.Time
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := seen[out[i]], seen[out[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i] < out[j]
	})
	return out
}
