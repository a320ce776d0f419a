package ingest

import (
	"math"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
)

// Record is one measurement as posted to the API. A null value is
// treated as missing.
type Record struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

// FromRecords applies the same cleaning as ParseCSV to decoded records.
func FromRecords(recs []Record) ([]field.Sample, Stats, error) {
	clock := &labelClock{times: make(map[string]time.Time)}
	var samples []field.Sample
	st := Stats{Layout: LayoutLong}
	for _, r := range recs {
		if r.Value == nil || r.Timestamp == "" || !validCoord(r.Latitude, r.Longitude) ||
			math.IsNaN(*r.Value) || math.IsInf(*r.Value, 0) {
			st.Dropped++
			continue
		}
		samples = append(samples, field.Sample{
			Coord: field.Coord{Lon: r.Longitude, Lat: r.Latitude},
			Time:  clock.time(r.Timestamp),
			Label: r.Timestamp,
			Value: *r.Value,
		})
	}
	if len(samples) == 0 {
		return nil, st, ErrNoData
	}
	samples = field.Aggregate(samples)
	rng, err := field.RangeOf(samples)
	if err != nil {
		return nil, st, err
	}
	st.Rows = len(samples)
	st.GlobalMin, st.GlobalMax = rng.Min, rng.Max
	st.Timestamps = orderedLabels(samples)
	return samples, st, nil
}

// ToRecords is the inverse of FromRecords for already clean samples.
func ToRecords(samples []field.Sample) []Record {
	out := make([]Record, len(samples))
	for i, s := range samples {
		v := s.Value
		out[i] = Record{Latitude: s.Lat, Longitude: s.Lon, Timestamp: s.Label, Value: &v}
	}
	return out
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
