package field

import (
	"math"
	"sort"
	"time"
)

// Coord is a longitude/latitude pair in degrees, GeoJSON order.
type Coord struct {
	Lon float64 `json:"longitude"`
	Lat float64 `json:"latitude"`
}

// Sample is one measurement at a coordinate and timestamp. Label carries
// the caller's original timestamp text and is used as the output key.
type Sample struct {
	Coord
	Time  time.Time `json:"timestamp"`
	Label string    `json:"-"`
	Value float64   `json:"value"`
}

// Valid reports whether the sample has finite coordinates and value.
func (s Sample) Valid() bool {
	return finite(s.Lon) && finite(s.Lat) && finite(s.Value)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Slice is the samples of one timestamp.
type Slice struct {
	Time    time.Time
	Label   string
	Samples []Sample
}

// GroupByTime splits samples into slices ordered by timestamp. Samples
// with an equal Time but a different Label are grouped by Time.
func GroupByTime(samples []Sample) []Slice {
	idx := make(map[int64]int)
	var out []Slice
	for _, s := range samples {
		key := s.Time.UnixNano()
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			label := s.Label
			if label == "" {
				label = s.Time.Format("2006-01-02")
			}
			out = append(out, Slice{Time: s.Time, Label: label})
		}
		out[i].Samples = append(out[i].Samples, s)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })
	return out
}

type aggKey struct {
	lon, lat float64
	t        int64
}

// Aggregate averages samples that share a coordinate and timestamp. The
// first occurrence of each key determines output order.
func Aggregate(samples []Sample) []Sample {
	type acc struct {
		s   Sample
		sum float64
		n   int
	}
	idx := make(map[aggKey]int)
	var accs []acc
	for _, s := range samples {
		k := aggKey{s.Lon, s.Lat, s.Time.UnixNano()}
		i, ok := idx[k]
		if !ok {
			idx[k] = len(accs)
			accs = append(accs, acc{s: s, sum: s.Value, n: 1})
			continue
		}
		accs[i].sum += s.Value
		accs[i].n++
	}
	out := make([]Sample, len(accs))
	for i, a := range accs {
		a.s.Value = a.sum / float64(a.n)
		out[i] = a.s
	}
	return out
}

// Coords returns the coordinates of samples.
func Coords(samples []Sample) []Coord {
	out := make([]Coord, len(samples))
	for i, s := range samples {
		out[i] = s.Coord
	}
	return out
}

// Values returns the values of samples.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}
