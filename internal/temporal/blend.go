package temporal

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
)

// DefaultKeyDecimals is the coordinate rounding used to join sample sets.
const DefaultKeyDecimals = 6

// Blend returns a·(1−alpha) + b·alpha cell by cell.
func Blend(a, b field.Field, alpha float64) (field.Field, error) {
	if err := checkAlpha(alpha); err != nil {
		return field.Field{}, err
	}
	if !a.SameShape(b) {
		return field.Field{}, fmt.Errorf("%w: %dx%d vs %dx%d", field.ErrFieldShapeMismatch, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := field.New(a.Rows, a.Cols)
	for i := range out.Values {
		out.Values[i] = a.Values[i]*(1-alpha) + b.Values[i]*alpha
	}
	return out, nil
}

func checkAlpha(alpha float64) error {
	if !(alpha >= 0 && alpha <= 1) {
		return fmt.Errorf("%w: %v", field.ErrInvalidBlendFactor, alpha)
	}
	return nil
}

// AlphaSteps returns n blend factors evenly spaced over [0, 1], both
// ends included.
func AlphaSteps(n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{0}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) / float64(n-1)
	}
	return out
}

// Key is a coordinate rounded to a fixed number of decimals.
type Key struct {
	Lon, Lat int64
}

// KeyOf rounds c to decimals places.
func KeyOf(c field.Coord, decimals int) Key {
	scale := math.Pow10(decimals)
	return Key{Lon: int64(math.Round(c.Lon * scale)), Lat: int64(math.Round(c.Lat * scale))}
}

// BlendSamples joins a and b on their rounded coordinates and blends the
// values of each matched pair. Coordinates present on only one side are
// dropped. Duplicate keys within one side are averaged first. Output is
// ordered by key and takes its coordinate from a; its timestamp is
// interpolated between the two sides.
func BlendSamples(a, b []field.Sample, alpha float64, decimals int) ([]field.Sample, error) {
	if err := checkAlpha(alpha); err != nil {
		return nil, err
	}
	left := indexByKey(a, decimals)
	right := indexByKey(b, decimals)

	keys := make([]Key, 0, len(left))
	for k := range left {
		if _, ok := right[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Lon != keys[j].Lon {
			return keys[i].Lon < keys[j].Lon
		}
		return keys[i].Lat < keys[j].Lat
	})
	if dropped := len(left) + len(right) - 2*len(keys); dropped > 0 {
		logf("blend: dropped %d unmatched coordinates", dropped)
	}

	out := make([]field.Sample, len(keys))
	for i, k := range keys {
		l, r := left[k], right[k]
		s := l
		s.Value = l.Value*(1-alpha) + r.Value*alpha
		s.Time = l.Time.Add(time.Duration(alpha * float64(r.Time.Sub(l.Time))))
		out[i] = s
	}
	return out, nil
}

func indexByKey(samples []field.Sample, decimals int) map[Key]field.Sample {
	sums := make(map[Key]field.Sample, len(samples))
	counts := make(map[Key]int, len(samples))
	for _, s := range samples {
		k := KeyOf(s.Coord, decimals)
		if acc, ok := sums[k]; ok {
			acc.Value += s.Value
			sums[k] = acc
		} else {
			sums[k] = s
		}
		counts[k]++
	}
	for k, n := range counts {
		if n > 1 {
			s := sums[k]
			s.Value /= float64(n)
			sums[k] = s
		}
	}
	return sums
}
