package temporal

import (
	"sort"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
)

// PointSeries interpolates each coordinate's measurements linearly over
// time and evaluates them at every target time. Targets outside a
// point's observed span are extrapolated from the nearest segment; a
// point observed once holds its value. Output is grouped by target in
// the order given, and within each target ordered by rounded coordinate.
func PointSeries(samples []field.Sample, targets []time.Time) []field.Sample {
	type obs struct {
		t float64
		v float64
	}
	series := make(map[Key][]obs)
	coords := make(map[Key]field.Coord)
	for _, s := range field.Aggregate(samples) {
		k := KeyOf(s.Coord, DefaultKeyDecimals)
		if _, ok := coords[k]; !ok {
			coords[k] = s.Coord
		}
		series[k] = append(series[k], obs{t: unixSeconds(s.Time), v: s.Value})
	}

	keys := make([]Key, 0, len(series))
	for k, pts := range series {
		sort.Slice(pts, func(i, j int) bool { return pts[i].t < pts[j].t })
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Lon != keys[j].Lon {
			return keys[i].Lon < keys[j].Lon
		}
		return keys[i].Lat < keys[j].Lat
	})

	out := make([]field.Sample, 0, len(keys)*len(targets))
	for _, at := range targets {
		x := unixSeconds(at)
		for _, k := range keys {
			pts := series[k]
			ts := make([]float64, len(pts))
			vs := make([]float64, len(pts))
			for i, p := range pts {
				ts[i], vs[i] = p.t, p.v
			}
			out = append(out, field.Sample{
				Coord: coords[k],
				Time:  at,
				Label: at.Format("2006-01-02"),
				Value: linearAt(ts, vs, x),
			})
		}
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// linearAt evaluates the polyline through (ts, vs) at x, extending the
// first and last segments beyond the ends. ts must be ascending.
func linearAt(ts, vs []float64, x float64) float64 {
	n := len(ts)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return vs[0]
	}
	i := sort.SearchFloat64s(ts, x)
	switch {
	case i == 0:
		i = 1
	case i >= n:
		i = n - 1
	}
	t0, t1 := ts[i-1], ts[i]
	if t1 == t0 {
		return vs[i]
	}
	return vs[i-1] + (vs[i]-vs[i-1])*(x-t0)/(t1-t0)
}
