package spatial

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
)

// IDW is inverse-distance weighting followed by a Gaussian smoothing pass
// over the grid. Sample values are clamped into the range before
// weighting.
type IDW struct {
	Power    float64
	Sigma    float64
	Observer Observer
}

func (IDW) Name() string    { return MethodIDW }
func (IDW) MinSamples() int { return 1 }

// Interpolate implements Interpolator.
func (m IDW) Interpolate(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange) (field.Field, error) {
	start := time.Now()
	if err := begin(ctx, m.Name(), m.MinSamples(), samples, rng); err != nil {
		return finish(m.Name(), m.Observer, start, field.Field{}, rng, err)
	}
	power := m.Power
	if power == 0 {
		power = DefaultPower
	}

	values := clampedValues(samples, rng)
	f := g.NewField()
	for r := 0; r < g.Rows(); r++ {
		if err := ctx.Err(); err != nil {
			return finish(m.Name(), m.Observer, start, f, rng, err)
		}
		for c := 0; c < g.Cols(); c++ {
			p := g.Point(r, c)
			var num, den float64
			for i, s := range samples {
				d := math.Hypot(p.Lon-s.Lon, p.Lat-s.Lat)
				if d == 0 {
					d = distanceEpsilon
				}
				var w float64
				if power == 2 {
					w = 1 / (d * d)
				} else {
					w = 1 / math.Pow(d, power)
				}
				num += w * values[i]
				den += w
			}
			f.Set(r, c, num/den)
		}
	}

	if m.Sigma >= 0 {
		sigma := m.Sigma
		if sigma == 0 {
			sigma = DefaultSigma
		}
		f = GaussianFilter(f, sigma)
	}
	return finish(m.Name(), m.Observer, start, f, rng, nil)
}
