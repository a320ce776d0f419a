package spatial

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/units"
)

// densityFlatThreshold is the density spread below which the surface is
// treated as constant.
const densityFlatThreshold = 1e-12

// KDE is a weighted Gaussian kernel density estimate whose surface is
// rescaled into the GlobalRange, so its output is in measurement units
// rather than density units.
type KDE struct {
	BandwidthKm float64
	Observer    Observer
}

func (KDE) Name() string    { return MethodKDE }
func (KDE) MinSamples() int { return 1 }

// Interpolate implements Interpolator.
func (m KDE) Interpolate(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange) (field.Field, error) {
	start := time.Now()
	if err := begin(ctx, m.Name(), m.MinSamples(), samples, rng); err != nil {
		return finish(m.Name(), m.Observer, start, field.Field{}, rng, err)
	}

	h := units.BandwidthDegrees(m.BandwidthKm)
	logW := kdeLogWeights(clampedValues(samples, rng))
	// log of the 2-D Gaussian normaliser 1/(2πh²)
	logNorm := -math.Log(2 * math.Pi * h * h)
	inv2h2 := 1 / (2 * h * h)

	f := g.NewField()
	terms := make([]float64, len(samples))
	for r := 0; r < g.Rows(); r++ {
		if err := ctx.Err(); err != nil {
			return finish(m.Name(), m.Observer, start, f, rng, err)
		}
		for c := 0; c < g.Cols(); c++ {
			p := g.Point(r, c)
			for i, s := range samples {
				dx, dy := p.Lon-s.Lon, p.Lat-s.Lat
				terms[i] = logW[i] - (dx*dx+dy*dy)*inv2h2
			}
			f.Set(r, c, math.Exp(floats.LogSumExp(terms)+logNorm))
		}
	}

	lo, hi := f.MinMax()
	if hi-lo < densityFlatThreshold {
		logf("kde: density surface is flat, filling with range minimum")
		return finish(m.Name(), m.Observer, start, field.Filled(f.Rows, f.Cols, rng.Min), rng, nil)
	}
	span := rng.Max - rng.Min
	for i, v := range f.Values {
		f.Values[i] = (v-lo)/(hi-lo)*span + rng.Min
	}
	return finish(m.Name(), m.Observer, start, f, rng, nil)
}

// kdeLogWeights normalises weights to sum to one and returns their logs.
// Negative weights count as zero; if nothing positive remains every
// sample is weighted equally.
func kdeLogWeights(values []float64) []float64 {
	w := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		if v > 0 {
			w[i] = v
			sum += v
		}
	}
	if !(sum > 0) {
		for i := range w {
			w[i] = 1
		}
		sum = float64(len(w))
	}
	for i := range w {
		w[i] = math.Log(w[i] / sum)
	}
	return w
}
