package spatial

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
)

// GP is Gaussian-process regression with a squared-exponential kernel
// plus a white-noise kernel. Hyperparameters are fixed; targets are
// centred on the sample mean so the prediction relaxes towards it away
// from the data.
type GP struct {
	LengthScale float64
	NoiseLevel  float64
	Alpha       float64
	Observer    Observer
}

func (GP) Name() string    { return MethodGP }
func (GP) MinSamples() int { return 1 }

// GPResult holds the predictive mean and variance fields.
type GPResult struct {
	Mean     field.Field
	Variance field.Field
}

// Interpolate implements Interpolator and returns the predictive mean.
func (m GP) Interpolate(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange) (field.Field, error) {
	res, err := m.predict(ctx, samples, g, rng, false)
	if err != nil {
		return field.Field{}, err
	}
	return res.Mean, nil
}

// Predict returns both the clamped mean and the predictive variance.
func (m GP) Predict(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange) (GPResult, error) {
	return m.predict(ctx, samples, g, rng, true)
}

func (m GP) params() (ls, noise, alpha float64) {
	ls, noise, alpha = m.LengthScale, m.NoiseLevel, m.Alpha
	if ls == 0 {
		ls = DefaultLengthScale
	}
	if noise == 0 {
		noise = DefaultNoiseLevel
	}
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	return ls, noise, alpha
}

func (m GP) predict(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange, withVar bool) (GPResult, error) {
	start := time.Now()
	if err := begin(ctx, m.Name(), m.MinSamples(), samples, rng); err != nil {
		_, err = finish(m.Name(), m.Observer, start, field.Field{}, rng, err)
		return GPResult{}, err
	}
	ls, noise, alpha := m.params()

	coords, values := uniqueByCoord(samples)
	n := len(coords)
	mean := stat.Mean(values, nil)

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := sqExp(coords[i], coords[j], ls)
			if i == j {
				v += noise + alpha
			}
			k.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		_, err := finish(m.Name(), m.Observer, start, field.Field{}, rng,
			fmt.Errorf("%w: gp covariance is not positive definite", field.ErrNumericInstability))
		return GPResult{}, err
	}

	y := mat.NewVecDense(n, nil)
	for i, v := range values {
		y.SetVec(i, v-mean)
	}
	var weights mat.VecDense
	if err := chol.SolveVecTo(&weights, y); err != nil {
		_, err = finish(m.Name(), m.Observer, start, field.Field{}, rng,
			fmt.Errorf("%w: gp solve: %v", field.ErrNumericInstability, err))
		return GPResult{}, err
	}

	meanF := g.NewField()
	var varF field.Field
	if withVar {
		varF = g.NewField()
	}
	kStar := mat.NewVecDense(n, nil)
	var kInvK mat.VecDense
	for r := 0; r < g.Rows(); r++ {
		if err := ctx.Err(); err != nil {
			_, err = finish(m.Name(), m.Observer, start, meanF, rng, err)
			return GPResult{}, err
		}
		for c := 0; c < g.Cols(); c++ {
			p := g.Point(r, c)
			for i, x := range coords {
				kStar.SetVec(i, sqExp(p, x, ls))
			}
			meanF.Set(r, c, mean+mat.Dot(kStar, &weights))
			if withVar {
				if err := chol.SolveVecTo(&kInvK, kStar); err != nil {
					_, err = finish(m.Name(), m.Observer, start, meanF, rng,
						fmt.Errorf("%w: gp variance: %v", field.ErrNumericInstability, err))
					return GPResult{}, err
				}
				// prior variance at a new point includes the white-noise term
				v := 1 + noise - mat.Dot(kStar, &kInvK)
				varF.Set(r, c, math.Max(v, 0))
			}
		}
	}

	meanF, err := finish(m.Name(), m.Observer, start, meanF, rng, nil)
	if err != nil {
		return GPResult{}, err
	}
	if withVar {
		if err := varF.CheckFinite(); err != nil {
			return GPResult{}, fmt.Errorf("%s variance: %w", m.Name(), err)
		}
	}
	return GPResult{Mean: meanF, Variance: varF}, nil
}

func sqExp(a, b field.Coord, ls float64) float64 {
	dx, dy := a.Lon-b.Lon, a.Lat-b.Lat
	return math.Exp(-0.5 * (dx*dx + dy*dy) / (ls * ls))
}
