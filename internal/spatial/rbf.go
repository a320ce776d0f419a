package spatial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
)

const (
	// rbfMinSamples is the fewest distinct, non-collinear sample
	// coordinates a cubic fit with a linear tail accepts.
	rbfMinSamples = 4
	// collinearTolerance is the largest off-line distance, in normalised
	// coordinates, at which a point set still counts as collinear.
	collinearTolerance = 1e-9
	// rbfRegularisation is added to the kernel diagonal when the exact
	// system is singular.
	rbfRegularisation = 1e-8
)

// RBF fits a cubic radial basis function φ(r) = r³ with a linear
// polynomial tail through the samples. Samples sharing a coordinate are
// averaged before fitting.
type RBF struct {
	Observer Observer
}

func (RBF) Name() string    { return MethodRBF }
func (RBF) MinSamples() int { return rbfMinSamples }

// Interpolate implements Interpolator.
func (m RBF) Interpolate(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange) (field.Field, error) {
	start := time.Now()
	if err := begin(ctx, m.Name(), 1, samples, rng); err != nil {
		return finish(m.Name(), m.Observer, start, field.Field{}, rng, err)
	}

	fit, err := FitRBF(samples)
	if err != nil {
		return finish(m.Name(), m.Observer, start, field.Field{}, rng, err)
	}

	f := g.NewField()
	for r := 0; r < g.Rows(); r++ {
		if err := ctx.Err(); err != nil {
			return finish(m.Name(), m.Observer, start, f, rng, err)
		}
		for c := 0; c < g.Cols(); c++ {
			f.Set(r, c, fit.At(g.Point(r, c)))
		}
	}
	return finish(m.Name(), m.Observer, start, f, rng, nil)
}

// RBFFit is a solved cubic RBF surface.
type RBFFit struct {
	centres []field.Coord
	weights []float64
	poly    [3]float64
	// normalisation applied to coordinates before evaluation
	cx, cy, scale float64
}

// FitRBF solves the interpolation system for samples. It returns
// field.ErrInsufficientSamples if fewer than four distinct coordinates
// remain or they are collinear, and field.ErrNumericInstability if the
// system cannot be solved even with regularisation.
func FitRBF(samples []field.Sample) (*RBFFit, error) {
	coords, values := uniqueByCoord(samples)
	if len(coords) < rbfMinSamples {
		return nil, fmt.Errorf("%w: rbf needs at least %d distinct coordinates, got %d",
			field.ErrInsufficientSamples, rbfMinSamples, len(coords))
	}

	fit := &RBFFit{}
	fit.normalise(coords)
	pts := make([]field.Coord, len(coords))
	for i, c := range coords {
		pts[i] = fit.project(c)
	}
	if collinear(pts) {
		return nil, fmt.Errorf("%w: rbf sample coordinates are collinear", field.ErrInsufficientSamples)
	}

	n := len(pts)
	size := n + 3
	a := mat.NewDense(size, size, nil)
	b := mat.NewVecDense(size, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, cubic(pts[i], pts[j]))
		}
		a.Set(i, n, 1)
		a.Set(i, n+1, pts[i].Lon)
		a.Set(i, n+2, pts[i].Lat)
		a.Set(n, i, 1)
		a.Set(n+1, i, pts[i].Lon)
		a.Set(n+2, i, pts[i].Lat)
		b.SetVec(i, values[i])
	}

	x, err := solveRegularised(a, b, n)
	if err != nil {
		return nil, err
	}

	fit.centres = pts
	fit.weights = make([]float64, n)
	for i := range fit.weights {
		fit.weights[i] = x.AtVec(i)
	}
	fit.poly = [3]float64{x.AtVec(n), x.AtVec(n + 1), x.AtVec(n + 2)}
	return fit, nil
}

// solveRegularised solves a·x = b, retrying once with a small ridge on
// the first n diagonal entries when a is singular or ill-conditioned.
func solveRegularised(a *mat.Dense, b *mat.VecDense, n int) (*mat.VecDense, error) {
	var x mat.VecDense
	err := x.SolveVec(a, b)
	if err == nil && vecFinite(&x) {
		return &x, nil
	}

	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) && !errors.Is(err, mat.ErrSingular) {
		return nil, fmt.Errorf("%w: rbf solve: %v", field.ErrNumericInstability, err)
	}
	opsf("rbf: system ill-conditioned (%v), retrying with regularisation %g", err, rbfRegularisation)

	var reg mat.Dense
	reg.CloneFrom(a)
	for i := 0; i < n; i++ {
		reg.Set(i, i, reg.At(i, i)+rbfRegularisation)
	}
	var qr mat.QR
	qr.Factorize(&reg)
	var y mat.VecDense
	if err := qr.SolveVecTo(&y, false, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: rbf regularised solve: %v", field.ErrNumericInstability, err)
		}
	}
	if !vecFinite(&y) {
		return nil, fmt.Errorf("%w: rbf solution is not finite", field.ErrNumericInstability)
	}
	return &y, nil
}

func vecFinite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// At evaluates the surface at c.
func (f *RBFFit) At(c field.Coord) float64 {
	p := f.project(c)
	v := f.poly[0] + f.poly[1]*p.Lon + f.poly[2]*p.Lat
	for i, centre := range f.centres {
		v += f.weights[i] * cubic(p, centre)
	}
	return v
}

func (f *RBFFit) normalise(coords []field.Coord) {
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, c := range coords {
		f.cx += c.Lon
		f.cy += c.Lat
		minX, maxX = math.Min(minX, c.Lon), math.Max(maxX, c.Lon)
		minY, maxY = math.Min(minY, c.Lat), math.Max(maxY, c.Lat)
	}
	f.cx /= float64(len(coords))
	f.cy /= float64(len(coords))
	f.scale = math.Max(maxX-minX, maxY-minY)
	if f.scale == 0 {
		f.scale = 1
	}
}

func (f *RBFFit) project(c field.Coord) field.Coord {
	return field.Coord{Lon: (c.Lon - f.cx) / f.scale, Lat: (c.Lat - f.cy) / f.scale}
}

func cubic(a, b field.Coord) float64 {
	r := math.Hypot(a.Lon-b.Lon, a.Lat-b.Lat)
	return r * r * r
}

// collinear reports whether every point lies on the line through the
// first point and the point farthest from it.
func collinear(pts []field.Coord) bool {
	p0 := pts[0]
	far, farDist := p0, 0.0
	for _, p := range pts[1:] {
		if d := math.Hypot(p.Lon-p0.Lon, p.Lat-p0.Lat); d > farDist {
			far, farDist = p, d
		}
	}
	if farDist == 0 {
		return true
	}
	dx, dy := (far.Lon-p0.Lon)/farDist, (far.Lat-p0.Lat)/farDist
	for _, p := range pts {
		if math.Abs(dx*(p.Lat-p0.Lat)-dy*(p.Lon-p0.Lon)) > collinearTolerance {
			return false
		}
	}
	return true
}
