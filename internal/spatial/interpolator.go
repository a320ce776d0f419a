package spatial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
)

// Method names accepted by New.
const (
	MethodIDW = "idw"
	MethodKDE = "kde"
	MethodRBF = "rbf"
	MethodGP  = "gp"
)

// Interpolator maps scattered samples onto every point of a grid. The
// returned field has the grid's shape and every value lies in rng.
type Interpolator interface {
	// Name returns the method name.
	Name() string

	// MinSamples returns the fewest distinct samples the method accepts.
	MinSamples() int

	// Interpolate evaluates the method at every grid point. It fails with
	// field.ErrInsufficientSamples, field.ErrNumericInstability or the
	// context's error.
	Interpolate(ctx context.Context, samples []field.Sample, g grid.Grid, rng field.GlobalRange) (field.Field, error)
}

// Observer receives one call per interpolation. *monitoring.Metrics
// satisfies it.
type Observer interface {
	ObserveInterpolation(method string, start time.Time, clamped int, err error)
}

// Params configures the backends. Zero values select the defaults.
type Params struct {
	// Power is the IDW distance exponent.
	Power float64
	// Sigma is the IDW post-smoothing standard deviation in grid cells.
	// Negative disables smoothing.
	Sigma float64
	// BandwidthKm is the KDE kernel bandwidth in kilometres.
	BandwidthKm float64
	// LengthScale is the GP squared-exponential length scale in degrees.
	LengthScale float64
	// NoiseLevel is the GP white-noise kernel variance.
	NoiseLevel float64
	// Alpha is added to the GP covariance diagonal.
	Alpha float64

	Observer Observer
}

// Defaults used when a Params field is zero.
const (
	DefaultPower       = 2.0
	DefaultSigma       = 3.6
	DefaultBandwidthKm = 0.05
	DefaultLengthScale = 0.1
	DefaultNoiseLevel  = 0.1
	DefaultAlpha       = 1e-2

	// distanceEpsilon replaces a zero sample distance in IDW.
	distanceEpsilon = 1e-12
)

func (p Params) withDefaults() Params {
	if p.Power == 0 {
		p.Power = DefaultPower
	}
	if p.Sigma == 0 {
		p.Sigma = DefaultSigma
	}
	if p.BandwidthKm == 0 {
		p.BandwidthKm = DefaultBandwidthKm
	}
	if p.LengthScale == 0 {
		p.LengthScale = DefaultLengthScale
	}
	if p.NoiseLevel == 0 {
		p.NoiseLevel = DefaultNoiseLevel
	}
	if p.Alpha == 0 {
		p.Alpha = DefaultAlpha
	}
	return p
}

// ErrUnknownMethod is returned by New for an unregistered method name.
var ErrUnknownMethod = errors.New("unknown interpolation method")

// New returns the interpolator registered under method.
func New(method string, p Params) (Interpolator, error) {
	p = p.withDefaults()
	switch strings.ToLower(strings.TrimSpace(method)) {
	case MethodIDW, "":
		return IDW{Power: p.Power, Sigma: p.Sigma, Observer: p.Observer}, nil
	case MethodKDE:
		return KDE{BandwidthKm: p.BandwidthKm, Observer: p.Observer}, nil
	case MethodRBF:
		return RBF{Observer: p.Observer}, nil
	case MethodGP:
		return GP{LengthScale: p.LengthScale, NoiseLevel: p.NoiseLevel, Alpha: p.Alpha, Observer: p.Observer}, nil
	}
	return nil, fmt.Errorf("%w %q (want one of %s)", ErrUnknownMethod, method, strings.Join(Methods(), ", "))
}

// Methods lists the registered method names.
func Methods() []string {
	m := []string{MethodIDW, MethodKDE, MethodRBF, MethodGP}
	sort.Strings(m)
	return m
}

// begin validates the common preconditions of every backend.
func begin(ctx context.Context, name string, min int, samples []field.Sample, rng field.GlobalRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(samples) < min {
		return fmt.Errorf("%w: %s needs at least %d samples, got %d", field.ErrInsufficientSamples, name, min, len(samples))
	}
	return rng.Validate()
}

// finish rejects non-finite output and clamps f into rng. Clamping is a
// local recovery, reported as a warning only.
func finish(name string, obs Observer, start time.Time, f field.Field, rng field.GlobalRange, err error) (field.Field, error) {
	clamped := 0
	if err == nil {
		err = f.CheckFinite()
	}
	if err == nil {
		clamped = rng.Clamp(f)
		if clamped > 0 {
			opsf("%s: clamped %d of %d cells into [%g, %g]", name, clamped, f.Len(), rng.Min, rng.Max)
		}
	}
	if obs != nil {
		obs.ObserveInterpolation(name, start, clamped, err)
	}
	if err != nil {
		return field.Field{}, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

// clampedValues returns sample values clamped into rng.
func clampedValues(samples []field.Sample, rng field.GlobalRange) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = rng.ClampValue(s.Value)
	}
	return out
}

// uniqueByCoord averages samples sharing a coordinate, preserving first
// occurrence order.
func uniqueByCoord(samples []field.Sample) ([]field.Coord, []float64) {
	idx := make(map[field.Coord]int, len(samples))
	var coords []field.Coord
	var sums []float64
	var counts []int
	for _, s := range samples {
		i, ok := idx[s.Coord]
		if !ok {
			i = len(coords)
			idx[s.Coord] = i
			coords = append(coords, s.Coord)
			sums = append(sums, 0)
			counts = append(counts, 0)
		}
		sums[i] += s.Value
		counts[i]++
	}
	for i := range sums {
		sums[i] /= float64(counts[i])
	}
	return coords, sums
}
