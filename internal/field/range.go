package field

import (
	"fmt"
	"math"
)

// GlobalRange is the fixed value scale shared by every frame of one
// request. It is passed explicitly through every call; there is no
// process-wide normalisation state.
type GlobalRange struct {
	Min float64 `json:"global_min"`
	Max float64 `json:"global_max"`
}

// RangeOf derives a GlobalRange from the sample values.
func RangeOf(samples []Sample) (GlobalRange, error) {
	if len(samples) == 0 {
		return GlobalRange{}, fmt.Errorf("%w: cannot derive range from zero samples", ErrInsufficientSamples)
	}
	rng := GlobalRange{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, s := range samples {
		rng.Min = math.Min(rng.Min, s.Value)
		rng.Max = math.Max(rng.Max, s.Value)
	}
	return rng, nil
}

// Validate checks that the range is finite and ordered.
func (g GlobalRange) Validate() error {
	if math.IsNaN(g.Min) || math.IsNaN(g.Max) || math.IsInf(g.Min, 0) || math.IsInf(g.Max, 0) {
		return fmt.Errorf("%w: range [%v, %v] is not finite", ErrInvalidBounds, g.Min, g.Max)
	}
	if g.Min > g.Max {
		return fmt.Errorf("%w: range min %v > max %v", ErrInvalidBounds, g.Min, g.Max)
	}
	return nil
}

// Degenerate reports whether the range has zero width.
func (g GlobalRange) Degenerate() bool { return g.Max == g.Min }

// ClampValue clamps v into [Min, Max].
func (g GlobalRange) ClampValue(v float64) float64 {
	if v < g.Min {
		return g.Min
	}
	if v > g.Max {
		return g.Max
	}
	return v
}

// Clamp clamps every cell of f into the range in place and returns the
// number of cells that were outside it.
func (g GlobalRange) Clamp(f Field) int {
	clamped := 0
	for i, v := range f.Values {
		c := g.ClampValue(v)
		if c != v {
			f.Values[i] = c
			clamped++
		}
	}
	return clamped
}
