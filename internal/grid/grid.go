// Package grid builds the regular lon/lat lattice every interpolation
// call of one request is evaluated on.
package grid

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/fieldmap/internal/field"
)

// Default resolutions for still heatmaps and animation frames.
const (
	DefaultHeatmapResolution   = 400
	DefaultAnimationResolution = 300
)

// Bounds is an axis-aligned box in degrees.
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks that the box is finite and ordered.
func (b Bounds) Validate() error {
	for _, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound %v", field.ErrInvalidBounds, v)
		}
	}
	if b.MinLon > b.MaxLon {
		return fmt.Errorf("%w: min lon %v > max lon %v", field.ErrInvalidBounds, b.MinLon, b.MaxLon)
	}
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("%w: min lat %v > max lat %v", field.ErrInvalidBounds, b.MinLat, b.MaxLat)
	}
	return nil
}

// Width returns the longitude extent.
func (b Bounds) Width() float64 { return b.MaxLon - b.MinLon }

// Height returns the latitude extent.
func (b Bounds) Height() float64 { return b.MaxLat - b.MinLat }

// Grid is a resolution × resolution lattice spanning Bounds inclusively.
// Row r has latitude Lats[r]; column c has longitude Lons[c].
type Grid struct {
	Bounds     Bounds
	Resolution int
	lons       []float64
	lats       []float64
}

// New builds a grid over b. Both endpoints of each axis are included.
func New(b Bounds, resolution int) (Grid, error) {
	if err := b.Validate(); err != nil {
		return Grid{}, err
	}
	if resolution < 1 {
		return Grid{}, fmt.Errorf("%w: resolution %d must be positive", field.ErrInvalidBounds, resolution)
	}
	return Grid{
		Bounds:     b,
		Resolution: resolution,
		lons:       span(resolution, b.MinLon, b.MaxLon),
		lats:       span(resolution, b.MinLat, b.MaxLat),
	}, nil
}

func span(n int, lo, hi float64) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	floats.Span(out, lo, hi)
	return out
}

// Rows returns the number of rows.
func (g Grid) Rows() int { return g.Resolution }

// Cols returns the number of columns.
func (g Grid) Cols() int { return g.Resolution }

// Len returns the number of lattice points.
func (g Grid) Len() int { return g.Resolution * g.Resolution }

// Lons returns a copy of the column longitudes.
func (g Grid) Lons() []float64 { return append([]float64(nil), g.lons...) }

// Lats returns a copy of the row latitudes.
func (g Grid) Lats() []float64 { return append([]float64(nil), g.lats...) }

// Point returns the coordinate of row r, column c.
func (g Grid) Point(r, c int) field.Coord {
	return field.Coord{Lon: g.lons[c], Lat: g.lats[r]}
}

// PointAt returns the coordinate of flat row-major index i.
func (g Grid) PointAt(i int) field.Coord {
	return g.Point(i/g.Resolution, i%g.Resolution)
}

// Coordinates returns every lattice point in row-major order.
func (g Grid) Coordinates() []field.Coord {
	out := make([]field.Coord, 0, g.Len())
	for r := 0; r < g.Resolution; r++ {
		for c := 0; c < g.Resolution; c++ {
			out = append(out, g.Point(r, c))
		}
	}
	return out
}

// Spacing returns the column and row step in degrees.
func (g Grid) Spacing() (dLon, dLat float64) {
	if g.Resolution < 2 {
		return 0, 0
	}
	n := float64(g.Resolution - 1)
	return g.Bounds.Width() / n, g.Bounds.Height() / n
}

// NewField returns a zero field shaped like the grid.
func (g Grid) NewField() field.Field { return field.New(g.Resolution, g.Resolution) }
