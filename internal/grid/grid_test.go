package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/field"
)

func TestNewIncludesCornersAndIsEvenlySpaced(t *testing.T) {
	t.Parallel()

	for _, res := range []int{2, 3, 17, 100} {
		b := Bounds{MinLon: 85.1, MinLat: 19.5, MaxLon: 85.9, MaxLat: 20.1}
		g, err := New(b, res)
		require.NoError(t, err)

		coords := g.Coordinates()
		require.Len(t, coords, res*res)
		assert.Equal(t, field.Coord{Lon: b.MinLon, Lat: b.MinLat}, coords[0])
		assert.InDelta(t, b.MaxLon, coords[len(coords)-1].Lon, 1e-12)
		assert.InDelta(t, b.MaxLat, coords[len(coords)-1].Lat, 1e-12)

		dLon, dLat := g.Spacing()
		lons, lats := g.Lons(), g.Lats()
		for i := 1; i < res; i++ {
			assert.InDelta(t, dLon, lons[i]-lons[i-1], 1e-9)
			assert.InDelta(t, dLat, lats[i]-lats[i-1], 1e-9)
		}
	}
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		b    Bounds
		res  int
	}{
		{"lon inverted", Bounds{MinLon: 1, MaxLon: 0, MaxLat: 1}, 3},
		{"lat inverted", Bounds{MaxLon: 1, MinLat: 1, MaxLat: 0}, 3},
		{"nan", Bounds{MinLon: math.NaN(), MaxLon: 1, MaxLat: 1}, 3},
		{"zero resolution", Bounds{MaxLon: 1, MaxLat: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.b, tt.res)
			assert.ErrorIs(t, err, field.ErrInvalidBounds)
		})
	}
}

func TestDegenerateAxisRepeatsCoordinate(t *testing.T) {
	t.Parallel()

	g, err := New(Bounds{MinLon: 0.5, MinLat: 0.5, MaxLon: 0.5, MaxLat: 0.5}, 4)
	require.NoError(t, err)
	for _, c := range g.Coordinates() {
		assert.Equal(t, field.Coord{Lon: 0.5, Lat: 0.5}, c)
	}
}

func TestPointAtMatchesRowMajorOrder(t *testing.T) {
	t.Parallel()

	g, err := New(Bounds{MaxLon: 1, MaxLat: 2}, 3)
	require.NoError(t, err)
	assert.Equal(t, field.Coord{Lon: 0.5, Lat: 0}, g.PointAt(1))
	assert.Equal(t, field.Coord{Lon: 0, Lat: 1}, g.PointAt(3))
	assert.Equal(t, g.Point(2, 2), g.PointAt(8))

	f := g.NewField()
	assert.Equal(t, 3, f.Rows)
	assert.Equal(t, 9, f.Len())
}

func TestSingleResolution(t *testing.T) {
	t.Parallel()

	g, err := New(Bounds{MinLon: 1, MinLat: 2, MaxLon: 3, MaxLat: 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, field.Coord{Lon: 1, Lat: 2}, g.Point(0, 0))
}
