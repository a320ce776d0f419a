package geo

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/testutil"
)

func TestParseEnvelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		doc      string
		polygons int
		area     float64
	}{
		{"geometry", testutil.UnitSquareGeoJSON, 1, 1},
		{"feature", `{"type":"Feature","properties":{},"geometry":` + testutil.UnitSquareGeoJSON + `}`, 1, 1},
		{"feature collection uses first feature", testutil.UnitSquareFeatureCollection, 1, 1},
		{"multipolygon", testutil.TwoIslandsGeoJSON, 2, 2},
		{"polygon with hole", testutil.SquareWithHoleGeoJSON, 1, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			assert.Len(t, b.Polygons(), tt.polygons)
			assert.InDelta(t, tt.area, b.Area(), 1e-12)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"not json", `{`, field.ErrBoundaryParse},
		{"no type", `{"coordinates":[]}`, field.ErrBoundaryParse},
		{"point", `{"type":"Point","coordinates":[1,2]}`, field.ErrBoundaryParse},
		{"empty collection", `{"type":"FeatureCollection","features":[]}`, field.ErrBoundaryParse},
		{"feature without geometry", `{"type":"Feature","properties":{},"geometry":null}`, field.ErrBoundaryParse},
		{"collinear polygon", `{"type":"Polygon","coordinates":[[[0,0],[1,1],[2,2],[0,0]]]}`, field.ErrBoundaryEmpty},
		{"degenerate ring", `{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}`, field.ErrBoundaryEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBoundsAndAspect(t *testing.T) {
	t.Parallel()

	b, err := Parse([]byte(testutil.TwoIslandsGeoJSON))
	require.NoError(t, err)
	assert.Equal(t, grid.Bounds{MinLon: 0, MinLat: 0, MaxLon: 3, MaxLat: 1}, b.Bounds())
	assert.InDelta(t, 3.0, b.AspectRatio(), 1e-12)
}

func TestContainsRespectsHoles(t *testing.T) {
	t.Parallel()

	b, err := Parse([]byte(testutil.SquareWithHoleGeoJSON))
	require.NoError(t, err)
	assert.True(t, b.Contains(0.5, 0.5))
	assert.False(t, b.Contains(2, 2))
	assert.True(t, b.Contains(3.5, 2))
	assert.False(t, b.Contains(5, 5))
}

func TestIntersectAndDifferencePartitionBoundary(t *testing.T) {
	t.Parallel()

	b, err := Parse([]byte(testutil.UnitSquareGeoJSON))
	require.NoError(t, err)

	tests := []struct {
		name      string
		rect      orb.Bound
		intersect float64
	}{
		{"left half", orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{0.5, 2}}, 0.5},
		{"centre", orb.Bound{Min: orb.Point{0.25, 0.25}, Max: orb.Point{0.75, 0.75}}, 0.25},
		{"corner", orb.Bound{Min: orb.Point{0.5, 0.5}, Max: orb.Point{3, 3}}, 0.25},
		{"covers all", orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{2, 2}}, 1},
		{"disjoint", orb.Bound{Min: orb.Point{5, 5}, Max: orb.Point{6, 6}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := b.Intersect(tt.rect)
			out := b.Difference(tt.rect)
			assert.InDelta(t, tt.intersect, planar.Area(in), 1e-12)
			assert.InDelta(t, 1-tt.intersect, planar.Area(out), 1e-12)
		})
	}
}

func TestSetOperationsAreDeterministic(t *testing.T) {
	t.Parallel()

	b, err := Parse([]byte(testutil.SquareWithHoleGeoJSON))
	require.NoError(t, err)
	rect := orb.Bound{Min: orb.Point{0.5, 0.5}, Max: orb.Point{2.5, 2.5}}

	first, second := b.Difference(rect), b.Difference(rect)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Difference not deterministic (-first +second):\n%s", diff)
	}

	a, err := MarshalGeoJSON(b.Intersect(rect))
	require.NoError(t, err)
	c, err := MarshalGeoJSON(b.Intersect(rect))
	require.NoError(t, err)
	assert.Equal(t, a, c)

	// the source geometry is untouched by clipping
	assert.InDelta(t, 12.0, b.Area(), 1e-12)
	assert.InDelta(t, 12.0, planar.Area(b.Polygons()), 1e-12)
}

func TestOpenRingIsClosed(t *testing.T) {
	t.Parallel()

	b, err := Parse([]byte(`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2]]]}`))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, b.Area(), 1e-12)
	assert.True(t, b.Polygons()[0][0].Closed())
}
