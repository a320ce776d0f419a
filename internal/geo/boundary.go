// Package geo loads the boundary polygon(s) a request is clipped to and
// provides the rectangle set operations used to style sub-regions.
package geo

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/fsutil"
	"github.com/banshee-data/fieldmap/internal/grid"
)

// Boundary is an immutable polygon or multi-polygon in lon/lat degrees.
type Boundary struct {
	polygons orb.MultiPolygon
	bound    orb.Bound
	area     float64
}

// Load reads and parses a boundary file.
func Load(fsys fsutil.FileSystem, path string) (*Boundary, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundary %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("boundary %s: %w", path, err)
	}
	return b, nil
}

// Parse accepts a GeoJSON Geometry, Feature or FeatureCollection. For a
// FeatureCollection the first feature's geometry is used.
func Parse(data []byte) (*Boundary, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", field.ErrBoundaryParse, err)
	}

	var g orb.Geometry
	switch envelope.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", field.ErrBoundaryParse, err)
		}
		if len(fc.Features) == 0 {
			return nil, fmt.Errorf("%w: feature collection has no features", field.ErrBoundaryParse)
		}
		g = fc.Features[0].Geometry
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", field.ErrBoundaryParse, err)
		}
		g = f.Geometry
	case "":
		return nil, fmt.Errorf("%w: missing type member", field.ErrBoundaryParse)
	default:
		geom, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", field.ErrBoundaryParse, err)
		}
		g = geom.Geometry()
	}
	return FromGeometry(g)
}

// FromGeometry wraps a Polygon or MultiPolygon.
func FromGeometry(g orb.Geometry) (*Boundary, error) {
	var mp orb.MultiPolygon
	switch g := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		mp = g
	case orb.Bound:
		mp = orb.MultiPolygon{g.ToPolygon()}
	case nil:
		return nil, fmt.Errorf("%w: no geometry", field.ErrBoundaryParse)
	default:
		return nil, fmt.Errorf("%w: unsupported geometry %s", field.ErrBoundaryParse, g.GeoJSONType())
	}

	mp = closeRings(mp.Clone())
	for _, p := range mp {
		for _, r := range p {
			for _, pt := range r {
				if !finite(pt[0]) || !finite(pt[1]) {
					return nil, fmt.Errorf("%w: non-finite coordinate", field.ErrBoundaryParse)
				}
			}
		}
	}

	area := planar.Area(mp)
	if !(area > 0) {
		return nil, field.ErrBoundaryEmpty
	}
	return &Boundary{polygons: mp, bound: mp.Bound(), area: area}, nil
}

// closeRings drops rings too short to enclose area and closes open rings.
func closeRings(mp orb.MultiPolygon) orb.MultiPolygon {
	out := mp[:0]
	for _, p := range mp {
		var poly orb.Polygon
		for i, r := range p {
			if len(r) > 0 && !r.Closed() {
				r = append(r, r[0])
			}
			if len(r) < 4 {
				if i == 0 {
					break
				}
				continue
			}
			poly = append(poly, r)
		}
		if len(poly) > 0 {
			out = append(out, poly)
		}
	}
	return out
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Polygons returns a copy of the boundary polygons.
func (b *Boundary) Polygons() orb.MultiPolygon { return b.polygons.Clone() }

// Bound returns the bounding box.
func (b *Boundary) Bound() orb.Bound { return b.bound }

// Bounds returns the bounding box as grid bounds.
func (b *Boundary) Bounds() grid.Bounds {
	return grid.Bounds{
		MinLon: b.bound.Min[0],
		MinLat: b.bound.Min[1],
		MaxLon: b.bound.Max[0],
		MaxLat: b.bound.Max[1],
	}
}

// Area returns the planar area in square degrees.
func (b *Boundary) Area() float64 { return b.area }

// AspectRatio returns bounding-box width over height.
func (b *Boundary) AspectRatio() float64 {
	h := b.bound.Max[1] - b.bound.Min[1]
	if h == 0 {
		return 1
	}
	return (b.bound.Max[0] - b.bound.Min[0]) / h
}

// Contains reports whether the point lies inside the boundary, holes
// excluded. Points on an edge count as inside.
func (b *Boundary) Contains(lon, lat float64) bool {
	return planar.MultiPolygonContains(b.polygons, orb.Point{lon, lat})
}

// Intersect returns the part of the boundary inside rect.
func (b *Boundary) Intersect(rect orb.Bound) orb.MultiPolygon {
	return nonEmpty(clip.MultiPolygon(rect, b.polygons.Clone()))
}

// Difference returns the part of the boundary outside rect. The result is
// the boundary clipped to each of up to four strips covering the bounding
// box minus rect; strips share edges but never overlap.
func (b *Boundary) Difference(rect orb.Bound) orb.MultiPolygon {
	bb := b.bound
	if !bb.Intersects(rect) {
		return b.polygons.Clone()
	}

	xLo := math.Max(bb.Min[0], rect.Min[0])
	xHi := math.Min(bb.Max[0], rect.Max[0])
	strips := []orb.Bound{
		{Min: bb.Min, Max: orb.Point{rect.Min[0], bb.Max[1]}},
		{Min: orb.Point{rect.Max[0], bb.Min[1]}, Max: bb.Max},
		{Min: orb.Point{xLo, bb.Min[1]}, Max: orb.Point{xHi, rect.Min[1]}},
		{Min: orb.Point{xLo, rect.Max[1]}, Max: orb.Point{xHi, bb.Max[1]}},
	}

	var out orb.MultiPolygon
	for _, s := range strips {
		if s.Max[0] <= s.Min[0] || s.Max[1] <= s.Min[1] {
			continue
		}
		out = append(out, nonEmpty(clip.MultiPolygon(s, b.polygons.Clone()))...)
	}
	return out
}

func nonEmpty(mp orb.MultiPolygon) orb.MultiPolygon {
	out := mp[:0]
	for _, p := range mp {
		if planar.Area(p) > 0 {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MarshalGeoJSON encodes polygons as a GeoJSON geometry.
func MarshalGeoJSON(mp orb.MultiPolygon) ([]byte, error) {
	return geojson.NewGeometry(mp).MarshalJSON()
}
