// Package render turns a colourised field into a frame clipped to the
// boundary polygon(s).
//
// The frame covers an extent (normally the boundary's bounding box). The
// heat layer is scaled to the frame size, then masked by an even-odd
// path built from every ring of each polygon, so holes stay transparent.
// An optional clip rectangle splits the boundary into a solid zone
// (boundary ∩ rectangle) and the heat zone (boundary − rectangle).
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	xdraw "golang.org/x/image/draw"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, _ = monitoring.Prefixed("render")

// DefaultWidth is the frame width used when Options.Width is zero.
const DefaultWidth = 800

// Options controls frame rendering.
type Options struct {
	// Width is the output width in pixels; height follows the extent's
	// aspect ratio.
	Width int
	// ClipRect, if set, carves a solid zone out of the boundary.
	ClipRect *orb.Bound
	// SolidFill colours the solid zone. Nil uses a light grey.
	SolidFill color.Color
	// Smooth scales the heat layer with Catmull-Rom instead of nearest
	// neighbour.
	Smooth bool
}

var defaultSolidFill = color.NRGBA{R: 0xd9, G: 0xd9, B: 0xd9, A: 0xff}

// Size returns the frame size for extent at the given width. The height
// preserves the extent's aspect ratio and is at least one pixel.
func Size(extent grid.Bounds, width int) (w, h int) {
	if width <= 0 {
		width = DefaultWidth
	}
	aspect := 1.0
	if extent.Height() > 0 && extent.Width() > 0 {
		aspect = extent.Width() / extent.Height()
	}
	h = int(math.Round(float64(width) / aspect))
	if h < 1 {
		h = 1
	}
	return width, h
}

// Frame renders heat over extent and clips it to b. Pixels outside the
// boundary are fully transparent.
func Frame(heat image.Image, extent grid.Bounds, b *geo.Boundary, opts Options) (*image.NRGBA, error) {
	if err := extent.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: no boundary", field.ErrBoundaryEmpty)
	}
	if heat == nil || heat.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty heat layer", field.ErrFrameSizeMismatch)
	}

	w, h := Size(extent, opts.Width)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	proj := projector{extent: extent, w: float64(w), h: float64(h)}

	heatZone := b.Polygons()
	if opts.ClipRect != nil {
		heatZone = b.Difference(*opts.ClipRect)
		if solid := b.Intersect(*opts.ClipRect); len(solid) > 0 {
			fill := opts.SolidFill
			if fill == nil {
				fill = defaultSolidFill
			}
			dc := gg.NewContext(w, h)
			dc.SetColor(fill)
			tracePolygons(dc, proj, solid)
			draw.Draw(out, out.Bounds(), dc.Image(), image.Point{}, draw.Over)
		}
	}
	if len(heatZone) == 0 {
		logf("heat zone empty after clipping")
		return out, nil
	}

	scaled := image.NewNRGBA(out.Bounds())
	scaler := xdraw.Interpolator(xdraw.NearestNeighbor)
	if opts.Smooth {
		scaler = xdraw.CatmullRom
	}
	scaler.Scale(scaled, scaled.Bounds(), heat, heat.Bounds(), xdraw.Src, nil)

	mask := gg.NewContext(w, h)
	mask.SetRGBA(1, 1, 1, 1)
	tracePolygons(mask, proj, heatZone)
	xdraw.DrawMask(out, out.Bounds(), scaled, image.Point{}, mask.AsMask(), image.Point{}, xdraw.Over)
	return out, nil
}

// tracePolygons fills each polygon as one even-odd path of all its rings.
func tracePolygons(dc *gg.Context, p projector, mp orb.MultiPolygon) {
	dc.SetFillRuleEvenOdd()
	for _, poly := range mp {
		for _, ring := range poly {
			if len(ring) == 0 {
				continue
			}
			dc.NewSubPath()
			x, y := p.pixel(ring[0])
			dc.MoveTo(x, y)
			for _, pt := range ring[1:] {
				x, y = p.pixel(pt)
				dc.LineTo(x, y)
			}
			dc.ClosePath()
		}
		dc.Fill()
	}
}

// projector maps lon/lat onto pixel space, north up.
type projector struct {
	extent grid.Bounds
	w, h   float64
}

func (p projector) pixel(pt orb.Point) (x, y float64) {
	dx, dy := p.extent.Width(), p.extent.Height()
	if dx > 0 {
		x = (pt[0] - p.extent.MinLon) / dx * p.w
	}
	if dy > 0 {
		y = (p.extent.MaxLat - pt[1]) / dy * p.h
	}
	return x, y
}
