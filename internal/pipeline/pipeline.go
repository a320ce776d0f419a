// Package pipeline wires the field stages together for one request:
// grid, spatial interpolation, temporal interpolation, colourisation,
// masking and encoding.
//
// Independent timestamps are fanned out across a bounded worker pool and
// collected back in timestamp order. Every buffer belongs to the request
// that built it; cancelling the request's context stops all workers.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/banshee-data/fieldmap/internal/cache"
	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/render"
	"github.com/banshee-data/fieldmap/internal/spatial"
	"github.com/banshee-data/fieldmap/internal/video"
)

var logf, opsf = monitoring.Prefixed("pipeline")

// Options configures a Renderer. Zero values select defaults.
type Options struct {
	// Workers bounds concurrent per-timestamp work; zero uses GOMAXPROCS.
	Workers int
	// HeatmapResolution and AnimationResolution are grid sizes per side.
	HeatmapResolution   int
	AnimationResolution int
	// FrameWidth is the output width in pixels.
	FrameWidth int
	// Colormap is the default colour table name.
	Colormap string
	// Params configures the spatial backends.
	Params spatial.Params
	// ClipRect, if set, is rendered as a solid zone.
	ClipRect *orb.Bound
	// SolidFill colours the solid zone; nil uses the renderer default.
	SolidFill color.Color
	// Smooth enables Catmull-Rom scaling of the heat layer.
	Smooth bool
	// Encoder writes animations; nil uses ffmpeg.
	Encoder video.Encoder
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.HeatmapResolution <= 0 {
		o.HeatmapResolution = grid.DefaultHeatmapResolution
	}
	if o.AnimationResolution <= 0 {
		o.AnimationResolution = grid.DefaultAnimationResolution
	}
	if o.FrameWidth <= 0 {
		o.FrameWidth = render.DefaultWidth
	}
	if o.Colormap == "" {
		o.Colormap = colormap.DefaultTable
	}
	if o.Encoder == nil {
		o.Encoder = &video.FFmpegEncoder{}
	}
	return o
}

// Renderer runs heatmap and animation requests. It is safe for
// concurrent use; requests share nothing but the cache and metrics.
type Renderer struct {
	opts    Options
	metrics *monitoring.Metrics
	cache   *cache.RenderCache
	// frameKey identifies the frame options in cache keys.
	frameKey string
}

// NewRenderer returns a Renderer. metrics and c may be nil.
func NewRenderer(opts Options, metrics *monitoring.Metrics, c *cache.RenderCache) *Renderer {
	opts = opts.withDefaults()
	if metrics != nil && opts.Params.Observer == nil {
		opts.Params.Observer = metrics
	}
	return &Renderer{opts: opts, metrics: metrics, cache: c, frameKey: frameKey(opts)}
}

func frameKey(o Options) string {
	clip := "none"
	if o.ClipRect != nil {
		clip = fmt.Sprintf("%g,%g,%g,%g", o.ClipRect.Min.X(), o.ClipRect.Min.Y(), o.ClipRect.Max.X(), o.ClipRect.Max.Y())
	}
	fill := "default"
	if o.SolidFill != nil {
		c := color.NRGBAModel.Convert(o.SolidFill).(color.NRGBA)
		fill = fmt.Sprintf("%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
	}
	return fmt.Sprintf("clip=%s fill=%s smooth=%t", clip, fill, o.Smooth)
}

// Options returns the effective options.
func (r *Renderer) Options() Options { return r.opts }

// Skip records a timestamp left out of a result.
type Skip struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

// Skip reasons, also used as metric labels.
const (
	ReasonNoSamples           = "no_samples"
	ReasonInsufficientSamples = "insufficient_samples"
	ReasonInput               = "invalid_input"
)

func skipReason(err error) string {
	if err == nil {
		return ReasonNoSamples
	}
	if errors.Is(err, field.ErrInsufficientSamples) {
		return ReasonInsufficientSamples
	}
	return ReasonInput
}

func (r *Renderer) skip(reqID string, skips *[]Skip, label string, err error) {
	reason := skipReason(err)
	detail := reason
	if err != nil {
		detail = err.Error()
	}
	opsf("[%s] skipping %s: %s", reqID, label, detail)
	r.metrics.Skipped(reason)
	*skips = append(*skips, Skip{Timestamp: label, Reason: detail})
}

// resolveRange returns rng if set, else the range of samples.
func resolveRange(rng *field.GlobalRange, samples []field.Sample) (field.GlobalRange, error) {
	if rng != nil {
		return *rng, rng.Validate()
	}
	return field.RangeOf(samples)
}

func validSamples(reqID string, samples []field.Sample) []field.Sample {
	out := make([]field.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Valid() {
			out = append(out, s)
		}
	}
	if dropped := len(samples) - len(out); dropped > 0 {
		opsf("[%s] dropped %d samples with non-finite coordinates or values", reqID, dropped)
	}
	return field.Aggregate(out)
}

// frame colourises f and clips it to b.
func (r *Renderer) frame(f field.Field, rng field.GlobalRange, table colormap.Table, b *geo.Boundary) (*image.NRGBA, error) {
	img, err := render.Frame(colormap.Colorize(f, rng, table), b.Bounds(), b, render.Options{
		Width:     r.opts.FrameWidth,
		ClipRect:  r.opts.ClipRect,
		SolidFill: r.opts.SolidFill,
		Smooth:    r.opts.Smooth,
	})
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	r.metrics.FrameRendered()
	return img, nil
}

func newRequestID() string { return uuid.NewString()[:8] }

func checkBoundary(b *geo.Boundary) error {
	if b == nil {
		return fmt.Errorf("%w: no boundary loaded", field.ErrBoundaryEmpty)
	}
	return nil
}
