package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/spatial"
	"github.com/banshee-data/fieldmap/internal/temporal"
	"github.com/banshee-data/fieldmap/internal/video"
)

// Animation modes.
const (
	// ModeSequence fits an RBF per timestamp and interpolates the whole
	// sequence per cell.
	ModeSequence = "sequence"
	// ModeBlend blends raw samples between adjacent timestamps and fits
	// a Gaussian process to each blend.
	ModeBlend = "blend"
)

// Animation defaults.
const (
	DefaultFPS                 = 10
	DefaultFramesPerTransition = 10
)

// AnimationRequest asks for one encoded animation across timestamps.
type AnimationRequest struct {
	Parameter string
	Samples   []field.Sample
	// Range fixes the colour scale for every frame; nil uses the range of
	// Samples.
	Range               *field.GlobalRange
	FPS                 int
	FramesPerTransition int
	Colormap            string
	Mode                string
	Resolution          int
	Boundary            *geo.Boundary
}

// AnimationResult describes an encoded animation.
type AnimationResult struct {
	RequestID   string `json:"request_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Mode        string `json:"mode"`
	Frames      int    `json:"frames"`
	Slices      int    `json:"slices"`
	Order       string `json:"order,omitempty"`
	Skipped     []Skip `json:"skipped"`
}

// animation is the state shared by both modes of one request.
type animation struct {
	reqID string
	req   AnimationRequest
	rng   field.GlobalRange
	table colormap.Table
	grid  grid.Grid
	res   AnimationResult
}

func (r *Renderer) prepareAnimation(req AnimationRequest) (*animation, error) {
	reqID := newRequestID()
	if err := checkBoundary(req.Boundary); err != nil {
		return nil, err
	}
	if req.FPS == 0 {
		req.FPS = DefaultFPS
	}
	if req.FPS < 1 || req.FPS > video.MaxFPS {
		return nil, fmt.Errorf("%w: %d, want 1 to %d", video.ErrInvalidFrameRate, req.FPS, video.MaxFPS)
	}
	if req.FramesPerTransition == 0 {
		req.FramesPerTransition = DefaultFramesPerTransition
	}
	if req.FramesPerTransition < 1 || req.FramesPerTransition > temporal.MaxFramesPerTransition {
		return nil, fmt.Errorf("%w: %d frames per transition, want 1 to %d",
			temporal.ErrInvalidFrameCount, req.FramesPerTransition, temporal.MaxFramesPerTransition)
	}
	switch req.Mode {
	case "":
		req.Mode = ModeSequence
	case ModeSequence, ModeBlend:
	default:
		return nil, fmt.Errorf("unknown animation mode %q (want %s or %s)", req.Mode, ModeSequence, ModeBlend)
	}

	req.Samples = validSamples(reqID, req.Samples)
	rng, err := resolveRange(req.Range, req.Samples)
	if err != nil {
		return nil, err
	}
	res := req.Resolution
	if res <= 0 {
		res = r.opts.AnimationResolution
	}
	g, err := grid.New(req.Boundary.Bounds(), res)
	if err != nil {
		return nil, err
	}
	tableName := req.Colormap
	if tableName == "" {
		tableName = r.opts.Colormap
	}
	enc := r.opts.Encoder
	return &animation{
		reqID: reqID,
		req:   req,
		rng:   rng,
		table: colormap.ByName(tableName),
		grid:  g,
		res: AnimationResult{
			RequestID:   reqID,
			Filename:    video.SuggestedFilename(req.Parameter, enc.Ext()),
			ContentType: enc.ContentType(),
			Mode:        req.Mode,
			Skipped:     []Skip{},
		},
	}, nil
}

// Animate renders an animation and writes the encoded stream to w.
func (r *Renderer) Animate(ctx context.Context, req AnimationRequest, w io.Writer) (AnimationResult, error) {
	a, err := r.prepareAnimation(req)
	if err != nil {
		return AnimationResult{}, err
	}
	if a.req.Mode == ModeBlend {
		return r.blendAnimate(ctx, a, w)
	}

	slices := field.GroupByTime(a.req.Samples)
	logf("[%s] animate: %d time slices, %d frames per transition", a.reqID, len(slices), a.req.FramesPerTransition)

	rbf := spatial.RBF{Observer: r.opts.Params.Observer}
	fields := make([]field.Field, len(slices))
	inputErrs := make([]error, len(slices))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)
	for i, s := range slices {
		eg.Go(func() error {
			f, err := rbf.Interpolate(ectx, s.Samples, a.grid, a.rng)
			if err != nil {
				if field.IsInputError(err) {
					inputErrs[i] = err
					return nil
				}
				return fmt.Errorf("slice %s: %w", s.Label, err)
			}
			fields[i] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return AnimationResult{}, err
	}

	usable := make([]field.Field, 0, len(slices))
	for i, s := range slices {
		if inputErrs[i] != nil {
			r.skip(a.reqID, &a.res.Skipped, s.Label, inputErrs[i])
			continue
		}
		usable = append(usable, fields[i])
	}
	a.res.Slices = len(usable)
	if len(usable) < 2 {
		return AnimationResult{}, fmt.Errorf("%w: %d usable of %d slices", field.ErrInsufficientTimeSlices, len(usable), len(slices))
	}

	seq, order, err := temporal.Sequence(ctx, usable, a.req.FramesPerTransition)
	if err != nil {
		return AnimationResult{}, err
	}
	a.res.Order = order.String()

	var overshoot atomic.Int64
	frames := make([]image.Image, len(seq))
	eg, ectx = errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)
	for i, f := range seq {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			overshoot.Add(int64(a.rng.Clamp(f)))
			img, err := r.frame(f, a.rng, a.table, a.req.Boundary)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			frames[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return AnimationResult{}, err
	}
	if n := overshoot.Load(); n > 0 {
		opsf("[%s] temporal interpolation overshoot: clamped %d cells across %d frames", a.reqID, n, len(seq))
	}
	return r.encode(ctx, a, frames, w)
}

// blendAnimate renders AlphaSteps(FPS) frames per adjacent pair of
// timestamps by blending the raw samples and fitting a Gaussian process.
func (r *Renderer) blendAnimate(ctx context.Context, a *animation, w io.Writer) (AnimationResult, error) {
	slices := field.GroupByTime(a.req.Samples)
	if len(slices) < 2 {
		return AnimationResult{}, fmt.Errorf("%w: have %d, need at least 2", field.ErrInsufficientTimeSlices, len(slices))
	}
	a.res.Slices = len(slices)
	if total := a.req.FPS * (len(slices) - 1); total > temporal.MaxFrames {
		return AnimationResult{}, fmt.Errorf("%w: %d frames across %d slices, limit %d",
			temporal.ErrInvalidFrameCount, total, len(slices), temporal.MaxFrames)
	}

	gp, err := spatial.New(spatial.MethodGP, r.opts.Params)
	if err != nil {
		return AnimationResult{}, err
	}

	type job struct {
		from, to field.Slice
		alpha    float64
	}
	var jobs []job
	for i := 0; i+1 < len(slices); i++ {
		for _, alpha := range temporal.AlphaSteps(a.req.FPS) {
			jobs = append(jobs, job{from: slices[i], to: slices[i+1], alpha: alpha})
		}
	}
	logf("[%s] blend animate: %d slices, %d frames", a.reqID, len(slices), len(jobs))

	frames := make([]image.Image, len(jobs))
	inputErrs := make([]error, len(jobs))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)
	for i, j := range jobs {
		eg.Go(func() error {
			blended, err := temporal.BlendSamples(j.from.Samples, j.to.Samples, j.alpha, temporal.DefaultKeyDecimals)
			if err != nil {
				return err
			}
			f, err := gp.Interpolate(ectx, blended, a.grid, a.rng)
			if err != nil {
				if field.IsInputError(err) {
					inputErrs[i] = err
					return nil
				}
				return fmt.Errorf("blend %s→%s α=%.2f: %w", j.from.Label, j.to.Label, j.alpha, err)
			}
			img, err := r.frame(f, a.rng, a.table, a.req.Boundary)
			if err != nil {
				return err
			}
			frames[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return AnimationResult{}, err
	}

	kept := frames[:0]
	for i, img := range frames {
		if inputErrs[i] != nil {
			j := jobs[i]
			r.skip(a.reqID, &a.res.Skipped, fmt.Sprintf("%s→%s α=%.2f", j.from.Label, j.to.Label, j.alpha), inputErrs[i])
			continue
		}
		kept = append(kept, img)
	}
	return r.encode(ctx, a, kept, w)
}

func (r *Renderer) encode(ctx context.Context, a *animation, frames []image.Image, w io.Writer) (AnimationResult, error) {
	enc := r.opts.Encoder
	start := time.Now()
	if err := video.Assemble(ctx, frames, a.req.FPS, enc, w); err != nil {
		return AnimationResult{}, err
	}
	r.metrics.ObserveEncode(enc.Ext(), start)
	a.res.Frames = len(frames)
	logf("[%s] animate: encoded %d frames as %s in %s", a.reqID, len(frames), a.res.Filename, time.Since(start).Round(time.Millisecond))
	return a.res, nil
}
