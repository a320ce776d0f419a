package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/fieldmap/internal/cache"
	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/render"
	"github.com/banshee-data/fieldmap/internal/spatial"
)

// HeatmapRequest asks for one still image per timestamp.
type HeatmapRequest struct {
	Samples []field.Sample
	// Timestamps selects and orders the labels to render; empty renders
	// every timestamp present in Samples, oldest first.
	Timestamps []string
	// Range fixes the colour scale; nil uses the range of Samples.
	Range *field.GlobalRange
	// Method is a spatial method name; empty means IDW.
	Method string
	// BandwidthKm overrides the KDE bandwidth when positive.
	BandwidthKm float64
	Colormap    string
	Resolution  int

	Boundary *geo.Boundary
	// BoundaryKey identifies the boundary source for caching.
	BoundaryKey string
}

// HeatmapResult holds base64 PNGs keyed by timestamp label.
type HeatmapResult struct {
	RequestID string            `json:"request_id"`
	Images    map[string]string `json:"images"`
	Order     []string          `json:"order"`
	GlobalMin float64           `json:"global_min"`
	GlobalMax float64           `json:"global_max"`
	Skipped   []Skip            `json:"skipped"`
}

// Heatmaps renders each requested timestamp independently against one
// shared range. A timestamp that fails on its input is skipped and
// reported; any other failure aborts the request.
func (r *Renderer) Heatmaps(ctx context.Context, req HeatmapRequest) (HeatmapResult, error) {
	reqID := newRequestID()
	start := time.Now()
	if err := checkBoundary(req.Boundary); err != nil {
		return HeatmapResult{}, err
	}
	samples := validSamples(reqID, req.Samples)
	rng, err := resolveRange(req.Range, samples)
	if err != nil {
		return HeatmapResult{}, err
	}

	params := r.opts.Params
	if req.BandwidthKm > 0 {
		params.BandwidthKm = req.BandwidthKm
	}
	method, err := spatial.New(req.Method, params)
	if err != nil {
		return HeatmapResult{}, err
	}
	res := req.Resolution
	if res <= 0 {
		res = r.opts.HeatmapResolution
	}
	g, err := grid.New(req.Boundary.Bounds(), res)
	if err != nil {
		return HeatmapResult{}, err
	}
	tableName := req.Colormap
	if tableName == "" {
		tableName = r.opts.Colormap
	}
	table := colormap.ByName(tableName)

	slices := field.GroupByTime(samples)
	byLabel := make(map[string]field.Slice, len(slices))
	labels := req.Timestamps
	for _, s := range slices {
		byLabel[s.Label] = s
		if len(req.Timestamps) == 0 {
			labels = append(labels, s.Label)
		}
	}
	logf("[%s] heatmap: %d timestamps, %d samples, method %s, range [%g, %g]",
		reqID, len(labels), len(samples), method.Name(), rng.Min, rng.Max)

	images := make([]string, len(labels))
	inputErrs := make([]error, len(labels))
	missing := make([]bool, len(labels))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)
	for i, label := range labels {
		slice, ok := byLabel[label]
		if !ok {
			missing[i] = true
			continue
		}
		eg.Go(func() error {
			renderPNG := func(ctx context.Context) ([]byte, error) {
				f, err := method.Interpolate(ctx, slice.Samples, g, rng)
				if err != nil {
					return nil, err
				}
				img, err := r.frame(f, rng, table, req.Boundary)
				if err != nil {
					return nil, err
				}
				var buf bytes.Buffer
				if err := render.EncodePNG(&buf, img); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			}

			var png []byte
			var err error
			if r.cache != nil {
				key := cache.KeyParts{
					Method:     method.Name(),
					Params:     fmt.Sprintf("%g/%g/%g/%g/%g/%g", params.Power, params.Sigma, params.BandwidthKm, params.LengthScale, params.NoiseLevel, params.Alpha),
					Range:      rng,
					Colormap:   table.Name,
					Boundary:   req.BoundaryKey,
					Timestamp:  label,
					Resolution: res,
					Width:      r.opts.FrameWidth,
					Render:     r.frameKey,
					Samples:    slice.Samples,
				}.Key()
				var hit bool
				png, hit, err = r.cache.GetOrRender(ectx, key, renderPNG)
				if err == nil {
					r.metrics.CacheResult(hit)
				}
			} else {
				png, err = renderPNG(ectx)
			}
			if err != nil {
				if field.IsInputError(err) {
					inputErrs[i] = err
					return nil
				}
				return fmt.Errorf("timestamp %s: %w", label, err)
			}
			images[i] = base64.StdEncoding.EncodeToString(png)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return HeatmapResult{}, err
	}

	out := HeatmapResult{
		RequestID: reqID,
		Images:    make(map[string]string, len(labels)),
		Order:     []string{},
		GlobalMin: rng.Min,
		GlobalMax: rng.Max,
		Skipped:   []Skip{},
	}
	for i, label := range labels {
		switch {
		case missing[i]:
			r.skip(reqID, &out.Skipped, label, nil)
		case inputErrs[i] != nil:
			r.skip(reqID, &out.Skipped, label, inputErrs[i])
		default:
			out.Images[label] = images[i]
			out.Order = append(out.Order, label)
		}
	}
	logf("[%s] heatmap: rendered %d, skipped %d in %s", reqID, len(out.Order), len(out.Skipped), time.Since(start).Round(time.Millisecond))
	return out, nil
}
