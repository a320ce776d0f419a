package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/color"
	"image/gif"
	"image/png"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/cache"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/spatial"
	"github.com/banshee-data/fieldmap/internal/temporal"
	fmtest "github.com/banshee-data/fieldmap/internal/testutil"
	"github.com/banshee-data/fieldmap/internal/video"
)

func unitSquare(t *testing.T) *geo.Boundary {
	t.Helper()
	b, err := geo.Parse([]byte(fmtest.UnitSquareGeoJSON))
	require.NoError(t, err)
	return b
}

func testRenderer(m *monitoring.Metrics, c *cache.RenderCache) *Renderer {
	return NewRenderer(Options{
		Workers:             2,
		HeatmapResolution:   12,
		AnimationResolution: 10,
		FrameWidth:          40,
		Encoder:             video.GIFEncoder{},
	}, m, c)
}

func days(n int) []field.Sample {
	var out []field.Sample
	for d := 0; d < n; d++ {
		out = append(out, fmtest.CornerSamples(d, float64(10*d))...)
	}
	return out
}

func decodeImage(t *testing.T, b64 string) (w, h int) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestHeatmapsOrderAndSkips(t *testing.T) {
	r := testRenderer(nil, nil)
	req := HeatmapRequest{
		Samples:    days(3),
		Timestamps: []string{"2024-01-03", "2099-01-01", "2024-01-01"},
		Boundary:   unitSquare(t),
	}

	res, err := r.Heatmaps(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-03", "2024-01-01"}, res.Order)
	assert.Len(t, res.Images, 2)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "2099-01-01", res.Skipped[0].Timestamp)
	assert.Equal(t, ReasonNoSamples, res.Skipped[0].Reason)
	assert.Equal(t, 0.0, res.GlobalMin)
	assert.Equal(t, 24.0, res.GlobalMax)
	assert.NotEmpty(t, res.RequestID)

	w, h := decodeImage(t, res.Images["2024-01-01"])
	assert.Equal(t, 40, w)
	assert.Equal(t, 40, h)
}

func TestHeatmapsAllTimestampsByDefault(t *testing.T) {
	r := testRenderer(nil, nil)
	res, err := r.Heatmaps(context.Background(), HeatmapRequest{
		Samples:  days(3),
		Method:   spatial.MethodKDE,
		Boundary: unitSquare(t),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, res.Order)
	assert.Empty(t, res.Skipped)
}

func TestHeatmapsSkipsInsufficientSlice(t *testing.T) {
	m := monitoring.NewMetrics()
	r := testRenderer(m, nil)
	samples := append(days(2), fmtest.Sample(0.2, 0.2, 5, 1), fmtest.Sample(0.8, 0.8, 5, 2))

	res, err := r.Heatmaps(context.Background(), HeatmapRequest{
		Samples:  samples,
		Method:   spatial.MethodRBF,
		Boundary: unitSquare(t),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, res.Order)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "2024-01-06", res.Skipped[0].Timestamp)
	assert.Contains(t, res.Skipped[0].Reason, "insufficient samples")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedSlices.WithLabelValues(ReasonInsufficientSamples)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesRendered))
}

func TestHeatmapsRequestErrors(t *testing.T) {
	r := testRenderer(nil, nil)
	ctx := context.Background()
	b := unitSquare(t)

	_, err := r.Heatmaps(ctx, HeatmapRequest{Samples: days(1), Method: "nearest", Boundary: b})
	assert.ErrorIs(t, err, spatial.ErrUnknownMethod)

	_, err = r.Heatmaps(ctx, HeatmapRequest{Samples: days(1), Range: &field.GlobalRange{Min: 3, Max: 1}, Boundary: b})
	assert.ErrorIs(t, err, field.ErrInvalidBounds)

	_, err = r.Heatmaps(ctx, HeatmapRequest{Samples: days(1)})
	assert.ErrorIs(t, err, field.ErrBoundaryEmpty)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Heatmaps(cancelled, HeatmapRequest{Samples: days(2), Boundary: b})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHeatmapsUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	t.Cleanup(func() { c.Close() })
	m := monitoring.NewMetrics()
	r := testRenderer(m, c)

	req := HeatmapRequest{Samples: days(1), Boundary: unitSquare(t), BoundaryKey: "square"}
	first, err := r.Heatmaps(context.Background(), req)
	require.NoError(t, err)
	second, err := r.Heatmaps(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Images, second.Images)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Len(t, mr.Keys(), 1)
}

func TestHeatmapsCacheKeyTracksFrameOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	t.Cleanup(func() { c.Close() })
	req := HeatmapRequest{Samples: days(1), Boundary: unitSquare(t), BoundaryKey: "square"}

	opts := Options{Workers: 1, HeatmapResolution: 12, FrameWidth: 40, Encoder: video.GIFEncoder{}}
	plain, err := NewRenderer(opts, nil, c).Heatmaps(context.Background(), req)
	require.NoError(t, err)

	opts.ClipRect = &orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.5, 0.5}}
	cached, err := NewRenderer(opts, nil, c).Heatmaps(context.Background(), req)
	require.NoError(t, err)
	fresh, err := NewRenderer(opts, nil, nil).Heatmaps(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, fresh.Images, cached.Images)
	assert.NotEqual(t, plain.Images, cached.Images)
	assert.Len(t, mr.Keys(), 2)

	opts.SolidFill = color.NRGBA{R: 255, A: 255}
	_, err = NewRenderer(opts, nil, c).Heatmaps(context.Background(), req)
	require.NoError(t, err)
	opts.Smooth = true
	_, err = NewRenderer(opts, nil, c).Heatmaps(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, mr.Keys(), 4)
}

func TestAnimateSequence(t *testing.T) {
	r := testRenderer(monitoring.NewMetrics(), nil)
	samples := append(days(3), fmtest.Sample(0.5, 0.5, 7, 3))

	var buf bytes.Buffer
	res, err := r.Animate(context.Background(), AnimationRequest{
		Parameter:           "Air Temp",
		Samples:             samples,
		FPS:                 5,
		FramesPerTransition: 3,
		Boundary:            unitSquare(t),
	}, &buf)
	require.NoError(t, err)

	assert.Equal(t, "Air_Temp_animation.gif", res.Filename)
	assert.Equal(t, "image/gif", res.ContentType)
	assert.Equal(t, ModeSequence, res.Mode)
	assert.Equal(t, 3, res.Slices)
	assert.Equal(t, 6, res.Frames)
	assert.Equal(t, "natural-cubic", res.Order)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "2024-01-08", res.Skipped[0].Timestamp)

	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	assert.Len(t, g.Image, 6)
	assert.Equal(t, 20, g.Delay[0])
}

func TestAnimateNeedsTwoUsableSlices(t *testing.T) {
	r := testRenderer(nil, nil)
	samples := append(days(1), fmtest.Sample(0.5, 0.5, 1, 3))

	var buf bytes.Buffer
	_, err := r.Animate(context.Background(), AnimationRequest{Samples: samples, Boundary: unitSquare(t)}, &buf)
	assert.ErrorIs(t, err, field.ErrInsufficientTimeSlices)
	assert.Zero(t, buf.Len())
}

func TestAnimateBlend(t *testing.T) {
	r := testRenderer(nil, nil)

	var buf bytes.Buffer
	res, err := r.Animate(context.Background(), AnimationRequest{
		Parameter: "rain",
		Samples:   days(2),
		FPS:       4,
		Mode:      ModeBlend,
		Boundary:  unitSquare(t),
	}, &buf)
	require.NoError(t, err)
	assert.Equal(t, ModeBlend, res.Mode)
	assert.Equal(t, 4, res.Frames)

	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	assert.Len(t, g.Image, 4)
}

func TestAnimateBlendSkipsDisjointPairs(t *testing.T) {
	r := testRenderer(nil, nil)
	samples := []field.Sample{
		fmtest.Sample(0.1, 0.1, 0, 1),
		fmtest.Sample(0.9, 0.9, 1, 2),
	}

	var buf bytes.Buffer
	_, err := r.Animate(context.Background(), AnimationRequest{Samples: samples, FPS: 2, Mode: ModeBlend, Boundary: unitSquare(t)}, &buf)
	assert.ErrorIs(t, err, field.ErrEmptyFrameSequence)
}

func TestAnimateRejectsBadRequest(t *testing.T) {
	r := testRenderer(nil, nil)
	b := unitSquare(t)
	var buf bytes.Buffer

	_, err := r.Animate(context.Background(), AnimationRequest{Samples: days(2), Mode: "morph", Boundary: b}, &buf)
	assert.ErrorContains(t, err, "unknown animation mode")

	_, err = r.Animate(context.Background(), AnimationRequest{Samples: days(2), FPS: -1, Boundary: b}, &buf)
	assert.ErrorIs(t, err, video.ErrInvalidFrameRate)

	_, err = r.Animate(context.Background(), AnimationRequest{Samples: days(2), FPS: video.MaxFPS + 1, Boundary: b}, &buf)
	assert.ErrorIs(t, err, video.ErrInvalidFrameRate)

	_, err = r.Animate(context.Background(), AnimationRequest{Samples: days(2), FramesPerTransition: 100000, Boundary: b}, &buf)
	assert.ErrorIs(t, err, temporal.ErrInvalidFrameCount)
	assert.Zero(t, buf.Len())
}
