package video

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/field"
)

func frame(w, h int, c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), field.ErrEmptyFrameSequence)

	ok := []image.Image{frame(4, 3, color.NRGBA{A: 255}), frame(4, 3, color.NRGBA{R: 9, A: 255})}
	assert.NoError(t, Validate(ok))

	bad := append(ok, frame(4, 4, color.NRGBA{}))
	err := Validate(bad)
	assert.ErrorIs(t, err, field.ErrFrameSizeMismatch)
	assert.Contains(t, err.Error(), "frame 2")
}

func TestAssembleRejects(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	assert.ErrorIs(t, Assemble(ctx, nil, 10, GIFEncoder{}, &buf), field.ErrEmptyFrameSequence)

	frames := []image.Image{frame(2, 2, color.NRGBA{A: 255})}
	assert.ErrorIs(t, Assemble(ctx, frames, 0, GIFEncoder{}, &buf), ErrInvalidFrameRate)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, Assemble(cancelled, frames, 10, GIFEncoder{}, &buf), context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestGIFEncoderKeepsOrder(t *testing.T) {
	frames := []image.Image{
		frame(6, 4, color.NRGBA{R: 255, A: 255}),
		frame(6, 4, color.NRGBA{B: 255, A: 255}),
		frame(6, 4, color.NRGBA{}),
	}
	var buf bytes.Buffer
	require.NoError(t, Assemble(context.Background(), frames, 10, GIFEncoder{}, &buf))

	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, g.Image, 3)
	assert.Equal(t, []int{10, 10, 10}, g.Delay)

	r, _, b, _ := g.Image[0].At(1, 1).RGBA()
	assert.Greater(t, r, b)
	r, _, b, _ = g.Image[1].At(1, 1).RGBA()
	assert.Greater(t, b, r)
	// Transparent frames are flattened onto white.
	r, gg, b, _ := g.Image[2].At(1, 1).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, gg, b})
}

func TestPNGEncoderWritesFirstFrame(t *testing.T) {
	frames := []image.Image{frame(3, 2, color.NRGBA{G: 200, A: 255}), frame(3, 2, color.NRGBA{A: 255})}
	var buf bytes.Buffer
	require.NoError(t, Assemble(context.Background(), frames, 1, PNGEncoder{}, &buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	_, g, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(200*0x101), g)
}

func TestFFmpegArgs(t *testing.T) {
	args := (&FFmpegEncoder{}).Args(24)
	assert.Contains(t, args, "image2pipe")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "yuv420p")
	assert.Contains(t, args, "24")
	assert.Contains(t, args, "23")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	args = (&FFmpegEncoder{CRF: 18, Preset: "fast"}).Args(5)
	assert.Contains(t, args, "18")
	assert.Contains(t, args, "fast")
}

func TestFFmpegUnavailable(t *testing.T) {
	enc := &FFmpegEncoder{Path: "fieldmap-no-such-ffmpeg"}
	err := enc.Encode(context.Background(), []image.Image{frame(2, 2, color.NRGBA{A: 255})}, 10, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrEncoderUnavailable)
}

func TestFFmpegEncode(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	frames := make([]image.Image, 5)
	for i := range frames {
		frames[i] = frame(33, 17, color.NRGBA{R: uint8(i * 50), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, Assemble(context.Background(), frames, 5, &FFmpegEncoder{Preset: "ultrafast"}, &buf))
	require.Greater(t, buf.Len(), 8)
	assert.Equal(t, "ftyp", string(buf.Bytes()[4:8]))
}

func TestByName(t *testing.T) {
	for name, ext := range map[string]string{"": ".mp4", "MP4": ".mp4", "ffmpeg": ".mp4", "gif": ".gif", "png": ".png"} {
		enc, err := ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, ext, enc.Ext())
	}
	_, err := ByName("avi")
	assert.Error(t, err)
}

func TestSuggestedFilename(t *testing.T) {
	assert.Equal(t, "Sea_Surface_Temp_animation.mp4", SuggestedFilename("Sea Surface Temp", ".mp4"))
	assert.Equal(t, "a_b_animation.gif", SuggestedFilename("a/b", ".gif"))
	assert.Equal(t, "field_animation.mp4", SuggestedFilename("  ", ".mp4"))
}
