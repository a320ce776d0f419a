package video

import (
	"context"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
)

// GIFEncoder writes an animated GIF using the Plan 9 palette with
// Floyd-Steinberg dithering. Transparent pixels are flattened onto
// Background, white when nil.
type GIFEncoder struct {
	Background color.Color
}

func (GIFEncoder) ContentType() string { return "image/gif" }
func (GIFEncoder) Ext() string         { return ".gif" }

func (e GIFEncoder) Encode(ctx context.Context, frames []image.Image, fps int, w io.Writer) error {
	bg := e.Background
	if bg == nil {
		bg = color.White
	}
	delay := 100 / fps
	if delay < 1 {
		delay = 1
	}

	anim := &gif.GIF{LoopCount: 0}
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := f.Bounds()
		flat := image.NewRGBA(b)
		draw.Draw(flat, b, image.NewUniform(bg), image.Point{}, draw.Src)
		draw.Draw(flat, b, f, b.Min, draw.Over)

		p := image.NewPaletted(b, palette.Plan9)
		draw.FloydSteinberg.Draw(p, b, flat, b.Min)
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, delay)
	}
	return gif.EncodeAll(w, anim)
}

// PNGEncoder writes the first frame as a still PNG. It is the
// single-frame degenerate case of a video.
type PNGEncoder struct{}

func (PNGEncoder) ContentType() string { return "image/png" }
func (PNGEncoder) Ext() string         { return ".png" }

func (PNGEncoder) Encode(ctx context.Context, frames []image.Image, _ int, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frames) > 1 {
		opsf("png encoder: writing first of %d frames", len(frames))
	}
	return png.Encode(w, frames[0])
}
