package colormap

import (
	"image"

	"github.com/banshee-data/fieldmap/internal/field"
)

// Colorize renders f as one opaque pixel per cell. Field row 0 holds the
// minimum latitude, so it becomes the bottom image row.
func Colorize(f field.Field, rng field.GlobalRange, t Table) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Cols, f.Rows))
	for r := 0; r < f.Rows; r++ {
		y := f.Rows - 1 - r
		for c := 0; c < f.Cols; c++ {
			img.SetNRGBA(c, y, t.At(Normalize(f.At(r, c), rng)))
		}
	}
	return img
}
