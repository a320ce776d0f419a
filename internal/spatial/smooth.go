package spatial

import (
	"math"

	"github.com/banshee-data/fieldmap/internal/field"
)

// gaussianTruncate is the kernel radius in standard deviations.
const gaussianTruncate = 4.0

// GaussianFilter returns f convolved with a separable Gaussian of the
// given standard deviation in cells. Edges use half-sample symmetric
// reflection (d c b a | a b c d | d c b a).
func GaussianFilter(f field.Field, sigma float64) field.Field {
	if sigma <= 0 || f.Len() == 0 {
		return f.Clone()
	}
	kernel := gaussianKernel(sigma)

	tmp := field.New(f.Rows, f.Cols)
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			var acc float64
			for k, w := range kernel {
				cc := reflectIndex(c+k-len(kernel)/2, f.Cols)
				acc += w * f.At(r, cc)
			}
			tmp.Set(r, c, acc)
		}
	}

	out := field.New(f.Rows, f.Cols)
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			var acc float64
			for k, w := range kernel {
				rr := reflectIndex(r+k-len(kernel)/2, f.Rows)
				acc += w * tmp.At(rr, c)
			}
			out.Set(r, c, acc)
		}
	}
	return out
}

func gaussianKernel(sigma float64) []float64 {
	radius := int(gaussianTruncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// reflectIndex maps any integer onto [0, n) by repeated half-sample
// reflection.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
