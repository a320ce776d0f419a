package temporal

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/fieldmap/internal/field"
)

// Order is the interpolant used across a sequence of fields.
type Order int

const (
	OrderLinear Order = iota + 1
	OrderNaturalCubic
	OrderCubic
)

func (o Order) String() string {
	switch o {
	case OrderLinear:
		return "linear"
	case OrderNaturalCubic:
		return "natural-cubic"
	case OrderCubic:
		return "cubic"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// OrderFor returns the interpolant used for n knots. Not-a-knot cubic
// needs four knots, so shorter sequences fall back.
func OrderFor(n int) Order {
	switch {
	case n >= 4:
		return OrderCubic
	case n == 3:
		return OrderNaturalCubic
	default:
		return OrderLinear
	}
}

func (o Order) predictor() interp.FittablePredictor {
	switch o {
	case OrderCubic:
		return &interp.NotAKnotCubic{}
	case OrderNaturalCubic:
		return &interp.NaturalCubic{}
	default:
		return &interp.PiecewiseLinear{}
	}
}

// Frame limits for one sequence.
const (
	MaxFramesPerTransition = 240
	MaxFrames              = 10000
)

// ErrInvalidFrameCount is returned when frames per transition falls
// outside [1, MaxFramesPerTransition] or a sequence would exceed MaxFrames.
var ErrInvalidFrameCount = errors.New("invalid frame count")

// Positions returns total evenly spaced positions over [0, n−1] where
// total = framesPerTransition·(n−1). The last position is exactly n−1.
func Positions(n, framesPerTransition int) []float64 {
	total := framesPerTransition * (n - 1)
	if total <= 0 {
		return nil
	}
	out := make([]float64, total)
	if total == 1 {
		return out
	}
	end := float64(n - 1)
	step := end / float64(total-1)
	for i := range out {
		out[i] = float64(i) * step
	}
	out[total-1] = end
	return out
}

// Sequence interpolates every cell independently across the ordered
// fields and evaluates the interpolant at Positions(len(fields),
// framesPerTransition). The returned Order reports the interpolant used.
func Sequence(ctx context.Context, fields []field.Field, framesPerTransition int) ([]field.Field, Order, error) {
	n := len(fields)
	if n < 2 {
		return nil, 0, fmt.Errorf("%w: have %d, need at least 2", field.ErrInsufficientTimeSlices, n)
	}
	if framesPerTransition < 1 || framesPerTransition > MaxFramesPerTransition {
		return nil, 0, fmt.Errorf("%w: %d frames per transition, want 1 to %d",
			ErrInvalidFrameCount, framesPerTransition, MaxFramesPerTransition)
	}
	if total := framesPerTransition * (n - 1); total > MaxFrames {
		return nil, 0, fmt.Errorf("%w: %d frames across %d slices, limit %d", ErrInvalidFrameCount, total, n, MaxFrames)
	}
	for i := 1; i < n; i++ {
		if !fields[i].SameShape(fields[0]) {
			return nil, 0, fmt.Errorf("%w: slice %d is %dx%d, slice 0 is %dx%d",
				field.ErrFieldShapeMismatch, i, fields[i].Rows, fields[i].Cols, fields[0].Rows, fields[0].Cols)
		}
	}

	order := OrderFor(n)
	if order != OrderCubic {
		opsf("%d time slices: falling back to %s interpolation", n, order)
	}

	if err := ctx.Err(); err != nil {
		return nil, order, err
	}
	pos := Positions(n, framesPerTransition)
	rows, cols := fields[0].Rows, fields[0].Cols
	out := make([]field.Field, len(pos))
	for i := range out {
		out[i] = field.New(rows, cols)
	}

	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	ys := make([]float64, n)
	pred := order.predictor()

	for cell := 0; cell < rows*cols; cell++ {
		if cell%cols == 0 {
			if err := ctx.Err(); err != nil {
				return nil, order, err
			}
		}
		for k := range fields {
			ys[k] = fields[k].Values[cell]
		}
		if err := pred.Fit(xs, ys); err != nil {
			return nil, order, fmt.Errorf("%w: fit cell %d: %v", field.ErrNumericInstability, cell, err)
		}
		for f, x := range pos {
			out[f].Values[cell] = pred.Predict(x)
		}
	}
	logf("sequence: %d slices -> %d frames (%s)", n, len(out), order)
	return out, order, nil
}
