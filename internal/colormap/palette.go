package colormap

import (
	"image/color"
	"math"

	"gonum.org/v1/plot/palette"
)

// ColorMap adapts a Table to palette.ColorMap for gonum/plot.
type ColorMap struct {
	table    Table
	min, max float64
	alpha    float64
}

var _ palette.ColorMap = (*ColorMap)(nil)

// NewColorMap returns an opaque ColorMap spanning [min, max].
func NewColorMap(t Table, min, max float64) *ColorMap {
	return &ColorMap{table: t, min: min, max: max, alpha: 1}
}

// At implements palette.ColorMap.
func (m *ColorMap) At(v float64) (color.Color, error) {
	switch {
	case math.IsNaN(v):
		return nil, palette.ErrNaN
	case v < m.min:
		return nil, palette.ErrUnderflow
	case v > m.max:
		return nil, palette.ErrOverflow
	}
	pos := 0.0
	if m.max > m.min {
		pos = (v - m.min) / (m.max - m.min)
	}
	c := m.table.At(pos)
	c.A = uint8(math.Round(m.alpha * 255))
	return c, nil
}

func (m *ColorMap) Min() float64       { return m.min }
func (m *ColorMap) Max() float64       { return m.max }
func (m *ColorMap) SetMin(v float64)   { m.min = v }
func (m *ColorMap) SetMax(v float64)   { m.max = v }
func (m *ColorMap) Alpha() float64     { return m.alpha }
func (m *ColorMap) SetAlpha(a float64) { m.alpha = math.Max(0, math.Min(1, a)) }

// Palette implements palette.ColorMap.
func (m *ColorMap) Palette(n int) palette.Palette {
	colors := make(colorList, n)
	for i := range colors {
		pos := 0.0
		if n > 1 {
			pos = float64(i) / float64(n-1)
		}
		c := m.table.At(pos)
		c.A = uint8(math.Round(m.alpha * 255))
		colors[i] = c
	}
	return colors
}

type colorList []color.Color

func (l colorList) Colors() []color.Color { return l }
