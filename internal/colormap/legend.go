package colormap

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fieldmap/internal/field"
)

// LegendTicks is the number of labelled ticks on the colour bar.
const LegendTicks = 7

// pngDPI is the resolution gonum/plot uses for raster output.
const pngDPI = 96

// Legend writes a vertical colour bar for rng as a PNG of the given
// pixel size. A degenerate range is widened by one unit so the bar can
// be drawn.
func Legend(w io.Writer, rng field.GlobalRange, t Table, label string, widthPx, heightPx int) error {
	if err := rng.Validate(); err != nil {
		return err
	}
	if widthPx <= 0 || heightPx <= 0 {
		return fmt.Errorf("invalid legend size %dx%d", widthPx, heightPx)
	}
	lo, hi := rng.Min, rng.Max
	if rng.Degenerate() {
		lo, hi = lo-0.5, hi+0.5
	}

	p := plot.New()
	p.HideX()
	p.Y.Label.Text = label
	p.Y.Tick.Marker = plot.ConstantTicks(legendTicks(lo, hi))
	p.Add(&plotter.ColorBar{
		ColorMap: NewColorMap(t, lo, hi),
		Vertical: true,
		Colors:   256,
	})

	wt, err := p.WriterTo(pixels(widthPx), pixels(heightPx), "png")
	if err != nil {
		return fmt.Errorf("legend canvas: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write legend: %w", err)
	}
	logf("legend %s [%.2f, %.2f] %dx%d", t.Name, lo, hi, widthPx, heightPx)
	return nil
}

func pixels(n int) vg.Length {
	return vg.Length(n) * vg.Inch / pngDPI
}

func legendTicks(lo, hi float64) []plot.Tick {
	ticks := make([]plot.Tick, LegendTicks)
	step := (hi - lo) / float64(LegendTicks-1)
	for i := range ticks {
		v := lo + float64(i)*step
		if i == LegendTicks-1 {
			v = hi
		}
		ticks[i] = plot.Tick{Value: v, Label: fmt.Sprintf("%.2f", v)}
	}
	return ticks
}
