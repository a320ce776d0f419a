// Package colormap maps field values onto colour tables with a shared
// normalisation, and draws the matching colour-bar legend.
package colormap

import (
	"image/color"
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, opsf = monitoring.Prefixed("colormap")

// DefaultTable is used when a name is empty or unknown.
const DefaultTable = "turbo"

// Table is a named colour table: RGB control points evenly spaced over
// [0, 1], linearly interpolated between.
type Table struct {
	Name  string
	stops []color.NRGBA
}

func rgb(r, g, b uint8) color.NRGBA { return color.NRGBA{R: r, G: g, B: b, A: 255} }

var tables = map[string]Table{
	"turbo": {Name: "turbo", stops: []color.NRGBA{
		rgb(48, 18, 59), rgb(70, 107, 227), rgb(62, 156, 254), rgb(24, 214, 203),
		rgb(70, 247, 131), rgb(162, 252, 60), rgb(225, 221, 55), rgb(254, 165, 49),
		rgb(239, 90, 17), rgb(194, 36, 3), rgb(122, 4, 3),
	}},
	"viridis": {Name: "viridis", stops: []color.NRGBA{
		rgb(68, 1, 84), rgb(71, 45, 123), rgb(59, 82, 139), rgb(44, 114, 142),
		rgb(33, 145, 140), rgb(40, 174, 128), rgb(94, 201, 98), rgb(173, 220, 48),
		rgb(253, 231, 37),
	}},
	"plasma": {Name: "plasma", stops: []color.NRGBA{
		rgb(13, 8, 135), rgb(76, 2, 161), rgb(126, 3, 168), rgb(169, 35, 149),
		rgb(204, 71, 120), rgb(229, 107, 93), rgb(248, 149, 64), rgb(253, 197, 39),
		rgb(240, 249, 33),
	}},
	"inferno": {Name: "inferno", stops: []color.NRGBA{
		rgb(0, 0, 4), rgb(27, 12, 65), rgb(74, 12, 107), rgb(120, 28, 109),
		rgb(165, 44, 96), rgb(207, 68, 70), rgb(237, 105, 37), rgb(251, 155, 6),
		rgb(252, 255, 164),
	}},
	"magma": {Name: "magma", stops: []color.NRGBA{
		rgb(0, 0, 4), rgb(28, 16, 68), rgb(79, 18, 123), rgb(129, 37, 129),
		rgb(181, 54, 122), rgb(229, 80, 100), rgb(251, 135, 97), rgb(254, 194, 135),
		rgb(252, 253, 191),
	}},
	"gray": {Name: "gray", stops: []color.NRGBA{rgb(0, 0, 0), rgb(255, 255, 255)}},
}

// Names returns the known table names, sorted.
func Names() []string {
	out := make([]string, 0, len(tables))
	for name := range tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the named table and whether it exists.
func Lookup(name string) (Table, bool) {
	t, ok := tables[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// ByName returns the named table, falling back to DefaultTable with a
// warning for unknown names.
func ByName(name string) Table {
	if t, ok := Lookup(name); ok {
		return t
	}
	if name != "" {
		opsf("unknown colormap %q, using %s", name, DefaultTable)
	}
	return tables[DefaultTable]
}

// At returns the colour at position t in [0, 1]; t is clamped.
func (t Table) At(pos float64) color.NRGBA {
	if len(t.stops) == 0 {
		return color.NRGBA{A: 255}
	}
	if !(pos > 0) {
		return t.stops[0]
	}
	if pos >= 1 {
		return t.stops[len(t.stops)-1]
	}
	x := pos * float64(len(t.stops)-1)
	i := int(x)
	frac := x - float64(i)
	a, b := t.stops[i], t.stops[i+1]
	return color.NRGBA{
		R: lerp(a.R, b.R, frac),
		G: lerp(a.G, b.G, frac),
		B: lerp(a.B, b.B, frac),
		A: 255,
	}
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}

// Normalize maps v to [0, 1] against rng. A degenerate range maps every
// value to 0, as does NaN.
func Normalize(v float64, rng field.GlobalRange) float64 {
	if rng.Degenerate() || math.IsNaN(v) {
		return 0
	}
	n := (v - rng.Min) / (rng.Max - rng.Min)
	switch {
	case n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}
