package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/grid"
	"github.com/banshee-data/fieldmap/internal/httputil"
	"github.com/banshee-data/fieldmap/internal/spatial"
)

const (
	defaultPreviewResolution = 60
	maxPreviewResolution     = 200
	previewColorStops        = 10
)

// AttachDebugRoutes mounts the field preview on the tsweb debugger.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("field", "Interpolated field preview (?parameter=&date=&method=)", http.HandlerFunc(s.handleFieldPreview))
}

// handleFieldPreview renders one stored timestamp as an echarts heatmap
// of raw interpolated values, before colourisation and masking.
// Query params:
//   - parameter (required)
//   - date (required; one stored timestamp)
//   - method (optional; default idw)
//   - resolution (optional; default 60)
//   - boundary_path (optional)
func (s *Server) handleFieldPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parameter, date := q.Get("parameter"), q.Get("date")
	if parameter == "" || date == "" {
		writeError(w, badRequest("parameter and date are required"))
		return
	}
	res, err := queryInt(r, "resolution", defaultPreviewResolution, maxPreviewResolution)
	if err != nil {
		writeError(w, err)
		return
	}
	b, _, err := s.boundary(q.Get("boundary_path"))
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.requestSamples(r.Context(), nil, parameter, date, date)
	if err != nil {
		writeError(w, err)
		return
	}
	rng, err := field.RangeOf(samples)
	if err != nil {
		writeError(w, err)
		return
	}
	method, err := spatial.New(q.Get("method"), s.renderer.Options().Params)
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := grid.New(b.Bounds(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := method.Interpolate(r.Context(), samples, g, rng)
	if err != nil {
		writeError(w, err)
		return
	}

	lons, lats := g.Lons(), g.Lats()
	xLabels := make([]string, len(lons))
	for i, v := range lons {
		xLabels[i] = fmt.Sprintf("%.4f", v)
	}
	yLabels := make([]string, len(lats))
	for i, v := range lats {
		yLabels[i] = fmt.Sprintf("%.4f", v)
	}
	data := make([]opts.HeatMapData, 0, f.Len())
	for row := 0; row < f.Rows; row++ {
		for col := 0; col < f.Cols; col++ {
			data = append(data, opts.HeatMapData{Value: [3]interface{}{col, row, f.At(row, col)}})
		}
	}

	table := colormap.ByName(s.renderer.Options().Colormap)
	colors := make([]string, previewColorStops)
	for i := range colors {
		c := table.At(float64(i) / float64(previewColorStops-1))
		colors[i] = fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "fieldmap preview", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: parameter + " " + date, Subtitle: fmt.Sprintf("method=%s samples=%d grid=%dx%d", method.Name(), len(samples), res, res)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "Longitude", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: yLabels, Name: "Latitude", NameLocation: "middle", NameGap: 50}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(rng.Min),
			Max:        float32(rng.Max),
			InRange:    &opts.VisualMapInRange{Color: colors},
		}),
	)
	hm.SetXAxis(xLabels).AddSeries("field", data)

	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
