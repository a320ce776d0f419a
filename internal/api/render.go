package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/httputil"
	"github.com/banshee-data/fieldmap/internal/ingest"
	"github.com/banshee-data/fieldmap/internal/pipeline"
	"github.com/banshee-data/fieldmap/internal/temporal"
	"github.com/banshee-data/fieldmap/internal/units"
	"github.com/banshee-data/fieldmap/internal/video"
)

// Legend size limits in pixels.
const (
	defaultLegendWidth  = 160
	defaultLegendHeight = 480
	maxLegendSide       = 4096
)

// Grid resolution limits per side. Zero selects the renderer default.
const (
	maxHeatmapResolution   = 2000
	maxAnimationResolution = 1000
)

func validResolution(res, max int) bool {
	return res == 0 || (res >= 2 && res <= max)
}

type heatmapRequest struct {
	Data []ingest.Record `json:"data"`
	// Parameter, StartDate and EndDate select stored measurements when
	// Data is empty.
	Parameter  string   `json:"parameter"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Timestamps []string `json:"timestamps"`
	GlobalMin  *float64 `json:"global_min"`
	GlobalMax  *float64 `json:"global_max"`
	Bandwidth  float64  `json:"bandwidth"`
	// BandwidthUnit qualifies Bandwidth; empty means kilometres.
	BandwidthUnit string `json:"bandwidth_unit"`
	Method        string `json:"method"`
	Colormap      string `json:"colormap"`
	BoundaryPath  string `json:"boundary_path"`
	Resolution    int    `json:"resolution"`
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req heatmapRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !validResolution(req.Resolution, maxHeatmapResolution) {
		writeError(w, badRequest("resolution must be 0 for the default or between 2 and %d, got %d", maxHeatmapResolution, req.Resolution))
		return
	}
	if req.BandwidthUnit == "" {
		req.BandwidthUnit = units.KM
	}
	if !units.IsValid(req.BandwidthUnit) {
		writeError(w, badRequest("bandwidth_unit must be one of %s, got %q", units.GetValidUnitsString(), req.BandwidthUnit))
		return
	}
	rng, err := rangeOf(req.GlobalMin, req.GlobalMax)
	if err != nil {
		writeError(w, err)
		return
	}
	b, key, err := s.boundary(req.BoundaryPath)
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.requestSamples(r.Context(), req.Data, req.Parameter, req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.renderer.Heatmaps(r.Context(), pipeline.HeatmapRequest{
		Samples:     samples,
		Timestamps:  req.Timestamps,
		Range:       rng,
		Method:      req.Method,
		BandwidthKm: units.ToKilometres(req.Bandwidth, req.BandwidthUnit),
		Colormap:    req.Colormap,
		Resolution:  req.Resolution,
		Boundary:    b,
		BoundaryKey: key,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

type animateRequest struct {
	Parameter           string          `json:"parameter"`
	StartDate           string          `json:"start_date"`
	EndDate             string          `json:"end_date"`
	Data                []ingest.Record `json:"data"`
	FPS                 int             `json:"fps"`
	FramesPerTransition int             `json:"frames_per_transition"`
	Colormap            string          `json:"colormap"`
	Mode                string          `json:"mode"`
	GlobalMin           *float64        `json:"global_min"`
	GlobalMax           *float64        `json:"global_max"`
	BoundaryPath        string          `json:"boundary_path"`
	Resolution          int             `json:"resolution"`
}

func (s *Server) animationRequest(req animateRequest) (pipeline.AnimationRequest, error) {
	out := pipeline.AnimationRequest{
		Parameter:           req.Parameter,
		FPS:                 req.FPS,
		FramesPerTransition: req.FramesPerTransition,
		Colormap:            req.Colormap,
		Mode:                req.Mode,
		Resolution:          req.Resolution,
	}
	if out.FPS == 0 {
		out.FPS = s.cfg.FPS
	}
	if out.FPS == 0 {
		out.FPS = pipeline.DefaultFPS
	}
	if out.FramesPerTransition == 0 {
		out.FramesPerTransition = s.cfg.FramesPerTransition
	}
	if out.FramesPerTransition == 0 {
		out.FramesPerTransition = pipeline.DefaultFramesPerTransition
	}
	if out.Colormap == "" {
		out.Colormap = s.cfg.AnimationColormap
	}
	if out.Mode == "" {
		out.Mode = s.cfg.Mode
	}
	switch out.Mode {
	case "", pipeline.ModeSequence, pipeline.ModeBlend:
	default:
		return out, badRequest("mode must be %q or %q, got %q", pipeline.ModeSequence, pipeline.ModeBlend, out.Mode)
	}
	if out.FPS < 1 || out.FPS > video.MaxFPS {
		return out, badRequest("fps must be between 1 and %d, got %d", video.MaxFPS, out.FPS)
	}
	if out.FramesPerTransition < 1 || out.FramesPerTransition > temporal.MaxFramesPerTransition {
		return out, badRequest("frames_per_transition must be between 1 and %d, got %d",
			temporal.MaxFramesPerTransition, out.FramesPerTransition)
	}
	if !validResolution(out.Resolution, maxAnimationResolution) {
		return out, badRequest("resolution must be 0 for the default or between 2 and %d, got %d", maxAnimationResolution, out.Resolution)
	}
	rng, err := rangeOf(req.GlobalMin, req.GlobalMax)
	if err != nil {
		return out, err
	}
	out.Range = rng
	return out, nil
}

func (s *Server) handleAnimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var body animateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Parameter == "" && len(body.Data) == 0 {
		writeError(w, badRequest("parameter is required"))
		return
	}
	req, err := s.animationRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Boundary, _, err = s.boundary(body.BoundaryPath); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if s.cfg.AnimationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AnimationTimeout)
		defer cancel()
	}
	if req.Samples, err = s.requestSamples(ctx, body.Data, body.Parameter, body.StartDate, body.EndDate); err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	res, err := s.renderer.Animate(ctx, req, &buf)
	if err != nil {
		writeError(w, err)
		return
	}
	logf("[%s] animation %s: %d frames from %d slices (%s)", res.RequestID, res.Filename, res.Frames, res.Slices, res.Mode)

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", res.Filename))
	h.Set("X-Request-Id", res.RequestID)
	h.Set("X-Frame-Count", strconv.Itoa(res.Frames))
	if len(res.Skipped) > 0 {
		skipped := make([]string, len(res.Skipped))
		for i, sk := range res.Skipped {
			skipped[i] = sk.Timestamp
		}
		h.Set("X-Skipped-Timestamps", strings.Join(skipped, ","))
	}
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		opsf("[%s] write animation: %v", res.RequestID, err)
	}
}

func queryFloat(r *http.Request, name string) (float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, badRequest("%s is required", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, s)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def, max int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > max {
		return 0, badRequest("%s must be between 1 and %d, got %q", name, max, s)
	}
	return v, nil
}

func (s *Server) handleLegend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	lo, err := queryFloat(r, "min")
	if err != nil {
		writeError(w, err)
		return
	}
	hi, err := queryFloat(r, "max")
	if err != nil {
		writeError(w, err)
		return
	}
	width, err := queryInt(r, "width", defaultLegendWidth, maxLegendSide)
	if err != nil {
		writeError(w, err)
		return
	}
	height, err := queryInt(r, "height", defaultLegendHeight, maxLegendSide)
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("colormap")
	if name == "" {
		name = s.renderer.Options().Colormap
	}
	table, ok := colormap.Lookup(name)
	if !ok {
		writeError(w, badRequest("unknown colormap %q (want one of %s)", name, strings.Join(colormap.Names(), ", ")))
		return
	}

	var buf bytes.Buffer
	if err := colormap.Legend(&buf, field.GlobalRange{Min: lo, Max: hi}, table, r.URL.Query().Get("label"), width, height); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(buf.Bytes())
}

func (s *Server) handleColormaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"colormaps": colormap.Names(),
		"default":   s.renderer.Options().Colormap,
	})
}
