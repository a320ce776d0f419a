// Package api serves fieldmap over HTTP: heatmap and animation rendering,
// colour legends, data and boundary uploads, and the measurement store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"

	"github.com/banshee-data/fieldmap/internal/db"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/httputil"
	"github.com/banshee-data/fieldmap/internal/ingest"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/pipeline"
	"github.com/banshee-data/fieldmap/internal/security"
	"github.com/banshee-data/fieldmap/internal/spatial"
	"github.com/banshee-data/fieldmap/internal/temporal"
	"github.com/banshee-data/fieldmap/internal/version"
	"github.com/banshee-data/fieldmap/internal/video"
)

var logf, opsf = monitoring.Prefixed("api")

// ANSI escape codes for the access log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodyBytes bounds JSON bodies and multipart uploads.
const maxBodyBytes = 64 << 20

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, v...))
}

// Config holds the request defaults the server applies.
type Config struct {
	// UploadDir holds uploaded boundaries. Relative boundary_path values
	// resolve inside it; absolute ones may also name files beside
	// DefaultBoundary.
	UploadDir string
	// DefaultBoundary is used when a request names no boundary.
	DefaultBoundary string
	// AnimationTimeout bounds one animation request; zero means none.
	AnimationTimeout    time.Duration
	AnimationColormap   string
	FPS                 int
	FramesPerTransition int
	Mode                string
}

type Server struct {
	store      db.Store
	renderer   *pipeline.Renderer
	boundaries *geo.Cache
	metrics    *monitoring.Metrics
	cfg        Config
}

// NewServer returns a Server. metrics may be nil.
func NewServer(store db.Store, renderer *pipeline.Renderer, boundaries *geo.Cache, metrics *monitoring.Metrics, cfg Config) *Server {
	return &Server{
		store:      store,
		renderer:   renderer,
		boundaries: boundaries,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// ServeMux returns the API routes without middleware.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/heatmap", s.handleHeatmap)
	mux.HandleFunc("/api/animate", s.handleAnimate)
	mux.HandleFunc("/api/legend", s.handleLegend)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/boundary", s.handleBoundary)
	mux.HandleFunc("/api/parameters", s.handleParameters)
	mux.HandleFunc("/api/timestamps", s.handleTimestamps)
	mux.HandleFunc("/api/measurements", s.handleMeasurements)
	mux.HandleFunc("/api/measurement", s.handleDeleteMeasurement)
	mux.HandleFunc("/api/table", s.handleTable)
	mux.HandleFunc("/api/colormaps", s.handleColormaps)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Handler wraps h with panic recovery, CORS, gzip and access logging.
func Handler(h http.Handler) http.Handler {
	h = handlers.CompressHandler(h)
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.ExposedHeaders([]string{"Content-Disposition", "X-Request-Id", "X-Frame-Count", "X-Skipped-Timestamps"}),
	)(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return handlers.CustomLoggingHandler(logWriter{}, h, logFormatter)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// logFormatter writes status, method, URI and duration, one request per line.
func logFormatter(w io.Writer, p handlers.LogFormatterParams) {
	fmt.Fprintf(w, "[%s] %s %s%s%s %vms",
		statusCodeColor(p.StatusCode), p.Request.Method,
		colorCyan, p.URL.RequestURI(), colorReset,
		float64(time.Since(p.TimeStamp).Nanoseconds())/1e6,
	)
}

// logWriter sends access log lines to the package logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) { opsf("panic: %s", fmt.Sprint(v...)) }

// writeError maps err to a status code and writes it as JSON.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, spatial.ErrUnknownMethod),
		errors.Is(err, video.ErrInvalidFrameRate),
		errors.Is(err, temporal.ErrInvalidFrameCount),
		errors.Is(err, security.ErrBoundaryExtension):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, db.ErrNotFound), errors.Is(err, ingest.ErrNoData):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, db.ErrParameterExists):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, video.ErrEncoderUnavailable):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		httputil.WriteError(w, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// boundary loads the named boundary, or the default when name is empty.
// It returns the boundary's cache identity alongside.
func (s *Server) boundary(name string) (*geo.Boundary, string, error) {
	path := s.cfg.DefaultBoundary
	if name != "" {
		var extra []string
		if s.cfg.DefaultBoundary != "" {
			extra = append(extra, filepath.Dir(s.cfg.DefaultBoundary))
		}
		p, err := security.ResolveBoundaryPath(s.cfg.UploadDir, name, extra...)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", errBadRequest, err)
		}
		path = p
	}
	if path == "" {
		return nil, "", badRequest("boundary_path is required: no default boundary is configured")
	}
	b, key, err := s.boundaries.Load(path)
	if err != nil {
		return nil, "", err
	}
	return b, key.String(), nil
}

// dateRange parses optional start and end dates. A bare end date covers
// the whole day.
func dateRange(start, end string) (from, to time.Time, err error) {
	if start != "" {
		t, ok := ingest.ParseTime(start)
		if !ok {
			return from, to, badRequest("invalid start_date %q", start)
		}
		from = t
	}
	if end != "" {
		t, ok := ingest.ParseTime(end)
		if !ok {
			return from, to, badRequest("invalid end_date %q", end)
		}
		if t.Equal(t.Truncate(24 * time.Hour)) {
			t = t.Add(24*time.Hour - time.Second)
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, badRequest("end_date %s is before start_date %s", end, start)
	}
	return from, to, nil
}

// requestSamples returns posted records when present, otherwise the
// stored measurements of parameter within the date range.
func (s *Server) requestSamples(ctx context.Context, data []ingest.Record, parameter, start, end string) ([]field.Sample, error) {
	if len(data) > 0 {
		samples, st, err := ingest.FromRecords(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		if st.Dropped > 0 {
			logf("dropped %d of %d posted records", st.Dropped, len(data))
		}
		return samples, nil
	}
	if parameter == "" {
		return nil, badRequest("either data or parameter is required")
	}
	from, to, err := dateRange(start, end)
	if err != nil {
		return nil, err
	}
	samples, err := s.store.Samples(ctx, parameter, from, to)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no %s measurements in the requested range", ingest.ErrNoData, parameter)
	}
	return samples, nil
}

func rangeOf(lo, hi *float64) (*field.GlobalRange, error) {
	switch {
	case lo == nil && hi == nil:
		return nil, nil
	case lo == nil || hi == nil:
		return nil, badRequest("global_min and global_max must be given together")
	}
	return &field.GlobalRange{Min: *lo, Max: *hi}, nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
