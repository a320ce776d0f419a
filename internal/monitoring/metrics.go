package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldmap"

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Interpolations   *prometheus.CounterVec
	InterpolationDur *prometheus.HistogramVec
	ClampedCells     *prometheus.CounterVec
	FramesRendered   prometheus.Counter
	SkippedSlices    *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	EncodeDur        *prometheus.HistogramVec
}

// NewMetrics creates and registers the instruments on a fresh registry
// that also carries the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	m := &Metrics{
		registry: reg,
		Interpolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interpolations_total",
			Help:      "Spatial interpolation calls by method and outcome.",
		}, []string{"method", "outcome"}),
		InterpolationDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interpolation_seconds",
			Help:      "Wall time of one spatial interpolation call.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		ClampedCells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clamped_cells_total",
			Help:      "Grid cells clamped into the global range after interpolation.",
		}, []string{"method"}),
		FramesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rendered_total",
			Help:      "Raster frames produced by the mask and clip renderer.",
		}),
		SkippedSlices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamps_skipped_total",
			Help:      "Timestamps dropped from a request, by reason.",
		}, []string{"reason"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_hits_total",
			Help:      "Heatmap renders served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_misses_total",
			Help:      "Heatmap renders not found in the cache.",
		}),
		EncodeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_seconds",
			Help:      "Wall time spent in the frame encoder.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"encoder"}),
	}
	reg.MustRegister(
		m.Interpolations, m.InterpolationDur, m.ClampedCells, m.FramesRendered,
		m.SkippedSlices, m.CacheHits, m.CacheMisses, m.EncodeDur,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInterpolation records one interpolation call.
func (m *Metrics) ObserveInterpolation(method string, start time.Time, clamped int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Interpolations.WithLabelValues(method, outcome).Inc()
	m.InterpolationDur.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if clamped > 0 {
		m.ClampedCells.WithLabelValues(method).Add(float64(clamped))
	}
}

// FrameRendered counts one rendered frame.
func (m *Metrics) FrameRendered() {
	if m == nil {
		return
	}
	m.FramesRendered.Inc()
}

// Skipped counts one skipped timestamp.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedSlices.WithLabelValues(reason).Inc()
}

// CacheResult counts a cache lookup.
func (m *Metrics) CacheResult(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// ObserveEncode records encoder wall time.
func (m *Metrics) ObserveEncode(encoder string, start time.Time) {
	if m == nil {
		return
	}
	m.EncodeDur.WithLabelValues(encoder).Observe(time.Since(start).Seconds())
}
