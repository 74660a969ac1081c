// Package metrics exposes a Prometheus registry tracking segmenter
// activity: segments written, discontinuities emitted, sidecar reloads, and
// cue decode errors. The dependency is declared directly (not transitively)
// in go.mod across the example corpus's own services, but none of the
// retrieved files exercise its call sites, so this package is written
// directly against github.com/prometheus/client_golang's documented public
// API rather than adapted from a corpus call site; see DESIGN.md.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps a Prometheus registry with the counters a Segmenter run
// updates. A nil *Recorder is valid: every method is a no-op on it, so
// callers that don't enable metrics can pass one around unconditionally.
type Recorder struct {
	registry *prometheus.Registry

	segmentsWritten prometheus.Counter
	discontinuities prometheus.Counter
	sidecarReloads  prometheus.Counter
	cueDecodeErrors *prometheus.CounterVec
	segmentDuration prometheus.Histogram
}

// New builds a Recorder with its own registry, so one process can run
// multiple Segmenters (a playlist chain, concurrent live runs) without
// counter collisions from prometheus' default global registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.segmentsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x9kgo",
		Name:      "segments_written_total",
		Help:      "Segment files written.",
	})
	r.discontinuities = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x9kgo",
		Name:      "discontinuities_total",
		Help:      "EXT-X-DISCONTINUITY tags emitted.",
	})
	r.sidecarReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x9kgo",
		Name:      "sidecar_reloads_total",
		Help:      "Sidecar cue file reloads observed.",
	})
	r.cueDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "x9kgo",
		Name:      "cue_decode_errors_total",
		Help:      "Malformed SCTE-35 cues dropped, by source.",
	}, []string{"source"})
	r.segmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "x9kgo",
		Name:      "segment_duration_seconds",
		Help:      "Observed duration of written segments.",
		Buckets:   prometheus.LinearBuckets(1, 1, 12),
	})

	r.registry.MustRegister(
		r.segmentsWritten,
		r.discontinuities,
		r.sidecarReloads,
		r.cueDecodeErrors,
		r.segmentDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return r
}

func (r *Recorder) SegmentWritten(duration float64) {
	if r == nil {
		return
	}
	r.segmentsWritten.Inc()
	r.segmentDuration.Observe(duration)
}

func (r *Recorder) Discontinuity() {
	if r == nil {
		return
	}
	r.discontinuities.Inc()
}

func (r *Recorder) SidecarReload() {
	if r == nil {
		return
	}
	r.sidecarReloads.Inc()
}

// CueDecodeError records a malformed cue dropped during decode. source is
// "stream" or "sidecar", matching the two paths that call it.
func (r *Recorder) CueDecodeError(source string) {
	if r == nil {
		return
	}
	r.cueDecodeErrors.WithLabelValues(source).Inc()
}

// Handler returns the registry's HTTP handler for mounting at /metrics.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics on addr until ctx is
// cancelled. A nil *Recorder or empty addr disables the server.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	if r == nil || addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
