// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	VoiceSessionsActive    prometheus.Gauge
	VoiceSessionsTotal     *prometheus.CounterVec
	VoiceSessionDuration   prometheus.Histogram
	VoiceSessionRejections *prometheus.CounterVec
	VoiceAudioBytesTotal   *prometheus.CounterVec
	UpstreamErrorsTotal    *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_gateway"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status.",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"route"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Open voice sessions.",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_total",
			Help:      "Finished voice sessions by close reason.",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_session_duration_seconds",
			Help:      "Voice session duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	rejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_session_rejections_total",
			Help:      "Voice upgrades refused before a session started.",
		},
		[]string{"reason"},
	)

	audioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_audio_bytes_total",
			Help:      "PCM16 bytes relayed, by direction.",
		},
		[]string{"direction"},
	)

	upstreamErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed calls to upstream services.",
		},
		[]string{"upstream"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		rejections,
		audioBytes,
		upstreamErrors,
	)

	return &Metrics{
		registry:               registry,
		RequestsTotal:          requestsTotal,
		RequestDuration:        requestDuration,
		VoiceSessionsActive:    sessionsActive,
		VoiceSessionsTotal:     sessionsTotal,
		VoiceSessionDuration:   sessionDuration,
		VoiceSessionRejections: rejections,
		VoiceAudioBytesTotal:   audioBytes,
		UpstreamErrorsTotal:    upstreamErrors,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and external exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) RecordRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) VoiceSessionStarted() {
	if m == nil {
		return
	}
	m.VoiceSessionsActive.Inc()
}

func (m *Metrics) VoiceSessionEnded(reason string, d time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.VoiceSessionsActive.Dec()
	m.VoiceSessionsTotal.WithLabelValues(reason).Inc()
	m.VoiceSessionDuration.Observe(d.Seconds())
}

func (m *Metrics) VoiceSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.VoiceSessionRejections.WithLabelValues(reason).Inc()
}

// AudioIn counts microphone bytes received from clients.
func (m *Metrics) AudioIn(nbytes int) {
	if m == nil || nbytes <= 0 {
		return
	}
	m.VoiceAudioBytesTotal.WithLabelValues("in").Add(float64(nbytes))
}

// AudioOut counts synthesized bytes sent to clients.
func (m *Metrics) AudioOut(nbytes int) {
	if m == nil || nbytes <= 0 {
		return
	}
	m.VoiceAudioBytesTotal.WithLabelValues("out").Add(float64(nbytes))
}

func (m *Metrics) UpstreamError(upstream string) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(upstream).Inc()
}

// Middleware records every request by its ServeMux pattern. It must wrap the
// mux directly: the pattern is only visible on the request the mux was given.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.RecordRequest(r.Pattern, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rw.status = http.StatusSwitchingProtocols
	rw.wroteHeader = true
	return h.Hijack()
}
