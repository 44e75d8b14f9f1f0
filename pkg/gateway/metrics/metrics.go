// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice gateway. Each
// instance carries its own registry. Record methods are nil-safe so
// callers can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Live audio metrics
	AudioInBytes  prometheus.Counter
	AudioOutBytes prometheus.Counter
	Turns         prometheus.Counter
	Interruptions prometheus.Counter

	// Upstream metrics
	UpstreamConnects      prometheus.Counter
	UpstreamConnectErrors prometheus.Counter
	ResumeHandlesSaved    prometheus.Counter
	ResumeAccepted        prometheus.Counter

	// Backpressure metrics
	BackpressureResets prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Chat metrics
	ChatRequests *prometheus.CounterVec
}

// New creates all gateway metrics on a fresh registry, alongside the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vox_live_sessions_active",
			Help: "Current number of open live sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_live_sessions_started_total",
			Help: "Total number of live sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vox_live_sessions_ended_total",
			Help: "Total number of live sessions ended",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vox_live_session_duration_seconds",
			Help:    "Duration of live sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		AudioInBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_live_audio_in_bytes_total",
			Help: "Total bytes of mic audio received from clients",
		}),
		AudioOutBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_live_audio_out_bytes_total",
			Help: "Total bytes of assistant audio sent to clients",
		}),
		Turns: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_live_turns_total",
			Help: "Total number of completed assistant turns",
		}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_live_interruptions_total",
			Help: "Total number of interrupted assistant turns",
		}),
		UpstreamConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_upstream_connects_total",
			Help: "Total number of upstream live connections established",
		}),
		UpstreamConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_upstream_connect_errors_total",
			Help: "Total number of failed upstream live connection attempts",
		}),
		ResumeHandlesSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_resume_handles_saved_total",
			Help: "Total number of session resumption handles stored",
		}),
		ResumeAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_resume_accepted_total",
			Help: "Total number of sessions resumed from a stored handle",
		}),
		BackpressureResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "vox_live_backpressure_resets_total",
			Help: "Total number of assistant audio resets caused by slow clients",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vox_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vox_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vox_chat_requests_total",
			Help: "Total number of streaming chat requests",
		}, []string{"status"}),
	}
}

// Handler serves this instance's registry for scrapes.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordSessionStart increments the active gauge and start counter.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionEnd decrements the active gauge and records the close reason.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordAudioIn(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioInBytes.Add(float64(bytes))
}

func (m *Metrics) RecordAudioOut(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioOutBytes.Add(float64(bytes))
}

func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.Turns.Inc()
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

func (m *Metrics) RecordUpstreamConnect(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.UpstreamConnectErrors.Inc()
		return
	}
	m.UpstreamConnects.Inc()
}

func (m *Metrics) RecordResumeSaved() {
	if m == nil {
		return
	}
	m.ResumeHandlesSaved.Inc()
}

func (m *Metrics) RecordResumeAccepted() {
	if m == nil {
		return
	}
	m.ResumeAccepted.Inc()
}

func (m *Metrics) RecordBackpressureReset() {
	if m == nil {
		return
	}
	m.BackpressureResets.Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

func (m *Metrics) RecordChatRequest(status string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(status).Inc()
}
