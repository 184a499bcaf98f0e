package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the host.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Content requests
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecodeErrors    prometheus.Counter

	// Child processes
	ProcessesActive prometheus.Gauge
	ProcessOutcomes *prometheus.CounterVec
	StreamLines     prometheus.Counter

	// Gate
	GateDeliveries  *prometheus.CounterVec
	GateQueueDepth  prometheus.Gauge
	NavigationTotal prometheus.Counter

	// External bridge
	ExternalTotal    *prometheus.CounterVec
	ExternalDuration prometheus.Histogram
	ExternalPending  prometheus.Gauge

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	gatherer prometheus.Gatherer
}

// NewMetrics registers the host metrics with reg. Pass a fresh
// prometheus.NewRegistry() to keep instances independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		startTime: time.Now(),
		gatherer:  reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_requests_total",
				Help: "Total number of content requests by variant and outcome",
			},
			[]string{"variant", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlay_request_duration_seconds",
				Help:    "Content request handling duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"variant"},
		),
		DecodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_decode_errors_total",
				Help: "Inbound messages dropped because they could not be decoded",
			},
		),

		ProcessesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_processes_active",
				Help: "Number of supervised child processes currently running",
			},
		),
		ProcessOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_process_outcomes_total",
				Help: "Child process terminations by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		StreamLines: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_stream_lines_total",
				Help: "Lines forwarded from streaming commands",
			},
		),

		GateDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_gate_deliveries_total",
				Help: "Script deliveries to the content surface by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		GateQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_gate_queue_depth",
				Help: "Scripts waiting for the gate loop",
			},
		),
		NavigationTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_navigations_total",
				Help: "Page loads observed on the content surface",
			},
		),

		ExternalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_external_requests_total",
				Help: "External bridge requests by response code",
			},
			[]string{"code"},
		),
		ExternalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "overlay_external_duration_seconds",
				Help:    "Time from external request arrival to response",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		ExternalPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_external_pending",
				Help: "External requests waiting for the content to reply",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "overlay_uptime_seconds",
			Help: "Host uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records a handled content request
func (m *Metrics) RecordRequest(variant, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(variant, status).Inc()
	m.RequestDuration.WithLabelValues(variant).Observe(duration.Seconds())
}

// RecordDecodeError counts a dropped inbound message
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// ProcessStarted marks a child process as running
func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.ProcessesActive.Inc()
}

// ProcessEnded records how a supervised child process ended
func (m *Metrics) ProcessEnded(mode, outcome string) {
	if m == nil {
		return
	}
	m.ProcessesActive.Dec()
	m.ProcessOutcomes.WithLabelValues(mode, outcome).Inc()
}

// RecordStreamLine counts a forwarded stream line
func (m *Metrics) RecordStreamLine() {
	if m == nil {
		return
	}
	m.StreamLines.Inc()
}

// RecordDelivery records a gate delivery attempt
func (m *Metrics) RecordDelivery(kind, status string) {
	if m == nil {
		return
	}
	m.GateDeliveries.WithLabelValues(kind, status).Inc()
}

// SetQueueDepth sets the gate queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.GateQueueDepth.Set(float64(depth))
}

// RecordNavigation counts a page load
func (m *Metrics) RecordNavigation() {
	if m == nil {
		return
	}
	m.NavigationTotal.Inc()
}

// RecordExternal records a finished external request
func (m *Metrics) RecordExternal(code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExternalTotal.WithLabelValues(code).Inc()
	m.ExternalDuration.Observe(duration.Seconds())
}

// SetExternalPending sets the number of unanswered external requests
func (m *Metrics) SetExternalPending(count int) {
	if m == nil {
		return
	}
	m.ExternalPending.Set(float64(count))
}
