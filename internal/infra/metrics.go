package infra

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the prometheus collectors of the client.
// Collectors are safe for concurrent use.
type Metrics struct {
	// Stream / mirror
	StreamEvents    *prometheus.CounterVec // table, action
	ApplyErrors     prometheus.Counter
	DroppedUpdates  *prometheus.CounterVec // table
	Executions      *prometheus.CounterVec // side
	StreamConnected prometheus.Gauge
	Reconnects      prometheus.Counter

	// Command client
	Requests *prometheus.CounterVec // verb, status
	Retries  *prometheus.CounterVec // reason

	// Bar engine
	BarsCreated prometheus.Counter
	Signal      *prometheus.GaugeVec // kind, horizon
}

// GlobalMetrics is the process-wide instance registered on the default registry.
var GlobalMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vpin_stream_events_total",
			Help: "Table frames applied to the mirror.",
		}, []string{"table", "action"}),
		ApplyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vpin_stream_apply_errors_total",
			Help: "Table frames that failed to apply.",
		}),
		DroppedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vpin_stream_dropped_updates_total",
			Help: "Update or delete rows that matched no record.",
		}, []string{"table"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vpin_executions_total",
			Help: "Fills detected on the order table.",
		}, []string{"side"}),
		StreamConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "vpin_stream_connected",
			Help: "1 while the realtime socket is up.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "vpin_stream_reconnects_total",
			Help: "Realtime socket reconnect attempts.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vpin_command_requests_total",
			Help: "REST requests by verb and response status.",
		}, []string{"verb", "status"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vpin_command_retries_total",
			Help: "REST resubmissions by reason.",
		}, []string{"reason"}),
		BarsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "vpin_bars_created_total",
			Help: "Volume bars opened by the chart.",
		}),
		Signal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vpin_signal",
			Help: "Latest smoothed signal values of the active bar.",
		}, []string{"kind", "horizon"}),
	}
}

// RecordRequest counts a REST response. status 0 means no response.
func (m *Metrics) RecordRequest(verb string, status int) {
	m.Requests.WithLabelValues(verb, strconv.Itoa(status)).Inc()
}

// RecordRetry counts a resubmission.
func (m *Metrics) RecordRetry(reason string) {
	m.Retries.WithLabelValues(reason).Inc()
}

// SetConnected flips the connection gauge.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

// SetSignal publishes the smoothed vpin and bounce values.
func (m *Metrics) SetSignal(vpinShort, vpinLong, bounceShort, bounceLong float64) {
	m.Signal.WithLabelValues("vpin", "short").Set(vpinShort)
	m.Signal.WithLabelValues("vpin", "long").Set(vpinLong)
	m.Signal.WithLabelValues("bounce", "short").Set(bounceShort)
	m.Signal.WithLabelValues("bounce", "long").Set(bounceLong)
}
