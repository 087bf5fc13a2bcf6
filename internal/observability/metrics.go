package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client and gateway.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Events            *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	Backpressure      prometheus.Counter
	UnknownEvents     prometheus.Counter
	WSWriteErrors     *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram

	Window *LatencyWindow
}

// NewMetrics registers instruments on reg; pass nil for the default
// registerer. Tests pass their own registry so repeated construction does
// not collide.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live realtime sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind.",
		}, []string{"event"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Wire events by direction and type.",
		}, []string{"direction", "type"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome.",
		}, []string{"outcome"}),
		Backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_rejections_total",
			Help:      "Outbound submissions rejected because the queue was full.",
		}),
		UnknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_events_total",
			Help:      "Inbound events with a tag nobody subscribed to.",
		}),
		WSWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "Gateway websocket write failures by kind.",
		}, []string{"kind"}),
		FirstDeltaLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from committed input to first response delta in milliseconds.",
			Buckets:   []float64{50, 100, 200, 350, 500, 750, 1000, 2000, 5000},
		}),
		Window: NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstDelta(d time.Duration) {
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
	m.Window.Observe(StageSubmitToFirstDelta, float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
