package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	activeConns   prometheus.Gauge
	events        *prometheus.CounterVec
	handlerErrors prometheus.Counter
	authFailures  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of open WebSocket connections.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events dispatched to handlers, by kind.",
		}, []string{"kind"}),
		handlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_handler_errors_total",
			Help: "Handler errors and panics reported back to clients.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Rejected handshakes and failed in-session authentications.",
		}),
	}
}
