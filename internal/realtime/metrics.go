package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_connections_active",
		Help: "Number of live websocket connections.",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_events_total",
		Help: "Client events processed, by type.",
	}, []string{"type"})
)
