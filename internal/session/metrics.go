package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_sessions_active",
		Help: "Number of live sessions in the registry.",
	})

	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_sessions_created_total",
		Help: "Total sessions created.",
	})

	metricSessionsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_sessions_deleted_total",
		Help: "Total sessions deleted, by reason.",
	}, []string{"reason"})

	metricMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_messages_total",
		Help: "Total chat messages appended across all sessions.",
	})
)
