package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LampsCreatedTotal counts lamp writes by outcome
	LampsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lampchain_lamps_created_total",
			Help: "Total number of lamp create attempts by result",
		},
		[]string{"result"},
	)

	// EdgesCreatedTotal counts edge writes by outcome
	EdgesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lampchain_edges_created_total",
			Help: "Total number of edge create attempts by result",
		},
		[]string{"result"},
	)

	// ChangeSubscribers tracks open change-stream connections
	ChangeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lampchain_change_subscribers",
			Help: "Number of connected change-stream clients",
		},
	)

	// ChangeNotificationsTotal counts store change signals fanned out
	ChangeNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lampchain_change_notifications_total",
			Help: "Total number of change notifications broadcast",
		},
	)

	// RateLimitedTotal counts rejected writes
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lampchain_rate_limited_total",
			Help: "Total number of write requests rejected by the throttle",
		},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(LampsCreatedTotal)
	prometheus.MustRegister(EdgesCreatedTotal)
	prometheus.MustRegister(ChangeSubscribers)
	prometheus.MustRegister(ChangeNotificationsTotal)
	prometheus.MustRegister(RateLimitedTotal)
}

// resultLabel buckets a write error for the result label.
func resultLabel(err error) string {
	switch status, _ := classify(err); status {
	case 0:
		return "created"
	case 400:
		return "invalid"
	case 404:
		return "not_found"
	case 409:
		return "duplicate"
	case 503:
		return "unavailable"
	default:
		return "error"
	}
}
