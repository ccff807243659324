package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API holds per-endpoint collectors for the stats API.
type API struct {
	Latency *prometheus.HistogramVec
	Errors  *prometheus.CounterVec
	Limited *prometheus.CounterVec
}

// NewAPI registers the API collectors on reg.
func NewAPI(reg prometheus.Registerer) *API {
	f := promauto.With(reg)
	return &API{
		Latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bookpulse",
				Subsystem: "api",
				Name:      "latency_seconds",
				Help:      "Latency of stats API endpoints",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bookpulse",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Errors by stats API endpoint",
			},
			[]string{"endpoint"},
		),
		Limited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bookpulse",
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}
