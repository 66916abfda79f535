package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizsim_ai_requests_total",
			Help: "Total number of provider attempts by outcome.",
		},
		[]string{"provider", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bizsim_ai_request_duration_seconds",
			Help:    "Histogram of provider attempt durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	parseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizsim_ai_parse_total",
			Help: "Parsed responses by adapter, including partial fallbacks.",
		},
		[]string{"adapter", "partial"},
	)
	// RoundOutcomes counts inference tasks by terminal status.
	RoundOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizsim_inference_outcomes_total",
			Help: "Inference tasks by terminal status.",
		},
		[]string{"status"},
	)
)

func observeAttempt(provider, status string, seconds float64) {
	requestsTotal.With(prometheus.Labels{"provider": provider, "status": status}).Inc()
	if seconds > 0 {
		requestDuration.With(prometheus.Labels{"provider": provider}).Observe(seconds)
	}
}

func observeParse(adapter string, partial bool) {
	p := "false"
	if partial {
		p = "true"
	}
	parseTotal.With(prometheus.Labels{"adapter": adapter, "partial": p}).Inc()
}
