package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/magick-io/magick/metrics"
)

var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magick_flag_evaluations_total",
			Help: "Flag evaluations by flag, operation and outcome.",
		},
		[]string{"flag", "op", "success"},
	)

	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magick_flag_evaluation_duration_seconds",
			Help:    "Flag evaluation latency.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"flag", "op"},
	)

	connectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "magick_changefeed_clients",
			Help: "Connected websocket change-feed clients.",
		},
	)
)

// Observer feeds the process-level Prometheus collectors from the metrics
// pipeline. Install it via metrics.Options.Observer.
func Observer() func(metrics.Record) {
	return func(rec metrics.Record) {
		evaluationsTotal.WithLabelValues(rec.Flag, rec.Op, strconv.FormatBool(rec.Success)).Inc()
		evaluationDuration.WithLabelValues(rec.Flag, rec.Op).Observe(rec.Duration.Seconds())
	}
}

// TrackClients samples the change-feed client count into its gauge.
func TrackClients(count int) {
	connectedClients.Set(float64(count))
}
