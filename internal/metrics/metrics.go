// Package metrics holds the Prometheus collectors for the peer runtime.
// Pass a *Metrics to components that need to record; components treat a nil
// *Metrics as "metrics disabled", so library users who never scrape pay
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors, registered against one registry.
type Metrics struct {
	FramesRead       *prometheus.CounterVec
	FramesWritten    prometheus.Counter
	MalformedFrames  prometheus.Counter
	LenientDemotions prometheus.Counter
	PendingRequests  prometheus.Gauge
	HandlerErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		FramesRead: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentwire",
				Name:      "frames_read_total",
				Help:      "Inbound frames by envelope kind",
			},
			[]string{"kind"}, // kind=request/response/notification
		),
		FramesWritten: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentwire",
				Name:      "frames_written_total",
				Help:      "Outbound frames written to the transport",
			},
		),
		MalformedFrames: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentwire",
				Name:      "malformed_frames_total",
				Help:      "Frames dropped by the envelope codec",
			},
		),
		LenientDemotions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentwire",
				Name:      "lenient_demotions_total",
				Help:      "Method frames with malformed ids demoted to notifications",
			},
		),
		PendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentwire",
				Name:      "pending_requests",
				Help:      "Outbound requests awaiting a response",
			},
		),
		HandlerErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentwire",
				Name:      "handler_errors_total",
				Help:      "Inbound requests answered with a JSON-RPC error",
			},
			[]string{"method"},
		),
	}
}
