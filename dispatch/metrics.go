package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_selections_total",
			Help: "Dispatcher selections by platform/model, including misses.",
		},
		[]string{"platform", "model", "dispatcher", "matched"},
	)
	dispatchCallErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_call_errors_total",
			Help: "Dispatcher call failures raised before the stream started.",
		},
		[]string{"platform", "model", "dispatcher"},
	)
	dispatchStreamOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_stream_outcomes_total",
			Help: "Terminal stream events by type (done, stream_interrupted, error).",
		},
		[]string{"platform", "model", "dispatcher", "outcome"},
	)
	dispatchStreamDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_stream_duration_seconds",
			Help:    "Wall time from dispatch to terminal event.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"platform", "model", "dispatcher"},
	)
	dispatchInterruptedContentChars = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_interrupted_content_chars",
			Help:    "Partial content length (code points) delivered before an interruption.",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
		[]string{"platform", "model"},
	)
)

func init() {
	prometheus.MustRegister(
		dispatchSelectionsTotal,
		dispatchCallErrorsTotal,
		dispatchStreamOutcomesTotal,
		dispatchStreamDurationSeconds,
		dispatchInterruptedContentChars,
	)
}

func observeSelection(platform, model, dispatcher string, matched bool) {
	m := "false"
	if matched {
		m = "true"
	}
	if dispatcher == "" {
		dispatcher = "none"
	}
	dispatchSelectionsTotal.WithLabelValues(platform, model, dispatcher, m).Inc()
}

func observeCallError(platform, model, dispatcher string) {
	dispatchCallErrorsTotal.WithLabelValues(platform, model, dispatcher).Inc()
}

func observeStreamOutcome(platform, model, dispatcher string, ev Event, elapsed time.Duration) {
	dispatchStreamOutcomesTotal.WithLabelValues(platform, model, dispatcher, string(ev.Type)).Inc()
	dispatchStreamDurationSeconds.WithLabelValues(platform, model, dispatcher).Observe(elapsed.Seconds())
	if ev.Type == EventStreamInterrupted {
		dispatchInterruptedContentChars.WithLabelValues(platform, model).Observe(float64(ev.PartialContentLength))
	}
}
