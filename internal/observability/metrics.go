// Package observability groups the Prometheus instruments used by the reader
// engine and its gateway.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	SentencesSpoken   *prometheus.CounterVec
	SynthesisFailures *prometheus.CounterVec
	BufferUnderruns   prometheus.Counter
	BufferingLatency  prometheus.Histogram
	ConversationTurns *prometheus.CounterVec
	QuizAnswers       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active reading sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SentencesSpoken: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_spoken_total",
			Help:      "Sentences played to completion by mode (reading, converse, quiz).",
		}, []string{"mode"}),
		SynthesisFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Per-sentence synthesis failures by mode.",
		}, []string{"mode"}),
		BufferUnderruns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_underruns_total",
			Help:      "Times playback entered Buffering because the next sentence was not ready.",
		}),
		BufferingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffering_latency_ms",
			Help:      "Time spent in Buffering before a sentence became ready, in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 200, 400, 800, 1500, 3000},
		}),
		ConversationTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_total",
			Help:      "Conversational turns by mode and outcome.",
		}, []string{"mode", "outcome"}),
		QuizAnswers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quiz_answers_total",
			Help:      "Quiz answers by verdict.",
		}, []string{"verdict"}),
	}
}

func (m *Metrics) ObserveBufferingLatency(d time.Duration) {
	m.BufferingLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
