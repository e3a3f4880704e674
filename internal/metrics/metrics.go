package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChatsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_requests_active",
		Help: "Chat requests currently streaming",
	})

	ChatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_requests_total",
		Help: "Chat requests handled by outcome",
	}, []string{"outcome"})

	ChatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_request_duration_seconds",
		Help:    "Time from request start to the end of the model stream",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	TimeToFirstToken = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_time_to_first_token_seconds",
		Help:    "Time from request start to the first streamed token",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_tool_calls_total",
		Help: "Tool invocations by tool and outcome",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_tool_duration_seconds",
		Help:    "Tool execution latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"tool"})

	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_tokens_total",
		Help: "Tokens reported by the model provider",
	}, []string{"direction"})

	// ObservabilityErrors counts failed or panicking logging calls by step.
	ObservabilityErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observability_errors_total",
		Help: "Observability calls that failed, by step",
	}, []string{"step"})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "observability_flush_duration_seconds",
		Help:    "Trace flush latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observability_sessions_created_total",
		Help: "Sessions started in the logging backend",
	})
)
