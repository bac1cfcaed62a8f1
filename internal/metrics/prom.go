package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus mirrors of the core counters, served by the optional
// observability HTTP endpoint.
var (
	promTokensGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uma",
		Subsystem: "sched",
		Name:      "tokens_generated_total",
		Help:      "Total tokens emitted to clients",
	})

	promBatchCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uma",
		Subsystem: "sched",
		Name:      "batch_calls_total",
		Help:      "Total batched decode invocations",
	})

	promDecodeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uma",
		Subsystem: "sched",
		Name:      "decode_duration_seconds",
		Help:      "Wall time of one batched decode call",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	promBatchTokens = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uma",
		Subsystem: "sched",
		Name:      "batch_tokens",
		Help:      "Tokens fused into one decode call",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
	})

	promActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "uma",
		Subsystem: "ipc",
		Name:      "active_sessions",
		Help:      "Open client sessions",
	})
)

func init() {
	prometheus.MustRegister(promTokensGenerated, promBatchCalls, promDecodeSeconds, promBatchTokens, promActiveSessions)
}

// SetActiveSessions updates the session gauge.
func SetActiveSessions(n int) {
	promActiveSessions.Set(float64(n))
}
