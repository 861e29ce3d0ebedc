// Package metrics holds the Prometheus collectors for batch runs, pipeline
// steps, model calls and the response cache. Collectors register with the
// default registry and are served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline runs
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docminer_pipeline_runs_total",
			Help: "Total number of orchestrator runs by terminal status",
		},
		[]string{"status"}, // "completed", "completed_with_errors", "failed"
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docminer_pipeline_run_duration_seconds",
			Help:    "Duration of orchestrator runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Steps
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docminer_step_duration_seconds",
			Help:    "Duration of pipeline steps in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docminer_step_failures_total",
			Help: "Steps that exhausted their retries",
		},
		[]string{"step_type"},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docminer_step_retries_total",
			Help: "Step attempts that were retried after a failure",
		},
		[]string{"step_type"},
	)

	// Model invocation
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docminer_llm_calls_total",
			Help: "Model calls by cache purpose and outcome",
		},
		[]string{"purpose", "outcome"}, // outcome: "success", "transient", "permanent", "rejected"
	)

	LLMTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docminer_llm_tokens_total",
			Help: "Tokens reported by the model across all calls",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docminer_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Response cache
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docminer_cache_lookups_total",
			Help: "Response cache lookups by purpose and result",
		},
		[]string{"purpose", "result"}, // result: "hit", "miss", "error"
	)

	// Outputs
	ProposalsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docminer_proposals_generated_total",
			Help: "Proposals persisted by update type",
		},
		[]string{"update_type"},
	)

	BatchMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docminer_batch_messages_total",
			Help: "Messages fed into committed batches",
		},
	)

	WatermarkLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docminer_watermark_lag_seconds",
			Help: "Seconds between now and the stream watermark after the last scheduler pass",
		},
		[]string{"stream"},
	)
)

// RecordRun records the terminal state and duration of one orchestrator run.
func RecordRun(status string, duration time.Duration) {
	PipelineRuns.WithLabelValues(status).Inc()
	PipelineRunDuration.Observe(duration.Seconds())
}

// RecordStep records one executed step. retries is the number of attempts
// beyond the first.
func RecordStep(stepType string, duration time.Duration, retries int, failed bool) {
	StepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
	if retries > 0 {
		StepRetries.WithLabelValues(stepType).Add(float64(retries))
	}
	if failed {
		StepFailures.WithLabelValues(stepType).Inc()
	}
}

// RecordLLMCall records the outcome of one model call.
func RecordLLMCall(purpose, outcome string, tokens int) {
	if purpose == "" {
		purpose = "none"
	}
	LLMCalls.WithLabelValues(purpose, outcome).Inc()
	if tokens > 0 {
		LLMTokens.Add(float64(tokens))
	}
}

// RecordCacheLookup records a response cache hit, miss or error.
func RecordCacheLookup(purpose, result string) {
	CacheLookups.WithLabelValues(purpose, result).Inc()
}

// UpdateWatermarkLag sets the lag gauge for stream.
func UpdateWatermarkLag(stream string, watermark, now time.Time) {
	WatermarkLag.WithLabelValues(stream).Set(now.Sub(watermark).Seconds())
}
