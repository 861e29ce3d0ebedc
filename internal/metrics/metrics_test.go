package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(StepRetries.WithLabelValues("classify"))
	failBefore := testutil.ToFloat64(StepFailures.WithLabelValues("classify"))

	RecordStep("classify", 120*time.Millisecond, 2, true)

	if got := testutil.ToFloat64(StepRetries.WithLabelValues("classify")) - before; got != 2 {
		t.Errorf("retries delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(StepFailures.WithLabelValues("classify")) - failBefore; got != 1 {
		t.Errorf("failures delta = %v, want 1", got)
	}
}

func TestRecordLLMCall(t *testing.T) {
	tokensBefore := testutil.ToFloat64(LLMTokens)
	callsBefore := testutil.ToFloat64(LLMCalls.WithLabelValues("none", "success"))

	RecordLLMCall("", "success", 300)

	if got := testutil.ToFloat64(LLMTokens) - tokensBefore; got != 300 {
		t.Errorf("tokens delta = %v, want 300", got)
	}
	if got := testutil.ToFloat64(LLMCalls.WithLabelValues("none", "success")) - callsBefore; got != 1 {
		t.Errorf("calls delta = %v, want 1", got)
	}
}

func TestUpdateWatermarkLag(t *testing.T) {
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	UpdateWatermarkLag("zulip", now.Add(-90*time.Minute), now)

	if got := testutil.ToFloat64(WatermarkLag.WithLabelValues("zulip")); got != 5400 {
		t.Errorf("lag = %v, want 5400", got)
	}
}

func TestMetricsLint(t *testing.T) {
	RecordRun("completed", time.Second)
	RecordCacheLookup("generation", "hit")

	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer,
		"docminer_pipeline_runs_total", "docminer_cache_lookups_total")
	if err != nil {
		t.Fatalf("GatherAndLint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint: %s: %s", p.Metric, p.Text)
	}
}
