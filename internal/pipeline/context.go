package pipeline

import (
	"time"

	"github.com/kalambet/docminer/internal/model"
)

// Metrics are accumulated by steps during one run.
type Metrics struct {
	LLMCalls        int              `json:"llm_calls"`
	LLMTokensUsed   int              `json:"llm_tokens_used"`
	StepDurations   map[string]int64 `json:"step_durations_ms"`
	TotalDurationMs int64            `json:"total_duration_ms"`
}

// ExecContext is the state one orchestrator run threads through its steps.
// It is owned by that run alone and must not be shared between runs.
//
// Each step reads the outputs of earlier steps and replaces its own output
// fields in a single assignment at the end of Execute, so a failed attempt
// leaves nothing half written for the retry.
type ExecContext struct {
	BatchID    string
	InstanceID string
	PipelineID string
	StreamID   string

	WindowStart time.Time
	WindowEnd   time.Time

	// Messages are the batch input; ContextMessages precede the window and
	// are background only.
	Messages        []model.Message
	ContextMessages []model.Message

	FilteredMessages []model.Message
	Threads          []model.Thread
	RagResults       map[string][]model.RagDocument
	Proposals        map[string][]model.Proposal

	// Rejections holds the model's reason for threads it declined to
	// propose changes for.
	Rejections map[string]string

	Errors  []StepError
	Metrics Metrics

	CachingEnabled bool
}

// NewExecContext returns a context for one batch with its maps allocated.
func NewExecContext(batchID string, messages, contextMessages []model.Message) *ExecContext {
	return &ExecContext{
		BatchID:         batchID,
		Messages:        messages,
		ContextMessages: contextMessages,
		RagResults:      make(map[string][]model.RagDocument),
		Proposals:       make(map[string][]model.Proposal),
		Rejections:      make(map[string]string),
		Metrics:         Metrics{StepDurations: make(map[string]int64)},
	}
}

// RecordLLMCall adds one model call to the run metrics. Cached replies are
// not calls and should not be recorded.
func (ec *ExecContext) RecordLLMCall(tokens int) {
	ec.Metrics.LLMCalls++
	ec.Metrics.LLMTokensUsed += tokens
}

// AddErrors appends item-level failures.
func (ec *ExecContext) AddErrors(errs ...StepError) {
	ec.Errors = append(ec.Errors, errs...)
}

// ProposalCount returns the number of proposals across all threads.
func (ec *ExecContext) ProposalCount() int {
	n := 0
	for _, ps := range ec.Proposals {
		n += len(ps)
	}
	return n
}

// ThreadsWithDocs returns the number of threads with at least one RAG document.
func (ec *ExecContext) ThreadsWithDocs() int {
	n := 0
	for _, docs := range ec.RagResults {
		if len(docs) > 0 {
			n++
		}
	}
	return n
}

// CachePurpose returns purpose when caching is enabled for this run and
// the empty string, which disables caching for a call, otherwise.
func (ec *ExecContext) CachePurpose(purpose string) string {
	if !ec.CachingEnabled {
		return ""
	}
	return purpose
}

// MessageIndex maps message IDs to the Messages they refer to.
func (ec *ExecContext) MessageIndex() map[string]model.Message {
	idx := make(map[string]model.Message, len(ec.Messages))
	for _, m := range ec.Messages {
		idx[m.ID] = m
	}
	return idx
}

func (ec *ExecContext) ensureMaps() {
	if ec.RagResults == nil {
		ec.RagResults = make(map[string][]model.RagDocument)
	}
	if ec.Proposals == nil {
		ec.Proposals = make(map[string][]model.Proposal)
	}
	if ec.Rejections == nil {
		ec.Rejections = make(map[string]string)
	}
	if ec.Metrics.StepDurations == nil {
		ec.Metrics.StepDurations = make(map[string]int64)
	}
}
