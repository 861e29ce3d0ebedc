// Package model defines the domain types shared by the batch scheduler,
// the pipeline steps and the storage layer.
package model

import (
	"encoding/json"
	"time"
)

// Message processing states.
const (
	MessagePending   = "pending"
	MessageProcessed = "processed"
)

// Message is one ingested chat message. The pipeline never mutates it
// except for ProcessingStatus, which storage derives on batch commit.
type Message struct {
	ID               string          `json:"id"`
	StreamID         string          `json:"stream_id"`
	Timestamp        time.Time       `json:"timestamp"`
	Author           string          `json:"author"`
	Content          string          `json:"content"`
	Channel          string          `json:"channel"`
	RawData          json.RawMessage `json:"raw_data,omitempty"`
	ProcessingStatus string          `json:"processing_status,omitempty"`
}

// Watermark is the persistent cursor of one processing stream.
type Watermark struct {
	StreamID           string    `json:"stream_id"`
	WatermarkTime      time.Time `json:"watermark_time"`
	LastProcessedBatch time.Time `json:"last_processed_batch,omitempty"`
}

// SearchCriteria tells the Enrich step what to look up for a thread.
type SearchCriteria struct {
	Keywords      []string `json:"keywords"`
	SemanticQuery string   `json:"semantic_query"`
}

// Thread is a model-identified group of messages with documentation value.
// MessageIDs reference the batch messages in chronological order.
type Thread struct {
	ID                string         `json:"id"`
	Category          string         `json:"category"`
	MessageIDs        []string       `json:"message_ids"`
	Summary           string         `json:"summary"`
	DocValueReason    string         `json:"doc_value_reason"`
	RagSearchCriteria SearchCriteria `json:"rag_search_criteria"`
}

// RagDocument is one retrieval hit. Similarity is in [0,1].
type RagDocument struct {
	Title      string  `json:"title"`
	FilePath   string  `json:"file_path"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// UpdateType is the kind of documentation change a proposal suggests.
type UpdateType string

const (
	UpdateInsert UpdateType = "INSERT"
	UpdateUpdate UpdateType = "UPDATE"
	UpdateDelete UpdateType = "DELETE"
	UpdateNone   UpdateType = "NONE"
)

// Valid reports whether u is one of the known update types.
func (u UpdateType) Valid() bool {
	switch u {
	case UpdateInsert, UpdateUpdate, UpdateDelete, UpdateNone:
		return true
	}
	return false
}

// Proposal is a suggested documentation change produced for one thread.
type Proposal struct {
	ID             string     `json:"id,omitempty"`
	ThreadID       string     `json:"thread_id"`
	UpdateType     UpdateType `json:"update_type"`
	Page           string     `json:"page"`
	Section        string     `json:"section,omitempty"`
	SuggestedText  string     `json:"suggested_text,omitempty"`
	Reasoning      string     `json:"reasoning"`
	SourceMessages []string   `json:"source_messages,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
}

// AddWarning appends w unless it is already present.
func (p *Proposal) AddWarning(w string) {
	for _, existing := range p.Warnings {
		if existing == w {
			return
		}
	}
	p.Warnings = append(p.Warnings, w)
}

// RunStatus is the lifecycle state of an orchestrator run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepLog records the outcome of one executed step inside a run.
type StepLog struct {
	StepID      string `json:"step_id"`
	StepType    string `json:"step_type"`
	Status      string `json:"status"`
	InputCount  int    `json:"input_count"`
	OutputCount int    `json:"output_count"`
	Attempts    int    `json:"attempts"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// RunLog is the audit record of one orchestrator execution.
type RunLog struct {
	ID              string     `json:"id"`
	InstanceID      string     `json:"instance_id"`
	BatchID         string     `json:"batch_id"`
	PipelineID      string     `json:"pipeline_id"`
	Status          RunStatus  `json:"status"`
	InputMessages   int        `json:"input_messages"`
	Steps           []StepLog  `json:"steps"`
	OutputThreads   int        `json:"output_threads"`
	OutputProposals int        `json:"output_proposals"`
	TotalDurationMs int64      `json:"total_duration_ms"`
	LLMCalls        int        `json:"llm_calls"`
	LLMTokensUsed   int        `json:"llm_tokens_used"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ItemFailure is a per-thread or per-proposal failure recorded during a run.
type ItemFailure struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id"`
	StepID    string    `json:"step_id"`
	ItemID    string    `json:"item_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
