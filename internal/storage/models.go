package storage

import (
	"errors"
	"time"

	"github.com/kalambet/docminer/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ThreadRecord is the persisted classification of one thread.
type ThreadRecord struct {
	Thread          model.Thread
	BatchID         string
	RejectionReason string
	CreatedAt       time.Time
}

// ProposalRecord is a persisted proposal with its batch linkage and review status.
type ProposalRecord struct {
	model.Proposal
	BatchID   string    `json:"batch_id"`
	StreamID  string    `json:"stream_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchCommit carries everything a finished batch writes in one transaction.
type BatchCommit struct {
	StreamID string
	BatchID  string

	// WatermarkTime is the new cursor position. The stored watermark never
	// moves backwards; an older value leaves it untouched.
	WatermarkTime time.Time

	// LastProcessedBatch is left unchanged when zero.
	LastProcessedBatch time.Time

	ProcessedMessageIDs []string
	Threads             []ThreadRecord
	Proposals           []model.Proposal
	Failures            []model.ItemFailure
}
