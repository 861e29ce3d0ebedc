package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docminer/internal/model"
)

// CommitBatch persists the outputs of one batch and advances the watermark
// in a single transaction. NONE proposals are never written.
func (s *Store) CommitBatch(ctx context.Context, c BatchCommit) error {
	if c.StreamID == "" {
		return fmt.Errorf("commit batch: stream id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	if err := markProcessed(ctx, tx, c.ProcessedMessageIDs); err != nil {
		return err
	}

	for _, rec := range c.Threads {
		if err := insertThread(ctx, tx, c.BatchID, rec, now); err != nil {
			return err
		}
	}

	for _, p := range c.Proposals {
		if p.UpdateType == model.UpdateNone {
			continue
		}
		if err := insertProposal(ctx, tx, c.StreamID, c.BatchID, p, now); err != nil {
			return err
		}
	}

	for _, f := range c.Failures {
		id := f.ID
		if id == "" {
			id = uuid.New().String()
		}
		created := f.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processing_failures (id, batch_id, step_id, item_id, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, c.BatchID, f.StepID, f.ItemID, f.Message, formatTime(created),
		); err != nil {
			return fmt.Errorf("inserting failure for %s: %w", f.ItemID, err)
		}
	}

	if err := advanceWatermark(ctx, tx, c.StreamID, c.WatermarkTime, c.LastProcessedBatch, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch %s: %w", c.BatchID, err)
	}
	return nil
}

func markProcessed(ctx context.Context, tx *sql.Tx, ids []string) error {
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		args := make([]any, 0, len(part)+1)
		args = append(args, model.MessageProcessed)
		for _, id := range part {
			args = append(args, id)
		}
		q := `UPDATE messages SET processing_status = ? WHERE id IN (` + placeholders(len(part)) + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("marking messages processed: %w", err)
		}
	}
	return nil
}

func insertThread(ctx context.Context, tx *sql.Tx, batchID string, rec ThreadRecord, now time.Time) error {
	ids, err := json.Marshal(nonNil(rec.Thread.MessageIDs))
	if err != nil {
		return err
	}
	criteria, err := json.Marshal(rec.Thread.RagSearchCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO thread_classifications
			(thread_id, batch_id, category, message_ids, summary, doc_value_reason, search_criteria, rejection_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Thread.ID, batchID, rec.Thread.Category, string(ids), rec.Thread.Summary,
		rec.Thread.DocValueReason, string(criteria), rec.RejectionReason, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting thread %s: %w", rec.Thread.ID, err)
	}
	return nil
}

func insertProposal(ctx context.Context, tx *sql.Tx, streamID, batchID string, p model.Proposal, now time.Time) error {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	sources, err := json.Marshal(nonNil(p.SourceMessages))
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(nonNil(p.Warnings))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proposals
			(id, batch_id, stream_id, thread_id, update_type, page, section, suggested_text, reasoning, source_messages, warnings, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		id, batchID, streamID, p.ThreadID, string(p.UpdateType), p.Page, p.Section, p.SuggestedText,
		p.Reasoning, string(sources), string(warnings), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting proposal for thread %s: %w", p.ThreadID, err)
	}
	return nil
}

// ListProposals returns proposals ordered by creation time, newest first.
// An empty batchID lists across all batches.
func (s *Store) ListProposals(ctx context.Context, batchID string, limit int) ([]ProposalRecord, error) {
	query := `SELECT id, batch_id, stream_id, thread_id, update_type, page, section, suggested_text,
			reasoning, source_messages, warnings, status, created_at
		FROM proposals`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRecord
	for rows.Next() {
		var r ProposalRecord
		var updateType, sources, warnings, createdAt string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.StreamID, &r.ThreadID, &updateType, &r.Page, &r.Section,
			&r.SuggestedText, &r.Reasoning, &sources, &warnings, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning proposal: %w", err)
		}
		r.UpdateType = model.UpdateType(updateType)
		if err := json.Unmarshal([]byte(sources), &r.SourceMessages); err != nil {
			return nil, fmt.Errorf("decoding source messages of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, fmt.Errorf("decoding warnings of %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListThreads returns the thread classification records of a batch.
func (s *Store) ListThreads(ctx context.Context, batchID string) ([]ThreadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, category, message_ids, summary, doc_value_reason, search_criteria, rejection_reason, created_at
		FROM thread_classifications WHERE batch_id = ? ORDER BY thread_id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadRecord
	for rows.Next() {
		rec := ThreadRecord{BatchID: batchID}
		var ids, criteria, createdAt string
		if err := rows.Scan(&rec.Thread.ID, &rec.Thread.Category, &ids, &rec.Thread.Summary,
			&rec.Thread.DocValueReason, &criteria, &rec.RejectionReason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &rec.Thread.MessageIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(criteria), &rec.Thread.RagSearchCriteria); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListFailures returns the per-item failure records of a batch.
func (s *Store) ListFailures(ctx context.Context, batchID string) ([]model.ItemFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, step_id, item_id, message, created_at
		FROM processing_failures WHERE batch_id = ? ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("querying failures: %w", err)
	}
	defer rows.Close()

	var out []model.ItemFailure
	for rows.Next() {
		var f model.ItemFailure
		var createdAt string
		if err := rows.Scan(&f.ID, &f.BatchID, &f.StepID, &f.ItemID, &f.Message, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
