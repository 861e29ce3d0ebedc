package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kalambet/docminer/internal/model"
)

// CreateRunLog inserts the opening row of a run.
func (s *Store) CreateRunLog(ctx context.Context, l model.RunLog) error {
	steps, err := json.Marshal(stepsOrEmpty(l.Steps))
	if err != nil {
		return err
	}
	status := l.Status
	if status == "" {
		status = model.RunRunning
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, instance_id, batch_id, pipeline_id, status, input_messages, steps, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.InstanceID, l.BatchID, l.PipelineID, string(status), l.InputMessages, string(steps), formatTime(l.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("creating run log %s: %w", l.ID, err)
	}
	return nil
}

// CompleteRunLog finalizes a running row. A row that is no longer running
// is left untouched and ErrNotFound is returned.
func (s *Store) CompleteRunLog(ctx context.Context, l model.RunLog) error {
	steps, err := json.Marshal(stepsOrEmpty(l.Steps))
	if err != nil {
		return err
	}
	var completedAt sql.NullString
	if l.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*l.CompletedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_logs SET status = ?, input_messages = ?, steps = ?, output_threads = ?, output_proposals = ?,
			total_duration_ms = ?, llm_calls = ?, llm_tokens_used = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		string(l.Status), l.InputMessages, string(steps), l.OutputThreads, l.OutputProposals,
		l.TotalDurationMs, l.LLMCalls, l.LLMTokensUsed, l.ErrorMessage, completedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("completing run log %s: %w", l.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const runLogColumns = `id, instance_id, batch_id, pipeline_id, status, input_messages, steps, output_threads,
	output_proposals, total_duration_ms, llm_calls, llm_tokens_used, error_message, started_at, completed_at`

// GetRunLog returns one run log by id.
func (s *Store) GetRunLog(ctx context.Context, id string) (model.RunLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runLogColumns+` FROM run_logs WHERE id = ?`, id)
	l, err := scanRunLog(row)
	if err == sql.ErrNoRows {
		return model.RunLog{}, ErrNotFound
	}
	return l, err
}

// ListRunLogs returns the most recent run logs first.
func (s *Store) ListRunLogs(ctx context.Context, limit int) ([]model.RunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runLogColumns+` FROM run_logs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run logs: %w", err)
	}
	defer rows.Close()

	var out []model.RunLog
	for rows.Next() {
		l, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunLog(r rowScanner) (model.RunLog, error) {
	var l model.RunLog
	var status, steps, startedAt string
	var completedAt sql.NullString
	if err := r.Scan(&l.ID, &l.InstanceID, &l.BatchID, &l.PipelineID, &status, &l.InputMessages, &steps,
		&l.OutputThreads, &l.OutputProposals, &l.TotalDurationMs, &l.LLMCalls, &l.LLMTokensUsed,
		&l.ErrorMessage, &startedAt, &completedAt); err != nil {
		return model.RunLog{}, err
	}
	l.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(steps), &l.Steps); err != nil {
		return model.RunLog{}, fmt.Errorf("decoding steps of run %s: %w", l.ID, err)
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return model.RunLog{}, fmt.Errorf("parsing started_at: %w", err)
	}
	l.StartedAt = t
	if completedAt.Valid {
		c, err := parseTime(completedAt.String)
		if err != nil {
			return model.RunLog{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		l.CompletedAt = &c
	}
	return l, nil
}

func stepsOrEmpty(s []model.StepLog) []model.StepLog {
	if s == nil {
		return []model.StepLog{}
	}
	return s
}
