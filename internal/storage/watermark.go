package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/docminer/internal/model"
)

// GetWatermark returns the cursor of streamID or ErrNotFound.
func (s *Store) GetWatermark(ctx context.Context, streamID string) (model.Watermark, error) {
	var wmMs int64
	var lastMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark_ms, last_processed_ms FROM watermarks WHERE stream_id = ?`, streamID,
	).Scan(&wmMs, &lastMs)
	if err == sql.ErrNoRows {
		return model.Watermark{}, ErrNotFound
	}
	if err != nil {
		return model.Watermark{}, fmt.Errorf("reading watermark %s: %w", streamID, err)
	}

	wm := model.Watermark{StreamID: streamID, WatermarkTime: fromMillis(wmMs)}
	if lastMs.Valid {
		wm.LastProcessedBatch = fromMillis(lastMs.Int64)
	}
	return wm, nil
}

// InitWatermark creates the cursor of streamID at t unless one already
// exists, and returns the stored cursor either way.
func (s *Store) InitWatermark(ctx context.Context, streamID string, t time.Time) (model.Watermark, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO watermarks (stream_id, watermark_ms, updated_at) VALUES (?, ?, ?)`,
		streamID, toMillis(t), formatTime(s.now()),
	)
	if err != nil {
		return model.Watermark{}, fmt.Errorf("initializing watermark %s: %w", streamID, err)
	}
	return s.GetWatermark(ctx, streamID)
}

// ResetWatermark moves the cursor of streamID to t unconditionally. It is an
// operator action; batch commits never move a cursor back. With requeue set,
// messages of the stream at or after t are returned to pending in the same
// transaction so the next batches fetch them again. It returns the number of
// requeued messages.
func (s *Store) ResetWatermark(ctx context.Context, streamID string, t time.Time, requeue bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("resetting watermark %s: %w", streamID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watermarks (stream_id, watermark_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET watermark_ms = excluded.watermark_ms, updated_at = excluded.updated_at`,
		streamID, toMillis(t), formatTime(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting watermark %s: %w", streamID, err)
	}

	var requeued int64
	if requeue {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET processing_status = ? WHERE stream_id = ? AND timestamp_ms >= ? AND processing_status <> ?`,
			model.MessagePending, streamID, toMillis(t), model.MessagePending,
		)
		if err != nil {
			return 0, fmt.Errorf("requeueing messages of %s: %w", streamID, err)
		}
		if requeued, err = res.RowsAffected(); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("resetting watermark %s: %w", streamID, err)
	}
	return int(requeued), nil
}

// advanceWatermark moves the cursor forward inside tx. MAX keeps it monotonic.
func advanceWatermark(ctx context.Context, tx *sql.Tx, streamID string, t, lastProcessed time.Time, now time.Time) error {
	var last sql.NullInt64
	if !lastProcessed.IsZero() {
		last = sql.NullInt64{Int64: toMillis(lastProcessed), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO watermarks (stream_id, watermark_ms, last_processed_ms, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			watermark_ms = MAX(watermarks.watermark_ms, excluded.watermark_ms),
			last_processed_ms = COALESCE(excluded.last_processed_ms, watermarks.last_processed_ms),
			updated_at = excluded.updated_at`,
		streamID, toMillis(t), last, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("advancing watermark %s: %w", streamID, err)
	}
	return nil
}
