package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/docminer/internal/model"
)

// MessageQuery selects messages of one stream with From <= timestamp < To.
type MessageQuery struct {
	StreamID string
	From     time.Time
	To       time.Time
	Limit    int

	// PendingOnly skips messages already marked processed.
	PendingOnly bool

	// Newest keeps the most recent Limit messages instead of the oldest.
	// Results are still returned in chronological order.
	Newest bool
}

// SaveMessages inserts messages, ignoring ids that already exist.
// It returns the number of newly inserted rows.
func (s *Store) SaveMessages(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (id, stream_id, timestamp_ms, author, content, channel, raw_data, processing_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(s.now())
	inserted := 0
	for _, m := range msgs {
		if m.ID == "" || m.StreamID == "" {
			return 0, fmt.Errorf("message id and stream id are required")
		}
		status := m.ProcessingStatus
		if status == "" {
			status = model.MessagePending
		}
		var raw sql.NullString
		if len(m.RawData) > 0 {
			raw = sql.NullString{String: string(m.RawData), Valid: true}
		}
		res, err := stmt.ExecContext(ctx, m.ID, m.StreamID, toMillis(m.Timestamp), m.Author, m.Content, m.Channel, raw, status, now)
		if err != nil {
			return 0, fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing messages: %w", err)
	}
	return inserted, nil
}

// FetchMessages returns the messages matching q in ascending timestamp order.
func (s *Store) FetchMessages(ctx context.Context, q MessageQuery) ([]model.Message, error) {
	query := `SELECT id, stream_id, timestamp_ms, author, content, channel, raw_data, processing_status
		FROM messages WHERE stream_id = ? AND timestamp_ms >= ? AND timestamp_ms < ?`
	args := []any{q.StreamID, toMillis(q.From), toMillis(q.To)}
	if q.PendingOnly {
		query += ` AND processing_status = ?`
		args = append(args, model.MessagePending)
	}
	if q.Newest {
		query += ` ORDER BY timestamp_ms DESC, id DESC`
	} else {
		query += ` ORDER BY timestamp_ms ASC, id ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var ts int64
		var raw sql.NullString
		if err := rows.Scan(&m.ID, &m.StreamID, &ts, &m.Author, &m.Content, &m.Channel, &raw, &m.ProcessingStatus); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp = fromMillis(ts)
		if raw.Valid {
			m.RawData = []byte(raw.String)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.Newest {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// CountMessages returns the number of messages per processing status for a stream.
func (s *Store) CountMessages(ctx context.Context, streamID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT processing_status, COUNT(*) FROM messages WHERE stream_id = ? GROUP BY processing_status`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
