// Package retrieval provides the documentation search the Enrich step uses:
// a Service contract and a SQLite-backed index with brute-force cosine
// similarity over embedded documentation chunks.
package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/docminer/internal/model"
)

// Service returns the topK documents most similar to query, ordered by
// descending similarity.
type Service interface {
	Search(ctx context.Context, query string, topK int) ([]model.RagDocument, error)
}

// Compile-time check that SQLiteIndex implements Service.
var _ Service = (*SQLiteIndex)(nil)

// Chunk is one embedded section of a documentation file.
type Chunk struct {
	ID        string
	Title     string
	FilePath  string
	Content   string
	Embedding []float32
}

// SQLiteIndex stores documentation chunks in the doc_chunks table and
// searches them by cosine similarity.
//
// The scan is linear in the number of chunks, which is fine for a product's
// documentation set.
type SQLiteIndex struct {
	db       *sql.DB
	embedder *Embedder
}

// NewSQLiteIndex wraps an existing *sql.DB. The doc_chunks table must
// already exist (created via storage migrations).
func NewSQLiteIndex(db *sql.DB, embedder *Embedder) *SQLiteIndex {
	return &SQLiteIndex{db: db, embedder: embedder}
}

// Insert adds chunks to the index, replacing chunks with the same ID.
func (x *SQLiteIndex) Insert(ctx context.Context, chunks []Chunk) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO doc_chunks (id, title, file_path, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Title, c.FilePath, c.Content, encodeFloat32s(c.Embedding), now); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteFile removes every chunk of filePath and returns how many were removed.
func (x *SQLiteIndex) DeleteFile(ctx context.Context, filePath string) (int, error) {
	res, err := x.db.ExecContext(ctx, "DELETE FROM doc_chunks WHERE file_path = ?", filePath)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", filePath, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of indexed chunks.
func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM doc_chunks").Scan(&count)
	return count, err
}

// Search embeds query and returns the topK most similar chunks.
func (x *SQLiteIndex) Search(ctx context.Context, query string, topK int) ([]model.RagDocument, error) {
	if x.embedder == nil {
		return nil, fmt.Errorf("search: no embedder configured")
	}
	vec, err := x.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return x.SearchVector(ctx, vec, topK)
}

// idScore holds only the ID and score during the scan phase of SearchVector.
// Full chunk details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// SearchVector performs brute-force cosine similarity search over all
// chunks. Similarity is clamped to [0,1].
func (x *SQLiteIndex) SearchVector(ctx context.Context, vector []float32, topK int) ([]model.RagDocument, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := x.db.QueryContext(ctx, `SELECT id, embedding FROM doc_chunks`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full chunks only for the top-K IDs, best first.
	topIDs := make([]string, h.Len())
	scores := make([]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[i] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullRows, err := x.db.QueryContext(ctx, `SELECT id, title, file_path, content
		FROM doc_chunks WHERE id IN (?`+strings.Repeat(",?", len(topIDs)-1)+`)`, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	byID := make(map[string]model.RagDocument, len(topIDs))
	for fullRows.Next() {
		var id string
		var d model.RagDocument
		if err := fullRows.Scan(&id, &d.Title, &d.FilePath, &d.Content); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		byID[id] = d
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// The IN query doesn't preserve order, so rebuild it from topIDs.
	docs := make([]model.RagDocument, 0, len(topIDs))
	for i, id := range topIDs {
		d, ok := byID[id]
		if !ok {
			continue
		}
		d.Similarity = clamp01(float64(scores[i]))
		docs = append(docs, d)
	}
	return docs, nil
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
