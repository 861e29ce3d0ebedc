package retrieval

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// EmbedEngine produces embedding vectors. *ollama.Client implements it.
type EmbedEngine interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// BatchEmbedEngine is an EmbedEngine that can embed several texts in one
// call. *ollama.Client implements it.
type BatchEmbedEngine interface {
	EmbedEngine
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Task prefixes for asymmetric retrieval models. nomic-embed-text ranks
// noticeably worse when queries and documents are embedded without them.
const (
	queryPrefix    = "search_query: "
	documentPrefix = "search_document: "
)

const (
	// maxParallelEmbeds bounds concurrent calls into the local model server.
	maxParallelEmbeds = 4
	// embedBatchSize is the number of texts sent per EmbedMany call.
	embedBatchSize = 32
)

// Embedder binds an EmbedEngine to one embedding model and applies the
// model's task prefixes.
type Embedder struct {
	engine   EmbedEngine
	model    string
	prefixed bool
}

// NewEmbedder creates an Embedder for model. Task prefixes are applied
// when the model name starts with "nomic-embed".
func NewEmbedder(e EmbedEngine, model string) *Embedder {
	return &Embedder{
		engine:   e,
		model:    model,
		prefixed: strings.HasPrefix(model, "nomic-embed"),
	}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// EmbedQuery embeds a search query, such as a thread's search criteria.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, e.withPrefix(queryPrefix, query))
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding query: model %s returned an empty vector", e.model)
	}
	return vec, nil
}

// EmbedDocuments embeds documentation chunks concurrently. All returned
// vectors have the same dimension; nil input yields nil.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = e.withPrefix(documentPrefix, t)
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelEmbeds)

	if be, ok := e.engine.(BatchEmbedEngine); ok {
		for start := 0; start < len(prefixed); start += embedBatchSize {
			end := min(start+embedBatchSize, len(prefixed))
			g.Go(func() error {
				vecs, err := be.EmbedMany(gCtx, e.model, prefixed[start:end])
				if err != nil {
					return fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
				}
				copy(results[start:end], vecs)
				return nil
			})
		}
	} else {
		for i, text := range prefixed {
			g.Go(func() error {
				vec, err := e.engine.Embed(gCtx, e.model, text)
				if err != nil {
					return fmt.Errorf("embedding chunk %d: %w", i, err)
				}
				results[i] = vec
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(results[0])
	for i, v := range results {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("embedding chunk %d: dimension %d, want %d", i, len(v), dim)
		}
	}
	return results, nil
}

func (e *Embedder) withPrefix(prefix, text string) string {
	if !e.prefixed {
		return text
	}
	return prefix + text
}
