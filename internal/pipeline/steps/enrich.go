package steps

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
	"github.com/kalambet/docminer/internal/retrieval"
)

// EnrichConfig configures documentation retrieval per thread.
type EnrichConfig struct {
	TopK          int     `json:"topK" validate:"min=1,max=50"`
	MinSimilarity float64 `json:"minSimilarity" validate:"min=0,max=1"`
	Dedupe        bool    `json:"dedupe"`
	Concurrency   int     `json:"concurrency" validate:"min=1,max=10"`
}

func defaultEnrichConfig() EnrichConfig {
	return EnrichConfig{TopK: 5, MinSimilarity: 0.5, Dedupe: true, Concurrency: 3}
}

// Enrich attaches retrieved documentation to each thread. Threads without
// hits get no entry and are skipped by Generate.
type Enrich struct {
	base
	cfg       EnrichConfig
	retrieval retrieval.Service
}

// NewEnrich builds an Enrich step.
func NewEnrich(id string, raw map[string]any, deps pipeline.Deps) (pipeline.Step, error) {
	cfg := defaultEnrichConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if deps.Retrieval == nil {
		return nil, pipeline.Permanentf("step %s: retrieval service is required", id)
	}
	return &Enrich{
		base: newBase(id, pipeline.TypeEnrich, pipeline.Metadata{
			Name:        "Documentation retrieval",
			Description: "Finds the documentation pages most similar to each thread",
		}, deps),
		cfg:       cfg,
		retrieval: deps.Retrieval,
	}, nil
}

func (e *Enrich) ValidateConfig(raw map[string]any) error {
	cfg := defaultEnrichConfig()
	return pipeline.DecodeConfig(raw, &cfg)
}

func (e *Enrich) Execute(ctx context.Context, ec *pipeline.ExecContext) error {
	if len(ec.Threads) == 0 {
		ec.RagResults = make(map[string][]model.RagDocument)
		return nil
	}

	var (
		mu       sync.Mutex
		results  = make(map[string][]model.RagDocument, len(ec.Threads))
		itemErrs []pipeline.StepError
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, t := range ec.Threads {
		g.Go(func() error {
			docs, err := e.search(gctx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				itemErrs = append(itemErrs, e.itemError(t.ID, err))
				e.log.Warn("retrieval failed", "thread_id", t.ID, "error", err)
				return nil
			}
			if len(docs) > 0 {
				results[t.ID] = docs
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(itemErrs) == len(ec.Threads) {
		return fmt.Errorf("retrieving documentation for %d threads: %w", len(ec.Threads), lastErr)
	}

	e.log.Info("retrieved documentation", "batch_id", ec.BatchID, "threads", len(ec.Threads), "with_docs", len(results))
	ec.RagResults = results
	ec.AddErrors(itemErrs...)
	return nil
}

func (e *Enrich) search(ctx context.Context, t model.Thread) ([]model.RagDocument, error) {
	query := searchQuery(t)
	if query == "" {
		return nil, nil
	}
	docs, err := e.retrieval.Search(ctx, query, e.cfg.TopK)
	if err != nil {
		return nil, err
	}
	kept := docs[:0:0]
	for _, d := range docs {
		if d.Similarity >= e.cfg.MinSimilarity {
			kept = append(kept, d)
		}
	}
	if e.cfg.Dedupe {
		kept = retrieval.Dedupe(kept)
	}
	return kept, nil
}

// searchQuery prefers the semantic query and appends keywords. Threads
// without criteria fall back to their summary.
func searchQuery(t model.Thread) string {
	parts := make([]string, 0, 2)
	if q := strings.TrimSpace(t.RagSearchCriteria.SemanticQuery); q != "" {
		parts = append(parts, q)
	}
	if len(t.RagSearchCriteria.Keywords) > 0 {
		parts = append(parts, strings.Join(t.RagSearchCriteria.Keywords, " "))
	}
	if len(parts) == 0 {
		return strings.TrimSpace(t.Summary)
	}
	return strings.Join(parts, " ")
}
