package steps

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

type llmCall struct {
	req     llm.Request
	schema  *llm.Schema
	purpose string
}

// fakeLLM answers RequestJSON with whatever reply returns, encoded into out
// the way the real service decodes model output.
type fakeLLM struct {
	mu    sync.Mutex
	calls []llmCall
	reply func(call int, req llm.Request) (any, error)
}

func (f *fakeLLM) RequestJSON(_ context.Context, req llm.Request, schema *llm.Schema, purpose string, out any) (llm.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{req: req, schema: schema, purpose: purpose})
	n := len(f.calls)
	f.mu.Unlock()

	v, err := f.reply(n, req)
	if err != nil {
		return llm.Response{}, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return llm.Response{}, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Content: string(data), ModelUsed: "test-model", TokensUsed: 10}, nil
}

func (f *fakeLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRetrieval struct {
	search func(query string, topK int) ([]model.RagDocument, error)
}

func (f *fakeRetrieval) Search(_ context.Context, query string, topK int) ([]model.RagDocument, error) {
	return f.search(query, topK)
}

func testDeps(l pipeline.LLM, r *fakeRetrieval) pipeline.Deps {
	deps := pipeline.Deps{LLM: l, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if r != nil {
		deps.Retrieval = r
	}
	return deps
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func msg(id, author, content string, offset time.Duration) model.Message {
	return model.Message{ID: id, StreamID: "s", Author: author, Content: content, Timestamp: t0.Add(offset)}
}

func mustStep(t *testing.T, f pipeline.Factory, id string, cfg map[string]any, deps pipeline.Deps) pipeline.Step {
	t.Helper()
	s, err := f(id, cfg, deps)
	if err != nil {
		t.Fatalf("building %s: %v", id, err)
	}
	return s
}
