package steps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

// scriptedModel answers each kind of prompt the default pipeline sends.
func scriptedModel(classify func(req llm.Request) any, generate func(req llm.Request) (any, error)) *fakeLLM {
	return &fakeLLM{reply: func(_ int, req llm.Request) (any, error) {
		switch req.SystemPrompt {
		case classifySystemPrompt:
			return classify(req), nil
		case generateSystemPrompt:
			return generate(req)
		}
		return nil, errors.New("unexpected prompt")
	}}
}

func newDefaultOrchestrator(t *testing.T, deps pipeline.Deps) *pipeline.Orchestrator {
	t.Helper()
	o, err := pipeline.New(pipeline.DefaultConfig(), NewRegistry(), deps,
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		pipeline.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return o
}

func TestDefaultPipeline_SingleProposal(t *testing.T) {
	fake := scriptedModel(
		func(llm.Request) any {
			return threadsReply(rawThread{
				Category:       "troubleshooting",
				MessageIDs:     []string{"m2"},
				Summary:        "Installer fails on ARM",
				DocValueReason: "common failure",
				Criteria:       map[string]any{"keywords": []string{"install"}, "semantic_query": "install on arm"},
			})
		},
		func(llm.Request) (any, error) {
			return proposalsReply(rawProposal{UpdateType: "UPDATE", Page: "docs/install.md", SuggestedText: "Use the arm64 package.", Reasoning: "users hit this"}), nil
		},
	)
	retrieval := &fakeRetrieval{search: func(string, int) ([]model.RagDocument, error) {
		return []model.RagDocument{
			{Title: "Install", FilePath: "docs/install.md", Content: "Download the package", Similarity: 0.82},
			{Title: "Platforms", FilePath: "docs/platforms.md", Content: "Supported platforms", Similarity: 0.71},
		}, nil
	}}

	o := newDefaultOrchestrator(t, testDeps(fake, retrieval))
	msgs := []model.Message{
		msg("m1", "alice", "good morning everyone", 0),
		msg("m2", "bob", "the installer crashes on my ARM laptop", time.Hour),
		msg("m3", "carol", "same, had to build from source", 2*time.Hour),
	}
	res, err := o.Execute(context.Background(), pipeline.NewExecContext("batch_1", msgs, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Status != model.RunCompleted {
		t.Fatalf("result = %+v", res)
	}
	if res.MessagesProcessed != 3 || res.ThreadsCreated != 1 || res.ProposalsGenerated != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/1/1", res.MessagesProcessed, res.ThreadsCreated, res.ProposalsGenerated)
	}
	if res.Metrics.LLMCalls != 2 {
		t.Errorf("llm calls = %d, want 2", res.Metrics.LLMCalls)
	}
	if len(res.Metrics.StepDurations) != 6 {
		t.Errorf("step durations = %v", res.Metrics.StepDurations)
	}
}

func TestDefaultPipeline_GenerateFailsOnOneThread(t *testing.T) {
	fake := scriptedModel(
		func(llm.Request) any {
			return threadsReply(
				rawThread{Category: "troubleshooting", MessageIDs: []string{"m1"}, Summary: "first"},
				rawThread{Category: "troubleshooting", MessageIDs: []string{"m2"}, Summary: "second"},
				rawThread{Category: "troubleshooting", MessageIDs: []string{"m3"}, Summary: "third"},
			)
		},
		func(req llm.Request) (any, error) {
			if strings.Contains(req.UserPrompt, "Summary: second") {
				return nil, errors.New("model returned garbage")
			}
			return proposalsReply(rawProposal{UpdateType: "UPDATE", Page: "docs/install.md", SuggestedText: "fixed", Reasoning: "r"}), nil
		},
	)
	retrieval := &fakeRetrieval{search: func(string, int) ([]model.RagDocument, error) {
		return []model.RagDocument{{Title: "Install", FilePath: "docs/install.md", Content: "text", Similarity: 0.9}}, nil
	}}

	o := newDefaultOrchestrator(t, testDeps(fake, retrieval))
	msgs := []model.Message{
		msg("m1", "a", "installer crashes on start", 0),
		msg("m2", "b", "proxy settings are ignored", time.Hour),
		msg("m3", "c", "docs link on the homepage is dead", 2*time.Hour),
	}
	ec := pipeline.NewExecContext("batch_2", msgs, nil)
	res, err := o.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Status != model.RunCompleted {
		t.Errorf("success = %v status = %s, want false/completed", res.Success, res.Status)
	}
	if len(res.Errors) != 1 || res.Errors[0].ItemID != "batch_2_t2" {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if len(ec.Proposals["batch_2_t1"]) != 1 || len(ec.Proposals["batch_2_t3"]) != 1 {
		t.Errorf("proposals = %+v", ec.Proposals)
	}
	if ps, ok := ec.Proposals["batch_2_t2"]; !ok || len(ps) != 0 {
		t.Errorf("failed thread proposals = %v, want empty list", ps)
	}
	if res.ProposalsGenerated != 2 {
		t.Errorf("proposals generated = %d, want 2", res.ProposalsGenerated)
	}
}

func TestNewRegistry(t *testing.T) {
	got := strings.Join(NewRegistry().Types(), ",")
	want := "classify,condense,enrich,filter,generate,validate"
	if got != want {
		t.Errorf("types = %s, want %s", got, want)
	}
}
