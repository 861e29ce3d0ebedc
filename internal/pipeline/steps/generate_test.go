package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

type rawProposal struct {
	UpdateType    string `json:"update_type"`
	Page          string `json:"page"`
	SuggestedText string `json:"suggested_text,omitempty"`
	Reasoning     string `json:"reasoning"`
}

func proposalsReply(ps ...rawProposal) map[string]any {
	return map[string]any{"proposals": ps, "proposals_rejected": false}
}

// generateContext returns a context with n threads that each have one
// RAG document, plus one thread without documents.
func generateContext(n int) *pipeline.ExecContext {
	msgs := []model.Message{msg("m1", "alice", "installer crashes on arm", 0)}
	ec := pipeline.NewExecContext("b", msgs, nil)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("t%d", i)
		ec.Threads = append(ec.Threads, model.Thread{ID: id, Category: "troubleshooting", MessageIDs: []string{"m1"}, Summary: "summary " + id})
		ec.RagResults[id] = []model.RagDocument{{Title: "Install", FilePath: "docs/install.md", Content: "steps", Similarity: 0.9}}
	}
	ec.Threads = append(ec.Threads, model.Thread{ID: "no-docs", MessageIDs: []string{"m1"}, Summary: "ungrounded"})
	return ec
}

func TestGenerate(t *testing.T) {
	fake := &fakeLLM{reply: func(int, llm.Request) (any, error) {
		return proposalsReply(
			rawProposal{UpdateType: "UPDATE", Page: "docs/install.md", SuggestedText: "Use the arm64 build.", Reasoning: "crash"},
			rawProposal{UpdateType: "NONE", Page: "docs/install.md", Reasoning: "nothing"},
			rawProposal{UpdateType: "insert", Page: "docs/faq.md", SuggestedText: "Set token: abcdefghijklmnop", Reasoning: "faq"},
		), nil
	}}
	s := mustStep(t, NewGenerate, "generate", nil, testDeps(fake, nil))
	ec := generateContext(1)
	ec.CachingEnabled = true

	if err := s.Execute(context.Background(), ec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fake.count() != 1 {
		t.Errorf("calls = %d, want 1 (thread without documents must be skipped)", fake.count())
	}
	if _, ok := ec.Proposals["no-docs"]; ok {
		t.Error("proposals generated for a thread without documents")
	}

	ps := ec.Proposals["t1"]
	if len(ps) != 2 {
		t.Fatalf("got %d proposals, want 2 (NONE dropped): %+v", len(ps), ps)
	}
	if ps[0].UpdateType != model.UpdateUpdate || ps[0].ThreadID != "t1" || len(ps[0].Warnings) != 0 {
		t.Errorf("first proposal = %+v", ps[0])
	}
	if strings.Join(ps[0].SourceMessages, ",") != "m1" {
		t.Errorf("source messages = %v", ps[0].SourceMessages)
	}
	if ps[1].UpdateType != model.UpdateInsert || len(ps[1].Warnings) != 1 || !strings.Contains(ps[1].Warnings[0], "blocked pattern") {
		t.Errorf("flagged proposal = %+v", ps[1])
	}
	if fake.calls[0].purpose != "generation" {
		t.Errorf("purpose = %q", fake.calls[0].purpose)
	}
	if !strings.Contains(fake.calls[0].req.UserPrompt, "docs/install.md") {
		t.Error("RAG context missing from prompt")
	}
}

func TestGenerate_Limits(t *testing.T) {
	four := func(int, llm.Request) (any, error) {
		var ps []rawProposal
		for i := 0; i < 4; i++ {
			ps = append(ps, rawProposal{UpdateType: "UPDATE", Page: fmt.Sprintf("docs/p%d.md", i), SuggestedText: "x", Reasoning: "r"})
		}
		return proposalsReply(ps...), nil
	}

	tests := []struct {
		name      string
		perThread int
		perBatch  int
		want      map[string]int
		wantCalls int
	}{
		{"per thread cap", 2, 50, map[string]int{"t1": 2, "t2": 2, "t3": 2}, 3},
		{"batch cap truncates then skips", 3, 5, map[string]int{"t1": 3, "t2": 2}, 2},
		{"batch cap reached exactly", 3, 3, map[string]int{"t1": 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeLLM{reply: four}
			s := mustStep(t, NewGenerate, "generate", map[string]any{
				"maxProposalsPerThread": tt.perThread,
				"maxProposalsPerBatch":  tt.perBatch,
			}, testDeps(fake, nil))
			ec := generateContext(3)
			if err := s.Execute(context.Background(), ec); err != nil {
				t.Fatal(err)
			}
			if fake.count() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", fake.count(), tt.wantCalls)
			}
			if len(ec.Proposals) != len(tt.want) {
				t.Errorf("threads with proposals = %d, want %d", len(ec.Proposals), len(tt.want))
			}
			for id, n := range tt.want {
				if got := len(ec.Proposals[id]); got != n {
					t.Errorf("%s: %d proposals, want %d", id, got, n)
				}
			}
			if total := ec.ProposalCount(); total > tt.perBatch {
				t.Errorf("total %d exceeds batch cap %d", total, tt.perBatch)
			}
		})
	}
}

func TestGenerate_ThreadFailureIsolated(t *testing.T) {
	fake := &fakeLLM{reply: func(_ int, req llm.Request) (any, error) {
		if strings.Contains(req.UserPrompt, "summary t2") {
			return nil, errors.New("model timeout")
		}
		return proposalsReply(rawProposal{UpdateType: "UPDATE", Page: "docs/install.md", SuggestedText: "x", Reasoning: "r"}), nil
	}}
	s := mustStep(t, NewGenerate, "generate", nil, testDeps(fake, nil))
	ec := generateContext(3)
	if err := s.Execute(context.Background(), ec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ec.Proposals["t1"]) != 1 || len(ec.Proposals["t3"]) != 1 {
		t.Errorf("proposals = %+v", ec.Proposals)
	}
	if ps, ok := ec.Proposals["t2"]; !ok || len(ps) != 0 {
		t.Errorf("t2 proposals = %v, want empty list", ps)
	}
	if len(ec.Errors) != 1 || ec.Errors[0].ItemID != "t2" {
		t.Errorf("errors = %+v", ec.Errors)
	}
}

func TestGenerate_Rejection(t *testing.T) {
	fake := &fakeLLM{reply: func(int, llm.Request) (any, error) {
		return map[string]any{"proposals": []any{}, "proposals_rejected": true, "rejection_reason": "already documented"}, nil
	}}
	s := mustStep(t, NewGenerate, "generate", nil, testDeps(fake, nil))
	ec := generateContext(1)
	if err := s.Execute(context.Background(), ec); err != nil {
		t.Fatal(err)
	}
	if ec.Rejections["t1"] != "already documented" || len(ec.Proposals["t1"]) != 0 {
		t.Errorf("rejections = %v proposals = %v", ec.Rejections, ec.Proposals)
	}
}

func TestGenerate_SchemaErrorIsPermanent(t *testing.T) {
	fake := &fakeLLM{reply: func(int, llm.Request) (any, error) {
		return nil, &llm.SchemaError{Path: "$.proposals", Msg: "expected array"}
	}}
	s := mustStep(t, NewGenerate, "generate", nil, testDeps(fake, nil))
	err := s.Execute(context.Background(), generateContext(1))
	if !pipeline.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestGenerate_LowercaseUpdateType(t *testing.T) {
	reply := proposalsReply(rawProposal{UpdateType: "update", Page: "docs/install.md", SuggestedText: "Use arm64.", Reasoning: "crash"})

	// The reply must pass the schema the service checks before decoding.
	data, _ := json.Marshal(reply)
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatal(err)
	}
	if err := generateSchema.Validate(generic); err != nil {
		t.Fatalf("lowercase update_type rejected by schema: %v", err)
	}

	fake := &fakeLLM{reply: func(int, llm.Request) (any, error) { return reply, nil }}
	s := mustStep(t, NewGenerate, "generate", nil, testDeps(fake, nil))
	ec := generateContext(1)
	if err := s.Execute(context.Background(), ec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ps := ec.Proposals["t1"]; len(ps) != 1 || ps[0].UpdateType != model.UpdateUpdate {
		t.Errorf("proposals = %+v", ps)
	}
}

func TestGenerate_InvalidBlockPattern(t *testing.T) {
	_, err := NewGenerate("generate", map[string]any{"blockPatterns": []string{"("}}, testDeps(&fakeLLM{}, nil))
	if !pipeline.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
