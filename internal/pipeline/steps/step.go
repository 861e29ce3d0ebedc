// Package steps implements the built-in pipeline step kinds and registers
// them with a pipeline.Registry.
package steps

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/pipeline"
)

// base carries what every step shares.
type base struct {
	id   string
	typ  string
	meta pipeline.Metadata
	log  *slog.Logger
}

func newBase(id, typ string, meta pipeline.Metadata, deps pipeline.Deps) base {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return base{id: id, typ: typ, meta: meta, log: log.With("step_id", id, "step_type", typ)}
}

func (b base) ID() string                  { return b.id }
func (b base) Type() string                { return b.typ }
func (b base) Metadata() pipeline.Metadata { return b.meta }

// itemError builds a per-item failure for this step.
func (b base) itemError(itemID string, err error) pipeline.StepError {
	return pipeline.StepError{StepID: b.id, ItemID: itemID, Message: err.Error()}
}

// llmSettings are the model knobs shared by steps that call the model.
type llmSettings struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `json:"maxTokens" validate:"min=0,max=32768"`
}

func (s llmSettings) request(system, user string) llm.Request {
	return llm.Request{
		Model:        s.Model,
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}
}

func requireLLM(id string, deps pipeline.Deps) error {
	if deps.LLM == nil {
		return pipeline.Permanentf("step %s: model invocation service is required", id)
	}
	return nil
}

func compilePatterns(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, pipeline.Permanent(fmt.Errorf("invalid config: %s pattern %q: %w", field, p, err))
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) *regexp.Regexp {
	for _, re := range res {
		if re.MatchString(s) {
			return re
		}
	}
	return nil
}
