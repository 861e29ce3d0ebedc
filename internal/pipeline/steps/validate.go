package steps

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

// FormatConfig configures format validation of suggested text.
type FormatConfig struct {
	llmSettings

	// MaxRetries bounds the reformat calls per malformed proposal.
	MaxRetries int `json:"maxRetries" validate:"min=0,max=5"`

	// SkipPatterns exempt proposals whose page or text matches.
	SkipPatterns []string `json:"skipPatterns"`
}

var defaultSkipPatterns = []string{
	`\.min\.(js|css)$`,
	`(^|/)(vendor|node_modules|dist)/`,
}

func defaultFormatConfig() FormatConfig {
	return FormatConfig{
		MaxRetries:   1,
		SkipPatterns: append([]string(nil), defaultSkipPatterns...),
	}
}

type reformatResponse struct {
	Text string `json:"text"`
}

var reformatSchema = llm.Object(map[string]*llm.Schema{
	"text": llm.String("The repaired content"),
}, "text")

// Validate checks suggested text against the format of its target page and
// asks the model to repair malformed text.
type Validate struct {
	base
	cfg  FormatConfig
	skip []*regexp.Regexp
	llm  pipeline.LLM
}

// NewValidate builds a Validate step.
func NewValidate(id string, raw map[string]any, deps pipeline.Deps) (pipeline.Step, error) {
	cfg := defaultFormatConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxRetries > 0 {
		if err := requireLLM(id, deps); err != nil {
			return nil, err
		}
	}
	skip, err := compilePatterns("skipPatterns", cfg.SkipPatterns)
	if err != nil {
		return nil, err
	}
	return &Validate{
		base: newBase(id, pipeline.TypeValidate, pipeline.Metadata{
			Name:        "Format validator",
			Description: "Checks Markdown, JSON and YAML in suggested text and repairs it",
			UsesLLM:     true,
		}, deps),
		cfg:  cfg,
		skip: skip,
		llm:  deps.LLM,
	}, nil
}

func (v *Validate) ValidateConfig(raw map[string]any) error {
	cfg := defaultFormatConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	_, err := compilePatterns("skipPatterns", cfg.SkipPatterns)
	return err
}

func (v *Validate) Execute(ctx context.Context, ec *pipeline.ExecContext) error {
	out := make(map[string][]model.Proposal, len(ec.Proposals))
	var itemErrs []pipeline.StepError
	repaired := 0

	for _, threadID := range slices.Sorted(maps.Keys(ec.Proposals)) {
		ps := ec.Proposals[threadID]
		checked := make([]model.Proposal, len(ps))
		for i, p := range ps {
			fixed, err := v.validate(ctx, ec, p)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				itemErrs = append(itemErrs, v.itemError(threadID, err))
				v.log.Warn("reformat failed", "thread_id", threadID, "page", p.Page, "error", err)
			}
			if fixed.SuggestedText != p.SuggestedText {
				repaired++
			}
			checked[i] = fixed
		}
		out[threadID] = checked
	}

	v.log.Info("validated proposals", "batch_id", ec.BatchID, "proposals", ec.ProposalCount(), "repaired", repaired)
	ec.Proposals = out
	ec.AddErrors(itemErrs...)
	return nil
}

// validate returns p with its text repaired where possible. On failure the
// returned proposal still carries a warning.
func (v *Validate) validate(ctx context.Context, ec *pipeline.ExecContext, p model.Proposal) (model.Proposal, error) {
	if p.UpdateType == model.UpdateDelete || p.SuggestedText == "" {
		return p, nil
	}
	if matchAny(v.skip, p.Page) != nil || matchAny(v.skip, p.SuggestedText) != nil {
		return p, nil
	}
	format := formatOf(p.Page)
	if format == "" {
		return p, nil
	}

	problem := checkFormat(format, p.SuggestedText)
	text := p.SuggestedText
	var callErr error
	for attempt := 0; problem != nil && attempt < v.cfg.MaxRetries; attempt++ {
		var out reformatResponse
		req := v.cfg.request(fmt.Sprintf(reformatSystemPrompt, format), fmt.Sprintf("Problem: %s\n\n%s", problem, text))
		req.MessageIDs = p.SourceMessages
		resp, err := v.llm.RequestJSON(ctx, req, reformatSchema, ec.CachePurpose(cache.PurposeReview), &out)
		if err != nil {
			callErr = err
			break
		}
		if !resp.Cached {
			ec.RecordLLMCall(resp.TokensUsed)
		}
		text = out.Text
		problem = checkFormat(format, text)
	}

	if problem != nil {
		p.Warnings = slices.Clone(p.Warnings)
		p.AddWarning(fmt.Sprintf("suggested text is not valid %s: %v", format, problem))
		return p, callErr
	}
	p.SuggestedText = text
	return p, nil
}
