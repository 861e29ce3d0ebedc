package steps

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"unicode/utf8"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

// Tier is a length budget for categories whose priority is at least MinPriority.
type Tier struct {
	MinPriority  int `json:"minPriority" validate:"min=0,max=100"`
	MaxLength    int `json:"maxLength" validate:"min=1"`
	TargetLength int `json:"targetLength" validate:"min=1,ltefield=MaxLength"`
}

// CondenseConfig configures priority-tiered length limits.
type CondenseConfig struct {
	llmSettings
	Tiers            []Tier         `json:"tiers" validate:"min=1,dive"`
	CategoryPriority map[string]int `json:"categoryPriority" validate:"dive,min=0,max=100"`
	DefaultPriority  int            `json:"defaultPriority" validate:"min=0,max=100"`
}

func defaultCondenseConfig() CondenseConfig {
	return CondenseConfig{
		llmSettings: llmSettings{Temperature: 0.2},
		Tiers: []Tier{
			{MinPriority: 80, MaxLength: 3000, TargetLength: 2000},
			{MinPriority: 50, MaxLength: 2000, TargetLength: 1200},
			{MinPriority: 0, MaxLength: 1200, TargetLength: 800},
		},
		CategoryPriority: map[string]int{
			"troubleshooting": 90,
			"bug-report":      80,
			"configuration":   70,
			"how-to":          60,
			"feature-request": 40,
			"announcement":    30,
			"other":           10,
		},
		DefaultPriority: 20,
	}
}

type condenseResponse struct {
	CondensedText string `json:"condensed_text"`
}

var condenseSchema = llm.Object(map[string]*llm.Schema{
	"condensed_text": llm.String("The shortened content"),
}, "condensed_text")

// Condense shortens suggested text that exceeds the length budget of its
// thread's category tier. Each over-budget proposal gets exactly one model
// call and the reply is taken as is.
type Condense struct {
	base
	cfg   CondenseConfig
	tiers []Tier
	llm   pipeline.LLM
}

// NewCondense builds a Condense step.
func NewCondense(id string, raw map[string]any, deps pipeline.Deps) (pipeline.Step, error) {
	cfg := defaultCondenseConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if err := requireLLM(id, deps); err != nil {
		return nil, err
	}
	tiers := slices.Clone(cfg.Tiers)
	slices.SortFunc(tiers, func(a, b Tier) int { return b.MinPriority - a.MinPriority })
	return &Condense{
		base: newBase(id, pipeline.TypeCondense, pipeline.Metadata{
			Name:        "Length condenser",
			Description: "Shortens suggested text to the budget of its category tier",
			UsesLLM:     true,
		}, deps),
		cfg:   cfg,
		tiers: tiers,
		llm:   deps.LLM,
	}, nil
}

func (c *Condense) ValidateConfig(raw map[string]any) error {
	cfg := defaultCondenseConfig()
	return pipeline.DecodeConfig(raw, &cfg)
}

// tierFor returns the highest tier whose MinPriority the category meets.
func (c *Condense) tierFor(category string) (Tier, bool) {
	prio, ok := c.cfg.CategoryPriority[category]
	if !ok {
		prio = c.cfg.DefaultPriority
	}
	for _, t := range c.tiers {
		if prio >= t.MinPriority {
			return t, true
		}
	}
	return Tier{}, false
}

func (c *Condense) Execute(ctx context.Context, ec *pipeline.ExecContext) error {
	categories := make(map[string]string, len(ec.Threads))
	for _, t := range ec.Threads {
		categories[t.ID] = t.Category
	}

	out := make(map[string][]model.Proposal, len(ec.Proposals))
	var itemErrs []pipeline.StepError
	condensed := 0

	for _, threadID := range slices.Sorted(maps.Keys(ec.Proposals)) {
		ps := ec.Proposals[threadID]
		tier, ok := c.tierFor(categories[threadID])
		next := slices.Clone(ps)
		if !ok {
			out[threadID] = next
			continue
		}
		for i, p := range next {
			length := utf8.RuneCountInString(p.SuggestedText)
			if length <= tier.MaxLength {
				continue
			}
			text, err := c.condense(ctx, ec, p, tier)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				itemErrs = append(itemErrs, c.itemError(threadID, err))
				c.log.Warn("condensation failed", "thread_id", threadID, "page", p.Page, "error", err)
				continue
			}
			if n := utf8.RuneCountInString(text); n >= length {
				p.Warnings = slices.Clone(p.Warnings)
				p.AddWarning(fmt.Sprintf("condensed text is not shorter than the original (%d >= %d characters)", n, length))
				c.log.Warn("condensation did not shorten text", "thread_id", threadID, "page", p.Page, "before", length, "after", n)
			} else if n > tier.MaxLength {
				p.Warnings = slices.Clone(p.Warnings)
				p.AddWarning(fmt.Sprintf("condensed text still exceeds %d characters", tier.MaxLength))
			}
			p.SuggestedText = text
			next[i] = p
			condensed++
		}
		out[threadID] = next
	}

	c.log.Info("condensed proposals", "batch_id", ec.BatchID, "condensed", condensed)
	ec.Proposals = out
	ec.AddErrors(itemErrs...)
	return nil
}

func (c *Condense) condense(ctx context.Context, ec *pipeline.ExecContext, p model.Proposal, tier Tier) (string, error) {
	var out condenseResponse
	req := c.cfg.request(fmt.Sprintf(condenseSystemPrompt, tier.MaxLength, tier.TargetLength), p.SuggestedText)
	req.MessageIDs = p.SourceMessages
	resp, err := c.llm.RequestJSON(ctx, req, condenseSchema, ec.CachePurpose(cache.PurposeGeneral), &out)
	if err != nil {
		return "", err
	}
	if !resp.Cached {
		ec.RecordLLMCall(resp.TokensUsed)
	}
	return out.CondensedText, nil
}
