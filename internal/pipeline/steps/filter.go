package steps

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

// FilterConfig selects which batch messages reach classification.
type FilterConfig struct {
	// IncludeKeywords keeps only messages containing at least one keyword.
	// Empty keeps everything.
	IncludeKeywords []string `json:"includeKeywords"`
	ExcludeKeywords []string `json:"excludeKeywords"`
	ExcludeAuthors  []string `json:"excludeAuthors"`
	CaseSensitive   bool     `json:"caseSensitive"`
	MinLength       int      `json:"minLength" validate:"min=0,max=10000"`
}

func defaultFilterConfig() FilterConfig {
	return FilterConfig{MinLength: 10}
}

// Filter drops messages by keyword, author and length. It never calls the model.
type Filter struct {
	base
	cfg FilterConfig
}

// NewFilter builds a Filter step.
func NewFilter(id string, raw map[string]any, deps pipeline.Deps) (pipeline.Step, error) {
	cfg := defaultFilterConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if !cfg.CaseSensitive {
		cfg.IncludeKeywords = lowerAll(cfg.IncludeKeywords)
		cfg.ExcludeKeywords = lowerAll(cfg.ExcludeKeywords)
	}
	return &Filter{
		base: newBase(id, pipeline.TypeFilter, pipeline.Metadata{
			Name:        "Keyword filter",
			Description: "Removes messages that fail keyword, author or length rules",
		}, deps),
		cfg: cfg,
	}, nil
}

func (f *Filter) ValidateConfig(raw map[string]any) error {
	cfg := defaultFilterConfig()
	return pipeline.DecodeConfig(raw, &cfg)
}

func (f *Filter) Execute(_ context.Context, ec *pipeline.ExecContext) error {
	out := make([]model.Message, 0, len(ec.Messages))
	for _, m := range ec.Messages {
		if f.keep(m) {
			out = append(out, m)
		}
	}
	f.log.Debug("filtered messages", "in", len(ec.Messages), "out", len(out))
	ec.FilteredMessages = out
	return nil
}

func (f *Filter) keep(m model.Message) bool {
	content := strings.TrimSpace(m.Content)
	if utf8.RuneCountInString(content) < f.cfg.MinLength {
		return false
	}
	for _, a := range f.cfg.ExcludeAuthors {
		if strings.EqualFold(a, m.Author) {
			return false
		}
	}
	if !f.cfg.CaseSensitive {
		content = strings.ToLower(content)
	}
	for _, kw := range f.cfg.ExcludeKeywords {
		if strings.Contains(content, kw) {
			return false
		}
	}
	if len(f.cfg.IncludeKeywords) == 0 {
		return true
	}
	for _, kw := range f.cfg.IncludeKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
