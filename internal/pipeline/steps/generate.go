package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

// GenerateConfig configures proposal generation.
type GenerateConfig struct {
	llmSettings
	MaxProposalsPerThread int `json:"maxProposalsPerThread" validate:"min=1,max=50"`
	MaxProposalsPerBatch  int `json:"maxProposalsPerBatch" validate:"min=1,max=10000"`

	// BlockPatterns are regular expressions for content that must never be
	// published, such as credentials. Matching proposals are kept and flagged.
	BlockPatterns []string `json:"blockPatterns"`
}

var defaultBlockPatterns = []string{
	`(?i)(api[_-]?key|secret|password|passwd|token)\s*[:=]\s*\S{8,}`,
	`AKIA[0-9A-Z]{16}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
	`gh[pousr]_[A-Za-z0-9]{36,}`,
	`xox[abprs]-[A-Za-z0-9-]{10,}`,
}

func defaultGenerateConfig() GenerateConfig {
	return GenerateConfig{
		llmSettings:           llmSettings{Temperature: 0.3},
		MaxProposalsPerThread: 3,
		MaxProposalsPerBatch:  50,
		BlockPatterns:         append([]string(nil), defaultBlockPatterns...),
	}
}

type generateResponse struct {
	Proposals []struct {
		UpdateType     string   `json:"update_type"`
		Page           string   `json:"page"`
		Section        string   `json:"section"`
		SuggestedText  string   `json:"suggested_text"`
		Reasoning      string   `json:"reasoning"`
		SourceMessages []string `json:"source_messages"`
	} `json:"proposals"`
	ProposalsRejected bool   `json:"proposals_rejected"`
	RejectionReason   string `json:"rejection_reason"`
}

var generateSchema = llm.Object(map[string]*llm.Schema{
	"proposals": llm.Array(llm.Object(map[string]*llm.Schema{
		"update_type":     llm.Enum("Kind of change", "INSERT", "UPDATE", "DELETE", "NONE"),
		"page":            llm.String("File path of the documentation page"),
		"section":         llm.String("Heading of the affected section"),
		"suggested_text":  llm.String("Text to insert or the replacement text"),
		"reasoning":       llm.String("Why the change is needed"),
		"source_messages": llm.Array(llm.String("Id of a supporting message")),
	}, "update_type", "page", "reasoning")),
	"proposals_rejected": llm.Boolean("True when no change is justified"),
	"rejection_reason":   llm.String("Why no change is justified"),
}, "proposals")

// Generate asks the model for documentation proposals for every thread with
// retrieved documentation, within per-thread and per-batch limits.
type Generate struct {
	base
	cfg    GenerateConfig
	block  []*regexp.Regexp
	llm    pipeline.LLM
	schema *llm.Schema
}

// NewGenerate builds a Generate step.
func NewGenerate(id string, raw map[string]any, deps pipeline.Deps) (pipeline.Step, error) {
	cfg := defaultGenerateConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if err := requireLLM(id, deps); err != nil {
		return nil, err
	}
	block, err := compilePatterns("blockPatterns", cfg.BlockPatterns)
	if err != nil {
		return nil, err
	}
	return &Generate{
		base: newBase(id, pipeline.TypeGenerate, pipeline.Metadata{
			Name:        "Proposal generator",
			Description: "Drafts documentation changes grounded in retrieved pages",
			UsesLLM:     true,
		}, deps),
		cfg:    cfg,
		block:  block,
		llm:    deps.LLM,
		schema: generateSchema,
	}, nil
}

func (g *Generate) ValidateConfig(raw map[string]any) error {
	cfg := defaultGenerateConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	_, err := compilePatterns("blockPatterns", cfg.BlockPatterns)
	return err
}

func (g *Generate) Execute(ctx context.Context, ec *pipeline.ExecContext) error {
	proposals := make(map[string][]model.Proposal)
	rejections := make(map[string]string)
	var (
		itemErrs  []pipeline.StepError
		lastErr   error
		attempted int
		total     int
	)
	index := ec.MessageIndex()

	for i, t := range ec.Threads {
		docs := ec.RagResults[t.ID]
		if len(docs) == 0 {
			continue
		}
		if total >= g.cfg.MaxProposalsPerBatch {
			g.log.Info("proposal budget exhausted, skipping remaining threads",
				"batch_id", ec.BatchID, "limit", g.cfg.MaxProposalsPerBatch, "skipped", len(ec.Threads)-i)
			break
		}
		attempted++

		ps, reason, err := g.generate(ctx, ec, t, index, docs)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			proposals[t.ID] = []model.Proposal{}
			itemErrs = append(itemErrs, g.itemError(t.ID, err))
			g.log.Warn("proposal generation failed", "thread_id", t.ID, "error", err)
			continue
		}
		if reason != "" {
			rejections[t.ID] = reason
		}

		if len(ps) > g.cfg.MaxProposalsPerThread {
			ps = ps[:g.cfg.MaxProposalsPerThread]
		}
		if room := g.cfg.MaxProposalsPerBatch - total; len(ps) > room {
			ps = ps[:room]
		}
		total += len(ps)
		proposals[t.ID] = ps
	}

	if attempted > 0 && len(itemErrs) == attempted {
		return fmt.Errorf("generating proposals for %d threads: %w", attempted, lastErr)
	}

	g.log.Info("generated proposals", "batch_id", ec.BatchID, "threads", attempted, "proposals", total, "rejected", len(rejections))
	ec.Proposals = proposals
	ec.Rejections = rejections
	ec.AddErrors(itemErrs...)
	return nil
}

// generate returns the non-NONE proposals for t, or the model's rejection reason.
func (g *Generate) generate(ctx context.Context, ec *pipeline.ExecContext, t model.Thread, index map[string]model.Message, docs []model.RagDocument) ([]model.Proposal, string, error) {
	msgs := make([]model.Message, 0, len(t.MessageIDs))
	for _, id := range t.MessageIDs {
		if m, ok := index[id]; ok {
			msgs = append(msgs, m)
		}
	}

	var out generateResponse
	req := g.cfg.request(generateSystemPrompt, buildGeneratePrompt(t, msgs, docs, g.cfg.MaxProposalsPerThread))
	req.MessageIDs = t.MessageIDs
	resp, err := g.llm.RequestJSON(ctx, req, g.schema, ec.CachePurpose(cache.PurposeGeneration), &out)
	if err != nil {
		return nil, "", err
	}
	if !resp.Cached {
		ec.RecordLLMCall(resp.TokensUsed)
	}

	if out.ProposalsRejected {
		reason := strings.TrimSpace(out.RejectionReason)
		if reason == "" {
			reason = "rejected without a reason"
		}
		return []model.Proposal{}, reason, nil
	}

	ps := make([]model.Proposal, 0, len(out.Proposals))
	for _, rp := range out.Proposals {
		ut := model.UpdateType(strings.ToUpper(rp.UpdateType))
		if ut == model.UpdateNone || !ut.Valid() {
			continue
		}
		p := model.Proposal{
			ThreadID:       t.ID,
			UpdateType:     ut,
			Page:           rp.Page,
			Section:        rp.Section,
			SuggestedText:  rp.SuggestedText,
			Reasoning:      rp.Reasoning,
			SourceMessages: rp.SourceMessages,
		}
		if len(p.SourceMessages) == 0 {
			p.SourceMessages = t.MessageIDs
		}
		if re := matchAny(g.block, p.SuggestedText); re != nil {
			p.AddWarning(fmt.Sprintf("suggested text matches blocked pattern %q", re.String()))
			g.log.Warn("proposal flagged by block pattern", "thread_id", t.ID, "page", p.Page, "pattern", re.String())
		}
		ps = append(ps, p)
	}
	return ps, "", nil
}
