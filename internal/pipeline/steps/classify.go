package steps

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
)

// ClassifyConfig configures thread detection.
type ClassifyConfig struct {
	llmSettings
	Categories []string `json:"categories" validate:"min=1,dive,required"`

	// MaxMessagesPerCall splits large batches into several model calls.
	MaxMessagesPerCall int `json:"maxMessagesPerCall" validate:"min=1,max=2000"`

	// MaxContextMessages caps the background messages sent with each call.
	// The newest are kept.
	MaxContextMessages int `json:"maxContextMessages" validate:"min=0,max=2000"`
}

var defaultCategories = []string{
	"troubleshooting", "configuration", "how-to", "bug-report",
	"feature-request", "announcement", "other",
}

func defaultClassifyConfig() ClassifyConfig {
	return ClassifyConfig{
		llmSettings:        llmSettings{Temperature: 0.2},
		Categories:         slices.Clone(defaultCategories),
		MaxMessagesPerCall: 200,
		MaxContextMessages: 50,
	}
}

type classifyResponse struct {
	Threads []struct {
		Category          string   `json:"category"`
		MessageIDs        []string `json:"message_ids"`
		Summary           string   `json:"summary"`
		DocValueReason    string   `json:"doc_value_reason"`
		RagSearchCriteria struct {
			Keywords      []string `json:"keywords"`
			SemanticQuery string   `json:"semantic_query"`
		} `json:"rag_search_criteria"`
	} `json:"threads"`
}

func classifySchema(categories []string) *llm.Schema {
	return llm.Object(map[string]*llm.Schema{
		"threads": llm.Array(llm.Object(map[string]*llm.Schema{
			"category":         llm.String("One of: " + strings.Join(categories, ", ")),
			"message_ids":      llm.Array(llm.String("Id of a message from [Messages]")),
			"summary":          llm.String("What the conversation is about"),
			"doc_value_reason": llm.String("Why the documentation should reflect it"),
			"rag_search_criteria": llm.Object(map[string]*llm.Schema{
				"keywords":       llm.Array(llm.String("Search keyword")),
				"semantic_query": llm.String("One sentence describing the documentation to look up"),
			}, "keywords", "semantic_query"),
		}, "category", "message_ids", "summary", "doc_value_reason", "rag_search_criteria")),
	}, "threads")
}

// Classify groups valuable messages into threads with one model call per
// chunk of filtered messages. Messages the model leaves out are dropped.
type Classify struct {
	base
	cfg ClassifyConfig
	llm pipeline.LLM
}

// NewClassify builds a Classify step.
func NewClassify(id string, raw map[string]any, deps pipeline.Deps) (pipeline.Step, error) {
	cfg := defaultClassifyConfig()
	if err := pipeline.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if err := requireLLM(id, deps); err != nil {
		return nil, err
	}
	for i, c := range cfg.Categories {
		cfg.Categories[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return &Classify{
		base: newBase(id, pipeline.TypeClassify, pipeline.Metadata{
			Name:        "Thread classifier",
			Description: "Groups messages with documentation value into categorized threads",
			UsesLLM:     true,
		}, deps),
		cfg: cfg,
		llm: deps.LLM,
	}, nil
}

func (c *Classify) ValidateConfig(raw map[string]any) error {
	cfg := defaultClassifyConfig()
	return pipeline.DecodeConfig(raw, &cfg)
}

func (c *Classify) Execute(ctx context.Context, ec *pipeline.ExecContext) error {
	msgs := ec.FilteredMessages
	if len(msgs) == 0 {
		ec.Threads = nil
		return nil
	}

	contextMsgs := ec.ContextMessages
	if n := c.cfg.MaxContextMessages; len(contextMsgs) > n {
		contextMsgs = contextMsgs[len(contextMsgs)-n:]
	}

	position := make(map[string]int, len(msgs))
	for i, m := range msgs {
		position[m.ID] = i
	}

	var (
		threads  []model.Thread
		itemErrs []pipeline.StepError
		lastErr  error
		chunks   int
	)
	assigned := make(map[string]bool)

	for start := 0; start < len(msgs); start += c.cfg.MaxMessagesPerCall {
		end := min(start+c.cfg.MaxMessagesPerCall, len(msgs))
		chunk := msgs[start:end]
		chunks++

		var out classifyResponse
		req := c.cfg.request(classifySystemPrompt, buildClassifyPrompt(chunk, contextMsgs, c.cfg.Categories))
		req.MessageIDs = messageIDs(chunk)
		resp, err := c.llm.RequestJSON(ctx, req, classifySchema(c.cfg.Categories), ec.CachePurpose(cache.PurposeClassification), &out)
		if !resp.Cached && err == nil {
			ec.RecordLLMCall(resp.TokensUsed)
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			itemErrs = append(itemErrs, c.itemError(fmt.Sprintf("messages[%d:%d]", start, end), err))
			c.log.Warn("classification call failed", "batch_id", ec.BatchID, "from", start, "to", end, "error", err)
			continue
		}

		for _, rt := range out.Threads {
			ids := make([]string, 0, len(rt.MessageIDs))
			for _, id := range rt.MessageIDs {
				p, ok := position[id]
				if !ok || p < start || p >= end || assigned[id] {
					continue
				}
				assigned[id] = true
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				continue
			}
			slices.SortFunc(ids, func(a, b string) int { return position[a] - position[b] })

			threads = append(threads, model.Thread{
				ID:             threadID(ec.BatchID, len(threads)+1),
				Category:       strings.ToLower(strings.TrimSpace(rt.Category)),
				MessageIDs:     ids,
				Summary:        rt.Summary,
				DocValueReason: rt.DocValueReason,
				RagSearchCriteria: model.SearchCriteria{
					Keywords:      rt.RagSearchCriteria.Keywords,
					SemanticQuery: rt.RagSearchCriteria.SemanticQuery,
				},
			})
		}
	}

	if len(itemErrs) == chunks {
		return fmt.Errorf("classifying %d messages: %w", len(msgs), lastErr)
	}

	c.log.Info("classified messages", "batch_id", ec.BatchID, "messages", len(msgs), "threads", len(threads))
	ec.Threads = threads
	ec.AddErrors(itemErrs...)
	return nil
}

func threadID(batchID string, n int) string {
	if batchID == "" {
		batchID = "batch"
	}
	return fmt.Sprintf("%s_t%d", batchID, n)
}

func messageIDs(msgs []model.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
