// Package llm wraps the generative model behind RequestJSON: schema-checked
// JSON replies, retry on transient failures, a circuit breaker around the
// engine, and response caching by purpose.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/metrics"
	"github.com/kalambet/docminer/internal/ollama"
	"github.com/kalambet/docminer/internal/retry"
)

// Engine is the chat backend. *ollama.Client implements it.
type Engine interface {
	Chat(ctx context.Context, req ollama.ChatRequest) (ollama.ChatResult, error)
}

// ResponseCache is the subset of *cache.Cache the service needs.
type ResponseCache interface {
	Get(ctx context.Context, prompt, purpose string) (cache.Entry, bool, error)
	Set(ctx context.Context, e cache.Entry) error
}

// Request is one model call.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
	History      []ollama.Message

	// MessageIDs link a cached entry back to the chat messages it was built from.
	MessageIDs []string
}

// Response describes the reply that produced the decoded data.
type Response struct {
	Content      string
	ModelUsed    string
	TokensUsed   int
	FinishReason string
	Cached       bool
}

// Options configure a Service.
type Options struct {
	DefaultModel string
	Retries      int
	RetryDelay   time.Duration

	// Timeout bounds a single engine call. Zero means no per-call limit.
	Timeout time.Duration

	// BreakerFailures is the number of consecutive engine failures that
	// opens the breaker. Zero uses 5.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *slog.Logger
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Service implements RequestJSON on top of an Engine.
type Service struct {
	engine  Engine
	cache   ResponseCache
	opts    Options
	breaker *gobreaker.CircuitBreaker[ollama.ChatResult]
	log     *slog.Logger
}

// New creates a Service. c may be nil to disable caching.
func New(engine Engine, c ResponseCache, opts Options) *Service {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	const name = "model-engine"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[ollama.ChatResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors such as an unknown model say nothing about engine health.
		IsSuccessful: func(err error) bool {
			var se *ollama.StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return true
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Service{engine: engine, cache: c, opts: opts, breaker: breaker, log: log}
}

// RequestJSON sends req, decodes the reply into out and checks it against
// schema. When purpose is non-empty the cache is consulted first and a
// successful reply is stored under purpose. Transient failures are retried
// up to the configured count; schema violations are returned immediately.
func (s *Service) RequestJSON(ctx context.Context, req Request, schema *Schema, purpose string, out any) (Response, error) {
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}
	prompt := renderPrompt(req)

	if purpose != "" && s.cache != nil {
		if resp, ok := s.fromCache(ctx, prompt, purpose, schema, out); ok {
			return resp, nil
		}
	}

	var resp Response
	_, err := retry.Do(ctx, retry.Policy{
		Retries:   s.opts.Retries,
		BaseDelay: s.opts.RetryDelay,
		Retryable: IsTransient,
		Sleep:     s.opts.Sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.log.Warn("model call failed, retrying", "purpose", purpose, "attempt", attempt, "delay", delay, "error", err)
		},
	}, func(ctx context.Context, _ int) error {
		r, err := s.call(ctx, req, schema, out)
		metrics.RecordLLMCall(purpose, outcome(err), r.TokensUsed)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return Response{}, err
	}

	if purpose != "" && s.cache != nil {
		err := s.cache.Set(ctx, cache.Entry{
			Purpose:    purpose,
			Prompt:     prompt,
			Response:   resp.Content,
			Model:      resp.ModelUsed,
			TokensUsed: resp.TokensUsed,
			MessageIDs: req.MessageIDs,
		})
		if err != nil {
			s.log.Warn("caching model response", "purpose", purpose, "error", err)
		}
	}
	return resp, nil
}

func (s *Service) call(ctx context.Context, req Request, schema *Schema, out any) (Response, error) {
	callCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	cr := ollama.ChatRequest{
		Model:    req.Model,
		Messages: buildMessages(req),
		Options:  &ollama.Options{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	if schema != nil {
		cr.Format = schema
	}

	result, err := s.breaker.Execute(func() (ollama.ChatResult, error) {
		return s.engine.Chat(callCtx, cr)
	})
	if err != nil {
		return Response{}, s.classify(ctx, err)
	}

	resp := Response{
		Content:      result.Content,
		ModelUsed:    result.Model,
		TokensUsed:   result.TokensUsed,
		FinishReason: result.DoneReason,
	}
	if err := decode(result.Content, schema, out); err != nil {
		return resp, err
	}
	return resp, nil
}

// classify maps an engine error onto the retry taxonomy.
func (s *Service) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transient("circuit breaker open", err)
	}
	var se *ollama.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return transient("engine unavailable", err)
		}
		return fmt.Errorf("model call: %w", err)
	}
	// Transport failures and per-call timeouts.
	return transient("engine request failed", err)
}

func (s *Service) fromCache(ctx context.Context, prompt, purpose string, schema *Schema, out any) (Response, bool) {
	e, ok, err := s.cache.Get(ctx, prompt, purpose)
	switch {
	case err != nil:
		metrics.RecordCacheLookup(purpose, "error")
		s.log.Warn("reading response cache", "purpose", purpose, "error", err)
		return Response{}, false
	case !ok:
		metrics.RecordCacheLookup(purpose, "miss")
		return Response{}, false
	}

	if err := decode(e.Response, schema, out); err != nil {
		metrics.RecordCacheLookup(purpose, "error")
		s.log.Warn("discarding unusable cached response", "purpose", purpose, "hash", e.Hash, "error", err)
		return Response{}, false
	}
	metrics.RecordCacheLookup(purpose, "hit")
	return Response{
		Content:    e.Response,
		ModelUsed:  e.Model,
		TokensUsed: e.TokensUsed,
		Cached:     true,
	}, true
}

// decode parses content, validates it against schema and unmarshals it into out.
func decode(content string, schema *Schema, out any) error {
	content = stripFence(content)
	if content == "" {
		return transient("empty response", nil)
	}

	var generic any
	if err := json.Unmarshal([]byte(content), &generic); err != nil {
		return transient("malformed JSON", err)
	}
	if err := schema.Validate(generic); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &SchemaError{Path: "$", Msg: err.Error()}
	}
	return nil
}

// stripFence removes a surrounding ```json fence some models add despite
// the response format.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func buildMessages(req Request) []ollama.Message {
	msgs := make([]ollama.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.UserPrompt})
	return msgs
}

// renderPrompt is the cache key text: every message the model sees, in order.
func renderPrompt(req Request) string {
	var b strings.Builder
	for _, m := range buildMessages(req) {
		b.WriteString(m.Role)
		b.WriteString(":\n")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	case IsTransient(err):
		return "transient"
	}
	return "permanent"
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
