package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotRunning is returned by EnsureReady when Ollama does not answer.
var ErrNotRunning = errors.New("Ollama is not running. Start it with: ollama serve")

const warmUpTimeout = 30 * time.Second

// EnsureReady checks that Ollama is running and that the chat and embedding
// models exist, pulling missing ones with progress written to w. Both models
// are then loaded once so the first batch does not pay the cold-load cost.
// Warm-up failures are reported to w but are not fatal.
func EnsureReady(ctx context.Context, c *Client, chatModel, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}

	for _, model := range []string{chatModel, embedModel} {
		if model == "" {
			continue
		}
		if err := ensureModel(ctx, c, model, w); err != nil {
			return err
		}
	}

	warm := func(model string, load func(context.Context) error) {
		if model == "" {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, warmUpTimeout)
		defer cancel()
		if err := load(wctx); err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
			return
		}
		fmt.Fprintf(w, "model %s: warm\n", model)
	}
	warm(chatModel, func(ctx context.Context) error {
		_, err := c.Chat(ctx, ChatRequest{
			Model:    chatModel,
			Messages: []Message{{Role: "user", Content: "ping"}},
			Options:  &Options{NumPredict: 1},
		})
		return err
	})
	warm(embedModel, func(ctx context.Context) error {
		_, err := c.Embed(ctx, embedModel, "ping")
		return err
	})
	return nil
}

func ensureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	lastStatus, lastPct := "", -1
	err := c.PullModel(ctx, model, func(p PullProgress) {
		pct := -1
		if p.Total > 0 {
			pct = int(p.Completed * 100 / p.Total)
		}
		// Layer downloads report many times per second; print status
		// changes and every tenth percent only.
		if p.Status == lastStatus && (pct < 0 || pct/10 == lastPct/10) {
			return
		}
		lastStatus, lastPct = p.Status, pct
		if pct >= 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
