// Package scheduler turns the message store into watermark-ordered batches
// and feeds them through the pipeline.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kalambet/docminer/internal/metrics"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
	"github.com/kalambet/docminer/internal/storage"
)

// Store is the persistence the processor needs. *storage.Store implements it.
type Store interface {
	GetWatermark(ctx context.Context, streamID string) (model.Watermark, error)
	InitWatermark(ctx context.Context, streamID string, t time.Time) (model.Watermark, error)
	FetchMessages(ctx context.Context, q storage.MessageQuery) ([]model.Message, error)
	CommitBatch(ctx context.Context, c storage.BatchCommit) error
}

// Runner executes the pipeline for one batch. *pipeline.Orchestrator implements it.
type Runner interface {
	Execute(ctx context.Context, ec *pipeline.ExecContext) (pipeline.Result, error)
}

// Config controls batch windowing.
type Config struct {
	StreamID      string
	BatchWindow   time.Duration
	ContextWindow time.Duration
	MaxBatchSize  int

	// InitialLookback places a new watermark this far before now.
	InitialLookback time.Duration

	// RunTimeout cancels a pipeline run that takes longer. Zero disables it.
	RunTimeout time.Duration
}

// Report describes one ProcessBatch pass.
type Report struct {
	StreamID    string           `json:"stream_id"`
	BatchID     string           `json:"batch_id,omitempty"`
	Due         bool             `json:"due"`
	WindowStart time.Time        `json:"window_start"`
	WindowEnd   time.Time        `json:"window_end"`
	Processed   int              `json:"processed"`
	Context     int              `json:"context_messages"`
	Truncated   bool             `json:"truncated"`
	Watermark   time.Time        `json:"watermark"`
	Result      *pipeline.Result `json:"result,omitempty"`
}

// Status is the cursor position of a stream and whether a window is due.
type Status struct {
	Watermark model.Watermark `json:"watermark"`
	NextEnd   time.Time       `json:"next_window_end"`
	Due       bool            `json:"due"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the processor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// Processor advances one stream's watermark batch by batch. Concurrent
// calls share a single in-flight pass.
type Processor struct {
	store  Store
	runner Runner
	cfg    Config
	now    func() time.Time
	log    *slog.Logger

	mu     sync.Mutex
	active *sharedRun
}

// sharedRun is one in-flight pass and the callers waiting on it. The pass
// runs detached from any single caller and is cancelled only once every
// waiter has given up.
type sharedRun struct {
	cancel  context.CancelFunc
	waiters int
	done    chan struct{}
	rep     Report
	err     error
}

// New returns a Processor for cfg.StreamID.
func New(store Store, runner Runner, cfg Config, opts ...Option) *Processor {
	if cfg.StreamID == "" {
		cfg.StreamID = "default"
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 24 * time.Hour
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 7 * 24 * time.Hour
	}
	p := &Processor{store: store, runner: runner, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("stream_id", cfg.StreamID)
	return p
}

// ProcessBatch processes the next due window and returns the number of
// input messages. It returns 0 when no complete window is due.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	rep, err := p.Process(ctx)
	return rep.Processed, err
}

// Process is ProcessBatch with the full report. A caller that arrives while
// a pass is running joins it. A caller whose ctx ends stops waiting with
// ctx.Err() but leaves the pass running for the others.
func (p *Processor) Process(ctx context.Context) (Report, error) {
	p.mu.Lock()
	run := p.active
	if run == nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		run = &sharedRun{cancel: cancel, done: make(chan struct{})}
		p.active = run
		go p.execute(runCtx, run)
	} else {
		p.log.Debug("joined in-flight batch")
	}
	run.waiters++
	p.mu.Unlock()

	select {
	case <-run.done:
		return run.rep, run.err
	case <-ctx.Done():
		p.mu.Lock()
		run.waiters--
		abandoned := run.waiters == 0
		p.mu.Unlock()
		if abandoned {
			run.cancel()
		}
		return Report{}, ctx.Err()
	}
}

// Wait blocks until the in-flight pass, if any, has finished.
func (p *Processor) Wait() {
	p.mu.Lock()
	run := p.active
	p.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

func (p *Processor) execute(ctx context.Context, run *sharedRun) {
	defer run.cancel()
	rep, err := p.process(ctx)

	p.mu.Lock()
	run.rep, run.err = rep, err
	if p.active == run {
		p.active = nil
	}
	p.mu.Unlock()
	close(run.done)
}

// ProcessPending processes due windows until none is left or maxBatches
// have run. Zero maxBatches means no limit.
func (p *Processor) ProcessPending(ctx context.Context, maxBatches int) ([]Report, error) {
	var reports []Report
	for maxBatches <= 0 || len(reports) < maxBatches {
		rep, err := p.Process(ctx)
		if err != nil {
			return reports, err
		}
		if !rep.Due {
			break
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Run processes pending windows immediately and then every interval until
// ctx is done.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reports, err := p.ProcessPending(ctx, 0)
		if err != nil && ctx.Err() == nil {
			p.log.Error("batch processing failed", "error", err)
		} else if len(reports) > 0 {
			p.log.Info("processed pending batches", "batches", len(reports))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns the stream's cursor, creating it when missing.
func (p *Processor) Status(ctx context.Context) (Status, error) {
	wm, err := p.watermark(ctx)
	if err != nil {
		return Status{}, err
	}
	end := wm.WatermarkTime.Add(p.cfg.BatchWindow)
	return Status{Watermark: wm, NextEnd: end, Due: !end.After(p.now())}, nil
}

func (p *Processor) watermark(ctx context.Context) (model.Watermark, error) {
	wm, err := p.store.GetWatermark(ctx, p.cfg.StreamID)
	if errors.Is(err, storage.ErrNotFound) {
		start := p.now().Add(-p.cfg.InitialLookback)
		p.log.Info("initializing watermark", "watermark", start)
		return p.store.InitWatermark(ctx, p.cfg.StreamID, start)
	}
	return wm, err
}

func (p *Processor) process(ctx context.Context) (Report, error) {
	now := p.now()
	wm, err := p.watermark(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading watermark: %w", err)
	}

	start := wm.WatermarkTime
	end := start.Add(p.cfg.BatchWindow)
	rep := Report{StreamID: p.cfg.StreamID, WindowStart: start, WindowEnd: end, Watermark: start}
	if end.After(now) {
		return rep, nil
	}
	rep.Due = true
	rep.BatchID = "batch_" + strings.ToLower(ulid.Make().String())

	msgs, err := p.store.FetchMessages(ctx, storage.MessageQuery{
		StreamID:    p.cfg.StreamID,
		From:        start,
		To:          end,
		Limit:       p.cfg.MaxBatchSize,
		PendingOnly: true,
	})
	if err != nil {
		return rep, fmt.Errorf("fetching batch messages: %w", err)
	}

	log := p.log.With("batch_id", rep.BatchID, "window_start", start, "window_end", end)

	if len(msgs) == 0 {
		if err := p.store.CommitBatch(ctx, storage.BatchCommit{
			StreamID:           p.cfg.StreamID,
			BatchID:            rep.BatchID,
			WatermarkTime:      end,
			LastProcessedBatch: now,
		}); err != nil {
			return rep, fmt.Errorf("advancing watermark over empty window: %w", err)
		}
		rep.Watermark = end
		metrics.UpdateWatermarkLag(p.cfg.StreamID, end, now)
		log.Debug("empty window, watermark advanced")
		return rep, nil
	}

	var contextMsgs []model.Message
	if p.cfg.ContextWindow > 0 {
		contextMsgs, err = p.store.FetchMessages(ctx, storage.MessageQuery{
			StreamID: p.cfg.StreamID,
			From:     start.Add(-p.cfg.ContextWindow),
			To:       start,
			Limit:    p.cfg.MaxBatchSize,
			Newest:   true,
		})
		if err != nil {
			return rep, fmt.Errorf("fetching context messages: %w", err)
		}
	}

	// A full batch may have left messages behind; advance only to the last
	// one fetched so the rest are picked up next time.
	next := end
	if len(msgs) >= p.cfg.MaxBatchSize {
		rep.Truncated = true
		next = msgs[len(msgs)-1].Timestamp
		log.Warn("batch truncated, deferring remaining messages", "max_batch_size", p.cfg.MaxBatchSize, "watermark", next)
	}

	ec := pipeline.NewExecContext(rep.BatchID, msgs, contextMsgs)
	ec.StreamID = p.cfg.StreamID
	ec.WindowStart = start
	ec.WindowEnd = end

	runCtx := ctx
	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}
	res, err := p.runner.Execute(runCtx, ec)
	if err != nil {
		return rep, fmt.Errorf("running pipeline for %s: %w", rep.BatchID, err)
	}
	rep.Result = &res
	rep.Processed = len(msgs)
	rep.Context = len(contextMsgs)

	commit := buildCommit(p.cfg.StreamID, ec, next, now)
	if err := p.store.CommitBatch(ctx, commit); err != nil {
		return rep, fmt.Errorf("committing %s: %w", rep.BatchID, err)
	}
	rep.Watermark = next

	metrics.BatchMessages.Add(float64(len(msgs)))
	for _, pr := range commit.Proposals {
		metrics.ProposalsGenerated.WithLabelValues(string(pr.UpdateType)).Inc()
	}
	metrics.UpdateWatermarkLag(p.cfg.StreamID, next, now)

	log.Info("batch committed",
		"messages", len(msgs),
		"threads", len(commit.Threads),
		"proposals", len(commit.Proposals),
		"failures", len(commit.Failures),
		"success", res.Success,
	)
	return rep, nil
}

// buildCommit collects the persistent outputs of a finished run.
func buildCommit(streamID string, ec *pipeline.ExecContext, watermark, now time.Time) storage.BatchCommit {
	c := storage.BatchCommit{
		StreamID:           streamID,
		BatchID:            ec.BatchID,
		WatermarkTime:      watermark,
		LastProcessedBatch: now,
	}
	for _, m := range ec.Messages {
		c.ProcessedMessageIDs = append(c.ProcessedMessageIDs, m.ID)
	}

	seen := make(map[string]bool, len(ec.Threads))
	for _, t := range ec.Threads {
		seen[t.ID] = true
		c.Threads = append(c.Threads, storage.ThreadRecord{
			Thread:          t,
			BatchID:         ec.BatchID,
			RejectionReason: ec.Rejections[t.ID],
		})
		c.Proposals = append(c.Proposals, ec.Proposals[t.ID]...)
	}
	for _, id := range slices.Sorted(maps.Keys(ec.Proposals)) {
		if !seen[id] {
			c.Proposals = append(c.Proposals, ec.Proposals[id]...)
		}
	}

	for _, e := range ec.Errors {
		c.Failures = append(c.Failures, model.ItemFailure{
			BatchID: ec.BatchID,
			StepID:  e.StepID,
			ItemID:  e.ItemID,
			Message: e.Message,
		})
	}
	return c
}
