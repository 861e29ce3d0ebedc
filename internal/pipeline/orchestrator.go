package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kalambet/docminer/internal/metrics"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/retry"
)

// RunLogStore persists run logs. *storage.Store implements it.
type RunLogStore interface {
	CreateRunLog(ctx context.Context, l model.RunLog) error
	CompleteRunLog(ctx context.Context, l model.RunLog) error
}

// Result summarizes one orchestrator run.
type Result struct {
	RunID              string          `json:"run_id"`
	Status             model.RunStatus `json:"status"`
	Success            bool            `json:"success"`
	MessagesProcessed  int             `json:"messages_processed"`
	ThreadsCreated     int             `json:"threads_created"`
	ProposalsGenerated int             `json:"proposals_generated"`
	Errors             []StepError     `json:"errors,omitempty"`
	Metrics            Metrics         `json:"metrics"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunLogStore records every run through s.
func WithRunLogStore(s RunLogStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithLogger sets the logger used for run and step events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the backoff wait between step attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator runs the enabled steps of a pipeline in order.
type Orchestrator struct {
	cfg   PipelineConfig
	steps []Step
	store RunLogStore
	log   *slog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and builds its enabled steps from reg.
func New(cfg PipelineConfig, reg *Registry, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = o.log
	}

	for _, sc := range cfg.EnabledSteps() {
		s, err := reg.Create(sc, deps)
		if err != nil {
			return nil, err
		}
		o.steps = append(o.steps, s)
	}

	if cfg.Performance.MaxConcurrentSteps > 1 {
		o.log.Warn("maxConcurrentSteps > 1 is not supported; steps run sequentially",
			"pipeline_id", cfg.PipelineID, "max_concurrent_steps", cfg.Performance.MaxConcurrentSteps)
	}
	return o, nil
}

// Config returns the configuration the orchestrator was built from.
func (o *Orchestrator) Config() PipelineConfig { return o.cfg }

// Steps returns the enabled steps in execution order.
func (o *Orchestrator) Steps() []Step { return o.steps }

// Execute runs every enabled step against ec. Step failures are recorded
// in the result rather than returned. An error is returned only when ctx
// ends before the run finishes; the run log is still finalized as failed.
func (o *Orchestrator) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	ec.ensureMaps()
	if ec.InstanceID == "" {
		ec.InstanceID = o.cfg.InstanceID
	}
	ec.PipelineID = o.cfg.PipelineID
	ec.CachingEnabled = o.cfg.Performance.EnableCaching

	start := o.now()
	runLog := model.RunLog{
		ID:            ulid.Make().String(),
		InstanceID:    ec.InstanceID,
		BatchID:       ec.BatchID,
		PipelineID:    o.cfg.PipelineID,
		Status:        model.RunRunning,
		InputMessages: len(ec.Messages),
		StartedAt:     start,
	}
	log := o.log.With("run_id", runLog.ID, "batch_id", ec.BatchID, "pipeline_id", o.cfg.PipelineID)

	logged := false
	if o.store != nil {
		if err := o.store.CreateRunLog(ctx, runLog); err != nil {
			log.Warn("failed to create run log", "error", err)
		} else {
			logged = true
		}
	}

	log.Info("pipeline run started", "messages", len(ec.Messages), "context_messages", len(ec.ContextMessages), "steps", len(o.steps))

	eh := o.cfg.ErrorHandling
	status := model.RunCompleted
	var runErr error

	for _, s := range o.steps {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		sl := model.StepLog{
			StepID:     s.ID(),
			StepType:   s.Type(),
			InputCount: inputCount(s.Type(), ec),
		}
		stepStart := o.now()
		attempts, err := retry.Do(ctx, retry.Policy{
			Retries:   eh.RetryAttempts,
			BaseDelay: time.Duration(eh.RetryDelayMs) * time.Millisecond,
			Retryable: func(err error) bool { return !IsPermanent(err) && ctx.Err() == nil },
			OnRetry: func(attempt int, err error, delay time.Duration) {
				log.Warn("step attempt failed", "step_id", s.ID(), "attempt", attempt, "retry_in", delay, "error", err)
			},
			Sleep: o.sleep,
		}, func(ctx context.Context, _ int) error {
			return s.Execute(ctx, ec)
		})
		elapsed := o.now().Sub(stepStart)

		ec.Metrics.StepDurations[s.ID()] = elapsed.Milliseconds()
		sl.Attempts = attempts
		sl.DurationMs = elapsed.Milliseconds()
		metrics.RecordStep(s.Type(), elapsed, max(attempts-1, 0), err != nil)

		if err != nil {
			sl.Status = "failed"
			sl.Error = err.Error()
			runLog.Steps = append(runLog.Steps, sl)

			se := StepError{
				StepID:  s.ID(),
				Message: err.Error(),
				Context: map[string]any{"stepType": s.Type(), "attempts": attempts},
			}
			ec.Errors = append(ec.Errors, se)
			log.Error("step failed", "step_id", s.ID(), "step_type", s.Type(), "attempts", attempts, "error", err)

			if ctx.Err() != nil {
				runErr = ctx.Err()
				break
			}
			if eh.StopOnError {
				status = model.RunFailed
				break
			}
			continue
		}

		sl.Status = "completed"
		sl.OutputCount = outputCount(s.Type(), ec)
		runLog.Steps = append(runLog.Steps, sl)
		log.Debug("step completed", "step_id", s.ID(), "input", sl.InputCount, "output", sl.OutputCount, "duration_ms", sl.DurationMs)
	}

	if runErr != nil {
		status = model.RunFailed
	}

	end := o.now()
	total := end.Sub(start)
	ec.Metrics.TotalDurationMs = total.Milliseconds()

	res := Result{
		RunID:              runLog.ID,
		Status:             status,
		Success:            len(ec.Errors) == 0 && runErr == nil,
		MessagesProcessed:  len(ec.Messages),
		ThreadsCreated:     len(ec.Threads),
		ProposalsGenerated: ec.ProposalCount(),
		Errors:             ec.Errors,
		Metrics:            ec.Metrics,
	}

	runLog.Status = status
	runLog.OutputThreads = res.ThreadsCreated
	runLog.OutputProposals = res.ProposalsGenerated
	runLog.TotalDurationMs = ec.Metrics.TotalDurationMs
	runLog.LLMCalls = ec.Metrics.LLMCalls
	runLog.LLMTokensUsed = ec.Metrics.LLMTokensUsed
	runLog.ErrorMessage = joinErrors(ec.Errors, runErr)
	runLog.CompletedAt = &end

	if logged {
		// The run context may already be done; finalizing must still happen.
		if err := o.store.CompleteRunLog(context.WithoutCancel(ctx), runLog); err != nil {
			log.Warn("failed to finalize run log", "error", err)
		}
	}

	metrics.RecordRun(string(status), total)
	log.Info("pipeline run finished",
		"status", status,
		"success", res.Success,
		"threads", res.ThreadsCreated,
		"proposals", res.ProposalsGenerated,
		"errors", len(ec.Errors),
		"llm_calls", ec.Metrics.LLMCalls,
		"duration_ms", ec.Metrics.TotalDurationMs,
	)

	if runErr != nil {
		return res, fmt.Errorf("pipeline run %s aborted: %w", runLog.ID, runErr)
	}
	return res, nil
}

func joinErrors(errs []StepError, runErr error) string {
	msgs := make([]string, 0, len(errs)+1)
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	if runErr != nil {
		msgs = append(msgs, "run aborted: "+runErr.Error())
	}
	return strings.Join(msgs, "; ")
}

// inputCount is the number of items a step of stepType consumes.
func inputCount(stepType string, ec *ExecContext) int {
	switch stepType {
	case TypeFilter:
		return len(ec.Messages)
	case TypeClassify:
		return len(ec.FilteredMessages)
	case TypeEnrich, TypeGenerate:
		return len(ec.Threads)
	case TypeValidate, TypeCondense:
		return ec.ProposalCount()
	}
	return 0
}

// outputCount is the number of items a step of stepType produced.
func outputCount(stepType string, ec *ExecContext) int {
	switch stepType {
	case TypeFilter:
		return len(ec.FilteredMessages)
	case TypeClassify:
		return len(ec.Threads)
	case TypeEnrich:
		return ec.ThreadsWithDocs()
	case TypeGenerate, TypeValidate, TypeCondense:
		return ec.ProposalCount()
	}
	return 0
}
