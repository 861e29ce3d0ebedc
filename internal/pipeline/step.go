package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/retrieval"
)

// Step types known to the default pipeline.
const (
	TypeFilter   = "filter"
	TypeClassify = "classify"
	TypeEnrich   = "enrich"
	TypeGenerate = "generate"
	TypeValidate = "validate"
	TypeCondense = "condense"
)

// Step is one transformation of the execution context.
type Step interface {
	ID() string
	Type() string

	// Execute reads earlier outputs from ec and writes this step's own.
	// It may be called again on the same ec after a failure.
	Execute(ctx context.Context, ec *ExecContext) error

	// ValidateConfig checks a raw step configuration without building a step.
	ValidateConfig(cfg map[string]any) error

	Metadata() Metadata
}

// Metadata describes a step for logs and the CLI.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	UsesLLM     bool   `json:"uses_llm"`
}

// LLM is the model invocation capability steps depend on. *llm.Service
// implements it.
type LLM interface {
	RequestJSON(ctx context.Context, req llm.Request, schema *llm.Schema, purpose string, out any) (llm.Response, error)
}

// Deps are the collaborators handed to step factories.
type Deps struct {
	LLM       LLM
	Retrieval retrieval.Service
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Factory builds a step from its id and raw configuration.
type Factory func(id string, cfg map[string]any, deps Deps) (Step, error)

// Registry maps step types to factories. Build one at startup and pass it
// to the orchestrator.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for stepType.
func (r *Registry) Register(stepType string, f Factory) error {
	if stepType == "" || f == nil {
		return fmt.Errorf("register step: type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[stepType]; ok {
		return fmt.Errorf("step type %q already registered", stepType)
	}
	r.factories[stepType] = f
	return nil
}

// Create builds the step described by sc. Unknown types and rejected
// configurations are permanent errors.
func (r *Registry) Create(sc StepConfig, deps Deps) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[sc.StepType]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanentf("step %s: unknown step type %q", sc.StepID, sc.StepType)
	}
	s, err := f(sc.StepID, sc.Config, deps)
	if err != nil {
		if IsPermanent(err) {
			return nil, err
		}
		return nil, Permanent(fmt.Errorf("step %s: %w", sc.StepID, err))
	}
	return s, nil
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
