package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineConfig describes which steps run and how failures are handled.
type PipelineConfig struct {
	InstanceID    string        `json:"instanceId" validate:"required"`
	PipelineID    string        `json:"pipelineId" validate:"required"`
	Description   string        `json:"description,omitempty"`
	Steps         []StepConfig  `json:"steps" validate:"required,min=1,dive"`
	ErrorHandling ErrorHandling `json:"errorHandling"`
	Performance   Performance   `json:"performance"`
}

// StepConfig is one entry of the step list. Config is decoded by the step.
type StepConfig struct {
	StepID   string         `json:"stepId" validate:"required"`
	StepType string         `json:"stepType" validate:"required"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// IsEnabled reports whether the step runs. Steps are enabled unless
// explicitly switched off.
func (s StepConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type ErrorHandling struct {
	StopOnError   bool `json:"stopOnError"`
	RetryAttempts int  `json:"retryAttempts" validate:"min=0,max=10"`
	RetryDelayMs  int  `json:"retryDelayMs" validate:"min=0"`
}

type Performance struct {
	MaxConcurrentSteps int  `json:"maxConcurrentSteps" validate:"min=1,max=10"`
	TimeoutMs          int  `json:"timeoutMs" validate:"min=1000"`
	EnableCaching      bool `json:"enableCaching"`
}

// Validate checks bounds and that step ids are unique.
func (c PipelineConfig) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if seen[s.StepID] {
			return Permanentf("invalid config: duplicate stepId %q", s.StepID)
		}
		seen[s.StepID] = true
	}
	return nil
}

// EnabledSteps returns the steps that will run, in declared order.
func (c PipelineConfig) EnabledSteps() []StepConfig {
	out := make([]StepConfig, 0, len(c.Steps))
	for _, s := range c.Steps {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// DefaultConfig is the built-in pipeline used when no file overrides it.
// Step configs are empty: every step carries its own defaults.
func DefaultConfig() PipelineConfig {
	return PipelineConfig{
		InstanceID:  "default",
		PipelineID:  "default-doc-pipeline",
		Description: "filter, classify, retrieve, generate, validate and condense",
		Steps: []StepConfig{
			{StepID: "filter", StepType: TypeFilter},
			{StepID: "classify", StepType: TypeClassify},
			{StepID: "enrich", StepType: TypeEnrich},
			{StepID: "generate", StepType: TypeGenerate},
			{StepID: "validate", StepType: TypeValidate},
			{StepID: "condense", StepType: TypeCondense},
		},
		ErrorHandling: ErrorHandling{
			StopOnError:   false,
			RetryAttempts: 2,
			RetryDelayMs:  1000,
		},
		Performance: Performance{
			MaxConcurrentSteps: 1,
			TimeoutMs:          600000,
			EnableCaching:      true,
		},
	}
}

var configExts = []string{".json", ".yaml", ".yml"}

// LoadConfig builds the pipeline configuration for instanceID. The
// built-in default is overlaid with <dir>/default.* and then with
// <dir>/instances/<instanceID>.*, each in JSON or YAML. An empty dir
// returns the built-in default.
func LoadConfig(dir, instanceID string) (PipelineConfig, error) {
	merged, err := toMap(DefaultConfig())
	if err != nil {
		return PipelineConfig{}, err
	}

	if dir != "" {
		layers := []string{filepath.Join(dir, "default")}
		if instanceID != "" {
			layers = append(layers, filepath.Join(dir, "instances", instanceID))
		}
		for _, base := range layers {
			m, path, err := readLayer(base)
			if err != nil {
				return PipelineConfig{}, err
			}
			if m == nil {
				continue
			}
			merged = mergeConfig(merged, m)
			slog.Debug("loaded pipeline config layer", "path", path)
		}
	}

	if instanceID != "" && merged["instanceId"] == "default" {
		merged["instanceId"] = instanceID
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return PipelineConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// ParseConfig decodes one configuration layer. format is "json" or "yaml".
func ParseConfig(data []byte, format string) (map[string]any, error) {
	var m map[string]any
	switch format {
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing JSON pipeline config: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing YAML pipeline config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported pipeline config format %q", format)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// readLayer loads the first of base.json, base.yaml, base.yml that exists.
// It returns a nil map when none does.
func readLayer(base string) (map[string]any, string, error) {
	for _, ext := range configExts {
		path := base + ext
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", path, err)
		}
		m, err := ParseConfig(data, strings.TrimPrefix(ext, "."))
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		return m, path, nil
	}
	return nil, "", nil
}

// mergeConfig overlays over onto base. A steps list replaces the base list
// whole; errorHandling and performance merge one level deep; any other key
// replaces the base value.
func mergeConfig(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		switch k {
		case "errorHandling", "performance":
			bm, _ := out[k].(map[string]any)
			om, ok := v.(map[string]any)
			if !ok {
				out[k] = v
				continue
			}
			merged := make(map[string]any, len(bm)+len(om))
			for bk, bv := range bm {
				merged[bk] = bv
			}
			for ek, ev := range om {
				merged[ek] = ev
			}
			out[k] = merged
		default:
			out[k] = v
		}
	}
	return out
}

func toMap(c PipelineConfig) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding pipeline config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding pipeline config: %w", err)
	}
	return m, nil
}

func fromMap(m map[string]any) (PipelineConfig, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("encoding merged pipeline config: %w", err)
	}
	var c PipelineConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return PipelineConfig{}, Permanent(fmt.Errorf("decoding merged pipeline config: %w", err))
	}
	return c, nil
}
