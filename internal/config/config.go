package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Ollama    OllamaConfig
	LLM       LLMConfig
	Scheduler SchedulerConfig
	Pipeline  PipelineConfig
	Cache     CacheConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
}

type LLMConfig struct {
	MaxRetries   int
	RetryDelayMs int
	Timeout      string
}

type SchedulerConfig struct {
	StreamID             string
	BatchWindowHours     int
	ContextWindowHours   int
	MaxBatchSize         int
	Interval             string
	InitialLookbackHours int
}

type PipelineConfig struct {
	ConfigDir  string
	InstanceID string
}

type CacheConfig struct {
	Dir     string
	Enabled bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		LLM: LLMConfig{
			MaxRetries:   2,
			RetryDelayMs: 500,
			Timeout:      "120s",
		},
		Scheduler: SchedulerConfig{
			StreamID:             "default",
			BatchWindowHours:     24,
			ContextWindowHours:   24,
			MaxBatchSize:         500,
			Interval:             "15m",
			InitialLookbackHours: 168,
		},
		Pipeline: PipelineConfig{
			ConfigDir:  filepath.Join(dataDir, "pipelines"),
			InstanceID: "default",
		},
		Cache: CacheConfig{
			Dir:     filepath.Join(dataDir, "cache"),
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at ConfigFilePath and applies
// DOCMINER_* environment overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Scheduler.StreamID == "" {
		errs = append(errs, errors.New("scheduler.stream_id is required"))
	}
	if c.Scheduler.BatchWindowHours <= 0 {
		errs = append(errs, errors.New("scheduler.batch_window_hours must be positive"))
	}
	if c.Scheduler.ContextWindowHours < 0 {
		errs = append(errs, errors.New("scheduler.context_window_hours must not be negative"))
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.max_batch_size must be positive"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("llm.timeout: %w", err))
	}
	if d, err := time.ParseDuration(c.Scheduler.Interval); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval %q is not a positive duration", c.Scheduler.Interval))
	}
	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() slog.Level {
	return levels[strings.ToLower(c.Level)]
}

// TimeoutDuration returns the per-call engine timeout.
func (c LLMConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// RetryDelay returns the base backoff between engine retries.
func (c LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// BatchWindow returns the width of one batch window.
func (c SchedulerConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowHours) * time.Hour
}

// ContextWindow returns how far before a window context messages reach.
func (c SchedulerConfig) ContextWindow() time.Duration {
	return time.Duration(c.ContextWindowHours) * time.Hour
}

// InitialLookback returns where a new watermark starts relative to now.
func (c SchedulerConfig) InitialLookback() time.Duration {
	return time.Duration(c.InitialLookbackHours) * time.Hour
}

// IntervalDuration returns the period between scheduled processing passes.
func (c SchedulerConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}
