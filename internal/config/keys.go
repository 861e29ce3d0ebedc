package config

import (
	"fmt"
	"log/slog"
	"os"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCMINER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCMINER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCMINER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCMINER_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "DOCMINER_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCMINER_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "llm.max_retries", typ: kInt, env: "DOCMINER_LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "llm.retry_delay_ms", typ: kInt, env: "DOCMINER_LLM_RETRY_DELAY_MS",
		apply:   func(cfg *Config, v any) { cfg.LLM.RetryDelayMs = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.RetryDelayMs },
	},
	{
		key: "llm.timeout", typ: kString, env: "DOCMINER_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "scheduler.stream_id", typ: kString, env: "DOCMINER_SCHEDULER_STREAM_ID",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.StreamID = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.StreamID },
	},
	{
		key: "scheduler.batch_window_hours", typ: kInt, env: "DOCMINER_SCHEDULER_BATCH_WINDOW_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.BatchWindowHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.BatchWindowHours },
	},
	{
		key: "scheduler.context_window_hours", typ: kInt, env: "DOCMINER_SCHEDULER_CONTEXT_WINDOW_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.ContextWindowHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.ContextWindowHours },
	},
	{
		key: "scheduler.max_batch_size", typ: kInt, env: "DOCMINER_SCHEDULER_MAX_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MaxBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MaxBatchSize },
	},
	{
		key: "scheduler.interval", typ: kString, env: "DOCMINER_SCHEDULER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Interval },
	},
	{
		key: "scheduler.initial_lookback_hours", typ: kInt, env: "DOCMINER_SCHEDULER_INITIAL_LOOKBACK_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.InitialLookbackHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.InitialLookbackHours },
	},
	{
		key: "pipeline.config_dir", typ: kString, env: "DOCMINER_PIPELINE_CONFIG_DIR",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ConfigDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ConfigDir },
	},
	{
		key: "pipeline.instance_id", typ: kString, env: "DOCMINER_PIPELINE_INSTANCE_ID",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.InstanceID = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.InstanceID },
	},
	{
		key: "cache.dir", typ: kString, env: "DOCMINER_CACHE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Cache.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Dir },
	},
	{
		key: "cache.enabled", typ: kBool, env: "DOCMINER_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "DOCMINER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ == kBool && raw == "") {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			slog.Warn("ignoring config file value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies DOCMINER_* variables. Unparseable values are
// logged and skipped so a typo in the environment never blocks startup.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
