package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/config"
	"github.com/kalambet/docminer/internal/llm"
	"github.com/kalambet/docminer/internal/ollama"
	"github.com/kalambet/docminer/internal/pipeline"
	"github.com/kalambet/docminer/internal/pipeline/steps"
	"github.com/kalambet/docminer/internal/retrieval"
	"github.com/kalambet/docminer/internal/scheduler"
	"github.com/kalambet/docminer/internal/storage"
)

// loadConfig loads the application config and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	return cfg, nil
}

// app holds the wired components of one process.
type app struct {
	cfg       config.Config
	store     *storage.Store
	cache     *cache.Cache
	ollama    *ollama.Client
	index     *retrieval.SQLiteIndex
	runner    *pipeline.Orchestrator
	processor *scheduler.Processor
}

func openApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, store: store, ollama: ollama.New(cfg.Ollama.BaseURL)}

	var rc llm.ResponseCache
	if cfg.Cache.Enabled {
		c, err := cache.Open(cfg.Cache.Dir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening response cache: %w", err)
		}
		a.cache = c
		rc = c
	}

	svc := llm.New(a.ollama, rc, llm.Options{
		DefaultModel: cfg.Ollama.Model,
		Retries:      cfg.LLM.MaxRetries,
		RetryDelay:   cfg.LLM.RetryDelay(),
		Timeout:      cfg.LLM.TimeoutDuration(),
	})
	a.index = retrieval.NewSQLiteIndex(store.DB(), retrieval.NewEmbedder(a.ollama, cfg.Ollama.EmbedModel))

	pcfg, err := pipeline.LoadConfig(cfg.Pipeline.ConfigDir, cfg.Pipeline.InstanceID)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading pipeline config: %w", err)
	}
	a.runner, err = pipeline.New(pcfg, steps.NewRegistry(),
		pipeline.Deps{LLM: svc, Retrieval: a.index},
		pipeline.WithRunLogStore(store),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.processor = scheduler.New(store, a.runner, scheduler.Config{
		StreamID:        cfg.Scheduler.StreamID,
		BatchWindow:     cfg.Scheduler.BatchWindow(),
		ContextWindow:   cfg.Scheduler.ContextWindow(),
		MaxBatchSize:    cfg.Scheduler.MaxBatchSize,
		InitialLookback: cfg.Scheduler.InitialLookback(),
		RunTimeout:      time.Duration(pcfg.Performance.TimeoutMs) * time.Millisecond,
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
