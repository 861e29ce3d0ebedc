// Package api exposes run history, proposals and the watermark over HTTP,
// plus a manual batch trigger and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/scheduler"
	"github.com/kalambet/docminer/internal/storage"
)

// Store is the read side of the database the handlers query.
type Store interface {
	ListRunLogs(ctx context.Context, limit int) ([]model.RunLog, error)
	GetRunLog(ctx context.Context, id string) (model.RunLog, error)
	ListProposals(ctx context.Context, batchID string, limit int) ([]storage.ProposalRecord, error)
}

// Batches triggers and inspects batch processing.
type Batches interface {
	Process(ctx context.Context) (scheduler.Report, error)
	Status(ctx context.Context) (scheduler.Status, error)
}

// Deps wires the handler to the application.
type Deps struct {
	Store   Store
	Batches Batches

	// Token guards POST /batches when set.
	Token string

	Logger *slog.Logger
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/runs", handleListRuns(deps))
	r.Get("/runs/{id}", handleGetRun(deps))
	r.Get("/proposals", handleListProposals(deps))
	r.Get("/watermark", handleWatermark(deps))
	r.With(BearerAuth(deps.Token)).Post("/batches", handleTriggerBatch(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)

		runs, err := deps.Store.ListRunLogs(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []model.RunLog{}
		}
		writeJSON(w, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := deps.Store.GetRunLog(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, run)
	}
}

func handleListProposals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		batchID := r.URL.Query().Get("batch_id")

		proposals, err := deps.Store.ListProposals(r.Context(), batchID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list proposals: %v", err)
			return
		}
		if proposals == nil {
			proposals = []storage.ProposalRecord{}
		}
		writeJSON(w, proposals)
	}
}

func handleWatermark(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Batches.Status(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read watermark: %v", err)
			return
		}
		writeJSON(w, st)
	}
}

func handleTriggerBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Batches.Process(r.Context())
		if err != nil {
			deps.Logger.Error("manual batch failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "batch failed: %v", err)
			return
		}
		writeJSON(w, rep)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
