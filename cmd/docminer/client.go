package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/docminer/internal/config"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/scheduler"
	"github.com/kalambet/docminer/internal/storage"
)

// apiClient talks to a running "docminer serve" on loopback. Each method
// maps to one route of the server API and decodes its JSON reply.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{},
	}, nil
}

// readTimeout bounds GET requests. A batch trigger blocks for a whole
// pipeline run and is bounded by the server's run timeout instead.
const readTimeout = 30 * time.Second

// apiError is the server's {"error": {...}} envelope plus the HTTP status.
type apiError struct {
	Status  int
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Type, e.Message)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func (c *apiClient) listRuns(ctx context.Context, limit int) ([]model.RunLog, error) {
	var runs []model.RunLog
	err := c.call(ctx, http.MethodGet, "/runs?"+url.Values{"limit": {strconv.Itoa(limit)}}.Encode(), &runs)
	return runs, err
}

func (c *apiClient) getRun(ctx context.Context, id string) (model.RunLog, error) {
	var run model.RunLog
	err := c.call(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), &run)
	if isNotFound(err) {
		return run, fmt.Errorf("run %s not found: %w", id, err)
	}
	return run, err
}

func (c *apiClient) listProposals(ctx context.Context, batchID string, limit int) ([]storage.ProposalRecord, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if batchID != "" {
		q.Set("batch_id", batchID)
	}
	var proposals []storage.ProposalRecord
	err := c.call(ctx, http.MethodGet, "/proposals?"+q.Encode(), &proposals)
	return proposals, err
}

func (c *apiClient) watermark(ctx context.Context) (scheduler.Status, error) {
	var st scheduler.Status
	err := c.call(ctx, http.MethodGet, "/watermark", &st)
	return st, err
}

// triggerBatch asks the server to process the next due window. The server
// shares an in-flight run with its own ticker, so the report may describe
// a run that was already under way.
func (c *apiClient) triggerBatch(ctx context.Context) (scheduler.Report, error) {
	var rep scheduler.Report
	err := c.call(ctx, http.MethodPost, "/batches", &rep)
	return rep, err
}

// healthy reports whether the server answers /health within a short deadline.
func (c *apiClient) healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var body struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/health", &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("server health %q", body.Status)
	}
	return nil
}

func (c *apiClient) call(ctx context.Context, method, path string, out any) error {
	if method == http.MethodGet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, readTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is docminer serve running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	ae := &apiError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		ae.Message = fmt.Sprintf("failed to read body: %v", err)
		return ae
	}
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		ae.Type, ae.Message = envelope.Error.Type, envelope.Error.Message
		return ae
	}
	ae.Message = string(body)
	return ae
}
