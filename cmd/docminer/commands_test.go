package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docminer/internal/config"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the CLI's API client at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.ExecuteContext(context.Background())
}

func TestRootCommands(t *testing.T) {
	want := []string{"serve", "run", "status", "messages import", "runs list", "runs show",
		"proposals list", "watermark show", "watermark reset", "cache stats", "cache clear",
		"docs index", "config show", "config set", "config unset"}
	for _, path := range want {
		cmd, rest, err := rootCmd.Find(strings.Fields(path))
		if err != nil || len(rest) != 0 || cmd.Name() != strings.Fields(path)[len(strings.Fields(path))-1] {
			t.Errorf("command %q not registered (got %v, rest %v, err %v)", path, cmd, rest, err)
		}
	}
}

func TestRunsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /runs": `[{"id":"01J0","batch_id":"batch_a","status":"completed","input_messages":12,"output_threads":2,"output_proposals":3,"started_at":"2025-06-01T00:00:00Z"}]`,
	})
	useServer(t, ts)

	if err := execute(t, "runs", "list", "--limit", "5"); err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/runs?limit=5" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestRunsShow_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	err := execute(t, "runs", "show", "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestProposalsList_Query(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /proposals": `[{"thread_id":"t1","update_type":"UPDATE","page":"docs/a.md","reasoning":"r","batch_id":"b1","status":"pending"}]`,
	})
	useServer(t, ts)

	if err := execute(t, "proposals", "list", "--batch", "b1", "--limit", "3"); err != nil {
		t.Fatalf("proposals list: %v", err)
	}
	u, err := url.Parse(ts.requests[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("batch_id") != "b1" || u.Query().Get("limit") != "3" {
		t.Errorf("query = %s", u.RawQuery)
	}
}

func TestRunRemote(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /batches": `{"stream_id":"default","batch_id":"batch_x","due":true,"processed":4,
			"result":{"status":"completed","success":true,"messages_processed":4,"threads_created":1,"proposals_generated":1}}`,
	})
	useServer(t, ts)

	if err := execute(t, "run", "--remote"); err != nil {
		t.Fatalf("run --remote: %v", err)
	}
	r := ts.requests[0]
	if r.Method != http.MethodPost || r.Path != "/batches" || r.Auth != "Bearer test-token" {
		t.Errorf("request = %+v", r)
	}
}

func TestFlagValidation(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"cache", "clear"}, "--purpose or --older-than"},
		{[]string{"watermark", "reset"}, "--to is required"},
		{[]string{"watermark", "reset", "--to", "yesterday"}, "invalid --to"},
		{[]string{"messages", "import"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
	// Reset flag values so later tests start clean.
	watermarkResetCmd.Flags().Set("to", "")
}

func TestReadMessages(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		in := ` [
			{"id":"m1","timestamp":"2025-06-01T10:00:00Z","author":"alice","content":"hi","channel":"help"},
			{"id":"m2","stream_id":"other","timestamp":"2025-06-01T10:05:00Z","content":"yo","processing_status":"processed"}
		]`
		msgs, err := readMessages(strings.NewReader(in), "support")
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 {
			t.Fatalf("got %d messages", len(msgs))
		}
		if msgs[0].StreamID != "support" || msgs[1].StreamID != "other" {
			t.Errorf("streams = %q, %q", msgs[0].StreamID, msgs[1].StreamID)
		}
		if !msgs[0].Timestamp.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)) {
			t.Errorf("timestamp = %v", msgs[0].Timestamp)
		}
		if msgs[1].ProcessingStatus != "" {
			t.Error("imported status must be reset to pending")
		}
	})

	t.Run("jsonl", func(t *testing.T) {
		in := "{\"id\":\"a\",\"timestamp\":\"2025-06-01T10:00:00Z\",\"content\":\"x\"}\n\n{\"id\":\"b\",\"timestamp\":\"2025-06-01T11:00:00Z\",\"content\":\"y\"}\n"
		msgs, err := readMessages(strings.NewReader(in), "s")
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 || msgs[1].ID != "b" {
			t.Errorf("msgs = %+v", msgs)
		}
	})

	t.Run("empty", func(t *testing.T) {
		msgs, err := readMessages(strings.NewReader("  \n"), "s")
		if err != nil || len(msgs) != 0 {
			t.Errorf("msgs = %v, err = %v", msgs, err)
		}
	})

	for name, in := range map[string]string{
		"missing id":        `[{"timestamp":"2025-06-01T10:00:00Z"}]`,
		"missing timestamp": `[{"id":"m1"}]`,
		"broken json":       `[{"id":`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := readMessages(strings.NewReader(in), "s"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	c := ts.client()
	c.token = ""
	if err := c.healthy(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth header sent without token: %q", ts.requests[0].Auth)
	}
}

func TestAPIError(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.client().getRun(context.Background(), "01J0")
	var ae *apiError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if ae.Status != http.StatusNotFound || ae.Type != "not_found" || ae.Message != "not found" {
		t.Errorf("apiError = %+v", ae)
	}
	if !isNotFound(err) || !strings.Contains(err.Error(), "run 01J0 not found") {
		t.Errorf("err = %v", err)
	}
}

func TestAPIError_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := c.watermark(context.Background())
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream exploded") {
		t.Errorf("err = %v", err)
	}
}

func TestTriggerBatch_DecodesReport(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /batches": `{"stream_id":"default","batch_id":"batch_y","due":false}`,
	})
	rep, err := ts.client().triggerBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.BatchID != "batch_y" || rep.Due {
		t.Errorf("report = %+v", rep)
	}
}

func TestPrintRunRow(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	printRunRow(&buf, model.RunLog{
		ID:              "01J0",
		BatchID:         "batch_a",
		Status:          model.RunFailed,
		InputMessages:   12,
		OutputProposals: 3,
		StartedAt:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	want := "01J0  2025-06-01T00:00:00Z  failed       12 msgs    0 threads    3 proposals  batch_a\n"
	if buf.String() != want {
		t.Errorf("row = %q\nwant  %q", buf.String(), want)
	}
}

func TestPrintProposal(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	printProposal(&buf, storage.ProposalRecord{
		Proposal: model.Proposal{
			UpdateType:    model.UpdateInsert,
			Page:          "docs/setup.md",
			Section:       "Install",
			Reasoning:     "users hit this twice",
			SuggestedText: "Run\n  make install\nfirst.",
			Warnings:      []string{"page not found"},
		},
		BatchID: "b1",
	})
	out := buf.String()
	for _, want := range []string{"INSERT docs/setup.md b1", "Section: Install", "> Run make install first.", "⚠ page not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor=true = %q", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestConfigShowAll(t *testing.T) {
	keys := config.ValidKeys()
	for _, want := range []string{"scheduler.batch_window_hours", "pipeline.config_dir", "cache.enabled"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("config key %s missing", want)
		}
	}
}
