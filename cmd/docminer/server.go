package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docminer/internal/api"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/ollama"
	"github.com/kalambet/docminer/internal/scheduler"
	"github.com/kalambet/docminer/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the batch scheduler and HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process all due batch windows once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxBatches, _ := cmd.Flags().GetInt("max-batches")
		remote, _ := cmd.Flags().GetBool("remote")
		if remote {
			return triggerRemote(cmd.Context())
		}
		return runOnce(cmd.Context(), maxBatches)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, engine and watermark status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	runCmd.Flags().Int("max-batches", 0, "stop after this many batches (0 = all due windows)")
	runCmd.Flags().Bool("remote", false, "ask the running server to process the next batch")
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docminer version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing resources", "error", err)
		}
	}()

	if err := ollama.EnsureReady(ctx, a.ollama, cfg.Ollama.Model, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("DOCMINER_API_TOKEN is not set; POST /batches is unauthenticated")
	}

	handler := api.NewHandler(api.Deps{
		Store:   a.store,
		Batches: a.processor,
		Token:   cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		interval := cfg.Scheduler.IntervalDuration()
		slog.Info("scheduler started", "stream_id", cfg.Scheduler.StreamID, "interval", interval)
		if err := a.processor.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docminer listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Every waiter is gone by now, so the pass sees cancellation; let it
	// unwind before the store closes.
	a.processor.Wait()
	return err
}

func runOnce(ctx context.Context, maxBatches int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.ollama.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s", cfg.Ollama.BaseURL)
	}

	reports, err := a.processor.ProcessPending(ctx, maxBatches)
	for _, rep := range reports {
		printReport(rep)
	}
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		printSuccess("No batch window is due")
	}
	return nil
}

func triggerRemote(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	rep, err := client.triggerBatch(ctx)
	if err != nil {
		return err
	}
	if !rep.Due {
		printSuccess("No batch window is due")
		return nil
	}
	printReport(rep)
	return nil
}

func printReport(rep scheduler.Report) {
	window := fmt.Sprintf("%s → %s", rep.WindowStart.Format(time.RFC3339), rep.WindowEnd.Format(time.RFC3339))
	if rep.Result == nil {
		printSuccess("%s: empty window", window)
		return
	}
	r := rep.Result
	msg := fmt.Sprintf("%s: %d messages, %d threads, %d proposals (%s)",
		window, r.MessagesProcessed, r.ThreadsCreated, r.ProposalsGenerated, rep.BatchID)
	if r.Success {
		printSuccess("%s", msg)
	} else {
		printWarning("%s, %d item errors", msg, len(r.Errors))
	}
	if rep.Truncated {
		printWarning("batch truncated at max_batch_size; watermark held at %s", rep.Watermark.Format(time.RFC3339))
	}
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{},
	}
	var ae *apiError
	switch err := client.healthy(ctx); {
	case err == nil:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	case errors.As(err, &ae):
		printStatus("Server", "error (HTTP %d)", ae.Status)
	default:
		printStatus("Server", "stopped")
	}

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Model", "%s", cfg.Ollama.Model)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printError("opening storage: %v", err)
		return nil
	}
	defer store.Close()

	stream := cfg.Scheduler.StreamID
	wm, err := store.GetWatermark(ctx, stream)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		printStatus("Watermark", "not initialized (stream %s)", stream)
	case err != nil:
		printStatus("Watermark", "error: %v", err)
	default:
		next := wm.WatermarkTime.Add(cfg.Scheduler.BatchWindow())
		due := "not due"
		if !next.After(time.Now()) {
			due = "due"
		}
		printStatus("Watermark", "%s (stream %s, next window ends %s, %s)",
			wm.WatermarkTime.Format(time.RFC3339), stream, next.Format(time.RFC3339), due)
	}

	if counts, err := store.CountMessages(ctx, stream); err == nil {
		printStatus("Messages", "%d pending, %d processed", counts[model.MessagePending], counts[model.MessageProcessed])
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
