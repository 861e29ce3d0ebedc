package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docminer/internal/cache"
	"github.com/kalambet/docminer/internal/config"
	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/storage"
)

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Manage the message store",
}

var messagesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import chat messages from a JSON array or JSONL file",
	Long: `Import chat messages from a JSON array or JSONL file.

Each message needs id, timestamp (RFC 3339) and content. Messages without
stream_id are assigned to the configured scheduler stream. Ids that already
exist are skipped.

Examples:
  docminer messages import ./export.json
  docminer messages import ./export.jsonl --stream support`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, _ := cmd.Flags().GetString("stream")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if stream == "" {
			stream = cfg.Scheduler.StreamID
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()

		msgs, err := readMessages(f, stream)
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := store.SaveMessages(cmd.Context(), msgs)
		if err != nil {
			return err
		}
		printSuccess("Imported %d new messages (%d skipped as duplicates)", n, len(msgs)-n)
		return nil
	},
}

func init() {
	messagesImportCmd.Flags().String("stream", "", "stream id for messages that do not name one (default: scheduler.stream_id)")
	messagesCmd.AddCommand(messagesImportCmd)
}

// readMessages decodes a JSON array or newline-delimited JSON objects.
func readMessages(r io.Reader, defaultStream string) ([]model.Message, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []model.Message
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&msgs); err != nil {
			return nil, fmt.Errorf("decoding message array: %w", err)
		}
	} else {
		dec := json.NewDecoder(br)
		for {
			var m model.Message
			err := dec.Decode(&m)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decoding message %d: %w", len(msgs)+1, err)
			}
			msgs = append(msgs, m)
		}
	}

	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			return nil, fmt.Errorf("message %d: id is required", i+1)
		}
		if m.Timestamp.IsZero() {
			return nil, fmt.Errorf("message %s: timestamp is required", m.ID)
		}
		if m.StreamID == "" {
			m.StreamID = defaultStream
		}
		m.ProcessingStatus = ""
	}
	return msgs, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := client.listRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, r := range runs {
			printRunRow(os.Stdout, r)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single run with its step log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := client.getRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, run)
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// --- proposals ---

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Inspect generated documentation proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		batch, _ := cmd.Flags().GetString("batch")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		proposals, err := client.listProposals(cmd.Context(), batch, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, proposals)
		}
		if len(proposals) == 0 {
			fmt.Println("No proposals found.")
			return nil
		}
		for _, p := range proposals {
			printProposal(os.Stdout, p)
		}
		return nil
	},
}

func init() {
	proposalsListCmd.Flags().Int("limit", 20, "maximum number of proposals to list")
	proposalsListCmd.Flags().String("batch", "", "only proposals of this batch id")
	proposalsListCmd.Flags().Bool("json", false, "print raw JSON")
	proposalsCmd.AddCommand(proposalsListCmd)
}

// --- watermark ---

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Show or move the processing watermark",
}

var watermarkShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the watermark of the running server's stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := client.watermark(cmd.Context())
		if err != nil {
			return err
		}
		printStatus("Stream", "%s", st.Watermark.StreamID)
		printStatus("Watermark", "%s", st.Watermark.WatermarkTime.Format(time.RFC3339))
		if !st.Watermark.LastProcessedBatch.IsZero() {
			printStatus("Last batch", "%s", st.Watermark.LastProcessedBatch.Format(time.RFC3339))
		}
		printStatus("Next window ends", "%s (due: %t)", st.NextEnd.Format(time.RFC3339), st.Due)
		return nil
	},
}

var watermarkResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the watermark to a given time, optionally requeueing messages",
	Long: `Move the watermark to a given time.

Unlike batch commits this may move the cursor backwards. Messages already
marked processed stay processed and are skipped by later batches unless
--requeue is given, which returns every message of the stream at or after
the new watermark to pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		stream, _ := cmd.Flags().GetString("stream")
		requeue, _ := cmd.Flags().GetBool("requeue")
		if to == "" {
			return fmt.Errorf("--to is required")
		}
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if stream == "" {
			stream = cfg.Scheduler.StreamID
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := store.ResetWatermark(cmd.Context(), stream, t, requeue)
		if err != nil {
			return err
		}
		printSuccess("Watermark of %s set to %s", stream, t.Format(time.RFC3339))
		if requeue {
			printStatus("Requeued", "%d messages", n)
		}
		return nil
	},
}

func init() {
	watermarkResetCmd.Flags().String("to", "", "new watermark (RFC 3339)")
	watermarkResetCmd.Flags().String("stream", "", "stream id (default: scheduler.stream_id)")
	watermarkResetCmd.Flags().Bool("requeue", false, "return processed messages at or after --to to pending")
	watermarkCmd.AddCommand(watermarkShowCmd)
	watermarkCmd.AddCommand(watermarkResetCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the model response cache",
	Long: `Inspect or clear the model response cache.

The cache directory is locked while docminer serve is running; stop the
server before using these commands.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached entries per purpose",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		stats, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}
		for _, purpose := range []string{cache.PurposeClassification, cache.PurposeEnrichment, cache.PurposeGeneration, cache.PurposeReview, cache.PurposeGeneral} {
			if n, ok := stats[purpose]; ok {
				printStatus(purpose, "%d", n)
			}
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached entries by purpose or age",
	RunE: func(cmd *cobra.Command, args []string) error {
		purpose, _ := cmd.Flags().GetString("purpose")
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if purpose == "" && olderThan == 0 {
			return fmt.Errorf("one of --purpose or --older-than is required")
		}

		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		if purpose != "" {
			n, err := c.ClearPurpose(cmd.Context(), purpose)
			if err != nil {
				return err
			}
			printSuccess("Removed %d %s entries", n, purpose)
		}
		if olderThan > 0 {
			n, err := c.ClearOlderThan(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			printSuccess("Removed %d entries older than %s", n, olderThan)
		}
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().String("purpose", "", "purpose to clear (classification, enrichment, generation, review, general)")
	cacheClearCmd.Flags().Duration("older-than", 0, "clear entries older than this age, e.g. 720h")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func openCache() (*cache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening cache at %s (is docminer serve running?): %w", cfg.Cache.Dir, err)
	}
	return c, nil
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage the documentation index",
}

var docsIndexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Chunk, embed and index a documentation tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.ollama.IsRunning(cmd.Context()) {
			return fmt.Errorf("Ollama is not running at %s", cfg.Ollama.BaseURL)
		}

		printStep("Indexing %s with %s", root, cfg.Ollama.EmbedModel)
		stats, err := a.index.IndexDir(cmd.Context(), root)
		if err != nil {
			return err
		}
		total, err := a.index.Count(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Indexed %d files into %d chunks (%d chunks in index)", stats.Files, stats.Chunks, total)
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsIndexCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("  %s\n", colorize(colorCyan, config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
			src := ""
			if k.FromEnv {
				src = colorize(colorYellow, " ("+k.EnvVar+")")
			}
			fmt.Printf("  %s = %s%s\n", colorize(colorBold, k.Key), k.Value, src)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
