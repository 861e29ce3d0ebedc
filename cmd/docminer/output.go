package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runStatus pads before colouring so escape codes do not break alignment.
func runStatus(s model.RunStatus) string {
	padded := fmt.Sprintf("%-9s", s)
	switch s {
	case model.RunCompleted:
		return colorize(colorGreen, padded)
	case model.RunFailed:
		return colorize(colorRed, padded)
	default:
		return colorize(colorYellow, padded)
	}
}

func printRunRow(w io.Writer, r model.RunLog) {
	fmt.Fprintf(w, "%s  %s  %s  %4d msgs  %3d threads  %3d proposals  %s\n",
		colorize(colorCyan, r.ID),
		r.StartedAt.Format(time.RFC3339),
		runStatus(r.Status),
		r.InputMessages, r.OutputThreads, r.OutputProposals,
		r.BatchID,
	)
}

// printProposal writes one proposal as a short block: header line, optional
// section, reasoning, a one-line preview of the suggested text and any
// validation warnings.
func printProposal(w io.Writer, p storage.ProposalRecord) {
	kind := string(p.UpdateType)
	if p.UpdateType == model.UpdateDelete {
		kind = colorize(colorRed, kind)
	} else {
		kind = colorize(colorBold, kind)
	}
	fmt.Fprintf(w, "\n%s %s %s\n", kind, p.Page, colorize(colorCyan, p.BatchID))
	if p.Section != "" {
		fmt.Fprintf(w, "  Section: %s\n", p.Section)
	}
	fmt.Fprintf(w, "  %s\n", truncate(p.Reasoning, 200))
	if p.SuggestedText != "" {
		fmt.Fprintf(w, "  > %s\n", truncate(strings.Join(strings.Fields(p.SuggestedText), " "), 300))
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  %s\n", colorize(colorYellow, "⚠ "+warn))
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
