// Package response renders a completed worker or swarm result into the
// text appended to the supervisor's response file, and owns the
// marker-delimited append itself. The append runs synchronously in the
// calling goroutine.
package response

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rileywarren/codex-swarm/internal/model"
)

// Compressor renders a WorkerExecutionResult into the text handed back
// to the supervisor, honoring the requested ReturnFormat and truncating
// long diffs/summaries to the configured limits.
type Compressor struct {
	MaxSummaryTokens int
	MaxDiffLines     int
}

// NewCompressor returns a Compressor with the given limits.
func NewCompressor(maxSummaryTokens, maxDiffLines int) *Compressor {
	return &Compressor{MaxSummaryTokens: maxSummaryTokens, MaxDiffLines: maxDiffLines}
}

func (c *Compressor) summaryBlock(result model.WorkerExecutionResult) string {
	lines := []string{
		fmt.Sprintf("Worker: %s", result.WorkerID),
		fmt.Sprintf("Status: %s", result.Status),
		fmt.Sprintf("Result: %s", result.Result.Status),
		fmt.Sprintf("Summary: %s", result.Result.Summary),
	}
	if len(result.Result.FilesModified) > 0 {
		lines = append(lines, "Files modified: "+strings.Join(result.Result.FilesModified, ", "))
	}
	if len(result.Result.FilesCreated) > 0 {
		lines = append(lines, "Files created: "+strings.Join(result.Result.FilesCreated, ", "))
	}
	if len(result.Result.FilesDeleted) > 0 {
		lines = append(lines, "Files deleted: "+strings.Join(result.Result.FilesDeleted, ", "))
	}
	if len(result.Result.KeyDecisions) > 0 {
		lines = append(lines, "Key decisions: "+strings.Join(result.Result.KeyDecisions, " | "))
	}
	if len(result.Result.Warnings) > 0 {
		lines = append(lines, "Warnings: "+strings.Join(result.Result.Warnings, " | "))
	}
	lines = append(lines, fmt.Sprintf("Tests: %s", result.Result.TestsStatus))
	lines = append(lines, fmt.Sprintf("Confidence: %.2f", result.Result.Confidence))

	text := strings.Join(lines, "\n")
	maxChars := c.MaxSummaryTokens * 4
	return shorten(text, maxChars, " ...")
}

// shorten mirrors Python's textwrap.shorten: collapse all whitespace to
// single spaces, then drop trailing words until the text (plus
// placeholder) fits within width.
func shorten(text string, width int, placeholder string) string {
	words := strings.Fields(text)
	collapsed := strings.Join(words, " ")
	if len(collapsed) <= width {
		return collapsed
	}

	limit := width - len(placeholder)
	if limit < 0 {
		limit = 0
	}

	var b strings.Builder
	for i, w := range words {
		candidateLen := b.Len()
		if i > 0 {
			candidateLen++
		}
		candidateLen += len(w)
		if candidateLen > limit {
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String() + placeholder
}

func (c *Compressor) truncateDiff(diffText string) string {
	lines := strings.Split(diffText, "\n")
	if len(lines) <= c.MaxDiffLines {
		return diffText
	}
	head := strings.Join(lines[:c.MaxDiffLines], "\n")
	return fmt.Sprintf("%s\n... [truncated %d lines]", head, len(lines)-c.MaxDiffLines)
}

// Compress renders result per returnFormat (summary, diff, or full).
func (c *Compressor) Compress(result model.WorkerExecutionResult, returnFormat model.ReturnFormat) string {
	summary := c.summaryBlock(result)

	switch returnFormat {
	case model.ReturnFormatDiff:
		diffBlock := c.truncateDiff(result.DiffText)
		return fmt.Sprintf("%s\n\nDiff:\n```diff\n%s\n```", summary, diffBlock)
	case model.ReturnFormatFull:
		return fmt.Sprintf("%s\n\nDiff:\n```diff\n%s\n```\n\nRaw stdout:\n```text\n%s\n```", summary, result.DiffText, result.RawStdout)
	default:
		return summary
	}
}

// ComposeWorkerResponse renders a single spawn_agent result, appending
// the merge outcome (if any) and an approval-required call to action.
func ComposeWorkerResponse(c *Compressor, result model.WorkerExecutionResult, returnFormat model.ReturnFormat, mergeOutcome *model.MergeOutcome) string {
	body := c.Compress(result, returnFormat)
	if mergeOutcome != nil {
		outcomeJSON, _ := json.MarshalIndent(mergeOutcome, "", "  ")
		body += "\n\nMerge outcome:\n" + string(outcomeJSON)
	}
	if result.RequiresApproval {
		body += "\n\nAction required: run `merge_results` to approve and merge this worker."
	}
	return body
}

// ComposeSwarmResponse renders a spawn_swarm batch's results.
func ComposeSwarmResponse(results []model.WorkerExecutionResult) string {
	parts := []string{"Swarm completed."}
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("- %s: %s (%s)", r.WorkerID, r.Status, r.Result.Summary))
	}
	return strings.Join(parts, "\n")
}

// Writer appends marker-delimited response text to a response file,
// serializing writes with a mutex so concurrent dispatch handlers never
// interleave partial writes.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter returns a Writer appending to path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes text wrapped in a codex-swarm-response marker pair keyed
// by marker (the request_id, or a generated id if empty), returning the
// marker used.
func (w *Writer) Append(text, marker string) (string, error) {
	if marker == "" {
		marker = generateMarker()
	}

	payload := fmt.Sprintf(
		"\n<!-- codex-swarm-response:%s:start -->\n%s\n<!-- codex-swarm-response:%s:end -->\n",
		marker, strings.TrimSpace(text), marker,
	)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return "", fmt.Errorf("response: mkdir: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("response: open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(payload); err != nil {
		return "", fmt.Errorf("response: write: %w", err)
	}
	return marker, nil
}

func generateMarker() string {
	return uuid.NewString()
}
