package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript writes an executable shell script that ignores the agent
// arguments buildArgs passes it.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRun_CapturesStdoutLines(t *testing.T) {
	var lines []string
	runner := New()
	result, err := runner.Run(context.Background(), Config{
		Binary:       writeScript(t, "echo first\necho second\n"),
		ApprovalMode: "unused",
		WorkDir:      t.TempDir(),
		Prompt:       "unused",
		OnStdoutLine: func(line string) { lines = append(lines, line) },
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if strings.Join(lines, ",") != "first,second" {
		t.Fatalf("captured lines = %q, want [first second]", lines)
	}
	if result.Stdout != "first\nsecond\n" {
		t.Fatalf("Stdout = %q", result.Stdout)
	}
}

func TestRun_TimesOutAndKills(t *testing.T) {
	runner := New()
	start := time.Now()
	result, err := runner.Run(context.Background(), Config{
		Binary:       writeScript(t, "sleep 5\n"),
		ApprovalMode: "unused",
		WorkDir:      t.TempDir(),
		Prompt:       "sleep",
	}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Run took too long, timeout enforcement may be broken")
	}
	if !result.TimedOut {
		t.Fatalf("TimedOut = false, want true")
	}
	if result.ExitCode == 0 {
		t.Fatalf("ExitCode = 0, want non-zero for a killed process")
	}
}

func TestBuildArgs_Ordering(t *testing.T) {
	args := buildArgs(Config{
		ApprovalMode: "on-request",
		Model:        "o4-mini",
		WorkDir:      "/tmp/work",
		Prompt:       "do the task",
	})
	joined := strings.Join(args, " ")
	want := "-a on-request exec --json -m o4-mini --cd /tmp/work do the task"
	if joined != want {
		t.Fatalf("buildArgs = %q, want %q", joined, want)
	}
}

func TestBuildArgs_OmitsModelWhenEmpty(t *testing.T) {
	args := buildArgs(Config{ApprovalMode: "on-request", WorkDir: "/tmp/work", Prompt: "x"})
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-m") {
		t.Fatalf("buildArgs should omit -m when Model is empty: %q", joined)
	}
}

func TestKill_ReturnsFalseBeforeStart(t *testing.T) {
	runner := New()
	if runner.Kill() {
		t.Fatalf("Kill on unstarted runner should return false")
	}
}
