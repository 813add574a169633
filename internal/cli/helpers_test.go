package cli

import (
	"os"
	"testing"
)

func TestResolveRepoPath_PrefersFlagThenEnvThenCwd(t *testing.T) {
	if got, err := resolveRepoPath("/explicit/path"); err != nil || got != "/explicit/path" {
		t.Fatalf("resolveRepoPath(flag) = %q, %v", got, err)
	}

	t.Setenv("CODEX_SWARM_REPO", "/from/env")
	if got, err := resolveRepoPath(""); err != nil || got != "/from/env" {
		t.Fatalf("resolveRepoPath(env) = %q, %v", got, err)
	}

	os.Unsetenv("CODEX_SWARM_REPO")
	cwd, _ := os.Getwd()
	if got, err := resolveRepoPath(""); err != nil || got != cwd {
		t.Fatalf("resolveRepoPath(cwd) = %q, want %q", got, cwd)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
	if got := truncate("a very long string indeed", 10); got != "a very ..." {
		t.Fatalf("truncate long = %q", got)
	}
}

func TestStatusBadge_StripsToKnownColor(t *testing.T) {
	badge := statusBadge("completed")
	if got := stripAnsi(badge); got != "[completed]" {
		t.Fatalf("stripAnsi(badge) = %q", got)
	}
}

func TestPrintTable_HandlesEmptyRows(t *testing.T) {
	// Exercises the "(none)" branch without panicking; output isn't captured.
	printTable([]string{"ID", "STATUS"}, nil)
}
