package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rileywarren/codex-swarm/internal/budget"
	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/model"
	"github.com/rileywarren/codex-swarm/internal/vcs"
	"github.com/rileywarren/codex-swarm/internal/worktree"
)

// fakeAgentScript writes a result file matching the result contract and
// prints nothing of consequence, standing in for the real agent binary
// in tests.
const fakeAgentScript = `#!/bin/sh
# args: -a <mode> exec --json [-m <model>] --cd <dir> <prompt>
dir=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--cd" ]; then
    dir="$arg"
  fi
  prev="$arg"
done
cat > "$dir/.codex-worker-result.json" <<EOF
{"status":"success","summary":"did the thing","files_modified":[],"tests_status":"passed","confidence":0.9}
EOF
echo 'ok' > "$dir/output.txt"
exit 0
`

func writeFakeAgent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-codex")
	if err := os.WriteFile(path, []byte(fakeAgentScript), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init")
	runGit(t, repo, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "main.txt"), []byte("initial\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, repo, "add", "main.txt")
	runGitWithConfig(t, repo, []string{"user.name=Test", "user.email=test@example.com"}, "commit", "-m", "initial commit")
	return repo
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
	return string(out)
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	_ = gitOutput(t, dir, args...)
}

func runGitWithConfig(t *testing.T, dir string, cfg []string, args ...string) {
	t.Helper()
	fullArgs := make([]string, 0, len(cfg)*2+len(args))
	for _, kv := range cfg {
		fullArgs = append(fullArgs, "-c", kv)
	}
	fullArgs = append(fullArgs, args...)
	runGit(t, dir, fullArgs...)
}

func newTestManager(t *testing.T, repo string) *Manager {
	t.Helper()
	driver := vcs.New(repo)
	alloc := worktree.NewAllocator(driver, filepath.Join(repo, ".worktrees"))
	tracker := budget.New(config.Budget{MaxTotalCost: 100, MaxWorkerCost: 100, MaxTotalTokens: 1_000_000, WarnAtPercent: 80})
	cfg := config.Swarm{
		MaxWorkers:           2,
		WorkerTimeoutSeconds: 10,
		ApprovalMode:         "on-request",
		CodexBinary:          writeFakeAgent(t),
	}
	return New(repo, cfg, alloc, driver, tracker)
}

func TestRunTask_SuccessPath(t *testing.T) {
	repo := initGitRepo(t)
	mgr := newTestManager(t, repo)

	var statuses []model.WorkerStatus
	result := mgr.RunTask(context.Background(), model.SpawnAgentPayload{
		Task:  "write a file",
		Scope: []string{"**/*"},
	}, "", "w1", func(wid string, status model.WorkerStatus, payload model.SpawnAgentPayload) {
		statuses = append(statuses, status)
	})

	if result.Status != model.WorkerCompleted {
		t.Fatalf("status = %v, want completed (error=%s)", result.Status, result.Error)
	}
	if result.Result.Status != model.ResultSuccess {
		t.Fatalf("result status = %v, want success", result.Result.Status)
	}
	if statuses[0] != model.WorkerQueued || statuses[len(statuses)-1] != model.WorkerCompleted {
		t.Fatalf("lifecycle transitions = %v", statuses)
	}
}

func TestRunTask_OutOfScopeEditRequiresApproval(t *testing.T) {
	repo := initGitRepo(t)
	mgr := newTestManager(t, repo)

	result := mgr.RunTask(context.Background(), model.SpawnAgentPayload{
		Task:  "write a file",
		Scope: []string{"src/**"},
	}, "", "w2", nil)

	if result.Status != model.WorkerPendingApproval {
		t.Fatalf("status = %v, want pending_approval", result.Status)
	}
	if !result.RequiresApproval {
		t.Fatalf("RequiresApproval = false, want true")
	}
	if len(result.OutOfScopeFiles) == 0 {
		t.Fatalf("expected output.txt to be flagged out of scope")
	}
}

func TestRunTask_BudgetBlocksAdmission(t *testing.T) {
	repo := initGitRepo(t)
	driver := vcs.New(repo)
	alloc := worktree.NewAllocator(driver, filepath.Join(repo, ".worktrees"))
	tracker := budget.New(config.Budget{MaxTotalCost: 0.0001, WarnAtPercent: 80})
	tracker.AddUsage(model.TokenUsage{InputTokens: 100000, OutputTokens: 100000}, "o3", "priming")

	cfg := config.Swarm{MaxWorkers: 1, WorkerTimeoutSeconds: 10, ApprovalMode: "on-request", CodexBinary: writeFakeAgent(t)}
	mgr := New(repo, cfg, alloc, driver, tracker)

	result := mgr.RunTask(context.Background(), model.SpawnAgentPayload{Task: "x"}, "", "w3", nil)
	if result.Status != model.WorkerBlocked {
		t.Fatalf("status = %v, want blocked", result.Status)
	}
}

func TestCancelWorker_NoRunningWorkerReturnsFalse(t *testing.T) {
	repo := initGitRepo(t)
	mgr := newTestManager(t, repo)
	if mgr.CancelWorker("nonexistent") {
		t.Fatalf("CancelWorker should return false for an unknown worker id")
	}
}
