package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/model"
)

const fakeAgentScript = `#!/bin/sh
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

func newTestOrchestrator(t *testing.T, repo string, autoMerge bool) *Orchestrator {
	t.Helper()
	cfg := &config.AppConfig{
		Swarm: config.Swarm{
			MaxWorkers:           2,
			WorkerTimeoutSeconds: 10,
			ApprovalMode:         "on-request",
			CodexBinary:          writeFakeAgent(t),
		},
		Budget: config.Budget{MaxTotalCost: 100, MaxWorkerCost: 100, MaxTotalTokens: 1_000_000, WarnAtPercent: 80},
		Worktree: config.Worktree{
			BaseDir:   filepath.Join(repo, ".worktrees"),
			AutoMerge: autoMerge,
		},
		Results: config.Results{MaxSummaryTokens: 500, MaxDiffLines: 200, ResponseFile: ".codex-swarm-response.md"},
		IPC:     config.IPC{Method: "none"},
	}
	return New(repo, cfg)
}

func TestHandleDispatch_SpawnAgentMergesAndWritesResponse(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, true)

	data, err := o.HandleDispatch(context.Background(), model.DispatchRequest{
		Tool:      "spawn_agent",
		Payload:   map[string]any{"task": "write a file", "scope": []string{"**/*"}},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	if data["status"] != string(model.WorkerMerged) {
		t.Fatalf("status = %v, want merged", data["status"])
	}

	if _, err := os.Stat(filepath.Join(repo, "output.txt")); err != nil {
		t.Fatalf("merged file should exist on main: %v", err)
	}

	response, err := os.ReadFile(filepath.Join(repo, ".codex-swarm-response.md"))
	if err != nil {
		t.Fatalf("ReadFile response: %v", err)
	}
	if !strings.Contains(string(response), "req-1") {
		t.Fatalf("response file missing marker: %q", string(response))
	}
}

func TestHandleDispatch_SpawnAgentOutOfScopeHeldForApproval(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, true)

	data, err := o.HandleDispatch(context.Background(), model.DispatchRequest{
		Tool:    "spawn_agent",
		Payload: map[string]any{"task": "write a file", "scope": []string{"src/**"}},
	})
	if err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	if data["status"] != string(model.WorkerPendingApproval) {
		t.Fatalf("status = %v, want pending_approval", data["status"])
	}

	check := o.checkWorkers(nil)
	pending, ok := check["pending_approval"].([]string)
	if !ok || len(pending) != 1 {
		t.Fatalf("pending_approval = %v", check["pending_approval"])
	}
}

func TestHandleDispatch_CheckWorkersReportsBudget(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, false)

	data, err := o.HandleDispatch(context.Background(), model.DispatchRequest{Tool: "check_workers", Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	if _, ok := data["budget"]; !ok {
		t.Fatalf("expected a budget field in check_workers response: %v", data)
	}
}

func TestHandleDispatch_MergeResultsApprovesHeldWorker(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, true)

	spawnData, err := o.HandleDispatch(context.Background(), model.DispatchRequest{
		Tool:    "spawn_agent",
		Payload: map[string]any{"task": "write a file", "scope": []string{"src/**"}},
	})
	if err != nil {
		t.Fatalf("HandleDispatch spawn_agent: %v", err)
	}
	workerID := spawnData["worker_id"].(string)

	mergeData, err := o.HandleDispatch(context.Background(), model.DispatchRequest{
		Tool:    "merge_results",
		Payload: map[string]any{"worker_ids": []string{workerID}},
	})
	if err != nil {
		t.Fatalf("HandleDispatch merge_results: %v", err)
	}

	outcomes, ok := mergeData["outcomes"].([]map[string]any)
	if !ok || len(outcomes) != 1 {
		t.Fatalf("outcomes = %v", mergeData["outcomes"])
	}
	if merged, _ := outcomes[0]["merged"].(bool); !merged {
		t.Fatalf("expected merged outcome: %v", outcomes[0])
	}

	check := o.checkWorkers(nil)
	if pending, _ := check["pending_approval"].([]string); len(pending) != 0 {
		t.Fatalf("pending_approval should be empty after merge: %v", pending)
	}
}

func TestHandleDispatch_SpawnSwarmWaitRunsAllTasks(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, false)

	data, err := o.HandleDispatch(context.Background(), model.DispatchRequest{
		Tool: "spawn_swarm",
		Payload: map[string]any{
			"tasks": []any{
				map[string]any{"task": "task a"},
				map[string]any{"task": "task b"},
			},
			"wait": true,
		},
	})
	if err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	workers, ok := data["workers"].([]string)
	if !ok || len(workers) != 2 {
		t.Fatalf("workers = %v", data["workers"])
	}
}

func TestHandleDispatch_UnsupportedToolReturnsError(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, false)

	if _, err := o.HandleDispatch(context.Background(), model.DispatchRequest{Tool: "not_a_tool"}); err == nil {
		t.Fatalf("expected an error for an unsupported dispatch tool")
	}
}

func TestKillSupervisor_NoActiveSupervisorReturnsFalse(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, false)
	if o.KillSupervisor() {
		t.Fatalf("KillSupervisor should return false with nothing running")
	}
}

func TestSubscribe_ReceivesDispatchReceivedEvent(t *testing.T) {
	repo := initGitRepo(t)
	o := newTestOrchestrator(t, repo, false)

	sub := o.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		o.HandleDispatch(context.Background(), model.DispatchRequest{Tool: "check_workers", Payload: map[string]any{}})
		close(done)
	}()

	seenDispatchReceived := false
	for i := 0; i < 20; i++ {
		ev, ok := sub.Next()
		if !ok {
			break
		}
		if ev.EventType == "dispatch.received" {
			seenDispatchReceived = true
			break
		}
	}
	<-done
	if !seenDispatchReceived {
		t.Fatalf("expected a dispatch.received event on the bus")
	}
}
