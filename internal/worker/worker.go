// Package worker runs a single spawn_agent task to completion: it
// allocates a worktree, invokes the agent binary inside it, tracks token
// usage, auto-commits the result, computes the diff and out-of-scope
// file list, loads (or synthesizes) the worker's self-reported result,
// and resolves a final WorkerStatus. Concurrency across workers is
// bounded by a counting semaphore sized to swarm.max_workers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rileywarren/codex-swarm/internal/agent"
	"github.com/rileywarren/codex-swarm/internal/budget"
	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/dispatch"
	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/model"
	"github.com/rileywarren/codex-swarm/internal/scope"
	"github.com/rileywarren/codex-swarm/internal/vcs"
	"github.com/rileywarren/codex-swarm/internal/worktree"
)

var log = logging.Get("worker")

const resultFileName = ".codex-worker-result.json"

// LifecycleCallback is invoked on every status transition a worker makes
// (queued, running, blocked, and the final terminal status).
type LifecycleCallback func(workerID string, status model.WorkerStatus, payload model.SpawnAgentPayload)

// Manager runs spawn_agent tasks under a bounded worker pool.
type Manager struct {
	repoPath  string
	cfg       config.Swarm
	allocator *worktree.Allocator
	driver    vcs.Driver
	tracker   *budget.Tracker

	sem chan struct{}

	mu      sync.Mutex
	runners map[string]*agent.Runner
}

// New returns a Manager bounded to cfg.MaxWorkers concurrent tasks.
func New(repoPath string, cfg config.Swarm, allocator *worktree.Allocator, driver vcs.Driver, tracker *budget.Tracker) *Manager {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Manager{
		repoPath:  repoPath,
		cfg:       cfg,
		allocator: allocator,
		driver:    driver,
		tracker:   tracker,
		sem:       make(chan struct{}, maxWorkers),
		runners:   make(map[string]*agent.Runner),
	}
}

// CancelWorker kills the in-flight process for workerID, if any is
// currently running, and reports whether one was found.
func (m *Manager) CancelWorker(workerID string) bool {
	m.mu.Lock()
	r := m.runners[workerID]
	m.mu.Unlock()
	if r == nil {
		return false
	}
	return r.Kill()
}

// Running reports whether workerID currently has an in-flight process.
func (m *Manager) Running(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[workerID]
	return ok
}

// RunningIDs returns the worker IDs with an in-flight process, in no
// particular order.
func (m *Manager) RunningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	return ids
}

// RunTask executes one spawn_agent task end to end, blocking until the
// worker finishes, times out, or is cancelled. workerID is generated
// from a uuid if empty.
func (m *Manager) RunTask(ctx context.Context, payload model.SpawnAgentPayload, extraContext string, workerID string, onStatus LifecycleCallback) model.WorkerExecutionResult {
	wid := workerID
	if wid == "" {
		wid = uuid.NewString()[:8]
	}
	notify := func(status model.WorkerStatus) {
		if onStatus != nil {
			onStatus(wid, status, payload)
		}
	}
	notify(model.WorkerQueued)

	if allowed, reason := m.tracker.CanSpawn(); !allowed {
		now := time.Now().UTC()
		notify(model.WorkerBlocked)
		return model.WorkerExecutionResult{
			WorkerID: wid,
			Task:     payload,
			Status:   model.WorkerBlocked,
			Result: model.WorkerResult{
				Status:   model.ResultBlocked,
				Summary:  fmt.Sprintf("Worker blocked by budget policy: %s", reason),
				Warnings: []string{reason},
			},
			Error:     reason,
			StartedAt: now,
			EndedAt:   now,
		}
	}

	startedAt := time.Now().UTC()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		now := time.Now().UTC()
		return model.WorkerExecutionResult{
			WorkerID: wid, Task: payload, Status: model.WorkerFailed,
			Result:    model.WorkerResult{Status: model.ResultFailed, Summary: "cancelled before a worker slot freed up"},
			Error:     ctx.Err().Error(),
			StartedAt: now, EndedAt: now,
		}
	}
	defer func() { <-m.sem }()

	notify(model.WorkerRunning)

	path, branch, err := m.allocator.Create(ctx, wid)
	if err != nil {
		now := time.Now().UTC()
		notify(model.WorkerFailed)
		return model.WorkerExecutionResult{
			WorkerID: wid, Task: payload, Status: model.WorkerFailed,
			Result:    model.WorkerResult{Status: model.ResultFailed, Summary: "failed to allocate worktree"},
			Error:     err.Error(),
			StartedAt: startedAt, EndedAt: now,
		}
	}

	resultPath := filepath.Join(path, resultFileName)
	prompt := buildPrompt(payload, resultPath, extraContext)

	runner := agent.New()
	m.mu.Lock()
	m.runners[wid] = runner
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.runners, wid)
		m.mu.Unlock()
	}()

	usage := model.TokenUsage{}
	var assistantMessages []string

	onStdout := func(line string) {
		if u, ok := dispatch.UsageFromLine(line); ok {
			usage = usage.Add(u)
		}
		if msg, ok := dispatch.AgentMessageFromLine(line); ok {
			assistantMessages = append(assistantMessages, msg)
		}
	}

	timeout := time.Duration(m.cfg.WorkerTimeoutSeconds) * time.Second
	result, runErr := runner.Run(ctx, agent.Config{
		Binary:       m.cfg.CodexBinary,
		ApprovalMode: m.cfg.ApprovalMode,
		Model:        m.cfg.WorkerModel,
		WorkDir:      path,
		Prompt:       prompt,
		OnStdoutLine: onStdout,
	}, timeout)
	if runErr != nil {
		now := time.Now().UTC()
		notify(model.WorkerFailed)
		return model.WorkerExecutionResult{
			WorkerID: wid, Branch: branch, WorktreePath: path, Task: payload, Status: model.WorkerFailed,
			Result:    model.WorkerResult{Status: model.ResultFailed, Summary: "agent process failed to run"},
			Error:     runErr.Error(),
			StartedAt: startedAt, EndedAt: now,
		}
	}

	if usage.TotalTokens() == 0 {
		usage = budget.EstimateUsageFromText(result.Stdout)
	}
	m.tracker.AddUsage(usage, m.cfg.WorkerModel, wid)

	if _, _, err := m.allocator.AutoCommitIfDirty(ctx, path, wid, payload.Task); err != nil {
		log.Warn().Str("worker_id", wid).Err(err).Msg("auto-commit failed")
	}

	filesChanged, _ := m.driver.DiffNameOnly(ctx, "HEAD.."+branch)
	diffText, _ := m.driver.Diff(ctx, "HEAD.."+branch)

	workerResult := m.loadResult(resultPath)
	if workerResult == nil {
		fallback := "Worker completed without result file"
		if len(assistantMessages) > 0 {
			fallback = assistantMessages[len(assistantMessages)-1]
		}
		workerResult = &model.WorkerResult{
			Status:        model.ResultPartial,
			Summary:       fallback,
			FilesModified: filesChanged,
			TestsStatus:   model.TestsSkipped,
			Warnings:      []string{"Missing or invalid worker result file"},
			Confidence:    0.4,
		}
	}

	outOfScope := scope.OutOfScope(filesChanged, payload.Scope)
	requiresApproval := len(outOfScope) > 0

	status := model.WorkerCompleted
	errorMessage := ""
	switch {
	case result.TimedOut:
		status = model.WorkerTimedOut
		errorMessage = "Worker timed out"
		workerResult.Status = model.ResultFailed
		workerResult.Warnings = append(workerResult.Warnings, errorMessage)
	case result.ExitCode != 0:
		status = model.WorkerFailed
		errorMessage = fmt.Sprintf("Worker exited with code %d", result.ExitCode)
		if workerResult.Status == model.ResultSuccess {
			workerResult.Status = model.ResultPartial
		}
		workerResult.Warnings = append(workerResult.Warnings, errorMessage)
	case requiresApproval:
		status = model.WorkerPendingApproval
		if workerResult.Status == model.ResultSuccess {
			workerResult.Status = model.ResultPartial
		}
		workerResult.Warnings = append(workerResult.Warnings, "Out-of-scope edits require supervisor approval")
	}

	endedAt := time.Now().UTC()
	notify(status)

	return model.WorkerExecutionResult{
		WorkerID:         wid,
		Branch:           branch,
		WorktreePath:     path,
		Task:             payload,
		Status:           status,
		Result:           *workerResult,
		Usage:            usage,
		EstimatedCost:    m.tracker.WorkerCost(wid),
		RequiresApproval: requiresApproval,
		OutOfScopeFiles:  outOfScope,
		DiffText:         diffText,
		RawStdout:        result.Stdout,
		RawStderr:        result.Stderr,
		Error:            errorMessage,
		StartedAt:        startedAt,
		EndedAt:          endedAt,
	}
}

// ReleaseWorktree tears down a worker's worktree after its result has
// been consumed (merged or discarded).
func (m *Manager) ReleaseWorktree(ctx context.Context, workerID, path, branch string, deleteBranch bool) error {
	return m.allocator.Release(ctx, workerID, path, branch, deleteBranch)
}

func (m *Manager) loadResult(resultPath string) *model.WorkerResult {
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil
	}
	var r model.WorkerResult
	if err := json.Unmarshal(data, &r); err != nil {
		log.Warn().Err(err).Str("path", resultPath).Msg("invalid worker result file")
		return nil
	}
	r.ClampConfidence()
	return &r
}

const resultContractJSON = `{
  "status": "success | partial | failed | blocked",
  "summary": "2-3 sentence description of what was done",
  "files_modified": ["path/to/file"],
  "files_created": [],
  "files_deleted": [],
  "key_decisions": ["decision and rationale"],
  "warnings": ["out-of-scope warnings"],
  "tests_status": "passed | failed | skipped",
  "confidence": 0.0
}`

func buildPrompt(payload model.SpawnAgentPayload, resultPath, extraContext string) string {
	scopePatterns := payload.Scope
	if len(scopePatterns) == 0 {
		scopePatterns = []string{"**/*"}
	}
	scopeLines := ""
	for _, p := range scopePatterns {
		scopeLines += "- " + p + "\n"
	}

	context := payload.Context
	if extraContext != "" {
		context = context + "\n\nAdditional context:\n" + extraContext
	}
	if context == "" {
		context = "(none)"
	}

	return fmt.Sprintf(`You are a focused worker agent. Complete your task and nothing else.

Task:
%s

Allowed scope patterns:
%s
Context:
%s

Constraints:
- Only modify files matching allowed scope patterns.
- If you find important issues outside scope, report them in warnings and do not fix them.
- Run relevant tests when feasible.

Result contract:
- Write a JSON file to %s with this shape:
%s
- Then provide a brief final message.`, payload.Task, scopeLines, context, resultPath, resultContractJSON)
}
