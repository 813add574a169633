// Package orchestrator wires every codex-swarm component together: it
// owns the worker pool, strategy engine, merge coordinator, budget
// tracker, response writer, event bus, and IPC server, and is the single
// place that routes a parsed dispatch request (spawn_agent, spawn_swarm,
// check_workers, merge_results) or an IPC control message (pause_queue,
// resume_queue, cancel_worker, kill_supervisor) to the component that
// handles it.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rileywarren/codex-swarm/internal/budget"
	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/eventbus"
	"github.com/rileywarren/codex-swarm/internal/ipc"
	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/merge"
	"github.com/rileywarren/codex-swarm/internal/model"
	"github.com/rileywarren/codex-swarm/internal/response"
	"github.com/rileywarren/codex-swarm/internal/strategy"
	"github.com/rileywarren/codex-swarm/internal/supervisor"
	"github.com/rileywarren/codex-swarm/internal/vcs"
	"github.com/rileywarren/codex-swarm/internal/worker"
	"github.com/rileywarren/codex-swarm/internal/worktree"
)

var log = logging.Get("orchestrator")

// workerState is the orchestrator's live view of a worker, independent
// of (and updated ahead of) the final WorkerExecutionResult.
type workerState struct {
	WorkerID         string
	Status           string
	Task             string
	Branch           string
	RequiresApproval bool
	UpdatedAt        time.Time
}

// Orchestrator is the top-level runtime for one repo: it never touches
// the repo's working copy directly, delegating every git operation to
// the components it wires together.
type Orchestrator struct {
	repoPath     string
	cfg          *config.AppConfig
	responsePath string

	worktreeAllocator *worktree.Allocator
	budgetTracker     *budget.Tracker
	workerManager     *worker.Manager
	strategyEngine    *strategy.Engine
	supervisorManager *supervisor.Manager
	mergeCoordinator  *merge.Coordinator
	compressor        *response.Compressor
	writer            *response.Writer
	bus               *eventbus.Bus
	ipcServer         *ipc.Server

	mu                  sync.Mutex
	workerResults       map[string]model.WorkerExecutionResult
	workerStates        map[string]workerState
	pendingApproval     map[string]struct{}
	backgroundCancels   map[int]context.CancelFunc
	nextBackgroundID    int
	lastSupervisorUsage model.TokenUsage
}

// New wires every component for repoPath under cfg.
func New(repoPath string, cfg *config.AppConfig) *Orchestrator {
	driver := vcs.New(repoPath)
	allocator := worktree.NewAllocator(driver, cfg.Worktree.BaseDir)
	tracker := budget.New(cfg.Budget)
	workerManager := worker.New(repoPath, cfg.Swarm, allocator, driver, tracker)
	bus := eventbus.New()

	o := &Orchestrator{
		repoPath:          repoPath,
		cfg:               cfg,
		responsePath:      cfg.ResponseFilePath(repoPath),
		worktreeAllocator: allocator,
		budgetTracker:     tracker,
		workerManager:     workerManager,
		supervisorManager: supervisor.New(repoPath, cfg.Swarm),
		mergeCoordinator:  merge.New(driver),
		compressor:        response.NewCompressor(cfg.Results.MaxSummaryTokens, cfg.Results.MaxDiffLines),
		writer:            response.NewWriter(cfg.ResponseFilePath(repoPath)),
		bus:               bus,
		workerResults:     make(map[string]model.WorkerExecutionResult),
		workerStates:      make(map[string]workerState),
		pendingApproval:   make(map[string]struct{}),
		backgroundCancels: make(map[int]context.CancelFunc),
	}
	o.strategyEngine = strategy.New(workerManager.RunTask, cfg.Swarm.PipelineContinueOnError)
	o.ipcServer = ipc.New(cfg.IPC.SocketPath, cfg.IPC.MessageTerminator, bus, o.handleIPCMessage)
	return o
}

// Start cleans up worktrees left behind by a prior crashed run, starts
// the IPC server if configured, and emits orchestrator.started.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.worktreeAllocator.CleanupStale(ctx); err != nil {
		log.Warn().Err(err).Msg("cleanup stale worktrees failed")
	}
	if o.cfg.IPC.Method == "unix_socket" {
		if err := o.ipcServer.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start ipc server: %w", err)
		}
	}
	o.emit("orchestrator.started", map[string]any{"repo": o.repoPath})
	return nil
}

// Stop kills any in-flight supervisor, cancels background swarm runs,
// and stops the IPC server.
func (o *Orchestrator) Stop() {
	o.KillSupervisor()

	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.backgroundCancels))
	for _, cancel := range o.backgroundCancels {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	if o.cfg.IPC.Method == "unix_socket" {
		o.ipcServer.Stop()
	}
	o.emit("orchestrator.stopped", map[string]any{})
}

// Subscribe registers a new runtime-event listener. Call Close on the
// returned Subscription when done.
func (o *Orchestrator) Subscribe() *eventbus.Subscription {
	return o.bus.Subscribe()
}

// RunSupervisor runs the supervisor agent against taskDescription,
// routing every dispatch block it emits through HandleDispatch, until
// the process exits or is killed.
func (o *Orchestrator) RunSupervisor(ctx context.Context, taskDescription string) model.SupervisorRunResult {
	prompt := o.buildSupervisorPrompt(taskDescription)

	onDispatch := func(dispatchCtx context.Context, req model.DispatchRequest) {
		if _, err := o.HandleDispatch(dispatchCtx, req); err != nil {
			log.Warn().Str("tool", req.Tool).Err(err).Msg("dispatch handler failed")
		}
	}

	result := o.supervisorManager.Run(ctx, prompt, onDispatch, o.onSupervisorUsage, o.onSupervisorLog)
	o.emit("supervisor.completed", map[string]any{"exit_code": result.ExitCode})
	return result
}

// KillSupervisor kills the in-flight supervisor process, if any.
func (o *Orchestrator) KillSupervisor() bool {
	killed := o.supervisorManager.Kill()
	o.emit("supervisor.killed", map[string]any{"killed": killed})
	return killed
}

// RunStrategy runs tasks under strategyName, then registers and
// auto-merges each result in the order the strategy returned them. No
// result is registered or merged until the whole strategy has finished.
func (o *Orchestrator) RunStrategy(ctx context.Context, tasks []model.SpawnAgentPayload, strategyName model.Strategy, baseContext string) ([]model.WorkerExecutionResult, error) {
	results, err := o.strategyEngine.Execute(ctx, strategyName, tasks, baseContext, o.onWorkerLifecycle)
	if err != nil {
		return nil, err
	}
	for _, result := range results {
		o.registerWorkerResult(result)
		o.maybeAutoMerge(ctx, result)
	}
	return results, nil
}

// HandleDispatch routes a single parsed dispatch request to its
// component and writes the rendered response to the response file.
func (o *Orchestrator) HandleDispatch(ctx context.Context, request model.DispatchRequest) (map[string]any, error) {
	o.emit("dispatch.received", map[string]any{"tool": request.Tool, "request_id": request.RequestID})

	switch request.Tool {
	case "spawn_agent":
		payload := spawnAgentPayloadFromMap(request.Payload)
		result := o.workerManager.RunTask(ctx, payload, "", "", o.onWorkerLifecycle)
		o.registerWorkerResult(result)
		mergeOutcome := o.maybeAutoMerge(ctx, result)
		text := response.ComposeWorkerResponse(o.compressor, result, payload.ReturnFormat, mergeOutcome)
		o.writeResponse(text, request.RequestID)
		o.mu.Lock()
		status := o.workerStates[result.WorkerID].Status
		o.mu.Unlock()
		return map[string]any{"worker_id": result.WorkerID, "status": status}, nil

	case "spawn_swarm":
		payload := spawnSwarmPayloadFromMap(request.Payload)
		if payload.Wait {
			results, err := o.RunStrategy(ctx, payload.Tasks, payload.Strategy, "")
			if err != nil {
				return nil, err
			}
			o.writeResponse(response.ComposeSwarmResponse(results), request.RequestID)
			ids := make([]string, len(results))
			for i, r := range results {
				ids[i] = r.WorkerID
			}
			return map[string]any{"strategy": string(payload.Strategy), "workers": ids}, nil
		}

		o.launchBackground(func(bgCtx context.Context) {
			if _, err := o.RunStrategy(bgCtx, payload.Tasks, payload.Strategy, ""); err != nil {
				log.Warn().Err(err).Msg("background swarm run failed")
			}
		})
		o.writeResponse("Swarm launched in background.", request.RequestID)
		return map[string]any{"launched": true}, nil

	case "check_workers":
		payload := checkWorkersPayloadFromMap(request.Payload)
		data := o.checkWorkers(payload.WorkerIDs)
		encoded, _ := json.MarshalIndent(data, "", "  ")
		o.writeResponse(string(encoded), request.RequestID)
		return data, nil

	case "merge_results":
		payload := mergeResultsPayloadFromMap(request.Payload)
		data := o.mergeResults(ctx, payload)
		encoded, _ := json.MarshalIndent(data, "", "  ")
		o.writeResponse(string(encoded), request.RequestID)
		return data, nil
	}

	return nil, fmt.Errorf("orchestrator: unsupported dispatch tool: %s", request.Tool)
}

func (o *Orchestrator) handleIPCMessage(ctx context.Context, msg model.IPCMessage) *model.IPCMessage {
	reply := func(msgType string, payload map[string]any) *model.IPCMessage {
		return &model.IPCMessage{
			Type:      msgType,
			Payload:   payload,
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			ReplyTo:   &msg.ID,
		}
	}

	switch msg.Type {
	case "spawn_agent", "spawn_swarm", "check_workers", "merge_results":
		request := model.DispatchRequest{Tool: msg.Type, Payload: msg.Payload, RequestID: msg.ID}
		data, err := o.HandleDispatch(ctx, request)
		if err != nil {
			return reply("error", map[string]any{"message": err.Error()})
		}
		return reply("response", data)

	case "pause_queue":
		o.strategyEngine.PauseQueue()
		return reply("ack", map[string]any{"paused": true})

	case "resume_queue":
		o.strategyEngine.ResumeQueue()
		return reply("ack", map[string]any{"paused": false})

	case "cancel_worker":
		workerID, _ := msg.Payload["worker_id"].(string)
		cancelled := o.workerManager.CancelWorker(workerID)
		return reply("ack", map[string]any{"worker_id": workerID, "cancelled": cancelled})

	case "kill_supervisor":
		killed := o.KillSupervisor()
		return reply("ack", map[string]any{"killed": killed})
	}

	return reply("error", map[string]any{"message": fmt.Sprintf("unsupported type %s", msg.Type)})
}

func (o *Orchestrator) registerWorkerResult(result model.WorkerExecutionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.workerResults[result.WorkerID] = result
	o.workerStates[result.WorkerID] = workerState{
		WorkerID:         result.WorkerID,
		Status:           string(result.Status),
		Task:             result.Task.Task,
		Branch:           result.Branch,
		RequiresApproval: result.RequiresApproval,
		UpdatedAt:        time.Now().UTC(),
	}
	if result.RequiresApproval {
		o.pendingApproval[result.WorkerID] = struct{}{}
	}
}

// maybeAutoMerge applies the auto-merge policy to a just-completed
// worker: skipped entirely when worktree.auto_merge is off, held for a
// pending-approval or non-completed result, merged otherwise. The
// worktree is always released (branch deleted only on a clean merge).
func (o *Orchestrator) maybeAutoMerge(ctx context.Context, result model.WorkerExecutionResult) *model.MergeOutcome {
	canCleanup := result.WorktreePath != "" && result.Branch != ""
	release := func(deleteBranch bool) {
		if !canCleanup {
			return
		}
		if err := o.workerManager.ReleaseWorktree(ctx, result.WorkerID, result.WorktreePath, result.Branch, deleteBranch); err != nil {
			log.Warn().Err(err).Str("worker_id", result.WorkerID).Msg("release worktree failed")
		}
	}

	if !o.cfg.Worktree.AutoMerge {
		release(false)
		return nil
	}

	if result.RequiresApproval {
		release(false)
		return &model.MergeOutcome{WorkerID: result.WorkerID, Branch: result.Branch, Message: "pending_supervisor_approval"}
	}

	if result.Status != model.WorkerCompleted {
		release(false)
		return &model.MergeOutcome{WorkerID: result.WorkerID, Branch: result.Branch, Message: string(result.Status)}
	}

	outcome := o.mergeCoordinator.MergeBranch(ctx, result.WorkerID, result.Branch, result.Task.Task, model.ResolveAbort)
	o.updateWorkerMergeStatus(result.WorkerID, outcome)
	o.emit("worker.merged", mergeOutcomePayload(outcome))
	release(outcome.Merged)
	return &outcome
}

// mergeResults handles an explicit merge_results dispatch: worker_ids
// defaults to the sorted pending-approval set, each branch is merged
// under the requested conflict strategy, and merged workers are
// released with their branch deleted.
func (o *Orchestrator) mergeResults(ctx context.Context, payload model.MergeResultsPayload) map[string]any {
	workerIDs := payload.WorkerIDs
	if len(workerIDs) == 0 {
		o.mu.Lock()
		workerIDs = make([]string, 0, len(o.pendingApproval))
		for id := range o.pendingApproval {
			workerIDs = append(workerIDs, id)
		}
		o.mu.Unlock()
		sort.Strings(workerIDs)
	}

	outcomes := make([]map[string]any, 0, len(workerIDs))
	for _, workerID := range workerIDs {
		o.mu.Lock()
		result, ok := o.workerResults[workerID]
		o.mu.Unlock()
		if !ok {
			outcomes = append(outcomes, map[string]any{"worker_id": workerID, "merged": false, "error": "unknown worker"})
			continue
		}

		outcome := o.mergeCoordinator.MergeBranch(ctx, workerID, result.Branch, result.Task.Task, payload.ResolveConflicts)
		o.updateWorkerMergeStatus(workerID, outcome)
		outcomes = append(outcomes, mergeOutcomePayload(outcome))
		o.emit("worker.merged", mergeOutcomePayload(outcome))

		if outcome.Merged {
			o.mu.Lock()
			delete(o.pendingApproval, workerID)
			o.mu.Unlock()
			if result.WorktreePath != "" && result.Branch != "" {
				if err := o.workerManager.ReleaseWorktree(ctx, workerID, result.WorktreePath, result.Branch, true); err != nil {
					log.Warn().Err(err).Str("worker_id", workerID).Msg("release worktree failed")
				}
			}
		}
	}

	return map[string]any{"outcomes": outcomes}
}

func (o *Orchestrator) updateWorkerMergeStatus(workerID string, outcome model.MergeOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.workerStates[workerID]
	if !ok {
		state = workerState{WorkerID: workerID}
	}
	if outcome.Merged {
		state.Status = string(model.WorkerMerged)
	} else {
		state.Status = string(model.WorkerMergeConflict)
	}
	state.UpdatedAt = time.Now().UTC()
	o.workerStates[workerID] = state
}

func (o *Orchestrator) checkWorkers(requested []string) map[string]any {
	o.mu.Lock()
	allIDs := make(map[string]struct{})
	states := make(map[string]workerState, len(o.workerStates))
	for id, s := range o.workerStates {
		allIDs[id] = struct{}{}
		states[id] = s
	}
	results := make(map[string]model.WorkerExecutionResult, len(o.workerResults))
	for id, r := range o.workerResults {
		allIDs[id] = struct{}{}
		results[id] = r
	}
	pending := make([]string, 0, len(o.pendingApproval))
	for id := range o.pendingApproval {
		pending = append(pending, id)
	}
	o.mu.Unlock()
	sort.Strings(pending)

	for _, id := range o.workerManager.RunningIDs() {
		allIDs[id] = struct{}{}
	}

	ids := requested
	if len(ids) == 0 {
		ids = make([]string, 0, len(allIDs))
		for id := range allIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	workers := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		state, hasState := states[id]
		record, hasRecord := results[id]
		if !hasState && !hasRecord {
			workers = append(workers, map[string]any{"worker_id": id, "status": "unknown"})
			continue
		}

		status, task, branch, updatedAt := "unknown", "", "", ""
		requiresApproval := false
		if hasState {
			status, task, branch, requiresApproval = state.Status, state.Task, state.Branch, state.RequiresApproval
			updatedAt = state.UpdatedAt.Format(time.RFC3339)
		} else {
			status, task, branch = string(record.Status), record.Task.Task, record.Branch
		}

		workers = append(workers, map[string]any{
			"worker_id":         id,
			"status":            status,
			"task":              task,
			"requires_approval": requiresApproval,
			"branch":            branch,
			"running":           o.workerManager.Running(id),
			"updated_at":        updatedAt,
		})
	}

	return map[string]any{
		"workers":          workers,
		"pending_approval": pending,
		"budget":           budgetSnapshotPayload(o.budgetTracker.Snapshot()),
	}
}

func (o *Orchestrator) onWorkerLifecycle(workerID string, status model.WorkerStatus, payload model.SpawnAgentPayload) {
	o.mu.Lock()
	state, ok := o.workerStates[workerID]
	if !ok {
		state = workerState{WorkerID: workerID}
	}
	state.Status = string(status)
	state.Task = payload.Task
	state.UpdatedAt = time.Now().UTC()
	o.workerStates[workerID] = state
	o.mu.Unlock()

	o.emit("worker.status", map[string]any{"worker_id": workerID, "status": string(status), "task": payload.Task})
}

func (o *Orchestrator) onSupervisorUsage(cumulative model.TokenUsage) {
	o.mu.Lock()
	last := o.lastSupervisorUsage
	o.lastSupervisorUsage = cumulative
	o.mu.Unlock()

	delta := model.TokenUsage{
		InputTokens:       maxInt(0, cumulative.InputTokens-last.InputTokens),
		CachedInputTokens: maxInt(0, cumulative.CachedInputTokens-last.CachedInputTokens),
		OutputTokens:      maxInt(0, cumulative.OutputTokens-last.OutputTokens),
	}
	snapshot := o.budgetTracker.AddUsage(delta, o.cfg.Swarm.SupervisorModel, "supervisor")
	o.emit("budget.updated", budgetSnapshotPayload(snapshot))

	if snapshot.Warned && o.cfg.IPC.Method == "unix_socket" {
		o.ipcServer.Broadcast(model.IPCMessage{
			Type:      "budget_warning",
			Payload:   budgetSnapshotPayload(snapshot),
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (o *Orchestrator) onSupervisorLog(channel, line string) {
	o.emit("log", map[string]any{"channel": channel, "line": line})
}

func (o *Orchestrator) writeResponse(text, requestID string) {
	marker, err := o.writer.Append(text, requestID)
	if err != nil {
		log.Error().Err(err).Msg("write response failed")
		return
	}
	o.emit("response.written", map[string]any{"path": o.responsePath, "request_id": marker})
}

func (o *Orchestrator) emit(eventType string, payload map[string]any) {
	o.bus.Publish(model.NewRuntimeEvent(eventType, payload))
}

func (o *Orchestrator) launchBackground(fn func(ctx context.Context)) {
	bgCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	id := o.nextBackgroundID
	o.nextBackgroundID++
	o.backgroundCancels[id] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.backgroundCancels, id)
			o.mu.Unlock()
			cancel()
		}()
		fn(bgCtx)
	}()
}

func (o *Orchestrator) buildSupervisorPrompt(taskDescription string) string {
	return fmt.Sprintf(`You are the Codex Swarm supervisor.

Objective:
%s

You may dispatch work with fenced tool blocks using EXACT tags:
- spawn_agent
- spawn_swarm
- check_workers
- merge_results

Examples:
`+"```spawn_agent"+`
{
  "task": "Implement auth refactor",
  "scope": ["src/auth/**", "tests/auth/**"],
  "context": "Keep public interfaces stable",
  "priority": "high",
  "return_format": "summary"
}
`+"```"+`

Rules:
1) After emitting a dispatch block, stop and wait.
2) Read %s for responses before continuing.
3) Do not produce additional unrelated output while waiting.
4) Use merge_results explicitly for workers flagged as pending approval.`, taskDescription, o.responsePath)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mergeOutcomePayload(o model.MergeOutcome) map[string]any {
	return map[string]any{
		"worker_id": o.WorkerID,
		"branch":    o.Branch,
		"merged":    o.Merged,
		"conflict":  o.Conflict,
		"message":   o.Message,
	}
}

func budgetSnapshotPayload(s model.BudgetSnapshot) map[string]any {
	return map[string]any{
		"total_input_tokens":  s.TotalInputTokens,
		"total_output_tokens": s.TotalOutputTokens,
		"total_tokens":        s.TotalTokens,
		"total_cost":          s.TotalCost,
		"warned":              s.Warned,
	}
}
