// Package strategy schedules a batch of spawn_agent tasks across
// fan-out, pipeline, map-reduce, and debate execution strategies, with a
// pause/resume gate that all strategies honor before starting each task.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rileywarren/codex-swarm/internal/model"
	"github.com/rileywarren/codex-swarm/internal/worker"
)

// RunTaskFunc matches worker.Manager.RunTask's signature, abstracted so
// Engine can be tested without a real worker.Manager.
type RunTaskFunc func(ctx context.Context, payload model.SpawnAgentPayload, extraContext, workerID string, onStatus worker.LifecycleCallback) model.WorkerExecutionResult

// Engine schedules tasks across the four supported strategies.
type Engine struct {
	runTask                 RunTaskFunc
	pipelineContinueOnError bool

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// New returns an Engine that dispatches tasks via runTask.
func New(runTask RunTaskFunc, pipelineContinueOnError bool) *Engine {
	e := &Engine{runTask: runTask, pipelineContinueOnError: pipelineContinueOnError}
	e.resume = make(chan struct{})
	close(e.resume) // start unpaused: an already-closed channel never blocks a receiver.
	return e
}

// PauseQueue blocks every strategy from starting a new task until
// ResumeQueue is called. Tasks already in flight are unaffected.
func (e *Engine) PauseQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.paused = true
	e.resume = make(chan struct{})
}

// ResumeQueue releases any strategy blocked in PauseQueue.
func (e *Engine) ResumeQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	close(e.resume)
}

// awaitUnpaused blocks until the queue is unpaused or ctx is cancelled.
func (e *Engine) awaitUnpaused(ctx context.Context) error {
	e.mu.Lock()
	gate := e.resume
	e.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute dispatches tasks under strategy, running lifecycle through
// onStatus.
func (e *Engine) Execute(ctx context.Context, strategyName model.Strategy, tasks []model.SpawnAgentPayload, baseContext string, onStatus worker.LifecycleCallback) ([]model.WorkerExecutionResult, error) {
	switch strategyName {
	case model.StrategyFanOut:
		return e.executeFanOut(ctx, tasks, baseContext, onStatus)
	case model.StrategyPipeline:
		return e.executePipeline(ctx, tasks, baseContext, onStatus)
	case model.StrategyMapReduce:
		return e.executeMapReduce(ctx, tasks, baseContext, onStatus)
	case model.StrategyDebate:
		return e.executeDebate(ctx, tasks, baseContext, onStatus)
	default:
		return nil, fmt.Errorf("strategy: unsupported strategy %q", strategyName)
	}
}

func priorityRank(p model.Priority) int {
	switch p {
	case model.PriorityHigh:
		return 0
	case model.PriorityNormal:
		return 1
	default:
		return 2
	}
}

// executeFanOut runs every task concurrently, ordered by priority only
// for scheduling intent (all are launched up front; worker.Manager's own
// semaphore provides the actual admission ordering). Uses errgroup so a
// context cancellation (e.g. orchestrator shutdown) propagates to every
// still-pending task's awaitUnpaused wait without extra plumbing.
func (e *Engine) executeFanOut(ctx context.Context, tasks []model.SpawnAgentPayload, baseContext string, onStatus worker.LifecycleCallback) ([]model.WorkerExecutionResult, error) {
	ordered := make([]model.SpawnAgentPayload, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityRank(ordered[i].Priority) < priorityRank(ordered[j].Priority)
	})

	results := make([]model.WorkerExecutionResult, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range ordered {
		i, payload := i, task
		g.Go(func() error {
			if err := e.awaitUnpaused(gctx); err != nil {
				results[i] = model.WorkerExecutionResult{
					Task: payload, Status: model.WorkerFailed,
					Result: model.WorkerResult{Status: model.ResultFailed, Summary: "cancelled while queue was paused"},
					Error:  err.Error(),
				}
				return nil
			}
			results[i] = e.runTask(ctx, payload, baseContext, "", onStatus)
			return nil
		})
	}
	_ = g.Wait() // task goroutines never return an error; failures live in each result's Status/Error.
	return results, nil
}

// executePipeline runs tasks one after another, carrying each result's
// summary forward as context for the next, stopping early on a
// failed/timed-out step unless configured to continue.
func (e *Engine) executePipeline(ctx context.Context, tasks []model.SpawnAgentPayload, baseContext string, onStatus worker.LifecycleCallback) ([]model.WorkerExecutionResult, error) {
	var results []model.WorkerExecutionResult
	rollingContext := baseContext

	for _, task := range tasks {
		if err := e.awaitUnpaused(ctx); err != nil {
			return results, err
		}

		result := e.runTask(ctx, task, rollingContext, "", onStatus)
		results = append(results, result)

		rollingContext = fmt.Sprintf("%s\n\nPrevious step %s summary:\n%s", rollingContext, result.WorkerID, result.Result.Summary)

		if !e.pipelineContinueOnError && (result.Status == model.WorkerFailed || result.Status == model.WorkerTimedOut) {
			break
		}
	}
	return results, nil
}

// executeMapReduce runs every task in fan-out then spawns one more
// worker to consolidate their summaries.
func (e *Engine) executeMapReduce(ctx context.Context, tasks []model.SpawnAgentPayload, baseContext string, onStatus worker.LifecycleCallback) ([]model.WorkerExecutionResult, error) {
	mapResults, err := e.executeFanOut(ctx, tasks, baseContext, onStatus)
	if err != nil {
		return mapResults, err
	}

	reducerContext := baseContext + "\n\nMap worker results:"
	for _, r := range mapResults {
		reducerContext += fmt.Sprintf("\n- %s: %s", r.WorkerID, r.Result.Summary)
	}

	reducerTask := model.SpawnAgentPayload{
		Task:         "Produce a consolidated summary of all map results and list final recommendations.",
		Context:      reducerContext,
		Priority:     model.PriorityNormal,
		ReturnFormat: model.ReturnFormatSummary,
	}
	if err := e.awaitUnpaused(ctx); err != nil {
		return mapResults, err
	}
	reducerResult := e.runTask(ctx, reducerTask, "", "", onStatus)
	return append(mapResults, reducerResult), nil
}

// executeDebate runs every task in fan-out, then marks the highest
// confidence successful result as the debate winner.
func (e *Engine) executeDebate(ctx context.Context, tasks []model.SpawnAgentPayload, baseContext string, onStatus worker.LifecycleCallback) ([]model.WorkerExecutionResult, error) {
	results, err := e.executeFanOut(ctx, tasks, baseContext, onStatus)
	if err != nil {
		return results, err
	}

	var winnerIdx = -1
	for i, r := range results {
		if r.Status != model.WorkerCompleted && r.Status != model.WorkerPendingApproval {
			continue
		}
		if winnerIdx == -1 || r.Result.Confidence > results[winnerIdx].Result.Confidence {
			winnerIdx = i
		}
	}
	if winnerIdx >= 0 {
		results[winnerIdx].Result.KeyDecisions = append(results[winnerIdx].Result.KeyDecisions, "debate_winner")
	}
	return results, nil
}
