// Package budget tracks cumulative token usage and estimated cost across
// a swarm run, gating new worker admission and surfacing a sticky warning
// once spend crosses a configured threshold.
package budget

import (
	"sync"

	"github.com/rileywarren/codex-swarm/internal/config"
	"github.com/rileywarren/codex-swarm/internal/model"
)

// defaultInputPrice and defaultOutputPrice are the dollars-per-1K-token
// fallback used when a model slug has no entry in the configured price
// table, matching original_source/budget_tracker.py's MODEL_PRICE_PER_1K
// fallback.
const (
	defaultInputPrice  = 0.004
	defaultOutputPrice = 0.012
)

// Tracker accumulates token usage and cost, and answers admission-control
// questions for WorkerManager.
type Tracker struct {
	cfg config.Budget

	mu                sync.Mutex
	totalInputTokens  int
	totalOutputTokens int
	totalCost         float64
	warned            bool
	workerCosts       map[string]float64
}

// New returns a Tracker configured from cfg.
func New(cfg config.Budget) *Tracker {
	return &Tracker{cfg: cfg, workerCosts: make(map[string]float64)}
}

// priceFor resolves (input, output) dollars-per-1K-tokens for model,
// falling back to the data-driven default when the slug isn't listed.
func (t *Tracker) priceFor(modelSlug string) (input, output float64) {
	for _, p := range t.cfg.ModelPrices {
		if p.Slug == modelSlug {
			return p.Input, p.Output
		}
	}
	return defaultInputPrice, defaultOutputPrice
}

// EstimateCost computes the dollar cost of usage under modelSlug's
// pricing, counting only billable (non-cached) input tokens.
func (t *Tracker) EstimateCost(modelSlug string, usage model.TokenUsage) float64 {
	inputPrice, outputPrice := t.priceFor(modelSlug)
	billable := float64(usage.BillableInputTokens())
	return (billable/1000.0)*inputPrice + (float64(usage.OutputTokens)/1000.0)*outputPrice
}

// EstimateUsageFromText is the coarse fallback usage estimate
// (~4 chars/token, all counted as output) used when a child process never
// reports structured usage.
func EstimateUsageFromText(text string) model.TokenUsage {
	outputTokens := len(text) / 4
	if outputTokens < 1 {
		outputTokens = 1
	}
	return model.TokenUsage{OutputTokens: outputTokens}
}

// AddUsage records usage attributed to modelSlug (and optionally a
// specific workerID), returning the resulting snapshot. The sticky warned
// flag is set the first time cumulative cost crosses warn_at_percent of
// max_total_cost, and never cleared afterward.
func (t *Tracker) AddUsage(usage model.TokenUsage, modelSlug string, workerID string) model.BudgetSnapshot {
	cost := t.EstimateCost(modelSlug, usage)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalInputTokens += usage.InputTokens
	t.totalOutputTokens += usage.OutputTokens
	t.totalCost += cost

	if workerID != "" {
		t.workerCosts[workerID] += cost
	}

	if !t.warned && t.cfg.MaxTotalCost > 0 {
		pct := (t.totalCost / t.cfg.MaxTotalCost) * 100
		if pct >= float64(t.cfg.WarnAtPercent) {
			t.warned = true
		}
	}

	return t.snapshotLocked()
}

// Snapshot returns the current cumulative usage/cost view.
func (t *Tracker) Snapshot() model.BudgetSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() model.BudgetSnapshot {
	total := t.totalInputTokens + t.totalOutputTokens
	return model.BudgetSnapshot{
		TotalInputTokens:  t.totalInputTokens,
		TotalOutputTokens: t.totalOutputTokens,
		TotalTokens:       total,
		TotalCost:         t.totalCost,
		Warned:            t.warned,
	}
}

// CanSpawn reports whether a new worker may be admitted, and why not if
// it may not. A zero or negative cap disables that particular check.
func (t *Tracker) CanSpawn() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.totalInputTokens + t.totalOutputTokens
	if t.cfg.MaxTotalTokens > 0 && total >= t.cfg.MaxTotalTokens {
		return false, "max_total_tokens exceeded"
	}
	if t.cfg.MaxTotalCost > 0 && t.totalCost >= t.cfg.MaxTotalCost {
		return false, "max_total_cost exceeded"
	}
	return true, "ok"
}

// WorkerWithinBudget is an advisory per-worker cost check.
func (t *Tracker) WorkerWithinBudget(workerID string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := t.workerCosts[workerID]
	if t.cfg.MaxWorkerCost > 0 && cost >= t.cfg.MaxWorkerCost {
		return false, "max_worker_cost exceeded"
	}
	return true, "ok"
}

// WorkerCost returns the cumulative cost attributed to workerID so far.
func (t *Tracker) WorkerCost(workerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workerCosts[workerID]
}
