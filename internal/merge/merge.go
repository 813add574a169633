// Package merge coordinates merging worker branches back into the main
// working copy: every merge attempt is serialized by a single mutex, and
// a conflicting merge is unwound with `git merge --abort` so the working
// copy is always left clean.
package merge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/model"
	"github.com/rileywarren/codex-swarm/internal/vcs"
)

var log = logging.Get("merge")

// Coordinator serializes every merge attempt against the main working
// copy with a single mutex; worker worktrees are disjoint subtrees and
// need no further locking.
type Coordinator struct {
	driver vcs.Driver
	mu     sync.Mutex
}

// New returns a Coordinator merging branches via driver.
func New(driver vcs.Driver) *Coordinator {
	return &Coordinator{driver: driver}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// MergeBranch merges branch into HEAD under resolve's conflict strategy,
// aborting and reporting conflict:true on any non-zero exit.
func (c *Coordinator) MergeBranch(ctx context.Context, workerID, branch, taskSummary string, resolve model.ResolveConflicts) model.MergeOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	message := fmt.Sprintf("chore(codex-swarm): merge %s - %s", workerID, truncate(taskSummary, 72))

	var extraFlags []string
	switch resolve {
	case model.ResolveOurs:
		extraFlags = []string{"-X", "ours"}
	case model.ResolveTheirs:
		extraFlags = []string{"-X", "theirs"}
	}

	output, err := c.driver.Merge(ctx, branch, message, extraFlags...)
	if err == nil {
		log.Info().Str("worker_id", workerID).Str("branch", branch).Msg("merged branch")
		return model.MergeOutcome{WorkerID: workerID, Branch: branch, Merged: true, Message: output}
	}

	if abortErr := c.driver.AbortMerge(ctx); abortErr != nil {
		log.Warn().Err(abortErr).Msg("merge --abort failed")
	}
	log.Warn().Str("worker_id", workerID).Str("branch", branch).Msg("merge conflict")

	details := output
	if details == "" {
		details = "merge conflict"
	}
	return model.MergeOutcome{WorkerID: workerID, Branch: branch, Merged: false, Conflict: true, Message: details}
}
