// Package worktree allocates and releases per-worker git worktrees: one
// isolated checkout per spawned worker, on its own branch, cleaned up on
// release or (for worktrees left over from a prior run) at startup.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/vcs"
)

var log = logging.Get("worktree")

const branchPrefix = "codex-swarm/worker-"

// Allocator creates and releases per-worker worktrees under baseDir,
// naming branches "codex-swarm/worker-<id>" the way
// original_source/worktree_manager.py does.
type Allocator struct {
	driver  vcs.Driver
	baseDir string
}

// NewAllocator returns an Allocator that creates worktrees as siblings
// under baseDir, using driver for the underlying git operations.
func NewAllocator(driver vcs.Driver, baseDir string) *Allocator {
	return &Allocator{driver: driver, baseDir: baseDir}
}

// BranchName returns the branch name this allocator would use for workerID.
func BranchName(workerID string) string {
	return branchPrefix + workerID
}

// Create allocates a fresh worktree for workerID. If a stale worktree
// already occupies the target path (e.g. a crash left one behind), it is
// removed first.
func (a *Allocator) Create(ctx context.Context, workerID string) (path, branch string, err error) {
	branch = BranchName(workerID)
	path = filepath.Join(a.baseDir, "worker-"+workerID)

	_ = a.driver.RemoveWorktree(ctx, path, branch, true)

	if err := a.driver.CreateWorktree(ctx, path, branch); err != nil {
		return "", "", fmt.Errorf("worktree: create for %s: %w", workerID, err)
	}
	return path, branch, nil
}

// Release removes the worktree at path, deleting its branch only when
// deleteBranch is true (the caller has decided the branch's work is
// either merged or no longer needed).
func (a *Allocator) Release(ctx context.Context, workerID, path, branch string, deleteBranch bool) error {
	if err := a.driver.RemoveWorktree(ctx, path, branch, deleteBranch); err != nil {
		return fmt.Errorf("worktree: release for %s: %w", workerID, err)
	}
	return nil
}

// CleanupStale removes every worktree under baseDir from a prior process
// lifetime, called once at orchestrator startup.
func (a *Allocator) CleanupStale(ctx context.Context) error {
	paths, err := a.driver.ListWorktrees(ctx)
	if err != nil {
		return fmt.Errorf("worktree: list for stale cleanup: %w", err)
	}

	var removed int
	for _, p := range paths {
		if !strings.HasPrefix(filepath.Base(p), "worker-") {
			continue
		}
		if !strings.HasPrefix(p, a.baseDir) {
			continue
		}
		workerID := strings.TrimPrefix(filepath.Base(p), "worker-")
		if err := a.driver.RemoveWorktree(ctx, p, BranchName(workerID), true); err != nil {
			log.Warn().Str("path", p).Err(err).Msg("failed to remove stale worktree")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("removed stale worktrees")
	}
	return nil
}

// AutoCommitIfDirty commits any uncommitted changes in the worktree under
// a fixed bot identity, keyed by workerID and truncated task description.
func (a *Allocator) AutoCommitIfDirty(ctx context.Context, path, workerID, task string) (hash string, committed bool, err error) {
	summary := task
	if len(summary) > 60 {
		summary = summary[:60]
	}
	message := fmt.Sprintf("feat(worker): %s %s", workerID, summary)
	return a.driver.AutoCommitIfDirty(ctx, path, message)
}
