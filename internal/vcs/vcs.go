// Package vcs wraps the git subprocess calls that back worktree
// allocation and merge coordination.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rileywarren/codex-swarm/internal/logging"
)

var log = logging.Get("vcs")

// Driver is the subset of git operations the orchestrator needs against
// its main working copy and per-worker worktrees.
type Driver interface {
	// CreateWorktree adds a new worktree at path on a new branch checked
	// out from HEAD.
	CreateWorktree(ctx context.Context, path, branch string) error
	// RemoveWorktree removes the worktree at path, optionally deleting
	// its branch. Best-effort: failures to remove via git fall back to a
	// filesystem removal.
	RemoveWorktree(ctx context.Context, path, branch string, deleteBranch bool) error
	// ListWorktrees returns the paths of every worktree git currently
	// tracks for the repository.
	ListWorktrees(ctx context.Context) ([]string, error)
	// AutoCommitIfDirty commits all pending changes under worktreePath
	// using a fixed bot identity, returning the new commit hash and
	// whether anything was committed. A clean worktree is a no-op.
	AutoCommitIfDirty(ctx context.Context, worktreePath, message string) (hash string, committed bool, err error)
	// DiffNameOnly lists the paths changed by revRange (e.g. "HEAD..branch").
	DiffNameOnly(ctx context.Context, revRange string) ([]string, error)
	// Diff returns the full unified diff for revRange.
	Diff(ctx context.Context, revRange string) (string, error)
	// Merge merges branch into the current HEAD with the given flags and
	// commit message, returning combined stdout+stderr.
	Merge(ctx context.Context, branch, message string, extraFlags ...string) (output string, err error)
	// AbortMerge runs `git merge --abort`, tolerating "no merge in
	// progress" errors.
	AbortMerge(ctx context.Context) error
}

// GitDriver is the default Driver, shelling out to the system git binary
// against repoRoot. Grounded on the teacher's internal/worktree.Manager,
// which performs every operation below the same way: os/exec plus
// CombinedOutput, never an in-process git library.
type GitDriver struct {
	repoRoot string
}

// New returns a GitDriver rooted at repoRoot.
func New(repoRoot string) *GitDriver {
	return &GitDriver{repoRoot: repoRoot}
}

func (d *GitDriver) git(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = d.repoRoot
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		log.Debug().Strs("args", args).Str("dir", dir).Str("output", output).Err(err).Msg("git command failed")
		return output, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(output))
	}
	return output, nil
}

func (d *GitDriver) CreateWorktree(ctx context.Context, path, branch string) error {
	_, err := d.git(ctx, "", "worktree", "add", "-b", branch, path, "HEAD")
	if err != nil {
		return err
	}
	log.Info().Str("path", path).Str("branch", branch).Msg("created worktree")
	return nil
}

func (d *GitDriver) RemoveWorktree(ctx context.Context, path, branch string, deleteBranch bool) error {
	_, _ = d.git(ctx, "", "worktree", "remove", "--force", path)
	if _, statErr := os.Stat(path); statErr == nil {
		_ = os.RemoveAll(path)
	}
	_, _ = d.git(ctx, "", "worktree", "prune")
	if deleteBranch && branch != "" {
		_, _ = d.git(ctx, "", "branch", "-D", branch)
	}
	log.Info().Str("path", path).Str("branch", branch).Bool("delete_branch", deleteBranch).Msg("removed worktree")
	return nil
}

func (d *GitDriver) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := d.git(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "worktree ")))
		}
	}
	return paths, nil
}

func (d *GitDriver) AutoCommitIfDirty(ctx context.Context, worktreePath, message string) (string, bool, error) {
	status, err := d.git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}

	if _, err := d.git(ctx, worktreePath, "add", "-A"); err != nil {
		return "", false, err
	}
	if _, err := d.git(ctx, worktreePath,
		"-c", "user.name=Codex Swarm",
		"-c", "user.email=codex-swarm@local",
		"commit", "-m", message); err != nil {
		return "", false, err
	}

	hash, err := d.git(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", true, err
	}
	return strings.TrimSpace(hash), true, nil
}

func (d *GitDriver) DiffNameOnly(ctx context.Context, revRange string) ([]string, error) {
	out, err := d.git(ctx, "", "diff", "--name-only", revRange)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

func (d *GitDriver) Diff(ctx context.Context, revRange string) (string, error) {
	return d.git(ctx, "", "diff", revRange)
}

func (d *GitDriver) Merge(ctx context.Context, branch, message string, extraFlags ...string) (string, error) {
	args := append([]string{"merge", "--no-ff", "-m", message}, extraFlags...)
	args = append(args, branch)
	return d.git(ctx, "", args...)
}

func (d *GitDriver) AbortMerge(ctx context.Context) error {
	out, err := d.git(ctx, "", "merge", "--abort")
	if err != nil && strings.Contains(out, "no merge to abort") {
		return nil
	}
	return err
}
