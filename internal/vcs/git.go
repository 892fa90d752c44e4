package vcs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/chamber/internal/log"
)

// VCS-specific errors surfaced to callers and mapped onto wire codes by
// the transport layer.
var (
	// ErrBranchCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathExists indicates the worktree path already exists.
	ErrPathExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotRepo indicates the directory is not a git repository.
	ErrNotRepo = errors.New("not a git repository")

	// ErrUnknownRef indicates a missing branch or revision.
	ErrUnknownRef = errors.New("unknown ref")

	// ErrVCSUnavailable indicates git itself could not be executed.
	ErrVCSUnavailable = errors.New("vcs unavailable")
)

// Compile-time check that Git implements Executor.
var _ Executor = (*Git)(nil)

// Git implements Executor by shelling out to the git binary. A single
// mutex serializes every command against the repository; worktree
// mutations racing each other corrupt git's administrative files.
type Git struct {
	repoDir string
	mu      sync.Mutex
}

// NewGit creates an Executor rooted at repoDir.
func NewGit(repoDir string) *Git {
	return &Git{repoDir: repoDir}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if dir == "" {
		dir = g.repoDir
	}
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", fmt.Errorf("%w: %v", ErrVCSUnavailable, err)
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			log.Debug(log.CatVCS, "git command failed", "args", strings.Join(args, " "), "stderr", stderrStr)
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(lower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	if strings.Contains(lower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotRepo, stderr)
	}

	// Missing revision: fatal: bad revision / unknown revision / ambiguous argument
	if strings.Contains(lower, "unknown revision") ||
		strings.Contains(lower, "bad revision") ||
		strings.Contains(lower, "ambiguous argument") {
		return fmt.Errorf("%w: %s", ErrUnknownRef, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// CreateWorktree creates a worktree at path with a new branch.
func (g *Git) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := g.run(ctx, "", args...)
	return err
}

// RemoveWorktree removes the worktree at path, retrying with --force.
func (g *Git) RemoveWorktree(ctx context.Context, path, branch string, deleteBranch bool) error {
	if _, err := g.run(ctx, "", "worktree", "remove", path); err != nil {
		if _, err := g.run(ctx, "", "worktree", "remove", "--force", path); err != nil {
			return err
		}
	}
	if deleteBranch && branch != "" {
		if _, err := g.run(ctx, "", "branch", "-D", branch); err != nil {
			return err
		}
	}
	return nil
}

// ListWorktrees returns all worktrees of the repository.
func (g *Git) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := g.run(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// PruneWorktrees drops stale worktree bookkeeping.
func (g *Git) PruneWorktrees(ctx context.Context) error {
	_, err := g.run(ctx, "", "worktree", "prune")
	return err
}

// BranchExists checks if a local branch with the given name exists.
func (g *Git) BranchExists(ctx context.Context, name string) bool {
	_, err := g.run(ctx, "", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CurrentBranch returns the name of the checked-out branch.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "", "branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	output, err = g.run(ctx, "", "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// MainBranch detects the main branch name using multiple strategies.
// Order: config, remote HEAD, main/master existence, fallback to "main".
func (g *Git) MainBranch(ctx context.Context) (string, error) {
	if branch, err := g.run(ctx, "", "config", "init.defaultBranch"); err == nil && branch != "" {
		return branch, nil
	}

	if ref, err := g.run(ctx, "", "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	if g.BranchExists(ctx, "main") {
		return "main", nil
	}
	if g.BranchExists(ctx, "master") {
		return "master", nil
	}

	return "main", nil
}

// RepoRoot returns the root directory of the repository.
func (g *Git) RepoRoot(ctx context.Context) (string, error) {
	return g.run(ctx, "", "rev-parse", "--show-toplevel")
}

// IsRepo checks whether the directory is inside a git repository.
func (g *Git) IsRepo(ctx context.Context) bool {
	_, err := g.run(ctx, "", "rev-parse", "--git-dir")
	return err == nil
}

// DiffAgainstBase returns the unified diff of branch relative to the
// merge base with baseBranch. The three-dot form compares against the
// merge base so unrelated progress on base does not pollute the diff.
func (g *Git) DiffAgainstBase(ctx context.Context, baseBranch, branch string) (string, error) {
	return g.run(ctx, "", "diff", baseBranch+"..."+branch)
}

// DiffStat returns the numstat output of branch against baseBranch.
func (g *Git) DiffStat(ctx context.Context, baseBranch, branch string) (string, error) {
	return g.run(ctx, "", "diff", "--numstat", baseBranch+"..."+branch)
}

// StageAll stages every change in the worktree at dir.
func (g *Git) StageAll(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "add", "-A")
	return err
}

// HasStagedChanges reports whether the worktree at dir has staged changes.
func (g *Git) HasStagedChanges(ctx context.Context, dir string) (bool, error) {
	_, err := g.run(ctx, dir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

// Commit creates a commit in the worktree at dir and returns its info.
func (g *Git) Commit(ctx context.Context, dir, message string) (CommitInfo, error) {
	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return CommitInfo{}, err
	}

	output, err := g.run(ctx, dir, "log", "-1", "--format=%H%x00%h%x00%s%x00%cI")
	if err != nil {
		return CommitInfo{}, err
	}
	parts := strings.SplitN(output, "\x00", 4)
	if len(parts) < 4 {
		return CommitInfo{}, fmt.Errorf("unexpected log output: %q", output)
	}

	info := CommitInfo{Hash: parts[0], ShortHash: parts[1], Subject: parts[2]}
	if ts, err := time.Parse(time.RFC3339, parts[3]); err == nil {
		info.Date = ts
	}
	return info, nil
}
