// Package vcs provides the version-control adapter the supervisor and
// consolidator use for worktree isolation. All operations against a
// given repository are serialized; git worktree bookkeeping is not safe
// under concurrent mutation of the same repository.
package vcs

import (
	"context"
	"time"
)

// WorktreeInfo describes one entry from the repository's worktree list.
type WorktreeInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	HEAD   string `json:"head"`
}

// CommitInfo describes a created commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
}

// Executor defines the version-control operations the orchestrator
// needs. The abstraction exists so tests can run against an in-memory
// fake instead of a real repository.
type Executor interface {
	// CreateWorktree creates a worktree at path with a new branch based
	// on baseBranch. Empty baseBranch means current HEAD.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error

	// RemoveWorktree removes the worktree at path, forcing if needed,
	// and deletes its branch when deleteBranch is set.
	RemoveWorktree(ctx context.Context, path, branch string, deleteBranch bool) error

	// ListWorktrees returns all worktrees of the repository.
	ListWorktrees(ctx context.Context) ([]WorktreeInfo, error)

	// PruneWorktrees drops stale worktree bookkeeping.
	PruneWorktrees(ctx context.Context) error

	// BranchExists reports whether a local branch exists.
	BranchExists(ctx context.Context, name string) bool

	// CurrentBranch returns the checked-out branch of the repository.
	CurrentBranch(ctx context.Context) (string, error)

	// MainBranch detects the repository's main branch.
	MainBranch(ctx context.Context) (string, error)

	// RepoRoot returns the repository root directory.
	RepoRoot(ctx context.Context) (string, error)

	// IsRepo reports whether the directory is inside a git repository.
	IsRepo(ctx context.Context) bool

	// DiffAgainstBase returns the unified diff of branch relative to the
	// merge base with baseBranch (git diff base...branch).
	DiffAgainstBase(ctx context.Context, baseBranch, branch string) (string, error)

	// DiffStat returns the numstat output of branch against baseBranch.
	DiffStat(ctx context.Context, baseBranch, branch string) (string, error)

	// StageAll stages every change in the worktree at dir.
	StageAll(ctx context.Context, dir string) error

	// Commit creates a commit in the worktree at dir and returns it.
	Commit(ctx context.Context, dir, message string) (CommitInfo, error)

	// HasStagedChanges reports whether the worktree at dir has staged changes.
	HasStagedChanges(ctx context.Context, dir string) (bool, error)
}
