package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time check that Fake implements Executor.
var _ Executor = (*Fake)(nil)

// Fake is an in-memory Executor for tests. Diffs are seeded per branch
// with SetDiff; errors can be injected per operation with FailWith.
type Fake struct {
	mu        sync.Mutex
	worktrees map[string]WorktreeInfo // keyed by path
	branches  map[string]bool
	diffs     map[string]string // keyed by branch
	stats     map[string]string
	staged    map[string]bool // keyed by worktree dir
	commits   []CommitInfo
	failures  map[string]error // keyed by op name
	main      string
}

// NewFake creates a Fake with a main branch.
func NewFake() *Fake {
	return &Fake{
		worktrees: make(map[string]WorktreeInfo),
		branches:  map[string]bool{"main": true},
		diffs:     make(map[string]string),
		stats:     make(map[string]string),
		staged:    make(map[string]bool),
		failures:  make(map[string]error),
		main:      "main",
	}
}

// FailWith makes the named operation return err. Known op names:
// create, remove, list, diff, stage, commit.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// SetDiff seeds the unified diff returned for branch.
func (f *Fake) SetDiff(branch, diff string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs[branch] = diff
}

// SetDiffStat seeds the numstat output returned for branch.
func (f *Fake) SetDiffStat(branch, stat string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[branch] = stat
}

// Commits returns every commit created through the fake.
func (f *Fake) Commits() []CommitInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CommitInfo, len(f.commits))
	copy(out, f.commits)
	return out
}

func (f *Fake) CreateWorktree(_ context.Context, path, newBranch, baseBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["create"]; err != nil {
		return err
	}
	if _, ok := f.worktrees[path]; ok {
		return fmt.Errorf("%w: %s", ErrPathExists, path)
	}
	if f.branches[newBranch] {
		return fmt.Errorf("%w: %s", ErrBranchCheckedOut, newBranch)
	}
	if baseBranch != "" && !f.branches[baseBranch] {
		return fmt.Errorf("%w: %s", ErrUnknownRef, baseBranch)
	}
	f.branches[newBranch] = true
	f.worktrees[path] = WorktreeInfo{Path: path, Branch: newBranch, HEAD: "fake-head"}
	return nil
}

func (f *Fake) RemoveWorktree(_ context.Context, path, branch string, deleteBranch bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["remove"]; err != nil {
		return err
	}
	delete(f.worktrees, path)
	if deleteBranch {
		delete(f.branches, branch)
	}
	return nil
}

func (f *Fake) ListWorktrees(_ context.Context) ([]WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["list"]; err != nil {
		return nil, err
	}
	out := make([]WorktreeInfo, 0, len(f.worktrees))
	for _, wt := range f.worktrees {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *Fake) PruneWorktrees(context.Context) error { return nil }

func (f *Fake) BranchExists(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[name]
}

func (f *Fake) CurrentBranch(context.Context) (string, error) { return f.main, nil }
func (f *Fake) MainBranch(context.Context) (string, error)    { return f.main, nil }
func (f *Fake) RepoRoot(context.Context) (string, error)      { return "/fake/repo", nil }
func (f *Fake) IsRepo(context.Context) bool                   { return true }

func (f *Fake) DiffAgainstBase(_ context.Context, _, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["diff"]; err != nil {
		return "", err
	}
	if !f.branches[branch] {
		return "", fmt.Errorf("%w: %s", ErrUnknownRef, branch)
	}
	return f.diffs[branch], nil
}

func (f *Fake) DiffStat(_ context.Context, _, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[branch], nil
}

func (f *Fake) StageAll(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["stage"]; err != nil {
		return err
	}
	f.staged[dir] = true
	return nil
}

func (f *Fake) HasStagedChanges(_ context.Context, dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staged[dir], nil
}

func (f *Fake) Commit(_ context.Context, dir, message string) (CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["commit"]; err != nil {
		return CommitInfo{}, err
	}
	if !f.staged[dir] {
		return CommitInfo{}, fmt.Errorf("nothing staged in %s", dir)
	}
	f.staged[dir] = false
	info := CommitInfo{
		Hash:      fmt.Sprintf("%040d", len(f.commits)+1),
		ShortHash: fmt.Sprintf("%07d", len(f.commits)+1),
		Subject:   message,
		Date:      time.Now(),
	}
	f.commits = append(f.commits, info)
	return info, nil
}
