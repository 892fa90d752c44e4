package vcs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeWorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.CreateWorktree(ctx, "/wt/w-1", "agent/a-1", "main"))
	assert.True(t, f.BranchExists(ctx, "agent/a-1"))

	// Same path again is rejected.
	err := f.CreateWorktree(ctx, "/wt/w-1", "agent/a-2", "main")
	assert.ErrorIs(t, err, ErrPathExists)

	// Same branch again is rejected.
	err = f.CreateWorktree(ctx, "/wt/w-2", "agent/a-1", "main")
	assert.ErrorIs(t, err, ErrBranchCheckedOut)

	// Unknown base is rejected.
	err = f.CreateWorktree(ctx, "/wt/w-3", "agent/a-3", "nope")
	assert.ErrorIs(t, err, ErrUnknownRef)

	wts, err := f.ListWorktrees(ctx)
	require.NoError(t, err)
	require.Len(t, wts, 1)
	assert.Equal(t, "agent/a-1", wts[0].Branch)

	require.NoError(t, f.RemoveWorktree(ctx, "/wt/w-1", "agent/a-1", true))
	assert.False(t, f.BranchExists(ctx, "agent/a-1"))
}

func TestFakeDiffAndCommit(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	require.NoError(t, f.CreateWorktree(ctx, "/wt/w-1", "agent/a-1", "main"))
	f.SetDiff("agent/a-1", "diff --git a/x b/x\n")

	diff, err := f.DiffAgainstBase(ctx, "main", "agent/a-1")
	require.NoError(t, err)
	assert.Contains(t, diff, "diff --git")

	_, err = f.DiffAgainstBase(ctx, "main", "missing")
	assert.ErrorIs(t, err, ErrUnknownRef)

	// Commit requires staged changes.
	_, err = f.Commit(ctx, "/wt/w-1", "msg")
	require.Error(t, err)

	require.NoError(t, f.StageAll(ctx, "/wt/w-1"))
	info, err := f.Commit(ctx, "/wt/w-1", "consolidated changes")
	require.NoError(t, err)
	assert.Equal(t, "consolidated changes", info.Subject)
	assert.Len(t, f.Commits(), 1)
}

func TestFakeInjectedFailure(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	boom := errors.New("boom")
	f.FailWith("create", boom)

	err := f.CreateWorktree(ctx, "/wt/w-1", "agent/a-1", "main")
	assert.ErrorIs(t, err, boom)
}
