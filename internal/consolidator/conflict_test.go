package consolidator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modDiff(path string, start, lines int, added ...string) *FileDiff {
	return &FileDiff{
		Path:  path,
		Hunks: []Hunk{{OldStart: start, OldLines: lines, NewStart: start, NewLines: len(added), Added: added}},
	}
}

func TestDetectSameLineConflict(t *testing.T) {
	diffs := []workerDiff{
		{workerID: "w-1", files: map[string]*FileDiff{"main.go": modDiff("main.go", 10, 5, "a")}},
		{workerID: "w-2", files: map[string]*FileDiff{"main.go": modDiff("main.go", 12, 4, "b")}},
	}

	conflicts := detectConflicts(diffs)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, ConflictSameLine, c.Type)
	assert.Equal(t, "w-1", c.WorkerA)
	assert.Equal(t, "w-2", c.WorkerB)
	assert.Equal(t, LineRange{Start: 12, End: 14}, c.Overlap)
}

func TestNoConflictOnDisjointHunks(t *testing.T) {
	diffs := []workerDiff{
		{workerID: "w-1", files: map[string]*FileDiff{"main.go": modDiff("main.go", 1, 3, "a")}},
		{workerID: "w-2", files: map[string]*FileDiff{"main.go": modDiff("main.go", 50, 3, "b")}},
	}
	assert.Empty(t, detectConflicts(diffs))
}

func TestDetectDeleteModify(t *testing.T) {
	diffs := []workerDiff{
		{workerID: "w-1", files: map[string]*FileDiff{"old.go": {Path: "old.go", Deleted: true}}},
		{workerID: "w-2", files: map[string]*FileDiff{"old.go": modDiff("old.go", 1, 2, "patched")}},
	}

	conflicts := detectConflicts(diffs)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictDeleteModify, conflicts[0].Type)
}

func TestDetectImportConflict(t *testing.T) {
	diffs := []workerDiff{
		{workerID: "w-1", files: map[string]*FileDiff{"app.ts": modDiff("app.ts", 1, 1, `import { logger } from "./log"`)}},
		{workerID: "w-2", files: map[string]*FileDiff{"app.ts": modDiff("app.ts", 100, 1, `import { logger } from "./telemetry"`)}},
	}

	conflicts := detectConflicts(diffs)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictImport, conflicts[0].Type)
	assert.Equal(t, "logger", conflicts[0].Detail)
}

func TestDetectStructuralConflict(t *testing.T) {
	diffs := []workerDiff{
		{workerID: "w-1", files: map[string]*FileDiff{"svc.go": modDiff("svc.go", 1, 1, "func Handle(ctx context.Context) error {")}},
		{workerID: "w-2", files: map[string]*FileDiff{"svc.go": modDiff("svc.go", 100, 1, "func Handle(ctx context.Context, retries int) error {")}},
	}

	conflicts := detectConflicts(diffs)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictStructural, conflicts[0].Type)
	assert.Equal(t, "Handle", conflicts[0].Detail)
}

func TestIdenticalAdditionsAreNotStructural(t *testing.T) {
	line := "func Handle(ctx context.Context) error {"
	diffs := []workerDiff{
		{workerID: "w-1", files: map[string]*FileDiff{"svc.go": modDiff("svc.go", 1, 1, line)}},
		{workerID: "w-2", files: map[string]*FileDiff{"svc.go": modDiff("svc.go", 100, 1, line)}},
	}
	assert.Empty(t, detectConflicts(diffs))
}

func TestPairwiseConflictCount(t *testing.T) {
	// Five workers on the same overlapping range: C(5,2) = 10 pairs.
	diffs := make([]workerDiff, 5)
	for i := range diffs {
		diffs[i] = workerDiff{
			workerID: string(rune('a' + i)),
			files:    map[string]*FileDiff{"hot.go": modDiff("hot.go", 10, 5, "x")},
		}
	}
	conflicts := detectConflicts(diffs)
	assert.Len(t, conflicts, 10)
	for _, c := range conflicts {
		assert.Equal(t, ConflictSameLine, c.Type)
	}
}

func TestRecommendStrategy(t *testing.T) {
	tests := []struct {
		name      string
		conflicts []ConflictRecord
		want      string
	}{
		{"none", nil, "auto"},
		{"delete wins", []ConflictRecord{{Type: ConflictSameLine}, {Type: ConflictDeleteModify}}, "manual"},
		{"pure imports", []ConflictRecord{{Type: ConflictImport}, {Type: ConflictExport}}, "union"},
		{"mostly same-line", []ConflictRecord{{Type: ConflictSameLine}, {Type: ConflictSameLine}, {Type: ConflictImport}}, "voting"},
		{"structural heavy", []ConflictRecord{{Type: ConflictStructural}, {Type: ConflictStructural}, {Type: ConflictSameLine}}, "manual"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recommendStrategy(tt.conflicts))
		})
	}
}

func TestUnionMerge(t *testing.T) {
	ours := "import a\nimport b\nshared\n"
	theirs := "import a\nimport c\nshared\n"

	merged := unionMerge(ours, theirs)
	assert.Contains(t, merged, "import a\n")
	assert.Contains(t, merged, "import b\n")
	assert.Contains(t, merged, "import c\n")
	assert.Equal(t, 1, countOccurrences(merged, "shared\n"))
	assert.Equal(t, 1, countOccurrences(merged, "import a\n"))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
