// Package consolidator analyzes per-worker diffs against a base
// revision, detects conflicts between workers, scores results by
// quality, and turns user resolutions into a deterministic merge plan
// that exports onto a fresh checkout.
package consolidator

import (
	"time"
)

// Status is a consolidation's lifecycle state. Transitions are
// monotone: pending < analyzing < analyzed < ready < completed, with
// failed reachable from analyzing onward. Ready never regresses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAnalyzing: 1,
	StatusAnalyzed:  2,
	StatusReady:     3,
	StatusCompleted: 4,
	StatusFailed:    4,
}

// IsValid reports whether the status is a known value.
func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving to next preserves monotonicity.
func (s Status) CanAdvanceTo(next Status) bool {
	return statusRank[next] > statusRank[s]
}

// Participant is one worker's contribution scope.
type Participant struct {
	WorkerID     string `json:"worker_id"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktree_path"`
}

// Metrics are the per-file measurements taken from the diff's added
// lines.
type Metrics struct {
	LineCount     int     `json:"line_count"`
	AvgLineLength float64 `json:"avg_line_length"`
	MaxLineLength int     `json:"max_line_length"`
	Complexity    int     `json:"complexity"`
	HasComments   bool    `json:"has_comments"`
	IsTestFile    bool    `json:"is_test_file"`
	TestRatio     float64 `json:"test_ratio"`
	NetChange     int     `json:"net_change"`
}

// QualityScore breaks a file's score into its dimensions. All values
// are in [0,1].
type QualityScore struct {
	Consistency  float64 `json:"consistency"`
	TestCoverage float64 `json:"test_coverage"`
	CodeQuality  float64 `json:"code_quality"`
	Efficiency   float64 `json:"efficiency"`
	Total        float64 `json:"total"`
}

// FileAnalysis is one worker's change to one path.
type FileAnalysis struct {
	Path     string       `json:"path"`
	WorkerID string       `json:"worker_id"`
	Metrics  Metrics      `json:"metrics"`
	Score    QualityScore `json:"score"`
	Deleted  bool         `json:"deleted,omitempty"`
}

// ConflictType classifies how two workers collide on a path.
type ConflictType string

const (
	ConflictSameLine     ConflictType = "same-line"
	ConflictDeleteModify ConflictType = "delete-modify"
	ConflictImport       ConflictType = "import-conflict"
	ConflictExport       ConflictType = "export-conflict"
	ConflictStructural   ConflictType = "structural"
)

// LineRange addresses base-revision lines [Start, End] inclusive.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ConflictRecord is one detected collision between two participants.
type ConflictRecord struct {
	Path    string       `json:"path"`
	Type    ConflictType `json:"type"`
	WorkerA string       `json:"worker_a"`
	WorkerB string       `json:"worker_b"`
	HunkA   Hunk         `json:"hunk_a"`
	HunkB   Hunk         `json:"hunk_b"`
	Overlap LineRange    `json:"overlap"`
	Detail  string       `json:"detail,omitempty"`
}

// MergePreview is the analyze output surfaced to the client.
type MergePreview struct {
	TotalFiles          int              `json:"total_files"`
	AutoMergeable       int              `json:"auto_mergeable"`
	Conflicting         int              `json:"conflicting"`
	Files               []FileAnalysis   `json:"files"`
	Conflicts           []ConflictRecord `json:"conflicts"`
	RecommendedStrategy string           `json:"recommended_strategy"`
}

// Resolution is one per-path instruction from the caller.
type Resolution struct {
	Path     string `json:"path"`
	Action   string `json:"action"`              // merge | keep-ours | keep-theirs | voting | union | reject | manual
	WorkerID string `json:"worker_id,omitempty"` // explicit source for merge
	Content  string `json:"content,omitempty"`   // caller-supplied for manual
}

// PlanEntry is one file in the merge plan. Content is set only for
// synthesized (union) or caller-supplied (manual) files; otherwise the
// file is copied from the worker's worktree.
type PlanEntry struct {
	Path     string `json:"path"`
	WorkerID string `json:"worker_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Synth    bool   `json:"synthesized,omitempty"`
}

// MergePlan is the ordered list of files to apply at export.
type MergePlan struct {
	Entries  []PlanEntry `json:"entries"`
	Rejected []string    `json:"rejected,omitempty"`
}

// FileFailure records a file that could not be applied at export.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// MergeResult is the export outcome.
type MergeResult struct {
	Branch   string        `json:"branch"`
	CommitID string        `json:"commit_id,omitempty"`
	Merged   []string      `json:"merged"`
	Failed   []FileFailure `json:"failed,omitempty"`
}

// Consolidation is the durable record of one merge workflow.
type Consolidation struct {
	ID           string        `json:"id"`
	Project      string        `json:"project"`
	BaseBranch   string        `json:"base_branch"`
	Participants []Participant `json:"participants"`
	Strategy     string        `json:"strategy,omitempty"`
	Status       Status        `json:"status"`
	Preview      *MergePreview `json:"preview,omitempty"`
	Plan         *MergePlan    `json:"plan,omitempty"`
	Result       *MergeResult  `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	AnalyzedAt   *time.Time    `json:"analyzed_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (c *Consolidation) Clone() *Consolidation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.Preview != nil {
		p := *c.Preview
		p.Files = append([]FileAnalysis(nil), c.Preview.Files...)
		p.Conflicts = append([]ConflictRecord(nil), c.Preview.Conflicts...)
		out.Preview = &p
	}
	if c.Plan != nil {
		p := *c.Plan
		p.Entries = append([]PlanEntry(nil), c.Plan.Entries...)
		p.Rejected = append([]string(nil), c.Plan.Rejected...)
		out.Plan = &p
	}
	if c.Result != nil {
		r := *c.Result
		r.Merged = append([]string(nil), c.Result.Merged...)
		r.Failed = append([]FileFailure(nil), c.Result.Failed...)
		out.Result = &r
	}
	if c.AnalyzedAt != nil {
		t := *c.AnalyzedAt
		out.AnalyzedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ConsolidationEvent is the payload on consolidation:* events.
type ConsolidationEvent struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	TotalFiles  int    `json:"total_files,omitempty"`
	Conflicting int    `json:"conflicting,omitempty"`
	MergedFiles int    `json:"merged_files,omitempty"`
	CommitID    string `json:"commit_id,omitempty"`
	Error       string `json:"error,omitempty"`
}
