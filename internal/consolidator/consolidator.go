package consolidator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/pubsub"
	"github.com/zjrosen/chamber/internal/registry"
	"github.com/zjrosen/chamber/internal/vcs"
)

// Consolidator errors.
var (
	// ErrNotFound indicates no consolidation with the given id.
	ErrNotFound = errors.New("consolidation not found")

	// ErrValidation indicates malformed consolidation input.
	ErrValidation = errors.New("invalid consolidation request")

	// ErrWrongState indicates the operation is not valid in the
	// consolidation's current status.
	ErrWrongState = errors.New("consolidation in wrong state")

	// ErrUnknownPath indicates a resolution names a path absent from the
	// preview.
	ErrUnknownPath = errors.New("path not in merge preview")

	// ErrVCSFailure wraps adapter errors during analyze or export.
	ErrVCSFailure = errors.New("vcs operation failed")
)

// Consolidator runs the analyze / resolve / export workflow. One
// analysis or export runs per consolidation at a time; the store is the
// durable record.
type Consolidator struct {
	store  *Store
	vcs    vcs.Executor
	reg    *registry.Registry
	broker *pubsub.Broker[events.Event]
	nowFn  func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Consolidator.
func New(store *Store, executor vcs.Executor, reg *registry.Registry, broker *pubsub.Broker[events.Event]) *Consolidator {
	return &Consolidator{
		store:    store,
		vcs:      executor,
		reg:      reg,
		broker:   broker,
		nowFn:    time.Now,
		inFlight: make(map[string]bool),
	}
}

// Create registers a consolidation over the given workers. Every
// worker must exist in the registry with a worktree and branch. An
// empty baseBranch resolves to the repository's main branch.
func (c *Consolidator) Create(ctx context.Context, project, baseBranch string, workerIDs []string) (*Consolidation, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: missing project", ErrValidation)
	}
	if len(workerIDs) < 1 {
		return nil, fmt.Errorf("%w: at least one participant required", ErrValidation)
	}

	participants := make([]Participant, 0, len(workerIDs))
	for _, id := range workerIDs {
		w, ok := c.reg.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown worker %s", ErrValidation, id)
		}
		if w.WorktreePath == "" || w.Branch == "" {
			return nil, fmt.Errorf("%w: worker %s has no worktree", ErrValidation, id)
		}
		participants = append(participants, Participant{
			WorkerID:     w.ID,
			Branch:       w.Branch,
			WorktreePath: w.WorktreePath,
		})
	}

	if baseBranch == "" {
		main, err := c.vcs.MainBranch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving main branch: %w", ErrVCSFailure, err)
		}
		baseBranch = main
	}

	record := &Consolidation{
		ID:           uuid.NewString(),
		Project:      project,
		BaseBranch:   baseBranch,
		Participants: participants,
		Status:       StatusPending,
		CreatedAt:    c.nowFn(),
	}
	if err := c.store.Put(record); err != nil {
		return nil, err
	}
	log.Info(log.CatCons, "consolidation created", "id", record.ID, "participants", len(participants), "base", baseBranch)
	return record.Clone(), nil
}

// Get returns one consolidation snapshot.
func (c *Consolidator) Get(id string) (*Consolidation, error) {
	record, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, nil
}

// List returns all consolidations, newest first.
func (c *Consolidator) List() []*Consolidation {
	return c.store.List()
}

// Delete removes a consolidation record. Worktrees and branches are
// untouched.
func (c *Consolidator) Delete(id string) error {
	if _, ok := c.store.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.store.Delete(id)
}

// Analyze pulls each participant's diff against the base revision,
// scores every changed file, and detects pairwise conflicts. Valid
// only from pending.
func (c *Consolidator) Analyze(ctx context.Context, id string) (*Consolidation, error) {
	record, err := c.claim(id, StatusPending, StatusAnalyzing)
	if err != nil {
		return nil, err
	}
	defer c.release(id)
	c.publishStatus(record, events.ConsolidationAnalyzing)

	diffs := make([]workerDiff, 0, len(record.Participants))
	analyses := make(map[string]map[string]*FileAnalysis, len(record.Participants))
	for _, p := range record.Participants {
		raw, err := c.vcs.DiffAgainstBase(ctx, record.BaseBranch, p.Branch)
		if err != nil {
			return nil, c.fail(record, fmt.Errorf("%w: diff for %s: %w", ErrVCSFailure, p.WorkerID, err))
		}
		parsed := parseUnifiedDiff(raw)
		wd := workerDiff{workerID: p.WorkerID, files: make(map[string]*FileDiff, len(parsed))}
		perWorker := make(map[string]*FileAnalysis, len(parsed))
		for _, f := range parsed {
			wd.files[f.Path] = f
			perWorker[f.Path] = &FileAnalysis{
				Path:     f.Path,
				WorkerID: p.WorkerID,
				Metrics:  computeMetrics(f),
				Deleted:  f.Deleted,
			}
		}
		fillTestRatios(perWorker)
		for _, fa := range perWorker {
			fa.Score = scoreFile(fa.Metrics)
		}
		diffs = append(diffs, wd)
		analyses[p.WorkerID] = perWorker
	}

	byPath := make(map[string][]*FileAnalysis)
	var files []FileAnalysis
	for _, p := range record.Participants {
		for _, fa := range analyses[p.WorkerID] {
			byPath[fa.Path] = append(byPath[fa.Path], fa)
		}
	}
	applyConsistency(byPath)
	for _, p := range record.Participants {
		paths := make([]string, 0, len(analyses[p.WorkerID]))
		for path := range analyses[p.WorkerID] {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			files = append(files, *analyses[p.WorkerID][path])
		}
	}

	conflicts := detectConflicts(diffs)
	conflictPaths := make(map[string]bool, len(conflicts))
	for _, cf := range conflicts {
		conflictPaths[cf.Path] = true
	}

	preview := &MergePreview{
		TotalFiles:          len(byPath),
		Conflicting:         len(conflictPaths),
		AutoMergeable:       len(byPath) - len(conflictPaths),
		Files:               files,
		Conflicts:           conflicts,
		RecommendedStrategy: recommendStrategy(conflicts),
	}

	now := c.nowFn()
	record.Preview = preview
	record.Strategy = preview.RecommendedStrategy
	record.Status = StatusAnalyzed
	record.AnalyzedAt = &now
	if err := c.store.Put(record); err != nil {
		return nil, err
	}
	c.publishStatus(record, events.ConsolidationAnalyzed)
	log.Info(log.CatCons, "consolidation analyzed", "id", record.ID,
		"files", preview.TotalFiles, "conflicts", len(conflicts), "strategy", preview.RecommendedStrategy)
	return record.Clone(), nil
}

// Resolve turns per-path instructions into a merge plan and advances
// the consolidation to ready. Every resolved path must appear in the
// preview; preview paths without an explicit resolution default to the
// highest-scoring contributor.
func (c *Consolidator) Resolve(id string, resolutions []Resolution) (*Consolidation, error) {
	record, err := c.claim(id, StatusAnalyzed, StatusAnalyzed)
	if err != nil {
		return nil, err
	}
	defer c.release(id)

	byPath := make(map[string][]*FileAnalysis)
	for i := range record.Preview.Files {
		fa := &record.Preview.Files[i]
		byPath[fa.Path] = append(byPath[fa.Path], fa)
	}

	resolved := make(map[string]Resolution, len(resolutions))
	for _, r := range resolutions {
		if _, ok := byPath[r.Path]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPath, r.Path)
		}
		resolved[r.Path] = r
	}

	plan := &MergePlan{}
	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		entry, rejected, err := c.planEntry(record, path, byPath[path], resolved[path])
		if err != nil {
			return nil, err
		}
		if rejected {
			plan.Rejected = append(plan.Rejected, path)
			continue
		}
		plan.Entries = append(plan.Entries, entry)
	}

	record.Plan = plan
	record.Status = StatusReady
	if err := c.store.Put(record); err != nil {
		return nil, err
	}
	c.publishStatus(record, events.ConsolidationReady)
	log.Info(log.CatCons, "merge plan ready", "id", record.ID, "files", len(plan.Entries), "rejected", len(plan.Rejected))
	return record.Clone(), nil
}

// planEntry resolves one path to its plan entry. A zero-value
// resolution (path untouched by the caller) defaults to voting.
func (c *Consolidator) planEntry(record *Consolidation, path string, group []*FileAnalysis, r Resolution) (PlanEntry, bool, error) {
	action := r.Action
	if action == "" {
		action = "voting"
	}

	switch action {
	case "reject":
		return PlanEntry{}, true, nil

	case "manual":
		if r.Content == "" {
			return PlanEntry{}, false, fmt.Errorf("%w: manual resolution for %s needs content", ErrValidation, path)
		}
		return PlanEntry{Path: path, Content: r.Content, Synth: true}, false, nil

	case "keep-ours":
		return PlanEntry{Path: path, WorkerID: group[0].WorkerID}, false, nil

	case "keep-theirs":
		return PlanEntry{Path: path, WorkerID: group[len(group)-1].WorkerID}, false, nil

	case "merge":
		if r.WorkerID == "" {
			return PlanEntry{}, false, fmt.Errorf("%w: merge resolution for %s needs a worker id", ErrValidation, path)
		}
		for _, fa := range group {
			if fa.WorkerID == r.WorkerID {
				return PlanEntry{Path: path, WorkerID: r.WorkerID}, false, nil
			}
		}
		return PlanEntry{}, false, fmt.Errorf("%w: worker %s did not touch %s", ErrValidation, r.WorkerID, path)

	case "voting":
		best := group[0]
		for _, fa := range group[1:] {
			if fa.Score.Total > best.Score.Total {
				best = fa
			}
		}
		return PlanEntry{Path: path, WorkerID: best.WorkerID}, false, nil

	case "union":
		if len(group) < 2 {
			return PlanEntry{Path: path, WorkerID: group[0].WorkerID}, false, nil
		}
		ours, err := c.readWorkerFile(record, group[0].WorkerID, path)
		if err != nil {
			return PlanEntry{}, false, err
		}
		theirs, err := c.readWorkerFile(record, group[len(group)-1].WorkerID, path)
		if err != nil {
			return PlanEntry{}, false, err
		}
		return PlanEntry{Path: path, Content: unionMerge(ours, theirs), Synth: true}, false, nil

	default:
		return PlanEntry{}, false, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
}

func (c *Consolidator) readWorkerFile(record *Consolidation, workerID, path string) (string, error) {
	for _, p := range record.Participants {
		if p.WorkerID != workerID {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.WorktreePath, path))
		if err != nil {
			return "", fmt.Errorf("%w: reading %s from %s: %w", ErrValidation, path, workerID, err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("%w: unknown participant %s", ErrValidation, workerID)
}

// Export applies the merge plan onto a fresh checkout of the base
// revision: copy each planned file, stage, commit. File-level failures
// are recorded and the export continues; the consolidation completes
// only when every file applied.
func (c *Consolidator) Export(ctx context.Context, id, targetBranch, message string) (*Consolidation, error) {
	if targetBranch == "" {
		return nil, fmt.Errorf("%w: missing target branch", ErrValidation)
	}
	if message == "" {
		message = "consolidated worker results"
	}
	record, err := c.claim(id, StatusReady, StatusReady)
	if err != nil {
		return nil, err
	}
	defer c.release(id)

	exportDir := filepath.Join(record.Project, ".orch", "consolidations", record.ID)
	if err := c.vcs.CreateWorktree(ctx, exportDir, targetBranch, record.BaseBranch); err != nil {
		return nil, c.fail(record, fmt.Errorf("%w: creating export worktree: %w", ErrVCSFailure, err))
	}
	defer func() {
		if err := c.vcs.RemoveWorktree(context.WithoutCancel(ctx), exportDir, targetBranch, false); err != nil {
			log.Warn(log.CatCons, "removing export worktree", "id", record.ID, "error", err.Error())
		}
	}()

	result := &MergeResult{Branch: targetBranch}
	for _, entry := range record.Plan.Entries {
		if err := c.applyEntry(record, exportDir, entry); err != nil {
			result.Failed = append(result.Failed, FileFailure{Path: entry.Path, Error: err.Error()})
			log.Warn(log.CatCons, "file apply failed", "id", record.ID, "path", entry.Path, "error", err.Error())
			continue
		}
		result.Merged = append(result.Merged, entry.Path)
	}

	if err := c.vcs.StageAll(ctx, exportDir); err != nil {
		return nil, c.fail(record, fmt.Errorf("%w: staging: %w", ErrVCSFailure, err))
	}
	staged, err := c.vcs.HasStagedChanges(ctx, exportDir)
	if err != nil {
		return nil, c.fail(record, fmt.Errorf("%w: checking staged changes: %w", ErrVCSFailure, err))
	}
	if staged {
		commit, err := c.vcs.Commit(ctx, exportDir, message)
		if err != nil {
			return nil, c.fail(record, fmt.Errorf("%w: committing: %w", ErrVCSFailure, err))
		}
		result.CommitID = commit.Hash
	}

	now := c.nowFn()
	record.Result = result
	record.CompletedAt = &now
	if len(result.Failed) == 0 {
		record.Status = StatusCompleted
	} else {
		record.Status = StatusFailed
		record.Error = fmt.Sprintf("%d files failed to apply", len(result.Failed))
	}
	if err := c.store.Put(record); err != nil {
		return nil, err
	}
	if record.Status == StatusCompleted {
		c.publishStatus(record, events.ConsolidationCompleted)
		log.Info(log.CatCons, "consolidation exported", "id", record.ID, "branch", targetBranch,
			"merged", len(result.Merged), "commit", result.CommitID)
	} else {
		c.publishStatus(record, events.ConsolidationFailed)
	}
	return record.Clone(), nil
}

// applyEntry materializes one plan entry in the export worktree.
func (c *Consolidator) applyEntry(record *Consolidation, exportDir string, entry PlanEntry) error {
	dst := filepath.Join(exportDir, entry.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if entry.Synth {
		return os.WriteFile(dst, []byte(entry.Content), 0644)
	}
	content, err := c.readWorkerFile(record, entry.WorkerID, entry.Path)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(content), 0644)
}

// claim loads the record, checks its status, optionally advances it,
// and marks the consolidation in-flight. from == to skips the status
// write.
func (c *Consolidator) claim(id string, from, to Status) (*Consolidation, error) {
	c.mu.Lock()
	if c.inFlight[id] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: operation already in flight for %s", ErrWrongState, id)
	}
	c.inFlight[id] = true
	c.mu.Unlock()

	record, ok := c.store.Get(id)
	if !ok {
		c.release(id)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if record.Status != from {
		c.release(id)
		return nil, fmt.Errorf("%w: %s is %s, need %s", ErrWrongState, id, record.Status, from)
	}
	if to != from {
		record.Status = to
		if err := c.store.Put(record); err != nil {
			c.release(id)
			return nil, err
		}
	}
	return record, nil
}

func (c *Consolidator) release(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// fail marks the record failed, persists, and publishes the failure.
func (c *Consolidator) fail(record *Consolidation, err error) error {
	record.Status = StatusFailed
	record.Error = err.Error()
	if putErr := c.store.Put(record); putErr != nil {
		log.ErrorErr(log.CatCons, "persisting failed consolidation", putErr, "id", record.ID)
	}
	c.publishStatus(record, events.ConsolidationFailed)
	log.ErrorErr(log.CatCons, "consolidation failed", err, "id", record.ID)
	return err
}

func (c *Consolidator) publishStatus(record *Consolidation, t events.Type) {
	if c.broker == nil {
		return
	}
	payload := ConsolidationEvent{ID: record.ID, Status: record.Status, Error: record.Error}
	if record.Preview != nil {
		payload.TotalFiles = record.Preview.TotalFiles
		payload.Conflicting = record.Preview.Conflicting
	}
	if record.Result != nil {
		payload.MergedFiles = len(record.Result.Merged)
		payload.CommitID = record.Result.CommitID
	}
	c.broker.Publish(t.String(), events.New(t, payload))
}
