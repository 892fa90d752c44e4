package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zjrosen/chamber/internal/registry"
	"github.com/zjrosen/chamber/internal/supervisor"
)

const maxSpawnCount = 10

// spawnRequest is the wire shape for POST /api/workers. Count spawns
// that many workers from the same template; names get a -N suffix past
// the first.
type spawnRequest struct {
	Project    string            `json:"project,omitempty"`
	Name       string            `json:"name"`
	Type       string            `json:"type,omitempty"`
	Task       string            `json:"task,omitempty"`
	BaseBranch string            `json:"base_branch"`
	Branch     string            `json:"branch,omitempty"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Count      int               `json:"count,omitempty"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	project := r.URL.Query().Get("project")

	var status registry.Status
	if statusParam != "" {
		status = registry.Status(statusParam)
		if !status.IsValid() {
			respondError(w, fmt.Errorf("%w: unknown status %q", supervisor.ErrValidation, statusParam))
			return
		}
	}

	workers := s.eng.Registry.List()
	out := workers[:0]
	for _, worker := range workers {
		if statusParam != "" && worker.Status != status {
			continue
		}
		if project != "" && worker.Project != project {
			continue
		}
		out = append(out, worker)
	}
	respondJSON(w, http.StatusOK, map[string]any{"workers": out, "count": len(out)})
}

func (s *Server) handleSpawnWorkers(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", supervisor.ErrValidation, err))
		return
	}

	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > maxSpawnCount {
		respondError(w, fmt.Errorf("%w: count must be between 1 and %d", supervisor.ErrValidation, maxSpawnCount))
		return
	}
	if count > 1 && req.Branch != "" {
		respondError(w, fmt.Errorf("%w: custom branch requires count 1", supervisor.ErrValidation))
		return
	}
	if req.Project == "" {
		req.Project = s.eng.RepoDir()
	}

	results := make([]*supervisor.SpawnResult, 0, count)
	for i := 0; i < count; i++ {
		name := req.Name
		if count > 1 {
			name = fmt.Sprintf("%s-%d", req.Name, i+1)
		}
		res, err := s.eng.Supervisor.Spawn(r.Context(), supervisor.SpawnRequest{
			Project:    req.Project,
			Name:       name,
			Type:       req.Type,
			Task:       req.Task,
			BaseBranch: req.BaseBranch,
			Branch:     req.Branch,
			Command:    req.Command,
			Args:       req.Args,
			Env:        req.Env,
			Metadata:   req.Metadata,
		})
		if err != nil {
			// Workers spawned before the failure stay alive; report both.
			if len(results) > 0 {
				status, code := classify(err)
				respondJSON(w, status, map[string]any{
					"workers": results,
					"error":   errorBody{Code: code, Message: err.Error()},
				})
				return
			}
			respondError(w, err)
			return
		}
		results = append(results, res)
	}
	respondJSON(w, http.StatusCreated, map[string]any{"workers": results, "count": len(results)})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	worker, ok := s.eng.Registry.Get(id)
	if !ok {
		respondError(w, fmt.Errorf("%w: %s", registry.ErrNotFound, id))
		return
	}
	respondJSON(w, http.StatusOK, worker)
}

func (s *Server) handleTerminateWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.eng.Supervisor.Terminate(r.Context(), id, supervisor.ReasonUserInitiated); err != nil {
		respondError(w, err)
		return
	}
	worker, _ := s.eng.Registry.Get(id)
	respondJSON(w, http.StatusOK, map[string]any{"terminated": id, "worker": worker})
}

func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	lines, total, err := s.eng.Supervisor.Logs(id, offset, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"lines": lines, "total": total, "offset": offset,
	})
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.eng.Monitor.Stats(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	infos, err := s.eng.VCS.ListWorktrees(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	// Project worktrees onto workers by path; unowned worktrees (the
	// main checkout among them) are filtered out.
	byPath := make(map[string]string)
	for _, worker := range s.eng.Registry.List() {
		byPath[worker.WorktreePath] = worker.ID
	}
	type ownedWorktree struct {
		Path     string `json:"path"`
		Branch   string `json:"branch"`
		HEAD     string `json:"head"`
		WorkerID string `json:"worker_id"`
	}
	out := make([]ownedWorktree, 0, len(infos))
	for _, info := range infos {
		workerID, ok := byPath[info.Path]
		if !ok {
			continue
		}
		out = append(out, ownedWorktree{
			Path: info.Path, Branch: info.Branch, HEAD: info.HEAD, WorkerID: workerID,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"worktrees": out, "count": len(out)})
}

func (s *Server) handleWorktreeDiff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")
	worker, ok := s.eng.Registry.Get(id)
	if !ok {
		respondError(w, fmt.Errorf("%w: %s", registry.ErrNotFound, id))
		return
	}

	diff, err := s.eng.VCS.DiffAgainstBase(r.Context(), worker.BaseBranch, worker.Branch)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff))
	if diff != "" && !strings.HasSuffix(diff, "\n") {
		_, _ = w.Write([]byte("\n"))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
