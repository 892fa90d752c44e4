package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zjrosen/chamber/internal/consolidator"
)

type createConsolidationRequest struct {
	Project    string   `json:"project,omitempty"`
	BaseBranch string   `json:"base_branch,omitempty"`
	WorkerIDs  []string `json:"worker_ids"`
}

type resolveRequest struct {
	Resolutions []consolidator.Resolution `json:"resolutions"`
}

type exportRequest struct {
	TargetBranch string `json:"target_branch"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) handleListConsolidations(w http.ResponseWriter, r *http.Request) {
	records := s.eng.Consolidator.List()
	respondJSON(w, http.StatusOK, map[string]any{"consolidations": records, "count": len(records)})
}

func (s *Server) handleCreateConsolidation(w http.ResponseWriter, r *http.Request) {
	var req createConsolidationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", consolidator.ErrValidation, err))
		return
	}
	if req.Project == "" {
		req.Project = s.eng.RepoDir()
	}

	record, err := s.eng.Consolidator.Create(r.Context(), req.Project, req.BaseBranch, req.WorkerIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetConsolidation(w http.ResponseWriter, r *http.Request) {
	record, err := s.eng.Consolidator.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteConsolidation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.eng.Consolidator.Delete(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleAnalyzeConsolidation(w http.ResponseWriter, r *http.Request) {
	record, err := s.eng.Consolidator.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleResolveConsolidation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", consolidator.ErrValidation, err))
		return
	}

	record, err := s.eng.Consolidator.Resolve(chi.URLParam(r, "id"), req.Resolutions)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleExportConsolidation(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", consolidator.ErrValidation, err))
		return
	}

	record, err := s.eng.Consolidator.Export(r.Context(), chi.URLParam(r, "id"), req.TargetBranch, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}
