package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zjrosen/chamber/internal/coordinator"
)

type createBarrierRequest struct {
	BarrierID    string   `json:"barrier_id"`
	Participants []string `json:"participants"`
	TimeoutMs    int64    `json:"timeout_ms"`
}

type signalBarrierRequest struct {
	Worker string `json:"worker"`
}

type startElectionRequest struct {
	ElectionID string   `json:"election_id"`
	Candidates []string `json:"candidates"`
	Voters     []string `json:"voters,omitempty"`
	TimeoutMs  int64    `json:"timeout_ms"`
}

type castVoteRequest struct {
	Voter     string `json:"voter"`
	Candidate string `json:"candidate"`
}

type partitionRequest struct {
	Task     map[string]any `json:"task"`
	Count    int            `json:"count"`
	Strategy string         `json:"strategy,omitempty"`
}

// Barrier and election outcomes surface on the event stream; create
// endpoints return immediately with the registered state.

func (s *Server) handleCreateBarrier(w http.ResponseWriter, r *http.Request) {
	var req createBarrierRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}

	_, err := s.eng.Coordinator.CreateBarrier(req.BarrierID, req.Participants, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		respondError(w, err)
		return
	}
	state, err := s.eng.Coordinator.Barrier(req.BarrierID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetBarrier(w http.ResponseWriter, r *http.Request) {
	state, err := s.eng.Coordinator.Barrier(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleSignalBarrier(w http.ResponseWriter, r *http.Request) {
	var req signalBarrierRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.eng.Coordinator.SignalBarrier(req.Worker, id); err != nil {
		respondError(w, err)
		return
	}
	state, err := s.eng.Coordinator.Barrier(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleStartElection(w http.ResponseWriter, r *http.Request) {
	var req startElectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}

	_, err := s.eng.Coordinator.ConductElection(req.ElectionID, req.Candidates, req.Voters, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		respondError(w, err)
		return
	}
	state, err := s.eng.Coordinator.Election(req.ElectionID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetElection(w http.ResponseWriter, r *http.Request) {
	state, err := s.eng.Coordinator.Election(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.eng.Coordinator.CastVote(id, req.Voter, req.Candidate); err != nil {
		respondError(w, err)
		return
	}
	state, err := s.eng.Coordinator.Election(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handlePartitionTask(w http.ResponseWriter, r *http.Request) {
	var req partitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", coordinator.ErrValidation, err))
		return
	}

	strategy := coordinator.Strategy(req.Strategy)
	if req.Strategy == "" {
		strategy = coordinator.StrategyRoundRobin
	}
	partitions, err := coordinator.PartitionTask(req.Task, req.Count, strategy)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"partitions": partitions, "count": len(partitions)})
}
