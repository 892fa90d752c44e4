package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zjrosen/chamber/internal/bus"
	"github.com/zjrosen/chamber/internal/consolidator"
	"github.com/zjrosen/chamber/internal/coordinator"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/monitor"
	"github.com/zjrosen/chamber/internal/registry"
	"github.com/zjrosen/chamber/internal/supervisor"
	"github.com/zjrosen/chamber/internal/vcs"
)

// Wire error codes. Every error response carries a machine code and a
// human message.
const (
	CodeBadRequest       = "bad_request"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeVCSUnavailable   = "vcs_unavailable"
	CodeInternal         = "internal"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// classify maps component sentinels onto HTTP status and wire code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrValidation),
		errors.Is(err, coordinator.ErrValidation),
		errors.Is(err, coordinator.ErrUnknownCandidate),
		errors.Is(err, consolidator.ErrValidation),
		errors.Is(err, bus.ErrInvalidMessage),
		errors.Is(err, registry.ErrInvalidStatus):
		return http.StatusBadRequest, CodeBadRequest

	case errors.Is(err, supervisor.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, coordinator.ErrNotFound),
		errors.Is(err, consolidator.ErrNotFound),
		errors.Is(err, consolidator.ErrUnknownPath),
		errors.Is(err, bus.ErrUnknownMessage),
		errors.Is(err, monitor.ErrNotTracked):
		return http.StatusNotFound, CodeNotFound

	case errors.Is(err, coordinator.ErrDuplicateID),
		errors.Is(err, coordinator.ErrAlreadyVoted),
		errors.Is(err, consolidator.ErrWrongState),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, supervisor.ErrNoStdin):
		return http.StatusConflict, CodeConflict

	case errors.Is(err, supervisor.ErrCapacityExceeded),
		errors.Is(err, bus.ErrQueueFull):
		return http.StatusTooManyRequests, CodeCapacityExceeded

	case errors.Is(err, supervisor.ErrVCSFailure),
		errors.Is(err, consolidator.ErrVCSFailure),
		errors.Is(err, vcs.ErrVCSUnavailable),
		errors.Is(err, vcs.ErrNotRepo),
		errors.Is(err, vcs.ErrUnknownRef),
		errors.Is(err, vcs.ErrBranchCheckedOut),
		errors.Is(err, vcs.ErrPathExists),
		errors.Is(err, vcs.ErrWorktreeLocked):
		return http.StatusBadGateway, CodeVCSUnavailable

	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func respondError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 {
		log.ErrorErr(log.CatHTTP, "request failed", err)
	}
	respondJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: err.Error()}})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug(log.CatHTTP, "encoding response", "error", err.Error())
	}
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
