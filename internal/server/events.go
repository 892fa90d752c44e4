package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
)

// handleEvents streams orchestrator events over SSE. Query parameters
// narrow the subscription: types and workers are comma-separated allow
// lists, exclude is a comma-separated deny list applied after types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, errorEnvelope{
			Error: errorBody{Code: CodeInternal, Message: "streaming unsupported"},
		})
		return
	}

	filter := filterFromQuery(r)

	// Subscribe before the headers go out so events published right
	// after the client sees 200 are not missed.
	sub := s.eng.Broker.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Debug(log.CatHTTP, "event stream opened", "remote", r.RemoteAddr)

	for ev := range sub {
		if !filter.Matches(ev.Payload) {
			continue
		}
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			log.Debug(log.CatHTTP, "encoding event", "type", ev.Payload.Type.String(), "error", err.Error())
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Payload.Type, data); err != nil {
			break
		}
		flusher.Flush()
	}
	log.Debug(log.CatHTTP, "event stream closed", "remote", r.RemoteAddr)
}

func filterFromQuery(r *http.Request) events.Filter {
	var f events.Filter
	for _, t := range splitParam(r.URL.Query().Get("types")) {
		f.Types = append(f.Types, events.Type(t))
	}
	f.WorkerIDs = splitParam(r.URL.Query().Get("workers"))
	for _, t := range splitParam(r.URL.Query().Get("exclude")) {
		f.ExcludeTypes = append(f.ExcludeTypes, events.Type(t))
	}
	return f
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
