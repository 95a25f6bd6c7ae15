package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethpandaops/energyoor/pkg/analysis"
	"github.com/ethpandaops/energyoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	workloads, err := s.store.ListWorkloads(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to list workloads")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"workloads": nonNil(workloads)})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("workload"))
	if err != nil {
		s.internalError(w, err, "Failed to list sessions")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	runs, err := s.store.ListRuns(r.Context(), sess.SessionID)
	if err != nil {
		s.internalError(w, err, "Failed to list runs")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *server) handleSessionFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	if err := s.files.ServeFile(w, r, sess.Dir, chi.URLParam(r, "*")); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})
	}
}

// handleSummary describes and compares the runs of the requested
// workloads, or of every workload when none is given.
func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	workloads := r.URL.Query()["workload"]

	if len(workloads) == 0 {
		all, err := s.store.ListWorkloads(r.Context())
		if err != nil {
			s.internalError(w, err, "Failed to list workloads")

			return
		}

		workloads = all
	}

	variants := make([]analysis.Variant, 0, len(workloads))

	for _, name := range workloads {
		runs, err := s.store.ListRunsByWorkload(r.Context(), name)
		if err != nil {
			s.internalError(w, err, "Failed to list runs")

			return
		}

		variants = append(variants, analysis.Variant{Name: name, Records: store.Records(runs)})
	}

	summary := analysis.Summarize(variants)

	if r.URL.Query().Get("format") == analysis.FormatMarkdown {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(analysis.Markdown(summary)))

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *server) lookupSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"session not found"})

		return nil, false
	}

	if err != nil {
		s.internalError(w, err, "Failed to get session")

		return nil, false
	}

	return sess, true
}

func (s *server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}

	return v
}
