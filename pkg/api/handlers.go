package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/caf/pkg/catalog"
)

const maxRunsLimit = 1000

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

// handleListRuns lists catalogued runs ascending by run number.
// Query parameters: listener, run_type, min_run, limit.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := catalog.RunFilter{
		Listener: q.Get("listener"),
		RunType:  q.Get("run_type"),
	}

	if v := q.Get("min_run"); v != "" {
		minRun, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid min_run"})

			return
		}

		filter.MinRun = uint32(minRun)
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxRunsLimit {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		filter.Limit = limit
	}

	runs, err := s.catalog.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs failed"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns one run with its files and listeners.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid run number"})

		return
	}

	run, err := s.catalog.GetRun(r.Context(), uint32(number))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting run failed"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListListeners lists all listeners.
func (s *server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	listeners, err := s.catalog.ListListeners(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list listeners")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing listeners failed"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"listeners": listeners})
}

// handleListenerRuns lists the runs discovered by one listener.
func (s *server) handleListenerRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	runs, err := s.catalog.RunsForListener(r.Context(), name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"listener not found"})

			return
		}

		s.log.WithError(err).Error("Failed to list listener runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs failed"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"listener": name,
		"runs":     runs,
	})
}

// handleListJobs lists jobs. Query parameters: analysis, status.
func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	jobs, err := s.catalog.ListJobs(r.Context(), catalog.JobFilter{
		Analysis: q.Get("analysis"),
		Status:   q.Get("status"),
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to list jobs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing jobs failed"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
