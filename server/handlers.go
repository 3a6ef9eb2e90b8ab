// Package server exposes the petalrun HTTP API: run submission and
// inspection, live event streams, queue introspection and metrics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/queue"
	"github.com/petal-labs/petalrun/store"
)

// CreateRunRequest is the JSON body of POST /api/runs. A YAML body
// (Content-Type containing "yaml") is read as the bare scenario instead.
type CreateRunRequest struct {
	// RunID is optional; a UUID is assigned when empty.
	RunID    string        `json:"runId,omitempty"`
	Scenario core.Scenario `json:"scenario"`
}

// CreateRunResponse is returned with 202 Accepted.
type CreateRunResponse struct {
	RunID     string         `json:"runId"`
	JobID     string         `json:"jobId"`
	Status    core.RunStatus `json:"status"`
	EventsURL string         `json:"eventsUrl"`
	WSURL     string         `json:"wsUrl"`
}

// RunListItem is the compact form of a run returned by GET /api/runs.
type RunListItem struct {
	ID           string         `json:"id"`
	ScenarioID   string         `json:"scenarioId,omitempty"`
	ScenarioName string         `json:"scenarioName"`
	Status       core.RunStatus `json:"status"`
	Attempt      int            `json:"attempt"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartTime    *time.Time     `json:"startTime,omitempty"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	Summary      core.Summary   `json:"summary"`
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRun validates a scenario, records a pending run and queues it.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	var req CreateRunRequest
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "yaml") {
		sc, err := core.ParseScenario(body, "scenario.yaml")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SCENARIO", err.Error())
			return
		}
		req.Scenario = sc
		req.RunID = strings.TrimSpace(r.URL.Query().Get("run_id"))
	} else {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
		if err := req.Scenario.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SCENARIO", err.Error())
			return
		}
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx := r.Context()
	if _, exists, err := s.runs.Get(ctx, runID); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	} else if exists {
		writeError(w, http.StatusConflict, "RUN_EXISTS", fmt.Sprintf("run %q already exists", runID))
		return
	}

	run := core.NewRun(runID, req.Scenario, s.now())
	if err := s.runs.Save(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	jobID, err := s.queue.Enqueue(ctx, queue.JobPayload{
		RunID:      runID,
		ScenarioID: run.ScenarioID,
		Scenario:   run.Scenario,
	})
	if err != nil {
		if delErr := s.runs.Delete(ctx, runID); delErr != nil {
			s.logger.Error("roll back unqueued run", "run_id", runID, "error", delErr)
		}
		s.logger.Error("enqueue run", "run_id", runID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "failed to enqueue run", err.Error())
		return
	}

	s.logger.Info("run enqueued", "run_id", runID, "job_id", jobID, "scenario", run.Scenario.Name)
	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:     runID,
		JobID:     jobID,
		Status:    run.Status,
		EventsURL: "/api/runs/" + runID + "/events",
		WSURL:     "/api/runs/" + runID + "/ws",
	})
}

// handleListRuns lists runs newest first. Query: status (comma separated),
// scenario_id, limit.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{ScenarioID: strings.TrimSpace(q.Get("scenario_id"))}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := core.RunStatus(strings.ToLower(strings.TrimSpace(part)))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "INVALID_STATUS", fmt.Sprintf("unknown run status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	runs, err := s.runs.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	items := make([]RunListItem, 0, len(runs))
	for _, run := range runs {
		items = append(items, RunListItem{
			ID:           run.ID,
			ScenarioID:   run.ScenarioID,
			ScenarioName: run.Scenario.Name,
			Status:       run.Status,
			Attempt:      run.Attempt,
			CreatedAt:    run.CreatedAt,
			StartTime:    run.StartTime,
			EndTime:      run.EndTime,
			Summary:      run.Summarize(),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetRun returns the full run record with a fresh summary.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	summary := run.Summarize()
	run.Summary = &summary
	writeJSON(w, http.StatusOK, run)
}

// handleDeleteRun removes a finished run.
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	if !run.Status.Terminal() {
		writeError(w, http.StatusConflict, "RUN_ACTIVE", fmt.Sprintf("run %q is %s", runID, run.Status))
		return
	}
	if err := s.runs.Delete(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueueStats returns job counts per state.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleFailedJobs lists jobs that exhausted their attempts.
func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.Failed(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err.Error())
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
