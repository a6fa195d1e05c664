package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vesper/internal/coordinator"
	"github.com/seantiz/vesper/internal/host"
	"github.com/seantiz/vesper/internal/model"
)

const (
	defaultFetchWait = 10 * time.Second
	maxFetchWait     = 25 * time.Second
)

// launchResponse is the JSON response for POST /v1/host/launch.
type launchResponse struct {
	ForegroundStarted bool `json:"foreground_started"`
}

func (s *Server) handleAppLaunch(w http.ResponseWriter, r *http.Request) {
	began, err := s.adapter.OnAppLaunch(r.Context())
	if err != nil {
		s.logger.Error("app launch", "error", err)
		s.writeError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, launchResponse{ForegroundStarted: began})
}

func (s *Server) handleAppBackground(w http.ResponseWriter, r *http.Request) {
	req, err := s.adapter.OnAppBackground(r.Context())
	if err != nil {
		if errors.Is(err, host.ErrNotRegistered) {
			s.writeError(w, http.StatusConflict, "refresh task not registered, send a launch event first")
			return
		}
		s.logger.Error("app background", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to schedule refresh")
		return
	}
	s.writeJSON(w, http.StatusAccepted, req)
}

// fetchResponse is the JSON response for POST /v1/host/fetch. Outcome is
// null when the cycle has not finished within the wait.
type fetchResponse struct {
	Cycle   *coordinator.CycleInfo `json:"cycle,omitempty"`
	Outcome *model.Outcome         `json:"outcome"`
}

// handleFetch delivers a fetch opportunity and waits up to ?wait= for its
// outcome.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	wait := defaultFetchWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(d, maxFetchWait)
	}

	outcomes := make(chan model.Outcome, 1)
	info, err := s.adapter.OnFetchOpportunity(r.Context(), func(o model.Outcome) {
		outcomes <- o
	})
	if err != nil {
		failed := model.OutcomeFailure
		s.writeJSON(w, statusForError(err), fetchResponse{Outcome: &failed})
		return
	}

	resp := fetchResponse{Cycle: &info}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case o := <-outcomes:
		resp.Outcome = &o
		s.writeJSON(w, http.StatusOK, resp)
	case <-timer.C:
		s.writeJSON(w, http.StatusAccepted, resp)
	case <-r.Context().Done():
	}
}

// tasksResponse is the JSON response for GET /v1/host/tasks.
type tasksResponse struct {
	Pending []host.Request  `json:"pending"`
	Tasks   []host.TaskInfo `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	sched := s.adapter.Scheduler()
	s.writeJSON(w, http.StatusOK, tasksResponse{
		Pending: sched.Pending(),
		Tasks:   sched.Tasks(),
	})
}

// triggerRequest is the optional JSON body for POST /v1/host/tasks/trigger.
type triggerRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	req := triggerRequest{Identifier: host.RefreshTaskID}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Identifier == "" {
		req.Identifier = host.RefreshTaskID
	}

	task, err := s.adapter.Scheduler().Trigger(req.Identifier)
	if err != nil {
		if errors.Is(err, host.ErrNotRegistered) {
			s.writeError(w, http.StatusNotFound, "task identifier not registered")
			return
		}
		s.logger.Error("trigger task", "identifier", req.Identifier, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to trigger task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, task.Info())
}

func (s *Server) handleExpireTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sched := s.adapter.Scheduler()
	if err := sched.Expire(id); err != nil {
		if errors.Is(err, host.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("expire task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to expire task")
		return
	}

	task, err := sched.Task(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, task.Info())
}
