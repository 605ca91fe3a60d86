package gateway

import (
	"net/http"
	"strings"

	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/lease"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// handleDLQGet implements GET /api/dlq/{task_id}: reads a dead-lettered
// task, returning NOT_FOUND if the task exists but isn't in dlq status.
func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/dlq/")
	if taskID == "" || taskID == "replay" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "task_id is required"))
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	if task.Status != persistence.StatusDLQ {
		writeError(w, r, apierr.New(apierr.NotFound, "task is not in dlq status"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type dlqReplayRequest struct {
	TaskID string `json:"task_id"`
}

// handleDLQReplay implements POST /api/dlq/replay: clones a dead-lettered
// task into a fresh pending-then-ready task.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}
	var req dlqReplayRequest
	if err := decodeJSON(r, &req); err != nil || req.TaskID == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "task_id is required"))
		return
	}
	task, err := s.cfg.Lease.ReplayDLQ(r.Context(), req.TaskID)
	if err != nil {
		if err == lease.ErrNotDeadLettered {
			writeError(w, r, apierr.New(apierr.StateIllegal, err.Error()))
			return
		}
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}
