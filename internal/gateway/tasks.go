package gateway

import (
	"net/http"

	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/lease"
	"github.com/quantsys/scc-hub/internal/persistence"
)

type taskCreateRequest struct {
	TaskCode           string         `json:"task_code"`
	ParentTaskID       string         `json:"parent_task_id,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	OwnerRole          string         `json:"owner_role,omitempty"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	Request            map[string]any `json:"request,omitempty"`
	TaskClassID        string         `json:"task_class_id,omitempty"`
	Pins               []string       `json:"pins,omitempty"`
	AllowedTests       []string       `json:"allowed_tests,omitempty"`
	Acceptance         map[string]any `json:"acceptance,omitempty"`
	StopConditions     map[string]any `json:"stop_conditions,omitempty"`
}

// handleTaskCreate implements POST /api/task/create: creates a task in
// pending status then immediately marks it ready for dispatch, per spec's
// lifecycle summary ("created in pending -> ready on enqueue").
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}
	var req taskCreateRequest
	if err := decodeJSON(r, &req); err != nil || req.TaskCode == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "task_code is required"))
		return
	}

	ctx := r.Context()
	task, err := s.cfg.Store.CreateTask(ctx, persistence.NewTaskParams{
		TaskID:             ids.NewTaskID(),
		ParentTaskID:       req.ParentTaskID,
		TaskCode:           req.TaskCode,
		Priority:           req.Priority,
		OwnerRole:          req.OwnerRole,
		RequiredCapability: req.RequiredCapability,
		Request:            req.Request,
		TaskClassID:        req.TaskClassID,
		Pins:               req.Pins,
		AllowedTests:       req.AllowedTests,
		Acceptance:         req.Acceptance,
		StopConditions:     req.StopConditions,
	})
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	if err := s.cfg.Store.MarkReady(ctx, task.TaskID); err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	task.Status = persistence.StatusReady

	if s.cfg.Events != nil {
		_, _ = s.cfg.Events.Emit(task.TaskID, eventlog.KindEvent, "task_created", map[string]any{"task_code": req.TaskCode})
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskNext implements GET /api/task/next?agent_id=XXX: the scheduler
// grant an agent polls to receive its next lease.
func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "agent_id query parameter is required"))
		return
	}
	task, err := s.cfg.Scheduler.NextTask(r.Context(), agentID)
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type taskResultRequest struct {
	TaskID      string `json:"task_id"`
	LeaseOwner  string `json:"lease_owner"`
	Success     bool   `json:"success"`
	Verdict     string `json:"verdict"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	ReportPath  string `json:"report_path,omitempty"`
	EvidenceDir string `json:"evidence_dir,omitempty"`
}

// handleTaskResult implements POST /api/task/result: a worker's completion
// report under its granted lease.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}
	var req taskResultRequest
	if err := decodeJSON(r, &req); err != nil || req.TaskID == "" || req.LeaseOwner == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "task_id and lease_owner are required"))
		return
	}
	task, err := s.cfg.Lease.Release(r.Context(), lease.ReleaseParams{
		TaskID: req.TaskID, LeaseOwner: req.LeaseOwner, Success: req.Success,
		Verdict: req.Verdict, ExitCode: req.ExitCode, ReportPath: req.ReportPath, EvidenceDir: req.EvidenceDir,
	})
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskStatus implements GET /api/task/status?task_id=XXX: a snapshot
// read of one task.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "task_id query parameter is required"))
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}
