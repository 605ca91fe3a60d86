package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/quantsys/scc-hub/internal/a2abus"
	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/lease"
	"github.com/quantsys/scc-hub/internal/persistence"
	"github.com/quantsys/scc-hub/internal/policy"
	"github.com/quantsys/scc-hub/internal/registry"
)

// JSON-RPC 2.0 error codes, following the teacher's reserved-range plus
// application-range split.
const (
	rpcErrCodeParse          = -32700
	rpcErrCodeInvalidRequest = -32600
	rpcErrCodeMethodNotFound = -32601
	rpcErrCodeInternal       = -32603
	rpcErrCodeInvalid        = 1000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mcpMethodCapability maps each JSON-RPC method to the RBAC capability
// required to call it, mirroring the REST route table's per-endpoint gates.
var mcpMethodCapability = map[string]string{
	"task.create":    "create",
	"task.next":      "read_all",
	"task.result":    "report_result",
	"task.status":    "read_all",
	"dlq.replay":     "replay_dlq",
	"agent.register": "assign",
	"ata.send":       "create",
	"ata.receive":    "read_all",
	"system.status":  "read_all",
}

// handleMCP implements POST /mcp: a JSON-RPC 2.0 multiplex over the same
// operations the REST routes expose, for clients that prefer a single
// request/response envelope over discrete endpoints.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(withTraceID(r.Context()))

	if r.Method != http.MethodPost {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}

	var req rpcRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcErrCodeParse, Message: "invalid JSON-RPC request"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: rpcErrCodeInvalidRequest, Message: "jsonrpc and method are required"}})
		return
	}

	capability, known := mcpMethodCapability[req.Method]
	if !known {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: rpcErrCodeMethodNotFound, Message: "unknown method"}})
		return
	}

	p, ok := authenticate(s.cfg.Cfg.Auth, r)
	if !ok {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: rpcErrCodeInvalid, Message: "missing or invalid credentials"}})
		return
	}
	if !policy.RoleAllows(p.Role, capability) {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: rpcErrCodeInvalid, Message: "role does not permit this operation"}})
		return
	}

	result, err := s.dispatchMCP(r, req.Method, req.Params)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: rpcErrCodeInternal, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: result})
}

func rawID(id json.RawMessage) any {
	if len(id) == 0 {
		return nil
	}
	var v any
	_ = json.Unmarshal(id, &v)
	return v
}

func (s *Server) dispatchMCP(r *http.Request, method string, params json.RawMessage) (any, error) {
	ctx := r.Context()
	switch method {
	case "task.create":
		var req taskCreateRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		task, err := s.cfg.Store.CreateTask(ctx, persistence.NewTaskParams{
			TaskID: ids.NewTaskID(), ParentTaskID: req.ParentTaskID, TaskCode: req.TaskCode,
			Priority: req.Priority, OwnerRole: req.OwnerRole, RequiredCapability: req.RequiredCapability,
			Request: req.Request, TaskClassID: req.TaskClassID, Pins: req.Pins,
			AllowedTests: req.AllowedTests, Acceptance: req.Acceptance, StopConditions: req.StopConditions,
		})
		if err != nil {
			return nil, err
		}
		if err := s.cfg.Store.MarkReady(ctx, task.TaskID); err != nil {
			return nil, err
		}
		task.Status = persistence.StatusReady
		return task, nil

	case "task.next":
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.cfg.Scheduler.NextTask(ctx, req.AgentID)

	case "task.result":
		var req taskResultRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.cfg.Lease.Release(ctx, lease.ReleaseParams{
			TaskID: req.TaskID, LeaseOwner: req.LeaseOwner, Success: req.Success,
			Verdict: req.Verdict, ExitCode: req.ExitCode, ReportPath: req.ReportPath, EvidenceDir: req.EvidenceDir,
		})

	case "task.status":
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.cfg.Store.GetTask(ctx, req.TaskID)

	case "dlq.replay":
		var req dlqReplayRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.cfg.Lease.ReplayDLQ(ctx, req.TaskID)

	case "agent.register":
		var req agentRegisterRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		capacity := req.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		return s.cfg.Registry.Register(ctx, persistence.NewAgentParams{
			AgentID: req.AgentID, OwnerRole: req.OwnerRole, Capabilities: req.Capabilities,
			AllowedTools: req.AllowedTools, Capacity: capacity, CompletionLimitPerMinute: req.CompletionLimitPerMinute,
		})

	case "ata.send":
		var req ataSendRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.cfg.A2A.Send(ctx, a2abus.SendParams{
			TaskID: req.TaskID, TaskCode: req.TaskCode, From: req.From, To: req.To,
			Kind: req.Kind, Payload: req.Payload, Priority: req.Priority, RequiresResponse: req.RequiresResponse,
		})

	case "ata.receive":
		var req struct {
			To         string `json:"to"`
			From       string `json:"from"`
			UnreadOnly bool   `json:"unread_only"`
			Limit      int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return s.cfg.A2A.Receive(ctx, a2abus.ReceiveParams{To: req.To, From: req.From, UnreadOnly: req.UnreadOnly, Limit: req.Limit})

	case "system.status":
		agents, err := s.cfg.Registry.List(ctx, registry.Filter{})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"config_fingerprint": s.cfg.Cfg.Fingerprint(),
			"agent_count":        len(agents),
		}, nil
	}
	return nil, nil
}
