package gateway

import (
	"net/http"
	"strings"

	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/persistence"
	"github.com/quantsys/scc-hub/internal/policy"
)

type agentRegisterRequest struct {
	AgentID                  string   `json:"agent_id"`
	OwnerRole                string   `json:"owner_role"`
	Capabilities             []string `json:"capabilities,omitempty"`
	AllowedTools             []string `json:"allowed_tools,omitempty"`
	Capacity                 int      `json:"capacity,omitempty"`
	CompletionLimitPerMinute int      `json:"completion_limit_per_minute,omitempty"`
}

// handleAgentRegister implements POST /api/agent/register.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}
	var req agentRegisterRequest
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "agent_id is required"))
		return
	}
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	agent, err := s.cfg.Registry.Register(r.Context(), persistence.NewAgentParams{
		AgentID:                  req.AgentID,
		OwnerRole:                req.OwnerRole,
		Capabilities:             req.Capabilities,
		AllowedTools:             req.AllowedTools,
		Capacity:                 capacity,
		CompletionLimitPerMinute: req.CompletionLimitPerMinute,
	})
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// agentByIDCapability maps the /api/agent/{id} method to its required
// capability, since the route dispatches to different operations per verb
// and can't be gated by a single authz wrapper at registration time.
func agentByIDCapability(method string) string {
	switch method {
	case http.MethodGet:
		return "read_all"
	case http.MethodPut, http.MethodDelete:
		return "assign"
	default:
		return ""
	}
}

// handleAgentByID dispatches /api/agent/{agent_id} by method: GET reads a
// snapshot, PUT updates capacity, DELETE deregisters.
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(withTraceID(r.Context()))

	capability := agentByIDCapability(r.Method)
	if capability == "" {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}
	p, ok := authenticate(s.cfg.Cfg.Auth, r)
	if !ok {
		writeError(w, r, apierr.New(apierr.Unauthorized, "missing or invalid credentials"))
		return
	}
	if !policy.RoleAllows(p.Role, capability) {
		writeError(w, r, apierr.New(apierr.Forbidden, "role does not permit this operation"))
		return
	}

	agentID := strings.TrimPrefix(r.URL.Path, "/api/agent/")
	if agentID == "" || agentID == "register" {
		writeError(w, r, apierr.New(apierr.NotFound, "agent_id is required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap, err := s.cfg.Registry.Get(r.Context(), agentID)
		if err != nil {
			writeError(w, r, apierr.As(err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodPut:
		var body struct {
			Capacity int `json:"capacity"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, apierr.New(apierr.SchemaInvalid, "capacity is required"))
			return
		}
		if err := s.cfg.Registry.UpdateCapacity(r.Context(), agentID, body.Capacity); err != nil {
			writeError(w, r, apierr.As(err))
			return
		}
		snap, err := s.cfg.Registry.Get(r.Context(), agentID)
		if err != nil {
			writeError(w, r, apierr.As(err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		if err := s.cfg.Registry.Deregister(r.Context(), agentID); err != nil {
			writeError(w, r, apierr.As(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
