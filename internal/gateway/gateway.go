// Package gateway implements the Gateway (component C11): the HTTP/JSON
// front door that enforces PolicyGate, dispatches to TaskStore,
// PriorityScheduler, LeaseManager, AgentRegistry, A2ABus, and
// OrchestratorCore, and streams live events over SSE.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantsys/scc-hub/internal/a2abus"
	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/lease"
	"github.com/quantsys/scc-hub/internal/orchestrator"
	"github.com/quantsys/scc-hub/internal/persistence"
	"github.com/quantsys/scc-hub/internal/policy"
	"github.com/quantsys/scc-hub/internal/registry"
	"github.com/quantsys/scc-hub/internal/scheduler"
)

// Config wires every collaborator the Gateway dispatches to.
type Config struct {
	Cfg config.Config

	Store     *persistence.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Lease     *lease.Manager
	A2A       *a2abus.Bus
	Core      *orchestrator.Core
	Events    *eventlog.Log
	Bus       *bus.Bus

	Gate  *policy.Gate
	Conns *policy.ConnLimiter
}

// Server is the Gateway's HTTP handler, route table, and collaborator set.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// NewServer builds a Server with its full route table registered.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/ready", s.handleHealthReady)

	s.mux.HandleFunc("/api/agent/register", s.authz("assign", s.handleAgentRegister))
	s.mux.HandleFunc("/api/agent/", s.handleAgentByID)

	s.mux.HandleFunc("/api/task/create", s.authz("create", s.handleTaskCreate))
	s.mux.HandleFunc("/api/task/next", s.authz("read_all", s.handleTaskNext))
	s.mux.HandleFunc("/api/task/result", s.authz("report_result", s.handleTaskResult))
	s.mux.HandleFunc("/api/task/status", s.authz("read_all", s.handleTaskStatus))

	s.mux.HandleFunc("/api/dlq/replay", s.authz("replay_dlq", s.handleDLQReplay))
	s.mux.HandleFunc("/api/dlq/", s.authz("read_all", s.handleDLQGet))

	s.mux.HandleFunc("/api/ata/send", s.authz("create", s.handleATASend))
	s.mux.HandleFunc("/api/ata/receive", s.authz("read_all", s.handleATAReceive))

	s.mux.HandleFunc("/api/system/status", s.authz("read_all", s.handleSystemStatus))

	s.mux.HandleFunc("/sse", s.authz("read_all", s.handleSSE))
	s.mux.HandleFunc("/mcp", s.handleMCP)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		writeError(w, r, apierr.New(apierr.ExecutorUnavailable, "database not reachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleSystemStatus is a supplemented endpoint (not in spec's core route
// table) surfacing config fingerprint and live registry/queue counts for
// operator tooling (cmd/scchubctl status).
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.cfg.Registry.List(ctx, registry.Filter{})
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_fingerprint": s.cfg.Cfg.Fingerprint(),
		"agent_count":        len(agents),
		"bind_addr":          s.cfg.Cfg.BindAddr,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err (or a synthesized INTERNAL_ERROR) as the gateway's
// standard {success,reason_code,message,trace_id} body, logging internal
// errors with their trace_id so the stack never needs to leave the process.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.As(err)
	traceID := traceIDFromContext(r.Context())
	if apiErr.Reason == apierr.Internal {
		slog.Error("internal error", "trace_id", traceID, "error", err)
	}
	writeJSON(w, apiErr.Reason.Status(), apiErr.AsBody(traceID))
}

type traceIDKey struct{}

// withTraceID stamps a request context with a fresh trace_id, used to
// correlate a client-visible error body with server-side logs.
func withTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceIDKey{}, ids.NewRunID())
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
