package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/bus"
)

// sseEvent is the wire shape of every event tailed over /sse: the raw bus
// topic plus its marshaled payload, letting a single connection tail task,
// lease, agent, A2A, and policy-decision activity without per-kind framing.
type sseEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleSSE implements GET /sse?topic=task.|lease.|ata.|agent.|policy.: a
// live tail of bus events, capped by ConnLimiter per spec's SSE_CONN_LIMIT,
// grounded on the teacher's subscribe/flush/filter SSE loop.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, r, apierr.New(apierr.ExecutorUnavailable, "event bus not configured"))
		return
	}

	prefix := r.URL.Query().Get("topic")

	if s.cfg.Conns != nil && !s.cfg.Conns.Acquire() {
		writeError(w, r, apierr.New(apierr.SSEConnLimit, "too many concurrent SSE connections"))
		return
	}
	if s.cfg.Conns != nil {
		defer s.cfg.Conns.Release()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("sse: response writer does not support flushing")
		return
	}

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !s.writeSSEEvent(w, flusher, event) {
				return
			}
		}
	}
}

// writeSSEEvent writes one frame, reporting false if the client connection
// is gone so the caller can stop the loop.
func (s *Server) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event bus.Event) bool {
	data, err := json.Marshal(sseEvent{Topic: event.Topic, Payload: event.Payload})
	if err != nil {
		slog.Error("sse: marshal event", "error", err, "topic", event.Topic)
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		slog.Debug("sse: write failed (client disconnected?)", "error", err)
		return false
	}
	flusher.Flush()
	return true
}
