package gateway

import (
	"net/http"
	"strconv"

	"github.com/quantsys/scc-hub/internal/a2abus"
	"github.com/quantsys/scc-hub/internal/apierr"
)

type ataSendRequest struct {
	TaskID           string         `json:"task_id,omitempty"`
	TaskCode         string         `json:"task_code,omitempty"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Kind             string         `json:"kind"`
	Payload          map[string]any `json:"payload"`
	Priority         int            `json:"priority,omitempty"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
}

// handleATASend implements POST /api/ata/send.
func (s *Server) handleATASend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apierr.New(apierr.NotFound, "method not allowed"))
		return
	}
	var req ataSendRequest
	if err := decodeJSON(r, &req); err != nil || req.From == "" || req.To == "" || req.Kind == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "from, to, and kind are required"))
		return
	}
	msg, err := s.cfg.A2A.Send(r.Context(), a2abus.SendParams{
		TaskID: req.TaskID, TaskCode: req.TaskCode, From: req.From, To: req.To,
		Kind: req.Kind, Payload: req.Payload, Priority: req.Priority, RequiresResponse: req.RequiresResponse,
	})
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleATAReceive implements GET /api/ata/receive?to=...&from=...&unread_only=...&limit=....
func (s *Server) handleATAReceive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		writeError(w, r, apierr.New(apierr.SchemaInvalid, "to query parameter is required"))
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, apierr.New(apierr.SchemaInvalid, "limit must be an integer"))
			return
		}
		limit = n
	}
	msgs, err := s.cfg.A2A.Receive(r.Context(), a2abus.ReceiveParams{
		To:         to,
		From:       q.Get("from"),
		UnreadOnly: q.Get("unread_only") == "true",
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, apierr.As(err))
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
