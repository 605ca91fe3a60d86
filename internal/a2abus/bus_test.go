package a2abus

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/quantsys/scc-hub/internal/apierr"
	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/persistence"
	"github.com/quantsys/scc-hub/internal/registry"
)

func newTestBus(t *testing.T) (*Bus, *persistence.Store, *registry.Registry) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "scc-hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := registry.New(store, bus.New())
	b := New(Config{Store: store, Registry: reg, Events: eventlog.New(t.TempDir()), Bus: bus.New()})
	return b, store, reg
}

func registerAgent(t *testing.T, reg *registry.Registry, id string) *persistence.Agent {
	t.Helper()
	a, err := reg.Register(context.Background(), persistence.NewAgentParams{AgentID: id, OwnerRole: "worker", Capacity: 2})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestParseAddressWithAndWithoutCode(t *testing.T) {
	if got := ParseAddress("@Coder#7"); got.Name != "Coder" || got.Code != 7 {
		t.Fatalf("parsed %+v", got)
	}
	if got := ParseAddress("Coder"); got.Name != "Coder" || got.Code != -1 {
		t.Fatalf("parsed %+v", got)
	}
}

func TestSendRejectsUnknownAgent(t *testing.T) {
	b, _, reg := newTestBus(t)
	registerAgent(t, reg, "Coder")
	_, err := b.Send(context.Background(), SendParams{From: "Coder", To: "Ghost", Kind: KindMessage, Payload: map[string]any{}})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Reason != apierr.AgentNotFound {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestSendRejectsCodeMismatch(t *testing.T) {
	b, _, reg := newTestBus(t)
	coder := registerAgent(t, reg, "Coder")
	registerAgent(t, reg, "Reviewer")
	wrongCode := coder.NumericCode + 1
	to := "Reviewer#" + strconv.Itoa(wrongCode)
	_, err := b.Send(context.Background(), SendParams{From: "Coder", To: to, Kind: KindMessage, Payload: map[string]any{}})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Reason != apierr.AgentCodeMismatch {
		t.Fatalf("expected AGENT_CODE_MISMATCH, got %v", err)
	}
}

func TestSendRejectsMissingRequestFields(t *testing.T) {
	b, _, reg := newTestBus(t)
	registerAgent(t, reg, "Orchestrator")
	registerAgent(t, reg, "Coder")
	_, err := b.Send(context.Background(), SendParams{
		From: "Orchestrator", To: "Coder", Kind: KindRequest,
		Payload: map[string]any{"task": map[string]any{"task_code": "c1"}},
	})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Reason != apierr.ATAPayloadInvalid {
		t.Fatalf("expected ATA_PAYLOAD_INVALID, got %v", err)
	}
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _, reg := newTestBus(t)
	registerAgent(t, reg, "Orchestrator")
	registerAgent(t, reg, "Coder")

	payload := map[string]any{
		"task": map[string]any{
			"task_code":        "c1",
			"area":             "backend",
			"goal":             "fix bug",
			"success_criteria": "tests pass",
			"tasks":            []any{"step1"},
		},
		"constraints": map[string]any{
			"law_ref":       "LAW-1",
			"allowed_paths": []any{"internal/"},
		},
	}
	msg, err := b.Send(ctx, SendParams{From: "Orchestrator", To: "Coder", Kind: KindRequest, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}

	received, err := b.Receive(ctx, ReceiveParams{To: "Coder", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || received[0].MsgID != msg.MsgID {
		t.Fatalf("unexpected receive result: %+v", received)
	}

	if err := b.Ack(ctx, msg.MsgID); err != nil {
		t.Fatal(err)
	}
	depth, err := b.QueueDepth(ctx, "Coder")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestSendRejectsResponseMissingStatus(t *testing.T) {
	b, _, reg := newTestBus(t)
	registerAgent(t, reg, "Coder")
	registerAgent(t, reg, "Orchestrator")
	payload := map[string]any{
		"audit_triplet": map[string]any{
			"report_path":       "r.json",
			"selftest_log_path": "s.log",
			"artifacts_dir":     "artifacts/",
		},
	}
	_, err := b.Send(context.Background(), SendParams{From: "Coder", To: "Orchestrator", Kind: KindResponse, Payload: payload})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Reason != apierr.ATAPayloadInvalid {
		t.Fatalf("expected ATA_PAYLOAD_INVALID, got %v", err)
	}
}
