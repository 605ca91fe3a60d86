package policy

import (
	"context"
	"testing"
)

func TestRoleAllows(t *testing.T) {
	if !RoleAllows(RoleWorker, "report_result") {
		t.Fatal("worker should be able to report task results")
	}
	if RoleAllows(RoleSubmitter, "assign") {
		t.Fatal("submitter should not be able to register agents")
	}
	if RoleAllows(Role("bogus"), "create") {
		t.Fatal("unknown role should allow nothing")
	}
}

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	r := NewRateLimiter(60, 1)
	if !r.Allow("agent-1") {
		t.Fatal("first request should be allowed")
	}
	if r.Allow("agent-1") {
		t.Fatal("immediate second request should be rate limited")
	}
	if !r.Allow("agent-2") {
		t.Fatal("a different subject should have its own bucket")
	}
}

func TestConnLimiterCapsConcurrency(t *testing.T) {
	c := NewConnLimiter(2)
	if !c.Acquire() || !c.Acquire() {
		t.Fatal("expected first two acquires to succeed")
	}
	if c.Acquire() {
		t.Fatal("expected third acquire to be denied at cap")
	}
	c.Release()
	if !c.Acquire() {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestSchemaGateValidatesSubmit(t *testing.T) {
	g := NewSchemaGate()
	schema := []byte(`{
		"type": "object",
		"required": ["task_code"],
		"properties": { "task_code": { "type": "string" } }
	}`)
	if err := g.Compile("scc.submit.v1", schema); err != nil {
		t.Fatal(err)
	}

	if err := g.Validate("scc.submit.v1", map[string]any{"task_code": "TC-1"}); err != nil {
		t.Fatalf("expected valid payload to pass: %v", err)
	}
	if err := g.Validate("scc.submit.v1", map[string]any{}); err == nil {
		t.Fatal("expected missing required field to fail")
	}
}

func TestGateCheckSubmitReportsAllViolations(t *testing.T) {
	g := &Gate{
		Roles: map[string]Role{"agent-1": RoleSubmitter},
	}
	d := g.CheckSubmit(context.Background(), "agent-1", SubmitRequest{Payload: map[string]any{}, DocLinked: false})
	if d.Allowed {
		t.Fatal("submitter role lacks report_result, expected denial")
	}
	foundForbidden, foundADR := false, false
	for _, c := range d.FailCodes {
		if c == "FORBIDDEN" {
			foundForbidden = true
		}
		if c == "ADR_REQUIRED" {
			foundADR = true
		}
	}
	if !foundForbidden || !foundADR {
		t.Fatalf("expected both FORBIDDEN and ADR_REQUIRED in fail_codes, got %v", d.FailCodes)
	}
}
