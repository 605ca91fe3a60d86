package a2abus

import (
	"fmt"

	"github.com/quantsys/scc-hub/internal/apierr"
)

const (
	KindRequest   = "request"
	KindResponse  = "response"
	KindBootstrap = "bootstrap"
	KindAck       = "ack"
	KindMessage   = "message"
)

var validKinds = map[string]bool{
	KindRequest:   true,
	KindResponse:  true,
	KindBootstrap: true,
	KindAck:       true,
	KindMessage:   true,
}

func invalid(format string, args ...any) error {
	return &apierr.Error{Reason: apierr.ATAPayloadInvalid, Message: fmt.Sprintf(format, args...)}
}

// validatePayload enforces §3's per-kind required-field rules, fail-closed:
// any missing or malformed field rejects the whole envelope rather than
// storing a partial one. KindMessage carries no required shape.
func validatePayload(kind string, payload map[string]any) error {
	if !validKinds[kind] {
		return invalid("unknown message kind %q", kind)
	}
	switch kind {
	case KindRequest:
		return validateRequest(payload)
	case KindResponse:
		return validateResponse(payload)
	case KindBootstrap, KindAck:
		return validateHandshake(payload)
	default:
		return nil
	}
}

func nestedMap(payload map[string]any, key string) (map[string]any, error) {
	v, ok := payload[key]
	if !ok {
		return nil, invalid("payload missing required field %q", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("payload field %q must be an object", key)
	}
	return m, nil
}

func requireString(m map[string]any, key string) error {
	v, ok := m[key]
	if !ok {
		return invalid("missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return invalid("field %q must be a non-empty string", key)
	}
	return nil
}

func validateRequest(payload map[string]any) error {
	task, err := nestedMap(payload, "task")
	if err != nil {
		return err
	}
	for _, f := range []string{"task_code", "area", "goal", "success_criteria"} {
		if err := requireString(task, f); err != nil {
			return err
		}
	}
	tasks, ok := task["tasks"].([]any)
	if !ok {
		return invalid("task.tasks must be an array")
	}
	if len(tasks) > 3 {
		return invalid("task.tasks must contain at most 3 entries, got %d", len(tasks))
	}

	constraints, err := nestedMap(payload, "constraints")
	if err != nil {
		return err
	}
	if err := requireString(constraints, "law_ref"); err != nil {
		return err
	}
	if _, ok := constraints["allowed_paths"].([]any); !ok {
		return invalid("constraints.allowed_paths must be an array")
	}
	return nil
}

var validResponseStatus = map[string]bool{"PASS": true, "FAIL": true, "BLOCKED": true}

func validateResponse(payload map[string]any) error {
	triplet, err := nestedMap(payload, "audit_triplet")
	if err != nil {
		return err
	}
	for _, f := range []string{"report_path", "selftest_log_path", "artifacts_dir"} {
		if err := requireString(triplet, f); err != nil {
			return err
		}
	}
	status, _ := payload["status"].(string)
	if !validResponseStatus[status] {
		return invalid("status must be one of PASS, FAIL, BLOCKED, got %q", status)
	}
	return nil
}

func validateHandshake(payload map[string]any) error {
	for _, f := range []string{"from", "to", "timestamp"} {
		if err := requireString(payload, f); err != nil {
			return err
		}
	}
	return nil
}
