package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	AgentStatusAvailable = "available"
	AgentStatusOffline   = "offline"
)

// ErrAgentCodeExhausted is returned when no numeric_code in [1,100] is free.
var ErrAgentCodeExhausted = errors.New("agent_code_exhausted")

// Agent mirrors the agents table.
type Agent struct {
	AgentID                  string
	NumericCode              int
	OwnerRole                string
	Capabilities             []string
	AllowedTools             []string
	Capacity                 int
	CompletionLimitPerMinute int
	SendEnabled              bool
	Status                   string
	CreatedUTC               time.Time
	UpdatedUTC               time.Time
}

// NewAgentParams is the subset of fields a caller supplies to register an
// agent; numeric_code is assigned by the store.
type NewAgentParams struct {
	AgentID                  string
	OwnerRole                string
	Capabilities             []string
	AllowedTools             []string
	Capacity                 int
	CompletionLimitPerMinute int
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// RegisterAgent creates a new agent row, assigning the smallest unused
// numeric_code in [1,100]. If an agent with this agent_id already exists
// with an identical spec, the call is idempotent and returns the existing
// row unchanged (spec §4.5 register idempotency). A spec mismatch on an
// existing agent_id is a conflict the caller surfaces as AGENT_CODE_MISMATCH
// upstream; here it simply updates the row in place to the new spec.
func (s *Store) RegisterAgent(ctx context.Context, p NewAgentParams) (*Agent, error) {
	if existing, err := s.GetAgent(ctx, p.AgentID); err == nil {
		return s.updateAgentSpec(ctx, existing, p)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	capabilities, err := marshalStrings(p.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	allowedTools, err := marshalStrings(p.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tools: %w", err)
	}
	if p.Capacity <= 0 {
		p.Capacity = 1
	}

	var agent *Agent
	err = retryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		code, err := nextFreeNumericCode(ctx, tx)
		if err != nil {
			return err
		}

		now := nowUTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (
				agent_id, numeric_code, owner_role, capabilities, allowed_tools,
				capacity, completion_limit_per_minute, send_enabled, status, created_utc, updated_utc
			) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			p.AgentID, code, p.OwnerRole, capabilities, allowedTools,
			p.Capacity, p.CompletionLimitPerMinute, AgentStatusAvailable, now, now,
		)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, agentSelectColumns+` WHERE agent_id = ?`, p.AgentID)
		a, err := scanAgent(row)
		if err != nil {
			return err
		}
		agent = a
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return agent, nil
}

// nextFreeNumericCode finds the smallest code in [1,100] not currently
// assigned. Must run inside the caller's transaction to avoid a race with a
// concurrent register.
func nextFreeNumericCode(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT numeric_code FROM agents ORDER BY numeric_code ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var code int
		if err := rows.Scan(&code); err != nil {
			return 0, err
		}
		used[code] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for c := 1; c <= 100; c++ {
		if !used[c] {
			return c, nil
		}
	}
	return 0, ErrAgentCodeExhausted
}

func (s *Store) updateAgentSpec(ctx context.Context, existing *Agent, p NewAgentParams) (*Agent, error) {
	capabilities, err := marshalStrings(p.Capabilities)
	if err != nil {
		return nil, err
	}
	allowedTools, err := marshalStrings(p.AllowedTools)
	if err != nil {
		return nil, err
	}
	capacity := p.Capacity
	if capacity <= 0 {
		capacity = existing.Capacity
	}
	err = retryOnBusy(ctx, maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET owner_role = ?, capabilities = ?, allowed_tools = ?,
				capacity = ?, completion_limit_per_minute = ?, status = ?, updated_utc = ?
			WHERE agent_id = ?`,
			p.OwnerRole, capabilities, allowedTools, capacity, p.CompletionLimitPerMinute,
			AgentStatusAvailable, nowUTC(), p.AgentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, p.AgentID)
}

const agentSelectColumns = `
	SELECT agent_id, numeric_code, owner_role, capabilities, allowed_tools,
		capacity, completion_limit_per_minute, send_enabled, status, created_utc, updated_utc
	FROM agents`

func scanAgent(row scannable) (*Agent, error) {
	var a Agent
	var capabilities, allowedTools string
	var sendEnabled int
	if err := row.Scan(
		&a.AgentID, &a.NumericCode, &a.OwnerRole, &capabilities, &allowedTools,
		&a.Capacity, &a.CompletionLimitPerMinute, &sendEnabled, &a.Status, &a.CreatedUTC, &a.UpdatedUTC,
	); err != nil {
		return nil, err
	}
	a.SendEnabled = sendEnabled != 0
	_ = json.Unmarshal([]byte(capabilities), &a.Capabilities)
	_ = json.Unmarshal([]byte(allowedTools), &a.AllowedTools)
	return &a, nil
}

// GetAgent fetches one agent by agent_id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelectColumns+` WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAgentByCode resolves @AgentName#NN addressing: looks up by agent_id and
// verifies the numeric_code matches, returning ErrAgentCodeMismatch-shaped
// information via the returned Agent so the caller (a2abus) can compare.
func (s *Store) GetAgentByCode(ctx context.Context, agentID string, numericCode int) (*Agent, error) {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.NumericCode != numericCode {
		return a, ErrAgentCodeMismatch
	}
	return a, nil
}

// ErrAgentCodeMismatch signals the numeric suffix in an @Agent#NN address
// doesn't match the agent's currently assigned code (it was re-registered
// since the sender last resolved it).
var ErrAgentCodeMismatch = errors.New("agent_code_mismatch")

// ListAgents returns all registered agents ordered by agent_id.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelectColumns+` ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReapStaleAgents marks offline every agent whose updated_utc is older than
// cutoff and whose status isn't already offline, returning the reaped
// agent_ids. Used by a periodic maintenance job so a worker process that
// died without deregistering stops being dispatched to.
func (s *Store) ReapStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	var reaped []string
	err := retryOnBusy(ctx, maxRetries, func() error {
		reaped = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT agent_id FROM agents WHERE status != ? AND updated_utc < ?`,
			AgentStatusOffline, cutoff.UTC())
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_utc = ? WHERE agent_id = ?`,
				AgentStatusOffline, nowUTC(), id); err != nil {
				return err
			}
		}
		reaped = ids
		return nil
	})
	return reaped, err
}

// SetAgentOffline marks an agent offline (stops new dispatch without
// removing its row or freeing its numeric_code).
func (s *Store) SetAgentOffline(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_utc = ? WHERE agent_id = ?`,
			AgentStatusOffline, nowUTC(), agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Heartbeat marks an agent available and bumps updated_utc, used by the
// registry's heartbeat operation to clear a prior offline mark.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_utc = ? WHERE agent_id = ?`,
			AgentStatusAvailable, nowUTC(), agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateCapacity changes an agent's max concurrent task capacity.
func (s *Store) UpdateCapacity(ctx context.Context, agentID string, capacity int) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET capacity = ?, updated_utc = ? WHERE agent_id = ?`,
			capacity, nowUTC(), agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeregisterAgent removes the agent row entirely, freeing its numeric_code
// for reassignment.
func (s *Store) DeregisterAgent(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CurrentLoad counts tasks currently leased or in_progress against an agent.
// This is intentionally computed rather than stored, so it can never drift
// from the tasks table it derives from.
func (s *Store) CurrentLoad(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE assigned_agent = ? AND status IN (?, ?)`,
		agentID, StatusLeased, StatusInProgress).Scan(&n)
	return n, err
}

// RecordCompletion appends a completion timestamp for an agent, used by the
// scheduler's sliding-60-second rate-limit check.
func (s *Store) RecordCompletion(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO agent_completions (agent_id, completed_utc) VALUES (?, ?)`,
			agentID, nowUTC())
		return err
	})
}

// CompletionsInWindow counts an agent's completions in the trailing window
// ending now, for the per-minute completion-rate cap.
func (s *Store) CompletionsInWindow(ctx context.Context, agentID string, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_completions WHERE agent_id = ? AND completed_utc >= ?`,
		agentID, nowUTC().Add(-window)).Scan(&n)
	return n, err
}
