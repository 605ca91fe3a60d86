package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task status values (spec §3 lifecycle). Aging/effective-priority is
// computed at dispatch time by the scheduler and never persisted.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusDLQ        = "dlq"
	StatusBlocked    = "blocked"
)

// allowedTransitions enumerates the legal status graph (spec §4.3). Any
// transition not listed here is rejected with STATE_ILLEGAL.
var allowedTransitions = map[string][]string{
	StatusPending:    {StatusReady, StatusBlocked},
	StatusReady:      {StatusLeased, StatusBlocked},
	StatusLeased:     {StatusInProgress, StatusReady, StatusBlocked},
	StatusInProgress: {StatusDone, StatusFailed, StatusBlocked},
	StatusFailed:     {StatusReady, StatusDLQ},
	StatusDone:       {StatusReady}, // replay clones re-enter at pending/ready, not the same row
	StatusBlocked:    {StatusReady},
	StatusDLQ:        {},
}

// ErrStateIllegal is returned when a requested transition is not in
// allowedTransitions for the task's current status.
var ErrStateIllegal = errors.New("state_illegal")

// ErrLeaseInvalid is returned when a lease-scoped operation (heartbeat,
// report result, release) is attempted with a lease_owner that doesn't
// match the task's current holder.
var ErrLeaseInvalid = errors.New("lease_invalid")

// ErrNotFound is returned when a task_id doesn't resolve to a row.
var ErrNotFound = errors.New("not_found")

// ErrDispatchRaceLost is returned by ClaimNextReadyForAgent when a candidate
// existed but another dispatcher's CAS update won first; distinct from a
// genuinely empty ready queue (nil task, nil error) so callers know a retry
// might succeed.
var ErrDispatchRaceLost = errors.New("dispatch_race_lost")

// Task mirrors the tasks table, with JSON columns decoded for callers.
type Task struct {
	TaskID             string
	ParentTaskID       string
	TaskCode           string
	Status             string
	Verdict            string
	Priority           int
	OwnerRole          string
	RequiredCapability string
	AssignedAgent      string
	LeaseOwner         string
	RetryCount         int
	LeaseExpiry        *time.Time
	Request            map[string]any
	TaskClassID        string
	Pins               []string
	AllowedTests       []string
	Acceptance         map[string]any
	StopConditions     map[string]any
	CreatedUTC         time.Time
	UpdatedUTC         time.Time
	RunID              string
	ExitCode           *int
	ReportPath         string
	EvidenceDir        string
}

// NewTaskParams is the caller-supplied subset of fields used to create a task.
type NewTaskParams struct {
	TaskID             string
	ParentTaskID       string
	TaskCode           string
	Priority           int
	OwnerRole          string
	RequiredCapability string
	Request            map[string]any
	TaskClassID        string
	Pins               []string
	AllowedTests       []string
	Acceptance         map[string]any
	StopConditions     map[string]any
}

const maxRetries = 3

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateTask inserts a new task row in pending status.
func (s *Store) CreateTask(ctx context.Context, p NewTaskParams) (*Task, error) {
	request, err := marshalOrEmpty(p.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	pins, err := marshalOrEmpty(p.Pins)
	if err != nil {
		return nil, fmt.Errorf("marshal pins: %w", err)
	}
	allowedTests, err := marshalOrEmpty(p.AllowedTests)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tests: %w", err)
	}
	acceptance, err := marshalOrEmpty(p.Acceptance)
	if err != nil {
		return nil, fmt.Errorf("marshal acceptance: %w", err)
	}
	stopConditions, err := marshalOrEmpty(p.StopConditions)
	if err != nil {
		return nil, fmt.Errorf("marshal stop_conditions: %w", err)
	}

	now := nowUTC()
	err = retryOnBusy(ctx, maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				task_id, parent_task_id, task_code, status, priority, owner_role,
				required_capability, request, task_class_id, pins, allowed_tests,
				acceptance, stop_conditions, retry_count, created_utc, updated_utc
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			p.TaskID, nullable(p.ParentTaskID), p.TaskCode, StatusPending, p.Priority, p.OwnerRole,
			nullable(p.RequiredCapability), request, nullable(p.TaskClassID), pins, allowedTests,
			acceptance, stopConditions, now, now,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, p.TaskID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, parent_task_id, task_code, status, verdict, priority, owner_role,
			required_capability, assigned_agent, lease_owner, retry_count, lease_expiry,
			request, task_class_id, pins, allowed_tests, acceptance, stop_conditions,
			created_utc, updated_utc, run_id, exit_code, report_path, evidence_dir
		FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	var t Task
	var parentTaskID, verdict, requiredCapability, assignedAgent, leaseOwner, taskClassID sql.NullString
	var leaseExpiry sql.NullTime
	var request, pins, allowedTests, acceptance, stopConditions string
	var runID, reportPath, evidenceDir sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(
		&t.TaskID, &parentTaskID, &t.TaskCode, &t.Status, &verdict, &t.Priority, &t.OwnerRole,
		&requiredCapability, &assignedAgent, &leaseOwner, &t.RetryCount, &leaseExpiry,
		&request, &taskClassID, &pins, &allowedTests, &acceptance, &stopConditions,
		&t.CreatedUTC, &t.UpdatedUTC, &runID, &exitCode, &reportPath, &evidenceDir,
	)
	if err != nil {
		return nil, err
	}
	t.ParentTaskID = parentTaskID.String
	t.Verdict = verdict.String
	t.RequiredCapability = requiredCapability.String
	t.AssignedAgent = assignedAgent.String
	t.LeaseOwner = leaseOwner.String
	t.TaskClassID = taskClassID.String
	t.RunID = runID.String
	t.ReportPath = reportPath.String
	t.EvidenceDir = evidenceDir.String
	if leaseExpiry.Valid {
		t.LeaseExpiry = &leaseExpiry.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	_ = json.Unmarshal([]byte(request), &t.Request)
	_ = json.Unmarshal([]byte(pins), &t.Pins)
	_ = json.Unmarshal([]byte(allowedTests), &t.AllowedTests)
	_ = json.Unmarshal([]byte(acceptance), &t.Acceptance)
	_ = json.Unmarshal([]byte(stopConditions), &t.StopConditions)
	return &t, nil
}

// canTransition reports whether from->to is in allowedTransitions.
func canTransition(from, to string) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MarkReady transitions pending/blocked -> ready, making the task visible to
// the scheduler's dispatch query.
func (s *Store) MarkReady(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, StatusReady, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_utc = ? WHERE task_id = ?`,
			StatusReady, nowUTC(), taskID)
		return err
	})
}

// ClaimNextReady performs the scheduler's CAS dispatch: picks the
// highest-priority, oldest eligible ready task for agentID and atomically
// moves it to leased, stamping lease_owner/lease_expiry. Returns nil, nil
// if no eligible task exists.
func (s *Store) ClaimNextReady(ctx context.Context, agentID, leaseOwner string, capability string, leaseTTL time.Duration) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		query := `SELECT task_id FROM tasks WHERE status = ?`
		args := []any{StatusReady}
		if capability != "" {
			query += ` AND (required_capability IS NULL OR required_capability = ?)`
			args = append(args, capability)
		}
		query += ` ORDER BY priority DESC, created_utc ASC, task_id ASC LIMIT 1`

		var taskID string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		now := nowUTC()
		expiry := now.Add(leaseTTL)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_agent = ?, lease_owner = ?, lease_expiry = ?, updated_utc = ?
			WHERE task_id = ? AND status = ?`,
			StatusLeased, agentID, leaseOwner, expiry, now, taskID, StatusReady)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another dispatcher; caller may retry.
			return nil
		}
		row := tx.QueryRowContext(ctx, `
			SELECT task_id, parent_task_id, task_code, status, verdict, priority, owner_role,
				required_capability, assigned_agent, lease_owner, retry_count, lease_expiry,
				request, task_class_id, pins, allowed_tests, acceptance, stop_conditions,
				created_utc, updated_utc, run_id, exit_code, report_path, evidence_dir
			FROM tasks WHERE task_id = ?`, taskID)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		claimed = t
		return tx.Commit()
	})
	return claimed, err
}

// ClaimNextReadyForAgent is PriorityScheduler's dispatch query (spec §4.6):
// among ready tasks whose required_capability is empty or held by the
// agent, and not already pinned to a different agent, compute an effective
// priority bumped by agingStep for every agingThreshold a task has spent
// waiting (aging is never persisted to the priority column), order by
// effective priority desc / created_utc asc / task_id asc, and CAS the
// winner from ready to leased.
func (s *Store) ClaimNextReadyForAgent(ctx context.Context, agentID, leaseOwner, agentRole string, capabilities []string, agingThreshold time.Duration, agingStep int, leaseTTL time.Duration) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		query := `SELECT task_id, priority, created_utc FROM tasks
			WHERE status = ? AND (assigned_agent IS NULL OR assigned_agent = ?)
			AND (owner_role IS NULL OR owner_role = '' OR owner_role = ?)`
		args := []any{StatusReady, agentID, agentRole}
		if len(capabilities) > 0 {
			placeholders := make([]string, len(capabilities))
			for i, c := range capabilities {
				placeholders[i] = "?"
				args = append(args, c)
			}
			query += fmt.Sprintf(` AND (required_capability IS NULL OR required_capability IN (%s))`, strings.Join(placeholders, ","))
		} else {
			query += ` AND required_capability IS NULL`
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		type candidate struct {
			taskID    string
			priority  int
			createdAt time.Time
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.taskID, &c.priority, &c.createdAt); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(candidates) == 0 {
			return nil
		}

		now := nowUTC()
		effectivePriority := func(c candidate) int {
			if agingThreshold <= 0 || agingStep <= 0 {
				return c.priority
			}
			waited := now.Sub(c.createdAt)
			if waited <= agingThreshold {
				return c.priority
			}
			steps := int(waited / agingThreshold)
			return c.priority + steps*agingStep
		}
		sort.Slice(candidates, func(i, j int) bool {
			pi, pj := effectivePriority(candidates[i]), effectivePriority(candidates[j])
			if pi != pj {
				return pi > pj
			}
			if !candidates[i].createdAt.Equal(candidates[j].createdAt) {
				return candidates[i].createdAt.Before(candidates[j].createdAt)
			}
			return candidates[i].taskID < candidates[j].taskID
		})
		taskID := candidates[0].taskID

		expiry := now.Add(leaseTTL)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_agent = ?, lease_owner = ?, lease_expiry = ?, updated_utc = ?
			WHERE task_id = ? AND status = ?`,
			StatusLeased, agentID, leaseOwner, expiry, now, taskID, StatusReady)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrDispatchRaceLost
		}
		row := tx.QueryRowContext(ctx, `
			SELECT task_id, parent_task_id, task_code, status, verdict, priority, owner_role,
				required_capability, assigned_agent, lease_owner, retry_count, lease_expiry,
				request, task_class_id, pins, allowed_tests, acceptance, stop_conditions,
				created_utc, updated_utc, run_id, exit_code, report_path, evidence_dir
			FROM tasks WHERE task_id = ?`, taskID)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		claimed = t
		return tx.Commit()
	})
	return claimed, err
}

// StartRun transitions leased -> in_progress under lease ownership.
func (s *Store) StartRun(ctx context.Context, taskID, leaseOwner, runID string) error {
	return s.withLeaseOwned(ctx, taskID, leaseOwner, StatusLeased, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, run_id = ?, updated_utc = ? WHERE task_id = ?`,
			StatusInProgress, runID, nowUTC(), taskID)
		return err
	})
}

// HeartbeatLease extends lease_expiry for the current holder.
func (s *Store) HeartbeatLease(ctx context.Context, taskID, leaseOwner string, leaseTTL time.Duration) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET lease_expiry = ?, updated_utc = ?
			WHERE task_id = ? AND lease_owner = ? AND status IN (?, ?)`,
			nowUTC().Add(leaseTTL), nowUTC(), taskID, leaseOwner, StatusLeased, StatusInProgress)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseInvalid
		}
		return nil
	})
}

// ReportResult transitions in_progress -> done or failed, enforcing lease
// ownership. On failed, applies the retry policy: failed -> ready if
// retry_count < max_retries, else failed -> dlq.
func (s *Store) ReportResult(ctx context.Context, taskID, leaseOwner string, success bool, verdict string, exitCode *int, reportPath, evidenceDir string, maxRetriesCfg int) (*Task, error) {
	var result *Task
	var completedAgent string
	err := retryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT status, lease_owner, assigned_agent, retry_count FROM tasks WHERE task_id = ?`, taskID)
		var status string
		var owner sql.NullString
		var assignedAgent sql.NullString
		var retryCount int
		if err := row.Scan(&status, &owner, &assignedAgent, &retryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != StatusInProgress {
			return ErrStateIllegal
		}
		if owner.String != leaseOwner {
			return ErrLeaseInvalid
		}

		now := nowUTC()
		if success {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, verdict = ?, exit_code = ?, report_path = ?, evidence_dir = ?,
					lease_owner = NULL, lease_expiry = NULL, updated_utc = ?
				WHERE task_id = ?`,
				StatusDone, verdict, exitCode, nullable(reportPath), nullable(evidenceDir), now, taskID)
			if assignedAgent.Valid {
				completedAgent = assignedAgent.String
			}
		} else {
			retryCount++
			nextStatus := StatusReady
			if retryCount >= maxRetriesCfg {
				nextStatus = StatusDLQ
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, verdict = ?, exit_code = ?, report_path = ?, evidence_dir = ?,
					retry_count = ?, lease_owner = NULL, lease_expiry = NULL, updated_utc = ?
				WHERE task_id = ?`,
				nextStatus, verdict, exitCode, nullable(reportPath), nullable(evidenceDir), retryCount, now, taskID)
		}
		if err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `
			SELECT task_id, parent_task_id, task_code, status, verdict, priority, owner_role,
				required_capability, assigned_agent, lease_owner, retry_count, lease_expiry,
				request, task_class_id, pins, allowed_tests, acceptance, stop_conditions,
				created_utc, updated_utc, run_id, exit_code, report_path, evidence_dir
			FROM tasks WHERE task_id = ?`, taskID)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		result = t
		return tx.Commit()
	})
	if err == nil && completedAgent != "" {
		if rcErr := s.RecordCompletion(ctx, completedAgent); rcErr != nil {
			return result, rcErr
		}
	}
	return result, err
}

// ExpiredLeaseOutcome records what a sweep did with one expired lease, for
// the caller to emit lease_expired events against.
type ExpiredLeaseOutcome struct {
	TaskID    string
	NewStatus string // ready or dlq
}

// RequeueExpiredLeases moves any leased/in_progress task whose lease_expiry
// has passed back to ready with retry_count incremented, or to dlq if that
// increment would exceed maxRetriesCfg (spec §4.7). This is the query
// driving LeaseManager's periodic sweep.
func (s *Store) RequeueExpiredLeases(ctx context.Context, maxRetriesCfg int) ([]ExpiredLeaseOutcome, error) {
	var outcomes []ExpiredLeaseOutcome
	err := retryOnBusy(ctx, maxRetries, func() error {
		outcomes = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := nowUTC()
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, retry_count FROM tasks
			WHERE status IN (?, ?) AND lease_expiry IS NOT NULL AND lease_expiry < ?`,
			StatusLeased, StatusInProgress, now)
		if err != nil {
			return err
		}
		type expired struct {
			taskID     string
			retryCount int
		}
		var candidates []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.taskID, &e.retryCount); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, c := range candidates {
			nextRetry := c.retryCount + 1
			newStatus := StatusReady
			if nextRetry > maxRetriesCfg {
				newStatus = StatusDLQ
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, retry_count = ?, assigned_agent = NULL, lease_owner = NULL,
					lease_expiry = NULL, updated_utc = ?
				WHERE task_id = ?`,
				newStatus, nextRetry, now, c.taskID); err != nil {
				return err
			}
			outcomes = append(outcomes, ExpiredLeaseOutcome{TaskID: c.taskID, NewStatus: newStatus})
		}
		return tx.Commit()
	})
	return outcomes, err
}

// PruneAbandonedRuns forces any in_progress task whose updated_utc is older
// than abandonAfter straight to dlq, independent of lease_expiry. This
// catches runs whose executor process died without ever letting its lease
// expire (e.g. it held the lease open via heartbeats but stopped making
// progress) -- a case RequeueExpiredLeases's lease_expiry check alone
// cannot see. Intended as an operator-triggered maintenance sweep, not a
// background job.
func (s *Store) PruneAbandonedRuns(ctx context.Context, abandonAfter time.Duration) ([]string, error) {
	var pruned []string
	err := retryOnBusy(ctx, maxRetries, func() error {
		pruned = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		cutoff := nowUTC().Add(-abandonAfter)
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM tasks WHERE status = ? AND updated_utc < ?`,
			StatusInProgress, cutoff)
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

		now := nowUTC()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, assigned_agent = NULL, lease_owner = NULL,
					lease_expiry = NULL, updated_utc = ?
				WHERE task_id = ?`,
				StatusDLQ, now, id); err != nil {
				return err
			}
		}
		pruned = ids
		return tx.Commit()
	})
	return pruned, err
}

// Block transitions a task to blocked (any current status), used by the
// orchestrator when a dependency hasn't been satisfied yet.
func (s *Store) Block(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, StatusBlocked, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_utc = ? WHERE task_id = ?`,
			StatusBlocked, nowUTC(), taskID)
		return err
	})
}

// Unblock transitions blocked -> ready.
func (s *Store) Unblock(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, StatusReady, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_utc = ? WHERE task_id = ?`,
			StatusReady, nowUTC(), taskID)
		return err
	})
}

// Replay clones a done task into a brand new pending task with a fresh
// task_id, preserving its request/pins/acceptance/task_class so it can be
// re-dispatched from scratch. The original row is left untouched.
func (s *Store) Replay(ctx context.Context, taskID, newTaskID string) (*Task, error) {
	src, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if src.Status != StatusDone && src.Status != StatusFailed && src.Status != StatusDLQ {
		return nil, ErrStateIllegal
	}
	return s.CreateTask(ctx, NewTaskParams{
		TaskID:             newTaskID,
		ParentTaskID:       src.ParentTaskID,
		TaskCode:           src.TaskCode,
		Priority:           src.Priority,
		OwnerRole:          src.OwnerRole,
		RequiredCapability: src.RequiredCapability,
		Request:            src.Request,
		TaskClassID:        src.TaskClassID,
		Pins:               src.Pins,
		AllowedTests:       src.AllowedTests,
		Acceptance:         src.Acceptance,
		StopConditions:     src.StopConditions,
	})
}

// transition runs f inside a retry-wrapped single statement after validating
// the requested status change against allowedTransitions.
func (s *Store) transition(ctx context.Context, taskID, to string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var from string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !canTransition(from, to) {
			return ErrStateIllegal
		}
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// withLeaseOwned runs f only if taskID is currently in fromStatus and held
// by leaseOwner.
func (s *Store) withLeaseOwned(ctx context.Context, taskID, leaseOwner, fromStatus string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var status string
		var owner sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT status, lease_owner FROM tasks WHERE task_id = ?`, taskID).Scan(&status, &owner)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != fromStatus {
			return ErrStateIllegal
		}
		if owner.String != leaseOwner {
			return ErrLeaseInvalid
		}
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListByParent returns all subtasks for a parent task, used by the
// orchestrator's SubtaskPool fallback-to-scan when its in-memory index
// misses.
func (s *Store) ListByParent(ctx context.Context, parentTaskID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, parent_task_id, task_code, status, verdict, priority, owner_role,
			required_capability, assigned_agent, lease_owner, retry_count, lease_expiry,
			request, task_class_id, pins, allowed_tests, acceptance, stop_conditions,
			created_utc, updated_utc, run_id, exit_code, report_path, evidence_dir
		FROM tasks WHERE parent_task_id = ? ORDER BY created_utc ASC`, parentTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
