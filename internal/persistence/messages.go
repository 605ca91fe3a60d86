package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	DeliveryQueued    = "queued"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// Message mirrors the messages table (A2ABus envelope).
type Message struct {
	MsgID             string
	TaskCode          string
	FromAgent         string
	ToAgent           string
	Kind              string
	Priority          int
	RequiresResponse  bool
	Payload           map[string]any
	CreatedUTC        string
	DeliveryState     string
}

// NewMessageParams is the caller-supplied subset for SendMessage.
type NewMessageParams struct {
	MsgID            string
	TaskCode         string
	FromAgent        string
	ToAgent          string
	Kind             string
	Priority         int
	RequiresResponse bool
	Payload          map[string]any
}

// SendMessage inserts a new message envelope in queued state.
func (s *Store) SendMessage(ctx context.Context, p NewMessageParams) (*Message, error) {
	payload, err := marshalOrEmpty(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	err = retryOnBusy(ctx, maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (
				msg_id, taskcode, from_agent, to_agent, kind, priority,
				requires_response, payload, created_utc, delivery_state
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.MsgID, nullable(p.TaskCode), p.FromAgent, p.ToAgent, p.Kind, p.Priority,
			boolToInt(p.RequiresResponse), payload, nowUTC(), DeliveryQueued,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return s.GetMessage(ctx, p.MsgID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const messageSelectColumns = `
	SELECT msg_id, taskcode, from_agent, to_agent, kind, priority, requires_response,
		payload, created_utc, delivery_state
	FROM messages`

func scanMessage(row scannable) (*Message, error) {
	var m Message
	var taskCode sql.NullString
	var requiresResponse int
	var payload string
	if err := row.Scan(
		&m.MsgID, &taskCode, &m.FromAgent, &m.ToAgent, &m.Kind, &m.Priority, &requiresResponse,
		&payload, &m.CreatedUTC, &m.DeliveryState,
	); err != nil {
		return nil, err
	}
	m.TaskCode = taskCode.String
	m.RequiresResponse = requiresResponse != 0
	_ = json.Unmarshal([]byte(payload), &m.Payload)
	return &m, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, msgID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelectColumns+` WHERE msg_id = ?`, msgID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ReceiveMessages atomically fetches an agent's queued messages ordered by
// (priority desc, created_utc asc, msg_id asc) and marks them delivered, so
// a crash between fetch and ack never double-delivers silently (the
// delivered state is still distinguishable from read for audit purposes).
func (s *Store) ReceiveMessages(ctx context.Context, toAgent string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Message
	err := retryOnBusy(ctx, maxRetries, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, messageSelectColumns+`
			WHERE to_agent = ? AND delivery_state = ?
			ORDER BY priority DESC, created_utc ASC, msg_id ASC LIMIT ?`,
			toAgent, DeliveryQueued, limit)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, m)
			ids = append(ids, m.MsgID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET delivery_state = ? WHERE msg_id = ?`,
				DeliveryDelivered, id); err != nil {
				return err
			}
		}
		for _, m := range out {
			m.DeliveryState = DeliveryDelivered
		}
		return tx.Commit()
	})
	return out, err
}

// PeekMessages returns an agent's queued+delivered messages without
// transitioning delivery_state, for read-only inspection (status/debug).
func (s *Store) PeekMessages(ctx context.Context, toAgent string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, messageSelectColumns+`
		WHERE to_agent = ? ORDER BY priority DESC, created_utc ASC, msg_id ASC LIMIT ?`,
		toAgent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AckMessage transitions a delivered message to read, the explicit
// acknowledgement step the inbound handler performs once it has durably
// recorded the message.
func (s *Store) AckMessage(ctx context.Context, msgID string) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET delivery_state = ? WHERE msg_id = ? AND delivery_state = ?`,
			DeliveryRead, msgID, DeliveryDelivered)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStateIllegal
		}
		return nil
	})
}

// QueueDepth counts an agent's undelivered messages, used in status/debug
// reporting and by the scheduler's backpressure checks.
func (s *Store) QueueDepth(ctx context.Context, toAgent string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE to_agent = ? AND delivery_state = ?`,
		toAgent, DeliveryQueued).Scan(&n)
	return n, err
}
