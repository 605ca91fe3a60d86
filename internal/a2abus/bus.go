// Package a2abus implements A2ABus (component C9): validated agent-to-agent
// message send/receive and `@AgentName#NN` address resolution, layered over
// the persistence store's message queue and the registry's agent lookup.
package a2abus

import (
	"context"
	"fmt"

	"github.com/quantsys/scc-hub/internal/apierr"
	busx "github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/persistence"
	"github.com/quantsys/scc-hub/internal/registry"
)

// Bus validates and routes A2A envelopes, fronting MessageQueue and
// AgentRegistry the way spec §4.9 describes.
type Bus struct {
	store    *persistence.Store
	registry *registry.Registry
	events   *eventlog.Log
	eventBus *busx.Bus
}

// Config wires Bus's collaborators.
type Config struct {
	Store    *persistence.Store
	Registry *registry.Registry
	Events   *eventlog.Log
	Bus      *busx.Bus
}

func New(cfg Config) *Bus {
	return &Bus{store: cfg.Store, registry: cfg.Registry, events: cfg.Events, eventBus: cfg.Bus}
}

// SendParams is ata_send's argument set.
type SendParams struct {
	TaskID           string // event-log context the send is recorded under
	TaskCode         string
	From             string
	To               string
	Kind             string
	Payload          map[string]any
	Priority         int
	RequiresResponse bool
}

// resolveAgent parses an `@Name#NN` address, looks it up in the registry,
// verifies a present numeric suffix matches, and verifies send_enabled.
func (b *Bus) resolveAgent(ctx context.Context, raw string) (*registry.Snapshot, error) {
	addr := ParseAddress(raw)
	snap, err := b.registry.Get(ctx, addr.Name)
	if err != nil {
		return nil, &apierr.Error{Reason: apierr.AgentNotFound, Message: fmt.Sprintf("agent %q not registered", addr.Name)}
	}
	if addr.Code >= 0 && addr.Code != snap.NumericCode {
		return nil, &apierr.Error{Reason: apierr.AgentCodeMismatch,
			Message: fmt.Sprintf("address code #%d does not match %s's current code #%d", addr.Code, addr.Name, snap.NumericCode)}
	}
	return snap, nil
}

// Send validates, persists, and broadcasts one A2A envelope.
func (b *Bus) Send(ctx context.Context, p SendParams) (*persistence.Message, error) {
	from, err := b.resolveAgent(ctx, p.From)
	if err != nil {
		return nil, err
	}
	if !from.SendEnabled {
		return nil, &apierr.Error{Reason: apierr.AgentOffline, Message: fmt.Sprintf("agent %q is not permitted to send", from.AgentID)}
	}
	to, err := b.resolveAgent(ctx, p.To)
	if err != nil {
		return nil, err
	}
	if !to.SendEnabled {
		return nil, &apierr.Error{Reason: apierr.AgentOffline, Message: fmt.Sprintf("agent %q is not accepting messages", to.AgentID)}
	}

	if err := validatePayload(p.Kind, p.Payload); err != nil {
		return nil, err
	}

	msg, err := b.store.SendMessage(ctx, persistence.NewMessageParams{
		MsgID:            ids.NewMessageID(),
		TaskCode:         p.TaskCode,
		FromAgent:        from.AgentID,
		ToAgent:          to.AgentID,
		Kind:             p.Kind,
		Priority:         p.Priority,
		RequiresResponse: p.RequiresResponse,
		Payload:          p.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if b.events != nil {
		taskID := p.TaskID
		if taskID == "" {
			taskID = msg.MsgID
		}
		_, _ = b.events.Emit(taskID, eventlog.KindAction, "ata_sent", map[string]any{
			"msg_id": msg.MsgID, "from": from.AgentID, "to": to.AgentID, "kind": p.Kind,
		})
	}
	if b.eventBus != nil {
		b.eventBus.Publish(busx.TopicMessageSent, busx.MessageEvent{
			MsgID: msg.MsgID, FromAgent: from.AgentID, ToAgent: to.AgentID, Kind: p.Kind,
		})
	}
	return msg, nil
}

// ReceiveParams is ata_receive's argument set.
type ReceiveParams struct {
	To         string
	From       string // optional filter
	UnreadOnly bool
	Limit      int
}

// Receive delegates to MessageQueue.deliver: unread_only fetches and
// transitions queued messages to delivered; otherwise it peeks without
// mutating delivery_state. An optional From filters the result client-side,
// since a receiver may want only one sender's backlog.
func (b *Bus) Receive(ctx context.Context, p ReceiveParams) ([]*persistence.Message, error) {
	to, err := b.resolveAgent(ctx, p.To)
	if err != nil {
		return nil, err
	}

	var msgs []*persistence.Message
	if p.UnreadOnly {
		msgs, err = b.store.ReceiveMessages(ctx, to.AgentID, p.Limit)
	} else {
		msgs, err = b.store.PeekMessages(ctx, to.AgentID, p.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	if p.From == "" {
		return msgs, nil
	}
	fromAddr := ParseAddress(p.From)
	out := msgs[:0]
	for _, m := range msgs {
		if m.FromAgent == fromAddr.Name {
			out = append(out, m)
		}
	}
	return out, nil
}

// Ack transitions a delivered message to read and publishes ata.delivered
// for SSE tailing.
func (b *Bus) Ack(ctx context.Context, msgID string) error {
	if err := b.store.AckMessage(ctx, msgID); err != nil {
		return err
	}
	if b.eventBus != nil {
		msg, err := b.store.GetMessage(ctx, msgID)
		if err == nil {
			b.eventBus.Publish(busx.TopicMessageDelivered, busx.MessageEvent{
				MsgID: msg.MsgID, FromAgent: msg.FromAgent, ToAgent: msg.ToAgent, Kind: msg.Kind,
			})
		}
	}
	return nil
}

// QueueDepth reports an agent's undelivered message count.
func (b *Bus) QueueDepth(ctx context.Context, agentID string) (int, error) {
	return b.store.QueueDepth(ctx, agentID)
}
