// This file contains the Dispatcher, the routing table from inbound event
// type to its handling policy: persist-then-fan-out for chat messages,
// fan-out-excluding-sender for typing and read receipts, and a local reply
// for keepalive pings. Malformed frames are logged and dropped without
// closing the connection.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// StoredMessage is what the external persistence layer hands back for a
// saved chat message: the durable identifier and creation time the rest of
// the participants need to see.
type StoredMessage struct {
	ID        string
	CreatedAt time.Time
}

// MessageStore is the external chat persistence collaborator. The relay
// calls it once per MESSAGE_SENT; the write and the subsequent broadcast are
// two independent operations with no shared commit.
type MessageStore interface {
	SaveMessage(ctx context.Context, sessionID, senderID, content string) (StoredMessage, error)
}

// Dispatcher routes inbound frames from a connection to the right policy.
type Dispatcher struct {
	store       MessageStore
	broadcaster *Broadcaster
	metrics     *Metrics
	log         *slog.Logger
}

// NewDispatcher returns a Dispatcher persisting through store and fanning
// out through broadcaster. metrics may be nil.
func NewDispatcher(store MessageStore, broadcaster *Broadcaster, metrics *Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		broadcaster: broadcaster,
		metrics:     metrics,
		log:         log.With("component", "dispatcher"),
	}
}

// HandleFrame parses one inbound frame from c and applies the policy for its
// type. The sender identity is always taken from the authenticated
// connection, never from the payload.
func (d *Dispatcher) HandleFrame(ctx context.Context, c *Conn, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		d.log.Warn("dropping unparseable frame", "connectionId", c.ID, "error", err)

		return
	}
	payload, err := decodePayload(event)

	if err != nil {
		d.log.Warn("dropping malformed event", "connectionId", c.ID, "type", event.Type, "error", err)

		return
	}
	d.metrics.inbound(event.Type)

	switch p := payload.(type) {
	case MessageSentPayload:
		d.handleMessageSent(ctx, c, p)
	case TypingPayload:
		d.handleTyping(ctx, c, event.Type, p)
	case ReadReceiptPayload:
		d.handleReadReceipt(ctx, c, p)
	default:
		d.handlePing(c)
	}
}

// handleMessageSent persists the message, then broadcasts the resulting
// MESSAGE_RECEIVED to every participant including the sender, who needs the
// server-assigned identifier to reconcile its optimistic local copy. On
// persistence failure nothing is broadcast and the sender gets an ERROR
// envelope on its own connection.
func (d *Dispatcher) handleMessageSent(ctx context.Context, c *Conn, p MessageSentPayload) {
	saved, err := d.store.SaveMessage(ctx, p.SessionID, c.UserID, p.Content)

	if err != nil {
		d.log.Error("failed to persist message", "sessionId", p.SessionID, "senderId", c.UserID, "error", err)

		d.replyError(c, "PERSISTENCE_FAILED", "message could not be saved")

		return
	}
	event, err := NewEvent(MessageReceived, MessageReceivedPayload{
		SessionID: p.SessionID,
		MessageID: saved.ID,
		SenderID:  c.UserID,
		Content:   p.Content,
		CreatedAt: saved.CreatedAt.UTC().Format(time.RFC3339),
	})

	if err != nil {
		d.log.Error("failed to build message event", "sessionId", p.SessionID, "error", err)

		return
	}
	if err := d.broadcaster.Broadcast(ctx, p.SessionID, event, ""); err != nil {
		d.log.Error("failed to broadcast message", "sessionId", p.SessionID, "error", err)
	}
}

// handleTyping rebroadcasts a typing transition to the other participants.
// Nothing is persisted and the sender is excluded: it already knows its own
// state.
func (d *Dispatcher) handleTyping(ctx context.Context, c *Conn, t EventType, p TypingPayload) {
	event, err := NewEvent(t, TypingPayload{
		UserID:    c.UserID,
		SessionID: p.SessionID,
		IsTyping:  t == TypingStart,
	})

	if err != nil {
		d.log.Error("failed to build typing event", "sessionId", p.SessionID, "error", err)

		return
	}
	if err := d.broadcaster.Broadcast(ctx, p.SessionID, event, c.UserID); err != nil {
		d.log.Error("failed to broadcast typing event", "sessionId", p.SessionID, "error", err)
	}
}

// handleReadReceipt tells the other participants who has seen the session.
func (d *Dispatcher) handleReadReceipt(ctx context.Context, c *Conn, p ReadReceiptPayload) {
	event, err := NewEvent(ReadReceipt, ReadReceiptPayload{
		SessionID: p.SessionID,
		UserID:    c.UserID,
	})

	if err != nil {
		d.log.Error("failed to build read receipt", "sessionId", p.SessionID, "error", err)

		return
	}
	if err := d.broadcaster.Broadcast(ctx, p.SessionID, event, c.UserID); err != nil {
		d.log.Error("failed to broadcast read receipt", "sessionId", p.SessionID, "error", err)
	}
}

// handlePing answers directly on the originating connection, with no
// conversation context.
func (d *Dispatcher) handlePing(c *Conn) {
	event, err := NewEvent(Pong, PongPayload{})

	if err != nil {
		return
	}
	c.SendEvent(event)
}

func (d *Dispatcher) replyError(c *Conn, code, message string) {
	event, err := NewEvent(ErrorType, ErrorPayload{Code: code, Message: message})

	if err != nil {
		return
	}
	c.SendEvent(event)
}
