// This file contains the wire envelope and payload definitions for the relay,
// the closed set of event types exchanged over the WebSocket, and the Options
// struct that configures connection and heartbeat behavior.
package relay

import (
	"encoding/json"
	"time"
)

// EventType identifies one of the closed set of envelope types that flow
// between clients and the relay. Unknown types are rejected at the boundary.
type EventType string

const (
	// MessageSent is sent client to server when a user submits a chat message.
	MessageSent EventType = "MESSAGE_SENT"

	// MessageReceived is sent server to client after a message has been
	// persisted, carrying the server-assigned identifier and timestamp.
	MessageReceived EventType = "MESSAGE_RECEIVED"

	// TypingStart and TypingStop are rebroadcast to the other participants
	// of a session; the sender never receives its own typing events.
	TypingStart EventType = "TYPING_START"
	TypingStop  EventType = "TYPING_STOP"

	// ReadReceipt tells the other participants that a user has seen the
	// session's messages.
	ReadReceipt EventType = "READ_RECEIPT"

	// UserOnline and UserOffline are presence transitions, broadcast to
	// every live connection.
	UserOnline  EventType = "USER_ONLINE"
	UserOffline EventType = "USER_OFFLINE"

	// Ping is a client keepalive answered with Pong on the same connection.
	Ping EventType = "PING"
	Pong EventType = "PONG"

	// ErrorType carries a failure notice back to a single connection,
	// currently only for messages that could not be persisted.
	ErrorType EventType = "ERROR"
)

// Event is the immutable wire envelope. Payload stays raw until the
// dispatcher decodes it against the concrete shape for Type; transformations
// produce a new envelope rather than mutating one in flight.
type Event struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an envelope of the given type around payload, stamping the
// current time in epoch milliseconds. The payload must be JSON-marshalable.
func NewEvent(t EventType, payload interface{}) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)

		if err != nil {
			return Event{}, wrapF(err, "failed to marshal %s payload", t)
		}
		raw = data
	}
	return Event{Type: t, Payload: raw, Timestamp: time.Now().UnixMilli()}, nil
}

// MessageSentPayload is the client's submission of a new chat message.
type MessageSentPayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	SenderID  string `json:"senderId,omitempty"`
}

// MessageReceivedPayload is the persisted message echoed to all participants,
// sender included, so optimistic local copies can be reconciled against the
// server-assigned identifier.
type MessageReceivedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// TypingPayload accompanies TypingStart and TypingStop.
type TypingPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// ReadReceiptPayload accompanies ReadReceipt.
type ReadReceiptPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// StatusPayload accompanies UserOnline and UserOffline. LastSeen is set only
// on the offline edge.
type StatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// ErrorPayload accompanies ErrorType envelopes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongPayload is the body of the welcome and keepalive replies.
type PongPayload struct {
	Message string `json:"message,omitempty"`
}

// decodePayload validates an inbound envelope against the expected payload
// shape for its type. It returns the decoded payload, or an error for an
// unknown type or a payload that does not match it. Server-to-client types
// are never accepted inbound.
func decodePayload(e Event) (interface{}, error) {
	switch e.Type {
	case MessageSent:
		var p MessageSentPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, wrapF(err, "malformed %s payload", e.Type)
		}
		if p.SessionID == "" || p.Content == "" {
			return nil, badRequest(string(e.Type), "sessionId and content are required")
		}
		return p, nil
	case TypingStart, TypingStop:
		var p TypingPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, wrapF(err, "malformed %s payload", e.Type)
		}
		if p.SessionID == "" {
			return nil, badRequest(string(e.Type), "sessionId is required")
		}
		return p, nil
	case ReadReceipt:
		var p ReadReceiptPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, wrapF(err, "malformed %s payload", e.Type)
		}
		if p.SessionID == "" {
			return nil, badRequest(string(e.Type), "sessionId is required")
		}
		return p, nil
	case Ping:
		return nil, nil
	default:
		return nil, badRequest(string(e.Type), "unknown event type")
	}
}

// Options configures the relay core. Zero values fall back to the defaults
// from DefaultOptions.
type Options struct {
	// HeartbeatInterval is the period between liveness probes. It should sit
	// under the idle-timeout threshold of any reverse proxy in front of the
	// relay; most cloud proxies cut idle WebSockets after about a minute.
	HeartbeatInterval time.Duration

	// StaleAfter is how long a connection may go without acknowledging a
	// probe before it is forcibly evicted.
	StaleAfter time.Duration

	// WriteWait bounds every write to the underlying socket.
	WriteWait time.Duration

	// SendBuffer is the per-connection outbound queue length. A recipient
	// whose buffer is full is skipped, not waited on.
	SendBuffer int

	// ReadLimit caps the size of a single inbound frame in bytes.
	ReadLimit int64

	// FallbackTimeout bounds the cross-process broadcast call.
	FallbackTimeout time.Duration
}

// DefaultOptions returns the production defaults: 25s probes against a 60s
// stale threshold, 10s write deadline, 256-slot send buffers, 64KiB frames
// and a 5s fallback timeout.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 25 * time.Second,
		StaleAfter:        60 * time.Second,
		WriteWait:         10 * time.Second,
		SendBuffer:        256,
		ReadLimit:         64 * 1024,
		FallbackTimeout:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = def.StaleAfter
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = def.FallbackTimeout
	}
	return o
}
