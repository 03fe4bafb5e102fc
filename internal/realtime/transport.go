// Package realtime is the channel between the inbox core and the
// organization's event feed. An Adapter owns one logical connection over a
// pluggable Transport (websocket or long-poll), reconnects with jittered
// backoff, and fans inbound events out to registered handlers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zulandar/frontdesk/internal/inbox"
)

// Transport dials connections to the event feed. Each Dial returns a fresh
// Conn; a Transport may be dialed again after a Conn drops.
type Transport interface {
	// Dial connects and asks the server to replay events after since.
	Dial(ctx context.Context, since int64) (Conn, error)
}

// Conn is one live connection.
type Conn interface {
	// Listen returns the inbound event channel. It is closed when the
	// connection drops or is closed; Err then reports why.
	Listen() <-chan Envelope

	// Send delivers an outbound event. Best effort.
	Send(ctx context.Context, env Envelope) error

	// Err returns the reason the connection ended, or nil.
	Err() error

	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// EventType names an envelope's payload kind.
type EventType string

const (
	EventMessage        EventType = "message"
	EventTyping         EventType = "typing"
	EventSessionUpdate  EventType = "session_update"
	EventSessionRemoved EventType = "session_removed"
)

// Envelope is the wire frame shared by every transport.
type Envelope struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Cursor    int64           `json:"cursor,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TypingPayload is the data of a typing envelope.
type TypingPayload struct {
	ParticipantID   string `json:"participant_id"`
	ParticipantType string `json:"participant_type"`
	Typing          bool   `json:"typing"`
}

// TypingEvent is a typing indicator change for one participant.
type TypingEvent struct {
	SessionID       string
	ParticipantID   string
	ParticipantType inbox.SenderType
	Typing          bool
	At              time.Time
}

// Removal reasons carried by session_removed events.
const (
	RemovedAssigned    = "assigned"
	RemovedTransferred = "transferred"
)

// SessionUpdate is a normalized session delta, or a removal when Removed is
// set (the session left this agent's visibility). Reason says why it left.
type SessionUpdate struct {
	Delta   inbox.Delta
	Removed bool
	Reason  string
}

// decodeMessage normalizes a message envelope. The envelope's session id
// wins when the payload omits one.
func decodeMessage(env Envelope) (inbox.Message, error) {
	r := gjson.ParseBytes(env.Data)
	if !r.Get("session_id").Exists() && !r.Get("conversation_id").Exists() && env.SessionID != "" {
		patched, err := json.Marshal(struct {
			SessionID string `json:"session_id"`
		}{env.SessionID})
		if err != nil {
			return inbox.Message{}, err
		}
		return inbox.NormalizeMessage(mergeJSON(env.Data, patched))
	}
	return inbox.NormalizeMessage(env.Data)
}

func decodeSessionUpdate(env Envelope) (SessionUpdate, error) {
	if env.Type == EventSessionRemoved {
		if env.SessionID == "" {
			return SessionUpdate{}, fmt.Errorf("realtime: session_removed without session id")
		}
		return SessionUpdate{
			Delta:   inbox.Delta{ID: env.SessionID},
			Removed: true,
			Reason:  gjson.GetBytes(env.Data, "reason").String(),
		}, nil
	}
	data := env.Data
	if env.SessionID != "" && !gjson.GetBytes(data, "id").Exists() && !gjson.GetBytes(data, "session_id").Exists() {
		patched, err := json.Marshal(struct {
			ID string `json:"id"`
		}{env.SessionID})
		if err != nil {
			return SessionUpdate{}, err
		}
		data = mergeJSON(data, patched)
	}
	d, err := inbox.NormalizeDelta(data)
	if err != nil {
		return SessionUpdate{}, err
	}
	return SessionUpdate{Delta: d}, nil
}

func decodeTyping(env Envelope, now time.Time) (TypingEvent, error) {
	var p TypingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return TypingEvent{}, fmt.Errorf("realtime: decode typing: %w", err)
	}
	if env.SessionID == "" {
		return TypingEvent{}, fmt.Errorf("realtime: typing without session id")
	}
	pt := inbox.SenderType(p.ParticipantType)
	if pt == "" {
		pt = inbox.SenderCustomer
	}
	return TypingEvent{
		SessionID:       env.SessionID,
		ParticipantID:   p.ParticipantID,
		ParticipantType: pt,
		Typing:          p.Typing,
		At:              now,
	}, nil
}

// mergeJSON adds the top-level keys of extra to the object obj. obj must be
// a JSON object (or empty).
func mergeJSON(obj, extra []byte) []byte {
	body := gjson.ParseBytes(obj)
	if !body.IsObject() {
		return extra
	}
	out := make(map[string]json.RawMessage)
	body.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = json.RawMessage(v.Raw)
		return true
	})
	gjson.ParseBytes(extra).ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = json.RawMessage(v.Raw)
		return true
	})
	merged, err := json.Marshal(out)
	if err != nil {
		return obj
	}
	return merged
}
