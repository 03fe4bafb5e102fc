// Package inbox holds the agent-side Session Store: the canonical,
// de-duplicated list of support sessions visible to one agent, their message
// threads, and the pure derived queries (filtering, ordering, SLA levels) the
// inbox views are built from.
package inbox

import (
	"encoding/json"
	"sort"
	"time"
)

// Status is the lifecycle state of a support session.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusWaiting Status = "waiting"
	StatusEnded   Status = "ended"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusWaiting, StatusEnded:
		return true
	}
	return false
}

// Resolved reports whether the session has reached its terminal state.
func (s Status) Resolved() bool { return s == StatusEnded }

// Queued reports whether the wait clock is meaningful for this status.
func (s Status) Queued() bool { return s == StatusPending || s == StatusWaiting }

// Priority is the triage priority of a session.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderBot      SenderType = "bot"
	SenderSystem   SenderType = "system"
)

// MessageState is the local delivery state of a message. It is never sent
// over the wire; server-confirmed messages are always MessageSent.
type MessageState string

const (
	MessagePending MessageState = "pending"
	MessageSent    MessageState = "sent"
	MessageFailed  MessageState = "failed"
)

// Customer is the person on the other side of a session.
type Customer struct {
	Name    string            `json:"name"`
	Email   string            `json:"email"`
	Profile map[string]string `json:"profile,omitempty"`
}

// LastMessage is the preview shown in queue rows.
type LastMessage struct {
	Preview string    `json:"preview"`
	At      time.Time `json:"at"`
}

// WrapUp is recorded when a session ends. Immutable once set.
type WrapUp struct {
	Category   string    `json:"category"`
	Summary    string    `json:"summary"`
	Rating     *int      `json:"rating,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Session is a conversation between a customer and the support org.
type Session struct {
	ID                 string        `json:"id"`
	Customer           Customer      `json:"customer"`
	Status             Status        `json:"status"`
	Priority           Priority      `json:"priority"`
	Category           string        `json:"category"`
	AssignedAgentID    string        `json:"assigned_agent_id,omitempty"`
	Tags               []string      `json:"tags"`
	UnreadCount        int           `json:"unread_count"`
	LastMessage        LastMessage   `json:"last_message"`
	WaitTime           time.Duration `json:"-"`
	QueuedAt           time.Time     `json:"queued_at"`
	SatisfactionRating *int          `json:"satisfaction_rating,omitempty"`
	InternalNotes      string        `json:"internal_notes,omitempty"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	WrapUp             *WrapUp       `json:"wrap_up,omitempty"`
}

// MarshalJSON encodes WaitTime as whole seconds under "wait_time".
func (s Session) MarshalJSON() ([]byte, error) {
	type alias Session
	return json.Marshal(struct {
		alias
		WaitTime int64 `json:"wait_time"`
	}{alias(s), int64(s.WaitTime / time.Second)})
}

// WaitAt returns the wait time as of now. While queued, the clock keeps
// running from QueuedAt between server updates; the reported value is a floor.
func (s Session) WaitAt(now time.Time) time.Duration {
	if !s.Status.Queued() {
		return s.WaitTime
	}
	wait := s.WaitTime
	if !s.QueuedAt.IsZero() {
		if elapsed := now.Sub(s.QueuedAt); elapsed > wait {
			wait = elapsed
		}
	}
	return wait
}

// Clone returns a deep copy so callers never share maps or slices with the store.
func (s Session) Clone() Session {
	c := s
	if s.Tags != nil {
		c.Tags = append(make([]string, 0, len(s.Tags)), s.Tags...)
	}
	if s.Customer.Profile != nil {
		c.Customer.Profile = make(map[string]string, len(s.Customer.Profile))
		for k, v := range s.Customer.Profile {
			c.Customer.Profile[k] = v
		}
	}
	if s.SatisfactionRating != nil {
		r := *s.SatisfactionRating
		c.SatisfactionRating = &r
	}
	if s.WrapUp != nil {
		w := *s.WrapUp
		if w.Rating != nil {
			r := *w.Rating
			w.Rating = &r
		}
		c.WrapUp = &w
	}
	return c
}

// HasTag reports whether the session carries tag.
func (s Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Message is a single turn within a session.
type Message struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	Seq           int64        `json:"seq,omitempty"`
	SenderType    SenderType   `json:"sender_type"`
	SenderID      string       `json:"sender_id,omitempty"`
	Body          string       `json:"body"`
	CreatedAt     time.Time    `json:"created_at"`
	DeliveredAt   *time.Time   `json:"delivered_at"`
	IsRead        bool         `json:"is_read"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	State         MessageState `json:"-"`
}

// Delivered reports whether the server has confirmed delivery.
func (m Message) Delivered() bool { return m.DeliveredAt != nil }

// normalizeTags returns tags de-duplicated and sorted, never nil.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
