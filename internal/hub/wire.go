package hub

import (
	"encoding/json"
	"time"

	"github.com/zulandar/frontdesk/internal/models"
	"github.com/zulandar/frontdesk/internal/realtime"
)

// sessionJSON is the wire form of a session. assigned_agent_id is always
// present so a delta can clear it.
type sessionJSON struct {
	ID                 string           `json:"id"`
	Customer           customerJSON     `json:"customer"`
	Status             string           `json:"status"`
	Priority           string           `json:"priority"`
	Category           string           `json:"category"`
	AssignedAgentID    string           `json:"assigned_agent_id"`
	Tags               []string         `json:"tags"`
	UnreadCount        int              `json:"unread_count"`
	LastMessage        *lastMessageJSON `json:"last_message,omitempty"`
	WaitTime           int64            `json:"wait_time"`
	QueuedAt           time.Time        `json:"queued_at"`
	SatisfactionRating *int             `json:"satisfaction_rating,omitempty"`
	InternalNotes      string           `json:"internal_notes,omitempty"`
	WrapUp             *wrapUpJSON      `json:"wrap_up,omitempty"`
	LastActivityAt     time.Time        `json:"last_activity_at"`
}

type customerJSON struct {
	Name    string            `json:"name"`
	Email   string            `json:"email"`
	Profile map[string]string `json:"profile,omitempty"`
}

type lastMessageJSON struct {
	Preview string    `json:"preview"`
	At      time.Time `json:"at"`
}

type wrapUpJSON struct {
	Category   string    `json:"category"`
	Summary    string    `json:"summary"`
	Rating     *int      `json:"rating,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type messageJSON struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Seq           int64      `json:"seq"`
	SenderType    string     `json:"sender_type"`
	SenderID      string     `json:"sender_id,omitempty"`
	Body          string     `json:"body"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	IsRead        bool       `json:"is_read"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// queued reports whether the wait clock runs for a stored status.
func queued(status string) bool {
	return status == "pending" || status == "waiting"
}

func toSessionJSON(s models.Session, now time.Time) sessionJSON {
	out := sessionJSON{
		ID:                 s.ID,
		Customer:           customerJSON{Name: s.CustomerName, Email: s.CustomerEmail},
		Status:             s.Status,
		Priority:           s.Priority,
		Category:           s.Category,
		AssignedAgentID:    s.AssignedAgentID,
		Tags:               decodeTags(s.Tags),
		UnreadCount:        s.UnreadCount,
		QueuedAt:           s.QueuedAt.UTC(),
		SatisfactionRating: s.SatisfactionRating,
		InternalNotes:      s.InternalNotes,
		LastActivityAt:     s.LastActivityAt.UTC(),
	}
	if s.CustomerProfile != "" {
		_ = json.Unmarshal([]byte(s.CustomerProfile), &out.Customer.Profile)
	}
	if s.LastMessageAt != nil {
		out.LastMessage = &lastMessageJSON{Preview: s.LastPreview, At: s.LastMessageAt.UTC()}
	}
	if queued(s.Status) && !s.QueuedAt.IsZero() && now.After(s.QueuedAt) {
		out.WaitTime = int64(now.Sub(s.QueuedAt) / time.Second)
	}
	if s.Status == "ended" && s.WrapUpCategory != "" {
		w := &wrapUpJSON{Category: s.WrapUpCategory, Summary: s.WrapUpSummary, Rating: s.WrapUpRating}
		if s.EndedAt != nil {
			w.RecordedAt = s.EndedAt.UTC()
		}
		out.WrapUp = w
	}
	return out
}

func toMessageJSON(m models.Message) messageJSON {
	out := messageJSON{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Seq:           m.Seq,
		SenderType:    m.SenderType,
		SenderID:      m.SenderID,
		Body:          m.Body,
		CreatedAt:     m.CreatedAt.UTC(),
		IsRead:        m.IsRead,
		CorrelationID: m.CorrelationID,
	}
	if m.DeliveredAt != nil {
		d := m.DeliveredAt.UTC()
		out.DeliveredAt = &d
	}
	return out
}

func decodeTags(raw string) []string {
	tags := []string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tags)
	}
	return tags
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

// envelope turns a stored event into the realtime wire frame.
func envelope(e models.SessionEvent) realtime.Envelope {
	env := realtime.Envelope{
		Type:      realtime.EventType(e.Type),
		SessionID: e.SessionID,
		Cursor:    int64(e.ID),
	}
	if e.Payload != "" {
		env.Data = json.RawMessage(e.Payload)
	}
	return env
}
