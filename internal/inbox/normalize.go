package inbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// The organization API and realtime feeds have drifted over time: customers
// arrive as name or first/last pairs, timestamps as RFC 3339 or unix seconds,
// tags as arrays or comma lists. Everything is funnelled through these
// functions so the rest of the module only ever sees canonical shapes.

// NormalizeSession parses a full session object.
func NormalizeSession(raw []byte) (Session, error) {
	if !gjson.ValidBytes(raw) {
		return Session{}, fmt.Errorf("inbox: normalize session: invalid json")
	}
	d, err := DeltaFromResult(gjson.ParseBytes(raw))
	if err != nil {
		return Session{}, err
	}
	s := Session{ID: d.ID, Status: StatusPending, Priority: PriorityMedium, Tags: []string{}}
	applyDelta(&s, d, false)
	if s.Customer.Name == "" {
		s.Customer.Name = "Unknown"
	}
	return s, nil
}

// NormalizeSessions parses a list response, either a bare array or an
// object wrapping it under "sessions" or "data".
func NormalizeSessions(raw []byte) ([]Session, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("inbox: normalize sessions: invalid json")
	}
	list := listOf(gjson.ParseBytes(raw), "sessions")
	out := make([]Session, 0, len(list))
	for _, item := range list {
		s, err := NormalizeSession([]byte(item.Raw))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// NormalizeDelta parses a possibly partial session update. Only fields
// present in the payload are set on the returned delta.
func NormalizeDelta(raw []byte) (Delta, error) {
	if !gjson.ValidBytes(raw) {
		return Delta{}, fmt.Errorf("inbox: normalize delta: invalid json")
	}
	return DeltaFromResult(gjson.ParseBytes(raw))
}

// DeltaFromResult builds a delta from an already parsed payload.
func DeltaFromResult(r gjson.Result) (Delta, error) {
	d := Delta{ID: firstString(r, "id", "session_id")}
	if d.ID == "" {
		return Delta{}, fmt.Errorf("inbox: normalize: session id is required")
	}

	if c, ok := customerOf(r); ok {
		d.Customer = &c
	}
	if v := r.Get("status"); v.Exists() {
		st := Status(strings.ToLower(v.String()))
		if st.Valid() {
			d.Status = &st
		}
	}
	if v := r.Get("priority"); v.Exists() {
		p := Priority(strings.ToLower(v.String()))
		if p.Valid() {
			d.Priority = &p
		}
	}
	if v := r.Get("category"); v.Exists() {
		s := v.String()
		d.Category = &s
	}
	if v := first(r, "assigned_agent_id", "agent_id"); v.Exists() {
		s := ""
		if v.Type != gjson.Null {
			s = v.String()
		}
		d.AssignedAgentID = &s
	}
	if v := r.Get("tags"); v.Exists() {
		tags := tagsOf(v)
		d.Tags = &tags
	}
	if v := r.Get("unread_count"); v.Exists() {
		n := int(v.Int())
		d.UnreadCount = &n
	}
	if lm, ok := lastMessageOf(r); ok {
		d.LastMessage = &lm
	}
	if v := r.Get("wait_time"); v.Exists() {
		w := time.Duration(v.Float() * float64(time.Second))
		d.WaitTime = &w
	}
	if v := r.Get("queued_at"); v.Exists() {
		t := timeOf(v)
		d.QueuedAt = &t
	}
	if v := r.Get("satisfaction_rating"); v.Exists() && v.Type != gjson.Null {
		n := int(v.Int())
		if n >= 1 && n <= 5 {
			d.SatisfactionRating = &n
		}
	}
	if v := first(r, "internal_notes", "notes"); v.Exists() {
		s := v.String()
		d.InternalNotes = &s
	}
	if v := r.Get("wrap_up"); v.IsObject() {
		w := WrapUp{
			Category:   v.Get("category").String(),
			Summary:    v.Get("summary").String(),
			RecordedAt: timeOf(v.Get("recorded_at")),
		}
		if rt := v.Get("rating"); rt.Exists() && rt.Type != gjson.Null {
			n := int(rt.Int())
			w.Rating = &n
		}
		d.WrapUp = &w
	}

	d.LastActivityAt = timeOf(first(r, "last_activity_at", "updated_at"))
	if d.LastActivityAt.IsZero() && d.LastMessage != nil {
		d.LastActivityAt = d.LastMessage.At
	}
	return d, nil
}

// NormalizeMessage parses a single message object.
func NormalizeMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, fmt.Errorf("inbox: normalize message: invalid json")
	}
	return MessageFromResult(gjson.ParseBytes(raw))
}

// NormalizeMessages parses a message list, bare or wrapped under "messages"
// or "data".
func NormalizeMessages(raw []byte) ([]Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("inbox: normalize messages: invalid json")
	}
	list := listOf(gjson.ParseBytes(raw), "messages")
	out := make([]Message, 0, len(list))
	for _, item := range list {
		m, err := MessageFromResult(item)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MessageFromResult builds a message from an already parsed payload.
func MessageFromResult(r gjson.Result) (Message, error) {
	m := Message{
		ID:            firstString(r, "id", "message_id"),
		SessionID:     firstString(r, "session_id", "conversation_id"),
		Seq:           first(r, "seq", "sequence").Int(),
		SenderID:      firstString(r, "sender_id", "agent_id"),
		Body:          firstString(r, "body", "content", "text", "message"),
		CreatedAt:     timeOf(first(r, "created_at", "timestamp")),
		IsRead:        r.Get("is_read").Bool(),
		CorrelationID: firstString(r, "correlation_id", "client_id"),
		State:         MessageSent,
	}
	if m.SessionID == "" {
		return Message{}, fmt.Errorf("inbox: normalize message: session id is required")
	}
	switch st := SenderType(strings.ToLower(firstString(r, "sender_type", "sender"))); st {
	case SenderCustomer, SenderAgent, SenderBot, SenderSystem:
		m.SenderType = st
	default:
		m.SenderType = SenderCustomer
	}
	if v := r.Get("delivered_at"); v.Exists() && v.Type != gjson.Null {
		t := timeOf(v)
		if !t.IsZero() {
			m.DeliveredAt = &t
		}
	}
	return m, nil
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func listOf(r gjson.Result, key string) []gjson.Result {
	switch {
	case r.IsArray():
		return r.Array()
	case r.Get(key).IsArray():
		return r.Get(key).Array()
	case r.Get("data").IsArray():
		return r.Get("data").Array()
	}
	return nil
}

func customerOf(r gjson.Result) (Customer, bool) {
	c := r.Get("customer")
	flatName := r.Get("customer_name")
	flatEmail := r.Get("customer_email")
	if !c.Exists() && !flatName.Exists() && !flatEmail.Exists() {
		return Customer{}, false
	}
	out := Customer{
		Email: firstString(c, "email"),
	}
	if out.Email == "" {
		out.Email = strings.TrimSpace(flatEmail.String())
	}
	out.Name = firstString(c, "name", "full_name")
	if out.Name == "" {
		out.Name = strings.TrimSpace(firstString(c, "first_name") + " " + firstString(c, "last_name"))
	}
	if out.Name == "" {
		out.Name = strings.TrimSpace(flatName.String())
	}
	if out.Name == "" {
		out.Name = out.Email
	}
	if out.Name == "" {
		out.Name = "Unknown"
	}
	if p := c.Get("profile"); p.IsObject() {
		out.Profile = make(map[string]string)
		p.ForEach(func(k, v gjson.Result) bool {
			out.Profile[k.String()] = v.String()
			return true
		})
	}
	return out, true
}

func tagsOf(v gjson.Result) []string {
	var tags []string
	if v.IsArray() {
		for _, t := range v.Array() {
			tags = append(tags, strings.TrimSpace(t.String()))
		}
	} else if s := v.String(); s != "" {
		for _, t := range strings.Split(s, ",") {
			tags = append(tags, strings.TrimSpace(t))
		}
	}
	return normalizeTags(tags)
}

func lastMessageOf(r gjson.Result) (LastMessage, bool) {
	v := r.Get("last_message")
	switch {
	case v.IsObject():
		return LastMessage{
			Preview: firstString(v, "preview", "body", "content", "text"),
			At:      timeOf(first(v, "at", "created_at")),
		}, true
	case v.Exists() && v.Type == gjson.String:
		return LastMessage{Preview: v.String(), At: timeOf(r.Get("last_message_at"))}, true
	}
	return LastMessage{}, false
}

// timeOf accepts RFC 3339 strings or unix seconds. Anything else is zero.
func timeOf(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		sec := v.Float()
		if sec == float64(int64(sec)) {
			return time.Unix(int64(sec), 0).UTC()
		}
		return time.Unix(0, int64(sec*float64(time.Second))).UTC()
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v.String()); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
