package inbox

import (
	"sort"
	"time"
)

// thread is the ordered message list of one session. Guarded by Store.mu.
type thread struct {
	messages []Message
}

func (t *thread) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *thread) indexByCorrelation(corr string) int {
	if corr == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].CorrelationID == corr {
			return i
		}
	}
	return -1
}

func (t *thread) sort() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		a, b := t.messages[i], t.messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		// Server-sequenced messages keep send order; unsequenced local
		// messages sort after them.
		if a.Seq != b.Seq {
			if a.Seq == 0 || b.Seq == 0 {
				return b.Seq == 0
			}
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

func (t *thread) markAllRead() bool {
	changed := false
	for i := range t.messages {
		if !t.messages[i].IsRead {
			t.messages[i].IsRead = true
			changed = true
		}
	}
	return changed
}

// reconcile folds a server-confirmed message into the local one at i.
func (t *thread) reconcile(i int, server Message) {
	local := t.messages[i]
	merged := server
	if merged.CorrelationID == "" {
		merged.CorrelationID = local.CorrelationID
	}
	if merged.ID == "" {
		merged.ID = local.ID
	}
	// Delivery never reverts.
	if merged.DeliveredAt == nil && local.DeliveredAt != nil {
		d := *local.DeliveredAt
		merged.DeliveredAt = &d
	}
	merged.IsRead = merged.IsRead || local.IsRead
	merged.State = MessageSent
	t.messages[i] = merged
}

func (st *Store) threadFor(sessionID string) *thread {
	t := st.threads[sessionID]
	if t == nil {
		t = &thread{}
		st.threads[sessionID] = t
	}
	return t
}

// AppendMessage adds m to its session's thread. A message whose ID or
// correlation id is already present is reconciled in place instead of
// appended, so echoes of our own sends never duplicate. It reports whether
// the thread changed.
func (st *Store) AppendMessage(m Message) bool {
	if m.State == "" {
		m.State = MessageSent
	}
	st.mu.Lock()
	t := st.threadFor(m.SessionID)
	changed := true
	switch i, j := t.indexByID(m.ID), t.indexByCorrelation(m.CorrelationID); {
	case i >= 0:
		before := t.messages[i]
		if m.State == MessageSent {
			t.reconcile(i, m)
		}
		changed = !messagesEqual(before, t.messages[i])
	case j >= 0:
		t.reconcile(j, m)
	default:
		t.messages = append(t.messages, m)
	}
	if changed {
		t.sort()
		st.version++
	}
	st.mu.Unlock()
	if changed {
		st.notify()
	}
	return changed
}

// ReconcileMessage replaces the optimistic message carrying correlationID
// with the server's version. It reports false if no such message exists.
func (st *Store) ReconcileMessage(sessionID, correlationID string, server Message) (Message, bool) {
	st.mu.Lock()
	t := st.threads[sessionID]
	if t == nil {
		st.mu.Unlock()
		return Message{}, false
	}
	i := t.indexByCorrelation(correlationID)
	if i < 0 {
		st.mu.Unlock()
		return Message{}, false
	}
	// The server echo may already have landed under its own id.
	if dup := t.indexByID(server.ID); dup >= 0 && dup != i {
		t.messages = append(t.messages[:dup], t.messages[dup+1:]...)
		i = t.indexByCorrelation(correlationID)
	}
	server.CorrelationID = correlationID
	t.reconcile(i, server)
	out := t.messages[i]
	t.sort()
	st.version++
	st.mu.Unlock()
	st.notify()
	return out, true
}

// MarkMessageFailed flags the optimistic message carrying correlationID as
// failed so the agent can retry it.
func (st *Store) MarkMessageFailed(sessionID, correlationID string) bool {
	return st.setMessageState(sessionID, correlationID, MessageFailed)
}

// MarkMessagePending moves a failed message back to pending for a retry.
func (st *Store) MarkMessagePending(sessionID, correlationID string) bool {
	return st.setMessageState(sessionID, correlationID, MessagePending)
}

func (st *Store) setMessageState(sessionID, correlationID string, state MessageState) bool {
	st.mu.Lock()
	t := st.threads[sessionID]
	changed := false
	if t != nil {
		if i := t.indexByCorrelation(correlationID); i >= 0 && t.messages[i].State != MessageSent && t.messages[i].State != state {
			t.messages[i].State = state
			changed = true
			st.version++
		}
	}
	st.mu.Unlock()
	if changed {
		st.notify()
	}
	return changed
}

// MarkMessageDelivered records a delivery receipt. A message already
// delivered keeps its original timestamp.
func (st *Store) MarkMessageDelivered(sessionID, messageID string, at time.Time) bool {
	st.mu.Lock()
	t := st.threads[sessionID]
	changed := false
	if t != nil {
		if i := t.indexByID(messageID); i >= 0 && t.messages[i].DeliveredAt == nil {
			t.messages[i].DeliveredAt = &at
			changed = true
			st.version++
		}
	}
	st.mu.Unlock()
	if changed {
		st.notify()
	}
	return changed
}

// SetThread loads history for a session, keeping any local messages that
// the server does not know about yet.
func (st *Store) SetThread(sessionID string, history []Message) {
	st.mu.Lock()
	t := st.threadFor(sessionID)
	var local []Message
	for _, m := range t.messages {
		if m.State != MessageSent {
			local = append(local, m)
		}
	}
	t.messages = t.messages[:0]
	for _, m := range history {
		m.State = MessageSent
		t.messages = append(t.messages, m)
	}
	for _, m := range local {
		if j := t.indexByCorrelation(m.CorrelationID); j >= 0 {
			continue
		}
		t.messages = append(t.messages, m)
	}
	t.sort()
	st.version++
	st.mu.Unlock()
	st.notify()
}

// Messages returns a copy of the session's thread in display order.
func (st *Store) Messages(sessionID string) []Message {
	st.mu.RLock()
	defer st.mu.RUnlock()
	t := st.threads[sessionID]
	if t == nil {
		return nil
	}
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// MessageByCorrelation finds a message by the client correlation id.
func (st *Store) MessageByCorrelation(sessionID, correlationID string) (Message, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	t := st.threads[sessionID]
	if t == nil {
		return Message{}, false
	}
	i := t.indexByCorrelation(correlationID)
	if i < 0 {
		return Message{}, false
	}
	return cloneMessage(t.messages[i]), true
}

func cloneMessage(m Message) Message {
	if m.DeliveredAt != nil {
		d := *m.DeliveredAt
		m.DeliveredAt = &d
	}
	return m
}

func messagesEqual(a, b Message) bool {
	if (a.DeliveredAt == nil) != (b.DeliveredAt == nil) {
		return false
	}
	if a.DeliveredAt != nil && !a.DeliveredAt.Equal(*b.DeliveredAt) {
		return false
	}
	return a.ID == b.ID && a.SessionID == b.SessionID && a.SenderType == b.SenderType &&
		a.SenderID == b.SenderID && a.Body == b.Body && a.CreatedAt.Equal(b.CreatedAt) &&
		a.IsRead == b.IsRead && a.CorrelationID == b.CorrelationID && a.State == b.State
}
