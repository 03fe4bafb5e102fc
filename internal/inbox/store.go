package inbox

import (
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Delta is a partial session update. Nil fields are left untouched. ID and
// LastActivityAt are required: LastActivityAt is the update's own timestamp
// and the merge key for out-of-order delivery.
type Delta struct {
	ID                 string
	LastActivityAt     time.Time
	Customer           *Customer
	Status             *Status
	Priority           *Priority
	Category           *string
	AssignedAgentID    *string
	Tags               *[]string
	UnreadCount        *int
	LastMessage        *LastMessage
	WaitTime           *time.Duration
	QueuedAt           *time.Time
	SatisfactionRating *int
	InternalNotes      *string
	WrapUp             *WrapUp
}

// FullDelta converts a complete session record into a delta that sets
// every field.
func FullDelta(s Session) Delta {
	s = s.Clone()
	tags := s.Tags
	return Delta{
		ID:                 s.ID,
		LastActivityAt:     s.LastActivityAt,
		Customer:           &s.Customer,
		Status:             &s.Status,
		Priority:           &s.Priority,
		Category:           &s.Category,
		AssignedAgentID:    &s.AssignedAgentID,
		Tags:               &tags,
		UnreadCount:        &s.UnreadCount,
		LastMessage:        &s.LastMessage,
		WaitTime:           &s.WaitTime,
		QueuedAt:           &s.QueuedAt,
		SatisfactionRating: s.SatisfactionRating,
		InternalNotes:      &s.InternalNotes,
		WrapUp:             s.WrapUp,
	}
}

// Store is the single source of truth for sessions visible to one agent.
// It is safe for concurrent use; every read returns copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	threads  map[string]*thread
	version  uint64
	// touched holds the version of each id's last change, removals
	// included, so Merge can tell local news from a stale snapshot.
	touched map[string]uint64

	subMu sync.Mutex
	subs  []func()
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		threads:  make(map[string]*thread),
		touched:  make(map[string]uint64),
	}
}

// Subscribe registers fn to be called after every change to the store.
// Callbacks run synchronously on the mutating goroutine, outside the lock.
func (st *Store) Subscribe(fn func()) {
	st.subMu.Lock()
	defer st.subMu.Unlock()
	st.subs = append(st.subs, fn)
}

func (st *Store) notify() {
	st.subMu.Lock()
	subs := make([]func(), len(st.subs))
	copy(subs, st.subs)
	st.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Version returns a counter that increases on every effective change.
func (st *Store) Version() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.version
}

// Upsert inserts or merges a delta. A delta older than the stored record is
// rejected and the stored record is returned with applied=false. Applying the
// same delta twice leaves the store as applying it once.
func (st *Store) Upsert(d Delta) (merged Session, applied bool) {
	st.mu.Lock()
	merged, applied, changed := st.upsertLocked(d)
	st.mu.Unlock()
	if changed {
		st.notify()
	}
	return merged, applied
}

// upsertLocked applies d. Caller holds st.mu.
func (st *Store) upsertLocked(d Delta) (merged Session, applied, changed bool) {
	cur, ok := st.sessions[d.ID]
	if ok && d.LastActivityAt.Before(cur.LastActivityAt) {
		return cur.Clone(), false, false
	}

	var next Session
	if ok {
		next = cur.Clone()
	} else {
		next = Session{ID: d.ID, Status: StatusPending, Priority: PriorityMedium, Tags: []string{}}
	}
	applyDelta(&next, d, ok)

	changed = !ok || !cmp.Equal(*cur, next)
	if changed {
		st.sessions[d.ID] = &next
		st.bump(d.ID)
	}
	return next.Clone(), true, changed
}

// bump records a change to id. Caller holds st.mu.
func (st *Store) bump(id string) {
	st.version++
	st.touched[id] = st.version
}

// applyDelta merges d into s field by field. existed is false on insert.
func applyDelta(s *Session, d Delta, existed bool) {
	prevStatus := s.Status
	prevAgent := s.AssignedAgentID
	prevWait := s.WaitTime

	if d.Customer != nil {
		s.Customer = *d.Customer
	}
	// Ended is terminal.
	if d.Status != nil && d.Status.Valid() && !(existed && prevStatus.Resolved()) {
		s.Status = *d.Status
	}
	if d.Priority != nil && d.Priority.Valid() {
		s.Priority = *d.Priority
	}
	if d.Category != nil {
		s.Category = *d.Category
	}
	if d.AssignedAgentID != nil {
		s.AssignedAgentID = *d.AssignedAgentID
	}
	if d.Tags != nil {
		s.Tags = normalizeTags(*d.Tags)
	}
	if d.UnreadCount != nil {
		s.UnreadCount = *d.UnreadCount
		if s.UnreadCount < 0 {
			s.UnreadCount = 0
		}
	}
	if d.LastMessage != nil {
		s.LastMessage = *d.LastMessage
	}
	if d.WaitTime != nil {
		s.WaitTime = *d.WaitTime
		// The wait clock never runs backwards until someone picks the session up.
		if existed && s.Status.Queued() && s.AssignedAgentID == prevAgent && s.WaitTime < prevWait {
			s.WaitTime = prevWait
		}
	}
	if d.QueuedAt != nil {
		s.QueuedAt = *d.QueuedAt
	}
	if d.SatisfactionRating != nil {
		r := *d.SatisfactionRating
		s.SatisfactionRating = &r
	}
	if d.InternalNotes != nil {
		s.InternalNotes = *d.InternalNotes
	}
	if d.WrapUp != nil && s.WrapUp == nil {
		w := *d.WrapUp
		s.WrapUp = &w
	}
	if d.LastActivityAt.After(s.LastActivityAt) {
		s.LastActivityAt = d.LastActivityAt
	}
}

// Replace overwrites a record unconditionally. It is used for authoritative
// server re-fetches and for rolling back an optimistic change, both of which
// must win over the stale-delta guard.
func (st *Store) Replace(s Session) {
	s = s.Clone()
	s.Tags = normalizeTags(s.Tags)
	st.mu.Lock()
	cur, ok := st.sessions[s.ID]
	changed := !ok || !cmp.Equal(*cur, s)
	if changed {
		st.sessions[s.ID] = &s
		st.bump(s.ID)
	}
	st.mu.Unlock()
	if changed {
		st.notify()
	}
}

// Remove drops a session and its local thread from the live set. Unknown ids
// are a no-op.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	_, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
		delete(st.threads, id)
		st.bump(id)
	}
	st.mu.Unlock()
	if ok {
		st.notify()
	}
}

// MarkRead resets the unread counter. Idempotent; unknown ids are a no-op.
func (st *Store) MarkRead(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	changed := ok && s.UnreadCount != 0
	if changed {
		s.UnreadCount = 0
		st.bump(id)
	}
	if t := st.threads[id]; t != nil {
		if t.markAllRead() {
			changed = true
			if !ok {
				st.version++
			}
		}
	}
	st.mu.Unlock()
	if changed {
		st.notify()
	}
}

// Get returns a copy of the session with the given id.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// All returns every live session in canonical order.
func (st *Store) All() []Session {
	return st.Query(Filter{})
}

// Query returns the sessions matching f in canonical order: unresolved
// before ended, then most recent activity first, ties broken by id.
func (st *Store) Query(f Filter) []Session {
	st.mu.RLock()
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if f.Match(*s) {
			out = append(out, s.Clone())
		}
	}
	st.mu.RUnlock()
	SortSessions(out)
	return out
}

// Merge folds a full server listing into the store, as after a re-fetch.
// since is the Version read before the listing was requested: sessions
// changed or removed locally after that point keep their local state, the
// rest go through the same stale-delta guard as Upsert. Sessions absent from
// the listing are dropped along with their threads unless they changed after
// since.
func (st *Store) Merge(sessions []Session, since uint64) {
	listed := make(map[string]bool, len(sessions))
	changed := false

	st.mu.Lock()
	for _, s := range sessions {
		listed[s.ID] = true
		if st.touched[s.ID] > since {
			continue
		}
		if _, _, c := st.upsertLocked(FullDelta(s)); c {
			changed = true
		}
	}
	for id := range st.sessions {
		if !listed[id] && st.touched[id] <= since {
			delete(st.sessions, id)
			delete(st.threads, id)
			st.bump(id)
			changed = true
		}
	}
	for id := range st.threads {
		if _, ok := st.sessions[id]; !ok && !listed[id] && st.touched[id] <= since {
			delete(st.threads, id)
		}
	}
	for id, v := range st.touched {
		if _, ok := st.sessions[id]; !ok && v <= since {
			delete(st.touched, id)
		}
	}
	st.mu.Unlock()

	if changed {
		st.notify()
	}
}
