package realtime

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long an inbound typing=true stays live without a
// refresh.
const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	session     string
	participant string
}

type typingEntry struct {
	ev    TypingEvent
	timer *time.Timer
	gen   uint64
}

// TypingTracker holds the ephemeral typing state per (session, participant).
// Every change is passed to emit exactly once; an indicator that is not
// refreshed within the TTL expires with a synthetic typing=false.
type TypingTracker struct {
	ttl  time.Duration
	emit func(TypingEvent)
	now  func() time.Time

	mu      sync.Mutex
	active  map[typingKey]*typingEntry
	gen     uint64
	stopped bool
}

// NewTypingTracker creates a tracker. emit is called outside the tracker's
// lock, from the observing goroutine or a timer goroutine.
func NewTypingTracker(ttl time.Duration, emit func(TypingEvent)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:    ttl,
		emit:   emit,
		now:    time.Now,
		active: make(map[typingKey]*typingEntry),
	}
}

// Observe applies an inbound typing event.
func (t *TypingTracker) Observe(ev TypingEvent) {
	key := typingKey{ev.SessionID, ev.ParticipantID}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	entry, live := t.active[key]
	var changed bool
	if ev.Typing {
		t.gen++
		gen := t.gen
		if live {
			entry.timer.Stop()
			entry.ev = ev
			entry.gen = gen
		} else {
			entry = &typingEntry{ev: ev, gen: gen}
			t.active[key] = entry
			changed = true
		}
		entry.timer = time.AfterFunc(t.ttl, func() { t.expire(key, gen) })
	} else if live {
		entry.timer.Stop()
		delete(t.active, key)
		changed = true
	}
	t.mu.Unlock()

	if changed && t.emit != nil {
		t.emit(ev)
	}
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.active[key]
	if !ok || entry.gen != gen || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	ev := entry.ev
	t.mu.Unlock()

	ev.Typing = false
	ev.At = t.now()
	if t.emit != nil {
		t.emit(ev)
	}
}

// Typing returns the participants currently typing in a session, sorted.
func (t *TypingTracker) Typing(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k := range t.active {
		if k.session == sessionID {
			out = append(out, k.participant)
		}
	}
	sort.Strings(out)
	return out
}

// Clear forgets every indicator in a session without emitting.
func (t *TypingTracker) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.active {
		if k.session == sessionID {
			e.timer.Stop()
			delete(t.active, k)
		}
	}
}

// Stop cancels all timers. Further events are ignored.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for k, e := range t.active {
		e.timer.Stop()
		delete(t.active, k)
	}
}
