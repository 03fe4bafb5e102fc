package desk

import (
	"sync"
	"time"
)

// DefaultTypingDebounce is the trailing stop delay after the last keystroke.
const DefaultTypingDebounce = time.Second

// typingTimer turns keystrokes into typing signals: a leading start on the
// first keystroke and a trailing stop once input has been idle for the
// debounce window. It is bound to one session at a time; rebinding flushes
// the stop to the old session first, so a stop never lands on the wrong one.
type typingTimer struct {
	debounce time.Duration
	send     func(sessionID string, typing bool)

	mu       sync.Mutex
	session  string
	active   bool
	timer    *time.Timer
	gen      uint64
	released bool
}

func newTypingTimer(debounce time.Duration, send func(string, bool)) *typingTimer {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	return &typingTimer{debounce: debounce, send: send}
}

// Keystroke records input in sessionID.
func (t *typingTimer) Keystroke(sessionID string) {
	var flush []func()
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	if t.session != sessionID {
		if f := t.stopLocked(); f != nil {
			flush = append(flush, f)
		}
		t.session = sessionID
	}
	if !t.active {
		t.active = true
		flush = append(flush, func() { t.send(sessionID, true) })
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.debounce, func() { t.expire(gen) })
	t.mu.Unlock()

	for _, f := range flush {
		f()
	}
}

func (t *typingTimer) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	f := t.stopLocked()
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// Stop flushes a pending stop immediately, e.g. when the message is sent.
func (t *typingTimer) Stop() {
	t.mu.Lock()
	f := t.stopLocked()
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// Unbind flushes any pending stop and detaches from the current session.
func (t *typingTimer) Unbind() {
	t.mu.Lock()
	f := t.stopLocked()
	t.session = ""
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// Release is Unbind plus refusing any further keystrokes.
func (t *typingTimer) Release() {
	t.mu.Lock()
	f := t.stopLocked()
	t.session = ""
	t.released = true
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// Session returns the session the timer is bound to and whether a start
// has been sent without its stop.
func (t *typingTimer) Session() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session, t.active
}

func (t *typingTimer) stopLocked() func() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	if !t.active {
		return nil
	}
	t.active = false
	session := t.session
	return func() { t.send(session, false) }
}
