package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type typingRecorder struct {
	mu  sync.Mutex
	evs []TypingEvent
}

func (r *typingRecorder) emit(ev TypingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *typingRecorder) states() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Typing
	}
	return out
}

func TestTypingTracker_EmitsOnlyChanges(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(time.Hour, rec.emit)
	defer tr.Stop()

	ev := TypingEvent{SessionID: "s1", ParticipantID: "c1", Typing: true}
	tr.Observe(ev)
	tr.Observe(ev)
	ev.Typing = false
	tr.Observe(ev)
	tr.Observe(ev)

	assert.Equal(t, []bool{true, false}, rec.states())
}

func TestTypingTracker_RefreshExtendsTTL(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(100*time.Millisecond, rec.emit)
	defer tr.Stop()

	ev := TypingEvent{SessionID: "s1", ParticipantID: "c1", Typing: true}
	tr.Observe(ev)
	time.Sleep(60 * time.Millisecond)
	tr.Observe(ev)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []bool{true}, rec.states(), "refresh postponed expiry")
	assert.Eventually(t, func() bool { return len(rec.states()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTypingTracker_ParticipantsAreIndependent(t *testing.T) {
	tr := NewTypingTracker(time.Hour, nil)
	defer tr.Stop()

	tr.Observe(TypingEvent{SessionID: "s1", ParticipantID: "b", Typing: true})
	tr.Observe(TypingEvent{SessionID: "s1", ParticipantID: "a", Typing: true})
	tr.Observe(TypingEvent{SessionID: "s2", ParticipantID: "c", Typing: true})

	assert.Equal(t, []string{"a", "b"}, tr.Typing("s1"))
	tr.Clear("s1")
	assert.Empty(t, tr.Typing("s1"))
	assert.Equal(t, []string{"c"}, tr.Typing("s2"))
}

func TestTypingTracker_StopSilencesTimers(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(10*time.Millisecond, rec.emit)
	tr.Observe(TypingEvent{SessionID: "s1", ParticipantID: "c1", Typing: true})
	tr.Stop()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []bool{true}, rec.states())
	tr.Observe(TypingEvent{SessionID: "s1", ParticipantID: "c1", Typing: true})
	assert.Len(t, rec.states(), 1)
}
