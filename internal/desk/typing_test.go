package desk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingLog struct {
	mu   sync.Mutex
	sent []typingSignal
}

func (l *typingLog) send(id string, typing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, typingSignal{id, typing})
}

func (l *typingLog) get() []typingSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]typingSignal(nil), l.sent...)
}

func TestTypingTimer_DebounceRestartsOnKeystroke(t *testing.T) {
	var l typingLog
	tt := newTypingTimer(40*time.Millisecond, l.send)
	defer tt.Release()

	for i := 0; i < 5; i++ {
		tt.Keystroke("s1")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []typingSignal{{"s1", true}}, l.get(), "no stop while keys keep coming")

	require.Eventually(t, func() bool { return len(l.get()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, typingSignal{"s1", false}, l.get()[1])

	id, active := tt.Session()
	assert.Equal(t, "s1", id)
	assert.False(t, active)
}

func TestTypingTimer_StopIsIdempotent(t *testing.T) {
	var l typingLog
	tt := newTypingTimer(time.Hour, l.send)

	tt.Stop()
	tt.Keystroke("s1")
	tt.Stop()
	tt.Stop()
	assert.Equal(t, []typingSignal{{"s1", true}, {"s1", false}}, l.get())
}

func TestTypingTimer_UnbindFlushesToOldSession(t *testing.T) {
	var l typingLog
	tt := newTypingTimer(time.Hour, l.send)

	tt.Keystroke("s1")
	tt.Unbind()
	id, _ := tt.Session()
	assert.Empty(t, id)

	tt.Keystroke("s2")
	assert.Equal(t, []typingSignal{{"s1", true}, {"s1", false}, {"s2", true}}, l.get())
}

func TestTypingTimer_ReleasedIgnoresKeystrokes(t *testing.T) {
	var l typingLog
	tt := newTypingTimer(10*time.Millisecond, l.send)

	tt.Keystroke("s1")
	tt.Release()
	tt.Keystroke("s1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []typingSignal{{"s1", true}, {"s1", false}}, l.get())
}

func TestTypingTimer_DefaultDebounce(t *testing.T) {
	tt := newTypingTimer(0, func(string, bool) {})
	assert.Equal(t, DefaultTypingDebounce, tt.debounce)
}
