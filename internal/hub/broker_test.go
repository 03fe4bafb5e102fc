package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zulandar/frontdesk/internal/realtime"
)

func runBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	return b
}

func TestBroker_WakeCoalesces(t *testing.T) {
	b := runBroker(t)
	sub := b.Subscribe("a1")
	defer b.Unsubscribe(sub)

	b.Wake()
	b.Wake()
	b.Wake()

	select {
	case <-sub.wake:
	case <-time.After(time.Second):
		t.Fatal("no wake delivered")
	}
	assert.LessOrEqual(t, len(sub.wake), 1)
}

func TestBroker_TypingSkipsSender(t *testing.T) {
	b := runBroker(t)
	sender := b.Subscribe("a1")
	other := b.Subscribe("a2")
	assert.Equal(t, 2, b.Subscribers())

	b.Typing(realtime.Envelope{Type: realtime.EventTyping, SessionID: "s1"}, "a1")

	select {
	case env := <-other.typing:
		assert.Equal(t, "s1", env.SessionID)
	case <-time.After(time.Second):
		t.Fatal("typing frame not relayed")
	}
	select {
	case <-sender.typing:
		t.Fatal("sender got its own typing frame")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := runBroker(t)
	sub := b.Subscribe("a1")
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Subscribers())

	b.Wake()
	select {
	case <-sub.wake:
		t.Fatal("woken after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_DoneAfterCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	cancel()
	select {
	case <-b.done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
	b.Typing(realtime.Envelope{}, "a1")
}
