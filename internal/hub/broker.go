package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/realtime"
)

// subscriber is one live stream (websocket, SSE, or a parked long-poll).
// Stored events are pulled from the Store on wake; typing frames are never
// stored and arrive on typing directly.
type subscriber struct {
	agentID string
	wake    chan struct{}
	typing  chan realtime.Envelope
}

type typingFrame struct {
	env  realtime.Envelope
	from string
}

// Broker fans commit notifications and typing frames out to subscribers
// from a single run loop. Subscribing takes effect immediately, so a caller
// that subscribes and then reads the store cannot miss a wake.
type Broker struct {
	wakeAll  chan struct{}
	typingIn chan typingFrame
	done     chan struct{}

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	once sync.Once
}

// NewBroker creates a broker. Nothing is delivered until Run starts.
func NewBroker() *Broker {
	return &Broker{
		wakeAll:  make(chan struct{}, 1),
		typingIn: make(chan typingFrame, 256),
		done:     make(chan struct{}),
		subs:     make(map[*subscriber]struct{}),
	}
}

// Run dispatches until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	defer b.once.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			return

		case <-b.wakeAll:
			for _, s := range b.snapshot() {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}

		case f := <-b.typingIn:
			for _, s := range b.snapshot() {
				if s.agentID != "" && s.agentID == f.from {
					continue
				}
				select {
				case s.typing <- f.env:
				default:
					log.Debug().Str("agent", s.agentID).Msg("hub: typing frame dropped, subscriber busy")
				}
			}
		}
	}
}

func (b *Broker) snapshot() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

// Subscribe adds a stream for agentID.
func (b *Broker) Subscribe(agentID string) *subscriber {
	s := &subscriber{
		agentID: agentID,
		wake:    make(chan struct{}, 1),
		typing:  make(chan realtime.Envelope, 32),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a stream.
func (b *Broker) Unsubscribe(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Wake tells every subscriber new events are committed. Coalesces.
func (b *Broker) Wake() {
	select {
	case b.wakeAll <- struct{}{}:
	default:
	}
}

// Typing relays an ephemeral typing frame to everyone but its sender.
func (b *Broker) Typing(env realtime.Envelope, from string) {
	select {
	case b.typingIn <- typingFrame{env: env, from: from}:
	case <-b.done:
	default:
		log.Debug().Str("session", env.SessionID).Msg("hub: typing backlog full")
	}
}

// Subscribers returns the number of live streams.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
