package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/api"
)

// EventSource is the slice of the REST client the poll transport needs.
type EventSource interface {
	Events(ctx context.Context, since int64, wait time.Duration) (api.EventsPage, error)
	Typing(ctx context.Context, sessionID string, typing bool) error
}

// PollTransport long-polls the REST event feed. It suits networks where
// websockets are blocked.
type PollTransport struct {
	Source EventSource
	Wait   time.Duration // how long the server may hold each poll (default 25s)
	Idle   time.Duration // pause between empty polls (default 0)
}

// Dial performs one poll to verify the feed is reachable and returns a
// connection that keeps polling until a poll fails.
func (t *PollTransport) Dial(ctx context.Context, since int64) (Conn, error) {
	if t.Source == nil {
		return nil, fmt.Errorf("realtime: poll transport has no source")
	}
	page, err := t.Source.Events(ctx, since, 0)
	if err != nil {
		return nil, fmt.Errorf("realtime: poll: %w", err)
	}
	wait := t.Wait
	if wait <= 0 {
		wait = 25 * time.Second
	}
	pctx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		src:    t.Source,
		wait:   wait,
		idle:   t.Idle,
		in:     make(chan Envelope, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(pctx, page, since)
	return c, nil
}

type pollConn struct {
	src    EventSource
	wait   time.Duration
	idle   time.Duration
	in     chan Envelope
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (c *pollConn) loop(ctx context.Context, first api.EventsPage, since int64) {
	defer close(c.done)
	defer close(c.in)

	page := first
	cursor := since
	for {
		for _, raw := range page.Events {
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				log.Warn().Err(err).Msg("realtime: poll: bad envelope")
				continue
			}
			select {
			case c.in <- env:
			case <-ctx.Done():
				return
			}
		}
		if page.Cursor > cursor {
			cursor = page.Cursor
		}
		if len(page.Events) == 0 && c.idle > 0 {
			t := time.NewTimer(c.idle)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		var err error
		page, err = c.src.Events(ctx, cursor, c.wait)
		if err != nil {
			if ctx.Err() == nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
	}
}

func (c *pollConn) Listen() <-chan Envelope { return c.in }

// Send forwards typing events over REST; other event types have no upstream
// route on this transport.
func (c *pollConn) Send(ctx context.Context, env Envelope) error {
	if env.Type != EventTyping {
		return fmt.Errorf("realtime: poll transport cannot send %q", env.Type)
	}
	var p TypingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return fmt.Errorf("realtime: poll: typing payload: %w", err)
	}
	return c.src.Typing(ctx, env.SessionID, p.Typing)
}

func (c *pollConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pollConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}
