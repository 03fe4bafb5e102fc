package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/retry"
)

// Status is the connection state surfaced to subscribers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusClosed       Status = "closed"
)

// ErrClosed is returned by operations on an adapter after Disconnect.
var ErrClosed = errors.New("realtime: adapter closed")

const (
	outboxSize       = 16
	typingSendBudget = 2 * time.Second
)

// Options configures an Adapter.
type Options struct {
	Transport     Transport
	ParticipantID string        // our agent id, stamped on outbound typing events
	Backoff       retry.Config  // reconnect schedule (default base 1s, cap 30s, full jitter)
	TypingTTL     time.Duration // inbound indicator lifetime (default 5s)
	TypingRate    float64       // outbound typing starts per second (default 4)
}

// Adapter owns the realtime channel. Inbound events are dispatched from a
// single goroutine, so events for one session reach handlers in the order
// the server sent them.
type Adapter struct {
	transport     Transport
	participantID string
	backoff       retry.Config
	limiter       *rate.Limiter
	typing        *TypingTracker

	mu        sync.Mutex
	status    Status
	conn      Conn
	cursor    int64
	cancel    context.CancelFunc
	done      chan struct{}
	handle    *ConnectionHandle
	closed    bool
	onMessage []func(inbox.Message)
	onTyping  []func(TypingEvent)
	onSession []func(SessionUpdate)
	onStatus  []func(Status)

	outbox chan Envelope
}

// NewAdapter creates an Adapter. It does not connect.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("realtime: transport is required")
	}
	backoff := opts.Backoff
	if backoff.BaseDelay <= 0 {
		backoff = retry.DefaultConfig()
	}
	backoff.Jitter = true
	typingRate := opts.TypingRate
	if typingRate <= 0 {
		typingRate = 4
	}

	a := &Adapter{
		transport:     opts.Transport,
		participantID: opts.ParticipantID,
		backoff:       backoff,
		limiter:       rate.NewLimiter(rate.Limit(typingRate), 1),
		status:        StatusDisconnected,
		outbox:        make(chan Envelope, outboxSize),
	}
	a.typing = NewTypingTracker(opts.TypingTTL, a.emitTyping)
	return a, nil
}

// ConnectionHandle is returned by Connect. It observes the connection the
// adapter maintains; it does not own it.
type ConnectionHandle struct {
	a *Adapter
}

// Status returns the current connection state.
func (h *ConnectionHandle) Status() Status { return h.a.Status() }

// Done is closed once the adapter has fully shut down.
func (h *ConnectionHandle) Done() <-chan struct{} {
	h.a.mu.Lock()
	defer h.a.mu.Unlock()
	if h.a.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.a.done
}

// WaitConnected blocks until the channel is up or ctx is done.
func (h *ConnectionHandle) WaitConnected(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		switch h.Status() {
		case StatusConnected:
			return nil
		case StatusClosed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Connect starts maintaining the channel in the background and returns
// immediately. The channel lives until Disconnect or until ctx is done.
// Calling it again returns the same handle; after Disconnect the handle
// reports StatusClosed.
func (a *Adapter) Connect(ctx context.Context) *ConnectionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		return a.handle
	}
	a.handle = &ConnectionHandle{a: a}
	if a.closed {
		return a.handle
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx)
	return a.handle
}

// Status returns the current connection state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Cursor returns the position of the last event received.
func (a *Adapter) Cursor() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// OnMessage registers a handler for inbound messages and delivery receipts.
func (a *Adapter) OnMessage(fn func(inbox.Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.onMessage = append(a.onMessage, fn)
	}
}

// OnTyping registers a handler for typing indicator changes, including
// synthetic stops when an indicator expires.
func (a *Adapter) OnTyping(fn func(TypingEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.onTyping = append(a.onTyping, fn)
	}
}

// OnSessionUpdate registers a handler for session deltas and removals.
func (a *Adapter) OnSessionUpdate(fn func(SessionUpdate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.onSession = append(a.onSession, fn)
	}
}

// OnStatus registers a handler for connection state changes.
func (a *Adapter) OnStatus(fn func(Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.onStatus = append(a.onStatus, fn)
	}
}

// Typing returns the participants currently typing in a session.
func (a *Adapter) Typing(sessionID string) []string {
	return a.typing.Typing(sessionID)
}

// SendTyping publishes our typing state. Fire-and-forget: it never blocks,
// and is dropped while disconnected or when starts exceed the rate limit.
// Stops are never rate limited.
func (a *Adapter) SendTyping(sessionID string, isTyping bool) {
	a.mu.Lock()
	up := a.status == StatusConnected
	a.mu.Unlock()
	if !up || sessionID == "" {
		return
	}
	if isTyping && !a.limiter.Allow() {
		return
	}
	data, err := json.Marshal(TypingPayload{ParticipantID: a.participantID, ParticipantType: string(inbox.SenderAgent), Typing: isTyping})
	if err != nil {
		return
	}
	select {
	case a.outbox <- Envelope{Type: EventTyping, SessionID: sessionID, Data: data}:
	default:
		log.Debug().Str("session", sessionID).Msg("realtime: outbox full, typing dropped")
	}
}

// Disconnect releases the channel, cancels any pending reconnect and drops
// every registered handler. Safe to call more than once, but not from inside
// a handler: it waits for the dispatch goroutine to exit.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.status = StatusClosed
	a.onMessage, a.onTyping, a.onSession, a.onStatus = nil, nil, nil, nil
	cancel, done, conn := a.cancel, a.done, a.conn
	a.mu.Unlock()

	a.typing.Stop()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (a *Adapter) run(ctx context.Context) {
	defer func() {
		a.setStatus(StatusDisconnected)
		close(a.done)
	}()
	b := retry.NewBackoff(a.backoff)
	for {
		conn, err := a.transport.Dial(ctx, a.Cursor())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setStatus(StatusDisconnected)
			delay := b.Next()
			log.Warn().Err(err).Int("attempt", b.Attempt()).Dur("retry_in", delay).Msg("realtime: dial failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			conn.Close()
			return
		}
		a.conn = conn
		a.mu.Unlock()
		a.drainOutbox()
		if b.Attempt() > 0 {
			log.Info().Int("attempts", b.Attempt()).Msg("realtime: reconnected")
		}
		b.Reset()
		a.setStatus(StatusConnected)

		a.pump(ctx, conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		a.setStatus(StatusDisconnected)
		delay := b.Next()
		log.Warn().Err(conn.Err()).Dur("retry_in", delay).Msg("realtime: connection lost")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// pump reads one connection until it drops, and writes queued outbound
// events to it.
func (a *Adapter) pump(ctx context.Context, conn Conn) {
	in := conn.Listen()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			a.dispatch(env)
		case env := <-a.outbox:
			sctx, cancel := context.WithTimeout(ctx, typingSendBudget)
			if err := conn.Send(sctx, env); err != nil {
				log.Debug().Err(err).Str("session", env.SessionID).Msg("realtime: send typing")
			}
			cancel()
		}
	}
}

func (a *Adapter) dispatch(env Envelope) {
	a.mu.Lock()
	if env.Cursor > a.cursor {
		a.cursor = env.Cursor
	}
	a.mu.Unlock()

	switch env.Type {
	case EventMessage:
		m, err := decodeMessage(env)
		if err != nil {
			log.Warn().Err(err).Msg("realtime: bad message event")
			return
		}
		a.mu.Lock()
		hs := append([]func(inbox.Message){}, a.onMessage...)
		a.mu.Unlock()
		for _, h := range hs {
			h(m)
		}
	case EventSessionUpdate, EventSessionRemoved:
		u, err := decodeSessionUpdate(env)
		if err != nil {
			log.Warn().Err(err).Msg("realtime: bad session event")
			return
		}
		if u.Removed {
			a.typing.Clear(u.Delta.ID)
		}
		a.mu.Lock()
		hs := append([]func(SessionUpdate){}, a.onSession...)
		a.mu.Unlock()
		for _, h := range hs {
			h(u)
		}
	case EventTyping:
		ev, err := decodeTyping(env, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("realtime: bad typing event")
			return
		}
		if ev.ParticipantID != "" && ev.ParticipantID == a.participantID {
			return
		}
		a.typing.Observe(ev)
	default:
		log.Debug().Str("type", string(env.Type)).Msg("realtime: ignoring unknown event")
	}
}

func (a *Adapter) emitTyping(ev TypingEvent) {
	a.mu.Lock()
	hs := append([]func(TypingEvent){}, a.onTyping...)
	a.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (a *Adapter) setStatus(s Status) {
	a.mu.Lock()
	if a.closed || a.status == s {
		a.mu.Unlock()
		return
	}
	a.status = s
	hs := append([]func(Status){}, a.onStatus...)
	a.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

func (a *Adapter) drainOutbox() {
	for {
		select {
		case <-a.outbox:
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
