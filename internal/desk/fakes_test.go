package desk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/realtime"
	"github.com/zulandar/frontdesk/internal/retry"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeOrg is an in-memory organization server. It arbitrates concurrent
// assigns the way the hub does: first writer wins.
type fakeOrg struct {
	mu       sync.Mutex
	clock    time.Time
	sessions map[string]inbox.Session
	messages map[string][]inbox.Message
	seq      int
	calls    map[string]int

	failSends  int   // next n sends fail with a network error
	statusErr  error // returned by SetStatus when set
	assignGate chan struct{}
	onSend     func(inbox.Message) // runs before SendMessage returns
	onList     func()              // runs after ListSessions took its snapshot
}

func newFakeOrg() *fakeOrg {
	return &fakeOrg{
		clock:    t0,
		sessions: make(map[string]inbox.Session),
		messages: make(map[string][]inbox.Message),
		calls:    make(map[string]int),
	}
}

func (o *fakeOrg) add(s inbox.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = o.clock
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	o.sessions[s.ID] = s
}

func (o *fakeOrg) session(id string) inbox.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id].Clone()
}

func (o *fakeOrg) count(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[op]
}

func (o *fakeOrg) totalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		n += c
	}
	return n
}

// tick advances the server clock. Caller holds o.mu.
func (o *fakeOrg) tick() time.Time {
	o.clock = o.clock.Add(time.Second)
	return o.clock
}

func (o *fakeOrg) client(agentID string) *fakeAPI { return &fakeAPI{org: o, agent: agentID} }

// fakeAPI is one agent's view of the fake organization.
type fakeAPI struct {
	org   *fakeOrg
	agent string
}

func (f *fakeAPI) enter(op string) {
	f.org.calls[op]++
}

func (f *fakeAPI) ListSessions(ctx context.Context) ([]inbox.Session, error) {
	o := f.org
	o.mu.Lock()
	f.enter("list")
	out := make([]inbox.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Clone())
	}
	hook := o.onList
	o.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (inbox.Session, error) {
	o := f.org
	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("get")
	s, ok := o.sessions[id]
	if !ok {
		return inbox.Session{}, fmt.Errorf("fake: get %s: %w", id, ErrSessionNotFound)
	}
	return s.Clone(), nil
}

func (f *fakeAPI) Assign(ctx context.Context, id string) (inbox.Session, error) {
	o := f.org
	o.mu.Lock()
	gate := o.assignGate
	o.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return inbox.Session{}, fmt.Errorf("fake: %w: %w", ErrNetwork, ctx.Err())
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("assign")
	s, ok := o.sessions[id]
	switch {
	case !ok:
		return inbox.Session{}, ErrSessionNotFound
	case s.Status == inbox.StatusEnded:
		return inbox.Session{}, ErrSessionClosed
	case s.AssignedAgentID != "" && s.AssignedAgentID != f.agent:
		return inbox.Session{}, ErrAlreadyAssigned
	}
	s.Status = inbox.StatusActive
	s.AssignedAgentID = f.agent
	s.WaitTime = 0
	s.LastActivityAt = o.tick()
	o.sessions[id] = s
	return s.Clone(), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, sessionID, body, correlationID string) (inbox.Message, error) {
	o := f.org
	o.mu.Lock()
	f.enter("send")
	if o.failSends > 0 {
		o.failSends--
		o.mu.Unlock()
		return inbox.Message{}, fmt.Errorf("fake: send: %w", ErrNetwork)
	}
	s := o.sessions[sessionID]
	if s.Status == inbox.StatusEnded {
		o.mu.Unlock()
		return inbox.Message{}, ErrSessionClosed
	}
	o.seq++
	at := o.tick()
	if s.Status == inbox.StatusWaiting {
		s.Status = inbox.StatusActive
		s.LastActivityAt = at
		o.sessions[sessionID] = s
	}
	m := inbox.Message{
		ID:            fmt.Sprintf("srv-%d", o.seq),
		SessionID:     sessionID,
		SenderType:    inbox.SenderAgent,
		SenderID:      f.agent,
		Body:          body,
		CreatedAt:     at,
		DeliveredAt:   &at,
		CorrelationID: correlationID,
	}
	o.messages[sessionID] = append(o.messages[sessionID], m)
	hook := o.onSend
	o.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (f *fakeAPI) Messages(ctx context.Context, sessionID string) ([]inbox.Message, error) {
	o := f.org
	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("messages")
	return append([]inbox.Message(nil), o.messages[sessionID]...), nil
}

func (f *fakeAPI) Transfer(ctx context.Context, id, target, reason string) (inbox.Session, error) {
	o := f.org
	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("transfer")
	s, ok := o.sessions[id]
	if !ok {
		return inbox.Session{}, ErrSessionNotFound
	}
	if s.Status == inbox.StatusEnded {
		return inbox.Session{}, ErrSessionClosed
	}
	s.AssignedAgentID = target
	s.Status = inbox.StatusActive
	if target == "" {
		s.Status = inbox.StatusPending
	}
	s.LastActivityAt = o.tick()
	o.sessions[id] = s
	return s.Clone(), nil
}

func (f *fakeAPI) End(ctx context.Context, id string, w inbox.WrapUp) (inbox.Session, error) {
	o := f.org
	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("end")
	s, ok := o.sessions[id]
	if !ok {
		return inbox.Session{}, ErrSessionNotFound
	}
	if s.Status == inbox.StatusEnded {
		return inbox.Session{}, ErrSessionClosed
	}
	s.Status = inbox.StatusEnded
	w.RecordedAt = o.tick()
	s.WrapUp = &w
	s.LastActivityAt = w.RecordedAt
	o.sessions[id] = s
	return s.Clone(), nil
}

func (f *fakeAPI) SetStatus(ctx context.Context, id string, status inbox.Status) (inbox.Session, error) {
	o := f.org
	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("status")
	if o.statusErr != nil {
		return inbox.Session{}, o.statusErr
	}
	s := o.sessions[id]
	s.Status = status
	s.LastActivityAt = o.tick()
	o.sessions[id] = s
	return s.Clone(), nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, id string) error {
	o := f.org
	o.mu.Lock()
	defer o.mu.Unlock()
	f.enter("read")
	s := o.sessions[id]
	s.UnreadCount = 0
	o.sessions[id] = s
	return nil
}

type typingSignal struct {
	session string
	typing  bool
}

// fakeChannel stands in for the realtime adapter. Tests drive inbound
// events with the emit helpers; handlers run on the calling goroutine.
type fakeChannel struct {
	mu        sync.Mutex
	status    realtime.Status
	onMessage []func(inbox.Message)
	onTyping  []func(realtime.TypingEvent)
	onSession []func(realtime.SessionUpdate)
	onStatus  []func(realtime.Status)
	sent      []typingSignal
	connects  int
	closed    bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{status: realtime.StatusConnected}
}

func (f *fakeChannel) Connect(ctx context.Context) *realtime.ConnectionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeChannel) OnMessage(fn func(inbox.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = append(f.onMessage, fn)
}

func (f *fakeChannel) OnTyping(fn func(realtime.TypingEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTyping = append(f.onTyping, fn)
}

func (f *fakeChannel) OnSessionUpdate(fn func(realtime.SessionUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSession = append(f.onSession, fn)
}

func (f *fakeChannel) OnStatus(fn func(realtime.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = append(f.onStatus, fn)
}

func (f *fakeChannel) SendTyping(sessionID string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != realtime.StatusConnected {
		return
	}
	f.sent = append(f.sent, typingSignal{sessionID, isTyping})
}

func (f *fakeChannel) Typing(sessionID string) []string { return nil }

func (f *fakeChannel) Status() realtime.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.status = realtime.StatusClosed
	f.onMessage, f.onTyping, f.onSession, f.onStatus = nil, nil, nil, nil
}

// --- Test helpers ---

func (f *fakeChannel) emitMessage(m inbox.Message) {
	f.mu.Lock()
	fns := append([]func(inbox.Message){}, f.onMessage...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (f *fakeChannel) emitSession(u realtime.SessionUpdate) {
	f.mu.Lock()
	fns := append([]func(realtime.SessionUpdate){}, f.onSession...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (f *fakeChannel) setStatus(s realtime.Status) {
	f.mu.Lock()
	f.status = s
	fns := append([]func(realtime.Status){}, f.onStatus...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeChannel) typingSent() []typingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingSignal(nil), f.sent...)
}

type navRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (n *navRecorder) navigate(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, id)
}

func (n *navRecorder) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type harness struct {
	c   *Controller
	ch  *fakeChannel
	org *fakeOrg
	nav *navRecorder
}

func newHarness(t *testing.T, org *fakeOrg, agentID string, tweak ...func(*Options)) *harness {
	t.Helper()
	ch := newFakeChannel()
	nav := &navRecorder{}
	opts := Options{
		Identity:       Identity{AgentID: agentID, Name: agentID},
		API:            org.client(agentID),
		Channel:        ch,
		Timeout:        time.Second,
		TypingDebounce: 30 * time.Millisecond,
		SendBackoff:    retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Navigator:      nav.navigate,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Start(context.Background()))
	return &harness{c: c, ch: ch, org: org, nav: nav}
}

func pending(id string) inbox.Session {
	return inbox.Session{
		ID:       id,
		Customer: inbox.Customer{Name: "Customer " + id},
		Status:   inbox.StatusPending,
		Priority: inbox.PriorityMedium,
		QueuedAt: t0.Add(-5 * time.Minute),
		WaitTime: 5 * time.Minute,
	}
}

func activeFor(id, agent string) inbox.Session {
	s := pending(id)
	s.Status = inbox.StatusActive
	s.AssignedAgentID = agent
	s.WaitTime = 0
	return s
}

func ptr[T any](v T) *T { return &v }
