// Package desk is the Inbox Controller: the stateful coordinator between an
// agent's intents and the Session Store and realtime channel. It enforces the
// session lifecycle, applies optimistic updates and reconciles them with the
// server, owns the typing-indicator timer, and serves the derived views the
// presentation layer renders.
package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/realtime"
	"github.com/zulandar/frontdesk/internal/retry"
)

// API is the organization REST surface the controller depends on. The
// implementation is bound to the agent's identity and credential.
type API interface {
	ListSessions(ctx context.Context) ([]inbox.Session, error)
	GetSession(ctx context.Context, id string) (inbox.Session, error)
	Assign(ctx context.Context, id string) (inbox.Session, error)
	SendMessage(ctx context.Context, sessionID, body, correlationID string) (inbox.Message, error)
	Messages(ctx context.Context, sessionID string) ([]inbox.Message, error)
	Transfer(ctx context.Context, id, targetAgentID, reason string) (inbox.Session, error)
	End(ctx context.Context, id string, w inbox.WrapUp) (inbox.Session, error)
	SetStatus(ctx context.Context, id string, status inbox.Status) (inbox.Session, error)
	MarkRead(ctx context.Context, id string) error
}

// Channel is the realtime adapter surface the controller depends on.
type Channel interface {
	Connect(ctx context.Context) *realtime.ConnectionHandle
	OnMessage(func(inbox.Message))
	OnTyping(func(realtime.TypingEvent))
	OnSessionUpdate(func(realtime.SessionUpdate))
	OnStatus(func(realtime.Status))
	SendTyping(sessionID string, isTyping bool)
	Typing(sessionID string) []string
	Status() realtime.Status
	Disconnect()
}

// Identity is the signed-in agent.
type Identity struct {
	AgentID string
	Name    string
}

// Navigator moves the presentation layer to a session. An empty id means
// back to the list.
type Navigator func(sessionID string)

// Action names a user intent for per-action loading state.
type Action string

const (
	ActionAssign   Action = "assign"
	ActionSend     Action = "send"
	ActionTransfer Action = "transfer"
	ActionEnd      Action = "end"
	ActionStatus   Action = "status"
	ActionSelect   Action = "select"
	ActionRefresh  Action = "refresh"
)

// claimedTTL is how long a session taken by another agent keeps answering
// Assign with ErrAlreadyAssigned.
const claimedTTL = 2 * time.Minute

// exclusive actions may not overlap on one session.
var exclusive = map[Action]bool{
	ActionAssign:   true,
	ActionTransfer: true,
	ActionEnd:      true,
	ActionStatus:   true,
}

// Notice is an error or state change that happened off the caller's
// goroutine. Each occurrence is delivered once.
type Notice struct {
	SessionID string
	Action    Action
	Kind      Kind
	Err       error
	Text      string
	At        time.Time
}

// Options configures a Controller.
type Options struct {
	Identity       Identity
	API            API
	Channel        Channel
	Store          *inbox.Store     // default: a new empty store
	SLA            inbox.SLAPolicy  // default: 15m warning, 30m danger
	Timeout        time.Duration    // per network action (default 10s)
	TypingDebounce time.Duration    // trailing stop delay (default 1s)
	MaxSendRetries int              // automatic resends after a failure (default 1)
	SendBackoff    retry.Config     // delay between automatic resends
	Navigator      Navigator        // optional
	Now            func() time.Time // optional clock
}

type pendingKey struct {
	session string
	action  Action
}

// Controller coordinates one agent's inbox.
type Controller struct {
	me         Identity
	api        API
	channel    Channel
	store      *inbox.Store
	sla        inbox.SLAPolicy
	timeout    time.Duration
	maxRetries int
	backoff    retry.Config
	navigate   Navigator
	now        func() time.Time
	typing     *typingTimer

	mu       sync.Mutex
	pending  map[pendingKey]int
	selected string
	filter   inbox.Filter
	conn     realtime.Status
	started  bool
	closed   bool
	loaded   bool // initial list fetched
	everUp   bool // channel has connected at least once
	// claimed remembers sessions another agent took from under us, so a late
	// Assign reads as already assigned rather than not found.
	claimed map[string]time.Time

	viewMu      sync.Mutex
	viewVersion uint64
	viewFilter  inbox.Filter
	viewValid   bool
	view        []inbox.Session

	listenMu sync.Mutex
	onChange []func()
	onNotice []func(Notice)
	changed  chan struct{}
	notices  chan Notice
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates a Controller. Call Start to connect the channel and load the
// initial session list.
func New(opts Options) (*Controller, error) {
	if opts.Identity.AgentID == "" {
		return nil, fmt.Errorf("desk: identity agent id is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("desk: api is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("desk: channel is required")
	}
	store := opts.Store
	if store == nil {
		store = inbox.NewStore()
	}
	sla := opts.SLA
	if sla.Warning == 0 && sla.Danger == 0 {
		sla = inbox.DefaultSLAPolicy
	}
	if sla.Danger < sla.Warning {
		return nil, fmt.Errorf("desk: sla danger threshold %s is below warning %s", sla.Danger, sla.Warning)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := opts.MaxSendRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 1
	}
	backoff := opts.SendBackoff
	if backoff.BaseDelay <= 0 {
		backoff = retry.Config{BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, Jitter: true}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		me:         opts.Identity,
		api:        opts.API,
		channel:    opts.Channel,
		store:      store,
		sla:        sla,
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    backoff,
		navigate:   opts.Navigator,
		now:        now,
		pending:    make(map[pendingKey]int),
		claimed:    make(map[string]time.Time),
		filter:     inbox.Filter{Tab: inbox.TabAll, AgentID: opts.Identity.AgentID},
		conn:       realtime.StatusDisconnected,
		changed:    make(chan struct{}, 1),
		notices:    make(chan Notice, 64),
		stopped:    make(chan struct{}),
	}
	c.typing = newTypingTimer(opts.TypingDebounce, c.channel.SendTyping)
	store.Subscribe(c.signal)
	c.wg.Add(1)
	go c.deliverLoop()
	return c, nil
}

// Start registers the channel handlers, connects, and loads the session
// list. A failed initial load is returned but the channel stays up, so the
// inbox fills in as events arrive or on the next Refresh.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("desk: controller closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.channel.OnSessionUpdate(c.handleSessionUpdate)
	c.channel.OnMessage(c.handleMessage)
	c.channel.OnTyping(func(realtime.TypingEvent) { c.signal() })
	c.channel.OnStatus(c.handleStatus)
	c.channel.Connect(ctx)

	err := c.Refresh(ctx)
	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()
	return err
}

// Close releases the typing timer and the channel. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.typing.Release()
	c.channel.Disconnect()
	close(c.stopped)
	c.wg.Wait()
}

// Store exposes the underlying Session Store for read access.
func (c *Controller) Store() *inbox.Store { return c.store }

// Identity returns the agent this controller acts for.
func (c *Controller) Identity() Identity { return c.me }

// OnChange registers fn to run after state changes. Calls are coalesced and
// made from a dedicated goroutine, never while the controller holds a lock.
func (c *Controller) OnChange(fn func()) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnNotice registers fn for asynchronous errors and connection changes.
func (c *Controller) OnNotice(fn func(Notice)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onNotice = append(c.onNotice, fn)
}

func (c *Controller) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Controller) notice(n Notice) {
	if n.At.IsZero() {
		n.At = c.now()
	}
	if n.Err != nil {
		n.Kind = Classify(n.Err)
		if n.Text == "" {
			n.Text = UserMessage(n.Err)
		}
	}
	select {
	case c.notices <- n:
	default:
		log.Warn().Str("session", n.SessionID).Str("kind", n.Kind.String()).Msg("desk: notice queue full, dropping")
	}
}

func (c *Controller) deliverLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopped:
			return
		case <-c.changed:
			c.listenMu.Lock()
			fns := append([]func(){}, c.onChange...)
			c.listenMu.Unlock()
			for _, fn := range fns {
				fn()
			}
		case n := <-c.notices:
			c.listenMu.Lock()
			fns := append([]func(Notice){}, c.onNotice...)
			c.listenMu.Unlock()
			for _, fn := range fns {
				fn(n)
			}
		}
	}
}

// begin marks an action in flight. Exclusive actions refuse to overlap.
// Caller holds c.mu.
func (c *Controller) begin(id string, a Action) error {
	if exclusive[a] {
		for k, n := range c.pending {
			if k.session == id && exclusive[k.action] && n > 0 {
				return fmt.Errorf("desk: %s %s: %w (%s)", a, id, ErrActionInFlight, k.action)
			}
		}
	}
	c.pending[pendingKey{id, a}]++
	c.signal()
	return nil
}

// end clears an in-flight mark. Caller holds c.mu.
func (c *Controller) end(id string, a Action) {
	k := pendingKey{id, a}
	if c.pending[k] <= 1 {
		delete(c.pending, k)
	} else {
		c.pending[k]--
	}
	c.signal()
}

// Pending reports whether action is in flight for a session, so only that
// session's control shows a spinner.
func (c *Controller) Pending(sessionID string, a Action) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[pendingKey{sessionID, a}] > 0
}

// lookup returns the stored session or the appropriate error. Ended
// sessions fail with ErrSessionClosed without touching the network.
func (c *Controller) lookup(id string) (inbox.Session, error) {
	s, ok := c.store.Get(id)
	if !ok {
		if until, taken := c.claimed[id]; taken && c.now().Before(until) {
			return inbox.Session{}, fmt.Errorf("desk: session %s: %w", id, ErrAlreadyAssigned)
		}
		return inbox.Session{}, fmt.Errorf("desk: session %s: %w", id, ErrSessionNotFound)
	}
	if s.Status.Resolved() {
		return s, fmt.Errorf("desk: session %s: %w", id, ErrSessionClosed)
	}
	return s, nil
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Assign claims a pending session. The session turns active locally at
// once; the server arbitrates concurrent claims, and losing the race rolls
// the local change back, re-fetches the session, and returns
// ErrAlreadyAssigned.
func (c *Controller) Assign(ctx context.Context, id string) error {
	c.mu.Lock()
	prev, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if prev.AssignedAgentID != "" && prev.AssignedAgentID != c.me.AgentID {
		c.mu.Unlock()
		return fmt.Errorf("desk: assign %s: %w", id, ErrAlreadyAssigned)
	}
	if prev.Status != inbox.StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("desk: assign %s from %s: %w", id, prev.Status, ErrInvalidTransition)
	}
	if err := c.begin(id, ActionAssign); err != nil {
		c.mu.Unlock()
		return err
	}
	optimistic := prev.Clone()
	optimistic.Status = inbox.StatusActive
	optimistic.AssignedAgentID = c.me.AgentID
	optimistic.WaitTime = 0
	c.store.Replace(optimistic)
	c.mu.Unlock()

	actx, cancel := c.withTimeout(ctx)
	srv, err := c.api.Assign(actx, id)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.end(id, ActionAssign)
	if err == nil {
		c.store.Upsert(inbox.FullDelta(srv))
		log.Debug().Str("session", id).Msg("desk: assigned")
		return nil
	}

	c.rollback(optimistic, prev)
	if errors.Is(err, ErrAlreadyAssigned) || errors.Is(err, ErrSessionClosed) {
		c.mu.Unlock()
		c.refetch(ctx, id, ActionAssign)
		c.mu.Lock()
	}
	return fmt.Errorf("desk: assign %s: %w", id, err)
}

// rollback restores prev unless something newer has replaced the
// optimistic record in the meantime. Caller holds c.mu.
func (c *Controller) rollback(optimistic, prev inbox.Session) {
	cur, ok := c.store.Get(optimistic.ID)
	if !ok {
		return
	}
	if cmp.Equal(cur, optimistic) {
		c.store.Replace(prev)
	}
}

// refetch merges the server's current view of a session. A session that is
// gone from the store and no longer visible to us stays gone: the removal
// event already said so. Must be called without c.mu.
func (c *Controller) refetch(ctx context.Context, id string, a Action) {
	fctx, cancel := c.withTimeout(context.WithoutCancel(ctx))
	s, err := c.api.GetSession(fctx, id)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		if _, ok := c.store.Get(id); ok || c.visible(s) {
			c.store.Upsert(inbox.FullDelta(s))
		} else {
			c.store.Remove(id)
		}
	case errors.Is(err, ErrSessionNotFound):
		c.store.Remove(id)
	default:
		c.notice(Notice{SessionID: id, Action: a, Err: fmt.Errorf("desk: refetch %s: %w", id, err)})
	}
}

// visible reports whether the server lists s for this agent: queued and
// unclaimed, or held by us.
func (c *Controller) visible(s inbox.Session) bool {
	if s.AssignedAgentID == c.me.AgentID {
		return true
	}
	return s.AssignedAgentID == "" && !s.Status.Resolved()
}

// SendMessage sends an agent reply. The message appears in the thread at
// once as pending; it is reconciled with the server copy by correlation id,
// so the later realtime echo replaces rather than duplicates it. A failed
// send is retried automatically up to the configured budget and then left
// failed for RetryMessage.
func (c *Controller) SendMessage(ctx context.Context, sessionID, body string) (inbox.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return inbox.Message{}, &ValidationError{Field: "body", Message: "message body is required"}
	}

	c.mu.Lock()
	s, err := c.lookup(sessionID)
	if err != nil {
		c.mu.Unlock()
		return inbox.Message{}, err
	}
	if err := c.requireMine(s, "send", inbox.StatusActive, inbox.StatusWaiting); err != nil {
		c.mu.Unlock()
		return inbox.Message{}, err
	}
	corr := uuid.NewString()
	msg := inbox.Message{
		ID:            "local-" + corr,
		SessionID:     sessionID,
		SenderType:    inbox.SenderAgent,
		SenderID:      c.me.AgentID,
		Body:          body,
		CreatedAt:     c.now(),
		CorrelationID: corr,
		State:         inbox.MessagePending,
	}
	c.store.AppendMessage(msg)
	c.begin(sessionID, ActionSend)
	c.mu.Unlock()

	if sel, _ := c.typing.Session(); sel == sessionID {
		c.typing.Stop()
	}
	return c.deliver(ctx, sessionID, corr, body)
}

// RetryMessage resends a failed message.
func (c *Controller) RetryMessage(ctx context.Context, sessionID, correlationID string) (inbox.Message, error) {
	c.mu.Lock()
	s, err := c.lookup(sessionID)
	if err != nil {
		c.mu.Unlock()
		return inbox.Message{}, err
	}
	if err := c.requireMine(s, "retry", inbox.StatusActive, inbox.StatusWaiting); err != nil {
		c.mu.Unlock()
		return inbox.Message{}, err
	}
	m, ok := c.store.MessageByCorrelation(sessionID, correlationID)
	if !ok {
		c.mu.Unlock()
		return inbox.Message{}, &ValidationError{Field: "correlation_id", Message: "no such message"}
	}
	if m.State != inbox.MessageFailed {
		c.mu.Unlock()
		return m, fmt.Errorf("desk: retry %s: message is %s: %w", correlationID, m.State, ErrInvalidTransition)
	}
	c.store.MarkMessagePending(sessionID, correlationID)
	c.begin(sessionID, ActionSend)
	c.mu.Unlock()

	return c.deliver(ctx, sessionID, correlationID, m.Body)
}

func (c *Controller) deliver(ctx context.Context, sessionID, corr, body string) (inbox.Message, error) {
	b := retry.NewBackoff(c.backoff)
	var (
		srv inbox.Message
		err error
	)
	for attempt := 0; ; attempt++ {
		actx, cancel := c.withTimeout(ctx)
		srv, err = c.api.SendMessage(actx, sessionID, body, corr)
		cancel()
		if err == nil || !IsRetryable(err) || attempt >= c.maxRetries || ctx.Err() != nil {
			break
		}
		c.store.MarkMessageFailed(sessionID, corr)
		delay := b.Next()
		log.Debug().Err(err).Str("session", sessionID).Dur("retry_in", delay).Msg("desk: send failed, retrying")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
		if ctx.Err() != nil {
			break
		}
		c.store.MarkMessagePending(sessionID, corr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.end(sessionID, ActionSend)
	if err != nil {
		c.store.MarkMessageFailed(sessionID, corr)
		m, _ := c.store.MessageByCorrelation(sessionID, corr)
		if errors.Is(err, ErrSessionClosed) {
			c.mu.Unlock()
			c.refetch(ctx, sessionID, ActionSend)
			c.mu.Lock()
		}
		return m, fmt.Errorf("desk: send message %s: %w", sessionID, err)
	}
	m, ok := c.store.ReconcileMessage(sessionID, corr, srv)
	if !ok {
		// The session was removed while the send was in flight.
		return srv, nil
	}
	if cur, found := c.store.Get(sessionID); found && cur.Status == inbox.StatusWaiting {
		// An agent reply wakes a waiting session on the server.
		active := inbox.StatusActive
		c.store.Upsert(inbox.Delta{ID: sessionID, LastActivityAt: srv.CreatedAt, Status: &active})
	}
	return m, nil
}

// IsRetryable reports whether err is worth an automatic retry.
func IsRetryable(err error) bool { return Classify(err) == KindNetwork }

// TransferSession hands an active session to targetAgentID, or back to the
// queue when target is empty. On success the session leaves this agent's
// store for good.
func (c *Controller) TransferSession(ctx context.Context, id, targetAgentID, reason string) error {
	reason = strings.TrimSpace(reason)
	targetAgentID = strings.TrimSpace(targetAgentID)
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "a transfer reason is required"}
	}
	if targetAgentID == c.me.AgentID {
		return &ValidationError{Field: "target_agent_id", Message: "cannot transfer a conversation to yourself"}
	}

	c.mu.Lock()
	s, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.requireMine(s, "transfer", inbox.StatusActive); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.begin(id, ActionTransfer); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	actx, cancel := c.withTimeout(ctx)
	_, err = c.api.Transfer(actx, id, targetAgentID, reason)
	cancel()

	c.mu.Lock()
	c.end(id, ActionTransfer)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrAlreadyAssigned) {
			c.refetch(ctx, id, ActionTransfer)
		}
		return fmt.Errorf("desk: transfer %s: %w", id, err)
	}
	c.store.Remove(id)
	nav := c.deselectLocked(id)
	c.mu.Unlock()

	log.Info().Str("session", id).Str("target", targetAgentID).Msg("desk: transferred")
	if nav != nil {
		nav("")
	}
	return nil
}

// EndSession closes an active or waiting session with its wrap-up. Ended is
// terminal: every later action on the session fails with ErrSessionClosed.
func (c *Controller) EndSession(ctx context.Context, id string, w inbox.WrapUp) error {
	w.Category = strings.TrimSpace(w.Category)
	w.Summary = strings.TrimSpace(w.Summary)
	if err := validateWrapUp(w); err != nil {
		return err
	}

	c.mu.Lock()
	s, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.requireMine(s, "end", inbox.StatusActive, inbox.StatusWaiting); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.begin(id, ActionEnd); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	actx, cancel := c.withTimeout(ctx)
	srv, err := c.api.End(actx, id, w)
	cancel()

	c.mu.Lock()
	c.end(id, ActionEnd)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) {
			c.refetch(ctx, id, ActionEnd)
		}
		return fmt.Errorf("desk: end %s: %w", id, err)
	}
	if srv.ID == "" {
		srv = s
	}
	srv.Status = inbox.StatusEnded
	if srv.WrapUp == nil {
		rec := w
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = c.now()
		}
		srv.WrapUp = &rec
	}
	if srv.LastActivityAt.Before(s.LastActivityAt) {
		srv.LastActivityAt = s.LastActivityAt
	}
	c.store.Replace(srv)
	c.mu.Unlock()

	if sel, _ := c.typing.Session(); sel == id {
		c.typing.Unbind()
	}
	log.Info().Str("session", id).Str("category", w.Category).Msg("desk: ended")
	return nil
}

func validateWrapUp(w inbox.WrapUp) error {
	if w.Category == "" {
		return &ValidationError{Field: "category", Message: "a wrap-up category is required"}
	}
	if w.Summary == "" {
		return &ValidationError{Field: "summary", Message: "a wrap-up summary is required"}
	}
	if w.Rating != nil && (*w.Rating < 1 || *w.Rating > 5) {
		return &ValidationError{Field: "rating", Message: "rating must be between 1 and 5"}
	}
	return nil
}

// SetWaiting moves an active session to waiting (awaiting the customer) or
// back. Applied optimistically and rolled back on failure.
func (c *Controller) SetWaiting(ctx context.Context, id string, waiting bool) error {
	from, to := inbox.StatusActive, inbox.StatusWaiting
	if !waiting {
		from, to = inbox.StatusWaiting, inbox.StatusActive
	}

	c.mu.Lock()
	prev, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if prev.Status == to {
		c.mu.Unlock()
		return nil
	}
	if err := c.requireMine(prev, "set status", from); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.begin(id, ActionStatus); err != nil {
		c.mu.Unlock()
		return err
	}
	optimistic := prev.Clone()
	optimistic.Status = to
	c.store.Replace(optimistic)
	c.mu.Unlock()

	actx, cancel := c.withTimeout(ctx)
	srv, err := c.api.SetStatus(actx, id, to)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.end(id, ActionStatus)
	if err != nil {
		c.rollback(optimistic, prev)
		return fmt.Errorf("desk: set %s %s: %w", id, to, err)
	}
	c.store.Upsert(inbox.FullDelta(srv))
	return nil
}

// requireMine checks the session is assigned to us and in one of allowed.
func (c *Controller) requireMine(s inbox.Session, op string, allowed ...inbox.Status) error {
	ok := false
	for _, st := range allowed {
		if s.Status == st {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("desk: %s %s while %s: %w", op, s.ID, s.Status, ErrInvalidTransition)
	}
	if s.AssignedAgentID != c.me.AgentID {
		return fmt.Errorf("desk: %s %s: assigned to %q: %w", op, s.ID, s.AssignedAgentID, ErrInvalidTransition)
	}
	return nil
}

// Select opens a session: it becomes the typing target, its unread count
// resets, and its history loads. Switching away flushes any pending typing
// stop to the previous session.
func (c *Controller) Select(ctx context.Context, id string) error {
	c.mu.Lock()
	if _, ok := c.store.Get(id); !ok {
		c.mu.Unlock()
		return fmt.Errorf("desk: select %s: %w", id, ErrSessionNotFound)
	}
	prev := c.selected
	c.selected = id
	c.store.MarkRead(id)
	c.begin(id, ActionSelect)
	c.mu.Unlock()

	if prev != id {
		c.typing.Unbind()
	}

	actx, cancel := c.withTimeout(ctx)
	defer cancel()
	var errs []error
	if err := c.api.MarkRead(actx, id); err != nil {
		errs = append(errs, err)
	}
	history, err := c.api.Messages(actx, id)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.store.SetThread(id, history)
	}

	c.mu.Lock()
	c.end(id, ActionSelect)
	c.mu.Unlock()
	if len(errs) > 0 {
		return fmt.Errorf("desk: select %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// Selected returns the open session id, or "".
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Deselect closes the open session.
func (c *Controller) Deselect() {
	c.mu.Lock()
	c.selected = ""
	c.mu.Unlock()
	c.typing.Unbind()
	c.signal()
}

// deselectLocked clears the selection if it is id and returns the
// navigator to call once the lock is released.
func (c *Controller) deselectLocked(id string) Navigator {
	if c.selected != id {
		return nil
	}
	c.selected = ""
	c.typing.Unbind()
	return c.navigate
}

// Typing records a keystroke in the composer of sessionID: a start is sent
// on the first keystroke, a stop after the debounce window of silence.
// Typing into a session that is not ours to answer is ignored.
func (c *Controller) Typing(sessionID string) error {
	s, ok := c.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("desk: typing %s: %w", sessionID, ErrSessionNotFound)
	}
	if s.Status.Resolved() {
		return fmt.Errorf("desk: typing %s: %w", sessionID, ErrSessionClosed)
	}
	if c.channel.Status() != realtime.StatusConnected {
		return fmt.Errorf("desk: typing %s: %w", sessionID, ErrChannelDisconnected)
	}
	c.typing.Keystroke(sessionID)
	return nil
}

// TypingParticipants returns who is typing in a session right now.
func (c *Controller) TypingParticipants(sessionID string) []string {
	return c.channel.Typing(sessionID)
}

// Refresh re-fetches the whole session list. It is the fallback when the
// realtime channel is down.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.begin("", ActionRefresh)
	c.mu.Unlock()

	since := c.store.Version()
	actx, cancel := c.withTimeout(ctx)
	list, err := c.api.ListSessions(actx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.end("", ActionRefresh)
	if err != nil {
		return fmt.Errorf("desk: refresh: %w", err)
	}
	c.store.Merge(list, since)
	if c.selected != "" {
		if _, ok := c.store.Get(c.selected); !ok {
			c.selected = ""
			c.typing.Unbind()
		}
	}
	return nil
}

// Refreshing reports whether a full refresh is in flight.
func (c *Controller) Refreshing() bool { return c.Pending("", ActionRefresh) }

// ConnectionStatus returns the realtime channel state.
func (c *Controller) ConnectionStatus() realtime.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Controller) handleSessionUpdate(u realtime.SessionUpdate) {
	c.mu.Lock()
	var nav Navigator
	if u.Removed {
		c.store.Remove(u.Delta.ID)
		nav = c.deselectLocked(u.Delta.ID)
		if u.Reason == realtime.RemovedAssigned {
			c.claim(u.Delta.ID)
		}
	} else {
		delete(c.claimed, u.Delta.ID)
		merged, applied := c.store.Upsert(u.Delta)
		if applied && merged.Status.Resolved() && c.selected == merged.ID {
			c.typing.Unbind()
		}
	}
	c.mu.Unlock()
	if nav != nil {
		nav("")
	}
}

// claim records that another agent took id. Expired marks are pruned on
// the way. Caller holds c.mu.
func (c *Controller) claim(id string) {
	now := c.now()
	for k, until := range c.claimed {
		if !now.Before(until) {
			delete(c.claimed, k)
		}
	}
	c.claimed[id] = now.Add(claimedTTL)
}

func (c *Controller) handleMessage(m inbox.Message) {
	c.store.AppendMessage(m)

	c.mu.Lock()
	selected := c.selected == m.SessionID && !c.closed
	if selected && m.SenderType == inbox.SenderCustomer {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if selected && m.SenderType == inbox.SenderCustomer {
		c.store.MarkRead(m.SessionID)
		go func() {
			defer c.wg.Done()
			ctx, cancel := c.withTimeout(context.Background())
			defer cancel()
			if err := c.api.MarkRead(ctx, m.SessionID); err != nil {
				log.Debug().Err(err).Str("session", m.SessionID).Msg("desk: mark read")
			}
		}()
	}
}

func (c *Controller) handleStatus(s realtime.Status) {
	c.mu.Lock()
	prev := c.conn
	c.conn = s
	closed := c.closed
	reconnect := s == realtime.StatusConnected && c.everUp
	// On the first connect the initial load covers the catch-up, unless it
	// finished before the stream came up.
	catchUp := !closed && prev != s && s == realtime.StatusConnected && (c.everUp || c.loaded)
	if s == realtime.StatusConnected {
		c.everUp = true
	}
	if catchUp {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if closed || prev == s {
		return
	}
	c.signal()

	switch s {
	case realtime.StatusDisconnected:
		c.notice(Notice{Err: ErrChannelDisconnected})
	case realtime.StatusConnected:
		if reconnect && prev == realtime.StatusDisconnected {
			c.notice(Notice{Text: "Live updates restored."})
		}
		if !catchUp {
			return
		}
		// Catch up on anything the replay window did not cover.
		go func() {
			defer c.wg.Done()
			if err := c.Refresh(context.Background()); err != nil {
				c.notice(Notice{Action: ActionRefresh, Err: err})
			}
		}()
	}
}
