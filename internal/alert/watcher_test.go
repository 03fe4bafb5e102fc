package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/frontdesk/internal/db"
	"github.com/zulandar/frontdesk/internal/hub"
	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/models"
)

var ctx = context.Background()

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestHubStore(t *testing.T) (*hub.Store, *clock) {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st, err := hub.NewStore(gdb, clk.Now)
	require.NoError(t, err)
	return st, clk
}

func openSession(t *testing.T, st *hub.Store, name string) models.Session {
	t.Helper()
	s, err := st.OpenSession(ctx, hub.OpenRequest{CustomerName: name, Priority: "high", Body: "help"})
	require.NoError(t, err)
	return s
}

func newTestWatcher(t *testing.T, src Source, n Notifier) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherOpts{Source: src, Notifier: n, Channel: "C_OPS"})
	require.NoError(t, err)
	return w
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(WatcherOpts{})
	assert.ErrorContains(t, err, "source is required")

	st, _ := newTestHubStore(t)
	_, err = NewWatcher(WatcherOpts{Source: st, DigestCron: "not a cron"})
	assert.ErrorContains(t, err, "digest cron")

	w, err := NewWatcher(WatcherOpts{Source: st, DigestCron: "0 9 * * 1-5"})
	require.NoError(t, err)
	assert.Equal(t, inbox.DefaultSLAPolicy, w.policy)
	assert.Equal(t, DefaultSweepInterval, w.sweep)
	assert.IsType(t, LogNotifier{}, w.notifier)
	assert.NotNil(t, w.digest)
}

func TestSweep_EscalatesOncePerLevel(t *testing.T) {
	st, clk := newTestHubStore(t)
	n := &recordingNotifier{}
	w := newTestWatcher(t, st, n)
	s := openSession(t, st, "Ada")

	got, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "fresh session is safe")

	clk.Advance(20 * time.Minute)
	got, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, s.ID, got[0].SessionID)
	assert.Equal(t, inbox.SLAWarning, got[0].Level)
	assert.Equal(t, "Ada", got[0].Customer)
	assert.Equal(t, 20*time.Minute, got[0].Wait)

	clk.Advance(5 * time.Minute)
	got, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "still warning")

	clk.Advance(6 * time.Minute)
	got, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inbox.SLADanger, got[0].Level)

	clk.Advance(time.Hour)
	got, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSweep_JumpsStraightToDanger(t *testing.T) {
	st, clk := newTestHubStore(t)
	w := newTestWatcher(t, st, &recordingNotifier{})
	openSession(t, st, "Ada")

	clk.Advance(45 * time.Minute)
	got, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inbox.SLADanger, got[0].Level)
}

func TestSweep_ForgetsAssignedAndRequeuedStartsOver(t *testing.T) {
	st, clk := newTestHubStore(t)
	w := newTestWatcher(t, st, &recordingNotifier{})
	s := openSession(t, st, "Ada")

	clk.Advance(20 * time.Minute)
	got, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = st.Assign(ctx, s.ID, "alice")
	require.NoError(t, err)
	got, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, w.notified)

	_, err = st.Transfer(ctx, s.ID, hub.TransferRequest{FromAgentID: "alice", Reason: "shift over"})
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)
	got, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "requeued session alerts again")
	assert.Equal(t, inbox.SLAWarning, got[0].Level)
}

func TestSweepAndNotify(t *testing.T) {
	st, clk := newTestHubStore(t)
	n := &recordingNotifier{}
	w := newTestWatcher(t, st, n)
	openSession(t, st, "Ada")
	clk.Advance(10 * time.Minute)
	openSession(t, st, "Grace")

	count, err := w.SweepAndNotify(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, n.count(), "nothing to post")

	clk.Advance(25 * time.Minute)
	count, err = w.SweepAndNotify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Equal(t, 1, n.count())

	msg := n.msgs[0]
	assert.Equal(t, "C_OPS", msg.Channel)
	assert.Equal(t, "Queue SLA: 1 in danger, 1 in warning", msg.Text)
	require.Len(t, msg.Events, 2)
	assert.Equal(t, "Ada waiting 35m", msg.Events[0].Title)
	assert.Equal(t, ColorError, msg.Events[0].Color)
	assert.Equal(t, "Grace waiting 25m", msg.Events[1].Title)
	assert.Equal(t, ColorWarning, msg.Events[1].Color)
}

func TestSweepAndNotify_NotifierError(t *testing.T) {
	st, clk := newTestHubStore(t)
	n := &recordingNotifier{err: errors.New("slack down")}
	w := newTestWatcher(t, st, n)
	openSession(t, st, "Ada")
	clk.Advance(time.Hour)

	_, err := w.SweepAndNotify(ctx)
	assert.ErrorContains(t, err, "slack down")
}

func TestDigest(t *testing.T) {
	st, clk := newTestHubStore(t)
	n := &recordingNotifier{}
	w := newTestWatcher(t, st, n)
	a := openSession(t, st, "Ada")
	openSession(t, st, "Grace")
	_, err := st.Assign(ctx, a.ID, "alice")
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)

	require.NoError(t, w.Digest(ctx))
	require.Equal(t, 1, n.count())
	msg := n.msgs[0]
	assert.Equal(t, "Queue digest: 1 queued", msg.Text)
	require.Len(t, msg.Events, 1)
	e := msg.Events[0]
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.Equal(t, "1 queued, 1 active, 0 ended.", e.Body)

	fields := map[string]string{}
	for _, f := range e.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "1", fields["Warning (15m+)"])
	assert.Equal(t, "20m", fields["Avg wait"])
	assert.Equal(t, "alice: 1", fields["Load by agent"])
}

func TestRun_SweepsImmediatelyAndStops(t *testing.T) {
	st, clk := newTestHubStore(t)
	n := &recordingNotifier{}
	openSession(t, st, "Ada")
	clk.Advance(time.Hour)
	w, err := NewWatcher(WatcherOpts{Source: st, Notifier: n, SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, n.count(), "no repeat for the same level")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestFormatWait(t *testing.T) {
	assert.Equal(t, "0s", formatWait(-time.Second))
	assert.Equal(t, "45s", formatWait(45*time.Second))
	assert.Equal(t, "20m", formatWait(20*time.Minute+30*time.Second))
	assert.Equal(t, "1h05m", formatWait(65*time.Minute))
}

func TestFormatDigest_Healthy(t *testing.T) {
	msg := FormatDigest(hub.Analytics{
		ByStatus: map[string]int{"active": 2},
		BySLA:    map[string]int{"safe": 0, "warning": 0, "danger": 0},
	}, inbox.DefaultSLAPolicy)
	require.Len(t, msg.Events, 1)
	assert.Equal(t, SeveritySuccess, msg.Events[0].Severity)
	assert.Equal(t, ColorSuccess, msg.Events[0].Color)
	for _, f := range msg.Events[0].Fields {
		assert.NotEqual(t, "Oldest waiting", f.Name)
	}
}

func TestLogNotifier(t *testing.T) {
	n := LogNotifier{}
	assert.NoError(t, n.Notify(ctx, FormatBreaches([]Breach{{SessionID: "s1", Level: inbox.SLADanger}})))
	assert.NoError(t, n.Close())
}
