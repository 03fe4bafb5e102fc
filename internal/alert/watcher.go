package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/hub"
	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/models"
)

// DefaultSweepInterval is how often the queue is checked for breaches.
const DefaultSweepInterval = time.Minute

// Source is the queue the watcher reads. *hub.Store satisfies it.
type Source interface {
	Queue(ctx context.Context) ([]models.Session, error)
	Analytics(ctx context.Context, policy inbox.SLAPolicy) (hub.Analytics, error)
	Now() time.Time
}

// Watcher sweeps the queue on an interval and notifies once each time a
// queued session moves into a worse SLA level. A session that leaves the
// queue and comes back starts over.
type Watcher struct {
	source   Source
	notifier Notifier
	channel  string
	policy   inbox.SLAPolicy
	sweep    time.Duration
	digest   cron.Schedule

	mu       sync.Mutex
	notified map[string]notice
}

type notice struct {
	level    inbox.SLALevel
	queuedAt time.Time
}

// WatcherOpts holds parameters for creating a Watcher.
type WatcherOpts struct {
	Source        Source
	Notifier      Notifier        // defaults to LogNotifier
	Channel       string          // passed through on every message
	Policy        inbox.SLAPolicy // defaults to inbox.DefaultSLAPolicy
	SweepInterval time.Duration   // defaults to DefaultSweepInterval
	DigestCron    string          // 5-field cron; empty disables digests
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("alert: watcher: source is required")
	}
	w := &Watcher{
		source:   opts.Source,
		notifier: opts.Notifier,
		channel:  opts.Channel,
		policy:   opts.Policy,
		sweep:    opts.SweepInterval,
		notified: make(map[string]notice),
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{}
	}
	if w.policy == (inbox.SLAPolicy{}) {
		w.policy = inbox.DefaultSLAPolicy
	}
	if w.sweep <= 0 {
		w.sweep = DefaultSweepInterval
	}
	if opts.DigestCron != "" {
		sched, err := parseCron(opts.DigestCron)
		if err != nil {
			return nil, err
		}
		w.digest = sched
	}
	return w, nil
}

// Sweep checks the queue once and returns the sessions whose SLA level got
// worse since they were last seen. It does not notify.
func (w *Watcher) Sweep(ctx context.Context) ([]Breach, error) {
	queue, err := w.source.Queue(ctx)
	if err != nil {
		return nil, fmt.Errorf("alert: sweep: %w", err)
	}
	now := w.source.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]bool, len(queue))
	var breaches []Breach
	for _, s := range queue {
		seen[s.ID] = true
		wait := now.Sub(s.QueuedAt)
		level := w.policy.Level(wait)

		prev, ok := w.notified[s.ID]
		if ok && !prev.queuedAt.Equal(s.QueuedAt) {
			ok = false
		}
		if !ok {
			prev = notice{level: inbox.SLASafe, queuedAt: s.QueuedAt}
		}
		if rank(level) > rank(prev.level) {
			customer := s.CustomerName
			if customer == "" {
				customer = s.CustomerEmail
			}
			breaches = append(breaches, Breach{
				SessionID: s.ID,
				Customer:  customer,
				Priority:  s.Priority,
				Category:  s.Category,
				Level:     level,
				Wait:      wait,
			})
			prev.level = level
		}
		w.notified[s.ID] = prev
	}
	for id := range w.notified {
		if !seen[id] {
			delete(w.notified, id)
		}
	}
	return breaches, nil
}

// SweepAndNotify runs Sweep and posts any breaches.
func (w *Watcher) SweepAndNotify(ctx context.Context) (int, error) {
	breaches, err := w.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if len(breaches) == 0 {
		return 0, nil
	}
	msg := FormatBreaches(breaches)
	msg.Channel = w.channel
	if err := w.notifier.Notify(ctx, msg); err != nil {
		return 0, fmt.Errorf("alert: notify breaches: %w", err)
	}
	log.Debug().Int("breaches", len(breaches)).Msg("alert: posted breaches")
	return len(breaches), nil
}

// Digest posts a queue snapshot now.
func (w *Watcher) Digest(ctx context.Context) error {
	a, err := w.source.Analytics(ctx, w.policy)
	if err != nil {
		return fmt.Errorf("alert: digest: %w", err)
	}
	msg := FormatDigest(a, w.policy)
	msg.Channel = w.channel
	if err := w.notifier.Notify(ctx, msg); err != nil {
		return fmt.Errorf("alert: notify digest: %w", err)
	}
	return nil
}

// Run sweeps on the configured interval, and posts digests on the cron
// schedule if one is set, until ctx is cancelled. Failed sweeps are logged
// and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.SweepAndNotify(ctx); err != nil {
		log.Warn().Err(err).Msg("alert: sweep failed")
	}

	ticker := time.NewTicker(w.sweep)
	defer ticker.Stop()

	var digestC <-chan time.Time
	var digestTimer *time.Timer
	if w.digest != nil {
		digestTimer = time.NewTimer(untilNext(w.digest, time.Now()))
		defer digestTimer.Stop()
		digestC = digestTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.SweepAndNotify(ctx); err != nil {
				log.Warn().Err(err).Msg("alert: sweep failed")
			}
		case <-digestC:
			if err := w.Digest(ctx); err != nil {
				log.Warn().Err(err).Msg("alert: digest failed")
			}
			digestTimer.Reset(untilNext(w.digest, time.Now()))
		}
	}
}

func rank(l inbox.SLALevel) int {
	switch l {
	case inbox.SLAWarning:
		return 1
	case inbox.SLADanger:
		return 2
	default:
		return 0
	}
}
