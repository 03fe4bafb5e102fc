// Package retry provides exponential backoff with full jitter and a bounded
// retry helper for transient failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay ceiling for the first retry
	MaxDelay   time.Duration // cap on any single delay
	Multiplier float64       // growth factor per attempt (default: 2)
	Jitter     bool          // full jitter: pick uniformly in [0, ceiling]
}

// DefaultConfig is base 1s, cap 30s, doubling, full jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Ceiling returns the un-jittered delay before retry number attempt
// (0-based), capped at MaxDelay.
func (c Config) Ceiling(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if d < 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Backoff tracks consecutive failures for a long-lived loop such as a
// reconnecting transport. Not safe for concurrent use.
type Backoff struct {
	Config  Config
	attempt int
	rand    func() float64
}

// NewBackoff returns a Backoff using cfg.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{Config: cfg, rand: rand.Float64}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Config.Ceiling(b.attempt)
	b.attempt++
	if b.Config.Jitter {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d = time.Duration(r() * float64(d))
	}
	return d
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset is called after a success so the next failure starts from BaseDelay.
func (b *Backoff) Reset() { b.attempt = 0 }

// Do runs op until it succeeds, returns a non-retryable error, the retry
// budget is exhausted, or ctx is done. A nil retryable treats every error as
// retryable. It returns the number of attempts made and the last error.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, op func(ctx context.Context) error) (int, error) {
	b := NewBackoff(cfg)
	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}
		if retryable != nil && !retryable(err) {
			return attempts, err
		}
		if attempts > cfg.MaxRetries {
			return attempts, err
		}
		if ctx.Err() != nil {
			return attempts, err
		}

		delay := b.Next()
		log.Debug().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("retry: operation failed, backing off")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, err
		case <-t.C:
		}
	}
}
