package hub

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zulandar/frontdesk/internal/realtime"
)

// Presence tracks who is typing in which session. Entries expire on their
// own after the TTL unless refreshed.
type Presence interface {
	Set(ctx context.Context, sessionID, participantID string, typing bool) error
	Typing(ctx context.Context, sessionID string) ([]string, error)
}

// MemoryPresence keeps typing state in process. Suitable for a single hub.
type MemoryPresence struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]map[string]time.Time
}

// NewMemoryPresence creates an in-process presence store.
func NewMemoryPresence(ttl time.Duration, now func() time.Time) *MemoryPresence {
	if ttl <= 0 {
		ttl = realtime.DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryPresence{ttl: ttl, now: now, expires: make(map[string]map[string]time.Time)}
}

func (p *MemoryPresence) Set(_ context.Context, sessionID, participantID string, typing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.expires[sessionID]
	if !typing {
		delete(m, participantID)
		if len(m) == 0 {
			delete(p.expires, sessionID)
		}
		return nil
	}
	if m == nil {
		m = make(map[string]time.Time)
		p.expires[sessionID] = m
	}
	m[participantID] = p.now().Add(p.ttl)
	return nil
}

func (p *MemoryPresence) Typing(_ context.Context, sessionID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := []string{}
	for id, exp := range p.expires[sessionID] {
		if now.Before(exp) {
			out = append(out, id)
		} else {
			delete(p.expires[sessionID], id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RedisPresence shares typing state between hub replicas. Each session is
// a sorted set of participants scored by expiry in unix milliseconds.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisPresence connects to Redis and verifies the server answers.
func NewRedisPresence(ctx context.Context, opts *redis.Options, ttl time.Duration) (*RedisPresence, error) {
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("hub: redis ping %s: %w", opts.Addr, err)
	}
	if ttl <= 0 {
		ttl = realtime.DefaultTypingTTL
	}
	return &RedisPresence{client: client, ttl: ttl, now: time.Now}, nil
}

func typingKey(sessionID string) string {
	return "fd:typing:" + sessionID
}

func (p *RedisPresence) Set(ctx context.Context, sessionID, participantID string, typing bool) error {
	key := typingKey(sessionID)
	if !typing {
		if err := p.client.ZRem(ctx, key, participantID).Err(); err != nil {
			return fmt.Errorf("hub: presence clear %s: %w", sessionID, err)
		}
		return nil
	}
	expiry := p.now().Add(p.ttl)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry.UnixMilli()), Member: participantID})
		pipe.Expire(ctx, key, 2*p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hub: presence set %s: %w", sessionID, err)
	}
	return nil
}

func (p *RedisPresence) Typing(ctx context.Context, sessionID string) ([]string, error) {
	key := typingKey(sessionID)
	cutoff := strconv.FormatInt(p.now().UnixMilli(), 10)
	var rng *redis.StringSliceCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		rng = pipe.ZRange(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hub: presence read %s: %w", sessionID, err)
	}
	out := rng.Val()
	sort.Strings(out)
	return out, nil
}

// Close releases the Redis connection pool.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}
