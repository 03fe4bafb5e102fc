package hub

import (
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPresence_ExpiresAfterTTL(t *testing.T) {
	clk := newClock()
	p := NewMemoryPresence(5*time.Second, clk.Now)

	require.NoError(t, p.Set(ctx, "s1", "cust", true))
	require.NoError(t, p.Set(ctx, "s1", "a1", true))
	ids, err := p.Typing(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "cust"}, ids)

	clk.Advance(3 * time.Second)
	require.NoError(t, p.Set(ctx, "s1", "a1", true))
	clk.Advance(3 * time.Second)
	ids, _ = p.Typing(ctx, "s1")
	assert.Equal(t, []string{"a1"}, ids, "refreshed entry survives, stale one expires")
}

func TestMemoryPresence_StopClears(t *testing.T) {
	p := NewMemoryPresence(0, nil)
	require.NoError(t, p.Set(ctx, "s1", "a1", true))
	require.NoError(t, p.Set(ctx, "s1", "a1", false))
	require.NoError(t, p.Set(ctx, "s2", "a1", false))

	ids, err := p.Typing(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
}

func TestTypingKey(t *testing.T) {
	assert.Equal(t, "fd:typing:abc", typingKey("abc"))
}

// Needs a reachable server: FD_TEST_REDIS_ADDR=127.0.0.1:6379.
func TestRedisPresence(t *testing.T) {
	addr := os.Getenv("FD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FD_TEST_REDIS_ADDR not set")
	}
	p, err := NewRedisPresence(ctx, &redis.Options{Addr: addr}, time.Second)
	require.NoError(t, err)
	defer p.Close()
	clk := newClock()
	p.now = clk.Now

	session := "test-" + t.Name()
	defer p.client.Del(ctx, typingKey(session))

	require.NoError(t, p.Set(ctx, session, "a1", true))
	require.NoError(t, p.Set(ctx, session, "a2", true))
	ids, err := p.Typing(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)

	require.NoError(t, p.Set(ctx, session, "a2", false))
	clk.Advance(2 * time.Second)
	ids, err = p.Typing(ctx, session)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
