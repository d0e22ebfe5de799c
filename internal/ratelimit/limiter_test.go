package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, Rule) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	rule := Rule{Key: fmt.Sprintf("rl:test:%d:", time.Now().UnixNano()), Limit: 3, Window: 5 * time.Second}
	return NewLimiter(client), rule
}

func TestMessageRule_Overrides(t *testing.T) {
	r := MessageRule(5, time.Minute)
	assert.Equal(t, RuleMessage.Key, r.Key)
	assert.Equal(t, 5, r.Limit)
	assert.Equal(t, time.Minute, r.Window)

	assert.Equal(t, RuleMessage, MessageRule(0, 0))
}

func TestLimiter_AllowUpToLimit(t *testing.T) {
	l, rule := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	retry := l.RetryAfter(ctx, "alice", rule)
	assert.True(t, retry > 0 && retry <= rule.Window, "retry after %v", retry)

	// Other identifiers have their own window.
	ok, err = l.Allow(ctx, "bob", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	ok, err := NewLimiter(client).Allow(context.Background(), "alice", RuleMessage)
	assert.Error(t, err)
	assert.True(t, ok)
}
