package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMirror requires a running Redis on localhost:6379.
func newTestMirror(t *testing.T, reg *Registry) *Mirror {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Del(ctx, OnlineKey, MetaKey)
	t.Cleanup(func() {
		client.Del(ctx, OnlineKey, MetaKey)
		client.Close()
	})
	return NewMirror(client, reg, "test-server")
}

func TestMirror_SyncReflectsRegistry(t *testing.T) {
	reg := NewRegistry()
	m := newTestMirror(t, reg)
	ctx := context.Background()

	reg.Register("alice", "c1")
	reg.Register("bob", "c2")
	require.NoError(t, m.Sync(ctx))

	users, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	reg.Unregister("alice", "c1")
	reg.Unregister("bob", "c2")
	require.NoError(t, m.Sync(ctx))

	users, err = m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMirror_NotifyNeverBlocks(t *testing.T) {
	m := NewMirror(nil, NewRegistry(), "test")
	for i := 0; i < 10; i++ {
		m.Notify()
	}
	assert.Len(t, m.kick, 1)
}
