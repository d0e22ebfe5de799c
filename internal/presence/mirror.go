package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const (
	// OnlineKey is the Redis set holding the ids of online users.
	OnlineKey = "presence:online"

	// MetaKey is the Redis hash describing the last mirror write.
	MetaKey = "presence:meta"

	// MirrorTTL bounds how long a mirror survives a crashed coordinator.
	MirrorTTL = 2 * time.Minute

	// resyncInterval rewrites the mirror even without transitions so that
	// the TTL keeps being refreshed.
	resyncInterval = 30 * time.Second
)

// Mirror copies the registry's online set into Redis. Writes always come from
// a fresh Snapshot, so bursts of transitions coalesce into one write and the
// mirror converges to the registry regardless of ordering.
type Mirror struct {
	client     *redis.Client
	registry   *Registry
	serverName string
	kick       chan struct{}
}

// NewRedisClient connects to Redis at addr and verifies the connection.
func NewRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// NewMirror creates a mirror of registry. Call Notify from the registry's
// change callback and Run in its own goroutine.
func NewMirror(client *redis.Client, registry *Registry, serverName string) *Mirror {
	return &Mirror{
		client:     client,
		registry:   registry,
		serverName: serverName,
		kick:       make(chan struct{}, 1),
	}
}

// Notify schedules a sync. It never blocks.
func (m *Mirror) Notify() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run syncs on every notification and periodically until ctx is done. The
// mirror keys are removed on exit.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	m.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := m.client.Del(clearCtx, OnlineKey, MetaKey).Err(); err != nil {
				glog.Warningf("[presence] clear mirror: %v", err)
			}
			cancel()
			return
		case <-m.kick:
			m.sync(ctx)
		case <-ticker.C:
			m.sync(ctx)
		}
	}
}

func (m *Mirror) sync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.Sync(ctx); err != nil {
		glog.Warningf("[presence] mirror sync failed: %v", err)
	}
}

// Sync writes the current snapshot to Redis atomically.
func (m *Mirror) Sync(ctx context.Context) error {
	users := m.registry.Snapshot()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, OnlineKey)
	if len(users) > 0 {
		members := make([]interface{}, len(users))
		for i, u := range users {
			members[i] = u
		}
		pipe.SAdd(ctx, OnlineKey, members...)
		pipe.Expire(ctx, OnlineKey, MirrorTTL)
	}
	pipe.HSet(ctx, MetaKey,
		"server", m.serverName,
		"count", len(users),
		"updated_at", time.Now().Unix(),
	)
	pipe.Expire(ctx, MetaKey, MirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: mirror sync: %w", err)
	}
	return nil
}

// OnlineUsers reads the mirrored online set.
func (m *Mirror) OnlineUsers(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, OnlineKey).Result()
}
