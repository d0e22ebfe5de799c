package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/chat"
)

func newTestMemory() *Memory {
	m := NewMemory()
	for _, u := range contractUsers {
		m.PutUser(u)
	}
	return m
}

func TestMemory_Contract(t *testing.T) {
	runContract(t, newTestMemory())
}

func TestMemory_TimestampsStrictlyIncrease(t *testing.T) {
	m := newTestMemory()
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return frozen }
	ctx := context.Background()

	ab, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	ac, err := m.CreateConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.True(t, ac.UpdatedAt.After(ab.UpdatedAt))

	require.NoError(t, m.AppendMessage(ctx, ab.ID, &chat.Message{Text: "x", MsgByUserID: "alice"}))
	ab, err = m.FindConversationByPair(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ab.UpdatedAt.After(ac.UpdatedAt), "latest append must sort first")
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	c, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, m.AppendMessage(ctx, c.ID, &chat.Message{Text: "x", MsgByUserID: "alice"}))

	msgs, err := m.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	msgs[0].Seen = true

	again, err := m.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, again[0].Seen, "callers must not be able to mutate stored messages")
}
