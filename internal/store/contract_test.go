package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/chat"
)

// runContract exercises the behaviour every Store adapter must share. The
// users alice, bob and carol must already exist.
func runContract(t *testing.T, s Store) {
	t.Run("FindUser", func(t *testing.T) {
		u, err := s.FindUserByID(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.Name)

		_, err = s.FindUserByID(context.Background(), "nobody")
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
	})

	t.Run("PairSymmetry", func(t *testing.T) {
		ctx := context.Background()

		_, err := s.FindConversationByPair(ctx, "alice", "bob")
		require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

		ab, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		ba, err := s.CreateConversation(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, ab.ID, ba.ID)
		assert.Equal(t, "alice", ba.Sender, "initiator order is kept")

		found, err := s.FindConversationByPair(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, ab.ID, found.ID)
	})

	t.Run("ConcurrentCreateConverges", func(t *testing.T) {
		ctx := context.Background()
		const workers = 16

		ids := make([]string, workers)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(i int) {
				defer wg.Done()
				a, b := "alice", "carol"
				if i%2 == 1 {
					a, b = b, a
				}
				c, err := s.CreateConversation(ctx, a, b)
				if err == nil {
					ids[i] = c.ID
				}
			}(i)
		}
		wg.Wait()

		for i := 1; i < workers; i++ {
			assert.Equal(t, ids[0], ids[i], "worker %d created a different conversation", i)
		}
		convs, err := s.ListConversationsForUser(ctx, "carol")
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})

	t.Run("AppendAndList", func(t *testing.T) {
		ctx := context.Background()
		c, err := s.FindConversationByPair(ctx, "alice", "bob")
		require.NoError(t, err)

		first := &chat.Message{Text: "hi", MsgByUserID: "alice"}
		require.NoError(t, s.AppendMessage(ctx, c.ID, first))
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, c.ID, first.ConversationID)

		second := &chat.Message{ImageURL: "https://cdn/cat.png", MsgByUserID: "bob"}
		require.NoError(t, s.AppendMessage(ctx, c.ID, second))

		msgs, err := s.ListMessages(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, first.ID, msgs[0].ID)
		assert.Equal(t, second.ID, msgs[1].ID)
		assert.False(t, msgs[0].Seen)

		updated, err := s.FindConversationByPair(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{first.ID, second.ID}, updated.MessageIDs)
		assert.False(t, updated.UpdatedAt.Before(second.CreatedAt), "updated timestamp must advance to the append time")

		err = s.AppendMessage(ctx, "00000000-0000-0000-0000-000000000000", &chat.Message{Text: "x", MsgByUserID: "alice"})
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
	})

	t.Run("UpdateSeenIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		c, err := s.FindConversationByPair(ctx, "alice", "bob")
		require.NoError(t, err)

		n, err := s.UpdateMessagesSeen(ctx, c.ID, "alice")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = s.UpdateMessagesSeen(ctx, c.ID, "alice")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		msgs, err := s.ListMessages(ctx, c.ID)
		require.NoError(t, err)
		for _, m := range msgs {
			assert.Equal(t, m.MsgByUserID == "alice", m.Seen, "message %s by %s", m.ID, m.MsgByUserID)
		}
	})

	t.Run("ListConversationsForUser", func(t *testing.T) {
		ctx := context.Background()

		alice, err := s.ListConversationsForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, alice, 2)

		bob, err := s.ListConversationsForUser(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, bob, 1)

		nobody, err := s.ListConversationsForUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, nobody)
	})
}

var contractUsers = []chat.User{
	{ID: "alice", Name: "Alice", Email: "alice@example.com"},
	{ID: "bob", Name: "Bob", Email: "bob@example.com"},
	{ID: "carol", Name: "Carol", Email: "carol@example.com"},
}
