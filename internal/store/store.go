// Package store defines the persistence interface the coordinator depends on
// and ships two adapters: an in-memory store for development and tests, and a
// PostgreSQL store for production.
package store

import (
	"context"
	"errors"

	"github.com/whisper/messenger/internal/chat"
)

// ErrNotFound is returned when a user, conversation or message does not exist.
var ErrNotFound = errors.New("store: not found")

// UserFinder looks up users owned by the external user store.
type UserFinder interface {
	FindUserByID(ctx context.Context, id string) (*chat.User, error)
}

// Store is the durable state of conversations and messages.
//
// Implementations must guarantee at most one conversation per unordered pair
// of users: CreateConversation returns the existing conversation when the pair
// already has one, in either order.
type Store interface {
	UserFinder

	// FindConversationByPair returns the conversation between a and b in either
	// order, or ErrNotFound.
	FindConversationByPair(ctx context.Context, a, b string) (*chat.Conversation, error)

	// CreateConversation creates the conversation for {a, b} with a as sender,
	// or returns the existing one.
	CreateConversation(ctx context.Context, a, b string) (*chat.Conversation, error)

	// AppendMessage stores msg as the newest message of the conversation and
	// advances the conversation's updated timestamp. It fills in msg.ID,
	// msg.ConversationID and msg.CreatedAt.
	AppendMessage(ctx context.Context, conversationID string, msg *chat.Message) error

	// ListMessages returns the messages of a conversation in chronological
	// order.
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)

	// UpdateMessagesSeen marks every message of the conversation authored by
	// authorID as seen and returns how many messages changed.
	UpdateMessagesSeen(ctx context.Context, conversationID, authorID string) (int64, error)

	// ListConversationsForUser returns every conversation userID takes part
	// in, on either side. Order is unspecified.
	ListConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error)
}
