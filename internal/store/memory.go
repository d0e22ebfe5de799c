package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/messenger/internal/chat"
)

// Memory is a Store kept entirely in process memory. It is safe for
// concurrent use and loses all state on restart.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]chat.User
	conversations map[string]*chat.Conversation
	byPair        map[string]string // pair key -> conversation id
	messages      map[string]*chat.Message
	lastTime      time.Time
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]chat.User),
		conversations: make(map[string]*chat.Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string]*chat.Message),
		now:           time.Now,
	}
}

// PutUser adds or replaces a user.
func (m *Memory) PutUser(u chat.User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

// tick returns a timestamp strictly after every timestamp handed out before,
// so updated-at ordering is total. Caller must hold m.mu.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastTime) {
		t = m.lastTime.Add(time.Microsecond)
	}
	m.lastTime = t
	return t
}

func (m *Memory) FindUserByID(_ context.Context, id string) (*chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (m *Memory) FindConversationByPair(_ context.Context, a, b string) (*chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPair[chat.OrderedPair(a, b).Key()]
	if !ok {
		return nil, fmt.Errorf("conversation %s/%s: %w", a, b, ErrNotFound)
	}
	return copyConversation(m.conversations[id]), nil
}

func (m *Memory) CreateConversation(_ context.Context, a, b string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chat.OrderedPair(a, b).Key()
	if id, ok := m.byPair[key]; ok {
		return copyConversation(m.conversations[id]), nil
	}

	now := m.tick()
	c := &chat.Conversation{
		ID:        uuid.New().String(),
		Sender:    a,
		Receiver:  b,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	m.byPair[key] = c.ID
	return copyConversation(c), nil
}

func (m *Memory) AppendMessage(_ context.Context, conversationID string, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	now := m.tick()
	msg.ID = uuid.New().String()
	msg.ConversationID = conversationID
	msg.CreatedAt = now

	stored := *msg
	m.messages[stored.ID] = &stored
	c.MessageIDs = append(c.MessageIDs, stored.ID)
	c.UpdatedAt = now
	return nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	out := make([]chat.Message, 0, len(c.MessageIDs))
	for _, id := range c.MessageIDs {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *Memory) UpdateMessagesSeen(_ context.Context, conversationID, authorID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	var n int64
	for _, id := range c.MessageIDs {
		msg := m.messages[id]
		if msg != nil && msg.MsgByUserID == authorID && !msg.Seen {
			msg.Seen = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListConversationsForUser(_ context.Context, userID string) ([]chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []chat.Conversation
	for _, c := range m.conversations {
		if c.IsParticipant(userID) {
			out = append(out, *copyConversation(c))
		}
	}
	return out, nil
}

func copyConversation(c *chat.Conversation) *chat.Conversation {
	cp := *c
	cp.MessageIDs = append([]string(nil), c.MessageIDs...)
	return &cp
}
