// Package chat defines the domain model shared by the coordinator, the
// sidebar aggregator and the persistence adapters: users, two-party
// conversations, messages and the derived sidebar summaries.
package chat

import "time"

// User is a registered user as stored by the external user store.
type User struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	ProfilePic string `json:"profile_pic"`
}

// Profile is the public view of a user sent to other clients. Online is
// advisory: it reflects the presence registry at the time it was read.
type Profile struct {
	ID         string `json:"_id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
	Online     bool   `json:"online"`
}

// PublicProfile returns the public view of u.
func (u *User) PublicProfile(online bool) Profile {
	return Profile{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
		Online:     online,
	}
}

// Conversation is the durable history between exactly two users. Sender and
// Receiver keep the order of the first message; the pair itself is unordered.
type Conversation struct {
	ID         string    `json:"_id"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	MessageIDs []string  `json:"messages"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Counterpart returns the participant that is not userID. For a conversation
// that does not include userID it returns "".
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.Sender:
		return c.Receiver
	case c.Receiver:
		return c.Sender
	}
	return ""
}

// IsParticipant reports whether userID is one side of the conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.Sender || userID == c.Receiver
}

// Message is one entry of a conversation. Seen only ever moves from false to
// true.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	VideoURL       string    `json:"videoUrl,omitempty"`
	Seen           bool      `json:"seen"`
	MsgByUserID    string    `json:"msgByUserId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary is one sidebar entry as seen by a single viewer.
type Summary struct {
	ConversationID string    `json:"_id"`
	UserDetails    Profile   `json:"userDetails"`
	UnseenMsg      int       `json:"unseenMsg"`
	LastMsg        *Message  `json:"lastMsg"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
