// Package protocol defines the WebSocket events exchanged between clients and
// the coordinator. Every frame is a JSON object with a "type" discriminator;
// the remaining fields form a fixed schema per event type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/messenger/internal/chat"
)

// ErrProtocol is wrapped by every parse or validation failure. A frame that
// fails with ErrProtocol is dropped; the connection stays open.
var ErrProtocol = errors.New("protocol error")

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeMessagePage = "message-page"
	TypeNewMessage  = "new message"
	TypeSidebar     = "sidebar"
	TypeSeen        = "seen"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeOnlineUser   = "onlineUser"
	TypeMessageUser  = "message-user"
	TypeMessage      = "message"
	TypeConversation = "conversation"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw frame for deferred decoding into
// the concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the whole frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// MessagePageMsg opens the conversation with UserID: the server replies with
// the user's profile and the message history.
type MessagePageMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// NewMessageMsg sends a message to Receiver. Sender and MsgByUserID are kept
// for compatibility with older clients; when present they must name the
// authenticated user.
type NewMessageMsg struct {
	Type        string `json:"type"`
	Sender      string `json:"sender,omitempty"`
	Receiver    string `json:"receiver"`
	Text        string `json:"text,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	VideoURL    string `json:"videoUrl,omitempty"`
	MsgByUserID string `json:"msgByUserId,omitempty"`
}

// Content returns the user-supplied content of the message.
func (m NewMessageMsg) Content() chat.Content {
	return chat.Content{Text: m.Text, ImageURL: m.ImageURL, VideoURL: m.VideoURL}
}

// SidebarMsg requests the conversation list of CurrentUserID.
type SidebarMsg struct {
	Type          string `json:"type"`
	CurrentUserID string `json:"currentUserId"`
}

// SeenMsg marks every message authored by MsgByUserID in the conversation
// with the sender as seen.
type SeenMsg struct {
	Type        string `json:"type"`
	MsgByUserID string `json:"msgByUserId"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// OnlineUserMsg carries the ids of every online user.
type OnlineUserMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// MessageUserMsg is the profile of the user whose conversation was opened.
type MessageUserMsg struct {
	Type string `json:"type"`
	chat.Profile
}

// MessageListMsg is the complete, ordered message history of a conversation.
// ConversationID is empty when the pair has no conversation yet.
type MessageListMsg struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Messages       []chat.Message `json:"messages"`
}

// ConversationListMsg is a viewer's sidebar, most recently updated first.
type ConversationListMsg struct {
	Type          string         `json:"type"`
	Conversations []chat.Summary `json:"conversations"`
}

// RateLimitedMsg tells the client to retry after RetryAfter seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a rejected event to the originating connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Parsing and encoding
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a frame into one of the client event structs and
// validates it. The returned type is set whenever the envelope could be read,
// even if decoding the payload failed. All errors wrap ErrProtocol.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessagePage:
		var m MessagePageMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = requireField("userId", m.UserID)
		}
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = requireField("receiver", m.Receiver)
		}
		if err == nil {
			err = chat.ValidateContent(m.Content())
		}
		msg = m
	case TypeSidebar:
		var m SidebarMsg
		err = decodeStrict(env.Raw, &m)
		msg = m
	case TypeSeen:
		var m SeenMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = requireField("msgByUserId", m.MsgByUserID)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = decodeStrict(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: unknown client event type %q", ErrProtocol, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: invalid %q payload: %v", ErrProtocol, env.Type, err)
	}
	return env.Type, msg, nil
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("missing %q", name)
	}
	return nil
}

// NewServerMessage encodes payload as a server event, forcing its "type"
// field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
