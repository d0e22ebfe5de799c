// Package coordinator implements the chat operations triggered by client
// events: opening a conversation, sending a message, requesting the sidebar
// and marking messages as seen. It reads and writes through store.Store and
// pushes results to user groups through a Fanout.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/sidebar"
	"github.com/whisper/messenger/internal/store"
)

// ErrPersistence wraps every store failure. The operation is aborted and
// nothing is emitted for the event.
var ErrPersistence = errors.New("persistence failure")

// Replier writes a frame to the connection that sent the event.
type Replier interface {
	WriteMessage(data []byte) error
}

// Fanout delivers frames to user groups.
type Fanout interface {
	SendToUser(userID string, data []byte)
	Broadcast(data []byte)
}

// Presence reports whether a user is online.
type Presence interface {
	IsOnline(userID string) bool
}

// Limiter throttles new messages per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Coordinator runs chat operations on behalf of authenticated users.
type Coordinator struct {
	store    store.Store
	presence Presence
	sidebars *sidebar.Aggregator
	fanout   Fanout
	limiter  Limiter
	rule     ratelimit.Rule
}

// New creates a Coordinator. Without a limiter messages are never throttled.
func New(s store.Store, presence Presence, fanout Fanout) *Coordinator {
	return &Coordinator{
		store:    s,
		presence: presence,
		sidebars: sidebar.NewAggregator(s, presence),
		fanout:   fanout,
		rule:     ratelimit.RuleMessage,
	}
}

// SetLimiter enables per-user throttling of new messages under rule.
func (c *Coordinator) SetLimiter(l Limiter, rule ratelimit.Rule) {
	c.limiter = l
	c.rule = rule
}

// RequestConversation replies with the profile of targetID and the message
// history between senderID and targetID. It never writes.
func (c *Coordinator) RequestConversation(ctx context.Context, senderID string, reply Replier, targetID string) error {
	profile, err := c.profile(ctx, targetID)
	if err != nil {
		return err
	}

	list := protocol.MessageListMsg{Messages: []chat.Message{}}
	conv, err := c.store.FindConversationByPair(ctx, senderID, targetID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return persistence("find conversation", err)
	default:
		msgs, err := c.store.ListMessages(ctx, conv.ID)
		if err != nil {
			return persistence("list messages", err)
		}
		list.ConversationID = conv.ID
		list.Messages = nonNil(msgs)
	}

	userFrame, err := protocol.NewServerMessage(protocol.TypeMessageUser, protocol.MessageUserMsg{Profile: profile})
	if err != nil {
		return err
	}
	listFrame, err := protocol.NewServerMessage(protocol.TypeMessage, list)
	if err != nil {
		return err
	}

	if err := reply.WriteMessage(userFrame); err != nil {
		return fmt.Errorf("coordinator: reply message-user: %w", err)
	}
	if err := reply.WriteMessage(listFrame); err != nil {
		return fmt.Errorf("coordinator: reply message: %w", err)
	}
	return nil
}

// SendMessage stores a new message from senderID and pushes the updated
// history and both sidebars to sender and receiver. Nothing is emitted unless
// every step succeeded.
func (c *Coordinator) SendMessage(ctx context.Context, senderID string, reply Replier, m protocol.NewMessageMsg) error {
	if m.Sender != "" && m.Sender != senderID {
		return fmt.Errorf("%w: sender %q is not the authenticated user", protocol.ErrProtocol, m.Sender)
	}
	if m.MsgByUserID != "" && m.MsgByUserID != senderID {
		return fmt.Errorf("%w: msgByUserId %q is not the authenticated user", protocol.ErrProtocol, m.MsgByUserID)
	}
	if m.Receiver == "" {
		return fmt.Errorf("%w: missing receiver", protocol.ErrProtocol)
	}
	if m.Receiver == senderID {
		return fmt.Errorf("%w: cannot send a message to yourself", protocol.ErrProtocol)
	}
	if err := chat.ValidateContent(m.Content()); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
	}

	if err := c.throttle(ctx, senderID, reply); err != nil {
		return err
	}

	conv, err := c.store.CreateConversation(ctx, senderID, m.Receiver)
	if err != nil {
		return persistence("find or create conversation", err)
	}

	msg := &chat.Message{
		Text:        m.Text,
		ImageURL:    m.ImageURL,
		VideoURL:    m.VideoURL,
		MsgByUserID: senderID,
	}
	if err := c.store.AppendMessage(ctx, conv.ID, msg); err != nil {
		return persistence("append message", err)
	}
	metrics.MessagesStored.Inc()

	msgs, err := c.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return persistence("list messages", err)
	}

	senderBar, receiverBar, err := c.buildPair(ctx, senderID, m.Receiver)
	if err != nil {
		return err
	}

	listFrame, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.MessageListMsg{
		ConversationID: conv.ID,
		Messages:       nonNil(msgs),
	})
	if err != nil {
		return err
	}

	c.fanout.SendToUser(senderID, listFrame)
	c.fanout.SendToUser(m.Receiver, listFrame)
	c.fanout.SendToUser(senderID, senderBar)
	c.fanout.SendToUser(m.Receiver, receiverBar)

	glog.V(2).Infof("[coordinator] message %s stored conv=%s from=%s to=%s", msg.ID, conv.ID, senderID, m.Receiver)
	return nil
}

// RequestSidebar replies with the sidebar of senderID. userID may be empty;
// otherwise it must name the sender.
func (c *Coordinator) RequestSidebar(ctx context.Context, senderID string, reply Replier, userID string) error {
	if userID != "" && userID != senderID {
		return fmt.Errorf("%w: sidebar of %q requested by %q", protocol.ErrProtocol, userID, senderID)
	}

	frame, err := c.sidebarFrame(ctx, senderID)
	if err != nil {
		return err
	}
	if err := reply.WriteMessage(frame); err != nil {
		return fmt.Errorf("coordinator: reply conversation: %w", err)
	}
	return nil
}

// MarkSeen marks every message authored by counterpartID in its conversation
// with senderID as seen, then pushes fresh sidebars to both users. Messages
// written by senderID are untouched. Without a conversation nothing is
// updated but the sidebars are still pushed.
func (c *Coordinator) MarkSeen(ctx context.Context, senderID, counterpartID string) error {
	if counterpartID == "" {
		return fmt.Errorf("%w: missing msgByUserId", protocol.ErrProtocol)
	}
	if counterpartID == senderID {
		return fmt.Errorf("%w: cannot mark own messages as seen", protocol.ErrProtocol)
	}

	conv, err := c.store.FindConversationByPair(ctx, senderID, counterpartID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		glog.V(2).Infof("[coordinator] seen: no conversation between %s and %s", senderID, counterpartID)
	case err != nil:
		return persistence("find conversation", err)
	default:
		n, err := c.store.UpdateMessagesSeen(ctx, conv.ID, counterpartID)
		if err != nil {
			return persistence("update seen", err)
		}
		glog.V(2).Infof("[coordinator] seen conv=%s by=%s updated=%d", conv.ID, senderID, n)
	}

	senderBar, counterpartBar, err := c.buildPair(ctx, senderID, counterpartID)
	if err != nil {
		return err
	}
	c.fanout.SendToUser(senderID, senderBar)
	c.fanout.SendToUser(counterpartID, counterpartBar)
	return nil
}

// throttle applies the message rule. Limiter errors let the message through.
func (c *Coordinator) throttle(ctx context.Context, senderID string, reply Replier) error {
	if c.limiter == nil {
		return nil
	}
	allowed, err := c.limiter.Allow(ctx, senderID, c.rule)
	if err != nil || allowed {
		return nil
	}

	retry := c.limiter.RetryAfter(ctx, senderID, c.rule)
	frame, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	if err == nil {
		_ = reply.WriteMessage(frame)
	}
	glog.V(1).Infof("[coordinator] user=%s rate limited for %s", senderID, retry)
	return fmt.Errorf("coordinator: user %s: %w", senderID, ratelimit.ErrLimited)
}

// buildPair builds the encoded sidebars of two users concurrently.
func (c *Coordinator) buildPair(ctx context.Context, a, b string) ([]byte, []byte, error) {
	var barA, barB []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		barA, err = c.sidebarFrame(gctx, a)
		return err
	})
	g.Go(func() error {
		var err error
		barB, err = c.sidebarFrame(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return barA, barB, nil
}

func (c *Coordinator) sidebarFrame(ctx context.Context, userID string) ([]byte, error) {
	summaries, err := c.sidebars.Build(ctx, userID)
	if err != nil {
		return nil, persistence("build sidebar", err)
	}
	return protocol.NewServerMessage(protocol.TypeConversation, protocol.ConversationListMsg{
		Conversations: nonNilSummaries(summaries),
	})
}

// profile returns the public profile of userID. Unknown users get a profile
// carrying only the id.
func (c *Coordinator) profile(ctx context.Context, userID string) (chat.Profile, error) {
	online := c.presence != nil && c.presence.IsOnline(userID)

	u, err := c.store.FindUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Profile{ID: userID, Online: online}, nil
	}
	if err != nil {
		return chat.Profile{}, persistence("find user", err)
	}
	return u.PublicProfile(online), nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("coordinator: %s: %w: %w", op, ErrPersistence, err)
}

func nonNil(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return []chat.Message{}
	}
	return msgs
}

func nonNilSummaries(s []chat.Summary) []chat.Summary {
	if s == nil {
		return []chat.Summary{}
	}
	return s
}
