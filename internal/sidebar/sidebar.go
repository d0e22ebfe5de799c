// Package sidebar builds the per-user conversation list shown next to the
// chat window: one summary per conversation with the counterpart's profile,
// the last message and the number of unread messages.
package sidebar

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/store"
)

// DefaultConcurrency bounds how many conversations are summarized at once.
const DefaultConcurrency = 8

// Presence reports whether a user currently has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Aggregator derives sidebars from the store. It never writes.
type Aggregator struct {
	store       store.Store
	presence    Presence
	concurrency int
}

// NewAggregator creates an Aggregator. presence may be nil, in which case
// every counterpart is reported offline.
func NewAggregator(s store.Store, presence Presence) *Aggregator {
	return &Aggregator{store: s, presence: presence, concurrency: DefaultConcurrency}
}

// Build returns the sidebar of userID sorted by conversation update time,
// newest first. Ties are broken by conversation id so the order is stable.
func (a *Aggregator) Build(ctx context.Context, userID string) ([]chat.Summary, error) {
	convs, err := a.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sidebar: list conversations: %w", err)
	}

	summaries := make([]chat.Summary, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i := range convs {
		i := i
		g.Go(func() error {
			s, err := a.summarize(gctx, userID, &convs[i])
			if err != nil {
				return err
			}
			summaries[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ConversationID < summaries[j].ConversationID
	})
	return summaries, nil
}

func (a *Aggregator) summarize(ctx context.Context, viewerID string, conv *chat.Conversation) (chat.Summary, error) {
	counterpart := conv.Counterpart(viewerID)

	profile, err := a.profile(ctx, counterpart)
	if err != nil {
		return chat.Summary{}, err
	}

	msgs, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return chat.Summary{}, fmt.Errorf("sidebar: list messages of %s: %w", conv.ID, err)
	}

	summary := chat.Summary{
		ConversationID: conv.ID,
		UserDetails:    profile,
		UnseenMsg:      countUnseen(msgs, viewerID),
		UpdatedAt:      conv.UpdatedAt,
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		summary.LastMsg = &last
	}
	return summary, nil
}

// profile resolves a counterpart. A user missing from the user store still
// gets an entry carrying just the id.
func (a *Aggregator) profile(ctx context.Context, userID string) (chat.Profile, error) {
	online := a.presence != nil && a.presence.IsOnline(userID)

	u, err := a.store.FindUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Profile{ID: userID, Online: online}, nil
	}
	if err != nil {
		return chat.Profile{}, fmt.Errorf("sidebar: find user %s: %w", userID, err)
	}
	return u.PublicProfile(online), nil
}

// countUnseen counts messages the viewer has not seen yet: those written by
// the other side and still unseen.
func countUnseen(msgs []chat.Message, viewerID string) int {
	n := 0
	for i := range msgs {
		if msgs[i].MsgByUserID != viewerID && !msgs[i].Seen {
			n++
		}
	}
	return n
}
