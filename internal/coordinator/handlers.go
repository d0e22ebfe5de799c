package coordinator

import (
	"context"
	"fmt"

	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ws"
)

// Register binds the client events to the coordinator operations. The
// connection's authenticated user is the sender of every event.
func (c *Coordinator) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeMessagePage, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.MessagePageMsg)
		if !ok {
			return unexpected(msg)
		}
		return c.RequestConversation(ctx, conn.UserID, conn, m.UserID)
	})

	d.Register(protocol.TypeNewMessage, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.NewMessageMsg)
		if !ok {
			return unexpected(msg)
		}
		return c.SendMessage(ctx, conn.UserID, conn, m)
	})

	d.Register(protocol.TypeSidebar, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.SidebarMsg)
		if !ok {
			return unexpected(msg)
		}
		return c.RequestSidebar(ctx, conn.UserID, conn, m.CurrentUserID)
	})

	d.Register(protocol.TypeSeen, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.SeenMsg)
		if !ok {
			return unexpected(msg)
		}
		return c.MarkSeen(ctx, conn.UserID, m.MsgByUserID)
	})
}

func unexpected(msg interface{}) error {
	return fmt.Errorf("%w: unexpected payload %T", protocol.ErrProtocol, msg)
}
