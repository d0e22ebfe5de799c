package ws

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
)

// DefaultOperationTimeout bounds a single handler invocation.
const DefaultOperationTimeout = 10 * time.Second

// MessageHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage (e.g. protocol.NewMessageMsg) and
// conn.UserID is the authenticated sender. ctx is detached from the
// connection: closing the socket does not cancel an operation in flight.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and reports rejected
// events to the originating connection only.
type MessageDispatcher struct {
	handlers         map[string]MessageHandler
	operationTimeout time.Duration
}

// NewMessageDispatcher creates a MessageDispatcher. A zero timeout selects
// DefaultOperationTimeout.
func NewMessageDispatcher(operationTimeout time.Duration) *MessageDispatcher {
	if operationTimeout <= 0 {
		operationTimeout = DefaultOperationTimeout
	}
	return &MessageDispatcher{
		handlers:         make(map[string]MessageHandler),
		operationTimeout: operationTimeout,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. A failing or panicking
// event never affects the connection or any other event.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		glog.V(1).Infof("ws: dispatch parse error conn=%s user=%s: %v", conn.ID, conn.UserID, err)
		metrics.EventsTotal.WithLabelValues(labelType(msgType), metrics.OutcomeProtocol).Inc()
		d.sendError(conn, "invalid_event", err.Error(), msgType)
		return
	}

	// Built-in ping handler.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		glog.Warningf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		metrics.EventsTotal.WithLabelValues(msgType, metrics.OutcomeProtocol).Inc()
		d.sendError(conn, "unsupported_type", "unsupported message type", msgType)
		return
	}

	outcome := d.invoke(conn, msgType, handler, msg)
	metrics.EventsTotal.WithLabelValues(msgType, outcome).Inc()
	metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	glog.V(2).Infof("ws: event type=%q conn=%s user=%s outcome=%s took=%s",
		msgType, conn.ID, conn.UserID, outcome, time.Since(start))
}

func (d *MessageDispatcher) invoke(conn *Connection, msgType string, handler MessageHandler, msg interface{}) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("ws: handler panic type=%q conn=%s: %v", msgType, conn.ID, r)
			outcome = metrics.OutcomePanic
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.operationTimeout)
	defer cancel()

	err := handler(ctx, conn, msg)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, protocol.ErrProtocol):
		glog.V(1).Infof("ws: rejected %q from user=%s: %v", msgType, conn.UserID, err)
		d.sendError(conn, "invalid_event", err.Error(), msgType)
		return metrics.OutcomeProtocol
	case errors.Is(err, ratelimit.ErrLimited):
		return metrics.OutcomeRateLimited
	default:
		glog.Errorf("ws: %q from user=%s failed: %v", msgType, conn.UserID, err)
		return metrics.OutcomeError
	}
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code, message, event string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		Event:   event,
	})
	if err != nil {
		glog.Errorf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		glog.V(1).Infof("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		glog.Errorf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		glog.V(1).Infof("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}

// labelType keeps arbitrary client input out of metric labels.
func labelType(msgType string) string {
	switch msgType {
	case protocol.TypeMessagePage, protocol.TypeNewMessage, protocol.TypeSidebar,
		protocol.TypeSeen, protocol.TypePing:
		return msgType
	}
	return "unknown"
}
