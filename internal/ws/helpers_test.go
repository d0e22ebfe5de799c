package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/messenger/internal/auth"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/presence"
)

// fakeConn is a net.Conn that records everything written to it. Reads
// report EOF.
type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, net.ErrClosed
	}
	return f.buf.Write(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// events decodes every text frame written so far.
func (f *fakeConn) events(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	r := bytes.NewReader(f.buf.Bytes())
	f.mu.Unlock()

	var out []map[string]interface{}
	for r.Len() > 0 {
		frame, err := ws.ReadFrame(r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Header.OpCode != ws.OpText {
			continue
		}
		var ev map[string]interface{}
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			t.Fatalf("decode frame %s: %v", frame.Payload, err)
		}
		out = append(out, ev)
	}
	return out
}

// onlineLists returns the user lists of every onlineUser event received.
func (f *fakeConn) onlineLists(t *testing.T) [][]string {
	t.Helper()
	var lists [][]string
	for _, ev := range f.events(t) {
		if ev["type"] != "onlineUser" {
			continue
		}
		var users []string
		for _, u := range ev["users"].([]interface{}) {
			users = append(users, u.(string))
		}
		lists = append(lists, users)
	}
	return lists
}

// tokenResolver accepts tokens of the form "token-<user>".
type tokenResolver struct{}

func (tokenResolver) Resolve(_ context.Context, credential string) (*chat.User, error) {
	var id string
	if _, err := fmt.Sscanf(credential, "token-%s", &id); err != nil || id == "" {
		return nil, fmt.Errorf("bad token %q: %w", credential, auth.ErrUnauthenticated)
	}
	return &chat.User{ID: id, Name: id}, nil
}

func newTestServer(t *testing.T) (*Server, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry()
	cfg := DefaultServerConfig()
	cfg.Heartbeat.Interval = 0
	return NewServer(cfg, tokenResolver{}, reg, nil), reg
}

// join attaches an authenticated fake connection for userID.
func join(t *testing.T, s *Server, connID, userID string) (*Connection, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	c := NewConnection(connID, userID, fc, 0)
	c.advance(StateConnecting, StateAuthenticated)
	if err := s.attach(c); err != nil {
		t.Fatalf("attach %s: %v", connID, err)
	}
	return c, fc
}
