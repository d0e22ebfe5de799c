package ws

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutError is the net.Error a socket returns when its read deadline
// passes.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptedConn serves reads from a fixed byte stream and then times out.
// Writes are recorded by the embedded fakeConn.
type scriptedConn struct {
	fakeConn
	in *bytes.Reader
}

func (s *scriptedConn) Read(p []byte) (int, error) {
	if s.in.Len() == 0 {
		return 0, timeoutError{}
	}
	return s.in.Read(p)
}

// clientFrames encodes frames the way a client sends them (masked).
func clientFrames(t *testing.T, frames ...ws.Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, ws.WriteFrame(&buf, ws.MaskFrame(f)))
	}
	return buf.Bytes()
}

// attachScripted attaches an active connection for userID that reads input.
// Every dispatched message is appended to the returned slice.
func attachScripted(t *testing.T, input []byte) (*Server, *Connection, *scriptedConn, *[][]byte) {
	t.Helper()
	s, _ := newTestServer(t)

	var mu sync.Mutex
	var got [][]byte
	s.onMessage = func(_ *Connection, data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	}

	sc := &scriptedConn{in: bytes.NewReader(input)}
	c := NewConnection("a1", "alice", sc, 0)
	c.advance(StateConnecting, StateAuthenticated)
	require.NoError(t, s.attach(c))
	return s, c, sc, &got
}

// serverFrames returns every frame the server wrote to sc.
func serverFrames(t *testing.T, sc *scriptedConn) []ws.Frame {
	t.Helper()
	sc.mu.Lock()
	r := bytes.NewReader(append([]byte(nil), sc.buf.Bytes()...))
	sc.mu.Unlock()

	var frames []ws.Frame
	for r.Len() > 0 {
		f, err := ws.ReadFrame(r)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

// ---------------------------------------------------------------------------
// Test: Fragmented messages
// ---------------------------------------------------------------------------

func TestReadMessage_JoinsFragments(t *testing.T) {
	input := clientFrames(t,
		ws.NewFrame(ws.OpText, false, []byte(`{"type":"sidebar",`)),
		ws.NewPingFrame([]byte("hb")),
		ws.NewFrame(ws.OpContinuation, true, []byte(`"currentUserId":"alice"}`)),
	)
	s, c, sc, got := attachScripted(t, input)

	assert.True(t, s.readMessage(c))
	require.Len(t, *got, 1)
	assert.JSONEq(t, `{"type":"sidebar","currentUserId":"alice"}`, string((*got)[0]))

	var pongs []string
	for _, f := range serverFrames(t, sc) {
		if f.Header.OpCode == ws.OpPong {
			pongs = append(pongs, string(f.Payload))
		}
	}
	assert.Equal(t, []string{"hb"}, pongs)
	assert.Equal(t, StateActive, c.State())
}

func TestReadMessage_ConsecutiveMessages(t *testing.T) {
	input := clientFrames(t,
		ws.NewTextFrame([]byte(`{"type":"ping"}`)),
		ws.NewFrame(ws.OpText, false, []byte(`{"type":`)),
		ws.NewFrame(ws.OpContinuation, false, []byte(`"pi`)),
		ws.NewFrame(ws.OpContinuation, true, []byte(`ng"}`)),
	)
	s, c, _, got := attachScripted(t, input)

	assert.True(t, s.readMessage(c))
	assert.True(t, s.readMessage(c))
	require.Len(t, *got, 2)
	assert.Equal(t, `{"type":"ping"}`, string((*got)[0]))
	assert.Equal(t, `{"type":"ping"}`, string((*got)[1]))
}

func TestReadMessage_LimitsTotalSize(t *testing.T) {
	half := []byte(strings.Repeat("a", MaxFrameSize/2+1))
	input := clientFrames(t,
		ws.NewFrame(ws.OpText, false, half),
		ws.NewFrame(ws.OpContinuation, true, half),
	)
	s, c, sc, got := attachScripted(t, input)

	assert.False(t, s.readMessage(c))
	assert.Empty(t, *got)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, sc.isClosed())
}

func TestReadMessage_UnexpectedContinuation(t *testing.T) {
	input := clientFrames(t, ws.NewFrame(ws.OpContinuation, true, []byte(`{}`)))
	s, c, _, got := attachScripted(t, input)

	assert.False(t, s.readMessage(c))
	assert.Empty(t, *got)
	assert.Equal(t, StateClosed, c.State())
}

func TestReadMessage_CloseBetweenFragments(t *testing.T) {
	input := clientFrames(t,
		ws.NewFrame(ws.OpText, false, []byte(`{"type":`)),
		ws.NewCloseFrame(nil),
	)
	s, c, _, got := attachScripted(t, input)

	assert.False(t, s.readMessage(c))
	assert.Empty(t, *got)
	assert.Equal(t, StateClosed, c.State())
}

// ---------------------------------------------------------------------------
// Test: Read timeouts
// ---------------------------------------------------------------------------

func TestReadMessage_IdleTimeoutKeepsConnection(t *testing.T) {
	s, c, sc, got := attachScripted(t, nil)

	assert.True(t, s.readMessage(c))
	assert.Empty(t, *got)
	assert.Equal(t, StateActive, c.State())
	assert.False(t, sc.isClosed())
}

func TestReadMessage_TimeoutMidHeaderDrops(t *testing.T) {
	frame := clientFrames(t, ws.NewTextFrame([]byte(`{"type":"ping"}`)))
	s, c, sc, got := attachScripted(t, frame[:1])

	assert.False(t, s.readMessage(c))
	assert.Empty(t, *got)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, sc.isClosed())
}

func TestReadMessage_TimeoutMidPayloadDrops(t *testing.T) {
	frame := clientFrames(t, ws.NewTextFrame([]byte(`{"type":"ping"}`)))
	s, c, _, got := attachScripted(t, frame[:len(frame)-3])

	assert.False(t, s.readMessage(c))
	assert.Empty(t, *got)
	assert.Equal(t, StateClosed, c.State())
}

// ---------------------------------------------------------------------------
// Test: Presence snapshots under churn
// ---------------------------------------------------------------------------

func TestPresenceSnapshots_LastMatchesRegistry(t *testing.T) {
	s, reg := newTestServer(t)
	_, carolConn := join(t, s, "c1", "carol")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := NewConnection(fmt.Sprintf("b-%d-%d", w, i), "bob", &fakeConn{}, 0)
				c.advance(StateConnecting, StateAuthenticated)
				_ = s.attach(c)
				if w == 0 && i == 49 {
					continue
				}
				s.RemoveConnection(c)
			}
		}(w)
	}
	wg.Wait()

	require.True(t, reg.IsOnline("bob"))
	lists := carolConn.onlineLists(t)
	require.NotEmpty(t, lists)
	assert.ElementsMatch(t, reg.Snapshot(), lists[len(lists)-1])
}

// ---------------------------------------------------------------------------
// Test: Rearm after removal
// ---------------------------------------------------------------------------

func TestRearm_SkipsRemovedConnection(t *testing.T) {
	s, _ := newTestServer(t)
	c, _ := join(t, s, "a1", "alice")
	s.RemoveConnection(c)

	// s.epoll is nil in this server: reaching Rearm would panic.
	assert.NoError(t, s.rearm(c))
}
