// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, tracking live connections and their presence,
// reading frames through epoll and a bounded worker pool, and fanning out
// server events to user groups.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/whisper/messenger/internal/auth"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
)

// MaxFrameSize caps the payload of a single client message. Fragments of a
// message count towards the same limit.
const MaxFrameSize = 64 * 1024

// errPeerClosed aborts a message read when a close frame arrives between its
// fragments.
var errPeerClosed = errors.New("ws: close frame received")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // bound on identity resolution during the handshake
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket gateway built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP requests, joins each connection to its
// user's presence group, and dispatches ready connections to a bounded worker
// pool for frame reading.
type Server struct {
	config      ServerConfig
	epoll       *Epoll
	conns       *ConnectionManager
	registry    *presence.Registry
	resolver    auth.Resolver
	connLimiter ratelimit.Checker
	local       *LocalFanout
	fanout      Fanout
	workerPool  chan struct{}                       // semaphore limiting concurrent read workers
	onMessage   func(conn *Connection, data []byte) // message handler callback
	presenceMu  sync.Mutex                          // orders online users snapshots
	httpServer  *http.Server
	done        chan struct{}
	closeOnce   sync.Once
	startedAt   time.Time // server start time for uptime calculation
}

// NewServer creates a Server. resolver authenticates every handshake,
// registry holds the presence groups and onMessage is called from a worker
// goroutine for every complete text frame of an active connection.
func NewServer(config ServerConfig, resolver auth.Resolver, registry *presence.Registry, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	conns := NewConnectionManager()
	local := NewLocalFanout(conns, registry)
	return &Server{
		config:     config,
		conns:      conns,
		registry:   registry,
		resolver:   resolver,
		local:      local,
		fanout:     countingFanout{local},
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetConnectLimiter enables per-address handshake rate limiting.
func (s *Server) SetConnectLimiter(l ratelimit.Checker) {
	s.connLimiter = l
}

// UseBus routes fan-out through bus: frames are published and delivered to
// local connections by the bus subscription. It must be called before Start.
func (s *Server) UseBus(bus Bus) error {
	f, err := NewBusFanout(bus, s.local)
	if err != nil {
		return fmt.Errorf("ws: subscribe fanout bus: %w", err)
	}
	s.fanout = f
	return nil
}

// Fanout returns the fan-out used for server events.
func (s *Server) Fanout() Fanout {
	return s.fanout
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Open creates the epoll instance and starts the event loop and heartbeat.
// Start calls it; tests serving Handler through their own listener call it
// directly.
func (s *Server) Open() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Start opens the server and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	glog.Infof("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and, on success, upgrades it with
// the gobwas/ws zero-copy upgrader. A rejected request never touches the
// presence registry.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.connLimiter != nil {
		if ok, _ := s.connLimiter.Allow(r.Context(), remoteHost(r), ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	ctx := r.Context()
	if s.config.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AuthTimeout)
		defer cancel()
	}
	user, err := s.resolver.Resolve(ctx, auth.CredentialFromRequest(r))
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		if errors.Is(err, auth.ErrUnauthenticated) {
			glog.V(1).Infof("ws: handshake rejected remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		glog.Errorf("ws: identity lookup failed remote=%s: %v", r.RemoteAddr, err)
		http.Error(w, "identity service unavailable", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		glog.Warningf("ws: upgrade failed user=%s: %v", user.ID, err)
		return
	}

	c := NewConnection(uuid.New().String(), user.ID, netConn, s.config.WriteTimeout)
	c.advance(StateConnecting, StateAuthenticated)

	if err := s.attach(c); err != nil {
		glog.Errorf("ws: attach failed conn=%s user=%s: %v", c.ID, c.UserID, err)
		return
	}

	glog.Infof("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, c.UserID, c.Fd, s.conns.Count())
}

// attach tracks an authenticated connection, joins it to its user's group
// and starts watching it for frames.
func (s *Server) attach(c *Connection) error {
	s.conns.Add(c)
	metrics.ConnectionsActive.Set(float64(s.conns.Count()))

	s.activate(c)

	if s.epoll != nil {
		if err := s.epoll.Add(c.Conn); err != nil {
			s.RemoveConnection(c)
			return fmt.Errorf("ws: epoll add: %w", err)
		}
	}
	return nil
}

// activate registers the connection in the presence registry. Everyone learns
// about a user coming online; otherwise only the new connection gets the
// current snapshot.
func (s *Server) activate(c *Connection) {
	c.lifeMu.Lock()
	if !c.advance(StateAuthenticated, StateActive) {
		c.lifeMu.Unlock()
		return
	}
	becameOnline := s.registry.Register(c.UserID, c.ID)
	c.lifeMu.Unlock()

	if becameOnline {
		glog.V(1).Infof("ws: user=%s online", c.UserID)
		s.announceOnline(nil)
		return
	}
	s.announceOnline(c)
}

// announceOnline sends the online users list to c, or to every active
// connection when c is nil. The snapshot is taken and delivered under
// presenceMu, so no connection receives a list older than one it already got.
func (s *Server) announceOnline(c *Connection) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	frame, err := s.onlineUsersFrame()
	if err != nil {
		glog.Errorf("ws: %v", err)
		return
	}
	if c == nil {
		s.fanout.Broadcast(frame)
		return
	}
	if err := c.WriteMessage(frame); err != nil {
		glog.V(1).Infof("ws: failed to send online users conn=%s: %v", c.ID, err)
	}
}

func (s *Server) onlineUsersFrame() ([]byte, error) {
	data, err := protocol.NewServerMessage(protocol.TypeOnlineUser, protocol.OnlineUserMsg{
		Users: s.registry.Snapshot(),
	})
	if err != nil {
		return nil, fmt.Errorf("ws: build online users: %w", err)
	}
	return data, nil
}

// handleHealth responds with the server's health status as JSON, including
// connection and online user counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		OnlineUsers: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed to
// a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			glog.Errorf("ws: epoll wait error: %v", err)
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one message from a ready connection and re-arms it. The
// connection is not watched again until its message is fully handled, which
// keeps a connection's events in arrival order.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if !s.readMessage(c) {
		return
	}
	if err := s.rearm(c); err != nil {
		glog.V(1).Infof("ws: rearm failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
	}
}

// rearm watches c again unless it was removed meanwhile. detach marks the
// connection closed under lifeMu before closing the socket, so the fd still
// belongs to c while lifeMu is held here.
func (s *Server) rearm(c *Connection) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.State() == StateClosed {
		return nil
	}
	return s.epoll.Rearm(c.Conn)
}

// countingReader counts the bytes taken from the connection.
type countingReader struct {
	r io.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += n
	return n, err
}

// readMessage reads one WebSocket message. Control frames are answered as
// they arrive, also between the fragments of a data message, and fragments
// are joined before the message is dispatched. It returns false when the
// connection was removed.
func (s *Server) readMessage(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	src := &countingReader{r: c.Conn}
	rd := &wsutil.Reader{
		Source:       src,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: MaxFrameSize,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.handleControl(c, h, r)
		},
	}

	header, err := rd.NextFrame()
	if err != nil {
		// A timeout before the first byte means nothing was ready; the
		// heartbeat handles dead peers. Once bytes were consumed the stream
		// is mid-frame and cannot be resumed.
		var netErr net.Error
		if src.n == 0 && errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		glog.V(1).Infof("ws: read failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return false
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if err := s.handleControl(c, header, rd); err != nil {
			s.RemoveConnection(c)
			return false
		}
		_ = c.Conn.SetReadDeadline(time.Time{})
		return true
	}

	data, err := io.ReadAll(io.LimitReader(rd, MaxFrameSize+1))
	if err != nil {
		glog.V(1).Infof("ws: read failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return false
	}
	if len(data) > MaxFrameSize {
		glog.Warningf("ws: message too large conn=%s", c.ID)
		s.RemoveConnection(c)
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	if len(data) == 0 || c.State() != StateActive {
		return true
	}
	if s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// handleControl consumes a control frame payload and answers pings. A close
// frame yields errPeerClosed.
func (s *Server) handleControl(c *Connection, h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.Touch()

	switch h.OpCode {
	case ws.OpClose:
		return errPeerClosed
	case ws.OpPing:
		_ = c.WritePong(payload)
	}
	return nil
}

// RemoveConnection stops watching a connection, closes it and leaves its
// user's group. It is safe to call any number of times from any goroutine:
// only the first call has an effect. If the user has no connection left,
// every active connection receives the new online users list.
func (s *Server) RemoveConnection(c *Connection) {
	if becameOffline := s.detach(c); becameOffline {
		glog.V(1).Infof("ws: user=%s offline", c.UserID)
		s.announceOnline(nil)
	}
}

// detach performs the removal and reports whether the user went offline.
func (s *Server) detach(c *Connection) bool {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return false
	}
	metrics.ConnectionsActive.Set(float64(s.conns.Count()))

	c.lifeMu.Lock()
	prev := c.markClosed()
	becameOffline := false
	if prev == StateActive {
		becameOffline = s.registry.Unregister(c.UserID, c.ID)
	}
	c.lifeMu.Unlock()
	c.Close()

	glog.Infof("ws: connection closed conn=%s user=%s state=%s (total=%d)", c.ID, c.UserID, prev, s.conns.Count())
	return becameOffline
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all connections and releases the epoll instance. Users are removed from the
// registry without broadcasting, since every recipient is going away too.
func (s *Server) Shutdown(ctx context.Context) error {
	glog.Info("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			glog.Errorf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.detach(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	glog.Info("ws: server stopped, all connections closed")
	return err
}

// remoteHost returns the client address used for handshake rate limiting.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
