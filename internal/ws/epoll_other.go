//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the fallback for platforms without epoll. It does not watch the
// socket: a registered connection is reported ready right away and again
// after every Rearm, and the worker blocks on the read (bounded by the
// server's read timeout). Nothing is read here, so no bytes are lost.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 1024),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and reports it ready.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	e.signal(conn)
	return nil
}

// Rearm reports the connection ready again.
func (e *Epoll) Rearm(conn net.Conn) error {
	e.mu.RLock()
	_, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return net.ErrClosed
	}

	e.signal(conn)
	return nil
}

func (e *Epoll) signal(conn net.Conn) {
	go func() {
		select {
		case e.readyCh <- conn:
		case <-e.done:
		}
	}()
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

// socketFD always reports no descriptor on non-Linux platforms.
func socketFD(conn net.Conn) int {
	return -1
}

func isEINTR(err error) bool {
	return false
}
