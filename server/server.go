// File: server/server.go
//
// Server owns a listener, the fd->Connection registry, and the
// subscriber set for the pub/sub fan-out. Grounded on original_source's
// TcpServer (src/tcp_server.cpp) for the accept loop and
// registry-mutation shape, and on server/options.go's functional-
// options construction pattern for configuration.

package server

import (
	"fmt"

	"github.com/reactorkit/reactorkit/conn"
	"github.com/reactorkit/reactorkit/internal/xlog"
	"github.com/reactorkit/reactorkit/reactor"
	"github.com/reactorkit/reactorkit/socket"
	"golang.org/x/sys/unix"
)

// NewConnCallback is invoked once per accepted connection, before it
// becomes visible to broadcasts.
type NewConnCallback func(c *conn.Connection)

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the server's ambient logger.
func WithLogger(log xlog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is not safe for concurrent use; every method is expected to
// run on the loop goroutine, matching the single-threaded cooperative
// model the rest of this module assumes.
type Server struct {
	loop   *reactor.Loop
	listen *socket.Socket
	conns  map[int]*conn.Connection
	subs   map[int]struct{}
	newCB  NewConnCallback
	log    xlog.Logger
}

// New creates a Server bound to loop. Start must be called before any
// connection can be accepted.
func New(loop *reactor.Loop, opts ...Option) *Server {
	s := &Server{
		loop:  loop,
		conns: make(map[int]*conn.Connection),
		subs:  make(map[int]struct{}),
		log:   xlog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds and listens on port, and registers the listener for
// readable events.
func (s *Server) Start(port int, cb NewConnCallback) error {
	l, err := socket.Listener(port)
	if err != nil {
		return fmt.Errorf("server: start: %w", err)
	}
	s.listen = l
	s.newCB = cb
	if err := s.loop.Add(l.Fd(), reactor.Event{Readable: true}, s); err != nil {
		l.Close()
		return fmt.Errorf("server: register listener: %w", err)
	}
	s.log.Info("server: listening", "port", port)
	return nil
}

// Port reports the bound listener's port, useful when Start was
// called with port 0. Returns 0 before Start.
func (s *Server) Port() int {
	if s.listen == nil {
		return 0
	}
	return s.listen.LocalPort()
}

// HandleEvent implements reactor.Handler for the listen socket.
// Grounded on TcpServer::handleAccept.
func (s *Server) HandleEvent(ev reactor.Event) {
	if ev.Err || ev.Hup {
		s.log.Error("server: listener error event")
		return
	}
	if !ev.Readable {
		return
	}
	for {
		c, err := s.listen.Accept4()
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.Error("server: accept4 failed", "err", err)
			return
		}
		connection, err := conn.Accept(c.Fd(), s.loop, s, s.log)
		if err != nil {
			s.log.Error("server: register accepted connection failed", "err", err)
			continue
		}
		s.conns[connection.Fd()] = connection
		if s.newCB != nil {
			s.newCB(connection)
		}
	}
}

// Subscribe implements conn.Owner. No-op if fd is not a known
// connection.
func (s *Server) Subscribe(fd int) {
	if _, ok := s.conns[fd]; !ok {
		return
	}
	s.subs[fd] = struct{}{}
}

// Unsubscribe implements conn.Owner. No-op if fd is not subscribed.
func (s *Server) Unsubscribe(fd int) {
	delete(s.subs, fd)
}

// Broadcast implements conn.Owner: iterates a snapshot of the
// subscriber set so a subscriber removing itself mid-broadcast (e.g.
// from a send failure) is tolerated.
func (s *Server) Broadcast(p []byte) error {
	snapshot := make([]int, 0, len(s.subs))
	for fd := range s.subs {
		snapshot = append(snapshot, fd)
	}
	var last error
	for _, fd := range snapshot {
		c, ok := s.conns[fd]
		if !ok {
			continue // removed since the snapshot was taken
		}
		if err := c.Send(p); err != nil {
			last = err
		}
	}
	return last
}

// RemoveConn implements conn.Owner: erases fd from both the connection
// map and the subscriber set, preserving the invariant that every
// subscriber is a key in the connection map.
func (s *Server) RemoveConn(fd int) {
	delete(s.conns, fd)
	delete(s.subs, fd)
}

// Close shuts down every live connection and the listener. A server
// owns its connections; destroying it destroys them.
func (s *Server) Close() {
	for _, c := range s.conns {
		c.Close()
	}
	if s.listen != nil {
		_ = s.loop.Remove(s.listen.Fd())
		s.listen.Close()
	}
}

// ConnCount reports the number of live connections. Exposed for tests
// and diagnostics only.
func (s *Server) ConnCount() int { return len(s.conns) }
