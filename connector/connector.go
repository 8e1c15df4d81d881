// File: connector/connector.go
//
// Connector is the active dial path: non-blocking connect,
// readiness-driven completion via SO_ERROR, then it behaves exactly as
// a Connection peer. Grounded on original_source's
// TcpConnector (src/tcp_connector.cpp): the connect/handleConnect
// split and the exact ordering handleConnect uses (clear in-progress,
// reprogram readiness, then mark connected) are preserved.

package connector

import (
	"fmt"

	"github.com/reactorkit/reactorkit/conn"
	"github.com/reactorkit/reactorkit/coroutine"
	"github.com/reactorkit/reactorkit/internal/xlog"
	"github.com/reactorkit/reactorkit/reactor"
	"github.com/reactorkit/reactorkit/socket"
	"github.com/reactorkit/reactorkit/timer"
	"golang.org/x/sys/unix"
)

// ErrNotConnected is returned by any Connection-delegating method
// invoked before the async connect has completed — the window between
// Dial returning and the embedded *conn.Connection being bound.
var ErrNotConnected = fmt.Errorf("connector: %w", unix.ENOTCONN)

// Connector embeds *conn.Connection: once connected, every Connection
// method (Send, ReadUntil, ...) is available directly on the
// Connector, so it behaves exactly as a Connection peer once dialing
// completes. Before that, the embedded pointer is nil, so every
// Connection-delegating method below is shadowed with an explicit nil
// guard rather than left to the promoted (panicking) method.
type Connector struct {
	*conn.Connection

	sock              *socket.Socket
	loop              *reactor.Loop
	log               xlog.Logger
	connectInProgress bool
	closeCB           func(fd int)
	pendingReadCB     conn.ReadCallback
}

// Dial creates a socket, issues a non-blocking connect toward ip:port,
// and registers it with loop. It returns as soon as the connect
// attempt has started (or completed immediately); it does not block
// for completion. Use SetCloseCallback to observe dial failure.
func Dial(loop *reactor.Loop, ip string, port int, log xlog.Logger) (*Connector, error) {
	if log == nil {
		log = xlog.Discard()
	}
	s, err := socket.Dial(ip, port)
	immediate := err == nil
	if err != nil && err != unix.EINPROGRESS {
		return nil, fmt.Errorf("connector: dial %s:%d: %w", ip, port, err)
	}

	c := &Connector{sock: s, loop: loop, log: log, connectInProgress: !immediate}

	want := reactor.Event{Readable: true}
	if c.connectInProgress {
		want.Writable = true
	}
	if err := loop.Add(s.Fd(), want, c); err != nil {
		s.Close()
		return nil, fmt.Errorf("connector: register fd %d: %w", s.Fd(), err)
	}

	if immediate {
		if err := c.bindConnection(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetCloseCallback installs the close callback, forwarding to the
// embedded Connection once it exists, or remembering it for delivery
// if a connect failure tears the Connector down before the Connection
// is ever bound.
func (c *Connector) SetCloseCallback(cb func(fd int)) {
	c.closeCB = cb
	if c.Connection != nil {
		c.Connection.SetCloseCallback(cb)
	}
}

// SetReadCallback installs the read callback, buffering it until the
// embedded Connection is bound if the connect handshake has not
// finished yet.
func (c *Connector) SetReadCallback(cb conn.ReadCallback) {
	c.pendingReadCB = cb
	if c.Connection != nil {
		c.Connection.SetReadCallback(cb)
	}
}

// Fd returns the underlying descriptor, valid from Dial onward
// regardless of connect completion.
func (c *Connector) Fd() int { return c.sock.Fd() }

// Timer returns the timer driven by this connector's loop.
func (c *Connector) Timer() *timer.Timer { return c.loop.Timer() }

// Spawn starts a cooperative task through this connector's loop.
func (c *Connector) Spawn(fn func(y *coroutine.Yield)) {
	c.loop.Scheduler().SpawnFunc(fn)
}

// ReadAll returns nil if the connect handshake has not completed yet.
func (c *Connector) ReadAll() []byte {
	if c.Connection == nil {
		return nil
	}
	return c.Connection.ReadAll()
}

// ReadUntil reports (nil, false) if the connect handshake has not
// completed yet.
func (c *Connector) ReadUntil(delim byte) ([]byte, bool) {
	if c.Connection == nil {
		return nil, false
	}
	return c.Connection.ReadUntil(delim)
}

// ReadUntilCRLF reports (nil, false) if the connect handshake has not
// completed yet.
func (c *Connector) ReadUntilCRLF() ([]byte, bool) {
	if c.Connection == nil {
		return nil, false
	}
	return c.Connection.ReadUntilCRLF()
}

// ReadN reports (nil, false) if the connect handshake has not
// completed yet.
func (c *Connector) ReadN(n int) ([]byte, bool) {
	if c.Connection == nil {
		return nil, false
	}
	return c.Connection.ReadN(n)
}

// ReadableSize reports 0 if the connect handshake has not completed
// yet.
func (c *Connector) ReadableSize() int {
	if c.Connection == nil {
		return 0
	}
	return c.Connection.ReadableSize()
}

// Send returns ErrNotConnected if the connect handshake has not
// completed yet.
func (c *Connector) Send(p []byte) error {
	if c.Connection == nil {
		return ErrNotConnected
	}
	return c.Connection.Send(p)
}

// SendBlocking returns ErrNotConnected if the connect handshake has
// not completed yet.
func (c *Connector) SendBlocking(p []byte) error {
	if c.Connection == nil {
		return ErrNotConnected
	}
	return c.Connection.SendBlocking(p)
}

// SendAsync delivers ErrNotConnected on the returned channel if the
// connect handshake has not completed yet.
func (c *Connector) SendAsync(p []byte) <-chan error {
	if c.Connection == nil {
		result := make(chan error, 1)
		result <- ErrNotConnected
		return result
	}
	return c.Connection.SendAsync(p)
}

// Subscribe returns ErrNotConnected if the connect handshake has not
// completed yet.
func (c *Connector) Subscribe() error {
	if c.Connection == nil {
		return ErrNotConnected
	}
	return c.Connection.Subscribe()
}

// Unsubscribe returns ErrNotConnected if the connect handshake has not
// completed yet.
func (c *Connector) Unsubscribe() error {
	if c.Connection == nil {
		return ErrNotConnected
	}
	return c.Connection.Unsubscribe()
}

// Broadcast returns ErrNotConnected if the connect handshake has not
// completed yet.
func (c *Connector) Broadcast(p []byte) error {
	if c.Connection == nil {
		return ErrNotConnected
	}
	return c.Connection.Broadcast(p)
}

// Close tears the connector down whether or not the connect handshake
// ever completed: with an embedded Connection it delegates to
// Connection.Close; otherwise it cancels the in-flight dial directly.
func (c *Connector) Close() {
	if c.Connection != nil {
		c.Connection.Close()
		return
	}
	fd := c.sock.Fd()
	_ = c.loop.Remove(fd)
	c.sock.Close()
}

// HandleEvent implements reactor.Handler while connecting; once
// bindConnection succeeds it is never invoked again — the loop's
// handler table is repointed at the embedded *conn.Connection.
func (c *Connector) HandleEvent(ev reactor.Event) {
	if ev.Err || ev.Hup {
		c.failDial(unix.ECONNREFUSED)
		return
	}
	if c.connectInProgress && ev.Writable {
		if err := c.bindConnection(); err != nil {
			return
		}
	}
}

// bindConnection implements handleConnect: read SO_ERROR, and on
// success clear connectInProgress, reprogram readiness to READABLE
// only, then construct the embedded Connection and repoint the loop's
// handler table at it.
func (c *Connector) bindConnection() error {
	if c.connectInProgress {
		errno, err := c.sock.SOError()
		if err != nil || errno != 0 {
			c.failDial(unix.Errno(errno))
			return fmt.Errorf("connector: async connect failed: errno %d", errno)
		}
		c.connectInProgress = false
		if err := c.loop.Modify(c.sock.Fd(), reactor.Event{Readable: true}); err != nil {
			c.failDial(err)
			return err
		}
	}

	c.Connection = conn.Bind(c.sock.Fd(), c.loop, nil, c.log)
	if c.closeCB != nil {
		c.Connection.SetCloseCallback(c.closeCB)
	}
	if c.pendingReadCB != nil {
		c.Connection.SetReadCallback(c.pendingReadCB)
	}
	// Connection is bound but the fd is still registered under this
	// Connector's own handler from Dial's initial loop.Add; repoint the
	// dispatch table at the Connection so future events skip the
	// Connector entirely, and arm PEER_HUP now that we are a steady
	// state peer rather than a connecting socket.
	if err := c.loop.Modify(c.sock.Fd(), reactor.Event{Readable: true, PeerHup: true}); err != nil {
		c.failDial(err)
		return err
	}
	c.loop.SetHandler(c.sock.Fd(), c.Connection)
	return nil
}

func (c *Connector) failDial(reason error) {
	c.log.Error("connector: dial failed", "fd", c.sock.Fd(), "err", reason)
	fd := c.sock.Fd()
	_ = c.loop.Remove(fd)
	c.sock.Close()
	if c.closeCB != nil {
		c.closeCB(fd)
	}
}
