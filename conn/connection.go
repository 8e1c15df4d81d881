// File: conn/connection.go
//
// Connection is the per-socket state machine: buffered non-blocking
// read/write, half-close handling, back-pressured send, a blocking
// drain escape hatch, and a coroutine-suspending async send. Grounded
// on original_source's TcpConn (src/tcp_conn.cpp) for the drain/pump
// loops and TcpConnector (src/tcp_connector.cpp) for the
// read_until/read_n/send_async contracts, and on epollReactor's
// dispatch discipline for the Handler binding.

package conn

import (
	"github.com/reactorkit/reactorkit/buffer"
	"github.com/reactorkit/reactorkit/coroutine"
	"github.com/reactorkit/reactorkit/internal/xlog"
	"github.com/reactorkit/reactorkit/reactor"
	"github.com/reactorkit/reactorkit/socket"
	"github.com/reactorkit/reactorkit/timer"
	"golang.org/x/sys/unix"
)

// ReadCallback is invoked once per readable byte span while the
// receive buffer is non-empty; a negative return stops further
// invocations for this readiness batch, leaving bytes for next time.
type ReadCallback func(c *Connection) int

// CloseCallback fires exactly once, with the descriptor value, right
// before the socket is actually closed.
type CloseCallback func(fd int)

// Owner is the subset of Server a Connection needs for subscribe/
// broadcast delegation and removal notification, expressed as an
// interface to avoid an import cycle between conn and server.
type Owner interface {
	Subscribe(fd int)
	Unsubscribe(fd int)
	Broadcast(p []byte) error
	RemoveConn(fd int)
}

// Connection wraps one accepted or connected socket with buffered,
// non-blocking I/O and its own lifecycle state machine. Not safe for
// concurrent use; every method runs on the loop goroutine except
// SendAsync's spawned coroutine body, which itself only ever touches
// the connection between Yield/Sleep suspension points, i.e. never
// concurrently with the loop.
type Connection struct {
	sock  *socket.Socket
	loop  *reactor.Loop
	owner Owner
	log   xlog.Logger

	rcv, snd *buffer.Buffer

	state        State
	peerShutdown bool
	writeArmed   bool
	inHandler    int

	readCB  ReadCallback
	closeCB CloseCallback
}

// Accept wraps fd (already accepted via socket.Accept4) as a new
// Connection owned by owner and registers it on loop. On registration
// failure the connection transitions straight to CLOSED and the error
// is returned; no close callback fires since one was never installed.
func Accept(fd int, loop *reactor.Loop, owner Owner, log xlog.Logger) (*Connection, error) {
	c := newConnection(fd, loop, owner, log)
	if err := loop.Add(fd, reactor.Event{Readable: true, PeerHup: true}, c); err != nil {
		c.state = Closed
		c.sock.Close()
		return nil, err
	}
	c.state = Open
	return c, nil
}

// Bind wraps fd as a new Connection without touching its epoll
// registration: the caller (Connector, once its own connect handshake
// finishes) is responsible for having already registered fd and for
// repointing the loop's dispatch table at the returned Connection via
// reactor.Loop.SetHandler.
func Bind(fd int, loop *reactor.Loop, owner Owner, log xlog.Logger) *Connection {
	c := newConnection(fd, loop, owner, log)
	c.state = Open
	return c
}

func newConnection(fd int, loop *reactor.Loop, owner Owner, log xlog.Logger) *Connection {
	if log == nil {
		log = xlog.Discard()
	}
	s := socket.FromFD(fd)
	s.SetKeepAlive()
	return &Connection{
		sock:  s,
		loop:  loop,
		owner: owner,
		log:   log,
		rcv:   buffer.New(),
		snd:   buffer.New(),
		state: Registering,
	}
}

// Fd returns the underlying descriptor.
func (c *Connection) Fd() int { return c.sock.Fd() }

// SetReadCallback installs the read callback.
func (c *Connection) SetReadCallback(cb ReadCallback) { c.readCB = cb }

// SetCloseCallback installs the close callback.
func (c *Connection) SetCloseCallback(cb CloseCallback) { c.closeCB = cb }

// HandleEvent implements reactor.Handler. Grounded on TcpConn::handleIO.
func (c *Connection) HandleEvent(ev reactor.Event) {
	if c.state == Closed {
		return
	}
	c.inHandler++
	defer func() { c.inHandler--; c.maybeFinalize() }()

	if ev.Err || ev.Hup {
		c.fail(unix.ECONNRESET)
		return
	}
	if ev.Readable || ev.PeerHup {
		c.handleRead()
		if c.state == Closed {
			return
		}
	}
	if ev.Writable {
		c.handleWrite()
	}
}

// handleRead implements the receive drain loop.
func (c *Connection) handleRead() {
	for {
		if c.rcv.FreeAfterCompact() == 0 {
			break // back-pressure: leave bytes for the peer to hold
		}
		c.rcv.Ensure(1)
		n, err := c.sock.Read(c.rcv.WriteSlice())
		if n > 0 {
			c.rcv.WriteCommit(n)
			continue
		}
		if n == 0 && err == nil {
			c.peerShutdown = true
			c.state = HalfClosedRemote
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		c.fail(err)
		return
	}

	for c.readCB != nil && c.rcv.ReadableSize() > 0 {
		if c.readCB(c) < 0 {
			break
		}
	}
}

// handleWrite implements the send buffer write pump.
func (c *Connection) handleWrite() {
	for !c.snd.Empty() {
		n, err := c.sock.Send(c.snd.ReadSlice())
		if n > 0 {
			c.snd.ReadCommit(n)
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.fail(err)
		return
	}
	c.disarmWrite()
}

// ReadAll returns and commits the entire readable span; original_source
// TcpConnector::readAll commits what it returns, matching this.
func (c *Connection) ReadAll() []byte {
	span := append([]byte(nil), c.rcv.ReadSlice()...)
	c.rcv.ReadCommit(len(span))
	return span
}

// ReadUntil returns the span up to delim (exclusive) and commits
// span+1 (consuming the delimiter) on success; returns (nil, false)
// and commits nothing otherwise.
func (c *Connection) ReadUntil(delim byte) ([]byte, bool) {
	span, ok := c.rcv.PeekUntil(delim)
	if !ok {
		return nil, false
	}
	out := append([]byte(nil), span...)
	c.rcv.ReadCommit(len(span) + 1)
	return out, true
}

// ReadUntilCRLF scans for a two-byte "\r\n" terminator and commits
// span+2 on success, adapted from original_source's readUntilCRLF.
func (c *Connection) ReadUntilCRLF() ([]byte, bool) {
	span, ok := c.rcv.PeekUntilCRLF()
	if !ok {
		return nil, false
	}
	out := append([]byte(nil), span...)
	c.rcv.ReadCommit(len(span) + 2)
	return out, true
}

// ReadN returns exactly n bytes and commits them if available; else
// returns (nil, false) and commits nothing.
func (c *Connection) ReadN(n int) ([]byte, bool) {
	span, ok := c.rcv.PeekN(n)
	if !ok {
		return nil, false
	}
	out := append([]byte(nil), span...)
	c.rcv.ReadCommit(n)
	return out, true
}

// ReadableSize reports the number of unread bytes.
func (c *Connection) ReadableSize() int { return c.rcv.ReadableSize() }

// Send queues or writes p, failing fast with ErrNoBufs when the send
// buffer cannot hold it even after compaction. A nil p and a
// zero-length non-nil p are treated identically (both no-ops): unlike
// a C pointer+length pair, a Go []byte carries no separate "null vs
// empty" signal worth distinguishing with its own error, so there is
// no ErrInvalid here.
func (c *Connection) Send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.state == Closed {
		return ErrShutdown
	}
	if c.snd.FreeAfterCompact() < len(p) {
		return ErrNoBufs
	}
	if !c.snd.Empty() {
		c.snd.Write(p)
		c.armWrite()
		return nil
	}
	n, err := c.sock.Send(p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.snd.Write(p)
			c.armWrite()
			return nil
		}
		c.fail(err)
		return err
	}
	if n < len(p) {
		c.snd.Write(p[n:])
		c.armWrite()
	}
	return nil
}

// SendBlocking drains the existing send buffer, then writes all of p,
// busy-retrying on EAGAIN. An explicit escape hatch outside the
// cooperative model.
func (c *Connection) SendBlocking(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.state == Closed {
		return ErrShutdown
	}
	for !c.snd.Empty() {
		n, err := c.sock.Send(c.snd.ReadSlice())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			c.fail(err)
			return err
		}
		c.snd.ReadCommit(n)
	}
	c.disarmWrite()

	for len(p) > 0 {
		n, err := c.sock.Send(p)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			c.fail(err)
			return err
		}
		p = p[n:]
	}
	return nil
}

// SendAsync performs send on a cooperative task: while the send buffer
// cannot fit p, it yields back to the scheduler; it then applies the
// same direct-send/queue logic as Send. The returned channel receives
// exactly one error (nil on success) once the attempt completes, or
// nothing at all if the task is cancelled first — matching
// original_source's sendAsync cancellation note: a cancelled coroutine
// abandons its remaining yields with no side effect.
func (c *Connection) SendAsync(p []byte) <-chan error {
	result := make(chan error, 1)
	if len(p) == 0 {
		result <- nil
		return result
	}
	c.loop.Scheduler().SpawnFunc(func(y *coroutine.Yield) {
		for c.snd.FreeAfterCompact() < len(p) {
			if !y.Yield() {
				return
			}
		}
		result <- c.Send(p)
	})
	return result
}

// Subscribe delegates to the owning server.
func (c *Connection) Subscribe() error {
	if c.owner == nil || c.state == Closed {
		return ErrShutdown
	}
	c.owner.Subscribe(c.Fd())
	return nil
}

// Unsubscribe delegates to the owning server.
func (c *Connection) Unsubscribe() error {
	if c.owner == nil || c.state == Closed {
		return ErrShutdown
	}
	c.owner.Unsubscribe(c.Fd())
	return nil
}

// Broadcast delegates to the owning server.
func (c *Connection) Broadcast(p []byte) error {
	if c.owner == nil || c.state == Closed {
		return ErrShutdown
	}
	return c.owner.Broadcast(p)
}

// Close transitions the connection to CLOSED. If a user callback is
// currently executing (inHandler > 0), finalization is deferred until
// it returns — an extra ownership share held for the duration of the
// callback.
func (c *Connection) Close() {
	if c.state == Closed {
		return
	}
	c.state = Closed
	c.maybeFinalize()
}

func (c *Connection) fail(err error) {
	c.log.Error("conn: fatal I/O error", "fd", c.Fd(), "err", err)
	c.state = Error
	c.maybeFinalize()
}

// maybeFinalize performs the HALF_CLOSED_REMOTE/ERROR -> CLOSED
// transition only once no user handler is on the stack and the
// connection is actually eligible: Closed was requested directly, an
// Error occurred, or both buffers have drained after a remote FIN.
func (c *Connection) maybeFinalize() {
	if c.inHandler > 0 {
		return
	}
	eligible := c.state == Closed || c.state == Error ||
		(c.state == HalfClosedRemote && c.rcv.Empty() && c.snd.Empty())
	if !eligible {
		return
	}
	if c.sock.Fd() == socket.Closed {
		return // already finalized
	}
	c.state = Closed
	if c.owner != nil {
		c.owner.RemoveConn(c.Fd())
	}
	_ = c.loop.Remove(c.Fd())
	if c.closeCB != nil {
		c.closeCB(c.Fd())
	}
	c.closeCB = nil
	c.sock.Close()
}

func (c *Connection) armWrite() {
	if c.writeArmed {
		return
	}
	c.writeArmed = true
	if err := c.loop.Modify(c.Fd(), reactor.Event{Readable: true, Writable: true, PeerHup: true}); err != nil {
		c.fail(err)
	}
}

func (c *Connection) disarmWrite() {
	if !c.writeArmed {
		return
	}
	c.writeArmed = false
	if err := c.loop.Modify(c.Fd(), reactor.Event{Readable: true, PeerHup: true}); err != nil {
		c.fail(err)
	}
}

// Timer returns the timer driven by this connection's loop, for
// handlers that need to compose their own Sleep calls via Spawn.
func (c *Connection) Timer() *timer.Timer { return c.loop.Timer() }

// Spawn starts a cooperative task through this connection's loop,
// giving user handlers (e.g. a delayed-response demo) access to the
// Yield/Sleep primitives without reaching into the loop directly.
func (c *Connection) Spawn(fn func(y *coroutine.Yield)) {
	c.loop.Scheduler().SpawnFunc(fn)
}
