// File: socket/socket.go
//
// Socket is a thin handle over an OS stream descriptor. It owns exactly
// one fd; Close is idempotent and leaves the sentinel -1 behind. Option
// setters are best-effort and never panic: SetNonblocking returns its
// error, while the other setters ignore failures without returning or
// logging them.
//
// Linux-only; there is no cross-platform readiness abstraction here.

package socket

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Keep-alive parameters applied to every accepted or dialed connection.
const (
	KeepAliveIdle     = 60 // seconds
	KeepAliveInterval = 5  // seconds
	KeepAliveCount    = 3
)

// ListenBacklog is the fixed backlog used by every listener.
const ListenBacklog = 128

// Closed is the sentinel fd value a Socket holds after Close.
const Closed = -1

// Socket owns exactly one OS descriptor.
type Socket struct {
	fd int
}

// FromFD wraps an already-open descriptor, e.g. one returned by accept4
// or connect.
func FromFD(fd int) *Socket { return &Socket{fd: fd} }

// Listener creates, binds, and listens on the wildcard IPv4 address at
// port, with SO_REUSEADDR and SO_REUSEPORT applied first.
func Listener(port int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create listener: %w", err)
	}
	s := &Socket{fd: fd}
	s.setReusable()
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		s.Close()
		return nil, fmt.Errorf("socket: bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		s.Close()
		return nil, fmt.Errorf("socket: listen: %w", err)
	}
	return s, nil
}

// Dial creates a socket, marks it non-blocking and keep-alive, and
// issues connect(2) toward ip:port. It does not block: the caller reads
// the standard 0 / EINPROGRESS / error trichotomy off the returned
// error (nil means connected immediately; unix.EINPROGRESS, returned
// unwrapped, means connection in progress).
func Dial(ip string, port int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create connector: %w", err)
	}
	s := &Socket{fd: fd}
	s.SetKeepAlive()

	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		s.Close()
		return nil, fmt.Errorf("socket: invalid IPv4 address %q", ip)
	}
	var addr4 [4]byte
	copy(addr4[:], parsed)
	addr := &unix.SockaddrInet4{Port: port, Addr: addr4}

	err = unix.Connect(fd, addr)
	if err == nil {
		return s, nil
	}
	if err == unix.EINPROGRESS {
		return s, err
	}
	s.Close()
	return nil, err
}

// Accept4 accepts one pending connection off a listener in non-blocking
// mode. Returns unix.EAGAIN (unwrapped) when the accept queue is
// drained — callers loop until they see it.
func (s *Socket) Accept4() (*Socket, error) {
	fd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Socket{fd: fd}, nil
}

// Fd returns the underlying descriptor, or Closed if already closed.
func (s *Socket) Fd() int { return s.fd }

// LocalPort reports the port this socket is bound to, resolving an
// ephemeral port assigned by the kernel when Listener was called with
// port 0. Returns 0 on error.
func (s *Socket) LocalPort() int {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return 0
}

// SetNonblocking is applied automatically by Listener/Dial/Accept4; it
// is exposed for sockets constructed via FromFD.
func (s *Socket) SetNonblocking() error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return fmt.Errorf("socket: set non-blocking: %w", err)
	}
	return nil
}

func (s *Socket) setReusable() {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// SetKeepAlive enables TCP keep-alive with the constants above.
// Best-effort: failures are swallowed, matching original_source's
// tcp_socket.cpp.
func (s *Socket) SetKeepAlive() {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(s.fd, unix.SOL_TCP, unix.TCP_KEEPIDLE, KeepAliveIdle)
	_ = unix.SetsockoptInt(s.fd, unix.SOL_TCP, unix.TCP_KEEPINTVL, KeepAliveInterval)
	_ = unix.SetsockoptInt(s.fd, unix.SOL_TCP, unix.TCP_KEEPCNT, KeepAliveCount)
}

// SetNoDelay disables Nagle's algorithm. Best-effort.
func (s *Socket) SetNoDelay() {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_TCP, unix.TCP_NODELAY, 1)
}

// SetRcvBufSize sets SO_RCVBUF. Best-effort.
func (s *Socket) SetRcvBufSize(n int) {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

// SetSndBufSize sets SO_SNDBUF. Best-effort.
func (s *Socket) SetSndBufSize(n int) {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// Read is a non-blocking read(2). Returns (0, nil) on EOF, exactly the
// read(2) convention; EAGAIN/EWOULDBLOCK are returned unwrapped so
// callers can test with errors.Is.
func (s *Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Send is a non-blocking send(2) with MSG_NOSIGNAL so a broken pipe
// never raises SIGPIPE.
func (s *Socket) Send(p []byte) (int, error) {
	var base *byte
	if len(p) > 0 {
		base = &p[0]
	}
	r0, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(s.fd), uintptr(unsafe.Pointer(base)), uintptr(len(p)), uintptr(unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r0), nil
}

// ShutdownMode selects which half of the duplex to shut down.
type ShutdownMode int

const (
	ShutdownRead ShutdownMode = iota
	ShutdownWrite
	ShutdownBoth
)

// Shutdown tolerates an already-disconnected peer (ENOTCONN), matching
// original_source's tcp_socket.cpp.
func (s *Socket) Shutdown(mode ShutdownMode) error {
	if s.fd == Closed {
		return nil
	}
	var how int
	switch mode {
	case ShutdownRead:
		how = unix.SHUT_RD
	case ShutdownWrite:
		how = unix.SHUT_WR
	default:
		how = unix.SHUT_RDWR
	}
	err := unix.Shutdown(s.fd, how)
	if err != nil && err != unix.ENOTCONN {
		return fmt.Errorf("socket: shutdown: %w", err)
	}
	return nil
}

// SOError reads and clears SO_ERROR, used after a WRITABLE event fires
// on a connect-in-progress socket.
func (s *Socket) SOError() (int, error) {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Close shuts down then closes the descriptor. Idempotent.
func (s *Socket) Close() error {
	if s.fd == Closed {
		return nil
	}
	_ = s.Shutdown(ShutdownBoth)
	err := unix.Close(s.fd)
	s.fd = Closed
	if err != nil {
		return fmt.Errorf("socket: close: %w", err)
	}
	return nil
}
