package conn_test

import (
	"testing"
	"time"

	"github.com/reactorkit/reactorkit/conn"
	"github.com/reactorkit/reactorkit/reactor"
	"golang.org/x/sys/unix"
)

func newRunningLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.New(nil)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	go l.Run()
	t.Cleanup(func() {
		l.Stop()
		l.Close()
	})
	return l
}

// acceptOnePair creates a connected socketpair, wraps one end as a
// *conn.Connection on l, and returns the Connection plus the raw peer
// fd for the test to drive directly with unix syscalls or wrapped in
// a net.Conn via os.NewFile-free raw reads/writes.
func acceptOnePair(t *testing.T, l *reactor.Loop) (*conn.Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	c, err := conn.Accept(fds[0], l, nil, nil)
	if err != nil {
		t.Fatalf("conn.Accept: %v", err)
	}
	return c, fds[1]
}

func TestHalfCloseRemoteThenLocalWrite(t *testing.T) {
	l := newRunningLoop(t)
	c, peer := acceptOnePair(t, l)
	defer unix.Close(peer)

	// The first invocation leaves "ping\n" unread, so the receive buffer
	// stays non-empty and the connection cannot finalize. The second
	// invocation comes from the event that observes the peer's FIN; the
	// connection is then HALF_CLOSED_REMOTE and the local side writes
	// before the handler returns and the connection finalizes.
	calls := 0
	first := make(chan struct{}, 1)
	received := make(chan []byte, 1)
	sendErr := make(chan error, 1)
	c.SetReadCallback(func(c *conn.Connection) int {
		calls++
		if calls == 1 {
			first <- struct{}{}
			return -1
		}
		received <- c.ReadAll()
		sendErr <- c.Send([]byte("pong\n"))
		return 0
	})

	if _, err := unix.Write(peer, []byte("ping\n")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("never received ping")
	}

	// Peer shuts its write side (our read side observes FIN); this
	// defers to HALF_CLOSED_REMOTE rather than closing immediately, so
	// the read callback still runs and may write.
	if err := unix.Shutdown(peer, unix.SHUT_WR); err != nil {
		t.Fatalf("peer shutdown write: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "ping\n" {
			t.Fatalf("got %q, want %q", got, "ping\n")
		}
	case <-time.After(time.Second):
		t.Fatal("read callback never ran after peer half-close")
	}

	if err := <-sendErr; err != nil {
		t.Fatalf("send after peer half-close: %v", err)
	}

	buf := make([]byte, 5)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Read(peer, buf)
		if n > 0 {
			if string(buf[:n]) != "pong\n" {
				t.Fatalf("peer got %q, want %q", buf[:n], "pong\n")
			}
			return
		}
		if err != unix.EAGAIN {
			t.Fatalf("read pong: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("peer never received pong after local write post half-close")
}

func TestHalfCloseLocalAfterPeerShutdown(t *testing.T) {
	l := newRunningLoop(t)
	c, peer := acceptOnePair(t, l)
	defer unix.Close(peer)

	closed := make(chan int, 1)
	c.SetCloseCallback(func(fd int) { closed <- fd })

	if err := unix.Shutdown(peer, unix.SHUT_WR); err != nil {
		t.Fatalf("peer shutdown write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// With both buffers empty, the loop finalizes the connection as soon
	// as it observes the FIN, which fires the close callback; the explicit
	// Close is then a no-op. If the FIN has not been handled yet, Close
	// finalizes synchronously instead.
	c.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback never fired")
	}

	if err := c.Send([]byte("x")); err != conn.ErrShutdown {
		t.Fatalf("Send after close = %v, want ErrShutdown", err)
	}
}

// TestSendBackPressure checks that a single send larger than the send
// buffer returns ErrNoBufs while the connection stays open.
func TestSendBackPressure(t *testing.T) {
	l := newRunningLoop(t)
	c, peer := acceptOnePair(t, l)
	defer unix.Close(peer)

	closed := false
	c.SetCloseCallback(func(fd int) { closed = true })

	// Default send buffer capacity is 64 KiB; a single send past it
	// must be rejected outright rather than partially applied.
	big := make([]byte, 65537)
	if err := c.Send(big); err != conn.ErrNoBufs {
		t.Fatalf("Send(65537 bytes) = %v, want ErrNoBufs", err)
	}
	if closed {
		t.Fatal("connection must remain open after a back-pressured send")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newRunningLoop(t)
	c, peer := acceptOnePair(t, l)
	defer unix.Close(peer)

	fires := 0
	c.SetCloseCallback(func(fd int) { fires++ })

	c.Close()
	c.Close()

	if fires != 1 {
		t.Fatalf("close callback fired %d times, want 1", fires)
	}
}

func TestRoundTripEcho(t *testing.T) {
	l := newRunningLoop(t)
	c, peer := acceptOnePair(t, l)
	defer unix.Close(peer)

	c.SetReadCallback(func(c *conn.Connection) int {
		data := c.ReadAll()
		c.Send(data)
		return 0
	})

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		chunk := 1024
		for i := 0; i < len(payload); i += chunk {
			end := i + chunk
			if end > len(payload) {
				end = len(payload)
			}
			unix.Write(peer, payload[i:end])
			time.Sleep(time.Millisecond)
		}
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		n, err := unix.Read(peer, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
			continue
		}
		if err == unix.EAGAIN {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		t.Fatalf("read echo: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}
