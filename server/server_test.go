package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/reactorkit/reactorkit/conn"
	"github.com/reactorkit/reactorkit/coroutine"
	"github.com/reactorkit/reactorkit/reactor"
	"github.com/reactorkit/reactorkit/server"
)

// newRunningLoop starts a Loop on its own goroutine and returns it
// along with a cleanup func. The test client side always uses the
// standard net package: it plays the role of an external peer, not
// of anything this module implements.
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

// TestHTTPLikeOneShot: a client sends a CRLF-terminated request line
// and the server responds once.
func TestHTTPLikeOneShot(t *testing.T) {
	l := newRunningLoop(t)
	srv := server.New(l)
	t.Cleanup(srv.Close)

	if err := srv.Start(0, func(c *conn.Connection) {
		c.SetReadCallback(func(c *conn.Connection) int {
			if _, ok := c.ReadUntilCRLF(); !ok {
				return -1
			}
			if _, ok := c.ReadUntilCRLF(); !ok {
				return -1
			}
			resp := "HTTP/1.1 200 OK\nContent-Length: 12\n\nHello World!\n"
			c.Send([]byte(resp))
			return -1
		})
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cliConn, err := net.DialTimeout("tcp", "127.0.0.1:"+portString(srv), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cliConn.Close()

	if _, err := cliConn.Write([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	cliConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 49)
	n, err := readFull(cliConn, buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	want := "HTTP/1.1 200 OK\nContent-Length: 12\n\nHello World!\n"
	if n != 49 || string(buf[:n]) != want {
		t.Fatalf("response = %q (n=%d), want %q", buf[:n], n, want)
	}
}

// TestPubSub exercises the SUB/UNSUB/PUB fan-out line protocol.
func TestPubSub(t *testing.T) {
	l := newRunningLoop(t)
	srv := server.New(l)
	t.Cleanup(srv.Close)

	if err := srv.Start(0, func(c *conn.Connection) {
		c.SetReadCallback(func(c *conn.Connection) int {
			line, ok := c.ReadUntil('\n')
			if !ok {
				return -1
			}
			switch {
			case string(line) == "SUB":
				c.Subscribe()
			case string(line) == "UNSUB":
				c.Unsubscribe()
			case len(line) > 4 && string(line[:4]) == "PUB ":
				c.Broadcast(line[4:])
			}
			return 0
		})
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	port := portString(srv)
	a := dialLine(t, port)
	b := dialLine(t, port)
	c := dialLine(t, port)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	a.Write([]byte("SUB\n"))
	b.Write([]byte("SUB\n"))
	time.Sleep(50 * time.Millisecond) // let SUB land before PUB races it
	c.Write([]byte("PUB hello\n"))

	for _, who := range []net.Conn{a, b} {
		who.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, len("hello"))
		n, err := readFull(who, buf)
		if err != nil {
			t.Fatalf("subscriber did not receive broadcast: %v", err)
		}
		if string(buf[:n]) != "hello" {
			t.Fatalf("subscriber got %q, want %q", buf[:n], "hello")
		}
	}

	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("publisher unexpectedly received data")
	}
}

// TestCoroutineDelayedResponse rehearses the coroutine-delayed-response
// demo at a scaled-down delay (the production demo binary sleeps 5s;
// this asserts the yield-then-sleep mechanism, not the literal timing
// budget) and checks the loop still answers a second, concurrent
// client in the interim.
func TestCoroutineDelayedResponse(t *testing.T) {
	l := newRunningLoop(t)
	srv := server.New(l)
	t.Cleanup(srv.Close)

	const delay = 150 * time.Millisecond
	if err := srv.Start(0, func(c *conn.Connection) {
		c.SetReadCallback(func(c *conn.Connection) int {
			line, ok := c.ReadUntilCRLF()
			if !ok {
				return -1
			}
			if string(line) == "GET /fast" {
				c.Send([]byte("fast\n"))
				return -1
			}
			c.Spawn(func(y *coroutine.Yield) {
				for i := 0; i < 10; i++ {
					if !y.Yield() {
						return
					}
				}
				if !y.Sleep(delay, c.Timer()) {
					return
				}
				c.Send([]byte("delayed\n"))
			})
			return -1
		})
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	port := portString(srv)
	slow := dialLine(t, port)
	defer slow.Close()
	start := time.Now()
	slow.Write([]byte("GET /\r\n"))

	// While the first client's coroutine is suspended, a second client
	// must still get served immediately.
	fast := dialLine(t, port)
	defer fast.Close()
	fast.Write([]byte("GET /fast\r\n"))
	fast.SetReadDeadline(time.Now().Add(delay / 2))
	fastBuf := make([]byte, len("fast\n"))
	if _, err := readFull(fast, fastBuf); err != nil {
		t.Fatalf("second client not served promptly: %v", err)
	}

	// Each Yield waits for the next loop turn, and an idle turn lasts up
	// to the loop's 100ms readiness wait, so the ten yields alone can take
	// about a second before the sleep starts.
	slow.SetReadDeadline(time.Now().Add(2 * time.Second))
	slowBuf := make([]byte, len("delayed\n"))
	if _, err := readFull(slow, slowBuf); err != nil {
		t.Fatalf("delayed response never arrived: %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("response arrived after %v, before the configured delay %v", elapsed, delay)
	}
}

func dialLine(t *testing.T, port string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func portString(srv *server.Server) string {
	return itoa(srv.Port())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
