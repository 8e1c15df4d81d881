package reactor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/reactorkit/reactorkit/reactor"
	"golang.org/x/sys/unix"
)

type countHandler struct {
	n      int32
	events chan reactor.Event
}

func (h *countHandler) HandleEvent(ev reactor.Event) {
	atomic.AddInt32(&h.n, 1)
	if h.events != nil {
		h.events <- ev
	}
}

func TestLoopDispatchesReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	l, err := reactor.New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	h := &countHandler{events: make(chan reactor.Event, 1)}
	if err := l.Add(fds[0], reactor.Event{Readable: true}, h); err != nil {
		t.Fatalf("Add: %v", err)
	}

	go func() { l.Run() }()
	defer l.Stop()

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-h.events:
		if !ev.Readable {
			t.Fatalf("expected Readable event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestLoopStopReturnsRun(t *testing.T) {
	l, err := reactor.New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	l.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Stop")
	}
}
