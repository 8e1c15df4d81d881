// File: reactor/reactor.go
//
// Loop is the single-threaded event loop: one epoll instance, a
// handler-descriptor dispatch table keyed by fd, and the
// CooperativeScheduler/Timer pair it drives after every readiness
// batch. Grounded on reactor/epoll_reactor.go's epollReactor:
// Register/Unregister/Poll/Close become Add/Modify/Remove/Run/Stop, and
// the callback-on-panic recovery discipline is kept, but dispatch goes
// through a Handler interface keyed in a plain map rather than a
// sync.Map of closures, since a single-threaded loop has no need for
// sync.Map's concurrency safety.
//
// Linux-only: the low-level epoll syscalls live in epoll_linux.go.

package reactor

import (
	"fmt"
	"time"

	"github.com/reactorkit/reactorkit/coroutine"
	"github.com/reactorkit/reactorkit/internal/xlog"
	"github.com/reactorkit/reactorkit/timer"
)

// Event describes readiness on a single fd. Fields mirror the EPOLL*
// bitmask epollReactor translates at the call site.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	PeerHup  bool
	Hup      bool
	Err      bool
}

// Handler is resolved from a Loop's fd table and invoked once per
// readiness batch entry. It stands in for original_source's
// object-pointer + trampoline-function pair.
type Handler interface {
	HandleEvent(ev Event)
}

// waitTimeout bounds how long a single Run iteration blocks in the
// readiness wait.
const waitTimeout = 100 * time.Millisecond

// maxEventsPerWait bounds how many ready fds a single epoll_wait call
// returns.
const maxEventsPerWait = 1024

// Loop owns one epoll instance, the fd->Handler dispatch table, and the
// cooperative scheduler and timer it drives. Not safe for concurrent
// use: every method is expected to run on the goroutine that calls Run,
// except Stop.
type Loop struct {
	epfd    int
	handler map[int]Handler
	sched   *coroutine.Scheduler
	tmr     *timer.Timer
	log     xlog.Logger
	stop    chan struct{}
	stopped bool
}

// New creates a Loop with a fresh epoll instance, scheduler, and timer.
func New(log xlog.Logger) (*Loop, error) {
	epfd, err := epollCreate()
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll create: %w", err)
	}
	if log == nil {
		log = xlog.Discard()
	}
	sched := coroutine.NewScheduler()
	l := &Loop{
		epfd:    epfd,
		handler: make(map[int]Handler),
		sched:   sched,
		tmr:     timer.New(sched),
		log:     log,
		stop:    make(chan struct{}),
	}
	return l, nil
}

// Scheduler returns the cooperative scheduler driven by this loop.
func (l *Loop) Scheduler() *coroutine.Scheduler { return l.sched }

// Timer returns the timer driven by this loop.
func (l *Loop) Timer() *timer.Timer { return l.tmr }

// Add registers fd for the readiness set described by want and binds h
// as its handler.
func (l *Loop) Add(fd int, want Event, h Handler) error {
	if err := epollCtlAdd(l.epfd, fd, want); err != nil {
		return fmt.Errorf("reactor: add fd %d: %w", fd, err)
	}
	l.handler[fd] = h
	return nil
}

// Modify changes the readiness set watched for fd without touching its
// handler binding.
func (l *Loop) Modify(fd int, want Event) error {
	if err := epollCtlMod(l.epfd, fd, want); err != nil {
		return fmt.Errorf("reactor: modify fd %d: %w", fd, err)
	}
	return nil
}

// SetHandler repoints an already-registered fd's dispatch entry at h,
// without touching the epoll registration itself. Used when one
// component (Connector) hands an fd off to another (Connection) after
// its own role is done.
func (l *Loop) SetHandler(fd int, h Handler) {
	l.handler[fd] = h
}

// Remove stops watching fd and drops its handler binding. Safe to call
// on an fd that was never added.
func (l *Loop) Remove(fd int) error {
	delete(l.handler, fd)
	if err := epollCtlDel(l.epfd, fd); err != nil {
		return fmt.Errorf("reactor: remove fd %d: %w", fd, err)
	}
	return nil
}

// Run blocks, alternating readiness waits with scheduler/timer ticks,
// until Stop is called. A non-EINTR wait error is logged and the loop
// continues; only Stop ends it.
func (l *Loop) Run() error {
	var events [maxEventsPerWait]epollEvent
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		n, err := epollWait(l.epfd, events[:], waitTimeout)
		if err != nil {
			if isEINTR(err) {
				continue
			}
			l.log.Error("reactor: epoll wait failed", "err", err)
			continue
		}

		for i := 0; i < n; i++ {
			ev := decodeEvent(events[i])
			h, ok := l.handler[ev.Fd]
			if !ok {
				continue
			}
			l.dispatch(h, ev)
		}

		l.sched.RunOnce()
		l.tmr.RunOnce()
	}
}

// dispatch invokes h with recovery, matching epoll_reactor.go's Poll
// recover-and-continue discipline.
func (l *Loop) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("reactor: handler panic", "fd", ev.Fd, "panic", r)
		}
	}()
	h.HandleEvent(ev)
}

// Stop asks Run to return after its current iteration. Safe to call
// once; safe to call from any goroutine.
func (l *Loop) Stop() {
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
}

// Close releases the epoll descriptor. Call after Run has returned.
func (l *Loop) Close() error {
	if err := epollClose(l.epfd); err != nil {
		return fmt.Errorf("reactor: close: %w", err)
	}
	return nil
}
