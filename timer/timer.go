// File: timer/timer.go
//
// Timer is a deadline-ordered collection of (deadline, resumable) pairs.
// One RunOnce per loop iteration moves every entry whose deadline has
// passed over to the CooperativeScheduler's ready queue. Ordering is by
// container/heap, grounded on internal/concurrency/scheduler.go's own
// deadline-priority queue, which uses the same package for the same
// purpose.

package timer

import (
	"container/heap"
	"time"

	"github.com/reactorkit/reactorkit/coroutine"
)

type entry struct {
	deadline time.Time
	seq      int64 // breaks ties by insertion order
	tok      coroutine.Resumable
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Timer is a per-loop priority-ordered set of pending wakeups, threaded
// explicitly into the owning Loop rather than reached through a package
// singleton. It is not safe for concurrent use; it is only ever driven
// from the event-loop goroutine.
type Timer struct {
	sched *coroutine.Scheduler
	h     entryHeap
	seq   int64
	now   func() time.Time
}

// New creates a Timer bound to sched: RunOnce resumes due tokens on
// sched.
func New(sched *coroutine.Scheduler) *Timer {
	return &Timer{sched: sched, now: time.Now}
}

// Schedule inserts (now+d, tok) into the heap. It returns a cancel
// function; calling it before the deadline fires prevents tok from ever
// being resumed by this entry (a no-op if it already fired).
func (t *Timer) Schedule(d time.Duration, tok coroutine.Resumable) (cancel func()) {
	e := &entry{deadline: t.now().Add(d), seq: t.seq, tok: tok}
	t.seq++
	heap.Push(&t.h, e)
	return func() {
		if e.index < 0 || e.index >= len(t.h) || t.h[e.index] != e {
			return
		}
		heap.Remove(&t.h, e.index)
	}
}

// RunOnce moves every entry whose deadline has passed to the
// cooperative scheduler's ready queue.
func (t *Timer) RunOnce() {
	now := t.now()
	for t.h.Len() > 0 && !t.h[0].deadline.After(now) {
		e := heap.Pop(&t.h).(*entry)
		t.sched.Resume(e.tok)
	}
}

// Pending reports how many wakeups are still outstanding. Exposed for
// tests and diagnostics only.
func (t *Timer) Pending() int {
	return t.h.Len()
}
