// File: coroutine/task.go
//
// Go has no stackless coroutines, so the promise/awaiter machinery is
// stood in for here by a goroutine gated by an explicit rendezvous:
// exactly one task body runs at a time, and only in response to a Step
// call from Scheduler.RunOnce or Task.Cancel. The goroutine itself
// never does real concurrent work; it is a stand-in for a suspended
// stack frame, and is always blocked waiting on that rendezvous
// between calls.

package coroutine

import "time"

type suspendKind int

const (
	suspendYield suspendKind = iota
	suspendWait
)

// Yield is handed to a spawned function; it is the only way the function
// may suspend itself back to the scheduler.
type Yield struct {
	stepped chan suspendKind
	resume  chan bool // true: continue; false: cancelled, abandon
	task    *Task
}

// timerScheduler is the subset of *timer.Timer a Yield needs. Declared
// here (rather than importing package timer) to avoid a dependency cycle;
// timer.Timer satisfies it.
type timerScheduler interface {
	Schedule(d time.Duration, tok Resumable) (cancel func())
}

// Yield re-enqueues the current task for the next scheduler turn and
// blocks until it is stepped again. It returns false if the task was
// cancelled while suspended; the caller must return immediately without
// further side effects in that case.
func (y *Yield) Yield() bool {
	y.stepped <- suspendYield
	return <-y.resume
}

// Sleep suspends the current task until d has elapsed, resuming it via
// the Timer rather than the immediate next turn. Returns false on
// cancellation, exactly like Yield.
func (y *Yield) Sleep(d time.Duration, t timerScheduler) bool {
	t.Schedule(d, y.task)
	y.stepped <- suspendWait
	return <-y.resume
}

// Task adapts a goroutine-backed coroutine body to the Resumable
// interface expected by Scheduler.
type Task struct {
	y    *Yield
	done bool
}

// SpawnFunc starts a new cooperative task from a plain function. fn runs
// on its own goroutine but only between calls to y.Yield()/y.Sleep(); it
// never runs concurrently with any other task or with the event loop
// itself.
func (s *Scheduler) SpawnFunc(fn func(y *Yield)) *Task {
	t := &Task{}
	y := &Yield{
		stepped: make(chan suspendKind),
		resume:  make(chan bool),
		task:    t,
	}
	t.y = y
	go func() {
		if !<-y.resume {
			close(y.stepped) // cancelled before the task ever ran
			return
		}
		fn(y)
		close(y.stepped)
	}()
	s.Spawn(t)
	return t
}

// Step implements Resumable.
func (t *Task) Step() StepResult {
	if t.done {
		return Finished
	}
	t.y.resume <- true
	kind, ok := <-t.y.stepped
	if !ok {
		t.done = true
		return Finished
	}
	switch kind {
	case suspendWait:
		return Suspended
	default:
		return Continue
	}
}

// Cancel abandons the task: the goroutine is woken with a cancellation
// signal and is expected to return without further side effects. The
// Yield/Sleep call it is suspended in returns false; a task that never
// started does not run its function at all. Cancel blocks until the
// function returns (or calls Yield/Sleep again, which then never
// returns). Safe to call multiple times and safe to call on a task that
// never started or has already finished.
func (t *Task) Cancel() {
	if t.done {
		return
	}
	t.done = true
	t.y.resume <- false
	<-t.y.stepped
}
