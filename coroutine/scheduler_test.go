package coroutine_test

import (
	"testing"
	"time"

	"github.com/reactorkit/reactorkit/coroutine"
)

type countingTask struct {
	stepsLeft int
}

func (c *countingTask) Step() coroutine.StepResult {
	c.stepsLeft--
	if c.stepsLeft <= 0 {
		return coroutine.Finished
	}
	return coroutine.Continue
}

func TestRunOnceIsBoundedByEntryQueueSize(t *testing.T) {
	sched := coroutine.NewScheduler()

	// A task that re-enqueues itself forever must not starve RunOnce: it
	// should only be stepped once per RunOnce call.
	busy := &countingTask{stepsLeft: 1_000_000}
	sched.Spawn(busy)

	sched.RunOnce()

	if busy.stepsLeft != 999_999 {
		t.Fatalf("expected exactly one step per RunOnce, stepsLeft=%d", busy.stepsLeft)
	}
	if sched.Pending() != 1 {
		t.Fatalf("expected the re-enqueued task to wait for next turn, pending=%d", sched.Pending())
	}
}

func TestRunOnceDropsFinishedTasks(t *testing.T) {
	sched := coroutine.NewScheduler()
	sched.Spawn(&countingTask{stepsLeft: 1})
	sched.RunOnce()
	if sched.Pending() != 0 {
		t.Fatalf("expected finished task to be dropped, pending=%d", sched.Pending())
	}
}

func TestSpawnFuncYield(t *testing.T) {
	sched := coroutine.NewScheduler()
	var reached int
	sched.SpawnFunc(func(y *coroutine.Yield) {
		reached = 1
		if !y.Yield() {
			return
		}
		reached = 2
		if !y.Yield() {
			return
		}
		reached = 3
	})

	sched.RunOnce() // starts the goroutine, runs up to first Yield
	if reached != 1 {
		t.Fatalf("expected reached=1 after first RunOnce, got %d", reached)
	}
	sched.RunOnce()
	if reached != 2 {
		t.Fatalf("expected reached=2 after second RunOnce, got %d", reached)
	}
	sched.RunOnce()
	if reached != 3 {
		t.Fatalf("expected reached=3 after third RunOnce, got %d", reached)
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected task to be done, pending=%d", sched.Pending())
	}
}

func TestSpawnFuncCancelAbandonsYield(t *testing.T) {
	sched := coroutine.NewScheduler()
	result := make(chan string, 1)
	task := sched.SpawnFunc(func(y *coroutine.Yield) {
		if !y.Yield() {
			result <- "cancelled"
			return
		}
		result <- "resumed"
	})

	sched.RunOnce() // reach the Yield call
	task.Cancel()

	select {
	case got := <-result:
		if got != "cancelled" {
			t.Fatalf("expected task to observe cancellation, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled task never observed cancellation")
	}
}
