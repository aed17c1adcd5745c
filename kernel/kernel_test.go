package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runFor(t *testing.T, k *Kernel, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := k.Run(ctx)
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("Run: %v", err)
	}
}

func TestInitTaskRejectsBadIndex(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	err = k.InitTask(5, func(*TaskCtx) {}, 0, make([]byte, 64), 0, false, 0, 0)
	require.ErrorIs(t, err, ErrTaskIndexOutOfRange)
}

func TestInitTaskRejectsBadPriority(t *testing.T) {
	k, err := New(WithTaskCount(1), WithPriorityCount(2))
	require.NoError(t, err)
	err = k.InitTask(0, func(*TaskCtx) {}, 5, make([]byte, 64), 0, false, 0, 0)
	require.ErrorIs(t, err, ErrPriorityOutOfRange)
}

// TestSingleTaskRuns exercises a single regular task that waits for an
// event, then terminates once it observes it.
func TestSingleTaskRuns(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	done := make(chan EventMask, 1)
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		mask, err := tc.WaitForEvent(evA, false, 0)
		if err != nil {
			t.Errorf("WaitForEvent: %v", err)
		}
		done <- mask
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- k.Run(parent) }()

	// Give the run-loop a moment to start the idle/task goroutines and
	// park the task on its wait.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, k.SendEvent(evA))

	select {
	case mask := <-done:
		require.Equal(t, evA, mask)
	case <-time.After(time.Second):
		t.Fatal("task never observed event")
	}

	require.NoError(t, k.Stop(context.Background()))
	<-runErrCh
}

// TestPriorityPreemption verifies that when a low-priority and a
// high-priority task are both ready at start, the higher-priority one
// is dispatched first.
func TestPriorityPreemption(t *testing.T) {
	k, err := New(WithTaskCount(2), WithPriorityCount(4))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	var order []int
	recorded := make(chan struct{})

	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		order = append(order, 0)
		tc.WaitForEvent(evA, false, 0)
		order = append(order, 0)
		close(recorded)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	require.NoError(t, k.InitTask(1, func(tc *TaskCtx) {
		order = append(order, 1)
	}, 3, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	select {
	case <-recorded:
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(t, k.Stop(context.Background()))

	require.NotEmpty(t, order)
	if order[0] != 1 {
		t.Fatalf("expected highest-priority task 1 to run first, got order %v", order)
	}
}

// TestMutexMutualExclusion has two equal-priority tasks contend for one
// mutex through WaitForEvent/SendEvent. Under the cooperative scheduling
// model the first task to reach InitTask's ready list runs to its first
// blocking point before the second is ever dispatched, so this checks
// ownership is still exclusive and release actually clears it for the
// next acquirer.
func TestMutexMutualExclusion(t *testing.T) {
	k, err := New(WithTaskCount(2), WithMutexes(1))
	require.NoError(t, err)
	mtx := k.MutexBit(0)

	var trace []string
	release := make(chan struct{})
	bothDone := make(chan struct{})
	var doneCount int

	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		_, err := tc.WaitForEvent(mtx, true, 0)
		require.NoError(t, err)
		trace = append(trace, "0-acquired")
		<-release
		trace = append(trace, "0-releasing")
		require.NoError(t, tc.SendEvent(mtx))
		doneCount++
		if doneCount == 2 {
			close(bothDone)
		}
	}, 0, make([]byte, 64), 0, false, 0, 0))

	require.NoError(t, k.InitTask(1, func(tc *TaskCtx) {
		_, err := tc.WaitForEvent(mtx, true, 0)
		require.NoError(t, err)
		trace = append(trace, "1-acquired")
		require.NoError(t, tc.SendEvent(mtx))
		doneCount++
		if doneCount == 2 {
			close(bothDone)
		}
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-bothDone:
	case <-time.After(time.Second):
		t.Fatal("tasks never both completed")
	}

	require.NoError(t, k.Stop(context.Background()))
	require.Equal(t, "0-acquired", trace[0])
}

// TestMutexReleaseGoesToHighestPriorityWaiter is the cross-priority
// contention case mutual-exclusion alone cannot expose: two tasks of
// different priority both block waiting for the same mutex, the
// lower-priority one registering its wait first. The release must still
// go to the higher-priority waiter, not whoever asked first.
func TestMutexReleaseGoesToHighestPriorityWaiter(t *testing.T) {
	k, err := New(WithTaskCount(3), WithPriorityCount(4), WithMutexes(1))
	require.NoError(t, err)
	mtx := k.MutexBit(0)
	goLow := k.BroadcastBit(0)
	goHigh := k.BroadcastBit(1)
	releaseOwner := k.BroadcastBit(2)

	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	// priority 0: the only task ready at start, so it acquires first; it
	// then starts the lower-priority waiter and parks, still holding the
	// mutex, until told to release.
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		_, err := tc.WaitForEvent(mtx, true, 0)
		require.NoError(t, err)
		record("owner-acquired")
		require.NoError(t, tc.SendEvent(goLow))
		_, err = tc.WaitForEvent(releaseOwner, false, 0)
		require.NoError(t, err)
		require.NoError(t, tc.SendEvent(mtx))
	}, 0, make([]byte, 64), 0, false, 0, 0))

	// priority 1 (lower): joins the wait queue first, then starts the
	// higher-priority waiter, which runs once this one has parked.
	require.NoError(t, k.InitTask(1, func(tc *TaskCtx) {
		require.NoError(t, tc.SendEvent(goHigh))
		_, err := tc.WaitForEvent(mtx, true, 0)
		if errors.Is(err, ErrKernelNotRunning) {
			return // unwound by Stop while still waiting
		}
		require.NoError(t, err)
		record("low-acquired")
	}, 1, make([]byte, 64), goLow, false, 0, 0))

	// priority 2 (higher): joins the wait queue second, then tells the
	// owner to release.
	require.NoError(t, k.InitTask(2, func(tc *TaskCtx) {
		require.NoError(t, tc.SendEvent(releaseOwner))
		_, err := tc.WaitForEvent(mtx, true, 0)
		require.NoError(t, err)
		record("high-acquired")
	}, 2, make([]byte, 64), goHigh, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, k.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"owner-acquired", "high-acquired"}, trace)
}

// TestSemaphoreCounting verifies a wait for a semaphore bit blocks until
// a unit is posted via SendEvent.
func TestSemaphoreCounting(t *testing.T) {
	k, err := New(WithTaskCount(1), WithSemaphores(1))
	require.NoError(t, err)
	sem := k.SemaphoreBit(0)

	acquired := make(chan struct{})
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		_, err := tc.WaitForEvent(sem, true, 0)
		require.NoError(t, err)
		close(acquired)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	select {
	case <-acquired:
		t.Fatal("semaphore acquired before any unit was posted")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, k.SendEvent(sem))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("semaphore never acquired after release")
	}

	require.NoError(t, k.Stop(context.Background()))
}

// TestSemaphoreReleaseGoesToHighestPriorityWaiter mirrors the mutex
// cross-priority case for a counting semaphore: release must go to the
// highest-priority waiter, regardless of arrival order.
func TestSemaphoreReleaseGoesToHighestPriorityWaiter(t *testing.T) {
	k, err := New(WithTaskCount(2), WithPriorityCount(4), WithSemaphores(1))
	require.NoError(t, err)
	sem := k.SemaphoreBit(0)
	goHigh := k.BroadcastBit(0)

	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	// priority 0 (lower): the only task ready at start; joins the wait
	// queue first, then starts the higher-priority waiter, which runs
	// once this one has parked.
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		require.NoError(t, tc.SendEvent(goHigh))
		_, err := tc.WaitForEvent(sem, true, 0)
		if errors.Is(err, ErrKernelNotRunning) {
			return // unwound by Stop while still waiting
		}
		require.NoError(t, err)
		record("low-acquired")
	}, 0, make([]byte, 64), 0, false, 0, 0))

	// priority 2 (higher): joins the wait queue second.
	require.NoError(t, k.InitTask(1, func(tc *TaskCtx) {
		_, err := tc.WaitForEvent(sem, true, 0)
		require.NoError(t, err)
		record("high-acquired")
	}, 2, make([]byte, 64), goHigh, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, k.SendEvent(sem))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, k.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high-acquired"}, trace)
}

// TestWaitTimeoutOverrun verifies a task that times out waiting for an
// event it never receives increments its overrun counter and wakes with
// a zero mask (the reserved delay-timer bit that actually fired is never
// exposed to the caller).
func TestWaitTimeoutOverrun(t *testing.T) {
	k, err := New(WithTaskCount(1), WithTickPeriod(time.Millisecond))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	result := make(chan EventMask, 1)
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		mask, err := tc.WaitForEvent(evA, false, 5)
		require.NoError(t, err)
		result <- mask
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	select {
	case mask := <-result:
		require.Zero(t, mask)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("task never timed out")
	}

	n, err := k.TaskOverrunCount(0, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	require.NoError(t, k.Stop(context.Background()))
}

// TestSuspendUntilOverrun verifies a periodic task whose body runs
// longer than its requested period accumulates overrun, per
// SuspendUntil's persistent-deadline accounting.
func TestSuspendUntilOverrun(t *testing.T) {
	k, err := New(WithTaskCount(1), WithTickPeriod(time.Millisecond))
	require.NoError(t, err)

	bodyStarted := make(chan struct{}, 8)
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		for i := 0; i < 3; i++ {
			bodyStarted <- struct{}{}
			// A period-2 task whose body itself runs for about 7 ticks
			// (1ms each): by the time it asks to suspend until the next
			// period, that period has already elapsed.
			time.Sleep(7 * time.Millisecond)
			tc.SuspendUntil(2)
		}
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	for i := 0; i < 3; i++ {
		select {
		case <-bodyStarted:
		case <-time.After(time.Second):
			t.Fatal("task body never ran")
		}
	}
	time.Sleep(50 * time.Millisecond)

	n, err := k.TaskOverrunCount(0, false)
	require.NoError(t, err)
	require.Greater(t, n, uint64(0))

	require.NoError(t, k.Stop(context.Background()))
}

// TestRoundRobinRotation configures two equal-priority round-robin
// tasks, each suspending for one tick per iteration, and checks that
// both get a turn rather than one starving the other.
func TestRoundRobinRotation(t *testing.T) {
	k, err := New(WithTaskCount(2), WithRoundRobin(true), WithTickPeriod(time.Millisecond))
	require.NoError(t, err)

	seen := make(chan int, 16)
	mkEntry := func(idx int) func(*TaskCtx) {
		return func(tc *TaskCtx) {
			for i := 0; i < 3; i++ {
				select {
				case seen <- idx:
				default:
				}
				tc.SuspendUntil(1)
			}
		}
	}
	require.NoError(t, k.InitTask(0, mkEntry(0), 0, make([]byte, 64), 0, false, 0, 1))
	require.NoError(t, k.InitTask(1, mkEntry(1), 0, make([]byte, 64), 0, false, 0, 1))

	runFor(t, k, 200*time.Millisecond)
	close(seen)

	distinct := map[int]bool{}
	for v := range seen {
		distinct[v] = true
	}
	require.Len(t, distinct, 2)
}

func TestStackReserve(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	stack := make([]byte, 128)
	started := make(chan struct{})
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		close(started)
		tc.WaitForEvent(evA, false, 0)
	}, 0, stack, 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}

	n, err := k.StackReserve(0)
	require.NoError(t, err)
	require.Equal(t, len(stack), n)

	require.NoError(t, k.Stop(context.Background()))
}

func TestSetupCallbacksRunInOrder(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	var order []string
	k.cfg.setupAfterKernelInit = func(*Kernel) error {
		order = append(order, "after-init")
		return nil
	}
	k.cfg.setupAfterSystemTimer = func(*Kernel) error {
		order = append(order, "after-timer")
		return nil
	}
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		tc.WaitForEvent(evA, false, 0)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	runFor(t, k, 50*time.Millisecond)

	require.Equal(t, []string{"after-init", "after-timer"}, order)
}

func TestIdleLoopCallbackInvoked(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	calls := make(chan struct{}, 1)
	k.cfg.idleLoop = func() {
		select {
		case calls <- struct{}{}:
		default:
		}
	}
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		tc.WaitForEvent(evA, false, 0)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)

	select {
	case <-calls:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("idle loop callback never invoked")
	}

	require.NoError(t, k.Stop(context.Background()))
}

func TestPostCallbackRunsOnRunLoop(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		tc.WaitForEvent(evA, false, 0)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)
	time.Sleep(20 * time.Millisecond)

	observed := make(chan uint64, 1)
	require.NoError(t, k.PostCallback(func() {
		observed <- k.currentTick
	}))

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("PostCallback never ran")
	}

	require.NoError(t, k.Stop(context.Background()))
}

func TestMetricsDispatchLatency(t *testing.T) {
	k, err := New(WithTaskCount(1), WithMetrics(true))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		tc.WaitForEvent(evA, false, 0)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go k.Run(parent)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, k.SendEvent(evA))
	time.Sleep(20 * time.Millisecond)

	m := k.Metrics()
	require.GreaterOrEqual(t, m.TicksPerSecond, float64(0))

	require.NoError(t, k.Stop(context.Background()))
}

func TestStopIsSafeBeforeRun(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	err = k.Stop(context.Background())
	require.ErrorIs(t, err, ErrKernelNotRunning)
}

// TestStopUnparksTaskBlockedInSystemCall is a regression test for the
// deadlock that call and idleLoop could previously hit: Stop must be
// able to unwind a task parked indefinitely in WaitForEvent without the
// run-loop or the task goroutine hanging.
func TestStopUnparksTaskBlockedInSystemCall(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)

	returned := make(chan error, 1)
	started := make(chan struct{})
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		close(started)
		_, err := tc.WaitForEvent(evA, false, 0)
		returned <- err
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- k.Run(parent) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}
	time.Sleep(10 * time.Millisecond)

	stopDone := make(chan error, 1)
	go func() { stopDone <- k.Stop(context.Background()) }()

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop never returned: deadlock")
	}

	select {
	case err := <-returned:
		require.ErrorIs(t, err, ErrKernelNotRunning)
	case <-time.After(time.Second):
		t.Fatal("blocked task never unparked")
	}

	<-runErrCh
}

func TestRunTwiceIsRejected(t *testing.T) {
	k, err := New(WithTaskCount(1))
	require.NoError(t, err)
	evA := k.BroadcastBit(0)
	require.NoError(t, k.InitTask(0, func(tc *TaskCtx) {
		tc.WaitForEvent(evA, false, 0)
	}, 0, make([]byte, 64), 0, false, 0, 0))

	parent, cancel := context.WithCancel(context.Background())
	go k.Run(parent)
	time.Sleep(20 * time.Millisecond)

	err = k.Run(context.Background())
	require.ErrorIs(t, err, ErrKernelAlreadyRunning)

	cancel()
}
