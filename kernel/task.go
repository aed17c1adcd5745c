package kernel

import (
	"time"

	"github.com/PeterVranken/TRK-USB-MPC5643L-sub001/ctx"
)

// EventMask is the kernel's single 32-bit event space. The low bits are
// reserved for semaphore and mutex events (see Kernel.SemaphoreBit,
// Kernel.MutexBit), the next two for the absolute-deadline and
// delay-counter timer events, and the remaining high bits are free for
// application broadcast events (see Kernel.BroadcastBit). All four
// families are combinable in a single WaitForEvent mask.
type EventMask uint32

// taskState records which list (if any) currently owns a task.
type taskState int

const (
	taskStateReady taskState = iota
	taskStateWaiting
	taskStateTerminated
)

// task is the kernel's internal record for one task slot. It is only
// ever read or written by the run-loop goroutine; task entry functions
// interact with it indirectly through TaskCtx and the request channel.
type task struct {
	idx      int
	priority int

	ctx *ctx.Context

	state taskState

	// events is the bit-vector of events posted to this task but not
	// yet consumed. For semaphore/mutex bits, a set bit also means this
	// task currently holds that unit/ownership.
	events EventMask

	// waitMask/waitAll describe the condition a waiting task is blocked
	// on: waitAll requires every non-timer bit in waitMask to be set
	// (or either timer bit to have fired); otherwise any single bit
	// satisfies the wait. See Kernel.waitSatisfied.
	waitMask EventMask
	waitAll  bool
	waitResp chan switchResult

	// hasDeadline/wakeTick describe the absolute tick at which this
	// task's current wait times out (delay-timer case) or is next due
	// (absolute-timer case from SuspendUntil).
	hasDeadline bool
	wakeTick    uint64

	// deadline is the persistent absolute-timer accumulator used by
	// SuspendUntil: each call adds to it rather than recomputing
	// relative to the current tick, so a task that runs late sees its
	// next deadline fall into the past instead of being granted a
	// fresh full period.
	deadline uint64

	// rrTicks/rrRemaining implement round-robin time-slicing among
	// equal-priority ready tasks, when the kernel is configured with
	// WithRoundRobin(true).
	rrTicks     uint32
	rrRemaining uint32

	// overrun counts how many times this task timed out in a wait or
	// found its SuspendUntil deadline already past. Saturates rather
	// than wrapping.
	overrun uint64

	// readyAt records when this task most recently became ready, so the
	// run-loop can measure dispatch latency when it is actually resumed.
	readyAt time.Time

	stack []byte
}

func (t *task) postEvent(mask EventMask) {
	t.events |= mask
}

func (t *task) incrementOverrun() {
	if t.overrun < ^uint64(0) {
		t.overrun++
	}
}
