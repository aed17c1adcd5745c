package kernel

// TaskCtx is the handle a task's entry function uses to interact with
// the kernel: waiting on events (including semaphore/mutex acquisition,
// which are just event bits), suspending for a fixed delay, and posting
// events. Every method here must only be called from the task's own
// goroutine - calling it on another task's TaskCtx is a programming
// error with undefined scheduling consequences, exactly as issuing
// another task's system call would be on the original hardware.
type TaskCtx struct {
	k   *Kernel
	idx int
}

// Index returns this task's slot index, as supplied to InitTask.
func (t *TaskCtx) Index() int {
	return t.idx
}

// WaitForEvent blocks the calling task until its posted-event
// bit-vector satisfies mask (any bit if all is false, every bit if all
// is true), or until timeout ticks elapse, whichever comes first.
// timeout == 0 means wait indefinitely. mask may combine semaphore bits
// (SemaphoreBit), mutex bits (MutexBit), and application broadcast bits
// (BroadcastBit) in any combination: before blocking, WaitForEvent first
// tries to take every semaphore/mutex bit named in mask immediately, so
// a single call both acquires and blocks as needed. Returns the bits
// that were actually matched and consumes them. The reserved timer bits
// are never returned: a timeout wake returns whichever requested bits
// had already been posted (0 if none had).
func (t *TaskCtx) WaitForEvent(mask EventMask, all bool, timeout uint32) (EventMask, error) {
	if t.idx == t.k.idleIdx {
		return 0, ErrWaitFromIdleTask
	}
	if mask == 0 {
		return 0, ErrInvalidEventMask
	}
	return t.k.call(switchCommand{
		kind:  reqWait,
		task:  t.idx,
		mask:  mask,
		all:   all,
		delta: timeout,
	})
}

// SuspendUntil blocks the calling task for exactly delta system ticks,
// regardless of any posted events. It is equivalent to WaitForEvent
// with only the reserved absolute-timer bit in the mask, except the
// elapsed tick count is measured from a persistent per-task deadline
// rather than from the moment of the call: a task that runs late still
// sees its next deadline fall at the correct phase, accumulating an
// overrun instead of silently drifting. delta == 0 returns immediately.
func (t *TaskCtx) SuspendUntil(delta uint32) (EventMask, error) {
	if t.idx == t.k.idleIdx {
		return 0, ErrWaitFromIdleTask
	}
	return t.k.call(switchCommand{
		kind:  reqSuspendUntil,
		task:  t.idx,
		delta: delta,
	})
}

// SendEvent posts mask on behalf of the calling task, without blocking
// it. A semaphore or mutex bit is handed to the single highest-priority,
// longest-waiting suspended task requesting it (or banked/freed, if
// none is waiting) - this is how a task releases a semaphore unit or a
// mutex it holds. Remaining bits are posted to every task as a broadcast
// event. Releasing a semaphore nobody waits for increments its counter;
// releasing a mutex the caller does not hold is a no-op rather than an
// error.
func (t *TaskCtx) SendEvent(mask EventMask) error {
	if mask == 0 {
		return ErrInvalidEventMask
	}
	// task is set to the caller's own index so handleSendEvent can tell
	// a mutex release from its rightful owner apart from a no-op
	// release by anyone else; no response is awaited (unlike call)
	// because this must not block the caller on its own resume - it is
	// not ceding the CPU and stays the run-loop's "current" task. The
	// send races the task's StopChan so shutdown cannot strand it.
	select {
	case t.k.reqCh <- switchCommand{kind: reqSendEvent, task: t.idx, mask: mask}:
		return nil
	case <-t.k.tasks[t.idx].ctx.StopChan():
		return ErrKernelNotRunning
	}
}

// SemaphoreBit returns the event bit for semaphore i. See Kernel.SemaphoreBit.
func (t *TaskCtx) SemaphoreBit(i int) EventMask {
	return t.k.SemaphoreBit(i)
}

// MutexBit returns the event bit for mutex i. See Kernel.MutexBit.
func (t *TaskCtx) MutexBit(i int) EventMask {
	return t.k.MutexBit(i)
}

// BroadcastBit returns application event bit i. See Kernel.BroadcastBit.
func (t *TaskCtx) BroadcastBit(i int) EventMask {
	return t.k.BroadcastBit(i)
}
