package kernel

import (
	"context"
	"time"

	"github.com/PeterVranken/TRK-USB-MPC5643L-sub001/ctx"
	catrate "github.com/joeycumines/go-catrate"
)

// Kernel is a preemptive, priority-based scheduler over a fixed table
// of tasks. All scheduling decisions are made on a single goroutine
// (see Run); everything else interacts with it over channels.
type Kernel struct {
	cfg *config

	state *fastState

	tasks []task
	ready []*readyList
	susp  *suspendedList

	semaphores []semaphore
	mutexes    []mutex

	// semBase/mtxBase are the bit offsets of the semaphore and mutex
	// banks within EventMask. timerAbsBit/timerDelayBit are the two
	// reserved timer bits immediately above the mutex bank (the
	// absolute-deadline bit SuspendUntil uses, and the delay-counter
	// bit WaitForEvent's timeout uses); broadcastBase is the first free
	// bit above them, available to application code via BroadcastBit.
	semBase       int
	mtxBase       int
	timerAbsBit   EventMask
	timerDelayBit EventMask
	timerMask     EventMask
	broadcastBase int

	irq *irqTable

	reqCh chan switchCommand

	// deferred and wakeCh back PostCallback: any goroutine may enqueue a
	// function to run on the run-loop, serialized with every other
	// scheduling decision.
	deferred *deferredRing
	wakeCh   chan struct{}

	logger  Logger
	metrics *Metrics
	tps     *tpsCounter

	overrunLimiter *catrate.Limiter

	currentTick uint64
	idleIdx     int
	current     int

	stopTicking func()
}

// New constructs a Kernel per the supplied options. WithTaskCount is
// required. The returned Kernel is in StateCreated; call Run to start
// scheduling.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	semBase := 0
	mtxBase := cfg.semaphoreCount
	timerBase := cfg.semaphoreCount + cfg.mutexCount
	broadcastBase := timerBase + 2
	if broadcastBase > 32 {
		return nil, WrapError("New", ErrInvalidEventMask)
	}

	k := &Kernel{
		cfg:           cfg,
		state:         newFastState(),
		tasks:         make([]task, cfg.taskCount+1), // +1 for the idle task
		ready:         make([]*readyList, cfg.priorityCount),
		susp:          newSuspendedList(cfg.taskCount + 1),
		semBase:       semBase,
		mtxBase:       mtxBase,
		timerAbsBit:   EventMask(1) << uint(timerBase),
		timerDelayBit: EventMask(1) << uint(timerBase+1),
		broadcastBase: broadcastBase,
		irq:           newIRQTable(),
		reqCh:         make(chan switchCommand),
		deferred:      newDeferredRing(),
		wakeCh:        make(chan struct{}, 1),
		logger:        cfg.logger,
	}
	k.timerMask = k.timerAbsBit | k.timerDelayBit
	for i := range k.ready {
		k.ready[i] = newReadyList(cfg.maxReadyPerClass)
	}
	if cfg.semaphoreCount > 0 {
		k.semaphores = newSemaphoreBank(cfg.semaphoreCount)
	}
	if cfg.mutexCount > 0 {
		k.mutexes = newMutexBank(cfg.mutexCount)
	}
	if cfg.metricsEnabled {
		k.metrics = &Metrics{}
		k.tps = newTPSCounter(10*time.Second, time.Second)
	}

	// Throttle repeated overrun/diagnostic log lines to at most 5 per
	// second per task, so a persistently-overrunning task cannot flood
	// the log.
	k.overrunLimiter = catrate.NewLimiter(map[time.Duration]int{time.Second: 5})

	k.idleIdx = len(k.tasks) - 1
	idleStack := make([]byte, 256)
	idleCtx, err := ctx.New(func(any) { k.idleLoop() }, nil, idleStack, ctx.WithLabel("idle"))
	if err != nil {
		return nil, err
	}
	k.tasks[k.idleIdx] = task{idx: k.idleIdx, priority: -1, ctx: idleCtx, state: taskStateReady, stack: idleStack}

	// The system timer's interrupt handler runs synchronously on the
	// run-loop goroutine (see handleTick), so there is no cross-goroutine
	// handoff to make here: it updates tps directly rather than through
	// a deferred bottom half.
	if err := k.irq.InstallHandler(SystemTimerVector, 0, false, true, func() {
		if k.tps != nil {
			k.tps.increment()
		}
	}); err != nil {
		return nil, err
	}

	return k, nil
}

// SemaphoreBit returns the event bit representing semaphore i's
// release/unit-available signal, for use in a WaitForEvent mask or a
// SendEvent release. Returns 0 if i is outside the configured
// semaphore count.
func (k *Kernel) SemaphoreBit(i int) EventMask {
	if i < 0 || i >= len(k.semaphores) {
		return 0
	}
	return EventMask(1) << uint(k.semBase+i)
}

// MutexBit returns the event bit representing mutex i's
// ownership/release signal. Returns 0 if i is outside the configured
// mutex count.
func (k *Kernel) MutexBit(i int) EventMask {
	if i < 0 || i >= len(k.mutexes) {
		return 0
	}
	return EventMask(1) << uint(k.mtxBase+i)
}

// BroadcastBit returns the i'th application event bit, drawn from the
// bits left over once the configured semaphore/mutex banks and the two
// reserved timer bits are accounted for. Returns 0 if i does not name a
// bit within the 32-bit EventMask.
func (k *Kernel) BroadcastBit(i int) EventMask {
	if i < 0 || k.broadcastBase+i >= 32 {
		return 0
	}
	return EventMask(1) << uint(k.broadcastBase+i)
}

// InitTask installs the task at idx with the given entry point,
// priority, and logical stack budget. idx must be in [0, taskCount).
// startMask/startAll/startTimeout describe the task's initial wait
// condition exactly as WaitForEvent would; pass a zero mask to have the
// task start immediately ready. rrTicks, if non-zero, overrides the
// kernel-wide round-robin slice length for this task specifically.
func (k *Kernel) InitTask(idx int, entry func(*TaskCtx), priority int, stack []byte, startMask EventMask, startAll bool, startTimeout uint32, rrTicks uint32) error {
	if idx < 0 || idx >= k.idleIdx {
		return WrapTaskError("InitTask", idx, ErrTaskIndexOutOfRange)
	}
	if priority < 0 || priority >= k.cfg.priorityCount {
		return WrapTaskError("InitTask", idx, ErrPriorityOutOfRange)
	}
	if entry == nil {
		return WrapTaskError("InitTask", idx, ErrInvalidEventMask)
	}

	tc := &TaskCtx{k: k, idx: idx}
	var c *ctx.Context
	wrapped := func(any) {
		entry(tc)
		select {
		case k.reqCh <- switchCommand{kind: reqTerminate, task: idx}:
		case <-c.StopChan():
		}
	}

	var err error
	c, err = ctx.New(wrapped, nil, stack)
	if err != nil {
		return WrapTaskError("InitTask", idx, err)
	}

	t := task{
		idx:      idx,
		priority: priority,
		ctx:      c,
		stack:    stack,
		rrTicks:  rrTicks,
	}
	if rrTicks == 0 {
		t.rrTicks = boolToTicks(k.cfg.roundRobin)
	}

	if startMask != 0 {
		t.state = taskStateWaiting
		t.waitMask = startMask
		t.waitAll = startAll
		if startTimeout > 0 {
			timeout := startTimeout
			if timeout < ^uint32(0) {
				timeout++
			}
			t.waitMask |= k.timerDelayBit
			t.hasDeadline = true
			t.wakeTick = uint64(timeout)
		}
		k.susp.add(idx, priority)
	} else {
		t.state = taskStateReady
		t.rrRemaining = t.rrTicks
	}

	k.tasks[idx] = t
	return nil
}

func boolToTicks(rr bool) uint32 {
	if rr {
		return 1
	}
	return 0
}

// Run starts the run-loop and blocks until ctx is canceled or Stop is
// called. It is an error to call Run more than once.
func (k *Kernel) Run(parent context.Context) error {
	if !k.state.TryTransition(StateCreated, StateRunning) {
		return ErrKernelAlreadyRunning
	}
	defer k.state.Store(StateStopped)

	for i := range k.tasks {
		k.tasks[i].ctx.StartOnTheFly()
	}
	for i := range k.tasks {
		t := &k.tasks[i]
		if t.state == taskStateReady && i != k.idleIdx {
			t.readyAt = time.Now()
			if !k.ready[t.priority].push(i) {
				k.terminateAll()
				return WrapTaskError("Run", i, ErrReadyListFull)
			}
		}
	}

	if k.cfg.setupAfterKernelInit != nil {
		if err := k.cfg.setupAfterKernelInit(k); err != nil {
			k.terminateAll()
			return WrapError("setupAfterKernelInit", err)
		}
	}

	k.stopTicking = k.startTicking()
	defer k.stopTicking()

	if k.cfg.setupAfterSystemTimer != nil {
		if err := k.cfg.setupAfterSystemTimer(k); err != nil {
			k.terminateAll()
			return WrapError("setupAfterSystemTimer", err)
		}
	}

	k.current = -1
	k.schedule()

	for {
		select {
		case <-parent.Done():
			k.terminateAll()
			return parent.Err()
		case <-k.wakeCh:
			k.deferred.drainAll()
		case cmd := <-k.reqCh:
			if cmd.kind == reqStop {
				k.terminateAll()
				if cmd.resp != nil {
					cmd.resp <- switchResult{}
				}
				return nil
			}
			// Only a command that actually parks the calling task's
			// goroutine (it is blocked in call(), or in idleLoop's
			// yield) warrants rescheduling once handled. reqSendEvent
			// from a task is fire-and-forget: the caller keeps running
			// and must not be displaced as "current" mid-stride.
			reschedule := cmd.task != -1 && cmd.task == k.current &&
				(cmd.kind == reqWait || cmd.kind == reqSuspendUntil || cmd.kind == reqTerminate || cmd.kind == reqYield)
			k.handle(cmd)
			if reschedule {
				k.schedule()
			}
		}
	}
}

// Stop requests the run-loop terminate all tasks and return from Run.
// Safe to call from any goroutine.
func (k *Kernel) Stop(parent context.Context) error {
	if k.state.Load() != StateRunning {
		return ErrKernelNotRunning
	}
	resp := make(chan switchResult, 1)
	select {
	case k.reqCh <- switchCommand{kind: reqStop, task: -1, resp: resp}:
	case <-parent.Done():
		return parent.Err()
	}
	select {
	case <-resp:
		return nil
	case <-parent.Done():
		return parent.Err()
	}
}

func (k *Kernel) terminateAll() {
	for i := range k.tasks {
		k.tasks[i].ctx.Terminate()
	}
}

// SendEvent posts mask to every bit it addresses. A semaphore bit is
// handed to the single highest-priority, longest-waiting suspended task
// requesting it (or banked, if none is waiting). Mutex bits are dropped
// here: only the owning task can release a mutex, through
// TaskCtx.SendEvent. Remaining bits are posted to every task, waking any whose wait
// condition becomes satisfied. Safe to call from any goroutine,
// including outside the kernel entirely.
func (k *Kernel) SendEvent(mask EventMask) error {
	if k.state.Load() != StateRunning {
		return ErrKernelNotRunning
	}
	if mask == 0 {
		return ErrInvalidEventMask
	}
	k.submit(switchCommand{kind: reqSendEvent, task: -1, mask: mask})
	return nil
}

// SystemTick advances the kernel's internal tick counter by one,
// waking any task whose timeout or suspend deadline has elapsed.
// Idempotent delivery under IrregularTick is safe: each call still only
// advances the counter by exactly one tick.
func (k *Kernel) SystemTick() {
	if k.state.Load() != StateRunning {
		return
	}
	k.submit(switchCommand{kind: reqTick, task: -1})
}

// PostCallback schedules fn to run on the run-loop goroutine, serialized
// with every task's system calls and every tick. Safe to call from any
// goroutine, including outside the kernel entirely; useful for host code
// that needs to inspect or mutate kernel-adjacent state (e.g. a
// simulated external interrupt source) without racing the scheduler.
func (k *Kernel) PostCallback(fn func()) error {
	if k.state.Load() != StateRunning {
		return ErrKernelNotRunning
	}
	k.deferred.push(fn)
	select {
	case k.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// TaskOverrunCount returns how many times task idx has timed out in a
// wait or found its SuspendUntil deadline already past. If reset is
// true, the counter is cleared after reading.
func (k *Kernel) TaskOverrunCount(idx int, reset bool) (uint64, error) {
	if idx < 0 || idx >= k.idleIdx {
		return 0, WrapTaskError("TaskOverrunCount", idx, ErrTaskIndexOutOfRange)
	}
	t := &k.tasks[idx]
	n := t.overrun
	if reset {
		t.overrun = 0
	}
	return n, nil
}

// StackReserve returns the untouched portion of task idx's logical
// stack budget, per the paint-and-probe mechanism in package ctx.
func (k *Kernel) StackReserve(idx int) (int, error) {
	if idx < 0 || idx >= k.idleIdx {
		return 0, WrapTaskError("StackReserve", idx, ErrTaskIndexOutOfRange)
	}
	return ctx.Probe(k.tasks[idx].stack), nil
}

// Metrics returns a snapshot of the kernel's runtime statistics. Only
// meaningful if WithMetrics(true) was supplied to New; otherwise every
// field is zero. The returned value is assembled from each sub-metric's
// snapshot, so it shares no lock with the kernel's live metrics; its own
// mutex fields are fresh zero values (go vet's copylocks check still
// reports the by-value return).
func (k *Kernel) Metrics() Metrics {
	if k.metrics == nil {
		return Metrics{}
	}
	k.metrics.mu.Lock()
	snap := Metrics{
		Dispatch:       k.metrics.Dispatch.snapshot(),
		Ready:          k.metrics.Ready.snapshot(),
		Suspended:      k.metrics.Suspended.snapshot(),
		TicksPerSecond: k.metrics.TicksPerSecond,
	}
	k.metrics.mu.Unlock()
	return snap
}
