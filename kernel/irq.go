package kernel

import "sync"

// HandlerFunc is an interrupt handler body. It runs synchronously on
// whichever goroutine calls InvokeHandler (for the system timer, the
// run-loop goroutine inside handleTick) and must not block.
type HandlerFunc func()

// handlerEntry records one installed interrupt handler.
type handlerEntry struct {
	vector       int
	priority     int
	preemptable  bool
	isKernel     bool
	handler      HandlerFunc
}

// irqTable is the IRQ vector registry: the Go-native analogue of the
// original design's interrupt vector table. Since there is no real
// interrupt controller to program, "raising" a vector here means
// calling InvokeHandler, which synchronously runs the registered
// handler - used by Kernel's own system-timer wiring and available to
// host code simulating external interrupt sources in tests.
type irqTable struct {
	mu       sync.Mutex
	handlers map[int]handlerEntry
}

func newIRQTable() *irqTable {
	return &irqTable{handlers: make(map[int]handlerEntry)}
}

// InstallHandler registers handler at vector, replacing any prior
// registration. preemptable marks whether lower-priority interrupt
// handlers may themselves be interrupted by this one (advisory only,
// since handlers here are simple synchronous calls, not re-entrant
// hardware traps). isKernel marks handlers installed by the kernel
// itself (e.g. the system timer) as opposed to application code.
func (t *irqTable) InstallHandler(vector, priority int, preemptable, isKernel bool, handler HandlerFunc) error {
	if handler == nil {
		return WrapError("InstallHandler", ErrInvalidEventMask)
	}
	if priority < 0 {
		return ErrPriorityOutOfRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[vector] = handlerEntry{
		vector:      vector,
		priority:    priority,
		preemptable: preemptable,
		isKernel:    isKernel,
		handler:     handler,
	}
	return nil
}

// RemoveHandler unregisters a vector, if present.
func (t *irqTable) RemoveHandler(vector int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, vector)
}

// InvokeHandler synchronously runs the handler installed at vector, if
// any. Returns false if no handler is installed.
func (t *irqTable) InvokeHandler(vector int) bool {
	t.mu.Lock()
	e, ok := t.handlers[vector]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.handler()
	return true
}

// SystemTimerVector is the reserved vector the kernel installs its own
// tick-delivery handler at during INIT.
const SystemTimerVector = 0
