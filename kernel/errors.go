// Package kernel implements a preemptive, priority-based real-time
// scheduling kernel for embedded single-core processors.
package kernel

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by kernel operations. Callers should match
// against these with [errors.Is], since they may be wrapped with
// additional context (task index, event mask, etc).
var (
	// ErrTaskIndexOutOfRange is returned when a task index passed to
	// InitTask, TaskOverrunCount, StackReserve, or similar, does not
	// name a configured task.
	ErrTaskIndexOutOfRange = errors.New("kernel: task index out of range")

	// ErrInvalidEventMask is returned when an event mask references bits
	// beyond the configured event-vector width, or is zero where a
	// non-zero mask is required.
	ErrInvalidEventMask = errors.New("kernel: invalid event mask")

	// ErrWaitFromIdleTask is returned when the idle task calls
	// WaitForEvent or SuspendUntil. The idle task must always be ready;
	// it is a programming error for it to block.
	ErrWaitFromIdleTask = errors.New("kernel: idle task may not wait or suspend")

	// ErrKernelAlreadyRunning is returned by Run when the kernel is not
	// in StateCreated.
	ErrKernelAlreadyRunning = errors.New("kernel: already running")

	// ErrKernelNotRunning is returned by operations that require the
	// run-loop to be active (SendEvent, PostCallback, Stop) when it is
	// not, and by a task's system call that shutdown unwinds.
	ErrKernelNotRunning = errors.New("kernel: not running")

	// ErrMutexAlreadyHeld is returned when a task attempts to acquire a
	// mutex it already owns (recursive locking is not supported, per
	// the single-owner invariant).
	ErrMutexAlreadyHeld = errors.New("kernel: mutex already held by caller")

	// ErrStackTooSmall names a stack buffer too small for paint-and-probe
	// measurement. No function in this module returns it: ctx.New
	// rejects an empty stack buffer with an error of its own.
	ErrStackTooSmall = errors.New("kernel: stack buffer too small")

	// ErrPriorityOutOfRange is returned when a task or interrupt handler
	// is installed at a priority outside [0, PriorityCount).
	ErrPriorityOutOfRange = errors.New("kernel: priority out of range")

	// ErrReadyListFull is returned when a task becomes ready but its
	// priority class's ready list has reached MaxReadyPerClass. This
	// indicates a misconfigured budget, not a transient condition.
	ErrReadyListFull = errors.New("kernel: ready list full for priority class")
)

// KernelError wraps a sentinel error with the task index and operation
// name that produced it, so callers and logs get sufficient context
// without parsing strings.
type KernelError struct {
	Op    string
	Task  int
	Cause error
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Task < 0 {
		return fmt.Sprintf("kernel: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("kernel: %s: task %d: %v", e.Op, e.Task, e.Cause)
}

// Unwrap returns the wrapped sentinel for [errors.Is] and [errors.As].
func (e *KernelError) Unwrap() error {
	return e.Cause
}

// WrapTaskError builds a *KernelError attributing cause to the named
// operation and task index. Pass task < 0 when the error is not
// attributable to a specific task (e.g. configuration errors).
func WrapTaskError(op string, task int, cause error) error {
	return &KernelError{Op: op, Task: task, Cause: cause}
}

// WrapError wraps an error with a message, preserving the cause chain
// for [errors.Is] and [errors.As].
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
