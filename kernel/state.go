package kernel

import (
	"sync/atomic"
)

// RunState represents the lifecycle state of a Kernel.
//
// State Machine:
//
//	StateCreated (0) -> StateRunning (1) [Run()]
//	StateRunning (1) -> StateStopped (3) [run-loop exit, after Stop() or context end]
//
// StateStopping is never entered: Run goes from StateRunning straight
// to StateStopped as it returns.
//
// State Transition Rules:
//   - TryTransition() (CAS) makes the Created -> Running transition.
//   - Store() is reserved for the terminal StateStopped assignment, made
//     only by the run-loop goroutine itself as it returns.
type RunState uint64

const (
	// StateCreated indicates the kernel has been constructed but Run has
	// not yet been called.
	StateCreated RunState = 0
	// StateRunning indicates the run-loop goroutine is processing ticks,
	// system calls, and task resumption.
	StateRunning RunState = 1
	// StateStopping is defined for completeness; the kernel never
	// enters it (see the state machine above).
	StateStopping RunState = 2
	// StateStopped indicates the run-loop goroutine has returned.
	StateStopped RunState = 3
)

// String returns a human-readable representation of the state.
func (s RunState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding.
//
// The kernel has exactly one run-loop goroutine; contention on this value
// is low, but atomic loads still let SendEvent, SystemTick, PostCallback
// and Stop detect a kernel that is not running without taking a mutex.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte
	v atomic.Uint64
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte
}

// newFastState creates a new state machine in the Created state.
func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateCreated))
	return s
}

// Load returns the current state atomically.
func (s *fastState) Load() RunState {
	return RunState(s.v.Load())
}

// Store atomically stores a new state, bypassing CAS validation.
func (s *fastState) Store(state RunState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to
// another. Returns true if the transition was successful.
func (s *fastState) TryTransition(from, to RunState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
