// Package kernel implements a preemptive, priority-based real-time
// scheduling kernel for embedded single-core processors, reimagined as a
// Go-native run-loop.
//
// # Architecture
//
// The kernel is built around a [Kernel] core holding a fixed task table,
// per-priority ready lists, a single suspended list, and an event
// bit-vector per task. Application code is supplied as entry functions
// installed via [Kernel.InitTask]; each runs on its own goroutine,
// blocked on a private resume channel except while actually scheduled
// to run. The kernel's single run-loop goroutine ([Kernel.Run]) is the
// Go-native analogue of the original's "interrupts disabled" scheduling
// section: only it selects the next ready task and only it unblocks a
// task's resume channel, so exactly one task goroutine executes
// application logic at any instant.
//
// System calls ([TaskCtx.WaitForEvent], [TaskCtx.SuspendUntil],
// [Kernel.SendEvent]) are submitted to the run-loop over channels and
// processed serially by the kernel's dispatch table, mirroring the
// original design's system-call layer without requiring a
// software-interrupt trap.
//
// # Priority and Preemption
//
// Tasks are assigned a static priority in [0, PriorityCount). The
// run-loop always resumes the highest-priority ready task; a
// lower-priority task's goroutine is left blocked on its resume channel
// for the duration of preemption, which is exactly equivalent to it
// having been context-switched out.
//
// # Synchronization
//
// Counting semaphores and single-owner mutexes are layered on the same
// event-posting and ready/suspend mechanism used for application
// events, addressable by index via WithSemaphores/WithMutexes. A
// release always goes to the highest-priority, longest-waiting
// suspended task requesting it, regardless of arrival order.
//
// # Thread Safety
//
// [Kernel.SendEvent] and [Kernel.SystemTick] are safe to call from any
// goroutine, including ticker goroutines external to the kernel. All
// scheduling decisions happen exclusively within the run-loop goroutine.
package kernel
