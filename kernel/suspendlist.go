package kernel

// suspendedEntry is one task's slot in the suspended list, carrying its
// priority alongside its index so the list can stay priority-ordered
// without a separate lookup into the task table on every insert.
type suspendedEntry struct {
	idx      int
	priority int
}

// suspendedList holds every task currently blocked awaiting an event,
// sync-object release, or timer deadline, kept sorted by descending
// priority (arrival order preserved within equal priority) so that a
// released semaphore or mutex bit always goes to the highest-priority,
// longest-waiting requester, and so system_tick's due-task scan and
// handleSendEvent's recipient search need no separate sort step.
//
// This is a single slice scanned/shifted by insert rather than a heap:
// task counts in this kernel's target deployments (single-core embedded
// processors) are small enough that an O(n) scan per tick is both
// simpler and, in practice, faster than heap maintenance overhead.
type suspendedList struct {
	entries []suspendedEntry
}

func newSuspendedList(capacity int) *suspendedList {
	return &suspendedList{entries: make([]suspendedEntry, 0, capacity)}
}

// add inserts idx just before the first lower-priority entry, so the
// list remains sorted highest-priority-first with arrival order
// preserved among equal priorities.
func (s *suspendedList) add(idx int, priority int) {
	pos := len(s.entries)
	for i, e := range s.entries {
		if e.priority < priority {
			pos = i
			break
		}
	}
	s.entries = append(s.entries, suspendedEntry{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = suspendedEntry{idx: idx, priority: priority}
}

func (s *suspendedList) remove(idx int) bool {
	for i, e := range s.entries {
		if e.idx == idx {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *suspendedList) len() int {
	return len(s.entries)
}

// dueTasks returns, without removing them, the indices of every
// suspended task whose wake tick has been reached by now.
func (s *suspendedList) dueTasks(tasks []task, now uint64) []int {
	var due []int
	for _, e := range s.entries {
		t := &tasks[e.idx]
		if t.hasDeadline && t.wakeTick <= now {
			due = append(due, e.idx)
		}
	}
	return due
}

// firstWaitingFor scans in priority order for the first suspended task
// whose wait mask requests bit and has not yet been granted it. Used by
// semaphore/mutex release to pick the highest-priority, longest-waiting
// recipient instead of a plain per-object FIFO.
func (s *suspendedList) firstWaitingFor(tasks []task, bit EventMask) (int, bool) {
	for _, e := range s.entries {
		t := &tasks[e.idx]
		if t.waitMask&bit != 0 && t.events&bit == 0 {
			return e.idx, true
		}
	}
	return 0, false
}
