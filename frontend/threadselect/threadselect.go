// Package threadselect implements the SMT thread selector (C8): each tick
// it picks one ready thread for the fetch engine to service, per spec.md
// §4.7. "Ready" is the caller's concern (spec.md's fetch_status subset
// {Running, IcacheAccessComplete, Idle}); this package only orders and
// filters candidates by policy.
package threadselect

import "github.com/sarchlab/m2fetch/frontend"

// Policy selects which thread-ordering rule Pick applies.
type Policy uint8

const (
	RoundRobin Policy = iota
	SingleThread
	IQCount
	LSQCount
	Branch
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "RoundRobin"
	case SingleThread:
		return "SingleThread"
	case IQCount:
		return "IQCount"
	case LSQCount:
		return "LSQCount"
	case Branch:
		return "Branch"
	default:
		return "Unknown"
	}
}

// Metrics supplies the per-thread occupancy counts the count-based
// policies rank by (fewest-first): IQCount ranks by issue-queue occupancy,
// LSQCount by load/store-queue occupancy, Branch by outstanding predicted
// branches. A thread's entry may be omitted (treated as zero).
type Metrics struct {
	IQCount     []int
	LSQCount    []int
	BranchCount []int
}

func (m Metrics) at(counts []int, tid frontend.ThreadID) int {
	if int(tid) < 0 || int(tid) >= len(counts) {
		return 0
	}
	return counts[tid]
}

// Selector holds the mutable priority list a policy walks, per
// `original_source/src/cpu/o3/fetch.hh`'s `priorityList` (a
// `std::list<ThreadID>` there; a slice with swap-free removal here).
type Selector struct {
	policy   Policy
	priority []frontend.ThreadID
	rrCursor int
}

// New constructs a Selector over threads [0, numThreads), all initially
// active, in ascending priority order.
func New(policy Policy, numThreads int) *Selector {
	priority := make([]frontend.ThreadID, numThreads)
	for i := range priority {
		priority[i] = frontend.ThreadID(i)
	}
	return &Selector{policy: policy, priority: priority}
}

// Policy returns the configured selection policy.
func (s *Selector) Policy() Policy {
	return s.policy
}

// Active returns the current priority-ordered list of non-deactivated
// threads.
func (s *Selector) Active() []frontend.ThreadID {
	return s.priority
}

// Pick returns one ready thread per policy, or frontend.InvalidThreadID if
// none is ready. ready must be indexable by every active thread id.
func (s *Selector) Pick(ready []bool, m Metrics) frontend.ThreadID {
	switch s.policy {
	case SingleThread:
		return s.pickFirst(ready)
	case RoundRobin:
		return s.pickRoundRobin(ready)
	case IQCount:
		return s.pickFewest(ready, m.IQCount)
	case LSQCount:
		return s.pickFewest(ready, m.LSQCount)
	case Branch:
		return s.pickFewest(ready, m.BranchCount)
	default:
		return frontend.InvalidThreadID
	}
}

func (s *Selector) isReady(ready []bool, tid frontend.ThreadID) bool {
	return int(tid) >= 0 && int(tid) < len(ready) && ready[tid]
}

func (s *Selector) pickFirst(ready []bool) frontend.ThreadID {
	for _, tid := range s.priority {
		if s.isReady(ready, tid) {
			return tid
		}
	}
	return frontend.InvalidThreadID
}

func (s *Selector) pickRoundRobin(ready []bool) frontend.ThreadID {
	n := len(s.priority)
	if n == 0 {
		return frontend.InvalidThreadID
	}
	if s.rrCursor >= n {
		s.rrCursor = 0
	}
	for i := 0; i < n; i++ {
		idx := (s.rrCursor + i) % n
		tid := s.priority[idx]
		if s.isReady(ready, tid) {
			s.rrCursor = (idx + 1) % n
			return tid
		}
	}
	return frontend.InvalidThreadID
}

func (s *Selector) pickFewest(ready []bool, counts []int) frontend.ThreadID {
	m := Metrics{}
	best := frontend.InvalidThreadID
	bestCount := -1
	for _, tid := range s.priority {
		if !s.isReady(ready, tid) {
			continue
		}
		c := m.at(counts, tid)
		if bestCount == -1 || c < bestCount {
			bestCount = c
			best = tid
		}
	}
	return best
}

// DeactivateThread removes tid from the priority list, per spec.md §4.7
// ("Priority list is mutated by deactivate_thread to remove drained
// threads").
func (s *Selector) DeactivateThread(tid frontend.ThreadID) {
	for i, t := range s.priority {
		if t != tid {
			continue
		}
		s.priority = append(s.priority[:i], s.priority[i+1:]...)
		if s.rrCursor > i {
			s.rrCursor--
		}
		return
	}
}

// ActivateThread re-admits tid to the back of the priority list, a no-op if
// it is already active.
func (s *Selector) ActivateThread(tid frontend.ThreadID) {
	for _, t := range s.priority {
		if t == tid {
			return
		}
	}
	s.priority = append(s.priority, tid)
}
