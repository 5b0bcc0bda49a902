// Package sched implements the cycle-indexed deferred-event scheduler
// backing the frontend's cooperative concurrency model (spec.md §5): no
// goroutines, a single tick() per simulated cycle, and "events" (I-cache
// responses, translation completions, retries) delivered on specific
// future cycles in priority order.
//
// A single in-flight latency can be modeled as a decrementing counter on
// the owning struct. The decoupled frontend has many concurrent in-flight
// completions per thread (I-cache, TLB, retries), so this package generalizes that
// countdown into a priority queue keyed by target cycle, insertion order
// breaking ties — the same idea, scaled to more than one outstanding
// latency at a time.
package sched

import "container/heap"

type event struct {
	cycle uint64
	seq   uint64
	fn    func()
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].cycle != h[j].cycle {
		return h[i].cycle < h[j].cycle
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler is a single-threaded, cycle-indexed deferred-event queue.
type Scheduler struct {
	cycle uint64
	q     eventHeap
	seq   uint64
}

// New constructs a Scheduler at cycle 0.
func New() *Scheduler {
	return &Scheduler{}
}

// Cycle returns the current simulated cycle.
func (s *Scheduler) Cycle() uint64 {
	return s.cycle
}

// Schedule enqueues fn to run once the scheduler's cycle reaches at. If at
// is already in the past, fn runs on the next Tick.
func (s *Scheduler) Schedule(at uint64, fn func()) {
	s.seq++
	heap.Push(&s.q, &event{cycle: at, seq: s.seq, fn: fn})
}

// ScheduleAfter enqueues fn to run delay cycles after the current cycle.
func (s *Scheduler) ScheduleAfter(delay uint64, fn func()) {
	s.Schedule(s.cycle+delay, fn)
}

// Tick advances the scheduler by one cycle and runs every event whose
// target cycle has now arrived, in (cycle, insertion-order) order. Events
// scheduled by a running event's callback for the current or a past cycle
// run within the same Tick.
func (s *Scheduler) Tick() {
	s.cycle++
	for s.q.Len() > 0 && s.q[0].cycle <= s.cycle {
		ev := heap.Pop(&s.q).(*event)
		ev.fn()
	}
}

// Pending reports whether any event remains scheduled.
func (s *Scheduler) Pending() bool {
	return s.q.Len() > 0
}

// Len returns the number of events currently scheduled.
func (s *Scheduler) Len() int {
	return s.q.Len()
}
