// Package ras implements the per-thread Return Address Stack (C2): a
// bounded, speculatively updated stack of return targets with tokens that
// let a squash undo exactly the push or pop that happened at prediction
// time.
package ras

import "github.com/sarchlab/m2fetch/frontend"

// Config holds RAS construction parameters.
type Config struct {
	// Depth is the number of return-address slots per thread. Default 16.
	Depth uint32
}

// DefaultConfig returns a 16-entry-per-thread RAS configuration.
func DefaultConfig() Config {
	return Config{Depth: 16}
}

// opKind distinguishes what History.op a token undoes.
type opKind uint8

const (
	opNone opKind = iota
	opPush
	opPop
)

// History is the opaque token returned by Push/Pop and consumed by Restore.
// It records enough state to bit-exactly restore the TOS pointer and the
// slot it overwrote, per spec.md §4.2.
type History struct {
	op          opKind
	tos         uint32
	overwritten frontend.Addr
	overwriteValid bool
	corrupted   bool
}

// Corrupted reports whether the token was produced by an underflowing Pop
// (spec.md §7: "RAS underflow ... mark RAS corrupted").
func (h History) Corrupted() bool {
	return h.corrupted
}

// RAS is a per-thread bounded circular return-address stack.
type RAS struct {
	depth   uint32
	threads []stack
}

type stack struct {
	slots []frontend.Addr
	tos   uint32 // index one past the top; 0 means empty
	size  uint32 // number of valid entries, saturating at depth
}

// New constructs a RAS with per-thread stacks of the given depth for
// numThreads threads.
func New(cfg Config, numThreads int) (*RAS, error) {
	if cfg.Depth == 0 {
		cfg.Depth = 16
	}
	if numThreads <= 0 {
		numThreads = 1
	}
	r := &RAS{
		depth:   cfg.Depth,
		threads: make([]stack, numThreads),
	}
	for i := range r.threads {
		r.threads[i].slots = make([]frontend.Addr, cfg.Depth)
	}
	return r, nil
}

// Push speculatively pushes addr onto tid's stack, returning a token that
// Restore can use to undo it. Overflow discards the eldest entry (the slot
// the circular buffer overwrites), per spec.md §4.2.
func (r *RAS) Push(tid frontend.ThreadID, addr frontend.Addr) History {
	s := &r.threads[tid]
	h := History{op: opPush, tos: s.tos}

	slot := s.tos % r.depth
	if s.size == r.depth {
		h.overwritten = s.slots[slot]
		h.overwriteValid = true
	}

	s.slots[slot] = addr
	s.tos = (s.tos + 1) % r.depth
	if s.size < r.depth {
		s.size++
	}
	return h
}

// Pop speculatively pops the top of tid's stack. On underflow it returns a
// sentinel address (0) and a token marked Corrupted, per spec.md §4.2 and
// §7's "RAS underflow" recovery: the caller falls back to the BTB target if
// fallback_btb is enabled, else forces not-taken.
func (r *RAS) Pop(tid frontend.ThreadID) (frontend.Addr, History) {
	s := &r.threads[tid]
	if s.size == 0 {
		return 0, History{op: opPop, corrupted: true}
	}

	h := History{op: opPop, tos: s.tos}
	s.tos = (s.tos - 1 + r.depth) % r.depth
	s.size--
	addr := s.slots[s.tos]
	return addr, h
}

// Restore undoes the push or pop that produced h, invoked on squash.
func (r *RAS) Restore(tid frontend.ThreadID, h History) {
	if h.corrupted {
		return
	}
	s := &r.threads[tid]
	switch h.op {
	case opPush:
		s.tos = h.tos
		if s.size > 0 {
			s.size--
		}
		if h.overwriteValid {
			// The push evicted the eldest entry; restoring the pointer
			// alone does not resurrect it, but the slot content is put
			// back so a subsequent push sees consistent history.
			s.slots[h.tos%r.depth] = h.overwritten
			s.size++
		}
	case opPop:
		s.tos = h.tos
		if s.size < r.depth {
			s.size++
		}
	}
}

// Top returns the current top-of-stack address without popping, and
// whether the stack is non-empty.
func (r *RAS) Top(tid frontend.ThreadID) (frontend.Addr, bool) {
	s := &r.threads[tid]
	if s.size == 0 {
		return 0, false
	}
	idx := (s.tos - 1 + r.depth) % r.depth
	return s.slots[idx], true
}

// Depth returns the configured per-thread stack depth.
func (r *RAS) Depth() uint32 {
	return r.depth
}
