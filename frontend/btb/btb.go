// Package btb implements the Branch Target Buffer (C1): a direct-mapped,
// PC-indexed cache from branch PC to predicted target and a cached
// pre-decode hint, shared across SMT threads via a folded-in thread id.
package btb

import (
	"github.com/sarchlab/m2fetch/frontend"
)

// Config holds BTB construction parameters.
type Config struct {
	// NumEntries is the number of direct-mapped entries. Must be a power
	// of two. Default 4096.
	NumEntries uint32
	// TagBits is the number of PC bits kept as the stored tag, beyond the
	// index bits. Default 16.
	TagBits uint32
	// InstShiftAmt is the number of low PC bits to discard (log2 of the
	// minimum instruction alignment). Default 2 (4-byte aligned).
	InstShiftAmt uint32
	// NumThreads bounds how many SMT thread ids are folded into the index.
	// Default 1.
	NumThreads uint32
}

// DefaultConfig returns a single-threaded, 4096-entry BTB configuration.
func DefaultConfig() Config {
	return Config{
		NumEntries:   4096,
		TagBits:      16,
		InstShiftAmt: 2,
		NumThreads:   1,
	}
}

type entry struct {
	valid bool
	tag   frontend.Addr
	tid   frontend.ThreadID
	target frontend.PCState
	hint   frontend.StaticInst
}

// BTB is a direct-mapped branch target buffer, per spec.md §4.1.
type BTB struct {
	entries []entry

	numEntries   uint32
	idxMask      uint32
	tagMask      frontend.Addr
	tagShiftAmt  uint32
	instShiftAmt uint32
	log2Threads  uint
}

// New constructs a BTB. It returns a *frontend.ConfigError if NumEntries is
// not a power of two, per spec.md §4.1.
func New(cfg Config) (*BTB, error) {
	if cfg.NumEntries == 0 {
		cfg.NumEntries = 4096
	}
	if cfg.TagBits == 0 {
		cfg.TagBits = 16
	}
	if cfg.NumThreads == 0 {
		cfg.NumThreads = 1
	}
	if !frontend.IsPowerOfTwo(cfg.NumEntries) {
		return nil, &frontend.ConfigError{Component: "btb", Reason: "NumEntries is not a power of two"}
	}

	numThreadsPow2 := cfg.NumThreads
	if !frontend.IsPowerOfTwo(numThreadsPow2) {
		// Round up so log2Threads folds in enough bits for any thread id
		// below NumThreads; exact power-of-two thread counts are the
		// common case but this keeps folding well-defined otherwise.
		p := uint32(1)
		for p < numThreadsPow2 {
			p <<= 1
		}
		numThreadsPow2 = p
	}

	b := &BTB{
		entries:      make([]entry, cfg.NumEntries),
		numEntries:   cfg.NumEntries,
		idxMask:      cfg.NumEntries - 1,
		tagMask:      frontend.Addr(1<<cfg.TagBits) - 1,
		instShiftAmt: cfg.InstShiftAmt,
		log2Threads:  frontend.Log2(numThreadsPow2),
	}
	b.tagShiftAmt = b.instShiftAmt + uint32(frontend.Log2(cfg.NumEntries))
	return b, nil
}

func (b *BTB) index(tid frontend.ThreadID, pc frontend.Addr) uint32 {
	shift := b.tagShiftAmt - b.instShiftAmt - uint32(b.log2Threads)
	idx := (uint32(pc) >> b.instShiftAmt) ^ (uint32(tid) << shift)
	return idx & b.idxMask
}

func (b *BTB) tag(pc frontend.Addr) frontend.Addr {
	return (pc >> b.tagShiftAmt) & b.tagMask
}

// Valid reports whether pc has a matching, valid entry for tid.
func (b *BTB) Valid(tid frontend.ThreadID, pc frontend.Addr) bool {
	e := &b.entries[b.index(tid, pc)]
	return e.valid && e.tag == b.tag(pc) && e.tid == tid
}

// Lookup returns the cached target for (tid, pc) on a hit.
func (b *BTB) Lookup(tid frontend.ThreadID, pc frontend.Addr) (frontend.PCState, bool) {
	e := &b.entries[b.index(tid, pc)]
	if e.valid && e.tag == b.tag(pc) && e.tid == tid {
		return e.target, true
	}
	return frontend.PCState{}, false
}

// LookupInst returns the cached pre-decode hint for (tid, pc) on a hit.
// This is the information a decoupled frontend needs before the decoder
// itself has seen the bytes at pc: only instructions that have previously
// hit in the BTB carry a hint.
func (b *BTB) LookupInst(tid frontend.ThreadID, pc frontend.Addr) (frontend.StaticInst, bool) {
	e := &b.entries[b.index(tid, pc)]
	if e.valid && e.tag == b.tag(pc) && e.tid == tid {
		return e.hint, e.hint != nil
	}
	return nil, false
}

// Update unconditionally overwrites the entry for (tid, pc). There is no
// replacement policy: the BTB is direct-mapped, so Update always evicts
// whatever tag previously occupied the slot.
func (b *BTB) Update(tid frontend.ThreadID, pc frontend.Addr, target frontend.PCState, hint frontend.StaticInst) {
	e := &b.entries[b.index(tid, pc)]
	e.valid = true
	e.tag = b.tag(pc)
	e.tid = tid
	e.target = target
	e.hint = hint
}

// Reset invalidates every entry.
func (b *BTB) Reset() {
	for i := range b.entries {
		b.entries[i] = entry{}
	}
}

// ResetRange invalidates entries in [start, end), for warm-up studies.
func (b *BTB) ResetRange(start, end uint32) {
	if end > b.numEntries {
		end = b.numEntries
	}
	for i := start; i < end; i++ {
		b.entries[i] = entry{}
	}
}

// NumEntries returns the configured entry count.
func (b *BTB) NumEntries() uint32 {
	return b.numEntries
}
