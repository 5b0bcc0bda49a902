// Package predictor defines the opaque direction- and indirect-predictor
// capabilities (C3, C4) the BPU composes, and provides a reference
// implementation of each: a bimodal direction predictor and a tag-indexed
// indirect target table. The concrete prediction algorithm is explicitly
// out of scope per spec.md §1; only the lookup/update/squash contract is
// load-bearing for the frontend.
package predictor

import "github.com/sarchlab/m2fetch/frontend"

// Direction is the opaque capability set C3 describes: a direction
// predictor that returns taken/not-taken and an opaque history token that
// must later be freed by exactly one of Update or Squash.
type Direction interface {
	// Lookup predicts the outcome of the branch at pc for tid.
	Lookup(tid frontend.ThreadID, pc frontend.Addr) (taken bool, hist any)
	// Update consumes hist with the actual outcome. squashed is true when
	// this call is reconciling a misprediction rather than a normal commit.
	Update(tid frontend.ThreadID, pc frontend.Addr, taken bool, hist any, squashed bool, inst frontend.StaticInst, corrTarget frontend.Addr)
	// Squash restores internal history to its pre-lookup state and frees
	// hist.
	Squash(tid frontend.ThreadID, hist any)
	// UncondBranch performs a biased lookup for unconditional control flow,
	// returning a history token.
	UncondBranch(tid frontend.ThreadID, pc frontend.Addr) (hist any)
	// BTBUpdate notifies the predictor that a BTB miss forced a
	// not-taken assumption for a predicted-taken branch.
	BTBUpdate(tid frontend.ThreadID, pc frontend.Addr) (hist any)
	// Reset clears predictor state.
	Reset()
}

// Indirect is C4: analogous to Direction but resolving a target address
// rather than a direction.
type Indirect interface {
	// Lookup predicts the target of an indirect branch at pc for tid.
	Lookup(tid frontend.ThreadID, pc frontend.Addr) (target frontend.Addr, ok bool, hist any)
	// Update consumes hist with the actual resolved target.
	Update(tid frontend.ThreadID, pc frontend.Addr, actualTarget frontend.Addr, hist any, squashed bool, inst frontend.StaticInst)
	// Squash restores internal history to its pre-lookup state and frees
	// hist.
	Squash(tid frontend.ThreadID, hist any)
	// Reset clears predictor state.
	Reset()
}

// counterState is a 2-bit saturating counter, identical in shape to the
// teacher's timing/pipeline.BranchPredictor BHT entries.
type counterState uint8

const (
	strongNotTaken counterState = iota
	weakNotTaken
	weakTaken
	strongTaken
)

// BimodalConfig configures the reference bimodal direction predictor.
type BimodalConfig struct {
	// Size is the number of BHT entries. Must be a power of two. Default
	// 1024.
	Size uint32
}

// DefaultBimodalConfig returns a 1024-entry bimodal configuration.
func DefaultBimodalConfig() BimodalConfig {
	return BimodalConfig{Size: 1024}
}

type bimodalHist struct {
	idx     uint32
	counter counterState
}

// Bimodal is a per-thread-agnostic table of 2-bit saturating counters
// indexed by PC, the reference Direction implementation.
type Bimodal struct {
	table []counterState
	mask  uint32
}

// NewBimodal constructs a Bimodal predictor.
func NewBimodal(cfg BimodalConfig) (*Bimodal, error) {
	if cfg.Size == 0 {
		cfg.Size = 1024
	}
	if !frontend.IsPowerOfTwo(cfg.Size) {
		return nil, &frontend.ConfigError{Component: "predictor.Bimodal", Reason: "Size is not a power of two"}
	}
	b := &Bimodal{
		table: make([]counterState, cfg.Size),
		mask:  cfg.Size - 1,
	}
	for i := range b.table {
		b.table[i] = weakTaken
	}
	return b, nil
}

func (b *Bimodal) index(pc frontend.Addr) uint32 {
	return uint32(pc>>2) & b.mask
}

// Lookup implements Direction.
func (b *Bimodal) Lookup(_ frontend.ThreadID, pc frontend.Addr) (bool, any) {
	idx := b.index(pc)
	c := b.table[idx]
	return c >= weakTaken, bimodalHist{idx: idx, counter: c}
}

// Update implements Direction.
func (b *Bimodal) Update(_ frontend.ThreadID, pc frontend.Addr, taken bool, hist any, _ bool, _ frontend.StaticInst, _ frontend.Addr) {
	idx := b.index(pc)
	if h, ok := hist.(bimodalHist); ok {
		idx = h.idx
	}
	c := b.table[idx]
	if taken {
		if c < strongTaken {
			c++
		}
	} else {
		if c > strongNotTaken {
			c--
		}
	}
	b.table[idx] = c
}

// Squash implements Direction. The bimodal predictor keeps no speculative
// history beyond the counter itself, so squashing is a no-op other than
// freeing the token.
func (b *Bimodal) Squash(_ frontend.ThreadID, _ any) {}

// UncondBranch implements Direction.
func (b *Bimodal) UncondBranch(_ frontend.ThreadID, pc frontend.Addr) any {
	idx := b.index(pc)
	return bimodalHist{idx: idx, counter: strongTaken}
}

// BTBUpdate implements Direction.
func (b *Bimodal) BTBUpdate(tid frontend.ThreadID, pc frontend.Addr) any {
	idx := b.index(pc)
	c := b.table[idx]
	if c > strongNotTaken {
		c--
	}
	b.table[idx] = c
	return bimodalHist{idx: idx, counter: c}
}

// Reset implements Direction.
func (b *Bimodal) Reset() {
	for i := range b.table {
		b.table[i] = weakTaken
	}
}

// IndirectConfig configures the reference tag-indexed indirect predictor.
type IndirectConfig struct {
	// Size is the number of target-table entries. Must be a power of two.
	// Default 256.
	Size uint32
}

// DefaultIndirectConfig returns a 256-entry indirect configuration.
func DefaultIndirectConfig() IndirectConfig {
	return IndirectConfig{Size: 256}
}

type indirectEntry struct {
	valid  bool
	tag    frontend.Addr
	target frontend.Addr
}

type indirectHist struct {
	idx         uint32
	prevValid   bool
	prevEntry   indirectEntry
}

// TagIndexed is a small direct-mapped PC-indexed target table, the
// reference Indirect implementation.
type TagIndexed struct {
	table []indirectEntry
	mask  uint32
}

// NewTagIndexed constructs a TagIndexed indirect predictor.
func NewTagIndexed(cfg IndirectConfig) (*TagIndexed, error) {
	if cfg.Size == 0 {
		cfg.Size = 256
	}
	if !frontend.IsPowerOfTwo(cfg.Size) {
		return nil, &frontend.ConfigError{Component: "predictor.TagIndexed", Reason: "Size is not a power of two"}
	}
	return &TagIndexed{
		table: make([]indirectEntry, cfg.Size),
		mask:  cfg.Size - 1,
	}, nil
}

func (t *TagIndexed) index(pc frontend.Addr) uint32 {
	return uint32(pc>>2) & t.mask
}

// Lookup implements Indirect.
func (t *TagIndexed) Lookup(_ frontend.ThreadID, pc frontend.Addr) (frontend.Addr, bool, any) {
	idx := t.index(pc)
	e := t.table[idx]
	h := indirectHist{idx: idx, prevValid: e.valid, prevEntry: e}
	if e.valid && e.tag == pc {
		return e.target, true, h
	}
	return 0, false, h
}

// Update implements Indirect.
func (t *TagIndexed) Update(_ frontend.ThreadID, pc frontend.Addr, actualTarget frontend.Addr, hist any, _ bool, _ frontend.StaticInst) {
	idx := t.index(pc)
	if h, ok := hist.(indirectHist); ok {
		idx = h.idx
	}
	t.table[idx] = indirectEntry{valid: true, tag: pc, target: actualTarget}
}

// Squash implements Indirect: restores the entry this lookup displaced.
func (t *TagIndexed) Squash(_ frontend.ThreadID, hist any) {
	h, ok := hist.(indirectHist)
	if !ok {
		return
	}
	t.table[h.idx] = h.prevEntry
	_ = h.prevValid
}

// Reset implements Indirect.
func (t *TagIndexed) Reset() {
	for i := range t.table {
		t.table[i] = indirectEntry{}
	}
}
