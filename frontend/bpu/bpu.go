// Package bpu implements the Branch Prediction Unit (C5): it composes the
// BTB, RAS, direction predictor, and indirect predictor, and maintains the
// per-thread speculative PredictorHistory needed to commit or squash each
// prediction exactly once.
package bpu

import (
	"fmt"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/btb"
	"github.com/sarchlab/m2fetch/frontend/predictor"
	"github.com/sarchlab/m2fetch/frontend/ras"
)

// Config configures the BPU.
type Config struct {
	// FallbackBTB enables falling back to the BTB target when a predicted
	// taken branch's primary provider (RAS/indirect) has no answer.
	// Default true.
	FallbackBTB bool
}

// DefaultConfig returns FallbackBTB enabled.
func DefaultConfig() Config {
	return Config{FallbackBTB: true}
}

// Stats holds BPU-level statistics, independent of any sub-predictor's own
// counters.
type Stats struct {
	Predictions       uint64
	Mispredictions    uint64
	CondMispredicts   uint64
	UncondMispredicts uint64
	PredTakenBTBMiss  uint64
	RASCorrupted      uint64
}

// PredictorHistory is the per-predicted-branch record kept until commit or
// squash, per spec.md §3. The opaque sub-predictor tokens are owned here
// and freed by exactly one of Update or Squash.
type PredictorHistory struct {
	SeqNum frontend.InstSeqNum
	PC     frontend.Addr
	TID    frontend.ThreadID

	PredTaken bool
	Type      frontend.BranchClass
	Inst      frontend.StaticInst

	bpHistory       any
	indirectHistory any
	rasHistory      ras.History
	hasRASHistory   bool

	UsedRAS             bool
	WasCall             bool
	WasReturn           bool
	WasIndirect         bool
	WasUncond           bool
	WasPredTakenBTBHit  bool
	WasPredTakenBTBMiss bool
	RASCorrupted        bool

	Target frontend.Addr

	freed bool
}

// BPU composes the sub-predictors and tracks speculative history per
// thread, per spec.md §4.4.
type BPU struct {
	cfg Config

	btb       *btb.BTB
	ras       *ras.RAS
	direction predictor.Direction
	indirect  predictor.Indirect

	predHist [][]PredictorHistory // per-thread deque, back=oldest (index 0)

	stats Stats
}

// New constructs a BPU from already-constructed sub-predictor capabilities.
func New(cfg Config, b *btb.BTB, r *ras.RAS, dir predictor.Direction, ind predictor.Indirect, numThreads int) *BPU {
	if numThreads <= 0 {
		numThreads = 1
	}
	return &BPU{
		cfg:       cfg,
		btb:       b,
		ras:       r,
		direction: dir,
		indirect:  ind,
		predHist:  make([][]PredictorHistory, numThreads),
	}
}

// Stats returns BPU-level statistics.
func (p *BPU) Stats() Stats {
	return p.stats
}

// classify derives a BranchClass from the instruction, per spec.md §4.4
// step 1.
func classify(inst frontend.StaticInst) frontend.BranchClass {
	if inst == nil || !inst.IsControl() {
		return frontend.NoBranch
	}
	return inst.Class()
}

// Predict implements spec.md §4.4's Predict algorithm: it classifies the
// branch, consults the direction predictor (unless unconditional), resolves
// a target with RAS > indirect > BTB priority, advances pc in place, and
// appends a PredictorHistory entry. It returns whether the branch is
// predicted taken.
func (p *BPU) Predict(inst frontend.StaticInst, seqNum frontend.InstSeqNum, pc *frontend.PCState, tid frontend.ThreadID) bool {
	class := classify(inst)
	h := PredictorHistory{
		SeqNum: seqNum,
		PC:     pc.InstAddr(),
		TID:    tid,
		Type:   class,
		Inst:   inst,
	}

	if class == frontend.NoBranch {
		p.predHist[tid] = append(p.predHist[tid], h)
		*pc = pc.Advance()
		return false
	}

	unconditional := class.IsUnconditional()
	h.WasUncond = unconditional
	h.WasCall = class.IsCall()
	h.WasReturn = class.IsReturn()
	h.WasIndirect = class.IsIndirect()

	var predTaken bool
	if unconditional {
		predTaken = true
		h.bpHistory = p.direction.UncondBranch(tid, h.PC)
	} else {
		predTaken, h.bpHistory = p.direction.Lookup(tid, h.PC)
	}
	h.PredTaken = predTaken

	target, haveTarget := p.resolveTarget(&h, tid, pc, class, predTaken)
	if predTaken && !haveTarget {
		if p.cfg.FallbackBTB {
			if t, ok := p.btb.Lookup(tid, h.PC); ok {
				target = t
				haveTarget = true
				h.WasPredTakenBTBHit = true
			}
		}
		if !haveTarget {
			predTaken = false
			h.PredTaken = false
			h.WasPredTakenBTBMiss = true
			p.stats.PredTakenBTBMiss++
			h.bpHistory = p.direction.BTBUpdate(tid, h.PC)
		}
	}

	if h.WasCall {
		linkPC := pc.NextSequential()
		h.rasHistory = p.ras.Push(tid, linkPC.InstAddr())
		h.hasRASHistory = true
	}

	if predTaken {
		*pc = target
	} else {
		*pc = pc.Advance()
	}
	h.Target = target.InstAddr()

	p.predHist[tid] = append(p.predHist[tid], h)
	p.stats.Predictions++
	return predTaken
}

// resolveTarget implements the RAS > indirect > BTB priority from spec.md
// §4.4 step 3.
func (p *BPU) resolveTarget(h *PredictorHistory, tid frontend.ThreadID, pc *frontend.PCState, class frontend.BranchClass, predTaken bool) (frontend.PCState, bool) {
	if !predTaken {
		return frontend.PCState{}, false
	}

	if class.IsReturn() {
		addr, rh := p.ras.Pop(tid)
		h.rasHistory = rh
		h.hasRASHistory = true
		if !rh.Corrupted() {
			h.UsedRAS = true
			return frontend.NewPCState(addr), true
		}
		h.RASCorrupted = true
		p.stats.RASCorrupted++
		return frontend.PCState{}, false
	}

	if class.IsIndirect() {
		target, ok, ih := p.indirect.Lookup(tid, h.PC)
		h.indirectHistory = ih
		if ok {
			return frontend.NewPCState(target), true
		}
		return frontend.PCState{}, false
	}

	if t, ok := p.btb.Lookup(tid, h.PC); ok {
		h.WasPredTakenBTBHit = true
		return t, true
	}
	return frontend.PCState{}, false
}

// Update implements spec.md §4.4's commit path: history entries with
// seq_num <= done_sn are popped from the oldest end and their sub-predictor
// tokens freed via Update(squashed=false).
func (p *BPU) Update(doneSN frontend.InstSeqNum, tid frontend.ThreadID) {
	hist := p.predHist[tid]
	i := 0
	for i < len(hist) && hist[i].SeqNum <= doneSN {
		p.commitOne(&hist[i], tid)
		i++
	}
	p.predHist[tid] = hist[i:]
}

func (p *BPU) commitOne(h *PredictorHistory, tid frontend.ThreadID) {
	if h.freed {
		return
	}
	if h.Type != frontend.NoBranch {
		p.direction.Update(tid, h.PC, h.PredTaken, h.bpHistory, false, h.Inst, h.Target)
		if h.WasIndirect && !h.WasReturn {
			p.indirect.Update(tid, h.PC, h.Target, h.indirectHistory, false, h.Inst)
		}
		if h.PredTaken {
			p.btb.Update(tid, h.PC, frontend.NewPCState(h.Target), h.Inst)
		}
	}
	h.freed = true
}

// Squash implements spec.md §4.4's no-correction squash: history entries
// with seq_num > squashedSN are dropped from the youngest end, each
// sub-predictor token freed via Squash, and any RAS effect undone.
func (p *BPU) Squash(squashedSN frontend.InstSeqNum, tid frontend.ThreadID) {
	hist := p.predHist[tid]
	cut := len(hist)
	for cut > 0 && hist[cut-1].SeqNum > squashedSN {
		cut--
	}
	for i := len(hist) - 1; i >= cut; i-- {
		p.squashOne(&hist[i], tid)
	}
	p.predHist[tid] = hist[:cut]
}

func (p *BPU) squashOne(h *PredictorHistory, tid frontend.ThreadID) {
	if h.freed {
		return
	}
	if h.Type != frontend.NoBranch {
		p.direction.Squash(tid, h.bpHistory)
		if h.WasIndirect && !h.WasReturn {
			p.indirect.Squash(tid, h.indirectHistory)
		}
		if h.hasRASHistory {
			p.ras.Restore(tid, h.rasHistory)
		}
	}
	h.freed = true
}

// SquashWithCorrection implements spec.md §4.4's corrected squash: all
// entries younger than squashedSN are squashed as above, the mispredicting
// entry at squashedSN itself is updated with the correct outcome and
// popped, the RAS is corrected for call/return mispredicts, and the BTB is
// updated with corrTarget if actuallyTaken.
func (p *BPU) SquashWithCorrection(squashedSN frontend.InstSeqNum, corrTarget frontend.Addr, actuallyTaken bool, tid frontend.ThreadID, inst frontend.StaticInst, pc frontend.PCState) error {
	hist := p.predHist[tid]

	cut := len(hist)
	for cut > 0 && hist[cut-1].SeqNum > squashedSN {
		cut--
	}
	for i := len(hist) - 1; i >= cut; i-- {
		p.squashOne(&hist[i], tid)
	}
	hist = hist[:cut]

	if len(hist) == 0 || hist[len(hist)-1].SeqNum != squashedSN {
		p.predHist[tid] = hist
		return fmt.Errorf("bpu: no predictor history entry for seq_num %d on thread %d", squashedSN, tid)
	}

	mispredicted := &hist[len(hist)-1]
	p.stats.Mispredictions++
	if mispredicted.Type.IsUnconditional() {
		p.stats.UncondMispredicts++
	} else {
		p.stats.CondMispredicts++
	}

	if mispredicted.Type != frontend.NoBranch {
		p.direction.Update(tid, mispredicted.PC, actuallyTaken, mispredicted.bpHistory, true, inst, corrTarget)
		if mispredicted.WasIndirect && !mispredicted.WasReturn {
			p.indirect.Update(tid, mispredicted.PC, corrTarget, mispredicted.indirectHistory, true, inst)
		}
		if mispredicted.WasCall || mispredicted.WasReturn {
			if mispredicted.hasRASHistory {
				p.ras.Restore(tid, mispredicted.rasHistory)
			}
			if actuallyTaken && mispredicted.WasCall {
				p.ras.Push(tid, pc.NextSequential().InstAddr())
			}
		}
		if actuallyTaken {
			p.btb.Update(tid, mispredicted.PC, frontend.NewPCState(corrTarget), inst)
		}
	}
	mispredicted.freed = true

	p.predHist[tid] = hist[:len(hist)-1]
	return nil
}

// UpdateStaticInst reconciles a history entry's predicted type against the
// true decoded opcode, per spec.md §4.4. It returns false when the types
// are irreconcilable (e.g. predicted direct, actually indirect), signaling
// the caller to force a squash.
func (p *BPU) UpdateStaticInst(seqNum frontend.InstSeqNum, inst frontend.StaticInst, tid frontend.ThreadID) bool {
	hist := p.predHist[tid]
	for i := range hist {
		if hist[i].SeqNum != seqNum {
			continue
		}
		newClass := classify(inst)
		if hist[i].Type != frontend.NoBranch && newClass != frontend.NoBranch &&
			hist[i].Type.IsIndirect() != newClass.IsIndirect() {
			return false
		}
		hist[i].Type = newClass
		hist[i].Inst = inst
		hist[i].WasCall = newClass.IsCall()
		hist[i].WasReturn = newClass.IsReturn()
		hist[i].WasIndirect = newClass.IsIndirect()
		hist[i].WasUncond = newClass.IsUnconditional()
		return true
	}
	return true
}

// MemInvalidate resets the BTB and direction predictor, equivalent to
// spec.md §4.4's mem_invalidate. It must never be called while any
// thread's history is non-empty.
func (p *BPU) MemInvalidate() error {
	for tid, hist := range p.predHist {
		if len(hist) != 0 {
			return fmt.Errorf("bpu: mem_invalidate called with non-empty history on thread %d", tid)
		}
	}
	p.btb.Reset()
	p.direction.Reset()
	if p.indirect != nil {
		p.indirect.Reset()
	}
	return nil
}

// HistoryLen returns the number of outstanding predictor history entries
// for tid, for invariant checks and tests.
func (p *BPU) HistoryLen(tid frontend.ThreadID) int {
	return len(p.predHist[tid])
}

// OldestSeqNum returns the sequence number of the oldest outstanding
// prediction for tid, matching spec.md §3's History invariant
// ("front.seq_num is the oldest uncommitted predicted branch").
func (p *BPU) OldestSeqNum(tid frontend.ThreadID) (frontend.InstSeqNum, bool) {
	hist := p.predHist[tid]
	if len(hist) == 0 {
		return 0, false
	}
	return hist[0].SeqNum, true
}
