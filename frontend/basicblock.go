package frontend

import "fmt"

// DefaultMaxInstPerBB bounds how many instructions a single basic block may
// reserve sequence numbers for before the FTQ producer is required to seal
// it, even absent a terminal branch. See SPEC_FULL.md's resolution of
// spec.md's "BB sequence window" open question.
const DefaultMaxInstPerBB = 32

// BasicBlock is the unit of work handed from the BPU-driven FTQ producer
// (C6) to the fetch engine (C7): a run of sequentially fetched instructions
// terminated by a predicted control-flow instruction or a size cap.
//
// Invariants (spec.md §3):
//   - for every issued intra-BB instruction i: StartSeqNum < i.seq < BrSeqNum
//   - StartPC.InstAddr() <= any instruction addr in BB <= EndPC.InstAddr()
type BasicBlock struct {
	TID ThreadID

	StartPC PCState
	EndPC   PCState // terminal-branch PC, or last instruction of a size-capped block; zero value until sealed

	StartSeqNum InstSeqNum
	BrSeqNum    InstSeqNum // reserved upper bound, exclusive
	seqIter     InstSeqNum // next-offset counter, relative to StartSeqNum

	Sealed   bool
	IsBranch bool
	Taken    bool
	PredPC   PCState
}

// NewBasicBlock opens a new basic block at startPC, reserving the sequence
// number window [startSeqNum+1, startSeqNum+1+maxInstPerBB).
func NewBasicBlock(tid ThreadID, startPC PCState, startSeqNum InstSeqNum, maxInstPerBB uint32) *BasicBlock {
	if maxInstPerBB == 0 {
		maxInstPerBB = DefaultMaxInstPerBB
	}
	return &BasicBlock{
		TID:         tid,
		StartPC:     startPC,
		StartSeqNum: startSeqNum,
		BrSeqNum:    startSeqNum + 1 + InstSeqNum(maxInstPerBB),
	}
}

// NextSeqNum reserves and returns the next sequence number for an
// instruction fetched from this block. It returns an error if the block's
// reserved window is exhausted before being sealed, mirroring gem5's
// `assert(startSeqNum + seq_iter < brSeqNum)` in the decoupled frontend.
func (b *BasicBlock) NextSeqNum() (InstSeqNum, error) {
	next := b.StartSeqNum + 1 + b.seqIter
	if next >= b.BrSeqNum {
		return 0, fmt.Errorf("basic block at pc %#x: sequence window exhausted (start=%d br=%d)",
			b.StartPC.InstAddr(), b.StartSeqNum, b.BrSeqNum)
	}
	b.seqIter++
	return next, nil
}

// SealBranch seals the block as terminated by a predicted branch at endPC.
func (b *BasicBlock) SealBranch(endPC PCState, taken bool, predPC PCState) {
	b.EndPC = endPC
	b.IsBranch = true
	b.Taken = taken
	b.PredPC = predPC
	b.Sealed = true
	b.BrSeqNum = b.StartSeqNum + 1 + b.seqIter
}

// SealCap seals the block without a terminal branch, because the
// max-instructions-per-block cap was reached (spec.md §4.5 step 2).
func (b *BasicBlock) SealCap(endPC PCState) {
	b.EndPC = endPC
	b.IsBranch = false
	b.Sealed = true
	b.BrSeqNum = b.StartSeqNum + 1 + b.seqIter
}

// ReservedCount returns the number of sequence numbers this block's
// producer actually reserved (via NextSeqNum), i.e. the number of
// instructions a consumer should expect to fetch from it.
func (b *BasicBlock) ReservedCount() int {
	return int(b.seqIter)
}

// SeqNum returns the sequence number of the i'th instruction reserved in
// this block (0-indexed), for a consumer walking the block independently
// of the producer's own NextSeqNum cursor.
func (b *BasicBlock) SeqNum(i int) InstSeqNum {
	return b.StartSeqNum + 1 + InstSeqNum(i)
}

// InBB reports whether addr falls within [StartPC, EndPC] of a sealed
// block, or is at-or-after StartPC for an open block.
func (b *BasicBlock) InBB(addr Addr) bool {
	if !b.Sealed {
		return addr >= b.StartPC.InstAddr()
	}
	return addr >= b.StartPC.InstAddr() && addr <= b.EndPC.InstAddr()
}

// IsTerminal reports whether addr is this block's terminal address.
func (b *BasicBlock) IsTerminal(addr Addr) bool {
	return b.Sealed && addr == b.EndPC.InstAddr()
}

// Exhausted reports whether every reserved sequence number in this block
// has been committed or squashed, meaning the block itself can be released.
func (b *BasicBlock) Exhausted(committedOrSquashedThrough InstSeqNum) bool {
	return b.Sealed && committedOrSquashedThrough >= b.BrSeqNum-1
}
