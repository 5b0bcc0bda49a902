// Package ftq implements the FTQ producer (C6): a per-thread decoupled PC
// that runs ahead of architectural fetch, probing the BTB and BPU to emit
// sealed BasicBlocks into a bounded per-thread FIFO consumed by the fetch
// engine (C7).
package ftq

import (
	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/btb"
)

// Config configures the FTQ producer, per spec.md §4.5.
type Config struct {
	// Size bounds how many sealed (and at most one open) blocks may sit in
	// a thread's queue at once. Default 8.
	Size uint32

	// MaxInstPerBB caps a block's reserved sequence-number window before it
	// is sealed without a terminal branch. Default frontend.DefaultMaxInstPerBB.
	MaxInstPerBB uint32
}

// DefaultConfig returns Size=8, MaxInstPerBB=frontend.DefaultMaxInstPerBB.
func DefaultConfig() Config {
	return Config{Size: 8, MaxInstPerBB: frontend.DefaultMaxInstPerBB}
}

// Status reports a thread's FTQ producer state for the given tick.
type Status uint8

const (
	Active Status = iota
	Full
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Full:
		return "Full"
	default:
		return "Unknown"
	}
}

// FTQ holds one bounded FIFO of *frontend.BasicBlock per thread, plus the
// decoupled bpu_pc driving production.
type FTQ struct {
	cfg Config

	btb *btb.BTB
	bpu *bpu.BPU

	queues     [][]*frontend.BasicBlock
	bpuPC      []frontend.PCState
	nextSeqNum []frontend.InstSeqNum
	status     []Status
}

// New constructs an FTQ producer bound to the given BTB and BPU.
func New(cfg Config, b *btb.BTB, p *bpu.BPU, numThreads int) *FTQ {
	if numThreads <= 0 {
		numThreads = 1
	}
	if cfg.Size == 0 {
		cfg.Size = 8
	}
	return &FTQ{
		cfg:        cfg,
		btb:        b,
		bpu:        p,
		queues:     make([][]*frontend.BasicBlock, numThreads),
		bpuPC:      make([]frontend.PCState, numThreads),
		nextSeqNum: make([]frontend.InstSeqNum, numThreads),
		status:     make([]Status, numThreads),
	}
}

// SetPC seeds tid's decoupled PC, e.g. at startup or after an architectural
// reset. It does not touch the thread's queue.
func (f *FTQ) SetPC(tid frontend.ThreadID, pc frontend.PCState, nextSeqNum frontend.InstSeqNum) {
	f.bpuPC[tid] = pc
	f.nextSeqNum[tid] = nextSeqNum
}

// Status returns tid's producer status as of the last Tick.
func (f *FTQ) Status(tid frontend.ThreadID) Status {
	return f.status[tid]
}

// Len returns the number of blocks (sealed or open) currently queued for tid.
func (f *FTQ) Len(tid frontend.ThreadID) int {
	return len(f.queues[tid])
}

// Tick advances tid's FTQ production by one cycle, per spec.md §4.5:
//  1. if the queue is at capacity, report Full and do nothing;
//  2. open a new block at bpu_pc if none is open;
//  3. probe the BTB: on miss or non-branch hint, advance bpu_pc by one
//     instruction width and keep the block open;
//  4. on a branch hint, consult the BPU and seal the block as a terminal
//     branch, adopting its predicted PC;
//  5. if the block's reserved sequence window is exhausted first, seal it
//     as a size-capped (non-branch) block instead.
func (f *FTQ) Tick(tid frontend.ThreadID) {
	q := f.queues[tid]
	if uint32(len(q)) >= f.cfg.Size {
		f.status[tid] = Full
		return
	}
	f.status[tid] = Active

	var open *frontend.BasicBlock
	if n := len(q); n > 0 && !q[n-1].Sealed {
		open = q[n-1]
	} else {
		open = frontend.NewBasicBlock(tid, f.bpuPC[tid], f.nextSeqNum[tid], f.cfg.MaxInstPerBB)
		f.queues[tid] = append(q, open)
	}

	hint, hit := f.btb.LookupInst(tid, f.bpuPC[tid].InstAddr())

	if !hit || hint == nil {
		if _, err := open.NextSeqNum(); err != nil {
			f.sealCapped(tid, open)
			return
		}
		f.bpuPC[tid] = f.bpuPC[tid].Advance()
		return
	}

	seq, err := open.NextSeqNum()
	if err != nil {
		f.sealCapped(tid, open)
		return
	}

	branchPC := f.bpuPC[tid]
	predPC := branchPC
	taken := f.bpu.Predict(hint, seq, &predPC, tid)
	open.SealBranch(branchPC, taken, predPC)
	f.bpuPC[tid] = predPC
	f.nextSeqNum[tid] = open.BrSeqNum
}

// sealCapped seals open at its last reserved instruction. The instruction at
// bpu_pc did not fit in the window, so bpu_pc stays put and opens the next
// block.
func (f *FTQ) sealCapped(tid frontend.ThreadID, open *frontend.BasicBlock) {
	last := open.StartPC
	for i := 1; i < open.ReservedCount(); i++ {
		last = last.Advance()
	}
	open.SealCap(last)
	f.nextSeqNum[tid] = open.BrSeqNum
}

// Front returns tid's head block if it is sealed and ready for the fetch
// engine to consume, per spec.md §4.6 step 4.
func (f *FTQ) Front(tid frontend.ThreadID) (*frontend.BasicBlock, bool) {
	q := f.queues[tid]
	if len(q) == 0 || !q[0].Sealed {
		return nil, false
	}
	return q[0], true
}

// Pop discards tid's head block, per spec.md §4.6 step 6 ("if BB consumed,
// pop FTQ front").
func (f *FTQ) Pop(tid frontend.ThreadID) {
	q := f.queues[tid]
	if len(q) == 0 {
		return
	}
	f.queues[tid] = q[1:]
}

// At returns tid's block at queue position idx (0 is the head), for
// lookahead such as the fetch engine's pipelined I-cache prefetch of the
// block behind the one currently being consumed.
func (f *FTQ) At(tid frontend.ThreadID, idx int) (*frontend.BasicBlock, bool) {
	q := f.queues[tid]
	if idx < 0 || idx >= len(q) {
		return nil, false
	}
	return q[idx], true
}

// Squash purges tid's FTQ behind seqNum — every block whose reserved window
// extends past seqNum is dropped — and resets bpu_pc to redirectPC, per
// spec.md §4.5 ("On squash the FTQ is purged behind a given seq_num;
// bpu_pc[tid] is reset to the redirect PC").
func (f *FTQ) Squash(tid frontend.ThreadID, seqNum frontend.InstSeqNum, redirectPC frontend.PCState) {
	q := f.queues[tid]
	kept := make([]*frontend.BasicBlock, 0, len(q))
	next := seqNum + 1
	for _, bb := range q {
		if bb.Sealed && bb.BrSeqNum-1 <= seqNum {
			kept = append(kept, bb)
			if bb.BrSeqNum > next {
				next = bb.BrSeqNum
			}
			continue
		}
		break
	}
	f.queues[tid] = kept
	f.bpuPC[tid] = redirectPC
	f.nextSeqNum[tid] = next
}

// FTQOnlyRedirect purges tid's entire FTQ and resets bpu_pc, leaving
// already-issued fetch-queue entries untouched — spec.md §4.8's
// do_ftq_squash.
func (f *FTQ) FTQOnlyRedirect(tid frontend.ThreadID, redirectPC frontend.PCState, nextSeqNum frontend.InstSeqNum) {
	f.queues[tid] = nil
	f.bpuPC[tid] = redirectPC
	f.nextSeqNum[tid] = nextSeqNum
}
