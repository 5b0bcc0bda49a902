// Package squash implements the squash/drain controller (C9): the single
// place that serializes recovery events from downstream pipeline stages and
// resets the BPU (C5), FTQ producer (C6), and fetch engine (C7)
// consistently, per spec.md §4.8. It is composed above frontend/fetch
// rather than imported by it, so the fetch engine's own
// OnPredecodeMismatch hook can be wired here without an import cycle.
package squash

import (
	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/fetch"
	"github.com/sarchlab/m2fetch/frontend/ftq"
)

// Signal is one downstream stage's backward communication for a cycle, per
// spec.md §6's `{squash, squash_seq_num, squash_pc, squash_inst, block,
// unblock, do_squash, mispredict_inst}` contract.
type Signal struct {
	Squash       bool
	SquashSeqNum frontend.InstSeqNum
	SquashPC     frontend.PCState
	SquashInst   frontend.StaticInst

	Block   bool
	Unblock bool

	// DoSquash requests an FTQ-only redirect (do_ftq_squash), distinct from
	// Squash's full commit-mispredict recovery.
	DoSquash bool

	MispredictInst   frontend.StaticInst
	CorrectionTarget frontend.Addr
	ActuallyTaken    bool
}

// DecodeSignal, RenameSignal, IEWSignal, and CommitSignal are the four
// backward wires spec.md §6 names. They are kept as distinct types, rather
// than four parameters of the same Signal type, one per pipeline stage's
// own register the way a stage-to-stage latch would be.
type DecodeSignal struct{ Signal }
type RenameSignal struct{ Signal }
type IEWSignal struct{ Signal }
type CommitSignal struct{ Signal }

// ProcessSignals implements spec.md §5 tick step 1: process all backward
// signals from decode/rename/IEW/commit before the thread selector runs.
// Commit reflects the oldest, most certain instruction state and is
// serviced first; a later (more speculative) stage's squash is only acted
// on if commit did not already recover the same thread this cycle.
func (c *Controller) ProcessSignals(tid frontend.ThreadID, dec DecodeSignal, ren RenameSignal, iew IEWSignal, com CommitSignal) error {
	switch {
	case com.Squash:
		if err := c.Squash(tid, com.SquashPC, com.SquashSeqNum, com.MispredictInst, com.CorrectionTarget, com.ActuallyTaken); err != nil {
			return err
		}
	case iew.DoSquash:
		c.DoFTQSquash(tid, iew.SquashPC, iew.SquashSeqNum)
	case ren.DoSquash:
		c.DoFTQSquash(tid, ren.SquashPC, ren.SquashSeqNum)
	case dec.Squash:
		c.SquashFromDecode(tid, dec.SquashSeqNum, dec.SquashPC)
	}

	if com.Block || iew.Block || ren.Block || dec.Block {
		c.DrainStall(tid)
	}
	if com.Unblock || iew.Unblock || ren.Unblock || dec.Unblock {
		c.Undrain(tid)
	}

	return nil
}

// Stats counts squash events by source.
type Stats struct {
	CommitSquashes   uint64
	DecodeSquashes   uint64
	FTQOnlyRedirects uint64
	DrainStalls      uint64
}

// Controller wires C9's four recovery sources onto C5/C6/C7.
type Controller struct {
	q   *ftq.FTQ
	eng *fetch.Engine
	bp  *bpu.BPU

	stats Stats
}

// New constructs a Controller and wires eng's OnPredecodeMismatch hook to
// this controller's decode-mismatch squash path, so an irreconcilable
// bpu.UpdateStaticInst result during fetch automatically triggers recovery
// without the caller having to notice.
func New(q *ftq.FTQ, eng *fetch.Engine, bp *bpu.BPU) *Controller {
	c := &Controller{q: q, eng: eng, bp: bp}
	eng.OnPredecodeMismatch = c.squashFromDecodeMismatch
	return c
}

// Stats returns squash-source counters.
func (c *Controller) Stats() Stats {
	return c.stats
}

// Squash implements the commit-mispredict path: clear the fetch queue,
// reset pc[tid], purge the FTQ, and correct the BPU, per spec.md §4.8's
// first table row.
func (c *Controller) Squash(tid frontend.ThreadID, newPC frontend.PCState, sn frontend.InstSeqNum, inst frontend.StaticInst, correctionTarget frontend.Addr, actuallyTaken bool) error {
	c.stats.CommitSquashes++

	c.eng.Squash(tid, newPC)
	c.q.Squash(tid, sn, newPC)

	return c.bp.SquashWithCorrection(sn, correctionTarget, actuallyTaken, tid, inst, newPC)
}

// squashFromDecodeMismatch is invoked by the fetch engine after its own
// bpu.UpdateStaticInst call already found the pre-decoded class
// irreconcilable with the BTB hint the branch was predicted from. There is
// no known-correct target at decode time, so recovery re-fetches from the
// mispredicted instruction's own address rather than guessing a target;
// downstream stages will redirect again once the real outcome is known.
// Because the instruction itself is re-fetched, it is squashed along with
// everything younger: the FTQ and BPU are purged of seqNum and above.
func (c *Controller) squashFromDecodeMismatch(tid frontend.ThreadID, seqNum frontend.InstSeqNum, pc frontend.PCState) {
	c.stats.DecodeSquashes++

	c.eng.Squash(tid, pc)
	c.q.Squash(tid, seqNum-1, pc)
	c.bp.Squash(seqNum-1, tid)
}

// SquashFromDecode is the externally invokable form of the decode
// pre-decode-mismatch path, for a caller (e.g. a decode stage) that has
// already run bpu.UpdateStaticInst itself and found it incompatible.
func (c *Controller) SquashFromDecode(tid frontend.ThreadID, seqNum frontend.InstSeqNum, pc frontend.PCState) {
	c.squashFromDecodeMismatch(tid, seqNum, pc)
}

// DoFTQSquash implements the FTQ-only redirect path: purge the FTQ and
// reset bpu_pc[tid], leaving already-issued fetch-queue entries untouched,
// per spec.md §4.8's third table row.
func (c *Controller) DoFTQSquash(tid frontend.ThreadID, newPC frontend.PCState, nextSeqNum frontend.InstSeqNum) {
	c.stats.FTQOnlyRedirects++
	c.q.FTQOnlyRedirect(tid, newPC, nextSeqNum)
}

// DrainStall stops tid from issuing new fetches, per spec.md §4.8's fourth
// table row. The outstanding-response bookkeeping IsDrained needs is
// delegated entirely to fetch.Engine, which already tracks it.
func (c *Controller) DrainStall(tid frontend.ThreadID) {
	c.stats.DrainStalls++
	c.eng.DrainStall(tid)
}

// Undrain resumes fetching for a previously drain-stalled thread.
func (c *Controller) Undrain(tid frontend.ThreadID) {
	c.eng.Undrain(tid)
}

// IsDrained reports whether tid has completed draining, per spec.md §4.8's
// "when all outstanding I-cache/translation responses drained, signal
// is_drained()".
func (c *Controller) IsDrained(tid frontend.ThreadID) bool {
	return c.eng.IsDrained(tid)
}
