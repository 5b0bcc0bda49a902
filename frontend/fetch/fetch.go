// Package fetch implements the fetch engine (C7): the per-thread state
// machine that drains sealed BasicBlocks from the FTQ, translates and
// fetches instruction bytes through the I-cache port, decodes them
// (expanding macro-ops one micro-op at a time), and populates a per-thread
// fetch queue for decode to consume. See spec.md §4.6.
package fetch

import (
	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/ftq"
	"github.com/sarchlab/m2fetch/frontend/icache"
	"github.com/sarchlab/m2fetch/frontend/sched"
	"github.com/sarchlab/m2fetch/frontend/threadselect"
)

// ThreadStatus is one state of spec.md §4.6's per-thread state machine.
type ThreadStatus uint8

const (
	Running ThreadStatus = iota
	Idle
	Squashing
	Blocked
	Fetching
	TrapPending
	QuiescePending
	ItlbWait
	IcacheWaitResponse
	IcacheWaitRetry
	IcacheAccessComplete
	FTQEmpty
	NoGoodAddr
)

func (s ThreadStatus) String() string {
	switch s {
	case Running:
		return "Running"
	case Idle:
		return "Idle"
	case Squashing:
		return "Squashing"
	case Blocked:
		return "Blocked"
	case Fetching:
		return "Fetching"
	case TrapPending:
		return "TrapPending"
	case QuiescePending:
		return "QuiescePending"
	case ItlbWait:
		return "ItlbWait"
	case IcacheWaitResponse:
		return "IcacheWaitResponse"
	case IcacheWaitRetry:
		return "IcacheWaitRetry"
	case IcacheAccessComplete:
		return "IcacheAccessComplete"
	case FTQEmpty:
		return "FTQEmpty"
	case NoGoodAddr:
		return "NoGoodAddr"
	default:
		return "Unknown"
	}
}

// ready reports whether a thread in this status is a valid selection
// candidate, per spec.md §4.7 ("Ready = fetch_status ∈ {Running,
// IcacheAccessComplete, Idle}").
func (s ThreadStatus) ready() bool {
	return s == Running || s == IcacheAccessComplete || s == Idle
}

// DynInst is a decoded instruction handed to the downstream fetch queue.
type DynInst struct {
	SeqNum frontend.InstSeqNum
	TID    frontend.ThreadID
	PC     frontend.PCState
	Static frontend.StaticInst
}

// Config configures the fetch engine, per spec.md §4.6.
type Config struct {
	FetchWidth      int
	FetchQueueSize  int
	// FetchBufferSize must be a power of two; it is the granularity at
	// which fetch_buffer_align(pc) groups addresses into one I-cache line
	// fetch. Default 128.
	FetchBufferSize int
	// TranslationLatency is the fixed number of cycles translate_timing
	// takes to complete, delivered via the scheduler. Default 1.
	TranslationLatency uint64
}

// DefaultConfig returns FetchWidth=4, FetchQueueSize=32,
// FetchBufferSize=128, TranslationLatency=1.
func DefaultConfig() Config {
	return Config{
		FetchWidth:         4,
		FetchQueueSize:     32,
		FetchBufferSize:    128,
		TranslationLatency: 1,
	}
}

// Translator models spec.md §6's MMU translate_timing contract. Translate
// resolves synchronously; the engine defers delivering the result by
// Config.TranslationLatency cycles through the scheduler, modeling the
// asynchronous finish_translation callback.
type Translator interface {
	Translate(tid frontend.ThreadID, vaddr frontend.Addr) (paddr frontend.Addr, fault error)
}

// Stats holds fetch-engine-level counters, per spec.md §4.8's required
// squash bookkeeping.
type Stats struct {
	Fetched           uint64
	IcacheSquashes    uint64
	TlbSquashes       uint64
	TranslationFaults uint64
}

type threadState struct {
	status ThreadStatus
	pc     frontend.PCState

	fetchBufferValid bool
	fetchBufferBase  frontend.Addr
	fetchBufferData  []byte

	macroop frontend.StaticInst

	curBB    *frontend.BasicBlock
	fetchIdx int
	curSeq   frontend.InstSeqNum

	translationGen  uint64
	translatingAddr frontend.Addr

	lastFault error

	prefetchBase  frontend.Addr
	prefetchValid bool

	draining bool
}

// Engine is the fetch engine (C7).
type Engine struct {
	cfg Config

	q        *ftq.FTQ
	port     *icache.Port
	decoders []frontend.Decoder
	trans    Translator
	sel      *threadselect.Selector
	sch      *sched.Scheduler
	bp       *bpu.BPU

	threads     []threadState
	fetchQueues [][]DynInst

	stats Stats

	// OnPredecodeMismatch is invoked when a decoded instruction's true
	// BranchClass is irreconcilable with the BTB hint the BPU predicted
	// from (bpu.UpdateStaticInst returned false), signaling the squash
	// controller (C9) to perform squash_from_decode. May be left nil in
	// configurations without a wired squash controller (e.g. tests).
	OnPredecodeMismatch func(tid frontend.ThreadID, seqNum frontend.InstSeqNum, pc frontend.PCState)
}

// New constructs a fetch engine. decoders must have one entry per thread;
// each Decoder instance owns that thread's in-progress macro-op state.
func New(cfg Config, q *ftq.FTQ, port *icache.Port, decoders []frontend.Decoder, trans Translator, sel *threadselect.Selector, sch *sched.Scheduler, bp *bpu.BPU) *Engine {
	if cfg.FetchWidth == 0 {
		cfg = DefaultConfig()
	}
	n := len(decoders)
	e := &Engine{
		cfg:         cfg,
		q:           q,
		port:        port,
		decoders:    decoders,
		trans:       trans,
		sel:         sel,
		sch:         sch,
		bp:          bp,
		threads:     make([]threadState, n),
		fetchQueues: make([][]DynInst, n),
	}
	return e
}

// Stats returns fetch-engine statistics.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Status returns tid's current state-machine status.
func (e *Engine) Status(tid frontend.ThreadID) ThreadStatus {
	return e.threads[tid].status
}

// PC returns tid's current architectural fetch PC.
func (e *Engine) PC(tid frontend.ThreadID) frontend.PCState {
	return e.threads[tid].pc
}

// SetPC seeds tid's architectural fetch PC, invalidating any stale fetch
// buffer.
func (e *Engine) SetPC(tid frontend.ThreadID, pc frontend.PCState) {
	st := &e.threads[tid]
	st.pc = pc
	st.fetchBufferValid = false
	st.status = Running
}

// FetchQueueLen returns the number of decoded instructions queued for tid
// awaiting decode.
func (e *Engine) FetchQueueLen(tid frontend.ThreadID) int {
	return len(e.fetchQueues[tid])
}

// DrainFetchQueue removes and returns up to n queued instructions for tid,
// in fetch order (spec.md §4.6 step 7's "drive to_decode wire").
func (e *Engine) DrainFetchQueue(tid frontend.ThreadID, n int) []DynInst {
	q := e.fetchQueues[tid]
	if n > len(q) {
		n = len(q)
	}
	out := q[:n]
	e.fetchQueues[tid] = q[n:]
	return out
}

// OnIcacheResponse is wired as the icache.Port's response callback. It
// completes the outstanding fetch-buffer refill for tid and hands the
// fetched bytes to tid's decoder.
func (e *Engine) OnIcacheResponse(tid frontend.ThreadID, pkt *icache.Packet) {
	st := &e.threads[tid]
	st.fetchBufferValid = true
	st.fetchBufferBase = e.fetchBufferAlign(pkt.Addr)
	st.fetchBufferData = pkt.Data
	e.decoders[tid].MoreBytes(st.pc, pkt.Addr, pkt.Data)
	if st.status == ItlbWait || st.status == IcacheWaitResponse || st.status == IcacheWaitRetry {
		st.status = IcacheAccessComplete
	}
}

// SelectThread runs the configured thread-selection policy over all
// threads whose status is currently ready, per spec.md §4.7.
func (e *Engine) SelectThread(m threadselect.Metrics) frontend.ThreadID {
	ready := make([]bool, len(e.threads))
	for i, st := range e.threads {
		ready[i] = !st.draining && st.status.ready()
	}
	return e.sel.Pick(ready, m)
}

// Tick advances tid's fetch engine by one cycle, per spec.md §4.6 steps
// 3-7. It returns whether any instruction was produced this cycle
// ("wrote_to_time_buffer").
func (e *Engine) Tick(tid frontend.ThreadID) bool {
	st := &e.threads[tid]

	if st.draining {
		return false
	}

	switch st.status {
	case ItlbWait, IcacheWaitResponse, IcacheWaitRetry, Squashing, TrapPending, QuiescePending, NoGoodAddr:
		return false
	}

	e.maybePrefetch(tid)

	bb, ok := e.q.Front(tid)
	if !ok {
		st.status = FTQEmpty
		return false
	}
	if bb != st.curBB {
		st.curBB = bb
		st.fetchIdx = 0
	}

	wrote := false
	numInst := 0
	consumed := false

	for numInst < e.cfg.FetchWidth && len(e.fetchQueues[tid]) < e.cfg.FetchQueueSize {
		pcAddr := st.pc.InstAddr()

		if !e.bufferCovers(tid, pcAddr) {
			e.issueTranslation(tid, pcAddr)
			return wrote
		}

		startingMacroop := st.macroop == nil

		inst, macroDone := e.decodeAt(tid, st.pc)
		if inst == nil {
			return wrote
		}

		var seq frontend.InstSeqNum
		if startingMacroop {
			if st.fetchIdx >= bb.ReservedCount() {
				consumed = true
				break
			}
			seq = bb.SeqNum(st.fetchIdx)
			st.fetchIdx++
			st.curSeq = seq
		} else {
			seq = st.curSeq
		}

		e.fetchQueues[tid] = append(e.fetchQueues[tid], DynInst{
			SeqNum: seq,
			TID:    tid,
			PC:     st.pc,
			Static: inst,
		})
		numInst++
		wrote = true
		e.stats.Fetched++

		if bb.IsTerminal(pcAddr) && macroDone {
			if !bb.IsBranch {
				st.pc = st.pc.Advance()
				consumed = true
				break
			}

			mismatched := false
			if e.bp != nil {
				if ok := e.bp.UpdateStaticInst(seq, inst, tid); !ok {
					mismatched = true
					if e.OnPredecodeMismatch != nil {
						e.OnPredecodeMismatch(tid, seq, st.pc)
					}
				}
			}
			if !mismatched {
				st.pc = bb.PredPC
			}
			consumed = true
			break
		}

		if macroDone {
			st.pc = st.pc.Advance()
		} else {
			st.pc = st.pc.AdvanceMicro()
		}
	}

	if consumed {
		e.q.Pop(tid)
	}

	st.status = Running
	return wrote
}

func (e *Engine) decodeAt(tid frontend.ThreadID, pc frontend.PCState) (frontend.StaticInst, bool) {
	st := &e.threads[tid]
	dec := e.decoders[tid]
	if st.macroop != nil {
		micro := dec.FetchMicroop(pc.MicroPC())
		done := int(pc.MicroPC())+1 >= st.macroop.NumMicroops()
		if done {
			st.macroop = nil
		}
		return micro, done
	}

	inst, ok := dec.Decode(pc)
	if !ok {
		return nil, true
	}
	if inst.IsMacroop() && inst.NumMicroops() > 1 {
		st.macroop = inst
		return dec.FetchMicroop(0), false
	}
	return inst, true
}

func (e *Engine) fetchBufferAlign(addr frontend.Addr) frontend.Addr {
	sz := frontend.Addr(e.cfg.FetchBufferSize)
	return (addr / sz) * sz
}

func (e *Engine) bufferCovers(tid frontend.ThreadID, addr frontend.Addr) bool {
	st := &e.threads[tid]
	return st.fetchBufferValid && e.fetchBufferAlign(addr) == st.fetchBufferBase
}

func (e *Engine) issueTranslation(tid frontend.ThreadID, addr frontend.Addr) {
	st := &e.threads[tid]
	st.status = ItlbWait
	aligned := e.fetchBufferAlign(addr)
	st.translatingAddr = aligned
	gen := st.translationGen

	paddr, fault := e.trans.Translate(tid, aligned)
	e.sch.ScheduleAfter(e.cfg.TranslationLatency, func() {
		e.finishTranslation(tid, gen, aligned, paddr, fault)
	})
}

// finishTranslation is scheduled by issueTranslation and models spec.md
// §6's FinishTranslationEvent. A translation whose generation no longer
// matches tid's current one was squashed while in flight and is dropped.
func (e *Engine) finishTranslation(tid frontend.ThreadID, gen uint64, vaddr, paddr frontend.Addr, fault error) {
	st := &e.threads[tid]
	if gen != st.translationGen {
		return
	}

	if fault != nil {
		e.stats.TranslationFaults++
		st.status = NoGoodAddr
		st.lastFault = fault
		return
	}

	pkt := &icache.Packet{TID: tid, Addr: paddr, Size: e.cfg.FetchBufferSize}
	st.status = IcacheWaitResponse
	if !e.port.SendTimingReq(pkt) {
		st.status = IcacheWaitRetry
	}
}

// LastFault returns the most recent translation fault recorded for tid, if
// any, so a caller can inject the NOP-carrying-fault spec.md §7 describes.
func (e *Engine) LastFault(tid frontend.ThreadID) error {
	return e.threads[tid].lastFault
}

// maybePrefetch implements spec.md §4.6's pipelined I-cache: while waiting
// on the current request, the block behind the one being consumed may have
// its line requested early, so its response is likely to already be
// IcacheAccessComplete once the current block is drained. Tick calls it only
// after returning early for the ItlbWait and IcacheWaitResponse states, and
// it does nothing in any other state, so as wired it issues no prefetch.
func (e *Engine) maybePrefetch(tid frontend.ThreadID) {
	st := &e.threads[tid]
	if st.status != IcacheWaitResponse && st.status != ItlbWait {
		return
	}
	next, ok := e.q.At(tid, 1)
	if !ok || !next.Sealed {
		return
	}
	base := e.fetchBufferAlign(next.StartPC.InstAddr())
	if st.prefetchValid && st.prefetchBase == base {
		return
	}
	if e.bufferCovers(tid, next.StartPC.InstAddr()) {
		return
	}
	paddr, fault := e.trans.Translate(tid, base)
	if fault != nil {
		return
	}
	st.prefetchValid = true
	st.prefetchBase = base
	e.port.SendTimingReq(&icache.Packet{TID: tid, Addr: paddr, Size: e.cfg.FetchBufferSize})
}

// Squash implements spec.md §4.8's commit-mispredict and
// decode-pre-decode-mismatch squash action for the fetch engine's share of
// the work: clear the fetch queue, reset pc, abandon any in-flight I-cache
// packet and pending translation, and reset the macro-op expander. It does
// not touch the FTQ or BPU; the squash controller (C9) is responsible for
// calling FTQ.Squash and BPU.SquashWithCorrection/Squash itself.
func (e *Engine) Squash(tid frontend.ThreadID, redirectPC frontend.PCState) {
	st := &e.threads[tid]

	e.fetchQueues[tid] = nil

	if st.status == ItlbWait {
		st.translationGen++
		e.stats.TlbSquashes++
	}
	if st.status == IcacheWaitResponse || st.status == IcacheWaitRetry {
		e.port.Squash(tid)
		e.stats.IcacheSquashes++
	}
	st.macroop = nil
	st.prefetchValid = false
	st.lastFault = nil

	if !e.bufferCovers(tid, redirectPC.InstAddr()) {
		st.fetchBufferValid = false
	}

	st.pc = redirectPC
	st.status = Running
}

// DrainStall stops tid from issuing new fetches, per spec.md §4.8's
// drain_stall. IsDrained reports once no I-cache/translation response is
// still outstanding.
func (e *Engine) DrainStall(tid frontend.ThreadID) {
	e.threads[tid].draining = true
}

// Undrain resumes fetching for a previously drain-stalled thread.
func (e *Engine) Undrain(tid frontend.ThreadID) {
	e.threads[tid].draining = false
}

// IsDrained reports whether tid has no outstanding I-cache or translation
// response, per spec.md §4.8.
func (e *Engine) IsDrained(tid frontend.ThreadID) bool {
	st := &e.threads[tid]
	return st.draining &&
		st.status != ItlbWait &&
		st.status != IcacheWaitResponse &&
		st.status != IcacheWaitRetry
}
