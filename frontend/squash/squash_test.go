package squash_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/btb"
	"github.com/sarchlab/m2fetch/frontend/fetch"
	"github.com/sarchlab/m2fetch/frontend/ftq"
	"github.com/sarchlab/m2fetch/frontend/icache"
	"github.com/sarchlab/m2fetch/frontend/predictor"
	"github.com/sarchlab/m2fetch/frontend/ras"
	"github.com/sarchlab/m2fetch/frontend/sched"
	"github.com/sarchlab/m2fetch/frontend/squash"
	"github.com/sarchlab/m2fetch/frontend/threadselect"
)

type fakeInst struct {
	class frontend.BranchClass
}

func (f fakeInst) IsControl() bool             { return f.class != frontend.NoBranch }
func (f fakeInst) Class() frontend.BranchClass { return f.class }
func (f fakeInst) IsMacroop() bool             { return false }
func (f fakeInst) NumMicroops() int            { return 1 }

type fakeDecoder struct {
	branches map[frontend.Addr]frontend.BranchClass
	primed   bool
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{branches: map[frontend.Addr]frontend.BranchClass{}}
}

func (d *fakeDecoder) MoreBytes(pc frontend.PCState, fetchAddr frontend.Addr, bytes []byte) {
	d.primed = true
}

func (d *fakeDecoder) Decode(pc frontend.PCState) (frontend.StaticInst, bool) {
	if !d.primed {
		return nil, false
	}
	return fakeInst{class: d.branches[pc.InstAddr()]}, true
}

func (d *fakeDecoder) FetchMicroop(upc uint8) frontend.StaticInst { return fakeInst{} }

type idTranslator struct{}

func (idTranslator) Translate(tid frontend.ThreadID, vaddr frontend.Addr) (frontend.Addr, error) {
	return vaddr, nil
}

type fakeBacking struct{}

func (fakeBacking) Read(addr uint64, size int) []byte { return make([]byte, size) }

type harness struct {
	ctrl     *squash.Controller
	eng      *fetch.Engine
	q        *ftq.FTQ
	btb      *btb.BTB
	bp       *bpu.BPU
	sch      *sched.Scheduler
	decoders []*fakeDecoder
}

func newHarness() harness {
	b, err := btb.New(btb.Config{NumEntries: 256, TagBits: 16, InstShiftAmt: 2, NumThreads: 1})
	Expect(err).NotTo(HaveOccurred())
	r, err := ras.New(ras.DefaultConfig(), 1)
	Expect(err).NotTo(HaveOccurred())
	dir, err := predictor.NewBimodal(predictor.DefaultBimodalConfig())
	Expect(err).NotTo(HaveOccurred())
	ind, err := predictor.NewTagIndexed(predictor.DefaultIndirectConfig())
	Expect(err).NotTo(HaveOccurred())
	bp := bpu.New(bpu.DefaultConfig(), b, r, dir, ind, 1)

	q := ftq.New(ftq.DefaultConfig(), b, bp, 1)
	sch := sched.New()

	dec := newFakeDecoder()

	var eng *fetch.Engine
	port := icache.New(icache.DefaultConfig(), fakeBacking{}, sch, 1,
		func(tid frontend.ThreadID, pkt *icache.Packet) { eng.OnIcacheResponse(tid, pkt) })

	sel := threadselect.New(threadselect.RoundRobin, 1)
	eng = fetch.New(fetch.DefaultConfig(), q, port, []frontend.Decoder{dec}, idTranslator{}, sel, sch, bp)

	ctrl := squash.New(q, eng, bp)

	return harness{ctrl: ctrl, eng: eng, q: q, btb: b, bp: bp, sch: sch, decoders: []*fakeDecoder{dec}}
}

func (h harness) runUntilFetched(tid frontend.ThreadID, n, maxCycles int) {
	for i := 0; i < maxCycles && h.eng.FetchQueueLen(tid) < n; i++ {
		h.eng.Tick(tid)
		h.sch.Tick()
	}
}

var _ = Describe("Controller", func() {
	It("corrects the BPU/BTB and clears fetch queue + FTQ on a commit mispredict", func() {
		h := newHarness()
		h.q.SetPC(0, frontend.NewPCState(0x2000), 1)
		h.decoders[0].branches[0x2000] = frontend.DirectCond
		h.btb.Update(0, 0x2000, frontend.NewPCState(0x2100), fakeInst{class: frontend.DirectCond})

		h.q.Tick(0)
		bb, ok := h.q.Front(0)
		Expect(ok).To(BeTrue())
		seqNum := bb.BrSeqNum - 1

		h.eng.SetPC(0, frontend.NewPCState(0x2000))
		h.runUntilFetched(0, 1, 32)
		Expect(h.eng.FetchQueueLen(0)).To(Equal(1))

		err := h.ctrl.Squash(0, frontend.NewPCState(0x3000), seqNum, fakeInst{class: frontend.DirectCond}, 0x3100, true)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.eng.FetchQueueLen(0)).To(Equal(0))
		Expect(h.eng.PC(0).InstAddr()).To(Equal(frontend.Addr(0x3000)))
		Expect(h.bp.HistoryLen(0)).To(Equal(0))

		target, ok := h.btb.Lookup(0, 0x2000)
		Expect(ok).To(BeTrue())
		Expect(target.InstAddr()).To(Equal(frontend.Addr(0x3100)))

		Expect(h.ctrl.Stats().CommitSquashes).To(Equal(uint64(1)))
	})

	It("auto-squashes from decode when a pre-decode mismatch is irreconcilable", func() {
		h := newHarness()
		h.q.SetPC(0, frontend.NewPCState(0x4000), 1)
		// BTB hint says direct conditional; the decoder later reveals an
		// indirect branch, which UpdateStaticInst cannot reconcile.
		h.decoders[0].branches[0x4000] = frontend.IndirectCond
		h.btb.Update(0, 0x4000, frontend.NewPCState(0x4100), fakeInst{class: frontend.DirectCond})

		h.q.Tick(0)
		_, ok := h.q.Front(0)
		Expect(ok).To(BeTrue())

		h.eng.SetPC(0, frontend.NewPCState(0x4000))
		h.runUntilFetched(0, 1, 32)

		Expect(h.ctrl.Stats().DecodeSquashes).To(Equal(uint64(1)))
		Expect(h.eng.FetchQueueLen(0)).To(Equal(0))
		Expect(h.eng.PC(0).InstAddr()).To(Equal(frontend.Addr(0x4000)))
		Expect(h.bp.HistoryLen(0)).To(Equal(0))
	})

	It("purges the FTQ and resets bpu_pc without touching the fetch queue on an FTQ-only redirect", func() {
		h := newHarness()
		h.q.SetPC(0, frontend.NewPCState(0x5000), 1)
		h.q.Tick(0)
		h.q.Tick(0)
		Expect(h.q.Len(0)).To(BeNumerically(">", 0))

		h.ctrl.DoFTQSquash(0, frontend.NewPCState(0x6000), 42)

		Expect(h.q.Len(0)).To(Equal(0))
		_, ok := h.q.Front(0)
		Expect(ok).To(BeFalse())
		Expect(h.ctrl.Stats().FTQOnlyRedirects).To(Equal(uint64(1)))
	})

	Describe("ProcessSignals", func() {
		It("services a commit squash and ignores lower-priority signals in the same cycle", func() {
			h := newHarness()
			h.q.SetPC(0, frontend.NewPCState(0x2000), 1)
			h.decoders[0].branches[0x2000] = frontend.DirectCond
			h.btb.Update(0, 0x2000, frontend.NewPCState(0x2100), fakeInst{class: frontend.DirectCond})

			h.q.Tick(0)
			bb, ok := h.q.Front(0)
			Expect(ok).To(BeTrue())
			seqNum := bb.BrSeqNum - 1

			h.eng.SetPC(0, frontend.NewPCState(0x2000))
			h.runUntilFetched(0, 1, 32)

			com := squash.CommitSignal{Signal: squash.Signal{
				Squash: true, SquashSeqNum: seqNum, SquashPC: frontend.NewPCState(0x3000),
				MispredictInst: fakeInst{class: frontend.DirectCond}, CorrectionTarget: 0x3100, ActuallyTaken: true,
			}}
			iew := squash.IEWSignal{Signal: squash.Signal{DoSquash: true, SquashPC: frontend.NewPCState(0x9999)}}

			err := h.ctrl.ProcessSignals(0, squash.DecodeSignal{}, squash.RenameSignal{}, iew, com)
			Expect(err).NotTo(HaveOccurred())

			Expect(h.ctrl.Stats().CommitSquashes).To(Equal(uint64(1)))
			Expect(h.ctrl.Stats().FTQOnlyRedirects).To(Equal(uint64(0)))
			Expect(h.eng.PC(0).InstAddr()).To(Equal(frontend.Addr(0x3000)))
		})

		It("services an IEW FTQ-only redirect when commit has nothing to say", func() {
			h := newHarness()
			h.q.SetPC(0, frontend.NewPCState(0x5000), 1)
			h.q.Tick(0)

			iew := squash.IEWSignal{Signal: squash.Signal{DoSquash: true, SquashPC: frontend.NewPCState(0x6000)}}
			err := h.ctrl.ProcessSignals(0, squash.DecodeSignal{}, squash.RenameSignal{}, iew, squash.CommitSignal{})
			Expect(err).NotTo(HaveOccurred())

			Expect(h.ctrl.Stats().FTQOnlyRedirects).To(Equal(uint64(1)))
			Expect(h.q.Len(0)).To(Equal(0))
		})

		It("drain-stalls on a block signal and resumes on unblock", func() {
			h := newHarness()
			h.eng.SetPC(0, frontend.NewPCState(0x7000))

			err := h.ctrl.ProcessSignals(0, squash.DecodeSignal{}, squash.RenameSignal{}, squash.IEWSignal{Signal: squash.Signal{Block: true}}, squash.CommitSignal{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.ctrl.IsDrained(0)).To(BeTrue())

			err = h.ctrl.ProcessSignals(0, squash.DecodeSignal{}, squash.RenameSignal{}, squash.IEWSignal{Signal: squash.Signal{Unblock: true}}, squash.CommitSignal{})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.eng.Tick(0)).To(BeFalse()) // FTQ empty, but not drain-blocked
			Expect(h.eng.Status(0)).To(Equal(fetch.FTQEmpty))
		})
	})

	Describe("Drain", func() {
		It("reports drained once no request is outstanding", func() {
			h := newHarness()
			h.eng.SetPC(0, frontend.NewPCState(0x7000))
			h.ctrl.DrainStall(0)
			Expect(h.ctrl.IsDrained(0)).To(BeTrue())
			Expect(h.ctrl.Stats().DrainStalls).To(Equal(uint64(1)))
		})

		It("is not drained while a translation is outstanding", func() {
			h := newHarness()
			h.q.SetPC(0, frontend.NewPCState(0x8000), 1)
			// the default 32-instruction window fills in 32 ticks and the
			// 33rd seals it, so the engine has a block to translate for
			for i := 0; i < 33; i++ {
				h.q.Tick(0)
			}
			h.eng.SetPC(0, frontend.NewPCState(0x8000))
			h.eng.Tick(0)
			h.ctrl.DrainStall(0)
			Expect(h.ctrl.IsDrained(0)).To(BeFalse())
		})

		It("resumes fetching after Undrain", func() {
			h := newHarness()
			h.eng.SetPC(0, frontend.NewPCState(0x9000))
			h.ctrl.DrainStall(0)
			h.ctrl.Undrain(0)
			Expect(h.eng.Tick(0)).To(BeFalse()) // FTQ empty, but not drain-blocked
			Expect(h.eng.Status(0)).To(Equal(fetch.FTQEmpty))
		})
	})
})
