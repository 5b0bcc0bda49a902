package bpu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/btb"
	"github.com/sarchlab/m2fetch/frontend/predictor"
	"github.com/sarchlab/m2fetch/frontend/ras"
)

type fakeInst struct {
	class frontend.BranchClass
}

func (f fakeInst) IsControl() bool             { return f.class != frontend.NoBranch }
func (f fakeInst) Class() frontend.BranchClass { return f.class }
func (f fakeInst) IsMacroop() bool             { return false }
func (f fakeInst) NumMicroops() int            { return 1 }

// components bundles a freshly constructed BPU together with the BTB and
// RAS it was built from, so tests can assert on sub-predictor state
// directly after driving the BPU.
type components struct {
	unit *bpu.BPU
	btb  *btb.BTB
	ras  *ras.RAS
}

func newUnit(cfg bpu.Config) components {
	b, err := btb.New(btb.Config{NumEntries: 256, TagBits: 16, InstShiftAmt: 2, NumThreads: 1})
	Expect(err).NotTo(HaveOccurred())
	r, err := ras.New(ras.DefaultConfig(), 1)
	Expect(err).NotTo(HaveOccurred())
	dir, err := predictor.NewBimodal(predictor.DefaultBimodalConfig())
	Expect(err).NotTo(HaveOccurred())
	ind, err := predictor.NewTagIndexed(predictor.DefaultIndirectConfig())
	Expect(err).NotTo(HaveOccurred())
	return components{unit: bpu.New(cfg, b, r, dir, ind, 1), btb: b, ras: r}
}

var _ = Describe("BPU", func() {
	var c components

	BeforeEach(func() {
		c = newUnit(bpu.DefaultConfig())
	})

	It("does not consult the predictor for non-branch instructions", func() {
		pc := frontend.NewPCState(0x1000)
		taken := c.unit.Predict(fakeInst{class: frontend.NoBranch}, 1, &pc, 0)
		Expect(taken).To(BeFalse())
		Expect(pc.InstAddr()).To(Equal(frontend.Addr(0x1004)))
	})

	It("predicts a correctly-trained taken conditional branch to its BTB target (S2)", func() {
		c.btb.Update(0, 0x1010, frontend.NewPCState(0x1100), nil)

		pc := frontend.NewPCState(0x1010)
		taken := c.unit.Predict(fakeInst{class: frontend.DirectCond}, 5, &pc, 0)

		Expect(taken).To(BeTrue())
		Expect(pc.InstAddr()).To(Equal(frontend.Addr(0x1100)))
	})

	It("forces not-taken when predicted taken but BTB misses and fallback is disabled", func() {
		c = newUnit(bpu.Config{FallbackBTB: false})

		pc := frontend.NewPCState(0x1010)
		taken := c.unit.Predict(fakeInst{class: frontend.DirectCond}, 5, &pc, 0)

		Expect(taken).To(BeFalse())
		Expect(pc.InstAddr()).To(Equal(frontend.Addr(0x1014)))
	})

	It("commits with done_sn on an empty-beyond history as a no-op", func() {
		c.unit.Update(100, 0)
		Expect(c.unit.HistoryLen(0)).To(Equal(0))
	})

	It("squashes with correction and updates the BTB with the correct target (S3)", func() {
		pc := frontend.NewPCState(0x1020)
		c.unit.Predict(fakeInst{class: frontend.DirectCond}, 17, &pc, 0)
		Expect(c.unit.HistoryLen(0)).To(Equal(1))

		err := c.unit.SquashWithCorrection(17, 0x1200, true, 0, fakeInst{class: frontend.DirectCond}, frontend.NewPCState(0x1020))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.unit.HistoryLen(0)).To(Equal(0))

		target, ok := c.btb.Lookup(0, 0x1020)
		Expect(ok).To(BeTrue())
		Expect(target.InstAddr()).To(Equal(frontend.Addr(0x1200)))
	})

	It("keeps predictor history strictly increasing back to front", func() {
		pc := frontend.NewPCState(0x1000)
		c.unit.Predict(fakeInst{class: frontend.NoBranch}, 1, &pc, 0)
		pc2 := frontend.NewPCState(0x2000)
		c.unit.Predict(fakeInst{class: frontend.NoBranch}, 2, &pc2, 0)
		seq, ok := c.unit.OldestSeqNum(0)
		Expect(ok).To(BeTrue())
		Expect(seq).To(Equal(frontend.InstSeqNum(1)))
	})

	It("restores RAS TOS exactly after a speculative squash of a call (S4)", func() {
		before, beforeOK := c.ras.Top(0)

		pc := frontend.NewPCState(0x2000)
		c.unit.Predict(fakeInst{class: frontend.CallDirect}, 9, &pc, 0)

		c.unit.Squash(8, 0)

		after, afterOK := c.ras.Top(0)
		Expect(afterOK).To(Equal(beforeOK))
		Expect(after).To(Equal(before))
	})

	It("returns an error from SquashWithCorrection when no history entry matches", func() {
		err := c.unit.SquashWithCorrection(42, 0x1200, true, 0, fakeInst{class: frontend.DirectCond}, frontend.NewPCState(0x1020))
		Expect(err).To(HaveOccurred())
	})
})
