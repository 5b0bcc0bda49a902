package predictor_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/predictor"
)

var _ = Describe("Bimodal direction predictor", func() {
	var bp *predictor.Bimodal

	BeforeEach(func() {
		var err error
		bp, err = predictor.NewBimodal(predictor.BimodalConfig{Size: 16})
		Expect(err).NotTo(HaveOccurred())
	})

	It("is initially biased taken", func() {
		taken, _ := bp.Lookup(0, 0x100)
		Expect(taken).To(BeTrue())
	})

	It("learns a strongly-taken pattern", func() {
		var hist any
		for i := 0; i < 5; i++ {
			_, hist = bp.Lookup(0, 0x100)
			bp.Update(0, 0x100, true, hist, false, nil, 0)
		}
		taken, _ := bp.Lookup(0, 0x100)
		Expect(taken).To(BeTrue())
	})

	It("learns a strongly-not-taken pattern", func() {
		var hist any
		for i := 0; i < 5; i++ {
			_, hist = bp.Lookup(0, 0x100)
			bp.Update(0, 0x100, false, hist, false, nil, 0)
		}
		taken, _ := bp.Lookup(0, 0x100)
		Expect(taken).To(BeFalse())
	})

	It("rejects a non-power-of-two size", func() {
		_, err := predictor.NewBimodal(predictor.BimodalConfig{Size: 10})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("TagIndexed indirect predictor", func() {
	var ip *predictor.TagIndexed

	BeforeEach(func() {
		var err error
		ip, err = predictor.NewTagIndexed(predictor.IndirectConfig{Size: 16})
		Expect(err).NotTo(HaveOccurred())
	})

	It("misses on an empty table", func() {
		_, ok, _ := ip.Lookup(0, 0x100)
		Expect(ok).To(BeFalse())
	})

	It("hits after an update with the trained target", func() {
		_, _, hist := ip.Lookup(0, 0x100)
		ip.Update(0, 0x100, 0x9000, hist, false, nil)

		target, ok, _ := ip.Lookup(0, 0x100)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(frontend.Addr(0x9000)))
	})

	It("restores the displaced entry on squash", func() {
		_, _, h1 := ip.Lookup(0, 0x100)
		ip.Update(0, 0x100, 0x9000, h1, false, nil)

		_, _, h2 := ip.Lookup(0, 0x100)
		ip.Update(0, 0x100, 0xA000, h2, false, nil)
		ip.Squash(0, h2)

		target, ok, _ := ip.Lookup(0, 0x100)
		Expect(ok).To(BeTrue())
		Expect(target).To(Equal(frontend.Addr(0x9000)))
	})
})
