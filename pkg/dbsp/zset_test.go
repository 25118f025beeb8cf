package dbsp

import (
	"cmp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ZSet", func() {
	var z1, z2 *ZSet[string]

	BeforeEach(func() {
		z1 = FromElems("a", "b", "b")
		z2 = FromElems("b", "c")
	})

	It("should consolidate on insert", func() {
		z := NewZSet[string]()
		z.Insert("x", 2)
		z.Insert("x", -2)
		z.Insert("y", 0)
		Expect(z.IsZero()).To(BeTrue())
		Expect(z.Len()).To(Equal(0))
	})

	It("should add and subtract", func() {
		sum := z1.Add(z2)
		Expect(sum.Multiplicity("a")).To(Equal(int64(1)))
		Expect(sum.Multiplicity("b")).To(Equal(int64(3)))
		Expect(sum.Multiplicity("c")).To(Equal(int64(1)))

		diff := z1.Subtract(z2)
		Expect(diff.Multiplicity("b")).To(Equal(int64(1)))
		Expect(diff.Multiplicity("c")).To(Equal(int64(-1)))
		Expect(diff.Size()).To(Equal(int64(2)))
		Expect(diff.TotalSize()).To(Equal(int64(3)))

		// operands are left untouched
		Expect(z1.Multiplicity("b")).To(Equal(int64(2)))
	})

	It("should cancel with its negation", func() {
		Expect(z1.Add(z1.Negate()).IsZero()).To(BeTrue())
	})

	It("should convert to set semantics", func() {
		d := z1.Subtract(z2).Distinct()
		Expect(d.Equal(FromElems("a", "b"))).To(BeTrue())
	})

	It("should list entries in order", func() {
		Expect(z1.Add(z2).SortedEntries(cmp.Compare[string])).To(Equal([]Entry[string]{
			{Elem: "a", Mult: 1}, {Elem: "b", Mult: 3}, {Elem: "c", Mult: 1},
		}))
	})

	It("should print", func() {
		Expect(NewZSet[string]().String()).To(Equal("∅"))
		Expect(z1.String()).To(Equal("{a×1, b×2}"))
	})
})
