package dbsp

import (
	"cmp"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Operators", func() {
	var w *Worker

	BeforeEach(func() {
		w = newTestWorker()
	})

	Context("Input Session", func() {
		It("should only move forward in time", func() {
			in, _ := NewInput[string](w, "input")
			err := in.AdvanceTo(0)
			Expect(errors.Is(err, ErrOutOfOrderTime)).To(BeTrue())
			Expect(in.AdvanceTo(2)).To(Succeed())
			err = in.AdvanceTo(1)
			Expect(errors.Is(err, ErrOutOfOrderTime)).To(BeTrue())
			Expect(in.Time()).To(Equal(Time(2)))
		})

		It("should merge flushes until the time is processed", func() {
			in, s := NewInput[string](w, "input")
			acc, deltas := integrate(s)
			Expect(in.AdvanceTo(1)).To(Succeed())
			Expect(in.Flush()).To(Succeed())
			in.Insert("a")
			Expect(in.Flush()).To(Succeed())
			in.Insert("a")
			in.Insert("b")
			Expect(in.Flush()).To(Succeed())

			_, err := w.Barrier(s.Probe(), 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(acc.Equal(FromElems("a", "a", "b"))).To(BeTrue())
			Expect(deltas).To(HaveLen(1))

			in.Insert("c")
			err = in.Flush()
			Expect(errors.Is(err, ErrOutOfOrderTime)).To(BeTrue())
			Expect(in.Staged()).To(Equal(1))

			Expect(in.AdvanceTo(2)).To(Succeed())
			Expect(in.Flush()).To(Succeed())
		})

		It("should hold staged data back until flushed", func() {
			in, s := NewInput[string](w, "input")
			acc, _ := integrate(s)
			probe := s.Probe()

			in.Insert("a")
			Expect(in.AdvanceTo(1)).To(Succeed())
			_, err := w.Barrier(probe, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(acc.IsZero()).To(BeTrue())

			Expect(in.Flush()).To(Succeed())
			Expect(probe.LessThan(2)).To(BeTrue())
			Expect(probe.Done(1)).To(BeFalse())
			_, err = w.Barrier(probe, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(probe.Done(1)).To(BeTrue())
			Expect(acc.Equal(FromElems("a"))).To(BeTrue())
		})
	})

	Context("Linear", func() {
		It("should map and filter with multiplicities", func() {
			in, s := NewInput[int](w, "input")
			out := Filter(Map(s, "double", func(x int) int { return 2 * x }), "big",
				func(x int) bool { return x > 2 })
			acc, _ := integrate(out)

			in.Insert(1)
			in.Insert(2)
			in.Insert(2)
			advance(w, out.Probe(), 1, in)
			Expect(acc.Equal(NewZSet[int]().Add(FromElems(4, 4)))).To(BeTrue())

			in.Remove(2)
			advance(w, out.Probe(), 2, in)
			Expect(acc.Equal(FromElems(4))).To(BeTrue())
		})

		It("should abort the step on errors", func() {
			in, s := NewInput[int](w, "input")
			out := FlatMap(s, "fail", func(x int) ([]int, error) {
				return nil, NewInvariantError("bad element %d", x)
			})

			in.Insert(1)
			Expect(in.AdvanceTo(1)).To(Succeed())
			Expect(in.Flush()).To(Succeed())
			_, err := w.Barrier(out.Probe(), 1)
			Expect(errors.Is(err, ErrInvariant)).To(BeTrue())

			var opErr *OperatorError
			Expect(errors.As(err, &opErr)).To(BeTrue())
			Expect(opErr.Op).To(Equal("fail"))
			Expect(opErr.Time).To(Equal(Time(1)))
		})
	})

	Context("CountTotal", func() {
		It("should retract the old count and assert the new one", func() {
			in, s := NewInput[string](w, "words")
			counts := ArrangeByKey(CountTotal(s, "count", cmp.Compare[string]), "counts",
				cmp.Compare[string], cmp.Compare[int64])
			reader := counts.Trace().Reader()
			format := func(k string, n int64, _ Time, d int64) string { return fmt.Sprintf("%s:%d:%+d", k, n, d) }

			in.Insert("a")
			in.Insert("a")
			in.Insert("b")
			advance(w, counts.Probe(), 1, in)
			Expect(CollectDiffs(reader, 1, format)).To(Equal([]string{"a:2:+1", "b:1:+1"}))

			in.Remove("a")
			advance(w, counts.Probe(), 2, in)
			Expect(CollectDiffs(reader, 2, format)).To(Equal([]string{"a:1:+1", "a:2:-1"}))

			in.Remove("b")
			advance(w, counts.Probe(), 3, in)
			Expect(CollectDiffs(reader, 3, format)).To(Equal([]string{"b:1:-1"}))

			// an empty step produces no diffs at all
			advance(w, counts.Probe(), 4, in)
			Expect(CollectDiffs(reader, 4, format)).To(BeEmpty())
		})
	})

	Context("JoinCore", func() {
		type row = KV[int, string]

		It("should maintain the join under inserts and removals on both sides", func() {
			left, ls := NewInput[row](w, "left")
			right, rs := NewInput[row](w, "right")
			la := ArrangeByKey(ls, "left-arr", cmp.Compare[int], cmp.Compare[string])
			ra := ArrangeByKey(rs, "right-arr", cmp.Compare[int], cmp.Compare[string])
			joined := JoinCore(la, ra, "join", func(k int, a, b string) (string, bool) {
				return fmt.Sprintf("%d:%s:%s", k, a, b), true
			})
			acc, _ := integrate(joined)
			probe := joined.Probe()

			left.Insert(NewKV(1, "a"))
			right.Insert(NewKV(1, "x"))
			advance(w, probe, 1, left, right)
			Expect(acc.Equal(FromElems("1:a:x"))).To(BeTrue())

			left.Insert(NewKV(1, "b"))
			right.Insert(NewKV(2, "y"))
			advance(w, probe, 2, left, right)
			Expect(acc.Equal(FromElems("1:a:x", "1:b:x"))).To(BeTrue())

			right.Remove(NewKV(1, "x"))
			right.Insert(NewKV(1, "z"))
			left.Insert(NewKV(2, "c"))
			advance(w, probe, 3, left, right)
			Expect(acc.Equal(FromElems("1:a:z", "1:b:z", "2:c:y"))).To(BeTrue())

			left.Remove(NewKV(1, "a"))
			right.Insert(NewKV(1, "w"))
			advance(w, probe, 4, left, right)
			Expect(acc.Equal(FromElems("1:b:z", "1:b:w", "2:c:y"))).To(BeTrue())
		})

		It("should join an arrangement with itself", func() {
			in, s := NewInput[KV[int, int]](w, "interactions")
			arr := ArrangeByKey(s, "by-user", cmp.Compare[int], cmp.Compare[int])
			pairs := JoinCore(arr, arr, "pairs", func(_ int, a, b int) (KV[int, int], bool) {
				return NewKV(a, b), a > b
			})
			acc, deltas := integrate(pairs)

			for _, item := range []int{1, 2, 3} {
				in.Insert(NewKV(7, item))
			}
			advance(w, pairs.Probe(), 1, in)
			Expect(acc.Equal(FromElems(NewKV(2, 1), NewKV(3, 1), NewKV(3, 2)))).To(BeTrue())

			in.Insert(NewKV(7, 4))
			advance(w, pairs.Probe(), 2, in)
			Expect(deltas[2].Equal(FromElems(NewKV(4, 1), NewKV(4, 2), NewKV(4, 3)))).To(BeTrue())

			in.Remove(NewKV(7, 1))
			advance(w, pairs.Probe(), 3, in)
			Expect(deltas[3].Equal(FromElems(NewKV(2, 1), NewKV(3, 1), NewKV(4, 1)).Negate())).To(BeTrue())
			Expect(acc.Equal(FromElems(NewKV(3, 2), NewKV(4, 2), NewKV(4, 3)))).To(BeTrue())
		})
	})

	Context("Reduce", func() {
		It("should emit the difference of the per-key output", func() {
			in, s := NewInput[KV[string, int]](w, "input")
			arr := ArrangeByKey(s, "arr", cmp.Compare[string], cmp.Compare[int])
			maxes := Reduce(arr, "max", cmp.Compare[int], func(_ string, input []Entry[int], out *ZSet[int]) error {
				// input is in value order
				out.Insert(input[len(input)-1].Elem, 1)
				return nil
			})
			reader := maxes.Trace().Reader()
			format := func(k string, v int, _ Time, d int64) string { return fmt.Sprintf("%s:%d:%+d", k, v, d) }

			in.Insert(NewKV("a", 1))
			in.Insert(NewKV("a", 3))
			in.Insert(NewKV("b", 2))
			advance(w, maxes.Probe(), 1, in)
			Expect(CollectDiffs(reader, 1, format)).To(Equal([]string{"a:3:+1", "b:2:+1"}))

			in.Remove(NewKV("a", 3))
			advance(w, maxes.Probe(), 2, in)
			Expect(CollectDiffs(reader, 2, format)).To(Equal([]string{"a:1:+1", "a:3:-1"}))

			in.Remove(NewKV("a", 1))
			in.Insert(NewKV("b", 0))
			advance(w, maxes.Probe(), 3, in)
			Expect(CollectDiffs(reader, 3, format)).To(Equal([]string{"a:1:-1"}))
			Expect(maxes.Trace().Snapshot(3)).To(Equal([]Update[string, int]{{Key: "b", Val: 2, Time: 3, Diff: 1}}))
		})
	})

	Context("Worker", func() {
		It("should refuse a barrier behind the released time", func() {
			in, s := NewInput[int](w, "input")
			advance(w, s.Probe(), 2, in)
			_, err := w.Barrier(s.Probe(), 1)
			Expect(errors.Is(err, ErrOutOfOrderTime)).To(BeTrue())
		})

		It("should bound trace size under churn", func() {
			in, s := NewInput[KV[int, int]](w, "input")
			arr := ArrangeByKey(s, "arr", cmp.Compare[int], cmp.Compare[int])
			reader := arr.Trace().Reader()
			format := func(_, _ int, _ Time, d int64) int64 { return d }

			for t := Time(1); t <= 100; t++ {
				if t%2 == 1 {
					in.Insert(NewKV(1, 1))
				} else {
					in.Remove(NewKV(1, 1))
				}
				advance(w, arr.Probe(), t, in)

				if t%2 == 1 {
					Expect(CollectDiffs(reader, t, format)).To(Equal([]int64{1}))
				} else {
					Expect(CollectDiffs(reader, t, format)).To(Equal([]int64{-1}))
				}
				Expect(arr.Trace().Len()).To(BeNumerically("<=", 2))
			}
		})

		It("should list operators in topological order", func() {
			_, s := NewInput[int](w, "input")
			Map(s, "id", func(x int) int { return x })
			ops := w.Operators()
			Expect(ops).To(HaveLen(2))
			Expect(ops[0].Name()).To(Equal("input"))
			Expect(ops[1].Inputs()).To(ConsistOf(ops[0]))
			Expect(ops[1].OpType()).To(Equal(OpTypeLinear))
		})
	})
})
