package recommender

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/l7mp/amnesia/pkg/dbsp"
	"github.com/l7mp/amnesia/pkg/metrics"
)

var _ = Describe("Engine", func() {
	var e *Engine

	BeforeEach(func() {
		e = newTestEngine()
	})

	Context("Derived collections", func() {
		It("should derive counts, co-occurrences and similarities from the first batch", func() {
			u := apply(e, Add, exampleInteractions, nil)
			Expect(u.Time).To(Equal(dbsp.Time(1)))
			Expect(e.Time()).To(Equal(dbsp.Time(1)))

			Expect(recordsOf(u, CollectionItemCounts)).To(Equal([]any{
				&ItemCountRecord{Data: CollectionItemCounts, Item: 0, Count: 2, Time: 1, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 1, Count: 3, Time: 1, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 2, Count: 2, Time: 1, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 3, Count: 1, Time: 1, Change: 1},
			}))

			Expect(recordsOf(u, CollectionCooccurrences)).To(Equal([]any{
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 1, ItemB: 0, NumCooccurrences: 2, Time: 1, Change: 1},
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 2, ItemB: 0, NumCooccurrences: 1, Time: 1, Change: 1},
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 2, ItemB: 1, NumCooccurrences: 2, Time: 1, Change: 1},
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 3, ItemB: 0, NumCooccurrences: 1, Time: 1, Change: 1},
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 3, ItemB: 1, NumCooccurrences: 1, Time: 1, Change: 1},
			}))

			Expect(recordsOf(u, CollectionSimilarities)).To(Equal([]any{
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 1, ItemB: 0, Similarity: 2.0 / 3.0, Time: 1, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 0, Similarity: 1.0 / 3.0, Time: 1, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 1, Similarity: 2.0 / 3.0, Time: 1, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 3, ItemB: 0, Similarity: 0.5, Time: 1, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 3, ItemB: 1, Similarity: 1.0 / 3.0, Time: 1, Change: 1},
			}))

			Expect(recordsOf(u, CollectionRecommendations)).To(BeEmpty())
			Expect(u.Len()).To(Equal(14))
		})

		It("should serialize records in wire format", func() {
			u := apply(e, Add, []Tuple{{0, 0}}, nil)
			Expect(u.Messages).To(HaveLen(1))
			Expect(string(u.Messages[0].Text)).To(Equal(
				`{"data":"item_interactions_n","item":0,"count":1,"time":1,"change":1}`))

			u = apply(e, Add, []Tuple{{0, 1}}, nil)
			texts := []string{}
			for _, m := range u.Messages {
				texts = append(texts, string(m.Text))
			}
			Expect(texts).To(Equal([]string{
				`{"data":"item_interactions_n","item":1,"count":1,"time":2,"change":1}`,
				`{"data":"cooccurrences_c","item_a":1,"item_b":0,"num_cooccurrences":1,"time":2,"change":1}`,
				`{"data":"similarities_s","item_a":1,"item_b":0,"similarity":1,"time":2,"change":1}`,
			}))
		})

		It("should retract and replace only what a removal changes", func() {
			apply(e, Add, exampleInteractions, nil)
			u := apply(e, Remove, []Tuple{{1, 1}, {1, 2}}, nil)
			Expect(u.Time).To(Equal(dbsp.Time(2)))

			Expect(recordsOf(u, CollectionItemCounts)).To(Equal([]any{
				&ItemCountRecord{Data: CollectionItemCounts, Item: 1, Count: 3, Time: 2, Change: -1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 2, Count: 2, Time: 2, Change: -1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 1, Count: 2, Time: 2, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 2, Count: 1, Time: 2, Change: 1},
			}))

			Expect(recordsOf(u, CollectionCooccurrences)).To(Equal([]any{
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 2, ItemB: 1, NumCooccurrences: 2, Time: 2, Change: -1},
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 2, ItemB: 1, NumCooccurrences: 1, Time: 2, Change: 1},
			}))

			// (3, 0) keeps its similarity, so it produces no diff
			Expect(recordsOf(u, CollectionSimilarities)).To(Equal([]any{
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 1, ItemB: 0, Similarity: 2.0 / 3.0, Time: 2, Change: -1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 0, Similarity: 1.0 / 3.0, Time: 2, Change: -1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 1, Similarity: 2.0 / 3.0, Time: 2, Change: -1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 3, ItemB: 1, Similarity: 1.0 / 3.0, Time: 2, Change: -1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 1, ItemB: 0, Similarity: 1, Time: 2, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 0, Similarity: 0.5, Time: 2, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 1, Similarity: 0.5, Time: 2, Change: 1},
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 3, ItemB: 1, Similarity: 0.5, Time: 2, Change: 1},
			}))
		})

		It("should order removals before additions within each collection", func() {
			apply(e, Add, exampleInteractions, nil)
			u := apply(e, Remove, []Tuple{{1, 1}, {1, 2}}, nil)
			Expect(changesOf(u)).To(Equal([]int64{
				-1, -1, 1, 1, // item counts
				-1, 1, // co-occurrences
				-1, -1, -1, -1, 1, 1, 1, 1, // similarities
			}))
		})

		It("should return to the empty state when a batch is removed again", func() {
			added := apply(e, Add, exampleInteractions, nil)
			removed := apply(e, Remove, exampleInteractions, nil)
			Expect(removed.Len()).To(Equal(added.Len()))
			for _, c := range changesOf(removed) {
				Expect(c).To(Equal(int64(-1)))
			}

			snap, err := e.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Len()).To(Equal(0))
		})

		It("should produce no diffs for an empty batch", func() {
			apply(e, Add, exampleInteractions, nil)
			u := apply(e, Add, []Tuple{}, nil)
			Expect(u.Time).To(Equal(dbsp.Time(2)))
			Expect(u.Len()).To(Equal(0))
		})

		It("should only pair items of the same user", func() {
			u := apply(e, Add, []Tuple{{5, 5}, {5, 6}}, nil)
			Expect(u.Count(CollectionSimilarities)).To(Equal(1))

			// pairs of a user with a single item never co-occur
			u = apply(e, Add, []Tuple{{9, 7}}, nil)
			Expect(u.Count(CollectionItemCounts)).To(Equal(1))
			Expect(u.Count(CollectionCooccurrences)).To(Equal(0))
		})
	})

	Context("Recommendations", func() {
		It("should recommend the best scoring neighbor of the query history", func() {
			apply(e, Add, exampleInteractions, nil)

			// item 1 reaches items 0 and 2 with 0.666.. and item 3 with 0.333..; the tie goes to 0
			u := apply(e, Add, nil, []Tuple{{7, 1}})
			Expect(u.Messages).To(HaveLen(1))
			Expect(recordsOf(u, CollectionRecommendations)).To(Equal([]any{
				&RecommendationRecord{Data: CollectionRecommendations, Query: 7, Item: 0, Time: 2, Change: 1},
			}))

			// item 3 adds 0.5 to item 0, which stays the best candidate
			u = apply(e, Add, nil, []Tuple{{7, 3}})
			Expect(u.Len()).To(Equal(0))

			// without user 2, item 1 reaches item 2 with 1 and item 0 with 0.5
			u = apply(e, Remove, []Tuple{{2, 0}, {2, 1}, {2, 3}}, nil)
			Expect(recordsOf(u, CollectionRecommendations)).To(Equal([]any{
				&RecommendationRecord{Data: CollectionRecommendations, Query: 7, Item: 0, Time: 4, Change: -1},
				&RecommendationRecord{Data: CollectionRecommendations, Query: 7, Item: 2, Time: 4, Change: 1},
			}))

			// removing the query history removes the recommendation
			u = apply(e, Remove, nil, []Tuple{{7, 1}, {7, 3}})
			Expect(recordsOf(u, CollectionRecommendations)).To(Equal([]any{
				&RecommendationRecord{Data: CollectionRecommendations, Query: 7, Item: 2, Time: 5, Change: -1},
			}))
		})

		It("should not recommend for a history without neighbors", func() {
			apply(e, Add, exampleInteractions, nil)
			u := apply(e, Add, nil, []Tuple{{7, 42}})
			Expect(u.Len()).To(Equal(0))
		})
	})

	Context("Determinism", func() {
		It("should produce identical output for identical input", func() {
			other := newTestEngine()
			run := func(e *Engine) []string {
				texts := []string{}
				for _, u := range []*Update{
					apply(e, Add, exampleInteractions, nil),
					apply(e, Add, nil, []Tuple{{7, 1}, {8, 2}}),
					apply(e, Remove, []Tuple{{1, 1}, {1, 2}}, nil),
					apply(e, Add, []Tuple{{3, 3}, {3, 2}, {3, 1}}, nil),
				} {
					for _, m := range u.Messages {
						texts = append(texts, string(m.Text))
					}
				}
				return texts
			}
			Expect(run(e)).To(Equal(run(other)))
		})
	})

	Context("Snapshot", func() {
		It("should return the accumulated collections at the current time", func() {
			apply(e, Add, exampleInteractions, nil)
			apply(e, Remove, []Tuple{{1, 1}, {1, 2}}, nil)

			snap, err := e.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Time).To(Equal(dbsp.Time(2)))
			Expect(recordsOf(snap, CollectionItemCounts)).To(Equal([]any{
				&ItemCountRecord{Data: CollectionItemCounts, Item: 0, Count: 2, Time: 2, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 1, Count: 2, Time: 2, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 2, Count: 1, Time: 2, Change: 1},
				&ItemCountRecord{Data: CollectionItemCounts, Item: 3, Count: 1, Time: 2, Change: 1},
			}))
			Expect(snap.Count(CollectionCooccurrences)).To(Equal(5))
			Expect(snap.Count(CollectionSimilarities)).To(Equal(5))
		})
	})

	Context("Errors", func() {
		It("should reject malformed requests without advancing time", func() {
			_, err := e.ApplyJSON(context.Background(), []byte(`{"change":"Update","interactions":[[0,1]]}`))
			Expect(errors.Is(err, ErrMalformedRequest)).To(BeTrue())
			Expect(e.Time()).To(Equal(dbsp.Time(0)))

			u, err := e.ApplyJSON(context.Background(), []byte(`{"change":"Add","interactions":[[0,1]]}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Time).To(Equal(dbsp.Time(1)))
		})

		It("should keep serving when an interaction is added twice", func() {
			j := &fakeJournal{}
			e = newTestEngine(func(o *Options) { o.Journal = j })
			apply(e, Add, []Tuple{{0, 1}}, nil)
			apply(e, Add, []Tuple{{0, 1}}, nil)

			// user 0 pairs item 2 with both copies of item 1
			u := apply(e, Add, []Tuple{{0, 2}}, nil)
			Expect(recordsOf(u, CollectionCooccurrences)).To(Equal([]any{
				&CooccurrenceRecord{Data: CollectionCooccurrences, ItemA: 2, ItemB: 1, NumCooccurrences: 2, Time: 3, Change: 1},
			}))
			Expect(recordsOf(u, CollectionSimilarities)).To(Equal([]any{
				&SimilarityRecord{Data: CollectionSimilarities, ItemA: 2, ItemB: 1, Similarity: 2, Time: 3, Change: 1},
			}))

			u = apply(e, Add, []Tuple{{7, 9}}, nil)
			Expect(u.Time).To(Equal(dbsp.Time(4)))
			Expect(e.Err()).NotTo(HaveOccurred())

			n, err := newTestEngine().Replay(context.Background(), j, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(4))
		})

		It("should fail permanently on a degenerate similarity", func() {
			apply(e, Add, []Tuple{{1, 1}, {1, 2}}, nil)

			// unbalanced removals drive the count of item 1 negative
			_, err := e.Apply(context.Background(), &ChangeRequest{Change: Remove, Interactions: []Tuple{{3, 1}, {4, 1}}})
			Expect(errors.Is(err, dbsp.ErrInvariant)).To(BeTrue())
			Expect(e.Err()).To(HaveOccurred())

			_, err = e.Apply(context.Background(), &ChangeRequest{Change: Add, Interactions: []Tuple{}})
			Expect(errors.Is(err, ErrEngineFailed)).To(BeTrue())
		})

		It("should leave the journal replayable after a failed request", func() {
			j := &fakeJournal{}
			e = newTestEngine(func(o *Options) { o.Journal = j })
			apply(e, Add, []Tuple{{1, 1}, {1, 2}}, nil)
			_, err := e.Apply(context.Background(), &ChangeRequest{Change: Remove, Interactions: []Tuple{{3, 1}, {4, 1}}})
			Expect(errors.Is(err, dbsp.ErrInvariant)).To(BeTrue())
			Expect(j.times).To(Equal([]uint64{1}))

			replayed := newTestEngine()
			n, err := replayed.Replay(context.Background(), j, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(replayed.Err()).NotTo(HaveOccurred())
			Expect(replayed.Time()).To(Equal(dbsp.Time(1)))
		})

		It("should not apply a request that cannot be journaled", func() {
			j := &fakeJournal{err: errors.New("disk full")}
			e = newTestEngine(func(o *Options) { o.Journal = j })
			_, err := e.Apply(context.Background(), &ChangeRequest{Change: Add, Interactions: exampleInteractions})
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(e.Time()).To(Equal(dbsp.Time(0)))

			j.err = nil
			u := apply(e, Add, exampleInteractions, nil)
			Expect(u.Time).To(Equal(dbsp.Time(1)))
			Expect(u.Count(CollectionItemCounts)).To(Equal(4))
		})

		It("should honor a canceled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := e.Apply(ctx, &ChangeRequest{Change: Add, Interactions: exampleInteractions})
			Expect(err).To(MatchError(context.Canceled))
			Expect(e.Time()).To(Equal(dbsp.Time(0)))
		})
	})

	Context("Journal", func() {
		It("should rebuild the same state from the journal", func() {
			j := &fakeJournal{}
			e = newTestEngine(func(o *Options) { o.Journal = j })
			apply(e, Add, exampleInteractions, nil)
			apply(e, Add, nil, []Tuple{{7, 1}})
			apply(e, Remove, []Tuple{{1, 1}}, nil)
			Expect(j.times).To(Equal([]uint64{1, 2, 3}))

			replayed := newTestEngine()
			updates := 0
			n, err := replayed.Replay(context.Background(), j, func(*Update) error { updates++; return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
			Expect(updates).To(Equal(3))
			Expect(replayed.Time()).To(Equal(dbsp.Time(3)))

			want, err := e.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			got, err := replayed.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Messages).To(Equal(want.Messages))
		})

		It("should refuse a journal with gaps", func() {
			j := &fakeJournal{times: []uint64{2}, payloads: [][]byte{[]byte(`{"change":"Add","interactions":[]}`)}}
			_, err := e.Replay(context.Background(), j, nil)
			Expect(errors.Is(err, dbsp.ErrOutOfOrderTime)).To(BeTrue())
		})
	})

	Context("Metrics", func() {
		It("should count requests by outcome", func() {
			m := metrics.New(nil)
			e = newTestEngine(func(o *Options) { o.Metrics = m })
			apply(e, Add, exampleInteractions, nil)
			_, err := e.ApplyJSON(context.Background(), []byte(`not json`))
			Expect(err).To(HaveOccurred())

			Expect(testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OutcomeApplied))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OutcomeMalformed))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.Diffs.WithLabelValues(CollectionCooccurrences))).To(Equal(5.0))
			Expect(testutil.ToFloat64(m.LogicalTime)).To(Equal(1.0))
		})
	})
})
