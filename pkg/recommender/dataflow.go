package recommender

import (
	"cmp"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/l7mp/amnesia/pkg/dbsp"
)

// DefaultScoreScale is the fixed-point scale of similarity scores in recommendation candidates.
const DefaultScoreScale = 10000

// Interaction is a (user, item) pair, a Query is a (query, history item) pair.
type (
	Interaction = dbsp.KV[uint32, uint32]
	Query       = dbsp.KV[uint32, uint32]
)

// Dataflow is the incremental item-similarity computation:
//
//	interactions -> item counts
//	interactions ⋈ interactions (by user) -> co-occurrence counts
//	co-occurrences ⋈ item counts ⋈ item counts -> Jaccard similarities
//	queries ⋈ similarities -> best candidate per query
type Dataflow struct {
	worker *dbsp.Worker
	probe  *dbsp.Probe

	Interactions *dbsp.InputSession[Interaction]
	Queries      *dbsp.InputSession[Query]

	ItemCounts      *dbsp.Arranged[uint32, int64]
	Cooccurrences   *dbsp.Arranged[ItemPair, int64]
	Similarities    *dbsp.Arranged[ItemPair, string]
	Recommendations *dbsp.Arranged[uint32, uint32]
}

// NewDataflow builds the dataflow. Similarities are turned into candidate scores by multiplying
// them with scale and truncating.
func NewDataflow(scale uint64, log logr.Logger) *Dataflow {
	w := dbsp.NewWorker(log)
	u32 := cmp.Compare[uint32]
	i64 := cmp.Compare[int64]
	df := &Dataflow{worker: w}

	var interactions, queries *dbsp.Stream[dbsp.KV[uint32, uint32]]
	df.Interactions, interactions = dbsp.NewInput[Interaction](w, "interactions")
	df.Queries, queries = dbsp.NewInput[Query](w, "queries")

	// ItemCount: number of interactions per item.
	items := dbsp.Map(interactions, "items", func(i Interaction) uint32 { return i.Val })
	itemCounts := dbsp.CountTotal(items, "count-items", u32)
	df.ItemCounts = dbsp.ArrangeByKey(itemCounts, "item-counts", u32, i64)

	// Cooccurrence: number of users that interacted with both items of a pair.
	byUser := dbsp.ArrangeByKey(interactions, "interactions-by-user", u32, u32)
	pairs := dbsp.JoinCore(byUser, byUser, "item-pairs", func(_, a, b uint32) (ItemPair, bool) {
		return ItemPair{A: a, B: b}, a > b
	})
	cooccurrences := dbsp.CountTotal(pairs, "count-pairs", compareItemPair)
	df.Cooccurrences = dbsp.ArrangeByKey(cooccurrences, "cooccurrences", compareItemPair, i64)

	// Similarity: Jaccard index of the user sets of the two items.
	byA := dbsp.Map(cooccurrences, "cooccurrences-by-a", func(c dbsp.KV[ItemPair, int64]) dbsp.KV[uint32, coocRow] {
		return dbsp.NewKV(c.Key.A, coocRow{B: c.Key.B, Count: c.Val})
	})
	arrangedByA := dbsp.ArrangeByKey(byA, "cooccurrences-by-a", u32, compareCoocRow)
	withCountA := dbsp.JoinCore(arrangedByA, df.ItemCounts, "join-count-a",
		func(a uint32, row coocRow, countA int64) (dbsp.KV[uint32, halfJoined], bool) {
			return dbsp.NewKV(row.B, halfJoined{A: a, Count: row.Count, CountA: countA}), true
		})
	arrangedByB := dbsp.ArrangeByKey(withCountA, "cooccurrences-by-b", u32, compareHalfJoined)
	withCounts := dbsp.JoinCore(arrangedByB, df.ItemCounts, "join-count-b",
		func(b uint32, row halfJoined, countB int64) (jaccardInput, bool) {
			return jaccardInput{Pair: ItemPair{A: row.A, B: b}, Count: row.Count, CountA: row.CountA, CountB: countB}, true
		})
	similarities := dbsp.FlatMap(withCounts, "jaccard", func(in jaccardInput) ([]dbsp.KV[ItemPair, string], error) {
		sim, err := Jaccard(in.Count, in.CountA, in.CountB)
		if err != nil {
			return nil, err
		}
		return []dbsp.KV[ItemPair, string]{dbsp.NewKV(in.Pair, FormatSimilarity(sim))}, nil
	})
	df.Similarities = dbsp.ArrangeByKey(similarities, "similarities", compareItemPair, cmp.Compare[string])

	// Recommendation: the best scoring neighbor of the history items of each query.
	bidirectional := dbsp.FlatMap(similarities, "bidirectional", func(s dbsp.KV[ItemPair, string]) ([]dbsp.KV[uint32, Candidate], error) {
		score, err := candidateScore(s.Val, scale)
		if err != nil {
			return nil, err
		}
		return []dbsp.KV[uint32, Candidate]{
			dbsp.NewKV(s.Key.A, Candidate{Item: s.Key.B, Score: score}),
			dbsp.NewKV(s.Key.B, Candidate{Item: s.Key.A, Score: score}),
		}, nil
	})
	neighbors := dbsp.ArrangeByKey(bidirectional, "neighbors", u32, compareCandidate)
	history := dbsp.Map(queries, "history-by-item", func(q Query) dbsp.KV[uint32, uint32] {
		return dbsp.NewKV(q.Val, q.Key)
	})
	historyByItem := dbsp.ArrangeByKey(history, "history-by-item", u32, u32)
	candidates := dbsp.JoinCore(historyByItem, neighbors, "candidates",
		func(_ uint32, query uint32, c Candidate) (dbsp.KV[uint32, Candidate], bool) {
			return dbsp.NewKV(query, c), true
		})
	candidatesByQuery := dbsp.ArrangeByKey(candidates, "candidates-by-query", u32, compareCandidate)
	df.Recommendations = dbsp.Reduce(candidatesByQuery, "recommendations", u32, topCandidate)

	df.probe = df.Recommendations.Probe()

	return df
}

// Worker returns the worker running the dataflow.
func (df *Dataflow) Worker() *dbsp.Worker { return df.worker }

// Advance seals the staged input at time t and runs the dataflow until every operator is done with
// t. It returns the number of operator steps taken.
func (df *Dataflow) Advance(t dbsp.Time) (int, error) {
	if err := df.Interactions.AdvanceTo(t); err != nil {
		return 0, err
	}
	if err := df.Queries.AdvanceTo(t); err != nil {
		return 0, err
	}
	if err := df.Interactions.Flush(); err != nil {
		return 0, err
	}
	if err := df.Queries.Flush(); err != nil {
		return 0, err
	}
	return df.worker.Barrier(df.probe, t)
}

// Jaccard returns the Jaccard index of two items given the number of users that interacted with
// both and with each of them. Repeated interactions count with their multiplicity, so the index
// may exceed 1.
func Jaccard(cooccurrences, countA, countB int64) (float64, error) {
	denominator := countA + countB - cooccurrences
	if denominator <= 0 {
		return 0, dbsp.NewInvariantError("degenerate similarity: %d co-occurrences of items counted %d and %d",
			cooccurrences, countA, countB)
	}
	return float64(cooccurrences) / float64(denominator), nil
}

// FormatSimilarity renders a similarity as the shortest decimal string that parses back to it.
func FormatSimilarity(sim float64) string {
	return strconv.FormatFloat(sim, 'f', -1, 64)
}

// ParseSimilarity parses a similarity rendered by FormatSimilarity.
func ParseSimilarity(s string) (float64, error) {
	sim, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, dbsp.NewInvariantError("malformed similarity %q: %v", s, err)
	}
	return sim, nil
}

func candidateScore(similarity string, scale uint64) (uint64, error) {
	sim, err := ParseSimilarity(similarity)
	if err != nil {
		return 0, err
	}
	if sim < 0 {
		return 0, dbsp.NewInvariantError("negative similarity %q", similarity)
	}
	return uint64(sim * float64(scale)), nil
}

// topCandidate picks the candidate with the highest total score over all history items of a
// query. Ties go to the lowest item id.
func topCandidate(_ uint32, input []dbsp.Entry[Candidate], out *dbsp.ZSet[uint32]) error {
	scores := make(map[uint32]int64)
	for _, e := range input {
		scores[e.Elem.Item] += int64(e.Elem.Score) * e.Mult
	}

	var best uint32
	var bestScore int64
	found := false
	for item, score := range scores {
		if !found || score > bestScore || (score == bestScore && item < best) {
			best, bestScore, found = item, score, true
		}
	}
	if found {
		out.Insert(best, 1)
	}

	return nil
}
