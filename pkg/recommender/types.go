package recommender

import (
	"cmp"
	"fmt"
)

// ItemPair is an unordered pair of distinct items, stored with A > B.
type ItemPair struct {
	A, B uint32
}

func (p ItemPair) String() string { return fmt.Sprintf("(%d, %d)", p.A, p.B) }

func compareItemPair(a, b ItemPair) int {
	return cmp.Or(cmp.Compare(a.A, b.A), cmp.Compare(a.B, b.B))
}

// Candidate is a recommendable item with the fixed-point similarity it was reached with.
type Candidate struct {
	Item  uint32
	Score uint64
}

func compareCandidate(a, b Candidate) int {
	return cmp.Or(cmp.Compare(a.Item, b.Item), cmp.Compare(a.Score, b.Score))
}

// coocRow is a co-occurrence count keyed by the larger item of the pair.
type coocRow struct {
	B     uint32
	Count int64
}

func compareCoocRow(a, b coocRow) int {
	return cmp.Or(cmp.Compare(a.B, b.B), cmp.Compare(a.Count, b.Count))
}

// halfJoined is a co-occurrence count extended with the count of its larger item, keyed by the
// smaller item.
type halfJoined struct {
	A      uint32
	Count  int64
	CountA int64
}

func compareHalfJoined(a, b halfJoined) int {
	return cmp.Or(cmp.Compare(a.A, b.A), cmp.Compare(a.Count, b.Count), cmp.Compare(a.CountA, b.CountA))
}

// jaccardInput holds everything needed to compute the similarity of a pair.
type jaccardInput struct {
	Pair   ItemPair
	Count  int64
	CountA int64
	CountB int64
}
