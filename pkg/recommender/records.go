package recommender

import (
	"encoding/json"
	"slices"

	"github.com/l7mp/amnesia/pkg/dbsp"
)

// Collection names as they appear in the "data" field of diff records.
const (
	CollectionItemCounts      = "item_interactions_n"
	CollectionCooccurrences   = "cooccurrences_c"
	CollectionSimilarities    = "similarities_s"
	CollectionRecommendations = "recommendations"
)

// Collections lists the derived collections in the order their diffs are collected.
var Collections = []string{
	CollectionItemCounts, CollectionCooccurrences, CollectionSimilarities, CollectionRecommendations,
}

// ItemCountRecord is a diff of the item count collection.
type ItemCountRecord struct {
	Data   string `json:"data"`
	Item   uint32 `json:"item"`
	Count  int64  `json:"count"`
	Time   uint64 `json:"time"`
	Change int64  `json:"change"`
}

// CooccurrenceRecord is a diff of the co-occurrence collection.
type CooccurrenceRecord struct {
	Data             string `json:"data"`
	ItemA            uint32 `json:"item_a"`
	ItemB            uint32 `json:"item_b"`
	NumCooccurrences int64  `json:"num_cooccurrences"`
	Time             uint64 `json:"time"`
	Change           int64  `json:"change"`
}

// SimilarityRecord is a diff of the similarity collection.
type SimilarityRecord struct {
	Data       string  `json:"data"`
	ItemA      uint32  `json:"item_a"`
	ItemB      uint32  `json:"item_b"`
	Similarity float64 `json:"similarity"`
	Time       uint64  `json:"time"`
	Change     int64   `json:"change"`
}

// RecommendationRecord is a diff of the recommendation collection.
type RecommendationRecord struct {
	Data   string `json:"data"`
	Query  uint32 `json:"query"`
	Item   uint32 `json:"item"`
	Time   uint64 `json:"time"`
	Change int64  `json:"change"`
}

// Message is one serialized diff record, ready to be sent to peers.
type Message struct {
	// Collection is the name of the collection the record belongs to.
	Collection string
	// Change is the multiplicity of the diff.
	Change int64
	// Record is the typed record, one of the *Record types of this package.
	Record any
	// Text is the JSON encoding of Record.
	Text []byte
}

func newMessage(collection string, change int64, record any) (Message, error) {
	text, err := json.Marshal(record)
	if err != nil {
		return Message{}, err
	}
	return Message{Collection: collection, Change: change, Record: record, Text: text}, nil
}

// Update is the outcome of one step: every diff the derived collections received at Time, in
// broadcast order.
type Update struct {
	Time     dbsp.Time
	Messages []Message
}

// Len returns the number of diff records in the update.
func (u *Update) Len() int { return len(u.Messages) }

// Count returns the number of diff records of a collection.
func (u *Update) Count(collection string) int {
	n := 0
	for _, m := range u.Messages {
		if m.Collection == collection {
			n++
		}
	}
	return n
}

// OrderForBroadcast sorts messages so that all removals precede all additions. The relative order
// of messages with the same sign is preserved.
func OrderForBroadcast(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return sign(a.Change) - sign(b.Change)
	})
}

func sign(x int64) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	default:
		return 0
	}
}
