package dbsp

import (
	"cmp"
	"fmt"
)

// Time is a logical timestamp. Times are totally ordered and every input batch gets a fresh one.
type Time uint64

// Frontier is a lower bound on the times a trace reader may still ask about. The empty frontier
// admits no time at all: a reader at the empty frontier will not read again.
type Frontier struct {
	time  Time
	empty bool
}

// FrontierAt returns the frontier whose only element is t.
func FrontierAt(t Time) Frontier { return Frontier{time: t} }

// EmptyFrontier returns the frontier that admits no times.
func EmptyFrontier() Frontier { return Frontier{empty: true} }

// IsEmpty reports whether the frontier admits no times.
func (f Frontier) IsEmpty() bool { return f.empty }

// Time returns the element of a non-empty frontier.
func (f Frontier) Time() Time { return f.time }

// LessEqual reports whether t is at or beyond the frontier.
func (f Frontier) LessEqual(t Time) bool { return !f.empty && f.time <= t }

// Meet returns the lower of the two frontiers.
func (f Frontier) Meet(o Frontier) Frontier {
	switch {
	case f.empty:
		return o
	case o.empty:
		return f
	case o.time < f.time:
		return o
	default:
		return f
	}
}

// Join returns the higher of the two frontiers.
func (f Frontier) Join(o Frontier) Frontier {
	switch {
	case f.empty || o.empty:
		return EmptyFrontier()
	case o.time > f.time:
		return o
	default:
		return f
	}
}

// advance maps t to the earliest time that is indistinguishable from t for every reader at the
// frontier.
func (f Frontier) advance(t Time) Time {
	if f.empty || t >= f.time {
		return t
	}
	return f.time
}

func (f Frontier) String() string {
	if f.empty {
		return "{}"
	}
	return fmt.Sprintf("{%d}", f.time)
}

// KV is a keyed record. Arrangements index collections of KVs by Key.
type KV[K, V comparable] struct {
	Key K
	Val V
}

// NewKV creates a keyed record.
func NewKV[K, V comparable](k K, v V) KV[K, V] { return KV[K, V]{Key: k, Val: v} }

func (kv KV[K, V]) String() string { return fmt.Sprintf("(%v, %v)", kv.Key, kv.Val) }

// Unit is the value type of collections that carry no value.
type Unit struct{}

// CompareUnit orders Unit values (there is only one).
func CompareUnit(Unit, Unit) int { return 0 }

// Comparator is a total order on T, in the style of cmp.Compare.
type Comparator[T any] func(a, b T) int

// order bundles the key and value orders of an arrangement.
type order[K, V any] struct {
	key Comparator[K]
	val Comparator[V]
}

func (o order[K, V]) compareUpdates(a, b Update[K, V]) int {
	return cmp.Or(o.key(a.Key, b.Key), o.val(a.Val, b.Val), cmp.Compare(a.Time, b.Time))
}
