package dbsp

import (
	"fmt"
	"slices"
	"strings"
)

// ZSet is a multiset with signed integer multiplicities. A ZSet is always consolidated: elements
// whose multiplicity sums to zero are removed.
type ZSet[T comparable] struct {
	counts map[T]int64
}

// Entry is an element with its multiplicity.
type Entry[T any] struct {
	Elem T
	Mult int64
}

// NewZSet creates an empty ZSet.
func NewZSet[T comparable]() *ZSet[T] {
	return &ZSet[T]{counts: make(map[T]int64)}
}

// FromElems creates a ZSet from a list of elements, each with multiplicity 1.
func FromElems[T comparable](elems ...T) *ZSet[T] {
	z := NewZSet[T]()
	for _, e := range elems {
		z.Insert(e, 1)
	}
	return z
}

// Insert adds elem with the given multiplicity, modifying the ZSet in place.
func (z *ZSet[T]) Insert(elem T, mult int64) {
	if mult == 0 {
		return
	}
	n := z.counts[elem] + mult
	if n == 0 {
		delete(z.counts, elem)
		return
	}
	z.counts[elem] = n
}

// AddMutate adds other to z in place.
func (z *ZSet[T]) AddMutate(other *ZSet[T]) {
	if other == nil {
		return
	}
	for e, m := range other.counts {
		z.Insert(e, m)
	}
}

// Add performs Z-set addition and returns the result as a new ZSet.
func (z *ZSet[T]) Add(other *ZSet[T]) *ZSet[T] {
	result := z.DeepCopy()
	result.AddMutate(other)
	return result
}

// Subtract performs Z-set subtraction and returns the result as a new ZSet.
func (z *ZSet[T]) Subtract(other *ZSet[T]) *ZSet[T] {
	result := z.DeepCopy()
	if other == nil {
		return result
	}
	for e, m := range other.counts {
		result.Insert(e, -m)
	}
	return result
}

// Negate returns the ZSet with all multiplicities negated.
func (z *ZSet[T]) Negate() *ZSet[T] {
	return NewZSet[T]().Subtract(z)
}

// Distinct converts the ZSet to set semantics: positive elements get multiplicity 1, the rest
// are dropped.
func (z *ZSet[T]) Distinct() *ZSet[T] {
	result := NewZSet[T]()
	for e, m := range z.counts {
		if m > 0 {
			result.counts[e] = 1
		}
	}
	return result
}

// DeepCopy returns a copy of the ZSet. Elements are values, so a map copy suffices.
func (z *ZSet[T]) DeepCopy() *ZSet[T] {
	result := &ZSet[T]{counts: make(map[T]int64, len(z.counts))}
	for e, m := range z.counts {
		result.counts[e] = m
	}
	return result
}

// Multiplicity returns the multiplicity of elem, 0 if absent.
func (z *ZSet[T]) Multiplicity(elem T) int64 { return z.counts[elem] }

// Contains reports whether elem has a positive multiplicity.
func (z *ZSet[T]) Contains(elem T) bool { return z.counts[elem] > 0 }

// IsZero reports whether the ZSet is empty.
func (z *ZSet[T]) IsZero() bool { return z == nil || len(z.counts) == 0 }

// Len returns the number of distinct elements, regardless of sign.
func (z *ZSet[T]) Len() int { return len(z.counts) }

// Size returns the number of elements counting only positive multiplicities.
func (z *ZSet[T]) Size() int64 {
	var total int64
	for _, m := range z.counts {
		if m > 0 {
			total += m
		}
	}
	return total
}

// TotalSize returns the sum of the absolute multiplicities.
func (z *ZSet[T]) TotalSize() int64 {
	var total int64
	for _, m := range z.counts {
		total += abs(m)
	}
	return total
}

// Entries returns the elements with their multiplicities in unspecified order.
func (z *ZSet[T]) Entries() []Entry[T] {
	result := make([]Entry[T], 0, len(z.counts))
	for e, m := range z.counts {
		result = append(result, Entry[T]{Elem: e, Mult: m})
	}
	return result
}

// SortedEntries returns the elements with their multiplicities ordered by cmp.
func (z *ZSet[T]) SortedEntries(cmp Comparator[T]) []Entry[T] {
	result := z.Entries()
	slices.SortFunc(result, func(a, b Entry[T]) int { return cmp(a.Elem, b.Elem) })
	return result
}

// Equal reports whether two ZSets hold the same elements with the same multiplicities.
func (z *ZSet[T]) Equal(other *ZSet[T]) bool {
	if z.Len() != other.Len() {
		return false
	}
	for e, m := range z.counts {
		if other.counts[e] != m {
			return false
		}
	}
	return true
}

// String returns a string representation of the ZSet for debugging.
func (z *ZSet[T]) String() string {
	if z.IsZero() {
		return "∅"
	}
	parts := make([]string, 0, len(z.counts))
	for e, m := range z.counts {
		parts = append(parts, fmt.Sprintf("%v×%d", e, m))
	}
	slices.Sort(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
