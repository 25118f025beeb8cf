package dbsp

import (
	"fmt"
	"slices"
	"sort"
)

// Update is a single (key, value, time, multiplicity) diff.
type Update[K, V any] struct {
	Key  K
	Val  V
	Time Time
	Diff int64
}

func (u Update[K, V]) String() string {
	return fmt.Sprintf("((%v, %v), %d, %+d)", u.Key, u.Val, u.Time, u.Diff)
}

// Batch is an immutable run of updates with times in [Lower, Upper), sorted by key, then value,
// then time, and consolidated. Updates are stored column-wise: each distinct key owns a range of
// values and each value owns a range of (time, diff) pairs.
type Batch[K, V any] struct {
	lower, upper Time
	keys         []K
	keyOffs      []int // value range of keys[i] is vals[keyOffs[i]:keyOffs[i+1]]
	vals         []V
	valOffs      []int // update range of vals[j] is times/diffs[valOffs[j]:valOffs[j+1]]
	times        []Time
	diffs        []int64
}

// newBatch sorts and consolidates the updates and builds an immutable batch from them. The
// updates slice is reordered in place.
func newBatch[K, V any](ord order[K, V], updates []Update[K, V], lower, upper Time) *Batch[K, V] {
	slices.SortFunc(updates, ord.compareUpdates)

	b := &Batch[K, V]{lower: lower, upper: upper, keyOffs: []int{0}, valOffs: []int{0}}
	for i := 0; i < len(updates); {
		u := updates[i]
		diff := u.Diff
		j := i + 1
		for ; j < len(updates) && ord.compareUpdates(u, updates[j]) == 0; j++ {
			diff += updates[j].Diff
		}
		i = j
		if diff == 0 {
			continue
		}

		newKey := len(b.keys) == 0 || ord.key(b.keys[len(b.keys)-1], u.Key) != 0
		if newKey {
			b.closeVal()
			b.closeKey()
			b.keys = append(b.keys, u.Key)
		}
		if newKey || ord.val(b.vals[len(b.vals)-1], u.Val) != 0 {
			if !newKey {
				b.closeVal()
			}
			b.vals = append(b.vals, u.Val)
		}
		b.times = append(b.times, u.Time)
		b.diffs = append(b.diffs, diff)
	}
	b.closeVal()
	b.closeKey()

	return b
}

// closeVal seals the update range of the last value, if it is still open.
func (b *Batch[K, V]) closeVal() {
	if len(b.valOffs) == len(b.vals) {
		b.valOffs = append(b.valOffs, len(b.times))
	}
}

// closeKey seals the value range of the last key, if it is still open.
func (b *Batch[K, V]) closeKey() {
	if len(b.keyOffs) == len(b.keys) {
		b.keyOffs = append(b.keyOffs, len(b.vals))
	}
}

// Lower returns the inclusive lower bound of the batch's time interval.
func (b *Batch[K, V]) Lower() Time { return b.lower }

// Upper returns the exclusive upper bound of the batch's time interval.
func (b *Batch[K, V]) Upper() Time { return b.upper }

// Len returns the number of (key, value, time) updates in the batch.
func (b *Batch[K, V]) Len() int { return len(b.diffs) }

// IsEmpty reports whether the batch holds no updates.
func (b *Batch[K, V]) IsEmpty() bool { return len(b.diffs) == 0 }

// Updates returns the updates of the batch in order.
func (b *Batch[K, V]) Updates() []Update[K, V] {
	ret := make([]Update[K, V], 0, b.Len())
	for c := b.Cursor(); c.KeyValid(); c.StepKey() {
		for ; c.ValValid(); c.StepVal() {
			k, v := c.Key(), c.Val()
			c.MapTimes(func(t Time, d int64) {
				ret = append(ret, Update[K, V]{Key: k, Val: v, Time: t, Diff: d})
			})
		}
	}
	return ret
}

// Cursor returns a cursor positioned at the first key of the batch.
func (b *Batch[K, V]) Cursor() *Cursor[K, V] {
	return &Cursor[K, V]{batch: b}
}

// mergeBatches merges two batches into one covering both intervals, advancing every time by the
// frontier and consolidating updates that become indistinguishable.
func mergeBatches[K, V any](ord order[K, V], a, b *Batch[K, V], frontier Frontier) *Batch[K, V] {
	updates := make([]Update[K, V], 0, a.Len()+b.Len())
	for _, batch := range []*Batch[K, V]{a, b} {
		for _, u := range batch.Updates() {
			u.Time = frontier.advance(u.Time)
			updates = append(updates, u)
		}
	}
	return newBatch(ord, updates, min(a.lower, b.lower), max(a.upper, b.upper))
}

// Cursor navigates a batch in (key, value, time) order.
type Cursor[K, V any] struct {
	batch  *Batch[K, V]
	keyIdx int
	valIdx int
}

// KeyValid reports whether the cursor points at a key.
func (c *Cursor[K, V]) KeyValid() bool { return c.keyIdx < len(c.batch.keys) }

// Key returns the current key. Valid only if KeyValid.
func (c *Cursor[K, V]) Key() K { return c.batch.keys[c.keyIdx] }

// StepKey moves to the next key and its first value.
func (c *Cursor[K, V]) StepKey() {
	c.keyIdx++
	c.RewindVals()
}

// SeekKey moves forward to the first key not less than key. The cursor never moves backwards.
func (c *Cursor[K, V]) SeekKey(key K, cmp Comparator[K]) {
	keys := c.batch.keys[c.keyIdx:]
	c.keyIdx += sort.Search(len(keys), func(i int) bool { return cmp(keys[i], key) >= 0 })
	c.RewindVals()
}

// ValValid reports whether the cursor points at a value of the current key.
func (c *Cursor[K, V]) ValValid() bool {
	return c.KeyValid() && c.valIdx < c.batch.keyOffs[c.keyIdx+1]
}

// Val returns the current value. Valid only if ValValid.
func (c *Cursor[K, V]) Val() V { return c.batch.vals[c.valIdx] }

// StepVal moves to the next value of the current key.
func (c *Cursor[K, V]) StepVal() { c.valIdx++ }

// RewindVals moves back to the first value of the current key.
func (c *Cursor[K, V]) RewindVals() {
	if c.KeyValid() {
		c.valIdx = c.batch.keyOffs[c.keyIdx]
	}
}

// MapTimes calls fn for each (time, diff) pair of the current value.
func (c *Cursor[K, V]) MapTimes(fn func(Time, int64)) {
	b := c.batch
	for i := b.valOffs[c.valIdx]; i < b.valOffs[c.valIdx+1]; i++ {
		fn(b.times[i], b.diffs[i])
	}
}
