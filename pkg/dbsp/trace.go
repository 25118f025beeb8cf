package dbsp

import (
	"fmt"
	"slices"
)

// Trace is the versioned diff store of an arrangement: a spine of immutable batches covering
// consecutive time intervals, indexed by key. Batches are merged geometrically as they arrive,
// and merging advances times to the logical compaction frontier so that updates no reader can
// tell apart consolidate.
//
// Readers hold TraceHandles. The logical frontier of the trace is the meet of the handles'
// AdvanceBy frontiers and bounds which times must stay distinguishable; the physical frontier is
// the meet of the DistinguishSince frontiers and bounds which batches may be merged.
type Trace[K, V any] struct {
	name    string
	ord     order[K, V]
	batches []*Batch[K, V]
	upper   Time
	handles []*TraceHandle[K, V]
	logical Frontier
}

// NewTrace creates an empty trace.
func NewTrace[K, V any](name string, keyCmp Comparator[K], valCmp Comparator[V]) *Trace[K, V] {
	return &Trace[K, V]{
		name:    name,
		ord:     order[K, V]{key: keyCmp, val: valCmp},
		logical: FrontierAt(0),
	}
}

// Name returns the name of the trace.
func (tr *Trace[K, V]) Name() string { return tr.name }

// Upper returns the exclusive upper bound of all times in the trace.
func (tr *Trace[K, V]) Upper() Time { return tr.upper }

// Len returns the number of updates stored across all batches.
func (tr *Trace[K, V]) Len() int {
	n := 0
	for _, b := range tr.batches {
		n += b.Len()
	}
	return n
}

// BatchCount returns the number of batches in the spine.
func (tr *Trace[K, V]) BatchCount() int { return len(tr.batches) }

// Insert appends the updates as a new batch covering [Upper(), upper). All update times must fall
// into that interval.
func (tr *Trace[K, V]) Insert(updates []Update[K, V], upper Time) error {
	if upper <= tr.upper {
		return fmt.Errorf("%w: trace %q: batch upper %d not beyond %d", ErrOutOfOrderTime,
			tr.name, upper, tr.upper)
	}
	for _, u := range updates {
		if u.Time < tr.upper || u.Time >= upper {
			return fmt.Errorf("%w: trace %q: update at time %d outside [%d, %d)",
				ErrOutOfOrderTime, tr.name, u.Time, tr.upper, upper)
		}
	}

	batch := newBatch(tr.ord, updates, tr.upper, upper)
	tr.upper = upper
	if !batch.IsEmpty() {
		tr.batches = append(tr.batches, batch)
	}
	tr.maintain()

	return nil
}

// Reader registers a new reader. A new reader can distinguish every time in the trace.
func (tr *Trace[K, V]) Reader() *TraceHandle[K, V] {
	h := &TraceHandle[K, V]{trace: tr, logical: tr.logical, physical: FrontierAt(0)}
	tr.handles = append(tr.handles, h)
	return h
}

// frontiers returns the meet of the reader frontiers. Without readers nothing pins history.
func (tr *Trace[K, V]) frontiers() (logical, physical Frontier) {
	logical, physical = EmptyFrontier(), EmptyFrontier()
	for _, h := range tr.handles {
		logical = logical.Meet(h.logical)
		physical = physical.Meet(h.physical)
	}
	return logical, physical
}

// maintain merges adjacent batches while the older one is not much larger than the newer one
// and both lie behind the physical frontier.
func (tr *Trace[K, V]) maintain() {
	logical, physical := tr.frontiers()
	// Logical compaction never goes backwards, even if a new reader arrives late.
	if !logical.IsEmpty() {
		tr.logical = tr.logical.Join(logical)
	}

	mergeable := func(b *Batch[K, V]) bool {
		return physical.IsEmpty() || b.upper <= physical.time
	}

	for i := len(tr.batches) - 1; i >= 1; i-- {
		if i >= len(tr.batches) {
			continue
		}
		older, newer := tr.batches[i-1], tr.batches[i]
		if !mergeable(older) || !mergeable(newer) || older.Len() > 2*newer.Len() {
			continue
		}
		merged := mergeBatches(tr.ord, older, newer, tr.logical)
		if merged.IsEmpty() {
			tr.batches = slices.Delete(tr.batches, i-1, i+1)
		} else {
			tr.batches = slices.Replace(tr.batches, i-1, i+1, merged)
		}
	}
}

// values returns the accumulated multiplicity of each value of key over the times accepted by
// include, in value order and without zero entries.
func (tr *Trace[K, V]) values(key K, include func(Time) bool) []Entry[V] {
	var acc []Entry[V]
	for _, b := range tr.batches {
		if !include(b.lower) {
			// times in a batch are never below its lower bound
			continue
		}
		c := b.Cursor()
		c.SeekKey(key, tr.ord.key)
		if !c.KeyValid() || tr.ord.key(c.Key(), key) != 0 {
			continue
		}
		for ; c.ValValid(); c.StepVal() {
			var sum int64
			c.MapTimes(func(t Time, d int64) {
				if include(t) {
					sum += d
				}
			})
			if sum != 0 {
				acc = append(acc, Entry[V]{Elem: c.Val(), Mult: sum})
			}
		}
	}
	return consolidateEntries(acc, tr.ord.val)
}

// ValuesBefore returns the accumulated values of key over all times strictly before t.
func (tr *Trace[K, V]) ValuesBefore(key K, t Time) []Entry[V] {
	return tr.values(key, func(u Time) bool { return u < t })
}

// ValuesAt returns the accumulated values of key over all times at or before t.
func (tr *Trace[K, V]) ValuesAt(key K, t Time) []Entry[V] {
	return tr.values(key, func(u Time) bool { return u <= t })
}

// Snapshot returns the accumulated contents of the trace at time t, ordered by key and value.
// The time of each returned update is t.
func (tr *Trace[K, V]) Snapshot(t Time) []Update[K, V] {
	var updates []Update[K, V]
	for _, b := range tr.batches {
		for _, u := range b.Updates() {
			if u.Time <= t {
				u.Time = t
				updates = append(updates, u)
			}
		}
	}
	return newBatch(tr.ord, updates, 0, t+1).Updates()
}

func (tr *Trace[K, V]) String() string {
	return fmt.Sprintf("trace %q: %d batches, %d updates, upper %d, since %s", tr.name,
		len(tr.batches), tr.Len(), tr.upper, tr.logical)
}

func consolidateEntries[V any](entries []Entry[V], cmp Comparator[V]) []Entry[V] {
	if len(entries) <= 1 {
		return entries
	}
	slices.SortStableFunc(entries, func(a, b Entry[V]) int { return cmp(a.Elem, b.Elem) })
	ret := entries[:0]
	for i := 0; i < len(entries); {
		e := entries[i]
		j := i + 1
		for ; j < len(entries) && cmp(e.Elem, entries[j].Elem) == 0; j++ {
			e.Mult += entries[j].Mult
		}
		i = j
		if e.Mult != 0 {
			ret = append(ret, e)
		}
	}
	return ret
}

// TraceHandle is a reader's view of a trace. The handle's frontiers tell the trace which history
// the reader still needs.
type TraceHandle[K, V any] struct {
	trace    *Trace[K, V]
	logical  Frontier
	physical Frontier
}

// Trace returns the underlying trace.
func (h *TraceHandle[K, V]) Trace() *Trace[K, V] { return h.trace }

// AdvanceBy promises that the reader will only ask about accumulations at times at or beyond f,
// so times before f may be advanced to f. Frontiers never move backwards.
func (h *TraceHandle[K, V]) AdvanceBy(f Frontier) {
	h.logical = h.logical.Join(f)
	h.trace.maintain()
}

// DistinguishSince promises that the reader will not ask to tell apart batches that end at or
// before f, so those batches may be merged. Frontiers never move backwards.
func (h *TraceHandle[K, V]) DistinguishSince(f Frontier) {
	h.physical = h.physical.Join(f)
	h.trace.maintain()
}

// LogicalFrontier returns the handle's AdvanceBy frontier.
func (h *TraceHandle[K, V]) LogicalFrontier() Frontier { return h.logical }

// MapBatches calls fn on each batch of the trace, oldest first.
func (h *TraceHandle[K, V]) MapBatches(fn func(*Batch[K, V])) {
	for _, b := range h.trace.batches {
		fn(b)
	}
}

// Close drops the reader; the trace no longer retains history on its behalf.
func (h *TraceHandle[K, V]) Close() {
	h.trace.handles = slices.DeleteFunc(h.trace.handles, func(o *TraceHandle[K, V]) bool { return o == h })
	h.trace.maintain()
}
