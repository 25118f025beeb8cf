package dbsp

// Arranged is a collection indexed by key: the stream of its deltas together with the trace that
// accumulates them. Any number of operators can share one arrangement.
type Arranged[K, V comparable] struct {
	stream *Stream[KV[K, V]]
	trace  *Trace[K, V]
}

// Stream returns the delta stream of the arrangement.
func (a *Arranged[K, V]) Stream() *Stream[KV[K, V]] { return a.stream }

// Trace returns the trace backing the arrangement. Register a reader with Trace().Reader() to
// read it consistently.
func (a *Arranged[K, V]) Trace() *Trace[K, V] { return a.trace }

// Probe returns a probe on the operator maintaining the arrangement.
func (a *Arranged[K, V]) Probe() *Probe { return a.stream.Probe() }

// ArrangeOp appends each input delta to a trace as a new batch and forwards the delta. The
// batch for time t is in the trace before any downstream operator runs at t.
type ArrangeOp[K, V comparable] struct {
	BaseOp
	in    inbox[KV[K, V]]
	trace *Trace[K, V]
	out   *Stream[KV[K, V]]
}

// ArrangeByKey indexes s by key.
func ArrangeByKey[K, V comparable](s *Stream[KV[K, V]], name string, keyCmp Comparator[K], valCmp Comparator[V]) *Arranged[K, V] {
	op := &ArrangeOp[K, V]{
		BaseOp: NewBaseOp(name, OpTypeStructural, s.Source()),
		in:     make(inbox[KV[K, V]]),
		trace:  NewTrace(name, keyCmp, valCmp),
	}
	s.worker.register(op)
	s.subscribe(op.in.push)
	op.out = newStream[KV[K, V]](s.worker, op)
	return &Arranged[K, V]{stream: op.out, trace: op.trace}
}

func (op *ArrangeOp[K, V]) Pending() (Time, bool) { return op.in.earliest() }

func (op *ArrangeOp[K, V]) Process(t Time) error {
	delta := op.in.take(t)
	if err := op.trace.Insert(toUpdates(delta, t), t+1); err != nil {
		return err
	}
	op.out.emit(t, delta)
	return nil
}

func toUpdates[K, V comparable](z *ZSet[KV[K, V]], t Time) []Update[K, V] {
	updates := make([]Update[K, V], 0, z.Len())
	for kv, m := range z.counts {
		updates = append(updates, Update[K, V]{Key: kv.Key, Val: kv.Val, Time: t, Diff: m})
	}
	return updates
}

// keyGroup is the part of a delta that shares one key.
type keyGroup[K, V comparable] struct {
	key  K
	vals []Entry[V]
}

// groupByKey splits a delta by key, in key order.
func groupByKey[K, V comparable](z *ZSet[KV[K, V]], ord order[K, V]) []keyGroup[K, V] {
	var groups []keyGroup[K, V]
	for _, u := range newBatch(ord, toUpdates(z, 0), 0, 1).Updates() {
		if n := len(groups); n == 0 || ord.key(groups[n-1].key, u.Key) != 0 {
			groups = append(groups, keyGroup[K, V]{key: u.Key})
		}
		g := &groups[len(groups)-1]
		g.vals = append(g.vals, Entry[V]{Elem: u.Val, Mult: u.Diff})
	}
	return groups
}
