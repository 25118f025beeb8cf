package dbsp

// CountOp counts the total multiplicity of each element of its input. When the count of an
// element changes at time t from old to new it emits (elem, old) with -1 and (elem, new) with
// +1; zero counts are never emitted.
type CountOp[K comparable] struct {
	BaseOp
	in     inbox[K]
	counts *Trace[K, Unit]
	reader *TraceHandle[K, Unit]
	out    *Stream[KV[K, int64]]
}

// CountTotal creates a count operator on s.
func CountTotal[K comparable](s *Stream[K], name string, keyCmp Comparator[K]) *Stream[KV[K, int64]] {
	op := &CountOp[K]{
		BaseOp: NewBaseOp(name, OpTypeNonLinear, s.Source()),
		in:     make(inbox[K]),
		counts: NewTrace(name, keyCmp, CompareUnit),
	}
	op.reader = op.counts.Reader()
	s.worker.register(op)
	s.subscribe(op.in.push)
	op.out = newStream[KV[K, int64]](s.worker, op)
	return op.out
}

func (op *CountOp[K]) Pending() (Time, bool) { return op.in.earliest() }

func (op *CountOp[K]) Process(t Time) error {
	delta := op.in.take(t)
	result := NewZSet[KV[K, int64]]()
	updates := make([]Update[K, Unit], 0, delta.Len())

	for _, e := range delta.SortedEntries(op.counts.ord.key) {
		var old int64
		for _, v := range op.counts.ValuesBefore(e.Elem, t) {
			old += v.Mult
		}
		updated := old + e.Mult
		if old != 0 {
			result.Insert(NewKV(e.Elem, old), -1)
		}
		if updated != 0 {
			result.Insert(NewKV(e.Elem, updated), 1)
		}
		updates = append(updates, Update[K, Unit]{Key: e.Elem, Time: t, Diff: e.Mult})
	}

	if err := op.counts.Insert(updates, t+1); err != nil {
		return err
	}
	op.out.emit(t, result)
	return nil
}

func (op *CountOp[K]) Release(t Time) {
	op.reader.AdvanceBy(FrontierAt(t))
	op.reader.DistinguishSince(EmptyFrontier())
}

// ReduceLogic computes the output values of a key from its accumulated input values. The input
// is in value order and never empty. Output values are added to output with their
// multiplicities.
type ReduceLogic[K, V, R comparable] func(key K, input []Entry[V], output *ZSet[R]) error

// ReduceOp maintains, for every key of an arrangement, the output of a reduction over the values
// of that key. At time t it recomputes the keys touched by the delta and emits the difference
// between the new output and the output it emitted up to t-1.
type ReduceOp[K, V, R comparable] struct {
	BaseOp
	in        inbox[KV[K, V]]
	input     *TraceHandle[K, V]
	output    *Trace[K, R]
	outReader *TraceHandle[K, R]
	logic     ReduceLogic[K, V, R]
	out       *Stream[KV[K, R]]
}

// Reduce applies logic to each key of in and arranges the result by the same key.
func Reduce[K, V, R comparable](in *Arranged[K, V], name string, outCmp Comparator[R], logic ReduceLogic[K, V, R]) *Arranged[K, R] {
	w := in.stream.worker
	op := &ReduceOp[K, V, R]{
		BaseOp: NewBaseOp(name, OpTypeNonLinear, in.stream.Source()),
		in:     make(inbox[KV[K, V]]),
		input:  in.trace.Reader(),
		output: NewTrace(name, in.trace.ord.key, outCmp),
		logic:  logic,
	}
	op.outReader = op.output.Reader()
	w.register(op)
	in.stream.subscribe(op.in.push)
	op.out = newStream[KV[K, R]](w, op)
	return &Arranged[K, R]{stream: op.out, trace: op.output}
}

func (op *ReduceOp[K, V, R]) Pending() (Time, bool) { return op.in.earliest() }

func (op *ReduceOp[K, V, R]) Process(t Time) error {
	delta := op.in.take(t)
	result := NewZSet[KV[K, R]]()
	var updates []Update[K, R]

	for _, g := range groupByKey(delta, op.input.Trace().ord) {
		desired := NewZSet[R]()
		if input := op.input.Trace().ValuesAt(g.key, t); len(input) > 0 {
			if err := op.logic(g.key, input, desired); err != nil {
				return err
			}
		}
		for _, cur := range op.output.ValuesBefore(g.key, t) {
			desired.Insert(cur.Elem, -cur.Mult)
		}
		for _, e := range desired.SortedEntries(op.output.ord.val) {
			updates = append(updates, Update[K, R]{Key: g.key, Val: e.Elem, Time: t, Diff: e.Mult})
			result.Insert(NewKV(g.key, e.Elem), e.Mult)
		}
	}

	if err := op.output.Insert(updates, t+1); err != nil {
		return err
	}
	op.out.emit(t, result)
	return nil
}

func (op *ReduceOp[K, V, R]) Release(t Time) {
	op.input.AdvanceBy(FrontierAt(t))
	op.input.DistinguishSince(EmptyFrontier())
	op.outReader.AdvanceBy(FrontierAt(t))
	op.outReader.DistinguishSince(EmptyFrontier())
}
