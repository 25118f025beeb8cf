package dbsp

// FlatMapOp applies a function to each element of its input and emits the results with the
// multiplicity of the input element. Linear, so it processes deltas as they are.
type FlatMapOp[T, U comparable] struct {
	BaseOp
	in  inbox[T]
	fn  func(T) ([]U, error)
	out *Stream[U]
}

// FlatMap creates a flat-map operator on s. An error returned by fn aborts the current step.
func FlatMap[T, U comparable](s *Stream[T], name string, fn func(T) ([]U, error)) *Stream[U] {
	op := &FlatMapOp[T, U]{
		BaseOp: NewBaseOp(name, OpTypeLinear, s.Source()),
		in:     make(inbox[T]),
		fn:     fn,
	}
	s.worker.register(op)
	s.subscribe(op.in.push)
	op.out = newStream[U](s.worker, op)
	return op.out
}

// Map creates an operator that transforms each element of s one-to-one.
func Map[T, U comparable](s *Stream[T], name string, fn func(T) U) *Stream[U] {
	return FlatMap(s, name, func(e T) ([]U, error) { return []U{fn(e)}, nil })
}

// Filter creates an operator that keeps the elements of s satisfying pred.
func Filter[T comparable](s *Stream[T], name string, pred func(T) bool) *Stream[T] {
	return FlatMap(s, name, func(e T) ([]T, error) {
		if pred(e) {
			return []T{e}, nil
		}
		return nil, nil
	})
}

func (op *FlatMapOp[T, U]) Pending() (Time, bool) { return op.in.earliest() }

func (op *FlatMapOp[T, U]) Process(t Time) error {
	result := NewZSet[U]()
	for _, e := range op.in.take(t).Entries() {
		outs, err := op.fn(e.Elem)
		if err != nil {
			return err
		}
		for _, o := range outs {
			result.Insert(o, e.Mult)
		}
	}
	op.out.emit(t, result)
	return nil
}
