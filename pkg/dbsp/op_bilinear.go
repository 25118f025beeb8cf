package dbsp

// JoinOp joins two arrangements on their keys incrementally. For the deltas ΔL and ΔR at time t
// and the accumulated inputs L and R before t it emits
//
//	ΔL ⋈ R + L ⋈ ΔR + ΔL ⋈ ΔR
//
// which is exactly the change of the full join between t-1 and t. Joining an arrangement with
// itself is allowed.
type JoinOp[K, V1, V2, R comparable] struct {
	BaseOp
	left     inbox[KV[K, V1]]
	right    inbox[KV[K, V2]]
	leftOrd  order[K, V1]
	rightOrd order[K, V2]
	leftH    *TraceHandle[K, V1]
	rightH   *TraceHandle[K, V2]
	fn       func(K, V1, V2) (R, bool)
	out      *Stream[R]
}

// JoinCore joins left and right on their keys and calls fn on each matching pair of values. The
// result of fn is emitted with the product of the multiplicities if fn returns true.
func JoinCore[K, V1, V2, R comparable](left *Arranged[K, V1], right *Arranged[K, V2], name string, fn func(K, V1, V2) (R, bool)) *Stream[R] {
	w := left.stream.worker
	op := &JoinOp[K, V1, V2, R]{
		BaseOp:   NewBaseOp(name, OpTypeBilinear, left.stream.Source(), right.stream.Source()),
		left:     make(inbox[KV[K, V1]]),
		right:    make(inbox[KV[K, V2]]),
		leftOrd:  left.trace.ord,
		rightOrd: right.trace.ord,
		leftH:    left.trace.Reader(),
		rightH:   right.trace.Reader(),
		fn:       fn,
	}
	w.register(op)
	left.stream.subscribe(op.left.push)
	right.stream.subscribe(op.right.push)
	op.out = newStream[R](w, op)
	return op.out
}

func (op *JoinOp[K, V1, V2, R]) Pending() (Time, bool) {
	return earliestOf(op.left.earliest, op.right.earliest)
}

func (op *JoinOp[K, V1, V2, R]) Process(t Time) error {
	dl := groupByKey(op.left.take(t), op.leftOrd)
	dr := groupByKey(op.right.take(t), op.rightOrd)
	keyCmp := op.leftOrd.key
	result := NewZSet[R]()

	emit := func(k K, v1 Entry[V1], v2 Entry[V2]) {
		if r, ok := op.fn(k, v1.Elem, v2.Elem); ok {
			result.Insert(r, v1.Mult*v2.Mult)
		}
	}

	// ΔL ⋈ R
	for _, g := range dl {
		prior := op.rightH.Trace().ValuesBefore(g.key, t)
		for _, v1 := range g.vals {
			for _, v2 := range prior {
				emit(g.key, v1, v2)
			}
		}
	}

	// L ⋈ ΔR
	for _, g := range dr {
		prior := op.leftH.Trace().ValuesBefore(g.key, t)
		for _, v2 := range g.vals {
			for _, v1 := range prior {
				emit(g.key, v1, v2)
			}
		}
	}

	// ΔL ⋈ ΔR
	for i, j := 0, 0; i < len(dl) && j < len(dr); {
		switch c := keyCmp(dl[i].key, dr[j].key); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			for _, v1 := range dl[i].vals {
				for _, v2 := range dr[j].vals {
					emit(dl[i].key, v1, v2)
				}
			}
			i++
			j++
		}
	}

	op.out.emit(t, result)
	return nil
}

func (op *JoinOp[K, V1, V2, R]) Release(t Time) {
	op.leftH.AdvanceBy(FrontierAt(t))
	op.leftH.DistinguishSince(EmptyFrontier())
	op.rightH.AdvanceBy(FrontierAt(t))
	op.rightH.DistinguishSince(EmptyFrontier())
}
