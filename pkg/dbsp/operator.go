package dbsp

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrderTime is returned when a logical time would move backwards or a time would
	// receive data after it was sealed.
	ErrOutOfOrderTime = errors.New("out-of-order logical time")

	// ErrInvariant is returned when a derived collection reaches a state that is impossible for
	// consistent inputs.
	ErrInvariant = errors.New("dataflow invariant violated")
)

// OperatorError is an error raised by an operator while processing a time.
type OperatorError struct {
	Op    string
	Time  Time
	Cause error
}

func (e *OperatorError) Error() string {
	return fmt.Sprintf("operator %s at time %d: %v", e.Op, e.Time, e.Cause)
}

func (e *OperatorError) Unwrap() error { return e.Cause }

// NewOperatorError wraps an error raised by the named operator.
func NewOperatorError(op string, t Time, cause error) error {
	var opErr *OperatorError
	if errors.As(cause, &opErr) {
		return cause
	}
	return &OperatorError{Op: op, Time: t, Cause: cause}
}

// NewInvariantError creates an error wrapping ErrInvariant.
func NewInvariantError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, a...))
}

// OperatorType classifies operators by how they handle deltas.
type OperatorType int

const (
	OpTypeLinear     OperatorType = iota // Op^Δ = Op
	OpTypeBilinear                       // Op^Δ needs the bilinear expansion (joins)
	OpTypeNonLinear                      // Op^Δ recomputes touched keys (count, reduce)
	OpTypeStructural                     // inputs and arrangements
)

func (t OperatorType) String() string {
	switch t {
	case OpTypeLinear:
		return "linear"
	case OpTypeBilinear:
		return "bilinear"
	case OpTypeNonLinear:
		return "nonlinear"
	case OpTypeStructural:
		return "structural"
	default:
		return "unknown"
	}
}

// Operator is a node of the dataflow graph. Operators are registered with their Worker in
// creation order, which is a topological order of the graph.
type Operator interface {
	// ID is the position of the operator in the worker's topological order.
	ID() int
	// Name is the human readable name of the operator.
	Name() string
	// Arity is the number of input streams.
	Arity() int
	OpType() OperatorType
	// Inputs returns the operators that feed this one.
	Inputs() []Operator
	// Pending returns the earliest time for which the operator holds unprocessed input.
	Pending() (Time, bool)
	// Process consumes all input at time t and emits the resulting delta downstream.
	Process(t Time) error
	// Release tells the operator that all work at or before t has drained, so the history it
	// reads may be compacted up to t.
	Release(t Time)
}

// BaseOp implements the bookkeeping part of Operator.
type BaseOp struct {
	id     int
	name   string
	opType OperatorType
	inputs []Operator
}

// NewBaseOp creates the common part of an operator.
func NewBaseOp(name string, opType OperatorType, inputs ...Operator) BaseOp {
	return BaseOp{id: -1, name: name, opType: opType, inputs: inputs}
}

func (n *BaseOp) ID() int              { return n.id }
func (n *BaseOp) Name() string         { return n.name }
func (n *BaseOp) Arity() int           { return len(n.inputs) }
func (n *BaseOp) OpType() OperatorType { return n.opType }
func (n *BaseOp) Inputs() []Operator   { return n.inputs }
func (n *BaseOp) Release(Time)         {}

func (n *BaseOp) setID(id int) { n.id = id }

func (n *BaseOp) String() string { return fmt.Sprintf("%s(%d)", n.name, n.id) }

// Stream is the output of an operator: a sequence of timestamped Z-set deltas pushed to the
// operators subscribed to it.
type Stream[T comparable] struct {
	worker *Worker
	source Operator
	sinks  []func(Time, *ZSet[T])
}

func newStream[T comparable](w *Worker, source Operator) *Stream[T] {
	return &Stream[T]{worker: w, source: source}
}

// Worker returns the worker that runs the stream's operator.
func (s *Stream[T]) Worker() *Worker { return s.worker }

// Source returns the operator producing the stream.
func (s *Stream[T]) Source() Operator { return s.source }

// Probe returns a probe that reports whether the stream's operator, or any operator before it,
// still has work to do.
func (s *Stream[T]) Probe() *Probe {
	return &Probe{worker: s.worker, upTo: s.source.ID()}
}

// Inspect registers a callback that observes every delta of the stream.
func (s *Stream[T]) Inspect(fn func(Time, *ZSet[T])) {
	s.subscribe(fn)
}

func (s *Stream[T]) subscribe(fn func(Time, *ZSet[T])) {
	s.sinks = append(s.sinks, fn)
}

func (s *Stream[T]) emit(t Time, z *ZSet[T]) {
	if z.IsZero() {
		return
	}
	for _, sink := range s.sinks {
		sink(t, z)
	}
}

// inbox buffers the consolidated input of an operator per time.
type inbox[T comparable] map[Time]*ZSet[T]

func (in inbox[T]) push(t Time, z *ZSet[T]) {
	if cur, ok := in[t]; ok {
		cur.AddMutate(z)
		if cur.IsZero() {
			delete(in, t)
		}
		return
	}
	if !z.IsZero() {
		in[t] = z.DeepCopy()
	}
}

func (in inbox[T]) earliest() (Time, bool) {
	var first Time
	found := false
	for t := range in {
		if !found || t < first {
			first, found = t, true
		}
	}
	return first, found
}

func (in inbox[T]) take(t Time) *ZSet[T] {
	z, ok := in[t]
	if !ok {
		return NewZSet[T]()
	}
	delete(in, t)
	return z
}

// earliestOf returns the earliest pending time over several inboxes.
func earliestOf(times ...func() (Time, bool)) (Time, bool) {
	var first Time
	found := false
	for _, f := range times {
		if t, ok := f(); ok && (!found || t < first) {
			first, found = t, true
		}
	}
	return first, found
}
