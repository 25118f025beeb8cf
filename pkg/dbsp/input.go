package dbsp

import "fmt"

// InputSession feeds a dataflow. Diffs are staged with Insert, Remove or Update and become
// visible to the dataflow at the current input time only when Flush is called.
type InputSession[T comparable] struct {
	BaseOp
	staged *ZSet[T]
	time   Time
	// sealed is set once the dataflow has consumed the input at the current time.
	sealed bool
	queue  inbox[T]
	out    *Stream[T]
}

// NewInput creates an input session at time 0 and the stream it feeds.
func NewInput[T comparable](w *Worker, name string) (*InputSession[T], *Stream[T]) {
	in := &InputSession[T]{
		BaseOp: NewBaseOp(name, OpTypeStructural),
		staged: NewZSet[T](),
		queue:  make(inbox[T]),
	}
	w.register(in)
	in.out = newStream[T](w, in)
	return in, in.out
}

// Insert stages elem with multiplicity +1.
func (in *InputSession[T]) Insert(elem T) { in.staged.Insert(elem, 1) }

// Remove stages elem with multiplicity -1. Removing an element that was never inserted is not an
// error: the collection simply holds a negative multiplicity.
func (in *InputSession[T]) Remove(elem T) { in.staged.Insert(elem, -1) }

// Update stages elem with an arbitrary multiplicity.
func (in *InputSession[T]) Update(elem T, diff int64) { in.staged.Insert(elem, diff) }

// Time returns the current input time.
func (in *InputSession[T]) Time() Time { return in.time }

// Staged returns the number of distinct staged elements.
func (in *InputSession[T]) Staged() int { return in.staged.Len() }

// AdvanceTo moves the input time forward. The new time must be strictly greater than the current
// one.
func (in *InputSession[T]) AdvanceTo(t Time) error {
	if t <= in.time {
		return fmt.Errorf("%w: input %s: cannot advance from %d to %d", ErrOutOfOrderTime,
			in.name, in.time, t)
	}
	in.time = t
	in.sealed = false
	return nil
}

// Flush makes the staged diffs visible to the dataflow at the current input time. Repeated
// flushes at the same time are merged until the worker processes that time; after that the time
// is sealed and only AdvanceTo opens a new one.
func (in *InputSession[T]) Flush() error {
	if in.staged.IsZero() {
		return nil
	}
	if in.sealed {
		return fmt.Errorf("%w: input %s: time %d already processed", ErrOutOfOrderTime,
			in.name, in.time)
	}
	in.queue.push(in.time, in.staged)
	in.staged = NewZSet[T]()
	return nil
}

func (in *InputSession[T]) Pending() (Time, bool) { return in.queue.earliest() }

func (in *InputSession[T]) Process(t Time) error {
	if t == in.time {
		in.sealed = true
	}
	in.out.emit(t, in.queue.take(t))
	return nil
}
