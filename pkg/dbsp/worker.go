package dbsp

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Worker owns a dataflow graph and schedules its operators on a single goroutine. A worker is
// not safe for concurrent use.
type Worker struct {
	ops      []Operator
	steps    uint64
	released Time
	log      logr.Logger
}

// NewWorker creates an empty worker.
func NewWorker(log logr.Logger) *Worker {
	return &Worker{log: log.WithName("worker")}
}

func (w *Worker) register(op Operator) {
	if o, ok := op.(interface{ setID(int) }); ok {
		o.setID(len(w.ops))
	}
	w.ops = append(w.ops, op)
	w.log.V(4).Info("operator registered", "id", op.ID(), "name", op.Name(), "type", op.OpType())
}

// Operators returns the operators of the dataflow in topological order.
func (w *Worker) Operators() []Operator { return w.ops }

// Steps returns the number of operator invocations performed so far.
func (w *Worker) Steps() uint64 { return w.steps }

// Step runs one operator on its earliest pending time. Among all operators with pending work the
// one with the earliest time runs first, ties broken by topological order, so an operator only
// runs once all its upstream operators are done with that time. Step returns false if there was
// nothing to do.
func (w *Worker) Step() (bool, error) {
	var next Operator
	var at Time
	for _, op := range w.ops {
		if t, ok := op.Pending(); ok && (next == nil || t < at) {
			next, at = op, t
		}
	}
	if next == nil {
		return false, nil
	}

	w.steps++
	w.log.V(4).Info("processing", "operator", next.Name(), "time", at)
	if err := next.Process(at); err != nil {
		return true, NewOperatorError(next.Name(), at, err)
	}

	return true, nil
}

// StepWhile steps the worker as long as cond holds and there is work to do. It returns the number
// of steps performed.
func (w *Worker) StepWhile(cond func() bool) (int, error) {
	n := 0
	for cond() {
		worked, err := w.Step()
		if err != nil {
			return n, err
		}
		if !worked {
			break
		}
		n++
	}
	return n, nil
}

// Barrier steps the worker until the probe reports that all work at or before t has drained and
// then lets every operator compact the history it reads up to t.
func (w *Worker) Barrier(p *Probe, t Time) (int, error) {
	if t < w.released {
		return 0, fmt.Errorf("%w: barrier at %d behind released time %d", ErrOutOfOrderTime,
			t, w.released)
	}

	n, err := w.StepWhile(func() bool { return p.LessThan(t + 1) })
	if err != nil {
		return n, err
	}

	for _, op := range w.ops {
		op.Release(t)
	}
	w.released = t

	return n, nil
}

// Probe observes the progress of a prefix of the dataflow.
type Probe struct {
	worker *Worker
	upTo   int
}

// LessThan reports whether the probed operators still hold work at some time strictly before t.
func (p *Probe) LessThan(t Time) bool {
	for _, op := range p.worker.ops[:p.upTo+1] {
		if pt, ok := op.Pending(); ok && pt < t {
			return true
		}
	}
	return false
}

// Done reports whether all work at or before t has drained.
func (p *Probe) Done(t Time) bool { return !p.LessThan(t + 1) }
