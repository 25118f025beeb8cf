// Package dbsp implements a small incremental dataflow engine over Z-sets (multisets with signed
// integer multiplicities), modeled after Database Stream Processing and differential dataflow.
// See https://mihaibudiu.github.io/work/dbsp-spec.pdf for the theory.
//
// Collections are streams of Z-set deltas, each tagged with the logical time of the input batch
// that caused it. Operators only ever see deltas: linear operators (map, flat-map) transform them
// one element at a time, bilinear operators (joins) use the bilinear expansion
//
//	Δ(L ⋈ R) = ΔL ⋈ R + L ⋈ ΔR + ΔL ⋈ ΔR
//
// against indexed, time-versioned snapshots of their inputs, and nonlinear operators (count,
// reduce) recompute the output of the keys touched by a delta and emit the difference.
//
// Key components:
//   - ZSet: consolidated multiset of comparable elements.
//   - Trace, Batch, Cursor: versioned diff store with ordered cursors and frontier-driven
//     compaction (AdvanceBy/DistinguishSince).
//   - Arranged: a collection indexed by key, backed by a Trace shared with its readers.
//   - InputSession: the only way data enters a dataflow; stages diffs until Flush.
//   - Worker, Probe: single-threaded scheduler and the barrier that waits for a time to drain.
//   - CollectDiffs: extracts exactly the diffs a trace received at one time.
//
// Example usage:
//
//	w := dbsp.NewWorker(log)
//	input, words := dbsp.NewInput[string](w, "words")
//	counts := dbsp.CountTotal(words, "count", cmp.Compare[string])
//	arranged := dbsp.ArrangeByKey(counts, "arrange", cmp.Compare[string], cmp.Compare[int64])
//	probe := arranged.Probe()
//	reader := arranged.Trace().Reader()
//
//	input.Insert("hello")
//	_ = input.AdvanceTo(1)
//	_ = input.Flush()
//	_, _ = w.Barrier(probe, 1)
//	diffs := dbsp.CollectDiffs(reader, 1, func(k string, n int64, t dbsp.Time, d int64) string { ... })
package dbsp
