package recommender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/l7mp/amnesia/pkg/dbsp"
	"github.com/l7mp/amnesia/pkg/metrics"
)

// ErrEngineFailed is returned for every request after the dataflow hit an invariant violation.
var ErrEngineFailed = errors.New("engine failed")

// Journal persists accepted requests, keyed by the logical time they are applied at.
type Journal interface {
	Append(ctx context.Context, time uint64, payload []byte) error
	// Delete removes the entry of a request that failed to apply.
	Delete(ctx context.Context, time uint64) error
}

// ReplaySource yields previously journaled requests in time order.
type ReplaySource interface {
	Replay(ctx context.Context, fn func(time uint64, payload []byte) error) error
}

// Options configures an Engine.
type Options struct {
	// ScoreScale is the fixed-point scale of candidate scores. Defaults to DefaultScoreScale.
	ScoreScale uint64
	// Journal, if set, receives every accepted request before it is applied.
	Journal Journal
	// Metrics, if set, is updated on every request.
	Metrics *metrics.Metrics
	Logger  logr.Logger
}

// Engine owns the dataflow and serializes change requests through it. Each accepted request gets
// the next logical time; the engine applies it, waits until every derived collection has caught
// up and returns exactly the diffs produced at that time.
type Engine struct {
	mu      sync.Mutex
	df      *Dataflow
	time    dbsp.Time
	journal Journal
	metrics *metrics.Metrics
	failed  error
	log     logr.Logger

	itemCounts      *dbsp.TraceHandle[uint32, int64]
	cooccurrences   *dbsp.TraceHandle[ItemPair, int64]
	similarities    *dbsp.TraceHandle[ItemPair, string]
	recommendations *dbsp.TraceHandle[uint32, uint32]
}

// NewEngine creates an engine at logical time 0 with empty collections.
func NewEngine(opts Options) *Engine {
	if opts.ScoreScale == 0 {
		opts.ScoreScale = DefaultScoreScale
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	log := opts.Logger.WithName("engine")
	df := NewDataflow(opts.ScoreScale, log)

	return &Engine{
		df:              df,
		journal:         opts.Journal,
		metrics:         opts.Metrics,
		log:             log,
		itemCounts:      df.ItemCounts.Trace().Reader(),
		cooccurrences:   df.Cooccurrences.Trace().Reader(),
		similarities:    df.Similarities.Trace().Reader(),
		recommendations: df.Recommendations.Trace().Reader(),
	}
}

// Time returns the logical time of the last applied request.
func (e *Engine) Time() dbsp.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.time
}

// Dataflow returns the dataflow run by the engine.
func (e *Engine) Dataflow() *Dataflow { return e.df }

// Err returns the error that failed the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// ApplyJSON decodes a change request and applies it. Malformed requests return an error wrapping
// ErrMalformedRequest and leave the engine untouched.
func (e *Engine) ApplyJSON(ctx context.Context, data []byte) (*Update, error) {
	req, err := ParseChangeRequest(data)
	if err != nil {
		e.metrics.Requests.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return nil, err
	}
	return e.Apply(ctx, req)
}

// Apply journals the request, applies it at the next logical time and returns the diffs of the
// derived collections at that time. Only one request is in flight at any time.
func (e *Engine) Apply(ctx context.Context, req *ChangeRequest) (*Update, error) {
	if err := req.Validate(); err != nil {
		e.metrics.Requests.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failed != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineFailed, e.failed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := e.time + 1
	if e.journal != nil {
		payload, err := req.MarshalJSON()
		if err != nil {
			return nil, NewMalformedRequestError(err)
		}
		if err := e.journal.Append(ctx, uint64(t), payload); err != nil {
			e.metrics.Requests.WithLabelValues(metrics.OutcomeFailed).Inc()
			return nil, fmt.Errorf("failed to journal request at time %d: %w", t, err)
		}
	}

	u, err := e.step(t, req)
	if err != nil && e.journal != nil {
		if derr := e.journal.Delete(context.WithoutCancel(ctx), uint64(t)); derr != nil {
			e.log.Error(derr, "failed to remove failed request from journal", "time", t)
		}
	}
	return u, err
}

// Replay applies every journaled request of src without journaling it again. Entries must
// continue the engine's time line without gaps. The update of each entry is passed to fn if fn is
// not nil.
func (e *Engine) Replay(ctx context.Context, src ReplaySource, fn func(*Update) error) (int, error) {
	n := 0
	err := src.Replay(ctx, func(at uint64, payload []byte) error {
		req, err := ParseChangeRequest(payload)
		if err != nil {
			return fmt.Errorf("journal entry at time %d: %w", at, err)
		}

		e.mu.Lock()
		if e.failed != nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrEngineFailed, e.failed)
		}
		if next := e.time + 1; dbsp.Time(at) != next {
			e.mu.Unlock()
			return fmt.Errorf("%w: journal entry at time %d, expected %d", dbsp.ErrOutOfOrderTime, at, next)
		}
		u, err := e.step(dbsp.Time(at), req)
		e.mu.Unlock()
		if err != nil {
			return err
		}

		n++
		if fn != nil {
			return fn(u)
		}
		return nil
	})
	if err != nil {
		return n, err
	}

	e.log.Info("journal replayed", "requests", n, "time", e.Time())
	return n, nil
}

// step applies req at time t. The caller holds the lock.
func (e *Engine) step(t dbsp.Time, req *ChangeRequest) (*Update, error) {
	start := time.Now()
	mult := req.Multiplicity()
	for _, i := range req.Interactions {
		e.df.Interactions.Update(dbsp.NewKV(i[0], i[1]), mult)
	}
	for _, q := range req.Queries {
		e.df.Queries.Update(dbsp.NewKV(q[0], q[1]), mult)
	}

	steps, err := e.df.Advance(t)
	if err != nil {
		e.fail(err)
		return nil, err
	}

	u, err := e.collect(t)
	if err != nil {
		e.fail(err)
		return nil, err
	}
	e.time = t

	e.metrics.Requests.WithLabelValues(metrics.OutcomeApplied).Inc()
	e.metrics.StepDuration.Observe(time.Since(start).Seconds())
	e.metrics.BarrierSteps.Observe(float64(steps))
	e.metrics.LogicalTime.Set(float64(t))
	for _, c := range Collections {
		e.metrics.Diffs.WithLabelValues(c).Add(float64(u.Count(c)))
	}
	e.metrics.TraceUpdates.WithLabelValues(CollectionItemCounts).Set(float64(e.itemCounts.Trace().Len()))
	e.metrics.TraceUpdates.WithLabelValues(CollectionCooccurrences).Set(float64(e.cooccurrences.Trace().Len()))
	e.metrics.TraceUpdates.WithLabelValues(CollectionSimilarities).Set(float64(e.similarities.Trace().Len()))
	e.metrics.TraceUpdates.WithLabelValues(CollectionRecommendations).Set(float64(e.recommendations.Trace().Len()))

	e.log.V(1).Info("request applied", "time", t, "change", req.Change, "interactions",
		len(req.Interactions), "queries", len(req.Queries), "steps", steps, "diffs", u.Len())

	return u, nil
}

func (e *Engine) fail(err error) {
	e.failed = err
	e.metrics.Requests.WithLabelValues(metrics.OutcomeFailed).Inc()
	e.log.Error(err, "dataflow failed, refusing further requests")
}

// collect extracts the diffs of every derived collection at time t, each collection ordered for
// broadcast, collections in a fixed order.
func (e *Engine) collect(t dbsp.Time) (*Update, error) {
	counts := dbsp.CollectDiffs(e.itemCounts, t, itemCountRecord)
	cooccurrences := dbsp.CollectDiffs(e.cooccurrences, t, cooccurrenceRecord)
	similarities := dbsp.CollectDiffs(e.similarities, t, similarityRecord)
	recommendations := dbsp.CollectDiffs(e.recommendations, t, recommendationRecord)

	return newUpdate(t, counts, cooccurrences, similarities, recommendations)
}

// Snapshot returns the current contents of the derived collections as diff records with
// multiplicity, stamped with the current time.
func (e *Engine) Snapshot() (*Update, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.time
	return newUpdate(t,
		snapshot(e.itemCounts, t, itemCountRecord),
		snapshot(e.cooccurrences, t, cooccurrenceRecord),
		snapshot(e.similarities, t, similarityRecord),
		snapshot(e.recommendations, t, recommendationRecord))
}

func snapshot[K, V any](h *dbsp.TraceHandle[K, V], t dbsp.Time, logic func(K, V, dbsp.Time, int64) recordResult) []recordResult {
	updates := h.Trace().Snapshot(t)
	ret := make([]recordResult, 0, len(updates))
	for _, u := range updates {
		ret = append(ret, logic(u.Key, u.Val, u.Time, u.Diff))
	}
	return ret
}

// recordResult is a typed record or the error that prevented building it.
type recordResult struct {
	collection string
	change     int64
	record     any
	err        error
}

func itemCountRecord(item uint32, count int64, t dbsp.Time, diff int64) recordResult {
	return recordResult{collection: CollectionItemCounts, change: diff, record: &ItemCountRecord{
		Data: CollectionItemCounts, Item: item, Count: count, Time: uint64(t), Change: diff,
	}}
}

func cooccurrenceRecord(p ItemPair, n int64, t dbsp.Time, diff int64) recordResult {
	return recordResult{collection: CollectionCooccurrences, change: diff, record: &CooccurrenceRecord{
		Data: CollectionCooccurrences, ItemA: p.A, ItemB: p.B, NumCooccurrences: n, Time: uint64(t), Change: diff,
	}}
}

func similarityRecord(p ItemPair, s string, t dbsp.Time, diff int64) recordResult {
	sim, err := ParseSimilarity(s)
	return recordResult{collection: CollectionSimilarities, change: diff, err: err, record: &SimilarityRecord{
		Data: CollectionSimilarities, ItemA: p.A, ItemB: p.B, Similarity: sim, Time: uint64(t), Change: diff,
	}}
}

func recommendationRecord(query, item uint32, t dbsp.Time, diff int64) recordResult {
	return recordResult{collection: CollectionRecommendations, change: diff, record: &RecommendationRecord{
		Data: CollectionRecommendations, Query: query, Item: item, Time: uint64(t), Change: diff,
	}}
}

func newUpdate(t dbsp.Time, collections ...[]recordResult) (*Update, error) {
	u := &Update{Time: t}
	for _, records := range collections {
		msgs := make([]Message, 0, len(records))
		for _, r := range records {
			if r.err != nil {
				return nil, r.err
			}
			m, err := newMessage(r.collection, r.change, r.record)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m)
		}
		OrderForBroadcast(msgs)
		u.Messages = append(u.Messages, msgs...)
	}
	return u, nil
}
