// Package publisher mirrors the recommendation collection into a Redis hash so that it can be
// served without a connection to the dataflow.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/l7mp/amnesia/pkg/metrics"
	"github.com/l7mp/amnesia/pkg/recommender"
)

// ErrMirror is returned when Redis rejects a mirror write.
var ErrMirror = errors.New("recommendation mirror failed")

// DefaultKeyPrefix is prepended to the name of the mirrored hash.
const DefaultKeyPrefix = "amnesia:"

// HashClient is the subset of the Redis client used by the publisher.
type HashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// Options configures a Publisher.
type Options struct {
	Address   string
	DB        int
	KeyPrefix string
	Metrics   *metrics.Metrics
	Logger    logr.Logger
}

// Publisher keeps the hash <prefix>recommendations in sync with the recommendation diffs: one
// field per query, valued with the recommended item.
type Publisher struct {
	client  HashClient
	closer  func() error
	key     string
	metrics *metrics.Metrics
	log     logr.Logger
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, opts Options) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: opts.Address,
		DB:   opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Address, err)
	}

	p := NewWithClient(client, opts)
	p.closer = client.Close
	return p, nil
}

// NewWithClient creates a publisher on top of an existing client.
func NewWithClient(client HashClient, opts Options) *Publisher {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Publisher{
		client:  client,
		key:     opts.KeyPrefix + recommender.CollectionRecommendations,
		metrics: opts.Metrics,
		log:     opts.Logger.WithName("publisher"),
	}
}

// Key returns the name of the mirrored hash.
func (p *Publisher) Key() string { return p.key }

// Publish applies the recommendation diffs of an update. A query whose recommendation is removed
// and re-added within the same update is written once with the new item.
func (p *Publisher) Publish(ctx context.Context, u *recommender.Update) error {
	set := map[uint32]uint32{}
	removed := map[uint32]bool{}
	for _, m := range u.Messages {
		rec, ok := m.Record.(*recommender.RecommendationRecord)
		if !ok {
			continue
		}
		switch {
		case m.Change > 0:
			set[rec.Query] = rec.Item
		case m.Change < 0:
			removed[rec.Query] = true
		}
	}

	if len(set) > 0 {
		queries := sortedKeys(set)
		values := make([]interface{}, 0, 2*len(queries))
		for _, q := range queries {
			values = append(values, strconv.FormatUint(uint64(q), 10), strconv.FormatUint(uint64(set[q]), 10))
		}
		if err := p.client.HSet(ctx, p.key, values...).Err(); err != nil {
			return p.failed(u, err)
		}
	}

	fields := []string{}
	for _, q := range sortedKeys(removed) {
		if _, ok := set[q]; !ok {
			fields = append(fields, strconv.FormatUint(uint64(q), 10))
		}
	}
	if len(fields) > 0 {
		if err := p.client.HDel(ctx, p.key, fields...).Err(); err != nil {
			return p.failed(u, err)
		}
	}

	if len(set) > 0 || len(fields) > 0 {
		p.log.V(1).Info("recommendations mirrored", "time", u.Time, "set", len(set), "deleted", len(fields))
	}
	return nil
}

func (p *Publisher) failed(u *recommender.Update, err error) error {
	p.metrics.MirrorFailures.Inc()
	return fmt.Errorf("%w at time %d: %w", ErrMirror, u.Time, err)
}

// Close closes the Redis connection if the publisher opened it.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
