// Package journal is the write-ahead log of accepted change requests, stored in BadgerDB and keyed
// by logical time so that replay yields requests in the order they were applied.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
)

var (
	// ErrDuplicateTime is returned when appending at a time that already has an entry.
	ErrDuplicateTime = errors.New("journal entry already exists")

	keyPrefix = []byte("req/")
)

// Config holds the configuration of a journal.
type Config struct {
	// Path is the directory of the database files. Ignored when InMemory is set.
	Path string
	// InMemory keeps the journal in memory only.
	InMemory bool
	// SyncWrites fsyncs every append.
	SyncWrites bool
	Logger     logr.Logger
}

// Journal is a durable, time-ordered log of request payloads.
type Journal struct {
	db  *badger.DB
	log logr.Logger
}

// badgerLogger adapts logr to BadgerDB's Logger interface.
type badgerLogger struct {
	log logr.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(nil, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.V(2).Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.V(4).Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens the journal, creating the database directory if needed.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required unless the journal is in memory")
	}

	log := cfg.Logger.WithName("journal")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log.WithName("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	log.Info("journal opened", "path", cfg.Path, "in-memory", cfg.InMemory, "sync-writes", cfg.SyncWrites)

	return &Journal{db: db, log: log}, nil
}

func entryKey(t uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], t)
	return key
}

func entryTime(key []byte) (uint64, error) {
	if len(key) != len(keyPrefix)+8 {
		return 0, fmt.Errorf("invalid journal key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(keyPrefix):]), nil
}

// Append stores the payload of the request applied at time t. Each time can be written only once.
func (j *Journal) Append(ctx context.Context, t uint64, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := entryKey(t)
	err := j.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: time %d", ErrDuplicateTime, t)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		return fmt.Errorf("append to journal: %w", err)
	}

	j.log.V(2).Info("appended", "time", t, "bytes", len(payload))
	return nil
}

// Delete removes the entry at time t. Deleting a missing entry is not an error.
func (j *Journal) Delete(ctx context.Context, t uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(t))
	}); err != nil {
		return fmt.Errorf("delete from journal: %w", err)
	}

	j.log.V(2).Info("deleted", "time", t)
	return nil
}

// Replay calls fn with every entry in time order. Replay stops at the first error.
func (j *Journal) Replay(ctx context.Context, fn func(t uint64, payload []byte) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			t, err := entryTime(item.Key())
			if err != nil {
				return err
			}
			payload, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read journal entry %d: %w", t, err)
			}
			if err := fn(t, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last returns the time of the latest entry. The boolean is false for an empty journal.
func (j *Journal) Last() (uint64, bool, error) {
	var last uint64
	found := false
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(entryKey(^uint64(0)))
		if !it.Valid() {
			return nil
		}
		t, err := entryTime(it.Item().Key())
		if err != nil {
			return err
		}
		last, found = t, true
		return nil
	})
	return last, found, err
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}
