// Package cache provides an optional BadgerDB-backed store of fetched sample
// windows, so re-running an extraction over an identical bounded window
// skips the backend entirely.
package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/dgraph-io/badger/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"metrex/source"
)

// Cache stores the full sample set of a (source, metric, window) triple.
// Unbounded windows never hit the cache: their end boundary moves with the
// wall clock, so the key changes every run.
type Cache struct {
	db     *badger.DB
	logger log.Logger
}

// Open opens or creates the cache at path.
func Open(path string, logger log.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached samples for the window, if present.
func (c *Cache) Get(sourceName, metric string, w source.TimeWindow) ([]source.RawSample, bool) {
	var samples []source.RawSample
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sourceName, metric, w))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &samples)
		})
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			level.Warn(c.logger).Log("msg", "cache read failed", "metric", metric, "err", err)
		}
		return nil, false
	}
	level.Debug(c.logger).Log("msg", "cache hit", "metric", metric, "samples", len(samples))
	return samples, true
}

// Put stores the complete sample set for the window.
func (c *Cache) Put(sourceName, metric string, w source.TimeWindow, samples []source.RawSample) error {
	data, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("error marshaling cached samples: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(sourceName, metric, w), data)
	})
	if err != nil {
		return fmt.Errorf("error storing cached samples: %w", err)
	}
	return nil
}

// key is "win_" + fnv64(source|metric) + start + end, timestamps big-endian
// so related windows sort together.
func key(sourceName, metric string, w source.TimeWindow) []byte {
	h := fnv.New64a()
	h.Write([]byte(sourceName))
	h.Write([]byte{0})
	h.Write([]byte(metric))

	k := make([]byte, 4+8+8+8)
	copy(k[0:], []byte("win_"))
	binary.BigEndian.PutUint64(k[4:], h.Sum64())
	binary.BigEndian.PutUint64(k[12:], uint64(w.Start.UnixNano()))
	binary.BigEndian.PutUint64(k[20:], uint64(w.End.UnixNano()))
	return k
}
