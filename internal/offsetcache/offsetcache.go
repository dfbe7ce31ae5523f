// Package offsetcache implements the offset cache collaborator: a durable
// key-value store from trace-id to the exact bytes of the line that
// produced it, fronted by a bounded in-memory LRU, used by the VM's
// integer-read host imports to satisfy reads whose global offset has
// scrolled out of the current chunk window.
package offsetcache

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/swarmguard/streamscan/internal/resilience"
	"github.com/swarmguard/streamscan/internal/search"
)

var bucketLines = []byte("lines")

// cachedLine is the value shape stored in both the LRU and bbolt: the
// line's own global start offset plus its raw bytes, so a later arbitrary
// global read offset can be translated into a position within data via
// offset-globalStart.
type cachedLine struct {
	globalStart uint64
	data        []byte
}

func encodeLine(globalStart uint64, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(out, globalStart)
	copy(out[8:], data)
	return out
}

func decodeLine(raw []byte) (cachedLine, bool) {
	if len(raw) < 8 {
		return cachedLine{}, false
	}
	return cachedLine{
		globalStart: binary.LittleEndian.Uint64(raw[:8]),
		data:        raw[8:],
	}, true
}

// Cache is the durable+LRU backed offset cache. A single instance may be
// shared between several scanners; all durable writes go through a
// single-writer bbolt handle, and the LRU has its own internal locking.
type Cache struct {
	db      *bolt.DB
	lru     *lru.Cache[string, cachedLine]
	bloom   *search.BloomFilter // fast negative pre-check before a durable read
	breaker *resilience.CircuitBreaker
}

// Config holds the offset cache's configuration surface: durable-store
// path, LRU capacity, and the expected entry count used to size the bloom
// filter. There are no write-buffer or block-cache size settings.
type Config struct {
	Path         string
	LRUCapacity  int
	BucketExpect int // expected entry count, sized the bloom filter
}

// Open creates or opens the durable store at cfg.Path and wires up the
// LRU front and bloom pre-check.
func Open(cfg Config) (*Cache, error) {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1000
	}
	if cfg.BucketExpect <= 0 {
		cfg.BucketExpect = 10000
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLines)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	l, err := lru.New[string, cachedLine](cfg.LRUCapacity)
	if err != nil {
		db.Close()
		return nil, err
	}
	c := &Cache{
		db:      db,
		lru:     l,
		bloom:   search.NewBloomFilter(cfg.BucketExpect, 0.01),
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 5*time.Second, 2),
	}
	_ = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLines)
		return b.ForEach(func(k, v []byte) error {
			c.bloom.Add(k)
			return nil
		})
	})
	return c, nil
}

// PutLine stores line, and the global offset of its first byte, under
// traceID, overwriting any prior value. The LRU and bloom filter are
// always updated. The durable write is gated by a circuit breaker and
// retried with backoff; a final failure is logged and swallowed, not
// returned to the caller.
func (c *Cache) PutLine(traceID string, globalStart uint64, line []byte) {
	cl := cachedLine{globalStart: globalStart, data: line}
	c.lru.Add(traceID, cl)
	c.bloom.Add([]byte(traceID))

	if !c.breaker.Allow() {
		slog.Warn("offset cache durable write skipped, breaker open", "trace_id", traceID)
		return
	}
	encoded := encodeLine(globalStart, line)
	_, err := resilience.Retry(context.Background(), 3, 20*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketLines).Put([]byte(traceID), encoded)
		})
	})
	c.breaker.RecordResult(err == nil)
	if err != nil {
		slog.Warn("offset cache durable write failed, continuing without it", "trace_id", traceID, "error", err)
	}
}

// GetLine consults the LRU first, then the durable store, populating the
// LRU on a durable hit. ok is false only when neither layer has the key.
func (c *Cache) GetLine(traceID string) (globalStart uint64, line []byte, ok bool) {
	if v, hit := c.lru.Get(traceID); hit {
		return v.globalStart, v.data, true
	}
	if !c.bloom.MayContain([]byte(traceID)) {
		return 0, nil, false
	}
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLines).Get([]byte(traceID))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return 0, nil, false
	}
	cl, decOK := decodeLine(raw)
	if !decOK {
		return 0, nil, false
	}
	c.lru.Add(traceID, cl)
	return cl.globalStart, cl.data, true
}

// ReadAt resolves size bytes at the absolute global offset offset, using
// traceID to locate the cached line and translating offset into an
// intra-line position. This is the hybrid fast path's fallback once the
// current chunk window has been ruled out.
func (c *Cache) ReadAt(traceID string, offset uint64, size int) ([]byte, bool) {
	globalStart, line, ok := c.GetLine(traceID)
	if !ok || offset < globalStart {
		return nil, false
	}
	return ExtractAt(line, int(offset-globalStart), size)
}

// Delete removes traceID from both layers.
func (c *Cache) Delete(traceID string) error {
	c.lru.Remove(traceID)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLines).Delete([]byte(traceID))
	})
}

// Clear empties both layers.
func (c *Cache) Clear() error {
	c.lru.Purge()
	c.bloom = search.NewBloomFilter(10000, 0.01)
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLines); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketLines)
		return err
	})
}

// Flush is a no-op beyond what bbolt already guarantees on every
// transaction commit; kept for parity with the external interface's
// flush/compact hook (bbolt, like the orchestrator's workflow store,
// auto-compacts and has no separate manual flush step).
func (c *Cache) Flush() error { return nil }

// Close releases the durable store handle.
func (c *Cache) Close() error { return c.db.Close() }

// ExtractAt returns size bytes at the intra-line offset within cached
// line data, or ok=false if the window falls outside it. Used by the
// VM's offset-cache read fallback.
func ExtractAt(line []byte, offset, size int) ([]byte, bool) {
	if offset < 0 || size < 0 || offset+size > len(line) {
		return nil, false
	}
	return line[offset : offset+size], true
}
