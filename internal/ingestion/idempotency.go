package ingestion

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SafeLedger/internal/observability"

	"github.com/rs/zerolog"
)

// DurableChecker is the cold dedup tier, backed by the journal store.
type DurableChecker interface {
	IsDuplicate(ctx context.Context, depositID string) (bool, error)
}

// ErrDedupUnavailable means the durable tier could not answer. The deposit
// is neither applied nor acked, so it is redelivered.
var ErrDedupUnavailable = errors.New("durable dedup lookup failed")

// Deduper implements two-tier deposit deduplication: an in-memory LRU for
// recent ids, then the durable store.
type Deduper struct {
	mu      sync.Mutex
	lru     *IdempotencyLRU
	durable DurableChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewDeduper creates a deduper. durable may be nil.
func NewDeduper(capacity int, durable DurableChecker, metrics *observability.Metrics) *Deduper {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Deduper{
		lru:     NewIdempotencyLRU(capacity),
		durable: durable,
		metrics: metrics,
		log:     observability.NewLogger("dedup"),
	}
}

// IsDuplicate checks the LRU, then the durable tier. A durable tier that
// cannot answer yields ErrDedupUnavailable, never a guess.
func (d *Deduper) IsDuplicate(ctx context.Context, depositID string) (bool, error) {
	d.mu.Lock()
	hit := d.lru.Contains(depositID)
	d.mu.Unlock()
	if hit {
		d.recordDuplicate("lru")
		return true, nil
	}
	if d.durable == nil {
		return false, nil
	}

	start := time.Now()
	dup, err := d.durable.IsDuplicate(ctx, depositID)
	if d.metrics != nil {
		d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.log.Error().Err(err).Str("deposit_id", depositID).Msg("durable dedup lookup failed")
		return false, fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	if dup {
		d.recordDuplicate("store")
		d.MarkProcessed(depositID)
	}
	return dup, nil
}

// MarkProcessed adds id to the LRU after a successful apply.
func (d *Deduper) MarkProcessed(depositID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.lru.Evictions()
	d.lru.Add(depositID)
	d.observeLRU(before)
}

// Warm loads recently processed ids, e.g. from a snapshot or the journal.
func (d *Deduper) Warm(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.lru.Evictions()
	d.lru.WarmFromKeys(ids)
	d.observeLRU(before)
}

// Keys returns the cached ids, least recently used first, so that
// Warm(Keys()) reproduces the same recency order.
func (d *Deduper) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Keys()
}

func (d *Deduper) recordDuplicate(tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// observeLRU must be called with mu held.
func (d *Deduper) observeLRU(evictionsBefore int64) {
	if d.metrics == nil {
		return
	}
	d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	if n := d.lru.Evictions() - evictionsBefore; n > 0 {
		d.metrics.DedupLRUEvictions.Add(float64(n))
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of ids. Not thread-safe; Deduper locks.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys adds keys in order; the last key ends up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns every key, least recently used first.
func (lru *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
