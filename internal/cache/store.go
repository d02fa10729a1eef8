package cache

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/soundbank/internal/audio"
)

// Store is the two-tier cache facade. The memory tier serves hot samples
// with LRU recency; the persistent tier survives restarts. A single mutex
// makes every get/put/eviction indivisible with respect to concurrent
// foreground and preloader traffic.
type Store struct {
	mu sync.Mutex

	memory     *MemoryCache
	persistent *PersistentCache

	// Counters for the persistent tier; the memory tier tracks its own.
	diskHits   int64
	diskMisses int64

	persistWG sync.WaitGroup
	closed    bool

	logger *log.Logger
}

// NewStore creates a two-tier store with the given memory capacity (in
// entries) backed by a BoltDB database in dir.
func NewStore(dir string, memoryEntries, compressionLevel int) (*Store, error) {
	persistent, err := NewPersistentCache(dir, compressionLevel)
	if err != nil {
		return nil, err
	}
	return &Store{
		memory:     NewMemoryCache(memoryEntries),
		persistent: persistent,
		logger:     log.Default().WithPrefix("cache"),
	}, nil
}

// Get returns a cached sample. Memory hits refresh LRU order; persistent
// hits are decoded and promoted into the memory tier (which may evict). A
// double miss counts as a miss and returns ok=false.
func (s *Store) Get(id int64) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	if entry, ok := s.memory.Get(id); ok {
		return entry, true
	}

	entry, ok := s.persistent.Get(id)
	if !ok {
		s.diskMisses++
		return nil, false
	}
	s.diskHits++

	// Promote. Memory eviction never deletes the persistent copy.
	entry.AccessCount++
	entry.LastAccessedAt = time.Now()
	if evicted := s.memory.Put(entry); len(evicted) > 0 {
		s.logger.Debug("evicted entries during promotion", "count", len(evicted), "promoted", id)
	}
	return entry, true
}

// Put inserts a decoded sample into the memory tier synchronously and
// persists it in the background. A failed persistent write is logged and
// dropped: the cache is a performance layer, not a correctness dependency.
func (s *Store) Put(id int64, buf *audio.Buffer, meta Metadata) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	now := time.Now()
	entry := &Entry{
		ID:             id,
		Audio:          buf,
		Meta:           meta,
		FetchedAt:      now,
		LastAccessedAt: now,
	}
	if evicted := s.memory.Put(entry); len(evicted) > 0 {
		s.logger.Debug("evicted entries on insert", "count", len(evicted), "inserted", id)
	}

	s.persistWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.persistWG.Done()
		if err := s.persistent.Put(id, buf, meta, now); err != nil {
			s.logger.Warn("failed to persist sample", "id", id, "error", err)
		}
	}()

	return nil
}

// Has reports presence in either tier without touching LRU order or
// hit/miss counters.
func (s *Store) Has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.memory.Peek(id); ok {
		return true
	}
	return s.persistent.Has(id)
}

// Remove deletes a sample from both tiers. Returns the bytes freed from
// the memory tier (0 when the entry was disk-only).
func (s *Store) Remove(id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	var freed int64
	if entry, ok := s.memory.Peek(id); ok {
		freed = entry.Audio.SizeBytes()
		s.memory.Remove(id)
	}
	if err := s.persistent.Remove(id); err != nil {
		return freed, err
	}
	return freed, nil
}

// Clear wipes both tiers and resets all counters.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.memory.Clear()
	s.diskHits = 0
	s.diskMisses = 0
	return s.persistent.Clear()
}

// PruneOlderThan sweeps the persistent tier, deleting records fetched
// before now-maxAge. The memory tier is untouched.
func (s *Store) PruneOlderThan(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	pruned, err := s.persistent.PruneOlderThan(time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.logger.Info("pruned stale samples", "count", pruned, "maxAge", maxAge)
	}
	return pruned, nil
}

// Stats returns combined counters for both tiers.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A memory miss that hits disk is still a cache hit overall, so only
	// double misses count against the hit rate.
	memHits, _, evictions := s.memory.Counters()
	hits := memHits + s.diskHits
	misses := s.diskMisses

	stats := Stats{
		MemoryCount: s.memory.Len(),
		DiskCount:   s.persistent.Count(),
		MemoryBytes: s.memory.Bytes(),
		DiskBytes:   s.persistent.Bytes(),
		Hits:        hits,
		Misses:      misses,
		Evictions:   evictions,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
		stats.MissRate = float64(misses) / float64(total)
	}
	return stats
}

// Sync blocks until all background persistent writes have finished. Tests
// and shutdown use it to make the disk state deterministic.
func (s *Store) Sync() {
	s.persistWG.Wait()
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.persistWG.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.persistent.Close()
}
