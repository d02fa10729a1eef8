// Package samples exposes the facade the host application talks to: a
// SampleManager that resolves sample requests cache-first, routes misses
// through the download queue, and drives the optimizer and preloader.
package samples

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/soundbank/internal/audio"
	"github.com/dgnsrekt/soundbank/internal/cache"
	"github.com/dgnsrekt/soundbank/internal/config"
	"github.com/dgnsrekt/soundbank/internal/freesound"
	"github.com/dgnsrekt/soundbank/internal/preload"
	"github.com/dgnsrekt/soundbank/internal/queue"
	"github.com/dgnsrekt/soundbank/internal/strategy"
)

// Queue priorities. Foreground requests always outrank speculative work.
const (
	PriorityForeground = 10
	PriorityPrefetch   = 5
	PriorityBackground = 1
)

// Priority tiers recorded in strategy descriptors.
const (
	tierForeground = 2
	tierBackground = 1
)

// fetchResult is what a waiting foreground caller receives when its
// download settles.
type fetchResult struct {
	entry *cache.Entry
	err   error
}

// Manager wires the store, queue, optimizer, and preloader together.
type Manager struct {
	store     *cache.Store
	queue     *queue.Queue
	optimizer *strategy.Optimizer
	preloader *preload.Preloader

	flight singleflight.Group

	mu      sync.Mutex
	waiters map[int64][]chan fetchResult

	logger *log.Logger
}

// New builds a fully wired manager. resolver maps categories to sample ids
// (the instrument-library mapping owned by the caller); client is the
// Freesound fetch collaborator.
func New(cfg config.Config, client freesound.Client, resolver preload.CategoryResolver) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cache.NewStore(cfg.CacheDir, cfg.MaxMemoryCacheEntries, cfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample cache: %w", err)
	}

	m := &Manager{
		store:   store,
		waiters: make(map[int64][]chan fetchResult),
		logger:  log.Default().WithPrefix("samples"),
	}

	m.queue = queue.New(client, audio.WAVDecoder{}, queue.Options{
		MaxConcurrent:   cfg.MaxConcurrentDownloads,
		MinDelay:        cfg.MinRequestDelay,
		DefaultAttempts: cfg.MaxRetries,
		AttemptTimeout:  cfg.AttemptTimeout,
	})
	m.queue.SetTaskDoneHandler(m.handleTaskDone)

	m.preloader = preload.New(m.queue, resolver, func() int64 {
		return m.store.Stats().TotalBytes()
	}, preload.Options{
		QuotaBytes:         cfg.QuotaBytes(),
		Predictive:         cfg.PredictivePreloading,
		Background:         cfg.BackgroundLoading,
		IdleThreshold:      cfg.IdleThreshold,
		PollInterval:       cfg.PollInterval,
		BackgroundPriority: PriorityBackground,
	})

	m.optimizer = strategy.New(strategy.Params{
		Mode:          strategy.Mode(cfg.CacheStrategy),
		CapacityBytes: cfg.QuotaBytes(),
	}, storeEvictor{store}, m.preloader)

	return m, nil
}

// storeEvictor adapts the Store to the optimizer's Evictor interface.
type storeEvictor struct {
	store *cache.Store
}

func (e storeEvictor) Evict(id int64) bool {
	_, err := e.store.Remove(id)
	return err == nil
}

// GetSample returns a decoded sample, serving from cache when possible and
// otherwise downloading it at foreground priority. Concurrent calls for the
// same id share one download.
func (m *Manager) GetSample(ctx context.Context, id int64) (*cache.Entry, error) {
	if entry, ok := m.store.Get(id); ok {
		m.optimizer.RecordAccess(id)
		return entry, nil
	}

	result, err, _ := m.flight.Do(strconv.FormatInt(id, 10), func() (any, error) {
		// Double-check: another caller may have just cached this id
		// between our miss and acquiring the flight lock.
		if entry, ok := m.store.Get(id); ok {
			return entry, nil
		}

		ch := make(chan fetchResult, 1)
		m.mu.Lock()
		m.waiters[id] = append(m.waiters[id], ch)
		m.mu.Unlock()

		if err := m.queue.Enqueue(id, PriorityForeground); err != nil {
			m.dropWaiter(id, ch)
			return nil, err
		}

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, res.err
			}
			return res.entry, nil
		case <-ctx.Done():
			m.dropWaiter(id, ch)
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}

	entry, _ := result.(*cache.Entry)
	m.optimizer.RecordAccess(id)
	return entry, nil
}

// Prefetch queues samples for download ahead of need, between foreground
// and background priority.
func (m *Manager) Prefetch(ids []int64) error {
	return m.queue.EnqueueBulk(ids, PriorityPrefetch)
}

// RecordUsage feeds the preloader's usage model.
func (m *Manager) RecordUsage(category string) {
	m.preloader.RecordUsage(category)
}

// PreloadCategory queues one category for speculative fetching.
func (m *Manager) PreloadCategory(category string) {
	m.preloader.PreloadCategory(category)
}

// PreloadCriticalCategories warms the cache with the most-used and most
// recent categories.
func (m *Manager) PreloadCriticalCategories() {
	m.preloader.PreloadCriticalCategories()
}

// CancelPreload stops speculative work. Downloads already dispatched run to
// completion.
func (m *Manager) CancelPreload() {
	m.preloader.CancelPreload()
}

// PreloadStatus reports preloader progress.
func (m *Manager) PreloadStatus() preload.Status {
	return m.preloader.Status()
}

// OptimizeCache runs an explicit eviction pass with the configured
// strategy mode.
func (m *Manager) OptimizeCache() strategy.Result {
	return m.optimizer.Optimize(m.store.Stats())
}

// Recommendations returns advisory strings about cache health.
func (m *Manager) Recommendations() []string {
	return m.optimizer.Recommendations(m.store.Stats())
}

// Stats returns combined cache statistics.
func (m *Manager) Stats() cache.Stats {
	return m.store.Stats()
}

// QueueProgress returns download-queue counters.
func (m *Manager) QueueProgress() queue.Progress {
	return m.queue.Progress()
}

// FailedDownloads lists permanently failed tasks still held for inspection.
func (m *Manager) FailedDownloads() []queue.Task {
	return m.queue.Failed()
}

// PruneOlderThan removes persisted samples older than maxAge.
func (m *Manager) PruneOlderThan(maxAge time.Duration) (int, error) {
	return m.store.PruneOlderThan(maxAge)
}

// Close shuts the subsystem down in dependency order.
func (m *Manager) Close() error {
	m.preloader.Close()
	if err := m.queue.Close(); err != nil {
		return err
	}
	return m.store.Close()
}

// handleTaskDone is the queue's completion observer: successful downloads
// are written back into the store and registered with the optimizer, and
// any foreground callers waiting on the id are released.
func (m *Manager) handleTaskDone(id int64, buf *audio.Buffer, info *freesound.SoundInfo, err error) {
	var res fetchResult
	if err != nil {
		res.err = err
	} else {
		meta := metadataFrom(info)
		if putErr := m.store.Put(id, buf, meta); putErr != nil {
			// A failed cache write still delivers the audio to the
			// caller; the cache is an optimization.
			m.logger.Warn("cache write failed after download", "id", id, "error", putErr)
		}
		res.entry = &cache.Entry{
			ID:             id,
			Audio:          buf,
			Meta:           meta,
			FetchedAt:      time.Now(),
			AccessCount:    1,
			LastAccessedAt: time.Now(),
		}
	}

	m.mu.Lock()
	waiting := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	if err == nil {
		tier := tierBackground
		if len(waiting) > 0 {
			tier = tierForeground
		}
		m.optimizer.Register(strategy.Descriptor{
			ID:           id,
			Category:     categoryFrom(info),
			PriorityTier: tier,
			SizeBytes:    buf.SizeBytes(),
			AddedAt:      time.Now(),
		})
	}

	for _, ch := range waiting {
		ch <- res
	}
}

func (m *Manager) dropWaiter(id int64, ch chan fetchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.waiters[id][:0]
	for _, w := range m.waiters[id] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(m.waiters, id)
	} else {
		m.waiters[id] = remaining
	}
}

func metadataFrom(info *freesound.SoundInfo) cache.Metadata {
	return cache.Metadata{
		Name:        info.Name,
		Duration:    info.Duration,
		Tags:        info.Tags,
		License:     info.License,
		Attribution: info.Username,
	}
}

// categoryFrom derives the usage category from a sound's first tag; the
// preloader's model groups samples by these.
func categoryFrom(info *freesound.SoundInfo) string {
	if len(info.Tags) > 0 {
		return info.Tags[0]
	}
	return "uncategorized"
}
