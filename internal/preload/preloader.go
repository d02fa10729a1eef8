// Package preload predicts which sample categories will be needed next and
// warms the cache through the download queue during idle periods, subject
// to a storage quota.
package preload

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

const (
	// recentHistorySize bounds the most-recent-first usage ring.
	recentHistorySize = 10

	// maxPredictions caps the ranked prediction list.
	maxPredictions = 5

	// cycleWindow is how many trailing usages are examined for a
	// repeating rotation of categories.
	cycleWindow = 4
)

// UsageRecord tracks per-category playback counters.
type UsageRecord struct {
	PlayCount  int64
	LastUsedAt time.Time
}

// Loader is the download-queue surface the preloader feeds.
type Loader interface {
	EnqueueBulk(ids []int64, priority int) error
}

// CategoryResolver maps a category to the sample ids that belong to it.
// The instrument-library mapping lives outside this subsystem.
type CategoryResolver interface {
	SampleIDs(category string) []int64
}

// Status is a snapshot of preloader state.
type Status struct {
	IsPreloading           bool
	CurrentCategory        string
	QueuedCategories       []string
	PercentComplete        float64
	EstimatedTimeRemaining time.Duration
}

// Options configures a Preloader.
type Options struct {
	// QuotaBytes is the combined cache ceiling. Preloads are refused
	// while usage exceeds it; foreground fetches never are.
	QuotaBytes int64

	// Predictive re-sorts the pending category queue on every recorded
	// usage.
	Predictive bool

	// Background enables the idle-triggered preload loop.
	Background bool

	// IdleThreshold is how long usage must be quiet before background
	// preloading starts. Default 5s.
	IdleThreshold time.Duration

	// PollInterval is how often the idle check runs. Default 2s.
	PollInterval time.Duration

	// BackgroundPriority is the queue priority for speculative fetches.
	// Default 1, below any foreground request.
	BackgroundPriority int
}

func (o *Options) applyDefaults() {
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BackgroundPriority == 0 {
		o.BackgroundPriority = 1
	}
}

// Preloader owns the usage model and the pending-category queue. One
// category occupies the "current" slot at a time; the rest wait FIFO,
// re-ranked by predictions when predictive mode is on.
type Preloader struct {
	mu sync.Mutex

	opts       Options
	loader     Loader
	resolver   CategoryResolver
	cacheBytes func() int64

	usage    map[string]*UsageRecord
	recent   []string // most-recent-first, bounded
	mostUsed string

	pending       []string
	current       string
	preloading    bool
	quotaExceeded bool

	lastActivity time.Time

	// Per-session progress tracking
	sessionTotal  int
	sessionDone   int
	categoryTimes []time.Duration

	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	logger *log.Logger
}

// New creates a preloader. cacheBytes reports current combined cache usage
// for quota checks.
func New(loader Loader, resolver CategoryResolver, cacheBytes func() int64, opts Options) *Preloader {
	opts.applyDefaults()
	p := &Preloader{
		opts:         opts,
		loader:       loader,
		resolver:     resolver,
		cacheBytes:   cacheBytes,
		usage:        make(map[string]*UsageRecord),
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
		logger:       log.Default().WithPrefix("preload"),
	}
	if opts.Background {
		p.wg.Add(1)
		go p.backgroundLoop()
	}
	return p
}

// RecordUsage notes that a category was just played: counters, recency ring,
// and most-used tracking all update, and in predictive mode the pending
// queue is re-ranked immediately.
func (p *Preloader) RecordUsage(category string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.usage[category]
	if !ok {
		rec = &UsageRecord{}
		p.usage[category] = rec
	}
	rec.PlayCount++
	rec.LastUsedAt = time.Now()
	p.lastActivity = rec.LastUsedAt

	p.recent = append([]string{category}, p.recent...)
	if len(p.recent) > recentHistorySize {
		p.recent = p.recent[:recentHistorySize]
	}

	p.recomputeMostUsedLocked()

	if p.opts.Predictive {
		p.reorderPendingLocked(p.predictLocked())
	}
}

// PredictNextCategories returns the ranked prediction list. It is a pure
// function of the recorded history: identical histories produce identical
// output.
func (p *Preloader) PredictNextCategories() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictLocked()
}

// predictLocked unions three signals in order of first appearance:
// trend continuation, frequency ranking, and cycle detection.
func (p *Preloader) predictLocked() []string {
	var predictions []string
	seen := make(map[string]bool)
	add := func(category string) {
		if category == "" || seen[category] || len(predictions) >= maxPredictions {
			return
		}
		seen[category] = true
		predictions = append(predictions, category)
	}

	// 1. Trend continuation: the single most recent category.
	if len(p.recent) > 0 {
		add(p.recent[0])
	}

	// 2. Frequency ranking: top-3 by all-time play count, ties by name
	// so the ranking is deterministic.
	type ranked struct {
		category string
		count    int64
	}
	byCount := make([]ranked, 0, len(p.usage))
	for category, rec := range p.usage {
		byCount = append(byCount, ranked{category, rec.PlayCount})
	}
	sort.Slice(byCount, func(i, j int) bool {
		if byCount[i].count != byCount[j].count {
			return byCount[i].count > byCount[j].count
		}
		return byCount[i].category < byCount[j].category
	})
	for i := 0; i < len(byCount) && i < 3; i++ {
		add(byCount[i].category)
	}

	// 3. Cycle detection: when the last 4 usages rotate through 2-3
	// distinct categories, include the whole rotation.
	if len(p.recent) >= cycleWindow {
		window := p.recent[:cycleWindow]
		distinct := make([]string, 0, cycleWindow)
		seenInWindow := make(map[string]bool)
		for _, category := range window {
			if !seenInWindow[category] {
				seenInWindow[category] = true
				distinct = append(distinct, category)
			}
		}
		if len(distinct) >= 2 && len(distinct) <= 3 {
			for _, category := range distinct {
				add(category)
			}
		}
	}

	return predictions
}

// reorderPendingLocked re-sorts the pending queue so predicted categories
// run first, in prediction order; unpredicted categories keep their
// relative FIFO order behind them.
func (p *Preloader) reorderPendingLocked(predictions []string) {
	if len(p.pending) < 2 {
		return
	}
	rank := make(map[string]int, len(predictions))
	for i, category := range predictions {
		rank[category] = i
	}
	unranked := len(predictions)
	sort.SliceStable(p.pending, func(i, j int) bool {
		ri, ok := rank[p.pending[i]]
		if !ok {
			ri = unranked
		}
		rj, ok := rank[p.pending[j]]
		if !ok {
			rj = unranked
		}
		return ri < rj
	})
}

// recomputeMostUsedLocked keeps the most-used pointer current; ties resolve
// by name for determinism.
func (p *Preloader) recomputeMostUsedLocked() {
	var best string
	var bestCount int64 = -1
	for category, rec := range p.usage {
		if rec.PlayCount > bestCount ||
			(rec.PlayCount == bestCount && category < best) {
			best = category
			bestCount = rec.PlayCount
		}
	}
	p.mostUsed = best
}

// MostUsedCategory returns the all-time most played category.
func (p *Preloader) MostUsedCategory() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mostUsed
}

// PreloadCategory queues a category for preloading. Already-queued and
// currently-preloading categories are skipped.
func (p *Preloader) PreloadCategory(category string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if category == "" || category == p.current {
		return
	}
	for _, queued := range p.pending {
		if queued == category {
			// Already queued, but the worker may be paused by quota
			// backpressure; make sure it is running again.
			p.startProcessingLocked()
			return
		}
	}
	p.pending = append(p.pending, category)
	p.sessionTotal++
	p.startProcessingLocked()
}

// PreloadCriticalCategories seeds the queue with the most-used category and
// up to 3 most-recently-used distinct categories, then processes.
func (p *Preloader) PreloadCriticalCategories() {
	p.mu.Lock()
	critical := make([]string, 0, 4)
	if p.mostUsed != "" {
		critical = append(critical, p.mostUsed)
	}
	for _, category := range p.recent {
		if len(critical) >= 4 {
			break
		}
		if !containsString(critical, category) {
			critical = append(critical, category)
		}
	}
	p.mu.Unlock()

	if len(critical) == 0 {
		p.logger.Debug("no usage history, nothing critical to preload")
		return
	}
	p.logger.Info("preloading critical categories", "categories", critical)
	for _, category := range critical {
		p.PreloadCategory(category)
	}
}

// CheckStorageQuota reports whether combined cache usage is under the
// quota, updating the exceeded flag. Exceeding quota is backpressure, not
// an error; foreground fetches are never blocked by it.
func (p *Preloader) CheckStorageQuota() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkQuotaLocked()
}

func (p *Preloader) checkQuotaLocked() bool {
	if p.opts.QuotaBytes <= 0 {
		p.quotaExceeded = false
		return true
	}
	usage := p.cacheBytes()
	under := usage <= p.opts.QuotaBytes
	if !under && !p.quotaExceeded {
		p.logger.Info("storage quota exceeded, pausing preloads",
			"usage", humanize.Bytes(uint64(usage)),
			"quota", humanize.Bytes(uint64(p.opts.QuotaBytes)))
	}
	p.quotaExceeded = !under
	return under
}

// CancelPreload clears the pending queue and the current slot. Download
// tasks already handed to the queue run to completion on their own.
func (p *Preloader) CancelPreload() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.preloading && len(p.pending) == 0 {
		return
	}
	p.logger.Info("preload cancelled", "dropped", len(p.pending))
	p.pending = nil
	p.current = ""
	p.preloading = false
	p.sessionTotal = 0
	p.sessionDone = 0
}

// Status returns a snapshot of preloader progress.
func (p *Preloader) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{
		IsPreloading:     p.preloading,
		CurrentCategory:  p.current,
		QueuedCategories: append([]string(nil), p.pending...),
	}
	if p.sessionTotal > 0 {
		status.PercentComplete = float64(p.sessionDone) / float64(p.sessionTotal) * 100
	}
	if remaining := p.sessionTotal - p.sessionDone; remaining > 0 && len(p.categoryTimes) > 0 {
		var total time.Duration
		for _, d := range p.categoryTimes {
			total += d
		}
		status.EstimatedTimeRemaining = total / time.Duration(len(p.categoryTimes)) * time.Duration(remaining)
	}
	return status
}

// Close stops the background loop.
func (p *Preloader) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
}

// startProcessingLocked launches the session worker if idle.
func (p *Preloader) startProcessingLocked() {
	if p.preloading || p.stopped {
		return
	}
	p.preloading = true
	p.wg.Add(1)
	go p.processQueue()
}

// processQueue feeds pending categories into the download queue one at a
// time. Quota is re-checked on every iteration, not cached.
func (p *Preloader) processQueue() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.stopped || len(p.pending) == 0 {
			p.current = ""
			p.preloading = false
			if p.sessionDone >= p.sessionTotal {
				p.sessionTotal = 0
				p.sessionDone = 0
			}
			p.mu.Unlock()
			return
		}
		if !p.checkQuotaLocked() {
			// Backpressure: stop feeding until usage drops. The
			// pending queue survives for a later attempt.
			p.current = ""
			p.preloading = false
			p.mu.Unlock()
			return
		}
		p.current = p.pending[0]
		p.pending = p.pending[1:]
		category := p.current
		priority := p.opts.BackgroundPriority
		p.mu.Unlock()

		start := time.Now()
		ids := p.resolver.SampleIDs(category)
		if len(ids) > 0 {
			if err := p.loader.EnqueueBulk(ids, priority); err != nil {
				p.logger.Warn("failed to enqueue preload batch", "category", category, "error", err)
			} else {
				p.logger.Debug("preload batch enqueued", "category", category, "samples", len(ids))
			}
		}

		p.mu.Lock()
		p.sessionDone++
		p.categoryTimes = append(p.categoryTimes, time.Since(start))
		if len(p.categoryTimes) > 16 {
			p.categoryTimes = p.categoryTimes[1:]
		}
		p.mu.Unlock()
	}
}

// backgroundLoop polls for idleness and seeds the queue from predictions
// once activity has been quiet for the idle threshold.
func (p *Preloader) backgroundLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.maybePreloadIdle()
		}
	}
}

func (p *Preloader) maybePreloadIdle() {
	p.mu.Lock()
	idleFor := time.Since(p.lastActivity)
	quotaOK := p.checkQuotaLocked()

	// Categories retained through quota backpressure resume as soon as
	// usage drops back under quota.
	if quotaOK && !p.preloading && len(p.pending) > 0 {
		p.logger.Info("usage back under quota, resuming preloads", "pending", len(p.pending))
		p.startProcessingLocked()
		p.mu.Unlock()
		return
	}

	busy := p.preloading || len(p.pending) > 0
	predictions := p.predictLocked()
	p.mu.Unlock()

	if busy || !quotaOK || idleFor < p.opts.IdleThreshold || len(predictions) == 0 {
		return
	}

	p.logger.Debug("idle threshold reached, preloading predicted categories",
		"idle", idleFor.Round(time.Millisecond), "predictions", predictions)
	for _, category := range predictions {
		p.PreloadCategory(category)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
