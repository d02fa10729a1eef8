// Package strategy scores cached samples for eviction beyond the memory
// tier's automatic LRU. It keeps a lightweight shadow descriptor per cached
// item and, on an explicit optimization pass, evicts the lowest-scoring
// items until the configured fill target is met.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/soundbank/internal/cache"
	"github.com/dgnsrekt/soundbank/internal/config"
)

// Mode selects the scoring behavior. Modes are configuration, not separate
// code paths: Score is one pure function switching on the mode.
type Mode string

const (
	ModeLRU        Mode = config.StrategyLRU
	ModeLFU        Mode = config.StrategyLFU
	ModeFIFO       Mode = config.StrategyFIFO
	ModeAdaptive   Mode = config.StrategyAdaptive
	ModePredictive Mode = config.StrategyPredictive
)

// Descriptor is the shadow record kept per cached item. It never owns the
// decoded payload.
type Descriptor struct {
	ID             int64
	Category       string
	PriorityTier   int // higher = more important to keep
	AccessCount    int64
	LastAccessedAt time.Time
	AddedAt        time.Time
	SizeBytes      int64
}

// Evictor removes an item from the underlying cache store. The manager
// adapts the Store to this interface.
type Evictor interface {
	Evict(id int64) bool
}

// PredictionSource supplies the categories the preloader expects to be used
// soon. Only consulted in predictive mode.
type PredictionSource interface {
	PredictNextCategories() []string
}

// Result summarizes an optimization pass.
type Result struct {
	ItemsEvicted    int
	SpaceFreedBytes int64
}

// Params tunes the optimizer.
type Params struct {
	Mode Mode

	// TargetFill is the fraction of CapacityBytes the cache is reduced to
	// during an optimization pass. Default 0.8.
	TargetFill float64

	// CapacityBytes is the combined cache ceiling evictions are measured
	// against (normally the storage quota).
	CapacityBytes int64
}

// Optimizer holds the descriptor table and performs optimization passes.
type Optimizer struct {
	mu     sync.Mutex
	params Params

	items map[int64]*Descriptor

	evictor     Evictor
	predictions PredictionSource

	logger *log.Logger
}

// New creates an optimizer evicting through evictor. predictions may be nil
// when predictive mode is never used.
func New(params Params, evictor Evictor, predictions PredictionSource) *Optimizer {
	if params.TargetFill <= 0 || params.TargetFill >= 1 {
		params.TargetFill = 0.8
	}
	if params.Mode == "" {
		params.Mode = ModeAdaptive
	}
	return &Optimizer{
		params:      params,
		items:       make(map[int64]*Descriptor),
		evictor:     evictor,
		predictions: predictions,
		logger:      log.Default().WithPrefix("strategy"),
	}
}

// SetCapacity adjusts the eviction ceiling at runtime, e.g. when the
// storage quota is reconfigured.
func (o *Optimizer) SetCapacity(bytes int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.params.CapacityBytes = bytes
}

// Register adds or replaces a descriptor.
func (o *Optimizer) Register(d Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d.AddedAt.IsZero() {
		d.AddedAt = time.Now()
	}
	if d.LastAccessedAt.IsZero() {
		d.LastAccessedAt = d.AddedAt
	}
	o.items[d.ID] = &d
}

// RecordAccess bumps the access counters for a tracked item.
func (o *Optimizer) RecordAccess(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.items[id]; ok {
		d.AccessCount++
		d.LastAccessedAt = time.Now()
	}
}

// Forget drops a descriptor (e.g. after an external removal).
func (o *Optimizer) Forget(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, id)
}

// Tracked returns the number of shadow descriptors.
func (o *Optimizer) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Score rates a descriptor: higher means more worth keeping, so eviction
// passes remove items in ascending score order. It is a pure function of
// the descriptor, mode, reference time, and predicted categories.
func Score(d Descriptor, mode Mode, now time.Time, predicted []string) float64 {
	switch mode {
	case ModeLRU:
		return -now.Sub(d.LastAccessedAt).Seconds()
	case ModeLFU:
		return float64(d.AccessCount)
	case ModeFIFO:
		return -now.Sub(d.AddedAt).Seconds()
	case ModePredictive:
		base := blendScore(d, now)
		if containsCategory(predicted, d.Category) {
			return base * 1.5
		}
		return base * 0.5
	default: // adaptive
		return blendScore(d, now)
	}
}

// blendScore combines recency, frequency, and priority tier. Recency decays
// on a one-hour half-life so a recently played sample outranks a frequently
// played but stale one.
func blendScore(d Descriptor, now time.Time) float64 {
	ageHours := now.Sub(d.LastAccessedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Exp2(-ageHours)
	frequency := math.Log1p(float64(d.AccessCount)) / 10
	priority := float64(d.PriorityTier) / 10

	return 0.5*recency + 0.3*frequency + 0.2*priority
}

func containsCategory(categories []string, category string) bool {
	for _, c := range categories {
		if c == category {
			return true
		}
	}
	return false
}

// Optimize runs an explicit eviction pass: it scores every tracked item and
// evicts the lowest-scoring ones until combined cache usage drops to the
// fill target. Distinct from the memory tier's automatic LRU.
func (o *Optimizer) Optimize(stats cache.Stats) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	target := int64(float64(o.params.CapacityBytes) * o.params.TargetFill)
	usage := stats.TotalBytes()
	if o.params.CapacityBytes <= 0 || usage <= target {
		return Result{}
	}

	now := time.Now()
	var predicted []string
	if o.params.Mode == ModePredictive && o.predictions != nil {
		predicted = o.predictions.PredictNextCategories()
	}

	ranked := make([]*Descriptor, 0, len(o.items))
	for _, d := range o.items {
		ranked = append(ranked, d)
	}
	sort.Slice(ranked, func(i, j int) bool {
		si := Score(*ranked[i], o.params.Mode, now, predicted)
		sj := Score(*ranked[j], o.params.Mode, now, predicted)
		if si != sj {
			return si < sj
		}
		return ranked[i].ID < ranked[j].ID // deterministic tie-break
	})

	var result Result
	for _, d := range ranked {
		if usage-result.SpaceFreedBytes <= target {
			break
		}
		if !o.evictor.Evict(d.ID) {
			continue
		}
		delete(o.items, d.ID)
		result.ItemsEvicted++
		result.SpaceFreedBytes += d.SizeBytes
	}

	o.logger.Info("optimization pass complete",
		"mode", o.params.Mode,
		"evicted", result.ItemsEvicted,
		"freed", humanize.Bytes(uint64(result.SpaceFreedBytes)))
	return result
}

// Recommendations returns advisory strings about cache health. Informational
// only; no side effects.
func (o *Optimizer) Recommendations(stats cache.Stats) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var recs []string

	if o.params.CapacityBytes > 0 {
		fill := float64(stats.TotalBytes()) / float64(o.params.CapacityBytes)
		switch {
		case fill >= 0.9:
			recs = append(recs, fmt.Sprintf(
				"cache is %.0f%% full (%s of %s) - consider evicting low-priority samples",
				fill*100, humanize.Bytes(uint64(stats.TotalBytes())), humanize.Bytes(uint64(o.params.CapacityBytes))))
		case fill >= 0.75:
			recs = append(recs, fmt.Sprintf(
				"cache is %.0f%% full - an optimization pass would free space ahead of demand", fill*100))
		}
	}

	if total := stats.Hits + stats.Misses; total >= 20 && stats.HitRate < 0.5 {
		recs = append(recs, fmt.Sprintf(
			"hit rate is %.0f%% - preloading frequently used categories could help", stats.HitRate*100))
	}

	cold := 0
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, d := range o.items {
		if d.LastAccessedAt.Before(cutoff) {
			cold++
		}
	}
	if cold > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d cached samples have not been played in 24h - pruning would reclaim space", cold))
	}

	return recs
}
