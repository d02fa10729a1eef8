package preload

import (
	"sync"
	"testing"
	"time"
)

// fakeLoader records enqueue batches.
type fakeLoader struct {
	mu      sync.Mutex
	batches [][]int64
	prios   []int
}

func (f *fakeLoader) EnqueueBulk(ids []int64, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]int64(nil), ids...))
	f.prios = append(f.prios, priority)
	return nil
}

func (f *fakeLoader) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// fakeResolver maps categories to fixed id ranges.
type fakeResolver struct {
	ids map[string][]int64
}

func (f fakeResolver) SampleIDs(category string) []int64 { return f.ids[category] }

func newTestPreloader(loader Loader, resolver CategoryResolver, cacheBytes func() int64, opts Options) *Preloader {
	if cacheBytes == nil {
		cacheBytes = func() int64 { return 0 }
	}
	return New(loader, resolver, cacheBytes, opts)
}

func waitSettled(t *testing.T, p *Preloader) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := p.Status()
		if !s.IsPreloading && len(s.QueuedCategories) == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("preloader never settled: %+v", p.Status())
}

func TestPredictionsAreDeterministic(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{})
	defer p.Close()

	history := []string{"strings", "brass", "strings", "percussion", "strings"}
	for _, c := range history {
		p.RecordUsage(c)
	}

	first := p.PredictNextCategories()
	second := p.PredictNextCategories()
	if len(first) == 0 {
		t.Fatal("no predictions from a non-empty history")
	}
	if len(first) != len(second) {
		t.Fatalf("prediction length changed: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("predictions unstable: %v vs %v", first, second)
		}
	}

	// Trend continuation: the most recent category leads.
	if first[0] != "strings" {
		t.Errorf("first prediction = %q, want %q", first[0], "strings")
	}
}

func TestPredictionsRankByFrequency(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{})
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.RecordUsage("strings")
	}
	for i := 0; i < 3; i++ {
		p.RecordUsage("brass")
	}
	p.RecordUsage("percussion")

	got := p.PredictNextCategories()
	// Trend gives percussion first; frequency adds strings then brass.
	want := []string{"percussion", "strings", "brass"}
	if len(got) != len(want) {
		t.Fatalf("predictions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("predictions = %v, want %v", got, want)
		}
	}
}

func TestPredictionsDetectCycles(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{})
	defer p.Close()

	// Alternating rotation plus an older category to displace from
	// frequency ranking.
	for _, c := range []string{"choir", "choir", "choir", "choir", "strings", "brass", "strings", "brass"} {
		p.RecordUsage(c)
	}

	got := p.PredictNextCategories()
	if !containsString(got, "strings") || !containsString(got, "brass") {
		t.Errorf("predictions %v miss the cycling categories", got)
	}
}

func TestPredictionsCapped(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{})
	defer p.Close()

	for _, c := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		p.RecordUsage(c)
	}
	if got := p.PredictNextCategories(); len(got) > maxPredictions {
		t.Errorf("got %d predictions, cap is %d", len(got), maxPredictions)
	}
}

func TestRecentHistoryBounded(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{})
	defer p.Close()

	for i := 0; i < 25; i++ {
		p.RecordUsage("strings")
	}

	p.mu.Lock()
	got := len(p.recent)
	p.mu.Unlock()
	if got != recentHistorySize {
		t.Errorf("recent history length = %d, want %d", got, recentHistorySize)
	}
}

func TestMostUsedCategory(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{})
	defer p.Close()

	if got := p.MostUsedCategory(); got != "" {
		t.Errorf("MostUsedCategory() on empty history = %q, want empty", got)
	}

	p.RecordUsage("brass")
	p.RecordUsage("strings")
	p.RecordUsage("strings")
	if got := p.MostUsedCategory(); got != "strings" {
		t.Errorf("MostUsedCategory() = %q, want %q", got, "strings")
	}
}

func TestPreloadCategoryFeedsLoader(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{"strings": {10, 11, 12}}}
	p := newTestPreloader(loader, resolver, nil, Options{BackgroundPriority: 1})
	defer p.Close()

	p.PreloadCategory("strings")
	waitSettled(t, p)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	if len(loader.batches) != 1 {
		t.Fatalf("loader received %d batches, want 1", len(loader.batches))
	}
	if len(loader.batches[0]) != 3 {
		t.Errorf("batch = %v, want 3 ids", loader.batches[0])
	}
	if loader.prios[0] != 1 {
		t.Errorf("priority = %d, want background priority 1", loader.prios[0])
	}
}

func TestPreloadCategoryDeduplicates(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{"strings": {10}}}
	p := newTestPreloader(loader, resolver, nil, Options{})
	defer p.Close()

	p.mu.Lock()
	p.pending = []string{"strings"}
	p.mu.Unlock()

	// Already queued: a second request must not double it.
	p.PreloadCategory("strings")
	p.mu.Lock()
	n := len(p.pending)
	p.mu.Unlock()
	if n != 1 {
		t.Errorf("pending length = %d after duplicate request, want 1", n)
	}
}

func TestPreloadCriticalCategories(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{
		"strings":    {1},
		"brass":      {2},
		"percussion": {3},
	}}
	p := newTestPreloader(loader, resolver, nil, Options{})
	defer p.Close()

	p.RecordUsage("strings")
	p.RecordUsage("strings")
	p.RecordUsage("brass")
	p.RecordUsage("percussion")

	p.PreloadCriticalCategories()
	waitSettled(t, p)

	// Most used (strings) plus recent distinct categories.
	if got := loader.batchCount(); got != 3 {
		loader.mu.Lock()
		defer loader.mu.Unlock()
		t.Errorf("loader received %d batches, want 3: %v", got, loader.batches)
	}
}

func TestPreloadCriticalNoHistory(t *testing.T) {
	loader := &fakeLoader{}
	p := newTestPreloader(loader, fakeResolver{}, nil, Options{})
	defer p.Close()

	p.PreloadCriticalCategories()
	waitSettled(t, p)
	if got := loader.batchCount(); got != 0 {
		t.Errorf("loader received %d batches with no history, want 0", got)
	}
}

func TestQuotaBlocksPreloading(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{"strings": {1}}}

	var mu sync.Mutex
	usage := int64(1050) // 105% of quota
	cacheBytes := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return usage
	}

	p := newTestPreloader(loader, resolver, cacheBytes, Options{QuotaBytes: 1000})
	defer p.Close()

	if p.CheckStorageQuota() {
		t.Error("CheckStorageQuota() = true at 105% usage")
	}

	p.PreloadCategory("strings")

	// The worker must stop without feeding the loader, keeping the
	// category queued for later.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Status(); !s.IsPreloading {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := loader.batchCount(); got != 0 {
		t.Fatalf("loader received %d batches over quota, want 0", got)
	}
	if s := p.Status(); len(s.QueuedCategories) != 1 {
		t.Fatalf("queued = %v, want the blocked category retained", s.QueuedCategories)
	}

	// Usage drops below quota; re-requesting the already-queued category
	// restarts the paused worker, which drains the retained queue.
	mu.Lock()
	usage = 500
	mu.Unlock()
	if !p.CheckStorageQuota() {
		t.Error("CheckStorageQuota() = false under quota")
	}
	p.PreloadCategory("strings")
	waitSettled(t, p)
	if got := loader.batchCount(); got != 1 {
		t.Errorf("loader received %d batches after recovery, want 1", got)
	}
	loader.mu.Lock()
	defer loader.mu.Unlock()
	if len(loader.batches[0]) != 1 || loader.batches[0][0] != 1 {
		t.Errorf("batch = %v, want the retained strings id", loader.batches[0])
	}
}

func TestQuotaPauseResumesWhenUsageDrops(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{"strings": {1, 2}}}

	var mu sync.Mutex
	usage := int64(1050)
	cacheBytes := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return usage
	}

	p := newTestPreloader(loader, resolver, cacheBytes, Options{
		QuotaBytes:    1000,
		Background:    true,
		IdleThreshold: 10 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	})
	defer p.Close()

	p.PreloadCategory("strings")

	// Over quota: the worker parks with the category retained.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Status(); !s.IsPreloading && len(s.QueuedCategories) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := loader.batchCount(); got != 0 {
		t.Fatalf("loader received %d batches over quota, want 0", got)
	}

	// Usage drops; the background poll must resume the retained queue
	// without any new preload request.
	mu.Lock()
	usage = 100
	mu.Unlock()

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if loader.batchCount() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if loader.batchCount() == 0 {
		t.Fatal("retained category never processed after usage dropped under quota")
	}
	loader.mu.Lock()
	defer loader.mu.Unlock()
	if len(loader.batches[0]) != 2 {
		t.Errorf("batch = %v, want the 2 strings ids", loader.batches[0])
	}
}

func TestCancelPreloadDropsQueue(t *testing.T) {
	loader := &fakeLoader{}
	p := newTestPreloader(loader, fakeResolver{}, nil, Options{})
	defer p.Close()

	p.mu.Lock()
	p.pending = []string{"strings", "brass"}
	p.preloading = true
	p.mu.Unlock()

	p.CancelPreload()

	s := p.Status()
	if s.IsPreloading || len(s.QueuedCategories) != 0 {
		t.Errorf("status after cancel = %+v, want idle and empty", s)
	}
}

func TestPredictiveReorderPrefersPredicted(t *testing.T) {
	p := newTestPreloader(&fakeLoader{}, fakeResolver{}, nil, Options{Predictive: true})
	defer p.Close()

	p.mu.Lock()
	p.pending = []string{"choir", "strings", "brass"}
	p.mu.Unlock()

	// Heavy strings usage makes it the top prediction; the pending queue
	// reorders on the next recorded usage.
	p.RecordUsage("strings")
	p.RecordUsage("strings")

	p.mu.Lock()
	head := p.pending[0]
	p.mu.Unlock()
	if head != "strings" {
		t.Errorf("pending head = %q after reorder, want %q", head, "strings")
	}
}

func TestBackgroundPreloadAfterIdle(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{"strings": {1, 2}}}
	p := newTestPreloader(loader, resolver, nil, Options{
		Background:    true,
		IdleThreshold: 20 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	})
	defer p.Close()

	p.RecordUsage("strings")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if loader.batchCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if loader.batchCount() == 0 {
		t.Fatal("background loop never preloaded after idle")
	}

	loader.mu.Lock()
	defer loader.mu.Unlock()
	if len(loader.batches[0]) != 2 {
		t.Errorf("batch = %v, want the 2 strings ids", loader.batches[0])
	}
}

func TestStatusProgress(t *testing.T) {
	loader := &fakeLoader{}
	resolver := fakeResolver{ids: map[string][]int64{"a": {1}, "b": {2}}}
	p := newTestPreloader(loader, resolver, nil, Options{})
	defer p.Close()

	p.PreloadCategory("a")
	p.PreloadCategory("b")
	waitSettled(t, p)

	s := p.Status()
	if s.PercentComplete != 0 {
		// A finished session resets its counters.
		t.Errorf("PercentComplete after completion = %v, want 0 (session reset)", s.PercentComplete)
	}
	if got := loader.batchCount(); got != 2 {
		t.Errorf("loader received %d batches, want 2", got)
	}
}
