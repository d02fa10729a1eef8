package samples

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/soundbank/internal/audio"
	"github.com/dgnsrekt/soundbank/internal/config"
	"github.com/dgnsrekt/soundbank/internal/freesound"
	"github.com/dgnsrekt/soundbank/internal/preload"
)

type mapResolver map[string][]int64

func (m mapResolver) SampleIDs(category string) []int64 { return m[category] }

var _ preload.CategoryResolver = mapResolver(nil)

func testWAV() []byte {
	samples := make([]int16, 1024)
	for i := range samples {
		samples[i] = int16(i % 32)
	}
	return audio.EncodeWAV(&audio.Buffer{SampleRate: 44100, Channels: 2, Samples: samples})
}

func addSound(client *freesound.MockClient, id int64, tags ...string) {
	client.AddSound(&freesound.SoundInfo{
		ID:         id,
		Name:       fmt.Sprintf("sample-%d", id),
		Duration:   1,
		Tags:       tags,
		License:    "CC0",
		Username:   "tester",
		PreviewURL: fmt.Sprintf("mock://preview/%d", id),
	}, testWAV())
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.MinRequestDelay = time.Millisecond
	cfg.BackgroundLoading = false
	return cfg
}

func newTestManager(t *testing.T, client freesound.Client, resolver preload.CategoryResolver) *Manager {
	t.Helper()
	if resolver == nil {
		resolver = mapResolver{}
	}
	m, err := New(testConfig(t), client, resolver)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { m.Close() }) //nolint:errcheck
	return m
}

func TestGetSampleDownloadsOnMiss(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1, "strings")
	m := newTestManager(t, client, nil)

	entry, err := m.GetSample(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSample() error: %v", err)
	}
	if entry.ID != 1 || entry.Audio == nil {
		t.Fatalf("entry = %+v, want decoded audio for id 1", entry)
	}
	if entry.Meta.Name != "sample-1" || entry.Meta.License != "CC0" {
		t.Errorf("metadata = %+v, want name/license carried over", entry.Meta)
	}
	if client.DownloadCalls != 1 {
		t.Errorf("DownloadCalls = %d, want 1", client.DownloadCalls)
	}
}

func TestGetSampleServesFromCache(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1, "strings")
	m := newTestManager(t, client, nil)

	if _, err := m.GetSample(context.Background(), 1); err != nil {
		t.Fatalf("first GetSample() error: %v", err)
	}
	if _, err := m.GetSample(context.Background(), 1); err != nil {
		t.Fatalf("second GetSample() error: %v", err)
	}
	if client.DownloadCalls != 1 {
		t.Errorf("DownloadCalls = %d, want 1 (second call must hit cache)", client.DownloadCalls)
	}

	stats := m.Stats()
	if stats.Hits < 1 {
		t.Errorf("Hits = %d, want at least 1", stats.Hits)
	}
}

func TestGetSampleSharesConcurrentDownloads(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1, "strings")

	// Hold the download open so both callers overlap.
	gate := make(chan struct{})
	client.OnDownloadStart = func(string) { <-gate }

	m := newTestManager(t, client, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetSample(context.Background(), 1)
		}(i)
	}

	// Give both goroutines time to join the same flight, then release.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d failed: %v", i, err)
		}
	}
	if client.DownloadCalls != 1 {
		t.Errorf("DownloadCalls = %d, want 1 shared download", client.DownloadCalls)
	}
}

func TestGetSampleUnknownIDFails(t *testing.T) {
	client := freesound.NewMockClient()
	m := newTestManager(t, client, nil)

	_, err := m.GetSample(context.Background(), 404)
	if err == nil {
		t.Fatal("GetSample(404) succeeded, want failure")
	}
	if !errors.Is(err, freesound.ErrNotFound) {
		t.Errorf("error = %v, want to wrap ErrNotFound", err)
	}

	// The failure is retried to exhaustion before surfacing.
	if client.InfoCalls != 3 {
		t.Errorf("InfoCalls = %d, want 3 attempts", client.InfoCalls)
	}
	failed := m.FailedDownloads()
	if len(failed) != 1 || failed[0].ID != 404 {
		t.Errorf("FailedDownloads() = %v, want the failed id retained", failed)
	}
}

func TestGetSampleContextCancellation(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1)

	gate := make(chan struct{})
	client.OnDownloadStart = func(string) { <-gate }
	defer close(gate)

	m := newTestManager(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := m.GetSample(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("GetSample() = %v, want context.Canceled", err)
	}
}

func TestGetSampleRecoversAfterTransientFailure(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1, "strings")
	client.FailNextDownloads(2, errors.New("flaky network"))

	m := newTestManager(t, client, nil)

	entry, err := m.GetSample(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSample() error despite retry budget: %v", err)
	}
	if entry.Audio == nil {
		t.Fatal("entry has no audio")
	}
	if client.DownloadCalls != 3 {
		t.Errorf("DownloadCalls = %d, want 3", client.DownloadCalls)
	}
}

func TestPrefetchWarmsCache(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1, "strings")
	addSound(client, 2, "brass")

	m := newTestManager(t, client, nil)

	if err := m.Prefetch([]int64{1, 2}); err != nil {
		t.Fatalf("Prefetch() error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().MemoryCount == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Stats().MemoryCount; got != 2 {
		t.Fatalf("MemoryCount = %d after prefetch, want 2", got)
	}

	// Prefetched samples are served without further downloads.
	if _, err := m.GetSample(context.Background(), 1); err != nil {
		t.Fatalf("GetSample() error: %v", err)
	}
	if client.DownloadCalls != 2 {
		t.Errorf("DownloadCalls = %d, want 2", client.DownloadCalls)
	}
}

func TestPreloadCategoryThroughResolver(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 10, "percussion")
	addSound(client, 11, "percussion")

	m := newTestManager(t, client, mapResolver{"percussion": {10, 11}})

	m.PreloadCategory("percussion")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().MemoryCount == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Stats().MemoryCount; got != 2 {
		t.Fatalf("MemoryCount = %d after preload, want 2", got)
	}
}

func TestOptimizeCacheEvicts(t *testing.T) {
	client := freesound.NewMockClient()
	for id := int64(1); id <= 4; id++ {
		addSound(client, id, "strings")
	}

	cfg := testConfig(t)
	cfg.CacheStrategy = config.StrategyLRU
	m, err := New(cfg, client, mapResolver{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer m.Close() //nolint:errcheck

	for id := int64(1); id <= 4; id++ {
		if _, err := m.GetSample(context.Background(), id); err != nil {
			t.Fatalf("GetSample(%d) error: %v", id, err)
		}
	}

	// Shrink the optimizer's view of capacity far below current usage so
	// the pass must evict.
	m.optimizer.SetCapacity(1)
	result := m.OptimizeCache()
	if result.ItemsEvicted == 0 {
		t.Fatal("optimization pass evicted nothing over capacity")
	}
	if result.SpaceFreedBytes == 0 {
		t.Error("optimization pass freed no bytes")
	}
}

func TestRecordUsageFeedsPredictions(t *testing.T) {
	client := freesound.NewMockClient()
	m := newTestManager(t, client, mapResolver{})

	m.RecordUsage("strings")
	m.RecordUsage("strings")
	m.RecordUsage("brass")

	status := m.PreloadStatus()
	if status.IsPreloading {
		t.Errorf("status = %+v, want idle with background loading off", status)
	}
}

func TestQueueProgressSnapshot(t *testing.T) {
	client := freesound.NewMockClient()
	addSound(client, 1)
	m := newTestManager(t, client, nil)

	if _, err := m.GetSample(context.Background(), 1); err != nil {
		t.Fatalf("GetSample() error: %v", err)
	}
	p := m.QueueProgress()
	if p.Completed != 1 {
		t.Errorf("Completed = %d, want 1", p.Completed)
	}
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheStrategy = "bogus"
	if _, err := New(cfg, freesound.NewMockClient(), mapResolver{}); err == nil {
		t.Fatal("New() accepted an invalid config")
	}
}
