package cache

import (
	"errors"
	"time"

	"github.com/dgnsrekt/soundbank/internal/audio"
)

// Common errors for cache operations
var (
	// ErrNotFound is returned when an id is in neither tier.
	ErrNotFound = errors.New("sample not in cache")

	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("cache store is closed")
)

// Metadata carries the attribution and display fields persisted with each
// sample.
type Metadata struct {
	Name        string
	Duration    float64 // seconds
	Tags        []string
	License     string
	Attribution string // Freesound username for attribution
}

// Entry is a cached sample. The store owns entries once inserted; a caller
// holding Audio must not assume it outlives a later eviction.
type Entry struct {
	ID             int64
	Audio          *audio.Buffer
	Meta           Metadata
	FetchedAt      time.Time
	AccessCount    int64
	LastAccessedAt time.Time
}

// Stats reports combined cache performance counters.
type Stats struct {
	MemoryCount int
	DiskCount   int
	MemoryBytes int64
	DiskBytes   int64

	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
	MissRate  float64
}

// TotalBytes returns the combined footprint of both tiers.
func (s Stats) TotalBytes() int64 {
	return s.MemoryBytes + s.DiskBytes
}
