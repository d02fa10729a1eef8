// Package cache provides the two-tier storage for decoded samples.
// It includes an in-memory LRU tier bounded by entry count and a
// persistent BoltDB tier with zstd compression and age-based pruning.
package cache
