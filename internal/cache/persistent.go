package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/dgnsrekt/soundbank/internal/audio"
)

// Bucket names
var (
	bucketSamples    = []byte("samples")
	bucketFetchTimes = []byte("fetchTimes")
)

// PersistentCache is the durable tier: one BoltDB record per sample holding
// the raw interleaved PCM (zstd-compressed when that wins), format
// parameters, metadata, and the fetch timestamp. A second bucket indexes
// fetch times for age-based pruning without decoding records.
type PersistentCache struct {
	db *bolt.DB

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// record is the gob-encoded persistent form of a cached sample.
type record struct {
	SampleRate int
	Channels   int
	PCM        []byte // interleaved 16-bit little-endian, possibly compressed
	Compressed bool
	Meta       Metadata
	FetchedAt  time.Time
}

// NewPersistentCache opens (or creates) the sample database in dir.
// compressionLevel <= 0 disables compression.
func NewPersistentCache(dir string, compressionLevel int) (*PersistentCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dbPath := filepath.Join(dir, "samples.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sample database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSamples, bucketFetchTimes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	pc := &PersistentCache{db: db}

	if compressionLevel > 0 {
		pc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	pc.decoder, err = zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return pc, nil
}

// Get loads and decodes a sample record. A read or decode failure is
// reported as a miss: the persistent tier degrades gracefully.
func (pc *PersistentCache) Get(id int64) (*Entry, bool) {
	var raw []byte
	err := pc.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSamples).Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false
	}

	var rec record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, false
	}

	pcm := rec.PCM
	if rec.Compressed {
		pcm, err = pc.decoder.DecodeAll(rec.PCM, nil)
		if err != nil {
			return nil, false
		}
	}

	buf, err := audio.DecodePCM(pcm, rec.SampleRate, rec.Channels)
	if err != nil {
		return nil, false
	}

	return &Entry{
		ID:        id,
		Audio:     buf,
		Meta:      rec.Meta,
		FetchedAt: rec.FetchedAt,
	}, true
}

// Put serializes a sample into the database. Write failures are returned to
// the caller; the store logs them without failing the foreground operation.
func (pc *PersistentCache) Put(id int64, buf *audio.Buffer, meta Metadata, fetchedAt time.Time) error {
	pcm := audio.EncodePCM(buf)

	compressed := false
	if pc.encoder != nil && len(pcm) > 1024 {
		packed := pc.encoder.EncodeAll(pcm, nil)
		// Only keep compression when it actually reduces size.
		if len(packed) < len(pcm) {
			pcm = packed
			compressed = true
		}
	}

	rec := record{
		SampleRate: buf.SampleRate,
		Channels:   buf.Channels,
		PCM:        pcm,
		Compressed: compressed,
		Meta:       meta,
		FetchedAt:  fetchedAt,
	}

	var encoded bytes.Buffer
	if err := gob.NewEncoder(&encoded).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode sample record: %w", err)
	}

	err := pc.db.Update(func(tx *bolt.Tx) error {
		key := itob(id)
		if err := tx.Bucket(bucketSamples).Put(key, encoded.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketFetchTimes).Put(key, itob(fetchedAt.UnixNano()))
	})
	if err != nil {
		return fmt.Errorf("failed to persist sample %d: %w", id, err)
	}
	return nil
}

// Has reports whether a record exists, without reading its payload.
func (pc *PersistentCache) Has(id int64) bool {
	found := false
	pc.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		found = tx.Bucket(bucketSamples).Get(itob(id)) != nil
		return nil
	})
	return found
}

// Remove deletes a single record.
func (pc *PersistentCache) Remove(id int64) error {
	err := pc.db.Update(func(tx *bolt.Tx) error {
		key := itob(id)
		if err := tx.Bucket(bucketSamples).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketFetchTimes).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to remove sample %d: %w", id, err)
	}
	return nil
}

// Clear drops and recreates both buckets.
func (pc *PersistentCache) Clear() error {
	err := pc.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSamples, bucketFetchTimes} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear persistent cache: %w", err)
	}
	return nil
}

// PruneOlderThan deletes records fetched before the cutoff, using the fetch
// time index so records never need decoding. Returns the number pruned.
func (pc *PersistentCache) PruneOlderThan(cutoff time.Time) (int, error) {
	var stale []int64
	err := pc.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFetchTimes).ForEach(func(k, v []byte) error {
			if btoi(v) < cutoff.UnixNano() {
				stale = append(stale, btoi(k))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan fetch time index: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = pc.db.Update(func(tx *bolt.Tx) error {
		samples := tx.Bucket(bucketSamples)
		times := tx.Bucket(bucketFetchTimes)
		for _, id := range stale {
			key := itob(id)
			if err := samples.Delete(key); err != nil {
				return err
			}
			if err := times.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale samples: %w", err)
	}
	return len(stale), nil
}

// Count returns the number of persisted records.
func (pc *PersistentCache) Count() int {
	count := 0
	pc.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		count = tx.Bucket(bucketSamples).Stats().KeyN
		return nil
	})
	return count
}

// Bytes returns the approximate on-disk payload size.
func (pc *PersistentCache) Bytes() int64 {
	var total int64
	pc.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		return tx.Bucket(bucketSamples).ForEach(func(_, v []byte) error {
			total += int64(len(v))
			return nil
		})
	})
	return total
}

// Close closes the database.
func (pc *PersistentCache) Close() error {
	if pc.encoder != nil {
		pc.encoder.Close()
	}
	pc.decoder.Close()
	return pc.db.Close()
}

// itob encodes an int64 as a big-endian key so ids sort numerically.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
