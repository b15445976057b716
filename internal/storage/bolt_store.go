package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
	bolt "go.etcd.io/bbolt"
)

const (
	seenBucket       = "seen"
	runsBucket       = "runs"
	expiryValueBytes = 8
)

// boltStore implements a Store backed by BoltDB. Each channel gets a nested
// bucket under seen/ and runs/.
type boltStore struct {
	db              *bolt.DB
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	seenTTL         time.Duration
	cleanupInterval time.Duration
	runHistory      int
	now             func() time.Time
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	opts = normalizeOptions(opts)
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{seenBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	store := &boltStore{
		db:              db,
		seenTTL:         opts.SeenTTL,
		cleanupInterval: opts.CleanupInterval,
		runHistory:      opts.RunHistory,
		now:             opts.Now,
	}
	store.lastCleanup.Store(store.now().Unix())
	return store, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Admit marks the item as seen unless a live entry exists. bbolt serializes
// writers, so check and mark happen in one transaction.
func (b *boltStore) Admit(channelID, itemID string) (bool, error) {
	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return false, err
	}

	admitted := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := channelBucket(tx, seenBucket, channelID)
		if err != nil {
			return err
		}
		key := []byte(itemID)
		if expiry, ok := decodeExpiry(bucket.Get(key)); ok && expiry.After(now) {
			return nil
		}
		admitted = true
		return bucket.Put(key, encodeExpiry(now.Add(b.seenTTL)))
	})
	return admitted, err
}

// Seen checks if an item has been seen on the channel.
func (b *boltStore) Seen(channelID, itemID string) (bool, error) {
	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return false, err
	}

	var exists bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := channelBucket(tx, seenBucket, channelID)
		if err != nil {
			return err
		}

		key := []byte(itemID)
		value := bucket.Get(key)
		if value == nil {
			return nil
		}

		expiry, ok := decodeExpiry(value)
		if !ok || !expiry.After(now) {
			return bucket.Delete(key)
		}

		exists = true
		return nil
	})
	return exists, err
}

// Mark records an item as seen regardless of its current state.
func (b *boltStore) Mark(channelID, itemID string) error {
	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := channelBucket(tx, seenBucket, channelID)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(itemID), encodeExpiry(now.Add(b.seenTTL)))
	})
}

// RecordRun appends a terminal run to the channel history, trimming the oldest
// entries beyond the configured cap.
func (b *boltStore) RecordRun(run domain.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := channelBucket(tx, runsBucket, run.Item.ChannelID)
		if err != nil {
			return err
		}
		key := make([]byte, 8, 8+len(run.ID))
		binary.BigEndian.PutUint64(key, uint64(run.StartedAt.UnixNano()))
		key = append(key, run.ID...)
		if err := bucket.Put(key, payload); err != nil {
			return err
		}

		var keys [][]byte
		_ = bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		for i := 0; i < len(keys)-b.runHistory; i++ {
			if err := bucket.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentRuns returns up to limit runs, newest first.
func (b *boltStore) RecentRuns(channelID string, limit int) ([]domain.PipelineRun, error) {
	var out []domain.PipelineRun
	err := b.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(runsBucket))
		if parent == nil {
			return fmt.Errorf("runs bucket missing")
		}
		bucket := parent.Bucket([]byte(channelID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var run domain.PipelineRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run %x: %w", k, err)
			}
			out = append(out, run)
		}
		return nil
	})
	return out, err
}

// maybeCleanupExpired removes expired seen entries on a fixed cadence to avoid unbounded growth.
func (b *boltStore) maybeCleanupExpired(now time.Time) error {
	last := time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()

	last = time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(seenBucket))
		if parent == nil {
			return fmt.Errorf("seen bucket missing")
		}
		return parent.ForEachBucket(func(name []byte) error {
			bucket := parent.Bucket(name)
			var expired [][]byte
			_ = bucket.ForEach(func(k, v []byte) error {
				if expiry, ok := decodeExpiry(v); !ok || !expiry.After(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			for _, k := range expired {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err == nil {
		b.lastCleanup.Store(now.Unix())
	}
	return err
}

func channelBucket(tx *bolt.Tx, parentName, channelID string) (*bolt.Bucket, error) {
	parent := tx.Bucket([]byte(parentName))
	if parent == nil {
		return nil, fmt.Errorf("%s bucket missing", parentName)
	}
	if channelID == "" {
		return nil, fmt.Errorf("channel id is empty")
	}
	return parent.CreateBucketIfNotExists([]byte(channelID))
}

func encodeExpiry(t time.Time) []byte {
	buf := make([]byte, expiryValueBytes)
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}

// decodeExpiry decodes the expiry time from the stored byte slice.
func decodeExpiry(value []byte) (time.Time, bool) {
	if len(value) != expiryValueBytes {
		return time.Time{}, false
	}
	unix := int64(binary.BigEndian.Uint64(value))
	if unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
