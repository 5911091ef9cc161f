package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBatches  = []byte("batches")
	bucketIndex    = []byte("batch_index")
	bucketAttempts = []byte("attempts")
)

// BoltStorage keeps batch records in BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (and creates if needed) the journal at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBatches, bucketIndex, bucketAttempts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// SaveBatch creates or updates a batch record
func (s *BoltStorage) SaveBatch(ctx context.Context, b *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)

		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Now()
		}
		isNew := batches.Get([]byte(b.ID)) == nil
		b.UpdatedAt = time.Now()
		if b.Status.Terminal() && b.FinishedAt.IsZero() {
			b.FinishedAt = b.UpdatedAt
		}

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal batch: %w", err)
		}
		if err := batches.Put([]byte(b.ID), data); err != nil {
			return fmt.Errorf("failed to store batch: %w", err)
		}

		if isNew {
			if err := tx.Bucket(bucketIndex).Put(makeIndexKey(b.CreatedAt, b.ID), []byte(b.ID)); err != nil {
				return fmt.Errorf("failed to index batch: %w", err)
			}
		}
		return nil
	})
}

// GetBatch returns a batch by ID, or nil when unknown
func (s *BoltStorage) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b *Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBatches).Get([]byte(id))
		if data == nil {
			return nil
		}
		b = &Batch{}
		return json.Unmarshal(data, b)
	})

	return b, err
}

// ListBatches returns batches newest first
func (s *BoltStorage) ListBatches(ctx context.Context, filter ListFilter) ([]*Batch, error) {
	var result []*Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		c := tx.Bucket(bucketIndex).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			data := batches.Get(v)
			if data == nil {
				continue
			}

			var b Batch
			if err := json.Unmarshal(data, &b); err != nil {
				continue
			}
			if filter.Status != "" && b.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			result = append(result, &b)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// RecordAttempt appends a per-recipient outcome to a batch
func (s *BoltStorage) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		return tx.Bucket(bucketAttempts).Put(attemptKey(a.BatchID, a.Index), data)
	})
}

// Attempts returns the recorded attempts of a batch in recipient order
func (s *BoltStorage) Attempts(ctx context.Context, batchID string) ([]*Attempt, error) {
	var result []*Attempt
	prefix := []byte(batchID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			result = append(result, &a)
		}
		return nil
	})

	return result, err
}

// Stats returns journal statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			var b Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return nil
			}
			stats.Batches++
			if !b.Status.Terminal() {
				stats.Running++
			}
			stats.Succeeded += int64(b.Succeeded)
			stats.Failed += int64(b.Failed)
			return nil
		})
	})

	return stats, err
}

// Cleanup removes finished batches older than maxAge together with their attempts
func (s *BoltStorage) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		index := tx.Bucket(bucketIndex)
		attempts := tx.Bucket(bucketAttempts)

		var indexKeys [][]byte
		c := index.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !parseTimestampFromKey(k).Before(cutoff) {
				break
			}

			var b Batch
			if data := batches.Get(v); data != nil {
				if err := json.Unmarshal(data, &b); err == nil && !b.Status.Terminal() {
					continue
				}
			}
			indexKeys = append(indexKeys, append([]byte{}, k...))
		}

		for _, k := range indexKeys {
			id := index.Get(k)
			prefix := append(append([]byte{}, id...), '/')

			var attemptKeys [][]byte
			ac := attempts.Cursor()
			for ak, _ := ac.Seek(prefix); ak != nil && hasPrefix(ak, prefix); ak, _ = ac.Next() {
				attemptKeys = append(attemptKeys, append([]byte{}, ak...))
			}
			for _, ak := range attemptKeys {
				if err := attempts.Delete(ak); err != nil {
					return err
				}
			}

			if err := batches.Delete(id); err != nil {
				return err
			}
			if err := index.Delete(k); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying BoltDB for components that share the file
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + "|" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '|' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}

func attemptKey(batchID string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%06d", batchID, index))
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
