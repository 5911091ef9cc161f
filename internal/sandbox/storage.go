package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSandbox = []byte("sandbox")
	bucketCounts  = []byte("sandbox_counts")
)

// Message is a note captured instead of being sent
type Message struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	AccountID    string    `json:"account_id"`
	MemberKey    string    `json:"member_key"`
	Body         string    `json:"body"`
	Count        int       `json:"count"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage keeps captured notes and simulated per-account daily counters
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSandbox, bucketCounts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// Get retrieves a message by ID
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				msg = &m
				return nil
			}
		}
		return nil
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	Provider  string
	AccountID string
	Limit     int
	Offset    int
}

// List returns captured messages newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.Provider != "" && msg.Provider != filter.Provider {
				continue
			}
			if filter.AccountID != "" && msg.AccountID != filter.AccountID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes captured messages older than olderThan, or all of them when zero
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if olderThan > 0 {
				var msg Message
				if err := json.Unmarshal(v, &msg); err != nil || msg.CapturedAt.After(cutoff) {
					continue
				}
			}
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats returns sandbox statistics
type Stats struct {
	Total      int64            `json:"total"`
	Failed     int64            `json:"failed"`
	ByProvider map[string]int64 `json:"by_provider"`
	ByAccount  map[string]int64 `json:"by_account"`
	OldestAt   time.Time        `json:"oldest_at,omitempty"`
	NewestAt   time.Time        `json:"newest_at,omitempty"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByProvider: make(map[string]int64),
		ByAccount:  make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}

			stats.Total++
			if msg.SimulatedErr != "" {
				stats.Failed++
			}
			stats.ByProvider[msg.Provider]++
			stats.ByAccount[msg.AccountID]++

			if stats.OldestAt.IsZero() || msg.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = msg.CapturedAt
			}
			if msg.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = msg.CapturedAt
			}
			return nil
		})
	})

	return stats, err
}

// Count returns the simulated daily counter of an account
func (s *Storage) Count(ctx context.Context, accountID, day string) (int, error) {
	var n int

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCounts).Get(countKey(accountID, day))
		if v == nil {
			return nil
		}
		parsed, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("corrupt counter for %s: %w", accountID, err)
		}
		n = parsed
		return nil
	})

	return n, err
}

// Increment bumps the simulated daily counter and returns the new value
func (s *Storage) Increment(ctx context.Context, accountID, day string) (int, error) {
	var n int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounts)
		key := countKey(accountID, day)

		if v := bucket.Get(key); v != nil {
			parsed, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("corrupt counter for %s: %w", accountID, err)
			}
			n = parsed
		}
		n++
		return bucket.Put(key, []byte(strconv.Itoa(n)))
	})

	return n, err
}

func countKey(accountID, day string) []byte {
	return []byte(day + ":" + accountID)
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.Format(time.RFC3339Nano) + ":" + id)
}
