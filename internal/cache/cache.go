// Package cache is the content-addressed response cache consulted before
// every model call. Entries are keyed by purpose and the SHA-256 of the
// rendered prompt, and have no TTL: expiry is an explicit operator action.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Cache purposes partition the key space.
const (
	PurposeClassification = "classification"
	PurposeEnrichment     = "enrichment"
	PurposeGeneration     = "generation"
	PurposeReview         = "review"
	PurposeGeneral        = "general"
)

// Entry is one cached model response.
type Entry struct {
	Hash       string    `json:"hash"`
	Purpose    string    `json:"purpose"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
}

// Cache stores Entries in BadgerDB.
type Cache struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens a Badger database in dir. An empty dir opens an in-memory
// database, which tests use.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened Badger database.
func New(db *badger.DB) *Cache {
	return &Cache{db: db, now: time.Now}
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Hash returns the hex SHA-256 digest of prompt.
func Hash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func key(purpose, hash string) []byte {
	return []byte(purpose + ":" + hash)
}

// Get returns the entry stored for prompt under purpose. A miss returns
// ok=false and a nil error.
func (c *Cache) Get(ctx context.Context, prompt, purpose string) (Entry, bool, error) {
	var e Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(purpose, Hash(prompt)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	return e, true, nil
}

// Set stores e, overwriting any existing entry for the same prompt and
// purpose. Hash and Timestamp are filled in when empty.
func (c *Cache) Set(ctx context.Context, e Entry) error {
	if e.Purpose == "" {
		return fmt.Errorf("cache entry purpose is required")
	}
	e.Hash = Hash(e.Prompt)
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(e.Purpose, e.Hash), data)
	})
}

// ClearPurpose deletes every entry of purpose and returns how many were removed.
func (c *Cache) ClearPurpose(ctx context.Context, purpose string) (int, error) {
	if purpose == "" {
		return 0, fmt.Errorf("purpose is required")
	}
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(purpose + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing %s entries: %w", purpose, err)
	}
	return len(keys), c.deleteKeys(keys)
}

// ClearOlderThan deletes entries whose timestamp is older than age.
func (c *Cache) ClearOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := c.now().Add(-age)
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.Timestamp.Before(cutoff) {
				keys = append(keys, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning cache: %w", err)
	}
	return len(keys), c.deleteKeys(keys)
}

func (c *Cache) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("deleting cache entry: %w", err)
		}
	}
	return wb.Flush()
}

// Stats returns the number of entries per purpose.
func (c *Cache) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			purpose, _, ok := strings.Cut(k, ":")
			if !ok {
				continue
			}
			stats[purpose]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting cache entries: %w", err)
	}
	return stats, nil
}
