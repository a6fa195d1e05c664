package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/seantiz/vesper/internal/model"
)

var (
	bucketSettings = []byte("settings")
	keyUpdatedAt   = []byte("updated_at")
)

// Compile-time interface satisfaction check.
var _ Store = (*BoltStore)(nil)

// BoltStore implements Store using a BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the BoltDB file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSettings); err != nil {
			return fmt.Errorf("create bucket %q: %w", bucketSettings, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying BoltDB instance.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load reads every persisted setting.
func (s *BoltStore) Load(_ context.Context) (model.Settings, error) {
	kv := make(map[string]string)
	var updatedAt time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.ForEach(func(k, v []byte) error {
			if string(k) == string(keyUpdatedAt) {
				return updatedAt.UnmarshalText(v)
			}
			kv[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return model.Settings{}, fmt.Errorf("read settings: %w", err)
	}

	settings, err := decode(kv)
	if err != nil {
		return model.Settings{}, err
	}
	settings.UpdatedAt = updatedAt
	return settings, nil
}

// Save writes all three settings in one transaction.
func (s *BoltStore) Save(_ context.Context, settings model.Settings) error {
	now, err := time.Now().UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("encode timestamp: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		for key, value := range encode(settings) {
			if err := b.Put([]byte(key), []byte(value)); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
		}
		return b.Put(keyUpdatedAt, now)
	})
}
