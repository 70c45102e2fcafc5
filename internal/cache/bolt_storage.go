package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStorage keeps every named store as a bucket of one bbolt file.
type BoltStorage struct {
	db     *bbolt.DB
	closed atomic.Bool
}

// OpenBolt opens (or creates) the cache file at path.
func OpenBolt(path string) (*BoltStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStorage) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *BoltStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("store name is required")
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &boltStore{storage: s, name: name}, nil
}

func (s *BoltStorage) Names(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *BoltStorage) DeleteStore(ctx context.Context, name string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket([]byte(name))
	})
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("delete store %s: %w", name, err)
	}
	return nil
}

func (s *BoltStorage) Stats(ctx context.Context) ([]StoreStats, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var stats []StoreStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			st := StoreStats{Name: string(name)}
			err := b.ForEach(func(k, v []byte) error {
				st.EntryCount++
				st.ApproxBytes += int64(len(k) + len(v))
				return nil
			})
			stats = append(stats, st)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, nil
}

type boltStore struct {
	storage *BoltStorage
	name    string
}

func (b *boltStore) Name() string { return b.name }

func (b *boltStore) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	if err := b.storage.check(ctx); err != nil {
		return Snapshot{}, false, err
	}
	var raw []byte
	err := b.storage.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			// bbolt values are only valid inside the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get %s from %s: %w", key, b.name, err)
	}
	if raw == nil {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %s from %s: %w", key, b.name, err)
	}
	return snap, true, nil
}

func (b *boltStore) Put(ctx context.Context, snap Snapshot) error {
	if err := b.storage.check(ctx); err != nil {
		return err
	}
	if snap.Key == "" {
		return fmt.Errorf("snapshot key is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Key, err)
	}
	err = b.storage.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, b.name)
		}
		return bucket.Put([]byte(snap.Key), payload)
	})
	if err != nil {
		return fmt.Errorf("put %s into %s: %w", snap.Key, b.name, err)
	}
	return nil
}

func (b *boltStore) Delete(ctx context.Context, key string) error {
	if err := b.storage.check(ctx); err != nil {
		return err
	}
	return b.storage.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *boltStore) Len(ctx context.Context) (int, error) {
	if err := b.storage.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := b.storage.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

var _ Storage = (*BoltStorage)(nil)
