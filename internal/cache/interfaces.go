package cache

import (
	"context"
	"errors"
)

var (
	ErrStoreNotFound = errors.New("cache store not found")
	ErrClosed        = errors.New("cache storage is closed")
)

// Store is one named cache store. Put on an existing key replaces the entry;
// Put on a deleted store fails with ErrStoreNotFound.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (Snapshot, bool, error)
	Put(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
}

// StoreStats is what the diagnostics UI shows for one store.
type StoreStats struct {
	Name        string `json:"name"`
	EntryCount  int    `json:"entryCount"`
	ApproxBytes int64  `json:"approxBytes"`
}

// Inspector enumerates and removes whole stores. Used by the lifecycle manager.
type Inspector interface {
	Names(ctx context.Context) ([]string, error)
	DeleteStore(ctx context.Context, name string) error
	Stats(ctx context.Context) ([]StoreStats, error)
}

// Opener hands out store handles.
type Opener interface {
	// Open creates the store if needed and returns a handle to it.
	Open(ctx context.Context, name string) (Store, error)
}

// Storage owns every named store of every version.
type Storage interface {
	Inspector
	Opener
	Close() error
}
