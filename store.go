package bptree

import (
	"github.com/alexhholmes/bptree/internal/storage"
)

type (
	// PageStore is the page-level contract a tree runs on.
	PageStore = storage.PageStore
	// Store is the transaction-aware PageStore over a persistence backend.
	Store       = storage.Store
	StoreOption = storage.Option
	StoreStats  = storage.Stats
	Mode        = storage.Mode
)

const (
	AppendOnly = storage.AppendOnly
	Rewrite    = storage.Rewrite
)

// WithStoreMode selects append-only or rewrite persistence.
//
//goland:noinspection GoUnusedExportedFunction
func WithStoreMode(mode Mode) StoreOption {
	return storage.WithMode(mode)
}

// WithStoreLogger sets the logger for commit and abort events.
//
//goland:noinspection GoUnusedExportedFunction
func WithStoreLogger(logger Logger) StoreOption {
	return storage.WithLogger(logger)
}

// NewMemoryStore returns a store whose pages live on the heap.
func NewMemoryStore(pageSize int, opts ...StoreOption) *Store {
	return storage.NewMemoryStore(pageSize, opts...)
}

// OpenMMapStore opens or creates a page file mapped into memory.
func OpenMMapStore(path string, pageSize int, opts ...StoreOption) (*Store, error) {
	backend, err := storage.NewMMap(path, pageSize)
	if err != nil {
		return nil, err
	}
	s, err := storage.NewStore(backend, pageSize, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

// OpenBoltStore opens or creates a store persisting pages in a bbolt file.
func OpenBoltStore(path string, pageSize int, opts ...StoreOption) (*Store, error) {
	backend, err := storage.NewBolt(path)
	if err != nil {
		return nil, err
	}
	s, err := storage.NewStore(backend, pageSize, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}
