// Package storage implements the page stores a tree is built on: a
// transaction-aware coordinator that decides whether a page may be mutated
// in place, over pluggable backends that persist committed pages.
package storage

import (
	"errors"

	"github.com/alexhholmes/bptree/internal/base"
)

var (
	ErrPageNotFound     = errors.New("page not found")
	ErrPageNotWriteable = errors.New("page is not writeable in this transaction")
	ErrStoreClosed      = errors.New("page store is closed")
	ErrTxnInProgress    = errors.New("another write transaction is in progress")
	ErrTxnMismatch      = errors.New("transaction is not the active writer")
	ErrInvalidMeta      = errors.New("invalid meta page")
	ErrPageSize         = errors.New("page size mismatch")
)

// MinPageSize leaves room for the meta page encoding.
const MinPageSize = metaSize

// PageStore is the contract the tree consumes. A page id handed out by
// GetWriteablePage may differ from the id passed in; callers must thread
// it back to whoever references the page.
type PageStore interface {
	PageSize() int
	Create(txn base.TxnID) (base.PageID, []byte, error)
	Retrieve(id base.PageID) ([]byte, error)
	IsWriteable(id base.PageID) bool
	GetWriteablePage(txn base.TxnID, id base.PageID) (base.PageID, []byte, error)
	MarkDirty(txn base.TxnID, id base.PageID) error
	Commit(txn base.TxnID) error
	Abort(txn base.TxnID) error
}

// Backend persists committed pages. Buffers returned by ReadPage are never
// mutated by the caller.
type Backend interface {
	ReadPage(id base.PageID) ([]byte, error)
	// Meta returns the last committed meta, or false for a fresh backend.
	Meta() (Meta, bool, error)
	// Commit atomically persists pages and meta.
	Commit(pages []Page, meta Meta) error
	Stats() Stats
	Close() error
}

// Page is a page id and its contents.
type Page struct {
	ID   base.PageID
	Data []byte
}

// Mode selects the persistence discipline of a Store.
type Mode int

const (
	// AppendOnly never mutates a committed page. Writing to one copies it
	// to a freshly allocated id.
	AppendOnly Mode = iota
	// Rewrite shadows a committed page under its own id and overwrites the
	// original on commit.
	Rewrite
)

func (m Mode) String() string {
	switch m {
	case AppendOnly:
		return "append-only"
	case Rewrite:
		return "rewrite"
	default:
		return "unknown"
	}
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64

	Created uint64 // pages allocated by Create
	Copied  uint64 // committed pages copied for writing
	Commits uint64
	Aborts  uint64
}
