package storage

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/alexhholmes/bptree/internal/base"
)

// pending is a page owned by the active write transaction.
type pending struct {
	id    base.PageID
	buf   []byte
	dirty bool
}

func pendingLess(a, b *pending) bool {
	return a.id < b.id
}

// Options configures a Store.
type Options struct {
	mode   Mode
	logger base.Logger
}

// Option configures store options using the functional options pattern.
type Option func(*Options)

// WithMode selects append-only or rewrite persistence.
func WithMode(mode Mode) Option {
	return func(opts *Options) {
		opts.mode = mode
	}
}

// WithLogger sets the logger used for commit and abort events.
func WithLogger(logger base.Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// Store coordinates one write transaction at a time over a Backend. Pages
// created or copied by the active transaction are writeable until it
// commits or aborts; everything else is read-only.
type Store struct {
	mu      sync.Mutex
	backend Backend
	mode    Mode
	logger  base.Logger
	size    int

	meta   Meta // last committed
	nextID base.PageID
	root   base.PageID

	active  base.TxnID
	writing bool
	pages   *btree.BTreeG[*pending]

	created uint64
	copied  uint64
	commits uint64
	aborts  uint64
	closed  bool
}

// NewStore opens a store over backend. A fresh backend is initialised for
// pageSize; an existing one must have been written with the same size.
func NewStore(backend Backend, pageSize int, opts ...Option) (*Store, error) {
	if pageSize < MinPageSize {
		return nil, fmt.Errorf("%w: %d is below the minimum of %d", ErrPageSize, pageSize, MinPageSize)
	}

	options := Options{mode: AppendOnly, logger: base.DiscardLogger{}}
	for _, opt := range opts {
		opt(&options)
	}

	meta, ok, err := backend.Meta()
	if err != nil {
		return nil, err
	}
	if !ok {
		// Page 0 is reserved so that zero can mean "no page".
		meta = Meta{PageSize: uint32(pageSize), NextPageID: 1}
	} else if int(meta.PageSize) != pageSize {
		return nil, fmt.Errorf("%w: store has %d, requested %d", ErrPageSize, meta.PageSize, pageSize)
	}

	return &Store{
		backend: backend,
		mode:    options.mode,
		logger:  options.logger,
		size:    pageSize,
		meta:    meta,
		nextID:  meta.NextPageID,
		root:    meta.Root,
		pages:   btree.NewG[*pending](16, pendingLess),
	}, nil
}

// NewMemoryStore is shorthand for a Store over a fresh Memory backend.
func NewMemoryStore(pageSize int, opts ...Option) *Store {
	s, err := NewStore(NewMemory(), pageSize, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Store) PageSize() int {
	return s.size
}

func (s *Store) Mode() Mode {
	return s.mode
}

// LastCommitted returns the id of the last committed transaction.
func (s *Store) LastCommitted() base.TxnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.TxnID
}

// begin makes txn the active writer, or checks that it already is.
// Caller must hold s.mu.
func (s *Store) begin(txn base.TxnID) error {
	if s.closed {
		return ErrStoreClosed
	}
	if !s.writing {
		s.active = txn
		s.writing = true
		return nil
	}
	if s.active != txn {
		return fmt.Errorf("%w: txn %d while %d is active", ErrTxnInProgress, txn, s.active)
	}
	return nil
}

// Create allocates a zeroed page owned by txn.
func (s *Store) Create(txn base.TxnID) (base.PageID, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(txn); err != nil {
		return 0, nil, err
	}

	id := s.nextID
	s.nextID++
	p := &pending{id: id, buf: make([]byte, s.size), dirty: true}
	s.pages.ReplaceOrInsert(p)
	s.created++
	return id, p.buf, nil
}

// Retrieve returns the current contents of a page. The active writer sees
// its own uncommitted pages.
func (s *Store) Retrieve(id base.PageID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if p, ok := s.pages.Get(&pending{id: id}); ok {
		return p.buf, nil
	}
	return s.backend.ReadPage(id)
}

// IsWriteable reports whether id may be mutated in place by the active
// transaction.
func (s *Store) IsWriteable(id base.PageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writing {
		return false
	}
	return s.pages.Has(&pending{id: id})
}

// GetWriteablePage returns a buffer txn may mutate holding the contents of
// id. In append-only mode a committed page is copied to a new id; in
// rewrite mode the copy shadows the original id.
func (s *Store) GetWriteablePage(txn base.TxnID, id base.PageID) (base.PageID, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(txn); err != nil {
		return 0, nil, err
	}
	if p, ok := s.pages.Get(&pending{id: id}); ok {
		return p.id, p.buf, nil
	}

	src, err := s.backend.ReadPage(id)
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, s.size)
	copy(buf, src)

	newID := id
	if s.mode == AppendOnly {
		newID = s.nextID
		s.nextID++
	}
	s.pages.ReplaceOrInsert(&pending{id: newID, buf: buf})
	s.copied++
	return newID, buf, nil
}

// MarkDirty flags a writeable page for persistence on commit.
func (s *Store) MarkDirty(txn base.TxnID, id base.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(txn); err != nil {
		return err
	}
	p, ok := s.pages.Get(&pending{id: id})
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotWriteable, id)
	}
	p.dirty = true
	return nil
}

// SetRoot records root in the meta written by the next commit.
func (s *Store) SetRoot(root base.PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
}

// Root returns the root recorded with SetRoot, or the committed one.
func (s *Store) Root() base.PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Commit persists every dirty page of txn in ascending id order together
// with a new meta, then releases write ownership.
func (s *Store) Commit(txn base.TxnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.writing && s.active != txn {
		return fmt.Errorf("%w: commit of %d while %d is active", ErrTxnMismatch, txn, s.active)
	}

	pages := make([]Page, 0, s.pages.Len())
	s.pages.Ascend(func(p *pending) bool {
		if p.dirty {
			pages = append(pages, Page{ID: p.id, Data: p.buf})
		}
		return true
	})

	meta := Meta{
		PageSize:   uint32(s.size),
		NextPageID: s.nextID,
		TxnID:      txn,
		Root:       s.root,
	}
	if err := s.backend.Commit(pages, meta); err != nil {
		s.logger.Error("commit failed", "txn", txn, "error", err)
		return err
	}

	s.meta = meta
	s.pages.Clear(false)
	s.writing = false
	s.commits++
	s.logger.Info("committed", "txn", txn, "pages", len(pages), "mode", s.mode.String())
	return nil
}

// Abort discards every page txn created or copied.
func (s *Store) Abort(txn base.TxnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if !s.writing {
		return nil
	}
	if s.active != txn {
		return fmt.Errorf("%w: abort of %d while %d is active", ErrTxnMismatch, txn, s.active)
	}

	discarded := s.pages.Len()
	s.pages.Clear(false)
	s.nextID = s.meta.NextPageID
	s.root = s.meta.Root
	s.writing = false
	s.aborts++
	s.logger.Info("aborted", "txn", txn, "pages", discarded)
	return nil
}

// Stats returns backend I/O statistics plus allocation counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.backend.Stats()
	st.Created = s.created
	st.Copied = s.copied
	st.Commits = s.commits
	st.Aborts = s.aborts
	return st
}

// Close closes the backend. Uncommitted pages are discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pages.Clear(false)
	return s.backend.Close()
}
