package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/bptree/internal/base"
)

// Memory keeps committed pages in a map. Committed buffers are replaced,
// never written to, so readers holding an old buffer keep a stable view.
type Memory struct {
	mu     sync.RWMutex
	pages  map[base.PageID][]byte
	meta   Meta
	inited bool
	closed bool

	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{pages: make(map[base.PageID][]byte)}
}

// ReadPage returns the committed buffer for id without copying.
func (m *Memory) ReadPage(id base.PageID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	buf, ok := m.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPageNotFound, id)
	}
	m.reads.Add(1)
	m.read.Add(uint64(len(buf)))
	return buf, nil
}

func (m *Memory) Meta() (Meta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta, m.inited, nil
}

// Commit installs the pages. The buffers are taken over, not copied; the
// Store never touches a buffer again after handing it to Commit.
func (m *Memory) Commit(pages []Page, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	for _, p := range pages {
		m.pages[p.ID] = p.Data
		m.writes.Add(1)
		m.written.Add(uint64(len(p.Data)))
	}
	m.meta = meta
	m.inited = true
	return nil
}

// Len returns the number of committed pages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

func (m *Memory) Stats() Stats {
	return Stats{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		Read:    m.read.Load(),
		Written: m.written.Load(),
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pages = nil
	return nil
}
