// mmap_unix.go
//go:build linux || darwin

package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/alexhholmes/bptree/internal/base"
)

// growthSize rounds mapped region growth to reduce remap frequency.
const growthSize = 64 * 1024 * 1024

// MMap persists pages in a memory-mapped file. Page 0 holds the meta.
type MMap struct {
	mu       sync.RWMutex
	file     *os.File
	mmapData []byte
	mmapSize int64
	pageSize int
	empty    bool

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// NewMMap opens or creates a memory-mapped page file.
func NewMMap(path string, pageSize int) (*MMap, error) {
	if pageSize < MinPageSize {
		return nil, fmt.Errorf("%w: %d", ErrPageSize, pageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	var empty bool
	size := info.Size()
	if size == 0 {
		size = growthSize
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
		empty = true
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &MMap{
		file:     file,
		mmapData: data,
		mmapSize: size,
		pageSize: pageSize,
		empty:    empty,
	}, nil
}

// ReadPage copies a page out of the mapped region. The copy keeps callers
// safe across remaps.
func (m *MMap) ReadPage(id base.PageID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mmapData == nil {
		return nil, ErrStoreClosed
	}
	if id == 0 {
		return nil, fmt.Errorf("%w: page 0 is the meta page", ErrPageNotFound)
	}

	offset := int64(id) * int64(m.pageSize)
	if offset+int64(m.pageSize) > m.mmapSize {
		return nil, fmt.Errorf("%w: %d beyond mapped region", ErrPageNotFound, id)
	}

	m.reads.Add(1)
	m.read.Add(uint64(m.pageSize))

	buf := make([]byte, m.pageSize)
	copy(buf, m.mmapData[offset:offset+int64(m.pageSize)])
	return buf, nil
}

func (m *MMap) Meta() (Meta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mmapData == nil {
		return Meta{}, false, ErrStoreClosed
	}
	if m.empty {
		return Meta{}, false, nil
	}
	meta, err := DecodeMeta(m.mmapData[:m.pageSize])
	if err != nil {
		return Meta{}, false, err
	}
	return meta, true, nil
}

// Commit writes the pages, then the meta page, syncing in between so the
// meta never points at pages that are not on disk.
func (m *MMap) Commit(pages []Page, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mmapData == nil {
		return ErrStoreClosed
	}

	for _, p := range pages {
		offset := int64(p.ID) * int64(m.pageSize)
		if err := m.grow(offset + int64(m.pageSize)); err != nil {
			return err
		}
		copy(m.mmapData[offset:], p.Data[:m.pageSize])
		m.writes.Add(1)
		m.written.Add(uint64(m.pageSize))
	}
	if err := m.sync(); err != nil {
		return err
	}

	meta.Encode(m.mmapData[:m.pageSize])
	m.writes.Add(1)
	m.written.Add(uint64(m.pageSize))
	if err := m.sync(); err != nil {
		return err
	}
	m.empty = false
	return nil
}

// grow remaps the file so that it covers at least minSize bytes.
// Caller must hold m.mu for writing.
func (m *MMap) grow(minSize int64) error {
	if minSize <= m.mmapSize {
		return nil
	}
	newSize := ((minSize + growthSize - 1) / growthSize) * growthSize

	// Start async flush to reduce munmap blocking time
	_ = unix.Msync(m.mmapData, unix.MS_ASYNC)

	if err := unix.Munmap(m.mmapData); err != nil {
		return err
	}
	if err := m.file.Truncate(newSize); err != nil {
		return err
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.mmapData = nil
		return err
	}
	m.mmapData = data
	m.mmapSize = newSize
	return nil
}

func (m *MMap) sync() error {
	if err := unix.Msync(m.mmapData, unix.MS_SYNC); err != nil {
		return err
	}
	return m.file.Sync()
}

// Stats returns I/O statistics
func (m *MMap) Stats() Stats {
	return Stats{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		Read:    m.read.Load(),
		Written: m.written.Load(),
	}
}

// Close unmaps the region and closes the file
func (m *MMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mmapData != nil {
		if err := unix.Munmap(m.mmapData); err != nil {
			return err
		}
		m.mmapData = nil
	}
	return m.file.Close()
}
