// mmap_unsupported.go
//go:build !linux && !darwin

package storage

import (
	"errors"

	"github.com/alexhholmes/bptree/internal/base"
)

// MMap is unavailable on this platform; use Bolt or Memory instead.
type MMap struct{}

func NewMMap(string, int) (*MMap, error) {
	return nil, errors.ErrUnsupported
}

func (m *MMap) ReadPage(base.PageID) ([]byte, error) { return nil, errors.ErrUnsupported }

func (m *MMap) Meta() (Meta, bool, error) { return Meta{}, false, errors.ErrUnsupported }

func (m *MMap) Commit([]Page, Meta) error { return errors.ErrUnsupported }

func (m *MMap) Stats() Stats { return Stats{} }

func (m *MMap) Close() error { return nil }
