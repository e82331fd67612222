package base

import "fmt"

// Layout holds the node capacities and byte offsets derived from a page
// size, key size and value size. It is pure data; every node shares one.
type Layout struct {
	PageSize  int
	KeySize   int
	ValueSize int

	// BranchFactor is the maximum number of keys in a branch page, which
	// then holds BranchFactor+1 child pointers.
	BranchFactor int
	SplitIndex   int

	LeafLoadFactor int
	LeafSplitIndex int

	BranchKeyOffset   int
	BranchChildOffset int
	LeafKeyOffset     int
	LeafValueOffset   int
}

// NewLayout computes the layout for the given sizes. Sizes too large for
// the page produce degenerate capacities; see Validate.
func NewLayout(pageSize, keySize, valueSize int) Layout {
	l := Layout{
		PageSize:  pageSize,
		KeySize:   keySize,
		ValueSize: valueSize,
	}
	if keySize > 0 && valueSize >= 0 {
		l.BranchFactor = (pageSize - InternalHeaderSize - PointerSize) / (keySize + PointerSize)
		l.LeafLoadFactor = (pageSize - LeafHeaderSize) / (keySize + valueSize + 1)
	}
	l.SplitIndex = l.BranchFactor / 2
	l.LeafSplitIndex = l.LeafLoadFactor / 2

	l.BranchKeyOffset = InternalHeaderSize
	l.BranchChildOffset = InternalHeaderSize + l.BranchFactor*keySize
	l.LeafKeyOffset = LeafHeaderSize
	l.LeafValueOffset = LeafHeaderSize + l.LeafLoadFactor*keySize
	return l
}

// Validate rejects layouts that cannot hold a working tree. A node must be
// able to split into two halves that each hold at least one entry.
func (l Layout) Validate() error {
	switch {
	case l.KeySize <= 0:
		return fmt.Errorf("%w: key size %d", ErrInvalidLayout, l.KeySize)
	case l.ValueSize < 0:
		return fmt.Errorf("%w: value size %d", ErrInvalidLayout, l.ValueSize)
	case l.BranchFactor < 2:
		return fmt.Errorf("%w: branch factor %d for page size %d", ErrInvalidLayout, l.BranchFactor, l.PageSize)
	case l.LeafLoadFactor < 2:
		return fmt.Errorf("%w: leaf load factor %d for page size %d", ErrInvalidLayout, l.LeafLoadFactor, l.PageSize)
	}
	return nil
}

// LeafKey returns the offset of key slot i in a leaf page.
func (l Layout) LeafKey(i int) int {
	return l.LeafKeyOffset + i*l.KeySize
}

// LeafValue returns the offset of value slot i in a leaf page.
func (l Layout) LeafValue(i int) int {
	return l.LeafValueOffset + i*l.ValueSize
}

// BranchKey returns the offset of key slot i in a branch page.
func (l Layout) BranchKey(i int) int {
	return l.BranchKeyOffset + i*l.KeySize
}

// BranchChild returns the offset of child pointer i in a branch page.
func (l Layout) BranchChild(i int) int {
	return l.BranchChildOffset + i*PointerSize
}

// PageSizeForBranchFactor returns the smallest page size whose branch
// factor is b for the given key size. Handy for building deliberately
// narrow trees.
func PageSizeForBranchFactor(b, keySize int) int {
	return InternalHeaderSize + PointerSize + b*(keySize+PointerSize)
}
