package base

import "encoding/binary"

const (
	DefaultPageSize = 4096

	// InternalHeaderSize holds the complemented key count of a branch page.
	InternalHeaderSize = 4
	// LeafHeaderSize holds key count, previous sibling and next sibling.
	LeafHeaderSize = 4 + 8 + 8
	// PointerSize is the width of a child page id.
	PointerSize = 8

	leafPrevOffset = 4
	leafNextOffset = 12
)

// PageID identifies a page in a page store. Zero is never handed out for a
// node page, so it doubles as the "no sibling" marker.
type PageID uint64

// TxnID identifies the write transaction a mutation belongs to.
type TxnID uint64

// Page layouts, all integers little-endian.
//
// LEAF PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ KeyCount (int32, >= 0) | PrevLeaf (8) | NextLeaf (8)       20 bytes │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Key[0] | Key[1] | ... | Key[LeafLoadFactor-1]                       │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Value[0] | Value[1] | ... | Value[LeafLoadFactor-1]                 │
// └─────────────────────────────────────────────────────────────────────┘
//
// BRANCH PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ ^KeyCount (int32, < 0)                                      4 bytes │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Key[0] | Key[1] | ... | Key[BranchFactor-1]                         │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Child[0] | Child[1] | ... | Child[BranchFactor]        8 bytes each │
// └─────────────────────────────────────────────────────────────────────┘
//
// The sign of the first four bytes is the only thing that distinguishes
// the two kinds on disk.

// IsLeafPage reports whether buf holds a leaf page.
func IsLeafPage(buf []byte) bool {
	return int32(binary.LittleEndian.Uint32(buf)) >= 0
}

// ReadLeafHeader decodes a leaf page header.
func ReadLeafHeader(buf []byte) (count int, prev, next PageID) {
	count = int(int32(binary.LittleEndian.Uint32(buf)))
	prev = PageID(binary.LittleEndian.Uint64(buf[leafPrevOffset:]))
	next = PageID(binary.LittleEndian.Uint64(buf[leafNextOffset:]))
	return count, prev, next
}

// WriteLeafHeader encodes a leaf page header.
func WriteLeafHeader(buf []byte, count int, prev, next PageID) {
	binary.LittleEndian.PutUint32(buf, uint32(int32(count)))
	binary.LittleEndian.PutUint64(buf[leafPrevOffset:], uint64(prev))
	binary.LittleEndian.PutUint64(buf[leafNextOffset:], uint64(next))
}

// ReadBranchCount decodes the complemented key count of a branch page.
func ReadBranchCount(buf []byte) int {
	return int(^int32(binary.LittleEndian.Uint32(buf)))
}

// WriteBranchCount stores the complement of count so the header is negative.
func WriteBranchCount(buf []byte, count int) {
	binary.LittleEndian.PutUint32(buf, uint32(^int32(count)))
}

// ReadPageID reads a child pointer at offset.
func ReadPageID(buf []byte, offset int) PageID {
	return PageID(binary.LittleEndian.Uint64(buf[offset:]))
}

// WritePageID writes a child pointer at offset.
func WritePageID(buf []byte, offset int, id PageID) {
	binary.LittleEndian.PutUint64(buf[offset:], uint64(id))
}
