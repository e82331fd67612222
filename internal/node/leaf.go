package node

import (
	"iter"
	"sort"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/storage"
)

const searchThreshold = 32

// Leaf holds up to LeafLoadFactor key/value pairs plus links to its
// neighbouring leaves.
//
// The sibling links are rewritten only on the pages an operation touches.
// Under an append-only store the far neighbour of a split or merge keeps a
// link to the old page id, so traversal never depends on them.
type Leaf struct {
	id     base.PageID
	buf    []byte
	layout *base.Layout

	count int
	prev  base.PageID
	next  base.PageID
}

func openLeaf(layout *base.Layout, id base.PageID, buf []byte) *Leaf {
	count, prev, next := base.ReadLeafHeader(buf)
	return &Leaf{id: id, buf: buf, layout: layout, count: count, prev: prev, next: next}
}

// NewLeaf formats buf as an empty leaf.
func NewLeaf(layout *base.Layout, id base.PageID, buf []byte) *Leaf {
	l := &Leaf{id: id, buf: buf, layout: layout}
	l.writeHeader()
	return l
}

// CreateLeaf allocates a page for an empty leaf in txn.
func CreateLeaf(store storage.PageStore, layout *base.Layout, txn base.TxnID) (*Leaf, error) {
	id, buf, err := store.Create(txn)
	if err != nil {
		return nil, err
	}
	return NewLeaf(layout, id, buf), nil
}

// Writable returns a leaf txn may mutate. When the store does not let this
// page be written in place the result wraps a copy, possibly under a new
// page id that the caller must propagate to the parent.
func (l *Leaf) Writable(store storage.PageStore, txn base.TxnID) (*Leaf, error) {
	if store.IsWriteable(l.id) {
		if err := store.MarkDirty(txn, l.id); err != nil {
			return nil, err
		}
		return l, nil
	}
	id, buf, err := store.GetWriteablePage(txn, l.id)
	if err != nil {
		return nil, err
	}
	if err := store.MarkDirty(txn, id); err != nil {
		return nil, err
	}
	return openLeaf(l.layout, id, buf), nil
}

func (l *Leaf) sealed() {}

func (l *Leaf) ID() base.PageID { return l.id }

func (l *Leaf) Count() int { return l.count }

func (l *Leaf) IsLeaf() bool { return true }

func (l *Leaf) Full() bool { return l.count >= l.layout.LeafLoadFactor }

func (l *Leaf) Underflow() bool { return l.count < l.layout.LeafSplitIndex }

func (l *Leaf) Prev() base.PageID { return l.prev }

func (l *Leaf) Next() base.PageID { return l.next }

func (l *Leaf) SetPrev(id base.PageID) {
	l.prev = id
	l.writeHeader()
}

func (l *Leaf) SetNext(id base.PageID) {
	l.next = id
	l.writeHeader()
}

func (l *Leaf) writeHeader() {
	base.WriteLeafHeader(l.buf, l.count, l.prev, l.next)
}

// Key returns key i. The slice aliases the page.
func (l *Leaf) Key(i int) []byte {
	off := l.layout.LeafKey(i)
	return l.buf[off : off+l.layout.KeySize : off+l.layout.KeySize]
}

// Value returns value i. The slice aliases the page.
func (l *Leaf) Value(i int) []byte {
	off := l.layout.LeafValue(i)
	return l.buf[off : off+l.layout.ValueSize : off+l.layout.ValueSize]
}

// First returns a copy of the lowest key, or nil when empty.
func (l *Leaf) First() []byte {
	if l.count == 0 {
		return nil
	}
	return clone(l.Key(0))
}

// Search returns the slot holding key, or ^pos where pos is the slot key
// would be inserted at.
func (l *Leaf) Search(key []byte) int {
	if l.count < searchThreshold {
		for i := 0; i < l.count; i++ {
			c := compare(l.Key(i), key)
			if c == 0 {
				return i
			}
			if c > 0 {
				return ^i
			}
		}
		return ^l.count
	}

	i := sort.Search(l.count, func(i int) bool {
		return compare(l.Key(i), key) >= 0
	})
	if i < l.count && compare(l.Key(i), key) == 0 {
		return i
	}
	return ^i
}

// Get returns the value stored under key.
func (l *Leaf) Get(key []byte) ([]byte, bool) {
	i := l.Search(key)
	if i < 0 {
		return nil, false
	}
	return l.Value(i), true
}

// Insert adds key/value in order. An existing key is overwritten only when
// overwrite is set, which also succeeds on a full leaf.
func (l *Leaf) Insert(key, value []byte, overwrite bool) error {
	i := l.Search(key)
	if i >= 0 {
		if !overwrite {
			return base.ErrDuplicateKey
		}
		copy(l.Value(i), value)
		return nil
	}
	if l.Full() {
		return base.ErrNodeFull
	}

	pos := ^i
	l.shiftRight(pos, 1)
	copy(l.Key(pos), key)
	copy(l.Value(pos), value)
	l.count++
	l.writeHeader()
	return nil
}

// shiftRight moves slots [pos, count) n places right. Count is unchanged.
func (l *Leaf) shiftRight(pos, n int) {
	lay := l.layout
	copy(l.buf[lay.LeafKey(pos+n):lay.LeafKey(l.count+n)], l.buf[lay.LeafKey(pos):lay.LeafKey(l.count)])
	copy(l.buf[lay.LeafValue(pos+n):lay.LeafValue(l.count+n)], l.buf[lay.LeafValue(pos):lay.LeafValue(l.count)])
}

// shiftLeft moves slots [pos+n, count) n places left. Count is unchanged.
func (l *Leaf) shiftLeft(pos, n int) {
	lay := l.layout
	copy(l.buf[lay.LeafKey(pos):lay.LeafKey(l.count-n)], l.buf[lay.LeafKey(pos+n):lay.LeafKey(l.count)])
	copy(l.buf[lay.LeafValue(pos):lay.LeafValue(l.count-n)], l.buf[lay.LeafValue(pos+n):lay.LeafValue(l.count)])
}

// copySlots copies n slots of src starting at from into l starting at to.
func (l *Leaf) copySlots(to int, src *Leaf, from, n int) {
	lay := l.layout
	copy(l.buf[lay.LeafKey(to):lay.LeafKey(to+n)], src.buf[lay.LeafKey(from):lay.LeafKey(from+n)])
	copy(l.buf[lay.LeafValue(to):lay.LeafValue(to+n)], src.buf[lay.LeafValue(from):lay.LeafValue(from+n)])
}

// Split moves slots from LeafSplitIndex onwards into the empty leaf right,
// links the pair and returns the separator, which is right's first key.
func (l *Leaf) Split(right *Leaf) []byte {
	at := l.layout.LeafSplitIndex
	moved := l.count - at

	right.copySlots(0, l, at, moved)
	right.count = moved
	right.prev = l.id
	right.next = l.next
	right.writeHeader()

	l.count = at
	l.next = right.id
	l.writeHeader()

	return right.First()
}

// Delete removes key. It reports false, without touching the page, when
// key is absent.
func (l *Leaf) Delete(key []byte) bool {
	i := l.Search(key)
	if i < 0 {
		return false
	}
	l.DeleteAt(i)
	return true
}

// DeleteAt removes slot i.
func (l *Leaf) DeleteAt(i int) {
	l.shiftLeft(i, 1)
	l.count--
	l.writeHeader()
}

// needed is how many entries l must receive to reach its split index.
func (l *Leaf) needed() int {
	return max(l.layout.LeafSplitIndex-l.count, 0)
}

// CanRedistribute reports whether donor can give l what it needs without
// underflowing itself.
func (l *Leaf) CanRedistribute(donor *Leaf) bool {
	return donor.count-l.needed() >= l.layout.LeafSplitIndex
}

// RedistributeFromLeft moves the last entries of left to the front of l
// until l reaches its split index. It fails without mutation when left
// would underflow.
func (l *Leaf) RedistributeFromLeft(left *Leaf) bool {
	if !l.CanRedistribute(left) {
		return false
	}
	n := l.needed()
	if n == 0 {
		return true
	}

	l.shiftRight(0, n)
	l.copySlots(0, left, left.count-n, n)
	l.count += n
	l.writeHeader()

	left.count -= n
	left.writeHeader()
	return true
}

// RedistributeFromRight moves the first entries of right to the end of l
// until l reaches its split index. It fails without mutation when right
// would underflow.
func (l *Leaf) RedistributeFromRight(right *Leaf) bool {
	if !l.CanRedistribute(right) {
		return false
	}
	n := l.needed()
	if n == 0 {
		return true
	}

	l.copySlots(l.count, right, 0, n)
	l.count += n
	l.writeHeader()

	right.shiftLeft(0, n)
	right.count -= n
	right.writeHeader()
	return true
}

// CanMerge reports whether right fits after l's entries.
func (l *Leaf) CanMerge(right *Leaf) bool {
	return l.count+right.count <= l.layout.LeafLoadFactor
}

// Merge appends every entry of right, which must be l's right neighbour,
// and takes over its next link. Right is left as it was; its page is
// orphaned by the caller.
func (l *Leaf) Merge(right *Leaf) bool {
	if !l.CanMerge(right) {
		return false
	}
	l.copySlots(l.count, right, 0, right.count)
	l.count += right.count
	l.next = right.next
	l.writeHeader()
	return true
}

// All yields every entry in key order. The slices alias the page; copy them
// to keep them past the next mutation.
func (l *Leaf) All() iter.Seq2[[]byte, []byte] {
	return l.Range(nil, nil)
}

// Range yields entries with from <= key <= to. A nil bound is open.
func (l *Leaf) Range(from, to []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		start := 0
		if from != nil {
			start = l.Search(from)
			if start < 0 {
				start = ^start
			}
		}
		for i := start; i < l.count; i++ {
			key := l.Key(i)
			if to != nil && compare(key, to) > 0 {
				return
			}
			if !yield(key, l.Value(i)) {
				return
			}
		}
	}
}
