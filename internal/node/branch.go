package node

import (
	"fmt"
	"sort"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/storage"
)

// Branch is an internal node: count separator keys and count+1 child page
// ids. Child i holds keys below Key(i); child i+1 holds keys at or above it.
type Branch struct {
	id     base.PageID
	buf    []byte
	layout *base.Layout

	count int
}

func openBranch(layout *base.Layout, id base.PageID, buf []byte) *Branch {
	return &Branch{id: id, buf: buf, layout: layout, count: base.ReadBranchCount(buf)}
}

// NewRoot formats buf as a branch with a single separator between left and
// right. This is how a tree grows a level.
func NewRoot(layout *base.Layout, id base.PageID, buf []byte, left base.PageID, key []byte, right base.PageID) *Branch {
	b := &Branch{id: id, buf: buf, layout: layout, count: 1}
	copy(b.Key(0), key)
	b.setChild(0, left)
	b.setChild(1, right)
	b.writeHeader()
	return b
}

// NewBranch formats buf as a branch over children, separated by keys.
// len(children) must be len(keys)+1.
func NewBranch(layout *base.Layout, id base.PageID, buf []byte, keys [][]byte, children []base.PageID) *Branch {
	b := &Branch{id: id, buf: buf, layout: layout, count: len(keys)}
	for i, k := range keys {
		copy(b.Key(i), k)
	}
	for i, c := range children {
		b.setChild(i, c)
	}
	b.writeHeader()
	return b
}

// CreateBranch allocates a page for a branch in txn.
func CreateBranch(store storage.PageStore, layout *base.Layout, txn base.TxnID, keys [][]byte, children []base.PageID) (*Branch, error) {
	id, buf, err := store.Create(txn)
	if err != nil {
		return nil, err
	}
	return NewBranch(layout, id, buf, keys, children), nil
}

// Writable returns a branch txn may mutate; see Leaf.Writable.
func (b *Branch) Writable(store storage.PageStore, txn base.TxnID) (*Branch, error) {
	if store.IsWriteable(b.id) {
		if err := store.MarkDirty(txn, b.id); err != nil {
			return nil, err
		}
		return b, nil
	}
	id, buf, err := store.GetWriteablePage(txn, b.id)
	if err != nil {
		return nil, err
	}
	if err := store.MarkDirty(txn, id); err != nil {
		return nil, err
	}
	return openBranch(b.layout, id, buf), nil
}

func (b *Branch) sealed() {}

func (b *Branch) ID() base.PageID { return b.id }

func (b *Branch) Count() int { return b.count }

func (b *Branch) IsLeaf() bool { return false }

func (b *Branch) Full() bool { return b.count >= b.layout.BranchFactor }

func (b *Branch) Underflow() bool { return b.count < b.layout.SplitIndex }

func (b *Branch) writeHeader() {
	base.WriteBranchCount(b.buf, b.count)
}

// Key returns separator i. The slice aliases the page.
func (b *Branch) Key(i int) []byte {
	off := b.layout.BranchKey(i)
	return b.buf[off : off+b.layout.KeySize : off+b.layout.KeySize]
}

// SetKey overwrites separator i.
func (b *Branch) SetKey(i int, key []byte) {
	copy(b.Key(i), key)
}

// Child returns child pointer i, 0 <= i <= Count().
func (b *Branch) Child(i int) base.PageID {
	return base.ReadPageID(b.buf, b.layout.BranchChild(i))
}

func (b *Branch) setChild(i int, id base.PageID) {
	base.WritePageID(b.buf, b.layout.BranchChild(i), id)
}

// SetChild overwrites child pointer i.
func (b *Branch) SetChild(i int, id base.PageID) {
	b.setChild(i, id)
}

// ChildIndex returns the index of the child whose subtree may hold key.
func (b *Branch) ChildIndex(key []byte) int {
	if b.count < searchThreshold {
		i := 0
		for i < b.count && compare(key, b.Key(i)) >= 0 {
			i++
		}
		return i
	}
	return sort.Search(b.count, func(i int) bool {
		return compare(key, b.Key(i)) < 0
	})
}

// ChildID returns the id of the child whose subtree may hold key.
func (b *Branch) ChildID(key []byte) base.PageID {
	return b.Child(b.ChildIndex(key))
}

// IndexOf returns the position of child id, or -1.
func (b *Branch) IndexOf(id base.PageID) int {
	for i := 0; i <= b.count; i++ {
		if b.Child(i) == id {
			return i
		}
	}
	return -1
}

// UpdateChildPointer replaces the pointer to old with new. It is a no-op
// when the ids are equal.
func (b *Branch) UpdateChildPointer(old, new base.PageID) error {
	if old == new {
		return nil
	}
	i := b.IndexOf(old)
	if i < 0 {
		return fmt.Errorf("%w: branch %d has no child %d", base.ErrCorruption, b.id, old)
	}
	b.setChild(i, new)
	return nil
}

// LeftSiblingID returns the child left of id.
func (b *Branch) LeftSiblingID(id base.PageID) (base.PageID, bool) {
	i := b.IndexOf(id)
	if i <= 0 {
		return 0, false
	}
	return b.Child(i - 1), true
}

// RightSiblingID returns the child right of id.
func (b *Branch) RightSiblingID(id base.PageID) (base.PageID, bool) {
	i := b.IndexOf(id)
	if i < 0 || i >= b.count {
		return 0, false
	}
	return b.Child(i + 1), true
}

// KeyFor returns the separator bounding child id from the left. The
// leftmost child has none.
func (b *Branch) KeyFor(id base.PageID) ([]byte, bool) {
	i := b.IndexOf(id)
	if i <= 0 {
		return nil, false
	}
	return b.Key(i - 1), true
}

// SetLeftKey overwrites the separator bounding child id from the left.
func (b *Branch) SetLeftKey(id base.PageID, key []byte) error {
	i := b.IndexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: branch %d has no child %d", base.ErrCorruption, b.id, id)
	}
	if i > 0 {
		b.SetKey(i-1, key)
	}
	return nil
}

// keys and children moved by the methods below are contiguous runs, so
// every structural change is a handful of overlapping copies.

func (b *Branch) keyRange(i, j int) []byte {
	return b.buf[b.layout.BranchKey(i):b.layout.BranchKey(j)]
}

func (b *Branch) childRange(i, j int) []byte {
	return b.buf[b.layout.BranchChild(i):b.layout.BranchChild(j)]
}

// Insert adds separator key with child immediately to its right.
func (b *Branch) Insert(key []byte, child base.PageID) error {
	pos := b.ChildIndex(key)
	if pos > 0 && compare(b.Key(pos-1), key) == 0 {
		return base.ErrDuplicateKey
	}
	if b.Full() {
		return base.ErrNodeFull
	}

	copy(b.keyRange(pos+1, b.count+1), b.keyRange(pos, b.count))
	copy(b.childRange(pos+2, b.count+2), b.childRange(pos+1, b.count+1))
	b.SetKey(pos, key)
	b.setChild(pos+1, child)
	b.count++
	b.writeHeader()
	return nil
}

// Split divides b and the pending (key, child) between b and the empty
// branch right, and returns the separator promoted to the parent. The
// pending entry is placed before dividing so that both halves end at or
// above the split index, which splitting first cannot guarantee for small
// branch factors.
func (b *Branch) Split(right *Branch, key []byte, child base.PageID) []byte {
	ks := b.layout.KeySize
	total := b.count + 1
	pos := b.ChildIndex(key)

	keys := make([]byte, total*ks)
	copy(keys, b.keyRange(0, pos))
	copy(keys[pos*ks:], key)
	copy(keys[(pos+1)*ks:], b.keyRange(pos, b.count))

	children := make([]base.PageID, total+1)
	for i := 0; i <= pos; i++ {
		children[i] = b.Child(i)
	}
	children[pos+1] = child
	for i := pos + 1; i <= b.count; i++ {
		children[i+1] = b.Child(i)
	}

	mid := total / 2
	promoted := clone(keys[mid*ks : (mid+1)*ks])

	b.count = mid
	copy(b.keyRange(0, mid), keys[:mid*ks])
	for i := 0; i <= mid; i++ {
		b.setChild(i, children[i])
	}
	b.writeHeader()

	right.count = total - mid - 1
	copy(right.keyRange(0, right.count), keys[(mid+1)*ks:])
	for i := 0; i <= right.count; i++ {
		right.setChild(i, children[mid+1+i])
	}
	right.writeHeader()

	return promoted
}

// RemoveChild drops child i together with the separator left of it, or the
// separator right of it for the leftmost child, and returns that separator.
func (b *Branch) RemoveChild(i int) []byte {
	k := i - 1
	if i == 0 {
		k = 0
	}
	removed := clone(b.Key(k))

	copy(b.keyRange(k, b.count-1), b.keyRange(k+1, b.count))
	copy(b.childRange(i, b.count), b.childRange(i+1, b.count+1))
	b.count--
	b.writeHeader()
	return removed
}

// RemoveChildPointer drops child id; see RemoveChild.
func (b *Branch) RemoveChildPointer(id base.PageID) ([]byte, error) {
	i := b.IndexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: branch %d has no child %d", base.ErrCorruption, b.id, id)
	}
	if b.count == 0 {
		return nil, fmt.Errorf("%w: branch %d has a single child", base.ErrCorruption, b.id)
	}
	return b.RemoveChild(i), nil
}

func (b *Branch) needed() int {
	return max(b.layout.SplitIndex-b.count, 0)
}

// CanRedistribute reports whether donor can give b what it needs without
// underflowing itself.
func (b *Branch) CanRedistribute(donor *Branch) bool {
	return donor.count-b.needed() >= b.layout.SplitIndex
}

// evenOut is how many keys to move from donor: at least what b needs, and
// up to half the difference so that the pair ends up balanced.
func (b *Branch) evenOut(donor *Branch) int {
	return max(b.needed(), (donor.count-b.count)/2)
}

// RedistributeFromLeft rotates entries from left through the parent's join
// key into the front of b. It returns the new join key, or false without
// mutation when left would underflow.
func (b *Branch) RedistributeFromLeft(left *Branch, join []byte) ([]byte, bool) {
	if !b.CanRedistribute(left) {
		return nil, false
	}
	n := b.evenOut(left)
	if n == 0 {
		return clone(join), true
	}
	lc := left.count

	copy(b.keyRange(n, b.count+n), b.keyRange(0, b.count))
	copy(b.childRange(n, b.count+n+1), b.childRange(0, b.count+1))
	b.SetKey(n-1, join)
	copy(b.keyRange(0, n-1), left.keyRange(lc-n+1, lc))
	copy(b.childRange(0, n), left.childRange(lc-n+1, lc+1))
	b.count += n
	b.writeHeader()

	newJoin := clone(left.Key(lc - n))
	left.count -= n
	left.writeHeader()
	return newJoin, true
}

// RedistributeFromRight rotates entries from right through the parent's
// join key onto the end of b. It returns the new join key, or false
// without mutation when right would underflow.
func (b *Branch) RedistributeFromRight(right *Branch, join []byte) ([]byte, bool) {
	if !b.CanRedistribute(right) {
		return nil, false
	}
	n := b.evenOut(right)
	if n == 0 {
		return clone(join), true
	}
	c, rc := b.count, right.count

	b.SetKey(c, join)
	copy(b.keyRange(c+1, c+n), right.keyRange(0, n-1))
	copy(b.childRange(c+1, c+n+1), right.childRange(0, n))
	b.count += n
	b.writeHeader()

	newJoin := clone(right.Key(n - 1))
	copy(right.keyRange(0, rc-n), right.keyRange(n, rc))
	copy(right.childRange(0, rc-n+1), right.childRange(n, rc+1))
	right.count -= n
	right.writeHeader()
	return newJoin, true
}

// CanMerge reports whether right and the join key fit after b's entries.
func (b *Branch) CanMerge(right *Branch) bool {
	return b.count+right.count+1 <= b.layout.BranchFactor
}

// Merge appends join and every entry of right, which must be b's right
// neighbour.
func (b *Branch) Merge(right *Branch, join []byte) bool {
	if !b.CanMerge(right) {
		return false
	}
	c, rc := b.count, right.count

	b.SetKey(c, join)
	copy(b.keyRange(c+1, c+1+rc), right.keyRange(0, rc))
	copy(b.childRange(c+1, c+rc+2), right.childRange(0, rc+1))
	b.count += rc + 1
	b.writeHeader()
	return true
}
