package bptree

import (
	"bytes"
	"iter"

	"github.com/alexhholmes/bptree/internal/node"
)

// frame is one branch on the cursor's path and the child it descended to.
type frame struct {
	branch *node.Branch
	index  int
}

// Cursor provides ordered iteration over the tree.
//
// A cursor walks the root-to-leaf path it keeps on a stack rather than the
// leaf sibling links, so it is correct under copy-on-write. It reads the
// tree as of its creation; mutating the tree while a cursor is open leaves
// the cursor undefined.
type Cursor struct {
	tree  *BPlusTree
	root  PageID
	stack []frame
	leaf  *node.Leaf
	pos   int
	valid bool
	err   error
}

// Cursor returns a cursor over the current root. It is not positioned until
// First, Last or Seek is called.
func (t *BPlusTree) Cursor() *Cursor {
	return &Cursor{tree: t, root: t.root}
}

// First positions the cursor at the lowest key.
func (c *Cursor) First() ([]byte, []byte) {
	if !c.descend(func(*node.Branch) int { return 0 }) {
		return nil, nil
	}
	c.pos = 0
	return c.forward()
}

// Last positions the cursor at the highest key.
func (c *Cursor) Last() ([]byte, []byte) {
	if !c.descend(func(b *node.Branch) int { return b.Count() }) {
		return nil, nil
	}
	c.pos = c.leaf.Count() - 1
	return c.backward()
}

// Seek positions the cursor at the first key >= seek. Seek may be shorter
// than the key size, which positions at the first key with that prefix or
// above.
func (c *Cursor) Seek(seek []byte) ([]byte, []byte) {
	if seek == nil {
		return c.First()
	}
	if !c.descend(func(b *node.Branch) int { return b.ChildIndex(seek) }) {
		return nil, nil
	}
	pos := c.leaf.Search(seek)
	if pos < 0 {
		pos = ^pos
	}
	c.pos = pos
	return c.forward()
}

// Next advances to the next key. It returns nil, nil once exhausted.
func (c *Cursor) Next() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.pos++
	return c.forward()
}

// Prev moves to the previous key. It returns nil, nil once exhausted.
func (c *Cursor) Prev() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.pos--
	return c.backward()
}

// Key returns the current key. The slice aliases a page.
func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.leaf.Key(c.pos)
}

// Value returns the current value. The slice aliases a page.
func (c *Cursor) Value() []byte {
	if !c.valid {
		return nil
	}
	return c.leaf.Value(c.pos)
}

// Valid reports whether the cursor is positioned on a key.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}

// descend rebuilds the stack from the root, choosing a child per branch.
func (c *Cursor) descend(pick func(*node.Branch) int) bool {
	c.stack = c.stack[:0]
	c.valid = false
	c.err = nil
	if c.root == 0 {
		return false
	}

	leaf, ok := c.down(c.root, pick)
	if !ok {
		return false
	}
	c.leaf = leaf
	return true
}

func (c *Cursor) down(id PageID, pick func(*node.Branch) int) (*node.Leaf, bool) {
	for range maxDepth {
		n, err := c.tree.load(id)
		if err != nil {
			c.fail(err)
			return nil, false
		}
		if leaf, ok := n.(*node.Leaf); ok {
			return leaf, true
		}
		b := n.(*node.Branch)
		i := pick(b)
		c.stack = append(c.stack, frame{branch: b, index: i})
		id = b.Child(i)
	}
	c.fail(ErrCorruption)
	return nil, false
}

// forward settles on the first existing slot at or after pos.
func (c *Cursor) forward() ([]byte, []byte) {
	for c.pos >= c.leaf.Count() {
		if !c.nextLeaf() {
			c.valid = false
			return nil, nil
		}
	}
	c.valid = true
	return c.Key(), c.Value()
}

// backward settles on the last existing slot at or before pos.
func (c *Cursor) backward() ([]byte, []byte) {
	for c.pos < 0 {
		if !c.prevLeaf() {
			c.valid = false
			return nil, nil
		}
	}
	c.valid = true
	return c.Key(), c.Value()
}

func (c *Cursor) nextLeaf() bool {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.index < top.branch.Count() {
			top.index++
			leaf, ok := c.down(top.branch.Child(top.index), func(*node.Branch) int { return 0 })
			if !ok {
				return false
			}
			c.leaf = leaf
			c.pos = 0
			return true
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false
}

func (c *Cursor) prevLeaf() bool {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.index > 0 {
			top.index--
			leaf, ok := c.down(top.branch.Child(top.index), func(b *node.Branch) int { return b.Count() })
			if !ok {
				return false
			}
			c.leaf = leaf
			c.pos = leaf.Count() - 1
			return true
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.valid = false
	c.stack = c.stack[:0]
}

// Entry is a key/value pair yielded by a scan. Both slices are copies.
type Entry struct {
	Key   []byte
	Value []byte
}

// Scan yields every entry in ascending key order. A read error is yielded
// once, as the final element.
func (t *BPlusTree) Scan() iter.Seq2[Entry, error] {
	return t.ScanRange(nil, nil)
}

// ScanRange yields entries with from <= key <= to in ascending order. A nil
// bound is open.
func (t *BPlusTree) ScanRange(from, to []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		c := t.Cursor()
		for k, v := c.Seek(from); c.Valid(); k, v = c.Next() {
			if to != nil && bytes.Compare(k, to) > 0 {
				return
			}
			if !yield(Entry{Key: bytes.Clone(k), Value: bytes.Clone(v)}, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(Entry{}, err)
		}
	}
}
