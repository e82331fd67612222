package bptree

import (
	"bytes"
	"fmt"

	"github.com/alexhholmes/bptree/internal/node"
)

// Shape summarises the tree structure found by Check.
type Shape struct {
	Depth    int
	Branches int
	Leaves   int
	Entries  int
}

// Check walks the whole tree and verifies its structural invariants:
//   - keys strictly ascend within every node and across leaves
//   - every key lies within the bounds its ancestors' separators give it
//   - each separator equals the lowest key of the subtree to its right
//   - every non-root node is at or above its split index
//   - all leaves are at the same depth
//   - under a store that keeps page ids stable, each leaf's prev and next
//     links name its neighbours in key order
//
// It returns ErrCorruption wrapped with the first violation found.
func (t *BPlusTree) Check() (Shape, error) {
	if t.root == 0 {
		return Shape{Depth: 1}, nil
	}

	w := walk{links: t.stableIDs()}
	depth, _, err := t.check(t.root, nil, nil, true, 1, &w)
	if err != nil {
		return Shape{}, err
	}
	if w.links && w.last != nil && w.last.Next() != 0 {
		return Shape{}, fmt.Errorf("%w: last leaf %d links to next %d", ErrCorruption, w.last.ID(), w.last.Next())
	}
	w.shape.Depth = depth
	return w.shape, nil
}

// walk is the state Check carries across the leaves in key order.
type walk struct {
	shape Shape
	links bool
	last  *node.Leaf
}

// link verifies that l follows the previously visited leaf.
func (w *walk) link(l *node.Leaf) error {
	defer func() { w.last = l }()
	if !w.links {
		return nil
	}

	var prev PageID
	if w.last != nil {
		prev = w.last.ID()
		if w.last.Next() != l.ID() {
			return fmt.Errorf("%w: leaf %d links to next %d, want %d", ErrCorruption, prev, w.last.Next(), l.ID())
		}
	}
	if l.Prev() != prev {
		return fmt.Errorf("%w: leaf %d links to prev %d, want %d", ErrCorruption, l.ID(), l.Prev(), prev)
	}
	return nil
}

// check verifies the subtree at id, whose keys must satisfy lo <= key < hi
// for each non-nil bound. It returns the subtree's leaf depth and its
// lowest key.
func (t *BPlusTree) check(id PageID, lo, hi []byte, root bool, depth int, w *walk) (int, []byte, error) {
	if depth > maxDepth {
		return 0, nil, fmt.Errorf("%w: tree deeper than %d", ErrCorruption, maxDepth)
	}
	n, err := t.load(id)
	if err != nil {
		return 0, nil, err
	}
	if !root && n.Underflow() {
		return 0, nil, fmt.Errorf("%w: page %d underflows with %d keys", ErrCorruption, id, n.Count())
	}

	if leaf, ok := n.(*node.Leaf); ok {
		w.shape.Leaves++
		w.shape.Entries += leaf.Count()
		var prev []byte
		for k := range leaf.All() {
			if prev != nil && bytes.Compare(prev, k) >= 0 {
				return 0, nil, fmt.Errorf("%w: leaf %d keys out of order", ErrCorruption, id)
			}
			if err := inBounds(k, lo, hi); err != nil {
				return 0, nil, fmt.Errorf("leaf %d: %w", id, err)
			}
			prev = k
		}
		if err := w.link(leaf); err != nil {
			return 0, nil, err
		}
		return depth, leaf.First(), nil
	}

	b := n.(*node.Branch)
	w.shape.Branches++
	if root && b.Count() == 0 {
		return 0, nil, fmt.Errorf("%w: root branch %d has no keys", ErrCorruption, id)
	}
	for i := 1; i < b.Count(); i++ {
		if bytes.Compare(b.Key(i-1), b.Key(i)) >= 0 {
			return 0, nil, fmt.Errorf("%w: branch %d keys out of order", ErrCorruption, id)
		}
	}

	leafDepth := 0
	var low []byte
	for i := 0; i <= b.Count(); i++ {
		childLo, childHi := lo, hi
		if i > 0 {
			childLo = b.Key(i - 1)
		}
		if i < b.Count() {
			childHi = b.Key(i)
		}
		d, childLow, err := t.check(b.Child(i), childLo, childHi, false, depth+1, w)
		if err != nil {
			return 0, nil, err
		}
		if leafDepth == 0 {
			leafDepth = d
		} else if d != leafDepth {
			return 0, nil, fmt.Errorf("%w: branch %d has leaves at depths %d and %d", ErrCorruption, id, leafDepth, d)
		}
		if i == 0 {
			low = childLow
		} else if !bytes.Equal(childLow, b.Key(i-1)) {
			return 0, nil, fmt.Errorf("%w: branch %d separator %d is not the lowest key of its right subtree", ErrCorruption, id, i-1)
		}
	}
	return leafDepth, low, nil
}

func inBounds(key, lo, hi []byte) error {
	if lo != nil && bytes.Compare(key, lo) < 0 {
		return fmt.Errorf("%w: key %x below bound %x", ErrCorruption, key, lo)
	}
	if hi != nil && bytes.Compare(key, hi) >= 0 {
		return fmt.Errorf("%w: key %x not below bound %x", ErrCorruption, key, hi)
	}
	return nil
}
