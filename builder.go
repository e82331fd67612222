package bptree

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/node"
)

// Builder bulk loads a tree from entries already in ascending key order.
//
// Leaves are packed full; the last leaf borrows from its predecessor when
// it would otherwise underflow. Each internal level is grouped the same
// way until a single root remains. The result holds no slack, so a
// subsequent random insert into a full leaf splits it.
type Builder struct {
	store     PageStore
	keySize   int
	valueSize int
	opts      []Option
	layout    base.Layout
}

// NewBuilder returns a builder for trees over store.
func NewBuilder(store PageStore, keySize, valueSize int, opts ...Option) (*Builder, error) {
	layout := base.NewLayout(store.PageSize(), keySize, valueSize)
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		store:     store,
		keySize:   keySize,
		valueSize: valueSize,
		opts:      opts,
		layout:    layout,
	}, nil
}

// child is a built subtree: its page and lowest key.
type child struct {
	id  PageID
	low []byte
}

// Build writes every entry of seq into fresh pages in txn and returns the
// tree over them. Keys must be strictly ascending; otherwise
// ErrKeysUnsorted is returned and txn should be aborted. Nothing of the
// tree is committed until txn is, so aborting txn through the tree leaves
// it empty.
func (b *Builder) Build(txn TxnID, seq iter.Seq2[[]byte, []byte]) (*BPlusTree, error) {
	t, err := newTree(b.store, b.keySize, b.valueSize, b.opts...)
	if err != nil {
		return nil, err
	}

	leaves, entries, err := b.buildLeaves(txn, seq)
	if err != nil {
		t.Close()
		return nil, err
	}

	level := leaves
	depth := 1
	for len(level) > 1 {
		if level, err = b.buildLevel(txn, level); err != nil {
			t.Close()
			return nil, err
		}
		depth++
	}

	t.root = level[0].id
	t.logger.Info("bulk load complete", "entries", entries, "leaves", len(leaves), "depth", depth, "root", t.root)
	return t, nil
}

// BuildFromSlice builds from parallel key and value slices.
func (b *Builder) BuildFromSlice(txn TxnID, keys, values [][]byte) (*BPlusTree, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("bulk load: %d keys but %d values", len(keys), len(values))
	}
	return b.Build(txn, func(yield func([]byte, []byte) bool) {
		for i := range keys {
			if !yield(keys[i], values[i]) {
				return
			}
		}
	})
}

func (b *Builder) buildLeaves(txn TxnID, seq iter.Seq2[[]byte, []byte]) ([]child, int, error) {
	var (
		leaves  []*node.Leaf
		cur     *node.Leaf
		last    []byte
		entries int
		err     error
	)

	for key, value := range seq {
		if len(key) != b.keySize {
			return nil, 0, fmt.Errorf("%w: entry %d has %d bytes, want %d", ErrKeySize, entries, len(key), b.keySize)
		}
		if len(value) != b.valueSize {
			return nil, 0, fmt.Errorf("%w: entry %d has %d bytes, want %d", ErrValueSize, entries, len(value), b.valueSize)
		}
		if last != nil && bytes.Compare(last, key) >= 0 {
			return nil, 0, fmt.Errorf("%w: entry %d (%x) follows %x", ErrKeysUnsorted, entries, key, last)
		}
		last = append(last[:0], key...)

		if cur == nil || cur.Full() {
			next, err := node.CreateLeaf(b.store, &b.layout, txn)
			if err != nil {
				return nil, 0, err
			}
			if cur != nil {
				cur.SetNext(next.ID())
				next.SetPrev(cur.ID())
			}
			cur = next
			leaves = append(leaves, cur)
		}
		if err = cur.Insert(key, value, false); err != nil {
			return nil, 0, err
		}
		entries++
	}

	if len(leaves) == 0 {
		leaf, err := node.CreateLeaf(b.store, &b.layout, txn)
		if err != nil {
			return nil, 0, err
		}
		return []child{{id: leaf.ID()}}, 0, nil
	}

	if n := len(leaves); n > 1 && leaves[n-1].Underflow() {
		if !leaves[n-1].RedistributeFromLeft(leaves[n-2]) {
			return nil, 0, fmt.Errorf("%w: cannot balance final leaf", ErrCorruption)
		}
	}

	out := make([]child, len(leaves))
	for i, l := range leaves {
		out[i] = child{id: l.ID(), low: l.First()}
	}
	return out, entries, nil
}

// buildLevel groups children under new branches and returns the branches.
func (b *Builder) buildLevel(txn TxnID, children []child) ([]child, error) {
	sizes := groupSizes(len(children), b.layout.BranchFactor+1, b.layout.SplitIndex+1)
	parents := make([]child, 0, len(sizes))

	for _, n := range sizes {
		group := children[:n]
		children = children[n:]

		keys := make([][]byte, 0, n-1)
		ids := make([]PageID, 0, n)
		for i, c := range group {
			if i > 0 {
				keys = append(keys, c.low)
			}
			ids = append(ids, c.id)
		}

		br, err := node.CreateBranch(b.store, &b.layout, txn, keys, ids)
		if err != nil {
			return nil, err
		}
		parents = append(parents, child{id: br.ID(), low: group[0].low})
	}
	return parents, nil
}

// groupSizes splits n items into groups of most, except that a short final
// group below least is evened out with the one before it.
func groupSizes(n, most, least int) []int {
	var sizes []int
	for n > most {
		sizes = append(sizes, most)
		n -= most
	}
	if n == 0 {
		return sizes
	}
	if n >= least || len(sizes) == 0 {
		return append(sizes, n)
	}
	total := most + n
	sizes[len(sizes)-1] = total - total/2
	return append(sizes, total/2)
}

// Compact bulk loads a packed copy of src into dst in txn. Pages src has
// orphaned through copy-on-write or merges are left behind.
func Compact(txn TxnID, src *BPlusTree, dst PageStore, opts ...Option) (*BPlusTree, error) {
	b, err := NewBuilder(dst, src.layout.KeySize, src.layout.ValueSize, opts...)
	if err != nil {
		return nil, err
	}

	var scanErr error
	t, err := b.Build(txn, func(yield func([]byte, []byte) bool) {
		for e, err := range src.Scan() {
			if err != nil {
				scanErr = err
				return
			}
			if !yield(e.Key, e.Value) {
				return
			}
		}
	})
	if scanErr != nil {
		if t != nil {
			t.Close()
		}
		return nil, fmt.Errorf("compact: %w", scanErr)
	}
	return t, err
}
