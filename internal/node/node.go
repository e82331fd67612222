// Package node implements the two B+Tree node kinds as typed views over a
// single page buffer. Every mutating method assumes the node was obtained
// through Writable (or freshly created) in the current transaction.
package node

import (
	"bytes"
	"fmt"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/storage"
)

// Node is either a *Leaf or a *Branch.
type Node interface {
	ID() base.PageID
	Count() int
	IsLeaf() bool
	// Underflow reports whether a non-root node holds fewer keys than its
	// split index.
	Underflow() bool
	sealed()
}

// Load reads page id and returns the node it holds. The node kind is
// taken from the sign of the page header.
func Load(store storage.PageStore, layout *base.Layout, id base.PageID) (Node, error) {
	buf, err := store.Retrieve(id)
	if err != nil {
		return nil, err
	}
	if len(buf) < layout.PageSize {
		return nil, fmt.Errorf("%w: page %d has %d bytes, want %d", base.ErrCorruption, id, len(buf), layout.PageSize)
	}

	if base.IsLeafPage(buf) {
		leaf := openLeaf(layout, id, buf)
		if leaf.count > layout.LeafLoadFactor {
			return nil, fmt.Errorf("%w: leaf %d claims %d keys, capacity %d", base.ErrCorruption, id, leaf.count, layout.LeafLoadFactor)
		}
		return leaf, nil
	}

	branch := openBranch(layout, id, buf)
	if branch.count > layout.BranchFactor {
		return nil, fmt.Errorf("%w: branch %d claims %d keys, capacity %d", base.ErrCorruption, id, branch.count, layout.BranchFactor)
	}
	return branch, nil
}

// compare orders fixed-size keys.
func compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
