package bptree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/cache"
	"github.com/alexhholmes/bptree/internal/node"
)

// maxDepth bounds descents so that a corrupted page cycle fails instead of
// looping forever.
const maxDepth = 64

type (
	PageID = base.PageID
	TxnID  = base.TxnID
	Layout = base.Layout
)

// CalculateLayout derives node capacities and offsets for a page size, key
// size and value size.
func CalculateLayout(pageSize, keySize, valueSize int) Layout {
	return base.NewLayout(pageSize, keySize, valueSize)
}

// BPlusTree maps fixed-size keys to fixed-size values over a PageStore.
//
// The tree is not safe for concurrent mutation: one logical writer issues
// Insert and Delete for a transaction. Every mutation may move the root to
// a new page id; Root returns the current one for the caller to persist.
// A root of zero is an empty tree whose root leaf has not been allocated
// yet, which is what aborting the transaction that created a tree leaves.
type BPlusTree struct {
	store  PageStore
	layout base.Layout
	logger Logger
	cache  *cache.NodeCache

	root      PageID
	committed PageID
}

// New creates an empty tree, a single empty leaf allocated in txn.
func New(store PageStore, txn TxnID, keySize, valueSize int, opts ...Option) (*BPlusTree, error) {
	t, err := newTree(store, keySize, valueSize, opts...)
	if err != nil {
		return nil, err
	}
	leaf, err := node.CreateLeaf(t.store, &t.layout, txn)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.remember(leaf)
	t.root = leaf.ID()
	return t, nil
}

// Open attaches to an existing tree rooted at root. A zero root opens an
// empty tree.
func Open(store PageStore, root PageID, keySize, valueSize int, opts ...Option) (*BPlusTree, error) {
	t, err := newTree(store, keySize, valueSize, opts...)
	if err != nil {
		return nil, err
	}
	if root == 0 {
		return t, nil
	}
	if _, err := t.load(root); err != nil {
		t.Close()
		return nil, fmt.Errorf("open root %d: %w", root, err)
	}
	t.root = root
	t.committed = root
	return t, nil
}

func newTree(store PageStore, keySize, valueSize int, opts ...Option) (*BPlusTree, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	layout := base.NewLayout(store.PageSize(), keySize, valueSize)
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	t := &BPlusTree{
		store:  store,
		layout: layout,
		logger: options.logger,
	}
	if options.cache {
		c, err := cache.New(options.branchCapacity, options.leafCapacity)
		if err != nil {
			return nil, err
		}
		t.cache = c
	}
	return t, nil
}

// Root returns the current root page id.
func (t *BPlusTree) Root() PageID {
	return t.root
}

// Layout returns the capacities the tree was built with.
func (t *BPlusTree) Layout() Layout {
	return t.layout
}

// Close releases the node cache. The store is owned by the caller.
func (t *BPlusTree) Close() {
	if t.cache != nil {
		t.cache.Close()
		t.cache = nil
	}
}

// load returns the node for id from the cache or the store.
func (t *BPlusTree) load(id PageID) (node.Node, error) {
	if t.cache != nil {
		if n, ok := t.cache.Get(id); ok {
			return n, nil
		}
	}
	n, err := node.Load(t.store, &t.layout, id)
	if err != nil {
		return nil, err
	}
	t.remember(n)
	return n, nil
}

func (t *BPlusTree) loadLeaf(id PageID) (*node.Leaf, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, err
	}
	leaf, ok := n.(*node.Leaf)
	if !ok {
		return nil, fmt.Errorf("%w: page %d is not a leaf", ErrCorruption, id)
	}
	return leaf, nil
}

func (t *BPlusTree) loadBranch(id PageID) (*node.Branch, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, err
	}
	branch, ok := n.(*node.Branch)
	if !ok {
		return nil, fmt.Errorf("%w: page %d is not a branch", ErrCorruption, id)
	}
	return branch, nil
}

func (t *BPlusTree) remember(n node.Node) {
	if t.cache != nil {
		t.cache.Put(n)
	}
}

func (t *BPlusTree) forget(id PageID) {
	if t.cache != nil {
		t.cache.Remove(id)
	}
}

func (t *BPlusTree) writableLeaf(txn TxnID, l *node.Leaf) (*node.Leaf, error) {
	w, err := l.Writable(t.store, txn)
	if err != nil {
		return nil, err
	}
	t.remember(w)
	return w, nil
}

func (t *BPlusTree) writableBranch(txn TxnID, b *node.Branch) (*node.Branch, error) {
	w, err := b.Writable(t.store, txn)
	if err != nil {
		return nil, err
	}
	t.remember(w)
	return w, nil
}

// modeReporter is implemented by stores that expose their persistence
// mode.
type modeReporter interface {
	Mode() Mode
}

// stableIDs reports whether writing a committed page keeps its id.
func (t *BPlusTree) stableIDs() bool {
	m, ok := t.store.(modeReporter)
	return ok && m.Mode() == Rewrite
}

// relink points the prev link of l's right neighbour back at l after a
// split or merge changed who precedes it. A neighbour that could only be
// written as a copy under a new id keeps its stale link, since its parent
// is not on the current path.
func (t *BPlusTree) relink(txn TxnID, l *node.Leaf) error {
	next := l.Next()
	if next == 0 || (!t.store.IsWriteable(next) && !t.stableIDs()) {
		return nil
	}
	n, err := t.loadLeaf(next)
	if err != nil {
		return err
	}
	if n.Prev() == l.ID() {
		return nil
	}
	w, err := t.writableLeaf(txn, n)
	if err != nil {
		return err
	}
	w.SetPrev(l.ID())
	return nil
}

func (t *BPlusTree) checkKey(key []byte) error {
	if len(key) != t.layout.KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeySize, len(key), t.layout.KeySize)
	}
	return nil
}

// fail logs structural errors; they mean the enclosing transaction must be
// aborted.
func (t *BPlusTree) fail(op string, err error) error {
	if errors.Is(err, ErrCorruption) || errors.Is(err, ErrNodeFull) {
		t.logger.Error("tree structure violated", "op", op, "root", t.root, "error", err)
	}
	return err
}

// Search returns a copy of the value stored under key.
func (t *BPlusTree) Search(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}

	id := t.root
	if id == 0 {
		return nil, ErrKeyNotFound
	}
	for range maxDepth {
		n, err := t.load(id)
		if err != nil {
			return nil, err
		}
		if leaf, ok := n.(*node.Leaf); ok {
			v, ok := leaf.Get(key)
			if !ok {
				return nil, ErrKeyNotFound
			}
			return bytes.Clone(v), nil
		}
		id = n.(*node.Branch).ChildID(key)
	}
	return nil, t.fail("search", fmt.Errorf("%w: tree deeper than %d", ErrCorruption, maxDepth))
}

// Contains reports whether key is present.
func (t *BPlusTree) Contains(key []byte) (bool, error) {
	_, err := t.Search(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// split describes a node that divided: the separator to insert in the
// parent and the id of the new right sibling.
type split struct {
	key   []byte
	right PageID
}

// insertResult is the outcome of inserting into a subtree: the subtree's
// root id, which copy-on-write may have changed, and a split to absorb.
type insertResult struct {
	id    PageID
	split *split
}

// Insert stores value under key in txn. An existing key is replaced only
// when overwrite is set; otherwise ErrDuplicateKey is returned and the tree
// is unchanged.
func (t *BPlusTree) Insert(txn TxnID, key, value []byte, overwrite bool) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if len(value) != t.layout.ValueSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrValueSize, len(value), t.layout.ValueSize)
	}

	start := t.root
	if start == 0 {
		leaf, err := node.CreateLeaf(t.store, &t.layout, txn)
		if err != nil {
			return err
		}
		t.remember(leaf)
		start = leaf.ID()
	}

	res, err := t.insert(txn, start, key, value, overwrite, 0)
	if err != nil {
		return t.fail("insert", err)
	}

	root := res.id
	if res.split != nil {
		id, buf, err := t.store.Create(txn)
		if err != nil {
			return err
		}
		r := node.NewRoot(&t.layout, id, buf, res.id, res.split.key, res.split.right)
		t.remember(r)
		root = r.ID()
		t.logger.Info("root split", "old", res.id, "new", root)
	}
	t.root = root
	return nil
}

func (t *BPlusTree) insert(txn TxnID, id PageID, key, value []byte, overwrite bool, depth int) (insertResult, error) {
	if depth >= maxDepth {
		return insertResult{}, fmt.Errorf("%w: tree deeper than %d", ErrCorruption, maxDepth)
	}
	n, err := t.load(id)
	if err != nil {
		return insertResult{}, err
	}
	if leaf, ok := n.(*node.Leaf); ok {
		return t.insertLeaf(txn, leaf, key, value, overwrite)
	}
	return t.insertBranch(txn, n.(*node.Branch), key, value, overwrite, depth)
}

func (t *BPlusTree) insertLeaf(txn TxnID, leaf *node.Leaf, key, value []byte, overwrite bool) (insertResult, error) {
	i := leaf.Search(key)
	if i >= 0 && !overwrite {
		return insertResult{}, ErrDuplicateKey
	}

	w, err := t.writableLeaf(txn, leaf)
	if err != nil {
		return insertResult{}, err
	}
	if i >= 0 || !w.Full() {
		if err := w.Insert(key, value, overwrite); err != nil {
			return insertResult{}, err
		}
		return insertResult{id: w.ID()}, nil
	}

	right, err := node.CreateLeaf(t.store, &t.layout, txn)
	if err != nil {
		return insertResult{}, err
	}
	sep := w.Split(right)

	target := w
	if bytes.Compare(key, sep) >= 0 {
		target = right
	}
	if err := target.Insert(key, value, false); err != nil {
		return insertResult{}, err
	}
	t.remember(right)
	if err := t.relink(txn, right); err != nil {
		return insertResult{}, err
	}
	return insertResult{id: w.ID(), split: &split{key: sep, right: right.ID()}}, nil
}

func (t *BPlusTree) insertBranch(txn TxnID, branch *node.Branch, key, value []byte, overwrite bool, depth int) (insertResult, error) {
	childID := branch.ChildID(key)
	res, err := t.insert(txn, childID, key, value, overwrite, depth+1)
	if err != nil {
		return insertResult{}, err
	}
	if res.id == childID && res.split == nil {
		return insertResult{id: branch.ID()}, nil
	}

	w, err := t.writableBranch(txn, branch)
	if err != nil {
		return insertResult{}, err
	}
	if err := w.UpdateChildPointer(childID, res.id); err != nil {
		return insertResult{}, err
	}
	if res.split == nil {
		return insertResult{id: w.ID()}, nil
	}

	if !w.Full() {
		if err := w.Insert(res.split.key, res.split.right); err != nil {
			return insertResult{}, err
		}
		return insertResult{id: w.ID()}, nil
	}

	id, buf, err := t.store.Create(txn)
	if err != nil {
		return insertResult{}, err
	}
	right := node.NewBranch(&t.layout, id, buf, nil, nil)
	promoted := w.Split(right, res.split.key, res.split.right)
	t.remember(right)
	return insertResult{id: w.ID(), split: &split{key: promoted, right: right.ID()}}, nil
}

// deleteResult is the outcome of deleting from a subtree. low is the new
// lowest key of the subtree when the deletion changed it, so that the
// separator naming it can be rewritten.
type deleteResult struct {
	id        PageID
	found     bool
	underflow bool
	low       []byte
}

// Delete removes key in txn. Deleting an absent key is a no-op.
func (t *BPlusTree) Delete(txn TxnID, key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if t.root == 0 {
		return nil
	}

	res, err := t.delete(txn, t.root, key, 0)
	if err != nil {
		return t.fail("delete", err)
	}
	if !res.found {
		return nil
	}

	root := res.id
	for {
		b, ok, err := t.emptyBranch(root)
		if err != nil {
			return t.fail("delete", err)
		}
		if !ok {
			break
		}
		root = b.Child(0)
		t.forget(b.ID())
		t.logger.Info("root demoted", "old", b.ID(), "new", root)
	}
	t.root = root
	return nil
}

// emptyBranch returns id as a branch if it has no keys left.
func (t *BPlusTree) emptyBranch(id PageID) (*node.Branch, bool, error) {
	n, err := t.load(id)
	if err != nil {
		return nil, false, err
	}
	b, ok := n.(*node.Branch)
	if !ok || b.Count() > 0 {
		return nil, false, nil
	}
	return b, true, nil
}

func (t *BPlusTree) delete(txn TxnID, id PageID, key []byte, depth int) (deleteResult, error) {
	if depth >= maxDepth {
		return deleteResult{}, fmt.Errorf("%w: tree deeper than %d", ErrCorruption, maxDepth)
	}
	n, err := t.load(id)
	if err != nil {
		return deleteResult{}, err
	}
	if leaf, ok := n.(*node.Leaf); ok {
		return t.deleteLeaf(txn, leaf, key)
	}
	return t.deleteBranch(txn, n.(*node.Branch), key, depth)
}

func (t *BPlusTree) deleteLeaf(txn TxnID, leaf *node.Leaf, key []byte) (deleteResult, error) {
	i := leaf.Search(key)
	if i < 0 {
		return deleteResult{id: leaf.ID()}, nil
	}

	w, err := t.writableLeaf(txn, leaf)
	if err != nil {
		return deleteResult{}, err
	}
	w.DeleteAt(i)

	res := deleteResult{id: w.ID(), found: true, underflow: w.Underflow()}
	if i == 0 {
		res.low = w.First()
	}
	return res, nil
}

func (t *BPlusTree) deleteBranch(txn TxnID, branch *node.Branch, key []byte, depth int) (deleteResult, error) {
	idx := branch.ChildIndex(key)
	childID := branch.Child(idx)

	res, err := t.delete(txn, childID, key, depth+1)
	if err != nil {
		return deleteResult{}, err
	}
	if !res.found {
		return deleteResult{id: branch.ID()}, nil
	}
	if res.id == childID && !res.underflow && res.low == nil {
		return deleteResult{id: branch.ID(), found: true}, nil
	}

	w, err := t.writableBranch(txn, branch)
	if err != nil {
		return deleteResult{}, err
	}
	if err := w.UpdateChildPointer(childID, res.id); err != nil {
		return deleteResult{}, err
	}

	var low []byte
	if res.low != nil {
		if idx > 0 {
			w.SetKey(idx-1, res.low)
		} else {
			low = res.low
		}
	}

	if res.underflow {
		first, err := t.rebalance(txn, w, idx)
		if err != nil {
			return deleteResult{}, err
		}
		if idx == 0 && first != nil {
			low = first
		}
	}

	return deleteResult{id: w.ID(), found: true, underflow: w.Underflow(), low: low}, nil
}

// rebalance restores the occupancy of child idx of parent, trying in order:
// borrow from the left sibling, borrow from the right sibling, merge into
// the left sibling, absorb the right sibling. Parent must be writable. For
// a leaf child it returns the child's lowest key afterwards.
func (t *BPlusTree) rebalance(txn TxnID, parent *node.Branch, idx int) ([]byte, error) {
	if parent.Count() == 0 {
		// A lone child has no sibling; the root demotion takes care of it.
		return nil, nil
	}

	n, err := t.load(parent.Child(idx))
	if err != nil {
		return nil, err
	}
	if leaf, ok := n.(*node.Leaf); ok {
		return t.rebalanceLeaf(txn, parent, idx, leaf)
	}
	return nil, t.rebalanceBranch(txn, parent, idx, n.(*node.Branch))
}

func (t *BPlusTree) rebalanceLeaf(txn TxnID, parent *node.Branch, idx int, child *node.Leaf) ([]byte, error) {
	c, err := t.writableLeaf(txn, child)
	if err != nil {
		return nil, err
	}
	parent.SetChild(idx, c.ID())

	var left, right *node.Leaf
	if idx > 0 {
		if left, err = t.loadLeaf(parent.Child(idx - 1)); err != nil {
			return nil, err
		}
	}
	if idx < parent.Count() {
		if right, err = t.loadLeaf(parent.Child(idx + 1)); err != nil {
			return nil, err
		}
	}

	switch {
	case left != nil && c.CanRedistribute(left):
		if left, err = t.writableLeaf(txn, left); err != nil {
			return nil, err
		}
		parent.SetChild(idx-1, left.ID())
		c.RedistributeFromLeft(left)
		left.SetNext(c.ID())
		c.SetPrev(left.ID())
		parent.SetKey(idx-1, c.Key(0))
		return nil, nil

	case right != nil && c.CanRedistribute(right):
		if right, err = t.writableLeaf(txn, right); err != nil {
			return nil, err
		}
		parent.SetChild(idx+1, right.ID())
		c.RedistributeFromRight(right)
		c.SetNext(right.ID())
		right.SetPrev(c.ID())
		parent.SetKey(idx, right.Key(0))

	case left != nil && left.CanMerge(c):
		if left, err = t.writableLeaf(txn, left); err != nil {
			return nil, err
		}
		parent.SetChild(idx-1, left.ID())
		left.Merge(c)
		parent.RemoveChild(idx)
		t.forget(c.ID())
		return nil, t.relink(txn, left)

	case right != nil && c.CanMerge(right):
		c.Merge(right)
		parent.RemoveChild(idx + 1)
		t.forget(right.ID())
		if err := t.relink(txn, c); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: leaf %d cannot be rebalanced", ErrCorruption, c.ID())
	}

	// c kept its slot and may have gained a new lowest key.
	if idx > 0 {
		parent.SetKey(idx-1, c.Key(0))
		return nil, nil
	}
	return c.First(), nil
}

func (t *BPlusTree) rebalanceBranch(txn TxnID, parent *node.Branch, idx int, child *node.Branch) error {
	c, err := t.writableBranch(txn, child)
	if err != nil {
		return err
	}
	parent.SetChild(idx, c.ID())

	var left, right *node.Branch
	if idx > 0 {
		if left, err = t.loadBranch(parent.Child(idx - 1)); err != nil {
			return err
		}
	}
	if idx < parent.Count() {
		if right, err = t.loadBranch(parent.Child(idx + 1)); err != nil {
			return err
		}
	}

	switch {
	case left != nil && c.CanRedistribute(left):
		if left, err = t.writableBranch(txn, left); err != nil {
			return err
		}
		parent.SetChild(idx-1, left.ID())
		join, _ := c.RedistributeFromLeft(left, bytes.Clone(parent.Key(idx-1)))
		parent.SetKey(idx-1, join)

	case right != nil && c.CanRedistribute(right):
		if right, err = t.writableBranch(txn, right); err != nil {
			return err
		}
		parent.SetChild(idx+1, right.ID())
		join, _ := c.RedistributeFromRight(right, bytes.Clone(parent.Key(idx)))
		parent.SetKey(idx, join)

	case left != nil && left.CanMerge(c):
		if left, err = t.writableBranch(txn, left); err != nil {
			return err
		}
		parent.SetChild(idx-1, left.ID())
		left.Merge(c, bytes.Clone(parent.Key(idx-1)))
		parent.RemoveChild(idx)
		t.forget(c.ID())

	case right != nil && c.CanMerge(right):
		c.Merge(right, bytes.Clone(parent.Key(idx)))
		parent.RemoveChild(idx + 1)
		t.forget(right.ID())

	default:
		return fmt.Errorf("%w: branch %d cannot be rebalanced", ErrCorruption, c.ID())
	}
	return nil
}

// Depth returns the number of levels, 1 for a tree that is a single leaf.
func (t *BPlusTree) Depth() (int, error) {
	id := t.root
	if id == 0 {
		return 1, nil
	}
	for depth := 1; depth <= maxDepth; depth++ {
		n, err := t.load(id)
		if err != nil {
			return 0, err
		}
		b, ok := n.(*node.Branch)
		if !ok {
			return depth, nil
		}
		id = b.Child(0)
	}
	return 0, fmt.Errorf("%w: tree deeper than %d", ErrCorruption, maxDepth)
}

// rootRecorder is implemented by stores that keep the tree root in their
// commit point.
type rootRecorder interface {
	SetRoot(root PageID)
}

// Commit commits txn in the store and returns the root it made durable.
func (t *BPlusTree) Commit(txn TxnID) (PageID, error) {
	if r, ok := t.store.(rootRecorder); ok {
		r.SetRoot(t.root)
	}
	if err := t.store.Commit(txn); err != nil {
		return 0, err
	}
	t.committed = t.root
	return t.root, nil
}

// Abort discards txn in the store and returns the tree to its last
// committed root. A tree that was never committed becomes empty. Cached
// nodes may reference discarded pages, so the cache is cleared.
func (t *BPlusTree) Abort(txn TxnID) error {
	if err := t.store.Abort(txn); err != nil {
		return err
	}
	if t.cache != nil {
		t.cache.Clear()
	}
	t.root = t.committed
	return nil
}

// CacheStats returns node cache statistics, zero when the cache is off.
func (t *BPlusTree) CacheStats() cache.Stats {
	if t.cache == nil {
		return cache.Stats{}
	}
	return t.cache.Stats()
}
