package node

import (
	"encoding/binary"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/storage"
)

var _ = flag.Bool("slow", false, "run slow tests")

func k(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func v(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i)*10)
	return b
}

// leafLayout holds 8 entries per leaf, split index 4.
func leafLayout() *base.Layout {
	l := base.NewLayout(base.LeafHeaderSize+8*17, 8, 8)
	return &l
}

func newLeaf(t *testing.T, store storage.PageStore, layout *base.Layout, keys ...int) *Leaf {
	t.Helper()
	l, err := CreateLeaf(store, layout, 1)
	require.NoError(t, err)
	for _, i := range keys {
		require.NoError(t, l.Insert(k(i), v(i), false))
	}
	return l
}

func leafKeys(l *Leaf) []int {
	var out []int
	for key := range l.All() {
		out = append(out, int(binary.BigEndian.Uint64(key)))
	}
	return out
}

func TestLeafInsertSearch(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	require.Equal(t, 8, layout.LeafLoadFactor)
	store := storage.NewMemoryStore(layout.PageSize)

	l := newLeaf(t, store, layout, 50, 10, 30, 20, 40)
	assert.Equal(t, []int{10, 20, 30, 40, 50}, leafKeys(l))
	assert.Equal(t, 5, l.Count())
	assert.False(t, l.Underflow())

	assert.Equal(t, 2, l.Search(k(30)))
	assert.Equal(t, ^0, l.Search(k(5)), "below every key")
	assert.Equal(t, ^3, l.Search(k(35)))
	assert.Equal(t, ^5, l.Search(k(60)), "above every key")

	got, ok := l.Get(k(40))
	require.True(t, ok)
	assert.Equal(t, v(40), got)
	_, ok = l.Get(k(41))
	assert.False(t, ok)

	assert.ErrorIs(t, l.Insert(k(30), v(0), false), base.ErrDuplicateKey)
	require.NoError(t, l.Insert(k(30), v(99), true))
	got, _ = l.Get(k(30))
	assert.Equal(t, v(99), got)
}

func TestLeafFull(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	l := newLeaf(t, store, layout, 1, 2, 3, 4, 5, 6, 7, 8)
	require.True(t, l.Full())

	assert.ErrorIs(t, l.Insert(k(9), v(9), false), base.ErrNodeFull)
	assert.ErrorIs(t, l.Insert(k(3), v(3), false), base.ErrDuplicateKey, "duplicate is reported before full")
	assert.NoError(t, l.Insert(k(3), v(33), true), "overwrite succeeds on a full leaf")
}

func TestLeafPersistsToPage(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	l := newLeaf(t, store, layout, 3, 1, 2)
	l.SetNext(77)

	n, err := Load(store, layout, l.ID())
	require.NoError(t, err)
	reread, ok := n.(*Leaf)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, leafKeys(reread))
	assert.Equal(t, base.PageID(77), reread.Next())
}

func TestLeafSplit(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	left := newLeaf(t, store, layout, 1, 2, 3, 4, 5, 6, 7, 8)
	left.SetNext(99)
	right := newLeaf(t, store, layout)

	sep := left.Split(right)
	assert.Equal(t, k(5), sep)
	assert.Equal(t, []int{1, 2, 3, 4}, leafKeys(left))
	assert.Equal(t, []int{5, 6, 7, 8}, leafKeys(right))

	assert.Equal(t, right.ID(), left.Next())
	assert.Equal(t, left.ID(), right.Prev())
	assert.Equal(t, base.PageID(99), right.Next())
}

func TestLeafDelete(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	l := newLeaf(t, store, layout, 1, 2, 3, 4, 5)

	assert.True(t, l.Delete(k(1)))
	assert.False(t, l.Delete(k(1)), "second delete finds nothing")
	assert.Equal(t, []int{2, 3, 4, 5}, leafKeys(l))
	assert.Equal(t, k(2), l.First())

	assert.True(t, l.Delete(k(5)))
	assert.True(t, l.Underflow(), "three keys is below the split index")
}

func TestLeafRedistribute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		donor     []int
		target    []int
		fromLeft  bool
		ok        bool
		wantDonor []int
		wantTgt   []int
	}{
		{
			name:      "borrow from left",
			donor:     []int{1, 2, 3, 4, 5, 6, 7},
			target:    []int{10, 11},
			fromLeft:  true,
			ok:        true,
			wantDonor: []int{1, 2, 3, 4, 5},
			wantTgt:   []int{6, 7, 10, 11},
		},
		{
			name:      "borrow from right",
			donor:     []int{20, 21, 22, 23, 24, 25},
			target:    []int{10, 11, 12},
			ok:        true,
			wantDonor: []int{21, 22, 23, 24, 25},
			wantTgt:   []int{10, 11, 12, 20},
		},
		{
			name:      "left donor would underflow",
			donor:     []int{1, 2, 3, 4, 5},
			target:    []int{10, 11},
			fromLeft:  true,
			wantDonor: []int{1, 2, 3, 4, 5},
			wantTgt:   []int{10, 11},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			layout := leafLayout()
			store := storage.NewMemoryStore(layout.PageSize)
			donor := newLeaf(t, store, layout, tt.donor...)
			target := newLeaf(t, store, layout, tt.target...)

			var ok bool
			if tt.fromLeft {
				ok = target.RedistributeFromLeft(donor)
			} else {
				ok = target.RedistributeFromRight(donor)
			}
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.wantDonor, leafKeys(donor))
			assert.Equal(t, tt.wantTgt, leafKeys(target))
		})
	}
}

func TestLeafMerge(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	left := newLeaf(t, store, layout, 1, 2, 3)
	right := newLeaf(t, store, layout, 4, 5, 6)
	right.SetNext(42)

	require.True(t, left.CanMerge(right))
	require.True(t, left.Merge(right))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, leafKeys(left))
	assert.Equal(t, base.PageID(42), left.Next())

	big := newLeaf(t, store, layout, 10, 11, 12)
	assert.False(t, left.Merge(big), "nine entries do not fit")
	assert.Equal(t, 6, left.Count())
}

func TestLeafRange(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	l := newLeaf(t, store, layout, 10, 20, 30, 40, 50)

	var got []int
	for key, value := range l.Range(k(15), k(40)) {
		got = append(got, int(binary.BigEndian.Uint64(key)))
		assert.Equal(t, v(int(binary.BigEndian.Uint64(key))), value)
	}
	assert.Equal(t, []int{20, 30, 40}, got)

	got = got[:0]
	for key := range l.Range(k(30), nil) {
		got = append(got, int(binary.BigEndian.Uint64(key)))
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []int{30, 40}, got)
}

func TestLeafWritable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mode   storage.Mode
		sameID bool
	}{
		{"append-only", storage.AppendOnly, false},
		{"rewrite", storage.Rewrite, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			layout := leafLayout()
			store := storage.NewMemoryStore(layout.PageSize, storage.WithMode(tt.mode))
			l := newLeaf(t, store, layout, 1, 2)

			// Pages created in the transaction are mutated in place.
			same, err := l.Writable(store, 1)
			require.NoError(t, err)
			assert.Same(t, l, same)
			require.NoError(t, store.Commit(1))

			w, err := l.Writable(store, 2)
			require.NoError(t, err)
			assert.NotSame(t, l, w)
			assert.Equal(t, tt.sameID, w.ID() == l.ID())

			require.NoError(t, w.Insert(k(3), v(3), false))
			assert.Equal(t, []int{1, 2, 3}, leafKeys(w))
			assert.Equal(t, []int{1, 2}, leafKeys(l), "committed page is untouched")
		})
	}
}

func TestLoadRejectsOversizedCount(t *testing.T) {
	t.Parallel()

	layout := leafLayout()
	store := storage.NewMemoryStore(layout.PageSize)
	id, buf, err := store.Create(1)
	require.NoError(t, err)

	base.WriteLeafHeader(buf, layout.LeafLoadFactor+1, 0, 0)
	_, err = Load(store, layout, id)
	assert.ErrorIs(t, err, base.ErrCorruption)

	base.WriteBranchCount(buf, layout.BranchFactor+1)
	_, err = Load(store, layout, id)
	assert.ErrorIs(t, err, base.ErrCorruption)
}
