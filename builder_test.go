package bptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/bptree/internal/base"
)

func sortedEntries(n int) (keys, values [][]byte) {
	keys = make([][]byte, n)
	values = make([][]byte, n)
	for i := range n {
		keys[i] = key(i)
		values[i] = val(i)
	}
	return keys, values
}

func TestBuilderShapes(t *testing.T) {
	t.Parallel()

	// Narrow pages: three entries per leaf, five children per branch.
	tests := []struct {
		name     string
		n        int
		leaves   int
		branches int
		depth    int
	}{
		{"empty", 0, 1, 0, 1},
		{"single partial leaf", 2, 1, 0, 1},
		{"single full leaf", 3, 1, 0, 1},
		{"two leaves", 4, 2, 1, 2},
		{"full leaves", 15, 5, 1, 2},
		{"two branches", 18, 6, 2 + 1, 3},
		{"deep", 200, 67, 14 + 3 + 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := NewMemoryStore(narrowPageSize)
			builder, err := NewBuilder(store, testKeySize, testValueSize)
			require.NoError(t, err)

			keys, values := sortedEntries(tt.n)
			tree, err := builder.BuildFromSlice(1, keys, values)
			require.NoError(t, err)
			defer tree.Close()

			shape, err := tree.Check()
			require.NoError(t, err)
			assert.Equal(t, Shape{Depth: tt.depth, Branches: tt.branches, Leaves: tt.leaves, Entries: tt.n}, shape)

			for i := range tt.n {
				got, err := tree.Search(key(i))
				require.NoError(t, err)
				assert.Equal(t, val(i), got)
			}
		})
	}
}

func TestBuilderThenMutate(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(narrowPageSize, WithStoreMode(Rewrite))
	builder, err := NewBuilder(store, testKeySize, testValueSize)
	require.NoError(t, err)

	oracle := newOracle()
	keys, values := sortedEntries(100)
	for i := range keys {
		keys[i] = key(i * 2)
		oracle.ReplaceOrInsert(kv{keys[i], values[i]})
	}
	tree, err := builder.BuildFromSlice(1, keys, values)
	require.NoError(t, err)
	defer tree.Close()
	_, err = tree.Commit(1)
	require.NoError(t, err)

	// Packed leaves split on the first insert between their keys.
	for i := 0; i < 200; i += 4 {
		require.NoError(t, tree.Insert(2, key(i+1), val(i+1), false))
		oracle.ReplaceOrInsert(kv{key(i + 1), val(i + 1)})
	}
	for i := 0; i < 200; i += 6 {
		require.NoError(t, tree.Delete(2, key(i)))
		oracle.Delete(kv{key: key(i)})
	}
	_, err = tree.Commit(2)
	require.NoError(t, err)
	requireMatches(t, tree, oracle)
}

func TestBuilderRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		keys   [][]byte
		values [][]byte
		err    error
	}{
		{"descending", [][]byte{key(2), key(1)}, [][]byte{val(2), val(1)}, ErrKeysUnsorted},
		{"duplicate", [][]byte{key(1), key(1)}, [][]byte{val(1), val(1)}, ErrKeysUnsorted},
		{"short key", [][]byte{{1}}, [][]byte{val(1)}, ErrKeySize},
		{"short value", [][]byte{key(1)}, [][]byte{{1}}, ErrValueSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := NewMemoryStore(narrowPageSize)
			builder, err := NewBuilder(store, testKeySize, testValueSize)
			require.NoError(t, err)

			_, err = builder.BuildFromSlice(1, tt.keys, tt.values)
			assert.ErrorIs(t, err, tt.err)
			require.NoError(t, store.Abort(1))
		})
	}

	store := NewMemoryStore(narrowPageSize)
	builder, err := NewBuilder(store, testKeySize, testValueSize)
	require.NoError(t, err)
	_, err = builder.BuildFromSlice(1, [][]byte{key(1)}, nil)
	assert.Error(t, err, "mismatched slices")

	_, err = NewBuilder(store, 0, testValueSize)
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestGroupSizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, most, least int
		want           []int
	}{
		{1, 5, 3, []int{1}},
		{5, 5, 3, []int{5}},
		{10, 5, 3, []int{5, 5}},
		{13, 5, 3, []int{5, 5, 3}},
		{11, 5, 3, []int{5, 3, 3}},
		{6, 5, 3, []int{3, 3}},
		{12, 5, 3, []int{5, 4, 3}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, groupSizes(tt.n, tt.most, tt.least), "n=%d", tt.n)
	}
}

func TestCompact(t *testing.T) {
	t.Parallel()

	src, srcStore := newTestTree(t, narrowPageSize)
	oracle := newOracle()
	for i := range 300 {
		require.NoError(t, src.Insert(1, key(i), val(i), false))
		oracle.ReplaceOrInsert(kv{key(i), val(i)})
	}
	for i := 0; i < 300; i += 3 {
		require.NoError(t, src.Delete(1, key(i)))
		oracle.Delete(kv{key: key(i)})
	}
	_, err := src.Commit(1)
	require.NoError(t, err)

	dstStore := NewMemoryStore(narrowPageSize)
	dst, err := Compact(1, src, dstStore)
	require.NoError(t, err)
	defer dst.Close()
	_, err = dst.Commit(1)
	require.NoError(t, err)

	requireMatches(t, dst, oracle)
	assert.Less(t, dstStore.Stats().Created, srcStore.Stats().Created, "packed copy needs fewer pages")

	srcShape, err := src.Check()
	require.NoError(t, err)
	dstShape, err := dst.Check()
	require.NoError(t, err)
	assert.LessOrEqual(t, dstShape.Leaves, srcShape.Leaves)
}

func TestCompactDefaultPage(t *testing.T) {
	t.Parallel()

	src, _ := newTestTree(t, base.DefaultPageSize)
	for i := range 5000 {
		require.NoError(t, src.Insert(1, key(i), val(i), false))
	}

	dst, err := Compact(1, src, NewMemoryStore(base.DefaultPageSize))
	require.NoError(t, err)
	defer dst.Close()

	shape, err := dst.Check()
	require.NoError(t, err)
	assert.Equal(t, 5000, shape.Entries)
	// 5000 / 239 rounds up to 21 packed leaves.
	assert.Equal(t, 21, shape.Leaves)
	assert.Equal(t, 2, shape.Depth)
}

func TestBuilderAbort(t *testing.T) {
	t.Parallel()

	modes := []Mode{AppendOnly, Rewrite}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			store := NewMemoryStore(narrowPageSize, WithStoreMode(mode))
			builder, err := NewBuilder(store, testKeySize, testValueSize)
			require.NoError(t, err)

			keys, values := sortedEntries(50)
			tree, err := builder.BuildFromSlice(1, keys, values)
			require.NoError(t, err)
			defer tree.Close()

			require.NoError(t, tree.Abort(1))
			assert.Zero(t, tree.Root())
			assert.Zero(t, store.Root())
			_, err = tree.Search(key(1))
			assert.ErrorIs(t, err, ErrKeyNotFound)

			oracle := newOracle()
			for i := range 10 {
				require.NoError(t, tree.Insert(2, key(i), val(i), false))
				oracle.ReplaceOrInsert(kv{key(i), val(i)})
			}
			_, err = tree.Commit(2)
			require.NoError(t, err)
			requireMatches(t, tree, oracle)
		})
	}
}
