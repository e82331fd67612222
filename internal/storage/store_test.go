package storage

import (
	"flag"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/bptree/internal/base"
)

var _ = flag.Bool("slow", false, "run slow tests")

const testPageSize = 128

func TestStoreCreateRetrieve(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testPageSize)

	id1, buf1, err := s.Create(1)
	require.NoError(t, err)
	id2, _, err := s.Create(1)
	require.NoError(t, err)

	assert.Equal(t, base.PageID(1), id1, "page 0 is reserved")
	assert.Equal(t, base.PageID(2), id2)
	assert.Len(t, buf1, testPageSize)
	assert.True(t, s.IsWriteable(id1))

	// The writer sees its own uncommitted bytes.
	buf1[0] = 0xAB
	got, err := s.Retrieve(id1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), got[0])

	require.NoError(t, s.Commit(1))
	assert.False(t, s.IsWriteable(id1), "committed pages are read-only")
	assert.Equal(t, base.TxnID(1), s.LastCommitted())

	got, err = s.Retrieve(id1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), got[0])
}

func TestStoreWriteablePage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    Mode
		sameID  bool
		oldSeen byte // first byte of the original id after commit
	}{
		{"append-only copies to a new id", AppendOnly, false, 0x01},
		{"rewrite shadows the same id", Rewrite, true, 0x02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewMemoryStore(testPageSize, WithMode(tt.mode))
			id, buf, err := s.Create(1)
			require.NoError(t, err)
			buf[0] = 0x01
			require.NoError(t, s.Commit(1))

			newID, w, err := s.GetWriteablePage(2, id)
			require.NoError(t, err)
			assert.Equal(t, tt.sameID, newID == id)
			assert.Equal(t, byte(0x01), w[0], "contents are copied")
			assert.True(t, s.IsWriteable(newID))

			w[0] = 0x02
			require.NoError(t, s.MarkDirty(2, newID))

			// Asking again in the same transaction returns the same buffer.
			again, w2, err := s.GetWriteablePage(2, newID)
			require.NoError(t, err)
			assert.Equal(t, newID, again)
			assert.Equal(t, byte(0x02), w2[0])

			require.NoError(t, s.Commit(2))

			old, err := s.Retrieve(id)
			require.NoError(t, err)
			assert.Equal(t, tt.oldSeen, old[0])

			cur, err := s.Retrieve(newID)
			require.NoError(t, err)
			assert.Equal(t, byte(0x02), cur[0])
		})
	}
}

func TestStoreCommitWritesOnlyDirtyPages(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testPageSize, WithMode(Rewrite))
	a, _, err := s.Create(1)
	require.NoError(t, err)
	b, _, err := s.Create(1)
	require.NoError(t, err)
	require.NoError(t, s.Commit(1))
	assert.Equal(t, uint64(2), s.Stats().Writes)

	_, w, err := s.GetWriteablePage(2, a)
	require.NoError(t, err)
	w[0] = 0xFF // never marked dirty
	_, _, err = s.GetWriteablePage(2, b)
	require.NoError(t, err)
	require.NoError(t, s.MarkDirty(2, b))
	require.NoError(t, s.Commit(2))

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Writes, "only the dirty page is written")
	assert.Equal(t, uint64(2), st.Copied)
	assert.Equal(t, uint64(2), st.Created)
	assert.Equal(t, uint64(2), st.Commits)

	got, err := s.Retrieve(a)
	require.NoError(t, err)
	assert.Equal(t, byte(0), got[0], "clean copy is discarded")
}

func TestStoreAbort(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testPageSize)
	id, _, err := s.Create(1)
	require.NoError(t, err)
	s.SetRoot(id)
	require.NoError(t, s.Commit(1))

	created, _, err := s.Create(2)
	require.NoError(t, err)
	copied, _, err := s.GetWriteablePage(2, id)
	require.NoError(t, err)
	s.SetRoot(copied)

	require.NoError(t, s.Abort(2))
	assert.Equal(t, id, s.Root(), "root reverts to the committed one")
	assert.False(t, s.IsWriteable(created))

	_, err = s.Retrieve(created)
	assert.ErrorIs(t, err, ErrPageNotFound)

	// Ids handed out by the aborted transaction are reused.
	next, _, err := s.Create(3)
	require.NoError(t, err)
	assert.Equal(t, created, next)
	assert.Equal(t, uint64(1), s.Stats().Aborts)
}

func TestStoreSingleWriter(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testPageSize)
	id, _, err := s.Create(1)
	require.NoError(t, err)

	_, _, err = s.Create(2)
	assert.ErrorIs(t, err, ErrTxnInProgress)
	assert.ErrorIs(t, s.MarkDirty(2, id), ErrTxnInProgress)
	assert.ErrorIs(t, s.Commit(2), ErrTxnMismatch)
	assert.ErrorIs(t, s.Abort(2), ErrTxnMismatch)

	require.NoError(t, s.Commit(1))
	_, _, err = s.Create(2)
	assert.NoError(t, err, "the next transaction may start once the first commits")
}

func TestStoreMarkDirtyRequiresWriteablePage(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testPageSize)
	id, _, err := s.Create(1)
	require.NoError(t, err)
	require.NoError(t, s.Commit(1))

	assert.ErrorIs(t, s.MarkDirty(2, id), ErrPageNotWriteable)
}

func TestStoreReopen(t *testing.T) {
	t.Parallel()

	backend := NewMemory()
	s, err := NewStore(backend, testPageSize)
	require.NoError(t, err)

	id, _, err := s.Create(5)
	require.NoError(t, err)
	s.SetRoot(id)
	require.NoError(t, s.Commit(5))

	reopened, err := NewStore(backend, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, id, reopened.Root())
	assert.Equal(t, base.TxnID(5), reopened.LastCommitted())

	next, _, err := reopened.Create(6)
	require.NoError(t, err)
	assert.Equal(t, id+1, next, "allocation resumes after the committed pages")

	_, err = NewStore(backend, testPageSize*2)
	assert.ErrorIs(t, err, ErrPageSize)
}

func TestStoreRejectsSmallPages(t *testing.T) {
	t.Parallel()

	_, err := NewStore(NewMemory(), MinPageSize-1)
	assert.ErrorIs(t, err, ErrPageSize)
}

func TestStoreClosed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(testPageSize)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, _, err := s.Create(1)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Retrieve(1)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Commit(1), ErrStoreClosed)
}

func TestMetaChecksum(t *testing.T) {
	t.Parallel()

	buf := make([]byte, metaSize)
	want := Meta{PageSize: 4096, NextPageID: 42, TxnID: 7, Root: 13}
	want.Encode(buf)

	got, err := DecodeMeta(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	buf[20] ^= 0xFF
	_, err = DecodeMeta(buf)
	assert.ErrorIs(t, err, ErrInvalidMeta)

	_, err = DecodeMeta(make([]byte, metaSize))
	assert.ErrorIs(t, err, ErrInvalidMeta, "zeroed page has no magic")
}

// TestBackends runs the same commit and reopen sequence against every
// persistent backend.
func TestBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		open func(t *testing.T, path string) Backend
	}{
		{"bolt", func(t *testing.T, path string) Backend {
			b, err := NewBolt(path)
			require.NoError(t, err)
			return b
		}},
		{"mmap", func(t *testing.T, path string) Backend {
			if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
				t.Skip("mmap backend requires unix")
			}
			m, err := NewMMap(path, testPageSize)
			require.NoError(t, err)
			return m
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "pages.db")

			backend := tt.open(t, path)
			s, err := NewStore(backend, testPageSize, WithMode(Rewrite))
			require.NoError(t, err)

			ids := make([]base.PageID, 3)
			for i := range ids {
				id, buf, err := s.Create(1)
				require.NoError(t, err)
				buf[0] = byte(i + 1)
				buf[testPageSize-1] = byte(i + 1)
				ids[i] = id
			}
			s.SetRoot(ids[2])
			require.NoError(t, s.Commit(1))

			_, w, err := s.GetWriteablePage(2, ids[0])
			require.NoError(t, err)
			w[0] = 0x7F
			require.NoError(t, s.MarkDirty(2, ids[0]))
			require.NoError(t, s.Commit(2))
			require.NoError(t, s.Close())

			s, err = NewStore(tt.open(t, path), testPageSize)
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, ids[2], s.Root())
			assert.Equal(t, base.TxnID(2), s.LastCommitted())

			for i, id := range ids {
				buf, err := s.Retrieve(id)
				require.NoError(t, err)
				require.Len(t, buf, testPageSize)
				want := byte(i + 1)
				if i == 0 {
					want = 0x7F
				}
				assert.Equal(t, want, buf[0], "page %d", id)
				assert.Equal(t, byte(i+1), buf[testPageSize-1], "page %d tail", id)
			}

			next, _, err := s.Create(3)
			require.NoError(t, err)
			assert.Equal(t, ids[2]+1, next)
		})
	}
}

func TestBoltCompressesPages(t *testing.T) {
	t.Parallel()

	b, err := NewBolt(filepath.Join(t.TempDir(), "pages.db"))
	require.NoError(t, err)
	defer b.Close()

	page := make([]byte, base.DefaultPageSize)
	copy(page, "sparse page")
	require.NoError(t, b.Commit([]Page{{ID: 1, Data: page}}, Meta{PageSize: base.DefaultPageSize, NextPageID: 2}))

	got, err := b.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, page, got)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Less(t, stats.Written, uint64(base.DefaultPageSize), "zeroed tail compresses")
	assert.Equal(t, stats.Written, stats.Read)
}
