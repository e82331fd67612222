package storage

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"

	"github.com/alexhholmes/bptree/internal/base"
)

var (
	boltPagesBucket = []byte("pages")
	boltMetaBucket  = []byte("meta")
	boltMetaKey     = []byte("meta")
)

// Bolt persists snappy-compressed pages as values in a bbolt bucket keyed
// by big-endian page id. A commit is a single bbolt transaction, so pages
// and meta land atomically. Read and written byte counts are of the
// compressed form.
type Bolt struct {
	db *bolt.DB

	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// NewBolt opens or creates a bbolt-backed page file.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltPagesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func boltKey(id base.PageID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// ReadPage decodes the page inside the read transaction; bbolt values are
// only valid while it is open.
func (b *Bolt) ReadPage(id base.PageID) ([]byte, error) {
	var (
		buf    []byte
		stored int
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltPagesBucket).Get(boltKey(id))
		if v == nil {
			return fmt.Errorf("%w: %d", ErrPageNotFound, id)
		}
		var err error
		if buf, err = snappy.Decode(nil, v); err != nil {
			return fmt.Errorf("%w: page %d: %v", base.ErrCorruption, id, err)
		}
		stored = len(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.reads.Add(1)
	b.read.Add(uint64(stored))
	return buf, nil
}

func (b *Bolt) Meta() (Meta, bool, error) {
	var (
		meta Meta
		ok   bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltMetaBucket).Get(boltMetaKey)
		if v == nil {
			return nil
		}
		m, err := DecodeMeta(v)
		if err != nil {
			return err
		}
		meta, ok = m, true
		return nil
	})
	return meta, ok, err
}

func (b *Bolt) Commit(pages []Page, meta Meta) error {
	var written uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltPagesBucket)
		for _, p := range pages {
			v := snappy.Encode(nil, p.Data)
			if err := bucket.Put(boltKey(p.ID), v); err != nil {
				return err
			}
			written += uint64(len(v))
		}
		buf := make([]byte, metaSize)
		meta.Encode(buf)
		return tx.Bucket(boltMetaBucket).Put(boltMetaKey, buf)
	})
	if err != nil {
		return err
	}
	b.writes.Add(uint64(len(pages)))
	b.written.Add(written)
	return nil
}

func (b *Bolt) Stats() Stats {
	return Stats{
		Reads:   b.reads.Load(),
		Writes:  b.writes.Load(),
		Read:    b.read.Load(),
		Written: b.written.Load(),
	}
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
