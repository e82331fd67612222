package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/bptree/internal/base"
)

const (
	// MagicNumber for file format identification ("bptr" in hex)
	MagicNumber uint32 = 0x62707472

	FormatVersion uint16 = 1

	metaSize = 48
)

// Meta is the commit point of a store.
// Layout: [Magic: 4][Version: 2][Reserved: 2][PageSize: 4][Reserved: 4]
// [NextPageID: 8][TxnID: 8][Root: 8][Checksum: 8]
type Meta struct {
	PageSize   uint32
	NextPageID base.PageID // next id Create hands out
	TxnID      base.TxnID  // last committed transaction
	Root       base.PageID // caller-recorded tree root, zero if unset
}

// Encode writes the meta into buf, which must hold at least metaSize bytes.
func (m Meta) Encode(buf []byte) {
	clear(buf[:metaSize])
	binary.LittleEndian.PutUint32(buf[0:], MagicNumber)
	binary.LittleEndian.PutUint16(buf[4:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:], m.PageSize)
	binary.LittleEndian.PutUint64(buf[16:], uint64(m.NextPageID))
	binary.LittleEndian.PutUint64(buf[24:], uint64(m.TxnID))
	binary.LittleEndian.PutUint64(buf[32:], uint64(m.Root))
	binary.LittleEndian.PutUint64(buf[40:], xxhash.Sum64(buf[:40]))
}

// DecodeMeta validates and decodes a meta page.
func DecodeMeta(buf []byte) (Meta, error) {
	if len(buf) < metaSize {
		return Meta{}, fmt.Errorf("%w: short buffer of %d bytes", ErrInvalidMeta, len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != MagicNumber {
		return Meta{}, fmt.Errorf("%w: magic %#x", ErrInvalidMeta, magic)
	}
	if version := binary.LittleEndian.Uint16(buf[4:]); version != FormatVersion {
		return Meta{}, fmt.Errorf("%w: version %d", ErrInvalidMeta, version)
	}
	if sum := binary.LittleEndian.Uint64(buf[40:]); sum != xxhash.Sum64(buf[:40]) {
		return Meta{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidMeta)
	}
	return Meta{
		PageSize:   binary.LittleEndian.Uint32(buf[8:]),
		NextPageID: base.PageID(binary.LittleEndian.Uint64(buf[16:])),
		TxnID:      base.TxnID(binary.LittleEndian.Uint64(buf[24:])),
		Root:       base.PageID(binary.LittleEndian.Uint64(buf[32:])),
	}, nil
}
