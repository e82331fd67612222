package bptree

import (
	"errors"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound  = base.ErrKeyNotFound
	ErrDuplicateKey = base.ErrDuplicateKey
	ErrNodeFull     = base.ErrNodeFull
	ErrKeySize      = base.ErrKeySize
	ErrValueSize    = base.ErrValueSize

	ErrInvalidLayout = base.ErrInvalidLayout
	ErrCorruption    = base.ErrCorruption

	ErrKeysUnsorted = errors.New("keys must be supplied in strictly ascending order")

	ErrPageNotFound  = storage.ErrPageNotFound
	ErrStoreClosed   = storage.ErrStoreClosed
	ErrTxnInProgress = storage.ErrTxnInProgress
	ErrTxnMismatch   = storage.ErrTxnMismatch
	ErrPageSize      = storage.ErrPageSize
)
