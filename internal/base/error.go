package base

import "errors"

var (
	ErrNodeFull     = errors.New("node is full")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrKeyNotFound  = errors.New("key not found")
	ErrKeySize      = errors.New("key has wrong size")
	ErrValueSize    = errors.New("value has wrong size")

	ErrInvalidLayout = errors.New("invalid page layout")
	ErrCorruption    = errors.New("data corruption detected")
)
