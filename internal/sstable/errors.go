package sstable

import "errors"

var (
	// ErrInvalidFormat means a footer, block, or index could not be decoded.
	ErrInvalidFormat = errors.New("sstable: invalid format")

	// ErrCorrupt means a checksum failed over otherwise well-formed data.
	ErrCorrupt = errors.New("sstable: corrupt data")

	// ErrNotFound means a Get found no entry for the requested key.
	ErrNotFound = errors.New("sstable: not found")
)
