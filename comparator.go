package kvsep

// comparator.go defines the total ordering over keys used by every
// component that needs to compare, sort, or binary-search byte keys:
// the memtable, block builder, PGM projection, and level manager.

import "bytes"

// Comparator defines a total ordering over keys.
type Comparator interface {
	// Compare returns a value < 0 if a < b, 0 if a == b, > 0 if a > b.
	Compare(a, b []byte) int

	// Name identifies the comparator, persisted in SSTable footers so a
	// reader can refuse to open a file built with an incompatible ordering.
	Name() string
}

// BytewiseComparator orders keys lexicographically. It is the only
// comparator the engine ships; a custom ordering would require re-deriving
// the PGM projection and block prefix-stripping logic, which both assume
// bytewise order.
type BytewiseComparator struct{}

func (BytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (BytewiseComparator) Name() string            { return "kvsep.BytewiseComparator" }

// DefaultComparator returns the engine's bytewise comparator.
func DefaultComparator() Comparator {
	return BytewiseComparator{}
}
