// Package merge implements the k-way merge iterator that fans reads out
// over every memtable and SSTable source in priority order, deduplicating
// by key and keeping the newest version, with optional tombstone skipping
// for compaction into the bottom level (spec.md §4.7).
//
// Grounded on the teacher's heap-based merging iterator
// (internal/iterator/merging_iterator.go, since deleted along with the
// rest of the teacher's internal-key machinery): a container/heap
// min-heap of per-source cursors, refilled lazily as each source is
// advanced past the key it just contributed.
package merge

import (
	"bytes"
	"container/heap"

	"github.com/aalhour/kvsep/internal/posid"
)

// Source is the common shape both memtable.EntryIterator and
// sstable.Iterator already satisfy: an ordered cursor over (key, Pos)
// pairs, seekable in either direction.
type Source interface {
	Valid() bool
	SeekToFirst()
	SeekToLast()
	Seek(key []byte)
	Next()
	Prev()
	Key() []byte
	Pos() posid.Pos
}

// Iterator merges multiple Sources into one ordered, deduplicated stream.
// When two sources hold an entry for the same key, the one with the
// higher Pos.Version wins; the other is silently advanced past it.
type Iterator struct {
	sources []Source
	h       cursorHeap
	reverse bool

	valid    bool
	curKey   []byte
	curPos   posid.Pos
	skipTomb bool
}

// New creates a merge iterator over sources, which need not be in any
// particular order; priority among equal keys is resolved purely by
// Pos.Version, not by source order. If skipTombstones is true, entries
// whose Pos carries the tombstone flag are dropped from the stream
// entirely instead of being yielded (used by compaction at the bottom
// level, spec.md §4.6).
func New(sources []Source, skipTombstones bool) *Iterator {
	return &Iterator{sources: sources, skipTomb: skipTombstones}
}

type cursorItem struct {
	src Source
	key []byte
}

// cursorHeap is a container/heap priority queue of active sources, next
// key first. reverse flips the comparison for backward iteration.
type cursorHeap struct {
	items   []cursorItem
	reverse bool
}

func (h cursorHeap) Len() int { return len(h.items) }
func (h cursorHeap) Less(i, j int) bool {
	c := bytes.Compare(h.items[i].key, h.items[j].key)
	if h.reverse {
		return c > 0
	}
	return c < 0
}
func (h cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *cursorHeap) Push(x any)   { h.items = append(h.items, x.(cursorItem)) }
func (h *cursorHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (it *Iterator) resetHeap() {
	it.h = cursorHeap{reverse: it.reverse}
	for _, s := range it.sources {
		if s.Valid() {
			heap.Push(&it.h, cursorItem{src: s, key: append([]byte(nil), s.Key()...)})
		}
	}
}

// SeekToFirst positions every source at its first entry and establishes
// the merged stream's first (possibly tombstone-skipped) key.
func (it *Iterator) SeekToFirst() {
	it.reverse = false
	for _, s := range it.sources {
		s.SeekToFirst()
	}
	it.resetHeap()
	it.advance()
}

// SeekToLast positions every source at its last entry for backward
// iteration.
func (it *Iterator) SeekToLast() {
	it.reverse = true
	for _, s := range it.sources {
		s.SeekToLast()
	}
	it.resetHeap()
	it.advance()
}

// Seek positions the stream at the first merged key >= target.
func (it *Iterator) Seek(target []byte) {
	it.reverse = false
	for _, s := range it.sources {
		s.Seek(target)
	}
	it.resetHeap()
	it.advance()
}

// SeekForPrev positions the stream at the largest merged key < target, for
// descending iteration with an exclusive upper bound. Seek alone is not
// enough here: it lands each source on its first key >= target, which is
// one step too far for a source whose range covers target, and leaves a
// source whose keys are all < target sitting invalid rather than at its
// last key. Each source is corrected independently before the heap is
// built, since sources can straddle target differently.
func (it *Iterator) SeekForPrev(target []byte) {
	it.reverse = true
	for _, s := range it.sources {
		s.Seek(target)
		if s.Valid() {
			s.Prev()
		} else {
			s.SeekToLast()
		}
	}
	it.resetHeap()
	it.advance()
}

// Next advances to the next merged key in the current direction.
func (it *Iterator) Next() {
	if it.reverse {
		// Switching direction mid-scan isn't supported; callers that need
		// both directions create a fresh iterator per direction.
		it.reverse = false
		it.resetHeap()
	}
	it.advance()
}

// Prev moves to the previous merged key.
func (it *Iterator) Prev() {
	if !it.reverse {
		it.reverse = true
		it.resetHeap()
	}
	it.advance()
}

// advance pops every heap entry sharing the current top key, advances
// each contributing source past it, picks the highest-version Pos among
// them as the merged entry, and loops past it if tombstone-skipping is
// enabled and it is a tombstone.
func (it *Iterator) advance() {
	for {
		if it.h.Len() == 0 {
			it.valid = false
			it.curKey, it.curPos = nil, posid.Pos{}
			return
		}
		top := it.h.items[0].key
		var winner posid.Pos
		haveWinner := false
		for it.h.Len() > 0 && bytes.Equal(it.h.items[0].key, top) {
			item := heap.Pop(&it.h).(cursorItem)
			pos := item.src.Pos()
			if !haveWinner || pos.Version > winner.Version {
				winner = pos
				haveWinner = true
			}
			if it.reverse {
				item.src.Prev()
			} else {
				item.src.Next()
			}
			if item.src.Valid() {
				heap.Push(&it.h, cursorItem{src: item.src, key: append([]byte(nil), item.src.Key()...)})
			}
		}

		it.curKey = top
		it.curPos = winner
		it.valid = true
		if it.skipTomb && winner.Flag.IsTombstone() {
			continue
		}
		return
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current merged entry's key.
func (it *Iterator) Key() []byte { return it.curKey }

// Pos returns the current merged entry's Pos (the highest-version one
// among every source that held this key).
func (it *Iterator) Pos() posid.Pos { return it.curPos }
