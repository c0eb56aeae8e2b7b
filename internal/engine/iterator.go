package engine

// iterator.go implements ordered range scans by fanning the memtable and
// every live SSTable out through internal/merge, pinning the level-manager
// version for the iterator's lifetime so compaction cannot unlink a file
// out from under it (spec.md §4.7, §4.9).

import (
	"bytes"
	"fmt"

	"github.com/aalhour/kvsep/internal/merge"
	"github.com/aalhour/kvsep/internal/sstable"
	"github.com/aalhour/kvsep/internal/wal"
)

// Iterator walks a bounded key range [lo, hi), ascending via Range or
// descending via RevRange. A zero-length lo or hi means unbounded on that
// side.
type Iterator struct {
	eng     *Engine
	version uint64
	closers []*sstable.Iterator
	m       *merge.Iterator
	lo, hi  []byte
	reverse bool
	valid   bool
	done    bool
}

// Range returns an ascending iterator over keys in [lo, hi).
func (e *Engine) Range(lo, hi []byte) (*Iterator, error) {
	return e.newRangeIterator(lo, hi, false)
}

// RevRange returns a descending iterator over keys in [lo, hi), starting
// just below hi and ending at lo.
func (e *Engine) RevRange(lo, hi []byte) (*Iterator, error) {
	return e.newRangeIterator(lo, hi, true)
}

func (e *Engine) newRangeIterator(lo, hi []byte, reverse bool) (*Iterator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine: range: already closed")
	}

	version := e.AcquireCurrentVersion()

	var sources []merge.Source
	var closers []*sstable.Iterator
	fail := func(err error) (*Iterator, error) {
		for _, c := range closers {
			c.Close()
		}
		e.ReleaseVersion(version)
		return nil, err
	}

	for _, mt := range e.table.All() {
		sources = append(sources, mt.NewIterator())
	}

	v := e.mgr.Current()
	for lvl := 0; lvl <= e.cfg.MaxLevel; lvl++ {
		for _, f := range v.Files(lvl) {
			if !rangeOverlaps(f.MinKey, f.MaxKey, lo, hi) {
				continue
			}
			r, err := e.getReaderLocked(f.ID)
			if err != nil {
				return fail(fmt.Errorf("engine: range: %w", err))
			}
			sit, err := r.NewIterator()
			if err != nil {
				return fail(fmt.Errorf("engine: range: iterate file %d: %w", f.ID, err))
			}
			closers = append(closers, sit)
			sources = append(sources, sit)
		}
	}

	it := &Iterator{
		eng: e, version: version, closers: closers,
		m: merge.New(sources, true), lo: lo, hi: hi, reverse: reverse,
	}
	if reverse {
		it.seekReverse()
	} else {
		it.seekForward()
	}
	return it, nil
}

// rangeOverlaps reports whether [minKey, maxKey] intersects [lo, hi), where
// a zero-length lo or hi is unbounded.
func rangeOverlaps(minKey, maxKey, lo, hi []byte) bool {
	if len(hi) > 0 && bytes.Compare(minKey, hi) >= 0 {
		return false
	}
	if len(lo) > 0 && bytes.Compare(maxKey, lo) < 0 {
		return false
	}
	return true
}

func (it *Iterator) seekForward() {
	if len(it.lo) == 0 {
		it.m.SeekToFirst()
	} else {
		it.m.Seek(it.lo)
	}
	it.checkForwardBound()
}

func (it *Iterator) checkForwardBound() {
	it.valid = it.m.Valid() && (len(it.hi) == 0 || bytes.Compare(it.m.Key(), it.hi) < 0)
}

func (it *Iterator) seekReverse() {
	if len(it.hi) == 0 {
		it.m.SeekToLast()
	} else {
		it.m.SeekForPrev(it.hi)
	}
	it.checkReverseBound()
}

func (it *Iterator) checkReverseBound() {
	it.valid = it.m.Valid() && (len(it.lo) == 0 || bytes.Compare(it.m.Key(), it.lo) >= 0)
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current entry's key. Only valid while Valid() is true.
func (it *Iterator) Key() []byte { return it.m.Key() }

// Value resolves and returns the current entry's value bytes.
func (it *Iterator) Value() ([]byte, error) {
	return wal.ReadValue(it.eng.fs, it.eng.walDir, it.eng.binDir, it.m.Pos())
}

// Next advances the iterator. Only valid to call on a forward (Range)
// iterator.
func (it *Iterator) Next() {
	it.m.Next()
	it.checkForwardBound()
}

// Prev advances a descending (RevRange) iterator toward lo.
func (it *Iterator) Prev() {
	it.m.Prev()
	it.checkReverseBound()
}

// Advance moves to the next entry in whichever direction this iterator was
// created for (Range: ascending, RevRange: descending).
func (it *Iterator) Advance() {
	if it.reverse {
		it.Prev()
	} else {
		it.Next()
	}
}

// Close releases every SSTable handle and the pinned version. It must be
// called exactly once, whether or not the scan ran to completion.
func (it *Iterator) Close() {
	if it.done {
		return
	}
	it.done = true
	for _, c := range it.closers {
		c.Close()
	}
	it.eng.ReleaseVersion(it.version)
}
