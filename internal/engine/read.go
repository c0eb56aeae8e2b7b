package engine

// read.go implements point lookup: memtable (active then sealed, newest
// first), then L0 (newest first), then L1..Lmax via each level's
// PGM-assisted run locator, with a value resolved back to bytes through the
// WAL/sidecar reader only once a non-tombstone Pos is found (spec.md §4.9).

import (
	"errors"
	"fmt"

	"github.com/aalhour/kvsep/internal/level"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/sstable"
	"github.com/aalhour/kvsep/internal/wal"
)

// Get returns key's value and true if key is present and not deleted.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, fmt.Errorf("engine: get: already closed")
	}

	pos, found, err := e.lookupLocked(key)
	if err != nil {
		return nil, false, fmt.Errorf("engine: get: %w", err)
	}
	if !found || pos.Flag.IsTombstone() {
		return nil, false, nil
	}
	val, err := wal.ReadValue(e.fs, e.walDir, e.binDir, pos)
	if err != nil {
		return nil, false, fmt.Errorf("engine: get: resolve value: %w", err)
	}
	return val, true, nil
}

// lookupVersion searches v's L0 (newest id first) then L1..Lmax (at most
// one overlapping run per level) for key. Caller must hold mu.
func (e *Engine) lookupVersion(v *level.Version, key []byte) (posid.Pos, bool, error) {
	for _, f := range v.Files(0) {
		pos, ok, err := e.getFromFile(f.ID, key)
		if err != nil {
			return posid.Pos{}, false, err
		}
		if ok {
			return pos, true, nil
		}
	}
	for lvl := 1; lvl <= e.cfg.MaxLevel; lvl++ {
		for _, f := range v.FindRun(lvl, key) {
			pos, ok, err := e.getFromFile(f.ID, key)
			if err != nil {
				return posid.Pos{}, false, err
			}
			if ok {
				return pos, true, nil
			}
		}
	}
	return posid.Pos{}, false, nil
}

func (e *Engine) getFromFile(id uint64, key []byte) (posid.Pos, bool, error) {
	r, err := e.getReaderLocked(id)
	if err != nil {
		return posid.Pos{}, false, err
	}
	pos, err := r.Get(key)
	if err != nil {
		if errors.Is(err, sstable.ErrNotFound) {
			return posid.Pos{}, false, nil
		}
		return posid.Pos{}, false, err
	}
	return pos, true, nil
}

// getReaderLocked returns a cached *sstable.Reader for id, opening it (and
// parsing its footer/filter/index once) on first use. Caller must hold mu.
func (e *Engine) getReaderLocked(id uint64) (*sstable.Reader, error) {
	if r, ok := e.readers[id]; ok {
		return r, nil
	}
	r, err := sstable.Open(e.cache, id)
	if err != nil {
		return nil, fmt.Errorf("open sstable %d: %w", id, err)
	}
	e.readers[id] = r
	return r, nil
}

// dropReadersLocked evicts cached Readers for ids that compaction or a
// snapshot release just made unlinkable. Caller must hold mu.
func (e *Engine) dropReadersLocked(ids []uint64) {
	for _, id := range ids {
		delete(e.readers, id)
	}
}
