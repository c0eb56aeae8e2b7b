package engine

// write.go implements the mutation path: WAL append, memtable update,
// memtable rotation, flush to L0, and the compaction loop that keeps the
// level set under its configured score (spec.md §4.9, §4.6).

import (
	"fmt"

	"github.com/aalhour/kvsep/internal/level"
	"github.com/aalhour/kvsep/internal/logging"
	"github.com/aalhour/kvsep/internal/memtable"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/sstable"
)

// Put durably appends a write to the WAL and indexes it in the active
// memtable, rotating and flushing if the memtable has grown past its
// target size.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: put: already closed")
	}
	pos, err := e.wal.Put(key, value)
	if err != nil {
		return fmt.Errorf("engine: put: %w", err)
	}
	e.table.Active().Put(key, pos)
	return e.maybeRotateLocked()
}

// Del appends a tombstone. If the key's prior location is known (from the
// memtable or an SSTable), the tombstone back-references it so replay can
// recognize which storage mode it displaced.
func (e *Engine) Del(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: del: already closed")
	}
	prior, _, err := e.lookupLocked(key)
	if err != nil {
		return fmt.Errorf("engine: del: %w", err)
	}
	pos, err := e.wal.Del(key, prior)
	if err != nil {
		return fmt.Errorf("engine: del: %w", err)
	}
	e.table.Active().Put(key, pos)
	return e.maybeRotateLocked()
}

// maybeRotateLocked rotates and flushes the active memtable once it has
// grown past cfg.TargetFileSize (spec.md §4.1 "rotate_size proportional to
// target L0 file size"). Caller must hold mu.
func (e *Engine) maybeRotateLocked() error {
	if e.table.Active().ApproximateMemoryUsage() < e.cfg.TargetFileSize {
		return nil
	}
	if _, ok := e.table.Rotate(); !ok {
		// Too many sealed memtables already queued; apply backpressure by
		// flushing synchronously before accepting more writes.
		if err := e.flushLocked(); err != nil {
			return err
		}
		_, _ = e.table.Rotate()
		return nil
	}
	return e.flushLocked()
}

// Flush seals the active memtable (if non-empty) and drains every sealed
// memtable to L0, then runs compaction until the level set is back under
// its configured score.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: flush: already closed")
	}
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if e.table.Active().Count() > 0 {
		if _, ok := e.table.Rotate(); !ok {
			return fmt.Errorf("engine: flush: too many sealed memtables queued")
		}
	}
	for {
		mt := e.table.OldestSealed()
		if mt == nil {
			break
		}
		if err := e.flushOneLocked(mt); err != nil {
			return err
		}
		e.table.RetireOldestSealed(mt)
	}
	if err := e.ckpLog.Save(e.wal.FileID(), e.wal.Offset()); err != nil {
		return fmt.Errorf("engine: save checkpoint: %w", err)
	}
	return e.maybeCompactLocked()
}

func (e *Engine) flushOneLocked(mt *memtable.MemTable) error {
	if mt.Count() == 0 {
		return nil
	}
	w := sstable.NewWriter(sstable.WriterOptions{
		BlockSize:       e.cfg.BlockSize,
		RestartInterval: e.cfg.RestartInterval,
		PGMEpsilon:      e.cfg.PGMEpsilon,
		Level:           0,
	})
	it := mt.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Pos()); err != nil {
			return fmt.Errorf("engine: flush: %w", err)
		}
	}
	if w.Empty() {
		return nil
	}

	id := e.alloc.Next()
	path := sstable.FilePath(e.sstDir, id)
	size, err := w.Finish(e.fs, path)
	if err != nil {
		return fmt.Errorf("engine: flush: write sstable %d: %w", id, err)
	}
	meta := &level.FileMeta{
		ID:             id,
		Level:          0,
		MinKey:         w.MinKey(),
		MaxKey:         w.MaxKey(),
		Size:           size,
		MaxVersion:     w.MaxVersion(),
		TombstoneRatio: w.TombstoneRatio(),
	}
	_, _, deletable, err := e.mgr.Apply(level.Edit{Added: []*level.FileMeta{meta}})
	if err != nil {
		return fmt.Errorf("engine: flush: apply edit: %w", err)
	}
	e.unlinkLocked(deletable)
	e.logger.Infof(logging.NSEngine+"flushed memtable to L0 file %d (%d bytes)", id, size)
	return nil
}

// maybeCompactLocked runs compaction jobs until the level manager reports
// nothing left above its score threshold. Caller must hold mu.
func (e *Engine) maybeCompactLocked() error {
	for {
		plan, err := e.comp.Pick(e.mgr)
		if err != nil {
			return fmt.Errorf("engine: pick compaction: %w", err)
		}
		if plan == nil {
			return nil
		}
		edit, err := e.comp.Run(plan)
		if err != nil {
			return fmt.Errorf("engine: run compaction: %w", err)
		}
		_, _, deletable, err := e.mgr.Apply(edit)
		if err != nil {
			return fmt.Errorf("engine: apply compaction edit: %w", err)
		}
		e.unlinkLocked(deletable)
		e.logger.Infof(logging.NSEngine+"compacted L%d -> L%d: %d inputs, %d outputs",
			plan.SourceLevel, plan.DestLevel, len(edit.Deleted), len(edit.Added))
	}
}

// unlinkLocked evicts deletable ids from the reader cache and removes their
// backing files. Caller must hold mu.
func (e *Engine) unlinkLocked(deletable []uint64) {
	if len(deletable) == 0 {
		return
	}
	e.dropReadersLocked(deletable)
	if err := e.comp.Unlink(deletable); err != nil {
		e.logger.Errorf(logging.NSEngine+"unlink: %v", err)
	}
}

// lookupLocked resolves key's current Pos across the memtable and every
// level, for Del's tombstone back-reference. It does not read value bytes.
// Caller must hold mu.
func (e *Engine) lookupLocked(key []byte) (posid.Pos, bool, error) {
	if pos, ok := e.table.Get(key); ok {
		return pos, true, nil
	}
	v := e.mgr.Current()
	return e.lookupVersion(v, key)
}
