// Package compaction drives the sink half of the level manager: it picks a
// level by score, multi-way merges its runs (plus any overlapping run one
// level down), elides tombstones once nothing below can still be shadowed
// by them, and writes the merged stream out as new SSTables (spec.md §4.6).
//
// Grounded on the teacher's compaction job/picker split (internal/
// compaction/job.go, picker.go, since deleted along with the rest of the
// teacher's RocksDB-specific MANIFEST/rangedel machinery) but rebuilt
// around this engine's level.Manager and internal/merge instead of a
// persisted edit log and a pluggable compaction-filter interface.
package compaction

import (
	"bytes"
	"fmt"

	"github.com/aalhour/kvsep/internal/filelru"
	"github.com/aalhour/kvsep/internal/level"
	"github.com/aalhour/kvsep/internal/merge"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/sstable"
	"github.com/aalhour/kvsep/internal/vfs"
)

// Options mirrors the subset of the engine's configuration a compaction
// run needs to size and place its output files.
type Options struct {
	Dir             string
	BlockSize       int
	RestartInterval int
	PGMEpsilon      int
	MaxFileSize     int64
	MaxLevel        int
}

// Compactor runs one compaction job at a time against a shared file-handle
// cache and id allocator owned by the engine.
type Compactor struct {
	fs    vfs.FS
	cache *filelru.Cache
	alloc *posid.Allocator
	opt   Options
}

// New creates a Compactor. cache must resolve SSTable file ids to paths
// under opt.Dir (e.g. via sstable.FilePath), and is shared with the
// engine's readers per spec.md §4.8.
func New(fs vfs.FS, cache *filelru.Cache, alloc *posid.Allocator, opt Options) *Compactor {
	return &Compactor{fs: fs, cache: cache, alloc: alloc, opt: opt}
}

// Plan describes one compaction job before it runs, returned by Pick so
// the caller can log or skip it.
type Plan struct {
	SourceLevel int
	DestLevel   int
	Inputs      []*level.FileMeta
	Bottom      bool
}

// Pick asks mgr for the highest-scoring level and builds a Plan for it, or
// returns nil if no level needs compaction.
func (c *Compactor) Pick(mgr *level.Manager) (*Plan, error) {
	lvl, score := mgr.PickLevel()
	if lvl < 0 {
		return nil, nil
	}
	_ = score

	version := mgr.Current()
	inputs := mgr.PickCompactionInput(lvl)
	if len(inputs) == 0 {
		return nil, nil
	}

	dest := lvl + 1
	if lvl >= c.opt.MaxLevel {
		dest = lvl
	}

	minKey, maxKey := keyRange(inputs)
	if dest != lvl {
		for _, f := range version.Files(dest) {
			if overlaps(f, minKey, maxKey) {
				inputs = append(inputs, f)
			}
		}
		minKey, maxKey = keyRange(inputs)
	}

	bottom := true
	for l := dest + 1; l <= c.opt.MaxLevel; l++ {
		for _, f := range version.Files(l) {
			if overlaps(f, minKey, maxKey) {
				bottom = false
			}
		}
	}
	if dest == lvl && dest < c.opt.MaxLevel {
		// Merging a level into itself (the bottom of the configured range)
		// still shadows nothing below it.
		bottom = true
	}

	return &Plan{SourceLevel: lvl, DestLevel: dest, Inputs: inputs, Bottom: bottom}, nil
}

func keyRange(files []*level.FileMeta) (min, max []byte) {
	for i, f := range files {
		if i == 0 || bytes.Compare(f.MinKey, min) < 0 {
			min = f.MinKey
		}
		if i == 0 || bytes.Compare(f.MaxKey, max) > 0 {
			max = f.MaxKey
		}
	}
	return min, max
}

func overlaps(f *level.FileMeta, min, max []byte) bool {
	return bytes.Compare(f.MinKey, max) <= 0 && bytes.Compare(f.MaxKey, min) >= 0
}

// Run executes plan: opens every input file, merges them in newer-first
// priority order with version ties broken by the merge package, writes the
// result as one or more SSTables at plan.DestLevel split by
// opt.MaxFileSize, and returns the level.Edit to apply. It does not apply
// the edit itself or unlink input files — the caller does that once the
// edit is installed and any pinning Snapshot has released the old
// Version (spec.md §4.6 "Atomicity"/"Deferred deletion").
func (c *Compactor) Run(plan *Plan) (level.Edit, error) {
	readers := make([]*sstable.Reader, 0, len(plan.Inputs))
	iters := make([]*sstable.Iterator, 0, len(plan.Inputs))
	defer func() {
		for _, it := range iters {
			it.Close()
		}
	}()

	// Newer-first priority: within L0, PickCompactionInput already returns
	// files newest-id-first; across source+overlap sets that ordering is
	// preserved by append order above. Ties are still resolved by Version,
	// matching spec.md §4.6 ("Versions break key ties").
	sources := make([]merge.Source, 0, len(plan.Inputs))
	for _, f := range plan.Inputs {
		r, err := sstable.Open(c.cache, f.ID)
		if err != nil {
			return level.Edit{}, fmt.Errorf("compaction: open input %d: %w", f.ID, err)
		}
		readers = append(readers, r)
		it, err := r.NewIterator()
		if err != nil {
			return level.Edit{}, fmt.Errorf("compaction: iterate input %d: %w", f.ID, err)
		}
		iters = append(iters, it)
		sources = append(sources, it)
	}

	m := merge.New(sources, plan.Bottom)
	m.SeekToFirst()

	var added []*level.FileMeta
	wopt := sstable.WriterOptions{
		BlockSize:       c.opt.BlockSize,
		RestartInterval: c.opt.RestartInterval,
		PGMEpsilon:      c.opt.PGMEpsilon,
		Level:           plan.DestLevel,
	}
	w := sstable.NewWriter(wopt)
	var written int64

	flush := func() error {
		if w.Empty() {
			return nil
		}
		id := c.alloc.Next()
		path := sstable.FilePath(c.opt.Dir, id)
		size, err := w.Finish(c.fs, path)
		if err != nil {
			return fmt.Errorf("compaction: write output %d: %w", id, err)
		}
		added = append(added, &level.FileMeta{
			ID:             id,
			Level:          plan.DestLevel,
			MinKey:         w.MinKey(),
			MaxKey:         w.MaxKey(),
			Size:           size,
			MaxVersion:     w.MaxVersion(),
			TombstoneRatio: w.TombstoneRatio(),
		})
		written = 0
		w = sstable.NewWriter(wopt)
		return nil
	}

	for m.Valid() {
		key := append([]byte(nil), m.Key()...)
		pos := m.Pos()
		if err := w.Add(key, pos); err != nil {
			return level.Edit{}, fmt.Errorf("compaction: write entry: %w", err)
		}
		written += int64(len(key)) + int64(posid.Size)
		if c.opt.MaxFileSize > 0 && written >= c.opt.MaxFileSize {
			if err := flush(); err != nil {
				return level.Edit{}, err
			}
		}
		m.Next()
	}
	if err := flush(); err != nil {
		return level.Edit{}, err
	}

	deleted := make([]uint64, 0, len(plan.Inputs))
	for _, f := range plan.Inputs {
		deleted = append(deleted, f.ID)
	}
	return level.Edit{Deleted: deleted, Added: added}, nil
}

// Unlink removes file ids from the shared handle cache and deletes their
// backing files. Call only after the edit that drops them has been
// applied and no Snapshot still pins the Version that named them
// (level.Manager.Apply/Release report exactly this set).
func (c *Compactor) Unlink(ids []uint64) error {
	for _, id := range ids {
		c.cache.Remove(id)
		path := sstable.FilePath(c.opt.Dir, id)
		if err := c.fs.Remove(path); err != nil {
			return fmt.Errorf("compaction: remove %d: %w", id, err)
		}
	}
	return nil
}
