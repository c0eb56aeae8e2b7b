// Package level implements the Level Manager: L0 holds overlapping runs
// ordered by id (newer wins), L1..Lmax hold non-overlapping runs sorted by
// min-key, and every mutation (flush, compaction) produces a new
// immutable Version via copy-on-write so readers never observe a
// half-updated level set (spec.md §4.6).
//
// Grounded on the teacher's Version/VersionSet reference-counting model
// (db/version_set.h/.cc): versions are immutable snapshots of "which
// SSTable files exist at each level," kept alive by refcount until no
// reader references them, at which point files unique to that version are
// safe to unlink. This package drops the teacher's persisted MANIFEST edit
// log entirely: spec.md §4.9 rebuilds level state at Open by scanning the
// SSTable directory and reading each file's footer, so there is no edit
// history to replay, only a current set of files per level.
package level

import (
	"bytes"
	"sort"

	"github.com/aalhour/kvsep/internal/pgm"
)

// MaxLevels is the maximum number of levels the manager will track,
// generous enough to hold any reasonable MaxLevel option.
const MaxLevels = 16

// FileMeta describes one immutable SSTable run.
type FileMeta struct {
	ID             uint64
	Level          int
	MinKey         []byte
	MaxKey         []byte
	Size           int64
	MaxVersion     uint64
	TombstoneRatio float64 // fraction of the file's bytes that are tombstones, for compaction input selection
}

// Version is an immutable snapshot of the set of live SSTable files at
// each level, plus the per-level PGM index over L1+ min-keys used to
// accelerate run lookup.
type Version struct {
	number int

	// files[0] holds L0 runs ordered newest-first (by id, descending).
	// files[i] for i>=1 holds Li runs sorted ascending by MinKey, with
	// pairwise-disjoint key ranges.
	files [MaxLevels][]*FileMeta

	// minKeyIndex[i] is a PGM over files[i]'s MinKeys, for i>=1. nil for
	// L0 (which is searched newest-first linearly, and for levels with
	// too few runs to bother building one.
	minKeyIndex [MaxLevels]*pgm.Index

	// refs tracks how many Snapshots or in-flight reads pin this version.
	// Guarded by the owning Manager's mutex.
	refs int
}

// Number is this version's monotonically increasing identifier.
func (v *Version) Number() uint64 { return uint64(v.number) }

// Files returns level i's runs (do not mutate the returned slice).
func (v *Version) Files(level int) []*FileMeta {
	if level < 0 || level >= MaxLevels {
		return nil
	}
	return v.files[level]
}

// NumFiles returns the number of runs at level i.
func (v *Version) NumFiles(level int) int { return len(v.Files(level)) }

// TotalSize returns the summed byte size of level i's runs.
func (v *Version) TotalSize(level int) int64 {
	var total int64
	for _, f := range v.Files(level) {
		total += f.Size
	}
	return total
}

// FindRun returns the file(s) at level that may contain key. For L0 it
// returns every overlapping run, newest first (overlap is possible and
// newest-wins). For L1+ it returns at most one run, since ranges are
// disjoint.
func (v *Version) FindRun(level int, key []byte) []*FileMeta {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	if level == 0 {
		var out []*FileMeta
		for _, f := range files { // already newest-first
			if bytes.Compare(key, f.MinKey) >= 0 && bytes.Compare(key, f.MaxKey) <= 0 {
				out = append(out, f)
			}
		}
		return out
	}

	idx := v.minKeyIndex[level]
	lo, hi := 0, len(files)-1
	if idx != nil {
		lo, hi = idx.Locate(key)
		if lo < 0 {
			lo = 0
		}
		if hi > len(files)-1 {
			hi = len(files) - 1
		}
	}
	i := sort.Search(hi-lo+1, func(n int) bool {
		return bytes.Compare(files[lo+n].MinKey, key) > 0
	}) - 1 + lo
	if i < lo || i > hi || i < 0 {
		return nil
	}
	f := files[i]
	if bytes.Compare(key, f.MinKey) >= 0 && bytes.Compare(key, f.MaxKey) <= 0 {
		return []*FileMeta{f}
	}
	return nil
}

// score returns this level's compaction priority: for L0, file count over
// the configured limit; for Li (i>=1), actual size over the target size
// for that level (spec.md §4.6 "Scoring").
func (v *Version) score(level int, l0Limit int, l1Size int64, sizeRatio int) float64 {
	if level == 0 {
		return float64(v.NumFiles(0)) / float64(l0Limit)
	}
	target := l1Size
	for i := 1; i < level; i++ {
		target *= int64(sizeRatio)
	}
	return float64(v.TotalSize(level)) / float64(target)
}
