package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aalhour/kvsep/internal/filelru"
	"github.com/aalhour/kvsep/internal/level"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/sstable"
	"github.com/aalhour/kvsep/internal/vfs"
)

func writeTable(t *testing.T, fs vfs.FS, dir string, id uint64, lvl int, entries map[string]posid.Pos) *level.FileMeta {
	t.Helper()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	// entries must be added in sorted order.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	w := sstable.NewWriter(sstable.WriterOptions{BlockSize: 128, RestartInterval: 4, PGMEpsilon: 4, Level: lvl})
	for _, k := range keys {
		if err := w.Add([]byte(k), entries[k]); err != nil {
			t.Fatalf("Add(%s): %v", k, err)
		}
	}
	path := sstable.FilePath(dir, id)
	size, err := w.Finish(fs, path)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return &level.FileMeta{
		ID: id, Level: lvl, MinKey: w.MinKey(), MaxKey: w.MaxKey(),
		Size: size, MaxVersion: w.MaxVersion(), TombstoneRatio: w.TombstoneRatio(),
	}
}

func TestCompactorMergesAndElidesTombstonesAtBottom(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	older := map[string]posid.Pos{
		"a": {Version: 1, FileID: 1, Length: 4},
		"b": {Version: 1, FileID: 1, Length: 4},
		"c": {Version: 1, FileID: 1, Length: 4},
	}
	newer := map[string]posid.Pos{
		"b": posid.Tombstone(2, posid.Pos{FileID: 1}), // deletes b
		"d": {Version: 2, FileID: 1, Length: 4},
	}
	metaOld := writeTable(t, fs, dir, 1, 0, older)
	metaNew := writeTable(t, fs, dir, 2, 0, newer)

	cache := filelru.New(fs, func(id uint64) (string, error) {
		return filepath.Join(dir, fmt.Sprintf("%020d.sst", id)), nil
	}, 8)

	mgr := level.NewManager(level.Options{L0Limit: 2, L1Size: 1 << 20, SizeRatio: 8, MaxLevel: 1, PGMEpsilon: 4})
	if err := mgr.Bootstrap([]*level.FileMeta{metaOld, metaNew}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	alloc := posid.NewAllocator(100)
	c := New(fs, cache, alloc, Options{
		Dir: dir, BlockSize: 128, RestartInterval: 4, PGMEpsilon: 4, MaxFileSize: 0, MaxLevel: 1,
	})

	plan, err := c.Pick(mgr)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a plan (L0 count 2 >= limit 2)")
	}
	if plan.SourceLevel != 0 || plan.DestLevel != 1 {
		t.Fatalf("plan = %+v, want source 0 dest 1", plan)
	}
	if !plan.Bottom {
		t.Fatal("expected bottom=true: L1 is empty and is the max level")
	}

	edit, err := c.Run(plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(edit.Deleted) != 2 {
		t.Fatalf("Deleted = %v, want 2 input files", edit.Deleted)
	}
	if len(edit.Added) != 1 {
		t.Fatalf("Added = %v, want 1 output file", edit.Added)
	}

	out := edit.Added[0]
	r, err := sstable.Open(cache, out.ID)
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}
	// b was tombstoned and this is the bottom level, so it must be gone.
	if _, err := r.Get([]byte("b")); err == nil {
		t.Fatal("tombstoned key b survived bottom-level compaction")
	}
	for _, want := range []string{"a", "c", "d"} {
		if _, err := r.Get([]byte(want)); err != nil {
			t.Fatalf("Get(%s): %v", want, err)
		}
	}

	if _, _, _, err := mgr.Apply(edit); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := c.Unlink(edit.Deleted); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
}

func TestCompactorKeepsTombstoneWhenNotBottom(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	l0 := map[string]posid.Pos{
		"m": posid.Tombstone(5, posid.Pos{FileID: 1}),
	}
	metaL0 := writeTable(t, fs, dir, 1, 0, l0)
	l1 := map[string]posid.Pos{
		"m": {Version: 1, FileID: 2, Length: 4},
		"z": {Version: 1, FileID: 2, Length: 4},
	}
	metaL1 := writeTable(t, fs, dir, 2, 1, l1)
	l2 := map[string]posid.Pos{
		"m": {Version: 0, FileID: 3, Length: 4},
	}
	metaL2 := writeTable(t, fs, dir, 3, 2, l2)

	cache := filelru.New(fs, func(id uint64) (string, error) {
		return filepath.Join(dir, fmt.Sprintf("%020d.sst", id)), nil
	}, 8)

	// MaxLevel 2 so L1 is not the bottom: a surviving L2 file still holds an
	// older version of "m" that the tombstone must keep shadowing.
	mgr := level.NewManager(level.Options{L0Limit: 1, L1Size: 1 << 20, SizeRatio: 8, MaxLevel: 2, PGMEpsilon: 4})
	if err := mgr.Bootstrap([]*level.FileMeta{metaL0, metaL1, metaL2}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	alloc := posid.NewAllocator(100)
	c := New(fs, cache, alloc, Options{
		Dir: dir, BlockSize: 128, RestartInterval: 4, PGMEpsilon: 4, MaxFileSize: 0, MaxLevel: 2,
	})

	plan, err := c.Pick(mgr)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a plan")
	}

	edit, err := c.Run(plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := edit.Added[0]
	r, err := sstable.Open(cache, out.ID)
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}
	pos, err := r.Get([]byte("m"))
	if err != nil {
		t.Fatalf("Get(m): %v, want tombstone preserved (not bottom level)", err)
	}
	if !pos.Flag.IsTombstone() {
		t.Fatal("expected m's tombstone to survive a non-bottom compaction")
	}
}
