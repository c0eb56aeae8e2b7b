package level

import "testing"

func meta(id uint64, lvl int, min, max string) *FileMeta {
	return &FileMeta{ID: id, Level: lvl, MinKey: []byte(min), MaxKey: []byte(max), Size: 1024}
}

func TestBootstrapAndFindRun(t *testing.T) {
	m := NewManager(Options{L0Limit: 4, L1Size: 1 << 20, SizeRatio: 8, MaxLevel: 7, PGMEpsilon: 4})
	if err := m.Bootstrap([]*FileMeta{
		meta(1, 0, "m", "z"),
		meta(2, 1, "a", "f"),
		meta(3, 1, "g", "l"),
	}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	v := m.Current()
	if got := v.NumFiles(0); got != 1 {
		t.Errorf("L0 file count = %d, want 1", got)
	}
	if got := v.NumFiles(1); got != 2 {
		t.Errorf("L1 file count = %d, want 2", got)
	}

	if run := v.FindRun(1, []byte("c")); len(run) != 1 || run[0].ID != 2 {
		t.Errorf("FindRun(1, c) = %v, want file 2", run)
	}
	if run := v.FindRun(1, []byte("h")); len(run) != 1 || run[0].ID != 3 {
		t.Errorf("FindRun(1, h) = %v, want file 3", run)
	}
	if run := v.FindRun(1, []byte("zzz")); run != nil {
		t.Errorf("FindRun(1, zzz) = %v, want nil", run)
	}
	if run := v.FindRun(0, []byte("p")); len(run) != 1 || run[0].ID != 1 {
		t.Errorf("FindRun(0, p) = %v, want file 1", run)
	}
}

func TestApplyRejectsOverlap(t *testing.T) {
	m := NewManager(Options{L0Limit: 4, L1Size: 1 << 20, SizeRatio: 8, MaxLevel: 7, PGMEpsilon: 4})
	if err := m.Bootstrap(nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	_, _, _, err := m.Apply(Edit{Added: []*FileMeta{
		meta(1, 1, "a", "m"),
		meta(2, 1, "h", "z"), // overlaps file 1
	}})
	if err == nil {
		t.Fatal("Apply with overlapping L1 ranges should fail")
	}
}

func TestApplyAndReleaseDeletesUnreferencedFiles(t *testing.T) {
	m := NewManager(Options{L0Limit: 4, L1Size: 1 << 20, SizeRatio: 8, MaxLevel: 7, PGMEpsilon: 4})
	if err := m.Bootstrap([]*FileMeta{meta(1, 1, "a", "m")}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// A snapshot pins the bootstrap version before compaction replaces it.
	_, oldNum := m.AcquireCurrent()

	_, _, deletable, err := m.Apply(Edit{
		Deleted: []uint64{1},
		Added:   []*FileMeta{meta(2, 1, "a", "z")},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(deletable) != 0 {
		t.Errorf("deletable = %v, want none while snapshot pins file 1", deletable)
	}

	deletable = m.Release(oldNum)
	if len(deletable) != 1 || deletable[0] != 1 {
		t.Errorf("Release deletable = %v, want [1]", deletable)
	}
}

func TestPickLevel(t *testing.T) {
	m := NewManager(Options{L0Limit: 2, L1Size: 1 << 20, SizeRatio: 8, MaxLevel: 7, PGMEpsilon: 4})
	if err := m.Bootstrap([]*FileMeta{
		meta(1, 0, "a", "b"),
		meta(2, 0, "c", "d"),
		meta(3, 0, "e", "f"),
	}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	lvl, score := m.PickLevel()
	if lvl != 0 {
		t.Errorf("PickLevel level = %d, want 0", lvl)
	}
	if score < 1.0 {
		t.Errorf("PickLevel score = %f, want >= 1.0", score)
	}
}
