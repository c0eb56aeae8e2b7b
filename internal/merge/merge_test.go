package merge

import (
	"testing"

	"github.com/aalhour/kvsep/internal/posid"
)

// fakeSource is a simple in-memory Source over a sorted slice of (key, Pos)
// pairs, used to exercise the heap merge without standing up a memtable or
// sstable.
type fakeSource struct {
	keys []string
	pos  []posid.Pos
	i    int
}

func newFake(pairs ...any) *fakeSource {
	s := &fakeSource{i: -1}
	for i := 0; i < len(pairs); i += 2 {
		s.keys = append(s.keys, pairs[i].(string))
		s.pos = append(s.pos, pairs[i+1].(posid.Pos))
	}
	return s
}

func (s *fakeSource) Valid() bool { return s.i >= 0 && s.i < len(s.keys) }
func (s *fakeSource) SeekToFirst() {
	if len(s.keys) == 0 {
		s.i = -1
		return
	}
	s.i = 0
}
func (s *fakeSource) SeekToLast() {
	s.i = len(s.keys) - 1
}
func (s *fakeSource) Seek(key []byte) {
	for i, k := range s.keys {
		if k >= string(key) {
			s.i = i
			return
		}
	}
	s.i = len(s.keys)
}
func (s *fakeSource) Next() { s.i++ }
func (s *fakeSource) Prev() { s.i-- }
func (s *fakeSource) Key() []byte { return []byte(s.keys[s.i]) }
func (s *fakeSource) Pos() posid.Pos { return s.pos[s.i] }

func v(ver uint64) posid.Pos { return posid.Pos{Version: ver} }

func collect(it *Iterator) []string {
	var out []string
	for it.Valid() {
		out = append(out, string(it.Key()))
		it.Next()
	}
	return out
}

func TestMergeOrdersAcrossSources(t *testing.T) {
	a := newFake("a", v(1), "c", v(1), "e", v(1))
	b := newFake("b", v(1), "d", v(1), "f", v(1))
	m := New([]Source{a, b}, false)
	m.SeekToFirst()
	got := collect(m)
	want := []string{"a", "b", "c", "d", "e", "f"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergeDedupesKeepingNewestVersion(t *testing.T) {
	older := newFake("k", v(1))
	newer := newFake("k", v(5))
	m := New([]Source{older, newer}, false)
	m.SeekToFirst()
	if !m.Valid() {
		t.Fatal("expected one merged entry")
	}
	if m.Pos().Version != 5 {
		t.Fatalf("Pos().Version = %d, want 5 (newest)", m.Pos().Version)
	}
	m.Next()
	if m.Valid() {
		t.Fatalf("expected merge to be exhausted after the single deduped key, got %q", m.Key())
	}
}

func TestMergeSkipsTombstonesWhenRequested(t *testing.T) {
	tomb := posid.Pos{Version: 3, Flag: posid.FlagInline.WithTombstone()}
	a := newFake("a", v(1), "b", tomb, "c", v(1))
	m := New([]Source{a}, true)
	m.SeekToFirst()
	got := collect(m)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("got %v, want [a c] with tombstone elided", got)
	}
}

func TestMergeKeepsTombstonesWhenNotSkipping(t *testing.T) {
	tomb := posid.Pos{Version: 3, Flag: posid.FlagInline.WithTombstone()}
	a := newFake("a", v(1), "b", tomb)
	m := New([]Source{a}, false)
	m.SeekToFirst()
	got := collect(m)
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("got %v, want tombstone to be yielded when skipTombstones is false", got)
	}
}

func TestMergeReverse(t *testing.T) {
	a := newFake("a", v(1), "c", v(1))
	b := newFake("b", v(1), "d", v(1))
	m := New([]Source{a, b}, false)
	m.SeekToLast()
	var got []string
	for m.Valid() {
		got = append(got, string(m.Key()))
		m.Prev()
	}
	want := []string{"d", "c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergeSeek(t *testing.T) {
	a := newFake("a", v(1), "c", v(1), "e", v(1))
	b := newFake("b", v(1), "d", v(1), "f", v(1))
	m := New([]Source{a, b}, false)
	m.Seek([]byte("c"))
	got := collect(m)
	want := []string{"c", "d", "e", "f"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
