package sstable

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aalhour/kvsep/internal/filelru"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/vfs"
)

func writeTestTable(t *testing.T, fs vfs.FS, path string, n int) []string {
	t.Helper()
	w := NewWriter(WriterOptions{BlockSize: 256, RestartInterval: 4, PGMEpsilon: 4, Level: 1})
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		keys = append(keys, key)
		pos := posid.Pos{Version: uint64(i + 1), Flag: posid.FlagInline, FileID: 7, Offset: uint64(i), Length: 4}
		if err := w.Add([]byte(key), pos); err != nil {
			t.Fatalf("Add(%s): %v", key, err)
		}
	}
	if _, err := w.Finish(fs, path); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return keys
}

func openTestTable(t *testing.T, fs vfs.FS, dir, path string) (*Reader, *filelru.Cache) {
	t.Helper()
	cache := filelru.New(fs, func(id uint64) (string, error) {
		return path, nil
	}, 8)
	r, err := Open(cache, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, cache
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, "000001.sst")

	keys := writeTestTable(t, fs, path, 200)
	r, cache := openTestTable(t, fs, dir, path)
	defer cache.Close()

	for i, key := range keys {
		pos, err := r.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if pos.Version != uint64(i+1) {
			t.Errorf("Get(%s).Version = %d, want %d", key, pos.Version, i+1)
		}
	}

	if !bytes.Equal(r.MinKey(), []byte(keys[0])) {
		t.Errorf("MinKey = %q, want %q", r.MinKey(), keys[0])
	}
	if !bytes.Equal(r.MaxKey(), []byte(keys[len(keys)-1])) {
		t.Errorf("MaxKey = %q, want %q", r.MaxKey(), keys[len(keys)-1])
	}
}

func TestReaderGetAbsentKey(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, "000001.sst")

	writeTestTable(t, fs, path, 50)
	r, cache := openTestTable(t, fs, dir, path)
	defer cache.Close()

	if _, err := r.Get([]byte("zzz-not-present")); err == nil {
		t.Fatal("Get on out-of-range key should fail")
	}
	if _, err := r.Get([]byte("key-00007x")); err == nil {
		t.Fatal("Get on absent in-range key should fail")
	}
}

func TestReaderForwardIteration(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, "000001.sst")

	keys := writeTestTable(t, fs, path, 120)
	r, cache := openTestTable(t, fs, dir, path)
	defer cache.Close()

	it, err := r.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	it.SeekToFirst()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	if len(got) != len(keys) {
		t.Fatalf("iterated %d entries, want %d", len(got), len(keys))
	}
	for i, k := range keys {
		if got[i] != k {
			t.Fatalf("entry %d = %q, want %q", i, got[i], k)
		}
	}
}

func TestReaderReverseIteration(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, "000001.sst")

	keys := writeTestTable(t, fs, path, 80)
	r, cache := openTestTable(t, fs, dir, path)
	defer cache.Close()

	it, err := r.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	it.SeekToLast()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Prev()
	}
	if len(got) != len(keys) {
		t.Fatalf("reverse-iterated %d entries, want %d", len(got), len(keys))
	}
	for i := range keys {
		if got[i] != keys[len(keys)-1-i] {
			t.Fatalf("entry %d = %q, want %q", i, got[i], keys[len(keys)-1-i])
		}
	}
}

func TestWriterEmptyProducesNoFile(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, "000001.sst")

	w := NewWriter(WriterOptions{BlockSize: 256, RestartInterval: 4, PGMEpsilon: 4})
	size, err := w.Finish(fs, path)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if size != 0 {
		t.Errorf("size = %d, want 0", size)
	}
	if fs.Exists(path) {
		t.Error("empty writer should not create a file")
	}
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	w := NewWriter(WriterOptions{BlockSize: 256, RestartInterval: 4, PGMEpsilon: 4})
	if err := w.Add([]byte("b"), posid.Pos{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add([]byte("a"), posid.Pos{}); err == nil {
		t.Fatal("Add with out-of-order key should fail")
	}
}
