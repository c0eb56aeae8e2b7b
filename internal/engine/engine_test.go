package engine

// Exercises the Engine façade end to end: Open/Put/Get/Del/Flush/Range and
// crash recovery, using the real OS filesystem under a t.TempDir(), the same
// pattern internal/sstable and internal/compaction use for their tests.

import (
	"bytes"
	"testing"

	"github.com/aalhour/kvsep/internal/compression"
	"github.com/aalhour/kvsep/internal/logging"
	"github.com/aalhour/kvsep/internal/vfs"
)

func testConfig() Config {
	return Config{
		WALMaxSize:         1 << 20,
		WALBufMax:          4 << 10,
		BlockSize:          512,
		RestartInterval:    4,
		PGMEpsilon:         4,
		L0Limit:            4,
		L1Size:             1 << 20,
		SizeRatio:          8,
		MaxLevel:           4,
		FileLRUCap:         64,
		TargetFileSize:     1 << 10, // small, to exercise rotate/flush in tests
		SidecarCompression: compression.NoCompression,
		Logger:             logging.NoopLogger{},
	}
}

func TestPutGetDel(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	e, err := Open(fs, dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := e.Get([]byte("k1"))
	if err != nil || !ok {
		t.Fatalf("Get(k1) = %q, %v, %v", val, ok, err)
	}
	if !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("Get(k1) = %q, want v1", val)
	}

	if err := e.Del([]byte("k1")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, err := e.Get([]byte("k1")); err != nil || ok {
		t.Fatalf("Get after Del: ok=%v err=%v, want ok=false", ok, err)
	}

	if _, ok, err := e.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testConfig()

	e, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 50; i++ {
		k := []byte{byte('a' + i%26), byte(i)}
		if err := e.Put(k, bytes.Repeat([]byte{'x'}, 64)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	for i := 0; i < 50; i++ {
		k := []byte{byte('a' + i%26), byte(i)}
		val, ok, err := e2.Get(k)
		if err != nil || !ok {
			t.Fatalf("Get(%v) after reopen: ok=%v err=%v", k, ok, err)
		}
		if !bytes.Equal(val, bytes.Repeat([]byte{'x'}, 64)) {
			t.Fatalf("Get(%v) after reopen = %q, want 64 x's", k, val)
		}
	}
}

func TestReopenAfterClosePersistsWrites(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testConfig()
	cfg.TargetFileSize = 1 << 30 // large, so nothing auto-flushes before Close flushes

	e, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	val, ok, err := e2.Get([]byte("durable"))
	if err != nil || !ok {
		t.Fatalf("Get(durable) after reopen: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(val, []byte("value")) {
		t.Fatalf("Get(durable) = %q, want value", val)
	}
}

func TestRangeAscendingAndDescending(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testConfig()
	e, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := e.Put([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	// Flush a..e to an SSTable, then put f in the memtable, so the iterator
	// merges both sources; f sits at the exclusive upper bound.
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Put([]byte("f"), []byte("v-f")); err != nil {
		t.Fatalf("Put(f): %v", err)
	}

	it, err := e.Range([]byte("b"), []byte("f"))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("Range keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range keys = %v, want %v", got, want)
		}
	}

	rit, err := e.RevRange([]byte("b"), []byte("f"))
	if err != nil {
		t.Fatalf("RevRange: %v", err)
	}
	defer rit.Close()

	var rgot []string
	for ; rit.Valid(); rit.Advance() {
		rgot = append(rgot, string(rit.Key()))
	}
	rwant := []string{"e", "d", "c", "b"}
	if len(rgot) != len(rwant) {
		t.Fatalf("RevRange keys = %v, want %v", rgot, rwant)
	}
	for i := range rwant {
		if rgot[i] != rwant[i] {
			t.Fatalf("RevRange keys = %v, want %v", rgot, rwant)
		}
	}
}

func TestDelTombstoneHidesKeyAcrossFlush(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testConfig()
	e, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Del([]byte("k")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok, err := e.Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get(k) after tombstone flush: ok=%v err=%v", ok, err)
	}
}

func TestSnapshotVersionPinning(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := testConfig()
	e, err := Open(fs, dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	version := e.AcquireCurrentVersion()

	// Overwrite and flush again; this should not disturb the pinned version's
	// files since nothing references them to force compaction here.
	if err := e.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	e.ReleaseVersion(version)

	val, ok, err := e.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get(k) = ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(val, []byte("v2")) {
		t.Fatalf("Get(k) = %q, want v2", val)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	e, err := Open(fs, dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
