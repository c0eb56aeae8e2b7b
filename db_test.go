package kvsep

import (
	"bytes"
	"errors"
	"testing"
)

func TestOpenPutGetCloseReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := db.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := db.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(val, []byte("world")) {
		t.Fatalf("Get = %q, want world", val)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	val, err = db2.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !bytes.Equal(val, []byte("world")) {
		t.Fatalf("Get after reopen = %q, want world", val)
	}
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, err = db.Get([]byte("nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDoubleOpenSameProcessFails(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, err = Open(dir, DefaultOptions())
	if !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open error = %v, want ErrAlreadyOpen", err)
	}
}

func TestOpenAfterCloseReleasesLocks(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	if err := db2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.BlockSize = 0
	if _, err := Open(dir, opts); err == nil {
		t.Fatal("Open with BlockSize=0 succeeded, want error")
	}
}

func TestRangeOverRootAPI(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := db.Put([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	it, err := db.Range(nil, nil)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	defer it.Close()

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Range = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range = %v, want %v", got, want)
		}
	}
}

func TestDelThenGetReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Del([]byte("k")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Del error = %v, want ErrNotFound", err)
	}
}

func TestPutKeyTooLarge(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	bigKey := bytes.Repeat([]byte{'k'}, 0x10000+1)
	if err := db.Put(bigKey, []byte("v")); !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("Put(big key) error = %v, want ErrKeyTooLarge", err)
	}
}
