package kvsep

// db.go wires the public API to internal/engine: Open validates Options,
// takes the per-subsystem advisory locks, and constructs the engine; every
// other method is a thin, mutex-free delegate (the engine itself serializes
// its own execution, see doc.go "Concurrency").

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aalhour/kvsep/internal/engine"
	"github.com/aalhour/kvsep/internal/vfs"
)

// openDirs guards against opening the same directory twice within one
// process; a second OS process attempting the same is instead caught by
// the advisory locks lockManager takes.
var (
	openDirsMu sync.Mutex
	openDirs   = map[string]bool{}
)

// DB is a handle to an open engine. The zero value is not usable; construct
// one with Open.
type DB struct {
	eng  *engine.Engine
	lm   *lockManager
	dir  string
}

// Open creates or resumes a database rooted at dir, per spec.md §4.9.
func Open(dir string, opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("kvsep: resolve dir: %w", err)
	}

	openDirsMu.Lock()
	if openDirs[abs] {
		openDirsMu.Unlock()
		return nil, ErrAlreadyOpen
	}
	openDirs[abs] = true
	openDirsMu.Unlock()

	fs := vfs.Default()
	lm := newLockManager(fs)
	if err := fs.MkdirAll(filepath.Join(abs, "lock"), 0o755); err != nil {
		forgetOpenDir(abs)
		return nil, fmt.Errorf("kvsep: create lock dir: %w", err)
	}
	for _, subsystem := range []string{lockSubsystemWAL, lockSubsystemLevel, lockSubsystemCkp} {
		if err := lm.Acquire(abs, subsystem); err != nil {
			_ = lm.ReleaseAll()
			forgetOpenDir(abs)
			return nil, err
		}
	}

	eng, err := engine.Open(fs, abs, toEngineConfig(opts))
	if err != nil {
		_ = lm.ReleaseAll()
		forgetOpenDir(abs)
		return nil, fmt.Errorf("kvsep: open: %w", err)
	}

	return &DB{eng: eng, lm: lm, dir: abs}, nil
}

func forgetOpenDir(abs string) {
	openDirsMu.Lock()
	delete(openDirs, abs)
	openDirsMu.Unlock()
}

func toEngineConfig(o Options) engine.Config {
	return engine.Config{
		WALMaxSize:         o.WALMaxSize,
		WALBufMax:          o.WALBufMax,
		BlockSize:          o.BlockSize,
		RestartInterval:    o.RestartInterval,
		PGMEpsilon:         o.PGMEpsilon,
		L0Limit:            o.L0Limit,
		L1Size:             o.L1Size,
		SizeRatio:          o.SizeRatio,
		MaxLevel:           o.MaxLevel,
		FileLRUCap:         o.FileLRUCap,
		TargetFileSize:     o.TargetFileSize,
		SidecarCompression: o.SidecarCompression,
		Logger:             o.Logger,
	}
}

// Get returns key's value, or ErrNotFound if key is absent or deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, ok, err := db.eng.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

// Put durably writes key=value.
func (db *DB) Put(key, value []byte) error {
	if len(key) > 0xFFFF {
		return ErrKeyTooLarge
	}
	return db.eng.Put(key, value)
}

// Del writes a tombstone for key.
func (db *DB) Del(key []byte) error {
	return db.eng.Del(key)
}

// Range returns an ascending iterator over keys in [lo, hi). A zero-length
// lo or hi is unbounded on that side. The returned iterator must be closed.
func (db *DB) Range(lo, hi []byte) (*Iterator, error) {
	it, err := db.eng.Range(lo, hi)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// RevRange returns a descending iterator over keys in [lo, hi), starting
// just below hi. The returned iterator must be closed.
func (db *DB) RevRange(lo, hi []byte) (*Iterator, error) {
	it, err := db.eng.RevRange(lo, hi)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// Flush seals the active memtable and drains every sealed memtable to L0,
// running compaction until the level set is back under its target score.
func (db *DB) Flush() error {
	return db.eng.Flush()
}

// SyncAll flushes the memtable and fsyncs the WAL and checkpoint log.
func (db *DB) SyncAll() error {
	return db.eng.SyncAll()
}

// Snapshot pins the database's current version so concurrent compaction
// cannot unlink a file a long-lived reader still needs.
func (db *DB) Snapshot() *Snapshot {
	return newSnapshot(db.eng)
}

// Close flushes outstanding writes, releases every resource, and drops the
// advisory locks. Calling Close twice is a no-op.
func (db *DB) Close() error {
	err := db.eng.Close()
	if lmErr := db.lm.ReleaseAll(); err == nil {
		err = lmErr
	}
	forgetOpenDir(db.dir)
	return err
}

// Iterator is a range scan returned by Range or RevRange.
type Iterator struct {
	it *engine.Iterator
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value resolves and returns the current entry's value.
func (it *Iterator) Value() ([]byte, error) { return it.it.Value() }

// Next advances the iterator in whatever direction it was created for.
func (it *Iterator) Next() { it.it.Advance() }

// Close releases the iterator's pinned resources. Must be called exactly
// once.
func (it *Iterator) Close() { it.it.Close() }
