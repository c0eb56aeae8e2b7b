// Package engine wires the WAL, checkpoint log, memtable, level manager,
// file-handle cache, and compactor into the single execution path described
// by spec.md §4.9: Open replays durable state, Put/Del route every mutation
// through the WAL before it is visible to readers, and Flush/compaction keep
// the memtable and level set bounded.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aalhour/kvsep/internal/ckp"
	"github.com/aalhour/kvsep/internal/compaction"
	"github.com/aalhour/kvsep/internal/compression"
	"github.com/aalhour/kvsep/internal/filelru"
	"github.com/aalhour/kvsep/internal/level"
	"github.com/aalhour/kvsep/internal/logging"
	"github.com/aalhour/kvsep/internal/memtable"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/sstable"
	"github.com/aalhour/kvsep/internal/vfs"
	"github.com/aalhour/kvsep/internal/wal"
)

// Config mirrors the subset of the root package's Options the engine needs.
// It is duplicated here (rather than imported) because the root package
// imports this one; the root Open constructs a Config from its own Options.
type Config struct {
	WALMaxSize         int64
	WALBufMax          int
	BlockSize          int
	RestartInterval    int
	PGMEpsilon         int
	L0Limit            int
	L1Size             int64
	SizeRatio          int
	MaxLevel           int
	FileLRUCap         int
	TargetFileSize     int64
	SidecarCompression compression.Type
	Logger             logging.Logger
}

// Engine is the engine's single execution path. Every exported method
// serializes onto mu, matching doc.go's "single logical thread" contract.
type Engine struct {
	fs  vfs.FS
	dir string

	walDir string
	binDir string
	sstDir string

	cfg    Config
	logger logging.Logger

	alloc  *posid.Allocator
	wal    *wal.Writer
	ckpLog *ckp.Log
	table  *memtable.Table
	cache  *filelru.Cache
	mgr    *level.Manager
	comp   *compaction.Compactor

	mu        sync.Mutex
	readers   map[uint64]*sstable.Reader
	closed    bool
}

// Open creates or resumes an engine rooted at dir.
func Open(fs vfs.FS, dir string, cfg Config) (*Engine, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create dir: %w", err)
	}
	walDir := filepath.Join(dir, "wal")
	binDir := filepath.Join(dir, "bin")
	sstDir := filepath.Join(dir, "sst")
	ckpDir := filepath.Join(dir, "ckp")
	if err := fs.MkdirAll(sstDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create sst dir: %w", err)
	}
	if err := fs.MkdirAll(ckpDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create ckp dir: %w", err)
	}

	logger := logging.OrDefault(cfg.Logger)
	ckpPath := filepath.Join(ckpDir, "log")
	ckpt, _, err := ckp.Replay(fs, ckpPath)
	if err != nil {
		return nil, fmt.Errorf("engine: replay checkpoint: %w", err)
	}

	alloc := posid.NewAllocator(0)
	table := memtable.NewTable(memtable.BytewiseComparator)

	walIDs, err := wal.ListFileIDs(fs, walDir)
	if err != nil {
		return nil, fmt.Errorf("engine: list wal files: %w", err)
	}
	if len(walIDs) > 0 {
		fromID, fromOffset := walIDs[0], int64(wal.FileHeaderSize)
		if ckpt.Valid {
			fromID, fromOffset = ckpt.WALID, ckpt.Offset
		}
		err := wal.Replay(fs, walDir, walIDs, fromID, fromOffset, func(rec wal.Record) error {
			alloc.Observe(rec.Head.ID)
			if rec.Head.Flag.Base() == posid.FlagFile {
				alloc.Observe(rec.Head.ValFileID)
			}
			table.Active().Put(rec.Key, rec.Pos())
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("engine: replay wal: %w", err)
		}
	}

	ckpLog, err := ckp.Open(fs, ckpPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open checkpoint log: %w", err)
	}

	walOpts := wal.Options{
		MaxSize:     cfg.WALMaxSize,
		BufMax:      cfg.WALBufMax,
		InfileMax:   wal.DefaultInfileMax,
		Compression: cfg.SidecarCompression,
	}
	walWriter, err := wal.Open(fs, dir, walOpts, alloc, ckpLog.Rotate, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	cache := filelru.New(fs, func(id uint64) (string, error) {
		return sstable.FilePath(sstDir, id), nil
	}, cfg.FileLRUCap)

	sstIDs, err := sstable.ListFileIDs(fs, sstDir)
	if err != nil {
		return nil, fmt.Errorf("engine: list sstables: %w", err)
	}
	var metas []*level.FileMeta
	for _, id := range sstIDs {
		r, err := sstable.Open(cache, id)
		if err != nil {
			return nil, fmt.Errorf("engine: open sstable %d: %w", id, err)
		}
		info, err := fs.Stat(sstable.FilePath(sstDir, id))
		if err != nil {
			return nil, fmt.Errorf("engine: stat sstable %d: %w", id, err)
		}
		metas = append(metas, &level.FileMeta{
			ID:         id,
			Level:      r.Level(),
			MinKey:     r.MinKey(),
			MaxKey:     r.MaxKey(),
			Size:       info.Size(),
			MaxVersion: r.MaxVersion(),
		})
		alloc.Observe(id)
		alloc.Observe(r.MaxVersion())
	}

	mgr := level.NewManager(level.Options{
		L0Limit:    cfg.L0Limit,
		L1Size:     cfg.L1Size,
		SizeRatio:  cfg.SizeRatio,
		MaxLevel:   cfg.MaxLevel,
		PGMEpsilon: cfg.PGMEpsilon,
	})
	if err := mgr.Bootstrap(metas); err != nil {
		return nil, fmt.Errorf("engine: bootstrap level manager: %w", err)
	}

	comp := compaction.New(fs, cache, alloc, compaction.Options{
		Dir:             sstDir,
		BlockSize:       cfg.BlockSize,
		RestartInterval: cfg.RestartInterval,
		PGMEpsilon:      cfg.PGMEpsilon,
		MaxFileSize:     cfg.TargetFileSize,
		MaxLevel:        cfg.MaxLevel,
	})

	return &Engine{
		fs: fs, dir: dir,
		walDir: walDir, binDir: binDir, sstDir: sstDir,
		cfg: cfg, logger: logger,
		alloc: alloc, wal: walWriter, ckpLog: ckpLog, table: table,
		cache: cache, mgr: mgr, comp: comp,
		readers: make(map[uint64]*sstable.Reader),
	}, nil
}

// SyncAll flushes the memtable and fsyncs the WAL and checkpoint log.
func (e *Engine) SyncAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: sync: already closed")
	}
	if err := e.flushLocked(); err != nil {
		return err
	}
	return e.wal.Sync()
}

// Close flushes outstanding writes and releases every resource the engine
// holds. Calling Close twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(e.flushLocked())
	record(e.wal.Close())
	record(e.ckpLog.Close())
	e.readers = make(map[uint64]*sstable.Reader)
	record(e.cache.Close())
	return firstErr
}

// AcquireCurrentVersion pins the engine's current level-manager version and
// returns its number; the caller must ReleaseVersion it when done.
func (e *Engine) AcquireCurrentVersion() uint64 {
	_, num := e.mgr.AcquireCurrent()
	return num
}

// ReleaseVersion drops a reference taken by AcquireCurrentVersion, unlinking
// any SSTable that becomes unreferenced as a result.
func (e *Engine) ReleaseVersion(version uint64) {
	deletable := e.mgr.Release(version)
	if len(deletable) == 0 {
		return
	}
	e.mu.Lock()
	e.dropReadersLocked(deletable)
	e.mu.Unlock()
	if err := e.comp.Unlink(deletable); err != nil {
		e.logger.Errorf(logging.NSEngine+"unlink released files: %v", err)
	}
}
