package kvsep

// options.go carries the engine's configuration table (spec.md §6). There
// is no file-based config parsing: callers build Options in Go.

import (
	"fmt"

	"github.com/aalhour/kvsep/internal/compression"
	"github.com/aalhour/kvsep/internal/logging"
)

// Logger lets callers plug in their own sink; the default (DefaultOptions,
// or a nil Logger) discards all output.
type Logger = logging.Logger

// SidecarCompression selects the codec used for FILE-mode (sidecar) values.
type SidecarCompression = compression.Type

const (
	SidecarCompressionNone = compression.NoCompression
	SidecarCompressionLZ4  = compression.LZ4
	SidecarCompressionZstd = compression.Zstd
)

// Options configures an Engine. Zero value is not valid; start from
// DefaultOptions and override individual fields.
type Options struct {
	// WALMaxSize is the byte threshold at which the WAL rotates to a new
	// file (spec.md §4.1).
	WALMaxSize int64

	// WALBufMax is the per-slot cap of the WAL's double-buffered flush
	// (spec.md §4.1).
	WALBufMax int

	// BlockSize is the target uncompressed SSTable block size (spec.md §4.4).
	BlockSize int

	// RestartInterval is the number of entries between block restart
	// points (spec.md §4.4).
	RestartInterval int

	// PGMEpsilon bounds the PGM index's prediction error (spec.md §4.4).
	PGMEpsilon int

	// L0Limit is the L0 file-count compaction trigger (spec.md §4.6).
	L0Limit int

	// L1Size is L1's target byte size; higher levels scale by SizeRatio
	// (spec.md §4.6).
	L1Size int64

	// SizeRatio is the per-level growth factor (spec.md §4.6).
	SizeRatio int

	// MaxLevel is Lmax, the bottom level (spec.md §4.6).
	MaxLevel int

	// FileLRUCap bounds the number of cached open file handles
	// (spec.md §4.8).
	FileLRUCap int

	// TargetFileSize bounds both the active memtable's rotate-to-flush
	// threshold and a compaction output run's split threshold; spec.md
	// §4.1 describes the memtable's rotate_size as "proportional to target
	// L0 file size," so both consumers share this one knob.
	TargetFileSize int64

	// SidecarCompression selects the FILE-mode value codec (SPEC_FULL.md §6.1).
	SidecarCompression SidecarCompression

	// Logger receives structured diagnostics from every subsystem. Nil
	// defaults to a no-op logger.
	Logger Logger
}

// DefaultOptions returns the configuration defaults named throughout
// spec.md §4 and §6.
func DefaultOptions() Options {
	return Options{
		WALMaxSize:         64 << 20,
		WALBufMax:          4 << 20,
		BlockSize:          16 << 10,
		RestartInterval:    16,
		PGMEpsilon:         64,
		L0Limit:            4,
		L1Size:             8 << 20,
		SizeRatio:          8,
		MaxLevel:           7,
		FileLRUCap:         1024,
		TargetFileSize:     4 << 20,
		SidecarCompression: SidecarCompressionLZ4,
		Logger:             logging.NoopLogger{},
	}
}

// Validate rejects nonsensical configuration before it reaches any
// subsystem.
func (o Options) Validate() error {
	switch {
	case o.WALMaxSize <= 0:
		return fmt.Errorf("options: wal.max_size must be positive, got %d", o.WALMaxSize)
	case o.WALBufMax <= 0:
		return fmt.Errorf("options: wal.buf_max must be positive, got %d", o.WALBufMax)
	case o.BlockSize <= 0:
		return fmt.Errorf("options: sst.block_size must be positive, got %d", o.BlockSize)
	case o.RestartInterval <= 0:
		return fmt.Errorf("options: sst.restart_interval must be positive, got %d", o.RestartInterval)
	case o.PGMEpsilon <= 0:
		return fmt.Errorf("options: sst.pgm_epsilon must be positive, got %d", o.PGMEpsilon)
	case o.L0Limit <= 0:
		return fmt.Errorf("options: levels.l0_limit must be positive, got %d", o.L0Limit)
	case o.L1Size <= 0:
		return fmt.Errorf("options: levels.l1_size must be positive, got %d", o.L1Size)
	case o.SizeRatio <= 1:
		return fmt.Errorf("options: levels.size_ratio must be > 1, got %d", o.SizeRatio)
	case o.MaxLevel < 1:
		return fmt.Errorf("options: levels.max_level must be >= 1, got %d", o.MaxLevel)
	case o.FileLRUCap <= 0:
		return fmt.Errorf("options: file_lru.cap must be positive, got %d", o.FileLRUCap)
	case o.TargetFileSize <= 0:
		return fmt.Errorf("options: target_file_size must be positive, got %d", o.TargetFileSize)
	}
	return nil
}
