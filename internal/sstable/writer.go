package sstable

// writer.go streams a sorted (key, Pos) sequence into one immutable SSTable
// file: a run of delta-compressed data blocks, an XOR8 membership filter
// (not the segmented binary-fuse layout), a first-key index, a block-offset array, a PGM index
// over the first-keys, and a footer (spec.md §4.4).

import (
	"bytes"
	"fmt"

	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/filter"
	"github.com/aalhour/kvsep/internal/pgm"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/vfs"
)

// WriterOptions controls block sizing and the PGM error bound; callers pass
// the corresponding fields from the engine's Options.
type WriterOptions struct {
	BlockSize       int
	RestartInterval int
	PGMEpsilon      int
	Level           int
}

// Writer accepts entries in strictly increasing key order and produces one
// SSTable file on Finish.
type Writer struct {
	opt WriterOptions

	block      *BlockBuilder
	blockFirst []byte

	firstKeys  [][]byte
	offsets    []uint64
	allKeys    [][]byte // for the filter; includes tombstone keys
	maxVersion uint64

	dataBuf  bytes.Buffer
	lastKey  []byte
	hasEntry bool

	minKey, maxKey []byte

	totalBytes     int64
	tombstoneBytes int64
}

// NewWriter creates a Writer with opt's block sizing.
func NewWriter(opt WriterOptions) *Writer {
	if opt.RestartInterval < 1 {
		opt.RestartInterval = 16
	}
	return &Writer{
		opt:   opt,
		block: NewBlockBuilder(opt.RestartInterval),
	}
}

// Add appends one entry. key must sort strictly after every previously
// added key.
func (w *Writer) Add(key []byte, pos posid.Pos) error {
	if w.hasEntry && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("sstable: writer: keys out of order: %q after %q", key, w.lastKey)
	}
	if w.block.Empty() {
		w.blockFirst = append([]byte(nil), key...)
	}

	value := pos.Encode(make([]byte, 0, posid.Size))
	w.block.Add(key, value)

	if !w.hasEntry {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append([]byte(nil), key...)
	w.lastKey = append(w.lastKey[:0], key...)
	w.hasEntry = true
	if pos.Version > w.maxVersion {
		w.maxVersion = pos.Version
	}
	w.allKeys = append(w.allKeys, append([]byte(nil), key...))

	entryBytes := int64(len(key) + int(posid.Size))
	w.totalBytes += entryBytes
	if pos.Flag.IsTombstone() {
		w.tombstoneBytes += entryBytes
	}

	if w.block.EstimatedSize() >= w.opt.BlockSize {
		w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() {
	if w.block.Empty() {
		return
	}
	offset := uint64(w.dataBuf.Len())
	w.dataBuf.Write(w.block.Finish())
	w.offsets = append(w.offsets, offset)
	w.firstKeys = append(w.firstKeys, w.blockFirst)
	w.block.Reset()
}

// Finish flushes any pending block and writes the completed file to path
// via a temporary file plus atomic rename. An empty writer (no Add calls)
// writes nothing and returns (0, nil) (spec.md §4.4 "a zero-item input is
// allowed and results in no file").
func (w *Writer) Finish(fs vfs.FS, path string) (fileSize int64, err error) {
	w.flushBlock()
	if len(w.offsets) == 0 {
		return 0, nil
	}

	filt, err := filter.Build(w.allKeys)
	if err != nil {
		return 0, fmt.Errorf("sstable: build filter: %w", err)
	}
	filterBytes := filt.Encode()

	prefixLen := commonPrefix(w.firstKeys[0], w.firstKeys[len(w.firstKeys)-1])
	pts := make([]pgm.Point, len(w.firstKeys))
	for i, k := range w.firstKeys {
		proj := k
		if prefixLen <= len(k) {
			proj = k[prefixLen:]
		}
		pts[i] = pgm.Point{Key: proj, Position: i}
	}
	index := pgm.Build(pts, w.opt.PGMEpsilon)
	pgmBytes := index.Encode()

	indexBytes := encodeFirstKeyIndex(w.firstKeys)

	offsetsBytes := make([]byte, 0, len(w.offsets)*8)
	for _, off := range w.offsets {
		offsetsBytes = encoding.AppendFixed64(offsetsBytes, off)
	}

	foot := Footer{
		FilterOffset: uint64(w.dataBuf.Len()),
		FilterLength: uint64(len(filterBytes)),
		IndexLength:  uint64(len(indexBytes)),
		PGMLength:    uint64(len(pgmBytes)),
		BlockCount:   uint32(len(w.offsets)),
		MaxVersion:   w.maxVersion,
		PrefixLen:    uint16(prefixLen),
		Level:        uint32(w.opt.Level),
	}
	checksum := posid.Checksum(filterBytes)
	checksum = posid.ChecksumExtend(checksum, indexBytes)
	checksum = posid.ChecksumExtend(checksum, offsetsBytes)
	checksum = posid.ChecksumExtend(checksum, pgmBytes)
	checksum = posid.ChecksumExtend(checksum, []byte{FormatVersion})
	foot.Checksum = checksum

	tmpPath := path + ".tmp"
	f, err := fs.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("sstable: create temp file: %w", err)
	}
	for _, chunk := range [][]byte{w.dataBuf.Bytes(), filterBytes, indexBytes, offsetsBytes, pgmBytes, foot.Encode()} {
		if err := f.Append(chunk); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("sstable: write temp file: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("sstable: sync temp file: %w", err)
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("sstable: stat temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("sstable: close temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("sstable: rename into place: %w", err)
	}
	return size, nil
}

// MinKey and MaxKey report the file's key range. Valid only after at least
// one Add call.
func (w *Writer) MinKey() []byte { return w.minKey }
func (w *Writer) MaxKey() []byte { return w.maxKey }

// MaxVersion reports the highest version written so far.
func (w *Writer) MaxVersion() uint64 { return w.maxVersion }

// Empty reports whether Add has never been called.
func (w *Writer) Empty() bool { return !w.hasEntry }

// TombstoneRatio reports the fraction of entry bytes written so far that
// belong to tombstones, used to seed FileMeta.TombstoneRatio for
// compaction's highest-tombstone-ratio run selection (spec.md §4.6).
func (w *Writer) TombstoneRatio() float64 {
	if w.totalBytes == 0 {
		return 0
	}
	return float64(w.tombstoneBytes) / float64(w.totalBytes)
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func encodeFirstKeyIndex(keys [][]byte) []byte {
	var buf []byte
	for _, k := range keys {
		buf = encoding.AppendVarint32(buf, uint32(len(k)))
		buf = append(buf, k...)
	}
	return buf
}

func decodeFirstKeyIndex(data []byte, count int) ([][]byte, error) {
	keys := make([][]byte, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		n, read, err := encoding.DecodeVarint32(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("sstable: decode index entry %d: %w", i, err)
		}
		pos += read
		if pos+int(n) > len(data) {
			return nil, fmt.Errorf("sstable: %w: index entry %d overruns", ErrInvalidFormat, i)
		}
		keys = append(keys, data[pos:pos+int(n)])
		pos += int(n)
	}
	return keys, nil
}
