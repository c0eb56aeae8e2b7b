package sstable

// reader.go opens an immutable SSTable file, validates its footer checksum,
// and serves point lookups via filter-probe -> PGM-predicted block locate
// -> intra-block binary search, plus ordered forward/reverse iteration
// (spec.md §4.5).

import (
	"bytes"
	"fmt"

	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/filelru"
	"github.com/aalhour/kvsep/internal/filter"
	"github.com/aalhour/kvsep/internal/pgm"
	"github.com/aalhour/kvsep/internal/posid"
)

// Reader serves reads against one SSTable file through a shared file-handle
// cache, so block fetches respect the engine-wide open-handle budget
// (spec.md §4.8).
type Reader struct {
	cache  *filelru.Cache
	fileID uint64

	footer  Footer
	filter  *filter.Filter
	first   [][]byte // per-block first key
	offsets []uint64

	pgmIndex *pgm.Index // nil if the table was too small to build one

	minKey, maxKey []byte
}

// Open reads and validates fileID's footer and metadata sections through
// cache, leaving data blocks to be fetched lazily on lookup.
func Open(cache *filelru.Cache, fileID uint64) (*Reader, error) {
	h, err := cache.Acquire(fileID)
	if err != nil {
		return nil, fmt.Errorf("sstable: acquire %d: %w", fileID, err)
	}
	defer h.Release()

	size := h.Size()
	if size < int64(FooterSize) {
		return nil, fmt.Errorf("sstable: %w: file %d shorter than footer", ErrInvalidFormat, fileID)
	}
	footBuf := make([]byte, FooterSize)
	if _, err := h.ReadAt(footBuf, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	foot, err := DecodeFooter(footBuf)
	if err != nil {
		return nil, err
	}

	tailLen := size - int64(FooterSize) - int64(foot.FilterOffset)
	if tailLen < 0 {
		return nil, fmt.Errorf("sstable: %w: negative tail length", ErrInvalidFormat)
	}
	tail := make([]byte, tailLen)
	if len(tail) > 0 {
		if _, err := h.ReadAt(tail, int64(foot.FilterOffset)); err != nil {
			return nil, fmt.Errorf("sstable: read metadata tail: %w", err)
		}
	}

	filterBytes := tail[:foot.FilterLength]
	rest := tail[foot.FilterLength:]
	indexBytes := rest[:foot.IndexLength]
	rest = rest[foot.IndexLength:]
	offsetsBytes := rest[:foot.OffsetsLength()]
	rest = rest[foot.OffsetsLength():]
	pgmBytes := rest[:foot.PGMLength]

	if err := VerifyChecksum(foot, filterBytes, indexBytes, offsetsBytes, pgmBytes); err != nil {
		return nil, err
	}

	filt, err := filter.Decode(filterBytes)
	if err != nil {
		return nil, fmt.Errorf("sstable: decode filter: %w", err)
	}
	firstKeys, err := decodeFirstKeyIndex(indexBytes, int(foot.BlockCount))
	if err != nil {
		return nil, err
	}
	offsets := make([]uint64, foot.BlockCount)
	for i := range offsets {
		off := i * 8
		offsets[i] = encoding.DecodeFixed64(offsetsBytes[off : off+8])
	}

	var idx *pgm.Index
	if foot.PGMLength > 0 {
		idx, err = pgm.Decode(pgmBytes)
		if err != nil {
			return nil, fmt.Errorf("sstable: decode pgm: %w", err)
		}
	}

	var minKey, maxKey []byte
	if len(firstKeys) > 0 {
		minKey = firstKeys[0]
		lastBlock, err := readBlock(h, offsets[len(offsets)-1], blockEnd(offsets, len(offsets)-1, int64(foot.FilterOffset)))
		if err == nil {
			it := lastBlock.NewIterator()
			for it.SeekToFirst(); it.Valid(); it.Next() {
				maxKey = append(maxKey[:0], it.Key()...)
			}
		}
	}

	return &Reader{
		cache: cache, fileID: fileID,
		footer: foot, filter: filt, first: firstKeys, offsets: offsets,
		pgmIndex: idx, minKey: minKey, maxKey: maxKey,
	}, nil
}

func blockEnd(offsets []uint64, i int, filterOffset int64) int64 {
	if i+1 < len(offsets) {
		return int64(offsets[i+1])
	}
	return filterOffset
}

func readBlock(h *filelru.Handle, start, end int64) (*Block, error) {
	buf := make([]byte, end-start)
	if _, err := h.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	return NewBlock(buf)
}

// MinKey and MaxKey report the file's key range.
func (r *Reader) MinKey() []byte { return r.minKey }
func (r *Reader) MaxKey() []byte { return r.maxKey }

// MaxVersion reports the highest version any entry in the file carries.
func (r *Reader) MaxVersion() uint64 { return r.footer.MaxVersion }

// Level reports the level this file was written for.
func (r *Reader) Level() int { return int(r.footer.Level) }

// Get looks up key, returning ErrNotFound if the table provably does not
// contain it (spec.md §4.5).
func (r *Reader) Get(key []byte) (posid.Pos, error) {
	if len(r.offsets) == 0 {
		return posid.Pos{}, ErrNotFound
	}
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return posid.Pos{}, ErrNotFound
	}
	if !r.filter.MayContain(key) {
		return posid.Pos{}, ErrNotFound
	}

	blockIdx := r.locateBlock(key)
	if blockIdx < 0 {
		return posid.Pos{}, ErrNotFound
	}

	h, err := r.cache.Acquire(r.fileID)
	if err != nil {
		return posid.Pos{}, fmt.Errorf("sstable: acquire %d: %w", r.fileID, err)
	}
	defer h.Release()

	block, err := readBlock(h, int64(r.offsets[blockIdx]), blockEnd(r.offsets, blockIdx, int64(r.footer.FilterOffset)))
	if err != nil {
		return posid.Pos{}, err
	}
	it := block.NewIterator()
	it.Seek(key, bytes.Compare)
	if !it.Valid() || !bytes.Equal(it.Key(), key) {
		return posid.Pos{}, ErrNotFound
	}
	return posid.Decode(it.Value()), nil
}

// locateBlock returns the index of the block that may contain key, or -1.
func (r *Reader) locateBlock(key []byte) int {
	if r.pgmIndex != nil {
		proj := key
		if int(r.footer.PrefixLen) <= len(key) {
			proj = key[r.footer.PrefixLen:]
		}
		lo, hi := r.pgmIndex.Locate(proj)
		return r.binarySearchFirstKeys(key, lo, hi)
	}
	return r.binarySearchFirstKeys(key, 0, len(r.first)-1)
}

// binarySearchFirstKeys finds the last block whose first key is <= key,
// restricted to [lo, hi].
func (r *Reader) binarySearchFirstKeys(key []byte, lo, hi int) int {
	if lo < 0 {
		lo = 0
	}
	if hi > len(r.first)-1 {
		hi = len(r.first) - 1
	}
	if lo > hi {
		return -1
	}
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(r.first[mid], key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// Iterator walks the table's entries in key order.
type Iterator struct {
	r        *Reader
	h        *filelru.Handle
	blockIdx int
	block    *Block
	it       *BlockIterator
	reverse  bool
	err      error
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() (*Iterator, error) {
	h, err := r.cache.Acquire(r.fileID)
	if err != nil {
		return nil, fmt.Errorf("sstable: acquire %d: %w", r.fileID, err)
	}
	return &Iterator{r: r, h: h, blockIdx: -1}, nil
}

// Close releases the iterator's file handle lease.
func (it *Iterator) Close() { it.h.Release() }

func (it *Iterator) loadBlock(idx int) bool {
	if idx < 0 || idx >= len(it.r.offsets) {
		it.block, it.it = nil, nil
		return false
	}
	b, err := readBlock(it.h, int64(it.r.offsets[idx]), blockEnd(it.r.offsets, idx, int64(it.r.footer.FilterOffset)))
	if err != nil {
		it.err = err
		return false
	}
	it.blockIdx = idx
	it.block = b
	it.it = b.NewIterator()
	return true
}

// SeekToFirst positions the iterator at the table's first entry.
func (it *Iterator) SeekToFirst() {
	if !it.loadBlock(0) {
		return
	}
	it.it.SeekToFirst()
}

// SeekToLast positions the iterator at the table's last entry.
func (it *Iterator) SeekToLast() {
	if !it.loadBlock(len(it.r.offsets) - 1) {
		return
	}
	it.it.SeekToFirst()
	for it.it.Valid() {
		last := append([]byte(nil), it.it.Key()...)
		lastVal := append([]byte(nil), it.it.Value()...)
		it.it.Next()
		if !it.it.Valid() {
			it.rewindTo(last, lastVal)
			break
		}
	}
}

func (it *Iterator) rewindTo(key, value []byte) {
	it.it.SeekToFirst()
	for it.it.Valid() && !bytes.Equal(it.it.Key(), key) {
		it.it.Next()
	}
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	idx := it.r.locateBlock(target)
	if idx < 0 {
		idx = 0
	}
	if !it.loadBlock(idx) {
		return
	}
	it.it.Seek(target, bytes.Compare)
	if !it.it.Valid() {
		it.Next()
	}
}

// Next advances to the next entry in key order, crossing a block boundary
// if needed.
func (it *Iterator) Next() {
	if it.it == nil {
		return
	}
	it.it.Next()
	for !it.it.Valid() && it.blockIdx+1 < len(it.r.offsets) {
		if !it.loadBlock(it.blockIdx + 1) {
			return
		}
		it.it.SeekToFirst()
	}
}

// Prev moves to the previous entry, materializing the current block
// backward since its delta encoding is forward-only (spec.md §4.5).
func (it *Iterator) Prev() {
	if it.it == nil || it.block == nil {
		return
	}
	cur := append([]byte(nil), it.it.Key()...)
	scan := it.block.NewIterator()
	scan.SeekToFirst()
	var prevKey, prevVal []byte
	found := false
	for scan.Valid() {
		if bytes.Equal(scan.Key(), cur) {
			found = true
			break
		}
		prevKey = append(prevKey[:0], scan.Key()...)
		prevVal = append(prevVal[:0], scan.Value()...)
		scan.Next()
	}
	if found && prevKey != nil {
		it.rewindTo(prevKey, prevVal)
		return
	}
	if it.blockIdx-1 < 0 {
		it.it, it.block = nil, nil
		return
	}
	if !it.loadBlock(it.blockIdx - 1) {
		return
	}
	// Position on the last entry of the block just loaded.
	var last []byte
	for it.it.SeekToFirst(); it.it.Valid(); it.it.Next() {
		last = append(last[:0], it.it.Key()...)
	}
	it.rewindTo(last, nil)
}

func (it *Iterator) Valid() bool  { return it.it != nil && it.it.Valid() }
func (it *Iterator) Err() error   { return it.err }
func (it *Iterator) Key() []byte  { return it.it.Key() }
func (it *Iterator) Pos() posid.Pos {
	return posid.Decode(it.it.Value())
}
