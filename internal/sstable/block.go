package sstable

// block.go implements the data block format: keys are delta-encoded
// against a restart point every restartInterval entries, so a reader can
// binary-search restart points and then linearly rebuild keys from there,
// bounding the work of a point lookup inside a block.
//
// Per-entry format:
//
//	shared_bytes:   varint32
//	unshared_bytes: varint32
//	value_length:   varint32
//	key_delta:      byte[unshared_bytes]
//	value:          byte[value_length]
//
// Block layout: [entry]* [restart offset: uint32]* [num_restarts: uint32]

import (
	"fmt"

	"github.com/aalhour/kvsep/internal/encoding"
)

// BlockBuilder accumulates entries for one data block in sorted key order.
type BlockBuilder struct {
	buf             []byte
	restarts        []uint32
	counter         int
	restartInterval int
	lastKey         []byte
	finished        bool
}

// NewBlockBuilder creates a builder that emits a restart point every
// restartInterval entries.
func NewBlockBuilder(restartInterval int) *BlockBuilder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &BlockBuilder{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Add appends key/value, which must sort after every previously added key.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.finished {
		panic("sstable: BlockBuilder.Add after Finish")
	}
	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}
	unshared := len(key) - shared

	b.buf = encoding.AppendVarint32(b.buf, uint32(shared))
	b.buf = encoding.AppendVarint32(b.buf, uint32(unshared))
	b.buf = encoding.AppendVarint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Empty reports whether any entry has been added.
func (b *BlockBuilder) Empty() bool { return len(b.buf) == 0 }

// EstimatedSize approximates the block's encoded size so far.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buf) + len(b.restarts)*4 + 4
}

// Finish serializes the block, including its restart array, and marks the
// builder unusable until Reset.
func (b *BlockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf = encoding.AppendFixed32(b.buf, r)
	}
	b.buf = encoding.AppendFixed32(b.buf, uint32(len(b.restarts)))
	b.finished = true
	return b.buf
}

// Reset clears the builder for reuse.
func (b *BlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:1]
	b.restarts[0] = 0
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

func sharedPrefixLen(a, b []byte) int {
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

// Block is a parsed, read-only data block.
type Block struct {
	data        []byte
	restarts    int // byte offset of the restart array within data
	numRestarts int
}

// ErrBadBlock indicates a block's trailing metadata failed to parse.
var ErrBadBlock = fmt.Errorf("sstable: corrupt block")

// NewBlock parses data (not copied; caller must keep it alive) into a Block.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrBadBlock
	}
	numRestarts := int(encoding.DecodeFixed32(data[len(data)-4:]))
	if numRestarts == 0 {
		return nil, ErrBadBlock
	}
	restartsSize := (numRestarts + 1) * 4
	if restartsSize > len(data) {
		return nil, ErrBadBlock
	}
	return &Block{
		data:        data,
		restarts:    len(data) - restartsSize,
		numRestarts: numRestarts,
	}, nil
}

func (b *Block) restartOffset(i int) uint32 {
	return encoding.DecodeFixed32(b.data[b.restarts+4*i:])
}

// blockEntry is one decoded (key, value) pair plus where the next entry
// starts, for the iterator to advance without re-parsing.
type blockEntry struct {
	key   []byte
	value []byte
	next  int
}

// decodeEntryAt parses one entry starting at offset, given the key that
// preceded it in the block (nil at a restart point).
func decodeEntryAt(data []byte, offset int, prevKey []byte) (blockEntry, error) {
	shared, n1, err := encoding.DecodeVarint32(data[offset:])
	if err != nil {
		return blockEntry{}, fmt.Errorf("sstable: decode shared: %w", err)
	}
	unshared, n2, err := encoding.DecodeVarint32(data[offset+n1:])
	if err != nil {
		return blockEntry{}, fmt.Errorf("sstable: decode unshared: %w", err)
	}
	valLen, n3, err := encoding.DecodeVarint32(data[offset+n1+n2:])
	if err != nil {
		return blockEntry{}, fmt.Errorf("sstable: decode vallen: %w", err)
	}
	pos := offset + n1 + n2 + n3
	if int(shared) > len(prevKey) {
		return blockEntry{}, ErrBadBlock
	}
	key := make([]byte, 0, int(shared)+int(unshared))
	key = append(key, prevKey[:shared]...)
	key = append(key, data[pos:pos+int(unshared)]...)
	pos += int(unshared)
	value := data[pos : pos+int(valLen)]
	pos += int(valLen)
	return blockEntry{key: key, value: value, next: pos}, nil
}

// BlockIterator walks a Block in key order.
type BlockIterator struct {
	block *Block
	pos   int // current entry's start offset, or -1 if invalid
	entry blockEntry
	err   error
}

// NewIterator returns an iterator over the block, initially invalid.
func (b *Block) NewIterator() *BlockIterator {
	return &BlockIterator{block: b, pos: -1}
}

func (it *BlockIterator) Valid() bool { return it.pos >= 0 && it.err == nil }
func (it *BlockIterator) Err() error  { return it.err }
func (it *BlockIterator) Key() []byte { return it.entry.key }
func (it *BlockIterator) Value() []byte { return it.entry.value }

// SeekToFirst positions the iterator at the block's first entry.
func (it *BlockIterator) SeekToFirst() {
	entry, err := decodeEntryAt(it.block.data, 0, nil)
	if err != nil {
		it.err = err
		it.pos = -1
		return
	}
	it.pos = 0
	it.entry = entry
}

// Next advances to the next entry in the block.
func (it *BlockIterator) Next() {
	if !it.Valid() {
		return
	}
	if it.entry.next >= it.block.restarts {
		it.pos = -1
		return
	}
	entry, err := decodeEntryAt(it.block.data, it.entry.next, it.entry.key)
	if err != nil {
		it.err = err
		it.pos = -1
		return
	}
	it.pos = it.entry.next
	it.entry = entry
}

// Seek positions the iterator at the first key >= target, using the
// restart array to binary-search the starting restart before scanning
// linearly within it.
func (it *BlockIterator) Seek(target []byte, cmp func(a, b []byte) int) {
	lo, hi := 0, it.block.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		offset := int(it.block.restartOffset(mid))
		entry, err := decodeEntryAt(it.block.data, offset, nil)
		if err != nil {
			it.err = err
			it.pos = -1
			return
		}
		if cmp(entry.key, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	offset := int(it.block.restartOffset(lo))
	entry, err := decodeEntryAt(it.block.data, offset, nil)
	if err != nil {
		it.err = err
		it.pos = -1
		return
	}
	it.pos = offset
	it.entry = entry
	for it.Valid() && cmp(it.entry.key, target) < 0 {
		it.Next()
	}
}
