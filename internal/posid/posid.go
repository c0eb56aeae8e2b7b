// Package posid provides the monotonic id/version allocator and the Pos
// value pointer shared by every on-disk format in the engine.
//
// Reference: spec component 1 (fixed-size arithmetic & IDs).
package posid

import (
	"hash/crc32"
	"sync/atomic"

	"github.com/aalhour/kvsep/internal/encoding"
)

// ieeeTable is the polynomial used for every on-disk checksum in the engine.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the CRC32 (IEEE) of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, ieeeTable)
}

// ChecksumExtend extends an existing CRC32 with more data.
func ChecksumExtend(init uint32, data []byte) uint32 {
	return crc32.Update(init, ieeeTable, data)
}

// Flag is the storage mode tag carried by a Pos.
type Flag uint8

const (
	// FlagInline means the value bytes live inside the record header.
	FlagInline Flag = 0
	// FlagInfile means the value bytes follow the header in the same WAL file.
	FlagInfile Flag = 1
	// FlagFile means the value lives in a dedicated sidecar file.
	FlagFile Flag = 2

	// tombstoneBit is set on top of the base flag to mark a deletion.
	tombstoneBit Flag = 0x80
)

// Base strips the tombstone bit, returning the underlying storage mode.
func (f Flag) Base() Flag { return f &^ tombstoneBit }

// IsTombstone reports whether the tombstone bit is set.
func (f Flag) IsTombstone() bool { return f&tombstoneBit != 0 }

// WithTombstone returns f with the tombstone bit set.
func (f Flag) WithTombstone() Flag { return f.Base() | tombstoneBit }

// String renders the flag for diagnostics.
func (f Flag) String() string {
	tomb := ""
	if f.IsTombstone() {
		tomb = "+tombstone"
	}
	switch f.Base() {
	case FlagInline:
		return "inline" + tomb
	case FlagInfile:
		return "infile" + tomb
	case FlagFile:
		return "file" + tomb
	default:
		return "unknown" + tomb
	}
}

// Size is the encoded, on-disk size of a Pos: 8 (version) + 1 (flag) +
// 8 (file id) + 8 (offset) + 4 (length) bytes.
const Size = 29

// Pos is the canonical value pointer: version, storage flag, file id,
// offset, and length. It addresses a value wherever it physically lives
// (inline in a record head, in-file in a WAL, or in a sidecar file), and
// its Version field breaks ties between competing writes of the same key
// during merge.
type Pos struct {
	Version uint64
	Flag    Flag
	FileID  uint64
	Offset  uint64
	Length  uint32
}

// Tombstone builds a tombstone Pos that back-references the prior Pos so a
// WAL replay can tell a delete of file-mode data apart from a delete of
// inline data.
func Tombstone(version uint64, prior Pos) Pos {
	return Pos{
		Version: version,
		Flag:    prior.Flag.WithTombstone(),
		FileID:  prior.FileID,
		Offset:  prior.Offset,
		Length:  prior.Length,
	}
}

// Encode appends the little-endian encoding of p to dst.
func (p Pos) Encode(dst []byte) []byte {
	dst = encoding.AppendFixed64(dst, p.Version)
	dst = append(dst, byte(p.Flag))
	dst = encoding.AppendFixed64(dst, p.FileID)
	dst = encoding.AppendFixed64(dst, p.Offset)
	dst = encoding.AppendFixed32(dst, p.Length)
	return dst
}

// Decode reads a Pos from the front of src, which must hold at least Size bytes.
func Decode(src []byte) Pos {
	_ = src[Size-1]
	var p Pos
	p.Version = encoding.DecodeFixed64(src[0:8])
	p.Flag = Flag(src[8])
	p.FileID = encoding.DecodeFixed64(src[9:17])
	p.Offset = encoding.DecodeFixed64(src[17:25])
	p.Length = encoding.DecodeFixed32(src[25:29])
	return p
}

// Allocator hands out strictly increasing 64-bit versions/ids.
//
// It is the only process-global state in the engine: a single Allocator
// is shared by everything that stamps records with a version, and it is
// seeded at open time from the highest id already observed on disk so
// ids never repeat across a restart.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator creates an allocator that will hand out seed+1 as its first id.
func NewAllocator(seed uint64) *Allocator {
	a := &Allocator{}
	a.next.Store(seed)
	return a
}

// Next returns the next monotonic id.
func (a *Allocator) Next() uint64 {
	return a.next.Add(1)
}

// Observe bumps the allocator forward if seen is larger than the current
// watermark, used while scanning existing files at open time.
func (a *Allocator) Observe(seen uint64) {
	for {
		cur := a.next.Load()
		if seen <= cur {
			return
		}
		if a.next.CompareAndSwap(cur, seen) {
			return
		}
	}
}

// Current returns the last id handed out (or the seed, if none yet).
func (a *Allocator) Current() uint64 {
	return a.next.Load()
}
