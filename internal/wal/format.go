// Package wal implements the write-ahead value log: the durable system of
// record for every mutation, and the source of truth during crash recovery.
//
// On-disk record layout (spec.md §3-§4.1):
//
//	magic(1) | Head(24) | crc32(Head)(4) | [val_bytes if INLINE/INFILE] | key_bytes
//
// Head is a fixed 24-byte struct: 64-bit monotonic id, 32-bit val_len,
// 16-bit key_len, 8-bit flag, 64-bit val_file_id, 8-bit reserved (pads the
// struct to 24 bytes; zero on write, ignored on read).
package wal

import (
	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/posid"
)

// RecordMagic prefixes every record so a recovery scan can find record
// boundaries by byte-scanning for it.
const RecordMagic = 0xE1

// FileMagic is the 8-byte magic that opens the 16-byte WAL file header; a
// 32-bit format version and 32-bit reserved flags follow it (spec.md §6 "WAL file header: 16 bytes with magic, version, flags").
var FileMagic = [8]byte{'k', 'v', 's', 'e', 'p', 'w', 'a', 'l'}

// FileHeaderSize is the fixed size of a WAL file's leading header.
const FileHeaderSize = 16

// FileFormatVersion is the on-disk WAL file format version.
const FileFormatVersion uint32 = 1

// HeadSize is the fixed, on-disk size of a Head.
const HeadSize = 24

// RecordOverhead is the magic + Head + CRC prefix on every record.
const RecordOverhead = 1 + HeadSize + 4

// InlineThreshold is the combined key+value length, in bytes, at or under
// which a value is stored INLINE rather than INFILE (spec.md §3: "tiny
// values carried inside the record header's 50-byte data region").
const InlineThreshold = 50

// DefaultInfileMax is the value-length upper bound for INFILE storage
// before a write is routed to a FILE-mode sidecar (spec.md §3).
const DefaultInfileMax = 1 << 20

// Head is the fixed-size record header.
type Head struct {
	ID        uint64
	ValLen    uint32
	KeyLen    uint16
	Flag      posid.Flag
	ValFileID uint64
}

// Encode appends the little-endian encoding of h to dst.
func (h Head) Encode(dst []byte) []byte {
	dst = encoding.AppendFixed64(dst, h.ID)
	dst = encoding.AppendFixed32(dst, h.ValLen)
	dst = encoding.AppendFixed16(dst, h.KeyLen)
	dst = append(dst, byte(h.Flag))
	dst = encoding.AppendFixed64(dst, h.ValFileID)
	dst = append(dst, 0) // reserved
	return dst
}

// DecodeHead reads a Head from the front of src, which must hold at least
// HeadSize bytes.
func DecodeHead(src []byte) Head {
	_ = src[HeadSize-1]
	return Head{
		ID:        encoding.DecodeFixed64(src[0:8]),
		ValLen:    encoding.DecodeFixed32(src[8:12]),
		KeyLen:    encoding.DecodeFixed16(src[12:14]),
		Flag:      posid.Flag(src[14]),
		ValFileID: encoding.DecodeFixed64(src[15:23]),
	}
}

// ChooseFlag decides which storage mode a write of this shape uses.
func ChooseFlag(keyLen, valLen, infileMax int) posid.Flag {
	switch {
	case keyLen+valLen <= InlineThreshold:
		return posid.FlagInline
	case valLen <= infileMax:
		return posid.FlagInfile
	default:
		return posid.FlagFile
	}
}
