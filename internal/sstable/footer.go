package sstable

// footer.go defines the fixed-size trailer every SSTable file ends with,
// pointing at the filter, index, block-offset array, and PGM index that
// precede it (spec.md §4.4's footer layout).

import (
	"fmt"

	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/posid"
)

// FormatVersion is the current on-disk SSTable format version.
const FormatVersion = 1

// footerMagic closes the file so a reader can tell a truncated file from
// one whose footer simply hasn't been read yet.
const footerMagic = 0x4B56534554424C31 // "KVSETBL1" as a little-endian u64

// FooterSize is the encoded size of Footer.
const FooterSize = 8 + 8 + 8 + 8 + 4 + 8 + 2 + 4 + 1 + 4 + 8

// Footer is the fixed trailer written after the filter, index, block-offset
// array, and PGM blocks. Every other section's position is derived from
// these fields plus BlockCount, rather than stored redundantly.
type Footer struct {
	FilterOffset uint64
	FilterLength uint64
	IndexLength  uint64
	PGMLength    uint64
	BlockCount   uint32
	MaxVersion   uint64
	PrefixLen    uint16 // common prefix length shared by every block first-key, for PGM projection
	Level        uint32
	Checksum     uint32 // CRC32 over filter||index||offsets||pgm||FormatVersion
}

// IndexOffset is where the first-key index begins.
func (f Footer) IndexOffset() uint64 { return f.FilterOffset + f.FilterLength }

// OffsetsOffset is where the block-offset array begins.
func (f Footer) OffsetsOffset() uint64 { return f.IndexOffset() + f.IndexLength }

// OffsetsLength is the byte length of the block-offset array.
func (f Footer) OffsetsLength() uint64 { return uint64(f.BlockCount) * 8 }

// PGMOffset is where the PGM index begins.
func (f Footer) PGMOffset() uint64 { return f.OffsetsOffset() + f.OffsetsLength() }

// Encode serializes the footer.
func (f Footer) Encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = encoding.AppendFixed64(buf, f.FilterOffset)
	buf = encoding.AppendFixed64(buf, f.FilterLength)
	buf = encoding.AppendFixed64(buf, f.IndexLength)
	buf = encoding.AppendFixed64(buf, f.PGMLength)
	buf = encoding.AppendFixed32(buf, f.BlockCount)
	buf = encoding.AppendFixed64(buf, f.MaxVersion)
	buf = encoding.AppendFixed16(buf, f.PrefixLen)
	buf = encoding.AppendFixed32(buf, f.Level)
	buf = append(buf, FormatVersion)
	buf = encoding.AppendFixed32(buf, f.Checksum)
	buf = encoding.AppendFixed64(buf, footerMagic)
	return buf
}

// DecodeFooter parses the trailing FooterSize bytes of an SSTable file.
func DecodeFooter(data []byte) (Footer, error) {
	if len(data) != FooterSize {
		return Footer{}, fmt.Errorf("sstable: %w: footer size %d", ErrInvalidFormat, len(data))
	}
	var f Footer
	f.FilterOffset = encoding.DecodeFixed64(data[0:8])
	f.FilterLength = encoding.DecodeFixed64(data[8:16])
	f.IndexLength = encoding.DecodeFixed64(data[16:24])
	f.PGMLength = encoding.DecodeFixed64(data[24:32])
	f.BlockCount = encoding.DecodeFixed32(data[32:36])
	f.MaxVersion = encoding.DecodeFixed64(data[36:44])
	f.PrefixLen = encoding.DecodeFixed16(data[44:46])
	f.Level = encoding.DecodeFixed32(data[46:50])
	version := data[50]
	f.Checksum = encoding.DecodeFixed32(data[51:55])
	magic := encoding.DecodeFixed64(data[55:63])
	if magic != footerMagic {
		return Footer{}, fmt.Errorf("sstable: %w: bad footer magic", ErrInvalidFormat)
	}
	if version != FormatVersion {
		return Footer{}, fmt.Errorf("sstable: %w: unsupported version %d", ErrInvalidFormat, version)
	}
	return f, nil
}

// VerifyChecksum recomputes the footer's CRC32 over the filter, index,
// offsets, and PGM sections plus the format-version byte, and compares it
// against f.Checksum.
func VerifyChecksum(f Footer, filter, index, offsets, pgm []byte) error {
	got := posid.Checksum(filter)
	got = posid.ChecksumExtend(got, index)
	got = posid.ChecksumExtend(got, offsets)
	got = posid.ChecksumExtend(got, pgm)
	got = posid.ChecksumExtend(got, []byte{FormatVersion})
	if got != f.Checksum {
		return fmt.Errorf("sstable: %w: footer checksum mismatch", ErrCorrupt)
	}
	return nil
}
