// Package compression implements the codecs for FILE-mode sidecar values:
// none, LZ4, and Zstd, plus an Incompressible tag. The writer stores the
// Type as each sidecar file's first byte; INLINE and INFILE values are
// written uncompressed, and the Head flag byte carries no compression bits
// (SPEC_FULL.md §6.1).
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a value codec.
type Type uint8

const (
	// NoCompression stores the value bytes unmodified.
	NoCompression Type = 0x0

	// LZ4 is the default sidecar codec (DefaultOptions): cheap CPU cost.
	LZ4 Type = 0x1

	// Zstd trades CPU for ratio; intended for FILE-mode sidecar values
	// where the write is already paying a dedicated-file cost.
	Zstd Type = 0x2

	// Incompressible marks a value whose compression was probed and found
	// not worth the CPU; the stored bytes are the original, uncompressed
	// ones, same as NoCompression, but the bit distinguishes "we checked
	// and it wasn't worth it" from "we never checked" for diagnostics.
	Incompressible Type = 0x3
)

func (t Type) String() string {
	switch t {
	case NoCompression:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Incompressible:
		return "incompressible"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Compress encodes data with t. NoCompression and Incompressible both
// return data unchanged.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression, Incompressible:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// Decompress decodes data previously encoded with t. expectedSize, if
// known, sizes the LZ4 destination buffer exactly.
func Decompress(t Type, data []byte, expectedSize int) ([]byte, error) {
	switch t {
	case NoCompression, Incompressible:
		return data, nil
	case LZ4:
		return decompressLZ4(data, expectedSize)
	case Zstd:
		return decompressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(data, dst, ht[:])
	if err != nil {
		return nil, fmt.Errorf("compression: lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, nil // incompressible; caller falls back to Incompressible
	}
	return dst[:n], nil
}

func decompressLZ4(data []byte, expectedSize int) ([]byte, error) {
	bufSize := expectedSize
	if bufSize <= 0 {
		bufSize = max(len(data)*4, 256)
	}
	for range 10 {
		dst := make([]byte, bufSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return dst[:n], nil
		}
		if expectedSize > 0 {
			return nil, fmt.Errorf("compression: lz4 decompress: %w", err)
		}
		bufSize *= 2
	}
	return nil, fmt.Errorf("compression: lz4 decompress: buffer too small after retries")
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("compression: zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
