package wal

// value.go turns a resolved posid.Pos back into value bytes, the read-side
// counterpart of Writer's putInline/putFile (spec.md §4.9 "Get... read the
// value bytes via WAL: INLINE reads from Head; INFILE reads from WAL file
// at offset; FILE reads the sidecar file").

import (
	"fmt"

	"github.com/aalhour/kvsep/internal/compression"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/vfs"
)

// ReadValue resolves pos to its value bytes. walDir and binDir are the
// engine's wal/ and bin/ directories as created by Writer.Open.
func ReadValue(fs vfs.FS, walDir, binDir string, pos posid.Pos) ([]byte, error) {
	switch pos.Flag.Base() {
	case posid.FlagFile:
		return readSidecar(fs, binDir, pos)
	case posid.FlagInline, posid.FlagInfile:
		return readFromWALFile(fs, walDir, pos)
	default:
		return nil, fmt.Errorf("wal: unknown storage flag %v", pos.Flag)
	}
}

// readFromWALFile covers both INLINE and INFILE: in both cases pos.Length
// is the value's length, and they differ only in what the writer set
// pos.Offset to at write time. For INFILE it is the value's first byte; for
// INLINE it is the record's magic byte, and the value starts RecordOverhead
// bytes after it.
func readFromWALFile(fs vfs.FS, walDir string, pos posid.Pos) ([]byte, error) {
	path := FilePath(walDir, pos.FileID)
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open %d for value read: %w", pos.FileID, err)
	}
	defer f.Close()

	offset := int64(pos.Offset)
	if pos.Flag.Base() == posid.FlagInline {
		offset += int64(RecordOverhead)
	}
	buf := make([]byte, pos.Length)
	if len(buf) > 0 {
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("wal: read value at %d:%d: %w", pos.FileID, offset, err)
		}
	}
	return buf, nil
}

func readSidecar(fs vfs.FS, binDir string, pos posid.Pos) ([]byte, error) {
	path := SidecarPath(binDir, pos.FileID)
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open sidecar %d: %w", pos.FileID, err)
	}
	defer f.Close()

	size := f.Size()
	if size < 1 {
		return nil, fmt.Errorf("wal: sidecar %d shorter than codec byte", pos.FileID)
	}
	codecByte := make([]byte, 1)
	if _, err := f.ReadAt(codecByte, 0); err != nil {
		return nil, fmt.Errorf("wal: read sidecar %d codec: %w", pos.FileID, err)
	}
	payload := make([]byte, size-1)
	if len(payload) > 0 {
		if _, err := f.ReadAt(payload, 1); err != nil {
			return nil, fmt.Errorf("wal: read sidecar %d payload: %w", pos.FileID, err)
		}
	}
	return compression.Decompress(compression.Type(codecByte[0]), payload, int(pos.Length))
}
