package wal

// reader.go implements the crash-recovery scan and the replay stream used
// by engine Open (spec.md §4.1, §4.9).

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/vfs"
)

// ListFileIDs returns every WAL file id under dir, ascending. A missing dir
// is not an error; it simply means no WAL files have been created yet.
func ListFileIDs(fs vfs.FS, dir string) ([]uint64, error) {
	names, err := fs.ListDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list dir: %w", err)
	}
	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Record is one decoded WAL entry yielded during replay.
type Record struct {
	Head      Head
	Key       []byte
	Value     []byte // only populated for INLINE/INFILE; FILE-mode leaves it nil
	WALFileID uint64 // id of the WAL file this record was read from
	Offset    int64  // offset of the record's magic byte within that file
}

// RecoverValidEnd scans path forward from the file header, verifying each
// record's magic and Head CRC, and returns the offset one past the last
// record that parses cleanly. A record that fails to parse is treated as a
// torn tail and excluded (spec.md §4.1 recovery scan).
func RecoverValidEnd(fs vfs.FS, path string) (int64, error) {
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return 0, fmt.Errorf("wal: open for recovery: %w", err)
	}
	defer f.Close()

	size := f.Size()
	if size < FileHeaderSize {
		return 0, fmt.Errorf("wal: file %s shorter than header", path)
	}

	offset := int64(FileHeaderSize)
	for offset < size {
		next, ok := tryParseRecordAt(f, offset, size)
		if !ok {
			break
		}
		offset = next
	}
	return offset, nil
}

// tryParseRecordAt attempts to parse one record at offset, returning the
// offset immediately after it and true on success.
func tryParseRecordAt(f vfs.RandomAccessFile, offset, size int64) (int64, bool) {
	if offset+int64(RecordOverhead) > size {
		return 0, false
	}
	hdr := make([]byte, RecordOverhead)
	if _, err := f.ReadAt(hdr, offset); err != nil {
		return 0, false
	}
	if hdr[0] != RecordMagic {
		return 0, false
	}
	head := DecodeHead(hdr[1 : 1+HeadSize])
	wantCRC := encoding.DecodeFixed32(hdr[1+HeadSize : RecordOverhead])
	gotCRC := posid.Checksum(hdr[1 : 1+HeadSize])
	if wantCRC != gotCRC {
		return 0, false
	}

	tailLen := int64(head.KeyLen)
	if head.Flag.Base() != posid.FlagFile && !head.Flag.IsTombstone() {
		tailLen += int64(head.ValLen)
	}
	end := offset + int64(RecordOverhead) + tailLen
	if end > size {
		return 0, false
	}
	return end, true
}

// Replay opens every WAL file id in ids (ascending) and invokes fn for each
// record after (fromID, fromOffset), in file order. fn receiving a non-nil
// error stops the scan and is returned.
func Replay(fs vfs.FS, walDir string, ids []uint64, fromID uint64, fromOffset int64, fn func(Record) error) error {
	for _, id := range ids {
		start := int64(FileHeaderSize)
		if id == fromID {
			start = fromOffset
		} else if id < fromID {
			continue
		}
		if err := replayFile(fs, FilePath(walDir, id), id, start, fn); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(fs vfs.FS, path string, fileID uint64, start int64, fn func(Record) error) error {
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return fmt.Errorf("wal: open %s for replay: %w", path, err)
	}
	defer f.Close()

	size := f.Size()
	offset := start
	for offset < size {
		end, ok := tryParseRecordAt(f, offset, size)
		if !ok {
			break // torn tail; stop replay of this file
		}
		hdr := make([]byte, RecordOverhead)
		if _, err := f.ReadAt(hdr, offset); err != nil {
			return fmt.Errorf("wal: reread header: %w", err)
		}
		head := DecodeHead(hdr[1 : 1+HeadSize])

		tail := make([]byte, end-(offset+int64(RecordOverhead)))
		if len(tail) > 0 {
			if _, err := f.ReadAt(tail, offset+int64(RecordOverhead)); err != nil {
				return fmt.Errorf("wal: read record tail: %w", err)
			}
		}

		rec := Record{Head: head, WALFileID: fileID, Offset: offset}
		if head.Flag.IsTombstone() {
			rec.Key = tail
		} else if head.Flag.Base() == posid.FlagFile {
			rec.Key = tail
		} else {
			valLen := int(head.ValLen)
			rec.Value = tail[:valLen]
			rec.Key = tail[valLen:]
		}

		if err := fn(rec); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// Pos reconstructs the Pos a Record's write originally returned. For a
// tombstone only Version, Flag and FileID match: the prior value's Offset
// is not stored in the record and comes back as zero, and Length is the
// record's ValLen, which Del writes as zero.
func (r Record) Pos() posid.Pos {
	if r.Head.Flag.IsTombstone() {
		return posid.Pos{Version: r.Head.ID, Flag: r.Head.Flag, FileID: r.Head.ValFileID, Length: r.Head.ValLen}
	}
	switch r.Head.Flag.Base() {
	case posid.FlagFile:
		return posid.Pos{Version: r.Head.ID, Flag: posid.FlagFile, FileID: r.Head.ValFileID, Length: r.Head.ValLen}
	case posid.FlagInline:
		return posid.Pos{Version: r.Head.ID, Flag: posid.FlagInline, FileID: r.WALFileID, Offset: uint64(r.Offset), Length: r.Head.ValLen}
	default: // FlagInfile
		return posid.Pos{Version: r.Head.ID, Flag: posid.FlagInfile, FileID: r.WALFileID, Offset: uint64(r.Offset + int64(RecordOverhead)), Length: r.Head.ValLen}
	}
}

