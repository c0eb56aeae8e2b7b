// Package ckp implements the checkpoint log: a small, self-truncating
// append log that records how far the WAL has been durably absorbed into
// the memtable/SSTable state, so recovery can replay only the WAL tail that
// postdates the last checkpoint instead of the whole history (spec.md §4.2).
package ckp

import (
	"bufio"
	"fmt"

	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/vfs"
)

// Entry kinds.
const (
	kindSave   = 0x53 // 'S'
	kindRotate = 0x52 // 'R'
)

// SaveEntrySize is the on-disk size of a Save entry: kind(1) + wal_id(8) +
// offset(8) = 17 bytes.
const SaveEntrySize = 1 + 8 + 8

// RotateEntrySize is the on-disk size of a Rotate entry: kind(1) +
// wal_id(8) = 9 bytes.
const RotateEntrySize = 1 + 8

// rewriteThreshold is the number of Save entries kept before Save
// triggers a compacting rewrite of the log (spec.md §4.2 "self-truncating").
const rewriteThreshold = 3

// Log is the checkpoint log. Only the flush path appends to it; Replay is
// only used at Open time, before concurrent access begins.
type Log struct {
	fs   vfs.FS
	path string
	f    vfs.WritableFile

	saveCount int
}

// Open creates or appends to the checkpoint log at path.
func Open(fs vfs.FS, path string) (*Log, error) {
	var f vfs.WritableFile
	if fs.Exists(path) {
		wf, err := fs.OpenAppend(path, mustSize(fs, path))
		if err != nil {
			return nil, fmt.Errorf("ckp: reopen: %w", err)
		}
		f = wf
	} else {
		wf, err := fs.Create(path)
		if err != nil {
			return nil, fmt.Errorf("ckp: create: %w", err)
		}
		f = wf
	}
	return &Log{fs: fs, path: path, f: f}, nil
}

func mustSize(fs vfs.FS, path string) int64 {
	info, err := fs.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Save records that the WAL has been durably absorbed up to (walID, offset).
// It triggers a compacting rewrite once enough Save entries have
// accumulated, so the log never grows without bound.
func (l *Log) Save(walID uint64, offset int64) error {
	buf := make([]byte, 0, SaveEntrySize)
	buf = append(buf, kindSave)
	buf = encoding.AppendFixed64(buf, walID)
	buf = encoding.AppendFixed64(buf, uint64(offset))
	if err := l.f.Append(buf); err != nil {
		return fmt.Errorf("ckp: append save: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("ckp: sync: %w", err)
	}
	l.saveCount++
	if l.saveCount > rewriteThreshold {
		return l.rewrite(walID, offset)
	}
	return nil
}

// Close closes the underlying log file.
func (l *Log) Close() error {
	return l.f.Close()
}

// Rotate records that the WAL has opened a new file, so replay knows to
// skip checkpointing against files that no longer exist once old ones are
// reclaimed.
func (l *Log) Rotate(walID uint64) error {
	buf := make([]byte, 0, RotateEntrySize)
	buf = append(buf, kindRotate)
	buf = encoding.AppendFixed64(buf, walID)
	if err := l.f.Append(buf); err != nil {
		return fmt.Errorf("ckp: append rotate: %w", err)
	}
	return l.f.Sync()
}

// rewrite truncates the log down to just the latest Save entry (the only
// one recovery needs) plus nothing after it, since everything prior to a
// Save is superseded and everything after it has already been appended in
// order. Caller must have just written the Save being kept.
func (l *Log) rewrite(walID uint64, offset int64) error {
	buf := make([]byte, 0, SaveEntrySize)
	buf = append(buf, kindSave)
	buf = encoding.AppendFixed64(buf, walID)
	buf = encoding.AppendFixed64(buf, uint64(offset))

	tmpPath := l.path + ".rewrite"
	tmp, err := l.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ckp: create rewrite tmp: %w", err)
	}
	if err := tmp.Append(buf); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ckp: write rewrite tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ckp: sync rewrite tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ckp: close rewrite tmp: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("ckp: close old log: %w", err)
	}
	if err := l.fs.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("ckp: install rewrite: %w", err)
	}
	f, err := l.fs.OpenAppend(l.path, int64(len(buf)))
	if err != nil {
		return fmt.Errorf("ckp: reopen after rewrite: %w", err)
	}
	l.f = f
	l.saveCount = 1
	return nil
}

// Checkpoint is the last durable (wal_id, offset) pair found by Replay.
type Checkpoint struct {
	WALID  uint64
	Offset int64
	Valid  bool
}

// Replay reads path end to end, returning the last Save entry seen (the
// recovery starting point) and every Rotate id seen after it. A truncated
// trailing entry is silently ignored, matching the WAL's own torn-tail
// tolerance.
func Replay(fs vfs.FS, path string) (Checkpoint, []uint64, error) {
	if !fs.Exists(path) {
		return Checkpoint{}, nil, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("ckp: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var ckpt Checkpoint
	var rotates []uint64
	for {
		kind, err := r.ReadByte()
		if err != nil {
			break
		}
		switch kind {
		case kindSave:
			body := make([]byte, SaveEntrySize-1)
			if _, err := readFull(r, body); err != nil {
				return ckpt, rotates, nil
			}
			ckpt = Checkpoint{
				WALID:  encoding.DecodeFixed64(body[0:8]),
				Offset: int64(encoding.DecodeFixed64(body[8:16])),
				Valid:  true,
			}
			rotates = rotates[:0]
		case kindRotate:
			body := make([]byte, RotateEntrySize-1)
			if _, err := readFull(r, body); err != nil {
				return ckpt, rotates, nil
			}
			rotates = append(rotates, encoding.DecodeFixed64(body))
		default:
			return ckpt, rotates, nil // torn/unknown tail, stop here
		}
	}
	return ckpt, rotates, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
