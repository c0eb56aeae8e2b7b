package wal

// writer.go implements the WAL's append path: per-record encoding, file
// rotation, the double-buffered background flush, and the streaming
// large-value writer (spec.md §4.1).

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aalhour/kvsep/internal/compression"
	"github.com/aalhour/kvsep/internal/encoding"
	"github.com/aalhour/kvsep/internal/logging"
	"github.com/aalhour/kvsep/internal/mempool"
	"github.com/aalhour/kvsep/internal/posid"
	"github.com/aalhour/kvsep/internal/vfs"
)

// RotateHook is notified whenever the WAL opens a new file, so the
// checkpoint log can append a Rotate entry (spec.md §4.1/§4.2).
type RotateHook func(walID uint64) error

// Options configures a Writer.
type Options struct {
	MaxSize  int64 // wal.max_size
	BufMax   int   // wal.buf_max
	InfileMax int
	Compression compression.Type
}

// Writer is the WAL's single append path. One Writer owns the active file
// handle and its flush buffers; spec.md §5 requires that only the WAL write
// to them, which this type's exclusive ownership of fileW enforces.
type Writer struct {
	fs      vfs.FS
	dir     string
	binDir  string
	opts    Options
	alloc   *posid.Allocator
	onRotate RotateHook
	logger  logging.Logger

	mu       sync.Mutex
	fileW    vfs.WritableFile
	fileID   uint64
	offset   int64 // durable+buffered end offset of the active file

	// double buffer: writes land in buf[active]; the flusher drains
	// buf[1-active] while new writes continue into buf[active].
	buf      [2][]byte
	active   int
	flushing bool
	cond     *sync.Cond
	closed   bool
}

// Open creates or resumes a WAL writer rooted at dir/wal, seeding the id
// allocator from any existing files and opening (or creating) the active
// file at its valid end offset.
func Open(fs vfs.FS, dir string, opts Options, alloc *posid.Allocator, onRotate RotateHook, logger logging.Logger) (*Writer, error) {
	walDir := filepath.Join(dir, "wal")
	if err := fs.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	binDir := filepath.Join(dir, "bin")
	if err := fs.MkdirAll(binDir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create sidecar dir: %w", err)
	}

	w := &Writer{
		fs:       fs,
		dir:      walDir,
		binDir:   binDir,
		opts:     opts,
		alloc:    alloc,
		onRotate: onRotate,
		logger:   logging.OrDefault(logger),
	}
	w.cond = sync.NewCond(&w.mu)

	ids, err := ListFileIDs(fs, walDir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if err := w.rotateLocked(); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := ids[len(ids)-1]
	alloc.Observe(last)
	validEnd, err := RecoverValidEnd(fs, FilePath(walDir, last))
	if err != nil {
		return nil, err
	}
	wf, err := fs.OpenAppend(FilePath(walDir, last), validEnd)
	if err != nil {
		return nil, fmt.Errorf("wal: reopen active file %d: %w", last, err)
	}
	w.fileW = wf
	w.fileID = last
	w.offset = validEnd
	return w, nil
}

// FilePath returns the on-disk path for WAL file id.
func FilePath(walDir string, id uint64) string {
	return filepath.Join(walDir, fmt.Sprintf("%020d", id))
}

// rotateLocked closes the current file (if any), allocates the next file
// id, writes the file header, and notifies onRotate. Caller must hold mu.
func (w *Writer) rotateLocked() error {
	if w.fileW != nil {
		// Every byte already appended under this fileID must land in this
		// file, not the next one: flushChunk reads w.fileW under the lock,
		// so a buffered-but-undrained chunk would otherwise be written to
		// the new file while the Pos values already handed back to callers
		// still address offsets in this one.
		w.drainLocked()
		if err := w.fileW.Close(); err != nil {
			return fmt.Errorf("wal: close file %d: %w", w.fileID, err)
		}
	}
	id := w.alloc.Next()
	f, err := w.fs.Create(FilePath(w.dir, id))
	if err != nil {
		return fmt.Errorf("wal: create file %d: %w", id, err)
	}
	header := make([]byte, 0, FileHeaderSize)
	header = append(header, FileMagic[:]...)
	header = encoding.AppendFixed32(header, FileFormatVersion)
	header = encoding.AppendFixed32(header, 0) // flags, reserved
	if err := f.Append(header); err != nil {
		return fmt.Errorf("wal: write header for file %d: %w", id, err)
	}
	w.fileW = f
	w.fileID = id
	w.offset = int64(len(header))
	if w.onRotate != nil {
		if err := w.onRotate(id); err != nil {
			return fmt.Errorf("wal: rotate hook: %w", err)
		}
	}
	w.logger.Infof(logging.NSWAL+"rotated to file %d", id)
	return nil
}

// Put writes a mutation record and returns the Pos addressing its value.
func (w *Writer) Put(key, value []byte) (posid.Pos, error) {
	return w.append(key, value, 0)
}

// Del writes a tombstone for key, back-referencing prior so replay can tell
// a delete of file-mode data apart from inline data (spec.md §4.1).
func (w *Writer) Del(key []byte, prior posid.Pos) (posid.Pos, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.alloc.Next()
	h := Head{ID: id, KeyLen: uint16(len(key)), Flag: prior.Flag.WithTombstone(), ValFileID: prior.FileID}
	rec := encodeRecord(h, nil, key)
	if err := w.appendLocked(rec); err != nil {
		return posid.Pos{}, err
	}
	return posid.Tombstone(id, prior), nil
}

func (w *Writer) append(key, value []byte, _ int) (posid.Pos, error) {
	if len(key) > 0xFFFF {
		return posid.Pos{}, fmt.Errorf("wal: key length %d exceeds 65535", len(key))
	}

	flag := ChooseFlag(len(key), len(value), w.opts.InfileMax)
	switch flag.Base() {
	case posid.FlagFile:
		return w.putFile(key, value)
	default:
		return w.putInline(key, value, flag)
	}
}

// putInline handles both INLINE and INFILE modes, which share the same
// physical tail layout (value bytes then key bytes); they differ only in
// what the returned Pos.Offset addresses (see DESIGN.md "WAL record shape").
func (w *Writer) putInline(key, value []byte, flag posid.Flag) (posid.Pos, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.alloc.Next()
	h := Head{ID: id, ValLen: uint32(len(value)), KeyLen: uint16(len(key)), Flag: flag}
	headOffset := w.offset
	rec := encodeRecord(h, value, key)

	if w.offset+int64(len(rec)) > w.opts.MaxSize && w.offset > int64(FileHeaderSize) {
		if err := w.rotateLocked(); err != nil {
			return posid.Pos{}, err
		}
		headOffset = w.offset
	}

	valueOffset := headOffset + int64(RecordOverhead)
	if err := w.appendLocked(rec); err != nil {
		return posid.Pos{}, err
	}

	pos := posid.Pos{Version: id, Flag: flag, FileID: w.fileID, Length: uint32(len(value))}
	if flag.Base() == posid.FlagInline {
		pos.Offset = uint64(headOffset)
	} else {
		pos.Offset = uint64(valueOffset)
	}
	return pos, nil
}

// putFile streams a large value into a dedicated sidecar file and writes a
// WAL record that carries only the sidecar's id. The sidecar's first byte
// is its compression.Type so a later ReadValue can decode it without
// consulting the (possibly long-since-truncated) WAL record that created
// it (SPEC_FULL.md §6.1).
func (w *Writer) putFile(key, value []byte) (posid.Pos, error) {
	sidecarID := w.alloc.Next()
	path := SidecarPath(w.binDir, sidecarID)
	if err := w.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return posid.Pos{}, fmt.Errorf("wal: create sidecar dir %d: %w", sidecarID, err)
	}
	sf, err := w.fs.Create(path)
	if err != nil {
		return posid.Pos{}, fmt.Errorf("wal: create sidecar %d: %w", sidecarID, err)
	}

	codec := w.opts.Compression
	payload := value
	if codec != compression.NoCompression {
		c, cerr := compression.Compress(codec, value)
		if cerr != nil {
			_ = sf.Close()
			return posid.Pos{}, fmt.Errorf("wal: compress sidecar %d: %w", sidecarID, cerr)
		}
		if c == nil {
			codec = compression.Incompressible
		} else {
			payload = c
		}
	}
	if err := sf.Append([]byte{byte(codec)}); err != nil {
		_ = sf.Close()
		return posid.Pos{}, fmt.Errorf("wal: write sidecar %d codec: %w", sidecarID, err)
	}
	if err := sf.Append(payload); err != nil {
		_ = sf.Close()
		return posid.Pos{}, fmt.Errorf("wal: write sidecar %d: %w", sidecarID, err)
	}
	if err := sf.Sync(); err != nil {
		_ = sf.Close()
		return posid.Pos{}, fmt.Errorf("wal: sync sidecar %d: %w", sidecarID, err)
	}
	if err := sf.Close(); err != nil {
		return posid.Pos{}, fmt.Errorf("wal: close sidecar %d: %w", sidecarID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.alloc.Next()
	h := Head{ID: id, ValLen: uint32(len(value)), KeyLen: uint16(len(key)), Flag: posid.FlagFile, ValFileID: sidecarID}
	rec := encodeRecord(h, nil, key)
	if err := w.appendLocked(rec); err != nil {
		return posid.Pos{}, err
	}
	return posid.Pos{Version: id, Flag: posid.FlagFile, FileID: sidecarID, Length: uint32(len(value))}, nil
}

// SidecarPath returns the on-disk path for a FILE-mode blob id, sharded
// into two 2-char hex directories to bound fanout (SPEC_FULL.md §10).
func SidecarPath(binDir string, id uint64) string {
	hex := fmt.Sprintf("%016x", id)
	return filepath.Join(binDir, hex[0:2], hex[2:4], hex)
}

func encodeRecord(h Head, value, key []byte) []byte {
	buf := mempool.GlobalPool.Get(RecordOverhead + len(value) + len(key))
	buf = append(buf, RecordMagic)
	headStart := len(buf)
	buf = h.Encode(buf)
	crc := posid.Checksum(buf[headStart:])
	buf = encoding.AppendFixed32(buf, crc)
	if h.Flag.Base() != posid.FlagFile && len(value) > 0 {
		buf = append(buf, value...)
	}
	buf = append(buf, key...)
	return buf
}

// appendLocked pushes rec into the active buffer slot, blocking
// (spec.md §4.1 "cooperative sleep") while the slot is full, and arms the
// background flusher. Caller must hold mu.
func (w *Writer) appendLocked(rec []byte) error {
	if w.closed {
		return fmt.Errorf("wal: writer closed")
	}
	for len(w.buf[w.active])+len(rec) > w.opts.BufMax && len(w.buf[w.active]) > 0 {
		w.armFlushLocked()
		w.cond.Wait()
		if w.closed {
			return fmt.Errorf("wal: writer closed")
		}
	}
	w.buf[w.active] = append(w.buf[w.active], rec...)
	w.offset += int64(len(rec))
	// Swap to the other slot and start draining this one once it has
	// accumulated enough to be worth a write, rather than on every append;
	// Sync and the backpressure loop above force a drain regardless.
	if len(w.buf[w.active]) >= w.opts.BufMax/2 {
		w.armFlushLocked()
	}
	return nil
}

// armFlushLocked swaps the active slot with the idle one and starts
// draining the (now inactive) slot that held data, if a drain isn't
// already running. Caller must hold mu.
func (w *Writer) armFlushLocked() {
	if w.flushing {
		return
	}
	drain := w.active
	if len(w.buf[drain]) == 0 {
		return
	}
	w.active = 1 - w.active
	w.flushing = true
	chunk := w.buf[drain]
	w.buf[drain] = nil
	go w.flushChunk(drain, chunk)
}

// flushChunk drains chunk to the active file. A failed OS write is retried
// until it succeeds or the writer is closed (spec.md §4.1 failure
// semantics); it never drops bytes the caller was told were appended.
func (w *Writer) flushChunk(slot int, chunk []byte) {
	for {
		w.mu.Lock()
		closed := w.closed
		fileW := w.fileW
		w.mu.Unlock()
		if closed {
			return
		}
		if err := fileW.Append(chunk); err != nil {
			w.logger.Warnf(logging.NSWAL+"flush retry after error: %v", err)
			continue
		}
		break
	}
	mempool.GlobalPool.Put(chunk)

	w.mu.Lock()
	w.flushing = false
	// More may have accumulated in either slot while this one drained;
	// re-arm so nothing waits longer than one flush cycle.
	w.armFlushLocked()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// drainLocked blocks until both buffer slots are empty and no flush is in
// flight, so every byte appended so far is durable to the current fileW
// before the caller closes or replaces it. Caller must hold mu.
func (w *Writer) drainLocked() {
	for w.flushing || len(w.buf[0]) > 0 || len(w.buf[1]) > 0 {
		w.armFlushLocked()
		w.cond.Wait()
	}
}

// Sync drains both buffers and fsyncs the active file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	w.drainLocked()
	fileW := w.fileW
	w.mu.Unlock()
	if err := fileW.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// FileID returns the id of the currently active WAL file.
func (w *Writer) FileID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileID
}

// Offset returns the writer's current logical end offset, including bytes
// still buffered but not yet flushed.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Close drains outstanding buffers and closes the active file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		return err
	}
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	fileW := w.fileW
	w.mu.Unlock()
	if fileW == nil {
		return nil
	}
	return fileW.Close()
}
