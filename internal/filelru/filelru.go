// Package filelru implements the bounded cache of open file handles shared
// by every reader of WAL files, sidecar blobs, and SSTables.
//
// Grounded on the teacher's block-cache LRU (container/list + map,
// ref-counted eviction) but keyed by file id rather than (file, block) and
// holding vfs.RandomAccessFile handles rather than decoded blocks.
package filelru

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/aalhour/kvsep/internal/vfs"
)

// entry is one cached handle. refs tracks readers currently using it; an
// entry with refs > 0 is never evicted even if it falls off the LRU list,
// matching spec.md §4.8's "eviction never invalidates a handle currently in
// use by a reader."
type entry struct {
	id      uint64
	file    vfs.RandomAccessFile
	refs    int
	evicted bool
	elem    *list.Element
}

// Opener resolves a file id to a path the underlying filesystem can open.
type Opener func(id uint64) (path string, err error)

// Cache is the process-wide file-handle LRU.
type Cache struct {
	fs     vfs.FS
	opener Opener
	cap    int

	mu      sync.Mutex
	entries map[uint64]*entry
	order   *list.List // front = most recently used
}

// New creates a Cache that opens files through fs, resolving ids to paths
// via opener, holding at most capacity live handles for entries with no
// outstanding reader.
func New(fs vfs.FS, opener Opener, capacity int) *Cache {
	return &Cache{
		fs:      fs,
		opener:  opener,
		cap:     capacity,
		entries: make(map[uint64]*entry),
		order:   list.New(),
	}
}

// Handle is a leased reference to an open file. Callers must call Release
// exactly once when done.
type Handle struct {
	c *Cache
	e *entry
}

// Acquire opens (or reuses) the handle for id, evicting the least-recently
// used unreferenced entry if the cache is at capacity.
func (c *Cache) Acquire(id uint64) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.refs++
		c.order.MoveToFront(e.elem)
		c.mu.Unlock()
		return &Handle{c: c, e: e}, nil
	}
	c.mu.Unlock()

	path, err := c.opener(id)
	if err != nil {
		return nil, fmt.Errorf("filelru: resolve id %d: %w", id, err)
	}
	f, err := c.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("filelru: open id %d: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		// Lost a race with a concurrent Acquire; drop our extra open.
		_ = f.Close()
		e.refs++
		c.order.MoveToFront(e.elem)
		return &Handle{c: c, e: e}, nil
	}

	e := &entry{id: id, file: f, refs: 1}
	e.elem = c.order.PushFront(e)
	c.entries[id] = e
	c.evictLocked()
	return &Handle{c: c, e: e}, nil
}

// evictLocked drops unreferenced entries from the back of the list until
// the cache is within capacity. Must be called with c.mu held.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.cap {
		victim := c.evictCandidateLocked()
		if victim == nil {
			return // everything still referenced
		}
		c.order.Remove(victim.elem)
		delete(c.entries, victim.id)
		victim.evicted = true
		_ = victim.file.Close()
	}
}

func (c *Cache) evictCandidateLocked() *entry {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if ent.refs == 0 {
			return ent
		}
	}
	return nil
}

// ReadAt reads len(buf) bytes at offset through the leased handle.
func (h *Handle) ReadAt(buf []byte, offset int64) (int, error) {
	return h.e.file.ReadAt(buf, offset)
}

// Size returns the underlying file's size.
func (h *Handle) Size() int64 {
	return h.e.file.Size()
}

// Release returns the handle to the cache, allowing eviction once no other
// reader holds it.
func (h *Handle) Release() {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	e := h.e
	e.refs--
	if e.refs == 0 && e.evicted {
		_ = e.file.Close()
	}
}

// Remove drops id from the cache unconditionally (used when a file is
// deleted by compaction), closing it once its last reference is released.
func (c *Cache) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.entries, id)
	e.evicted = true
	if e.refs == 0 {
		_ = e.file.Close()
	}
}

// Close releases every handle, including ones still referenced; callers
// must ensure no reader is mid-use.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, e := range c.entries {
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.entries = make(map[uint64]*entry)
	c.order.Init()
	return firstErr
}
