package memtable

// memtable.go implements the engine's in-memory Key->Pos index (spec.md
// §4.3). A MemTable is a single ordered map; Table owns the active
// memtable plus up to two sealed ones awaiting flush, so writers never
// block on a slow flush for longer than it takes to fill one more
// memtable.

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/kvsep/internal/posid"
)

// nodeOverhead approximates per-entry skiplist bookkeeping (pointer array,
// atomic value slot) so ApproximateMemoryUsage tracks real footprint, not
// just key+value bytes.
const nodeOverhead = 64

// MemTable is a single ordered Key->Pos map. Seal only sets the flag that
// Sealed reports; no method checks it, so Put on a sealed memtable still
// succeeds. Callers route writes to the Table's active memtable instead.
type MemTable struct {
	skiplist *SkipList
	compare  Comparator

	mu          sync.Mutex
	memoryUsage int64
	sealed      atomic.Bool

	// discard accumulates Pos values superseded by an overwrite or
	// tombstone in this memtable, handed out by DrainDiscards. Nothing in
	// this module drains them or reclaims the space they occupy.
	discardMu sync.Mutex
	discard   []posid.Pos
}

// New creates an empty, writable MemTable.
func New(cmp Comparator) *MemTable {
	if cmp == nil {
		cmp = BytewiseComparator
	}
	return &MemTable{
		skiplist: NewSkipList(cmp),
		compare:  cmp,
	}
}

// Put records pos as the current location of key, returning the Pos it
// superseded (if any) so the caller can track it for GC accounting even
// before the memtable itself is flushed.
func (mt *MemTable) Put(key []byte, pos posid.Pos) (prior posid.Pos, hadPrior bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	encoded := pos.Encode(make([]byte, 0, posid.Size))
	if old, ok := mt.skiplist.Get(key); ok {
		prior = posid.Decode(old)
		hadPrior = true
		mt.recordDiscard(prior)
	}

	inserted := mt.skiplist.Upsert(key, encoded)
	delta := int64(len(key) + posid.Size + nodeOverhead)
	if !inserted {
		delta = int64(posid.Size) // value slot swap only; key/node already accounted
	}
	atomic.AddInt64(&mt.memoryUsage, delta)
	return prior, hadPrior
}

// Get returns the Pos currently recorded for key.
func (mt *MemTable) Get(key []byte) (posid.Pos, bool) {
	raw, ok := mt.skiplist.Get(key)
	if !ok {
		return posid.Pos{}, false
	}
	return posid.Decode(raw), true
}

func (mt *MemTable) recordDiscard(p posid.Pos) {
	mt.discardMu.Lock()
	mt.discard = append(mt.discard, p)
	mt.discardMu.Unlock()
}

// DrainDiscards removes and returns every Pos superseded in this memtable
// since the last call. No caller in this module uses it.
func (mt *MemTable) DrainDiscards() []posid.Pos {
	mt.discardMu.Lock()
	defer mt.discardMu.Unlock()
	out := mt.discard
	mt.discard = nil
	return out
}

// Seal marks the memtable read-only. Table calls this when rotating a
// memtable out of the active slot.
func (mt *MemTable) Seal() { mt.sealed.Store(true) }

// Sealed reports whether Seal has been called.
func (mt *MemTable) Sealed() bool { return mt.sealed.Load() }

// Count returns the number of live keys in the memtable.
func (mt *MemTable) Count() int64 { return mt.skiplist.Count() }

// ApproximateMemoryUsage returns the approximate memory footprint in bytes.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return atomic.LoadInt64(&mt.memoryUsage)
}

// NewIterator returns an iterator over the memtable's Key->Pos entries.
func (mt *MemTable) NewIterator() *EntryIterator {
	return &EntryIterator{it: mt.skiplist.NewIterator()}
}

// EntryIterator iterates a MemTable's decoded (key, Pos) pairs in key order.
type EntryIterator struct {
	it *Iterator
}

func (e *EntryIterator) Valid() bool        { return e.it.Valid() }
func (e *EntryIterator) SeekToFirst()       { e.it.SeekToFirst() }
func (e *EntryIterator) SeekToLast()        { e.it.SeekToLast() }
func (e *EntryIterator) Seek(key []byte)    { e.it.Seek(key) }
func (e *EntryIterator) Next()              { e.it.Next() }
func (e *EntryIterator) Prev()              { e.it.Prev() }
func (e *EntryIterator) Key() []byte        { return e.it.Key() }
func (e *EntryIterator) Pos() posid.Pos     { return posid.Decode(e.it.Value()) }

// Table owns the write path's active memtable plus up to two sealed ones
// awaiting flush. A write always lands in the active memtable; Rotate
// seals it and starts a fresh one, refusing to rotate further once two
// sealed memtables are already queued so a stalled flush applies
// backpressure instead of growing memory without bound.
type Table struct {
	cmp Comparator

	mu     sync.RWMutex
	active *MemTable
	sealed []*MemTable // oldest first; flush drains index 0
}

// MaxSealed is the number of sealed memtables Table will queue before
// Rotate refuses further rotation (spec.md §4.3).
const MaxSealed = 2

// NewTable creates a Table with a single empty active memtable.
func NewTable(cmp Comparator) *Table {
	return &Table{cmp: cmp, active: New(cmp)}
}

// Active returns the current write-target memtable.
func (t *Table) Active() *MemTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Rotate seals the active memtable and starts a new one. It returns false
// without rotating if MaxSealed memtables are already queued for flush.
func (t *Table) Rotate() (*MemTable, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sealed) >= MaxSealed {
		return nil, false
	}
	old := t.active
	old.Seal()
	t.sealed = append(t.sealed, old)
	t.active = New(t.cmp)
	return old, true
}

// OldestSealed returns the longest-queued sealed memtable, or nil if none.
func (t *Table) OldestSealed() *MemTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.sealed) == 0 {
		return nil
	}
	return t.sealed[0]
}

// RetireOldestSealed drops the oldest sealed memtable once its flush to an
// SSTable is durable.
func (t *Table) RetireOldestSealed(flushed *MemTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sealed) == 0 || t.sealed[0] != flushed {
		return
	}
	t.sealed = t.sealed[1:]
}

// Get looks up key across the active memtable and every sealed one, newest
// first, since a sealed memtable may hold a write more recent than what
// has reached the active one only in the sense that rotation order, not
// wall-clock time, determines precedence.
func (t *Table) Get(key []byte) (posid.Pos, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos, ok := t.active.Get(key); ok {
		return pos, true
	}
	for i := len(t.sealed) - 1; i >= 0; i-- {
		if pos, ok := t.sealed[i].Get(key); ok {
			return pos, true
		}
	}
	return posid.Pos{}, false
}

// All returns the active memtable and every sealed memtable, newest first,
// for the merge iterator to fan out over (spec.md §4.7).
func (t *Table) All() []*MemTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*MemTable, 0, len(t.sealed)+1)
	out = append(out, t.active)
	for i := len(t.sealed) - 1; i >= 0; i-- {
		out = append(out, t.sealed[i])
	}
	return out
}
