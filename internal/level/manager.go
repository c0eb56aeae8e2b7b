package level

// manager.go owns the current Version and every older one still pinned by
// a live Snapshot, handing out new Versions via copy-on-write and
// reporting which files become safe to unlink once the last reference to
// an old Version drops (spec.md §4.6, §4.9 "reference counting for
// deferred deletion").
//
// Grounded on the teacher's VersionSet (a doubly-linked list of Versions
// with a dummy head, walked to find the oldest still-referenced Version)
// but simplified to a map keyed by version number, since this engine has
// no persisted MANIFEST requiring strict append-log ordering semantics —
// only "which files does no live reader need anymore" matters here.

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Options configures the manager's compaction thresholds and PGM epsilon,
// mirroring the corresponding root Options fields.
type Options struct {
	L0Limit    int
	L1Size     int64
	SizeRatio  int
	MaxLevel   int
	PGMEpsilon int
}

// Manager owns the current Version plus any older ones a Snapshot still
// pins, and computes which on-disk files become deletable as versions are
// released.
type Manager struct {
	opt Options

	mu       sync.Mutex
	versions map[uint64]*Version // every version with refs > 0, plus the current one
	current  *Version
	nextNum  int
}

// NewManager creates an empty Manager; call Bootstrap before using it.
func NewManager(opt Options) *Manager {
	return &Manager{opt: opt, versions: make(map[uint64]*Version)}
}

// Bootstrap builds the initial Version from files discovered by scanning
// the SSTable directory at Open (spec.md §4.9 step 4). It must be called
// exactly once, before any Apply/AcquireCurrent call.
func (m *Manager) Bootstrap(files []*FileMeta) error {
	v, err := Apply(nil, 1, Edit{Added: files}, m.opt.PGMEpsilon)
	if err != nil {
		return fmt.Errorf("level: bootstrap: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.refs = 1
	m.current = v
	m.versions[v.Number()] = v
	m.nextNum = 2
	return nil
}

// Current returns the current Version without pinning it; suitable for a
// quick peek (e.g. compaction scoring) but not for holding across a
// blocking operation that might race a concurrent Apply.
func (m *Manager) Current() *Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AcquireCurrent returns the current Version with its reference count
// incremented; the caller must Release(number) when done.
func (m *Manager) AcquireCurrent() (*Version, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.refs++
	return m.current, m.current.Number()
}

// Acquire pins an already-known version number (used when a Snapshot
// created earlier is resumed). Returns an error if that version is no
// longer tracked, meaning every prior reference was already released and
// its files may already be gone.
func (m *Manager) Acquire(number uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[number]
	if !ok {
		return fmt.Errorf("level: version %d is no longer live", number)
	}
	v.refs++
	return nil
}

// Release drops one reference to version number. It returns the set of
// file ids that are now safe to unlink: files that existed in this
// version (or any other version whose last reference just dropped) and do
// not exist in the current version or any version still referenced.
func (m *Manager) Release(number uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[number]
	if !ok {
		return nil
	}
	v.refs--
	if v.refs > 0 || v == m.current {
		return nil
	}
	delete(m.versions, number)
	return m.unreferencedFilesLocked(v)
}

// Apply builds a new Version from the current one plus edit, installs it
// as current, and releases the manager's own pin on the prior current
// version. Returns the new version, its number, and any files that became
// safe to unlink as a result (e.g. a compaction's inputs, if no Snapshot
// held the old version).
func (m *Manager) Apply(edit Edit) (*Version, uint64, []uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	v, err := Apply(old, m.nextNum, edit, m.opt.PGMEpsilon)
	if err != nil {
		return nil, 0, nil, err
	}
	v.refs = 1
	m.current = v
	m.versions[v.Number()] = v
	m.nextNum++

	old.refs--
	var deletable []uint64
	if old.refs <= 0 {
		delete(m.versions, old.Number())
		deletable = m.unreferencedFilesLocked(old)
	}
	return v, v.Number(), deletable, nil
}

// unreferencedFilesLocked computes which of gone's files are absent from
// every still-tracked version (including current). File ids are sparse
// (drawn from the engine-wide posid.Allocator), so liveness is tracked in a
// bitset over a dense per-call remapping rather than a map[uint64]bool, the
// same pattern the teacher's cache/version code used ad hoc maps for small
// dense integer sets (SPEC_FULL.md §6.3). Must be called with m.mu held.
func (m *Manager) unreferencedFilesLocked(gone *Version) []uint64 {
	index := make(map[uint64]uint)
	remap := func(id uint64) uint {
		if i, ok := index[id]; ok {
			return i
		}
		i := uint(len(index))
		index[id] = i
		return i
	}

	live := bitset.New(0)
	for _, v := range m.versions {
		for lvl := 0; lvl < MaxLevels; lvl++ {
			for _, f := range v.files[lvl] {
				live.Set(remap(f.ID))
			}
		}
	}

	var out []uint64
	for lvl := 0; lvl < MaxLevels; lvl++ {
		for _, f := range gone.files[lvl] {
			i, seen := index[f.ID]
			if !seen || !live.Test(i) {
				out = append(out, f.ID)
			}
		}
	}
	return out
}

// PickLevel returns the level with the highest compaction score and that
// score, or (-1, 0) if nothing exceeds its trigger (spec.md §4.6
// "Scoring").
func (m *Manager) PickLevel() (level int, score float64) {
	v := m.Current()
	best, bestScore := -1, 1.0 // only scores >= 1.0 trigger compaction
	for lvl := 0; lvl <= m.opt.MaxLevel; lvl++ {
		if v.NumFiles(lvl) == 0 {
			continue
		}
		s := v.score(lvl, m.opt.L0Limit, m.opt.L1Size, m.opt.SizeRatio)
		if s >= bestScore {
			best, bestScore = lvl, s
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestScore
}

// PickCompactionInput returns, for level >= 1, the run with the highest
// tombstone ratio (spec.md §4.6 "Within L1+, it picks the input run with
// the highest ratio of tombstoned bytes to total bytes"). For L0 it
// returns every run, since L0 compaction always merges the whole
// overlapping set.
func (m *Manager) PickCompactionInput(level int) []*FileMeta {
	v := m.Current()
	files := v.Files(level)
	if level == 0 || len(files) == 0 {
		return files
	}
	best := files[0]
	for _, f := range files[1:] {
		if f.TombstoneRatio > best.TombstoneRatio {
			best = f
		}
	}
	return []*FileMeta{best}
}
