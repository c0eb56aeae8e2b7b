package kvsep

// snapshot.go gives readers a ticket into a specific level-manager version
// so compaction cannot unlink a file while someone still walks it.

import "github.com/aalhour/kvsep/internal/engine"

// Snapshot is a reader's ticket into a specific engine version. While held,
// the level manager will not unlink any SSTable that existed at the time the
// snapshot was taken, even if compaction later replaces it.
type Snapshot struct {
	eng     *engine.Engine
	version uint64
	done    bool
}

func newSnapshot(eng *engine.Engine) *Snapshot {
	version := eng.AcquireCurrentVersion()
	return &Snapshot{eng: eng, version: version}
}

// Version returns the level-manager version this snapshot pins.
func (s *Snapshot) Version() uint64 { return s.version }

// Release drops the snapshot's reference. After Release the snapshot must
// not be used again. Calling Release more than once is a no-op.
func (s *Snapshot) Release() {
	if s.done {
		return
	}
	s.done = true
	s.eng.ReleaseVersion(s.version)
}
