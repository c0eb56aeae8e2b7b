package kvsep

// lock_manager.go enforces spec.md §6's single-process rule: each mutable
// subsystem under root/lock/ takes an OS advisory exclusive lock at open
// time, so a second process opening the same directory fails fast instead
// of corrupting shared state.

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/aalhour/kvsep/internal/vfs"
)

// subsystem names locked at well-known paths under root/lock/.
const (
	lockSubsystemWAL   = "wal"
	lockSubsystemLevel = "level"
	lockSubsystemCkp   = "ckp"
)

// lockManager acquires and releases the per-subsystem advisory locks for one
// engine open. It holds everything it locked so Close can release it all,
// even if only part of open succeeded.
type lockManager struct {
	fs      vfs.FS
	held    []io.Closer
	heldFor []string
}

func newLockManager(fs vfs.FS) *lockManager {
	return &lockManager{fs: fs}
}

// Acquire locks the named subsystem. If another process (or a stale lock
// from this process) already holds it, the returned error wraps ErrLocked
// and carries the underlying OS error's text.
func (lm *lockManager) Acquire(dir, subsystem string) error {
	path := filepath.Join(dir, "lock", subsystem)
	closer, err := lm.fs.Lock(path)
	if err != nil {
		return fmt.Errorf("%w: subsystem %q: %v", ErrLocked, subsystem, err)
	}
	lm.held = append(lm.held, closer)
	lm.heldFor = append(lm.heldFor, subsystem)
	return nil
}

// ReleaseAll releases every lock acquired so far, in reverse order.
func (lm *lockManager) ReleaseAll() error {
	var firstErr error
	for i := len(lm.held) - 1; i >= 0; i-- {
		if err := lm.held[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lock: release %q: %w", lm.heldFor[i], err)
		}
	}
	lm.held = nil
	lm.heldFor = nil
	return firstErr
}
