//go:build windows

package vfs

import (
	"io"
	"os"
)

// lockFile acquires an exclusive lock on the named file using plain
// exclusive-create semantics; Windows mandatory locking on an open handle
// is deferred to a future platform-specific implementation.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
