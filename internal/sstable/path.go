package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aalhour/kvsep/internal/vfs"
)

// fileSuffix distinguishes SSTable files from anything else that might end
// up under the engine's sst/ directory.
const fileSuffix = ".sst"

// FilePath returns the on-disk path for SSTable file id within dir,
// mirroring the wal package's zero-padded naming (wal.FilePath) so both
// kinds of files sort lexically by id within their directories.
func FilePath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, fileSuffix))
}

// ListFileIDs returns every SSTable file id under dir, ascending. A missing
// dir is not an error; it simply means no SSTables exist yet (spec.md §4.9
// "Load the level manager by scanning the SSTable directory").
func ListFileIDs(fs vfs.FS, dir string) ([]uint64, error) {
	names, err := fs.ListDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sstable: list dir: %w", err)
	}
	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
