package level

// builder.go constructs a new Version from a prior one plus an Edit,
// grounded on the teacher's VersionBuilder (apply an edit's deletions then
// additions, sort and validate the resulting level) but without persisting
// the edit anywhere — the new Version is the only artifact.

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/aalhour/kvsep/internal/pgm"
)

// minKeyPGMThreshold is the smallest run count at which building a PGM
// over a level's min-keys is worth the construction cost; below this a
// linear/binary scan over the small slice is cheap enough on its own.
const minKeyPGMThreshold = 8

// Edit describes one atomic change to the level set: a set of files
// removed (by id, compaction inputs or an elided empty output) and a set
// of files added (flush or compaction outputs), each tagged with its
// destination level.
type Edit struct {
	Deleted []uint64
	Added   []*FileMeta
}

// Apply returns a new Version reflecting edit applied to base. base may be
// nil, producing a Version built from edit.Added alone (used at Open after
// scanning the SSTable directory).
func Apply(base *Version, number int, edit Edit, pgmEpsilon int) (*Version, error) {
	v := &Version{number: number}

	deleted := make(map[uint64]bool, len(edit.Deleted))
	for _, id := range edit.Deleted {
		deleted[id] = true
	}

	for lvl := 0; lvl < MaxLevels; lvl++ {
		var files []*FileMeta
		if base != nil {
			for _, f := range base.files[lvl] {
				if !deleted[f.ID] {
					files = append(files, f)
				}
			}
		}
		v.files[lvl] = files
	}
	for _, f := range edit.Added {
		if f.Level < 0 || f.Level >= MaxLevels {
			return nil, fmt.Errorf("level: file %d targets out-of-range level %d", f.ID, f.Level)
		}
		v.files[f.Level] = append(v.files[f.Level], f)
	}

	for lvl := 0; lvl < MaxLevels; lvl++ {
		if lvl == 0 {
			sort.Slice(v.files[0], func(i, j int) bool { return v.files[0][i].ID > v.files[0][j].ID })
			continue
		}
		files := v.files[lvl]
		sort.Slice(files, func(i, j int) bool { return bytes.Compare(files[i].MinKey, files[j].MinKey) < 0 })
		if err := validateDisjoint(lvl, files); err != nil {
			return nil, err
		}
		if len(files) >= minKeyPGMThreshold {
			pts := make([]pgm.Point, len(files))
			for i, f := range files {
				pts[i] = pgm.Point{Key: f.MinKey, Position: i}
			}
			v.minKeyIndex[lvl] = pgm.Build(pts, pgmEpsilon)
		}
	}
	return v, nil
}

// validateDisjoint enforces spec.md §4.6's L1+ invariant: runs within a
// level are sorted by min-key and their key ranges are pairwise disjoint.
func validateDisjoint(level int, files []*FileMeta) error {
	for i := 1; i < len(files); i++ {
		if bytes.Compare(files[i-1].MaxKey, files[i].MinKey) >= 0 {
			return fmt.Errorf("level: L%d files %d and %d overlap", level, files[i-1].ID, files[i].ID)
		}
	}
	return nil
}
