// Package pgm implements a piecewise-linear learned index over an
// SSTable's sorted first-keys: instead of a traditional block index it
// fits line segments to the (projected key, block index) points so a
// lookup predicts a block's position directly and only needs to check a
// bounded neighborhood (spec.md §4.4 "PGM over first-keys").
//
// There is no existing piecewise-linear index library in the example
// corpus; this is a from-scratch implementation of the greedy PGM-index
// construction algorithm (Ferragina & Vinciguerra, "The PGM-index", 2020),
// grounded on the paper's published algorithm rather than on any one
// repository (see DESIGN.md).
package pgm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/aalhour/kvsep/internal/encoding"
)

// Point is one (key, position) sample fed to the builder. Position is the
// index of key within the sorted sequence the index is built over (e.g.
// an SSTable's block number).
type Point struct {
	Key      []byte
	Position int
}

// segment is a single linear piece: for x in [firstKey, nextFirstKey), the
// predicted position is slope*(x-firstKey) + intercept.
type segment struct {
	firstKey  uint64
	slope     float64
	intercept float64
}

// Index answers approximate-position queries within a guaranteed error
// bound of epsilon entries, set at Build time.
type Index struct {
	segments []segment
	epsilon  int
	count    int // number of points the index was built over
}

// projectKey maps a byte key to a uint64 that preserves lexicographic
// order for keys that differ within their first 8 bytes. Keys sharing an
// 8-byte prefix project to the same value; the index degrades gracefully
// in that case since it only needs to bound a search window, not identify
// a unique position.
func projectKey(key []byte) uint64 {
	var buf [8]byte
	copy(buf[:], key)
	return binary.BigEndian.Uint64(buf[:])
}

// Build fits a piecewise-linear index to pts (already sorted ascending by
// Position, with Key non-decreasing) guaranteeing every prediction is
// within epsilon of the true position.
func Build(pts []Point, epsilon int) *Index {
	if epsilon < 1 {
		epsilon = 1
	}
	idx := &Index{epsilon: epsilon, count: len(pts)}
	if len(pts) == 0 {
		return idx
	}

	i := 0
	for i < len(pts) {
		start := i
		x0 := projectKey(pts[start].Key)
		y0 := float64(pts[start].Position)

		if start+1 >= len(pts) {
			idx.segments = append(idx.segments, segment{firstKey: x0, slope: 0, intercept: y0})
			break
		}

		// Track the admissible slope range [loSlope, hiSlope] consistent
		// with every point seen so far staying within epsilon of the
		// line through (x0, y0).
		var loSlope, hiSlope float64
		haveBounds := false
		j := start + 1
		for ; j < len(pts); j++ {
			dx := float64(projectKey(pts[j].Key)) - float64(x0)
			dy := float64(pts[j].Position) - y0
			if dx == 0 {
				// Same projection as the segment start; any slope keeps
				// this point within bound as long as dy itself is small.
				if dy > float64(epsilon) || -dy > float64(epsilon) {
					break
				}
				continue
			}
			lo := (dy - float64(epsilon)) / dx
			hi := (dy + float64(epsilon)) / dx
			if !haveBounds {
				loSlope, hiSlope = lo, hi
				haveBounds = true
				continue
			}
			newLo, newHi := max(loSlope, lo), min(hiSlope, hi)
			if newLo > newHi {
				break // adding this point makes the segment infeasible
			}
			loSlope, hiSlope = newLo, newHi
		}

		slope := 0.0
		if haveBounds {
			slope = (loSlope + hiSlope) / 2
		}
		idx.segments = append(idx.segments, segment{firstKey: x0, slope: slope, intercept: y0})
		i = j
	}
	return idx
}

// Locate predicts the position of key and returns a [lo, hi] window
// (inclusive, clamped to [0, count-1]) guaranteed to contain the true
// position if key is present, per the epsilon bound used at Build time.
func (idx *Index) Locate(key []byte) (lo, hi int) {
	if len(idx.segments) == 0 {
		return 0, -1
	}
	x := projectKey(key)
	s := idx.segmentFor(x)
	pred := s.slope*(float64(x)-float64(s.firstKey)) + s.intercept
	predPos := int(pred)
	lo = predPos - idx.epsilon
	hi = predPos + idx.epsilon
	if lo < 0 {
		lo = 0
	}
	if hi > idx.count-1 {
		hi = idx.count - 1
	}
	return lo, hi
}

// segmentFor returns the last segment whose firstKey is <= x.
func (idx *Index) segmentFor(x uint64) segment {
	lo, hi := 0, len(idx.segments)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if idx.segments[mid].firstKey <= x {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return idx.segments[lo]
}

// Encode serializes the index: epsilon, count, segment count, then each
// segment's firstKey/slope/intercept.
func (idx *Index) Encode() []byte {
	buf := make([]byte, 0, 16+len(idx.segments)*24)
	buf = encoding.AppendFixed32(buf, uint32(idx.epsilon))
	buf = encoding.AppendFixed32(buf, uint32(idx.count))
	buf = encoding.AppendFixed32(buf, uint32(len(idx.segments)))
	for _, s := range idx.segments {
		buf = encoding.AppendFixed64(buf, s.firstKey)
		buf = encoding.AppendFixed64(buf, math.Float64bits(s.slope))
		buf = encoding.AppendFixed64(buf, math.Float64bits(s.intercept))
	}
	return buf
}

// Decode parses an index previously produced by Encode.
func Decode(data []byte) (*Index, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("pgm: truncated index")
	}
	epsilon := int(encoding.DecodeFixed32(data[0:4]))
	count := int(encoding.DecodeFixed32(data[4:8]))
	numSegments := int(encoding.DecodeFixed32(data[8:12]))
	data = data[12:]
	if len(data) < numSegments*24 {
		return nil, fmt.Errorf("pgm: truncated segments")
	}
	segments := make([]segment, numSegments)
	for i := range segments {
		off := i * 24
		segments[i] = segment{
			firstKey:  encoding.DecodeFixed64(data[off : off+8]),
			slope:     math.Float64frombits(encoding.DecodeFixed64(data[off+8 : off+16])),
			intercept: math.Float64frombits(encoding.DecodeFixed64(data[off+16 : off+24])),
		}
	}
	return &Index{segments: segments, epsilon: epsilon, count: count}, nil
}
