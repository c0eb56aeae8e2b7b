/*
Package kvsep is an embedded, single-node key/value storage engine built
around KV separation: a write-ahead value log (WAL) holds every mutation
durably, a memtable indexes recent writes, and flush and compaction (run
inline by the write path, not in the background) push cold data into
leveled SSTables that carry an XOR8 membership filter (not the segmented
binary-fuse layout) and a PGM learned index instead of a traditional block
index.

Keys and values are opaque byte strings. Deletes are tombstones, not
immediate removals; they are elided only once compaction reaches the bottom
level a key's range has settled into.

# Usage

	db, err := kvsep.Open("/var/lib/myapp/kv", kvsep.DefaultOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put([]byte("k1"), []byte("v1")); err != nil {
		return err
	}
	v, err := db.Get([]byte("k1"))

# Concurrency

An Engine is a single logical thread of execution internally (see
internal/engine); it is safe to call from multiple goroutines, which are
serialized onto that internal execution order. Each DB wraps exactly one
engine; this package has no namespaced or sharded variant that spreads
state over several engines.

# Scope

This package implements the core read/write/compaction/recovery pipeline. It
does not include a CLI, a config file parser, secondary indexing, or
multi-node replication.
*/
package kvsep
