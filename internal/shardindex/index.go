// Package shardindex implements the N-way partitioned key index (§4.8):
// one map per shard, each guarded by its own reader-writer lock, with
// hash(key) mod N choosing the owning shard in non-cluster mode.
//
// Grounded on pkg/slotcache's bucket-probing index (slotcache.go) for
// the shape of a hash-partitioned map with per-bucket counters, adapted
// from slotcache's single fixed-capacity mmap table to N independently
// lockable in-memory shards.
package shardindex

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zumic/zumic/pkg/zdb"
)

// Entry is one key's index record (§3): the value, its optional expiry
// deadline, and a monotonic per-key version incremented on every write.
type Entry struct {
	Value    zdb.Value
	ExpiresAt int64 // unix nanoseconds; 0 means no expiry
	Version  uint64
}

// Counters are the per-shard observability counters named in §4.8.
type Counters struct {
	Keys          atomic.Int64
	Reads         atomic.Int64
	Writes        atomic.Int64
	LockWaitNanos atomic.Int64
}

// Snapshot is a point-in-time copy of a shard's counters.
type Snapshot struct {
	Keys          int64
	Reads         int64
	Writes        int64
	LockWaitNanos int64
}

func (c *Counters) snapshot() Snapshot {
	return Snapshot{
		Keys:          c.Keys.Load(),
		Reads:         c.Reads.Load(),
		Writes:        c.Writes.Load(),
		LockWaitNanos: c.LockWaitNanos.Load(),
	}
}

// shard owns a disjoint subset of the key space: its own map and RW
// lock. Operations acquire only the lock of the shard(s) they need.
type shard struct {
	mu       sync.RWMutex
	data     map[string]Entry
	counters Counters
}

func newShard() *shard {
	return &shard{data: make(map[string]Entry)}
}

// Index is the sharded key-value index (non-cluster mode). In cluster
// mode the store façade consults internal/cluster first to resolve a
// slot to a shard; Index itself has no notion of slots.
type Index struct {
	shards []*shard
}

// New creates an Index with numShards partitions. numShards must be >= 1.
func New(numShards uint32) *Index {
	if numShards == 0 {
		numShards = 1
	}

	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = newShard()
	}

	return &Index{shards: shards}
}

// NumShards returns the number of partitions this index was created
// with. shard_of(k) is stable across restarts as long as this value is
// stable (§8).
func (ix *Index) NumShards() uint32 {
	return uint32(len(ix.shards))
}

// ShardOf returns the partition index owning key: hash(key) mod N.
func (ix *Index) ShardOf(key []byte) uint32 {
	return shardOf(key, uint32(len(ix.shards)))
}

func shardOf(key []byte, n uint32) uint32 {
	h := fnv.New64a()
	_, _ = h.Write(key) // fnv.Write never errors
	return uint32(h.Sum64() % uint64(n))
}

// Get returns the entry for key and whether it was present and
// unexpired. Expired entries are filtered at read time, per §4.10; they
// are not evicted here (see the expiry sweeper in the store façade).
func (ix *Index) Get(key []byte, nowNanos int64) (Entry, bool) {
	s := ix.shards[ix.ShardOf(key)]

	s.mu.RLock()
	e, ok := s.data[string(key)]
	s.mu.RUnlock()

	s.counters.Reads.Add(1)

	if !ok || isExpired(e, nowNanos) {
		return Entry{}, false
	}
	return e, true
}

func isExpired(e Entry, nowNanos int64) bool {
	return e.ExpiresAt != 0 && nowNanos >= e.ExpiresAt
}

// Set stores v for key, returning the version assigned to this write.
func (ix *Index) Set(key []byte, v zdb.Value, expiresAt int64) uint64 {
	s := ix.shards[ix.ShardOf(key)]

	s.mu.Lock()
	existing, had := s.data[string(key)]
	version := uint64(1)
	if had {
		version = existing.Version + 1
	}
	s.data[string(key)] = Entry{Value: v, ExpiresAt: expiresAt, Version: version}
	if !had {
		s.counters.Keys.Add(1)
	}
	s.mu.Unlock()

	s.counters.Writes.Add(1)
	return version
}

// Del removes key, reporting whether it had been present.
func (ix *Index) Del(key []byte) bool {
	s := ix.shards[ix.ShardOf(key)]

	s.mu.Lock()
	_, had := s.data[string(key)]
	if had {
		delete(s.data, string(key))
		s.counters.Keys.Add(-1)
	}
	s.mu.Unlock()

	s.counters.Writes.Add(1)
	return had
}

// Pair is one key/value input to [Index.MSet].
type Pair struct {
	Key      []byte
	Value    zdb.Value
	ExpiresAt int64
}

// MSet partitions pairs by shard, acquires the needed shard locks in
// ascending shard-index order to avoid deadlock against a concurrent
// MSet/MGet touching an overlapping shard set, and applies each shard's
// share of the batch while holding only that shard's lock.
func (ix *Index) MSet(pairs []Pair) {
	byShard := ix.partitionPairs(pairs)

	ix.withShardsLocked(byShard, func(shardIdx uint32, s *shard) {
		for _, p := range byShard[shardIdx] {
			existing, had := s.data[string(p.Key)]
			version := uint64(1)
			if had {
				version = existing.Version + 1
			}
			s.data[string(p.Key)] = Entry{Value: p.Value, ExpiresAt: p.ExpiresAt, Version: version}
			if !had {
				s.counters.Keys.Add(1)
			}
		}
		s.counters.Writes.Add(int64(len(byShard[shardIdx])))
	})
}

// MGet is the batch counterpart of Get, with the same shard-partitioned,
// ascending-lock-order access pattern as MSet.
func (ix *Index) MGet(keys [][]byte, nowNanos int64) []zdb.Value {
	results := make(map[string]zdb.Value, len(keys))

	byShard := make(map[uint32][][]byte)
	for _, k := range keys {
		s := ix.ShardOf(k)
		byShard[s] = append(byShard[s], k)
	}

	ix.withShardsLockedRead(byShard, func(shardIdx uint32, s *shard) {
		for _, k := range byShard[shardIdx] {
			if e, ok := s.data[string(k)]; ok && !isExpired(e, nowNanos) {
				results[string(k)] = e.Value
			}
		}
		s.counters.Reads.Add(int64(len(byShard[shardIdx])))
	})

	out := make([]zdb.Value, len(keys))
	for i, k := range keys {
		if v, ok := results[string(k)]; ok {
			out[i] = v
		} else {
			out[i] = zdb.Null()
		}
	}
	return out
}

func (ix *Index) partitionPairs(pairs []Pair) map[uint32][]Pair {
	byShard := make(map[uint32][]Pair)
	for _, p := range pairs {
		s := ix.ShardOf(p.Key)
		byShard[s] = append(byShard[s], p)
	}
	return byShard
}

func (ix *Index) withShardsLocked(byShard map[uint32][]Pair, fn func(uint32, *shard)) {
	indices := sortedKeys(byShard)
	for _, idx := range indices {
		s := ix.shards[idx]
		s.mu.Lock()
		fn(idx, s)
		s.mu.Unlock()
	}
}

func (ix *Index) withShardsLockedRead(byShard map[uint32][][]byte, fn func(uint32, *shard)) {
	indices := make([]uint32, 0, len(byShard))
	for idx := range byShard {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, idx := range indices {
		s := ix.shards[idx]
		s.mu.RLock()
		fn(idx, s)
		s.mu.RUnlock()
	}
}

func sortedKeys(m map[uint32][]Pair) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns the observability counters for every shard, published for
// the store façade's Stats() call.
func (ix *Index) Stats() []Snapshot {
	out := make([]Snapshot, len(ix.shards))
	for i, s := range ix.shards {
		out[i] = s.counters.snapshot()
	}
	return out
}

// ForEach iterates every live (unexpired) entry across all shards, in
// shard order, used by the compaction worker to emit a consistent
// snapshot (§4.5 step 1-2: acquire read locks in fixed shard order,
// enumerate live entries).
func (ix *Index) ForEach(nowNanos int64, fn func(key []byte, e Entry)) {
	for _, s := range ix.shards {
		s.mu.RLock()
		for k, e := range s.data {
			if !isExpired(e, nowNanos) {
				fn([]byte(k), e)
			}
		}
		s.mu.RUnlock()
	}
}

// SweepExpired removes up to limit expired entries across all shards,
// returning the number removed. Used by the store façade's cooperative
// background expiry sweeper (§4.10).
func (ix *Index) SweepExpired(nowNanos int64, limit int) int {
	removed := 0

	for _, s := range ix.shards {
		if removed >= limit {
			break
		}

		s.mu.Lock()
		for k, e := range s.data {
			if removed >= limit {
				break
			}
			if isExpired(e, nowNanos) {
				delete(s.data, k)
				s.counters.Keys.Add(-1)
				removed++
			}
		}
		s.mu.Unlock()
	}

	return removed
}
