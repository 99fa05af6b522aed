// Package store composes the durable storage engine, the sharded
// index, and (optionally) the cluster slot manager into the single
// façade external callers use (C10, §4.10): the store façade is
// consulted first, locates the owning shard by key hash
// (shardindex.Index.ShardOf; the cluster slot map is not consulted for
// routing), applies the mutation in memory, then appends it to the AOF
// durably.
//
// Grounded on pkg/mddb.DB's role as a single entry point composing its
// WAL, its index, and its query layer behind one type with a
// context-aware API; Store plays the same role here for C2-C9 instead
// of mddb's document store.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/zumic/zumic/internal/aof"
	"github.com/zumic/zumic/internal/cluster"
	"github.com/zumic/zumic/internal/compaction"
	"github.com/zumic/zumic/internal/recovery"
	"github.com/zumic/zumic/internal/shardindex"
	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
)

// Config configures a Store. NumShards is the sole source of truth for
// shard count (Open Question decision, DESIGN.md "Open Question
// decisions" #2): nothing else in the module hard-codes a shard count.
type Config struct {
	DataDir           string
	NumShards         uint32
	FormatVersion     zdb.FormatVersion
	Fsync             aof.FsyncPolicy
	CompactionTrigger compaction.Trigger
	Codec             zdb.Options

	// ClusterEnabled creates the cluster slot map (C9) that Rebalance and
	// SlotMap use. Keys always route by shardindex.Index.ShardOf; the slot
	// map is not consulted by Get, Set, Del, MSet or MGet.
	ClusterEnabled bool
	Rebalancer     cluster.RebalancerConfig

	// ExpirySweepInterval is how often the background sweeper scans for
	// expired keys. 0 disables the background sweeper (expiry is still
	// enforced lazily on read).
	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int

	// Now returns the current time; overridable in tests. Defaults to
	// time.Now.
	Now func() time.Time
}

func (c Config) aofPath() string     { return filepath.Join(c.DataDir, "zumic.aof") }
func (c Config) snapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }
func (c Config) lockPath() string    { return filepath.Join(c.DataDir, "zumic.lock") }

// Store is the storage façade: Get/Set/Del/MSet/MGet backed by the
// sharded index, durable via the AOF, checkpointed via background
// compaction, recovered on Open via internal/recovery.
type Store struct {
	cfg     Config
	fsys    zfs.FS
	index   *shardindex.Index
	aofw    *aof.Writer
	comp    *compaction.Worker
	slots   *cluster.Map // nil unless Config.ClusterEnabled
	dirLock *zfs.Lock    // cross-process exclusivity on cfg.DataDir

	now func() time.Time

	mu       sync.Mutex
	closed   bool
	stopBg   chan struct{}
	bgDone   sync.WaitGroup
}

// recoverySink adapts *shardindex.Index to internal/recovery.Sink.
type recoverySink struct {
	index *shardindex.Index
}

func (s recoverySink) ApplySnapshotEntry(key []byte, value zdb.Value) {
	s.index.Set(key, value, 0)
}

func (s recoverySink) ApplySet(key []byte, value zdb.Value) {
	s.index.Set(key, value, 0)
}

func (s recoverySink) ApplyDel(key []byte) {
	s.index.Del(key)
}

// compactionSource adapts *shardindex.Index to internal/compaction.Source.
type compactionSource struct {
	index *shardindex.Index
}

func (s compactionSource) ForEach(nowNanos int64, fn func(key []byte, value zdb.Value, expiresAt int64)) {
	s.index.ForEach(nowNanos, func(key []byte, e shardindex.Entry) {
		fn(key, e.Value, e.ExpiresAt)
	})
}

// Open recovers state from the newest valid snapshot plus the AOF
// tail (internal/recovery), then opens the store for traffic.
func Open(fsys zfs.FS, cfg Config) (*Store, error) {
	if cfg.NumShards == 0 {
		cfg.NumShards = 1
	}
	if cfg.FormatVersion == 0 {
		cfg.FormatVersion = zdb.CurrentFormatVersion
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	if err := fsys.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating data dir: %w", err)
	}
	if err := fsys.MkdirAll(cfg.snapshotDir(), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating snapshot dir: %w", err)
	}

	// Exclusive cross-process lock on the data directory: two zumicd
	// processes must never replay/append the same AOF concurrently.
	dirLock, err := zfs.NewLocker(fsys).TryLock(cfg.lockPath())
	if err != nil {
		return nil, fmt.Errorf("store: acquiring data dir lock (is another zumicd already running against %q?): %w", cfg.DataDir, err)
	}

	index := shardindex.New(cfg.NumShards)

	if _, err := recovery.Recover(fsys, cfg.snapshotDir(), cfg.aofPath(), cfg.FormatVersion, cfg.Codec, recoverySink{index: index}); err != nil {
		_ = dirLock.Close()
		return nil, fmt.Errorf("store: recovery: %w", err)
	}

	aofw, err := aof.NewWriter(fsys, cfg.aofPath(), cfg.FormatVersion, cfg.Fsync)
	if err != nil {
		_ = dirLock.Close()
		return nil, fmt.Errorf("store: opening AOF writer: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		fsys:    fsys,
		index:   index,
		aofw:    aofw,
		dirLock: dirLock,
		now:     now,
	}

	s.comp = compaction.NewWorker(fsys, cfg.snapshotDir(), cfg.FormatVersion, cfg.CompactionTrigger, compactionSource{index: index}, s.aofOffset)

	if cfg.ClusterEnabled {
		s.slots = cluster.NewEvenMap(cfg.NumShards)
	}

	return s, nil
}

// aofOffset reports the AOF's current size, used by the compaction
// worker as the snapshot's consistency point (§4.5 step 1). The AOF
// package doesn't track a live offset counter itself (it only appends),
// so the store asks the filesystem directly.
func (s *Store) aofOffset() int64 {
	info, err := s.fsys.Stat(s.cfg.aofPath())
	if err != nil {
		return 0
	}
	return info.Size()
}

// Get returns the value for key, and whether it was found (a miss and
// an expired key both report false, per §4.10).
func (s *Store) Get(ctx context.Context, key []byte) (zdb.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return zdb.Value{}, false, err
	}
	e, ok := s.index.Get(key, s.now().UnixNano())
	if !ok {
		return zdb.Value{}, false, nil
	}
	return e.Value, true, nil
}

// Set stores value for key with an optional expiry (0 = no expiry),
// applying it to the index first and then appending it to the AOF, per
// §1's control-flow description ("mutation is applied in memory and
// then appended to AOF").
func (s *Store) Set(ctx context.Context, key []byte, value zdb.Value, expiresAt int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.index.Set(key, value, expiresAt)

	if err := s.aofw.Append(aof.OpSet, key, value); err != nil {
		return fmt.Errorf("store: appending SET to AOF: %w", err)
	}
	s.comp.NoteAppend(1)
	return nil
}

// Del removes key, reporting whether it had been present.
func (s *Store) Del(ctx context.Context, key []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	had := s.index.Del(key)
	if !had {
		return false, nil
	}

	if err := s.aofw.Append(aof.OpDel, key, zdb.Null()); err != nil {
		return false, fmt.Errorf("store: appending DEL to AOF: %w", err)
	}
	s.comp.NoteAppend(1)
	return true, nil
}

// MSetPair is one key/value input to [Store.MSet].
type MSetPair struct {
	Key       []byte
	Value     zdb.Value
	ExpiresAt int64
}

// MSet applies a batch of writes to the index (per §4.8, lock-ordered
// to avoid deadlock against a concurrent MSet/MGet) and appends each
// one to the AOF in the same order.
func (s *Store) MSet(ctx context.Context, pairs []MSetPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idxPairs := make([]shardindex.Pair, len(pairs))
	for i, p := range pairs {
		idxPairs[i] = shardindex.Pair{Key: p.Key, Value: p.Value, ExpiresAt: p.ExpiresAt}
	}
	s.index.MSet(idxPairs)

	for _, p := range pairs {
		if err := s.aofw.Append(aof.OpSet, p.Key, p.Value); err != nil {
			return fmt.Errorf("store: appending MSET entry to AOF: %w", err)
		}
	}
	s.comp.NoteAppend(int64(len(pairs)))
	return nil
}

// MGet is the batch counterpart of Get; a missing or expired key yields
// zdb.Null() at its index, matching [shardindex.Index.MGet].
func (s *Store) MGet(ctx context.Context, keys [][]byte) ([]zdb.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.index.MGet(keys, s.now().UnixNano()), nil
}

// Snapshot forces an immediate compaction pass regardless of the
// configured trigger, returning the result.
func (s *Store) Snapshot(ctx context.Context) (compaction.Result, error) {
	if err := ctx.Err(); err != nil {
		return compaction.Result{}, err
	}
	return s.comp.Run(s.now())
}

// ErrClusterDisabled is returned by Rebalance when Config.ClusterEnabled
// is false: the slot manager doesn't exist, so there is nothing to
// rebalance.
var ErrClusterDisabled = fmt.Errorf("store: cluster mode is disabled")

// Rebalance collects current per-shard load from the index and asks
// internal/cluster's rebalancer for migration proposals (§4.9). It does
// not apply them: the caller (an operator tool, or a future automated
// rebalancer worker) drives BeginMigration/StartTransfer/Commit/Finish
// on the returned slots at its own pace, since migrations move data and
// should not happen silently inside a stats call.
func (s *Store) Rebalance(ctx context.Context) ([]cluster.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.slots == nil {
		return nil, ErrClusterDisabled
	}

	shardStats := s.index.Stats()
	loads := make([]cluster.ShardLoad, len(shardStats))
	for i, st := range shardStats {
		loads[i] = cluster.ShardLoad{
			Shard:    uint32(i),
			KeyCount: st.Keys,
		}
	}

	return cluster.Propose(s.slots, loads, s.cfg.Rebalancer), nil
}

// SlotMap exposes the cluster slot map for callers that need to drive a
// migration directly (nil unless Config.ClusterEnabled).
func (s *Store) SlotMap() *cluster.Map {
	return s.slots
}

// Stats is the observability snapshot published for the store, one
// entry per shard (§4.8's per-shard counters).
type Stats struct {
	Shards []shardindex.Snapshot
}

// Stats returns the current per-shard counters.
func (s *Store) Stats() Stats {
	return Stats{Shards: s.index.Stats()}
}

// StartBackgroundWorkers launches the fixed long-lived background
// workers named in §8 ("one AOF writer, one compaction worker, one
// rebalancer worker, one expiry sweeper"): here, a compaction-trigger
// check and the expiry sweeper, both driven off Config's intervals.
// The AOF writer and rebalancer are driven synchronously by Set/Del/MSet
// and by an operator-invoked Rebalance call respectively, rather than
// their own goroutines, since neither needs to run on a fixed clock
// independent of caller activity.
func (s *Store) StartBackgroundWorkers(ctx context.Context) {
	s.mu.Lock()
	if s.stopBg != nil {
		s.mu.Unlock()
		return // already running
	}
	s.stopBg = make(chan struct{})
	stop := s.stopBg
	s.mu.Unlock()

	if s.cfg.ExpirySweepInterval > 0 {
		s.bgDone.Add(1)
		go s.runExpirySweeper(ctx, stop)
	}

	s.bgDone.Add(1)
	go s.runCompactionChecker(ctx, stop)
}

func (s *Store) runExpirySweeper(ctx context.Context, stop <-chan struct{}) {
	defer s.bgDone.Done()

	ticker := time.NewTicker(s.cfg.ExpirySweepInterval)
	defer ticker.Stop()

	batch := s.cfg.ExpirySweepBatch
	if batch <= 0 {
		batch = 1000
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.index.SweepExpired(s.now().UnixNano(), batch)
		}
	}
}

func (s *Store) runCompactionChecker(ctx context.Context, stop <-chan struct{}) {
	defer s.bgDone.Done()

	interval := s.cfg.CompactionTrigger.EveryInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if s.comp.Due(s.now()) {
				_, _ = s.comp.Run(s.now())
			}
		}
	}
}

// Close stops background workers and closes the AOF segment.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stopBg
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.bgDone.Wait()
	}

	aofErr := s.aofw.Close()
	lockErr := s.dirLock.Close()

	if aofErr != nil {
		return aofErr
	}
	return lockErr
}
