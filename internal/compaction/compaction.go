// Package compaction implements the background snapshot worker (C5,
// §4.5): periodically freeze a consistent point-in-time view of the
// index, write it as a ZDB dump via an atomic rename, and record the AOF
// offset the snapshot is consistent as of in [Result].AOFOffset. A pass
// does not rotate or truncate the AOF segment; the segment keeps every
// record.
//
// Grounded on pkg/mddb's checkpoint discipline (wal.go's
// rotateWalOnCheckpoint) for the "freeze a view, write it out, then
// rotate the log" shape, using pkg/fs.AtomicWriter (rather than
// pkg/zdb's own natefinch/atomic one-shot writer) so the snapshot
// write goes through the same durable-write path the AOF and
// recovery code do.
package compaction

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
)

// Source is the subset of internal/shardindex.Index the compactor
// needs: a consistent, fixed-shard-order enumeration of live entries.
// Defined here rather than imported directly so the package doesn't
// need a hard dependency on the index's concrete Entry type beyond what
// it must serialize.
type Source interface {
	ForEach(nowNanos int64, fn func(key []byte, value zdb.Value, expiresAt int64))
}

// Trigger decides whether a compaction pass is due.
type Trigger struct {
	// EveryRecords triggers after this many AOF records have been
	// appended since the last snapshot. 0 disables this trigger.
	EveryRecords int64
	// EveryInterval triggers after this much wall time has elapsed
	// since the last snapshot. 0 disables this trigger.
	EveryInterval time.Duration
}

func (t Trigger) due(recordsSinceSnapshot int64, sinceLast time.Duration) bool {
	if t.EveryRecords > 0 && recordsSinceSnapshot >= t.EveryRecords {
		return true
	}
	if t.EveryInterval > 0 && sinceLast >= t.EveryInterval {
		return true
	}
	return false
}

// Result reports the outcome of one compaction pass.
type Result struct {
	Path           string
	Entries        int
	AOFOffset      int64 // the AOF offset the snapshot is consistent as of (§4.5 step 1)
	FormatVersion  zdb.FormatVersion
	Duration       time.Duration
}

// OffsetFunc returns the current AOF write offset. The compactor reads
// this once, before enumerating the index, establishing the
// consistency point recorded in Result.AOFOffset: any record at or
// after this offset is not reflected in the snapshot and must still be
// replayed on recovery.
type OffsetFunc func() int64

// Worker runs compaction passes on demand or on a schedule.
type Worker struct {
	fsys    zfs.FS
	atomic  *zfs.AtomicWriter
	dir     string
	trigger Trigger
	source  Source
	offset  OffsetFunc
	ver     zdb.FormatVersion
	flags   zdb.Flags

	mu                   sync.Mutex
	recordsSinceSnapshot int64
	lastSnapshot         time.Time
	seq                  uint64
}

// NewWorker creates a compaction Worker writing snapshot files under
// dir. offset supplies the AOF's current write offset at the moment
// compaction starts each pass.
func NewWorker(fsys zfs.FS, dir string, ver zdb.FormatVersion, trigger Trigger, source Source, offset OffsetFunc) *Worker {
	return &Worker{
		fsys:    fsys,
		atomic:  zfs.NewAtomicWriter(fsys),
		dir:     dir,
		trigger: trigger,
		source:  source,
		offset:  offset,
		ver:     ver,

		lastSnapshot: time.Now(),
	}
}

// NoteAppend records that n more AOF records were written since the
// last snapshot, feeding the EveryRecords trigger.
func (w *Worker) NoteAppend(n int64) {
	w.mu.Lock()
	w.recordsSinceSnapshot += n
	w.mu.Unlock()
}

// Due reports whether a compaction pass should run now, per the
// configured Trigger.
func (w *Worker) Due(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.trigger.due(w.recordsSinceSnapshot, now.Sub(w.lastSnapshot))
}

// Run performs one compaction pass unconditionally: capture the AOF
// consistency offset, enumerate the index's live entries in a fixed
// shard order, encode them as a ZDB dump, and publish it via an atomic
// rename. Returns the snapshot's path and metadata.
func (w *Worker) Run(now time.Time) (Result, error) {
	start := now

	aofOffset := w.offset()

	var entries []zdb.Entry
	w.source.ForEach(now.UnixNano(), func(key []byte, value zdb.Value, expiresAt int64) {
		entries = append(entries, zdb.Entry{Key: key, Value: value})
	})

	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	path := snapshotPath(w.dir, seq)

	var body bytes.Buffer
	if err := zdb.EncodeDump(&body, entries, w.ver, w.flags); err != nil {
		return Result{}, fmt.Errorf("compaction: encoding snapshot: %w", err)
	}

	if err := w.atomic.WriteWithDefaults(path, bytes.NewReader(body.Bytes())); err != nil {
		return Result{}, fmt.Errorf("compaction: publishing snapshot %q: %w", path, err)
	}

	w.mu.Lock()
	w.recordsSinceSnapshot = 0
	w.lastSnapshot = now
	w.mu.Unlock()

	return Result{
		Path:          path,
		Entries:       len(entries),
		AOFOffset:     aofOffset,
		FormatVersion: w.ver,
		Duration:      time.Since(start),
	}, nil
}

func snapshotPath(dir string, seq uint64) string {
	return fmt.Sprintf("%s/snapshot-%020d.zdb", dir, seq)
}
