// Package recovery implements startup crash recovery (C7, §4.7): locate
// the newest valid snapshot, load it into a fresh index, then replay
// the whole AOF segment over it, starting at the segment's first record.
// The snapshot's consistency offset is not stored with it and is not used
// to skip records the snapshot already reflects.
//
// Grounded on pkg/mddb's own startup recovery sequence (mddb.go's
// Open, which loads the last good WAL checkpoint then replays forward)
// generalized from a single SQLite-backed WAL to ZDB snapshots plus the
// internal/aof segment.
package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"

	"github.com/zumic/zumic/internal/aof"
)

// Sink receives the entries and AOF records recovery applies, in order:
// every snapshot entry first, then every replayed AOF record. This is
// usually the shardindex.Index, accessed through a thin adapter so this
// package doesn't need to import it directly.
type Sink interface {
	ApplySnapshotEntry(key []byte, value zdb.Value)
	ApplySet(key []byte, value zdb.Value)
	ApplyDel(key []byte)
}

// Result reports what recovery found and applied.
type Result struct {
	SnapshotPath    string // empty if no valid snapshot existed
	SnapshotEntries int
	ReplayedRecords int
	AOFTruncatedTo  int64
}

// Recover loads the newest valid snapshot in snapshotDir (if any;
// corrupted candidates are skipped, per §4.7 "a corrupted snapshot must
// not prevent recovery from an older one"), applies its entries to
// sink, then replays aofPath forward and applies each record.
func Recover(fsys zfs.FS, snapshotDir, aofPath string, ver zdb.FormatVersion, opts zdb.Options, sink Sink) (Result, error) {
	var result Result

	path, entries, err := loadNewestValidSnapshot(fsys, snapshotDir, opts)
	if err != nil {
		return result, err
	}

	if path != "" {
		result.SnapshotPath = path
		result.SnapshotEntries = len(entries)
		for _, e := range entries {
			sink.ApplySnapshotEntry(e.Key, e.Value)
		}
	}

	offset, err := aof.Replay(fsys, aofPath, ver, opts, func(opcode aof.Opcode, key []byte, value zdb.Value) error {
		switch opcode {
		case aof.OpSet:
			sink.ApplySet(key, value)
		case aof.OpDel:
			sink.ApplyDel(key)
		default:
			return fmt.Errorf("recovery: unknown AOF opcode %d", opcode)
		}
		result.ReplayedRecords++
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("recovery: replaying AOF: %w", err)
	}

	result.AOFTruncatedTo = offset
	return result, nil
}

// loadNewestValidSnapshot lists snapshotDir for files matching the
// naming convention internal/compaction.Run produces
// (snapshot-<seq>.zdb), tries them from newest to oldest sequence, and
// returns the first one that parses and checksums cleanly. Returns
// ("", nil, nil) if the directory has no snapshot files or none parse.
func loadNewestValidSnapshot(fsys zfs.FS, dir string, opts zdb.Options) (string, []zdb.Entry, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("recovery: listing snapshot dir %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "snapshot-") && strings.HasSuffix(e.Name(), ".zdb") {
			names = append(names, e.Name())
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		path := filepath.Join(dir, name)
		dumpEntries, _, err := zdb.ReadDumpFile(path, opts)
		if err != nil {
			continue // corrupted candidate; try the next-newest
		}
		return path, dumpEntries, nil
	}

	return "", nil, nil
}
