package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zumic/zumic/internal/aof"
	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
)

// TestRecover_EveryAOFCrashPoint_NeverProducesPartialState is the
// recovery-level counterpart of §8's crash-point property: "for every
// crash point during a set(k,v), recovery produces either the previous
// value or an absent key, never a partially written one." It takes a
// snapshot plus a real AOF tail, truncates the AOF at every possible
// byte offset, and asserts Recover always succeeds and always lands on
// one of the values the key legitimately held at some point in the
// write sequence (snapshotted, or after one of the AOF records) rather
// than anything else.
func TestRecover_EveryAOFCrashPoint_NeverProducesPartialState(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	require.NoError(t, fsys.MkdirAll(snapDir, 0o755))

	// Snapshot captures k=1.
	require.NoError(t, zdb.WriteDump(filepath.Join(snapDir, "snapshot-00000000000000000001.zdb"), []zdb.Entry{
		{Key: []byte("k"), Value: zdb.Int(1)},
	}, zdb.CurrentFormatVersion, 0))

	// The AOF tail then rewrites k twice more.
	seedAOF := filepath.Join(dir, "seed.aof")
	w, err := aof.NewWriter(fsys, seedAOF, zdb.CurrentFormatVersion, aof.FsyncPolicy{Kind: aof.FsyncAlways})
	require.NoError(t, err)
	require.NoError(t, w.Append(aof.OpSet, []byte("k"), zdb.Int(2)))
	require.NoError(t, w.Append(aof.OpSet, []byte("k"), zdb.Int(3)))
	require.NoError(t, w.Close())

	full, err := os.ReadFile(seedAOF)
	require.NoError(t, err)

	// Every value k could legitimately hold after recovery: the
	// snapshotted value, or the value as of any prefix of the AOF tail.
	legitimate := []zdb.Value{zdb.Int(1), zdb.Int(2), zdb.Int(3)}

	for truncateAt := 0; truncateAt <= len(full); truncateAt++ {
		aofPath := filepath.Join(t.TempDir(), "zumic.aof")
		require.NoError(t, os.WriteFile(aofPath, full[:truncateAt], 0o600))

		sink := newFakeSink()
		_, err := Recover(fsys, snapDir, aofPath, zdb.CurrentFormatVersion, zdb.DefaultOptions(), sink)
		require.NoErrorf(t, err, "truncating AOF to %d of %d bytes must still recover cleanly", truncateAt, len(full))

		got, ok := sink.current["k"]
		require.Truef(t, ok, "k must never end up absent at truncation %d: snapshot always seeds it", truncateAt)

		matched := false
		for _, v := range legitimate {
			if v.Equal(got) {
				matched = true
				break
			}
		}
		require.Truef(t, matched, "truncation %d produced %+v, not one of the legitimate prior values %v", truncateAt, got, legitimate)
	}
}
