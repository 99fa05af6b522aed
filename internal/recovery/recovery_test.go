package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zumic/zumic/internal/aof"
	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
)

type fakeSink struct {
	snapshot map[string]zdb.Value
	applied  []string // ordered log of "set:k" / "del:k"
	current  map[string]zdb.Value
}

func newFakeSink() *fakeSink {
	return &fakeSink{snapshot: map[string]zdb.Value{}, current: map[string]zdb.Value{}}
}

func (f *fakeSink) ApplySnapshotEntry(key []byte, value zdb.Value) {
	f.snapshot[string(key)] = value
	f.current[string(key)] = value
}

func (f *fakeSink) ApplySet(key []byte, value zdb.Value) {
	f.current[string(key)] = value
	f.applied = append(f.applied, "set:"+string(key))
}

func (f *fakeSink) ApplyDel(key []byte) {
	delete(f.current, string(key))
	f.applied = append(f.applied, "del:"+string(key))
}

func TestRecover_NoSnapshotNoAOF_IsEmpty(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()

	sink := newFakeSink()
	result, err := Recover(fsys, filepath.Join(dir, "snapshots"), filepath.Join(dir, "zumic.aof"), zdb.CurrentFormatVersion, zdb.DefaultOptions(), sink)
	require.NoError(t, err)
	require.Empty(t, result.SnapshotPath)
	require.Zero(t, result.ReplayedRecords)
	require.Empty(t, sink.current)
}

func TestRecover_SnapshotThenAOFTail_AppliesBothInOrder(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	require.NoError(t, fsys.MkdirAll(snapDir, 0o755))

	require.NoError(t, zdb.WriteDump(filepath.Join(snapDir, "snapshot-00000000000000000001.zdb"), []zdb.Entry{
		{Key: []byte("a"), Value: zdb.Int(1)},
		{Key: []byte("b"), Value: zdb.Int(2)},
	}, zdb.CurrentFormatVersion, 0))

	aofPath := filepath.Join(dir, "zumic.aof")
	w, err := aof.NewWriter(fsys, aofPath, zdb.CurrentFormatVersion, aof.FsyncPolicy{Kind: aof.FsyncAlways})
	require.NoError(t, err)
	require.NoError(t, w.Append(aof.OpSet, []byte("b"), zdb.Int(20)))
	require.NoError(t, w.Append(aof.OpDel, []byte("a"), zdb.Null()))
	require.NoError(t, w.Close())

	sink := newFakeSink()
	result, err := Recover(fsys, snapDir, aofPath, zdb.CurrentFormatVersion, zdb.DefaultOptions(), sink)
	require.NoError(t, err)

	require.Equal(t, 2, result.SnapshotEntries)
	require.Equal(t, 2, result.ReplayedRecords)

	require.Equal(t, []string{"set:b", "del:a"}, sink.applied)
	require.NotContains(t, sink.current, "a")
	require.True(t, zdb.Int(20).Equal(sink.current["b"]))
}

func TestRecover_SkipsCorruptedSnapshotForOlderValidOne(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	require.NoError(t, fsys.MkdirAll(snapDir, 0o755))

	require.NoError(t, zdb.WriteDump(filepath.Join(snapDir, "snapshot-00000000000000000001.zdb"), []zdb.Entry{
		{Key: []byte("old"), Value: zdb.Int(1)},
	}, zdb.CurrentFormatVersion, 0))

	newPath := filepath.Join(snapDir, "snapshot-00000000000000000002.zdb")
	require.NoError(t, zdb.WriteDump(newPath, []zdb.Entry{
		{Key: []byte("new"), Value: zdb.Int(2)},
	}, zdb.CurrentFormatVersion, 0))

	data, err := fsys.ReadFile(newPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // corrupt the trailing CRC byte
	require.NoError(t, fsys.WriteFile(newPath, data, 0o600))

	sink := newFakeSink()
	result, err := Recover(fsys, snapDir, filepath.Join(dir, "zumic.aof"), zdb.CurrentFormatVersion, zdb.DefaultOptions(), sink)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(snapDir, "snapshot-00000000000000000001.zdb"), result.SnapshotPath)
	require.True(t, zdb.Int(1).Equal(sink.current["old"]))
}
