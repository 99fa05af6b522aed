package compaction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
)

type fakeSource struct {
	entries map[string]zdb.Value
}

func (f *fakeSource) ForEach(nowNanos int64, fn func(key []byte, value zdb.Value, expiresAt int64)) {
	for k, v := range f.entries {
		fn([]byte(k), v, 0)
	}
}

func TestWorker_Run_WritesReadableSnapshot(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()

	src := &fakeSource{entries: map[string]zdb.Value{
		"a": zdb.Int(1),
		"b": zdb.String([]byte("hello")),
	}}

	var offset int64 = 1234
	w := NewWorker(fsys, dir, zdb.CurrentFormatVersion, Trigger{}, src, func() int64 { return offset })

	result, err := w.Run(time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 2, result.Entries)
	require.EqualValues(t, 1234, result.AOFOffset)

	entries, ver, err := zdb.ReadDumpFile(result.Path, zdb.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, zdb.CurrentFormatVersion, ver)
	require.Len(t, entries, 2)
}

func TestWorker_Due_TriggersByRecordCount(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	src := &fakeSource{entries: map[string]zdb.Value{}}

	w := NewWorker(fsys, dir, zdb.CurrentFormatVersion, Trigger{EveryRecords: 10}, src, func() int64 { return 0 })

	require.False(t, w.Due(time.Now()))
	w.NoteAppend(10)
	require.True(t, w.Due(time.Now()))
}

func TestWorker_Due_TriggersByInterval(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	src := &fakeSource{entries: map[string]zdb.Value{}}

	w := NewWorker(fsys, dir, zdb.CurrentFormatVersion, Trigger{EveryInterval: time.Minute}, src, func() int64 { return 0 })

	now := time.Now()
	require.False(t, w.Due(now))
	require.True(t, w.Due(now.Add(2*time.Minute)))
}

func TestWorker_Run_ResetsDueState(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	src := &fakeSource{entries: map[string]zdb.Value{"a": zdb.Int(1)}}

	w := NewWorker(fsys, dir, zdb.CurrentFormatVersion, Trigger{EveryRecords: 5}, src, func() int64 { return 0 })
	w.NoteAppend(5)
	require.True(t, w.Due(time.Now()))

	_, err := w.Run(time.Now())
	require.NoError(t, err)
	require.False(t, w.Due(time.Now()))
}

func TestWorker_Run_SequentialSnapshotsGetDistinctPaths(t *testing.T) {
	t.Parallel()

	fsys := zfs.NewReal()
	dir := t.TempDir()
	src := &fakeSource{entries: map[string]zdb.Value{}}

	w := NewWorker(fsys, dir, zdb.CurrentFormatVersion, Trigger{}, src, func() int64 { return 0 })

	r1, err := w.Run(time.Now())
	require.NoError(t, err)
	r2, err := w.Run(time.Now())
	require.NoError(t, err)

	require.NotEqual(t, r1.Path, r2.Path)
	require.Equal(t, filepath.Dir(r1.Path), dir)
}
