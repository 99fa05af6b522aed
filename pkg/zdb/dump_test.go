package zdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteDump_ReadDumpFile_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zdb")
	entries := []Entry{
		{Key: []byte("a"), Value: Int(1)},
		{Key: []byte("b"), Value: String([]byte("two"))},
		{Key: []byte("c"), Value: Array([]Value{Bool(true), Bool(false)})},
	}

	require.NoError(t, WriteDump(path, entries, CurrentFormatVersion, 0))

	got, ver, err := ReadDumpFile(path, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, CurrentFormatVersion, ver)
	require.Len(t, got, len(entries))

	for i := range entries {
		require.Equal(t, entries[i].Key, got[i].Key)
		require.True(t, entries[i].Value.Equal(got[i].Value))
	}
}

func TestWriteDump_EmptyDump_IsValid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.zdb")
	require.NoError(t, WriteDump(path, nil, CurrentFormatVersion, 0))

	got, _, err := ReadDumpFile(path, DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadDumpFile_CRCMismatch_ReturnsCorruptedData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corrupt.zdb")
	entries := []Entry{{Key: []byte("k"), Value: String([]byte("v"))}}
	require.NoError(t, WriteDump(path, entries, CurrentFormatVersion, 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, _, err = ReadDumpFile(path, DefaultOptions())
	require.ErrorIs(t, err, ErrCorruptedData)
	require.Contains(t, err.Error(), "CRC")
}
