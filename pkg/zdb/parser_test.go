package zdb

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildDump(t *testing.T, entries []Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	crcw := &crc32Writer{w: &buf, table: crc32.IEEETable}

	_, err := crcw.Write(dumpMagic[:])
	require.NoError(t, err)

	_, err = crcw.Write([]byte{0, byte(CurrentFormatVersion), 0, 0})
	require.NoError(t, err)

	for _, e := range entries {
		_, err := writeLengthPrefixed(crcw, e.Key, CurrentFormatVersion)
		require.NoError(t, err)
		_, err = writeValue(crcw, e.Value, CurrentFormatVersion)
		require.NoError(t, err)
	}

	_, err = crcw.Write(dumpTrailerMagic[:])
	require.NoError(t, err)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crcw.Sum32())
	_, err = buf.Write(crcBuf[:])
	require.NoError(t, err)

	return buf.Bytes()
}

func TestParse_EmitsEntriesInOrder(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Key: []byte("a"), Value: Int(1)},
		{Key: []byte("b"), Value: Int(2)},
		{Key: []byte("c"), Value: Int(3)},
	}

	var got []Entry
	_, stats, err := Parse(bytes.NewReader(buildDump(t, entries)), DefaultOptions(), collectHandler(&got))
	require.NoError(t, err)
	require.EqualValues(t, len(entries), stats.Records)
	require.Len(t, got, len(entries))

	for i := range entries {
		require.Equal(t, entries[i].Key, got[i].Key)
		require.True(t, entries[i].Value.Equal(got[i].Value))
	}
}

func TestParse_EmptyDump_IsValidWithZeroRecords(t *testing.T) {
	t.Parallel()

	data := buildDump(t, nil)

	var endStats Stats
	h := HandlerFuncs{OnEndFunc: func(s Stats) { endStats = s }}

	_, stats, err := Parse(bytes.NewReader(data), DefaultOptions(), h)
	require.NoError(t, err)
	require.Zero(t, stats.Records)
	require.Zero(t, endStats.Records)
}

func TestParse_TruncatedBeforeFirstEntry_IsValidEmptyDump(t *testing.T) {
	t.Parallel()

	data := buildDump(t, []Entry{{Key: []byte("a"), Value: Int(1)}})
	// Cut off right after the header, before any entry or the trailer.
	truncated := data[:8]

	var got []Entry
	_, stats, err := Parse(bytes.NewReader(truncated), DefaultOptions(), collectHandler(&got))
	require.NoError(t, err)
	require.Zero(t, stats.Records)
	require.Empty(t, got)
}

func TestParse_TruncatedAfterFirstEntry_IsFatal(t *testing.T) {
	t.Parallel()

	data := buildDump(t, []Entry{
		{Key: []byte("a"), Value: Int(1)},
		{Key: []byte("b"), Value: Int(2)},
	})

	// Truncate inside the trailer magic, after both entries are complete.
	truncated := data[:len(data)-6]

	var got []Entry
	_, _, err := Parse(bytes.NewReader(truncated), DefaultOptions(), collectHandler(&got))
	require.Error(t, err)

	var zerr *Error
	require.ErrorAs(t, err, &zerr)
	require.Equal(t, KindUnexpectedEof, zerr.Kind)
	require.True(t, zerr.AfterFirstEntry)
}

func TestParse_CountOnlyHandler_DiscardsValues(t *testing.T) {
	t.Parallel()

	entries := make([]Entry, 0, 1000)
	for i := 0; i < 1000; i++ {
		entries = append(entries, Entry{Key: []byte{byte(i)}, Value: Int(int64(i))})
	}

	_, stats, err := Parse(bytes.NewReader(buildDump(t, entries)), DefaultOptions(), CountOnlyHandler())
	require.NoError(t, err)
	require.EqualValues(t, len(entries), stats.Records)
}

func TestParse_MissingMagic_ReturnsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	_, _, err := Parse(bytes.NewReader([]byte("not a zdb dump at all")), DefaultOptions(), CountOnlyHandler())
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParse_PredicateFilterHandler(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Key: []byte("keep-1"), Value: Int(1)},
		{Key: []byte("skip"), Value: Int(2)},
		{Key: []byte("keep-2"), Value: Int(3)},
	}

	var matched []string
	h := PredicateFilterHandler(
		func(key []byte) bool { return bytes.HasPrefix(key, []byte("keep")) },
		func(key []byte, v Value) { matched = append(matched, string(key)) },
	)

	_, _, err := Parse(bytes.NewReader(buildDump(t, entries)), DefaultOptions(), h)
	require.NoError(t, err)
	require.Equal(t, []string{"keep-1", "keep-2"}, matched)
}
