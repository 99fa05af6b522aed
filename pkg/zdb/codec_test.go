package zdb

import (
	"bufio"
	"bytes"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// valueComparer lets cmp.Diff compare two Values by their codec identity
// (Value.Equal) rather than by struct field equality: most tags leave
// several of Value's fields at their zero value, and a field-by-field
// cmp.Diff would report those as spurious differences.
var valueComparer = cmp.Comparer(func(a, b Value) bool { return a.Equal(b) })

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()

	var buf bytes.Buffer
	_, err := WriteValue(&buf, v, CurrentFormatVersion)
	require.NoError(t, err)

	encoded := buf.Len()
	got, n, err := ReadValue(bufio.NewReader(&buf), CurrentFormatVersion, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, encoded, n)

	return got
}

func TestWriteValue_ReadValue_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int(-1),
		Int(math.MaxInt64),
		Int(math.MinInt64),
		Float(3.5),
		Float(math.Inf(1)),
		Float(math.NaN()),
		String([]byte("hello")),
		String(nil),
		Bitmap([]byte{0xFF, 0x00, 0xAB}),
		HLL(bytes.Repeat([]byte{0x1}, 16)),
		Array([]Value{Int(1), String([]byte("two")), Bool(true)}),
		Hash([]HashField{
			{Field: []byte("a"), Value: Int(1)},
			{Field: []byte("b"), Value: String([]byte("x"))},
		}),
		Set([][]byte{[]byte("m1"), []byte("m2")}),
		SortedSet([]ScoredMember{
			{Member: []byte("alice"), Score: 1.5},
			{Member: []byte("bob"), Score: math.NaN()},
		}),
		Geo([]GeoMember{
			{Member: []byte("here"), Lon: 13.4, Lat: 52.5, Score: 7},
		}),
		Stream([]Value{String([]byte("e1")), String([]byte("e2"))}),
		Compressed(Array([]Value{Int(1), Int(2), Int(3)})),
	}

	for _, v := range cases {
		got := roundTrip(t, v)
		require.True(t, v.Equal(got), "round trip mismatch for tag %s: want %+v got %+v", v.Tag, v, got)
	}
}

// TestWriteValue_ReadValue_RoundTrip_DeepEqual re-runs a subset of the
// round-trip cases through cmp.Diff, whose Value comparer delegates to
// Value.Equal, so a mismatch is reported as a diff of the two values.
func TestWriteValue_ReadValue_RoundTrip_DeepEqual(t *testing.T) {
	t.Parallel()

	cases := []Value{
		Int(42),
		String([]byte("hello")),
		Array([]Value{Int(1), String([]byte("two")), Bool(true)}),
		Hash([]HashField{{Field: []byte("a"), Value: Int(1)}}),
		SortedSet([]ScoredMember{{Member: []byte("alice"), Score: 1.5}}),
		Geo([]GeoMember{{Member: []byte("here"), Lon: 13.4, Lat: 52.5, Score: 7}}),
	}

	for _, v := range cases {
		got := roundTrip(t, v)
		if diff := cmp.Diff(v, got, valueComparer); diff != "" {
			t.Fatalf("round trip mismatch for tag %s (-want +got):\n%s", v.Tag, diff)
		}
	}
}

func TestWriteValue_Int_MinusOne_MatchesSpecBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, err := WriteValue(&buf, Int(-1), FormatVersion3)
	require.NoError(t, err)

	require.Equal(t, []byte{byte(TagInt), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, buf.Bytes())
}

func TestReadValue_TruncatedValue_ReturnsUnexpectedEof(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, err := WriteValue(&buf, String([]byte("hello world")), CurrentFormatVersion)
	require.NoError(t, err)

	truncated := buf.Bytes()[:buf.Len()-1]

	_, _, err = ReadValue(bufio.NewReader(bytes.NewReader(truncated)), CurrentFormatVersion, DefaultOptions())
	require.ErrorIs(t, err, ErrUnexpectedEof)
}

func TestReadValue_InvalidTag_ReturnsCorruptedData(t *testing.T) {
	t.Parallel()

	_, _, err := ReadValue(bufio.NewReader(bytes.NewReader([]byte{0xFE})), CurrentFormatVersion, DefaultOptions())
	require.ErrorIs(t, err, ErrCorruptedData)
}

func TestReadValue_CollectionExceedingCap_ReturnsCorruptedDataWithoutAllocating(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteByte(byte(TagArray))
	_, err := writeLength(&buf, 1<<40, CurrentFormatVersion)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.MaxCollectionSize = 1024

	_, _, err = ReadValue(bufio.NewReader(&buf), CurrentFormatVersion, opts)
	require.ErrorIs(t, err, ErrCorruptedData)
}

func TestReadValue_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	_, _, err := ReadValue(bufio.NewReader(bytes.NewReader([]byte{byte(TagNull)})), FormatVersion(99), DefaultOptions())
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestWriteValue_RejectsUnwritableVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, err := WriteValue(&buf, Int(1), FormatVersion1)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestFloat_CanonicalizesNaN(t *testing.T) {
	t.Parallel()

	a := Float(math.NaN())
	b := Float(math.Float64frombits(0x7FF8000000000001)) // a differently-payloaded NaN

	require.True(t, a.Equal(b))
	require.Equal(t, uint64(canonicalQuietNaN), math.Float64bits(a.Float))
}
