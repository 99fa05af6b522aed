package varint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	values := []uint64{
		0, 1, 2, 127, 128, 129, 255, 256,
		1 << 14, 1<<14 - 1, 1 << 21, 1 << 28, 1 << 35, 1 << 42, 1 << 49, 1 << 56, 1 << 63,
		^uint64(0),
	}

	for _, v := range values {
		buf := Encode(v)
		require.LessOrEqual(t, len(buf), MaxBytes)
		require.Equal(t, Size(v), len(buf))

		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)

		got, n, err = Read(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestEncode_SingleByteForSmallValues(t *testing.T) {
	t.Parallel()

	for v := uint64(0); v < continuationBit; v++ {
		buf := Encode(v)
		require.Equal(t, []byte{byte(v)}, buf)
	}
}

func TestDecode_MaxUint64_UsesAllTenBytes(t *testing.T) {
	t.Parallel()

	buf := Encode(^uint64(0))
	require.Len(t, buf, MaxBytes)

	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, MaxBytes, n)
	require.Equal(t, ^uint64(0), got)
}

func TestDecode_TruncatedInput_ReturnsErrEOF(t *testing.T) {
	t.Parallel()

	buf := Encode(1 << 40)
	require.Greater(t, len(buf), 1)

	_, _, err := Decode(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrEOF)
}

func TestDecode_EmptyInput_ReturnsErrEOF(t *testing.T) {
	t.Parallel()

	_, _, err := Decode(nil)
	require.ErrorIs(t, err, ErrEOF)
}

func TestDecode_TenContinuationBytes_ReturnsErrOverflow(t *testing.T) {
	t.Parallel()

	buf := bytes.Repeat([]byte{0xFF}, MaxBytes)

	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestDecode_TenthByteOverflowsOneBit_ReturnsErrOverflow(t *testing.T) {
	t.Parallel()

	// Nine continuation bytes followed by a 10th byte carrying 2, which
	// needs 2 bits but the 10th byte may only contribute 1 (64 - 9*7 = 1).
	buf := append(bytes.Repeat([]byte{0xFF}, MaxBytes-1), 0x02)

	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestDecode_TenthByteSingleBit_Succeeds(t *testing.T) {
	t.Parallel()

	buf := append(bytes.Repeat([]byte{0xFF}, MaxBytes-1), 0x01)

	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, MaxBytes, n)
	require.Equal(t, ^uint64(0), got)
}

func TestRead_TenContinuationBytes_ReturnsErrOverflow(t *testing.T) {
	t.Parallel()

	buf := bytes.Repeat([]byte{0xFF}, MaxBytes)

	_, _, err := Read(bytes.NewReader(buf))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestRead_EmptyInput_ReturnsErrEOF(t *testing.T) {
	t.Parallel()

	_, _, err := Read(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrEOF)
}

func TestWrite_MatchesEncode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n, err := Write(&buf, 300)
	require.NoError(t, err)
	require.Equal(t, Encode(300), buf.Bytes())
	require.Equal(t, len(Encode(300)), n)
}
