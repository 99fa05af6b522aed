// Package varint implements the unsigned LEB128-style variable-length integer
// encoding used for every length-prefixed field in the ZDB dump format
// (format version >= 3) and for AOF record framing.
//
// Encoding: seven payload bits per byte, little-endian, with the MSB of each
// byte set as a continuation bit. A 64-bit unsigned value encodes to 1-10
// bytes.
package varint

import (
	"errors"
	"io"
)

// MaxBytes is the maximum number of bytes a valid varint encoding of a
// 64-bit unsigned value may occupy. A tenth byte can only carry its single
// remaining payload bit; anything beyond that is corrupt input.
const MaxBytes = 10

const (
	continuationBit = 0x80
	payloadMask     = 0x7F
)

// ErrOverflow indicates the input continued past [MaxBytes] without
// terminating, or the final byte carries bits outside the 64-bit range.
//
// Callers in pkg/zdb wrap this as CorruptedData{hint: "varint overflow"}.
var ErrOverflow = errors.New("varint: overflow")

// ErrEOF indicates the input ended before a terminating byte (one with the
// continuation bit clear) was read.
var ErrEOF = errors.New("varint: unexpected eof")

// Size returns the number of bytes Encode would produce for v.
func Size(v uint64) int {
	n := 1
	for v >= continuationBit {
		v >>= 7
		n++
	}

	return n
}

// Append encodes v as an unsigned varint and appends it to dst, returning
// the extended slice.
func Append(dst []byte, v uint64) []byte {
	for v >= continuationBit {
		dst = append(dst, byte(v)|continuationBit)
		v >>= 7
	}

	return append(dst, byte(v))
}

// Encode returns v encoded as an unsigned varint.
func Encode(v uint64) []byte {
	return Append(make([]byte, 0, MaxBytes), v)
}

// Decode reads a single varint from buf, returning the decoded value and
// the number of bytes consumed.
//
// Returns [ErrEOF] if buf is exhausted before a terminating byte, or
// [ErrOverflow] if the encoding is longer than [MaxBytes] or its last byte
// would overflow 64 bits.
func Decode(buf []byte) (uint64, int, error) {
	var (
		result uint64
		shift  uint
	)

	for i := 0; i < len(buf) && i < MaxBytes; i++ {
		b := buf[i]

		if i == MaxBytes-1 && b >= 2 {
			// The 10th byte may only contribute 1 bit (64 - 9*7 = 1).
			return 0, 0, ErrOverflow
		}
		result |= uint64(b&payloadMask) << shift

		if b&continuationBit == 0 {
			return result, i + 1, nil
		}

		shift += 7
	}

	return 0, 0, ErrEOF
}

// Write encodes v as an unsigned varint and writes it to w, returning the
// number of bytes written.
func Write(w io.Writer, v uint64) (int, error) {
	buf := Encode(v)

	n, err := w.Write(buf)
	if err != nil {
		return n, err
	}

	return n, nil
}

// Read decodes a single unsigned varint from r, reading one byte at a time
// so the caller's CRC/byte-count wrapper (see pkg/zdb's crcReader) observes
// every consumed byte.
//
// Returns [ErrEOF] if r returns io.EOF before a terminating byte is read
// (including immediately, on the first byte). Returns [ErrOverflow] per the
// same rule as [Decode].
func Read(r io.ByteReader) (uint64, int, error) {
	var (
		result uint64
		shift  uint
		n      int
	)

	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, n, ErrEOF
			}

			return 0, n, err
		}

		n++

		if n == MaxBytes && b >= 2 {
			// The 10th byte may only contribute 1 bit (64 - 9*7 = 1).
			return 0, n, ErrOverflow
		}

		result |= uint64(b&payloadMask) << shift

		if b&continuationBit == 0 {
			return result, n, nil
		}

		shift += 7
	}
}
