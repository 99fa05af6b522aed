package aof

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"syscall"

	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/varint"
	"github.com/zumic/zumic/pkg/zdb"
)

// RecordHandler applies one replayed record to the index (via the
// recovery manager, see internal/recovery).
type RecordHandler func(opcode Opcode, key []byte, value zdb.Value) error

// Replay reads records sequentially from the AOF segment at path and
// invokes handle for each one. It returns the byte offset just past the
// last complete record, which is the segment's length once any torn tail
// has been truncated (0 if the file doesn't exist).
//
// Classification (§4.6): a short read at the very last record — whether
// the record-length varint, the body, or the trailing CRC is incomplete —
// is a clean truncation, common after a crash mid-write. Replay stops
// without error and the caller's segment is truncated to the last good
// offset. A CRC mismatch on a record whose bytes are all present is
// always fatal, regardless of position: those bytes exist, so the
// failure is corruption, not an in-progress write.
func Replay(fsys zfs.FS, path string, ver zdb.FormatVersion, opts zdb.Options, handle RecordHandler) (int64, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("aof: opening segment for replay: %w", err)
	}
	defer f.Close()

	cr := &countingReader{r: f}
	var lastGood int64

	for {
		bodyLen, n, err := varint.Read(cr)
		if err != nil {
			if errors.Is(err, varint.ErrEOF) {
				break
			}
			return lastGood, truncateSegment(f, lastGood, zdb.ErrCorruptedData)
		}
		_ = n

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(cr, body); err != nil {
			break
		}

		var crcBuf [4]byte
		if _, err := io.ReadFull(cr, crcBuf[:]); err != nil {
			break
		}

		if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(crcBuf[:]) {
			return lastGood, fmt.Errorf("aof: %w at offset %d: AOF corruption; restore from snapshot", zdb.ErrCorruptedData, lastGood)
		}

		opcode, key, value, err := decodeRecordBody(body, ver, opts)
		if err != nil {
			return lastGood, fmt.Errorf("aof: decoding record at offset %d: %w", lastGood, err)
		}

		if err := handle(opcode, key, value); err != nil {
			return lastGood, err
		}

		lastGood = cr.offset
	}

	return lastGood, truncateToOffset(f, lastGood)
}

// decodeRecordBody parses opcode | key_len(varint) | key | value from an
// already CRC-validated record body.
func decodeRecordBody(body []byte, ver zdb.FormatVersion, opts zdb.Options) (Opcode, []byte, zdb.Value, error) {
	br := newSliceByteReader(body)

	opByte, err := br.ReadByte()
	if err != nil {
		return 0, nil, zdb.Value{}, fmt.Errorf("truncated opcode: %w", err)
	}

	keyLen, _, err := varint.Read(br)
	if err != nil {
		return 0, nil, zdb.Value{}, fmt.Errorf("decoding key length: %w", err)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(br, key); err != nil {
		return 0, nil, zdb.Value{}, fmt.Errorf("truncated key: %w", err)
	}

	value, _, err := zdb.ReadValue(br, ver, opts)
	if err != nil {
		return 0, nil, zdb.Value{}, fmt.Errorf("decoding value: %w", err)
	}

	return Opcode(opByte), key, value, nil
}

// truncateSegment truncates to lastGood and wraps baseErr for the
// caller; used when the very first read of a record fails in a way that
// looks like corruption rather than a clean tail (e.g. a varint overflow,
// which can only happen from garbage bytes, never from a short write).
func truncateSegment(f zfs.File, lastGood int64, baseErr error) error {
	if err := truncateToOffset(f, lastGood); err != nil {
		return err
	}
	return fmt.Errorf("aof: %w at offset %d: AOF corruption; restore from snapshot", baseErr, lastGood)
}

func truncateToOffset(f zfs.File, offset int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("aof: stat during truncate: %w", err)
	}

	if info.Size() == offset {
		return nil
	}

	if err := syscall.Ftruncate(int(f.Fd()), offset); err != nil {
		return fmt.Errorf("aof: truncating segment: %w", err)
	}

	return nil
}

// countingReader tracks the logical stream offset consumed through Read,
// which Replay needs to know where to truncate the segment.
type countingReader struct {
	r      io.Reader
	offset int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.offset += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := c.r.Read(b[:])
	c.offset += int64(n)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return b[0], nil
}

// sliceByteReader is a minimal io.Reader+io.ByteReader over an in-memory
// slice, used to decode an already-buffered record body.
type sliceByteReader struct {
	data []byte
	pos  int
}

func newSliceByteReader(data []byte) *sliceByteReader {
	return &sliceByteReader{data: data}
}

func (s *sliceByteReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *sliceByteReader) ReadByte() (byte, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}
