package zdb

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Dump file framing (§4.3):
//
//	MAGIC(4) | VERSION(2) | FLAGS(2) | ENTRIES... | TRAILER_MAGIC(4) | CRC32(4)
//
// Each entry is key_len(varint) | key_bytes | value. CRC32 covers
// everything between MAGIC and TRAILER_MAGIC inclusive.
var (
	dumpMagic        = [4]byte{'Z', 'D', 'B', 0}
	dumpTrailerMagic = [4]byte{'E', 'N', 'D', '!'}
)

// Entry is one (key, value) pair of a dump file, in write order.
type Entry struct {
	Key   []byte
	Value Value
}

// Flags are the two header flag bits. No flags are currently defined;
// the field exists so the layout can carry one without a version bump.
type Flags uint16

// EncodeDump writes the dump framing for entries to w: this is the
// format WriteDump produces, exposed separately so callers with their
// own atomic-publish strategy (internal/compaction uses pkg/fs's
// AtomicWriter) can build the body without going through WriteDump's
// own natefinch/atomic rename.
func EncodeDump(w io.Writer, entries []Entry, ver FormatVersion, flags Flags) error {
	if err := checkWritable(ver); err != nil {
		return err
	}

	crcw := &crc32Writer{w: w, table: crc32.IEEETable}

	if _, err := crcw.Write(dumpMagic[:]); err != nil {
		return wrap(KindIo, err, withHint("writing dump magic"))
	}

	var header [4]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(ver))
	binary.BigEndian.PutUint16(header[2:4], uint16(flags))
	if _, err := crcw.Write(header[:]); err != nil {
		return wrap(KindIo, err, withHint("writing dump header"))
	}

	for _, e := range entries {
		if _, err := writeLengthPrefixed(crcw, e.Key, ver); err != nil {
			return err
		}
		if _, err := writeValue(crcw, e.Value, ver); err != nil {
			return err
		}
	}

	if _, err := crcw.Write(dumpTrailerMagic[:]); err != nil {
		return wrap(KindIo, err, withHint("writing dump trailer magic"))
	}

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crcw.Sum32())
	if _, err := w.Write(crcBuf[:]); err != nil {
		return wrap(KindIo, err, withHint("writing dump CRC"))
	}

	return nil
}

// WriteDump serializes entries to path atomically: the body is built in a
// temp file in the same directory, fsynced, then renamed over path, so a
// reader never observes a partially-written dump (§4.3, "writes are
// atomic").
func WriteDump(path string, entries []Entry, ver FormatVersion, flags Flags) error {
	var body bytes.Buffer
	if err := EncodeDump(&body, entries, ver, flags); err != nil {
		return err
	}

	if err := atomic.WriteFile(path, &body); err != nil {
		return wrap(KindIo, err, withHint("renaming dump into place"))
	}

	return nil
}

// ReadDumpFile validates a dump file's framing and CRC32, then returns its
// entries. Most callers that need bounded memory should use the streaming
// parser in parser.go instead; this is for small dumps and tests.
func ReadDumpFile(path string, opts Options) ([]Entry, FormatVersion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, wrap(KindIo, err, withHint("opening dump file"))
	}

	var entries []Entry
	ver, _, err := Parse(bytes.NewReader(data), opts, collectHandler(&entries))
	return entries, ver, err
}

// collectHandler returns a [Handler] that appends every entry to out,
// implementing §4.4's "full-collect" handler strategy.
func collectHandler(out *[]Entry) Handler {
	return HandlerFuncs{
		OnEntryFunc: func(key []byte, v Value) Action {
			*out = append(*out, Entry{Key: append([]byte(nil), key...), Value: v})
			return ActionContinue
		},
	}
}

// crc32Writer wraps an io.Writer, accumulating a running CRC32 (IEEE
// polynomial) over everything written through it. Used by WriteDump for
// the body checksum; the parser's read side uses its own crcReader.
type crc32Writer struct {
	w     io.Writer
	table *crc32.Table
	sum   uint32
}

func (c *crc32Writer) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.sum = crc32.Update(c.sum, c.table, p[:n])
	}
	return n, err
}

func (c *crc32Writer) Sum32() uint32 { return c.sum }

// dumpPathTemp is exposed for tests that want to assert atomicity by
// inspecting the sibling temp file natefinch/atomic creates.
func dumpPathTemp(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
}
