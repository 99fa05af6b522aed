package zdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Action is returned by a [Handler] method to tell the parser how to
// proceed.
type Action int

const (
	ActionContinue Action = iota
	ActionAbort
	ActionSkipEntry
)

// Stats summarizes a completed or aborted parse, passed to [Handler.OnEnd].
type Stats struct {
	Records uint64
}

// Handler receives SAX-style parse events. The parser never buffers more
// than one value at a time and streams collection children through
// recursive calls (§4.4); a Handler that wants to keep data must copy it,
// since key/value slices are only valid for the duration of the call.
type Handler interface {
	OnHeader(ver FormatVersion, flags Flags) Action
	OnEntry(key []byte, v Value) Action
	OnEnd(stats Stats)
	OnErr(err *Error) Action
}

// HandlerFuncs adapts individual functions into a [Handler]. An unset
// OnHeaderFunc or OnEntryFunc continues, an unset OnEndFunc does
// nothing, and an unset OnErrFunc aborts. This is how the
// full-collect, predicate-filter, count-only, and callback-transform
// handler strategies in §4.4 are all built: each sets only the funcs it
// needs.
type HandlerFuncs struct {
	OnHeaderFunc func(ver FormatVersion, flags Flags) Action
	OnEntryFunc  func(key []byte, v Value) Action
	OnEndFunc    func(stats Stats)
	OnErrFunc    func(err *Error) Action
}

func (h HandlerFuncs) OnHeader(ver FormatVersion, flags Flags) Action {
	if h.OnHeaderFunc == nil {
		return ActionContinue
	}
	return h.OnHeaderFunc(ver, flags)
}

func (h HandlerFuncs) OnEntry(key []byte, v Value) Action {
	if h.OnEntryFunc == nil {
		return ActionContinue
	}
	return h.OnEntryFunc(key, v)
}

func (h HandlerFuncs) OnEnd(stats Stats) {
	if h.OnEndFunc != nil {
		h.OnEndFunc(stats)
	}
}

func (h HandlerFuncs) OnErr(err *Error) Action {
	if h.OnErrFunc == nil {
		return ActionAbort
	}
	return h.OnErrFunc(err)
}

// CountOnlyHandler implements the "count-only" strategy from §4.4: it
// decodes every entry (so truncation/corruption is still detected) but
// discards values immediately, giving constant memory regardless of
// entry size.
func CountOnlyHandler() Handler {
	return HandlerFuncs{}
}

// PredicateFilterHandler implements the "predicate-filter" strategy:
// only entries whose key satisfies keep are passed to onMatch.
func PredicateFilterHandler(keep func(key []byte) bool, onMatch func(key []byte, v Value)) Handler {
	return HandlerFuncs{
		OnEntryFunc: func(key []byte, v Value) Action {
			if keep(key) {
				onMatch(key, v)
			}
			return ActionContinue
		},
	}
}

// crcReader wraps a buffered reader, tracking a running IEEE CRC32 and
// byte offset over everything consumed through Read/ReadByte, and
// exposing Peek so the parser can look ahead for the trailer magic
// without disturbing the checksum of bytes it decides not to consume yet.
type crcReader struct {
	br     *bufio.Reader
	sum    uint32
	offset int64
}

func newCrcReader(r io.Reader) *crcReader {
	return &crcReader{br: bufio.NewReaderSize(r, 64*1024)}
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	if n > 0 {
		c.sum = crc32.Update(c.sum, crc32.IEEETable, p[:n])
		c.offset += int64(n)
	}
	return n, err
}

func (c *crcReader) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.sum = crc32.Update(c.sum, crc32.IEEETable, []byte{b})
		c.offset++
	}
	return b, err
}

func (c *crcReader) Peek(n int) ([]byte, error) {
	return c.br.Peek(n)
}

// skip discards exactly n bytes, erroring if fewer were available ("a
// short read is never silent", §4.4).
func (c *crcReader) skip(n int64) error {
	copied, err := io.CopyN(io.Discard, c, n)
	if err != nil {
		return unexpectedEof("short read during skip_bytes", withOffset(c.offset-copied))
	}
	return nil
}

// Parse streams entries from r, invoking h for each SAX event, and
// returns the dump's format version once the trailer CRC has been
// validated.
//
// EOF policy (§4.4): an [KindUnexpectedEof] before any entry has been
// successfully parsed means the dump is a valid empty dump and is
// reported through OnEnd with Records == 0, not as an error. The same
// error after at least one entry is always fatal.
func Parse(r io.Reader, opts Options, h Handler) (FormatVersion, Stats, error) {
	cr := newCrcReader(r)
	stats := Stats{}

	ver, flags, err := parseHeader(cr)
	if err != nil {
		return 0, stats, err
	}

	if err := checkReadable(ver); err != nil {
		return ver, stats, err
	}

	if h.OnHeader(ver, flags) == ActionAbort {
		h.OnEnd(stats)
		return ver, stats, nil
	}

	for {
		isTrailer, err := atTrailer(cr)
		if err != nil {
			if zerr, ok := err.(*Error); ok && zerr.Kind == KindUnexpectedEof {
				if stats.Records == 0 {
					h.OnEnd(stats)
					return ver, stats, nil
				}
				zerr.AfterFirstEntry = true
			}
			return ver, stats, handleParseErr(h, &stats, err, ver)
		}
		if isTrailer {
			break
		}

		key, val, err := readEntry(cr, ver, opts)
		if err != nil {
			if zerr, ok := err.(*Error); ok && zerr.Kind == KindUnexpectedEof {
				if stats.Records == 0 {
					h.OnEnd(stats)
					return ver, stats, nil
				}
				zerr.AfterFirstEntry = true
				zerr.Key = key
			}
			return ver, stats, handleParseErr(h, &stats, err, ver)
		}

		action := h.OnEntry(key, val)
		stats.Records++

		if action == ActionAbort {
			h.OnEnd(stats)
			return ver, stats, nil
		}
	}

	if err := verifyTrailer(cr); err != nil {
		return ver, stats, handleParseErr(h, &stats, err, ver)
	}

	h.OnEnd(stats)
	return ver, stats, nil
}

func handleParseErr(h Handler, stats *Stats, err error, ver FormatVersion) error {
	zerr, ok := err.(*Error)
	if !ok {
		zerr = wrap(KindIo, err)
	}

	switch h.OnErr(zerr) {
	case ActionContinue, ActionSkipEntry:
		// The caller wants to proceed despite the error; there is no
		// well-defined "next record" to resync to in a corrupted stream,
		// so parsing still ends, but OnEnd is still delivered.
		h.OnEnd(*stats)
		return nil
	default:
		return zerr
	}
}

func parseHeader(cr *crcReader) (FormatVersion, Flags, error) {
	var magic [4]byte
	if _, err := io.ReadFull(cr, magic[:]); err != nil {
		return 0, 0, unexpectedEof("truncated dump magic")
	}
	if magic != dumpMagic {
		return 0, 0, wrap(KindUnsupportedVersion, nil,
			withHint("missing ZDB magic; pre-v1 legacy dumps are not supported"))
	}

	var header [4]byte
	if _, err := io.ReadFull(cr, header[:]); err != nil {
		return 0, 0, unexpectedEof("truncated dump header")
	}

	ver := FormatVersion(binary.BigEndian.Uint16(header[0:2]))
	flags := Flags(binary.BigEndian.Uint16(header[2:4]))
	return ver, flags, nil
}

// atTrailer peeks for the 4-byte trailer magic and, if found, consumes it
// (updating the running CRC) and returns true. Peek does not disturb the
// checksum for bytes the caller decides are part of an entry instead.
func atTrailer(cr *crcReader) (bool, error) {
	peek, err := cr.Peek(4)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, unexpectedEof("truncated dump; missing trailer")
		}
		return false, wrap(KindIo, err, withHint("peeking trailer"))
	}

	if !bytes.Equal(peek, dumpTrailerMagic[:]) {
		return false, nil
	}

	var buf [4]byte
	if _, err := io.ReadFull(cr, buf[:]); err != nil {
		return false, unexpectedEof("truncated dump trailer")
	}
	return true, nil
}

func verifyTrailer(cr *crcReader) error {
	wantCRC := cr.sum

	var crcBuf [4]byte
	if _, err := io.ReadFull(cr.br, crcBuf[:]); err != nil {
		return unexpectedEof("truncated dump CRC")
	}
	gotCRC := binary.BigEndian.Uint32(crcBuf[:])

	if gotCRC != wantCRC {
		return corrupted("CRC mismatch in dump trailer")
	}

	return nil
}

func readEntry(cr *crcReader, ver FormatVersion, opts Options) ([]byte, Value, error) {
	key, _, err := readLengthPrefixed(cr, ver, opts.MaxStringSize, TagNull)
	if err != nil {
		return nil, Value{}, err
	}

	val, _, err := readValue(cr, ver, opts)
	if err != nil {
		return key, Value{}, err
	}

	return key, val, nil
}
