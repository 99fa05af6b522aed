package zdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/zumic/zumic/pkg/varint"
)

// FormatVersion identifies the on-disk encoding rules a dump or AOF record
// was written with.
type FormatVersion uint16

const (
	// FormatVersion1 and FormatVersion2 use fixed 32-bit little-endian
	// length fields throughout. Only reading them is supported; there is
	// no documented layout to reproduce on write.
	FormatVersion1 FormatVersion = 1
	FormatVersion2 FormatVersion = 2

	// FormatVersion3 is the current format: varint length fields
	// everywhere, and the only version new writes may target.
	FormatVersion3 FormatVersion = 3

	CurrentFormatVersion = FormatVersion3
)

var canRead = map[FormatVersion]bool{
	FormatVersion1: true,
	FormatVersion2: true,
	FormatVersion3: true,
}

var canWrite = map[FormatVersion]bool{
	FormatVersion3: true,
}

// checkReadable returns an [*Error] of kind [KindUnsupportedVersion] if ver
// is not in the current build's can_read set.
func checkReadable(ver FormatVersion) error {
	if canRead[ver] {
		return nil
	}
	return wrap(KindUnsupportedVersion, nil,
		withVersions(ver, CurrentFormatVersion),
		withHint("consider migration tool"))
}

func checkWritable(ver FormatVersion) error {
	if canWrite[ver] {
		return nil
	}
	return wrap(KindUnsupportedVersion, nil,
		withVersions(ver, CurrentFormatVersion),
		withHint("format version is not writable by this build"))
}

// usesVarintLength reports whether ver encodes length fields as varints
// (version >= 3) rather than fixed 32-bit little-endian (version <= 2).
func usesVarintLength(ver FormatVersion) bool {
	return ver >= FormatVersion3
}

// Options bounds how much a single read_value call will allocate, and
// governs legacy-dump tolerance. The zero value is not safe to use
// directly; call [DefaultOptions].
type Options struct {
	MaxStringSize     int64
	MaxCollectionSize int64
	MaxCompressedSize int64
	MaxBitmapSize     int64

	// AllowLegacyDumps is not consulted by any reader in this package:
	// pre-v1 dumps with no magic header are always refused with
	// KindUnsupportedVersion, whatever its value. The exact legacy layout
	// is undocumented and there is no legacy reader.
	AllowLegacyDumps bool
}

// DefaultOptions returns the safety caps applied when a caller doesn't
// override them. These are generous enough for real workloads but exist
// so a corrupted length field can never drive an allocation past a few
// hundred megabytes.
func DefaultOptions() Options {
	return Options{
		MaxStringSize:     512 << 20,
		MaxCollectionSize: 16 << 20,
		MaxCompressedSize: 512 << 20,
		MaxBitmapSize:     512 << 20,
		AllowLegacyDumps:  false,
	}
}

// byteReader is what ReadValue needs: raw byte access for fixed-size
// fields, plus ReadByte so [varint.Read] observes every consumed byte
// (the streaming parser's CRC wrapper depends on this).
type byteReader interface {
	io.Reader
	io.ByteReader
}

// writeLength writes n using the length encoding ver specifies: fixed
// 32-bit little-endian for version <= 2, varint for version >= 3.
func writeLength(w io.Writer, n uint64, ver FormatVersion) (int, error) {
	if usesVarintLength(ver) {
		return varint.Write(w, n)
	}

	if n > math.MaxUint32 {
		return 0, wrap(KindIo, nil, withHint("length exceeds 32-bit format limit"))
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	return w.Write(buf[:])
}

// readLength is the inverse of writeLength.
func readLength(r byteReader, ver FormatVersion) (uint64, int, error) {
	if usesVarintLength(ver) {
		n, consumed, err := varint.Read(r)
		if err != nil {
			return 0, consumed, translateVarintErr(err, consumed)
		}
		return n, consumed, nil
	}

	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, unexpectedEof("truncated length field")
	}
	return uint64(binary.LittleEndian.Uint32(buf[:])), 4, nil
}

func translateVarintErr(err error, offset int) error {
	switch err {
	case varint.ErrOverflow:
		return corrupted("varint overflow", withOffset(int64(offset)))
	case varint.ErrEOF:
		return unexpectedEof("truncated varint")
	default:
		return wrap(KindIo, err, withHint("reading varint"))
	}
}

// WriteValue serializes v using the encoding rules for ver and returns the
// number of bytes written.
func WriteValue(w io.Writer, v Value, ver FormatVersion) (int, error) {
	if err := checkWritable(ver); err != nil {
		return 0, err
	}
	return writeValue(w, v, ver)
}

func writeValue(w io.Writer, v Value, ver FormatVersion) (int, error) {
	total := 0

	n, err := w.Write([]byte{byte(v.Tag)})
	total += n
	if err != nil {
		return total, wrap(KindIo, err, withHint("writing tag"))
	}

	switch v.Tag {
	case TagNull:
		// No payload.

	case TagBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		n, err = w.Write([]byte{b})
		total += n

	case TagInt:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Int))
		n, err = w.Write(buf[:])
		total += n

	case TagFloat:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(canonicalizeFloat(v.Float)))
		n, err = w.Write(buf[:])
		total += n

	case TagString, TagBitmap, TagHLL:
		n, err = writeLengthPrefixed(w, v.Str, ver)
		total += n

	case TagArray, TagStream:
		items := v.arrayLike()
		n, err = writeLength(w, uint64(len(items)), ver)
		total += n
		if err == nil {
			for _, item := range items {
				n, err = writeValue(w, item, ver)
				total += n
				if err != nil {
					break
				}
			}
		}

	case TagHash:
		n, err = writeLength(w, uint64(len(v.Hash)), ver)
		total += n
		if err == nil {
			for _, field := range v.Hash {
				n, err = writeLengthPrefixed(w, field.Field, ver)
				total += n
				if err != nil {
					break
				}
				n, err = writeValue(w, field.Value, ver)
				total += n
				if err != nil {
					break
				}
			}
		}

	case TagSet:
		n, err = writeLength(w, uint64(len(v.Set)), ver)
		total += n
		if err == nil {
			for _, member := range v.Set {
				n, err = writeLengthPrefixed(w, member, ver)
				total += n
				if err != nil {
					break
				}
			}
		}

	case TagSortedSet:
		n, err = writeLength(w, uint64(len(v.SortedSet)), ver)
		total += n
		if err == nil {
			for _, m := range v.SortedSet {
				n, err = writeLengthPrefixed(w, m.Member, ver)
				total += n
				if err != nil {
					break
				}
				var buf [8]byte
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(canonicalizeFloat(m.Score)))
				n, err = w.Write(buf[:])
				total += n
				if err != nil {
					break
				}
			}
		}

	case TagGeo:
		n, err = writeLength(w, uint64(len(v.Geo)), ver)
		total += n
		if err == nil {
			for _, g := range v.Geo {
				n, err = writeLengthPrefixed(w, g.Member, ver)
				total += n
				if err != nil {
					break
				}
				var buf [24]byte
				binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(canonicalizeFloat(g.Lon)))
				binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(canonicalizeFloat(g.Lat)))
				binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(canonicalizeFloat(g.Score)))
				n, err = w.Write(buf[:])
				total += n
				if err != nil {
					break
				}
			}
		}

	case TagCompressed:
		n, err = writeCompressed(w, v.Compressed, ver)
		total += n

	default:
		return total, corrupted("unknown tag on write", withTag(v.Tag))
	}

	if err != nil {
		return total, wrap(KindIo, err, withHint("writing value payload"), withTag(v.Tag))
	}

	return total, nil
}

func writeLengthPrefixed(w io.Writer, b []byte, ver FormatVersion) (int, error) {
	total, err := writeLength(w, uint64(len(b)), ver)
	if err != nil {
		return total, err
	}
	n, err := w.Write(b)
	return total + n, err
}

// writeCompressed encodes inner into a scratch buffer, zstd-compresses it,
// and frames it as TAG_COMPRESSED | varint(uncompressed_len) |
// varint(compressed_len) | zstd_frame, per §4.2.
func writeCompressed(w io.Writer, inner *Value, ver FormatVersion) (int, error) {
	if inner == nil {
		return 0, corrupted("compressed value has no inner payload", withTag(TagCompressed))
	}

	var raw bytes.Buffer
	if _, err := writeValue(&raw, *inner, ver); err != nil {
		return 0, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return 0, wrap(KindCompressionError, err, withHint("creating zstd encoder"))
	}
	defer enc.Close()

	compressed := enc.EncodeAll(raw.Bytes(), nil)

	total := 0
	n, err := writeLength(w, uint64(raw.Len()), ver)
	total += n
	if err != nil {
		return total, err
	}

	n, err = writeLength(w, uint64(len(compressed)), ver)
	total += n
	if err != nil {
		return total, err
	}

	n, err = w.Write(compressed)
	total += n
	return total, err
}

// ReadValue is the inverse of [WriteValue]. It consumes exactly the
// encoded length of one value from r.
func ReadValue(r byteReader, ver FormatVersion, opts Options) (Value, int, error) {
	if err := checkReadable(ver); err != nil {
		return Value{}, 0, err
	}
	return readValue(r, ver, opts)
}

func readValue(r byteReader, ver FormatVersion, opts Options) (Value, int, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Value{}, 0, unexpectedEof("truncated tag")
	}
	total := 1

	tag := Tag(tagBuf[0])
	if !tag.valid() {
		return Value{}, total, corrupted("invalid tag", withTag(tag))
	}

	switch tag {
	case TagNull:
		return Null(), total, nil

	case TagBool:
		var buf [1]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, total, unexpectedEof("truncated bool", withTag(tag))
		}
		total++
		return Bool(buf[0] != 0), total, nil

	case TagInt:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, total, unexpectedEof("truncated int", withTag(tag))
		}
		total += 8
		return Int(int64(binary.LittleEndian.Uint64(buf[:]))), total, nil

	case TagFloat:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, total, unexpectedEof("truncated float", withTag(tag))
		}
		total += 8
		f := math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
		return Value{Tag: TagFloat, Float: canonicalizeFloat(f)}, total, nil

	case TagString, TagBitmap, TagHLL:
		cap := opts.MaxStringSize
		if tag == TagBitmap {
			cap = opts.MaxBitmapSize
		}
		b, n, err := readLengthPrefixed(r, ver, cap, tag)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		return Value{Tag: tag, Str: b}, total, nil

	case TagArray, TagStream:
		count, n, err := readLength(r, ver)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		if err := checkCollectionCap(count, opts.MaxCollectionSize, tag); err != nil {
			return Value{}, total, err
		}

		items := make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			item, n, err := readValue(r, ver, opts)
			total += n
			if err != nil {
				return Value{}, total, err
			}
			items = append(items, item)
		}

		if tag == TagStream {
			return Stream(items), total, nil
		}
		return Array(items), total, nil

	case TagHash:
		count, n, err := readLength(r, ver)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		if err := checkCollectionCap(count, opts.MaxCollectionSize, tag); err != nil {
			return Value{}, total, err
		}

		fields := make([]HashField, 0, count)
		for i := uint64(0); i < count; i++ {
			key, n, err := readLengthPrefixed(r, ver, opts.MaxStringSize, tag)
			total += n
			if err != nil {
				return Value{}, total, err
			}
			val, n, err := readValue(r, ver, opts)
			total += n
			if err != nil {
				return Value{}, total, err
			}
			fields = append(fields, HashField{Field: key, Value: val})
		}
		return Hash(fields), total, nil

	case TagSet:
		count, n, err := readLength(r, ver)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		if err := checkCollectionCap(count, opts.MaxCollectionSize, tag); err != nil {
			return Value{}, total, err
		}

		members := make([][]byte, 0, count)
		for i := uint64(0); i < count; i++ {
			m, n, err := readLengthPrefixed(r, ver, opts.MaxStringSize, tag)
			total += n
			if err != nil {
				return Value{}, total, err
			}
			members = append(members, m)
		}
		return Set(members), total, nil

	case TagSortedSet:
		count, n, err := readLength(r, ver)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		if err := checkCollectionCap(count, opts.MaxCollectionSize, tag); err != nil {
			return Value{}, total, err
		}

		members := make([]ScoredMember, 0, count)
		for i := uint64(0); i < count; i++ {
			member, n, err := readLengthPrefixed(r, ver, opts.MaxStringSize, tag)
			total += n
			if err != nil {
				return Value{}, total, err
			}
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return Value{}, total, unexpectedEof("truncated sorted-set score", withTag(tag))
			}
			total += 8
			score := math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
			members = append(members, ScoredMember{Member: member, Score: score})
		}
		return SortedSet(members), total, nil

	case TagGeo:
		count, n, err := readLength(r, ver)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		if err := checkCollectionCap(count, opts.MaxCollectionSize, tag); err != nil {
			return Value{}, total, err
		}

		entries := make([]GeoMember, 0, count)
		for i := uint64(0); i < count; i++ {
			member, n, err := readLengthPrefixed(r, ver, opts.MaxStringSize, tag)
			total += n
			if err != nil {
				return Value{}, total, err
			}
			var buf [24]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return Value{}, total, unexpectedEof("truncated geo entry", withTag(tag))
			}
			total += 24
			entries = append(entries, GeoMember{
				Member: member,
				Lon:    math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8])),
				Lat:    math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])),
				Score:  math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
			})
		}
		return Geo(entries), total, nil

	case TagCompressed:
		inner, n, err := readCompressed(r, ver, opts)
		total += n
		if err != nil {
			return Value{}, total, err
		}
		return Compressed(inner), total, nil

	default:
		return Value{}, total, corrupted("unhandled tag", withTag(tag))
	}
}

func checkCollectionCap(count uint64, limit int64, tag Tag) error {
	if limit > 0 && count > uint64(limit) {
		return corrupted("declared collection length exceeds cap", withTag(tag))
	}
	return nil
}

func readLengthPrefixed(r byteReader, ver FormatVersion, limit int64, tag Tag) ([]byte, int, error) {
	n, total, err := readLength(r, ver)
	if err != nil {
		return nil, total, err
	}

	if limit > 0 && n > uint64(limit) {
		return nil, total, corrupted("declared length exceeds cap", withTag(tag))
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	total += read
	if err != nil {
		return nil, total, unexpectedEof("truncated payload", withTag(tag))
	}

	return buf, total, nil
}

// readCompressed is the inverse of writeCompressed.
func readCompressed(r byteReader, ver FormatVersion, opts Options) (Value, int, error) {
	uncompressedLen, n, err := readLength(r, ver)
	total := n
	if err != nil {
		return Value{}, total, err
	}

	compressedLen, n, err := readLength(r, ver)
	total += n
	if err != nil {
		return Value{}, total, err
	}

	if opts.MaxCompressedSize > 0 && compressedLen > uint64(opts.MaxCompressedSize) {
		return Value{}, total, corrupted("declared compressed length exceeds cap", withTag(TagCompressed))
	}

	// uncompressedLen drives the pre-allocation below, and it comes straight
	// off the wire: a corrupt or hostile dump can declare an arbitrarily
	// large value here without the compressed frame itself being anywhere
	// near that size. Cap it the same way compressedLen is capped above,
	// before it ever reaches make().
	maxUncompressed := opts.MaxStringSize
	if opts.MaxCompressedSize > maxUncompressed {
		maxUncompressed = opts.MaxCompressedSize
	}
	if maxUncompressed > 0 && uncompressedLen > uint64(maxUncompressed) {
		return Value{}, total, corrupted("declared uncompressed length exceeds cap", withTag(TagCompressed))
	}

	frame := make([]byte, compressedLen)
	read, err := io.ReadFull(r, frame)
	total += read
	if err != nil {
		return Value{}, total, unexpectedEof("truncated zstd frame", withTag(TagCompressed))
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Value{}, total, wrap(KindCompressionError, err, withHint("creating zstd decoder"))
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(frame, make([]byte, 0, uncompressedLen))
	if err != nil {
		return Value{}, total, wrap(KindCompressionError, err, withHint("zstd decode failed"), withTag(TagCompressed))
	}

	inner, _, err := readValue(bytes.NewReader(raw), ver, opts)
	if err != nil {
		return Value{}, total, err
	}

	return inner, total, nil
}
