package zdb

import "math"

// canonicalQuietNaN is the bit pattern every encoded NaN float is
// normalized to on write, so that read(write(v)) is idempotent even when
// the platform produced a signaling or differently-payloaded NaN.
const canonicalQuietNaN = 0x7FF8000000000000

// HashField is one field of a [TagHash] value. Fields are kept in a slice
// rather than a Go map: insertion order is not part of a hash's identity,
// but preserving it makes round-trips byte-reproducible, which the codec
// tests rely on.
type HashField struct {
	Field []byte
	Value Value
}

// ScoredMember is one member of a [TagSortedSet] value.
type ScoredMember struct {
	Member []byte
	Score  float64
}

// GeoMember is one entry of a [TagGeo] value.
type GeoMember struct {
	Member []byte
	Lon    float64
	Lat    float64
	Score  float64
}

// Value is a tagged union over every variant the codec understands. It is
// a flat struct rather than an interface or `any`: the set of variants is
// closed (see the tag table in tags.go) and a flat struct lets the codec
// switch on Tag once instead of paying an interface dispatch per value.
//
// Only the fields relevant to Tag are meaningful; the zero value of every
// other field is ignored by the codec and by [Value.Equal].
type Value struct {
	Tag Tag

	Bool  bool
	Int   int64
	Float float64

	// Str backs TagString, TagBitmap, and TagHLL: all three are opaque
	// length-prefixed byte payloads at the codec layer and differ only in
	// how the command layer interprets them.
	Str []byte

	Array      []Value
	Hash       []HashField
	Set        [][]byte
	SortedSet  []ScoredMember
	Geo        []GeoMember
	Stream     []Value
	Compressed *Value
}

func Null() Value                 { return Value{Tag: TagNull} }
func Bool(b bool) Value           { return Value{Tag: TagBool, Bool: b} }
func Int(i int64) Value           { return Value{Tag: TagInt, Int: i} }
func String(b []byte) Value       { return Value{Tag: TagString, Str: b} }
func Bitmap(b []byte) Value       { return Value{Tag: TagBitmap, Str: b} }
func HLL(sketch []byte) Value     { return Value{Tag: TagHLL, Str: sketch} }
func Array(vs []Value) Value      { return Value{Tag: TagArray, Array: vs} }
func Hash(f []HashField) Value    { return Value{Tag: TagHash, Hash: f} }
func Set(members [][]byte) Value  { return Value{Tag: TagSet, Set: members} }
func Stream(entries []Value) Value {
	return Value{Tag: TagStream, Stream: entries}
}

func SortedSet(members []ScoredMember) Value {
	return Value{Tag: TagSortedSet, SortedSet: canonicalizeScores(members)}
}

func Geo(entries []GeoMember) Value {
	return Value{Tag: TagGeo, Geo: canonicalizeGeoScores(entries)}
}

// Float returns a float value with NaN normalized to the canonical
// quiet-NaN bit pattern, matching the write-time normalization the codec
// performs (§4.2: "NaN bit-pattern normalized... to ensure idempotent
// round-trips"). Constructing through this function means an in-memory
// Value already matches what read(write(v)) would produce.
func Float(f float64) Value {
	return Value{Tag: TagFloat, Float: canonicalizeFloat(f)}
}

// Compressed wraps inner as an opaque compressed blob. inner must itself
// be tagged; the codec compresses/decompresses transparently but preserves
// the wrapper as a distinct variant rather than resolving it away, so
// read(write(Compressed(v))) == Compressed(v), not v.
func Compressed(inner Value) Value {
	c := inner
	return Value{Tag: TagCompressed, Compressed: &c}
}

func canonicalizeFloat(f float64) float64 {
	if math.IsNaN(f) {
		return math.Float64frombits(canonicalQuietNaN)
	}
	return f
}

func canonicalizeScores(members []ScoredMember) []ScoredMember {
	out := make([]ScoredMember, len(members))
	for i, m := range members {
		out[i] = ScoredMember{Member: m.Member, Score: canonicalizeFloat(m.Score)}
	}
	return out
}

func canonicalizeGeoScores(entries []GeoMember) []GeoMember {
	out := make([]GeoMember, len(entries))
	for i, e := range entries {
		out[i] = GeoMember{
			Member: e.Member,
			Lon:    canonicalizeFloat(e.Lon),
			Lat:    canonicalizeFloat(e.Lat),
			Score:  canonicalizeFloat(e.Score),
		}
	}
	return out
}

// Equal reports deep equality, comparing floats by bit pattern so two
// canonicalized NaNs compare equal per §8's "NaN compared bit-equal after
// canonicalization" property. Hash fields are matched by name, not by
// position.
func (v Value) Equal(other Value) bool {
	if v.Tag != other.Tag {
		return false
	}

	switch v.Tag {
	case TagNull:
		return true
	case TagBool:
		return v.Bool == other.Bool
	case TagInt:
		return v.Int == other.Int
	case TagFloat:
		return math.Float64bits(v.Float) == math.Float64bits(other.Float)
	case TagString, TagBitmap, TagHLL:
		return bytesEqual(v.Str, other.Str)
	case TagArray, TagStream:
		a, b := v.arrayLike(), other.arrayLike()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case TagHash:
		if len(v.Hash) != len(other.Hash) {
			return false
		}
		for _, f := range v.Hash {
			found := false
			for _, g := range other.Hash {
				if bytesEqual(f.Field, g.Field) {
					found = f.Value.Equal(g.Value)
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case TagSet:
		if len(v.Set) != len(other.Set) {
			return false
		}
		for i := range v.Set {
			if !bytesEqual(v.Set[i], other.Set[i]) {
				return false
			}
		}
		return true
	case TagSortedSet:
		if len(v.SortedSet) != len(other.SortedSet) {
			return false
		}
		for i := range v.SortedSet {
			a, b := v.SortedSet[i], other.SortedSet[i]
			if !bytesEqual(a.Member, b.Member) || math.Float64bits(a.Score) != math.Float64bits(b.Score) {
				return false
			}
		}
		return true
	case TagGeo:
		if len(v.Geo) != len(other.Geo) {
			return false
		}
		for i := range v.Geo {
			a, b := v.Geo[i], other.Geo[i]
			if !bytesEqual(a.Member, b.Member) ||
				math.Float64bits(a.Lon) != math.Float64bits(b.Lon) ||
				math.Float64bits(a.Lat) != math.Float64bits(b.Lat) ||
				math.Float64bits(a.Score) != math.Float64bits(b.Score) {
				return false
			}
		}
		return true
	case TagCompressed:
		if v.Compressed == nil || other.Compressed == nil {
			return v.Compressed == other.Compressed
		}
		return v.Compressed.Equal(*other.Compressed)
	default:
		return false
	}
}

func (v Value) arrayLike() []Value {
	if v.Tag == TagStream {
		return v.Stream
	}
	return v.Array
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
