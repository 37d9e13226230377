package schema

import (
	"fmt"

	"rostermem/internal/convert"
	"rostermem/internal/memacc"
)

// Kind is the closed set of field representations.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat32
	KindFloat64
	KindString
	KindHex
	KindColor
	KindPointer
	KindBitfield
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "Int"
	case KindFloat32:
		return "Float32"
	case KindFloat64:
		return "Float64"
	case KindString:
		return "FixedString"
	case KindHex:
		return "Hex"
	case KindColor:
		return "Color"
	case KindPointer:
		return "Pointer"
	case KindBitfield:
		return "Bitfield"
	case KindEnum:
		return "Enum"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Encoding is the character encoding of a FixedString.
type Encoding uint8

const (
	EncodingNone   Encoding = iota
	EncodingNarrow          // one byte per character
	EncodingWide            // UTF-16LE, two bytes per unit
)

func (e Encoding) String() string {
	switch e {
	case EncodingNarrow:
		return "narrow"
	case EncodingWide:
		return "wide"
	}
	return "none"
}

// CharSize is the byte width of one character unit.
func (e Encoding) CharSize() int {
	if e == EncodingWide {
		return 2
	}
	return 1
}

// FieldType carries the per-kind parameters of a field.
//
//	KindInt, KindHex:   Signed (Int only), WidthBits
//	KindColor:          WidthBits (24 or 32)
//	KindString:         MaxLen characters, Encoding
//	KindBitfield:       WidthBits, located by FieldDescriptor.Bits
//	KindEnum:           Values, WidthBits of the stored index; packed when
//	                    FieldDescriptor.Bits is set
type FieldType struct {
	Kind      Kind
	Signed    bool
	WidthBits int
	MaxLen    int
	Encoding  Encoding
	Values    []string
}

// BitRange locates a packed field inside the bytes starting at a field's
// byte offset. Offset may exceed 7 for fields that span several bytes.
type BitRange struct {
	Offset int
	Width  int
}

// FieldDescriptor describes one named field of an entity record.
type FieldDescriptor struct {
	Name       string
	Category   string
	Entity     string
	ByteOffset int
	Bits       *BitRange // KindBitfield, and packed KindEnum
	Type       FieldType

	// PointerTarget names the entity a pointer field refers to. Empty for
	// plain pointers.
	PointerTarget string

	// Deref, when set, means the field lives in a struct reached through
	// the 8-byte pointer at record+*Deref, and ByteOffset is relative to
	// that struct.
	Deref *int

	Conversion convert.Kind
}

// IsPointer reports whether decoded values may resolve to another record.
func (d *FieldDescriptor) IsPointer() bool {
	return d.Type.Kind == KindPointer
}

// ByteSpan returns the number of record bytes the field covers.
func (d *FieldDescriptor) ByteSpan() int {
	if d.Bits != nil {
		return (d.Bits.Offset + d.Bits.Width + 7) / 8
	}
	switch d.Type.Kind {
	case KindString:
		return d.Type.MaxLen * d.Type.Encoding.CharSize()
	case KindFloat32:
		return 4
	case KindFloat64, KindPointer:
		return 8
	}
	return (d.Type.WidthBits + 7) / 8
}

// Hop is one step of a pointer chain: add Offset, dereference when Deref is
// set, then add PostAdd.
type Hop struct {
	Offset  int64
	Deref   bool
	PostAdd int64
}

// BasePointerSpec describes how to reach the first record of an entity table.
type BasePointerSpec struct {
	Entity string

	// Address is module relative unless Absolute is set. Zero means no
	// static declaration exists and the table is only found by scanning.
	Address  uint64
	Absolute bool

	// DirectTable uses Address itself as the table base, with no
	// dereference. Direct tables never carry a chain.
	DirectTable bool

	Chain       []Hop
	FinalOffset int64

	// EndChain resolves to the address one past the last record. When
	// present the table bound is (end - base) / Stride.
	EndChain []Hop

	Stride   uint32
	MaxIndex int // 0 when the table size is unknown

	// NameFields are joined with a space to form a record's display name.
	NameFields []string

	Scan *ScanSpec
}

// Bounded reports whether a table size is declared.
func (b *BasePointerSpec) Bounded() bool {
	return b.MaxIndex > 0
}

// Transform turns a signature match into an element pointer.
type Transform uint8

const (
	// TransformDeref reads an 8-byte pointer at match+Delta.
	TransformDeref Transform = iota
	// TransformAddress uses match+Delta as the element address.
	TransformAddress
)

func (t Transform) String() string {
	if t == TransformAddress {
		return "address"
	}
	return "deref"
}

// SignatureSpec is one byte pattern that points into an entity table.
type SignatureSpec struct {
	Pattern memacc.Signature
	Delta   int64
	Mode    Transform

	// BackCalc marks element pointers. Each pointer votes for every base
	// elem - i*stride with i below MaxIndex.
	BackCalc bool
	MaxIndex int
}

// ScanSpec configures dynamic base discovery for an entity.
type ScanSpec struct {
	Signatures    []SignatureSpec
	MinVotes      int
	MinConfidence float64
	VerifyRecords int
	ExpectedNames []string
}

// RelationKind selects how a relation routes lookups.
type RelationKind uint8

const (
	// RelationSeasonOnly: slot k of the id fields holds a record index in
	// the target table.
	RelationSeasonOnly RelationKind = iota + 1
)

// Relation links id fields of one entity to records of another.
type Relation struct {
	Name           string
	Kind           RelationKind
	SourceEntity   string
	SourceCategory string
	IDFields       []string
	TargetEntity   string
	TargetCategory string
}

// GameInfo holds informational build metadata.
type GameInfo struct {
	Executable string
	Build      string
}
