package codec

import (
	"fmt"
	"strconv"
)

// Value is a decoded field value. The concrete type follows the field kind:
//
//	Int (signed)    IntValue
//	Int (unsigned)  UintValue
//	Bitfield        UintValue
//	Float32/64      FloatValue
//	FixedString     StringValue
//	Hex             HexValue
//	Color           ColorValue
//	Pointer         PointerValue
//	Enum            EnumValue
type Value interface {
	fmt.Stringer
	isValue()
}

type IntValue int64

type UintValue uint64

type FloatValue float64

// StringValue is decoded text. Lossy is set when bytes that could not be
// decoded were replaced by U+FFFD.
type StringValue struct {
	Text  string
	Lossy bool
}

// HexValue is an integer shown as fixed width hexadecimal.
type HexValue struct {
	Raw    uint64
	Digits int
}

// ColorValue is a packed 8-bit channel colour. HasAlpha is set for 32-bit
// fields, stored as 0xAARRGGBB.
type ColorValue struct {
	R, G, B, A uint8
	HasAlpha   bool
}

// PointerValue is a raw 8-byte pointer. Target and Display are set when the
// pointer resolved to a record of the target entity; otherwise Display is
// the hex address.
type PointerValue struct {
	Raw     uint64
	Target  string
	Display string
}

// EnumValue is a dropdown selection.
type EnumValue struct {
	Index int
	Label string
}

func (IntValue) isValue()     {}
func (UintValue) isValue()    {}
func (FloatValue) isValue()   {}
func (StringValue) isValue()  {}
func (HexValue) isValue()     {}
func (ColorValue) isValue()   {}
func (PointerValue) isValue() {}
func (EnumValue) isValue()    {}

func (v IntValue) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v UintValue) String() string   { return strconv.FormatUint(uint64(v), 10) }
func (v FloatValue) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v StringValue) String() string { return v.Text }
func (v EnumValue) String() string   { return v.Label }

func (v HexValue) String() string {
	return fmt.Sprintf("0x%0*X", v.Digits, v.Raw)
}

func (v ColorValue) String() string {
	if v.HasAlpha {
		return fmt.Sprintf("#%02X%02X%02X%02X", v.A, v.R, v.G, v.B)
	}
	return fmt.Sprintf("#%02X%02X%02X", v.R, v.G, v.B)
}

// Packed returns the wire integer, 0xAARRGGBB or 0xRRGGBB.
func (v ColorValue) Packed() uint64 {
	p := uint64(v.R)<<16 | uint64(v.G)<<8 | uint64(v.B)
	if v.HasAlpha {
		p |= uint64(v.A) << 24
	}
	return p
}

func (v PointerValue) String() string {
	if v.Display != "" {
		return v.Display
	}
	return formatAddr(v.Raw)
}

func formatAddr(addr uint64) string {
	return fmt.Sprintf("0x%X", addr)
}

// IsLossy reports whether v is text that lost information in decoding.
func IsLossy(v Value) bool {
	s, ok := v.(StringValue)
	return ok && s.Lossy
}
