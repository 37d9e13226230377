// Package codec converts between raw record bytes and typed field values.
package codec

import (
	"encoding/binary"
	"math"

	"rostermem/internal/common"
	"rostermem/internal/schema"
)

// TargetResolver maps pointer values to the display names of the records
// they point at, and back.
type TargetResolver interface {
	NameForAddress(entity string, addr uint64) (string, bool)
	AddressForName(entity, name string) (uint64, bool)
}

// Codec decodes and encodes fields. Targets may be nil, in which case
// pointer fields always show their hex address.
type Codec struct {
	Targets TargetResolver
}

// New returns a codec resolving pointer targets through targets.
func New(targets TargetResolver) *Codec {
	return &Codec{Targets: targets}
}

func fieldBytes(d *schema.FieldDescriptor, buf []byte) ([]byte, error) {
	span := d.ByteSpan()
	if d.ByteOffset < 0 || span <= 0 || d.ByteOffset+span > len(buf) {
		return nil, common.Errorf(common.ErrInvalidParam,
			"%s: %d bytes at 0x%X do not fit a %d byte buffer", d.Name, span, d.ByteOffset, len(buf))
	}
	return buf[d.ByteOffset : d.ByteOffset+span], nil
}

// Decode reads field d from buf. buf holds the record, or for fields with a
// Deref offset the struct the record points to. Decoding never fails on
// field content; it fails only when buf is too short for the descriptor.
func (c *Codec) Decode(d *schema.FieldDescriptor, buf []byte) (Value, error) {
	field, err := fieldBytes(d, buf)
	if err != nil {
		return nil, err
	}
	return c.decodeField(d, field)
}

func (c *Codec) decodeField(d *schema.FieldDescriptor, field []byte) (Value, error) {
	t := &d.Type
	switch t.Kind {
	case schema.KindInt:
		raw := readUint(field)
		if t.Signed {
			return IntValue(signExtend(raw, t.WidthBits)), nil
		}
		return UintValue(raw), nil
	case schema.KindFloat32:
		return FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(field))), nil
	case schema.KindFloat64:
		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(field))), nil
	case schema.KindString:
		return decodeString(t.Encoding, field), nil
	case schema.KindHex:
		return HexValue{Raw: readUint(field), Digits: (t.WidthBits + 3) / 4}, nil
	case schema.KindColor:
		return unpackColor(readUint(field), t.WidthBits == 32), nil
	case schema.KindPointer:
		return c.pointerValue(d, readUint(field)), nil
	case schema.KindBitfield:
		return UintValue(extractBits(field, d.Bits)), nil
	case schema.KindEnum:
		raw := readUint(field)
		if d.Bits != nil {
			raw = extractBits(field, d.Bits)
		}
		idx := clampIndex(raw, len(t.Values))
		if idx < 0 {
			return EnumValue{Index: 0, Label: ""}, nil
		}
		return EnumValue{Index: idx, Label: t.Values[idx]}, nil
	}
	return nil, common.Errorf(common.ErrInvalidParam, "%s: unsupported field kind %s", d.Name, t.Kind)
}

func (c *Codec) pointerValue(d *schema.FieldDescriptor, raw uint64) PointerValue {
	v := PointerValue{Raw: raw, Display: formatAddr(raw)}
	if raw == 0 || d.PointerTarget == "" || c.Targets == nil {
		return v
	}
	if name, ok := c.Targets.NameForAddress(d.PointerTarget, raw); ok && name != "" {
		v.Target = d.PointerTarget
		v.Display = name
	}
	return v
}

// Encode returns the bytes of field d holding v. Packed fields are encoded
// over zero bits; use EncodeInto to keep the neighbouring bits of a record.
func (c *Codec) Encode(d *schema.FieldDescriptor, v Value) ([]byte, error) {
	field := make([]byte, d.ByteSpan())
	if err := c.EncodeField(d, v, field); err != nil {
		return nil, err
	}
	return field, nil
}

// EncodeInto writes v into field d of buf, leaving every byte and bit
// outside the field untouched. buf is left unchanged on error.
func (c *Codec) EncodeInto(d *schema.FieldDescriptor, v Value, buf []byte) error {
	field, err := fieldBytes(d, buf)
	if err != nil {
		return err
	}
	return c.EncodeField(d, v, field)
}

// EncodeField writes v over field, which holds exactly the ByteSpan bytes
// of d. field is only modified once v has been fully converted.
func (c *Codec) EncodeField(d *schema.FieldDescriptor, v Value, field []byte) error {
	if v == nil {
		return common.Errorf(common.ErrInvalidParam, "%s: no value", d.Name)
	}
	t := &d.Type
	switch t.Kind {
	case schema.KindInt:
		if t.Signed {
			n, err := asSigned(d, v)
			if err != nil {
				return err
			}
			lo, hi := signedRange(t.WidthBits)
			putUint(field, uint64(clampSigned(n, lo, hi)))
			return nil
		}
		u, err := asUnsigned(d, v)
		if err != nil {
			return err
		}
		putUint(field, min(u, maxBits(t.WidthBits)))
	case schema.KindFloat32:
		f, err := asFloat(d, v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(field, math.Float32bits(float32(f)))
	case schema.KindFloat64:
		f, err := asFloat(d, v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(field, math.Float64bits(f))
	case schema.KindString:
		copy(field, encodeString(t.Encoding, t.MaxLen, v.String()))
	case schema.KindHex:
		u, err := asUnsigned(d, v)
		if err != nil {
			return err
		}
		putUint(field, min(u, maxBits(t.WidthBits)))
	case schema.KindColor:
		u, err := asUnsigned(d, v)
		if err != nil {
			return err
		}
		putUint(field, min(u, maxBits(t.WidthBits)))
	case schema.KindPointer:
		addr, err := c.pointerRaw(d, v)
		if err != nil {
			return err
		}
		putUint(field, addr)
	case schema.KindBitfield:
		u, err := asUnsigned(d, v)
		if err != nil {
			return err
		}
		insertBits(field, d.Bits, min(u, maxBits(d.Bits.Width)))
	case schema.KindEnum:
		idx, err := enumIndex(d, v)
		if err != nil {
			return err
		}
		if d.Bits != nil {
			insertBits(field, d.Bits, min(uint64(idx), maxBits(d.Bits.Width)))
		} else {
			putUint(field, min(uint64(idx), maxBits(t.WidthBits)))
		}
	default:
		return common.Errorf(common.ErrInvalidParam, "%s: unsupported field kind %s", d.Name, t.Kind)
	}
	return nil
}

// pointerRaw converts v to the address stored in a pointer field. Names are
// looked up in the target entity; an unknown name is an error and nothing
// is written.
func (c *Codec) pointerRaw(d *schema.FieldDescriptor, v Value) (uint64, error) {
	switch pv := v.(type) {
	case PointerValue:
		return pv.Raw, nil
	case StringValue:
		if addr, ok := parseAddr(pv.Text); ok {
			return addr, nil
		}
		if d.PointerTarget == "" || c.Targets == nil {
			return 0, common.Errorf(common.ErrInvalidParam, "%s: %q is not an address", d.Name, pv.Text)
		}
		addr, ok := c.Targets.AddressForName(d.PointerTarget, pv.Text)
		if !ok {
			return 0, common.Errorf(common.ErrUnknownTargetName, "%s: no %s named %q", d.Name, d.PointerTarget, pv.Text)
		}
		return addr, nil
	}
	return asUnsigned(d, v)
}

func enumIndex(d *schema.FieldDescriptor, v Value) (int, error) {
	values := d.Type.Values
	switch ev := v.(type) {
	case EnumValue:
		if ev.Label != "" {
			for i, l := range values {
				if l == ev.Label {
					return i, nil
				}
			}
		}
		return int(max(clampIndex(uint64(max(ev.Index, 0)), len(values)), 0)), nil
	case StringValue:
		for i, l := range values {
			if l == ev.Text {
				return i, nil
			}
		}
		return 0, common.Errorf(common.ErrUnknownLabel, "%s: %q is not one of %d labels", d.Name, ev.Text, len(values))
	}
	n, err := asSigned(d, v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return max(clampIndex(uint64(n), len(values)), 0), nil
}

func asSigned(d *schema.FieldDescriptor, v Value) (int64, error) {
	switch n := v.(type) {
	case IntValue:
		return int64(n), nil
	case UintValue:
		return int64(min(uint64(n), math.MaxInt64)), nil
	case FloatValue:
		f := float64(n)
		switch {
		case math.IsNaN(f):
			return 0, nil
		case f >= math.MaxInt64:
			return math.MaxInt64, nil
		case f <= math.MinInt64:
			return math.MinInt64, nil
		}
		return int64(math.Round(f)), nil
	case HexValue:
		return int64(min(n.Raw, math.MaxInt64)), nil
	case EnumValue:
		return int64(n.Index), nil
	}
	return 0, common.Errorf(common.ErrInvalidParam, "%s: cannot store %T in a %s field", d.Name, v, d.Type.Kind)
}

func asUnsigned(d *schema.FieldDescriptor, v Value) (uint64, error) {
	switch n := v.(type) {
	case UintValue:
		return uint64(n), nil
	case HexValue:
		return n.Raw, nil
	case ColorValue:
		return n.Packed(), nil
	case PointerValue:
		return n.Raw, nil
	case FloatValue:
		f := float64(n)
		switch {
		case math.IsNaN(f) || f <= 0:
			return 0, nil
		case f >= math.MaxUint64:
			return math.MaxUint64, nil
		}
		return uint64(math.Round(f)), nil
	}
	s, err := asSigned(d, v)
	if err != nil {
		return 0, err
	}
	if s < 0 {
		return 0, nil
	}
	return uint64(s), nil
}

func asFloat(d *schema.FieldDescriptor, v Value) (float64, error) {
	switch n := v.(type) {
	case FloatValue:
		return float64(n), nil
	case IntValue:
		return float64(n), nil
	case UintValue:
		return float64(n), nil
	}
	return 0, common.Errorf(common.ErrInvalidParam, "%s: cannot store %T in a %s field", d.Name, v, d.Type.Kind)
}

func unpackColor(raw uint64, alpha bool) ColorValue {
	c := ColorValue{R: uint8(raw >> 16), G: uint8(raw >> 8), B: uint8(raw), HasAlpha: alpha}
	if alpha {
		c.A = uint8(raw >> 24)
	}
	return c
}

// clampIndex returns raw limited to [0, n), or -1 when n is 0.
func clampIndex(raw uint64, n int) int {
	if n <= 0 {
		return -1
	}
	if raw >= uint64(n) {
		return n - 1
	}
	return int(raw)
}

func maxBits(w int) uint64 {
	if w >= 64 {
		return math.MaxUint64
	}
	if w <= 0 {
		return 0
	}
	return 1<<uint(w) - 1
}

func signedRange(w int) (int64, int64) {
	if w >= 64 {
		return math.MinInt64, math.MaxInt64
	}
	return -1 << uint(w-1), 1<<uint(w-1) - 1
}

func clampSigned(n, lo, hi int64) int64 {
	return max(lo, min(hi, n))
}

func signExtend(raw uint64, w int) int64 {
	if w >= 64 {
		return int64(raw)
	}
	shift := uint(64 - w)
	return int64(raw<<shift) >> shift
}

// readUint reads up to 8 bytes little endian.
func readUint(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:])
}

// putUint writes the low len(b) bytes of v little endian.
func putUint(b []byte, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(b, tmp[:])
}

func extractBits(field []byte, br *schema.BitRange) uint64 {
	return (readUint(field) >> uint(br.Offset)) & maxBits(br.Width)
}

func insertBits(field []byte, br *schema.BitRange, v uint64) {
	mask := maxBits(br.Width) << uint(br.Offset)
	cur := readUint(field)
	cur = cur&^mask | (v<<uint(br.Offset))&mask
	putUint(field, cur)
}
