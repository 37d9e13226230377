package engine

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/convert"
	"rostermem/internal/schema"
)

// GetField decodes field name of record index, with the field's conversion
// applied.
func (s *Session) GetField(ctx context.Context, entity string, index int, name string) (codec.Value, error) {
	v, d, err := s.getRaw(ctx, entity, index, name)
	if err != nil {
		return nil, err
	}
	return s.display(d, v), nil
}

// GetRawField decodes field name of record index without its conversion.
func (s *Session) GetRawField(ctx context.Context, entity string, index int, name string) (codec.Value, error) {
	v, _, err := s.getRaw(ctx, entity, index, name)
	return v, err
}

func (s *Session) getRaw(ctx context.Context, entity string, index int, name string) (codec.Value, *schema.FieldDescriptor, error) {
	d, err := s.schema.Field(entity, name)
	if err != nil {
		return nil, nil, err
	}
	addr, err := s.resolver.ResolveEntityAddress(ctx, entity, index)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.codec.DecodeAt(s.ch, d, addr)
	if err != nil {
		return nil, nil, err
	}
	s.noteLossy(d, index, v)
	return v, d, nil
}

// FieldBytes returns the undecoded bytes of field name of record index.
func (s *Session) FieldBytes(ctx context.Context, entity string, index int, name string) ([]byte, error) {
	d, addr, err := s.locate(ctx, entity, index, name)
	if err != nil {
		return nil, err
	}
	return codec.RawAt(s.ch, d, addr)
}

// SetField encodes v into field name of record index. v is a display value
// when the field has a conversion.
func (s *Session) SetField(ctx context.Context, entity string, index int, name string, v codec.Value) error {
	d, addr, err := s.locate(ctx, entity, index, name)
	if err != nil {
		return err
	}
	raw, err := toRaw(d, v)
	if err != nil {
		return err
	}
	return s.write(d, addr, raw)
}

// SetRawField encodes v into field name without applying its conversion.
func (s *Session) SetRawField(ctx context.Context, entity string, index int, name string, v codec.Value) error {
	d, addr, err := s.locate(ctx, entity, index, name)
	if err != nil {
		return err
	}
	return s.write(d, addr, v)
}

// SetFieldText parses text for field name and stores it.
func (s *Session) SetFieldText(ctx context.Context, entity string, index int, name, text string) error {
	d, err := s.schema.Field(entity, name)
	if err != nil {
		return err
	}
	v, err := s.ParseText(d, text)
	if err != nil {
		return err
	}
	return s.SetField(ctx, entity, index, name, v)
}

// ParseText turns user text into a value for d. Fields with a conversion
// keep the text so it is read as a display value.
func (s *Session) ParseText(d *schema.FieldDescriptor, text string) (codec.Value, error) {
	if d.Conversion != convert.None {
		return codec.StringValue{Text: strings.TrimSpace(text)}, nil
	}
	return codec.ParseValue(d, text)
}

func (s *Session) locate(ctx context.Context, entity string, index int, name string) (*schema.FieldDescriptor, uint64, error) {
	d, err := s.schema.Field(entity, name)
	if err != nil {
		return nil, 0, err
	}
	addr, err := s.resolver.ResolveEntityAddress(ctx, entity, index)
	if err != nil {
		return nil, 0, err
	}
	return d, addr, nil
}

func (s *Session) write(d *schema.FieldDescriptor, record uint64, v codec.Value) error {
	if err := s.codec.EncodeAt(s.ch, d, record, v); err != nil {
		return err
	}
	s.touched(d)
	return nil
}

// GetFields decodes several fields of one record from a single read of the
// record. No names means every field of the entity.
func (s *Session) GetFields(ctx context.Context, entity string, index int, names []string) (map[string]codec.Value, error) {
	descs, err := s.descriptors(entity, names)
	if err != nil {
		return nil, err
	}
	addr, err := s.resolver.ResolveEntityAddress(ctx, entity, index)
	if err != nil {
		return nil, err
	}
	rb, _ := s.resolver.Cached(entity)
	rec, err := s.ch.ReadBytes(addr, rb.Stride)
	if err != nil {
		return nil, err
	}

	out := make(map[string]codec.Value, len(descs))
	for _, d := range descs {
		var v codec.Value
		if inRecord(d, len(rec)) {
			v, err = s.codec.Decode(d, rec)
		} else {
			v, err = s.codec.DecodeAt(s.ch, d, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", entity, d.Name, err)
		}
		s.noteLossy(d, index, v)
		out[d.Name] = s.display(d, v)
	}
	return out, nil
}

// SetFields stores several fields of one record. Every value is encoded
// before anything is written, so a value that cannot be encoded leaves the
// record untouched. A write that fails part way may leave earlier fields
// written.
func (s *Session) SetFields(ctx context.Context, entity string, index int, values map[string]codec.Value) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	descs, err := s.descriptors(entity, names)
	if err != nil {
		return err
	}
	addr, err := s.resolver.ResolveEntityAddress(ctx, entity, index)
	if err != nil {
		return err
	}
	rb, _ := s.resolver.Cached(entity)
	cur, err := s.ch.ReadBytes(addr, rb.Stride)
	if err != nil {
		return err
	}
	work := bytes.Clone(cur)

	// Fields behind a deref pointer are encoded into one copy per pointed
	// struct, so packed fields sharing a byte keep each other's bits.
	type target struct {
		base uint64
		end  int
		buf  []byte
	}
	raws := make([]codec.Value, len(descs))
	targets := make([]*target, len(descs))
	structs := make(map[uint64]*target)
	for i, d := range descs {
		if raws[i], err = toRaw(d, values[d.Name]); err != nil {
			return err
		}
		if inRecord(d, len(work)) {
			continue
		}
		fa, err := codec.FieldAddress(s.ch, d, addr)
		if err != nil {
			return err
		}
		base := fa - uint64(d.ByteOffset)
		t := structs[base]
		if t == nil {
			t = &target{base: base}
			structs[base] = t
		}
		t.end = max(t.end, d.ByteOffset+d.ByteSpan())
		targets[i] = t
	}
	for _, t := range structs {
		b, err := s.ch.ReadBytes(t.base, uint32(t.end))
		if err != nil {
			return err
		}
		t.buf = bytes.Clone(b)
	}

	type pending struct {
		addr uint64
		data []byte
	}
	writes := make([]pending, 0, len(descs))
	for i, d := range descs {
		buf, at := work, addr
		if t := targets[i]; t != nil {
			buf, at = t.buf, t.base
		}
		if err := s.codec.EncodeInto(d, raws[i], buf); err != nil {
			return err
		}
		off := d.ByteOffset
		writes = append(writes, pending{at + uint64(off), buf[off : off+d.ByteSpan()]})
	}

	for _, w := range writes {
		if err := s.ch.WriteBytes(w.addr, w.data); err != nil {
			return err
		}
	}
	for _, d := range descs {
		s.touched(d)
	}
	return nil
}

func (s *Session) descriptors(entity string, names []string) ([]*schema.FieldDescriptor, error) {
	if len(names) == 0 {
		if _, err := s.schema.BasePointer(entity); err != nil {
			return nil, err
		}
		return s.schema.EntityFields(entity), nil
	}
	out := make([]*schema.FieldDescriptor, 0, len(names))
	for _, name := range names {
		d, err := s.schema.Field(entity, name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// inRecord reports whether d lies in the first n bytes of its record.
func inRecord(d *schema.FieldDescriptor, n int) bool {
	return d.Deref == nil && d.ByteOffset+d.ByteSpan() <= n
}

// touched drops the name table of d's entity when d is one of its name
// fields.
func (s *Session) touched(d *schema.FieldDescriptor) {
	spec, err := s.schema.BasePointer(d.Entity)
	if err == nil && slices.Contains(spec.NameFields, d.Name) {
		s.names.invalidate(d.Entity)
	}
}

func (s *Session) noteLossy(d *schema.FieldDescriptor, index int, v codec.Value) {
	if !codec.IsLossy(v) {
		return
	}
	s.log.Logf(common.SeverityDebug, "%s[%d].%s decoded lossy: %q", d.Entity, index, d.Name, v.String())
	s.rec.RecordLossy(d.Entity)
}

func convWidth(d *schema.FieldDescriptor) int {
	if d.Bits != nil {
		return d.Bits.Width
	}
	return d.Type.WidthBits
}

func widthMask(w int) uint64 {
	if w <= 0 || w >= 64 {
		return ^uint64(0)
	}
	return 1<<w - 1
}

// display applies d's conversion to a decoded value.
func (s *Session) display(d *schema.FieldDescriptor, v codec.Value) codec.Value {
	if d.Conversion == convert.None {
		return v
	}
	var raw uint64
	switch n := v.(type) {
	case codec.IntValue:
		raw = uint64(n)
	case codec.UintValue:
		raw = uint64(n)
	default:
		return v
	}
	w := convWidth(d)
	disp := convert.ToDisplay(d.Conversion, raw&widthMask(w), w)
	if d.Conversion == convert.Badge {
		return codec.EnumValue{Index: int(disp), Label: convert.BadgeLabel(disp)}
	}
	return codec.IntValue(disp)
}

// toRaw undoes d's conversion. Text is accepted in the display form of the
// conversion: 6'8" for heights, level names for badges.
func toRaw(d *schema.FieldDescriptor, v codec.Value) (codec.Value, error) {
	if v == nil {
		return nil, common.Errorf(common.ErrInvalidParam, "%s: no value", d.Name)
	}
	if d.Conversion == convert.None {
		return v, nil
	}
	var disp float64
	switch n := v.(type) {
	case codec.IntValue:
		disp = float64(n)
	case codec.UintValue:
		disp = float64(n)
	case codec.FloatValue:
		disp = float64(n)
	case codec.EnumValue:
		disp = float64(n.Index)
	case codec.StringValue:
		f, err := parseDisplay(d.Conversion, n.Text)
		if err != nil {
			return nil, common.Wrap(common.ErrInvalidParam, err, "%s: bad %s value %q", d.Name, d.Conversion, n.Text)
		}
		disp = f
	default:
		return nil, common.Errorf(common.ErrInvalidParam, "%s: cannot store %T as a %s value", d.Name, v, d.Conversion)
	}
	return codec.UintValue(convert.FromDisplay(d.Conversion, disp, convWidth(d))), nil
}

func parseDisplay(k convert.Kind, text string) (float64, error) {
	text = strings.TrimSpace(text)
	switch k {
	case convert.Height:
		in, err := convert.ParseHeight(text)
		return float64(in), err
	case convert.Badge:
		if lvl, ok := convert.ParseBadge(text); ok {
			return float64(lvl), nil
		}
	}
	return strconv.ParseFloat(text, 64)
}
