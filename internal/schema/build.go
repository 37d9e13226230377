package schema

import (
	"fmt"
	"sort"
	"strings"

	"rostermem/internal/common"
	"rostermem/internal/convert"
	"rostermem/internal/memacc"
)

// ValidationError lists every problem found while building a schema.
type ValidationError struct {
	Version  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %q is invalid (%d problems): %s",
		e.Version, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return common.ErrSchemaValidation }

type builder struct {
	key      string
	doc      *Document
	vd       *VersionDoc
	out      *OffsetSchema
	problems []string
}

func (b *builder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

// Build validates the version entry key and returns its OffsetSchema. All
// problems are reported together in a *ValidationError.
func (d *Document) Build(key string) (*OffsetSchema, error) {
	vd, ok := d.Versions[key]
	if !ok {
		return nil, common.Errorf(common.ErrSchemaNotFound, "no schema version %q", key)
	}
	b := &builder{
		key: key,
		doc: d,
		vd:  &vd,
		out: &OffsetSchema{
			version:   key,
			info:      GameInfo{Executable: vd.GameInfo.Executable, Build: vd.GameInfo.Build},
			catFields: make(map[string][]*FieldDescriptor),
			catEntity: make(map[string]string),
			fields:    make(map[string]map[string]*FieldDescriptor),
			bases:     make(map[string]*BasePointerSpec),
			relations: make(map[string]*Relation),
			dropdowns: make(map[string][]string),
		},
	}

	for name, vals := range d.Dropdowns {
		b.out.dropdowns[name] = vals
	}
	for name, vals := range vd.Dropdowns {
		b.out.dropdowns[name] = vals
	}

	b.buildBases()
	b.buildCategories()
	b.checkNameFields()
	b.buildRelations()

	if len(b.problems) > 0 {
		return nil, &ValidationError{Version: key, Problems: b.problems}
	}
	return b.out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hops(in []HopDoc) []Hop {
	if len(in) == 0 {
		return nil
	}
	out := make([]Hop, 0, len(in))
	for _, h := range in {
		deref := true
		if h.Dereference != nil {
			deref = *h.Dereference
		}
		out = append(out, Hop{Offset: int64(h.Offset), Deref: deref, PostAdd: int64(h.PostAdd)})
	}
	return out
}

func (b *builder) buildBases() {
	for _, entity := range sortedKeys(b.vd.BasePointers) {
		bd := b.vd.BasePointers[entity]
		spec := &BasePointerSpec{
			Entity:      entity,
			Absolute:    bd.Absolute,
			DirectTable: bd.DirectTable,
			Chain:       hops(bd.Chain),
			FinalOffset: int64(bd.FinalOffset),
			EndChain:    hops(bd.EndChain),
			MaxIndex:    bd.MaxIndex,
			NameFields:  bd.NameFields,
		}
		if bd.Address != nil {
			spec.Address = uint64(*bd.Address)
		}

		switch {
		case bd.Stride <= 0:
			b.fail("base %s: stride must be > 0", entity)
		case bd.Stride > 1<<24:
			b.fail("base %s: stride %d is too large", entity, bd.Stride)
		default:
			spec.Stride = uint32(bd.Stride)
		}
		if bd.MaxIndex < 0 {
			b.fail("base %s: max_index must not be negative", entity)
		}
		if spec.DirectTable && len(spec.Chain) > 0 {
			b.fail("base %s: a direct table cannot declare a chain", entity)
		}
		if spec.DirectTable && spec.Address == 0 {
			b.fail("base %s: a direct table needs an address", entity)
		}
		if spec.Address == 0 && bd.Scan == nil {
			b.fail("base %s: no address and no scan declared", entity)
		}
		if bd.Scan != nil {
			spec.Scan = b.buildScan(entity, bd.Scan)
		}
		b.out.bases[entity] = spec
	}
}

func (b *builder) buildScan(entity string, sd *ScanDoc) *ScanSpec {
	scan := &ScanSpec{
		MinVotes:      sd.MinVotes,
		MinConfidence: sd.MinConfidence,
		VerifyRecords: sd.VerifyRecords,
		ExpectedNames: sd.ExpectedNames,
	}
	if scan.MinConfidence == 0 {
		scan.MinConfidence = 0.5
	}
	if scan.MinConfidence < 0 || scan.MinConfidence > 1 {
		b.fail("base %s: min_confidence must be within 0..1", entity)
	}
	if scan.VerifyRecords == 0 {
		scan.VerifyRecords = 3
	}
	if len(sd.Signatures) == 0 {
		b.fail("base %s: scan declares no signatures", entity)
	}
	for i, sig := range sd.Signatures {
		spec, err := buildSignature(sig)
		if err != nil {
			b.fail("base %s: signature %d: %v", entity, i, err)
			continue
		}
		scan.Signatures = append(scan.Signatures, spec)
	}
	return scan
}

func buildSignature(sd SignatureDoc) (SignatureSpec, error) {
	var spec SignatureSpec
	var err error
	switch {
	case sd.Pattern != "" && sd.Text != "":
		return spec, fmt.Errorf("pattern and text are exclusive")
	case sd.Pattern != "":
		spec.Pattern, err = memacc.ParseSignature(sd.Pattern)
	case sd.Text != "":
		var enc Encoding
		enc, err = parseEncoding(sd.Encoding)
		if err == nil && enc == EncodingNone {
			err = fmt.Errorf("text signature needs an encoding")
		}
		if err == nil {
			spec.Pattern, err = memacc.TextSignature(sd.Text, enc == EncodingWide)
		}
	default:
		return spec, fmt.Errorf("needs pattern or text")
	}
	if err != nil {
		return spec, err
	}

	scope, err := memacc.ParseSpace(sd.Scope)
	if err != nil {
		return spec, err
	}
	spec.Pattern.Scope = scope
	spec.Delta = int64(sd.Delta)
	spec.BackCalc = sd.BackCalc
	spec.MaxIndex = sd.MaxIndex

	switch strings.ToLower(sd.Mode) {
	case "", "deref", "pointer":
		spec.Mode = TransformDeref
	case "address", "match":
		spec.Mode = TransformAddress
	default:
		return spec, fmt.Errorf("unknown mode %q", sd.Mode)
	}
	if spec.BackCalc && spec.MaxIndex <= 0 {
		return spec, fmt.Errorf("back_calc needs max_index")
	}
	return spec, nil
}

func parseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return EncodingNone, nil
	case "narrow", "ascii", "latin1", "utf8", "char":
		return EncodingNarrow, nil
	case "wide", "utf16", "utf-16", "utf16le", "wchar":
		return EncodingWide, nil
	}
	return EncodingNone, fmt.Errorf("unknown encoding %q", name)
}

// normalizeType folds the authored type aliases into canonical names.
func normalizeType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch t {
	case "integer", "int", "uint", "number", "slider", "byte", "short":
		return "integer"
	case "float", "single", "double":
		return "float"
	case "ptr", "address":
		return "pointer"
	case "binary", "bool", "boolean", "bit", "bitfield", "combo":
		return "binary"
	case "wstring", "utf16", "utf-16", "wchar", "wide":
		return "wstring"
	case "string", "text", "ascii", "char", "cstring":
		return "string"
	case "dropdown":
		return "enum"
	}
	if strings.Contains(t, "pointer") {
		return "pointer"
	}
	return t
}

func defaultWidth(rawType string) int {
	switch strings.ToLower(strings.TrimSpace(rawType)) {
	case "byte":
		return 8
	case "short":
		return 16
	case "double":
		return 64
	case "bool", "boolean", "bit":
		return 1
	}
	return 0
}

func validIntWidth(w int) bool {
	return w == 8 || w == 16 || w == 32 || w == 64
}

func (b *builder) buildCategories() {
	seen := make(map[string]bool)
	for _, cd := range b.vd.Categories {
		if cd.Name == "" {
			b.fail("category with no name")
			continue
		}
		if seen[cd.Name] {
			b.fail("category %s declared twice", cd.Name)
			continue
		}
		seen[cd.Name] = true

		base, ok := b.out.bases[cd.Entity]
		if !ok {
			b.fail("category %s: entity %q has no base pointer", cd.Name, cd.Entity)
			continue
		}
		b.out.categories = append(b.out.categories, cd.Name)
		b.out.catEntity[cd.Name] = cd.Entity
		byName := b.out.fields[cd.Entity]
		if byName == nil {
			byName = make(map[string]*FieldDescriptor)
			b.out.fields[cd.Entity] = byName
		}

		for _, fd := range cd.Fields {
			d, ok := b.buildField(cd, base, fd)
			if !ok {
				continue
			}
			if _, dup := byName[d.Name]; dup {
				b.fail("%s.%s: field name already used by entity %s", cd.Name, d.Name, cd.Entity)
				continue
			}
			byName[d.Name] = d
			b.out.catFields[cd.Name] = append(b.out.catFields[cd.Name], d)
		}
	}
}

func (b *builder) buildField(cd CategoryDoc, base *BasePointerSpec, fd FieldDoc) (*FieldDescriptor, bool) {
	where := cd.Name + "." + fd.Name
	if fd.Name == "" {
		b.fail("%s: field with no name", cd.Name)
		return nil, false
	}
	if fd.Offset < 0 {
		b.fail("%s: negative offset", where)
		return nil, false
	}
	d := &FieldDescriptor{
		Name:          fd.Name,
		Category:      cd.Name,
		Entity:        cd.Entity,
		ByteOffset:    int(fd.Offset),
		PointerTarget: fd.PointerTarget,
	}
	n := len(b.problems)

	width := fd.Length
	if width == 0 {
		width = defaultWidth(fd.Type)
	}
	var values []string
	if fd.Dropdown != "" {
		var ok bool
		if values, ok = b.out.dropdowns[fd.Dropdown]; !ok {
			b.fail("%s: unknown dropdown %q", where, fd.Dropdown)
		}
	}
	if len(fd.Values) > 0 {
		values = fd.Values
	}

	kind := normalizeType(fd.Type)
	if len(values) > 0 && (kind == "integer" || kind == "binary") {
		kind = "enum"
	}
	if kind == "integer" && (fd.StartBit != nil || (width != 0 && !validIntWidth(width))) {
		kind = "binary"
	}

	switch kind {
	case "integer":
		if width == 0 {
			width = 32
		}
		d.Type = FieldType{Kind: KindInt, Signed: fd.Signed, WidthBits: width}
	case "float":
		switch width {
		case 0, 32:
			d.Type = FieldType{Kind: KindFloat32, WidthBits: 32}
		case 64:
			d.Type = FieldType{Kind: KindFloat64, WidthBits: 64}
		default:
			b.fail("%s: float width must be 32 or 64, not %d", where, width)
		}
	case "pointer":
		if width != 0 && width != 64 {
			b.fail("%s: pointer width must be 64, not %d", where, width)
		}
		d.Type = FieldType{Kind: KindPointer, WidthBits: 64}
	case "binary":
		d.Type = FieldType{Kind: KindBitfield, WidthBits: width}
		b.setBits(d, fd, width, where)
	case "enum":
		if len(values) == 0 {
			b.fail("%s: enum has no values", where)
		}
		d.Type = FieldType{Kind: KindEnum, Values: values}
		if fd.StartBit != nil || (width != 0 && !validIntWidth(width)) {
			d.Type.WidthBits = width
			b.setBits(d, fd, width, where)
		} else {
			if width == 0 {
				width = 8
			}
			d.Type.WidthBits = width
		}
	case "string", "wstring":
		enc, err := parseEncoding(fd.Encoding)
		if err != nil {
			b.fail("%s: %v", where, err)
		}
		implied := EncodingNone
		switch strings.ToLower(strings.TrimSpace(fd.Type)) {
		case "wstring", "utf16", "utf-16", "wchar", "wide":
			implied = EncodingWide
		case "ascii", "char", "cstring":
			implied = EncodingNarrow
		}
		switch {
		case enc == EncodingNone:
			enc = implied
		case implied != EncodingNone && implied != enc:
			b.fail("%s: encoding %s conflicts with type %s", where, enc, fd.Type)
		}
		if enc == EncodingNone {
			b.fail("%s: string type %q needs an explicit encoding", where, fd.Type)
		}
		if fd.Length <= 0 {
			b.fail("%s: string needs a length", where)
		}
		d.Type = FieldType{Kind: KindString, MaxLen: fd.Length, Encoding: enc}
	case "hex":
		if width == 0 {
			width = 32
		}
		if !validIntWidth(width) {
			b.fail("%s: hex width must be 8, 16, 32 or 64, not %d", where, width)
		}
		d.Type = FieldType{Kind: KindHex, WidthBits: width}
	case "color", "colour":
		if width == 0 {
			width = 32
		}
		if width != 24 && width != 32 {
			b.fail("%s: color width must be 24 or 32, not %d", where, width)
		}
		d.Type = FieldType{Kind: KindColor, WidthBits: width}
	case "":
		b.fail("%s: missing type", where)
	default:
		b.fail("%s: unknown type %q", where, fd.Type)
	}

	if d.Type.Kind == KindInt && !validIntWidth(d.Type.WidthBits) {
		b.fail("%s: integer width must be 8, 16, 32 or 64, not %d", where, d.Type.WidthBits)
	}

	if fd.PointerTarget != "" {
		if d.Type.Kind != KindPointer {
			b.fail("%s: pointer_target on a %s field", where, d.Type.Kind)
		}
		if _, ok := b.out.bases[fd.PointerTarget]; !ok {
			b.fail("%s: pointer_target %q is not a declared entity", where, fd.PointerTarget)
		}
	}

	conv, err := convert.ParseKind(fd.Conversion)
	if err != nil {
		b.fail("%s: %v", where, err)
	}
	if conv != convert.None && d.Type.Kind != KindInt && d.Type.Kind != KindBitfield {
		b.fail("%s: conversion %s needs an integer or bitfield", where, conv)
	}
	d.Conversion = conv

	if len(b.problems) > n {
		return nil, false
	}

	stride := int(base.Stride)
	if fd.DerefOffset != nil {
		off := int(*fd.DerefOffset)
		if off < 0 || (stride > 0 && off+memacc.PointerSize > stride) {
			b.fail("%s: deref_offset 0x%X lies outside the %d byte record", where, off, stride)
			return nil, false
		}
		d.Deref = &off
	} else if stride > 0 && d.ByteOffset+d.ByteSpan() > stride {
		if d.Bits != nil {
			b.fail("%s: bits %d..%d at byte 0x%X exceed the %d byte record", where,
				d.Bits.Offset, d.Bits.Offset+d.Bits.Width-1, d.ByteOffset, stride)
		} else {
			b.fail("%s: %d bytes at 0x%X exceed the %d byte record", where, d.ByteSpan(), d.ByteOffset, stride)
		}
		return nil, false
	}
	return d, true
}

// setBits fills the bit range of a packed field. Start bits past 7 are
// folded into the byte offset.
func (b *builder) setBits(d *FieldDescriptor, fd FieldDoc, width int, where string) {
	if fd.StartBit == nil {
		b.fail("%s: bitfield needs start_bit", where)
		return
	}
	if width <= 0 {
		b.fail("%s: bitfield needs a length", where)
		return
	}
	start := *fd.StartBit
	if start < 0 {
		b.fail("%s: negative start_bit", where)
		return
	}
	d.ByteOffset += start / 8
	start %= 8
	if start+width > 64 {
		b.fail("%s: bitfield of %d bits at bit %d spans more than 8 bytes", where, width, start)
		return
	}
	d.Bits = &BitRange{Offset: start, Width: width}
}

func (b *builder) checkNameFields() {
	for _, entity := range sortedKeys(b.out.bases) {
		spec := b.out.bases[entity]
		for _, name := range spec.NameFields {
			d, ok := b.out.fields[entity][name]
			if !ok {
				b.fail("base %s: name field %q is not a field of %s", entity, name, entity)
				continue
			}
			if d.Type.Kind != KindString {
				b.fail("base %s: name field %q is not a string", entity, name)
			}
		}
		if spec.Scan != nil && len(spec.Scan.ExpectedNames) > 0 && len(spec.NameFields) == 0 {
			b.fail("base %s: expected_names needs name_fields", entity)
		}
	}
}

func (b *builder) buildRelations() {
	for _, name := range sortedKeys(b.vd.Relations) {
		rd := b.vd.Relations[name]
		rel := &Relation{
			Name:           name,
			SourceEntity:   rd.SourceEntity,
			SourceCategory: rd.SourceCategory,
			IDFields:       rd.IDFields,
			TargetEntity:   rd.TargetEntity,
			TargetCategory: rd.TargetCategory,
		}
		switch rd.Kind {
		case "", "season_only":
			rel.Kind = RelationSeasonOnly
		default:
			b.fail("relation %s: unknown kind %q", name, rd.Kind)
		}
		for _, e := range []string{rd.SourceEntity, rd.TargetEntity} {
			if _, ok := b.out.bases[e]; !ok {
				b.fail("relation %s: entity %q is not declared", name, e)
			}
		}
		for _, c := range []struct{ cat, entity string }{
			{rd.SourceCategory, rd.SourceEntity},
			{rd.TargetCategory, rd.TargetEntity},
		} {
			if c.cat == "" {
				continue
			}
			if e, ok := b.out.catEntity[c.cat]; !ok || e != c.entity {
				b.fail("relation %s: category %q does not belong to %s", name, c.cat, c.entity)
			}
		}
		if len(rd.IDFields) == 0 {
			b.fail("relation %s: no id_fields", name)
		}
		for _, f := range rd.IDFields {
			d, ok := b.out.fields[rd.SourceEntity][f]
			if !ok {
				b.fail("relation %s: id field %q is not a field of %s", name, f, rd.SourceEntity)
				continue
			}
			switch d.Type.Kind {
			case KindInt, KindBitfield, KindHex:
			default:
				b.fail("relation %s: id field %q is not an integer", name, f)
			}
		}
		b.out.relations[name] = rel
	}
}
