package codec

import (
	"rostermem/internal/common"
	"rostermem/internal/memacc"
	"rostermem/internal/schema"
)

// FieldAddress returns the address of the first byte of field d in the
// record at record, following the field's Deref pointer when it has one.
func FieldAddress(ch memacc.Channel, d *schema.FieldDescriptor, record uint64) (uint64, error) {
	base := record
	if d.Deref != nil {
		at := record + uint64(*d.Deref)
		p, err := memacc.ReadPointer(ch, at)
		if err != nil {
			return 0, err
		}
		if p == 0 {
			return 0, &memacc.AccessError{Op: "deref", Addr: at, Len: memacc.PointerSize, Err: memacc.ErrNullPtr}
		}
		base = p
	}
	return base + uint64(d.ByteOffset), nil
}

// DecodeAt reads field d of the record at record.
func (c *Codec) DecodeAt(ch memacc.Channel, d *schema.FieldDescriptor, record uint64) (Value, error) {
	addr, err := FieldAddress(ch, d, record)
	if err != nil {
		return nil, err
	}
	raw, err := ch.ReadBytes(addr, uint32(d.ByteSpan()))
	if err != nil {
		return nil, err
	}
	return c.decodeField(d, raw)
}

// EncodeAt writes v into field d of the record at record. Packed fields are
// read first so neighbouring bits survive. Nothing is written when v cannot
// be encoded.
func (c *Codec) EncodeAt(ch memacc.Channel, d *schema.FieldDescriptor, record uint64, v Value) error {
	addr, err := FieldAddress(ch, d, record)
	if err != nil {
		return err
	}
	span := d.ByteSpan()
	field := make([]byte, span)
	if d.Bits != nil {
		cur, err := ch.ReadBytes(addr, uint32(span))
		if err != nil {
			return err
		}
		copy(field, cur)
	}
	if err := c.EncodeField(d, v, field); err != nil {
		return err
	}
	return ch.WriteBytes(addr, field)
}

// RawAt returns the undecoded bytes of field d.
func RawAt(ch memacc.Channel, d *schema.FieldDescriptor, record uint64) ([]byte, error) {
	addr, err := FieldAddress(ch, d, record)
	if err != nil {
		return nil, err
	}
	return ch.ReadBytes(addr, uint32(d.ByteSpan()))
}

// WriteRawAt writes raw over field d. raw must be exactly the field's span.
func WriteRawAt(ch memacc.Channel, d *schema.FieldDescriptor, record uint64, raw []byte) error {
	if len(raw) != d.ByteSpan() {
		return common.Errorf(common.ErrInvalidParam, "%s: %d raw bytes for a %d byte field", d.Name, len(raw), d.ByteSpan())
	}
	addr, err := FieldAddress(ch, d, record)
	if err != nil {
		return err
	}
	return ch.WriteBytes(addr, raw)
}
