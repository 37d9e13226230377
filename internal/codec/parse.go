package codec

import (
	"strconv"
	"strings"

	"rostermem/internal/common"
	"rostermem/internal/schema"
)

// ParseValue reads text as typed by an operator into a Value for field d.
// Pointer text is kept as a StringValue; the name or address it holds is
// resolved when the value is encoded.
func ParseValue(d *schema.FieldDescriptor, text string) (Value, error) {
	s := strings.TrimSpace(text)
	switch d.Type.Kind {
	case schema.KindInt:
		return parseNumber(d, s)
	case schema.KindFloat32, schema.KindFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, badText(d, text, err)
		}
		return FloatValue(f), nil
	case schema.KindString:
		return StringValue{Text: text}, nil
	case schema.KindHex:
		u, err := strconv.ParseUint(trimHexPrefix(s), 16, 64)
		if err != nil {
			return nil, badText(d, text, err)
		}
		return HexValue{Raw: u, Digits: (d.Type.WidthBits + 3) / 4}, nil
	case schema.KindColor:
		return parseColor(d, s)
	case schema.KindPointer:
		return StringValue{Text: s}, nil
	case schema.KindBitfield:
		switch strings.ToLower(s) {
		case "true", "on", "yes":
			return UintValue(1), nil
		case "false", "off", "no":
			return UintValue(0), nil
		}
		return parseNumber(d, s)
	case schema.KindEnum:
		for i, l := range d.Type.Values {
			if l == s {
				return EnumValue{Index: i, Label: l}, nil
			}
		}
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return IntValue(n), nil
		}
		return nil, common.Errorf(common.ErrUnknownLabel, "%s: %q is not one of %d labels", d.Name, s, len(d.Type.Values))
	}
	return nil, common.Errorf(common.ErrInvalidParam, "%s: unsupported field kind %s", d.Name, d.Type.Kind)
}

func parseNumber(d *schema.FieldDescriptor, s string) (Value, error) {
	if strings.HasPrefix(s, "-") {
		n, err := strconv.ParseInt(s, 0, 64)
		if err == nil {
			return IntValue(n), nil
		}
	} else if u, err := strconv.ParseUint(s, 0, 64); err == nil {
		if d.Type.Signed && u <= 1<<63-1 {
			return IntValue(u), nil
		}
		return UintValue(u), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, badText(d, s, err)
	}
	return FloatValue(f), nil
}

// parseColor accepts #RRGGBB, #AARRGGBB or a plain integer. Six digits on
// a 32-bit field mean an opaque colour.
func parseColor(d *schema.FieldDescriptor, s string) (Value, error) {
	alpha := d.Type.WidthBits == 32
	if !strings.HasPrefix(s, "#") {
		u, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, badText(d, s, err)
		}
		return unpackColor(u, alpha), nil
	}
	digits := s[1:]
	u, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return nil, badText(d, s, err)
	}
	switch len(digits) {
	case 6:
		c := unpackColor(u, alpha)
		if alpha {
			c.A = 0xFF
		}
		return c, nil
	case 8:
		if !alpha {
			return nil, common.Errorf(common.ErrInvalidParam, "%s: %q has alpha but the field is 24-bit", d.Name, s)
		}
		return unpackColor(u, true), nil
	}
	return nil, common.Errorf(common.ErrInvalidParam, "%s: colour %q needs 6 or 8 hex digits", d.Name, s)
}

func trimHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

// parseAddr accepts 0x-prefixed hexadecimal only, so that names made of hex
// digits still go to the name lookup.
func parseAddr(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, false
	}
	u, err := strconv.ParseUint(s[2:], 16, 64)
	return u, err == nil
}

func badText(d *schema.FieldDescriptor, text string, err error) error {
	return common.Wrap(common.ErrInvalidParam, err, "%s: cannot read %q as %s", d.Name, text, d.Type.Kind)
}
