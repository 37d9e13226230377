package codec

import (
	"strings"
	"unicode"

	"rostermem/internal/memacc"
	"rostermem/internal/schema"
)

// RecordName joins the decoded name fields of the record at record with a
// space. ok is false when any part failed to read or decoded lossily.
func (c *Codec) RecordName(ch memacc.Channel, fields []*schema.FieldDescriptor, record uint64) (name string, ok bool) {
	parts := make([]string, 0, len(fields))
	for _, d := range fields {
		v, err := c.DecodeAt(ch, d, record)
		if err != nil || IsLossy(v) {
			return "", false
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), len(parts) > 0
}

// PlausibleName reports whether s reads like a person or team name: printable
// throughout and containing at least one letter.
func PlausibleName(s string) bool {
	letter := false
	for _, r := range s {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letter = true
		}
	}
	return letter
}
