package codec

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"rostermem/internal/schema"
)

const replacement = "\uFFFD"

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeString reads a terminated string from the maxLen character units in
// raw. It never fails; undecodable input is replaced and flagged.
func decodeString(enc schema.Encoding, raw []byte) StringValue {
	if enc == schema.EncodingWide {
		return decodeWide(raw)
	}
	return decodeNarrow(raw)
}

func decodeNarrow(raw []byte) StringValue {
	var sb strings.Builder
	lossy := false
	for _, c := range raw {
		if c == 0 {
			break
		}
		if c < 0x20 || c > 0x7E {
			sb.WriteString(replacement)
			lossy = true
			continue
		}
		sb.WriteByte(c)
	}
	return StringValue{Text: sb.String(), Lossy: lossy}
}

func decodeWide(raw []byte) StringValue {
	n := len(raw) &^ 1
	end := n
	literal := 0 // U+FFFD stored in memory, not produced by decoding
	for i := 0; i < n; i += 2 {
		u := binary.LittleEndian.Uint16(raw[i:])
		if u == 0 {
			end = i
			break
		}
		if u == 0xFFFD {
			literal++
		}
	}
	text, err := utf16le.NewDecoder().Bytes(raw[:end])
	if err != nil {
		return StringValue{Text: replacement, Lossy: true}
	}
	s := string(text)
	return StringValue{Text: s, Lossy: strings.Count(s, replacement) > literal}
}

// encodeString fills a maxLen character field. Text longer than the field is
// truncated; shorter text is terminated and zero padded.
func encodeString(enc schema.Encoding, maxLen int, text string) []byte {
	if enc == schema.EncodingWide {
		return encodeWide(maxLen, text)
	}
	return encodeNarrow(maxLen, text)
}

func encodeNarrow(maxLen int, text string) []byte {
	out := make([]byte, maxLen)
	i := 0
	for _, r := range text {
		if i == maxLen {
			break
		}
		if r == 0 {
			break
		}
		if r < 0x20 || r > 0x7E {
			r = '?'
		}
		out[i] = byte(r)
		i++
	}
	return out
}

func encodeWide(maxLen int, text string) []byte {
	out := make([]byte, maxLen*2)
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, replacement)
	}
	units, err := utf16le.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return out
	}
	if len(units) > len(out) {
		units = units[:len(out)]
		// keep surrogate pairs whole
		if last := binary.LittleEndian.Uint16(units[len(units)-2:]); last >= 0xD800 && last < 0xDC00 {
			units = units[:len(units)-2]
		}
	}
	copy(out, units)
	return out
}

// truncateText returns text as it reads back after being stored in a maxLen
// field.
func truncateText(enc schema.Encoding, maxLen int, text string) string {
	return decodeString(enc, encodeString(enc, maxLen, text)).Text
}
