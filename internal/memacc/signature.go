package memacc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Signature is a byte pattern with wildcard positions.
type Signature struct {
	Bytes []byte
	Wild  []bool // Wild[i] marks Bytes[i] as "any byte"
	Scope Space  // spaces searched; zero means SpaceAny
	Align uint64 // match addresses must be a multiple of Align; 0 or 1 for none
}

// ParseSignature parses a space separated hex pattern such as
// "58 63 ?? E9". Both "?" and "??" are wildcards.
func ParseSignature(pattern string) (Signature, error) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return Signature{}, fmt.Errorf("empty signature")
	}
	sig := Signature{
		Bytes: make([]byte, len(fields)),
		Wild:  make([]bool, len(fields)),
	}
	for i, tok := range fields {
		if tok == "?" || tok == "??" {
			sig.Wild[i] = true
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil || len(tok) > 2 {
			return Signature{}, fmt.Errorf("bad signature byte %q at position %d", tok, i)
		}
		sig.Bytes[i] = byte(v)
	}
	if !sig.Valid() {
		return Signature{}, fmt.Errorf("signature %q has no fixed bytes", pattern)
	}
	return sig, nil
}

// TextSignature matches the encoded text exactly. Wide text is UTF-16LE and
// only matches at even addresses.
func TextSignature(text string, wide bool) (Signature, error) {
	if text == "" {
		return Signature{}, fmt.Errorf("empty text signature")
	}
	if !wide {
		return Signature{Bytes: []byte(text), Wild: make([]bool, len(text))}, nil
	}
	enc, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(text)
	if err != nil {
		return Signature{}, fmt.Errorf("encode %q: %w", text, err)
	}
	return Signature{Bytes: []byte(enc), Wild: make([]bool, len(enc)), Align: 2}, nil
}

// PointerSignature matches the 8-byte little-endian encoding of value.
func PointerSignature(value uint64) Signature {
	b := make([]byte, PointerSize)
	binary.LittleEndian.PutUint64(b, value)
	return Signature{Bytes: b, Wild: make([]bool, PointerSize), Align: PointerSize}
}

func (s Signature) Len() int { return len(s.Bytes) }

// Valid reports whether s has at least one fixed byte.
func (s Signature) Valid() bool {
	for i := range s.Bytes {
		if !s.wild(i) {
			return true
		}
	}
	return false
}

func (s Signature) wild(i int) bool {
	return i < len(s.Wild) && s.Wild[i]
}

func (s Signature) hasWild() bool {
	for i := range s.Bytes {
		if s.wild(i) {
			return true
		}
	}
	return false
}

func (s Signature) String() string {
	parts := make([]string, len(s.Bytes))
	for i, b := range s.Bytes {
		if s.wild(i) {
			parts[i] = "??"
		} else {
			parts[i] = fmt.Sprintf("%02X", b)
		}
	}
	return strings.Join(parts, " ")
}

func (s Signature) matchAt(buf []byte, i int) bool {
	if i+len(s.Bytes) > len(buf) {
		return false
	}
	for j, b := range s.Bytes {
		if !s.wild(j) && buf[i+j] != b {
			return false
		}
	}
	return true
}

// indexAll returns every offset in buf where s matches and base+offset
// satisfies the alignment.
func (s Signature) indexAll(buf []byte, base uint64) []int {
	var hits []int
	align := s.Align
	if align == 0 {
		align = 1
	}

	if !s.hasWild() {
		for off := 0; off+len(s.Bytes) <= len(buf); {
			i := bytes.Index(buf[off:], s.Bytes)
			if i < 0 {
				break
			}
			pos := off + i
			if (base+uint64(pos))%align == 0 {
				hits = append(hits, pos)
			}
			off = pos + 1
		}
		return hits
	}

	// Skip ahead on the first fixed byte, then check the rest.
	anchor := 0
	for s.wild(anchor) {
		anchor++
	}
	for off := anchor; off < len(buf); {
		i := bytes.IndexByte(buf[off:], s.Bytes[anchor])
		if i < 0 {
			break
		}
		pos := off + i - anchor
		if pos >= 0 && (base+uint64(pos))%align == 0 && s.matchAt(buf, pos) {
			hits = append(hits, pos)
		}
		off += i + 1
	}
	return hits
}
