package engine

import (
	"context"
	"strconv"
	"strings"

	"rostermem/internal/codec"
	"rostermem/internal/common"
	"rostermem/internal/scanner"
)

// maxNameScan caps the records read to build the name table of a table
// with no known size.
const maxNameScan = 8192

// NameIndex maps records to their display names and back. Pointer fields
// use it to show the record they point to, and to accept a name when
// written.
//
// Reverse lookups read the whole table once and keep the result until the
// entity's base or one of its name fields changes.
type NameIndex struct {
	s      *Session
	plain  *codec.Codec
	tables map[string]map[string]uint64
}

func newNameIndex(s *Session) *NameIndex {
	return &NameIndex{
		s:      s,
		plain:  codec.New(nil),
		tables: make(map[string]map[string]uint64),
	}
}

// IndexOf returns the record index of addr in the table of entity.
func (n *NameIndex) IndexOf(ctx context.Context, entity string, addr uint64) (int, bool) {
	rb, err := n.s.resolver.ResolveBase(ctx, entity)
	if err != nil || rb.Stride == 0 || addr < rb.Address {
		return 0, false
	}
	off := addr - rb.Address
	if off%uint64(rb.Stride) != 0 {
		return 0, false
	}
	idx := off / uint64(rb.Stride)
	if rb.Count > 0 && idx >= uint64(rb.Count) {
		return 0, false
	}
	return int(idx), true
}

// NameForAddress returns the display name of the entity record at addr.
func (n *NameIndex) NameForAddress(entity string, addr uint64) (string, bool) {
	if _, ok := n.IndexOf(context.Background(), entity, addr); !ok {
		return "", false
	}
	return n.nameAt(entity, addr)
}

// AddressForName finds a record of entity by display name, ignoring case.
// It also accepts a 0x address, "Name (0x...)" and "<entity> <index>".
func (n *NameIndex) AddressForName(entity, name string) (uint64, bool) {
	text := strings.TrimSpace(name)
	if text == "" {
		return 0, false
	}
	if addr, ok := hexAddr(text); ok {
		return addr, true
	}
	if open := strings.LastIndex(text, "(0x"); open >= 0 && strings.HasSuffix(text, ")") {
		if addr, ok := hexAddr(text[open+1 : len(text)-1]); ok {
			return addr, true
		}
	}
	if len(text) > len(entity) && strings.EqualFold(text[:len(entity)], entity) && text[len(entity)] == ' ' {
		if idx, err := strconv.Atoi(strings.TrimSpace(text[len(entity)+1:])); err == nil {
			addr, err := n.s.resolver.ResolveEntityAddress(context.Background(), entity, idx)
			return addr, err == nil
		}
	}
	table, err := n.table(context.Background(), entity)
	if err != nil {
		n.s.log.Logf(common.SeverityDebug, "name table %s: %v", entity, err)
		return 0, false
	}
	addr, ok := table[strings.ToLower(text)]
	return addr, ok
}

// Lookup returns the index of the record of entity named name.
func (n *NameIndex) Lookup(ctx context.Context, entity, name string) (int, error) {
	addr, ok := n.AddressForName(entity, name)
	if ok {
		if idx, ok := n.IndexOf(ctx, entity, addr); ok {
			return idx, nil
		}
	}
	return 0, common.Errorf(common.ErrUnknownTargetName, "no %s named %q", entity, name)
}

func (n *NameIndex) nameAt(entity string, addr uint64) (string, bool) {
	spec, err := n.s.schema.BasePointer(entity)
	if err != nil {
		return "", false
	}
	fields, err := scanner.NameFields(n.s.schema, spec)
	if err != nil || len(fields) == 0 {
		return "", false
	}
	name, ok := n.plain.RecordName(n.s.ch, fields, addr)
	if !ok || !codec.PlausibleName(name) {
		return "", false
	}
	return name, true
}

// table returns the lower-cased name to address table of entity, reading
// it on first use. Tables of unknown size stop at the first record without
// a readable name. The first record wins when names repeat.
func (n *NameIndex) table(ctx context.Context, entity string) (map[string]uint64, error) {
	if t, ok := n.tables[entity]; ok {
		return t, nil
	}
	rb, err := n.s.resolver.ResolveBase(ctx, entity)
	if err != nil {
		return nil, err
	}
	limit, bounded := rb.Count, rb.Count > 0
	if !bounded {
		limit = maxNameScan
	}
	t := make(map[string]uint64)
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr := rb.Address + uint64(i)*uint64(rb.Stride)
		name, ok := n.nameAt(entity, addr)
		if !ok {
			if !bounded {
				break
			}
			continue
		}
		key := strings.ToLower(name)
		if _, dup := t[key]; !dup {
			t[key] = addr
		}
	}
	n.tables[entity] = t
	n.s.log.Logf(common.SeverityDebug, "name table %s: %d names", entity, len(t))
	return t, nil
}

func (n *NameIndex) invalidate(entity string) {
	delete(n.tables, entity)
}

func (n *NameIndex) reset() {
	clear(n.tables)
}

func hexAddr(s string) (uint64, bool) {
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return 0, false
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	return v, err == nil
}

// RecordName returns the display name of record index of entity, or "" when
// the record has no readable name.
func (s *Session) RecordName(ctx context.Context, entity string, index int) (string, error) {
	addr, err := s.resolver.ResolveEntityAddress(ctx, entity, index)
	if err != nil {
		return "", err
	}
	name, _ := s.names.nameAt(entity, addr)
	return name, nil
}
