package memacc

import (
	"sort"

	"rostermem/internal/common"
)

// scanChunk bounds the bytes pulled from an accessor per pattern search step.
const scanChunk = 1 << 20

// Mapper is a Channel over a set of non-overlapping accessors. It is the
// offline (snapshot) and test implementation of the memory channel and the
// place where a live process backend plugs in through CBAccessor.
type Mapper struct {
	accessors  []Accessor
	cache      memCache
	accCurr    Accessor
	moduleBase uint64
}

func NewMapper() *Mapper {
	return &Mapper{
		cache: newMemCache(),
	}
}

var _ Channel = (*Mapper)(nil)

func (m *Mapper) SetModuleBase(base uint64) { m.moduleBase = base }

func (m *Mapper) ModuleBase() uint64 { return m.moduleBase }

func (m *Mapper) AddAccessor(acc Accessor) error {
	newStart := acc.StartAddr()
	newEnd := acc.EndAddr()
	if newEnd < newStart {
		return common.Errorf(common.ErrMemAccRangeInvalid, "accessor %s", acc)
	}

	for _, existing := range m.accessors {
		if existing.StartAddr() <= newEnd && newStart <= existing.EndAddr() {
			return common.NewErrorWithAddr(common.SevError, common.ErrMemAccOverlap, newStart, acc.String())
		}
	}

	m.accessors = append(m.accessors, acc)
	sort.Slice(m.accessors, func(i, j int) bool {
		return m.accessors[i].StartAddr() < m.accessors[j].StartAddr()
	})
	return nil
}

func (m *Mapper) RemoveAllAccessors() {
	m.Close()
	m.accessors = nil
	m.accCurr = nil
	m.InvalidateCache()
}

// Close releases file backed accessors.
func (m *Mapper) Close() error {
	var first error
	for _, acc := range m.accessors {
		if fa, ok := acc.(*FileAccessor); ok {
			if err := fa.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (m *Mapper) Accessors() []Accessor {
	return m.accessors
}

func (m *Mapper) findAccessor(addr uint64) bool {
	if m.accCurr != nil && m.accCurr.StartAddr() <= addr && m.accCurr.EndAddr() >= addr {
		return true
	}
	i := sort.Search(len(m.accessors), func(i int) bool {
		return m.accessors[i].EndAddr() >= addr
	})
	if i < len(m.accessors) && m.accessors[i].StartAddr() <= addr {
		m.accCurr = m.accessors[i]
		return true
	}
	return false
}

// ReadBytes reads across adjacent accessors when a request spans them.
func (m *Mapper) ReadBytes(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if !validRange(addr, uint64(length)) {
		return nil, readErr(addr, length, ErrUnmapped)
	}

	out := make([]byte, 0, length)
	cur := addr
	for uint32(len(out)) < length {
		if !m.findAccessor(cur) {
			return nil, readErr(addr, length, ErrUnmapped)
		}
		want := length - uint32(len(out))
		data, err := m.cache.readBytes(m.accCurr, cur, want)
		if err != nil {
			return nil, readErr(addr, length, err)
		}
		if len(data) == 0 {
			return nil, readErr(addr, length, ErrShortRead)
		}
		out = append(out, data...)
		cur += uint64(len(data))
	}
	return out, nil
}

// WriteBytes writes data and drops cached pages it touches. A failed write
// may have stored a prefix of data when the range spans accessors.
func (m *Mapper) WriteBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !validRange(addr, uint64(len(data))) {
		return writeErr(addr, len(data), ErrUnmapped)
	}
	if err := m.checkMapped(addr, uint64(len(data))); err != nil {
		return writeErr(addr, len(data), err)
	}

	defer m.cache.invalidateRange(addr, uint64(len(data)))

	done := 0
	cur := addr
	for done < len(data) {
		if !m.findAccessor(cur) {
			return writeErr(addr, len(data), ErrUnmapped)
		}
		n, err := m.accCurr.Write(cur, data[done:])
		if err != nil {
			return writeErr(addr, len(data), err)
		}
		if n == 0 {
			return writeErr(addr, len(data), ErrShortRead)
		}
		done += n
		cur += uint64(n)
	}
	return nil
}

// checkMapped fails before any byte is written when part of the range has no
// accessor.
func (m *Mapper) checkMapped(addr, n uint64) error {
	cur := addr
	end := addr + n - 1
	for {
		if !m.findAccessor(cur) {
			return ErrUnmapped
		}
		if m.accCurr.EndAddr() >= end {
			return nil
		}
		cur = m.accCurr.EndAddr() + 1
	}
}

// FindPatternAll searches every accessor in sig's scope. Chunks overlap by
// len(sig)-1 bytes; only whole matches are reported, so a match straddling a
// chunk edge is found once, in the later chunk.
func (m *Mapper) FindPatternAll(sig Signature) ([]uint64, error) {
	if !sig.Valid() {
		return nil, common.Errorf(common.ErrInvalidParam, "signature has no fixed bytes")
	}
	scope := sig.Scope
	if scope == 0 {
		scope = SpaceAny
	}

	var hits []uint64
	overlap := uint64(sig.Len() - 1)
	for _, acc := range m.accessors {
		if acc.Space()&scope == 0 {
			continue
		}
		start, end := acc.StartAddr(), acc.EndAddr()
		for cur := start; cur <= end; {
			data, err := acc.Read(cur, scanChunk)
			if err != nil {
				return hits, &AccessError{Op: "scan", Addr: cur, Len: scanChunk, Err: err}
			}
			if len(data) == 0 {
				break
			}
			for _, off := range sig.indexAll(data, cur) {
				hits = append(hits, cur+uint64(off))
			}
			next := cur + uint64(len(data))
			if next > end || next < cur {
				break
			}
			if uint64(len(data)) > overlap {
				next -= overlap
			}
			cur = next
		}
	}
	return hits, nil
}

// EnableCaching turns caching on or off.
func (m *Mapper) EnableCaching(enable bool) {
	m.cache.enable(enable)
}

func (m *Mapper) InvalidateCache() {
	m.cache.invalidateAll()
}

// CacheStats returns page cache hits and misses since creation.
func (m *Mapper) CacheStats() (hits, misses uint64) {
	return m.cache.hits, m.cache.misses
}
