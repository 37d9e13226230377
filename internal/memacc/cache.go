package memacc

// Page cache for small reads. Field and pointer reads are a few bytes each and
// land in the same records over and over, so whole pages are kept and served
// until a write touches them or the owner invalidates.

type cachePage struct {
	start    uint64
	validLen uint32
	data     []byte
	useSeq   uint32
}

type memCache struct {
	enabled  bool
	pageSize uint32
	pages    []cachePage
	mruIdx   int
	seq      uint32
	hits     uint64
	misses   uint64
}

const (
	DefaultCachePageSize = 2048
	DefaultCachePages    = 16
)

func newMemCache() memCache {
	pages := make([]cachePage, DefaultCachePages)
	for i := range pages {
		pages[i].data = make([]byte, DefaultCachePageSize)
	}
	return memCache{
		pageSize: DefaultCachePageSize,
		pages:    pages,
		seq:      1,
	}
}

func (c *memCache) enable(enable bool) {
	c.enabled = enable
	if !enable {
		c.invalidateAll()
	}
}

func (c *memCache) enabledForSize(reqBytes uint32) bool {
	return c.enabled && reqBytes <= c.pageSize
}

func (c *memCache) invalidateAll() {
	for i := range c.pages {
		c.pages[i].validLen = 0
		c.pages[i].useSeq = 0
	}
	c.mruIdx = 0
}

// invalidateRange drops every page overlapping [addr, addr+n).
func (c *memCache) invalidateRange(addr uint64, n uint64) {
	end := addr + n
	for i := range c.pages {
		p := &c.pages[i]
		if p.validLen == 0 {
			continue
		}
		if p.start < end && addr < p.start+uint64(p.validLen) {
			p.validLen = 0
			p.useSeq = 0
		}
	}
}

func (c *memCache) findPage(addr uint64, reqBytes uint32) (int, bool) {
	end := addr + uint64(reqBytes)
	for i := range c.pages {
		idx := (c.mruIdx + i) % len(c.pages)
		p := &c.pages[idx]
		if p.validLen == 0 {
			continue
		}
		if p.start <= addr && p.start+uint64(p.validLen) >= end {
			return idx, true
		}
	}
	return -1, false
}

func (c *memCache) nextPageIndex() int {
	for i := range c.pages {
		if c.pages[i].useSeq == 0 {
			return i
		}
	}

	oldestIdx := c.mruIdx
	oldestSeq := c.pages[c.mruIdx].useSeq
	for i := range c.pages {
		if c.pages[i].useSeq < oldestSeq {
			oldestSeq = c.pages[i].useSeq
			oldestIdx = i
		}
	}
	return oldestIdx
}

// readBytes serves addr from a cached page of acc, loading the page on a
// miss. Requests crossing the end of a page go straight to the accessor.
func (c *memCache) readBytes(acc Accessor, addr uint64, reqBytes uint32) ([]byte, error) {
	if !c.enabledForSize(reqBytes) {
		return acc.Read(addr, reqBytes)
	}

	if idx, ok := c.findPage(addr, reqBytes); ok {
		p := &c.pages[idx]
		offset := addr - p.start
		p.useSeq = c.seq
		c.seq++
		c.mruIdx = idx
		c.hits++
		return p.data[offset : offset+uint64(reqBytes)], nil
	}
	c.misses++

	pageBase := addr &^ uint64(c.pageSize-1)
	if pageBase < acc.StartAddr() {
		pageBase = acc.StartAddr()
	}
	if addr+uint64(reqBytes) > pageBase+uint64(c.pageSize) {
		return acc.Read(addr, reqBytes)
	}

	data, err := acc.Read(pageBase, c.pageSize)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	idx := c.nextPageIndex()
	p := &c.pages[idx]
	copy(p.data, data)
	p.start = pageBase
	p.validLen = uint32(len(data))
	p.useSeq = c.seq
	c.seq++
	c.mruIdx = idx

	offset := addr - p.start
	end := offset + uint64(reqBytes)
	if end > uint64(p.validLen) {
		end = uint64(p.validLen)
	}
	return p.data[offset:end], nil
}
