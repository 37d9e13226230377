package memacc

import (
	"fmt"
	"io"
	"os"
	"sync"

	"rostermem/internal/common"
)

// Accessor is the interface for objects providing one address range.
type Accessor interface {
	SetSpace(space Space)
	StartAddr() uint64
	EndAddr() uint64
	Space() Space
	// Read returns up to reqBytes from addr. A nil slice means nothing is
	// available at addr.
	Read(addr uint64, reqBytes uint32) ([]byte, error)
	// Write stores data at addr and returns the number of bytes written.
	Write(addr uint64, data []byte) (int, error)
	String() string
}

// BaseAccessor provides common fields for accessors.
type BaseAccessor struct {
	startAddr uint64
	endAddr   uint64
	space     Space
}

func (b *BaseAccessor) StartAddr() uint64    { return b.startAddr }
func (b *BaseAccessor) EndAddr() uint64      { return b.endAddr }
func (b *BaseAccessor) Space() Space         { return b.space }
func (b *BaseAccessor) SetSpace(space Space) { b.space = space }
func (b *BaseAccessor) InSpace(s Space) bool { return b.space&s != 0 }
func (b *BaseAccessor) InRange(addr uint64) bool {
	return addr >= b.startAddr && addr <= b.endAddr
}
func (b *BaseAccessor) BytesInRange(addr uint64, reqBytes uint32) uint32 {
	if !b.InRange(addr) {
		return 0
	}
	available := b.endAddr - addr + 1
	if uint64(reqBytes) > available {
		return uint32(available)
	}
	return reqBytes
}

// validRange rejects empty ranges and ranges that wrap the address space.
func validRange(start, size uint64) bool {
	return size > 0 && start+size-1 >= start
}

// -----------------------------------------------------------------------------
// Buffer Accessor
// -----------------------------------------------------------------------------

// BufferAccessor serves a region held in memory. It is writable.
type BufferAccessor struct {
	BaseAccessor
	data []byte
}

func NewBufferAccessor(addr uint64, data []byte, space Space) *BufferAccessor {
	return &BufferAccessor{
		BaseAccessor: BaseAccessor{
			startAddr: addr,
			endAddr:   addr + uint64(len(data)) - 1,
			space:     space,
		},
		data: data,
	}
}

func (b *BufferAccessor) Read(addr uint64, reqBytes uint32) ([]byte, error) {
	count := b.BytesInRange(addr, reqBytes)
	if count == 0 {
		return nil, nil
	}
	offset := addr - b.startAddr
	return b.data[offset : offset+uint64(count)], nil
}

func (b *BufferAccessor) Write(addr uint64, data []byte) (int, error) {
	count := b.BytesInRange(addr, uint32(len(data)))
	if count == 0 {
		return 0, nil
	}
	offset := addr - b.startAddr
	return copy(b.data[offset:offset+uint64(count)], data), nil
}

// Bytes exposes the backing buffer.
func (b *BufferAccessor) Bytes() []byte { return b.data }

func (b *BufferAccessor) String() string {
	return fmt.Sprintf("BuffAcc; Range::0x%x:0x%x; Space::%s", b.startAddr, b.endAddr, b.space)
}

// -----------------------------------------------------------------------------
// Callback Accessor
// -----------------------------------------------------------------------------

// ReadFn and WriteFn connect an accessor to a live process handle.
type (
	ReadFn  func(ctx any, addr uint64, reqBytes uint32) ([]byte, error)
	WriteFn func(ctx any, addr uint64, data []byte) (int, error)
)

// CBAccessor forwards transfers to callbacks, typically a process memory API.
type CBAccessor struct {
	BaseAccessor
	read  ReadFn
	write WriteFn
	ctx   any
}

func NewCBAccessor(startAddr, endAddr uint64, space Space) *CBAccessor {
	return &CBAccessor{
		BaseAccessor: BaseAccessor{
			startAddr: startAddr,
			endAddr:   endAddr,
			space:     space,
		},
	}
}

func (c *CBAccessor) SetCB(read ReadFn, write WriteFn, ctx any) {
	c.read = read
	c.write = write
	c.ctx = ctx
}

func (c *CBAccessor) Read(addr uint64, reqBytes uint32) ([]byte, error) {
	if c.read == nil {
		return nil, ErrDetached
	}
	count := c.BytesInRange(addr, reqBytes)
	if count == 0 {
		return nil, nil
	}
	return c.read(c.ctx, addr, count)
}

func (c *CBAccessor) Write(addr uint64, data []byte) (int, error) {
	if c.write == nil {
		return 0, ErrReadOnly
	}
	count := c.BytesInRange(addr, uint32(len(data)))
	if count == 0 {
		return 0, nil
	}
	return c.write(c.ctx, addr, data[:count])
}

func (c *CBAccessor) String() string {
	return fmt.Sprintf("CBAcc; Range::0x%x:0x%x; Space::%s", c.startAddr, c.endAddr, c.space)
}

// -----------------------------------------------------------------------------
// File Accessor
// -----------------------------------------------------------------------------

// FileAccessor serves a region from a raw dump file. It is read only.
type FileAccessor struct {
	BaseAccessor
	filePath   string
	file       *os.File
	fileOffset int64
	mu         sync.Mutex
}

// NewFileAccessor maps size bytes of path, starting at offset, to startAddr.
// A size of zero maps the rest of the file.
func NewFileAccessor(path string, startAddr uint64, offset int64, size int64, space Space) (*FileAccessor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "open dump %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.Wrap(common.ErrFileAccess, err, "stat dump %s", path)
	}
	if size == 0 {
		size = info.Size() - offset
	}
	if offset < 0 || size <= 0 || offset+size > info.Size() || !validRange(startAddr, uint64(size)) {
		f.Close()
		return nil, common.Errorf(common.ErrMemAccRangeInvalid, "range exceeds file size of %s", path)
	}

	return &FileAccessor{
		BaseAccessor: BaseAccessor{
			startAddr: startAddr,
			endAddr:   startAddr + uint64(size) - 1,
			space:     space,
		},
		filePath:   path,
		file:       f,
		fileOffset: offset,
	}, nil
}

func (f *FileAccessor) Read(addr uint64, reqBytes uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	available := f.BytesInRange(addr, reqBytes)
	if available == 0 {
		return nil, nil
	}

	data := make([]byte, available)
	n, err := f.file.ReadAt(data, int64(addr-f.startAddr)+f.fileOffset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return data[:n], nil
}

func (f *FileAccessor) Write(addr uint64, data []byte) (int, error) {
	return 0, ErrReadOnly
}

func (f *FileAccessor) Close() error {
	return f.file.Close()
}

func (f *FileAccessor) String() string {
	return fmt.Sprintf("FileAcc; Range::0x%x:%x; Space::%s\nFilename=%s", f.startAddr, f.endAddr, f.space, f.filePath)
}
