package memacc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rostermem/internal/common"
)

// Channel is raw byte transfer against an attached process. Implementations
// serialise their own access; callers treat a Channel as a single handle.
type Channel interface {
	// ReadBytes reads exactly length bytes starting at addr.
	ReadBytes(addr uint64, length uint32) ([]byte, error)

	// WriteBytes writes all of data starting at addr.
	WriteBytes(addr uint64, data []byte) error

	// ModuleBase returns the load address of the main module.
	ModuleBase() uint64

	// FindPatternAll returns the absolute addresses of every match of sig in
	// the spaces it is scoped to, in ascending order.
	FindPatternAll(sig Signature) ([]uint64, error)
}

// Causes carried inside an AccessError.
var (
	ErrUnmapped  = errors.New("address not mapped")
	ErrReadOnly  = errors.New("region is read only")
	ErrShortRead = errors.New("short read")
	ErrDetached  = errors.New("process not attached")
	ErrNullPtr   = errors.New("null pointer")
)

// AccessError reports a failed transfer through a Channel.
type AccessError struct {
	Op   string
	Addr uint64
	Len  uint32
	Err  error
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("memory %s of %d bytes at 0x%X failed", e.Op, e.Len, e.Addr)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AccessError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, common.ErrAccess) match any AccessError.
func (e *AccessError) Is(target error) bool {
	c, ok := target.(common.Code)
	return ok && c == common.ErrAccess
}

func readErr(addr uint64, length uint32, cause error) error {
	return &AccessError{Op: "read", Addr: addr, Len: length, Err: cause}
}

func writeErr(addr uint64, length int, cause error) error {
	return &AccessError{Op: "write", Addr: addr, Len: uint32(length), Err: cause}
}

// PointerSize is the width of a target pointer.
const PointerSize = 8

// ReadPointer reads an 8-byte little-endian pointer at addr.
func ReadPointer(ch Channel, addr uint64) (uint64, error) {
	b, err := ch.ReadBytes(addr, PointerSize)
	if err != nil {
		return 0, err
	}
	if len(b) < PointerSize {
		return 0, readErr(addr, PointerSize, ErrShortRead)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WritePointer writes an 8-byte little-endian pointer at addr.
func WritePointer(ch Channel, addr, value uint64) error {
	var b [PointerSize]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return ch.WriteBytes(addr, b[:])
}
