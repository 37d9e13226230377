package common

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a library error class. Codes satisfy the error interface so
// callers can test a returned error with errors.Is(err, common.ErrAccess).
type Code uint16

const (
	ErrFail Code = iota + 1
	ErrSchemaNotFound
	ErrSchemaValidation
	ErrAccess
	ErrIndexOutOfRange
	ErrUnknownTargetName
	ErrScanFailed
	ErrInvalidParam
	ErrUnknownEntity
	ErrUnknownField
	ErrUnknownLabel
	ErrMemAccOverlap
	ErrMemAccRangeInvalid
	ErrSnapshotParse
	ErrFileAccess
)

func (c Code) Error() string {
	if desc, ok := errorCodeDesc[c]; ok {
		return desc.msg
	}
	return fmt.Sprintf("unknown error code 0x%04x", uint16(c))
}

// Name returns the short code name used in formatted errors.
func (c Code) Name() string {
	if desc, ok := errorCodeDesc[c]; ok {
		return desc.name
	}
	return "unknown"
}

// ErrSeverity grades an Error. Warnings are recoverable conditions that are
// still surfaced to the caller.
type ErrSeverity int

const (
	SevNone ErrSeverity = iota
	SevError
	SevWarn
	SevInfo
)

// BadAddr marks an Error that is not tied to a memory address.
const BadAddr = ^uint64(0)

// Error represents the library error object.
type Error struct {
	Code    Code
	Sev     ErrSeverity
	Addr    uint64
	Message string
	Err     error
}

func NewError(sev ErrSeverity, code Code) *Error {
	return &Error{
		Code: code,
		Sev:  sev,
		Addr: BadAddr,
	}
}

func NewErrorMsg(sev ErrSeverity, code Code, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Addr:    BadAddr,
		Message: msg,
	}
}

func NewErrorWithAddr(sev ErrSeverity, code Code, addr uint64, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Addr:    addr,
		Message: msg,
	}
}

// Errorf builds an SevError error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return NewErrorMsg(SevError, code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new error of the given code.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := Errorf(code, format, args...)
	e.Err = cause
	return e
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	switch e.Sev {
	case SevError:
		sb.WriteString("ERROR:")
	case SevWarn:
		sb.WriteString("WARN :")
	case SevInfo:
		sb.WriteString("INFO :")
	default:
		return "LIBRARY INTERNAL ERROR: Invalid Error Object"
	}

	sb.WriteString(fmt.Sprintf("0x%04x ", uint16(e.Code)))

	if desc, ok := errorCodeDesc[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("(%s) [%s]; ", desc.name, desc.msg))
	} else {
		sb.WriteString("(unknown); ")
	}

	if e.Addr != BadAddr {
		sb.WriteString(fmt.Sprintf("Addr=0x%X; ", e.Addr))
	}

	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Code or another *Error with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return t != nil && e.Code == t.Code
	}
	return false
}

// CodeOf returns the library code carried by err, or 0.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return 0
}

// IsWarning reports whether err is a library warning rather than a hard error.
func IsWarning(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Sev == SevWarn
}

type errDesc struct {
	name string
	msg  string
}

var errorCodeDesc = map[Code]errDesc{
	ErrFail:               {"FAIL", "General failure."},
	ErrSchemaNotFound:     {"SCHEMA_NOT_FOUND", "No schema entry matches the requested version."},
	ErrSchemaValidation:   {"SCHEMA_VALIDATION", "Schema failed validation."},
	ErrAccess:             {"ACCESS", "Unable to access required memory address."},
	ErrIndexOutOfRange:    {"INDEX_OUT_OF_RANGE", "Record index outside the declared table bound."},
	ErrUnknownTargetName:  {"UNKNOWN_TARGET_NAME", "No target record matches the given name."},
	ErrScanFailed:         {"SCAN_FAILED", "Dynamic base scan did not find a verified base."},
	ErrInvalidParam:       {"INVALID_PARAM", "Invalid value parameter."},
	ErrUnknownEntity:      {"UNKNOWN_ENTITY", "Entity type not declared in schema."},
	ErrUnknownField:       {"UNKNOWN_FIELD", "Field not declared for entity."},
	ErrUnknownLabel:       {"UNKNOWN_LABEL", "Value is not a label of the enum table."},
	ErrMemAccOverlap:      {"MEM_ACC_OVERLAP", "Attempted to set an overlapping range in memory access map."},
	ErrMemAccRangeInvalid: {"MEM_ACC_RANGE_INVALID", "Address range in accessor set to invalid values."},
	ErrSnapshotParse:      {"SNAPSHOT_PARSE", "Snapshot file parse error."},
	ErrFileAccess:         {"FILE_ACCESS", "File access error."},
}
