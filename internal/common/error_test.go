package common

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorStrings(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "Invalid SevNone",
			err:      NewError(SevNone, ErrFail),
			expected: "LIBRARY INTERNAL ERROR: Invalid Error Object",
		},
		{
			name:     "Invalid Sev Out of Bounds",
			err:      NewError(ErrSeverity(99), ErrFail),
			expected: "LIBRARY INTERNAL ERROR: Invalid Error Object",
		},
		{
			name:     "Error Basic",
			err:      NewError(SevError, ErrFail),
			expected: "ERROR:0x0001 (FAIL) [General failure.]; ",
		},
		{
			name:     "Warning with msg",
			err:      NewErrorMsg(SevWarn, ErrScanFailed, "Player: no votes"),
			expected: "WARN :0x0007 (SCAN_FAILED) [Dynamic base scan did not find a verified base.]; Player: no votes",
		},
		{
			name:     "Error with addr",
			err:      NewErrorWithAddr(SevError, ErrAccess, 0x140001000, "read 8 bytes"),
			expected: "ERROR:0x0004 (ACCESS) [Unable to access required memory address.]; Addr=0x140001000; read 8 bytes",
		},
		{
			name:     "Unknown error code",
			err:      NewError(SevError, Code(9999)),
			expected: "ERROR:0x270f (unknown); ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorIsCode(t *testing.T) {
	base := Errorf(ErrIndexOutOfRange, "index %d", 40)
	wrapped := fmt.Errorf("get field: %w", base)

	if !errors.Is(wrapped, ErrIndexOutOfRange) {
		t.Errorf("errors.Is(wrapped, ErrIndexOutOfRange) = false")
	}
	if errors.Is(wrapped, ErrAccess) {
		t.Errorf("errors.Is(wrapped, ErrAccess) = true")
	}
	if got := CodeOf(wrapped); got != ErrIndexOutOfRange {
		t.Errorf("CodeOf() = %v, want %v", got, ErrIndexOutOfRange)
	}
	if got := CodeOf(ErrUnknownField); got != ErrUnknownField {
		t.Errorf("CodeOf(bare code) = %v", got)
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("disk gone")
	err := Wrap(ErrFileAccess, cause, "open %s", "dump0.bin")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false")
	}
	if !errors.Is(err, ErrFileAccess) {
		t.Errorf("errors.Is(err, ErrFileAccess) = false")
	}
	want := "ERROR:0x000f (FILE_ACCESS) [File access error.]; open dump0.bin: disk gone"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsWarning(t *testing.T) {
	if !IsWarning(NewErrorMsg(SevWarn, ErrScanFailed, "x")) {
		t.Errorf("warning not detected")
	}
	if IsWarning(NewErrorMsg(SevError, ErrScanFailed, "x")) {
		t.Errorf("error reported as warning")
	}
	if IsWarning(errors.New("plain")) {
		t.Errorf("plain error reported as warning")
	}
}
