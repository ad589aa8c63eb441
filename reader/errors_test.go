package reader

import (
	"errors"
	"fmt"
	"testing"
)

func TestReaderError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ReaderError
		expected string
	}{
		{
			name: "with op and message",
			err: &ReaderError{
				Code:    ErrCodeTimeout,
				Op:      "StartTransaction",
				Message: "reader timed out",
			},
			expected: "StartTransaction: reader timed out",
		},
		{
			name: "with device code and cause",
			err: &ReaderError{
				Code:       ErrCodeCommandFailed,
				Op:         "SubmitAIDs",
				DeviceCode: "0x1F",
				Message:    "command failed",
				Cause:      errors.New("nak"),
			},
			expected: "SubmitAIDs: command failed (0x1F): nak",
		},
		{
			name:     "message only",
			err:      &ReaderError{Code: ErrCodeGeneral, Message: "general reader error"},
			expected: "general reader error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ReaderError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestReaderError_Is(t *testing.T) {
	err1 := &ReaderError{Code: ErrCodeTimeout, Message: "a"}
	err2 := &ReaderError{Code: ErrCodeTimeout, Message: "b"}
	err3 := &ReaderError{Code: ErrCodeGeneral, Message: "a"}

	if !errors.Is(err1, err2) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match")
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", NewNotConnectedError("Send", nil))

	if !IsNotConnectedError(wrapped) {
		t.Error("IsNotConnectedError() = false for wrapped not-connected error")
	}
	if IsTimeoutError(wrapped) {
		t.Error("IsTimeoutError() = true for not-connected error")
	}
	if got := GetErrorCode(errors.New("plain")); got != 0 {
		t.Errorf("GetErrorCode(plain) = %d, want 0", got)
	}
	if got := GetErrorCode(NewCommandError("ClearAIDs", "0x01", "")); got != ErrCodeCommandFailed {
		t.Errorf("GetErrorCode() = %d, want %d", got, ErrCodeCommandFailed)
	}
}
