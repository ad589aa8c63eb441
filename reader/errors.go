package reader

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of reader error for programmatic handling.
type ErrorCode int

const (
	// Hardware errors (100-199)
	ErrCodeGeneral ErrorCode = iota + 100
	ErrCodeTimeout
	ErrCodeNotConnected
	ErrCodeStatus
	ErrCodeUnknown
)

const (
	// Card errors (200-299)
	ErrCodeCardNotSupported ErrorCode = iota + 200
	ErrCodeCardExpired
	ErrCodeCardBlocked
)

const (
	// Protocol errors (300-399)
	ErrCodeCommandFailed ErrorCode = iota + 300
	ErrCodeMalformedResponse
)

var (
	// ErrBusy is returned by Send when a command is already outstanding.
	ErrBusy = errors.New("reader: command already in flight")

	// ErrClosed is returned when using a channel after Close.
	ErrClosed = errors.New("reader: channel closed")

	// ErrNoTransports is returned by MultiTransport.Connect when nothing is registered.
	ErrNoTransports = errors.New("reader: no transports configured")
)

// ReaderError provides structured error information for programmatic handling.
type ReaderError struct {
	Code       ErrorCode
	Op         string // Command or operation that failed
	DeviceCode string // Raw error code reported by the device, if any
	Message    string
	Cause      error
}

func (e *ReaderError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.DeviceCode != "" {
		sb.WriteString(" (")
		sb.WriteString(e.DeviceCode)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *ReaderError) Unwrap() error {
	return e.Cause
}

func (e *ReaderError) Is(target error) bool {
	if t, ok := target.(*ReaderError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewGeneralError creates an error for a transient hardware failure.
func NewGeneralError(op string, cause error) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeGeneral,
		Op:      op,
		Message: "general reader error",
		Cause:   cause,
	}
}

// NewTimeoutError creates an error for a command the device did not answer in time.
func NewTimeoutError(op string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeTimeout,
		Op:      op,
		Message: "reader timed out",
	}
}

// NewNotConnectedError creates an error for a command sent to a missing device.
func NewNotConnectedError(op string, cause error) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeNotConnected,
		Op:      op,
		Message: "reader not connected",
		Cause:   cause,
	}
}

// NewCommandError creates an error carrying the raw device error code.
func NewCommandError(op, deviceCode, message string) *ReaderError {
	if message == "" {
		message = "command failed"
	}
	return &ReaderError{
		Code:       ErrCodeCommandFailed,
		Op:         op,
		DeviceCode: deviceCode,
		Message:    message,
	}
}

// NewMalformedResponseError creates an error for a response missing required data.
func NewMalformedResponseError(op, message string) *ReaderError {
	return &ReaderError{
		Code:    ErrCodeMalformedResponse,
		Op:      op,
		Message: message,
	}
}

// IsNotConnectedError checks if an error indicates the device went away.
func IsNotConnectedError(err error) bool {
	return GetErrorCode(err) == ErrCodeNotConnected
}

// IsTimeoutError checks if an error indicates a device timeout.
func IsTimeoutError(err error) bool {
	return GetErrorCode(err) == ErrCodeTimeout
}

// GetErrorCode extracts the ErrorCode from an error if it's a ReaderError.
// Returns 0 if the error is not a ReaderError.
func GetErrorCode(err error) ErrorCode {
	var rErr *ReaderError
	if errors.As(err, &rErr) {
		return rErr.Code
	}
	return 0
}

// Errorf creates a ReaderError with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *ReaderError {
	return &ReaderError{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}
