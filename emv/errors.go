package emv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// Domain is the origin of an Error.
type Domain string

const (
	DomainSDK Domain = "sdk"
	DomainAPI Domain = "api"
)

// Category groups error codes for reporting.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryHardware   Category = "hardware"
	CategoryCard       Category = "card"
	CategoryIssuer     Category = "issuer"
	CategoryProtocol   Category = "protocol"
	CategoryService    Category = "service"
)

// Code is a stable error identifier.
type Code string

const (
	CodeInvalidTransactionInfo Code = "invalid_transaction_info"
	CodeInvalidApplicationID   Code = "invalid_application_id"

	CodeGeneralError Code = "general_error"
	CodeTimeout      Code = "timeout"
	CodeNotConnected Code = "not_connected"
	CodeStatusError  Code = "status_error"
	CodeUnknownError Code = "unknown_error"

	CodeCardNotSupported Code = "card_not_supported"
	CodeCardExpired      Code = "card_expired"
	CodeCardBlocked      Code = "card_blocked"
	CodeDeclinedByCard   Code = "declined_by_card"

	CodeDeclinedByIssuer  Code = "declined_by_issuer"
	CodeIssuerUnreachable Code = "issuer_unreachable"

	CodeTransactionError   Code = "transaction_error"
	CodeTokenizationFailed Code = "tokenization_failed"

	CodeInputUnavailable Code = "input_unavailable"
)

// Error is the domain error reported to callers.
type Error struct {
	Domain   Domain   `json:"domain"`
	Code     Code     `json:"code"`
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Cause    error    `json:"-"`
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Domain))
	sb.WriteString("/")
	sb.WriteString(string(e.Code))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same domain and code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Domain == t.Domain && e.Code == t.Code
	}
	return false
}

// Equal compares two errors by value, ignoring the cause.
func (e *Error) Equal(other *Error) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Code == other.Code &&
		e.Domain == other.Domain &&
		e.Category == other.Category &&
		e.Message == other.Message
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidTransactionInfo = newError(DomainSDK, CodeInvalidTransactionInfo, CategoryValidation, "invalid transaction info")
	ErrInvalidApplicationID   = newError(DomainSDK, CodeInvalidApplicationID, CategoryValidation, "invalid application id")
	ErrDeclinedByCard         = newError(DomainSDK, CodeDeclinedByCard, CategoryCard, "declined by card")
	ErrDeclinedByIssuer       = newError(DomainAPI, CodeDeclinedByIssuer, CategoryIssuer, "declined by issuer")
	ErrIssuerUnreachable      = newError(DomainAPI, CodeIssuerUnreachable, CategoryIssuer, "issuer unreachable")
	ErrNotConnected           = newError(DomainSDK, CodeNotConnected, CategoryHardware, "card reader not connected")

	// ErrInputUnavailable means the prompter could not answer: no client is
	// attached or its input was closed.
	ErrInputUnavailable = newError(DomainSDK, CodeInputUnavailable, CategoryService, "transaction input unavailable")
)

func newError(domain Domain, code Code, category Category, message string) *Error {
	return &Error{Domain: domain, Code: code, Category: category, Message: message}
}

func with(base *Error, cause error) *Error {
	e := *base
	e.Cause = cause
	return &e
}

var readerCodes = map[reader.ErrorCode]*Error{
	reader.ErrCodeGeneral:          newError(DomainSDK, CodeGeneralError, CategoryHardware, "general reader error"),
	reader.ErrCodeTimeout:          newError(DomainSDK, CodeTimeout, CategoryHardware, "reader timed out"),
	reader.ErrCodeNotConnected:     ErrNotConnected,
	reader.ErrCodeStatus:           newError(DomainSDK, CodeStatusError, CategoryHardware, "reader status error"),
	reader.ErrCodeUnknown:          newError(DomainSDK, CodeUnknownError, CategoryHardware, "unknown reader error"),
	reader.ErrCodeCardNotSupported: newError(DomainSDK, CodeCardNotSupported, CategoryCard, "card not supported"),
	reader.ErrCodeCardExpired:      newError(DomainSDK, CodeCardExpired, CategoryCard, "card expired"),
	reader.ErrCodeCardBlocked:      newError(DomainSDK, CodeCardBlocked, CategoryCard, "card blocked"),
}

// Classify maps any error into a domain Error. Errors that already are
// domain errors are returned as-is; device protocol failures become a
// generic transaction error carrying the raw device code as message.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var rErr *reader.ReaderError
	if errors.As(err, &rErr) {
		if base, ok := readerCodes[rErr.Code]; ok {
			return with(base, err)
		}
		msg := rErr.DeviceCode
		if msg == "" {
			msg = rErr.Message
		}
		return &Error{Domain: DomainSDK, Code: CodeTransactionError, Category: CategoryProtocol, Message: msg, Cause: err}
	}

	if errors.Is(err, reader.ErrBusy) || errors.Is(err, reader.ErrClosed) {
		return with(readerCodes[reader.ErrCodeGeneral], err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return with(readerCodes[reader.ErrCodeTimeout], err)
	}

	return &Error{Domain: DomainSDK, Code: CodeTransactionError, Category: CategoryProtocol, Message: err.Error(), Cause: err}
}

// IsReactable reports whether err should drive the stop/restart sequence.
// A not-connected error is left to the device's disconnect notification.
func IsReactable(err *Error) bool {
	return err != nil && err.Code != CodeNotConnected
}

// IsTerminal reports whether err can never be cleared by another attempt.
func IsTerminal(err *Error) bool {
	return err != nil && (err.Category == CategoryValidation || err.Code == CodeInputUnavailable)
}

// IsGeneral reports whether err is a transient general hardware error.
func IsGeneral(err *Error) bool {
	return err != nil && err.Code == CodeGeneralError
}

func invalidTransactionInfo(format string, args ...interface{}) *Error {
	return with(ErrInvalidTransactionInfo, fmt.Errorf(format, args...))
}
