package emv

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// approvalCodes are the issuer authorization response codes that count as an
// approval.
var approvalCodes = map[string]bool{
	"00": true,
	"08": true,
	"11": true,
}

// TransactionAttempt holds the state of one run of the transaction machine.
// A new value is created for every attempt, restarts included.
type TransactionAttempt struct {
	ID string

	Method        PaymentMethod
	SelectedAID   string
	FallbackSwipe bool

	ApplicationCryptogram    reader.Cryptogram
	IssuerAuthenticationData string
	AuthorizationResponse    string // empty when the issuer was not reached
	AuthorizationCode        string
	CreditCardID             string
	IssuerScripts            [2][]byte
	ShouldIssueReversal      bool

	// Synthesized marks an authorization produced by a test amount instead
	// of the issuer.
	Synthesized bool

	insertPrompts int
	finalized     bool
}

func newAttempt() *TransactionAttempt {
	return &TransactionAttempt{ID: uuid.NewString()}
}

// IssuerReached reports whether an authorization response code is known.
func (a *TransactionAttempt) IssuerReached() bool {
	return a.AuthorizationResponse != ""
}

// IssuerApproved reports whether the issuer approved the authorization.
func (a *TransactionAttempt) IssuerApproved() bool {
	return approvalCodes[a.AuthorizationResponse]
}

// applyAuthorization caches the remote authorization result.
func (a *TransactionAttempt) applyAuthorization(res AuthorizationResult) {
	a.AuthorizationResponse = res.ResponseCode
	a.AuthorizationCode = res.AuthorizationCode
	a.IssuerAuthenticationData = res.IssuerAuthenticationData
	a.CreditCardID = res.CreditCardID
	a.IssuerScripts = res.IssuerScripts
}

// responseCodeHex hex-encodes the two-character response code the way tag
// 8A carries it, e.g. "00" -> "3030".
func (a *TransactionAttempt) responseCodeHex() string {
	return hex.EncodeToString([]byte(a.AuthorizationResponse))
}

func (a *TransactionAttempt) info() AuthorizationInfo {
	return AuthorizationInfo{
		CreditCardID:      a.CreditCardID,
		AuthorizationCode: a.AuthorizationCode,
		ResponseCode:      a.AuthorizationResponse,
		Cryptogram:        string(a.ApplicationCryptogram),
		ApplicationID:     a.SelectedAID,
	}
}

// statusFor maps a reader progress notification onto a caller status,
// updating the attempt's prompt bookkeeping. ok is false for progress that
// has no caller-visible status.
func (a *TransactionAttempt) statusFor(p reader.Progress) (Status, bool) {
	switch p {
	case reader.ProgressInsertCard:
		a.insertPrompts++
		if a.insertPrompts == 1 {
			return StatusWaitingForCard, true
		}
		return StatusShouldNotSwipeEmvCard, true
	case reader.ProgressCardInserted:
		a.Method = PaymentMethodDip
		return StatusCardDipped, true
	case reader.ProgressSwipeDetected:
		a.Method = PaymentMethodSwipe
		return StatusSwipeDetected, true
	case reader.ProgressRemoveCard:
		if !a.finalized {
			return StatusCheckCardOrientation, true
		}
	case reader.ProgressChipReadError:
		a.FallbackSwipe = true
		return StatusChipErrorSwipeCard, true
	case reader.ProgressSwipeReadError:
		return StatusSwipeErrorSwipeAgain, true
	}
	return "", false
}
