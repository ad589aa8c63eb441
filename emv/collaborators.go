package emv

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// AuthorizationRequest is sent to the issuer for a dipped card.
type AuthorizationRequest struct {
	AttemptID     string
	AccountID     uint64
	Amount        decimal.Decimal
	Currency      string
	ApplicationID string
	MaskedPAN     string
	Tags          map[string]string // hex tag -> hex value
	FallbackSwipe bool
	PayerEmail    string
}

// AuthorizationResult is the issuer's answer. ResponseCode is the two
// character authorization response code.
type AuthorizationResult struct {
	ResponseCode             string
	AuthorizationCode        string
	IssuerAuthenticationData string
	CreditCardID             string
	IssuerScripts            [2][]byte
}

// TokenizationRequest carries a swipe to the tokenization service.
type TokenizationRequest struct {
	AttemptID     string
	AccountID     uint64
	Amount        decimal.Decimal
	Currency      string
	Swipe         reader.SwipeData
	FallbackSwipe bool
	PayerEmail    string
}

// ReversalRequest cancels an authorization the card later declined.
type ReversalRequest struct {
	AttemptID    string
	CreditCardID string
	AccountID    uint64
	Amount       decimal.Decimal
	Currency     string
	Tags         map[string]string
}

// Authorizer performs online authorization. An error means the issuer could
// not be reached; a decline is a result with a non-approval response code.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error)
}

// Tokenizer exchanges swipe data for a token.
type Tokenizer interface {
	Tokenize(ctx context.Context, req TokenizationRequest) (string, error)
}

// Reverser issues reversals.
type Reverser interface {
	Reverse(ctx context.Context, req ReversalRequest) error
}

// Prompter answers the questions a transaction blocks on. Each call blocks
// the session until it returns; there is no timeout besides ctx.
type Prompter interface {
	// SelectApplication returns the index of the chosen application.
	SelectApplication(ctx context.Context, apps []reader.Application) (int, error)

	// ConfirmReaderReset asks whether an already provisioned reader should
	// be provisioned again.
	ConfirmReaderReset(ctx context.Context, info reader.DeviceInfo) (bool, error)

	// TransactionInfo supplies the amount, currency and account of a
	// tokenizing attempt.
	TransactionInfo(ctx context.Context) (TransactionInfo, error)

	// PayerEmail returns an optional receipt address. An empty string skips
	// it.
	PayerEmail(ctx context.Context, card CardData) (string, error)
}

// Collaborators groups the remote services a Director works with. Tokenizer,
// Authorizer and Reverser may be nil for a reading-only agent.
type Collaborators struct {
	Prompter   Prompter
	Authorizer Authorizer
	Tokenizer  Tokenizer
	Reverser   Reverser
}
