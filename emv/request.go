package emv

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// MinimumAmount is the smallest amount the reader accepts.
var MinimumAmount = decimal.RequireFromString("0.99")

// MaxAmountScale is the number of decimal places the reader supports.
const MaxAmountScale = 2

var currencyCodes = map[string]string{
	"USD": "0840",
	"CAD": "0124",
	"GBP": "0826",
}

// SupportedCurrencies lists the accepted ISO 4217 alpha codes.
func SupportedCurrencies() []string {
	out := make([]string, 0, len(currencyCodes))
	for c := range currencyCodes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// NumericCurrency returns the 4-digit ISO 4217 numeric code for an alpha
// code, e.g. "USD" -> "0840".
func NumericCurrency(alpha string) (string, bool) {
	code, ok := currencyCodes[strings.ToUpper(alpha)]
	return code, ok
}

// TransactionInfo is the caller-supplied input for a tokenizing attempt.
// Amount is nullable because it usually comes straight from user input.
type TransactionInfo struct {
	Amount    decimal.NullDecimal `json:"amount"`
	Currency  string              `json:"currency"`
	AccountID uint64              `json:"accountId"`
}

// TransactionRequest is a validated, immutable transaction description.
type TransactionRequest struct {
	amount    decimal.Decimal
	currency  string
	accountID uint64
}

// NewTransactionRequest validates info. Any violation yields the
// InvalidTransactionInfo error.
func NewTransactionRequest(info TransactionInfo) (TransactionRequest, error) {
	if !info.Amount.Valid {
		return TransactionRequest{}, invalidTransactionInfo("amount is required")
	}
	amount := info.Amount.Decimal
	if -amount.Exponent() > MaxAmountScale {
		return TransactionRequest{}, invalidTransactionInfo("amount %s has more than %d decimal places", amount, MaxAmountScale)
	}
	if amount.LessThan(MinimumAmount) {
		return TransactionRequest{}, invalidTransactionInfo("amount %s is below the minimum of %s", amount, MinimumAmount)
	}
	currency := strings.ToUpper(strings.TrimSpace(info.Currency))
	if _, ok := currencyCodes[currency]; !ok {
		return TransactionRequest{}, invalidTransactionInfo("unsupported currency %q", info.Currency)
	}
	if info.AccountID == 0 {
		return TransactionRequest{}, invalidTransactionInfo("account id is required")
	}
	return TransactionRequest{amount: amount, currency: currency, accountID: info.AccountID}, nil
}

// readingRequest is used for read-only sessions, where no money moves and
// no account is involved.
func readingRequest() TransactionRequest {
	return TransactionRequest{amount: decimal.NewFromInt(1), currency: "USD"}
}

func (r TransactionRequest) Amount() decimal.Decimal { return r.amount }
func (r TransactionRequest) Currency() string        { return r.currency }
func (r TransactionRequest) AccountID() uint64       { return r.accountID }

// AmountField renders the amount as the 12-digit minor-unit field the reader
// expects, e.g. 10.50 -> "000000001050".
func (r TransactionRequest) AmountField() string {
	return fmt.Sprintf("%012d", r.amount.Shift(MaxAmountScale).IntPart())
}

// CurrencyField renders the currency as its 4-digit numeric code.
func (r TransactionRequest) CurrencyField() string {
	return currencyCodes[r.currency]
}

func (r TransactionRequest) String() string {
	return r.amount.StringFixed(MaxAmountScale) + " " + r.currency
}
