package emv

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func TestNewTransactionRequest_Valid(t *testing.T) {
	req, err := NewTransactionRequest(TransactionInfo{Amount: amount("10.5"), Currency: "usd", AccountID: 7})
	require.NoError(t, err)

	assert.Equal(t, "USD", req.Currency())
	assert.Equal(t, uint64(7), req.AccountID())
	assert.Equal(t, "000000001050", req.AmountField())
	assert.Equal(t, "0840", req.CurrencyField())
	assert.Equal(t, "10.50 USD", req.String())

	minimum, err := NewTransactionRequest(TransactionInfo{Amount: amount("0.99"), Currency: "CAD", AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, "000000000099", minimum.AmountField())
	assert.Equal(t, "0124", minimum.CurrencyField())
}

func TestNewTransactionRequest_ValidationGate(t *testing.T) {
	tests := []struct {
		name string
		info TransactionInfo
	}{
		{"three decimal places", TransactionInfo{Amount: amount("0.999"), Currency: "USD", AccountID: 1}},
		{"below minimum", TransactionInfo{Amount: amount("0.90"), Currency: "USD", AccountID: 1}},
		{"null amount", TransactionInfo{Currency: "USD", AccountID: 1}},
		{"zero account", TransactionInfo{Amount: amount("5.00"), Currency: "USD"}},
		{"unsupported currency", TransactionInfo{Amount: amount("5.00"), Currency: "XYZ", AccountID: 1}},
	}

	var first *Error
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransactionRequest(tt.info)
			require.Error(t, err)

			var e *Error
			require.True(t, errors.As(err, &e))
			assert.True(t, e.Equal(ErrInvalidTransactionInfo))
			if first == nil {
				first = e
			}
			assert.True(t, first.Equal(e), "every violation yields the same error")
		})
	}
}

func TestSupportedCurrencies(t *testing.T) {
	assert.Equal(t, []string{"CAD", "GBP", "USD"}, SupportedCurrencies())
}
