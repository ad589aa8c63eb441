package emv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

func TestClassify_ReaderCodes(t *testing.T) {
	tests := []struct {
		err  error
		code Code
		cat  Category
	}{
		{reader.NewGeneralError("StartTransaction", nil), CodeGeneralError, CategoryHardware},
		{reader.NewTimeoutError("StartTransaction"), CodeTimeout, CategoryHardware},
		{reader.NewNotConnectedError("StartTransaction", nil), CodeNotConnected, CategoryHardware},
		{reader.Errorf(reader.ErrCodeStatus, "StartTransaction", "status"), CodeStatusError, CategoryHardware},
		{reader.Errorf(reader.ErrCodeUnknown, "StartTransaction", "unknown"), CodeUnknownError, CategoryHardware},
		{reader.Errorf(reader.ErrCodeCardNotSupported, "StartTransaction", "nope"), CodeCardNotSupported, CategoryCard},
		{reader.Errorf(reader.ErrCodeCardExpired, "StartTransaction", "expired"), CodeCardExpired, CategoryCard},
		{reader.Errorf(reader.ErrCodeCardBlocked, "StartTransaction", "blocked"), CodeCardBlocked, CategoryCard},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			got := Classify(fmt.Errorf("wrapped: %w", tt.err))
			require.NotNil(t, got)
			assert.Equal(t, DomainSDK, got.Domain)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.cat, got.Category)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_ProtocolErrorCarriesDeviceCode(t *testing.T) {
	got := Classify(reader.NewCommandError("CompleteTransaction", "E203", "bad tlv"))
	require.NotNil(t, got)
	assert.Equal(t, CodeTransactionError, got.Code)
	assert.Equal(t, CategoryProtocol, got.Category)
	assert.Equal(t, "E203", got.Message)
}

func TestClassify_Passthrough(t *testing.T) {
	assert.Nil(t, Classify(nil))

	e := with(ErrDeclinedByIssuer, errors.New("05"))
	assert.Same(t, e, Classify(e))
	assert.Same(t, e, Classify(fmt.Errorf("outer: %w", e)))

	assert.Equal(t, CodeTimeout, Classify(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeGeneralError, Classify(reader.ErrBusy).Code)
	assert.Equal(t, CodeTransactionError, Classify(errors.New("boom")).Code)
}

func TestError_EqualityIgnoresCause(t *testing.T) {
	a := with(ErrInvalidTransactionInfo, errors.New("amount is required"))
	b := with(ErrInvalidTransactionInfo, errors.New("account id is required"))

	assert.True(t, a.Equal(b))
	assert.True(t, errors.Is(a, ErrInvalidTransactionInfo))
	assert.False(t, a.Equal(ErrInvalidApplicationID))
	assert.False(t, ErrDeclinedByCard.Equal(nil))
	assert.Contains(t, a.Error(), "sdk/invalid_transaction_info")
}

func TestIsReactable(t *testing.T) {
	assert.False(t, IsReactable(nil))
	assert.False(t, IsReactable(Classify(reader.NewNotConnectedError("Send", nil))))
	assert.True(t, IsReactable(Classify(reader.NewTimeoutError("Send"))))
	assert.True(t, IsReactable(ErrInvalidApplicationID))
}
