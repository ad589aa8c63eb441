package gateway

import (
	"bytes"
	"testing"
	"time"

	"github.com/moov-io/iso8583"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/tlv"
)

func newTestISOClient() *ISOClient {
	c := NewISOClient(ISOConfig{
		Addr:       "127.0.0.1:0",
		TerminalID: "TERM0001",
		MerchantID: "MERCHANT",
		Logger:     testLogger,
	})
	c.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }
	return c
}

// roundTrip packs msg and unpacks it into a fresh message, the way the host
// sees it.
func roundTrip(t *testing.T, msg *iso8583.Message) *iso8583.Message {
	t.Helper()
	packed, err := msg.Pack()
	require.NoError(t, err)

	out := iso8583.NewMessage(Spec)
	require.NoError(t, out.Unpack(packed))
	return out
}

func getString(t *testing.T, msg *iso8583.Message, id int) string {
	t.Helper()
	s, err := msg.GetString(id)
	require.NoError(t, err, "field %d", id)
	return s
}

func TestISOClient_AuthorizationRequest(t *testing.T) {
	c := newTestISOClient()
	req := emv.AuthorizationRequest{
		AttemptID: "attempt-1",
		Amount:    decimal.RequireFromString("10.5"),
		Currency:  "USD",
		Tags: map[string]string{
			"5A":   "4761739001010119",
			"5F34": "01",
			"9F26": "1122334455667788",
		},
	}

	msg, err := c.authorizationRequest(req)
	require.NoError(t, err)
	got := roundTrip(t, msg)

	mti, err := got.GetMTI()
	require.NoError(t, err)
	assert.Equal(t, "0100", mti)
	assert.Equal(t, "4761739001010119", getString(t, got, fieldPAN))
	assert.Equal(t, "000000001050", getString(t, got, fieldAmount))
	assert.Equal(t, "0314150926", getString(t, got, fieldTransmission))
	assert.Equal(t, "000001", getString(t, got, fieldSTAN))
	assert.Equal(t, entryModeChip, getString(t, got, fieldPOSEntryMode))
	assert.Equal(t, "001", getString(t, got, fieldCardSequence))
	assert.Equal(t, "607315000001", getString(t, got, fieldRRN))
	assert.Equal(t, "TERM0001", getString(t, got, fieldTerminalID))
	assert.Equal(t, "MERCHANT       ", getString(t, got, fieldMerchantID))
	assert.Equal(t, "840", getString(t, got, fieldCurrency))
	assert.Equal(t, "attempt-1", getString(t, got, fieldAdditionalData))

	icc, err := got.GetBytes(fieldICCData)
	require.NoError(t, err)
	records, err := tlv.Parse(icc)
	require.NoError(t, err)
	assert.Equal(t, req.Tags, tlv.Flatten(records))
}

func TestISOClient_FallbackEntryModeAndTrack2PAN(t *testing.T) {
	c := newTestISOClient()
	msg, err := c.authorizationRequest(emv.AuthorizationRequest{
		Amount:        decimal.RequireFromString("1"),
		Currency:      "GBP",
		FallbackSwipe: true,
		Tags:          map[string]string{"57": "4761739001010119D30122011234"},
	})
	require.NoError(t, err)
	got := roundTrip(t, msg)

	assert.Equal(t, entryModeFallbackSwipe, getString(t, got, fieldPOSEntryMode))
	assert.Equal(t, "4761739001010119", getString(t, got, fieldPAN))
	assert.Equal(t, "826", getString(t, got, fieldCurrency))
}

func TestISOClient_STANIncrements(t *testing.T) {
	c := newTestISOClient()
	assert.Equal(t, "000001", c.nextSTAN())
	assert.Equal(t, "000002", c.nextSTAN())

	c.stan.Store(999999)
	assert.Equal(t, "000001", c.nextSTAN(), "STAN skips zero on wrap")
}

func TestISOClient_UnsupportedCurrency(t *testing.T) {
	c := newTestISOClient()
	_, err := c.authorizationRequest(emv.AuthorizationRequest{
		Amount:   decimal.RequireFromString("1"),
		Currency: "EUR",
	})
	assert.Error(t, err)
}

func TestISOClient_ReversalRequest(t *testing.T) {
	c := newTestISOClient()
	msg, err := c.reversalRequest(emv.ReversalRequest{
		AttemptID:    "attempt-1",
		CreditCardID: "607315000001",
		Amount:       decimal.RequireFromString("10.5"),
		Currency:     "USD",
		Tags:         map[string]string{"5A": "4761739001010119"},
	})
	require.NoError(t, err)
	got := roundTrip(t, msg)

	mti, err := got.GetMTI()
	require.NoError(t, err)
	assert.Equal(t, "0400", mti)
	assert.Equal(t, "607315000001", getString(t, got, fieldRRN))

	original := getString(t, got, fieldOriginalElement)
	assert.Len(t, original, 42)
	assert.Equal(t, "0100000001", original[:10])
}

func authorizationResponse(t *testing.T, code string, icc []byte) *iso8583.Message {
	t.Helper()
	msg := iso8583.NewMessage(Spec)
	msg.MTI("0110")
	require.NoError(t, msg.Field(fieldSTAN, "000001"))
	require.NoError(t, msg.Field(fieldRRN, "607315000001"))
	require.NoError(t, msg.Field(fieldAuthCode, "AB12  "))
	require.NoError(t, msg.Field(fieldResponseCode, code))
	if icc != nil {
		require.NoError(t, msg.BinaryField(fieldICCData, icc))
	}
	return roundTrip(t, msg)
}

func TestParseAuthorizationResponse(t *testing.T) {
	var icc bytes.Buffer
	for _, rec := range []struct {
		tag   string
		value []byte
	}{
		{"91", []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x30, 0x30}},
		{"71", []byte{0x9F, 0x18, 0x00}},
		{"72", []byte{0x86, 0x01, 0xAA}},
	} {
		b, err := tlv.Encode(rec.tag, rec.value)
		require.NoError(t, err)
		icc.Write(b)
	}

	res, err := parseAuthorizationResponse(authorizationResponse(t, "00", icc.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "00", res.ResponseCode)
	assert.Equal(t, "AB12", res.AuthorizationCode)
	assert.Equal(t, "607315000001", res.CreditCardID)
	assert.Equal(t, "01020304050607083030", res.IssuerAuthenticationData)
	assert.Equal(t, []byte{0x71, 0x03, 0x9F, 0x18, 0x00}, res.IssuerScripts[0])
	assert.Equal(t, []byte{0x72, 0x03, 0x86, 0x01, 0xAA}, res.IssuerScripts[1])
}

func TestParseAuthorizationResponse_DeclineWithoutICC(t *testing.T) {
	res, err := parseAuthorizationResponse(authorizationResponse(t, "05", nil))
	require.NoError(t, err)
	assert.Equal(t, "05", res.ResponseCode)
	assert.Empty(t, res.IssuerAuthenticationData)
	assert.Nil(t, res.IssuerScripts[0])
}

func TestParseAuthorizationResponse_WrongMTI(t *testing.T) {
	msg := iso8583.NewMessage(Spec)
	msg.MTI("0410")
	require.NoError(t, msg.Field(fieldResponseCode, "00"))

	_, err := parseAuthorizationResponse(roundTrip(t, msg))
	assert.Error(t, err)
}
