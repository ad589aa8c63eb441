package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/reader"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type captured struct {
	path    string
	headers http.Header
	body    map[string]interface{}
}

// apiServer answers every request with status and reply, and hands each
// request it saw to the returned channel.
func apiServer(t *testing.T, status int, reply interface{}) (*httptest.Server, <-chan captured) {
	t.Helper()
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, headers: r.Header.Clone()}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
		seen <- c
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if reply != nil {
			_ = json.NewEncoder(w).Encode(reply)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newTestHTTPClient(srv *httptest.Server) *HTTPClient {
	return NewHTTPClient(HTTPConfig{
		BaseURL:  srv.URL + "/",
		ClientID: "client-1",
		Token:    "secret-token",
		Logger:   testLogger,
	}, srv.Client())
}

func authRequest() emv.AuthorizationRequest {
	return emv.AuthorizationRequest{
		AttemptID:     "attempt-1",
		AccountID:     42,
		Amount:        decimal.RequireFromString("10.5"),
		Currency:      "USD",
		ApplicationID: "A0000000031010",
		MaskedPAN:     "XXXXXXXXXXXX0119",
		Tags: map[string]string{
			"9F26": "1122334455667788",
			"9F27": "80",
		},
	}
}

func TestHTTPClient_Authorize(t *testing.T) {
	srv, seen := apiServer(t, http.StatusOK, map[string]interface{}{
		"response_code":              "00",
		"authorization_code":         "A1B2C3",
		"issuer_authentication_data": "0102030405060708",
		"credit_card_id":             "cc_123",
		"issuer_scripts":             []string{"7103010203", "720104"},
	})

	res, err := newTestHTTPClient(srv).Authorize(context.Background(), authRequest())
	require.NoError(t, err)

	got := <-seen
	assert.Equal(t, PathCreateEMV, got.path)
	assert.Equal(t, "Bearer secret-token", got.headers.Get("Authorization"))
	assert.Equal(t, "client-1", got.headers.Get(HeaderClientID))
	assert.Equal(t, "attempt-1", got.headers.Get(HeaderIdempotencyKey))
	assert.Equal(t, "10.50", got.body["amount"])
	assert.Equal(t, "9F260811223344556677889F270180", got.body["emv_data"])
	assert.EqualValues(t, 42, got.body["account_id"])

	assert.Equal(t, "00", res.ResponseCode)
	assert.Equal(t, "A1B2C3", res.AuthorizationCode)
	assert.Equal(t, "cc_123", res.CreditCardID)
	assert.Equal(t, "0102030405060708", res.IssuerAuthenticationData)
	assert.Equal(t, []byte{0x71, 0x03, 0x01, 0x02, 0x03}, res.IssuerScripts[0])
	assert.Equal(t, []byte{0x72, 0x01, 0x04}, res.IssuerScripts[1])
}

func TestHTTPClient_AuthorizeDecline(t *testing.T) {
	srv, _ := apiServer(t, http.StatusOK, map[string]interface{}{
		"response_code":  "05",
		"credit_card_id": "cc_9",
	})

	res, err := newTestHTTPClient(srv).Authorize(context.Background(), authRequest())
	require.NoError(t, err, "a decline is an answer, not an error")
	assert.Equal(t, "05", res.ResponseCode)
}

func TestHTTPClient_ServerErrorIsUnreachable(t *testing.T) {
	srv, _ := apiServer(t, http.StatusBadGateway, nil)

	_, err := newTestHTTPClient(srv).Authorize(context.Background(), authRequest())
	require.Error(t, err)

	var domainErr *emv.Error
	assert.False(t, errors.As(err, &domainErr), "5xx must not carry an API error")
}

func TestHTTPClient_ClientErrorCarriesAPIError(t *testing.T) {
	srv, _ := apiServer(t, http.StatusUnprocessableEntity, map[string]interface{}{
		"error": map[string]string{"code": "card_not_supported", "message": "Card type is not accepted"},
	})

	_, err := newTestHTTPClient(srv).Authorize(context.Background(), authRequest())
	require.Error(t, err)

	var domainErr *emv.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, emv.DomainAPI, domainErr.Domain)
	assert.Equal(t, emv.CodeCardNotSupported, domainErr.Code)
	assert.Equal(t, "Card type is not accepted", domainErr.Message)
}

func TestHTTPClient_ClientErrorWithoutBody(t *testing.T) {
	srv, _ := apiServer(t, http.StatusUnauthorized, nil)

	_, err := newTestHTTPClient(srv).Authorize(context.Background(), authRequest())
	var domainErr *emv.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, emv.Code("http_401"), domainErr.Code)
	assert.Equal(t, "Unauthorized", domainErr.Message)
}

func TestHTTPClient_Tokenize(t *testing.T) {
	srv, seen := apiServer(t, http.StatusCreated, map[string]string{"token": "tok_abc"})

	token, err := newTestHTTPClient(srv).Tokenize(context.Background(), emv.TokenizationRequest{
		AttemptID: "attempt-2",
		AccountID: 7,
		Amount:    decimal.RequireFromString("3"),
		Currency:  "CAD",
		Swipe: reader.SwipeData{
			CardholderName: "DOE/JOHN",
			PAN:            "4111111111111111",
			ExpiryDate:     "3012",
			Attributes:     map[string]string{"serviceCode": "201"},
		},
		FallbackSwipe: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", token)

	got := <-seen
	assert.Equal(t, PathCreateSwipe, got.path)
	assert.Equal(t, "3.00", got.body["amount"])
	assert.Equal(t, "4111111111111111", got.body["pan"])
	assert.Equal(t, true, got.body["fallback_swipe"])
	assert.Equal(t, map[string]interface{}{"serviceCode": "201"}, got.body["track"])
}

func TestHTTPClient_TokenizeEmptyToken(t *testing.T) {
	srv, _ := apiServer(t, http.StatusOK, map[string]string{})

	_, err := newTestHTTPClient(srv).Tokenize(context.Background(), emv.TokenizationRequest{
		Amount:   decimal.RequireFromString("3"),
		Currency: "USD",
	})
	var domainErr *emv.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, emv.CodeTokenizationFailed, domainErr.Code)
}

func TestHTTPClient_Reverse(t *testing.T) {
	srv, seen := apiServer(t, http.StatusAccepted, nil)

	err := newTestHTTPClient(srv).Reverse(context.Background(), emv.ReversalRequest{
		AttemptID:    "attempt-3",
		CreditCardID: "cc_123",
		AccountID:    42,
		Amount:       decimal.RequireFromString("10"),
		Currency:     "USD",
		Tags:         map[string]string{"9F27": "00"},
	})
	require.NoError(t, err)

	got := <-seen
	assert.Equal(t, PathReverse, got.path)
	assert.Equal(t, "reverse-attempt-3", got.headers.Get(HeaderIdempotencyKey))
	assert.Equal(t, "cc_123", got.body["credit_card_id"])
	assert.Equal(t, "9F270100", got.body["emv_data"])
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestHTTPClient(srv).Authorize(ctx, authRequest())
	assert.ErrorIs(t, err, context.Canceled)
}
