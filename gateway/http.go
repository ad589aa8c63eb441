// Package gateway implements the remote collaborators of a card session:
// authorization, tokenization and reversal against the payment API or an
// ISO 8583 acquirer host.
package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dotside-studios/davi-emv-agent/buildinfo"
	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/tlv"
)

// API paths.
const (
	PathCreateEMV   = "/credit_card/create_emv"
	PathCreateSwipe = "/credit_card/create_swipe"
	PathReverse     = "/credit_card/reverse"
)

// Header names sent on every request.
const (
	HeaderClientID       = "X-Client-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL  string
	ClientID string
	Token    string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// HTTPClient talks to the payment API. It implements emv.Authorizer,
// emv.Tokenizer and emv.Reverser.
type HTTPClient struct {
	base     string
	clientID string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

var (
	_ emv.Authorizer = (*HTTPClient)(nil)
	_ emv.Tokenizer  = (*HTTPClient)(nil)
	_ emv.Reverser   = (*HTTPClient)(nil)
)

// NewHTTPClient creates a client. A nil hc uses a client with cfg.Timeout.
func NewHTTPClient(cfg HTTPConfig, hc *http.Client) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		token:    cfg.Token,
		http:     hc,
		logger:   logger.With(slog.String("component", "gateway"), slog.String("kind", "http")),
	}
}

type createEMVRequest struct {
	AttemptID     string `json:"attempt_id"`
	AccountID     uint64 `json:"account_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ApplicationID string `json:"application_id,omitempty"`
	MaskedPAN     string `json:"masked_pan,omitempty"`
	EMVData       string `json:"emv_data"`
	FallbackSwipe bool   `json:"fallback_swipe"`
	PayerEmail    string `json:"payer_email,omitempty"`
}

type createEMVResponse struct {
	ResponseCode             string   `json:"response_code"`
	AuthorizationCode        string   `json:"authorization_code"`
	IssuerAuthenticationData string   `json:"issuer_authentication_data"`
	CreditCardID             string   `json:"credit_card_id"`
	IssuerScripts            []string `json:"issuer_scripts"`
}

type createSwipeRequest struct {
	AttemptID      string            `json:"attempt_id"`
	AccountID      uint64            `json:"account_id"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	CardholderName string            `json:"cardholder_name,omitempty"`
	PAN            string            `json:"pan"`
	ExpiryDate     string            `json:"expiry_date,omitempty"`
	Track          map[string]string `json:"track,omitempty"`
	FallbackSwipe  bool              `json:"fallback_swipe"`
	PayerEmail     string            `json:"payer_email,omitempty"`
}

type createSwipeResponse struct {
	Token string `json:"token"`
}

type reverseRequest struct {
	AttemptID    string `json:"attempt_id"`
	CreditCardID string `json:"credit_card_id"`
	AccountID    uint64 `json:"account_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	EMVData      string `json:"emv_data,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Authorize submits the chip data for online authorization. A decline is a
// result with a non-approval response code. Transport failures and 5xx
// answers are returned as plain errors; a rejected request is an API-domain
// *emv.Error.
func (c *HTTPClient) Authorize(ctx context.Context, req emv.AuthorizationRequest) (emv.AuthorizationResult, error) {
	emvData, err := tlv.EncodeMap(req.Tags)
	if err != nil {
		return emv.AuthorizationResult{}, fmt.Errorf("encoding emv data: %w", err)
	}

	body := createEMVRequest{
		AttemptID:     req.AttemptID,
		AccountID:     req.AccountID,
		Amount:        req.Amount.StringFixed(emv.MaxAmountScale),
		Currency:      req.Currency,
		ApplicationID: req.ApplicationID,
		MaskedPAN:     req.MaskedPAN,
		EMVData:       strings.ToUpper(hex.EncodeToString(emvData)),
		FallbackSwipe: req.FallbackSwipe,
		PayerEmail:    req.PayerEmail,
	}

	var resp createEMVResponse
	if err := c.post(ctx, PathCreateEMV, req.AttemptID, body, &resp); err != nil {
		return emv.AuthorizationResult{}, err
	}

	result := emv.AuthorizationResult{
		ResponseCode:             resp.ResponseCode,
		AuthorizationCode:        resp.AuthorizationCode,
		IssuerAuthenticationData: resp.IssuerAuthenticationData,
		CreditCardID:             resp.CreditCardID,
	}
	for i, script := range resp.IssuerScripts {
		if i >= len(result.IssuerScripts) {
			c.logger.Warn("ignoring extra issuer scripts", "attempt", req.AttemptID, "count", len(resp.IssuerScripts))
			break
		}
		b, err := hex.DecodeString(script)
		if err != nil {
			return emv.AuthorizationResult{}, fmt.Errorf("issuer script %d: %w", i+1, err)
		}
		result.IssuerScripts[i] = b
	}

	c.logger.Info("authorization answered", "attempt", req.AttemptID, "response_code", result.ResponseCode)
	return result, nil
}

// Tokenize exchanges swipe data for a card token.
func (c *HTTPClient) Tokenize(ctx context.Context, req emv.TokenizationRequest) (string, error) {
	body := createSwipeRequest{
		AttemptID:      req.AttemptID,
		AccountID:      req.AccountID,
		Amount:         req.Amount.StringFixed(emv.MaxAmountScale),
		Currency:       req.Currency,
		CardholderName: req.Swipe.CardholderName,
		PAN:            req.Swipe.PAN,
		ExpiryDate:     req.Swipe.ExpiryDate,
		Track:          req.Swipe.Attributes,
		FallbackSwipe:  req.FallbackSwipe,
		PayerEmail:     req.PayerEmail,
	}

	var resp createSwipeResponse
	if err := c.post(ctx, PathCreateSwipe, req.AttemptID, body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &emv.Error{
			Domain:   emv.DomainAPI,
			Code:     emv.CodeTokenizationFailed,
			Category: emv.CategoryService,
			Message:  "empty token in response",
		}
	}
	return resp.Token, nil
}

// Reverse cancels an authorization.
func (c *HTTPClient) Reverse(ctx context.Context, req emv.ReversalRequest) error {
	body := reverseRequest{
		AttemptID:    req.AttemptID,
		CreditCardID: req.CreditCardID,
		AccountID:    req.AccountID,
		Amount:       req.Amount.StringFixed(emv.MaxAmountScale),
		Currency:     req.Currency,
	}
	if len(req.Tags) > 0 {
		emvData, err := tlv.EncodeMap(req.Tags)
		if err != nil {
			return fmt.Errorf("encoding emv data: %w", err)
		}
		body.EMVData = strings.ToUpper(hex.EncodeToString(emvData))
	}

	if err := c.post(ctx, PathReverse, "reverse-"+req.AttemptID, body, nil); err != nil {
		return err
	}
	c.logger.Info("reversal accepted", "attempt", req.AttemptID, "credit_card_id", req.CreditCardID)
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent())
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientID != "" {
		httpReq.Header.Set(HeaderClientID, c.clientID)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return apiError(path, resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// apiError turns a non-2xx answer into an error. Server failures stay plain
// errors so the caller treats the issuer as unreachable; client errors carry
// the API's own code.
func apiError(path string, status int, body []byte) error {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%s status=%d body=%s", path, status, strings.TrimSpace(string(body)))
	}

	var parsed apiErrorBody
	_ = json.Unmarshal(body, &parsed)

	code := emv.Code(parsed.Error.Code)
	if code == "" {
		code = emv.Code(fmt.Sprintf("http_%d", status))
	}
	msg := parsed.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &emv.Error{
		Domain:   emv.DomainAPI,
		Code:     code,
		Category: emv.CategoryService,
		Message:  msg,
	}
}
