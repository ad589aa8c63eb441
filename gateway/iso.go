package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583/network"
	"github.com/shopspring/decimal"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/tlv"
)

// POS entry modes.
const (
	entryModeChip          = "051"
	entryModeFallbackSwipe = "801"
)

// ISOConfig configures an ISOClient.
type ISOConfig struct {
	// Addr is the acquirer host, host:port.
	Addr       string
	TerminalID string
	MerchantID string

	SendTimeout time.Duration
	Logger      *slog.Logger
}

// ISOClient authorizes and reverses through an ISO 8583 acquirer host. It
// implements emv.Authorizer and emv.Reverser.
type ISOClient struct {
	cfg    ISOConfig
	logger *slog.Logger
	now    func() time.Time
	stan   atomic.Uint32

	mu   sync.Mutex
	conn *connection.Connection
}

var (
	_ emv.Authorizer = (*ISOClient)(nil)
	_ emv.Reverser   = (*ISOClient)(nil)
)

// NewISOClient creates a client. The connection is opened lazily.
func NewISOClient(cfg ISOConfig) *ISOClient {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ISOClient{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gateway"), slog.String("kind", "iso8583")),
		now:    time.Now,
	}
}

// Authorize sends an 0100 and interprets the 0110.
func (c *ISOClient) Authorize(ctx context.Context, req emv.AuthorizationRequest) (emv.AuthorizationResult, error) {
	msg, err := c.authorizationRequest(req)
	if err != nil {
		return emv.AuthorizationResult{}, err
	}
	resp, err := c.send(ctx, msg)
	if err != nil {
		return emv.AuthorizationResult{}, err
	}
	result, err := parseAuthorizationResponse(resp)
	if err != nil {
		return emv.AuthorizationResult{}, err
	}
	c.logger.Info("authorization answered", "attempt", req.AttemptID, "response_code", result.ResponseCode)
	return result, nil
}

// Reverse sends an 0400 referencing the original authorization. The credit
// card id is the retrieval reference number of the approval.
func (c *ISOClient) Reverse(ctx context.Context, req emv.ReversalRequest) error {
	msg, err := c.reversalRequest(req)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, msg)
	if err != nil {
		return err
	}
	mti, err := resp.GetMTI()
	if err != nil {
		return fmt.Errorf("reading mti: %w", err)
	}
	if mti != mtiReversalResponse {
		return fmt.Errorf("unexpected reversal response mti %s", mti)
	}
	code, err := resp.GetString(fieldResponseCode)
	if err != nil {
		return fmt.Errorf("reading response code: %w", err)
	}
	if code != "00" {
		return fmt.Errorf("reversal rejected with response code %s", code)
	}
	c.logger.Info("reversal accepted", "attempt", req.AttemptID, "rrn", req.CreditCardID)
	return nil
}

// Close closes the host connection, if open.
func (c *ISOClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *ISOClient) connection() (*connection.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := connection.New(c.cfg.Addr, Spec, readMessageLength, writeMessageLength,
		connection.SendTimeout(c.cfg.SendTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating iso8583 connection: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.cfg.Addr, err)
	}
	c.logger.Info("connected to acquirer", "addr", c.cfg.Addr)
	c.conn = conn
	return conn, nil
}

// send runs a request/response exchange. The library call has no context,
// so a cancelled ctx abandons the reply rather than the write.
func (c *ISOClient) send(ctx context.Context, msg *iso8583.Message) (*iso8583.Message, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	type reply struct {
		msg *iso8583.Message
		err error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := conn.Send(msg)
		done <- reply{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.dropConnection(conn)
			return nil, fmt.Errorf("sending message: %w", r.err)
		}
		return r.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ISOClient) dropConnection(conn *connection.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
	}
}

func (c *ISOClient) nextSTAN() string {
	n := c.stan.Add(1) % 1000000
	if n == 0 {
		n = c.stan.Add(1) % 1000000
	}
	return fmt.Sprintf("%06d", n)
}

func (c *ISOClient) authorizationRequest(req emv.AuthorizationRequest) (*iso8583.Message, error) {
	iccData, err := tlv.EncodeMap(req.Tags)
	if err != nil {
		return nil, fmt.Errorf("encoding icc data: %w", err)
	}

	now := c.now().UTC()
	stan := c.nextSTAN()
	entryMode := entryModeChip
	if req.FallbackSwipe {
		entryMode = entryModeFallbackSwipe
	}

	msg := iso8583.NewMessage(Spec)
	msg.MTI(mtiAuthorizationRequest)
	fields := map[int]string{
		fieldPAN:            panFromTags(req.Tags),
		fieldProcessingCode: "000000",
		fieldAmount:         minorUnits(req.Amount),
		fieldTransmission:   now.Format("0102150405"),
		fieldSTAN:           stan,
		fieldPOSEntryMode:   entryMode,
		fieldRRN:            retrievalReference(now, stan),
		fieldTerminalID:     fixed(c.cfg.TerminalID, 8),
		fieldMerchantID:     fixed(c.cfg.MerchantID, 15),
		fieldAdditionalData: req.AttemptID,
	}
	if seq, ok := req.Tags["5F34"]; ok && seq != "" {
		fields[fieldCardSequence] = fmt.Sprintf("%03s", seq)
	}
	currency, err := isoCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	fields[fieldCurrency] = currency

	if err := setFields(msg, fields); err != nil {
		return nil, err
	}
	if err := msg.BinaryField(fieldICCData, iccData); err != nil {
		return nil, fmt.Errorf("setting field %d: %w", fieldICCData, err)
	}
	return msg, nil
}

func (c *ISOClient) reversalRequest(req emv.ReversalRequest) (*iso8583.Message, error) {
	now := c.now().UTC()
	stan := c.nextSTAN()

	currency, err := isoCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	msg := iso8583.NewMessage(Spec)
	msg.MTI(mtiReversalRequest)
	fields := map[int]string{
		fieldPAN:             panFromTags(req.Tags),
		fieldProcessingCode:  "000000",
		fieldAmount:          minorUnits(req.Amount),
		fieldTransmission:    now.Format("0102150405"),
		fieldSTAN:            stan,
		fieldRRN:             fixed(req.CreditCardID, 12),
		fieldTerminalID:      fixed(c.cfg.TerminalID, 8),
		fieldMerchantID:      fixed(c.cfg.MerchantID, 15),
		fieldAdditionalData:  req.AttemptID,
		fieldCurrency:        currency,
		fieldOriginalElement: originalDataElements(mtiAuthorizationRequest, req.CreditCardID),
	}
	if err := setFields(msg, fields); err != nil {
		return nil, err
	}
	if len(req.Tags) > 0 {
		iccData, err := tlv.EncodeMap(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("encoding icc data: %w", err)
		}
		if err := msg.BinaryField(fieldICCData, iccData); err != nil {
			return nil, fmt.Errorf("setting field %d: %w", fieldICCData, err)
		}
	}
	return msg, nil
}

// parseAuthorizationResponse reads an 0110. Issuer authentication data
// (tag 91) and issuer scripts (tags 71 and 72) come from the ICC data.
func parseAuthorizationResponse(msg *iso8583.Message) (emv.AuthorizationResult, error) {
	mti, err := msg.GetMTI()
	if err != nil {
		return emv.AuthorizationResult{}, fmt.Errorf("reading mti: %w", err)
	}
	if mti != mtiAuthorizationResponse {
		return emv.AuthorizationResult{}, fmt.Errorf("unexpected authorization response mti %s", mti)
	}

	code, err := msg.GetString(fieldResponseCode)
	if err != nil {
		return emv.AuthorizationResult{}, fmt.Errorf("reading response code: %w", err)
	}
	result := emv.AuthorizationResult{ResponseCode: code}

	if s, err := msg.GetString(fieldAuthCode); err == nil {
		result.AuthorizationCode = strings.TrimSpace(s)
	}
	if s, err := msg.GetString(fieldRRN); err == nil {
		result.CreditCardID = strings.TrimSpace(s)
	}

	icc, err := msg.GetBytes(fieldICCData)
	if err != nil || len(icc) == 0 {
		return result, nil
	}
	records, err := tlv.Parse(icc)
	if err != nil {
		return emv.AuthorizationResult{}, fmt.Errorf("parsing icc data: %w", err)
	}
	if r, ok := tlv.Find(records, "91"); ok {
		result.IssuerAuthenticationData = strings.ToUpper(hex.EncodeToString(r.Value))
	}
	for i, tag := range []string{"71", "72"} {
		if r, ok := tlv.Find(records, tag); ok {
			// the reader expects the whole template, tag and length included
			script, err := tlv.Encode(tag, r.Value)
			if err != nil {
				return emv.AuthorizationResult{}, err
			}
			result.IssuerScripts[i] = script
		}
	}
	return result, nil
}

func setFields(msg *iso8583.Message, fields map[int]string) error {
	for id, value := range fields {
		if value == "" {
			continue
		}
		if err := msg.Field(id, value); err != nil {
			return fmt.Errorf("setting field %d: %w", id, err)
		}
	}
	return nil
}

func panFromTags(tags map[string]string) string {
	pan := tags["5A"]
	if pan == "" {
		if track2 := tags["57"]; track2 != "" {
			pan, _, _ = strings.Cut(strings.ToUpper(track2), "D")
		}
	}
	return strings.TrimRight(strings.ToUpper(pan), "F")
}

func isoCurrency(alpha string) (string, error) {
	code, ok := emv.NumericCurrency(alpha)
	if !ok {
		return "", fmt.Errorf("unsupported currency %q", alpha)
	}
	return code[len(code)-3:], nil
}

func retrievalReference(now time.Time, stan string) string {
	// YDDDhh + STAN
	return fmt.Sprintf("%d%03d%02d%s", now.Year()%10, now.YearDay(), now.Hour(), stan)
}

// originalDataElements builds field 90. The original STAN is the tail of the
// retrieval reference; date and institution codes are not tracked.
func originalDataElements(mti, rrn string) string {
	stan := strings.Repeat("0", 6)
	if len(rrn) == 12 {
		stan = rrn[6:]
	}
	return mti + stan + strings.Repeat("0", 32)
}

func minorUnits(amount decimal.Decimal) string {
	return fmt.Sprintf("%012d", amount.Shift(emv.MaxAmountScale).IntPart())
}

// fixed pads with spaces or truncates s to exactly n characters.
func fixed(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func readMessageLength(r io.Reader) (int, error) {
	header := network.NewBinary2BytesHeader()
	n, err := header.ReadFrom(r)
	if err != nil {
		return n, err
	}
	return header.Length(), nil
}

func writeMessageLength(w io.Writer, length int) (int, error) {
	header := network.NewBinary2BytesHeader()
	header.SetLength(length)
	return header.WriteTo(w)
}
