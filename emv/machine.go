package emv

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// cardAttributeTags are the chip tags copied into CardData. They carry
// nothing that could reconstruct the card.
var cardAttributeTags = map[string]string{
	"4F":   "applicationId",
	"50":   "applicationLabel",
	"5F24": "expiryDate",
	"9F12": "preferredName",
}

// AttemptResult summarizes a finished attempt for the restart decision.
type AttemptResult struct {
	ID     string
	Err    *Error
	Method PaymentMethod

	// Halted is set when the attempt ended without a restart decision: the
	// session was cancelled or the device went away.
	Halted bool
}

// Machine drives one transaction attempt at a time over a connected reader.
// It is used from a single goroutine; only reversals run concurrently.
type Machine struct {
	cfg        Config
	prompter   Prompter
	authorizer Authorizer
	tokenizer  Tokenizer
	reverser   Reverser
	logger     *slog.Logger

	reversals        sync.WaitGroup
	reversalFailures atomic.Int64
}

// NewMachine creates a Machine.
func NewMachine(cfg Config, collab Collaborators, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:        cfg.withDefaults(),
		prompter:   collab.Prompter,
		authorizer: collab.Authorizer,
		tokenizer:  collab.Tokenizer,
		reverser:   collab.Reverser,
		logger:     logger.With(slog.String("component", "machine")),
	}
}

// run is the state of a single attempt.
type run struct {
	m       *Machine
	ctx     context.Context
	ch      reader.Channel
	mode    Mode
	emit    func(Event)
	attempt *TransactionAttempt
	req     TransactionRequest
	logger  *slog.Logger
}

// Run executes one attempt: start, optional application selection,
// authorization or tokenization, completion and stop. Exactly one outcome
// event is emitted unless the session is cancelled or the reader is lost.
func (m *Machine) Run(ctx context.Context, ch reader.Channel, mode Mode, emit func(Event)) AttemptResult {
	a := newAttempt()
	r := &run{
		m:       m,
		ctx:     ctx,
		ch:      ch,
		mode:    mode,
		emit:    emit,
		attempt: a,
		logger:  m.logger.With(slog.String("attempt", a.ID), slog.String("mode", mode.String())),
	}
	return r.execute()
}

func (r *run) status(s Status) {
	r.emit(StatusChanged{AttemptID: r.attempt.ID, Status: s})
}

func (r *run) progress(p reader.Progress) {
	if s, ok := r.attempt.statusFor(p); ok {
		r.status(s)
	}
}

func (r *run) result(err *Error) AttemptResult {
	return AttemptResult{ID: r.attempt.ID, Err: err, Method: r.attempt.Method}
}

func (r *run) halted() AttemptResult {
	res := r.result(nil)
	res.Halted = true
	return res
}

func (r *run) execute() AttemptResult {
	if r.mode == ModeTokenizing {
		if r.m.prompter == nil {
			return r.reject(with(ErrInputUnavailable, errors.New("no transaction info source")))
		}
		info, err := r.m.prompter.TransactionInfo(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return r.halted()
			}
			return r.reject(with(ErrInputUnavailable, err))
		}
		req, err := NewTransactionRequest(info)
		if err != nil {
			return r.reject(Classify(err))
		}
		r.req = req
	} else {
		r.req = readingRequest()
	}

	r.logger.Info("transaction started", "amount", r.req.String())

	resp, err := reader.Do(r.ctx, r.ch, r.m.cfg.Terminal.startRequest(r.req), r.progress)
	if err != nil {
		return r.fail(err)
	}

	switch {
	case resp.Swipe != nil:
		if r.attempt.Method == PaymentMethodUnknown {
			r.attempt.Method = PaymentMethodSwipe
		}
		return r.finish(r.swipe(*resp.Swipe))
	case resp.TransactionData != nil:
		r.attempt.finalized = true
		return r.finish(r.dip(*resp.TransactionData))
	case len(resp.Applications) > 0:
		td, err := r.selectApplication(resp.Applications)
		if err != nil {
			return r.fail(err)
		}
		return r.finish(r.dip(*td))
	default:
		return r.fail(reader.NewMalformedResponseError("StartTransaction", "response carries no card data"))
	}
}

// reject reports transaction info that was invalid or could not be
// obtained. No device command was sent, so no stop is needed.
func (r *run) reject(err *Error) AttemptResult {
	r.logger.Warn("transaction info rejected", "err", err)
	r.emit(CardReadFailed{AttemptID: r.attempt.ID, Err: err})
	return r.result(err)
}

// fail reports a device or selection error and stops the transaction. A
// lost reader is left to the disconnect handling.
func (r *run) fail(err error) AttemptResult {
	if r.ctx.Err() != nil {
		return r.halted()
	}
	e := Classify(err)
	if !IsReactable(e) {
		r.logger.Warn("reader lost during transaction", "err", err)
		return r.halted()
	}
	r.logger.Warn("transaction failed", "err", e)
	r.emit(CardReadFailed{AttemptID: r.attempt.ID, Err: e})
	r.stop()
	return r.result(e)
}

// finish stops the device transaction after an outcome was emitted.
func (r *run) finish(res AttemptResult) AttemptResult {
	if res.Halted {
		return res
	}
	r.stop()
	return res
}

func (r *run) stop() {
	if r.ctx.Err() != nil {
		return
	}
	if _, err := reader.Do(r.ctx, r.ch, reader.Request{Command: reader.CmdTransactionStop}, nil); err != nil {
		r.logger.Debug("transaction stop failed", "err", err)
	}
}

func (r *run) selectApplication(apps []reader.Application) (*reader.TransactionData, error) {
	idx := 0
	if len(apps) > 1 {
		if r.m.prompter == nil {
			return nil, with(ErrInvalidApplicationID, fmt.Errorf("no application selector for %d applications", len(apps)))
		}
		var err error
		idx, err = r.m.prompter.SelectApplication(r.ctx, apps)
		if err != nil {
			return nil, with(ErrInputUnavailable, err)
		}
	}
	if idx < 0 || idx >= len(apps) {
		return nil, with(ErrInvalidApplicationID, fmt.Errorf("index %d out of range [0, %d)", idx, len(apps)))
	}

	aid := apps[idx].AID
	r.attempt.finalized = true
	resp, err := reader.Do(r.ctx, r.ch, reader.Request{
		Command: reader.CmdFinalApplicationSelection,
		Params:  map[string]string{"aid": aid},
	}, r.progress)
	if err != nil {
		return nil, err
	}
	if resp.TransactionData == nil {
		return nil, reader.NewMalformedResponseError("FinalApplicationSelection", "response carries no transaction data")
	}
	r.attempt.SelectedAID = aid
	r.attempt.Method = PaymentMethodDip
	return resp.TransactionData, nil
}

func (r *run) swipe(data reader.SwipeData) AttemptResult {
	first, last := splitCardholderName(data.CardholderName)
	card := CardData{
		FirstName:     first,
		LastName:      last,
		MaskedPAN:     SanitizePAN(data.PAN),
		PaymentMethod: PaymentMethodSwipe,
		Attributes:    copyAttributes(data.Attributes),
		FallbackSwipe: r.attempt.FallbackSwipe,
	}
	r.logger.Info("card swiped", "pan", card.MaskedPAN, "fallback", card.FallbackSwipe)

	if r.mode == ModeReading {
		r.emit(CardRead{AttemptID: r.attempt.ID, Card: card})
		return r.result(nil)
	}

	card = r.payerEmail(card)
	if r.ctx.Err() != nil {
		return r.halted()
	}
	if r.m.tokenizer == nil {
		err := newError(DomainSDK, CodeTokenizationFailed, CategoryService, "no tokenization service configured")
		r.emit(TokenizationFailed{AttemptID: r.attempt.ID, Card: card, Err: err})
		return r.result(err)
	}

	r.status(StatusTokenizing)
	req := TokenizationRequest{
		AttemptID:     r.attempt.ID,
		AccountID:     r.req.AccountID(),
		Amount:        r.req.Amount(),
		Currency:      r.req.Currency(),
		Swipe:         data,
		FallbackSwipe: r.attempt.FallbackSwipe,
		PayerEmail:    card.PayerEmail,
	}
	token, err := awaitRemote(r.ctx, func(ctx context.Context) (string, error) {
		return r.m.tokenizer.Tokenize(ctx, req)
	})
	if errors.Is(err, errDiscarded) {
		r.logger.Info("session stopped before tokenization finished, discarding result")
		return r.halted()
	}
	if err != nil {
		e := remoteError(err, newError(DomainAPI, CodeTokenizationFailed, CategoryService, "tokenization failed"))
		r.logger.Warn("tokenization failed", "err", e)
		r.emit(TokenizationFailed{AttemptID: r.attempt.ID, Card: card, Err: e})
		return r.result(e)
	}
	r.emit(Tokenized{AttemptID: r.attempt.ID, Card: card, Token: token})
	return r.result(nil)
}

func (r *run) dip(td reader.TransactionData) AttemptResult {
	r.attempt.Method = PaymentMethodDip
	r.attempt.ApplicationCryptogram = td.Cryptogram
	if r.attempt.SelectedAID == "" {
		r.attempt.SelectedAID = td.Tags["4F"]
	}

	first, last := splitCardholderName(td.CardholderName)
	card := CardData{
		FirstName:     first,
		LastName:      last,
		MaskedPAN:     SanitizePAN(td.PAN),
		PaymentMethod: PaymentMethodDip,
		Attributes:    chipAttributes(td.Tags),
	}
	r.logger.Info("chip data read", "pan", card.MaskedPAN, "aid", r.attempt.SelectedAID, "cryptogram", td.Cryptogram)

	if r.mode == ModeReading {
		r.emit(CardRead{AttemptID: r.attempt.ID, Card: card})
		return r.result(nil)
	}

	card = r.payerEmail(card)
	if r.ctx.Err() != nil {
		return r.halted()
	}

	if td.Cryptogram == reader.CryptogramAAC {
		r.logger.Info("card declined offline")
		return r.authorizationFailed(card, with(ErrDeclinedByCard, nil))
	}

	r.status(StatusAuthorizing)
	authErr := r.authorize(card, td)
	if errors.Is(authErr, errDiscarded) {
		r.logger.Info("session stopped before authorization finished, discarding result")
		return r.halted()
	}

	resp, err := reader.Do(r.ctx, r.ch, r.completeRequest(), r.progress)
	if err != nil {
		if r.attempt.IssuerApproved() {
			r.attempt.ShouldIssueReversal = true
			r.reverse(td)
		}
		if r.ctx.Err() != nil {
			return r.halted()
		}
		e := Classify(err)
		if !IsReactable(e) {
			return r.halted()
		}
		return r.authorizationFailed(card, e)
	}

	r.attempt.ApplicationCryptogram = resp.Cryptogram
	if outcome := r.outcome(authErr); outcome != nil {
		if r.attempt.ShouldIssueReversal {
			r.reverse(td)
		}
		return r.authorizationFailed(card, outcome)
	}

	r.logger.Info("transaction approved", "auth_code", r.attempt.AuthorizationCode, "pan_last4", lastFour(td.PAN))
	r.emit(Authorized{AttemptID: r.attempt.ID, Card: card, Info: r.attempt.info()})
	return r.result(nil)
}

func (r *run) authorizationFailed(card CardData, err *Error) AttemptResult {
	r.logger.Warn("authorization failed", "err", err)
	r.emit(AuthorizationFailed{AttemptID: r.attempt.ID, Card: card, Info: r.attempt.info(), Err: err})
	return r.result(err)
}

// authorize fills the attempt with the issuer's answer. The returned error
// is the reason the issuer could not be reached, or errDiscarded if the
// session ended first.
func (r *run) authorize(card CardData, td reader.TransactionData) error {
	if r.m.cfg.isTestAmount(r.req.Amount()) {
		r.logger.Info("test amount, synthesizing approval", "amount", r.req.String())
		r.attempt.Synthesized = true
		r.attempt.applyAuthorization(AuthorizationResult{ResponseCode: "00", AuthorizationCode: "TEST01"})
		return nil
	}
	if r.m.authorizer == nil {
		return fmt.Errorf("no authorization service configured")
	}

	req := AuthorizationRequest{
		AttemptID:     r.attempt.ID,
		AccountID:     r.req.AccountID(),
		Amount:        r.req.Amount(),
		Currency:      r.req.Currency(),
		ApplicationID: r.attempt.SelectedAID,
		MaskedPAN:     card.MaskedPAN,
		Tags:          td.Tags,
		FallbackSwipe: r.attempt.FallbackSwipe,
		PayerEmail:    card.PayerEmail,
	}
	res, err := awaitRemote(r.ctx, func(ctx context.Context) (AuthorizationResult, error) {
		return r.m.authorizer.Authorize(ctx, req)
	})
	if errors.Is(err, errDiscarded) {
		return err
	}
	if err != nil {
		r.logger.Warn("issuer unreachable", "err", err)
		return err
	}
	r.attempt.applyAuthorization(res)
	r.logger.Info("issuer responded", "response_code", res.ResponseCode, "credit_card_id", res.CreditCardID)
	return nil
}

func (r *run) completeRequest() reader.Request {
	params := map[string]string{"online": "false"}
	if r.attempt.IssuerReached() {
		params["online"] = "true"
		params["issuerAuthenticationData"] = r.attempt.IssuerAuthenticationData
		params["authorizationResponseCode"] = r.attempt.responseCodeHex()
		for i, script := range r.attempt.IssuerScripts {
			if len(script) > 0 {
				params[fmt.Sprintf("issuerScript%d", i+1)] = strings.ToUpper(hex.EncodeToString(script))
			}
		}
	}
	return reader.Request{Command: reader.CmdCompleteTransaction, Params: params}
}

// outcome classifies the final card cryptogram against the issuer answer.
// nil means approved.
func (r *run) outcome(authErr error) *Error {
	a := r.attempt
	switch a.ApplicationCryptogram {
	case reader.CryptogramTC:
		switch {
		case !a.IssuerReached():
			return unreachable(authErr)
		case !a.IssuerApproved():
			return with(ErrDeclinedByIssuer, fmt.Errorf("response code %s", a.AuthorizationResponse))
		}
		return nil
	case reader.CryptogramAAC:
		switch {
		case !a.IssuerReached():
			return unreachable(authErr)
		case a.IssuerApproved():
			a.ShouldIssueReversal = true
			return with(ErrDeclinedByCard, nil)
		}
		return with(ErrDeclinedByIssuer, fmt.Errorf("response code %s", a.AuthorizationResponse))
	default:
		return &Error{
			Domain:   DomainSDK,
			Code:     CodeTransactionError,
			Category: CategoryProtocol,
			Message:  fmt.Sprintf("unexpected cryptogram %q after completion", a.ApplicationCryptogram),
		}
	}
}

// unreachable prefers the error the authorization call failed with.
func unreachable(authErr error) *Error {
	return remoteError(authErr, ErrIssuerUnreachable)
}

func remoteError(err error, fallback *Error) *Error {
	if err == nil {
		return with(fallback, nil)
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return with(fallback, err)
}

func (r *run) reverse(td reader.TransactionData) {
	if r.attempt.Synthesized {
		r.logger.Info("skipping reversal of synthesized approval")
		return
	}
	if r.m.reverser == nil {
		r.logger.Error("reversal required but no reversal service configured", "credit_card_id", r.attempt.CreditCardID)
		r.m.reversalFailures.Add(1)
		return
	}
	req := ReversalRequest{
		AttemptID:    r.attempt.ID,
		CreditCardID: r.attempt.CreditCardID,
		AccountID:    r.req.AccountID(),
		Amount:       r.req.Amount(),
		Currency:     r.req.Currency(),
		Tags:         td.Tags,
	}
	logger := r.logger
	r.m.reversals.Add(1)
	go func() {
		defer r.m.reversals.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.m.cfg.ReversalTimeout)
		defer cancel()
		if err := r.m.reverser.Reverse(ctx, req); err != nil {
			r.m.reversalFailures.Add(1)
			logger.Error("reversal failed", "credit_card_id", req.CreditCardID, "account_id", req.AccountID, "err", err)
			return
		}
		logger.Info("reversal issued", "credit_card_id", req.CreditCardID)
	}()
}

func (r *run) payerEmail(card CardData) CardData {
	if r.m.prompter == nil {
		return card
	}
	email, err := r.m.prompter.PayerEmail(r.ctx, card)
	if err != nil {
		r.logger.Debug("payer email skipped", "err", err)
		return card
	}
	return card.withPayerEmail(email)
}

// errDiscarded is returned by awaitRemote when the session ended before the
// remote call returned.
var errDiscarded = errors.New("session ended before remote call returned")

// awaitRemote runs fn detached from ctx cancellation and waits for it. If ctx
// ends first the eventual result is dropped.
func awaitRemote[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		done <- result{v, err}
	}()
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, errDiscarded
	}
}

func chipAttributes(tags map[string]string) map[string]string {
	out := make(map[string]string)
	for tag, name := range cardAttributeTags {
		if v, ok := tags[tag]; ok {
			out[name] = v
		}
	}
	return out
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// WaitReversals blocks until every issued reversal returned.
func (m *Machine) WaitReversals() {
	m.reversals.Wait()
}

// ReversalFailures counts reversals that could not be delivered.
func (m *Machine) ReversalFailures() int64 {
	return m.reversalFailures.Load()
}
