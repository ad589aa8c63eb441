package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/protocol"
	"github.com/dotside-studios/davi-emv-agent/reader"
)

// Prompt errors
var (
	ErrNoClient        = errors.New("no control client connected")
	ErrPromptCancelled = errors.New("prompt cancelled by client")
)

// Prompter relays the questions a transaction blocks on to the connected
// WebSocket clients. The first answer to a prompt wins.
type Prompter struct {
	hub    *Hub
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan protocol.AnswerPayload
}

var _ emv.Prompter = (*Prompter)(nil)

// NewPrompter creates a prompter publishing through hub.
func NewPrompter(hub *Hub, logger *slog.Logger) *Prompter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prompter{
		hub:     hub,
		logger:  logger.With(slog.String("component", "prompter")),
		pending: make(map[string]chan protocol.AnswerPayload),
	}
}

// Answer delivers an answer to the prompt with the given id. It returns false
// if no such prompt is waiting.
func (p *Prompter) Answer(id string, answer protocol.AnswerPayload) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- answer
	return true
}

// Pending returns the number of prompts awaiting an answer.
func (p *Prompter) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Prompter) ask(ctx context.Context, prompt protocol.PromptPayload) (protocol.AnswerPayload, error) {
	if p.hub.Count() == 0 {
		return protocol.AnswerPayload{}, ErrNoClient
	}

	id := uuid.NewString()
	ch := make(chan protocol.AnswerPayload, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	p.logger.Debug("prompting", "prompt", id, "kind", prompt.Kind)
	p.hub.Broadcast(protocol.WebSocketMessage{
		ID:      id,
		Type:    protocol.WSTypePrompt,
		Payload: prompt,
	})

	select {
	case answer := <-ch:
		if answer.Cancel {
			return answer, ErrPromptCancelled
		}
		return answer, nil
	case <-ctx.Done():
		return protocol.AnswerPayload{}, ctx.Err()
	}
}

// SelectApplication asks the client to choose a chip application.
func (p *Prompter) SelectApplication(ctx context.Context, apps []reader.Application) (int, error) {
	options := make([]protocol.ApplicationOption, len(apps))
	for i, app := range apps {
		options[i] = protocol.ApplicationOption{AID: app.AID, Label: app.Label}
	}
	answer, err := p.ask(ctx, protocol.PromptPayload{
		Kind:         protocol.PromptSelectApplication,
		Applications: options,
	})
	if err != nil {
		return 0, err
	}
	return answer.Index, nil
}

// ConfirmReaderReset asks whether a provisioned reader should be provisioned
// again.
func (p *Prompter) ConfirmReaderReset(ctx context.Context, info reader.DeviceInfo) (bool, error) {
	answer, err := p.ask(ctx, protocol.PromptPayload{
		Kind: protocol.PromptConfirmReaderReset,
		Device: &protocol.DevicePayload{
			SerialNumber:    info.SerialNumber,
			Model:           info.Model,
			FirmwareVersion: info.FirmwareVersion,
			Transport:       info.Transport,
		},
	})
	if err != nil {
		return false, err
	}
	return answer.Confirm, nil
}

// TransactionInfo asks for the amount, currency and account.
func (p *Prompter) TransactionInfo(ctx context.Context) (emv.TransactionInfo, error) {
	answer, err := p.ask(ctx, protocol.PromptPayload{Kind: protocol.PromptTransactionInfo})
	if err != nil {
		return emv.TransactionInfo{}, err
	}
	if answer.Transaction == nil {
		return emv.TransactionInfo{}, fmt.Errorf("answer carries no transaction")
	}
	return transactionInfo(*answer.Transaction)
}

// PayerEmail asks for an optional receipt address.
func (p *Prompter) PayerEmail(ctx context.Context, card emv.CardData) (string, error) {
	answer, err := p.ask(ctx, protocol.PromptPayload{
		Kind: protocol.PromptPayerEmail,
		Card: card,
	})
	if err != nil {
		return "", err
	}
	return answer.Email, nil
}

func transactionInfo(tp protocol.TransactionPayload) (emv.TransactionInfo, error) {
	info := emv.TransactionInfo{
		Currency:  tp.Currency,
		AccountID: tp.AccountID,
	}
	if amount := strings.TrimSpace(tp.Amount); amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return emv.TransactionInfo{}, fmt.Errorf("amount %q: %w", tp.Amount, err)
		}
		info.Amount = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return info, nil
}
