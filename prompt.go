package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/reader"
)

// errInputClosed is returned once the prompt input reaches EOF.
var errInputClosed = errors.New("prompt input closed")

// TerminalPrompter answers transaction prompts from line-oriented input,
// normally a terminal.
type TerminalPrompter struct {
	out io.Writer

	// defaults answer TransactionInfo without asking when set
	defaults *emv.TransactionInfo

	once  sync.Once
	in    io.Reader
	lines chan string
}

var _ emv.Prompter = (*TerminalPrompter)(nil)

// NewTerminalPrompter reads answers from in and writes questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out}
}

// WithTransaction makes TransactionInfo return info instead of asking.
func (p *TerminalPrompter) WithTransaction(info emv.TransactionInfo) *TerminalPrompter {
	p.defaults = &info
	return p
}

// readLines scans the input once in the background so a blocked read never
// outlives a cancelled prompt.
func (p *TerminalPrompter) readLines() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.lines <- strings.TrimSpace(scanner.Text())
	}
	close(p.lines)
}

func (p *TerminalPrompter) ask(ctx context.Context, question string) (string, error) {
	p.once.Do(func() {
		p.lines = make(chan string)
		go p.readLines()
	})

	fmt.Fprint(p.out, question)
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", errInputClosed
		}
		return line, nil
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	}
}

// SelectApplication lists the applications and reads a 1-based choice.
func (p *TerminalPrompter) SelectApplication(ctx context.Context, apps []reader.Application) (int, error) {
	fmt.Fprintln(p.out, "The card offers several applications:")
	for i, app := range apps {
		fmt.Fprintf(p.out, "  %d) %s (%s)\n", i+1, app.Label, app.AID)
	}
	answer, err := p.ask(ctx, "Application: ")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(answer)
	if err != nil {
		return -1, nil
	}
	return n - 1, nil
}

// ConfirmReaderReset asks for a yes or no answer.
func (p *TerminalPrompter) ConfirmReaderReset(ctx context.Context, info reader.DeviceInfo) (bool, error) {
	answer, err := p.ask(ctx, fmt.Sprintf("Reader %s is already configured. Configure it again? [y/N] ", info.SerialNumber))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// TransactionInfo reads amount, currency and account. An unparseable amount
// is left unset so validation rejects it.
func (p *TerminalPrompter) TransactionInfo(ctx context.Context) (emv.TransactionInfo, error) {
	if p.defaults != nil {
		return *p.defaults, nil
	}

	var info emv.TransactionInfo
	amount, err := p.ask(ctx, "Amount: ")
	if err != nil {
		return info, err
	}
	if d, err := decimal.NewFromString(amount); err == nil {
		info.Amount = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	currency, err := p.ask(ctx, fmt.Sprintf("Currency (%s): ", strings.Join(emv.SupportedCurrencies(), ", ")))
	if err != nil {
		return info, err
	}
	info.Currency = currency

	account, err := p.ask(ctx, "Account ID: ")
	if err != nil {
		return info, err
	}
	info.AccountID, _ = strconv.ParseUint(account, 10, 64)
	return info, nil
}

// PayerEmail reads an optional receipt address. An empty line skips it.
func (p *TerminalPrompter) PayerEmail(ctx context.Context, card emv.CardData) (string, error) {
	return p.ask(ctx, fmt.Sprintf("Receipt email for %s (empty to skip): ", card.MaskedPAN))
}

// parseTransactionFlags builds preset transaction info from CLI flags. An
// empty amount means the operator is asked instead.
func parseTransactionFlags(amount, currency string, account uint64) (*emv.TransactionInfo, error) {
	if amount == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return &emv.TransactionInfo{
		Amount:    decimal.NullDecimal{Decimal: d, Valid: true},
		Currency:  currency,
		AccountID: account,
	}, nil
}

// describeEvent renders an attempt outcome as one line.
func describeEvent(ev emv.Event) string {
	switch e := ev.(type) {
	case emv.StatusChanged:
		return "status " + string(e.Status)
	case emv.CardRead:
		return fmt.Sprintf("read %s %s (%s)", e.Card.PaymentMethod, e.Card.MaskedPAN, cardholder(e.Card))
	case emv.CardReadFailed:
		return "read failed: " + errText(e.Err)
	case emv.Tokenized:
		return fmt.Sprintf("tokenized %s as %s", e.Card.MaskedPAN, e.Token)
	case emv.TokenizationFailed:
		return fmt.Sprintf("tokenization of %s failed: %s", e.Card.MaskedPAN, errText(e.Err))
	case emv.Authorized:
		return fmt.Sprintf("authorized %s code %s", e.Card.MaskedPAN, e.Info.AuthorizationCode)
	case emv.AuthorizationFailed:
		return fmt.Sprintf("authorization of %s failed: %s", e.Card.MaskedPAN, errText(e.Err))
	default:
		return emv.EventType(ev)
	}
}

func errText(err *emv.Error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func cardholder(c emv.CardData) string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return "no name"
	}
	return name
}
