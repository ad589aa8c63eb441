package emv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testTerminal() TerminalConfig {
	t := DefaultTerminalConfig()
	t.Applications = t.Applications[:2]
	t.PublicKeys = []PublicKey{
		{RID: "A000000003", Index: "92", Modulus: "996AF56F569187D0", Exponent: "03", Checksum: "429C9546"},
		{RID: "A000000004", Index: "F1", Modulus: "A0DCF4BDE19C3546", Exponent: "03", Checksum: "D8E68DA1"},
	}
	return t
}

func testConfig(restart RestartConfig) Config {
	return Config{
		Environment:         EnvironmentProduction,
		Restart:             restart,
		Terminal:            testTerminal(),
		ConnectTimeout:      time.Second,
		ConnectRetryDelay:   10 * time.Millisecond,
		ConfigureRetries:    3,
		ConfigureRetryDelay: time.Millisecond,
		StopTimeout:         time.Second,
		ReversalTimeout:     time.Second,
	}
}

// stubPrompter answers prompts from fixed values.
type stubPrompter struct {
	mu sync.Mutex

	selection int
	reset     bool
	infos     []TransactionInfo
	email     string

	selectCalls int
	resetCalls  int
	infoCalls   int
}

func (p *stubPrompter) SelectApplication(ctx context.Context, apps []reader.Application) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selectCalls++
	return p.selection, nil
}

func (p *stubPrompter) ConfirmReaderReset(ctx context.Context, info reader.DeviceInfo) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetCalls++
	return p.reset, nil
}

func (p *stubPrompter) TransactionInfo(ctx context.Context) (TransactionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infoCalls++
	if len(p.infos) == 0 {
		return TransactionInfo{}, errors.New("no transaction info")
	}
	info := p.infos[0]
	if len(p.infos) > 1 {
		p.infos = p.infos[1:]
	}
	return info, nil
}

func (p *stubPrompter) PayerEmail(ctx context.Context, card CardData) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.email, nil
}

func (p *stubPrompter) calls() (selects, resets, infos int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectCalls, p.resetCalls, p.infoCalls
}

// stubAuthorizer returns a fixed result. If gate is set it blocks until the
// gate is closed.
type stubAuthorizer struct {
	result AuthorizationResult
	err    error
	gate   chan struct{}

	mu       sync.Mutex
	requests []AuthorizationRequest
}

func (a *stubAuthorizer) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if a.gate != nil {
		<-a.gate
	}
	return a.result, a.err
}

func (a *stubAuthorizer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

type stubTokenizer struct {
	token string
	err   error
}

func (s *stubTokenizer) Tokenize(ctx context.Context, req TokenizationRequest) (string, error) {
	return s.token, s.err
}

type stubReverser struct {
	err error

	mu       sync.Mutex
	requests []ReversalRequest
}

func (s *stubReverser) Reverse(ctx context.Context, req ReversalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.err
}

func (s *stubReverser) calls() []ReversalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReversalRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// recorder collects events emitted synchronously by a Machine.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) statuses() []Status {
	return statusesOf(r.all())
}

func (r *recorder) outcomes() []Event {
	var out []Event
	for _, ev := range r.all() {
		if IsOutcome(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func statusesOf(events []Event) []Status {
	var out []Status
	for _, ev := range events {
		if s, ok := ev.(StatusChanged); ok {
			out = append(out, s.Status)
		}
	}
	return out
}

// collect reads events until done returns true or the timeout elapses.
func collect(t *testing.T, events <-chan Event, done func([]Event) bool) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(3 * time.Second)
	for !done(got) {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", statusesOf(got))
		}
	}
	return got
}

func untilStatus(s Status) func([]Event) bool {
	return func(events []Event) bool {
		if len(events) == 0 {
			return false
		}
		sc, ok := events[len(events)-1].(StatusChanged)
		return ok && sc.Status == s
	}
}

func untilStatusCount(n int) func([]Event) bool {
	return func(events []Event) bool {
		return len(statusesOf(events)) >= n
	}
}

// assertQuiet fails if another event arrives within a short window.
func assertQuiet(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func chipData(cryptogram reader.Cryptogram) reader.TransactionData {
	return reader.TransactionData{
		CardholderName: "DOE/JANE",
		PAN:            "4761739001010119",
		Cryptogram:     cryptogram,
		Tags: map[string]string{
			"4F":   "A0000000031010",
			"50":   "5649534120435245444954",
			"5F24": "301231",
			"9F26": "1122334455667788",
			"9F27": "80",
			"5A":   "4761739001010119",
		},
	}
}

func swipeData() reader.SwipeData {
	return reader.SwipeData{
		CardholderName: "DOE/JOHN",
		PAN:            "4111111111111111",
		ExpiryDate:     "3012",
		Attributes:     map[string]string{"serviceCode": "201"},
	}
}

func validInfo() TransactionInfo {
	return TransactionInfo{Amount: amount("10.00"), Currency: "USD", AccountID: 42}
}
