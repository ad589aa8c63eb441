package reader

import (
	"context"
	"fmt"
	"sync"
)

// ReplyFunc scripts the reply stream for one command. It writes messages to
// out using Emit and returns when done; the stream is closed afterwards.
// ctx is cancelled by CancelInFlight.
type ReplyFunc func(ctx context.Context, req Request, out chan<- Message)

// Emit writes msg to out unless ctx is done first.
func Emit(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Reply returns a ReplyFunc that emits the given messages in order.
func Reply(msgs ...Message) ReplyFunc {
	return func(ctx context.Context, _ Request, out chan<- Message) {
		for _, msg := range msgs {
			if !Emit(ctx, out, msg) {
				return
			}
		}
	}
}

// Hang returns a ReplyFunc that emits msgs and then blocks until the command
// is cancelled, like a reader waiting for a card that never arrives.
func Hang(msgs ...Message) ReplyFunc {
	return func(ctx context.Context, req Request, out chan<- Message) {
		Reply(msgs...)(ctx, req, out)
		<-ctx.Done()
	}
}

// ProgressMsg is shorthand for a progress message.
func ProgressMsg(p Progress) Message {
	return Message{Progress: p}
}

// ResponseMsg is shorthand for a final response message.
func ResponseMsg(r Response) Message {
	return Message{Response: &r}
}

// ErrorMsg is shorthand for a final error message.
func ErrorMsg(err error) Message {
	return Message{Err: err}
}

// MockChannel is a scripted Channel for testing without hardware.
//
// Commands without a script reply with an empty Response.
//
// Example:
//
//	ch := reader.NewMockChannel("SN-1")
//	ch.Handle(reader.CmdStartTransaction, reader.Reply(
//	    reader.ProgressMsg(reader.ProgressInsertCard),
//	    reader.ResponseMsg(reader.Response{Swipe: &reader.SwipeData{PAN: "4111111111111111"}}),
//	))
type MockChannel struct {
	DeviceInfo DeviceInfo

	// SendError, if set, is returned by every Send.
	SendError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	scripts      map[Command]ReplyFunc
	requests     []Request
	inflight     context.CancelFunc
	closed       bool
	disconnected chan struct{}
	mu           sync.Mutex
}

// NewMockChannel creates a MockChannel reporting the given serial number.
func NewMockChannel(serial string) *MockChannel {
	return &MockChannel{
		DeviceInfo:   DeviceInfo{SerialNumber: serial, Model: "Mock EMV Reader", Transport: "mock"},
		scripts:      make(map[Command]ReplyFunc),
		disconnected: make(chan struct{}),
	}
}

// Handle sets the reply script for cmd.
func (m *MockChannel) Handle(cmd Command, fn ReplyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[cmd] = fn
}

func (m *MockChannel) Send(ctx context.Context, req Request) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, req.Command.String())
	m.requests = append(m.requests, req)

	if m.closed {
		return nil, ErrClosed
	}
	if m.SendError != nil {
		return nil, m.SendError
	}

	fn, ok := m.scripts[req.Command]
	if !ok {
		fn = Reply(ResponseMsg(Response{}))
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	m.inflight = cancel
	out := make(chan Message)
	go func() {
		defer close(out)
		defer cancel()
		fn(cmdCtx, req, out)
	}()
	return out, nil
}

func (m *MockChannel) CancelInFlight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "CancelInFlight")
	if m.inflight != nil {
		m.inflight()
		m.inflight = nil
	}
}

func (m *MockChannel) Disconnected() <-chan struct{} {
	return m.disconnected
}

// Disconnect simulates the device going away.
func (m *MockChannel) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.disconnected:
	default:
		close(m.disconnected)
	}
}

func (m *MockChannel) Info() DeviceInfo {
	return m.DeviceInfo
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Close")
	if m.closed {
		return fmt.Errorf("channel already closed")
	}
	m.closed = true
	if m.inflight != nil {
		m.inflight()
		m.inflight = nil
	}
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GetCallLog returns a copy of the call log for verification.
func (m *MockChannel) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	logCopy := make([]string, len(m.CallLog))
	copy(logCopy, m.CallLog)
	return logCopy
}

// Count returns how many times cmd was sent.
func (m *MockChannel) Count(cmd Command) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

// Requests returns a copy of every request sent for cmd.
func (m *MockChannel) Requests(cmd Command) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.requests {
		if r.Command == cmd {
			out = append(out, r)
		}
	}
	return out
}

// ClearCallLog clears the call log.
func (m *MockChannel) ClearCallLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = nil
	m.requests = nil
}

// MockTransport is a test Transport that hands out a fixed channel.
type MockTransport struct {
	TransportName string

	// Channel is returned by Connect when ConnectError is nil.
	Channel Channel

	// ConnectError, if set, is returned by Connect.
	ConnectError error

	// Block makes Connect wait until its context is cancelled.
	Block bool

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	mu sync.Mutex
}

func (t *MockTransport) Name() string {
	if t.TransportName == "" {
		return "mock"
	}
	return t.TransportName
}

func (t *MockTransport) Connect(ctx context.Context, _ Calibration) (Channel, error) {
	t.mu.Lock()
	t.CallLog = append(t.CallLog, "Connect")
	block, ch, err := t.Block, t.Channel, t.ConnectError
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetCallLog returns a copy of the call log for verification.
func (t *MockTransport) GetCallLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	logCopy := make([]string, len(t.CallLog))
	copy(logCopy, t.CallLog)
	return logCopy
}
