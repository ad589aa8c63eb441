package emv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// ErrNotConnectedTimeout is returned by Connect when no reader became ready
// within the connect timeout.
var ErrNotConnectedTimeout = errors.New("no card reader detected before timeout")

// LifecycleManager owns the reader handle: discovery, one-time provisioning
// and release.
type LifecycleManager struct {
	transport reader.Transport
	store     FingerprintStore
	prompter  Prompter
	clock     reader.Clock
	cfg       Config
	logger    *slog.Logger

	mu          sync.Mutex
	ch          reader.Channel
	configured  bool
	calibration reader.Calibration
}

// NewLifecycleManager creates a manager connecting through transport. A nil
// store keeps fingerprints in memory; a nil clock uses the wall clock.
func NewLifecycleManager(cfg Config, transport reader.Transport, store FingerprintStore, prompter Prompter, clock reader.Clock, logger *slog.Logger) *LifecycleManager {
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = reader.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleManager{
		transport: transport,
		store:     store,
		prompter:  prompter,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "lifecycle")),
	}
}

// Current returns the connected channel, or nil. A channel whose device has
// gone away is released first.
func (m *LifecycleManager) Current() reader.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *LifecycleManager) currentLocked() reader.Channel {
	if m.ch == nil {
		return nil
	}
	select {
	case <-m.ch.Disconnected():
		m.logger.Info("reader disconnected", "serial", m.ch.Info().SerialNumber)
		m.ch.Close()
		m.ch = nil
		m.configured = false
		return nil
	default:
		return m.ch
	}
}

// Connect returns the connected reader, discovering one if needed. Discovery
// retries until ConnectTimeout elapses, then fails with
// ErrNotConnectedTimeout. report receives SearchingForReader and Connected.
func (m *LifecycleManager) Connect(ctx context.Context, report func(Status)) (reader.Channel, error) {
	if report == nil {
		report = func(Status) {}
	}

	m.mu.Lock()
	if ch := m.currentLocked(); ch != nil {
		m.mu.Unlock()
		return ch, nil
	}
	calibration := m.calibration
	m.mu.Unlock()

	report(StatusSearchingForReader)

	timer := m.clock.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	expired := make(chan struct{})
	go func() {
		select {
		case <-timer.C():
			close(expired)
			cancel()
		case <-connectCtx.Done():
		}
	}()

	for {
		ch, err := m.transport.Connect(connectCtx, calibration)
		if err == nil {
			m.mu.Lock()
			m.ch = ch
			m.configured = false
			m.mu.Unlock()

			info := ch.Info()
			m.logger.Info("reader connected", "serial", info.SerialNumber, "model", info.Model, "transport", info.Transport)
			report(StatusConnected)
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Debug("reader discovery failed", "err", err)

		select {
		case <-expired:
			m.logger.Warn("reader discovery timed out", "timeout", m.cfg.ConnectTimeout)
			return nil, ErrNotConnectedTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(m.cfg.ConnectRetryDelay):
		}
	}
}

// EnsureConfigured provisions the connected reader unless it was already
// provisioned on this connection. A reader whose fingerprint is cached is
// only provisioned again if the prompter confirms a reset; otherwise only
// the DOL setup is sent. The fingerprint is stored after the whole sequence
// succeeded.
func (m *LifecycleManager) EnsureConfigured(ctx context.Context, report func(Status)) error {
	if report == nil {
		report = func(Status) {}
	}

	m.mu.Lock()
	ch, configured := m.currentLocked(), m.configured
	m.mu.Unlock()

	if ch == nil {
		return reader.NewNotConnectedError("EnsureConfigured", nil)
	}
	if configured {
		return nil
	}

	report(StatusCheckingReader)

	info := ch.Info()
	fp := Fingerprint(info.SerialNumber, m.cfg.Terminal)
	cached, err := m.store.Contains(ctx, fp)
	if err != nil {
		m.logger.Warn("fingerprint lookup failed, provisioning reader", "serial", info.SerialNumber, "err", err)
		cached = false
	}

	full := true
	if cached {
		reset := false
		if m.prompter != nil {
			reset, err = m.prompter.ConfirmReaderReset(ctx, info)
			if err != nil {
				return fmt.Errorf("confirm reader reset: %w", err)
			}
		}
		full = reset
		if reset {
			report(StatusConfiguringReader)
		}
	}

	steps := m.cfg.Terminal.dolRequests()
	if full {
		steps, err = m.fullSequence()
		if err != nil {
			return err
		}
	}

	m.logger.Info("configuring reader", "serial", info.SerialNumber, "full", full, "commands", len(steps))
	for _, req := range steps {
		if err := m.configure(ctx, ch, req); err != nil {
			return err
		}
	}

	if full {
		if err := m.store.Add(ctx, info.SerialNumber, fp); err != nil {
			m.logger.Warn("storing fingerprint failed", "serial", info.SerialNumber, "err", err)
		}
	}

	m.mu.Lock()
	if m.ch == ch {
		m.configured = true
	}
	m.mu.Unlock()
	return nil
}

func (m *LifecycleManager) fullSequence() ([]reader.Request, error) {
	aids, err := m.cfg.Terminal.submitAIDsRequest()
	if err != nil {
		return nil, err
	}
	steps := []reader.Request{
		{Command: reader.CmdClearAIDs},
		{Command: reader.CmdClearPublicKeys},
		aids,
	}
	steps = append(steps, m.cfg.Terminal.submitPublicKeyRequests()...)
	steps = append(steps, m.cfg.Terminal.dolRequests()...)
	return steps, nil
}

// configure sends one configuration command, re-issuing it on command-level
// failures up to ConfigureRetries times. A lost device is not retried.
func (m *LifecycleManager) configure(ctx context.Context, ch reader.Channel, req reader.Request) error {
	var final error
	op := func() error {
		_, err := reader.Do(ctx, ch, req, nil)
		if err == nil {
			return nil
		}
		if reader.IsNotConnectedError(err) || ctx.Err() != nil {
			final = err
			return nil
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.logger.Warn("configuration command failed, retrying", "command", req.Command, "err", err, "next", next)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ConfigureRetryDelay), uint64(m.cfg.ConfigureRetries-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}
	return final
}

// Do runs a single command on the connected reader.
func (m *LifecycleManager) Do(ctx context.Context, req reader.Request, progress func(reader.Progress)) (*reader.Response, error) {
	ch := m.Current()
	if ch == nil {
		return nil, reader.NewNotConnectedError(req.Command.String(), nil)
	}
	return reader.Do(ctx, ch, req, progress)
}

// SetCalibration stores calibration values used by the next connect.
func (m *LifecycleManager) SetCalibration(c reader.Calibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibration = c
}

// Calibration returns the stored calibration values.
func (m *LifecycleManager) Calibration() reader.Calibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(reader.Calibration, len(m.calibration))
	for k, v := range m.calibration {
		out[k] = v
	}
	return out
}

// ClearFingerprints empties the fingerprint cache. The connected reader is
// provisioned again on its next session.
func (m *LifecycleManager) ClearFingerprints(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.configured = false
	m.mu.Unlock()
	return nil
}

// Release cancels the in-flight command and closes the reader. It is safe to
// call when nothing is connected.
func (m *LifecycleManager) Release() {
	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.configured = false
	m.mu.Unlock()

	if ch == nil {
		return
	}
	ch.CancelInFlight()
	if err := ch.Close(); err != nil {
		m.logger.Debug("closing reader", "err", err)
	}
	m.logger.Info("reader released", "serial", ch.Info().SerialNumber)
}
