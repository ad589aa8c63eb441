package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MultiTransport aggregates several transports and connects through whichever
// produces a ready reader first.
type MultiTransport struct {
	transports []Transport
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewMultiTransport creates a MultiTransport over the given transports.
// Nil entries and duplicate names are skipped.
//
// Example:
//
//	mt := reader.NewMultiTransport(logger,
//	    remote.NewTransport(remote.Config{URL: "ws://10.0.0.7:9100/reader"}),
//	    remote.NewTransport(remote.Config{Name: "mdns"}),
//	)
func NewMultiTransport(logger *slog.Logger, transports ...Transport) *MultiTransport {
	if logger == nil {
		logger = slog.Default()
	}
	mt := &MultiTransport{logger: logger.With(slog.String("component", "multi"))}
	for _, t := range transports {
		if err := mt.Add(t); err != nil {
			mt.logger.Warn("skipping transport", "err", err)
		}
	}
	return mt
}

// Add registers another transport.
func (mt *MultiTransport) Add(t Transport) error {
	if t == nil {
		return fmt.Errorf("transport cannot be nil")
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, existing := range mt.transports {
		if existing.Name() == t.Name() {
			return fmt.Errorf("transport %q already registered", t.Name())
		}
	}
	mt.transports = append(mt.transports, t)
	mt.logger.Debug("transport registered", "transport", t.Name())
	return nil
}

// Remove unregisters a transport by name.
func (mt *MultiTransport) Remove(name string) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for i, t := range mt.transports {
		if t.Name() == name {
			mt.transports = append(mt.transports[:i], mt.transports[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("transport not found: %s", name)
}

// Names lists the registered transports in registration order.
func (mt *MultiTransport) Names() []string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	names := make([]string, len(mt.transports))
	for i, t := range mt.transports {
		names[i] = t.Name()
	}
	return names
}

func (mt *MultiTransport) Name() string {
	return "multi"
}

type connectResult struct {
	name string
	ch   Channel
	err  error
}

// Connect tries every transport concurrently. The first reader to report
// ready wins; the remaining attempts are cancelled and any late winners are
// closed.
func (mt *MultiTransport) Connect(ctx context.Context, calibration Calibration) (Channel, error) {
	mt.mu.RLock()
	transports := make([]Transport, len(mt.transports))
	copy(transports, mt.transports)
	mt.mu.RUnlock()

	if len(transports) == 0 {
		return nil, ErrNoTransports
	}

	ctx, cancel := context.WithCancel(ctx)
	results := make(chan connectResult, len(transports))
	for _, t := range transports {
		go func(t Transport) {
			ch, err := t.Connect(ctx, calibration)
			results <- connectResult{name: t.Name(), ch: ch, err: err}
		}(t)
	}

	var errs []error
	for i := range transports {
		r := <-results
		if r.err != nil {
			mt.logger.Debug("transport failed", "transport", r.name, "err", r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		cancel()
		mt.logger.Info("reader connected", "transport", r.name, "serial", r.ch.Info().SerialNumber)
		go mt.drain(results, len(transports)-i-1)
		return r.ch, nil
	}
	cancel()
	return nil, NewNotConnectedError("Connect", errors.Join(errs...))
}

func (mt *MultiTransport) drain(results <-chan connectResult, remaining int) {
	for ; remaining > 0; remaining-- {
		r := <-results
		if r.err == nil && r.ch != nil {
			mt.logger.Debug("closing losing reader", "transport", r.name)
			r.ch.Close()
		}
	}
}
