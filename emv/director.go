package emv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// ErrSessionActive is returned when a request arrives while a session or a
// reader command is already running.
var ErrSessionActive = errors.New("a reader session is already active")

const (
	eventBuffer = 64

	// stoppedSendTimeout bounds how long Stop waits for room to report
	// Stopped when the consumer lags.
	stoppedSendTimeout = time.Second
)

// Director is the entry point for card sessions. It connects and provisions
// the reader, runs attempts one after another and applies the restart
// policy. All outcomes and statuses are delivered on Events.
type Director struct {
	cfg       Config
	lifecycle *LifecycleManager
	machine   *Machine
	logger    *slog.Logger
	events    chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	mode   Mode

	// out-of-session command in flight
	cmdCancel context.CancelFunc
	cmdDone   chan struct{}
}

// NewDirector creates a Director. cfg is read once and never changes for the
// lifetime of the Director.
func NewDirector(cfg Config, lifecycle *LifecycleManager, collab Collaborators, logger *slog.Logger) *Director {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Director{
		cfg:       cfg,
		lifecycle: lifecycle,
		machine:   NewMachine(cfg, collab, logger),
		logger:    logger.With(slog.String("component", "director")),
		events:    make(chan Event, eventBuffer),
	}
}

// Events returns the event stream. It is never closed.
func (d *Director) Events() <-chan Event {
	return d.events
}

// StartReading starts a session that reports card data without moving money.
func (d *Director) StartReading(ctx context.Context) error {
	return d.start(ctx, ModeReading)
}

// StartTokenizing starts a session that tokenizes swipes and authorizes dips.
func (d *Director) StartTokenizing(ctx context.Context) error {
	return d.start(ctx, ModeTokenizing)
}

// Active reports whether a session is running and in which mode.
func (d *Director) Active() (Mode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeLocked() {
		return d.mode, true
	}
	return 0, false
}

func (d *Director) activeLocked() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *Director) start(ctx context.Context, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.activeLocked() || d.cmdDone != nil {
		return ErrSessionActive
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	d.mode = mode

	d.logger.Info("session starting", "mode", mode)
	go d.session(sessionCtx, mode, done)
	return nil
}

func (d *Director) session(ctx context.Context, mode Mode, done chan struct{}) {
	defer close(done)

	emit := func(ev Event) {
		select {
		case d.events <- ev:
		case <-ctx.Done():
		}
	}
	report := func(s Status) {
		emit(StatusChanged{Status: s})
	}

	ch, err := d.lifecycle.Connect(ctx, report)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("no reader available", "err", err)
		report(StatusNotConnected)
		report(StatusStopped)
		return
	}

	if err := d.lifecycle.EnsureConfigured(ctx, report); err != nil {
		if ctx.Err() != nil {
			return
		}
		e := Classify(err)
		d.logger.Error("reader configuration failed", "err", e)
		d.lifecycle.Release()
		if IsReactable(e) {
			emit(CardReadFailed{Err: e})
		} else {
			report(StatusNotConnected)
		}
		report(StatusStopped)
		return
	}

	for {
		res := d.machine.Run(ctx, ch, mode, emit)
		if res.Halted {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("reader lost, ending session", "attempt", res.ID)
			d.lifecycle.Release()
			report(StatusNotConnected)
			report(StatusStopped)
			return
		}

		if ShouldRestart(res.Err, res.Method, d.cfg.Restart) {
			d.logger.Debug("restarting", "attempt", res.ID, "method", res.Method, "err", res.Err)
			continue
		}

		d.logger.Info("session finished", "attempt", res.ID, "method", res.Method, "err", res.Err)
		if d.cfg.Restart.StopAfterOperation {
			d.lifecycle.Release()
		}
		report(StatusStopped)
		return
	}
}

// Stop cancels the running session, if any, sends TransactionStop, releases
// the reader and reports Stopped. With nothing running no command is sent;
// an idle reader is released and Stopped is still reported.
func (d *Director) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	active := d.activeLocked()
	d.cancel, d.done = nil, nil
	cmdCancel, cmdDone := d.cmdCancel, d.cmdDone
	d.mu.Unlock()

	if cmdCancel != nil {
		cmdCancel()
		<-cmdDone
	}
	if cancel != nil {
		cancel()
		<-done
	}

	if active {
		if ch := d.lifecycle.Current(); ch != nil {
			ctx, cancelStop := context.WithTimeout(context.Background(), d.cfg.StopTimeout)
			if _, err := reader.Do(ctx, ch, reader.Request{Command: reader.CmdTransactionStop}, nil); err != nil {
				d.logger.Debug("transaction stop on cancel failed", "err", err)
			}
			cancelStop()
		}
		d.logger.Info("session stopped")
	}
	d.lifecycle.Release()

	timer := time.NewTimer(stoppedSendTimeout)
	defer timer.Stop()
	select {
	case d.events <- StatusChanged{Status: StatusStopped}:
	case <-timer.C:
		d.logger.Warn("event consumer stalled, dropping Stopped")
	}
}

// Close stops any session and waits for outstanding reversals.
func (d *Director) Close() {
	d.Stop()
	d.machine.WaitReversals()
}

// BatteryLevel returns the reader battery charge in percent, connecting to
// the reader if needed.
func (d *Director) BatteryLevel(ctx context.Context) (int, error) {
	resp, err := d.command(ctx, reader.Request{Command: reader.CmdBatteryLevel})
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(resp.Values["level"])
	if err != nil {
		return 0, Classify(reader.NewMalformedResponseError("BatteryLevel", fmt.Sprintf("bad level %q", resp.Values["level"])))
	}
	return level, nil
}

// Calibrate runs the reader calibration and keeps the resulting values for
// future connects.
func (d *Director) Calibrate(ctx context.Context) (reader.Calibration, error) {
	resp, err := d.command(ctx, reader.Request{Command: reader.CmdCalibrate})
	if err != nil {
		return nil, err
	}
	cal := make(reader.Calibration, len(resp.Values))
	for k, v := range resp.Values {
		cal[k] = v
	}
	d.lifecycle.SetCalibration(cal)
	d.logger.Info("reader calibrated", "values", len(cal))
	return cal, nil
}

// ClearFingerprints forgets every provisioned reader.
func (d *Director) ClearFingerprints(ctx context.Context) error {
	return d.lifecycle.ClearFingerprints(ctx)
}

// ReversalFailures counts reversals that could not be delivered. Each one is
// an unreconciled authorization.
func (d *Director) ReversalFailures() int64 {
	return d.machine.ReversalFailures()
}

// command runs a single out-of-session command. While it runs no session or
// other command can start, and Stop cancels it.
func (d *Director) command(ctx context.Context, req reader.Request) (*reader.Response, error) {
	d.mu.Lock()
	if d.activeLocked() || d.cmdDone != nil {
		d.mu.Unlock()
		return nil, ErrSessionActive
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cmdCancel, d.cmdDone = cancel, done
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		if d.cmdDone == done {
			d.cmdCancel, d.cmdDone = nil, nil
		}
		d.mu.Unlock()
		close(done)
	}()

	if _, err := d.lifecycle.Connect(ctx, nil); err != nil {
		if errors.Is(err, ErrNotConnectedTimeout) {
			return nil, with(ErrNotConnected, err)
		}
		return nil, Classify(err)
	}
	resp, err := d.lifecycle.Do(ctx, req, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return resp, nil
}
