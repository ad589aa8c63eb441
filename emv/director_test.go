package emv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

type directorHarness struct {
	ch        *reader.MockChannel
	transport *reader.MockTransport
	store     *MemoryStore
	director  *Director
}

func newDirectorHarness(t *testing.T, restart RestartConfig, collab Collaborators) *directorHarness {
	t.Helper()
	ch := reader.NewMockChannel("SN-1")
	transport := &reader.MockTransport{Channel: ch}
	store := NewMemoryStore()
	cfg := testConfig(restart)
	lifecycle := NewLifecycleManager(cfg, transport, store, collab.Prompter, nil, testLogger)
	d := NewDirector(cfg, lifecycle, collab, testLogger)
	t.Cleanup(d.Close)
	return &directorHarness{ch: ch, transport: transport, store: store, director: d}
}

func dipReadFailure() reader.ReplyFunc {
	return reader.Reply(
		reader.ProgressMsg(reader.ProgressInsertCard),
		reader.ProgressMsg(reader.ProgressCardInserted),
		reader.ErrorMsg(reader.Errorf(reader.ErrCodeStatus, "StartTransaction", "chip status 6985")),
	)
}

func swipeSuccess() reader.ReplyFunc {
	sd := swipeData()
	return reader.Reply(
		reader.ProgressMsg(reader.ProgressInsertCard),
		reader.ProgressMsg(reader.ProgressSwipeDetected),
		reader.ResponseMsg(reader.Response{Swipe: &sd}),
	)
}

func TestDirector_StopWithoutSessionIsIdempotent(t *testing.T) {
	transport := &reader.MockTransport{}
	lifecycle := NewLifecycleManager(testConfig(RestartConfig{}), transport, nil, nil, nil, testLogger)
	d := NewDirector(testConfig(RestartConfig{}), lifecycle, Collaborators{}, testLogger)

	d.Stop()

	events := collect(t, d.Events(), untilStatus(StatusStopped))
	assert.Equal(t, []Status{StatusStopped}, statusesOf(events))
	assertQuiet(t, d.Events())
	assert.Empty(t, transport.GetCallLog())
}

func TestDirector_RestartMatrix_DipReadFailure(t *testing.T) {
	t.Run("restart after other errors", func(t *testing.T) {
		h := newDirectorHarness(t, RestartConfig{RestartAfterOtherErrors: true}, Collaborators{})
		h.ch.Handle(reader.CmdStartTransaction, dipReadFailure())

		require.NoError(t, h.director.StartReading(context.Background()))
		events := collect(t, h.director.Events(), untilStatusCount(8))
		h.director.Stop()

		assert.Equal(t, []Status{
			StatusSearchingForReader,
			StatusConnected,
			StatusCheckingReader,
			StatusWaitingForCard,
			StatusCardDipped,
			StatusWaitingForCard,
			StatusCardDipped,
			StatusWaitingForCard,
		}, statusesOf(events)[:8])
	})

	t.Run("stop after other errors", func(t *testing.T) {
		h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
		h.ch.Handle(reader.CmdStartTransaction, dipReadFailure())

		require.NoError(t, h.director.StartReading(context.Background()))
		events := collect(t, h.director.Events(), untilStatus(StatusStopped))

		assert.Equal(t, []Status{
			StatusSearchingForReader,
			StatusConnected,
			StatusCheckingReader,
			StatusWaitingForCard,
			StatusCardDipped,
			StatusStopped,
		}, statusesOf(events))
		assertQuiet(t, h.director.Events())

		var failures int
		for _, ev := range events {
			if f, ok := ev.(CardReadFailed); ok {
				failures++
				assert.Equal(t, CodeStatusError, f.Err.Code)
			}
		}
		assert.Equal(t, 1, failures)
	})
}

func TestDirector_RestartMatrix_SwipeSuccess(t *testing.T) {
	t.Run("restart after success", func(t *testing.T) {
		h := newDirectorHarness(t, RestartConfig{RestartAfterSuccess: true}, Collaborators{})
		h.ch.Handle(reader.CmdStartTransaction, swipeSuccess())

		require.NoError(t, h.director.StartReading(context.Background()))
		events := collect(t, h.director.Events(), untilStatusCount(6))
		h.director.Stop()

		assert.Equal(t, []Status{
			StatusSearchingForReader,
			StatusConnected,
			StatusCheckingReader,
			StatusWaitingForCard,
			StatusSwipeDetected,
			StatusWaitingForCard,
		}, statusesOf(events)[:6])
	})

	t.Run("stop after success", func(t *testing.T) {
		h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
		h.ch.Handle(reader.CmdStartTransaction, swipeSuccess())

		require.NoError(t, h.director.StartReading(context.Background()))
		events := collect(t, h.director.Events(), untilStatus(StatusStopped))

		assert.Equal(t, []Status{
			StatusSearchingForReader,
			StatusConnected,
			StatusCheckingReader,
			StatusWaitingForCard,
			StatusSwipeDetected,
			StatusStopped,
		}, statusesOf(events))

		var reads int
		for _, ev := range events {
			if _, ok := ev.(CardRead); ok {
				reads++
			}
		}
		assert.Equal(t, 1, reads)
	})
}

func TestDirector_ConfigIdempotence(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	h.ch.Handle(reader.CmdStartTransaction, swipeSuccess())

	for i := 0; i < 2; i++ {
		require.NoError(t, h.director.StartReading(context.Background()))
		collect(t, h.director.Events(), untilStatus(StatusStopped))
		require.Eventually(t, func() bool {
			_, active := h.director.Active()
			return !active
		}, time.Second, time.Millisecond)
	}

	assert.Equal(t, 1, h.ch.Count(reader.CmdClearAIDs))
	assert.Equal(t, 1, h.ch.Count(reader.CmdSubmitAIDs))
	assert.Equal(t, 2, h.ch.Count(reader.CmdSubmitPublicKey))
	assert.Equal(t, 1, h.ch.Count(reader.CmdSetExpectedDOLs))
	assert.Equal(t, 2, h.ch.Count(reader.CmdStartTransaction))
	assert.Equal(t, 2, h.ch.Count(reader.CmdTransactionStop))
	assert.Equal(t, []string{"Connect"}, h.transport.GetCallLog())
}

func TestDirector_SecondSessionSkipsConnectStatuses(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	h.ch.Handle(reader.CmdStartTransaction, swipeSuccess())

	require.NoError(t, h.director.StartReading(context.Background()))
	collect(t, h.director.Events(), untilStatus(StatusStopped))
	require.Eventually(t, func() bool {
		_, active := h.director.Active()
		return !active
	}, time.Second, time.Millisecond)

	require.NoError(t, h.director.StartReading(context.Background()))
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))
	assert.Equal(t, []Status{StatusWaitingForCard, StatusSwipeDetected, StatusStopped}, statusesOf(events))
}

func TestDirector_StopAfterOperationReleasesReader(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{StopAfterOperation: true}, Collaborators{})
	h.ch.Handle(reader.CmdStartTransaction, swipeSuccess())

	require.NoError(t, h.director.StartReading(context.Background()))
	collect(t, h.director.Events(), untilStatus(StatusStopped))
	require.Eventually(t, h.ch.IsClosed, time.Second, time.Millisecond)
}

func TestDirector_StopCancelsInFlightCommand(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	h.ch.Handle(reader.CmdStartTransaction, reader.Hang(reader.ProgressMsg(reader.ProgressInsertCard)))

	require.NoError(t, h.director.StartReading(context.Background()))
	collect(t, h.director.Events(), untilStatus(StatusWaitingForCard))

	h.director.Stop()
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))
	assert.Equal(t, []Status{StatusStopped}, statusesOf(events))
	assertQuiet(t, h.director.Events())

	log := h.ch.GetCallLog()
	assert.Contains(t, log, "CancelInFlight")
	assert.Equal(t, 1, h.ch.Count(reader.CmdTransactionStop))
	assert.True(t, h.ch.IsClosed())

	_, active := h.director.Active()
	assert.False(t, active)
}

func TestDirector_RejectsConcurrentSession(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	h.ch.Handle(reader.CmdStartTransaction, reader.Hang())

	require.NoError(t, h.director.StartReading(context.Background()))
	assert.ErrorIs(t, h.director.StartTokenizing(context.Background()), ErrSessionActive)

	_, err := h.director.BatteryLevel(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)

	mode, active := h.director.Active()
	assert.True(t, active)
	assert.Equal(t, ModeReading, mode)
}

func TestDirector_ReaderNotFound(t *testing.T) {
	transport := &reader.MockTransport{ConnectError: reader.NewNotConnectedError("Connect", nil)}
	cfg := testConfig(RestartConfig{})
	cfg.ConnectTimeout = 50 * time.Millisecond
	lifecycle := NewLifecycleManager(cfg, transport, nil, nil, nil, testLogger)
	d := NewDirector(cfg, lifecycle, Collaborators{}, testLogger)

	require.NoError(t, d.StartReading(context.Background()))
	events := collect(t, d.Events(), untilStatus(StatusStopped))
	assert.Equal(t, []Status{StatusSearchingForReader, StatusNotConnected, StatusStopped}, statusesOf(events))
}

func TestDirector_ReaderLostMidTransaction(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{RestartAfterOtherErrors: true, RestartAfterGeneralError: true}, Collaborators{})
	h.ch.Handle(reader.CmdStartTransaction, func(ctx context.Context, req reader.Request, out chan<- reader.Message) {
		reader.Emit(ctx, out, reader.ProgressMsg(reader.ProgressInsertCard))
		h.ch.Disconnect()
		<-ctx.Done()
	})

	require.NoError(t, h.director.StartReading(context.Background()))
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))

	statuses := statusesOf(events)
	assert.Equal(t, []Status{StatusNotConnected, StatusStopped}, statuses[len(statuses)-2:])
	for _, ev := range events {
		assert.False(t, IsOutcome(ev), "a lost reader is not reported as an outcome: %#v", ev)
	}
	assert.Zero(t, h.ch.Count(reader.CmdTransactionStop))
}

func TestDirector_ValidationFailureEndsSession(t *testing.T) {
	prompter := &stubPrompter{infos: []TransactionInfo{
		{Amount: amount("0.90"), Currency: "USD", AccountID: 1},
		validInfo(),
	}}
	tokenizer := &stubTokenizer{token: "tok_9"}
	h := newDirectorHarness(t, RestartConfig{RestartAfterOtherErrors: true, RestartAfterGeneralError: true}, Collaborators{Prompter: prompter, Tokenizer: tokenizer})
	h.ch.Handle(reader.CmdStartTransaction, swipeSuccess())

	require.NoError(t, h.director.StartTokenizing(context.Background()))
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))

	var outcomes []Event
	for _, ev := range events {
		if IsOutcome(ev) {
			outcomes = append(outcomes, ev)
		}
	}
	require.Len(t, outcomes, 1)
	failed, ok := outcomes[0].(CardReadFailed)
	require.True(t, ok)
	assert.True(t, failed.Err.Equal(ErrInvalidTransactionInfo))
	assertQuiet(t, h.director.Events())

	_, _, infos := prompter.calls()
	assert.Equal(t, 1, infos, "invalid input is not asked for again")
	assert.Zero(t, h.ch.Count(reader.CmdStartTransaction))

	_, active := h.director.Active()
	assert.False(t, active)
}

func TestDirector_UnavailableInputEndsSession(t *testing.T) {
	// no queued infos: every TransactionInfo call fails
	prompter := &stubPrompter{}
	h := newDirectorHarness(t, RestartConfig{RestartAfterOtherErrors: true, RestartAfterGeneralError: true}, Collaborators{Prompter: prompter})

	require.NoError(t, h.director.StartTokenizing(context.Background()))
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))

	var failures []CardReadFailed
	for _, ev := range events {
		if f, ok := ev.(CardReadFailed); ok {
			failures = append(failures, f)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, CodeInputUnavailable, failures[0].Err.Code)
	assert.NotEqual(t, CategoryValidation, failures[0].Err.Category)
	assertQuiet(t, h.director.Events())

	_, _, infos := prompter.calls()
	assert.Equal(t, 1, infos)
	assert.Zero(t, h.ch.Count(reader.CmdStartTransaction))
}

func TestDirector_StopInterruptsReaderCommand(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	h.ch.Handle(reader.CmdBatteryLevel, reader.Hang())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := h.director.BatteryLevel(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.ch.Count(reader.CmdBatteryLevel) == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.director.StartReading(context.Background()), ErrSessionActive)
	_, err := h.director.Calibrate(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)

	began := time.Now()
	h.director.Stop()
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("battery command did not return after Stop")
	}
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))
	assert.Equal(t, []Status{StatusStopped}, statusesOf(events))
	assert.Contains(t, h.ch.GetCallLog(), "CancelInFlight")
	assert.Zero(t, h.ch.Count(reader.CmdTransactionStop))

	// the director is usable again once the reader is back
	next := reader.NewMockChannel("SN-1")
	next.Handle(reader.CmdBatteryLevel, reader.Reply(reader.ResponseMsg(reader.Response{Values: map[string]string{"level": "50"}})))
	h.transport.Channel = next
	level, err := h.director.BatteryLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, level)
}

func TestDirector_StopWaitsForLaggingConsumer(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	for i := 0; i < eventBuffer; i++ {
		h.director.events <- StatusChanged{Status: StatusWaitingForCard}
	}

	stopped := make(chan struct{})
	go func() {
		h.director.Stop()
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < eventBuffer; i++ {
		<-h.director.Events()
	}
	select {
	case ev := <-h.director.Events():
		assert.Equal(t, StatusChanged{Status: StatusStopped}, ev)
	case <-time.After(time.Second):
		t.Fatal("Stopped was dropped")
	}
	<-stopped
}

func TestDirector_BatteryAndCalibrate(t *testing.T) {
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{})
	h.ch.Handle(reader.CmdBatteryLevel, reader.Reply(reader.ResponseMsg(reader.Response{Values: map[string]string{"level": "87"}})))
	h.ch.Handle(reader.CmdCalibrate, reader.Reply(reader.ResponseMsg(reader.Response{Values: map[string]string{"gain": "12", "threshold": "40"}})))

	level, err := h.director.BatteryLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 87, level)

	cal, err := h.director.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reader.Calibration{"gain": "12", "threshold": "40"}, cal)
	assert.Equal(t, cal, h.director.lifecycle.Calibration())

	assert.Equal(t, []string{"Connect"}, h.transport.GetCallLog())
}

func TestDirector_ReversalFailuresAreExposed(t *testing.T) {
	prompter := &stubPrompter{infos: []TransactionInfo{validInfo()}}
	authorizer := &stubAuthorizer{result: AuthorizationResult{ResponseCode: "00", CreditCardID: "cc-5"}}
	reverser := &stubReverser{err: context.DeadlineExceeded}
	h := newDirectorHarness(t, RestartConfig{}, Collaborators{Prompter: prompter, Authorizer: authorizer, Reverser: reverser})

	td := chipData(reader.CryptogramARQC)
	h.ch.Handle(reader.CmdStartTransaction, reader.Reply(
		reader.ProgressMsg(reader.ProgressCardInserted),
		reader.ResponseMsg(reader.Response{TransactionData: &td}),
	))
	h.ch.Handle(reader.CmdCompleteTransaction, reader.Reply(reader.ResponseMsg(reader.Response{Cryptogram: reader.CryptogramAAC})))

	require.NoError(t, h.director.StartTokenizing(context.Background()))
	events := collect(t, h.director.Events(), untilStatus(StatusStopped))

	var failed *AuthorizationFailed
	for _, ev := range events {
		if f, ok := ev.(AuthorizationFailed); ok {
			failed = &f
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, CodeDeclinedByCard, failed.Err.Code)

	require.Eventually(t, func() bool { return h.director.ReversalFailures() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, reverser.calls(), 1)
}
