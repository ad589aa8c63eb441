package reader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_ForwardsProgressInOrder(t *testing.T) {
	ch := NewMockChannel("SN-1")
	ch.Handle(CmdStartTransaction, Reply(
		ProgressMsg(ProgressInsertCard),
		ProgressMsg(ProgressCardInserted),
		ResponseMsg(Response{Cryptogram: CryptogramARQC}),
	))

	var seen []Progress
	resp, err := Do(context.Background(), ch, Request{Command: CmdStartTransaction}, func(p Progress) {
		seen = append(seen, p)
	})

	require.NoError(t, err)
	assert.Equal(t, CryptogramARQC, resp.Cryptogram)
	assert.Equal(t, []Progress{ProgressInsertCard, ProgressCardInserted}, seen)
}

func TestDo_ReturnsDeviceError(t *testing.T) {
	ch := NewMockChannel("SN-1")
	devErr := NewCommandError("ClearAIDs", "0x0A", "")
	ch.Handle(CmdClearAIDs, Reply(ErrorMsg(devErr)))

	_, err := Do(context.Background(), ch, Request{Command: CmdClearAIDs}, nil)

	require.Error(t, err)
	assert.Equal(t, ErrCodeCommandFailed, GetErrorCode(err))
}

func TestDo_CancelCancelsInFlight(t *testing.T) {
	ch := NewMockChannel("SN-1")
	ch.Handle(CmdStartTransaction, Hang(ProgressMsg(ProgressInsertCard)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, ch, Request{Command: CmdStartTransaction}, func(Progress) { cancel() })
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	assert.Contains(t, ch.GetCallLog(), "CancelInFlight")
}

func TestDo_Disconnect(t *testing.T) {
	ch := NewMockChannel("SN-1")
	ch.Handle(CmdStartTransaction, Hang())

	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), ch, Request{Command: CmdStartTransaction}, nil)
		done <- err
	}()
	ch.Disconnect()

	select {
	case err := <-done:
		assert.True(t, IsNotConnectedError(err))
	case <-time.After(time.Second):
		t.Fatal("Do did not return after disconnect")
	}
}

func TestCommandNames(t *testing.T) {
	for cmd, name := range commandNames {
		parsed, ok := ParseCommand(name)
		require.True(t, ok, name)
		assert.Equal(t, cmd, parsed)
		assert.Equal(t, name, cmd.String())
	}
	_, ok := ParseCommand("Reboot")
	assert.False(t, ok)
}
