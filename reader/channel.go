// Package reader defines the command/response channel to an attached card
// reader and the transports used to discover one.
package reader

import (
	"context"
	"fmt"
)

// Command identifies a single reader command.
type Command int

const (
	CmdStartTransaction Command = iota + 1
	CmdFinalApplicationSelection
	CmdCompleteTransaction
	CmdTransactionStop
	CmdClearAIDs
	CmdClearPublicKeys
	CmdSubmitAIDs
	CmdSubmitPublicKey
	CmdConfigureAmountDOL
	CmdConfigureOnlineDOL
	CmdConfigureResponseDOL
	CmdConfigureUserInterfaceOptions
	CmdSetExpectedDOLs
	CmdBatteryLevel
	CmdCalibrate
)

var commandNames = map[Command]string{
	CmdStartTransaction:              "StartTransaction",
	CmdFinalApplicationSelection:     "FinalApplicationSelection",
	CmdCompleteTransaction:           "CompleteTransaction",
	CmdTransactionStop:               "TransactionStop",
	CmdClearAIDs:                     "ClearAIDs",
	CmdClearPublicKeys:               "ClearPublicKeys",
	CmdSubmitAIDs:                    "SubmitAIDs",
	CmdSubmitPublicKey:               "SubmitPublicKey",
	CmdConfigureAmountDOL:            "ConfigureAmountDOL",
	CmdConfigureOnlineDOL:            "ConfigureOnlineDOL",
	CmdConfigureResponseDOL:          "ConfigureResponseDOL",
	CmdConfigureUserInterfaceOptions: "ConfigureUserInterfaceOptions",
	CmdSetExpectedDOLs:               "SetExpectedDOLs",
	CmdBatteryLevel:                  "BatteryLevel",
	CmdCalibrate:                     "Calibrate",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// ParseCommand returns the command with the given name.
func ParseCommand(name string) (Command, bool) {
	for c, n := range commandNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Progress is an intermediate notification emitted while a command runs.
type Progress int

const (
	ProgressInsertCard Progress = iota + 1
	ProgressCardInserted
	ProgressSwipeDetected
	ProgressRemoveCard
	ProgressChipReadError
	ProgressSwipeReadError
	ProgressProcessing
)

var progressNames = map[Progress]string{
	ProgressInsertCard:     "InsertCard",
	ProgressCardInserted:   "CardInserted",
	ProgressSwipeDetected:  "SwipeDetected",
	ProgressRemoveCard:     "RemoveCard",
	ProgressChipReadError:  "ChipReadError",
	ProgressSwipeReadError: "SwipeReadError",
	ProgressProcessing:     "Processing",
}

func (p Progress) String() string {
	if name, ok := progressNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Progress(%d)", int(p))
}

// ParseProgress returns the progress value with the given name.
func ParseProgress(name string) (Progress, bool) {
	for p, n := range progressNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}

// Cryptogram is the application cryptogram type produced by the card.
type Cryptogram string

const (
	CryptogramNone Cryptogram = ""
	CryptogramARQC Cryptogram = "ARQC"
	CryptogramTC   Cryptogram = "TC"
	CryptogramAAC  Cryptogram = "AAC"
)

// Request is a single command with its parameters.
type Request struct {
	Command Command
	Params  map[string]string
}

// Application is a payment application the card and terminal both support.
type Application struct {
	AID   string `json:"aid"`
	Label string `json:"label"`
}

// TransactionData is the chip data returned once an application is selected.
type TransactionData struct {
	CardholderName string            `json:"cardholderName"`
	PAN            string            `json:"pan"`
	Tags           map[string]string `json:"tags"` // hex tag -> hex value
	Cryptogram     Cryptogram        `json:"cryptogram"`
}

// SwipeData is the magnetic stripe data returned for a swipe.
type SwipeData struct {
	CardholderName string            `json:"cardholderName"`
	PAN            string            `json:"pan"`
	ExpiryDate     string            `json:"expiryDate"`
	Attributes     map[string]string `json:"attributes"`
}

// Response is the final reply to a command. Which fields are set depends on
// the command.
type Response struct {
	Applications    []Application     `json:"applications,omitempty"`
	TransactionData *TransactionData  `json:"transactionData,omitempty"`
	Swipe           *SwipeData        `json:"swipe,omitempty"`
	Cryptogram      Cryptogram        `json:"cryptogram,omitempty"`
	Values          map[string]string `json:"values,omitempty"`
}

// Message is one element of a command's reply stream: a progress
// notification, the final response, or an error.
type Message struct {
	Progress Progress
	Response *Response
	Err      error
}

// DeviceInfo describes the connected unit.
type DeviceInfo struct {
	SerialNumber    string `json:"serialNumber"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmwareVersion"`
	Transport       string `json:"transport"`
}

// Calibration holds transport tuning parameters obtained from a Calibrate command.
type Calibration map[string]string

// Channel is an asynchronous command/response connection to one reader.
// At most one command may be outstanding; Send returns ErrBusy otherwise.
// The returned stream is closed after a final response or error.
type Channel interface {
	Send(ctx context.Context, req Request) (<-chan Message, error)
	CancelInFlight()
	Disconnected() <-chan struct{}
	Info() DeviceInfo
	Close() error
}

// Transport knows how to find and open a reader over one medium.
type Transport interface {
	Name() string
	Connect(ctx context.Context, calibration Calibration) (Channel, error)
}

// Do sends req and waits for its final response, forwarding progress
// notifications in emission order. Cancelling ctx cancels the in-flight
// command.
func Do(ctx context.Context, ch Channel, req Request, progress func(Progress)) (*Response, error) {
	op := req.Command.String()
	stream, err := ch.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			ch.CancelInFlight()
			return nil, ctx.Err()
		case <-ch.Disconnected():
			return nil, NewNotConnectedError(op, nil)
		case msg, ok := <-stream:
			if !ok {
				if err := ctx.Err(); err != nil {
					ch.CancelInFlight()
					return nil, err
				}
				return nil, NewMalformedResponseError(op, "stream closed without response")
			}
			switch {
			case msg.Err != nil:
				return nil, msg.Err
			case msg.Response != nil:
				return msg.Response, nil
			case progress != nil && msg.Progress != 0:
				progress(msg.Progress)
			}
		}
	}
}
