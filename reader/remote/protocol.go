// Package remote implements a reader transport over a websocket bridge, for
// card readers attached to another machine on the network.
package remote

import (
	"fmt"

	"github.com/dotside-studios/davi-emv-agent/reader"
	"github.com/dotside-studios/davi-emv-agent/tlv"
)

// Frame types exchanged with the bridge.
const (
	FrameHello    = "hello"
	FrameCommand  = "command"
	FrameCancel   = "cancel"
	FrameProgress = "progress"
	FrameResponse = "response"
	FrameError    = "error"
)

// Frame is the JSON envelope for every websocket message.
type Frame struct {
	ID          string             `json:"id,omitempty"`
	Type        string             `json:"type"`
	Command     string             `json:"command,omitempty"`
	Params      map[string]string  `json:"params,omitempty"`
	Progress    string             `json:"progress,omitempty"`
	Response    *WireResponse      `json:"response,omitempty"`
	Error       *WireError         `json:"error,omitempty"`
	Info        *reader.DeviceInfo `json:"info,omitempty"`
	Calibration map[string]string  `json:"calibration,omitempty"`
}

// WireResponse mirrors reader.Response, except that chip data arrives as a
// BER-TLV hex blob.
type WireResponse struct {
	Applications    []reader.Application `json:"applications,omitempty"`
	TransactionData *WireTransactionData `json:"transactionData,omitempty"`
	Swipe           *reader.SwipeData    `json:"swipe,omitempty"`
	Cryptogram      string               `json:"cryptogram,omitempty"`
	Values          map[string]string    `json:"values,omitempty"`
}

// WireTransactionData is chip data as sent by the bridge.
type WireTransactionData struct {
	CardholderName string `json:"cardholderName"`
	PAN            string `json:"pan"`
	TLV            string `json:"tlv"`
	Cryptogram     string `json:"cryptogram"`
}

// WireError is a device error as sent by the bridge.
type WireError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var errorKinds = map[string]reader.ErrorCode{
	"general":          reader.ErrCodeGeneral,
	"timeout":          reader.ErrCodeTimeout,
	"notConnected":     reader.ErrCodeNotConnected,
	"status":           reader.ErrCodeStatus,
	"unknown":          reader.ErrCodeUnknown,
	"cardNotSupported": reader.ErrCodeCardNotSupported,
	"cardExpired":      reader.ErrCodeCardExpired,
	"cardBlocked":      reader.ErrCodeCardBlocked,
	"commandFailed":    reader.ErrCodeCommandFailed,
}

func (w *WireError) toError(op string) error {
	code, ok := errorKinds[w.Kind]
	if !ok {
		code = reader.ErrCodeUnknown
	}
	msg := w.Message
	if msg == "" {
		msg = w.Kind
	}
	return &reader.ReaderError{Code: code, Op: op, DeviceCode: w.Code, Message: msg}
}

func (w *WireResponse) toResponse() (*reader.Response, error) {
	resp := &reader.Response{
		Applications: w.Applications,
		Swipe:        w.Swipe,
		Cryptogram:   reader.Cryptogram(w.Cryptogram),
		Values:       w.Values,
	}
	if td := w.TransactionData; td != nil {
		records, err := tlv.ParseHex(td.TLV)
		if err != nil {
			return nil, fmt.Errorf("transaction data: %w", err)
		}
		resp.TransactionData = &reader.TransactionData{
			CardholderName: td.CardholderName,
			PAN:            td.PAN,
			Tags:           tlv.Flatten(records),
			Cryptogram:     reader.Cryptogram(td.Cryptogram),
		}
	}
	return resp, nil
}
