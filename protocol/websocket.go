package protocol

import "encoding/json"

// WebSocket message type constants
const (
	WSTypeEvent    = "event"
	WSTypePrompt   = "prompt"
	WSTypeAnswer   = "answer"
	WSTypeStart    = "start"
	WSTypeStop     = "stop"
	WSTypeStatus   = "status"
	WSTypeResponse = "response"
	WSTypeError    = "error"
)

// Prompt kinds carried in PromptPayload.Kind.
const (
	PromptSelectApplication  = "selectApplication"
	PromptConfirmReaderReset = "confirmReaderReset"
	PromptTransactionInfo    = "transactionInfo"
	PromptPayerEmail         = "payerEmail"
)

// WebSocketMessage is the generic message envelope for WebSocket communication.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket clients. The
// payload is decoded by the handler for Type.
type WebSocketRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventPayload wraps a session event. Type is one of status, cardRead,
// cardReadFailed, tokenized, tokenizationFailed, authorized or
// authorizationFailed; Event holds the matching JSON object.
type EventPayload struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}

// PromptPayload asks the client to answer a question the running attempt is
// blocked on. Answers reference the prompt message ID.
type PromptPayload struct {
	Kind         string              `json:"kind"`
	Applications []ApplicationOption `json:"applications,omitempty"`
	Device       *DevicePayload      `json:"device,omitempty"`
	Card         any                 `json:"card,omitempty"`
}

// ApplicationOption is one chip application offered for selection.
type ApplicationOption struct {
	AID   string `json:"aid"`
	Label string `json:"label"`
}

// DevicePayload describes a reader.
type DevicePayload struct {
	SerialNumber    string `json:"serialNumber"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmwareVersion"`
	Transport       string `json:"transport"`
}

// AnswerPayload answers a prompt. Only the field matching the prompt kind is
// read. Cancel abandons the attempt.
type AnswerPayload struct {
	Index       int                 `json:"index,omitempty"`
	Confirm     bool                `json:"confirm,omitempty"`
	Transaction *TransactionPayload `json:"transaction,omitempty"`
	Email       string              `json:"email,omitempty"`
	Cancel      bool                `json:"cancel,omitempty"`
}

// TransactionPayload carries the amount, currency and account of a
// tokenizing attempt. Amount is a decimal string such as "12.50".
type TransactionPayload struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	AccountID uint64 `json:"accountId"`
}
