// Package protocol defines the messages exchanged between the agent and its
// control clients. It is importable without pulling in server dependencies.
package protocol

// Session modes accepted by StartRequest.
const (
	ModeReading    = "reading"
	ModeTokenizing = "tokenizing"
)

// HandshakeRequest claims the agent session. Secret is required when the
// agent is configured with an API secret.
type HandshakeRequest struct {
	Secret string `json:"secret,omitempty"`
}

// HandshakeResponse carries the session token to send as X-Session-Token
// (or ?token= on the WebSocket URL).
type HandshakeResponse struct {
	Token string `json:"token"`
}

// StartRequest starts a card session.
type StartRequest struct {
	Mode string `json:"mode"`
}

// StatusResponse describes the agent state.
type StatusResponse struct {
	Active           bool     `json:"active"`
	Mode             string   `json:"mode,omitempty"`
	LastStatus       string   `json:"lastStatus,omitempty"`
	ReversalFailures int64    `json:"reversalFailures"`
	Readers          []string `json:"readers,omitempty"`
	Clients          int      `json:"clients"`
}

// BatteryResponse is the reader battery charge in percent.
type BatteryResponse struct {
	Level int `json:"level"`
}

// CalibrationResponse holds the values a calibration produced.
type CalibrationResponse struct {
	Values map[string]string `json:"values"`
}

// ErrorResponse is returned by the HTTP API on failure.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// Error codes for ErrorResponse
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeSessionClaimed = "SESSION_CLAIMED"
	ErrCodeSessionActive  = "SESSION_ACTIVE"
	ErrCodeReader         = "READER_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)
