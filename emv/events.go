package emv

// Event is delivered on the Director's event channel. The set of variants is
// closed; switch on the concrete type.
type Event interface {
	event()
}

// StatusChanged reports a reader status. AttemptID is empty for session
// level statuses such as Connected or Stopped.
type StatusChanged struct {
	AttemptID string `json:"attemptId,omitempty"`
	Status    Status `json:"status"`
}

// CardRead is the terminal outcome of a reading attempt.
type CardRead struct {
	AttemptID string   `json:"attemptId"`
	Card      CardData `json:"card"`
}

// CardReadFailed reports a device or input failure before card data could be
// used.
type CardReadFailed struct {
	AttemptID string `json:"attemptId"`
	Err       *Error `json:"error"`
}

// Tokenized is the terminal outcome of a tokenized swipe.
type Tokenized struct {
	AttemptID string   `json:"attemptId"`
	Card      CardData `json:"card"`
	Token     string   `json:"token"`
}

// TokenizationFailed reports a swipe the tokenization service rejected.
type TokenizationFailed struct {
	AttemptID string   `json:"attemptId"`
	Card      CardData `json:"card"`
	Err       *Error   `json:"error"`
}

// Authorized is the terminal outcome of an approved dip.
type Authorized struct {
	AttemptID string            `json:"attemptId"`
	Card      CardData          `json:"card"`
	Info      AuthorizationInfo `json:"info"`
}

// AuthorizationFailed reports a dip declined by card or issuer, or one the
// issuer could not be reached for.
type AuthorizationFailed struct {
	AttemptID string            `json:"attemptId"`
	Card      CardData          `json:"card"`
	Info      AuthorizationInfo `json:"info"`
	Err       *Error            `json:"error"`
}

func (StatusChanged) event()       {}
func (CardRead) event()            {}
func (CardReadFailed) event()      {}
func (Tokenized) event()           {}
func (TokenizationFailed) event()  {}
func (Authorized) event()          {}
func (AuthorizationFailed) event() {}

// EventType names an event for wire encodings.
func EventType(ev Event) string {
	switch ev.(type) {
	case StatusChanged:
		return "status"
	case CardRead:
		return "cardRead"
	case CardReadFailed:
		return "cardReadFailed"
	case Tokenized:
		return "tokenized"
	case TokenizationFailed:
		return "tokenizationFailed"
	case Authorized:
		return "authorized"
	case AuthorizationFailed:
		return "authorizationFailed"
	default:
		return "unknown"
	}
}

// IsOutcome reports whether ev is a terminal attempt outcome.
func IsOutcome(ev Event) bool {
	_, status := ev.(StatusChanged)
	return !status
}
