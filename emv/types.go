package emv

import (
	"strings"
)

// Mode selects what a session does with a card.
type Mode int

const (
	// ModeReading reports raw card data only.
	ModeReading Mode = iota + 1
	// ModeTokenizing tokenizes swipes and authorizes dips.
	ModeTokenizing
)

func (m Mode) String() string {
	switch m {
	case ModeReading:
		return "reading"
	case ModeTokenizing:
		return "tokenizing"
	default:
		return "unknown"
	}
}

// PaymentMethod is how card data was obtained.
type PaymentMethod string

const (
	PaymentMethodUnknown PaymentMethod = ""
	PaymentMethodManual  PaymentMethod = "manual"
	PaymentMethodSwipe   PaymentMethod = "swipe"
	PaymentMethodDip     PaymentMethod = "dip"
)

// Status is a caller-visible reader status.
type Status string

const (
	StatusNotConnected          Status = "NotConnected"
	StatusSearchingForReader    Status = "SearchingForReader"
	StatusWaitingForCard        Status = "WaitingForCard"
	StatusTokenizing            Status = "Tokenizing"
	StatusStopped               Status = "Stopped"
	StatusConnected             Status = "Connected"
	StatusSwipeDetected         Status = "SwipeDetected"
	StatusCheckCardOrientation  Status = "CheckCardOrientation"
	StatusCheckingReader        Status = "CheckingReader"
	StatusConfiguringReader     Status = "ConfiguringReader"
	StatusShouldNotSwipeEmvCard Status = "ShouldNotSwipeEmvCard"
	StatusChipErrorSwipeCard    Status = "ChipErrorSwipeCard"
	StatusCardDipped            Status = "CardDipped"
	StatusAuthorizing           Status = "Authorizing"
	StatusSwipeErrorSwipeAgain  Status = "SwipeErrorSwipeAgain"
)

// CardData is the non-sensitive card view given to callers.
type CardData struct {
	FirstName     string            `json:"firstName"`
	LastName      string            `json:"lastName"`
	MaskedPAN     string            `json:"maskedPan"`
	PaymentMethod PaymentMethod     `json:"paymentMethod"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	FallbackSwipe bool              `json:"fallbackSwipe,omitempty"`
	PayerEmail    string            `json:"payerEmail,omitempty"`
}

// withPayerEmail returns a copy enriched with the payer email.
func (c CardData) withPayerEmail(email string) CardData {
	c.PayerEmail = strings.TrimSpace(email)
	return c
}

// splitCardholderName splits the track/chip "LAST/FIRST" form.
func splitCardholderName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if before, after, ok := strings.Cut(name, "/"); ok {
		return strings.TrimSpace(after), strings.TrimSpace(before)
	}
	if i := strings.LastIndex(name, " "); i > 0 {
		return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
	}
	return "", name
}

// AuthorizationInfo is the issuer outcome reported for a dip.
type AuthorizationInfo struct {
	CreditCardID      string `json:"creditCardId"`
	AuthorizationCode string `json:"authorizationCode"`
	ResponseCode      string `json:"responseCode"`
	Cryptogram        string `json:"cryptogram"`
	ApplicationID     string `json:"applicationId"`
}
