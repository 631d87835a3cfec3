// Package session owns the authentication state of the Cloud189 account.
// A Manager moves through LoggedOut, QRPending, QRConfirmed, Authenticated
// and Expired; only Authenticated permits path and link resolution. Every
// transition is serialized, and every entry into Authenticated persists the
// cookies to the credential file and fires the OnAuthenticated hooks.
package session

import (
	"errors"
	"time"
)

// State is the session state tag.
type State int

const (
	LoggedOut State = iota
	QRPending
	QRConfirmed
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case QRPending:
		return "qr_pending"
	case QRConfirmed:
		return "qr_confirmed"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{LoggedOut, QRPending, QRConfirmed, Authenticated, Expired}
}

// MarshalText renders the state as its string form in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source names the login method that produced the current cookies.
type Source string

const (
	SourceNone       Source = ""
	SourceCookies    Source = "cookies"
	SourceCookieFile Source = "cookie_file"
	SourcePassword   Source = "password"
	SourceQR         Source = "qrcode"
	SourceImport     Source = "import"
)

// Sentinel errors.
var (
	ErrLoginInProgress = errors.New("session: another login is in progress")
	ErrAuthRequired    = errors.New("session: not authenticated")
	ErrQRExpired       = errors.New("session: QR code expired")
	ErrNoQRPending     = errors.New("session: no QR login pending")
	ErrNoCredentials   = errors.New("session: no login source configured")
)

// Status is a point-in-time snapshot of the session for the status API.
type Status struct {
	State       State     `json:"state"`
	Source      Source    `json:"source,omitempty"`
	Account     string    `json:"account,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	ValidatedAt time.Time `json:"validated_at,omitzero"`
	QRIssuedAt  time.Time `json:"qr_issued_at,omitzero"`
}
