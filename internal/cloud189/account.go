package cloud189

import (
	"context"
	"fmt"
)

// Account bundles the API client and the login host behind the operations the
// session manager needs.
type Account struct {
	client *Client
	auth   *Authenticator
}

// NewAccount pairs a Client with an Authenticator.
func NewAccount(client *Client, auth *Authenticator) *Account {
	return &Account{client: client, auth: auth}
}

// Verify checks cookies with one profile call.
func (a *Account) Verify(ctx context.Context, cookies string) (*UserInfo, error) {
	return a.client.Verify(ctx, cookies)
}

// LoginPassword signs in and returns the session cookies.
func (a *Account) LoginPassword(ctx context.Context, username, password string) (string, error) {
	cookies, err := a.auth.LoginPassword(ctx, username, password)
	if err != nil {
		return "", fmt.Errorf("password login: %w", err)
	}

	return cookies, nil
}

// BeginQR starts a QR login.
func (a *Account) BeginQR(ctx context.Context) (*QRChallenge, error) {
	return a.auth.BeginQR(ctx)
}

// PollQR checks a pending QR login once.
func (a *Account) PollQR(ctx context.Context, ch *QRChallenge) (*QRResult, error) {
	return a.auth.PollQR(ctx, ch)
}
