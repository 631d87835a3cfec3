package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/credfile"
)

// Upstream is the slice of the Cloud189 account API the manager drives.
// *cloud189.Account is the production implementation.
type Upstream interface {
	Verify(ctx context.Context, cookies string) (*cloud189.UserInfo, error)
	LoginPassword(ctx context.Context, username, password string) (string, error)
	BeginQR(ctx context.Context) (*cloud189.QRChallenge, error)
	PollQR(ctx context.Context, ch *cloud189.QRChallenge) (*cloud189.QRResult, error)
}

// Method is one way of obtaining session cookies. All methods end in the
// same transition: verify if required, persist, then Authenticated.
type Method interface {
	Source() Source
	credentials(ctx context.Context, up Upstream) (cookies string, verify bool, err error)
}

// cookieMethod uses a cookie string supplied by the operator.
type cookieMethod struct {
	raw    string
	source Source
}

// CookieMethod returns a Method that logs in with a raw cookie string.
func CookieMethod(raw string) Method {
	return cookieMethod{raw: raw, source: SourceCookies}
}

// ImportMethod is CookieMethod for cookies pasted through the admin API.
func ImportMethod(raw string) Method {
	return cookieMethod{raw: raw, source: SourceImport}
}

func (m cookieMethod) Source() Source { return m.source }

func (m cookieMethod) credentials(context.Context, Upstream) (string, bool, error) {
	raw := strings.TrimSpace(m.raw)
	if raw == "" {
		return "", false, fmt.Errorf("%s: empty cookie string: %w", m.source, ErrNoCredentials)
	}

	return raw, true, nil
}

// cookieFileMethod reads the credential file written by earlier logins.
type cookieFileMethod struct {
	path string
}

// CookieFileMethod returns a Method that logs in with the credential file.
func CookieFileMethod(path string) Method {
	return cookieFileMethod{path: path}
}

func (m cookieFileMethod) Source() Source { return SourceCookieFile }

func (m cookieFileMethod) credentials(context.Context, Upstream) (string, bool, error) {
	if m.path == "" {
		return "", false, fmt.Errorf("cookie file: no path: %w", ErrNoCredentials)
	}

	cf, err := credfile.Load(m.path)
	if err != nil {
		return "", false, fmt.Errorf("cookie file: %w", err)
	}

	if cf == nil {
		return "", false, fmt.Errorf("cookie file %s: %w", m.path, ErrNoCredentials)
	}

	return cf.Cookies, true, nil
}

// passwordMethod signs in with account name and password.
type passwordMethod struct {
	username string
	password string
}

// PasswordMethod returns a Method that signs in with username and password.
func PasswordMethod(username, password string) Method {
	return passwordMethod{username: username, password: password}
}

func (m passwordMethod) Source() Source { return SourcePassword }

func (m passwordMethod) credentials(ctx context.Context, up Upstream) (string, bool, error) {
	if m.username == "" || m.password == "" {
		return "", false, fmt.Errorf("password: %w", ErrNoCredentials)
	}

	cookies, err := up.LoginPassword(ctx, m.username, m.password)
	if err != nil {
		return "", false, err
	}

	return cookies, false, nil
}

// qrMethod carries the cookies collected by a confirmed QR login.
type qrMethod struct {
	cookies string
}

func (m qrMethod) Source() Source { return SourceQR }

func (m qrMethod) credentials(context.Context, Upstream) (string, bool, error) {
	return m.cookies, false, nil
}

// StartupMethods returns the configured login sources in priority order:
// inline cookies, the cookie file, then username and password. Sources
// that are not configured are left out.
func StartupMethods(acct config.AccountConfig) []Method {
	var methods []Method

	if strings.TrimSpace(acct.Cookies) != "" {
		methods = append(methods, CookieMethod(acct.Cookies))
	}

	if acct.CookiesFile != "" {
		methods = append(methods, CookieFileMethod(acct.CookiesFile))
	}

	if acct.Username != "" && acct.Password != "" {
		methods = append(methods, PasswordMethod(acct.Username, acct.Password))
	}

	return methods
}
