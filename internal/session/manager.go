package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/credfile"
)

// Manager owns the session state machine. Reads (Cookies, State, Status)
// take a read lock and never block on a login; transitions are serialized
// by a separate mutex that is only ever try-locked, so a second concurrent
// login fails fast with ErrLoginInProgress.
type Manager struct {
	upstream Upstream
	credPath string
	logger   *slog.Logger
	now      func() time.Time

	transition sync.Mutex

	mu          sync.RWMutex
	state       State
	generation  uint64
	cookies     string
	source      Source
	account     string
	createdAt   time.Time
	validatedAt time.Time
	qr          *cloud189.QRChallenge
	hooks       []func()
}

// NewManager creates a LoggedOut manager. credPath is where cookies are
// persisted after every login; empty disables persistence.
func NewManager(upstream Upstream, credPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		upstream: upstream,
		credPath: credPath,
		logger:   logger,
		now:      time.Now,
	}
}

// OnAuthenticated registers fn to run after every transition into
// Authenticated. Hooks run synchronously, outside the state lock.
func (m *Manager) OnAuthenticated(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, fn)
}

// InitializeFromConfiguration tries the configured login sources in
// priority order and stops at the first that yields a valid session. When
// every source fails the manager stays LoggedOut and the joined errors are
// returned for logging; callers treat this as non-fatal.
func (m *Manager) InitializeFromConfiguration(ctx context.Context, acct config.AccountConfig) error {
	return m.Initialize(ctx, StartupMethods(acct)...)
}

// Initialize is InitializeFromConfiguration with explicit methods.
func (m *Manager) Initialize(ctx context.Context, methods ...Method) error {
	if !m.transition.TryLock() {
		return ErrLoginInProgress
	}
	defer m.transition.Unlock()

	if len(methods) == 0 {
		m.logger.Info("no login source configured, log in through the web API")
		return ErrNoCredentials
	}

	var errs []error

	for _, method := range methods {
		err := m.establish(ctx, method)
		if err == nil {
			return nil
		}

		m.logger.Warn("login source failed",
			slog.String("source", string(method.Source())),
			slog.String("error", err.Error()),
		)

		errs = append(errs, fmt.Errorf("%s: %w", method.Source(), err))
	}

	return errors.Join(errs...)
}

// LoginWithCredentials signs in with account name and password.
func (m *Manager) LoginWithCredentials(ctx context.Context, username, password string) error {
	return m.login(ctx, PasswordMethod(username, password))
}

// ImportCookies adopts a cookie string after one upstream verification call.
func (m *Manager) ImportCookies(ctx context.Context, raw string) error {
	return m.login(ctx, ImportMethod(raw))
}

func (m *Manager) login(ctx context.Context, method Method) error {
	if !m.transition.TryLock() {
		return ErrLoginInProgress
	}
	defer m.transition.Unlock()

	return m.establish(ctx, method)
}

// BeginQRLogin starts a QR login and moves to QRPending. The returned
// challenge carries the QR content and the provider-rendered image URL.
func (m *Manager) BeginQRLogin(ctx context.Context) (*cloud189.QRChallenge, error) {
	if !m.transition.TryLock() {
		return nil, ErrLoginInProgress
	}
	defer m.transition.Unlock()

	m.resetLocked()

	ch, err := m.upstream.BeginQR(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: starting QR login: %w", err)
	}

	m.mu.Lock()
	m.state = QRPending
	m.qr = ch
	m.mu.Unlock()

	m.logger.Info("session state changed", slog.String("state", QRPending.String()))

	return ch, nil
}

// PollQRStatus checks the pending QR login once and returns the resulting
// state. It is idempotent: polling after success returns Authenticated, and
// a poll that races another poll returns the current state without calling
// upstream. An expired code moves back to LoggedOut with ErrQRExpired.
func (m *Manager) PollQRStatus(ctx context.Context) (State, error) {
	if !m.transition.TryLock() {
		return m.State(), nil
	}
	defer m.transition.Unlock()

	m.mu.RLock()
	state, ch := m.state, m.qr
	m.mu.RUnlock()

	switch state {
	case QRPending, QRConfirmed:
	case Authenticated:
		return Authenticated, nil
	default:
		return state, ErrNoQRPending
	}

	res, err := m.upstream.PollQR(ctx, ch)
	if err != nil {
		return state, fmt.Errorf("session: polling QR login: %w", err)
	}

	switch res.State {
	case cloud189.QRWaiting:
		return QRPending, nil
	case cloud189.QRScanned:
		m.setState(QRConfirmed)
		return QRConfirmed, nil
	case cloud189.QRExpired:
		m.resetLocked()
		return LoggedOut, ErrQRExpired
	case cloud189.QRConfirmed:
		if err := m.establish(ctx, qrMethod{cookies: res.Cookies}); err != nil {
			return LoggedOut, err
		}

		return Authenticated, nil
	default:
		return state, fmt.Errorf("session: unexpected QR state %s", res.State)
	}
}

// Invalidate moves Authenticated to Expired if gen is still the current
// login generation. Called by the resolvers when an upstream call fails
// with an auth error; a call that started before a re-login names an older
// generation and leaves the new session alone. It never waits for a login.
func (m *Manager) Invalidate(gen uint64) {
	m.mu.Lock()
	changed := m.state == Authenticated && m.generation == gen
	if changed {
		m.state = Expired
	}
	m.mu.Unlock()

	if changed {
		m.logger.Warn("session expired, upstream rejected the cookies")
	}
}

// Logout moves to LoggedOut from any state, drops the cookies and removes
// the credential file.
func (m *Manager) Logout() error {
	if !m.transition.TryLock() {
		return ErrLoginInProgress
	}
	defer m.transition.Unlock()

	m.resetLocked()

	if m.credPath != "" {
		if err := credfile.Remove(m.credPath); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}

	m.logger.Info("logged out")

	return nil
}

// Check re-verifies the current cookies upstream and records the time.
// An auth failure invalidates the session that was checked.
func (m *Manager) Check(ctx context.Context) error {
	m.mu.RLock()
	state, gen, cookies := m.state, m.generation, m.cookies
	m.mu.RUnlock()

	if state != Authenticated {
		return fmt.Errorf("%w (state %s)", ErrAuthRequired, state)
	}

	if _, err := m.upstream.Verify(ctx, cookies); err != nil {
		if cloud189.IsAuthError(err) {
			m.Invalidate(gen)
		}

		return fmt.Errorf("session: verifying cookies: %w", err)
	}

	m.mu.Lock()
	if m.generation == gen {
		m.validatedAt = m.now()
	}
	m.mu.Unlock()

	return nil
}

// Cookies returns the session cookie header value. It implements
// cloud189.CookieSource and fails unless the session is Authenticated.
func (m *Manager) Cookies() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != Authenticated {
		return "", fmt.Errorf("%w (state %s)", ErrAuthRequired, m.state)
	}

	return m.cookies, nil
}

// Authenticated reports whether resolution is currently permitted.
func (m *Manager) Authenticated() bool {
	return m.State() == Authenticated
}

// Generation returns the current login generation and whether it is
// Authenticated. Each successful login starts a new generation.
func (m *Manager) Generation() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.generation, m.state == Authenticated
}

// State returns the current state tag.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// Status returns a snapshot for the status API.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:       m.state,
		Source:      m.source,
		Account:     m.account,
		CreatedAt:   m.createdAt,
		ValidatedAt: m.validatedAt,
	}

	if m.qr != nil {
		st.QRIssuedAt = m.qr.IssuedAt
	}

	return st
}

// establish runs one Method through the common transition contract. The
// caller holds the transition lock. Any failure leaves LoggedOut.
func (m *Manager) establish(ctx context.Context, method Method) error {
	if s := m.State(); s == Authenticated || s == Expired {
		m.resetLocked()
	}

	cookies, verify, err := method.credentials(ctx, m.upstream)
	if err != nil {
		m.resetLocked()
		return err
	}

	var account string

	if verify {
		info, err := m.upstream.Verify(ctx, cookies)
		if err != nil {
			m.resetLocked()
			return fmt.Errorf("session: verifying %s cookies: %w", method.Source(), err)
		}

		account = info.LoginName
	}

	now := m.now()
	m.persist(cookies, method.Source(), now)

	m.mu.Lock()
	m.state = Authenticated
	m.generation++
	m.cookies = cookies
	m.source = method.Source()
	m.account = account
	m.createdAt = now
	m.validatedAt = now
	m.qr = nil
	hooks := append([]func(){}, m.hooks...)
	m.mu.Unlock()

	m.logger.Info("session state changed",
		slog.String("state", Authenticated.String()),
		slog.String("source", string(method.Source())),
	)

	for _, fn := range hooks {
		fn()
	}

	return nil
}

// persist writes the cookies to the credential file. A write failure is
// logged, not returned: the session is valid either way.
func (m *Manager) persist(cookies string, source Source, now time.Time) {
	if m.credPath == "" {
		return
	}

	err := credfile.Save(m.credPath, &credfile.File{Cookies: cookies, Source: string(source), SavedAt: now})
	if err != nil {
		m.logger.Error("saving cookies failed",
			slog.String("path", m.credPath),
			slog.String("error", err.Error()),
		)

		return
	}

	m.logger.Info("cookies saved", slog.String("path", m.credPath))
}

// resetLocked clears everything back to LoggedOut. The caller holds the
// transition lock.
func (m *Manager) resetLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = LoggedOut
	m.cookies = ""
	m.source = SourceNone
	m.account = ""
	m.createdAt = time.Time{}
	m.validatedAt = time.Time{}
	m.qr = nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.logger.Info("session state changed", slog.String("state", s.String()))
}
