package main

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/config"
)

// upstream bundles the Cloud189 clients built from one configuration.
// client serves the resolvers and makes exactly one attempt per endpoint:
// a redirect either succeeds or reports the failure, it does not wait out
// backoff. account keeps the default retries for login and verification.
type upstream struct {
	client  *cloud189.Client
	account *cloud189.Account
}

// newTransport returns the shared transport for Cloud189 and Telegram.
// ConnectTimeout bounds dialing and the TLS handshake.
func newTransport(cfg config.UpstreamConfig) *http.Transport {
	connect := config.Duration(cfg.ConnectTimeout, 10*time.Second)

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = connect
	t.MaxIdleConnsPerHost = 16

	return t
}

// newUpstream builds the rate-limited API client and the account facade.
// cookies is consulted on every API call; the session manager is wired in
// after it exists, which is why it is a func rather than a value.
func newUpstream(cfg config.UpstreamConfig, transport http.RoundTripper, cookies cloud189.CookieSource, logger *slog.Logger) *upstream {
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   config.Duration(cfg.DataTimeout, 60*time.Second),
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	limiter := rate.NewLimiter(limit, max(cfg.Burst, 1))

	client := cloud189.NewClient(cfg.BaseURL, httpClient, cookies, limiter, logger, cfg.UserAgent)
	client.SetMaxRetries(0)

	accountClient := cloud189.NewClient(cfg.BaseURL, httpClient, cookies, limiter, logger, cfg.UserAgent)
	auth := cloud189.NewAuthenticator(cfg.BaseURL, cfg.AuthURL, transport, logger, cfg.UserAgent)

	return &upstream{client: client, account: cloud189.NewAccount(accountClient, auth)}
}
