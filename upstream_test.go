package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/config"
)

func newCountingUpstream(t *testing.T, status int) (*upstream, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Upstream
	cfg.BaseURL = srv.URL
	cfg.AuthURL = srv.URL

	cookies := cloud189.CookieFunc(func() (string, error) { return testCookies, nil })

	return newUpstream(cfg, newTransport(cfg), cookies, quietLogger()), &hits
}

func TestUpstream_RateLimitedLinkIsOneRequest(t *testing.T) {
	up, hits := newCountingUpstream(t, http.StatusTooManyRequests)

	_, err := up.client.DirectLink(t.Context(), "f1")
	assert.ErrorIs(t, err, cloud189.ErrThrottled)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUpstream_ServerErrorTriesEachLinkSourceOnce(t *testing.T) {
	up, hits := newCountingUpstream(t, http.StatusBadGateway)

	_, err := up.client.DirectLink(t.Context(), "f1")
	assert.ErrorIs(t, err, cloud189.ErrServerError)
	assert.Equal(t, int32(3), hits.Load())
}

func TestUpstream_ListingIsNotRetried(t *testing.T) {
	up, hits := newCountingUpstream(t, http.StatusServiceUnavailable)

	_, err := up.client.ListFolder(t.Context(), cloud189.RootFolderID, 1, 100)
	assert.ErrorIs(t, err, cloud189.ErrServerError)
	assert.Equal(t, int32(1), hits.Load())
}
