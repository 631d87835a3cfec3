package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/notify"
	"github.com/tonimelisma/cloud302/internal/session"
)

const testCookies = "SSON=good"

// fakeCloud189 accepts testCookies until revoked is set.
type fakeCloud189 struct {
	*httptest.Server
	revoked atomic.Bool
}

func newFakeCloud189(t *testing.T) *fakeCloud189 {
	t.Helper()

	f := &fakeCloud189{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/open/user/getUserInfoForPortal.action", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != testCookies || f.revoked.Load() {
			fmt.Fprint(w, `{"res_code":1,"errorCode":"InvalidSessionKey"}`)
			return
		}

		fmt.Fprint(w, `{"res_code":0,"loginName":"188****0000"}`)
	})
	mux.HandleFunc("GET /api/portal/listFiles.action", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"res_code":0,"recordCount":1,"data":[{"fileId":"f1","fileName":"a.mkv","isFolder":false,"size":1}]}`)
	})
	mux.HandleFunc("GET /api/open/file/getNewVlcVideoPlayUrl.action", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"res_code":0,"normal":{"url":"https://dl.example/%s"}}`, r.URL.Query().Get("fileId"))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)

	return f
}

func newTestApp(t *testing.T, upstreamURL string) *app {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Account.Cookies = testCookies
	cfg.Account.CookiesFile = filepath.Join(t.TempDir(), "cookies.txt")
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.AuthURL = upstreamURL

	// Reloads resolve from defaults plus the test's lookup.
	cli := config.CLIOverrides{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}

	return newApp(config.NewHolder(cfg, cli.ConfigPath), cli, notify.NewLogBuffer(100), new(slog.LevelVar), quietLogger())
}

func startApp(t *testing.T, a *app) (base string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- a.run(ctx) }()

	var addr net.Addr

	select {
	case addr = <-a.listening:
	case err := <-done:
		cancel()
		t.Fatalf("app exited before listening: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("app did not start listening")
	}

	return "http://" + addr.String(), func() {
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	}
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func TestApp_ServesRedirectWithStartupLogin(t *testing.T) {
	up := newFakeCloud189(t)
	a := newTestApp(t, up.URL)

	base, stop := startApp(t, a)
	defer stop()

	assert.Equal(t, session.Authenticated, a.session.State())

	resp, err := noRedirectClient().Get(base + "/a.mkv")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://dl.example/f1", resp.Header.Get("Location"))
}

func TestApp_StartsWithoutSession(t *testing.T) {
	up := newFakeCloud189(t)
	a := newTestApp(t, up.URL)
	a.holder.Config().Account.Cookies = "SSON=stale"

	base, stop := startApp(t, a)
	defer stop()

	assert.Equal(t, session.LoggedOut, a.session.State())

	resp, err := noRedirectClient().Get(base + "/a.mkv")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestApp_ReloadAppliesAdminCredentials(t *testing.T) {
	up := newFakeCloud189(t)
	a := newTestApp(t, up.URL)
	a.lookup = func(key string) (string, bool) {
		switch key {
		case config.EnvAdminUser:
			return "admin", true
		case config.EnvAdminPassword:
			return "pw", true
		case config.EnvLogBufferMax:
			return "5", true
		case config.EnvLogLevel:
			return "debug", true
		}

		return "", false
	}

	base, stop := startApp(t, a)
	defer stop()

	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	a.reload(reloadTriggerSignal)

	resp, err = http.Get(base + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/api/status", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, slog.LevelDebug, a.level.Level())
	assert.Equal(t, "admin", a.holder.Config().Server.AdminUser)
}

func TestApp_ReloadKeepsConfigOnError(t *testing.T) {
	up := newFakeCloud189(t)
	a := newTestApp(t, up.URL)
	a.lookup = func(key string) (string, bool) {
		if key == config.EnvLinkCapacity {
			return "lots", true
		}

		return "", false
	}

	before := a.holder.Config()
	a.reload(reloadTriggerFile)

	assert.Same(t, before, a.holder.Config())
}

func TestApp_SweepChecksSession(t *testing.T) {
	up := newFakeCloud189(t)
	a := newTestApp(t, up.URL)

	require.NoError(t, a.session.InitializeFromConfiguration(t.Context(), a.holder.Config().Account))
	before := a.session.Status().ValidatedAt

	a.sweep(t.Context())
	assert.Equal(t, session.Authenticated, a.session.State())
	assert.False(t, a.session.Status().ValidatedAt.Before(before))

	up.revoked.Store(true)

	a.sweep(t.Context())
	assert.Equal(t, session.Expired, a.session.State())
}

func TestApp_SweepSkipsCheckWithoutSession(t *testing.T) {
	up := newFakeCloud189(t)
	a := newTestApp(t, up.URL)

	a.sweep(t.Context())
	assert.Equal(t, session.LoggedOut, a.session.State())
}
