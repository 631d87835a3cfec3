package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloud302/internal/session"
)

func (h *harness) do(t *testing.T, method, path, body string, auth ...string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func withAdmin(o *Options) {
	o.AdminUser = "admin"
	o.AdminPassword = "pw"
}

func TestAPI_LoginWithCookies(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/189/login", `{"cookies":"`+goodCookies+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decode[map[string]any](t, resp)
	assert.Equal(t, "authenticated", st["state"])
	assert.Equal(t, "import", st["source"])
	assert.Equal(t, session.Authenticated, h.session.State())
}

func TestAPI_LoginRejected(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/189/login", `{"cookies":"SSON=bad"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, session.LoggedOut, h.session.State())
}

func TestAPI_LoginBadRequest(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/189/login", `{"username":"u"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/189/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_LoginClearsCaches(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.get(t, "/电影/test.mkv")
	lists := h.cloud.totalLists()

	resp := h.do(t, http.MethodPost, "/api/189/login", `{"cookies":"`+goodCookies+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.get(t, "/电影/test.mkv")
	assert.Equal(t, 2*lists, h.cloud.totalLists())
}

func TestAPI_Logout(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.do(t, http.MethodPost, "/api/189/logout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.LoggedOut, h.session.State())

	resp = h.get(t, "/电影/test.mkv")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ClearCache(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.get(t, "/电影/test.mkv")
	h.settle()

	resp := h.do(t, http.MethodPost, "/api/clear-cache", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decode[statusResponse](t, h.do(t, http.MethodGet, "/api/status", ""))
	assert.Zero(t, st.PathCacheSize)
	assert.Zero(t, st.LinkCacheSize)
}

func TestAPI_Status(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.get(t, "/电影/test.mkv")
	h.settle()

	resp := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decode[statusResponse](t, resp)
	assert.True(t, st.LoggedIn)
	assert.Equal(t, session.Authenticated, st.Session.State)
	assert.Equal(t, "188****0000", st.Session.Account)
	assert.Equal(t, 5, st.PathCacheSize)
	assert.Equal(t, 2, st.LinkCacheSize)
	assert.Equal(t, 98, st.LinkCacheRemaining)
}

func TestAPI_AdminAuth(t *testing.T) {
	h := newHarness(t, withAdmin)

	resp := h.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	resp = h.do(t, http.MethodGet, "/api/status", "", "admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/status", "", "admin", "pw")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Cookies(t *testing.T) {
	t.Run("refused without admin credentials", func(t *testing.T) {
		h := newHarness(t)
		h.login(t)

		resp := h.do(t, http.MethodGet, "/api/189/cookies", "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("returned to admin", func(t *testing.T) {
		h := newHarness(t, withAdmin)
		h.login(t)

		resp := h.do(t, http.MethodGet, "/api/189/cookies", "", "admin", "pw")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, goodCookies, decode[map[string]string](t, resp)["cookies"])
	})

	t.Run("not logged in", func(t *testing.T) {
		h := newHarness(t, withAdmin)

		resp := h.do(t, http.MethodGet, "/api/189/cookies", "", "admin", "pw")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_QRStatusWithoutQRCode(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/189/qrcode/status", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_QRCodeUpstreamFailure(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/189/qrcode", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
