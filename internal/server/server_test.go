package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/metrics"
	"github.com/tonimelisma/cloud302/internal/precache"
	"github.com/tonimelisma/cloud302/internal/resolve"
	"github.com/tonimelisma/cloud302/internal/session"
)

const (
	goodCookies = "SSON=good"
	linkTTL     = 30 * time.Minute
	pathTTL     = 12 * time.Hour
)

// fakeCloud is a Cloud189 web API with one folder and a few files.
type fakeCloud struct {
	mu        sync.Mutex
	listCalls map[string]int
	linkCalls map[string]int
	linkErr   string // errorCode returned by every link endpoint
	srv       *httptest.Server
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()

	f := &fakeCloud{listCalls: map[string]int{}, linkCalls: map[string]int{}}

	folders := map[string]string{
		cloud189.RootFolderID: `[
			{"fileId":"d1","fileName":"电影","isFolder":true},
			{"fileId":"q1","fileName":"what?.mkv","isFolder":false,"size":1}
		]`,
		"d1": `[
			{"fileId":"f1","fileName":"test.mkv","isFolder":false,"size":100},
			{"fileId":"f2","fileName":"next.mkv","isFolder":false,"size":100},
			{"fileId":"d2","fileName":"extras","isFolder":true}
		]`,
		"d2": `[]`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/open/user/getUserInfoForPortal.action", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != goodCookies {
			fmt.Fprint(w, `{"res_code":1,"errorCode":"InvalidSessionKey"}`)
			return
		}

		fmt.Fprint(w, `{"res_code":0,"loginName":"188****0000"}`)
	})
	mux.HandleFunc("GET /api/portal/listFiles.action", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("fileId")

		f.mu.Lock()
		f.listCalls[id]++
		f.mu.Unlock()

		body, ok := folders[id]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"errorCode":"FileNotFound"}`)

			return
		}

		var entries []json.RawMessage
		assert.NoError(t, json.Unmarshal([]byte(body), &entries))

		fmt.Fprintf(w, `{"res_code":0,"recordCount":%d,"data":%s}`, len(entries), body)
	})

	link := func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("fileId")

		f.mu.Lock()
		f.linkCalls[id]++
		n := f.linkCalls[id]
		code := f.linkErr
		f.mu.Unlock()

		if code != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"errorCode":%q}`, code)

			return
		}

		fmt.Fprintf(w, `{"res_code":0,"normal":{"url":"https://dl.example/%s?n=%d"}}`, id, n)
	}
	mux.HandleFunc("GET /api/open/file/getNewVlcVideoPlayUrl.action", link)
	mux.HandleFunc("GET /api/portal/getNewVlcVideoPlayUrl.action", link)
	mux.HandleFunc("GET /api/open/file/getFileDownloadUrl.action", link)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeCloud) lists(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.listCalls[id]
}

func (f *fakeCloud) totalLists() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.listCalls {
		n += c
	}

	return n
}

func (f *fakeCloud) links(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.linkCalls[id]
}

func (f *fakeCloud) setLinkErr(code string) {
	f.mu.Lock()
	f.linkErr = code
	f.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	n.messages = append(n.messages, msg)
	n.mu.Unlock()

	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.messages...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	cloud    *fakeCloud
	server   *Server
	http     *httptest.Server
	clock    *clock
	notes    *recordingNotifier
	session  *session.Manager
	metrics  *metrics.Metrics
	precache *precache.Scheduler
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		cloud: newFakeCloud(t),
		clock: &clock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)},
		notes: &recordingNotifier{},
	}

	var mgr *session.Manager

	client := cloud189.NewClient(h.cloud.srv.URL, h.cloud.srv.Client(),
		cloud189.CookieFunc(func() (string, error) { return mgr.Cookies() }), nil, nil, "test")
	auth := cloud189.NewAuthenticator(h.cloud.srv.URL, h.cloud.srv.URL, nil, nil, "test")
	mgr = session.NewManager(cloud189.NewAccount(client, auth), "", nil)

	pathCache := resolve.NewPathCache(pathTTL)
	pathCache.SetClock(h.clock.Now)

	linkCache := resolve.NewLinkCache(100, linkTTL)
	linkCache.SetClock(h.clock.Now)

	h.metrics = metrics.New()
	paths := resolve.NewPathResolver(client, mgr, pathCache, 5*time.Second, nil, h.metrics)
	links := resolve.NewLinkResolver(client, mgr, linkCache, 5*time.Second, nil, h.metrics)
	h.precache = precache.New(paths, links, 2, nil, h.metrics)

	opts := Options{
		Session:  mgr,
		Paths:    paths,
		Links:    links,
		Precache: h.precache,
		Notifier: h.notes,
		Metrics:  h.metrics,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	h.session = mgr
	h.server = New(opts)
	h.http = httptest.NewServer(h.server.Handler())

	t.Cleanup(func() {
		h.http.Close()
		h.server.Close()
	})

	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()

	require.NoError(t, h.session.ImportCookies(t.Context(), goodCookies))
}

// get issues a GET without following redirects.
func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := client.Get(h.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// settle waits for background precache and notifications to finish.
func (h *harness) settle() {
	h.precache.Close()
	h.server.notifications.Wait()
}

func TestRedirect_ColdWarmExpired(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.get(t, "/%E7%94%B5%E5%BD%B1/test.mkv")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://dl.example/f1?n=1", resp.Header.Get("Location"))
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	assert.Equal(t, 1, h.cloud.lists(cloud189.RootFolderID))
	assert.Equal(t, 1, h.cloud.lists("d1"))
	assert.Equal(t, 1, h.cloud.links("f1"))

	h.clock.Advance(5 * time.Minute)

	resp = h.get(t, "/电影/test.mkv")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://dl.example/f1?n=1", resp.Header.Get("Location"))
	assert.Equal(t, 2, h.cloud.totalLists())
	assert.Equal(t, 1, h.cloud.links("f1"))

	h.clock.Advance(linkTTL)

	resp = h.get(t, "/电影/test.mkv")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://dl.example/f1?n=2", resp.Header.Get("Location"))
	assert.Equal(t, 2, h.cloud.totalLists(), "path cache is still fresh")
	assert.Equal(t, 2, h.cloud.links("f1"))

	h.settle()
	assert.Empty(t, h.notes.sent())
}

func TestRedirect_MissingLastSegment(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.get(t, "/电影/missing.mkv")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, h.cloud.links("f1"))

	h.settle()
	assert.Empty(t, h.notes.sent())
}

func TestRedirect_DirectoryIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.get(t, "/电影/extras")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "not a file")
	assert.Zero(t, h.cloud.links("d2"))

	h.settle()
	assert.Empty(t, h.notes.sent())
}

func TestRedirect_NotLoggedIn(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/电影/test.mkv")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.cloud.totalLists())

	h.settle()
	assert.Empty(t, h.notes.sent())
}

func TestRedirect_UpstreamFailureNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.cloud.setLinkErr("InternalError")

	resp := h.get(t, "/电影/test.mkv")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	h.settle()

	sent := h.notes.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "/电影/test.mkv")
	assert.Equal(t, session.Authenticated, h.session.State())
}

func TestRedirect_AuthFailureExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.cloud.setLinkErr("InvalidSessionKey")

	resp := h.get(t, "/电影/test.mkv")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, session.Expired, h.session.State())

	before := h.cloud.totalLists()

	resp = h.get(t, "/电影/test.mkv")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, before, h.cloud.totalLists())

	h.settle()
	assert.Len(t, h.notes.sent(), 1)
}

func TestRedirect_PrecachesSiblings(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.get(t, "/电影/test.mkv")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	h.settle()

	assert.Equal(t, 1, h.cloud.links("f2"))
	assert.Zero(t, h.cloud.links("d2"), "folders are never precached")
	assert.Equal(t, 1, h.cloud.links("f1"))
}

func TestRedirect_QueryStringIsPartOfName(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.get(t, "/what?.mkv")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://dl.example/q1?n=1", resp.Header.Get("Location"))
}

func TestRedirect_DPrefix(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	resp := h.get(t, "/d/电影/test.mkv")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://dl.example/f1?n=1", resp.Header.Get("Location"))
}

func TestRedirect_ExcludedPaths(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	for _, p := range []string{"/", "/api/unknown", "/static/app.js", "/favicon.ico", "/login"} {
		resp := h.get(t, p)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
	}

	assert.Zero(t, h.cloud.totalLists())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.get(t, "/电影/test.mkv")

	resp := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cloud302_redirect_requests_total{status="302"} 1`)
	assert.Contains(t, string(body), `cloud302_session_state{state="authenticated"} 1`)
}

func TestApply(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.get(t, "/电影/test.mkv")
	h.settle()

	cfg := config.DefaultConfig()
	cfg.Cache.LinkCapacity = 1
	cfg.Server.AdminUser = "admin"
	cfg.Server.AdminPassword = "pw"

	h.server.Apply(cfg)

	assert.Equal(t, 1, h.server.links.Len())

	resp := h.get(t, "/api/status")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
