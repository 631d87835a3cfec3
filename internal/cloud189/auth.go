package cloud189

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultAuthURL is the Cloud189 unified login host.
const DefaultAuthURL = "https://open.e.189.cn"

// Login endpoints. loginURLPath lives on the web host, the rest on the auth host.
const (
	loginURLPath     = "/api/portal/loginUrl.action"
	appConfPath      = "/api/logbox/oauth2/appConf.do"
	encryptConfPath  = "/api/logbox/config/encryptConf.do"
	loginSubmitPath  = "/api/logbox/oauth2/loginSubmit.do"
	qrUUIDPath       = "/api/logbox/oauth2/getUUID.do"
	qrStatePath      = "/api/logbox/oauth2/qrcodeLoginState.do"
	qrImagePath      = "/api/logbox/oauth2/image.do"
	loginRedirectURL = "https://cloud.189.cn/web/redirect.html"
	loginAppID       = "cloud"
	loginTimeout     = 30 * time.Second
)

// Upstream QR login status codes.
const (
	qrCodeWaiting   = "-106"
	qrCodeScanned   = "-11002"
	qrCodeConfirmed = "0"
	qrCodeExpired   = "-20099"
)

// ErrLoginRejected is returned when the login host refuses the submitted
// credentials. It wraps ErrUnauthorized.
var ErrLoginRejected = fmt.Errorf("cloud189: login rejected: %w", ErrUnauthorized)

// QRState is the upstream sub-state of a QR login.
type QRState int

const (
	QRWaiting QRState = iota
	QRScanned
	QRConfirmed
	QRExpired
)

func (s QRState) String() string {
	switch s {
	case QRWaiting:
		return "waiting"
	case QRScanned:
		return "scanned"
	case QRConfirmed:
		return "confirmed"
	case QRExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// QRChallenge is a pending QR login. UUID is the content to render as a QR
// code; ImageURL is the provider-rendered image of the same code.
type QRChallenge struct {
	UUID     string
	ImageURL string
	IssuedAt time.Time

	encryUUID string
	params    loginParams
	jar       http.CookieJar
}

// QRResult is the outcome of one poll. Cookies is set only when State is
// QRConfirmed.
type QRResult struct {
	State   QRState
	Cookies string
}

// loginParams are the per-attempt values the login host hands out before
// any credential is submitted.
type loginParams struct {
	lt        string
	reqID     string
	referer   string
	returnURL string
	paramID   string
}

// Authenticator drives the open.e.189.cn login flows and turns a successful
// login into a cookie string for the web API host.
type Authenticator struct {
	webURL    string
	authURL   string
	transport http.RoundTripper
	logger    *slog.Logger
	userAgent string
	now       func() time.Time
}

// NewAuthenticator creates an Authenticator. Empty URLs use the production
// hosts; a nil transport uses http.DefaultTransport.
func NewAuthenticator(webURL, authURL string, transport http.RoundTripper, logger *slog.Logger, userAgent string) *Authenticator {
	if webURL == "" {
		webURL = DefaultBaseURL
	}

	if authURL == "" {
		authURL = DefaultAuthURL
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	if logger == nil {
		logger = slog.Default()
	}

	if userAgent == "" {
		userAgent = defaultAgent
	}

	return &Authenticator{
		webURL:    strings.TrimRight(webURL, "/"),
		authURL:   strings.TrimRight(authURL, "/"),
		transport: transport,
		logger:    logger,
		userAgent: userAgent,
		now:       time.Now,
	}
}

// LoginPassword signs in with an account name and password and returns the
// resulting web session cookies.
func (a *Authenticator) LoginPassword(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("cloud189: username and password are required: %w", ErrBadRequest)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fmt.Errorf("cloud189: creating cookie jar: %w", err)
	}

	hc := a.httpClient(jar)

	params, err := a.prepare(ctx, hc)
	if err != nil {
		return "", err
	}

	var enc struct {
		Result flexString `json:"result"`
		Data   struct {
			PubKey string `json:"pubKey"`
			Pre    string `json:"pre"`
		} `json:"data"`
	}

	form := url.Values{"appId": {loginAppID}}
	if err := a.postForm(ctx, hc, a.authURL+encryptConfPath, form, params, &enc); err != nil {
		return "", fmt.Errorf("cloud189: fetching encryption config: %w", err)
	}

	key, err := parsePublicKey(enc.Data.PubKey)
	if err != nil {
		return "", err
	}

	encUser, err := encryptField(key, enc.Data.Pre, username)
	if err != nil {
		return "", err
	}

	encPass, err := encryptField(key, enc.Data.Pre, password)
	if err != nil {
		return "", err
	}

	form = url.Values{
		"appKey":       {loginAppID},
		"accountType":  {"01"},
		"userName":     {encUser},
		"password":     {encPass},
		"validateCode": {""},
		"captchaToken": {""},
		"returnUrl":    {params.returnURL},
		"mailSuffix":   {"@189.cn"},
		"dynamicCheck": {"FALSE"},
		"clientType":   {"1"},
		"cb_SaveName":  {"1"},
		"isOauth2":     {"false"},
		"state":        {""},
		"paramId":      {params.paramID},
	}

	var submit struct {
		Result flexString `json:"result"`
		Msg    string     `json:"msg"`
		ToURL  string     `json:"toUrl"`
	}

	if err := a.postForm(ctx, hc, a.authURL+loginSubmitPath, form, params, &submit); err != nil {
		return "", fmt.Errorf("cloud189: submitting login: %w", err)
	}

	if code := string(submit.Result); code != "0" {
		return "", &APIError{StatusCode: http.StatusOK, Code: code, Message: submit.Msg, Err: ErrLoginRejected}
	}

	cookies, err := a.collect(ctx, hc, jar, submit.ToURL)
	if err != nil {
		return "", err
	}

	a.logger.Info("password login succeeded", slog.String("user", maskAccount(username)))

	return cookies, nil
}

// BeginQR starts a QR login. The returned challenge is passed back to PollQR.
func (a *Authenticator) BeginQR(ctx context.Context) (*QRChallenge, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cloud189: creating cookie jar: %w", err)
	}

	hc := a.httpClient(jar)

	var resp struct {
		Result    flexString `json:"result"`
		UUID      string     `json:"uuid"`
		EncryUUID string     `json:"encryuuid"`
	}

	form := url.Values{"appId": {loginAppID}}
	if err := a.postForm(ctx, hc, a.authURL+qrUUIDPath, form, loginParams{}, &resp); err != nil {
		return nil, fmt.Errorf("cloud189: requesting QR uuid: %w", err)
	}

	if resp.UUID == "" || resp.EncryUUID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: string(resp.Result), Message: "empty QR uuid", Err: ErrUnexpected}
	}

	params, err := a.prepare(ctx, hc)
	if err != nil {
		return nil, err
	}

	ch := &QRChallenge{
		UUID:      resp.UUID,
		ImageURL:  a.authURL + qrImagePath + "?uuid=" + url.QueryEscape(resp.UUID),
		IssuedAt:  a.now(),
		encryUUID: resp.EncryUUID,
		params:    params,
		jar:       jar,
	}

	a.logger.Info("QR login started", slog.String("uuid", truncate(resp.UUID, directLinkLogMaxLen)))

	return ch, nil
}

// PollQR checks a pending QR login once. On confirmation it follows the
// redirect URL to collect the web session cookies.
func (a *Authenticator) PollQR(ctx context.Context, ch *QRChallenge) (*QRResult, error) {
	if ch == nil {
		return nil, fmt.Errorf("cloud189: no QR challenge: %w", ErrBadRequest)
	}

	hc := a.httpClient(ch.jar)
	now := a.now()

	form := url.Values{
		"appId":      {loginAppID},
		"clientType": {"1"},
		"returnUrl":  {ch.params.returnURL},
		"paramId":    {ch.params.paramID},
		"uuid":       {ch.UUID},
		"encryuuid":  {ch.encryUUID},
		"date":       {now.Format("2006-01-0215:04:05") + strconv.Itoa(now.Nanosecond()/1e6)},
		"timeStamp":  {strconv.FormatInt(now.UnixMilli(), 10)},
	}

	var resp struct {
		Status      flexString `json:"status"`
		Result      flexString `json:"result"`
		RedirectURL string     `json:"redirectUrl"`
		Msg         string     `json:"msg"`
	}

	if err := a.postForm(ctx, hc, a.authURL+qrStatePath, form, ch.params, &resp); err != nil {
		return nil, fmt.Errorf("cloud189: polling QR state: %w", err)
	}

	code := string(resp.Status)
	if code == "" {
		code = string(resp.Result)
	}

	a.logger.Debug("QR state polled", slog.String("code", code))

	switch code {
	case qrCodeWaiting:
		return &QRResult{State: QRWaiting}, nil
	case qrCodeScanned:
		return &QRResult{State: QRScanned}, nil
	case qrCodeExpired:
		return &QRResult{State: QRExpired}, nil
	case qrCodeConfirmed:
		cookies, err := a.collect(ctx, hc, ch.jar, resp.RedirectURL)
		if err != nil {
			return nil, err
		}

		return &QRResult{State: QRConfirmed, Cookies: cookies}, nil
	default:
		return nil, &APIError{StatusCode: http.StatusOK, Code: code, Message: resp.Msg, Err: ErrUnexpected}
	}
}

// prepare obtains lt/reqId from the login page redirect and the returnUrl
// and paramId from the app configuration.
func (a *Authenticator) prepare(ctx context.Context, hc *http.Client) (loginParams, error) {
	target := a.webURL + loginURLPath + "?" + url.Values{"redirectURL": {loginRedirectURL}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return loginParams{}, fmt.Errorf("cloud189: creating login page request: %w", err)
	}

	req.Header.Set("User-Agent", a.userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return loginParams{}, fmt.Errorf("cloud189: fetching login page: %w", err)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	final := resp.Request.URL
	params := loginParams{
		lt:      final.Query().Get("lt"),
		reqID:   final.Query().Get("reqId"),
		referer: final.String(),
	}

	if params.lt == "" || params.reqID == "" {
		return loginParams{}, &APIError{
			StatusCode: resp.StatusCode,
			Message:    "login page redirect carries no lt/reqId",
			Err:        ErrUnexpected,
		}
	}

	var conf struct {
		Result flexString `json:"result"`
		Data   struct {
			ReturnURL string `json:"returnUrl"`
			ParamID   string `json:"paramId"`
		} `json:"data"`
	}

	form := url.Values{"appKey": {loginAppID}, "version": {"2.0"}}
	if err := a.postForm(ctx, hc, a.authURL+appConfPath, form, params, &conf); err != nil {
		return loginParams{}, fmt.Errorf("cloud189: fetching app config: %w", err)
	}

	params.returnURL = conf.Data.ReturnURL
	params.paramID = conf.Data.ParamID

	return params, nil
}

// postForm submits a form to the login host and decodes the JSON answer.
// The host labels JSON as text/html, so the content type is not checked.
func (a *Authenticator) postForm(ctx context.Context, hc *http.Client, target string, form url.Values, p loginParams, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Origin", a.authURL)

	if p.lt != "" {
		req.Header.Set("lt", p.lt)
		req.Header.Set("reqId", p.reqID)
		req.Header.Set("Referer", p.referer)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen*4))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errorFromBody(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "decoding response: " + err.Error(), Err: ErrUnexpected}
	}

	return nil
}

// collect follows the post-login redirect so the web host sets its session
// cookies in jar, then renders them as a Cookie header value.
func (a *Authenticator) collect(ctx context.Context, hc *http.Client, jar http.CookieJar, toURL string) (string, error) {
	if toURL == "" {
		return "", &APIError{StatusCode: http.StatusOK, Message: "login succeeded without a redirect URL", Err: ErrUnexpected}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, toURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("cloud189: creating redirect request: %w", err)
	}

	req.Header.Set("User-Agent", a.userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud189: following login redirect: %w", err)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	web, err := url.Parse(a.webURL)
	if err != nil {
		return "", fmt.Errorf("cloud189: parsing web URL: %w", err)
	}

	cookies := cookieString(jar.Cookies(web))
	if cookies == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "login redirect set no cookies", Err: ErrUnauthorized}
	}

	return cookies, nil
}

func (a *Authenticator) httpClient(jar http.CookieJar) *http.Client {
	return &http.Client{Transport: a.transport, Jar: jar, Timeout: loginTimeout}
}

// cookieString renders cookies as a Cookie header value with a stable order.
func cookieString(cookies []*http.Cookie) string {
	sort.Slice(cookies, func(i, j int) bool { return cookies[i].Name < cookies[j].Name })

	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}

	return strings.Join(parts, "; ")
}

// parsePublicKey accepts the login host's RSA key either as bare base64 DER
// or as a PEM block.
func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	var der []byte

	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("cloud189: decoding login public key: %w", err)
		}

		der = decoded
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cloud189: parsing login public key: %w", err)
	}

	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("cloud189: login public key is not RSA")
	}

	return key, nil
}

// encryptField RSA-encrypts value and renders it the way loginSubmit expects:
// the key's prefix followed by lowercase hex.
func encryptField(key *rsa.PublicKey, prefix, value string) (string, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(value))
	if err != nil {
		return "", fmt.Errorf("cloud189: encrypting login field: %w", err)
	}

	return prefix + hex.EncodeToString(out), nil
}

// maskAccount keeps the first and last characters of an account name.
func maskAccount(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return "****"
	}

	return string(r[:2]) + "****" + string(r[len(r)-2:])
}
