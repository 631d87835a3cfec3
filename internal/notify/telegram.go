package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/cloud302/internal/metrics"
)

const (
	logCommand     = "/189log"
	logReplyLines  = 100
	messageLimit   = 3800
	pollTimeout    = 30 * time.Second
	pollRetryDelay = 2 * time.Second
	sendTimeout    = 10 * time.Second
)

// ErrTelegram is returned when the Bot API answers ok=false or a non-2xx
// status.
var ErrTelegram = errors.New("notify: telegram request failed")

// Telegram sends notifications through a bot and answers the /189log
// command with the tail of the log buffer.
type Telegram struct {
	apiURL     string
	token      string
	httpClient *http.Client
	logs       *LogBuffer
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// sleepFunc waits between failed polls. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	chatIDs   []string
	whitelist map[string]bool
}

// NewTelegram creates a bot client. apiURL is the Bot API base, normally
// https://api.telegram.org.
func NewTelegram(
	apiURL, token string, httpClient *http.Client, logs *LogBuffer,
	logger *slog.Logger, m *metrics.Metrics,
) *Telegram {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Telegram{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		httpClient: httpClient,
		logs:       logs,
		logger:     logger,
		metrics:    m,
		sleepFunc:  sleepCtx,
		whitelist:  map[string]bool{},
	}
}

// SetTargets replaces the notification chats and the users allowed to run
// /189log. An empty whitelist rejects every user.
func (t *Telegram) SetTargets(chatIDs, whitelist []string) {
	wl := make(map[string]bool, len(whitelist))
	for _, id := range whitelist {
		wl[id] = true
	}

	t.mu.Lock()
	t.chatIDs = append([]string(nil), chatIDs...)
	t.whitelist = wl
	t.mu.Unlock()
}

// Notify sends message to every configured chat.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	t.mu.RLock()
	chats := t.chatIDs
	t.mu.RUnlock()

	var errs []error

	for _, chat := range chats {
		err := t.send(ctx, chat, message, "")
		t.metrics.RecordNotification(err)

		if err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chat, err))
		}
	}

	return errors.Join(errs...)
}

// Run long-polls for bot updates until ctx is canceled.
func (t *Telegram) Run(ctx context.Context) error {
	t.mu.RLock()
	if len(t.whitelist) == 0 {
		t.logger.Warn("telegram user whitelist is empty, /189log will reject every user")
	}
	t.mu.RUnlock()

	var offset int64

	for {
		next, err := t.poll(ctx, offset)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			t.logger.Warn("telegram polling failed", slog.String("error", err.Error()))

			if err := t.sleepFunc(ctx, pollRetryDelay); err != nil {
				return nil
			}

			continue
		}

		offset = next
	}
}

type botUser struct {
	ID int64 `json:"id"`
}

type botChat struct {
	ID int64 `json:"id"`
}

type botMessage struct {
	Text string  `json:"text"`
	From botUser `json:"from"`
	Chat botChat `json:"chat"`
}

type botUpdate struct {
	UpdateID      int64       `json:"update_id"`
	Message       *botMessage `json:"message"`
	EditedMessage *botMessage `json:"edited_message"`
}

type botResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// poll fetches one batch of updates, handles them, and returns the next
// offset.
func (t *Telegram) poll(ctx context.Context, offset int64) (int64, error) {
	query := url.Values{}
	query.Set("timeout", strconv.Itoa(int(pollTimeout/time.Second)))
	query.Set("offset", strconv.FormatInt(offset, 10))

	pctx, cancel := context.WithTimeout(ctx, pollTimeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, t.methodURL("getUpdates")+"?"+query.Encode(), nil)
	if err != nil {
		return offset, fmt.Errorf("notify: creating request: %w", err)
	}

	var updates []botUpdate
	if err := t.do(req, &updates); err != nil {
		return offset, err
	}

	for _, u := range updates {
		offset = max(offset, u.UpdateID+1)

		msg := u.Message
		if msg == nil {
			msg = u.EditedMessage
		}

		if msg == nil || !strings.HasPrefix(msg.Text, logCommand) {
			continue
		}

		t.handleLogCommand(ctx, msg)
	}

	return offset, nil
}

func (t *Telegram) handleLogCommand(ctx context.Context, msg *botMessage) {
	user := strconv.FormatInt(msg.From.ID, 10)
	chat := strconv.FormatInt(msg.Chat.ID, 10)

	t.mu.RLock()
	allowed := t.whitelist[user]
	t.mu.RUnlock()

	if !allowed {
		t.logger.Info("rejected /189log from unlisted user", slog.String("user", user))
		t.reply(ctx, chat, "未授权的用户", "")

		return
	}

	var lines []string
	if t.logs != nil {
		lines = t.logs.Recent(logReplyLines)
	}

	for i, l := range lines {
		lines[i] = sanitizeLine(l)
	}

	payload := strings.TrimSpace(strings.Join(lines, "\n"))
	if payload == "" {
		t.reply(ctx, chat, "暂无日志", "")
		return
	}

	for _, part := range splitMessage(payload, messageLimit) {
		t.reply(ctx, chat, "<pre>"+html.EscapeString(part)+"</pre>", "HTML")
	}
}

func (t *Telegram) reply(ctx context.Context, chat, text, parseMode string) {
	if err := t.send(ctx, chat, text, parseMode); err != nil {
		t.logger.Warn("telegram reply failed", slog.String("chat", chat), slog.String("error", err.Error()))
	}
}

func (t *Telegram) send(ctx context.Context, chat, text, parseMode string) error {
	form := url.Values{}
	form.Set("chat_id", chat)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	if parseMode != "" {
		form.Set("parse_mode", parseMode)
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sctx, http.MethodPost, t.methodURL("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return t.do(req, nil)
}

func (t *Telegram) do(req *http.Request, result any) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		// url.Error quotes the request URL, which carries the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}

		return fmt.Errorf("notify: %s %s: %w", req.Method, path.Base(req.URL.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("notify: reading response: %w", err)
	}

	var br botResponse
	if err := json.Unmarshal(body, &br); err != nil || resp.StatusCode/100 != 2 || !br.OK {
		return fmt.Errorf("%w: HTTP %d: %s", ErrTelegram, resp.StatusCode, br.Description)
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(br.Result, result); err != nil {
		return fmt.Errorf("notify: decoding result: %w", err)
	}

	return nil
}

func (t *Telegram) methodURL(method string) string {
	return t.apiURL + "/bot" + t.token + "/" + method
}

var ansiEscape = regexp.MustCompile(`\x1b?\[[0-9;]*m`)

// sanitizeLine removes ANSI color sequences, including ones whose escape
// byte was already stripped.
func sanitizeLine(line string) string {
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.ReplaceAll(line, "\x1b", "")
}

// splitMessage cuts text at line boundaries into parts of at most limit
// bytes. A single line longer than limit becomes its own part.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var (
		parts   []string
		current []string
		length  int
	)

	for _, line := range strings.Split(text, "\n") {
		n := len(line) + 1
		if length+n > limit && len(current) > 0 {
			parts = append(parts, strings.Join(current, "\n"))
			current, length = nil, 0
		}

		current = append(current, line)
		length += n
	}

	if len(current) > 0 {
		parts = append(parts, strings.Join(current, "\n"))
	}

	return parts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
