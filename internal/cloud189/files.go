package cloud189

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// API paths relative to the base URL.
const (
	listFilesPath       = "/api/portal/listFiles.action"
	videoURLPath        = "/api/open/file/getNewVlcVideoPlayUrl.action"
	videoPortalURLPath  = "/api/portal/getNewVlcVideoPlayUrl.action"
	downloadURLPath     = "/api/open/file/getFileDownloadUrl.action"
	userInfoPath        = "/api/open/user/getUserInfoForPortal.action"
	directLinkLogMaxLen = 80
)

// ErrNoDownloadURL is returned when every link issuance endpoint answered
// without a usable URL.
var ErrNoDownloadURL = errors.New("cloud189: item has no download URL")

// ListFolder returns one page of the children of folderID. Pages are
// 1-based; RecordCount is the total number of children across all pages.
func (c *Client) ListFolder(ctx context.Context, folderID string, pageNum, pageSize int) (*FolderPage, error) {
	query := url.Values{}
	query.Set("fileId", folderID)
	query.Set("pageNum", strconv.Itoa(pageNum))
	query.Set("pageSize", strconv.Itoa(pageSize))

	var resp listFilesResponse
	if err := c.getJSON(ctx, listFilesPath, query, &resp); err != nil {
		return nil, fmt.Errorf("cloud189: listing folder %s page %d: %w", folderID, pageNum, err)
	}

	items := resp.Data
	if len(items) == 0 {
		items = resp.FileList
	}

	page := &FolderPage{
		Entries:     make([]Entry, 0, len(items)),
		RecordCount: resp.RecordCount,
	}

	for i := range items {
		e := items[i].toEntry()
		if e.ParentID == "" {
			e.ParentID = folderID
		}

		page.Entries = append(page.Entries, e)
	}

	c.logger.Debug("listed folder",
		slog.String("folder_id", folderID),
		slog.Int("page", pageNum),
		slog.Int("entries", len(page.Entries)),
		slog.Int("record_count", page.RecordCount),
	)

	return page, nil
}

// linkSource is one link issuance endpoint and the extractor for its body.
type linkSource struct {
	name    string
	path    string
	extract func(c *Client, ctx context.Context, query url.Values) (string, error)
}

// linkSources are tried in order: the video play URL endpoints suit large
// media files, the plain download URL covers everything else.
var linkSources = []linkSource{
	{name: "video", path: videoURLPath, extract: videoURL(videoURLPath)},
	{name: "video_portal", path: videoPortalURLPath, extract: videoURL(videoPortalURLPath)},
	{name: "download", path: downloadURLPath, extract: (*Client).downloadURL},
}

// DirectLink issues a time-limited download URL for fileID. Endpoints are
// tried in order and the first usable URL wins. An authentication or
// throttling failure stops the chain immediately since every endpoint shares
// the session and the rate limit.
func (c *Client) DirectLink(ctx context.Context, fileID string) (*Link, error) {
	query := url.Values{}
	query.Set("fileId", fileID)

	var errs []error

	for _, src := range linkSources {
		raw, err := src.extract(c, ctx, query)
		if err != nil {
			if IsAuthError(err) || errors.Is(err, ErrThrottled) || ctx.Err() != nil {
				return nil, fmt.Errorf("cloud189: issuing link for %s: %w", fileID, err)
			}

			c.logger.Debug("link source failed",
				slog.String("source", src.name),
				slog.String("file_id", fileID),
				slog.String("error", err.Error()),
			)

			errs = append(errs, fmt.Errorf("%s: %w", src.name, err))

			continue
		}

		if raw == "" {
			errs = append(errs, fmt.Errorf("%s: %w", src.name, ErrNoDownloadURL))
			continue
		}

		link := &Link{URL: raw, Expiry: linkExpiry(raw)}

		c.logger.Debug("issued direct link",
			slog.String("source", src.name),
			slog.String("file_id", fileID),
			slog.String("url", truncate(raw, directLinkLogMaxLen)),
			slog.Time("expiry", link.Expiry),
		)

		return link, nil
	}

	return nil, fmt.Errorf("cloud189: issuing link for %s: %w", fileID, errors.Join(errs...))
}

// videoURL returns an extractor for the getNewVlcVideoPlayUrl endpoints.
func videoURL(path string) func(c *Client, ctx context.Context, query url.Values) (string, error) {
	return func(c *Client, ctx context.Context, query url.Values) (string, error) {
		q := cloneValues(query)
		q.Set("type", "2")

		var resp videoURLResponse
		if err := c.getJSON(ctx, path, q, &resp); err != nil {
			return "", err
		}

		return normalizeLink(resp.Normal.URL), nil
	}
}

// downloadURL extracts the plain download link. The API HTML-escapes the
// ampersands in this field.
func (c *Client) downloadURL(ctx context.Context, query url.Values) (string, error) {
	var resp downloadURLResponse
	if err := c.getJSON(ctx, downloadURLPath, query, &resp); err != nil {
		return "", err
	}

	raw := resp.FileDownloadURL
	if raw == "" {
		raw = resp.DownloadURL
	}

	return normalizeLink(html.UnescapeString(raw)), nil
}

// Verify checks that cookies belong to a live session with one lightweight
// profile call. It does not use the client's CookieSource.
func (c *Client) Verify(ctx context.Context, cookies string) (*UserInfo, error) {
	if strings.TrimSpace(cookies) == "" {
		return nil, fmt.Errorf("cloud189: empty cookies: %w", ErrUnauthorized)
	}

	var resp userInfoResponse
	if err := c.getJSONWithCookies(ctx, userInfoPath, nil, cookies, &resp); err != nil {
		return nil, fmt.Errorf("cloud189: verifying session: %w", err)
	}

	return &UserInfo{LoginName: resp.LoginName, Nickname: resp.Nickname}, nil
}

// normalizeLink turns scheme-relative URLs ("//download.cloud.189.cn/...")
// into absolute https URLs.
func normalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}

	return raw
}

// linkExpiry extracts the provider expiry from a signed download URL.
// Cloud189 uses "expired" in unix milliseconds; CDN-signed URLs use
// "Expires" in unix seconds. Returns zero when neither is present.
func linkExpiry(raw string) time.Time {
	u, err := url.Parse(raw)
	if err != nil {
		return time.Time{}
	}

	q := u.Query()

	if v := q.Get("expired"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}

	for _, key := range []string{"Expires", "expires"} {
		if v := q.Get(key); v != "" {
			if s, err := strconv.ParseInt(v, 10, 64); err == nil && s > 0 {
				return time.Unix(s, 0)
			}
		}
	}

	return time.Time{}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}

	return out
}

// truncate shortens s for logging. Direct URLs embed auth tokens, so only a
// prefix is ever logged.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
