package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrInvalidConfig wraps every validation failure. Fatal at startup; a
// failed reload keeps the previous config.
var ErrInvalidConfig = errors.New("invalid config")

// Validation range constants.
const (
	minPort            = 1
	maxPort            = 65535
	minPrecacheWorkers = 1
	maxPrecacheWorkers = 32
	minLogBuffer       = 1
	maxLogBuffer       = 100_000
	minShutdownTimeout = 1 * time.Second
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
	minFetchTimeout    = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found,
// joined and wrapped in ErrInvalidConfig. It accumulates every error rather
// than stopping at the first, so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateUpstream(&cfg.Upstream)...)
	errs = append(errs, validateNotify(&cfg.Notify)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Port < minPort || s.Port > maxPort {
		errs = append(errs, fmt.Errorf("server.port: must be between %d and %d, got %d", minPort, maxPort, s.Port))
	}

	if (s.AdminUser == "") != (s.AdminPassword == "") {
		errs = append(errs, errors.New("server.admin_user and server.admin_password must be set together"))
	}

	errs = append(errs, validateDuration("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if c.PathTTLHours < 0 {
		errs = append(errs, fmt.Errorf("cache.path_ttl_hours: must be >= 0, got %d", c.PathTTLHours))
	}

	if c.LinkTTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("cache.link_ttl_minutes: must be >= 0, got %d", c.LinkTTLMinutes))
	}

	if c.LinkCapacity < 0 {
		errs = append(errs, fmt.Errorf("cache.link_capacity: must be >= 0, got %d", c.LinkCapacity))
	}

	if c.PrecacheWorkers < minPrecacheWorkers || c.PrecacheWorkers > maxPrecacheWorkers {
		errs = append(errs, fmt.Errorf("cache.precache_workers: must be between %d and %d, got %d",
			minPrecacheWorkers, maxPrecacheWorkers, c.PrecacheWorkers))
	}

	return errs
}

func validateUpstream(u *UpstreamConfig) []error {
	var errs []error

	errs = append(errs, validateURL("upstream.base_url", u.BaseURL)...)
	errs = append(errs, validateURL("upstream.auth_url", u.AuthURL)...)

	if u.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("upstream.requests_per_second: must be > 0, got %s",
			strconv.FormatFloat(u.RequestsPerSecond, 'g', -1, 64)))
	}

	if u.Burst < 1 {
		errs = append(errs, fmt.Errorf("upstream.burst: must be >= 1, got %d", u.Burst))
	}

	errs = append(errs, validateDuration("upstream.connect_timeout", u.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("upstream.data_timeout", u.DataTimeout, minDataTimeout)...)
	errs = append(errs, validateDuration("upstream.fetch_timeout", u.FetchTimeout, minFetchTimeout)...)

	return errs
}

func validateNotify(n *NotifyConfig) []error {
	var errs []error

	if n.LogBufferMax < minLogBuffer || n.LogBufferMax > maxLogBuffer {
		errs = append(errs, fmt.Errorf("notify.log_buffer_max: must be between %d and %d, got %d",
			minLogBuffer, maxLogBuffer, n.LogBufferMax))
	}

	if n.TelegramEnabled() {
		errs = append(errs, validateURL("notify.telegram_api_url", n.TelegramAPIURL)...)
	}

	for _, id := range n.ChatIDs {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("notify.chat_ids: %q is not a numeric chat id", id))
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateDuration(field, value string, floor time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < floor {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, floor, d)}
	}

	return nil
}

func validateURL(field, value string) []error {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return []error{fmt.Errorf("%s: must be an absolute http(s) URL, got %q", field, value)}
	}

	return nil
}
