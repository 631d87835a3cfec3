// Package config implements TOML configuration loading, validation, and
// path resolution for cloud302. It supports a four-layer override chain
// (defaults -> config file -> environment -> CLI flags). Environment names
// follow the deployment conventions of the container image (ENV_189_COOKIES,
// MAX_CACHE_302LINK, ...), so existing .env files keep working.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Account  AccountConfig  `toml:"account"`
	Cache    CacheConfig    `toml:"cache"`
	Upstream UpstreamConfig `toml:"upstream"`
	Notify   NotifyConfig   `toml:"notify"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig controls the HTTP listener and the admin API guard. When
// AdminUser and AdminPassword are both set, every /api/ route requires
// HTTP basic auth.
type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	AdminUser       string `toml:"admin_user"`
	AdminPassword   string `toml:"admin_password"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// AccountConfig holds the login sources tried at startup, in order: inline
// cookies, the cookie file, then username/password. CookiesFile is also
// where the session is persisted after every successful login.
type AccountConfig struct {
	Cookies     string `toml:"cookies"`
	CookiesFile string `toml:"cookies_file"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// CacheConfig sizes the path and link caches and the precache pool. A zero
// TTL or capacity disables the corresponding layer.
type CacheConfig struct {
	PathTTLHours    int `toml:"path_ttl_hours"`
	LinkTTLMinutes  int `toml:"link_ttl_minutes"`
	LinkCapacity    int `toml:"link_capacity"`
	PrecacheWorkers int `toml:"precache_workers"`
}

// UpstreamConfig controls the Cloud189 HTTP client.
type UpstreamConfig struct {
	BaseURL           string  `toml:"base_url"`
	AuthURL           string  `toml:"auth_url"`
	UserAgent         string  `toml:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	ConnectTimeout    string  `toml:"connect_timeout"`
	DataTimeout       string  `toml:"data_timeout"`
	FetchTimeout      string  `toml:"fetch_timeout"`
}

// NotifyConfig configures the Telegram failure notifications, the /189log
// chat command, and the in-memory recent log buffer behind it.
type NotifyConfig struct {
	TelegramBotToken string   `toml:"telegram_bot_token"`
	TelegramAPIURL   string   `toml:"telegram_api_url"`
	ChatIDs          []string `toml:"chat_ids"`
	UserWhitelist    []string `toml:"user_whitelist"`
	LogBufferMax     int      `toml:"log_buffer_max"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Host       *string // --host flag
	Port       *int    // --port flag
}

// Addr returns the listen address in host:port form.
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AdminAuthEnabled reports whether the admin API requires basic auth.
func (s *ServerConfig) AdminAuthEnabled() bool {
	return s.AdminUser != "" && s.AdminPassword != ""
}

// PathTTL returns the path cache lifetime.
func (c *CacheConfig) PathTTL() time.Duration {
	return time.Duration(c.PathTTLHours) * time.Hour
}

// LinkTTL returns the link cache lifetime.
func (c *CacheConfig) LinkTTL() time.Duration {
	return time.Duration(c.LinkTTLMinutes) * time.Minute
}

// TelegramEnabled reports whether a bot token is configured.
func (n *NotifyConfig) TelegramEnabled() bool {
	return n.TelegramBotToken != ""
}

// Duration parses a validated duration field. Callers only use it on a
// Config that passed Validate, so a parse failure falls back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}
