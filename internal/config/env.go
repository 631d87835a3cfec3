package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variable names for overrides. Apart from CLOUD302_CONFIG these
// are the names the container deployment has always used.
const (
	EnvConfig          = "CLOUD302_CONFIG"
	EnvCookies         = "ENV_189_COOKIES"
	EnvCookiesFile     = "ENV_189_COOKIES_FILE"
	EnvUsername        = "ENV_189_USERNAME"
	EnvPassword        = "ENV_189_PASSWORD"
	EnvPathTTL         = "PATH_CACHE_EXPIRATION"
	EnvLinkTTL         = "CACHE_EXPIRATION"
	EnvLinkCapacity    = "MAX_CACHE_302LINK"
	EnvPrecacheWorkers = "PRECACHE_WORKERS"
	EnvBotToken        = "TG_BOT_TOKEN"
	EnvNotifyChats     = "TG_BOT_NOTIFY_CHAT_IDS"
	EnvUserWhitelist   = "TG_BOT_USER_WHITELIST"
	EnvLogBufferMax    = "LOG_BUFFER_MAX"
	EnvHost            = "HOST"
	EnvPort            = "PORT"
	EnvAdminUser       = "ENV_WEB_PASSPORT"
	EnvAdminPassword   = "ENV_WEB_PASSWORD"
	EnvLogLevel        = "LOG_LEVEL"
)

// LookupFunc matches os.LookupEnv. Tests pass a map-backed lookup.
type LookupFunc func(key string) (string, bool)

// ConfigPathFromEnv returns the CLOUD302_CONFIG override, if any.
func ConfigPathFromEnv() string {
	return os.Getenv(EnvConfig)
}

// ApplyEnv overlays environment variables onto cfg. Only variables that are
// set and non-empty are applied. Malformed numbers are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)

		return v, ok && v != ""
	}

	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	setInt := func(key string, dst *int) {
		v, ok := get(key)
		if !ok {
			return
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}

		*dst = n
	}

	setList := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			*dst = splitList(v)
		}
	}

	setString(EnvCookies, &cfg.Account.Cookies)
	setString(EnvCookiesFile, &cfg.Account.CookiesFile)
	setString(EnvUsername, &cfg.Account.Username)
	setString(EnvPassword, &cfg.Account.Password)
	setInt(EnvPathTTL, &cfg.Cache.PathTTLHours)
	setInt(EnvLinkTTL, &cfg.Cache.LinkTTLMinutes)
	setInt(EnvLinkCapacity, &cfg.Cache.LinkCapacity)
	setInt(EnvPrecacheWorkers, &cfg.Cache.PrecacheWorkers)
	setString(EnvBotToken, &cfg.Notify.TelegramBotToken)
	setList(EnvNotifyChats, &cfg.Notify.ChatIDs)
	setList(EnvUserWhitelist, &cfg.Notify.UserWhitelist)
	setInt(EnvLogBufferMax, &cfg.Notify.LogBufferMax)
	setString(EnvHost, &cfg.Server.Host)
	setInt(EnvPort, &cfg.Server.Port)
	setString(EnvAdminUser, &cfg.Server.AdminUser)
	setString(EnvAdminPassword, &cfg.Server.AdminPassword)
	setString(EnvLogLevel, &cfg.Logging.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %w", errors.Join(errs...))
	}

	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
