package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and match the container image defaults.
const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 8515
	defaultShutdownTimeout   = "10s"
	defaultCookiesFile       = "db/cookies.txt"
	defaultPathTTLHours      = 12
	defaultLinkTTLMinutes    = 720
	defaultLinkCapacity      = 100
	defaultPrecacheWorkers   = 4
	defaultBaseURL           = "https://cloud.189.cn"
	defaultAuthURL           = "https://open.e.189.cn"
	defaultRequestsPerSecond = 10
	defaultBurst             = 20
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"
	defaultFetchTimeout      = "30s"
	defaultTelegramAPIURL    = "https://api.telegram.org"
	defaultLogBufferMax      = 1000
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            defaultHost,
			Port:            defaultPort,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Account: AccountConfig{
			CookiesFile: defaultCookiesFile,
		},
		Cache: CacheConfig{
			PathTTLHours:    defaultPathTTLHours,
			LinkTTLMinutes:  defaultLinkTTLMinutes,
			LinkCapacity:    defaultLinkCapacity,
			PrecacheWorkers: defaultPrecacheWorkers,
		},
		Upstream: UpstreamConfig{
			BaseURL:           defaultBaseURL,
			AuthURL:           defaultAuthURL,
			RequestsPerSecond: defaultRequestsPerSecond,
			Burst:             defaultBurst,
			ConnectTimeout:    defaultConnectTimeout,
			DataTimeout:       defaultDataTimeout,
			FetchTimeout:      defaultFetchTimeout,
		},
		Notify: NotifyConfig{
			TelegramAPIURL: defaultTelegramAPIURL,
			LogBufferMax:   defaultLogBufferMax,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
