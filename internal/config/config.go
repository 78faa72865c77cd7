package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreSQLite StoreBackend = "sqlite"
)

const (
	DefaultCacheName      = "car-inspection-v1"
	DefaultOfflineMessage = "Офлайн режим. Проверьте подключение к интернету."
)

// DefaultPrecacheURLs is the application shell stored at install time.
func DefaultPrecacheURLs() []string {
	return []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/auto.png",
		"/cartech.png",
		"/wheels.png",
	}
}

type Config struct {
	//===============
	//  Origin
	//===============
	// Application origin every intercepted path is resolved against.
	origin url.URL
	// Address the agent listens on, e.g. ":8787"
	listenAddr string

	//===============
	//  Cache
	//===============
	// Generation label. Every cache with a different name is deleted on activation.
	cacheName string
	// Paths stored at install time, all-or-nothing
	precacheURLs []string
	// Body of the plain-text response returned when cache and network both fail
	offlineMessage string
	// Cache store implementation
	storeBackend StoreBackend
	// SQLite database file, used by the sqlite backend only
	storePath string

	//===============
	// Fetch
	//===============
	// Maximum time of a single network fetch
	timeout time.Duration
	// User agent set on outbound requests that carry none
	userAgent string

	//===============
	// Audit
	//===============
	// Page scanned for asset references by the precache audit
	entryPage string
	// Web app manifest scanned for icons by the precache audit
	webManifest string

	//===============
	// Logging
	//===============
	logLevel string
}

type configDTO struct {
	Origin         string   `json:"origin"`
	ListenAddr     string   `json:"listenAddr,omitempty"`
	CacheName      string   `json:"cacheName,omitempty"`
	PrecacheURLs   []string `json:"precacheUrls,omitempty"`
	OfflineMessage string   `json:"offlineMessage,omitempty"`
	StoreBackend   string   `json:"storeBackend,omitempty"`
	StorePath      string   `json:"storePath,omitempty"`
	Timeout        string   `json:"timeout,omitempty"`
	UserAgent      string   `json:"userAgent,omitempty"`
	EntryPage      string   `json:"entryPage,omitempty"`
	WebManifest    string   `json:"webManifest,omitempty"`
	LogLevel       string   `json:"logLevel,omitempty"`
}

func newConfigFromDTO(dto configDTO) (*Config, error) {
	origin, err := ParseOrigin(dto.Origin)
	if err != nil {
		return nil, err
	}
	cfg := WithDefault(origin)

	// Only override if a non-zero value is provided
	if dto.ListenAddr != "" {
		cfg.listenAddr = dto.ListenAddr
	}
	if dto.CacheName != "" {
		cfg.cacheName = dto.CacheName
	}
	if len(dto.PrecacheURLs) > 0 {
		cfg.precacheURLs = dto.PrecacheURLs
	}
	if dto.OfflineMessage != "" {
		cfg.offlineMessage = dto.OfflineMessage
	}
	if dto.StoreBackend != "" {
		cfg.storeBackend = StoreBackend(dto.StoreBackend)
	}
	if dto.StorePath != "" {
		cfg.storePath = dto.StorePath
	}
	if dto.Timeout != "" {
		timeout, err := time.ParseDuration(dto.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %s", ErrConfigParsingFail, err.Error())
		}
		cfg.timeout = timeout
	}
	if dto.UserAgent != "" {
		cfg.userAgent = dto.UserAgent
	}
	if dto.EntryPage != "" {
		cfg.entryPage = dto.EntryPage
	}
	if dto.WebManifest != "" {
		cfg.webManifest = dto.WebManifest
	}
	if dto.LogLevel != "" {
		cfg.logLevel = dto.LogLevel
	}
	return cfg, nil
}

// WithConfigFile loads a JSON config file on top of the defaults. The result
// is still a builder so environment and flag overrides can be layered on.
func WithConfigFile(path string) (*Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileDoesNotExist, err.Error())
	}
	configContent, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReadConfigFail, err.Error())
	}
	cfgDTO := configDTO{}

	err = json.Unmarshal(configContent, &cfgDTO)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigParsingFail, err.Error())
	}

	return newConfigFromDTO(cfgDTO)
}

// ParseOrigin parses an absolute http(s) URL and reduces it to its origin.
func ParseOrigin(raw string) (url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return url.URL{}, fmt.Errorf("%w: origin cannot be empty", ErrInvalidConfig)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, fmt.Errorf("%w: origin %q: %s", ErrInvalidConfig, raw, err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return url.URL{}, fmt.Errorf("%w: origin %q must use http or https", ErrInvalidConfig, raw)
	}
	if parsed.Host == "" {
		return url.URL{}, fmt.Errorf("%w: origin %q has no host", ErrInvalidConfig, raw)
	}
	return url.URL{Scheme: parsed.Scheme, Host: parsed.Host}, nil
}

// WithDefault creates a new Config for origin with default values for all other fields.
func WithDefault(origin url.URL) *Config {
	defaultConfig := Config{
		origin:         origin,
		listenAddr:     ":8787",
		cacheName:      DefaultCacheName,
		precacheURLs:   DefaultPrecacheURLs(),
		offlineMessage: DefaultOfflineMessage,
		storeBackend:   StoreMemory,
		storePath:      "offline-agent/cache.db",
		timeout:        10 * time.Second,
		userAgent:      "offline-agent/1.0",
		entryPage:      "/index.html",
		webManifest:    "/manifest.json",
		logLevel:       "info",
	}
	return &defaultConfig
}

func (c *Config) WithOrigin(origin url.URL) *Config {
	c.origin = origin
	return c
}

func (c *Config) WithListenAddr(addr string) *Config {
	c.listenAddr = addr
	return c
}

func (c *Config) WithCacheName(name string) *Config {
	c.cacheName = name
	return c
}

func (c *Config) WithPrecacheURLs(paths []string) *Config {
	c.precacheURLs = paths
	return c
}

func (c *Config) WithOfflineMessage(message string) *Config {
	c.offlineMessage = message
	return c
}

func (c *Config) WithStoreBackend(backend StoreBackend) *Config {
	c.storeBackend = backend
	return c
}

func (c *Config) WithStorePath(path string) *Config {
	c.storePath = path
	return c
}

func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.timeout = timeout
	return c
}

func (c *Config) WithUserAgent(agent string) *Config {
	c.userAgent = agent
	return c
}

func (c *Config) WithEntryPage(path string) *Config {
	c.entryPage = path
	return c
}

func (c *Config) WithWebManifest(path string) *Config {
	c.webManifest = path
	return c
}

func (c *Config) WithLogLevel(level string) *Config {
	c.logLevel = level
	return c
}

func (c *Config) Build() (Config, error) {
	if c.origin.Scheme == "" || c.origin.Host == "" {
		return Config{}, fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.cacheName) == "" {
		return Config{}, fmt.Errorf("%w: cacheName cannot be empty", ErrInvalidConfig)
	}
	if len(c.precacheURLs) == 0 {
		return Config{}, fmt.Errorf("%w: precacheUrls cannot be empty", ErrInvalidConfig)
	}
	for _, p := range c.precacheURLs {
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("%w: precache path %q must start with /", ErrInvalidConfig, p)
		}
	}
	switch c.storeBackend {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.storePath) == "" {
			return Config{}, fmt.Errorf("%w: storePath is required for the sqlite store", ErrInvalidConfig)
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.storeBackend)
	}
	if c.timeout < 0 {
		return Config{}, fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.listenAddr) == "" {
		return Config{}, fmt.Errorf("%w: listenAddr cannot be empty", ErrInvalidConfig)
	}

	built := *c
	built.precacheURLs = append([]string(nil), c.precacheURLs...)
	return built, nil
}

func (c Config) Origin() url.URL {
	return c.origin
}

func (c Config) ListenAddr() string {
	return c.listenAddr
}

func (c Config) CacheName() string {
	return c.cacheName
}

func (c Config) PrecacheURLs() []string {
	paths := make([]string, len(c.precacheURLs))
	copy(paths, c.precacheURLs)
	return paths
}

func (c Config) OfflineMessage() string {
	return c.offlineMessage
}

func (c Config) StoreBackend() StoreBackend {
	return c.storeBackend
}

func (c Config) StorePath() string {
	return c.storePath
}

func (c Config) Timeout() time.Duration {
	return c.timeout
}

func (c Config) UserAgent() string {
	return c.userAgent
}

func (c Config) EntryPage() string {
	return c.entryPage
}

func (c Config) WebManifest() string {
	return c.webManifest
}

func (c Config) LogLevel() string {
	return c.logLevel
}
