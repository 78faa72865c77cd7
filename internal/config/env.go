package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable read by WithEnv.
const EnvPrefix = "OFFLINE_AGENT_"

type envDTO struct {
	Origin         string        `env:"ORIGIN"`
	ListenAddr     string        `env:"LISTEN_ADDR"`
	CacheName      string        `env:"CACHE_NAME"`
	PrecacheURLs   []string      `env:"PRECACHE_URLS" envSeparator:","`
	OfflineMessage string        `env:"OFFLINE_MESSAGE"`
	StoreBackend   string        `env:"STORE"`
	StorePath      string        `env:"STORE_PATH"`
	Timeout        time.Duration `env:"TIMEOUT"`
	UserAgent      string        `env:"USER_AGENT"`
}

// WithEnv applies OFFLINE_AGENT_* environment overrides to c.
func (c *Config) WithEnv() (*Config, error) {
	return c.withEnvironment(nil)
}

// withEnvironment reads from environ instead of the process environment
// when environ is non-nil.
func (c *Config) withEnvironment(environ map[string]string) (*Config, error) {
	var dto envDTO
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&dto, opts); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvParsingFail, err.Error())
	}

	if dto.Origin != "" {
		origin, err := ParseOrigin(dto.Origin)
		if err != nil {
			return nil, err
		}
		c.origin = origin
	}
	if dto.ListenAddr != "" {
		c.listenAddr = dto.ListenAddr
	}
	if dto.CacheName != "" {
		c.cacheName = dto.CacheName
	}
	if len(dto.PrecacheURLs) > 0 {
		c.precacheURLs = dto.PrecacheURLs
	}
	if dto.OfflineMessage != "" {
		c.offlineMessage = dto.OfflineMessage
	}
	if dto.StoreBackend != "" {
		c.storeBackend = StoreBackend(dto.StoreBackend)
	}
	if dto.StorePath != "" {
		c.storePath = dto.StorePath
	}
	if dto.Timeout != 0 {
		c.timeout = dto.Timeout
	}
	if dto.UserAgent != "" {
		c.userAgent = dto.UserAgent
	}
	return c, nil
}
