package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds pipeline tuning knobs. All fields have working defaults; only
// the user agent is worth customizing for polite bots.
type Config struct {
	// UserAgent identifies the client to the wiki.
	UserAgent string `koanf:"useragent"`

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `koanf:"timeout"`

	// MaxRetries is the retry budget for transient failures.
	MaxRetries int `koanf:"maxretries"`

	// RetryWait is the initial backoff sleep; it doubles each retry.
	RetryWait time.Duration `koanf:"retrywait"`

	// RetryMax caps the doubling backoff sleep.
	RetryMax time.Duration `koanf:"retrymax"`

	// MaxLag is the maxlag parameter in seconds; 0 disables it.
	MaxLag int `koanf:"maxlag"`

	// CacheDir is the base directory for the on-disk query cache.
	CacheDir string `koanf:"cachedir"`

	// MaxCacheExpiry caps the expiry a CachedRequest may ask for.
	MaxCacheExpiry time.Duration `koanf:"maxcacheexpiry"`

	// Simulate short-circuits every write action to a canned success
	// response without contacting the server.
	Simulate bool `koanf:"simulate"`

	// SimulateActions lists additional actions to short-circuit even when
	// Simulate is off.
	SimulateActions []string `koanf:"simulateactions"`

	// GETOverHTTP permits GET requests on plain-HTTP endpoints. Off by
	// default, which forces POST when the connection is not TLS.
	GETOverHTTP bool `koanf:"getoverhttp"`

	// MaxURLLength is the query-string budget above which a GET request is
	// downgraded to POST at send time.
	MaxURLLength int `koanf:"maxurllength"`
}

// EnvPrefix is the environment namespace for config overrides, e.g.
// MEDIAWIKI_MAXRETRIES=5.
const EnvPrefix = "MEDIAWIKI_"

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:      "mediawiki-client-go/1.0 (https://github.com/olgasafonova/mediawiki-client)",
		Timeout:        30 * time.Second,
		MaxRetries:     5,
		RetryWait:      1 * time.Second,
		RetryMax:       120 * time.Second,
		MaxLag:         5,
		CacheDir:       "",
		MaxCacheExpiry: 24 * time.Hour,
		MaxURLLength:   8100,
	}
}

// LoadConfig assembles the effective configuration: defaults overridden by
// MEDIAWIKI_-prefixed environment variables.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")
	def := DefaultConfig()

	if err := k.Load(confmap.Provider(map[string]any{
		"useragent":      def.UserAgent,
		"timeout":        def.Timeout,
		"maxretries":     def.MaxRetries,
		"retrywait":      def.RetryWait,
		"retrymax":       def.RetryMax,
		"maxlag":         def.MaxLag,
		"cachedir":       def.CacheDir,
		"maxcacheexpiry": def.MaxCacheExpiry,
		"simulate":       def.Simulate,
		"getoverhttp":    def.GETOverHTTP,
		"maxurllength":   def.MaxURLLength,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	transform := func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the retry loop cannot operate with.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("config: maxretries must be >= 0")
	}
	if c.RetryWait <= 0 {
		return errors.New("config: retrywait must be positive")
	}
	if c.RetryMax < c.RetryWait {
		return errors.New("config: retrymax must be >= retrywait")
	}
	if c.MaxLag < 0 {
		return errors.New("config: maxlag must be >= 0")
	}
	if c.MaxURLLength < 500 {
		return errors.New("config: maxurllength unreasonably small")
	}
	return nil
}

// simulated reports whether the given action must be short-circuited.
func (c *Config) simulated(action string, isWrite bool) bool {
	if c.Simulate && isWrite {
		return true
	}
	for _, a := range c.SimulateActions {
		if a == action {
			return true
		}
	}
	return false
}
