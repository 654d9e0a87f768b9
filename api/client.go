package api

import (
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olgasafonova/mediawiki-client/internal/infra"
)

// Client ties a Site to the HTTP transport and owns the per-site shared
// state: the paraminfo cache, the disk cache and the throttle. A Client is
// safe for concurrent use; individual Requests are not.
type Client struct {
	site   Site
	cfg    *Config
	http   *http.Client
	logger *slog.Logger

	paraminfo     *ParamInfo
	paraminfoOnce sync.Once

	cacheOnce sync.Once
	cache     *infra.DiskCache
	cacheErr  error

	throttle *infra.Throttle

	// loginInProgress suppresses recursive re-login recovery while the
	// login handshake itself is running.
	loginInProgress atomic.Bool
}

// NewClient creates a client for site. A nil cfg uses DefaultConfig, a nil
// logger uses slog.Default.
func NewClient(site Site, cfg *Config, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	jar, _ := cookiejar.New(nil)

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		site: site,
		cfg:  cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Jar:       jar,
			Transport: transport,
		},
		logger:   logger,
		throttle: infra.NewThrottle(site.String(), cfg.CacheDir, 0, 0),
	}
	return c
}

// Site returns the site this client talks to.
func (c *Client) Site() Site { return c.site }

// Config returns the active configuration.
func (c *Client) Config() *Config { return c.cfg }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// ParamInfo returns the lazily-created paraminfo cache for this site.
func (c *Client) ParamInfo() *ParamInfo {
	c.paraminfoOnce.Do(func() {
		c.paraminfo = newParamInfo(c)
	})
	return c.paraminfo
}

// SetHTTPClient swaps the HTTP transport; intended for tests and custom
// transports (proxies, OAuth signers).
func (c *Client) SetHTTPClient(h *http.Client) {
	c.http = h
}

// diskCache opens the on-disk query cache once per client.
func (c *Client) diskCache() (*infra.DiskCache, error) {
	c.cacheOnce.Do(func() {
		c.cache, c.cacheErr = infra.NewDiskCache(c.cfg.CacheDir)
	})
	return c.cache, c.cacheErr
}

// Close releases the client's throttle registration.
func (c *Client) Close() {
	c.throttle.Close()
}
