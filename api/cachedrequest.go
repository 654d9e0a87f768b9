package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olgasafonova/mediawiki-client/internal/infra"
	"github.com/olgasafonova/mediawiki-client/metrics"
)

// CachedRequest is a Request whose successful responses are persisted on
// disk and replayed for identical requests until they expire. Only
// idempotent reads should be cached; write actions are rejected at
// submission.
type CachedRequest struct {
	*Request
	expiry time.Duration
}

// NewCachedRequest builds a cached request. The expiry is capped by the
// configured MaxCacheExpiry; a zero or negative expiry disables the cache
// for this request.
func (c *Client) NewCachedRequest(params Params, expiry time.Duration, opts ...RequestOption) *CachedRequest {
	if expiry > c.cfg.MaxCacheExpiry {
		expiry = c.cfg.MaxCacheExpiry
	}
	return &CachedRequest{
		Request: c.NewRequest(params, opts...),
		expiry:  expiry,
	}
}

// description renders the identity of this request: site, requesting user
// and the full sorted parameter string. Two requests with equal
// descriptions are interchangeable, so the description doubles as the cache
// key preimage and as a collision check inside the stored entry.
func (r *CachedRequest) description() (string, error) {
	encoded, err := r.params.Encode(r.site.Encoding())
	if err != nil {
		return "", err
	}
	user := "-"
	if r.site.LoggedIn() {
		user = fmt.Sprintf("User(User:%s)", r.site.Username())
	}
	return fmt.Sprintf("%s%s%s", r.site.String(), user, encoded), nil
}

// Submit returns the cached response when a fresh entry exists, otherwise
// performs the request and stores the result. Cache hits replay response
// warnings so hit and miss are observationally identical.
func (r *CachedRequest) Submit(ctx context.Context) (map[string]any, error) {
	if r.isWrite {
		return nil, fmt.Errorf("refusing to cache write action %q", r.action)
	}
	if err := r.addDefaults(); err != nil {
		return nil, err
	}
	if r.expiry <= 0 {
		return r.Request.Submit(ctx)
	}

	cache, err := r.client.diskCache()
	if err != nil {
		r.client.logger.Warn("disk cache unavailable, going to network", "error", err)
		return r.Request.Submit(ctx)
	}

	desc, err := r.description()
	if err != nil {
		return nil, err
	}
	key := infra.Key(desc)

	if entry, ok, err := cache.Load(key); err == nil && ok {
		if entry.Description != desc {
			return nil, fmt.Errorf("cache key collision for %q", key)
		}
		if time.Since(entry.CachedAt) < r.expiry {
			var result map[string]any
			if err := json.Unmarshal(entry.Payload, &result); err == nil {
				metrics.RecordCacheAccess(true)
				r.client.logger.Debug("cache hit", "action", r.action, "key", key)
				r.handleWarnings(result)
				return result, nil
			}
			// Unreadable payload: treat as a miss and overwrite below.
		}
	}
	metrics.RecordCacheAccess(false)

	result, err := r.Request.Submit(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return result, nil
	}
	if err := cache.Store(key, &infra.Entry{
		Description: desc,
		Payload:     payload,
		CachedAt:    time.Now().UTC(),
	}); err != nil {
		r.client.logger.Warn("cache store failed", "key", key, "error", err)
	}
	return result, nil
}
