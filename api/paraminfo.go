package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olgasafonova/mediawiki-client/internal/infra"
	"github.com/olgasafonova/mediawiki-client/metrics"
)

// defaultBatchLimit is used until the bootstrap learns the server's real
// paraminfo batch ceiling.
const defaultBatchLimit = 50

// paraminfoExpiry bounds how long fetched module metadata may be replayed
// from the disk cache. Module signatures change only on MediaWiki upgrades.
const paraminfoExpiry = 24 * time.Hour

// submoduleParams maps module names to the parameters whose value sets name
// submodules, for servers too old to flag submodules in paraminfo output.
var submoduleParams = map[string][]string{
	"main":  {"action"},
	"query": {"prop", "list", "meta", "generator"},
}

// ParamInfo is the per-site cache of action=paraminfo module metadata. It
// answers "does this module exist", "must it be POSTed" and "what are its
// parameters" without a network round trip after the first fetch. Safe for
// concurrent use.
type ParamInfo struct {
	client *Client
	group  *infra.FetchGroup

	mu      sync.Mutex
	modules map[string]map[string]any
	limit   int

	initOnce sync.Once
	initErr  error
}

func newParamInfo(c *Client) *ParamInfo {
	return &ParamInfo{
		client:  c,
		group:   infra.NewFetchGroup(),
		modules: make(map[string]map[string]any),
		limit:   defaultBatchLimit,
	}
}

// init preloads the main and paraminfo modules and derives the server's
// batch limit from the paraminfo module's own "modules" parameter.
func (pi *ParamInfo) init(ctx context.Context) error {
	pi.initOnce.Do(func() {
		if err := pi.fetchBatch(ctx, []string{"main", "paraminfo"}); err != nil {
			pi.initErr = err
			return
		}
		pi.mu.Lock()
		defer pi.mu.Unlock()
		meta, ok := pi.modules["paraminfo"]
		if !ok {
			return
		}
		if param := findParameter(meta, "modules"); param != nil {
			if limit, ok := param["limit"].(float64); ok && limit > 0 {
				pi.limit = int(limit)
			}
		}
	})
	return pi.initErr
}

// Fetch ensures metadata for the named module paths is cached, batching
// lookups under the server's limit and coalescing concurrent fetches of the
// same batch. Unknown module names are skipped silently; callers probe for
// module existence by fetching and then checking the cache.
func (pi *ParamInfo) Fetch(ctx context.Context, names ...string) error {
	if err := pi.init(ctx); err != nil {
		return err
	}

	pi.mu.Lock()
	var missing []string
	seen := make(map[string]bool)
	for _, name := range names {
		name = pi.normalize(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := pi.modules[name]; !ok {
			missing = append(missing, name)
		}
	}
	limit := pi.limit
	pi.mu.Unlock()

	sort.Strings(missing)
	for len(missing) > 0 {
		batch := missing
		if len(batch) > limit {
			batch = batch[:limit]
		}
		missing = missing[len(batch):]

		key := strings.Join(batch, "|")
		_, _, err := pi.group.Do(ctx, key, func() (any, error) {
			return nil, pi.fetchBatch(ctx, batch)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// fetchBatch performs one paraminfo request and stores every returned
// module. When the server answers with different module names than
// requested (alias resolution on old servers), a one-for-one mismatch is
// remapped under the requested name; larger mismatches re-queue the missing
// names individually, best effort.
func (pi *ParamInfo) fetchBatch(ctx context.Context, names []string) error {
	params := MustParams(map[string]any{
		"action":  "paraminfo",
		"modules": names,
	})
	req := pi.client.NewCachedRequest(params, paraminfoExpiry)
	req.skipModuleCheck = true

	result, err := req.Submit(ctx)
	if err != nil {
		return fmt.Errorf("paraminfo fetch for %v: %w", names, err)
	}
	metrics.ParamInfoFetches.Inc()

	payload, _ := result["paraminfo"].(map[string]any)
	rawModules, _ := payload["modules"].([]any)

	returned := make(map[string]map[string]any)
	for _, raw := range rawModules {
		meta, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		path, _ := meta["path"].(string)
		if path == "" {
			path, _ = meta["name"].(string)
		}
		if path != "" {
			returned[pi.normalize(path)] = meta
		}
	}

	pi.mu.Lock()
	var missing []string
	for _, name := range names {
		if meta, ok := returned[name]; ok {
			pi.modules[name] = meta
			delete(returned, name)
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) == 1 && len(returned) == 1 {
		// The server resolved an alias. Keep it addressable under the
		// requested name too.
		for path, meta := range returned {
			pi.client.logger.Warn("paraminfo module name mismatch",
				"requested", missing[0], "returned", path)
			pi.modules[missing[0]] = meta
			pi.modules[path] = meta
		}
		missing = nil
	} else {
		for path, meta := range returned {
			pi.modules[path] = meta
		}
	}
	metrics.ParamInfoModules.Set(float64(len(pi.modules)))
	pi.mu.Unlock()

	if len(missing) > 0 && len(names) > 1 {
		for _, name := range missing {
			if err := pi.fetchBatch(ctx, []string{name}); err != nil {
				pi.client.logger.Warn("paraminfo module unavailable",
					"module", name, "error", err)
			}
		}
	}
	return nil
}

// normalize maps a module name to its canonical cache key. Modern servers
// address query submodules as "query+name"; older ones used bare names.
func (pi *ParamInfo) normalize(name string) string {
	return strings.TrimSpace(name)
}

// Module returns the metadata for a module path, fetching it on demand. A
// bare submodule name is retried as "query+name" before giving up.
func (pi *ParamInfo) Module(ctx context.Context, path string) (map[string]any, error) {
	if err := pi.Fetch(ctx, path); err != nil {
		return nil, err
	}
	pi.mu.Lock()
	meta, ok := pi.modules[path]
	pi.mu.Unlock()
	if ok {
		return meta, nil
	}

	if !strings.Contains(path, "+") && path != "main" {
		alias := "query+" + path
		if err := pi.Fetch(ctx, alias); err != nil {
			return nil, err
		}
		pi.mu.Lock()
		meta, ok = pi.modules[alias]
		pi.mu.Unlock()
		if ok {
			return meta, nil
		}
	}
	return nil, fmt.Errorf("unknown API module %q", path)
}

// Parameter returns the metadata of one parameter of a module. An unknown
// module is an error; a known module without the parameter returns nil.
func (pi *ParamInfo) Parameter(ctx context.Context, module, name string) (map[string]any, error) {
	meta, err := pi.Module(ctx, module)
	if err != nil {
		return nil, err
	}
	return findParameter(meta, name), nil
}

// Submodules lists the submodule names of a module. With asPath the names
// are returned as full paths ("query+allpages"), otherwise bare.
func (pi *ParamInfo) Submodules(ctx context.Context, module string, asPath bool) ([]string, error) {
	meta, err := pi.Module(ctx, module)
	if err != nil {
		return nil, err
	}

	var names []string
	params, _ := meta["parameters"].([]any)
	modern := pi.client.site.Version().AtLeast(1, 25)
	for _, raw := range params {
		param, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pname, _ := param["name"].(string)
		if modern {
			if _, ok := param["submodules"]; !ok {
				continue
			}
		} else if !containsValue(submoduleParams[module], pname) {
			continue
		}
		values, _ := param["type"].([]any)
		for _, v := range values {
			if s, ok := v.(string); ok && s != "" {
				names = append(names, strings.TrimPrefix(s, "!"))
			}
		}
	}

	sort.Strings(names)
	if asPath {
		for i, n := range names {
			names[i] = module + "+" + n
		}
	}
	return names, nil
}

// Known reports whether a module path is already in the cache, without
// triggering a fetch.
func (pi *ParamInfo) Known(path string) bool {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	_, ok := pi.modules[path]
	return ok
}

// Len returns the number of cached modules.
func (pi *ParamInfo) Len() int {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return len(pi.modules)
}

// findParameter scans a module's parameter list for a name.
func findParameter(meta map[string]any, name string) map[string]any {
	params, _ := meta["parameters"].([]any)
	for _, raw := range params {
		param, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if pname, _ := param["name"].(string); pname == name {
			return param
		}
	}
	return nil
}
