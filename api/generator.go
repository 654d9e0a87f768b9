package api

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/olgasafonova/mediawiki-client/metrics"
)

// Generator is a lazily-advancing result sequence. Next fetches further
// server rounds as needed and reports whether an item is available; Item
// returns it. After Next returns false, Err distinguishes exhaustion from
// failure. Generators are single-pass forward iterators and are not safe
// for concurrent use.
type Generator interface {
	Next(ctx context.Context) bool
	Item() map[string]any
	Err() error
}

// GenOption configures a generator at construction.
type GenOption func(*QueryGenerator)

// WithLimit caps the total number of items the generator yields.
func WithLimit(n int) GenOption {
	return func(g *QueryGenerator) { g.cap = n }
}

// WithPacingModule overrides which limited submodule's limit parameter is
// adaptively tuned. By default the first limited submodule in request order
// paces the generator and the rest are pinned to "max".
func WithPacingModule(name string) GenOption {
	return func(g *QueryGenerator) { g.pacingOverride = name }
}

// WithNamespaces filters yielded items client-side to the given namespaces,
// for modules without native multi-namespace filtering.
func WithNamespaces(ns ...int) GenOption {
	return func(g *QueryGenerator) {
		g.namespaces = make(map[int]bool, len(ns))
		for _, n := range ns {
			g.namespaces[n] = true
		}
	}
}

// WithGeneratorThrottle opts every round's request into the site throttle.
func WithGeneratorThrottle() GenOption {
	return func(g *QueryGenerator) { g.useThrottle = true }
}

// QueryGenerator drives an action=query continuation loop and yields the
// items of one result container. ListGenerator, PageGenerator and
// PropertyGenerator are shape-specific constructors over this core.
type QueryGenerator struct {
	client *Client
	params Params

	kind      string // metric label: list, pages, prop
	resultKey string // container key under "query"
	modules   []string

	pacingOverride string
	pacingModule   string // submodule being adaptively limited
	pacingPrefix   string // its parameter prefix, e.g. "ap"
	serverLimit    int
	increment      int  // limit requested in the previous round
	prevEmpty      bool // previous round yielded nothing substantive
	userLimited    bool // caller set the limit parameter, leave it alone

	cap        int // total item cap, <0 means unlimited
	count      int
	namespaces map[int]bool

	useThrottle bool
	legacy      bool // query-continue servers
	reissue     bool // modules that never continue (list=random)
	cont        map[string]string

	// ingest post-processes each round's raw items; PropertyGenerator
	// installs the title-merging buffer here. Called once more with
	// final=true when the server stops continuing.
	ingest func(items []map[string]any, final bool) []map[string]any

	started bool
	done    bool
	err     error
	buf     []map[string]any
	pos     int
	item    map[string]any
}

// NewListGenerator iterates a list= query submodule, e.g. "allpages".
func (c *Client) NewListGenerator(list string, extra Params, opts ...GenOption) *QueryGenerator {
	params := queryParams(extra)
	params["list"] = []string{list}
	return c.newQueryGenerator("list", list, params, opts...)
}

// NewPageGenerator iterates page objects produced by a generator= module,
// e.g. "categorymembers".
func (c *Client) NewPageGenerator(generator string, extra Params, opts ...GenOption) *QueryGenerator {
	params := queryParams(extra)
	params["generator"] = []string{generator}
	return c.newQueryGenerator("pages", "pages", params, opts...)
}

func (c *Client) newQueryGenerator(kind, resultKey string, params Params, opts ...GenOption) *QueryGenerator {
	g := &QueryGenerator{
		client:    c,
		params:    params,
		kind:      kind,
		resultKey: resultKey,
		cap:       -1,
	}
	g.ingest = func(items []map[string]any, final bool) []map[string]any { return items }
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func queryParams(extra Params) Params {
	params := extra.Clone()
	if params == nil {
		params = make(Params)
	}
	params["action"] = []string{"query"}
	return params
}

// Item returns the current item. Valid only after Next returned true.
func (g *QueryGenerator) Item() map[string]any { return g.item }

// Err returns the error that stopped iteration, if any.
func (g *QueryGenerator) Err() error { return g.err }

// Count returns the number of items yielded so far.
func (g *QueryGenerator) Count() int { return g.count }

// Next advances to the next item, fetching continuation rounds as needed.
func (g *QueryGenerator) Next(ctx context.Context) bool {
	if g.err != nil {
		return false
	}
	for {
		if g.pos < len(g.buf) {
			g.item = g.buf[g.pos]
			g.pos++
			g.count += nestedCount(g.item, g.pacingModule)
			if g.cap >= 0 && g.count >= g.cap {
				g.done = true
				g.buf = nil
				g.pos = 0
			}
			return true
		}
		if g.done {
			return false
		}
		if err := g.fetchRound(ctx); err != nil {
			g.err = err
			return false
		}
	}
}

// fetchRound issues one query round, buffers its items and advances the
// continuation state. Rounds are strictly sequential.
func (g *QueryGenerator) fetchRound(ctx context.Context) error {
	if !g.started {
		if err := g.setup(ctx); err != nil {
			return err
		}
		g.started = true
	}

	params := g.params.Clone()
	if g.pacingPrefix != "" && !g.userLimited {
		n := g.serverLimit
		if g.cap >= 0 && g.cap-g.count < n {
			n = g.cap - g.count
		}
		if g.prevEmpty {
			// The previous round yielded nothing substantive, usually
			// because client-side filtering dropped everything. Ask for
			// more raw items to move faster through sparse result spaces.
			n = g.increment * 2
			if n > g.serverLimit {
				n = g.serverLimit
			}
		}
		if n < 1 {
			n = 1
		}
		g.increment = n
		params[g.pacingPrefix+"limit"] = []string{strconv.Itoa(n)}
	}
	for k, v := range g.cont {
		params[k] = []string{v}
	}

	var ropts []RequestOption
	if g.useThrottle {
		ropts = append(ropts, WithThrottle())
	}
	result, err := g.client.NewRequest(params, ropts...).Submit(ctx)
	if err != nil {
		return err
	}
	metrics.ContinuationRounds.WithLabelValues(g.kind).Inc()

	var items []map[string]any
	query, hasQuery := result["query"].(map[string]any)
	if hasQuery {
		items = resolveContainer(query[g.resultKey], query)
	}
	items = g.filterNamespaces(items)

	more := g.advanceContinuation(result)
	items = g.ingest(items, false)
	if !more {
		items = append(items, g.ingest(nil, true)...)
		g.done = true
	} else {
		g.prevEmpty = len(items) == 0
	}
	if !hasQuery && !g.done && len(g.cont) == 0 && !g.reissue {
		// No result container and nothing to continue from.
		g.done = true
	}

	g.buf = items
	g.pos = 0
	return nil
}

// setup resolves submodule metadata once: the continuation protocol
// generation, which submodules carry limit parameters, the pacing module
// and its server-side limit ceiling.
func (g *QueryGenerator) setup(ctx context.Context) error {
	g.legacy = !g.client.site.Version().AtLeast(1, 26)

	for _, param := range []string{"list", "prop", "generator"} {
		for _, raw := range g.params[param] {
			for _, name := range strings.Split(raw, "|") {
				if name != "" {
					g.modules = append(g.modules, name)
				}
			}
		}
	}

	type limited struct {
		name   string
		prefix string
		max    int
	}
	var limitedModules []limited
	for _, name := range g.modules {
		if name == "random" {
			g.reissue = true
		}
		meta, err := g.client.ParamInfo().Module(ctx, "query+"+name)
		if err != nil {
			return fmt.Errorf("resolving query submodule %q: %w", name, err)
		}
		limitParam := findParameter(meta, "limit")
		if limitParam == nil {
			continue
		}
		prefix, _ := meta["prefix"].(string)
		max := defaultBatchLimit
		if m, ok := limitParam["max"].(float64); ok && m > 0 {
			max = int(m)
		}
		limitedModules = append(limitedModules, limited{name: name, prefix: prefix, max: max})
	}

	for i, lm := range limitedModules {
		pick := i == 0
		if g.pacingOverride != "" {
			pick = lm.name == g.pacingOverride
		}
		if pick && g.pacingModule == "" {
			g.pacingModule = lm.name
			g.pacingPrefix = lm.prefix
			g.serverLimit = lm.max
			g.userLimited = g.params.Has(lm.prefix + "limit")
		} else if !g.params.Has(lm.prefix + "limit") {
			// Only one module's limit can be tuned per round; pin the rest
			// to their maximum to avoid under-fetching them.
			g.params[lm.prefix+"limit"] = []string{"max"}
		}
	}

	// Revision content is expensive; keep rounds small regardless of the
	// advertised ceiling.
	if g.pacingModule == "revisions" &&
		containsValue(g.params[g.pacingPrefix+"prop"], "content") &&
		g.serverLimit > 250 {
		g.serverLimit = 250
	}
	g.increment = g.serverLimit
	return nil
}

// advanceContinuation reads the response's continuation block into the next
// round's parameters. Returns false when iteration should stop.
func (g *QueryGenerator) advanceContinuation(result map[string]any) bool {
	if g.legacy {
		qc, ok := result["query-continue"].(map[string]any)
		if !ok {
			return g.reissue
		}
		g.cont = make(map[string]string)
		for _, block := range qc {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			for k, v := range m {
				g.cont[k] = stringifyContinue(v)
			}
		}
		return true
	}

	c, ok := result["continue"].(map[string]any)
	if !ok {
		return g.reissue
	}
	g.cont = make(map[string]string, len(c))
	for k, v := range c {
		g.cont[k] = stringifyContinue(v)
	}
	return true
}

func (g *QueryGenerator) filterNamespaces(items []map[string]any) []map[string]any {
	if len(g.namespaces) == 0 {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if ns, ok := item["ns"].(float64); ok && !g.namespaces[int(ns)] {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// stringifyContinue renders a continuation value for the wire. Numbers come
// back from JSON as float64 and must not grow a decimal point.
func stringifyContinue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// nestedCount counts an item against the caller's cap. An item carrying a
// continuable sub-list (a page's revisions under a continuing revisions
// query) counts as the sub-list's length, otherwise pagination undercounts.
func nestedCount(item map[string]any, pacingModule string) int {
	if pacingModule == "" {
		return 1
	}
	if sub, ok := item[pacingModule].([]any); ok && len(sub) > 0 {
		return len(sub)
	}
	return 1
}

// resolveContainer turns the result container into an ordered item slice.
// A flat list iterates directly. A mapping prefers an explicit "results"
// sub-key, then the enclosing object's "pageids" ordering (preserves
// server-determined relevance order), then lexicographic key order.
func resolveContainer(container any, enclosing map[string]any) []map[string]any {
	switch data := container.(type) {
	case []any:
		items := make([]map[string]any, 0, len(data))
		for _, raw := range data {
			if m, ok := raw.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	case map[string]any:
		if results, ok := data["results"].([]any); ok {
			return resolveContainer(results, enclosing)
		}
		if order, ok := enclosing["pageids"].([]any); ok {
			items := make([]map[string]any, 0, len(order))
			for _, rawID := range order {
				id := stringifyContinue(rawID)
				if m, ok := data[id].(map[string]any); ok {
					items = append(items, m)
				}
			}
			return items
		}
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			if m, ok := data[k].(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items
	default:
		return nil
	}
}

// PropertyGenerator iterates a prop= query. A single page's properties can
// arrive spread over several non-contiguous rounds, so pages are buffered
// by title, newly arrived fields merged in, and a page is yielded only once
// it stops appearing in the current round's result set.
type PropertyGenerator struct {
	*QueryGenerator

	order   []string
	pending map[string]map[string]any
}

// NewPropertyGenerator iterates a prop= submodule, e.g. "revisions", over
// the titles or pageids given in extra.
func (c *Client) NewPropertyGenerator(prop string, extra Params, opts ...GenOption) *PropertyGenerator {
	params := queryParams(extra)
	params["prop"] = []string{prop}
	pg := &PropertyGenerator{
		QueryGenerator: c.newQueryGenerator("prop", "pages", params, opts...),
		pending:        make(map[string]map[string]any),
	}
	pg.QueryGenerator.ingest = pg.ingestRound
	return pg
}

// ingestRound merges a round's pages into the title-keyed buffer and
// releases the pages confirmed complete, i.e. buffered but absent from this
// round. The final call flushes everything still pending.
func (pg *PropertyGenerator) ingestRound(items []map[string]any, final bool) []map[string]any {
	if final {
		out := make([]map[string]any, 0, len(pg.order))
		for _, title := range pg.order {
			if page, ok := pg.pending[title]; ok {
				out = append(out, page)
			}
		}
		pg.order = nil
		pg.pending = make(map[string]map[string]any)
		return out
	}

	current := make(map[string]bool, len(items))
	for _, item := range items {
		title, _ := item["title"].(string)
		if title == "" {
			continue
		}
		current[title] = true
		if buffered, ok := pg.pending[title]; ok {
			mergePage(buffered, item)
		} else {
			pg.pending[title] = item
			pg.order = append(pg.order, title)
		}
	}

	var out []map[string]any
	remaining := pg.order[:0]
	for _, title := range pg.order {
		if current[title] {
			remaining = append(remaining, title)
			continue
		}
		out = append(out, pg.pending[title])
		delete(pg.pending, title)
	}
	pg.order = remaining
	return out
}

// mergePage folds src's fields into dst: list-valued fields extend, scalar
// fields overwrite only with a matching type.
func mergePage(dst, src map[string]any) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		if list, ok := existing.([]any); ok {
			if add, ok := v.([]any); ok {
				dst[k] = append(list, add...)
			}
			continue
		}
		if fmt.Sprintf("%T", existing) == fmt.Sprintf("%T", v) {
			dst[k] = v
		}
	}
}

// APIGenerator pages through a non-query action that takes explicit limit
// and offset parameters instead of the continuation protocol.
type APIGenerator struct {
	client *Client
	params Params

	dataKey      string
	limitName    string
	continueName string

	batch  int
	offset int
	cap    int
	count  int

	buf  []map[string]any
	pos  int
	item map[string]any
	done bool
	err  error
}

// NewAPIGenerator builds a raw paging generator. dataKey names the response
// key holding the item list; limitName and continueName are the module's
// paging parameters.
func (c *Client) NewAPIGenerator(action, dataKey, limitName, continueName string, extra Params) *APIGenerator {
	params := extra.Clone()
	if params == nil {
		params = make(Params)
	}
	params["action"] = []string{action}
	return &APIGenerator{
		client:       c,
		params:       params,
		dataKey:      dataKey,
		limitName:    limitName,
		continueName: continueName,
		batch:        defaultBatchLimit,
		cap:          -1,
	}
}

// SetLimit caps the total number of items yielded.
func (g *APIGenerator) SetLimit(n int) { g.cap = n }

// SetBatchSize adjusts the per-round request size.
func (g *APIGenerator) SetBatchSize(n int) {
	if n > 0 {
		g.batch = n
	}
}

func (g *APIGenerator) Item() map[string]any { return g.item }
func (g *APIGenerator) Err() error           { return g.err }

func (g *APIGenerator) Next(ctx context.Context) bool {
	if g.err != nil {
		return false
	}
	for {
		if g.pos < len(g.buf) {
			g.item = g.buf[g.pos]
			g.pos++
			g.count++
			if g.cap >= 0 && g.count >= g.cap {
				g.done = true
				g.buf = nil
				g.pos = 0
			}
			return true
		}
		if g.done {
			return false
		}
		if err := g.fetchRound(ctx); err != nil {
			g.err = err
			return false
		}
	}
}

func (g *APIGenerator) fetchRound(ctx context.Context) error {
	n := g.batch
	if g.cap >= 0 && g.cap-g.count < n {
		n = g.cap - g.count
	}
	if n < 1 {
		n = 1
	}

	params := g.params.Clone()
	params[g.limitName] = []string{strconv.Itoa(n)}
	params[g.continueName] = []string{strconv.Itoa(g.offset)}

	result, err := g.client.NewRequest(params).Submit(ctx)
	if err != nil {
		return err
	}
	metrics.ContinuationRounds.WithLabelValues("raw").Inc()

	items := resolveContainer(dig(result, g.dataKey), result)
	g.offset += n
	if len(items) < n {
		g.done = true
	}
	g.buf = items
	g.pos = 0
	return nil
}

// dig walks a dotted key path through nested objects.
func dig(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}
