package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/olgasafonova/mediawiki-client/metrics"
	"github.com/olgasafonova/mediawiki-client/tracing"
)

// writeActions is the fixed catalog of mutating actions. Requests for these
// are never sent as GET, are subject to write throttling and are
// short-circuited in simulate mode.
var writeActions = map[string]bool{
	"block":          true,
	"clearhasmsg":    true,
	"createaccount":  true,
	"delete":         true,
	"edit":           true,
	"emailuser":      true,
	"filerevert":     true,
	"imagerotate":    true,
	"import":         true,
	"managetags":     true,
	"mergehistory":   true,
	"move":           true,
	"options":        true,
	"patrol":         true,
	"protect":        true,
	"purge":          true,
	"revisiondelete": true,
	"rollback":       true,
	"tag":            true,
	"thank":          true,
	"unblock":        true,
	"undelete":       true,
	"upload":         true,
	"userrights":     true,
	"watch":          true,
}

var writeActionPrefixes = []string{
	"wbcreate", "wbedit", "wbmerge", "wbremove", "wbset", "wblinktitles",
}

func isWriteAction(action string) bool {
	if writeActions[action] {
		return true
	}
	for _, prefix := range writeActionPrefixes {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}

// busyCodes are server-side congestion signals worth waiting out.
var busyCodes = map[string]bool{
	"ratelimited":    true,
	"pool-queuefull": true,
	"pool-timeout":   true,
}

// FilePart is a binary upload attached to a request parameter. Its presence
// switches the whole request to multipart POST.
type FilePart struct {
	Filename string
	Content  []byte
}

// Request is a one-shot builder for a single API call. Construct it through
// Client.NewRequest, optionally adjust parameters with SetParam, then call
// Submit once. A Request is not safe for concurrent use and must not be
// resubmitted after Submit returns.
type Request struct {
	client *Client
	site   Site

	params Params
	action string

	isWrite     bool
	useThrottle bool
	files       map[string]FilePart

	maxRetries int
	retryWait  time.Duration

	// skipModuleCheck bypasses the paraminfo GET-safety lookup. Set for the
	// paraminfo bootstrap and the login handshake, which must not recurse
	// into the cache they are populating.
	skipModuleCheck bool

	defaultsAdded  bool
	submitted      bool
	forcePost      bool
	nonceRetried   bool
	maxlagAttempts int

	// sleeper performs the backoff pauses. Replaced in tests.
	sleeper func(ctx context.Context, d time.Duration) error
}

// RequestOption configures a Request at construction.
type RequestOption func(*Request)

// WithThrottle opts the request into the per-site pacing throttle.
func WithThrottle() RequestOption {
	return func(r *Request) { r.useThrottle = true }
}

// WithRetries overrides the retry budget for this request.
func WithRetries(n int) RequestOption {
	return func(r *Request) { r.maxRetries = n }
}

// WithRetryWait overrides the initial backoff sleep for this request.
func WithRetryWait(d time.Duration) RequestOption {
	return func(r *Request) { r.retryWait = d }
}

// WithFile attaches binary content to a parameter, switching the request to
// multipart POST.
func WithFile(param, filename string, content []byte) RequestOption {
	return func(r *Request) {
		if r.files == nil {
			r.files = make(map[string]FilePart)
		}
		r.files[param] = FilePart{Filename: filename, Content: content}
	}
}

// NewRequest builds a request from the given parameters. The parameter set
// is copied: the request exclusively owns its parameters after construction
// and later mutation of the caller's map has no effect.
func (c *Client) NewRequest(params Params, opts ...RequestOption) *Request {
	r := &Request{
		client:     c,
		site:       c.site,
		params:     params.Clone(),
		maxRetries: c.cfg.MaxRetries,
		retryWait:  c.cfg.RetryWait,
		sleeper:    sleep,
	}
	r.action = r.params.First("action")
	r.isWrite = isWriteAction(r.action)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Action returns the request's action parameter.
func (r *Request) Action() string { return r.action }

// IsWrite reports whether the action is in the mutating catalog.
func (r *Request) IsWrite() bool { return r.isWrite }

// SetParam mutates a parameter before submission. After Submit has been
// called the parameter set is sealed.
func (r *Request) SetParam(key string, value any) error {
	if r.submitted {
		return fmt.Errorf("request already submitted, parameters are sealed")
	}
	return r.params.Set(key, value)
}

// Params returns a copy of the current parameter set for inspection.
func (r *Request) Params() Params {
	return r.params.Clone()
}

// addDefaults adds the implicit parameters every call needs. Applied exactly
// once, before the first send.
func (r *Request) addDefaults() error {
	if r.defaultsAdded {
		return nil
	}
	r.defaultsAdded = true

	if f := r.params.First("format"); f != "" && f != "json" {
		return fmt.Errorf("unsupported response format %q: the pipeline only speaks JSON", f)
	}
	r.params["format"] = []string{"json"}

	// meta=userinfo lets every query response double as a session check.
	// Login-token fetches skip it: on private wikis userinfo itself needs
	// auth and the addition would be circular.
	if r.action == "query" && !r.isLoginTokenRequest() {
		mergeMulti(r.params, "meta", "userinfo")
		mergeMulti(r.params, "uiprop", "blockinfo", "hasmsg")
	}

	if r.client.cfg.MaxLag > 0 && !r.params.Has("maxlag") {
		r.params["maxlag"] = []string{strconv.Itoa(r.client.cfg.MaxLag)}
	}
	return nil
}

func (r *Request) isLoginTokenRequest() bool {
	return containsValue(r.params["meta"], "tokens") &&
		containsValue(r.params["type"], "login")
}

// containsValue reports whether want occurs in vals, splitting pipe-joined
// entries.
func containsValue(vals []string, want string) bool {
	for _, v := range vals {
		for _, part := range strings.Split(v, "|") {
			if part == want {
				return true
			}
		}
	}
	return false
}

// mergeMulti appends values to a multi-valued parameter, skipping ones
// already present.
func mergeMulti(p Params, key string, values ...string) {
	for _, v := range values {
		if !containsValue(p[key], v) {
			p[key] = append(p[key], v)
		}
	}
}

// useGET decides the HTTP method. GET is used only when the configuration
// and connection allow it and paraminfo confirms that no referenced module
// requires POST.
func (r *Request) useGET(ctx context.Context) bool {
	if r.isWrite || len(r.files) > 0 {
		return false
	}
	if r.site.UsesOAuth() {
		return false
	}
	if !r.client.cfg.GETOverHTTP && !strings.HasPrefix(r.site.APIEndpoint(), "https://") {
		return false
	}
	if r.skipModuleCheck {
		return true
	}

	var paths []string
	if r.action == "query" {
		for _, param := range []string{"list", "prop", "generator"} {
			for _, raw := range r.params[param] {
				for _, name := range strings.Split(raw, "|") {
					if name != "" {
						paths = append(paths, "query+"+name)
					}
				}
			}
		}
	} else if r.action != "" {
		paths = []string{r.action}
	}

	for _, path := range paths {
		meta, err := r.client.ParamInfo().Module(ctx, path)
		if err != nil {
			// Unknown module: be conservative, POST is always accepted.
			return false
		}
		if _, posted := meta["mustbeposted"]; posted {
			return false
		}
	}
	return true
}

// Submit executes the request with the full retry and recovery loop and
// returns the decoded response object.
func (r *Request) Submit(ctx context.Context) (map[string]any, error) {
	if r.client.cfg.simulated(r.action, r.isWrite) {
		r.client.logger.Info("simulating API call", "action", r.action)
		return map[string]any{r.action: map[string]any{"result": "Success"}}, nil
	}
	if err := r.addDefaults(); err != nil {
		return nil, err
	}
	r.submitted = true

	ctx, span := tracing.StartSpan(ctx, "api.request")
	defer span.End()

	rid := uuid.NewString()
	start := time.Now()
	result, err := r.submitLoop(ctx, span, rid)
	metrics.RecordRequest(r.action, time.Since(start).Seconds(), err == nil)
	if err != nil {
		tracing.RecordError(span, err)
		if apiErr, ok := err.(*APIError); ok {
			metrics.RecordAPIError(r.action, apiErr.Code)
		}
	}
	return result, err
}

func (r *Request) submitLoop(ctx context.Context, span trace.Span, rid string) (map[string]any, error) {
	retriesLeft := r.maxRetries
	retryWait := r.retryWait
	var lastErr error

	// consume takes one unit of the retry budget; wait additionally sleeps
	// the doubling backoff.
	consume := func(reason string, cause error) error {
		if cause != nil {
			lastErr = cause
		}
		if retriesLeft <= 0 {
			return &TimeoutError{Attempts: r.maxRetries + 1, Last: lastErr}
		}
		retriesLeft--
		metrics.RecordRetry(reason)
		tracing.AddRetryAttributes(span, r.maxRetries-retriesLeft, reason)
		return nil
	}
	wait := func(reason string, cause error) error {
		if err := consume(reason, cause); err != nil {
			return err
		}
		r.client.logger.Warn("retrying API request",
			"rid", rid,
			"action", r.action,
			"reason", reason,
			"wait", retryWait,
			"error", cause)
		if err := r.sleeper(ctx, retryWait); err != nil {
			return err
		}
		retryWait *= 2
		if retryWait > r.client.cfg.RetryMax {
			retryWait = r.client.cfg.RetryMax
		}
		return nil
	}

	for attempt := 1; ; attempt++ {
		if r.useThrottle {
			metrics.ThrottleWaits.Inc()
			if err := r.client.throttle.Wait(ctx, r.isWrite); err != nil {
				return nil, err
			}
		}

		method := http.MethodPost
		if !r.forcePost && r.useGET(ctx) {
			method = http.MethodGet
		}
		query, err := r.params.Encode(r.site.Encoding())
		if err != nil {
			return nil, err
		}
		if method == http.MethodGet && len(query) > r.client.cfg.MaxURLLength {
			method = http.MethodPost
		}
		tracing.AddAPIAttributes(span, r.site.String(), r.action, method)

		r.client.logger.Debug("API request",
			"rid", rid, "action", r.action, "method", method, "attempt", attempt)

		status, body, sendErr := r.send(ctx, method, query)
		if sendErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err := wait("transport", sendErr); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status == http.StatusGatewayTimeout:
			if err := wait("http_504", fmt.Errorf("server returned 504")); err != nil {
				return nil, err
			}
			continue
		case status == http.StatusRequestURITooLong:
			if method == http.MethodPost {
				return nil, &FatalServerError{StatusCode: status, Body: string(body)}
			}
			r.client.logger.Warn("request URI too long, downgrading to POST", "rid", rid)
			r.forcePost = true
			continue
		case status == http.StatusNotImplemented || status == http.StatusHTTPVersionNotSupported:
			return nil, &FatalServerError{StatusCode: status, Body: string(body)}
		case status != http.StatusOK:
			if err := wait("http_status", fmt.Errorf("server returned status %d", status)); err != nil {
				return nil, err
			}
			continue
		}

		if !gjson.ValidBytes(body) {
			// A garbled body usually means the server truncated an oversized
			// result. Halving every *limit parameter keeps the next attempt
			// under whatever ceiling was hit.
			r.halveLimits(rid)
			if err := wait("non_json", fmt.Errorf("response is not valid JSON")); err != nil {
				return nil, err
			}
			continue
		}

		var result map[string]any
		if err := json.Unmarshal(body, &result); err != nil {
			r.halveLimits(rid)
			if err := wait("non_json", err); err != nil {
				return nil, err
			}
			continue
		}

		r.handleWarnings(result)

		if name := gjson.GetBytes(body, "query.userinfo.name"); name.Exists() {
			expected := r.site.Username()
			if expected != "" && name.String() != expected && !r.client.loginInProgress.Load() {
				r.client.logger.Warn("session user mismatch, re-logging in",
					"rid", rid, "expected", expected, "got", name.String())
				if err := consume("relogin", fmt.Errorf("session lost for %s", expected)); err != nil {
					return nil, err
				}
				if err := r.relogin(ctx); err != nil {
					return nil, err
				}
				continue
			}
		}

		errObj, hasErr := result["error"].(map[string]any)
		if !hasErr {
			return result, nil
		}
		code, _ := errObj["code"].(string)
		info, _ := errObj["info"].(string)

		switch {
		case code == "maxlag":
			lag := gjson.GetBytes(body, "error.lag").Float()
			r.maxlagAttempts++
			if r.maxlagAttempts > r.maxlagLimit() {
				return nil, &MaxlagTimeoutError{Lag: lag, Attempts: r.maxlagAttempts}
			}
			pause := time.Duration(lag*float64(r.maxlagAttempts)*float64(time.Second))
			if pause <= 0 {
				pause = retryWait
			}
			if pause > r.client.cfg.RetryMax {
				pause = r.client.cfg.RetryMax
			}
			metrics.RecordRetry("maxlag")
			metrics.MaxlagWaitSeconds.Add(pause.Seconds())
			r.client.logger.Warn("waiting out server lag",
				"rid", rid, "lag", lag, "attempt", r.maxlagAttempts, "pause", pause)
			if err := r.sleeper(ctx, pause); err != nil {
				return nil, err
			}
			continue

		case strings.HasSuffix(code, "limit"),
			code == "assertuserfailed",
			code == "mustbeposted" && r.action == "purge":
			// These usually mean the session silently expired.
			r.client.logger.Warn("probable logout detected, re-logging in",
				"rid", rid, "code", code)
			if err := consume("relogin", &APIError{Code: code, Info: info}); err != nil {
				return nil, err
			}
			if err := r.relogin(ctx); err != nil {
				return nil, err
			}
			continue

		case strings.HasPrefix(code, "internal_api_error_") || code == "readonly":
			class := strings.TrimPrefix(code, "internal_api_error_")
			if code == "readonly" {
				class = "readonly"
			}
			srvErr := &ServerError{Code: code, Class: class, Info: info}
			if !srvErr.Retryable() {
				return nil, srvErr
			}
			if err := wait("server_error", srvErr); err != nil {
				return nil, err
			}
			continue

		case code == "badtoken" && !r.client.loginInProgress.Load():
			if err := consume("badtoken", &APIError{Code: code, Info: info}); err != nil {
				return nil, err
			}
			if err := r.refreshStaleTokens(ctx, rid); err != nil {
				return nil, err
			}
			continue

		case code == "failed-save" && strings.HasPrefix(r.action, "wb") && retryableWikibaseFailure(errObj):
			if err := wait("failed_save", &APIError{Code: code, Info: info}); err != nil {
				return nil, err
			}
			continue

		case code == "readapidenied" && !r.site.LoggedIn():
			if err := consume("login", &APIError{Code: code, Info: info}); err != nil {
				return nil, err
			}
			if err := r.relogin(ctx); err != nil {
				return nil, err
			}
			continue

		case strings.HasPrefix(code, "mwoauth-invalid-authorization"):
			if strings.Contains(info, "Nonce already used") && !r.nonceRetried {
				r.nonceRetried = true
				r.client.logger.Warn("OAuth nonce replay, retrying once", "rid", rid)
				continue
			}
			return nil, &OAuthError{Code: code, Info: info}

		case busyCodes[code]:
			if err := wait("busy", &APIError{Code: code, Info: info}); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, newAPIError(errObj, code, info)
		}
	}
}

// maxlagLimit bounds the maxlag retry count separately from the generic
// budget.
func (r *Request) maxlagLimit() int {
	if r.maxRetries > 5 {
		return r.maxRetries
	}
	return 5
}

// send performs one HTTP exchange and returns status plus body.
func (r *Request) send(ctx context.Context, method, query string) (int, []byte, error) {
	endpoint := r.site.APIEndpoint()

	var req *http.Request
	var err error
	switch {
	case len(r.files) > 0:
		body, contentType, berr := r.multipartBody()
		if berr != nil {
			return 0, nil, berr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err == nil {
			req.Header.Set("Content-Type", contentType)
		}
	case method == http.MethodGet:
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.client.cfg.UserAgent)

	resp, err := r.client.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// multipartBody renders parameters and file parts as multipart/form-data.
// ASCII text parts ship as text/plain, non-ASCII as octet-stream; this
// matches what the upload endpoint expects.
func (r *Request) multipartBody() (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, key := range r.params.SortedKeys() {
		if _, isFile := r.files[key]; isFile {
			continue
		}
		value := JoinValues(r.params[key])
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, key))
		if isASCII(value) {
			header.Set("Content-Type", "text/plain")
		} else {
			header.Set("Content-Type", "application/octet-stream")
		}
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write([]byte(value)); err != nil {
			return nil, "", err
		}
	}

	for key, file := range r.files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, key, file.Filename))
		header.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.Content); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// halveLimits halves every parameter ending in "limit".
func (r *Request) halveLimits(rid string) {
	for key, vals := range r.params {
		if !strings.HasSuffix(key, "limit") {
			continue
		}
		for i, v := range vals {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 1 {
				continue
			}
			vals[i] = strconv.Itoa(n / 2)
			r.client.logger.Warn("halving result limit",
				"rid", rid, "param", key, "limit", n/2)
		}
	}
}

// handleWarnings logs every module warning in the response. CachedRequest
// replays this on cache hits so hits and live responses are observationally
// identical.
func (r *Request) handleWarnings(result map[string]any) {
	warnings, ok := result["warnings"].(map[string]any)
	if !ok {
		return
	}
	for module, w := range warnings {
		m, ok := w.(map[string]any)
		if !ok {
			continue
		}
		msg, _ := m["*"].(string)
		if msg == "" {
			if html, ok := m["html"].(map[string]any); ok {
				msg, _ = html["*"].(string)
			}
		}
		r.client.logger.Warn("API warning", "module", module, "warning", msg)
	}
}

// relogin runs the site's login hook, guarding against recursion while the
// handshake itself issues requests.
func (r *Request) relogin(ctx context.Context) error {
	if !r.client.loginInProgress.CompareAndSwap(false, true) {
		return nil
	}
	defer r.client.loginInProgress.Store(false)
	return r.site.Login(ctx)
}

// refreshStaleTokens matches the parameters currently holding wallet token
// values, invalidates exactly those kinds, fetches replacements and
// substitutes them in place. When no parameter matches a known token the
// badtoken is unrecoverable.
func (r *Request) refreshStaleTokens(ctx context.Context, rid string) error {
	wallet := r.site.CachedTokens()
	refreshed := false
	for key, vals := range r.params {
		for i, v := range vals {
			for kind, tok := range wallet {
				if tok == "" || v != tok {
					continue
				}
				r.site.InvalidateToken(kind)
				fresh, err := r.site.GetToken(ctx, kind)
				if err != nil {
					return err
				}
				r.params[key][i] = fresh
				metrics.RecordTokenRefresh(kind)
				r.client.logger.Info("refreshed stale token",
					"rid", rid, "kind", kind, "param", key)
				refreshed = true
			}
		}
	}
	if !refreshed {
		r.client.logger.Error("badtoken with no matching token parameter",
			"rid", rid, "action", r.action)
		return &TokenError{Info: "no request parameter matches a cached token"}
	}
	return nil
}

// retryableWikibaseFailure reports whether a failed-save error payload names
// a condition known to clear on retry.
func retryableWikibaseFailure(errObj map[string]any) bool {
	messages, ok := errObj["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		name, _ := msg["name"].(string)
		if name == "wikibase-validator-label-with-description-conflict" ||
			name == "edit-already-exists" ||
			strings.Contains(name, "actionthrottled") {
			return true
		}
	}
	return false
}

// newAPIError builds the verbatim semantic error, carrying module-specific
// extra fields.
func newAPIError(errObj map[string]any, code, info string) *APIError {
	extra := make(map[string]any)
	for k, v := range errObj {
		switch k {
		case "code", "info", "*":
		default:
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = nil
	}
	return &APIError{Code: code, Info: info, Extra: extra}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
