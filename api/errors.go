package api

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// APIError is a semantic error reported by the wiki: a top-level "error"
// object with at least code and info. Extra module-specific fields are
// carried verbatim for caller-level handling.
type APIError struct {
	Code  string
	Info  string
	Extra map[string]any
}

func (e *APIError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "API error [%s]: %s", e.Code, e.Info)
	if len(e.Extra) > 0 {
		keys := make([]string, 0, len(e.Extra))
		for k := range e.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString("; ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Extra[k])
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// ServerError wraps internal_api_error_* and readonly responses. The wiki
// reports the inner exception class name; only a known-transient subset is
// worth retrying.
type ServerError struct {
	Code  string // full error code, e.g. internal_api_error_DBQueryError
	Class string // inner exception class, e.g. DBQueryError
	Info  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("internal server error [%s] %s: %s", e.Code, e.Class, e.Info)
}

// transientServerClasses lists inner exception classes that indicate a
// momentary database or replication problem rather than a broken request.
var transientServerClasses = map[string]bool{
	"DBConnectionError":   true,
	"DBQueryError":        true,
	"DBQueryTimeoutError": true,
	"DBReadOnlyError":     true,
	"ReadOnlyError":       true,
	"readonly":            true,
}

// Retryable reports whether the inner exception class is in the transient
// allowlist.
func (e *ServerError) Retryable() bool {
	return transientServerClasses[e.Class]
}

// TimeoutError is raised when the retry budget is exhausted without a
// successful response.
type TimeoutError struct {
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("request gave up after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("request gave up after %d attempts", e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// MaxlagTimeoutError is a distinguished timeout kind: the server kept
// reporting replication lag above the configured maxlag until the bounded
// maxlag retry count ran out.
type MaxlagTimeoutError struct {
	Lag      float64
	Attempts int
}

func (e *MaxlagTimeoutError) Error() string {
	return fmt.Sprintf("server lag of %.1fs still above maxlag after %d attempts", e.Lag, e.Attempts)
}

// FatalServerError is an HTTP-level failure that retrying cannot fix, such
// as a 414 on a request that is already POST.
type FatalServerError struct {
	StatusCode int
	Body       string
}

func (e *FatalServerError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("fatal server error %d: %s", e.StatusCode, body)
}

// OptionError reports an option name unknown to a bound OptionSet.
type OptionError struct {
	Option string
	Valid  []string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid option %q (valid: %s)", e.Option, strings.Join(e.Valid, ", "))
}

// TokenError is raised when a badtoken response cannot be matched to any
// request parameter holding a known token value.
type TokenError struct {
	Info string
}

func (e *TokenError) Error() string {
	return "badtoken could not be recovered: " + e.Info
}

// OAuthError covers OAuth authorization failures, which are not retryable
// apart from a single nonce-replay retry handled inside the pipeline.
type OAuthError struct {
	Code string
	Info string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("OAuth authorization failed [%s]: %s", e.Code, e.Info)
}

// LoginThrottledError reports that the wiki refused a login attempt and asked
// the client to wait before trying again.
type LoginThrottledError struct {
	Wait time.Duration
}

func (e *LoginThrottledError) Error() string {
	return fmt.Sprintf("login throttled, retry after %s", e.Wait)
}

// LoginError is a terminal login failure (bad credentials, blocked account).
type LoginError struct {
	Result string
	Reason string
}

func (e *LoginError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("login failed: %s - %s", e.Result, e.Reason)
	}
	return "login failed: " + e.Result
}
