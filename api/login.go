package api

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/olgasafonova/mediawiki-client/metrics"
)

const loginMaxTries = 3

// LoginManager performs the credential handshake against the login action.
// The request pipeline's stale-auth recovery calls into it via Site.Login;
// it is itself request-driven, so its requests bypass the paraminfo module
// check to avoid recursion. Safe for concurrent use; concurrent callers
// serialize on one handshake.
type LoginManager struct {
	client   *Client
	username string
	password string

	mu           sync.Mutex
	blockedUntil time.Time
}

// NewLoginManager builds a login manager for the client's site.
func NewLoginManager(c *Client, username, password string) *LoginManager {
	return &LoginManager{client: c, username: username, password: password}
}

// Login runs the handshake: token fetch, then the login action, with a
// bounded retry honoring server-directed throttle waits. A server throttle
// that outlasts the retry budget surfaces as LoginThrottledError and blocks
// new attempts until its deadline.
func (m *LoginManager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wait := time.Until(m.blockedUntil); wait > 0 {
		return &LoginThrottledError{Wait: wait}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.attempt(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(loginMaxTries),
	)

	metrics.RecordLogin(err == nil)
	var retryAfter *backoff.RetryAfterError
	if errors.As(err, &retryAfter) {
		// Throttled past the retry budget. Refuse new attempts until the
		// server's deadline.
		m.blockedUntil = time.Now().Add(retryAfter.Duration)
		return &LoginThrottledError{Wait: retryAfter.Duration}
	}
	return err
}

// attempt performs one full handshake pass. Transient failures return plain
// errors (retried), throttles return backoff.RetryAfter so the backoff
// honors the server's wait, and credential rejections are permanent.
func (m *LoginManager) attempt(ctx context.Context) error {
	token, legacyPrimed, err := m.loginToken(ctx)
	if err != nil {
		return err
	}

	login, err := m.postCredentials(ctx, token)
	if err != nil {
		return err
	}

	result, _ := login["result"].(string)
	switch result {
	case "Success":
		return nil
	case "NeedToken":
		// Legacy two-phase dance: the first post was only priming the
		// token. Resend with the token the server just handed back.
		if legacyPrimed {
			return backoff.Permanent(&LoginError{Result: result, Reason: "server demanded a second token"})
		}
		token, _ := login["token"].(string)
		login, err = m.postCredentials(ctx, token)
		if err != nil {
			return err
		}
		result, _ = login["result"].(string)
		if result == "Success" {
			return nil
		}
	}

	reason := loginReason(login)
	if wait := throttleWait(login, reason); wait > 0 {
		m.client.logger.Warn("login throttled", "wait", wait, "user", m.username)
		return backoff.RetryAfter(int(wait.Seconds() + 1))
	}
	return backoff.Permanent(&LoginError{Result: result, Reason: reason})
}

// loginToken obtains the login token. Modern servers expose it through
// meta=tokens; pre-1.27 servers only hand it out as part of a priming login
// post, reported through the second return value.
func (m *LoginManager) loginToken(ctx context.Context) (token string, legacyPrimed bool, err error) {
	if m.client.site.Version().AtLeast(1, 27) {
		req := m.client.NewRequest(MustParams(map[string]any{
			"action": "query",
			"meta":   "tokens",
			"type":   "login",
		}))
		req.skipModuleCheck = true
		result, err := req.Submit(ctx)
		if err != nil {
			return "", false, fmt.Errorf("fetching login token: %w", err)
		}
		tokens, _ := dig(result, "query.tokens").(map[string]any)
		token, _ := tokens["logintoken"].(string)
		if token == "" {
			return "", false, fmt.Errorf("server returned no login token")
		}
		return token, false, nil
	}

	login, err := m.postCredentials(ctx, "")
	if err != nil {
		return "", false, err
	}
	if result, _ := login["result"].(string); result != "NeedToken" {
		return "", false, backoff.Permanent(&LoginError{
			Result: result,
			Reason: loginReason(login),
		})
	}
	token, _ = login["token"].(string)
	return token, true, nil
}

// postCredentials sends action=login and returns the decoded login object.
func (m *LoginManager) postCredentials(ctx context.Context, token string) (map[string]any, error) {
	params := MustParams(map[string]any{
		"action":     "login",
		"lgname":     m.username,
		"lgpassword": m.password,
	})
	if token != "" {
		params["lgtoken"] = []string{token}
	}

	req := m.client.NewRequest(params)
	req.skipModuleCheck = true
	req.forcePost = true
	result, err := req.Submit(ctx)
	if err != nil {
		return nil, fmt.Errorf("login post: %w", err)
	}
	login, ok := result["login"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed login response")
	}
	return login, nil
}

func loginReason(login map[string]any) string {
	if reason, ok := login["reason"].(string); ok {
		return reason
	}
	if reason, ok := dig(login, "reason.text").(string); ok {
		return reason
	}
	return ""
}

var waitHint = regexp.MustCompile(`(?i)wait\s+(\d+)\s+(second|minute|hour)s?`)

// throttleWait extracts the server's requested wait, either from an
// explicit wait field or from a human-readable hint in the failure reason.
func throttleWait(login map[string]any, reason string) time.Duration {
	if wait, ok := login["wait"].(float64); ok && wait > 0 {
		return time.Duration(wait * float64(time.Second))
	}
	m := waitHint.FindStringSubmatch(reason)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	switch m[2][0] | 0x20 {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	default:
		return time.Duration(n) * time.Second
	}
}
