package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitSuccess(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{
		body: `{"query":{"pages":{"1":{"title":"Main Page"}}}}`,
	})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	req := c.NewRequest(MustParams(map[string]any{
		"action": "query",
		"titles": "Main Page",
	}))
	result, err := req.Submit(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, srv.calls())
	assert.Equal(t, http.MethodPost, srv.method(0))
	assert.Equal(t, "json", srv.request(0).Get("format"))
	assert.Equal(t, "query", srv.request(0).Get("action"))
	assert.Contains(t, srv.request(0).Get("meta"), "userinfo")
	assert.Contains(t, result, "query")
}

func TestSubmitRetryExhaustion(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{status: http.StatusGatewayTimeout})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site) // MaxRetries = 2

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, 3, srv.calls())
}

func TestSubmitRetryWaitDoublesToCeiling(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{
		body: `{"error":{"code":"ratelimited","info":"Slow down"}}`,
	})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site) // RetryMax = 20ms

	req := c.NewRequest(MustParams(map[string]any{"action": "query"}),
		WithRetries(4), WithRetryWait(5*time.Millisecond))
	var waits []time.Duration
	req.sleeper = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := req.Submit(context.Background())

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 5, srv.calls())
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		20 * time.Millisecond,
	}, waits)
}

func TestSubmitRecoversAfter504(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{status: http.StatusGatewayTimeout},
		scriptedResponse{status: http.StatusGatewayTimeout},
		scriptedResponse{body: `{"query":{}}`},
	)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, srv.calls())
}

func TestSubmitFatalStatus(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{status: http.StatusNotImplemented, body: "nope"})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())

	var fatal *FatalServerError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, http.StatusNotImplemented, fatal.StatusCode)
	assert.Equal(t, 1, srv.calls())
}

func TestSubmitMaxlagPauseAndRetry(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{body: `{"error":{"code":"maxlag","info":"waiting for a database","lag":0.001}}`},
		scriptedResponse{body: `{"query":{}}`},
	)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, srv.calls())
}

func TestSubmitMaxlagTimeout(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{
		body: `{"error":{"code":"maxlag","info":"waiting for a database","lag":0.001}}`,
	})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())

	var lagged *MaxlagTimeoutError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, 6, lagged.Attempts)
	assert.Equal(t, 6, srv.calls())
}

func TestSubmitBadtokenRecovery(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{body: `{"error":{"code":"badtoken","info":"Invalid CSRF token."}}`},
		scriptedResponse{body: `{"edit":{"result":"Success"}}`},
	)
	site := newTestSite(srv.URL)
	site.username = "Bot"
	site.loggedIn = true
	site.tokens["csrf"] = "stale+\\"
	site.freshTokens["csrf"] = "fresh+\\"
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{
		"action": "edit",
		"title":  "Sandbox",
		"token":  "stale+\\",
	})).Submit(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, srv.calls())
	assert.Equal(t, []string{"csrf"}, site.invalidated)
	assert.Equal(t, "fresh+\\", srv.request(1).Get("token"))
}

func TestSubmitBadtokenWithoutMatch(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{
		body: `{"error":{"code":"badtoken","info":"Invalid CSRF token."}}`,
	})
	site := newTestSite(srv.URL)
	site.loggedIn = true
	site.tokens["csrf"] = "something-else"
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{
		"action": "edit",
		"token":  "unrelated",
	})).Submit(context.Background())

	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, 1, srv.calls())
}

func TestSubmitSessionLossTriggersRelogin(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{body: `{"query":{"userinfo":{"id":0,"name":"127.0.0.1","anon":""}}}`},
		scriptedResponse{body: `{"query":{"userinfo":{"id":7,"name":"Bot"}}}`},
	)
	site := newTestSite(srv.URL)
	site.username = "Bot"
	site.loggedIn = true
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, site.logins())
	assert.Equal(t, 2, srv.calls())
}

func TestSubmitReadAPIDeniedLogsIn(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{body: `{"error":{"code":"readapidenied","info":"You need read permission"}}`},
		scriptedResponse{body: `{"query":{}}`},
	)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, site.logins())
}

func TestSubmitBusyCodeRetries(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{body: `{"error":{"code":"ratelimited","info":"Slow down"}}`},
		scriptedResponse{body: `{"query":{}}`},
	)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, srv.calls())
}

func TestSubmitSemanticErrorIsFinal(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{
		body: `{"error":{"code":"badvalue","info":"Unrecognized value","details":"x"}}`,
	})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "badvalue", apiErr.Code)
	assert.Equal(t, "x", apiErr.Extra["details"])
	assert.Equal(t, 1, srv.calls())
}

func TestSubmitServerErrorRetryability(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		retryable bool
	}{
		{"db connection", "internal_api_error_DBConnectionError", true},
		{"readonly", "readonly", true},
		{"type error", "internal_api_error_TypeError", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newScriptedServer(t,
				scriptedResponse{body: `{"error":{"code":"` + tt.code + `","info":"boom"}}`},
				scriptedResponse{body: `{"query":{}}`},
			)
			site := newTestSite(srv.URL)
			c := newTestClient(t, site)

			_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
				Submit(context.Background())
			if tt.retryable {
				require.NoError(t, err)
				assert.Equal(t, 2, srv.calls())
			} else {
				var srvErr *ServerError
				require.ErrorAs(t, err, &srvErr)
				assert.Equal(t, 1, srv.calls())
			}
		})
	}
}

func TestSubmitNonJSONHalvesLimits(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{body: `<html>truncated garbage`},
		scriptedResponse{body: `{"query":{}}`},
	)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{
		"action":  "query",
		"list":    "allpages",
		"aplimit": "500",
	})).Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "250", srv.request(1).Get("aplimit"))
}

func TestSubmitURITooLongDowngradesToPOST(t *testing.T) {
	srv := newScriptedServer(t,
		scriptedResponse{status: http.StatusRequestURITooLong},
		scriptedResponse{body: `{"query":{}}`},
	)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)
	c.cfg.GETOverHTTP = true

	req := c.NewRequest(MustParams(map[string]any{"action": "query"}))
	req.skipModuleCheck = true
	_, err := req.Submit(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, srv.calls())
	assert.Equal(t, http.MethodGet, srv.method(0))
	assert.Equal(t, http.MethodPost, srv.method(1))
}

func TestSubmitURITooLongOnPOSTIsFatal(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{status: http.StatusRequestURITooLong})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).
		Submit(context.Background())

	var fatal *FatalServerError
	require.ErrorAs(t, err, &fatal)
}

func TestUseGETConsultsModuleMetadata(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{body: `{"query":{}}`})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)
	c.cfg.GETOverHTTP = true
	primeParamInfo(c, map[string]map[string]any{
		"query+allpages": {"path": "query+allpages"},
		"parse":          {"path": "parse", "mustbeposted": ""},
	})

	req := c.NewRequest(MustParams(map[string]any{
		"action": "query",
		"list":   "allpages",
	}))
	assert.True(t, req.useGET(context.Background()))

	req = c.NewRequest(MustParams(map[string]any{"action": "parse"}))
	assert.False(t, req.useGET(context.Background()))
}

func TestUseGETRequiresTLSOrOptIn(t *testing.T) {
	site := newTestSite("http://wiki.example/w/api.php")
	c := newTestClient(t, site)

	req := c.NewRequest(MustParams(map[string]any{"action": "query"}))
	req.skipModuleCheck = true
	assert.False(t, req.useGET(context.Background()))

	c.cfg.GETOverHTTP = true
	assert.True(t, req.useGET(context.Background()))

	site.oauth = true
	assert.False(t, req.useGET(context.Background()))
}

func TestSimulateModeShortCircuitsWrites(t *testing.T) {
	srv := newScriptedServer(t)
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)
	c.cfg.Simulate = true

	result, err := c.NewRequest(MustParams(map[string]any{
		"action": "edit",
		"title":  "Sandbox",
	})).Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, srv.calls())
	assert.Contains(t, result, "edit")
}

func TestSetParamSealedAfterSubmit(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{body: `{"query":{}}`})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	req := c.NewRequest(MustParams(map[string]any{"action": "query"}))
	require.NoError(t, req.SetParam("titles", "Main Page"))

	_, err := req.Submit(context.Background())
	require.NoError(t, err)
	assert.Error(t, req.SetParam("titles", "Other"))
}

func TestRequestOwnsItsParams(t *testing.T) {
	site := newTestSite("https://wiki.example/w/api.php")
	c := newTestClient(t, site)

	params := MustParams(map[string]any{"action": "query", "titles": "A"})
	req := c.NewRequest(params)
	params["titles"] = []string{"B"}

	assert.Equal(t, "A", req.Params().First("titles"))
}

func TestIsWriteAction(t *testing.T) {
	assert.True(t, isWriteAction("edit"))
	assert.True(t, isWriteAction("wbsetlabel"))
	assert.True(t, isWriteAction("wbeditentity"))
	assert.False(t, isWriteAction("query"))
	assert.False(t, isWriteAction("wbgetentities"))
}

func TestLoginTokenRequestSkipsUserinfo(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{
		body: `{"query":{"tokens":{"logintoken":"T"}}}`,
	})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)

	_, err := c.NewRequest(MustParams(map[string]any{
		"action": "query",
		"meta":   "tokens",
		"type":   "login",
	})).Submit(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, srv.request(0).Get("meta"), "userinfo")
}

func TestSubmitContextCancellation(t *testing.T) {
	srv := newScriptedServer(t, scriptedResponse{status: http.StatusGatewayTimeout})
	site := newTestSite(srv.URL)
	c := newTestClient(t, site)
	c.cfg.RetryWait = 500 * time.Millisecond
	c.cfg.RetryMax = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.NewRequest(MustParams(map[string]any{"action": "query"})).Submit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
