package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

// rcShowClient returns a client primed with the recentchanges "show"
// parameter: "minor" and "anon" settable both ways, "patrolled"
// disable-only.
func rcShowClient(t *testing.T) *Client {
	t.Helper()
	site := newTestSite("https://wiki.example/w/api.php")
	c := newTestClient(t, site)
	primeParamInfo(c, map[string]map[string]any{
		"query+recentchanges": {
			"path": "query+recentchanges", "prefix": "rc",
			"parameters": []any{
				map[string]any{
					"name": "show",
					"type": []any{"minor", "anon", "!patrolled"},
				},
			},
		},
	})
	return c
}

func TestOptionSetUnboundAcceptsAnything(t *testing.T) {
	o := NewOptionSet()
	require.NoError(t, o.Set("whatever", true))
	require.NoError(t, o.Set("other", false))
	assert.Equal(t, []string{"whatever", "!other"}, o.APITokens())
}

func TestOptionSetBindValidates(t *testing.T) {
	c := rcShowClient(t)
	ctx := context.Background()

	o := NewOptionSet()
	require.NoError(t, o.Bind(ctx, c, "query+recentchanges", "show"))

	require.NoError(t, o.Set("minor", true))
	require.NoError(t, o.Set("anon", false))

	// patrolled is disable-only.
	require.NoError(t, o.Set("patrolled", false))
	err := o.Set("patrolled", true)
	var optErr *OptionError
	require.ErrorAs(t, err, &optErr)
	assert.Equal(t, "patrolled", optErr.Option)

	assert.Error(t, o.Set("bogus", true))
}

func TestOptionSetRebindRejected(t *testing.T) {
	c := rcShowClient(t)
	ctx := context.Background()

	o := NewOptionSet()
	require.NoError(t, o.Bind(ctx, c, "query+recentchanges", "show"))
	assert.Error(t, o.Bind(ctx, c, "query+recentchanges", "show"))
}

func TestOptionSetBindChecksExistingNames(t *testing.T) {
	c := rcShowClient(t)

	o := NewOptionSet()
	require.NoError(t, o.Set("bogus", true))
	assert.Error(t, o.Bind(context.Background(), c, "query+recentchanges", "show"))
}

func TestOptionSetGetStates(t *testing.T) {
	o := NewOptionSet()
	require.NoError(t, o.Set("minor", true))
	require.NoError(t, o.Set("bot", false))

	on, err := o.Get("minor")
	require.NoError(t, err)
	require.NotNil(t, on)
	assert.True(t, *on)

	off, err := o.Get("bot")
	require.NoError(t, err)
	require.NotNil(t, off)
	assert.False(t, *off)

	unset, err := o.Get("anon")
	require.NoError(t, err)
	assert.Nil(t, unset)
}

func TestOptionSetLoadAtomic(t *testing.T) {
	c := rcShowClient(t)

	o := NewOptionSet()
	require.NoError(t, o.Bind(context.Background(), c, "query+recentchanges", "show"))
	require.NoError(t, o.Set("minor", true))

	err := o.Load(map[string]*bool{
		"anon":  boolPtr(true),
		"bogus": boolPtr(true),
	})
	require.Error(t, err)

	// Failed load must not have applied the valid half.
	state, err := o.Get("anon")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Equal(t, 1, o.Len())
}

func TestOptionSetLoadAppliesStates(t *testing.T) {
	o := NewOptionSet()
	require.NoError(t, o.Set("minor", true))

	require.NoError(t, o.Load(map[string]*bool{
		"minor": nil,
		"anon":  boolPtr(true),
		"bot":   boolPtr(false),
	}))
	assert.Equal(t, []string{"anon", "!bot"}, o.APITokens())
}

func TestOptionSetUnset(t *testing.T) {
	o := NewOptionSet()
	require.NoError(t, o.Set("minor", true))
	require.NoError(t, o.Unset("minor"))
	assert.Equal(t, 0, o.Len())
}
