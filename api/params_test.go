package api

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsSetConversions(t *testing.T) {
	p := make(Params)

	require.NoError(t, p.Set("titles", []string{"A", "B"}))
	assert.Equal(t, []string{"A", "B"}, p["titles"])

	require.NoError(t, p.Set("limit", 50))
	assert.Equal(t, "50", p.First("limit"))

	require.NoError(t, p.Set("redirects", true))
	assert.Equal(t, []string{""}, p["redirects"])

	require.NoError(t, p.Set("redirects", false))
	assert.False(t, p.Has("redirects"))

	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, p.Set("start", ts))
	assert.Equal(t, "2024-03-01T12:30:00Z", p.First("start"))

	require.NoError(t, p.Set("limit", nil))
	assert.False(t, p.Has("limit"))

	assert.Error(t, p.Set("bad", struct{}{}))
}

func TestParamsSetOptionSet(t *testing.T) {
	o := NewOptionSet()
	require.NoError(t, o.Set("minor", true))
	require.NoError(t, o.Set("bot", false))

	p := make(Params)
	require.NoError(t, p.Set("show", o))
	assert.Equal(t, []string{"minor", "!bot"}, p["show"])
}

func TestJoinValuesPipeFallback(t *testing.T) {
	assert.Equal(t, "a|b|c", JoinValues([]string{"a", "b", "c"}))

	joined := JoinValues([]string{"a|x", "b"})
	assert.Equal(t, "\x1fa|x\x1fb", joined)
	assert.Equal(t, []string{"a|x", "b"}, SplitValue(joined))
}

func TestSortedKeysTokensLast(t *testing.T) {
	p := MustParams(map[string]any{
		"wpEditToken": "w",
		"action":      "edit",
		"token":       "t",
		"zzz":         "z",
		"lgtoken":     "l",
	})
	assert.Equal(t, []string{"action", "zzz", "lgtoken", "token", "wpEditToken"}, p.SortedKeys())
}

func TestSortedKeysTokenValuedParam(t *testing.T) {
	// A parameter whose value names a token sorts with the tokens even if
	// its key does not end in "token".
	p := MustParams(map[string]any{
		"action": "query",
		"secret": "sometoken",
		"zeta":   "z",
	})
	assert.Equal(t, []string{"action", "zeta", "secret"}, p.SortedKeys())
}

func TestEncodeRoundTrip(t *testing.T) {
	p := MustParams(map[string]any{
		"action": "query",
		"titles": []string{"Main Page", "Café"},
		"limit":  "max",
	})
	encoded, err := p.Encode("utf-8")
	require.NoError(t, err)

	decoded, err := ParseEncoded(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestEncodeDeterministic(t *testing.T) {
	p := MustParams(map[string]any{
		"b": "2", "a": "1", "c": "3",
	})
	first, err := p.Encode("")
	require.NoError(t, err)
	for range 10 {
		again, err := p.Encode("")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.True(t, strings.Index(first, "a=1") < strings.Index(first, "b=2"))
}

func TestEncodeUnknownCharset(t *testing.T) {
	p := MustParams(map[string]any{"action": "query"})
	_, err := p.Encode("no-such-charset")
	assert.Error(t, err)
}

func TestParamsClone(t *testing.T) {
	p := MustParams(map[string]any{"titles": []string{"A"}})
	q := p.Clone()
	q["titles"][0] = "B"
	q.Add("extra", "x")

	assert.Equal(t, "A", p.First("titles"))
	assert.False(t, p.Has("extra"))
}
