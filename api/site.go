package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Site describes the wiki a request pipeline talks to. It is a capability
// interface: the pipeline depends on these named methods only, never on the
// caller's concrete site type.
type Site interface {
	// String identifies the site (e.g. "wikipedia:en"). It keys the disk
	// cache, the throttle coordination file and log output.
	String() string

	// APIEndpoint returns the absolute URL of the api.php entry point.
	APIEndpoint() string

	// Encoding returns the site's declared character encoding, usually
	// "utf-8". Parameter values are percent-encoded in this charset.
	Encoding() string

	// Version reports the MediaWiki version, used to pick the continuation
	// protocol generation and paraminfo quirks.
	Version() Version

	// Username returns the configured account name, or "" when anonymous.
	Username() string

	// LoggedIn reports whether the session currently holds credentials.
	LoggedIn() bool

	// UsesOAuth reports whether requests are OAuth-signed. OAuth forces POST.
	UsesOAuth() bool

	// GetToken fetches (or returns a wallet-cached) token of the given kind,
	// e.g. "csrf" or "login".
	GetToken(ctx context.Context, kind string) (string, error)

	// InvalidateToken drops a cached token kind so the next GetToken fetches
	// a fresh one.
	InvalidateToken(kind string)

	// CachedTokens returns a snapshot of the token wallet, kind to value.
	// Badtoken recovery matches stale parameter values against it to decide
	// which kinds to refresh.
	CachedTokens() map[string]string

	// Login (re-)establishes the session. The request pipeline calls this as
	// the recovery hook for stale-auth error codes.
	Login(ctx context.Context) error
}

// Version is a parsed MediaWiki version number.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses version strings like "1.31", "1.44.0-wmf.5".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "MediaWiki "))
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("unparsable MediaWiki version %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("unparsable MediaWiki version %q", s)
	}
	minorDigits := parts[1]
	if i := strings.IndexFunc(minorDigits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorDigits = minorDigits[:i]
	}
	minor, err := strconv.Atoi(minorDigits)
	if err != nil {
		return Version{}, fmt.Errorf("unparsable MediaWiki version %q", s)
	}
	return Version{Major: major, Minor: minor}, nil
}

// AtLeast reports whether v is at or above major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
