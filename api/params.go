package api

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// APITokenizer is the capability a value can implement to delegate its own
// wire encoding: it yields the API token strings for its parameter instead
// of being treated as a plain list. OptionSet implements it.
type APITokenizer interface {
	APITokens() []string
}

// MWTimestampFormat is the timestamp layout the Action API accepts.
const MWTimestampFormat = "2006-01-02T15:04:05Z"

// Params is a request parameter set: key to ordered value list. Insertion
// order of keys is irrelevant for encoding, but value order within a key is
// preserved (multi-valued enum parameters are order-sensitive).
type Params map[string][]string

// NewParams builds a Params from a loosely-typed map, applying the same
// conversion rules as Set.
func NewParams(values map[string]any) (Params, error) {
	p := make(Params, len(values))
	for k, v := range values {
		if err := p.Set(k, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// MustParams is NewParams for statically-known values; it panics on a
// conversion error.
func MustParams(values map[string]any) Params {
	p, err := NewParams(values)
	if err != nil {
		panic(err)
	}
	return p
}

// Set converts value into the wire value list for key. Booleans have special
// encoding: true stores the key with an empty value, false and nil remove the
// key entirely. A value implementing APITokenizer supplies its own tokens.
func (p Params) Set(key string, value any) error {
	switch v := value.(type) {
	case nil:
		delete(p, key)
	case bool:
		if v {
			p[key] = []string{""}
		} else {
			delete(p, key)
		}
	case string:
		p[key] = []string{v}
	case []string:
		p[key] = append([]string(nil), v...)
	case []any:
		vals := make([]string, 0, len(v))
		for _, item := range v {
			s, err := stringify(item)
			if err != nil {
				return fmt.Errorf("parameter %s: %w", key, err)
			}
			vals = append(vals, s)
		}
		p[key] = vals
	case APITokenizer:
		p[key] = v.APITokens()
	default:
		s, err := stringify(value)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", key, err)
		}
		p[key] = []string{s}
	}
	return nil
}

func stringify(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return v.UTC().Format(MWTimestampFormat), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

// Add appends a value to key's list without replacing existing values.
func (p Params) Add(key string, values ...string) {
	p[key] = append(p[key], values...)
}

// Has reports whether the key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// First returns the first value for key, or "".
func (p Params) First(key string) string {
	if vals := p[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Clone returns a deep copy. Requests copy caller-supplied parameters at
// construction so mutation after submit cannot alias.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// JoinValues renders a value list as a single wire value. Values are joined
// with "|"; when any value itself contains a pipe, the \x1f unit-separator
// form is used instead (leading \x1f, \x1f-joined).
func JoinValues(vals []string) string {
	needsAlt := false
	for _, v := range vals {
		if strings.Contains(v, "|") {
			needsAlt = true
			break
		}
	}
	if needsAlt {
		return "\x1f" + strings.Join(vals, "\x1f")
	}
	return strings.Join(vals, "|")
}

// SplitValue reverses JoinValues.
func SplitValue(s string) []string {
	if strings.HasPrefix(s, "\x1f") {
		return strings.Split(s[1:], "\x1f")
	}
	return strings.Split(s, "|")
}

// tokenRank orders keys for encoding. The server documents that token
// parameters must sort after everything else, with wpEditToken last of all.
func tokenRank(key string, vals []string) int {
	if key == "wpEditToken" {
		return 2
	}
	if strings.HasSuffix(strings.ToLower(key), "token") {
		return 1
	}
	for _, v := range vals {
		if strings.HasSuffix(strings.ToLower(v), "token") {
			return 1
		}
	}
	return 0
}

// SortedKeys returns the parameter names in encoding order: plain keys
// alphabetically, then token keys, then wpEditToken.
func (p Params) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := tokenRank(keys[i], p[keys[i]]), tokenRank(keys[j], p[keys[j]])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Encode renders the parameter set as an application/x-www-form-urlencoded
// string. Values are percent-encoded in the given charset ("" or "utf-8"
// means no transcoding).
func (p Params) Encode(charset string) (string, error) {
	enc, err := encoderFor(charset)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, key := range p.SortedKeys() {
		if i > 0 {
			sb.WriteByte('&')
		}
		value := JoinValues(p[key])
		escaped, err := escape(value, enc)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", key, err)
		}
		sb.WriteString(url.QueryEscape(key))
		sb.WriteByte('=')
		sb.WriteString(escaped)
	}
	return sb.String(), nil
}

func encoderFor(charset string) (*encoding.Encoder, error) {
	if charset == "" || strings.EqualFold(charset, "utf-8") {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unknown site encoding %q", charset)
	}
	return enc.NewEncoder(), nil
}

func escape(s string, enc *encoding.Encoder) (string, error) {
	if enc != nil {
		converted, err := enc.String(s)
		if err != nil {
			return "", err
		}
		s = converted
	}
	return url.QueryEscape(s), nil
}

// ParseEncoded decodes an Encode output back into a Params, splitting joined
// values. Used by tests and by the cached-request key check.
func ParseEncoded(s string) (Params, error) {
	values, err := url.ParseQuery(s)
	if err != nil {
		return nil, err
	}
	p := make(Params, len(values))
	for k, vals := range values {
		for _, v := range vals {
			p[k] = append(p[k], SplitValue(v)...)
		}
	}
	return p, nil
}
