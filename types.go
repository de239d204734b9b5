package pipedrive

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Option represents a configuration option
type Option func(*Client)

// Middleware wraps the outbound HTTP exchange of every attempt.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Params holds scalar query parameters. Nil values are skipped; slices of
// strings or ints become repeated keys.
type Params map[string]any

// Values encodes p as url.Values. Encoding through url.Values sorts keys, so
// equal params always produce the same cache fingerprint.
func (p Params) Values() url.Values {
	if len(p) == 0 {
		return nil
	}
	values := make(url.Values, len(p))
	for key, raw := range p {
		switch v := raw.(type) {
		case nil:
		case string:
			values.Set(key, v)
		case bool:
			values.Set(key, strconv.FormatBool(v))
		case int:
			values.Set(key, strconv.Itoa(v))
		case int64:
			values.Set(key, strconv.FormatInt(v, 10))
		case float64:
			values.Set(key, strconv.FormatFloat(v, 'f', -1, 64))
		case time.Time:
			values.Set(key, v.UTC().Format(time.DateOnly))
		case []string:
			for _, s := range v {
				values.Add(key, s)
			}
		case []int:
			for _, n := range v {
				values.Add(key, strconv.Itoa(n))
			}
		case fmt.Stringer:
			values.Set(key, v.String())
		default:
			values.Set(key, fmt.Sprint(v))
		}
	}
	return values
}

// RateLimitInfo carries the provider's x-ratelimit-* response headers.
// Fields are -1 when the header was absent or unparsable.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Duration
}

func parseRateLimitHeaders(h http.Header) (RateLimitInfo, bool) {
	info := RateLimitInfo{Limit: -1, Remaining: -1, Reset: -1}
	found := false
	if n, ok := headerInt(h, "X-Ratelimit-Limit"); ok {
		info.Limit = n
		found = true
	}
	if n, ok := headerInt(h, "X-Ratelimit-Remaining"); ok {
		info.Remaining = n
		found = true
	}
	if n, ok := headerInt(h, "X-Ratelimit-Reset"); ok {
		info.Reset = time.Duration(n) * time.Second
		found = true
	}
	return info, found
}

func headerInt(h http.Header, name string) (int, bool) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
