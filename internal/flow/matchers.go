package flow

import (
	"strings"

	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// HasMethod matches requests using the given HTTP method (case-insensitive).
func HasMethod(method string) Matcher {
	want := strings.ToUpper(method)
	return func(r *httpmsg.Request) bool { return r.Method == want }
}

// HasPath matches requests whose path is exactly path.
func HasPath(path string) Matcher {
	return func(r *httpmsg.Request) bool { return r.Path == path }
}

// HasPathStarting matches requests whose path begins with prefix.
func HasPathStarting(prefix string) Matcher {
	return func(r *httpmsg.Request) bool { return strings.HasPrefix(r.Path, prefix) }
}

// HasHeader matches requests carrying the named header, regardless of
// value.
func HasHeader(name string) Matcher {
	return func(r *httpmsg.Request) bool { return r.Headers.Has(name) }
}

// HasContentType matches requests whose Content-Type header contains the
// given substring (e.g. "application/json").
func HasContentType(contentType string) Matcher {
	return func(r *httpmsg.Request) bool { return strings.Contains(r.ContentType(), contentType) }
}

// Predicate adapts any boolean function of the request into a Matcher.
func Predicate(fn func(r *httpmsg.Request) bool) Matcher {
	return fn
}

// And combines matchers so all must accept.
func And(matchers ...Matcher) Matcher {
	return func(r *httpmsg.Request) bool {
		for _, m := range matchers {
			if !m(r) {
				return false
			}
		}
		return true
	}
}

// Or combines matchers so any one accepting is enough.
func Or(matchers ...Matcher) Matcher {
	return func(r *httpmsg.Request) bool {
		for _, m := range matchers {
			if m(r) {
				return true
			}
		}
		return false
	}
}
