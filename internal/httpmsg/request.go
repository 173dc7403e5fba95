package httpmsg

import "strings"

// Request is an HTTP request: a Message plus method and request-target.
type Request struct {
	Message
	Method string
	Path   string

	pathQuery    map[string]any
	pathQuerySet bool
}

// NewRequest builds a request with the given method, path, and body.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{Message: NewMessage(body), Method: strings.ToUpper(method), Path: path}
}

// HasBody reports whether this method conventionally carries a request
// body. Only POST, PUT, and PATCH do; this gates whether the parser
// attempts to read a body at all, independent of any Content-Length the
// client may have sent on some other method.
func (r *Request) HasBody() bool {
	switch r.Method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

// PathQuery lazily parses the query string portion of Path. Keys ending in
// "[]" collect into an ordered []string; any other repeated key is
// overwritten by the last occurrence.
func (r *Request) PathQuery() map[string]any {
	if r.pathQuerySet {
		return r.pathQuery
	}
	r.pathQuerySet = true
	r.pathQuery = map[string]any{}

	_, query, found := strings.Cut(r.Path, "?")
	if !found || query == "" {
		return r.pathQuery
	}

	for _, pair := range strings.Split(query, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if strings.HasSuffix(key, "[]") {
			key = strings.TrimSuffix(key, "[]")
			if existing, ok := r.pathQuery[key].([]string); ok {
				r.pathQuery[key] = append(existing, value)
			} else {
				r.pathQuery[key] = []string{value}
			}
		} else {
			r.pathQuery[key] = value
		}
	}

	return r.pathQuery
}

// FirstLine renders the request-line: "METHOD PATH VERSION\r\n".
func (r *Request) FirstLine() string {
	return r.Method + " " + r.Path + " " + r.Version + "\r\n"
}

// Clone returns a deep-enough copy safe to mutate independently (used by
// transforms that rewrite the outbound request).
func (r *Request) Clone() *Request {
	clone := &Request{
		Message: Message{Version: r.Version, Headers: r.Headers.Clone(), Body: append([]byte(nil), r.Body...)},
		Method:  r.Method,
		Path:    r.Path,
	}
	return clone
}
