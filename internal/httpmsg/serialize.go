package httpmsg

import "strings"

// Serialize renders a request to its wire form: start-line, headers in
// insertion order, a blank line, then the body if HasBody is true. If the
// body is non-empty and Content-Length is absent, it is inserted before
// the headers are emitted.
func (r *Request) Serialize() []byte {
	return serialize(r.FirstLine(), r.Headers, r.Body, r.HasBody())
}

// Serialize renders a response to its wire form, following the same rule
// as Request.Serialize.
func (r *Response) Serialize() []byte {
	return serialize(r.FirstLine(), r.Headers, r.Body, r.HasBody())
}

func serialize(firstLine string, headers *Header, body []byte, hasBody bool) []byte {
	// Content-Length is inserted whenever the message carries a body frame
	// at all, even an empty one, not only when body is non-empty: leaving
	// a body-bearing, zero-length message with neither Content-Length nor
	// Transfer-Encoding would make it indistinguishable from an
	// until-EOF-framed message to anything parsing it back (persistence in
	// particular, where there is no real connection close to mark EOF).
	if (hasBody || len(body) > 0) && !headers.Has("Content-Length") && !headers.Has("Transfer-Encoding") {
		headers.Set("Content-Length", itoa(len(body)))
	}

	var b strings.Builder
	b.WriteString(firstLine)
	for _, f := range headers.Items() {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	out := []byte(b.String())
	if hasBody {
		out = append(out, body...)
	}
	return out
}
