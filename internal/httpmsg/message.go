package httpmsg

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"unicode/utf8"
)

// Message is the data common to requests and responses: protocol version,
// an ordered header set, and a body buffer that may be empty or absent.
type Message struct {
	Version string
	Headers *Header
	Body    []byte

	bodyText    string
	bodyTextSet bool
}

// NewMessage returns a Message with HTTP/1.1 defaults and an empty header
// set. If body is non-empty and Content-Length is absent, it is inserted,
// matching the constructor behavior of the original message model.
func NewMessage(body []byte) Message {
	m := Message{Version: "HTTP/1.1", Headers: NewHeader(), Body: body}
	if len(body) > 0 && !m.Headers.Has("Content-Length") {
		m.Headers.Set("Content-Length", itoa(len(body)))
	}
	return m
}

// ContentType returns the Content-Type header value, or "" if absent.
func (m *Message) ContentType() string {
	v, _ := m.Headers.Get("Content-Type")
	return v
}

// IsText reports whether the content type names a text or XML format.
func (m *Message) IsText() bool {
	ct := m.ContentType()
	return strings.Contains(ct, "text") || strings.Contains(ct, "xml")
}

// Charset extracts the charset parameter from Content-Type, or "" if none
// is present.
func (m *Message) Charset() string {
	for _, part := range strings.Split(m.ContentType(), ";") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && strings.TrimSpace(kv[0]) == "charset" {
			return strings.TrimSpace(kv[1])
		}
	}
	return ""
}

// BodyAsText decodes the body to a string, honoring gzip Content-Encoding
// and the declared charset. It never fails: a decode error yields the
// literal string "Cannot decode" so observers never see an exception, and
// the successful or sentinel result is memoized per message.
func (m *Message) BodyAsText() string {
	if m.bodyTextSet {
		return m.bodyText
	}

	body := m.Body
	if enc, _ := m.Headers.Get("Content-Encoding"); enc == "gzip" {
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			m.bodyText, m.bodyTextSet = "Cannot decode", true
			return m.bodyText
		}
		decoded, err := io.ReadAll(r)
		if err != nil {
			m.bodyText, m.bodyTextSet = "Cannot decode", true
			return m.bodyText
		}
		body = decoded
	}

	// Charset conversion beyond UTF-8 is not attempted without pulling in a
	// dependency for it; non-UTF-8 charsets that happen to decode cleanly
	// as UTF-8 still succeed, anything else falls through to the sentinel.
	if !utf8.Valid(body) {
		m.bodyText, m.bodyTextSet = "Cannot decode", true
		return m.bodyText
	}

	m.bodyText, m.bodyTextSet = string(body), true
	return m.bodyText
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
