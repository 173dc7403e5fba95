package httpmsg

import "strconv"

// Response is an HTTP response: a Message plus status code and reason
// phrase.
type Response struct {
	Message
	Status        string
	StatusMessage string
}

// NewResponse builds a response with the given status, reason phrase, and
// body.
func NewResponse(status, statusMessage string, body []byte) *Response {
	return &Response{Message: NewMessage(body), Status: status, StatusMessage: statusMessage}
}

// HasBody reports whether this response conventionally carries a body,
// following RFC 7230 framing rules rather than the original implementation's
// status-code allow-list (an explicit deviation recorded in DESIGN.md):
// no body for 1xx, 204, or 304; a body is assumed otherwise and the
// concrete framing (Content-Length, chunked, or read-until-EOF) decides how
// many bytes that body actually has.
func (r *Response) HasBody() bool {
	code, err := strconv.Atoi(r.Status)
	if err != nil {
		return true
	}
	if code >= 100 && code < 200 {
		return false
	}
	if code == 204 || code == 304 {
		return false
	}
	return true
}

// FirstLine renders the status-line: "VERSION STATUS MESSAGE\r\n".
func (r *Response) FirstLine() string {
	return r.Version + " " + r.Status + " " + r.StatusMessage + "\r\n"
}

// Clone returns a deep-enough copy safe to mutate independently.
func (r *Response) Clone() *Response {
	return &Response{
		Message:       Message{Version: r.Version, Headers: r.Headers.Clone(), Body: append([]byte(nil), r.Body...)},
		Status:        r.Status,
		StatusMessage: r.StatusMessage,
	}
}
