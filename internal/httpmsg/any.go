package httpmsg

// Any is implemented by both Request and Response, letting the parser and
// dispatcher handle "a message, direction to be determined by its own
// type" without a type switch at every call site.
type Any interface {
	FirstLine() string
	HasBody() bool
}

var (
	_ Any = (*Request)(nil)
	_ Any = (*Response)(nil)
)
