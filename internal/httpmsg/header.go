// Package httpmsg is the typed HTTP/1.1 message model: ordered headers,
// request and response values, and their wire serialization.
package httpmsg

// Header is an insertion-ordered, case-sensitive mapping from header name
// to header value. Wire formats depend on header order being preserved
// across a parse/serialize round trip, and on lookups matching the exact
// case bytes the message carried.
type Header struct {
	keys []string
	vals map[string]string
}

// NewHeader returns an empty ordered header set.
func NewHeader() *Header {
	return &Header{vals: make(map[string]string)}
}

// Set assigns value to name, preserving the original insertion position if
// name is already present, or appending it to the end otherwise.
func (h *Header) Set(name, value string) {
	if h.vals == nil {
		h.vals = make(map[string]string)
	}
	if _, ok := h.vals[name]; !ok {
		h.keys = append(h.keys, name)
	}
	h.vals[name] = value
}

// Append adds value to the end of an existing header's value without a
// separator, matching the original parser's header-folding behavior for
// continuation lines.
func (h *Header) Append(name, value string) {
	if h.vals == nil {
		h.vals = make(map[string]string)
	}
	if cur, ok := h.vals[name]; ok {
		h.vals[name] = cur + value
		return
	}
	h.Set(name, value)
}

// Get returns the value for name and whether it was present.
func (h *Header) Get(name string) (string, bool) {
	if h.vals == nil {
		return "", false
	}
	v, ok := h.vals[name]
	return v, ok
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Del removes name if present.
func (h *Header) Del(name string) {
	if h.vals == nil {
		return
	}
	if _, ok := h.vals[name]; !ok {
		return
	}
	delete(h.vals, name)
	for i, k := range h.keys {
		if k == name {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// HeaderField is one name/value pair in declaration order.
type HeaderField struct {
	Name  string
	Value string
}

// Items returns every header in insertion order.
func (h *Header) Items() []HeaderField {
	out := make([]HeaderField, 0, len(h.keys))
	for _, k := range h.keys {
		out = append(out, HeaderField{Name: k, Value: h.vals[k]})
	}
	return out
}

// Clone returns an independent copy preserving order.
func (h *Header) Clone() *Header {
	clone := NewHeader()
	for _, f := range h.Items() {
		clone.Set(f.Name, f.Value)
	}
	return clone
}
