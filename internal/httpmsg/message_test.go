package httpmsg

import "testing"

func TestRequestHasBody(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"GET", false},
		{"HEAD", false},
		{"DELETE", false},
		{"POST", true},
		{"PUT", true},
		{"PATCH", true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			r := NewRequest(tt.method, "/", nil)
			if got := r.HasBody(); got != tt.want {
				t.Errorf("HasBody() for %s = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}

func TestResponseHasBody(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"100", false},
		{"101", false},
		{"204", false},
		{"304", false},
		{"200", true},
		{"404", true},
		{"201", true},
		{"500", true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			r := NewResponse(tt.status, "x", nil)
			if got := r.HasBody(); got != tt.want {
				t.Errorf("HasBody() for %s = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestPathQuery(t *testing.T) {
	r := NewRequest("GET", "/a?k[]=1&k[]=2&x=y", nil)
	q := r.PathQuery()

	ks, ok := q["k"].([]string)
	if !ok || len(ks) != 2 || ks[0] != "1" || ks[1] != "2" {
		t.Fatalf("q[k] = %#v, want [1 2]", q["k"])
	}
	if q["x"] != "y" {
		t.Fatalf("q[x] = %#v, want y", q["x"])
	}
}

func TestPathQueryLastWins(t *testing.T) {
	r := NewRequest("GET", "/a?x=1&x=2", nil)
	q := r.PathQuery()
	if q["x"] != "2" {
		t.Fatalf("q[x] = %#v, want 2 (last wins)", q["x"])
	}
}

func TestPathQueryNoQueryString(t *testing.T) {
	r := NewRequest("GET", "/a", nil)
	q := r.PathQuery()
	if len(q) != 0 {
		t.Fatalf("q = %#v, want empty", q)
	}
}

func TestBodyAsTextPlain(t *testing.T) {
	m := NewMessage([]byte("hello"))
	if got := m.BodyAsText(); got != "hello" {
		t.Fatalf("BodyAsText() = %q, want hello", got)
	}
}

func TestBodyAsTextInvalidUTF8(t *testing.T) {
	m := NewMessage([]byte{0xff, 0xfe, 0xfd})
	if got := m.BodyAsText(); got != "Cannot decode" {
		t.Fatalf("BodyAsText() = %q, want sentinel", got)
	}
}

func TestBodyAsTextMemoized(t *testing.T) {
	m := NewMessage([]byte("hello"))
	first := m.BodyAsText()
	m.Body = []byte("changed")
	if second := m.BodyAsText(); second != first {
		t.Fatalf("BodyAsText() not memoized: first=%q second=%q", first, second)
	}
}

func TestIsText(t *testing.T) {
	m := NewMessage(nil)
	m.Headers.Set("Content-Type", "application/xml; charset=utf-8")
	if !m.IsText() {
		t.Fatal("IsText() = false, want true for xml content type")
	}
}

func TestCharset(t *testing.T) {
	m := NewMessage(nil)
	m.Headers.Set("Content-Type", "text/html; charset=iso-8859-1")
	if got := m.Charset(); got != "iso-8859-1" {
		t.Fatalf("Charset() = %q, want iso-8859-1", got)
	}
}

func TestSerializeInsertsContentLength(t *testing.T) {
	r := NewRequest("POST", "/x", []byte("hi"))
	out := r.Serialize()
	want := "POST /x HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi"
	if string(out) != want {
		t.Fatalf("Serialize() = %q, want %q", out, want)
	}
}

func TestSerializeResponseOmitsBodyWhenNoBody(t *testing.T) {
	r := NewResponse("204", "No Content", nil)
	out := r.Serialize()
	want := "HTTP/1.1 204 No Content\r\n\r\n"
	if string(out) != want {
		t.Fatalf("Serialize() = %q, want %q", out, want)
	}
}

func TestHeaderOrderPreserved(t *testing.T) {
	h := NewHeader()
	h.Set("B", "2")
	h.Set("A", "1")
	h.Set("B", "22")

	items := h.Items()
	if len(items) != 2 || items[0].Name != "B" || items[1].Name != "A" {
		t.Fatalf("Items() = %#v, want [B A] in original insertion order", items)
	}
	if items[0].Value != "22" {
		t.Fatalf("Items()[0].Value = %q, want updated value 22", items[0].Value)
	}
}
