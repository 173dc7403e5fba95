// Package persistence encodes and decodes LogReport records to the text
// log format described for external tooling: one newline-framed record
// per exchange, each endpoint's observed request and response serialized
// in their normal wire form.
package persistence

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/httpparse"
	"github.com/anthropics/relayproxy/internal/reporting"
)

const separatorLine = "-------------------------------------------------------------------------------"

// EncodeReport writes one persisted record for report to w.
func EncodeReport(w io.Writer, report *reporting.LogReport) error {
	ew := &errWriter{w: w}
	ew.writeString("Report: ")
	ew.writeString(strings.ReplaceAll(report.GUID.String(), "-", ""))
	ew.writeString("\r\n")

	endpoints := report.Endpoints()
	for _, name := range report.EndpointOrder() {
		pair := endpoints[name]
		ew.writeString("Endpoint " + name + "\r\n")
		writeRequestField(ew, pair.Request)
		writeResponseField(ew, pair.Response)
	}

	ew.writeString("End report\r\n")
	ew.writeString(separatorLine + "\r\n")
	return ew.err
}

// EncodeReports writes one record per report, in order.
func EncodeReports(w io.Writer, reports []*reporting.LogReport) error {
	for _, r := range reports {
		if err := EncodeReport(w, r); err != nil {
			return err
		}
	}
	return nil
}

func writeRequestField(ew *errWriter, req *httpmsg.Request) {
	if req == nil {
		ew.writeString("NoRequest\r\n")
		return
	}
	ew.writeString("Request: ")
	ew.write(req.Serialize())
	ew.writeString("\r\n")
}

func writeResponseField(ew *errWriter, resp *httpmsg.Response) {
	if resp == nil {
		ew.writeString("NoResponse\r\n")
		return
	}
	ew.writeString("Response: ")
	ew.write(resp.Serialize())
	ew.writeString("\r\n")
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) writeString(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *errWriter) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

// Decoder reads a sequence of persisted records out of a complete
// in-memory buffer. Unlike internal/httpparse.Parser, which is driven by
// arbitrary byte chunks off a live connection, a persisted log is read
// whole, so Decoder works directly against a byte slice with a
// leading-keyword scanner ahead of the same message framing.
type Decoder struct {
	buf []byte
}

// NewDecoder wraps data for sequential record decoding.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

// DecodeAll decodes every record in data.
func DecodeAll(data []byte) ([]*reporting.LogReport, error) {
	dec := NewDecoder(data)
	var out []*reporting.LogReport
	for {
		report, err := dec.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, report)
	}
}

// DecodeReader reads everything from r and decodes every record in it.
func DecodeReader(r io.Reader) ([]*reporting.LogReport, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	return DecodeAll(data)
}

// Next decodes the next record, or returns io.EOF once nothing but
// trailing whitespace remains.
func (d *Decoder) Next() (*reporting.LogReport, error) {
	s := &scanner{buf: d.buf}

	kw, ok := s.word()
	if !ok {
		return nil, io.EOF
	}
	if kw != "Report:" {
		return nil, fmt.Errorf("persistence: expected %q, got %q", "Report:", kw)
	}

	guidWord, ok := s.word()
	if !ok {
		return nil, fmt.Errorf("persistence: truncated record: missing guid")
	}
	guid, err := uuid.Parse(guidWord)
	if err != nil {
		return nil, fmt.Errorf("persistence: bad guid %q: %w", guidWord, err)
	}

	report := reporting.NewLogReport()
	report.GUID = guid

	kw, ok = s.word()
	for ok && kw == "Endpoint" {
		name, ok2 := s.word()
		if !ok2 {
			return nil, fmt.Errorf("persistence: truncated record: missing endpoint name")
		}

		req, err := readRequestField(s)
		if err != nil {
			return nil, err
		}
		if req != nil {
			report.RecordRequest(name, req)
		}

		resp, err := readResponseField(s)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			report.RecordResponse(name, resp)
		}

		kw, ok = s.word()
	}

	if !ok || kw != "End" {
		return nil, fmt.Errorf("persistence: expected %q, got %q", "End", kw)
	}
	kw, ok = s.word()
	if !ok || kw != "report" {
		return nil, fmt.Errorf("persistence: expected %q, got %q", "report", kw)
	}
	if _, ok := s.line(); !ok {
		return nil, fmt.Errorf("persistence: truncated record: missing separator line")
	}

	d.buf = s.buf
	return report, nil
}

func readRequestField(s *scanner) (*httpmsg.Request, error) {
	kw, ok := s.word()
	if !ok {
		return nil, fmt.Errorf("persistence: truncated record: missing Request:/NoRequest")
	}
	switch kw {
	case "NoRequest":
		return nil, nil
	case "Request:":
		msg, err := parseOneMessage(s)
		if err != nil {
			return nil, err
		}
		req, ok := msg.(*httpmsg.Request)
		if !ok {
			return nil, fmt.Errorf("persistence: Request: field did not contain a request")
		}
		return req, nil
	default:
		return nil, fmt.Errorf("persistence: expected %q or %q, got %q", "Request:", "NoRequest", kw)
	}
}

func readResponseField(s *scanner) (*httpmsg.Response, error) {
	kw, ok := s.word()
	if !ok {
		return nil, fmt.Errorf("persistence: truncated record: missing Response:/NoResponse")
	}
	switch kw {
	case "NoResponse":
		return nil, nil
	case "Response:":
		msg, err := parseOneMessage(s)
		if err != nil {
			return nil, err
		}
		resp, ok := msg.(*httpmsg.Response)
		if !ok {
			return nil, fmt.Errorf("persistence: Response: field did not contain a response")
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("persistence: expected %q or %q, got %q", "Response:", "NoResponse", kw)
	}
}

// parseOneMessage feeds s.buf into a fresh httpparse.Parser one byte at a
// time, stopping the instant a message completes. Feeding byte-by-byte
// (rather than handing over the whole remaining buffer) matters here: the
// bytes right after this message belong to the persistence format itself
// ("Endpoint", "Response:", the dashed separator, ...), and a parser
// started on the next message's first line from arbitrary leftover
// garbage could fail before we've recovered our place in the buffer.
func parseOneMessage(s *scanner) (httpmsg.Any, error) {
	p := httpparse.New()
	for i := 0; i < len(s.buf); i++ {
		msgs, err := p.Feed(s.buf[i : i+1])
		if err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
		if len(msgs) > 0 {
			consumed := i + 1 - len(p.Remainder())
			s.buf = s.buf[consumed:]
			if _, ok := s.line(); !ok {
				return nil, fmt.Errorf("persistence: missing trailing newline after message")
			}
			return msgs[0], nil
		}
	}
	return nil, fmt.Errorf("persistence: truncated message")
}

type scanner struct{ buf []byte }

func (s *scanner) word() (string, bool) {
	i := 0
	for i < len(s.buf) && isSpace(s.buf[i]) {
		i++
	}
	if i == len(s.buf) {
		s.buf = s.buf[i:]
		return "", false
	}
	start := i
	for i < len(s.buf) && !isSpace(s.buf[i]) {
		i++
	}
	end := i
	for i < len(s.buf) && isSpace(s.buf[i]) {
		i++
	}
	word := string(s.buf[start:end])
	s.buf = s.buf[i:]
	return word, true
}

func (s *scanner) line() (string, bool) {
	idx := bytes.Index(s.buf, []byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := string(s.buf[:idx])
	s.buf = s.buf[idx+2:]
	return line, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
