// Package httpparse implements the resumable byte-stream HTTP/1.1 parser:
// feed arbitrary byte slices, get back zero or more whole messages. A
// zero-length slice signals end of stream.
//
// This is deliberately not built on net/http or bufio.Scanner: neither
// exposes the feed-bytes-get-messages contract the proxy core needs (the
// caller, not the parser, owns the socket read loop), so the framing state
// machine below is hand-rolled. See DESIGN.md for why every other
// component in this repository reaches for a pack dependency but this one
// does not.
package httpparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// ParseError reports malformed input the parser cannot recover from. The
// connection must be closed on receipt; the parser never silently
// discards bytes.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "httpparse: " + e.Reason }

type stage int

const (
	stageFirstLine stage = iota
	stageHeaders
	stageBodyLength
	stageChunkSize
	stageChunkData
	stageChunkCRLF
	stageChunkTrailer
	stageBodyUntilEOF
)

type bodyMode int

const (
	bodyModeNone bodyMode = iota
	bodyModeLength
	bodyModeChunked
	bodyModeUntilEOF
)

// Parser is a single connection's worth of incremental parsing state. It
// is not safe for concurrent use; one Parser belongs to one Endpoint.
type Parser struct {
	buf []byte
	eof bool

	stage stage

	// partial message under construction
	isRequest bool
	req       *httpmsg.Request
	resp      *httpmsg.Response

	mode       bodyMode
	need       int
	bodyParts  []byte
	lastHeader string
}

// New returns a parser ready to receive the start of a message.
func New() *Parser {
	return &Parser{stage: stageFirstLine}
}

// Feed supplies the next chunk of bytes read from the connection. Pass a
// zero-length slice exactly once, when the connection reaches EOF. Feed
// returns every message that became complete as a result, in the order
// they completed.
func (p *Parser) Feed(data []byte) ([]httpmsg.Any, error) {
	if len(data) == 0 {
		if p.eof {
			return nil, nil
		}
		p.eof = true
	} else {
		p.buf = append(p.buf, data...)
	}

	var out []httpmsg.Any
	for {
		msg, advanced, err := p.step()
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, msg)
			continue
		}
		if !advanced {
			break
		}
	}
	return out, nil
}

// Remainder returns the bytes buffered but not yet consumed by any
// completed message — the leftover immediately after the most recent
// Feed call returned. Callers parsing a whole in-memory buffer rather
// than a live stream (internal/persistence) use this to resume scanning
// right after a message ends rather than handing the parser its own
// output back.
func (p *Parser) Remainder() []byte { return p.buf }

// step attempts one unit of progress against the buffered bytes. It
// returns a completed message if one is ready, or advanced=true if state
// progressed without yet producing a message (so the caller should try
// again before giving up for this Feed call).
func (p *Parser) step() (httpmsg.Any, bool, error) {
	switch p.stage {
	case stageFirstLine:
		return p.stepFirstLine()
	case stageHeaders:
		return p.stepHeaders()
	case stageBodyLength:
		return p.stepBodyLength()
	case stageChunkSize:
		return p.stepChunkSize()
	case stageChunkData:
		return p.stepChunkData()
	case stageChunkCRLF:
		return p.stepChunkCRLF()
	case stageChunkTrailer:
		return p.stepChunkTrailer()
	case stageBodyUntilEOF:
		return p.stepBodyUntilEOF()
	default:
		return nil, false, &ParseError{Reason: "unreachable stage"}
	}
}

func (p *Parser) stepFirstLine() (httpmsg.Any, bool, error) {
	word, ok := p.getWord()
	if !ok {
		if p.eof && len(p.buf) == 0 {
			// Clean EOF at a message boundary: nothing in flight.
			return nil, false, nil
		}
		if p.eof {
			return nil, false, &ParseError{Reason: "unexpected EOF in start-line"}
		}
		return nil, false, nil
	}

	method := strings.ToUpper(word)
	if version, isResponse := parseHTTPVersion(method); isResponse {
		status, ok := p.getWord()
		if !ok {
			return nil, false, p.eofOrWait("unexpected EOF in status line")
		}
		statusMessage, ok := p.getLine()
		if !ok {
			return nil, false, p.eofOrWait("unexpected EOF in status line")
		}
		p.isRequest = false
		p.resp = httpmsg.NewResponse(status, statusMessage, nil)
		p.resp.Version = version
		p.stage = stageHeaders
		return nil, true, nil
	}

	path, ok := p.getWord()
	if !ok {
		return nil, false, p.eofOrWait("unexpected EOF in request-line")
	}
	versionLine, ok := p.getLine()
	if !ok {
		return nil, false, p.eofOrWait("unexpected EOF in request-line")
	}
	version, isHTTP := parseHTTPVersion(versionLine)
	if !isHTTP {
		return nil, false, &ParseError{Reason: fmt.Sprintf("malformed request version %q", versionLine)}
	}
	p.isRequest = true
	p.req = httpmsg.NewRequest(method, path, nil)
	p.req.Version = version
	p.stage = stageHeaders
	return nil, true, nil
}

func (p *Parser) eofOrWait(reason string) error {
	if p.eof {
		return &ParseError{Reason: reason}
	}
	return nil
}

func (p *Parser) headers() *httpmsg.Header {
	if p.isRequest {
		return p.req.Headers
	}
	return p.resp.Headers
}

func (p *Parser) stepHeaders() (httpmsg.Any, bool, error) {
	line, ok := p.getLine()
	if !ok {
		return nil, false, p.eofOrWait("unexpected EOF in headers")
	}

	if line == "" {
		return p.enterBody()
	}

	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && p.lastHeader != "" {
		cur, _ := p.headers().Get(p.lastHeader)
		p.headers().Set(p.lastHeader, cur+line)
		return nil, true, nil
	}

	name, value, found := strings.Cut(line, ":")
	if !found {
		// The original parser logs and drops malformed continuation-less
		// lines rather than failing the whole message; do the same.
		return nil, true, nil
	}
	value = strings.TrimLeft(value, " ")
	p.headers().Set(name, value)
	p.lastHeader = name
	return nil, true, nil
}

func (p *Parser) hasBody() bool {
	if p.isRequest {
		return p.req.HasBody()
	}
	return p.resp.HasBody()
}

func (p *Parser) enterBody() (httpmsg.Any, bool, error) {
	if !p.hasBody() {
		return p.finishMessage(nil), true, nil
	}

	h := p.headers()
	if cl, ok := h.Get("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, false, &ParseError{Reason: fmt.Sprintf("malformed Content-Length %q", cl)}
		}
		p.mode = bodyModeLength
		p.need = n
		p.stage = stageBodyLength
		return nil, true, nil
	}
	if te, ok := h.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		p.mode = bodyModeChunked
		p.stage = stageChunkSize
		return nil, true, nil
	}
	p.mode = bodyModeUntilEOF
	p.stage = stageBodyUntilEOF
	return nil, true, nil
}

func (p *Parser) finishMessage(body []byte) httpmsg.Any {
	p.stage = stageFirstLine
	p.mode = bodyModeNone
	p.bodyParts = nil
	p.lastHeader = ""

	if p.isRequest {
		p.req.Body = body
		msg := p.req
		p.req = nil
		return msg
	}
	p.resp.Body = body
	msg := p.resp
	p.resp = nil
	return msg
}

func (p *Parser) stepBodyLength() (httpmsg.Any, bool, error) {
	if p.need == 0 {
		return p.finishMessage(nil), true, nil
	}
	if len(p.buf) < p.need {
		if p.eof {
			return nil, false, &ParseError{Reason: "unexpected EOF mid Content-Length body"}
		}
		return nil, false, nil
	}
	body := p.buf[:p.need]
	p.buf = p.buf[p.need:]
	return p.finishMessage(append([]byte(nil), body...)), true, nil
}

func (p *Parser) stepChunkSize() (httpmsg.Any, bool, error) {
	line, ok := p.getLine()
	if !ok {
		return nil, false, p.eofOrWait("unexpected EOF in chunk size")
	}
	// Ignore chunk extensions after ';' per RFC framing.
	sizeStr, _, _ := strings.Cut(strings.TrimSpace(line), ";")
	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || size < 0 {
		return nil, false, &ParseError{Reason: fmt.Sprintf("malformed chunk size %q", line)}
	}
	if size == 0 {
		p.stage = stageChunkTrailer
		return nil, true, nil
	}
	p.need = int(size)
	p.stage = stageChunkData
	return nil, true, nil
}

func (p *Parser) stepChunkData() (httpmsg.Any, bool, error) {
	if len(p.buf) < p.need {
		if p.eof {
			return nil, false, &ParseError{Reason: "unexpected EOF mid chunk data"}
		}
		return nil, false, nil
	}
	p.bodyParts = append(p.bodyParts, p.buf[:p.need]...)
	p.buf = p.buf[p.need:]
	p.stage = stageChunkCRLF
	return nil, true, nil
}

func (p *Parser) stepChunkCRLF() (httpmsg.Any, bool, error) {
	_, ok := p.getLine()
	if !ok {
		return nil, false, p.eofOrWait("unexpected EOF after chunk data")
	}
	p.stage = stageChunkSize
	return nil, true, nil
}

// stepChunkTrailer consumes and discards the optional trailer header
// block after the terminating zero-length chunk, per the original
// parser's documented behavior (trailers are parsed but dropped).
func (p *Parser) stepChunkTrailer() (httpmsg.Any, bool, error) {
	line, ok := p.getLine()
	if !ok {
		return nil, false, p.eofOrWait("unexpected EOF in chunk trailer")
	}
	if line == "" {
		body := p.bodyParts
		p.bodyParts = nil
		return p.finishMessage(body), true, nil
	}
	return nil, true, nil
}

func (p *Parser) stepBodyUntilEOF() (httpmsg.Any, bool, error) {
	if !p.eof {
		if len(p.buf) > 0 {
			p.bodyParts = append(p.bodyParts, p.buf...)
			p.buf = nil
		}
		return nil, false, nil
	}
	body := append(p.bodyParts, p.buf...)
	p.buf = nil
	p.bodyParts = nil
	return p.finishMessage(body), true, nil
}

// parseHTTPVersion reports whether word names an HTTP version token
// ("HTTP/1.1"), which is how the first start-line word distinguishes a
// response (the token IS the version) from a request (the token is the
// method, and the version appears later on the same line).
func parseHTTPVersion(word string) (string, bool) {
	if strings.HasPrefix(word, "HTTP/") {
		return word, true
	}
	return "", false
}

// getWord skips leading whitespace (space, tab, CR, LF), returns the next
// run of non-whitespace bytes, and consumes the whitespace that follows it
// too — mirroring the original parser's get_word primitive exactly,
// including the same persistence-format reuse described in §4.A.
func (p *Parser) getWord() (string, bool) {
	i := 0
	for i < len(p.buf) && isSpace(p.buf[i]) {
		i++
	}
	if i == len(p.buf) {
		p.buf = p.buf[i:]
		return "", false
	}
	start := i
	for i < len(p.buf) && !isSpace(p.buf[i]) {
		i++
	}
	end := i
	for i < len(p.buf) && isSpace(p.buf[i]) {
		i++
	}
	if i == len(p.buf) && !p.eof {
		// Could not confirm the trailing whitespace run is complete yet.
		return "", false
	}
	word := string(p.buf[start:end])
	p.buf = p.buf[i:]
	return word, true
}

// getLine reads up to and including the next CRLF, returning the line
// without the terminator.
func (p *Parser) getLine() (string, bool) {
	idx := indexCRLF(p.buf)
	if idx < 0 {
		return "", false
	}
	line := string(p.buf[:idx])
	p.buf = p.buf[idx+2:]
	return line, true
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
